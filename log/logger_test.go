package log

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestLogger_ContextFields(t *testing.T) {
	var buf bytes.Buffer
	l := NewLoggerWithWriter("controller", "coord-1", &buf).WithSession("sess-9")

	l.Info("step complete", map[string]any{"step": 3})

	var entry map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry); err != nil {
		t.Fatalf("unmarshal log line: %v (%q)", err, buf.String())
	}
	if entry["component"] != "controller" {
		t.Errorf("component = %v, want controller", entry["component"])
	}
	if entry["node_id"] != "coord-1" {
		t.Errorf("node_id = %v, want coord-1", entry["node_id"])
	}
	if entry["session_id"] != "sess-9" {
		t.Errorf("session_id = %v, want sess-9", entry["session_id"])
	}
	if entry["level"] != "info" {
		t.Errorf("level = %v, want info", entry["level"])
	}
	fields, ok := entry["fields"].(map[string]any)
	if !ok || fields["step"] != float64(3) {
		t.Errorf("fields = %v, want step=3", entry["fields"])
	}
}

func TestLogger_SetLevel(t *testing.T) {
	var buf bytes.Buffer
	l := NewLoggerWithWriter("worker", "", &buf)

	l.Debug("hidden", nil)
	if buf.Len() != 0 {
		t.Fatalf("debug entry written at info level: %q", buf.String())
	}

	if err := l.SetLevel("debug"); err != nil {
		t.Fatalf("SetLevel failed: %v", err)
	}
	l.Debug("shown", nil)
	if !strings.Contains(buf.String(), "shown") {
		t.Errorf("debug entry missing after SetLevel: %q", buf.String())
	}

	if err := l.SetLevel("verbose"); err == nil {
		t.Error("expected error for unknown level")
	}
}

func TestLogger_NilSafe(t *testing.T) {
	var l *Logger
	l.Info("ignored", nil)
	l.WithSession("s").Error("ignored", nil)
	l.Sugar().Infof("ignored %d", 1)
}
