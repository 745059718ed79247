package lode

import (
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"testing"

	"github.com/justapithecus/lode/lode"

	"github.com/pithecene-io/spm/metrics"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		msg  string
		want error
	}{
		{"context deadline exceeded", ErrTimeout},
		{"connection timeout after 30s", ErrTimeout},
		{"AccessDenied: you do not have access", ErrDenied},
		{"received status 403", ErrDenied},
		{"open /data/spm: permission denied", ErrDenied},
		{"open /tmp/file: EACCES", ErrDenied},
		{"NoSuchKey: the key does not exist", ErrNotFound},
		{"NoSuchBucket", ErrNotFound},
		{"write /data: no space left on device", ErrDiskFull},
		{"SlowDown: reduce your request rate", ErrThrottled},
		{"status 429 TooManyRequests", ErrThrottled},
		{"NoCredentialProviders: no valid providers in chain", ErrAuth},
		{"ExpiredToken: the token has expired", ErrAuth},
		{"dial tcp 10.0.0.1:9000: connection refused", ErrNetwork},
		{"lookup minio: no such host", ErrNetwork},
		{"something unexpected", ErrStorage},
	}
	for _, tt := range tests {
		t.Run(tt.msg, func(t *testing.T) {
			if got := classify(errors.New(tt.msg)); got != tt.want {
				t.Errorf("classify(%q) = %v, want %v", tt.msg, got, tt.want)
			}
		})
	}
}

func TestClassify_TypedTimeout(t *testing.T) {
	if got := classify(os.ErrDeadlineExceeded); got != ErrTimeout {
		t.Errorf("classify(os.ErrDeadlineExceeded) = %v, want ErrTimeout", got)
	}
	if got := classify(nil); got != nil {
		t.Errorf("classify(nil) = %v, want nil", got)
	}
}

func TestWrap(t *testing.T) {
	if WrapWriteError(nil, "x") != nil || WrapReadError(nil, "x") != nil || WrapInitError(nil, "x") != nil {
		t.Fatal("wrapping nil should return nil")
	}

	cause := errors.New("SlowDown")
	err := WrapWriteError(cause, "spm/coordinator=c/record_kind=plan")

	if !errors.Is(err, ErrThrottled) {
		t.Errorf("errors.Is(err, ErrThrottled) = false for %v", err)
	}
	if !errors.Is(err, cause) {
		t.Error("cause should remain in the chain")
	}
	var jerr *JournalError
	if !errors.As(err, &jerr) || jerr.Op != "write" {
		t.Fatalf("errors.As() = %+v", jerr)
	}
	if want := "journal write spm/coordinator=c/record_kind=plan: rate limited: SlowDown"; err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}

	if got := WrapInitError(errors.New("boom"), "").Error(); got != "journal init: storage error: boom" {
		t.Errorf("Error() without path = %q", got)
	}
}

func TestTransient(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{WrapWriteError(errors.New("i/o timeout"), ""), true},
		{WrapWriteError(errors.New("SlowDown"), ""), true},
		{WrapWriteError(errors.New("connection reset by peer"), ""), true},
		{WrapWriteError(errors.New("AccessDenied"), ""), false},
		{WrapWriteError(errors.New("no space left"), ""), false},
		{errors.New("unclassified"), false},
		{nil, false},
	}
	for _, tt := range tests {
		if got := Transient(tt.err); got != tt.want {
			t.Errorf("Transient(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

// flakyStore fails the first failures Put calls with err, then delegates.
type flakyStore struct {
	lode.Store
	err      error
	failures int
	puts     int
}

func (s *flakyStore) Put(ctx context.Context, path string, r io.Reader) error {
	s.puts++
	if s.failures > 0 {
		s.failures--
		return s.err
	}
	return s.Store.Put(ctx, path, r)
}

func TestJournal_RetriesTransientWrite(t *testing.T) {
	store := &flakyStore{Store: lode.NewMemory(), err: errors.New("SlowDown"), failures: 1}
	collector := metrics.NewCollector("coordinator", "coord")
	j, err := NewJournal(Config{Coordinator: "coord", Now: fixedNow, Collector: collector}, sharedFactory(store))
	if err != nil {
		t.Fatalf("NewJournal() error = %v", err)
	}

	if err := j.RecordPlan(t.Context(), buildPlan(t, 1, 4)); err != nil {
		t.Fatalf("RecordPlan() error = %v", err)
	}
	snap := collector.Snapshot()
	if snap.JournalWriteSuccess != 1 || snap.JournalWriteFailure != 0 {
		t.Errorf("success/failure = %d/%d, want 1/0", snap.JournalWriteSuccess, snap.JournalWriteFailure)
	}
}

func TestJournal_PermanentWriteFailure(t *testing.T) {
	store := &flakyStore{Store: lode.NewMemory(), err: errors.New("AccessDenied"), failures: 10}
	collector := metrics.NewCollector("coordinator", "coord")
	j, err := NewJournal(Config{Coordinator: "coord", Now: fixedNow, Collector: collector}, sharedFactory(store))
	if err != nil {
		t.Fatalf("NewJournal() error = %v", err)
	}

	err = j.RecordPlan(t.Context(), buildPlan(t, 1, 4))
	if !errors.Is(err, ErrDenied) {
		t.Fatalf("RecordPlan() error = %v, want ErrDenied", err)
	}
	if !strings.Contains(err.Error(), "record_kind=plan") {
		t.Errorf("error should name the partition: %v", err)
	}
	if store.puts != 1 {
		t.Errorf("puts = %d, want 1 (no retry for permanent failures)", store.puts)
	}
	if got := collector.Snapshot().JournalWriteFailure; got != 1 {
		t.Errorf("JournalWriteFailure = %d, want 1", got)
	}
}
