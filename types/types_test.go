package types //nolint:revive // types is a valid package name

import "testing"

func TestSessionStatus_IsTerminal(t *testing.T) {
	tests := []struct {
		status SessionStatus
		want   bool
	}{
		{SessionStarting, false},
		{SessionActive, false},
		{SessionCompleted, true},
		{SessionFailed, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			if got := tt.status.IsTerminal(); got != tt.want {
				t.Errorf("SessionStatus(%q).IsTerminal() = %v, want %v", tt.status, got, tt.want)
			}
		})
	}
}

func TestNodeStatus_IsLive(t *testing.T) {
	tests := []struct {
		status NodeStatus
		want   bool
	}{
		{NodeJoining, true},
		{NodeReady, true},
		{NodeUnreachable, false},
		{NodeLeft, false},
	}

	for _, tt := range tests {
		if got := tt.status.IsLive(); got != tt.want {
			t.Errorf("NodeStatus(%q).IsLive() = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestParseComputeClass(t *testing.T) {
	tests := []struct {
		in   string
		want ComputeClass
		ok   bool
	}{
		{"", ComputeCPU, true},
		{"cpu", ComputeCPU, true},
		{"gpu", ComputeGPU, true},
		{"cuda", ComputeGPU, true},
		{"metal", ComputeGPU, true},
		{"tpu", "", false},
	}

	for _, tt := range tests {
		got, ok := ParseComputeClass(tt.in)
		if got != tt.want || ok != tt.ok {
			t.Errorf("ParseComputeClass(%q) = (%q, %v), want (%q, %v)", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}
