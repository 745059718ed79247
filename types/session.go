package types

// SessionID uniquely identifies one in-flight generation request.
// The identifier scheme is owned by the caller; see controller.IDGenerator.
type SessionID string

// SessionStatus is the lifecycle state of a generation session.
type SessionStatus string

// Session status constants.
const (
	SessionStarting  SessionStatus = "starting"
	SessionActive    SessionStatus = "active"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
)

// IsTerminal returns true if no further transitions are possible.
func (s SessionStatus) IsTerminal() bool {
	return s == SessionCompleted || s == SessionFailed
}

// StopReason records why an active session stopped generating.
type StopReason string

// Stop reason constants.
const (
	StopMaxTokens StopReason = "max_tokens"
	StopEOS       StopReason = "eos"
	StopCanceled  StopReason = "canceled"
	StopError     StopReason = "error"
)
