package transport

import (
	"errors"
	"fmt"

	"github.com/pithecene-io/spm/ipc"
	"github.com/pithecene-io/spm/kvcache"
	"github.com/pithecene-io/spm/types"
)

// Sentinel errors for transport failure classification.
var (
	// ErrLinkDown indicates the link's connection failed or was closed.
	ErrLinkDown = errors.New("link down")

	// ErrProtocolViolation indicates a peer broke the wire contract: bad
	// magic, unexpected frame, or an out-of-order or duplicate step.
	ErrProtocolViolation = errors.New("protocol violation")

	// ErrRejected indicates the peer refused the hello.
	ErrRejected = errors.New("handshake rejected")
)

// Error wraps a transport failure with the link it occurred on.
type Error struct {
	Kind error
	From types.NodeID
	To   types.NodeID
	Err  error
}

func (e *Error) Error() string {
	link := fmt.Sprintf("link %s->%s", e.From, e.To)
	if e.From == "" && e.To == "" {
		link = "transport"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v: %v", link, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %v", link, e.Kind)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether the error matches the target sentinel.
func (e *Error) Is(target error) bool {
	return errors.Is(e.Kind, target)
}

// IsLinkDown reports whether err is a link failure.
func IsLinkDown(err error) bool {
	return errors.Is(err, ErrLinkDown)
}

// RemoteError is an error frame returned by the peer in answer to a request.
// It matches the local sentinel for its kind, so callers can test
// errors.Is(err, kvcache.ErrOutOfOrderStep) regardless of which node failed.
type RemoteError struct {
	Frame *ipc.ErrorFrame
}

func (e *RemoteError) Error() string {
	return e.Frame.Error()
}

// Is maps the remote kind onto local sentinels.
func (e *RemoteError) Is(target error) bool {
	switch e.Frame.Kind {
	case ipc.ErrorKindOutOfOrderStep:
		return target == kvcache.ErrOutOfOrderStep
	case ipc.ErrorKindUnknownSession:
		return target == kvcache.ErrUnknownSession
	case ipc.ErrorKindCapacityExceeded:
		return target == kvcache.ErrCapacityExceeded
	case ipc.ErrorKindProtocolViolation:
		return target == ErrProtocolViolation
	default:
		return false
	}
}
