package ipc

import (
	"fmt"

	"github.com/pithecene-io/spm/tensor"
	"github.com/pithecene-io/spm/types"
)

// FrameType is the "type" discriminant of a frame.
type FrameType string

// Frame type discriminants.
const (
	TypeHello        FrameType = "hello"
	TypeHelloAck     FrameType = "hello_ack"
	TypeActivation   FrameType = "activation"
	TypeSessionStart FrameType = "session_start"
	TypeSessionEnd   FrameType = "session_end"
	TypeCacheEvict   FrameType = "cache_evict"
	TypeHeartbeat    FrameType = "heartbeat"
	TypeError        FrameType = "error"
)

// Hello opens a link. The dialing side sends it first.
type Hello struct {
	Type            FrameType    `msgpack:"type"`
	Magic           uint32       `msgpack:"magic"`
	ProtocolVersion string       `msgpack:"protocol_version"`
	NodeID          types.NodeID `msgpack:"node_id"`
}

// NewHello builds a hello frame for the given node.
func NewHello(nodeID types.NodeID) *Hello {
	return &Hello{
		Type:            TypeHello,
		Magic:           Magic,
		ProtocolVersion: types.ProtocolVersion,
		NodeID:          nodeID,
	}
}

// HelloAck answers a hello and carries the accepting node's capabilities.
type HelloAck struct {
	Type      FrameType          `msgpack:"type"`
	Magic     uint32             `msgpack:"magic"`
	NodeID    types.NodeID       `msgpack:"node_id"`
	Accepted  bool               `msgpack:"accepted"`
	Reason    string             `msgpack:"reason,omitempty"`
	MaxLayers int                `msgpack:"max_layers"`
	Class     types.ComputeClass `msgpack:"class"`
}

// Envelope is an activation frame: one stage's input or output for one
// decode step of one session.
type Envelope struct {
	Type      FrameType       `msgpack:"type"`
	SessionID types.SessionID `msgpack:"session_id"`
	Step      int             `msgpack:"step"`
	Stage     int             `msgpack:"stage"`
	Tensor    tensor.Tensor   `msgpack:"tensor"`
	// Final is set on the output of the last stage.
	Final bool `msgpack:"final"`
}

// NewEnvelope builds an activation frame.
func NewEnvelope(sessionID types.SessionID, step, stage int, t tensor.Tensor) *Envelope {
	return &Envelope{
		Type:      TypeActivation,
		SessionID: sessionID,
		Step:      step,
		Stage:     stage,
		Tensor:    t,
	}
}

// SessionStart asks a node to begin a session's cache for a stage.
// The worker echoes it back once the cache exists.
type SessionStart struct {
	Type        FrameType       `msgpack:"type"`
	SessionID   types.SessionID `msgpack:"session_id"`
	Stage       int             `msgpack:"stage"`
	Start       int             `msgpack:"start"`
	End         int             `msgpack:"end"`
	PlanVersion uint64          `msgpack:"plan_version"`
}

// SessionEnd releases a session's cache for a stage. Echoed on completion.
type SessionEnd struct {
	Type      FrameType       `msgpack:"type"`
	SessionID types.SessionID `msgpack:"session_id"`
	Stage     int             `msgpack:"stage"`
}

// CacheEvict drops every stage of a session held by the receiving node.
// Echoed on completion.
type CacheEvict struct {
	Type      FrameType       `msgpack:"type"`
	SessionID types.SessionID `msgpack:"session_id"`
}

// Heartbeat is sent periodically by workers on every accepted link.
type Heartbeat struct {
	Type   FrameType    `msgpack:"type"`
	NodeID types.NodeID `msgpack:"node_id"`
	// TsUnixNano is the sender's wall clock.
	TsUnixNano int64 `msgpack:"ts"`
}

// Remote error kinds carried by ErrorFrame.
const (
	ErrorKindOutOfOrderStep     = "out_of_order_step"
	ErrorKindProtocolViolation  = "protocol_violation"
	ErrorKindUnknownSession     = "unknown_session"
	ErrorKindCapacityExceeded   = "capacity_exceeded"
	ErrorKindCompute            = "compute"
	ErrorKindUnsupportedRequest = "unsupported"
)

// ErrorFrame reports a failure processing a request frame. ReplyTo, Step and
// Stage identify the request it answers.
type ErrorFrame struct {
	Type      FrameType       `msgpack:"type"`
	ReplyTo   FrameType       `msgpack:"reply_to"`
	SessionID types.SessionID `msgpack:"session_id"`
	Step      int             `msgpack:"step"`
	Stage     int             `msgpack:"stage"`
	Kind      string          `msgpack:"kind"`
	Message   string          `msgpack:"message"`
}

func (e *ErrorFrame) Error() string {
	return fmt.Sprintf("remote %s error on %s (session %s stage %d step %d): %s",
		e.Kind, e.ReplyTo, e.SessionID, e.Stage, e.Step, e.Message)
}

// Key identifies a request and the reply that answers it.
type Key struct {
	SessionID types.SessionID
	Type      FrameType
	Stage     int
	Step      int
}

// KeyOf returns the correlation key of a session-scoped frame. Replies share
// the key of their request; an ErrorFrame takes the key of the request it
// answers.
func KeyOf(frame any) (Key, bool) {
	switch f := frame.(type) {
	case *Envelope:
		return Key{SessionID: f.SessionID, Type: TypeActivation, Stage: f.Stage, Step: f.Step}, true
	case *SessionStart:
		return Key{SessionID: f.SessionID, Type: TypeSessionStart, Stage: f.Stage}, true
	case *SessionEnd:
		return Key{SessionID: f.SessionID, Type: TypeSessionEnd, Stage: f.Stage}, true
	case *CacheEvict:
		return Key{SessionID: f.SessionID, Type: TypeCacheEvict}, true
	case *ErrorFrame:
		k := Key{SessionID: f.SessionID, Type: f.ReplyTo, Stage: f.Stage, Step: f.Step}
		switch f.ReplyTo {
		case TypeSessionStart, TypeSessionEnd:
			k.Step = 0
		case TypeCacheEvict:
			k.Step, k.Stage = 0, 0
		}
		return k, true
	default:
		return Key{}, false
	}
}

// ErrorReply builds the ErrorFrame answering a request frame.
func ErrorReply(request any, kind string, err error) *ErrorFrame {
	reply := &ErrorFrame{Type: TypeError, Kind: kind}
	if err != nil {
		reply.Message = err.Error()
	}
	if k, ok := KeyOf(request); ok {
		reply.ReplyTo = k.Type
		reply.SessionID = k.SessionID
		reply.Stage = k.Stage
		reply.Step = k.Step
	}
	return reply
}
