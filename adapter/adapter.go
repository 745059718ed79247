// Package adapter publishes session outcomes to downstream systems.
//
// The coordinator owns adapter lifecycle; operators provide configuration
// only. Publishing is best-effort and never affects the session result.
package adapter

import (
	"context"
	"time"

	"github.com/pithecene-io/spm/controller"
	"github.com/pithecene-io/spm/log"
	"github.com/pithecene-io/spm/types"
)

// EventTypeSessionCompleted is the event_type of every published event.
const EventTypeSessionCompleted = "session_completed"

// SessionCompletedEvent is the payload published when a session ends,
// whether it completed or failed.
type SessionCompletedEvent struct {
	ProtocolVersion string  `json:"protocol_version"`
	EventType       string  `json:"event_type"`
	Coordinator     string  `json:"coordinator"`
	SessionID       string  `json:"session_id"`
	Status          string  `json:"status"`
	StopReason      string  `json:"stop_reason"`
	Tokens          int     `json:"tokens"`
	PlanVersion     uint64  `json:"plan_version"`
	Error           string  `json:"error,omitempty"`
	Timestamp       string  `json:"timestamp"` // RFC 3339
	DurationMs      int64   `json:"duration_ms"`
	TokensPerSecond float64 `json:"tokens_per_second,omitempty"`
}

// NewSessionCompletedEvent builds the event for a finished session.
func NewSessionCompletedEvent(coordinator types.NodeID, res *controller.Result, at time.Time) *SessionCompletedEvent {
	ev := &SessionCompletedEvent{
		ProtocolVersion: types.ProtocolVersion,
		EventType:       EventTypeSessionCompleted,
		Coordinator:     string(coordinator),
		SessionID:       string(res.SessionID),
		Status:          string(res.Status),
		StopReason:      string(res.StopReason),
		Tokens:          len(res.Tokens),
		PlanVersion:     res.PlanVersion,
		Timestamp:       at.UTC().Format(time.RFC3339),
		DurationMs:      res.Duration.Milliseconds(),
		TokensPerSecond: res.TokensPerSecond,
	}
	if res.Err != nil {
		ev.Error = res.Err.Error()
	}
	return ev
}

// Adapter publishes session events to a downstream system.
type Adapter interface {
	// Publish sends one event. Must respect context cancellation and
	// deadlines.
	Publish(ctx context.Context, event *SessionCompletedEvent) error

	// Close releases adapter resources.
	Close() error
}

// Notify returns a hook for controller.Config.OnFinish that publishes every
// result through a. Failures are logged.
func Notify(a Adapter, coordinator types.NodeID, logger *log.Logger) func(context.Context, *controller.Result) {
	return func(ctx context.Context, res *controller.Result) {
		ev := NewSessionCompletedEvent(coordinator, res, time.Now())
		if err := a.Publish(ctx, ev); err != nil {
			logger.Warn("session event publish failed", map[string]any{
				"session": res.SessionID,
				"error":   err.Error(),
			})
		}
	}
}
