package transport

import (
	"fmt"
	"sync"

	"github.com/pithecene-io/spm/types"
)

type guardKey struct {
	session types.SessionID
	stage   int
}

// OrderGuard enforces per-(session, stage) step ordering on a link.
//
// The first step seen for a session may be any non-negative value, since a
// link can be re-established mid-session. Every later step must be exactly
// one more than the previous. Frames are never buffered or reordered; a
// violation is reported to the caller and the guard state is unchanged.
type OrderGuard struct {
	mu   sync.Mutex
	last map[guardKey]int
}

// NewOrderGuard creates an empty guard.
func NewOrderGuard() *OrderGuard {
	return &OrderGuard{last: make(map[guardKey]int)}
}

// Check accepts or rejects step for (session, stage).
func (g *OrderGuard) Check(sessionID types.SessionID, stage, step int) error {
	if step < 0 {
		return &Error{Kind: ErrProtocolViolation, Err: fmt.Errorf("session %s stage %d: negative step %d", sessionID, stage, step)}
	}

	key := guardKey{session: sessionID, stage: stage}
	g.mu.Lock()
	defer g.mu.Unlock()

	if last, ok := g.last[key]; ok && step != last+1 {
		what := "out of order"
		if step <= last {
			what = "duplicate"
		}
		return &Error{
			Kind: ErrProtocolViolation,
			Err:  fmt.Errorf("session %s stage %d: %s step %d after %d", sessionID, stage, what, step, last),
		}
	}
	g.last[key] = step
	return nil
}

// Forget drops every stage of a session.
func (g *OrderGuard) Forget(sessionID types.SessionID) {
	g.mu.Lock()
	for key := range g.last {
		if key.session == sessionID {
			delete(g.last, key)
		}
	}
	g.mu.Unlock()
}

// Len returns the number of tracked (session, stage) pairs.
func (g *OrderGuard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.last)
}
