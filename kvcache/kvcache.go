// Package kvcache keeps the per-(session, stage) key/value state a node
// accumulates across decode steps.
//
// Each worker owns one Coordinator. A handle grows by exactly one slice per
// completed step, and a step that does not match the current length is
// rejected without touching the handle.
package kvcache

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/pithecene-io/spm/log"
	"github.com/pithecene-io/spm/metrics"
	"github.com/pithecene-io/spm/tensor"
	"github.com/pithecene-io/spm/types"
)

// Sentinel errors.
var (
	// ErrOutOfOrderStep indicates an append whose step is not the handle length.
	ErrOutOfOrderStep = errors.New("out of order step")
	// ErrUnknownSession indicates no cache was begun for the (session, stage).
	ErrUnknownSession = errors.New("unknown session")
	// ErrCapacityExceeded indicates the handle already holds MaxPositions positions.
	ErrCapacityExceeded = errors.New("cache capacity exceeded")
)

// Error carries the (session, stage) a cache failure concerns.
type Error struct {
	Kind      error
	SessionID types.SessionID
	Stage     int
	Step      int
	Len       int
}

func (e *Error) Error() string {
	switch e.Kind {
	case ErrOutOfOrderStep:
		return fmt.Sprintf("session %s stage %d: %v: got step %d, cache length %d",
			e.SessionID, e.Stage, e.Kind, e.Step, e.Len)
	default:
		return fmt.Sprintf("session %s stage %d: %v", e.SessionID, e.Stage, e.Kind)
	}
}

// Is reports whether the error matches the target sentinel.
func (e *Error) Is(target error) bool {
	return e.Kind == target
}

// Key addresses one handle.
type Key struct {
	SessionID types.SessionID
	Stage     int
}

// Handle is the cache of one stage of one session: an ordered list of
// per-step KV slices.
//
// A Handle is written only by the goroutine serving that stage's frames, so
// reads from a Forwarder need no locking.
type Handle struct {
	key       Key
	entries   []tensor.Tensor
	positions int
	pending   *tensor.Tensor
}

// Len returns the number of completed steps.
func (h *Handle) Len() int {
	return len(h.entries)
}

// Positions returns the number of token positions covered by the entries.
func (h *Handle) Positions() int {
	return h.positions
}

// Entry returns the KV slice recorded for a step.
func (h *Handle) Entry(step int) tensor.Tensor {
	return h.entries[step]
}

// Entries returns the recorded slices in step order. The slice must not be
// modified.
func (h *Handle) Entries() []tensor.Tensor {
	return h.entries[:len(h.entries):len(h.entries)]
}

// Put stages the KV slice produced by the step being computed. The owner
// commits it with Coordinator.Append.
func (h *Handle) Put(slice tensor.Tensor) {
	h.pending = &slice
}

// Take returns and clears the staged slice.
func (h *Handle) Take() (tensor.Tensor, bool) {
	if h.pending == nil {
		return tensor.Tensor{}, false
	}
	slice := *h.pending
	h.pending = nil
	return slice, true
}

// Config configures a Coordinator.
type Config struct {
	// MaxPositions bounds the positions one handle may hold. Zero means
	// unbounded.
	MaxPositions int
	Logger       *log.Logger
	Collector    *metrics.Collector
}

// Coordinator owns every handle on one node.
type Coordinator struct {
	config Config

	mu      sync.Mutex
	handles map[Key]*Handle
}

// New creates an empty coordinator.
func New(cfg Config) *Coordinator {
	return &Coordinator{
		config:  cfg,
		handles: make(map[Key]*Handle),
	}
}

// Begin creates an empty handle for (session, stage). Beginning an existing
// handle resets it.
func (c *Coordinator) Begin(sessionID types.SessionID, stage int) error {
	key := Key{SessionID: sessionID, Stage: stage}
	c.mu.Lock()
	_, existed := c.handles[key]
	c.handles[key] = &Handle{key: key}
	c.mu.Unlock()

	if existed {
		c.config.Logger.Warn("cache handle reset", map[string]any{
			"session": sessionID,
			"stage":   stage,
		})
	}
	return nil
}

// Append commits the slice for step. Step must equal the current length;
// otherwise ErrOutOfOrderStep is returned and the handle is unchanged.
// The slice's leading dimension counts the positions it covers.
func (c *Coordinator) Append(sessionID types.SessionID, stage, step int, slice tensor.Tensor) error {
	key := Key{SessionID: sessionID, Stage: stage}

	c.mu.Lock()
	defer c.mu.Unlock()

	h, ok := c.handles[key]
	if !ok {
		c.config.Collector.IncCacheRejected()
		return &Error{Kind: ErrUnknownSession, SessionID: sessionID, Stage: stage, Step: step}
	}
	if step != len(h.entries) {
		c.config.Collector.IncCacheRejected()
		return &Error{Kind: ErrOutOfOrderStep, SessionID: sessionID, Stage: stage, Step: step, Len: len(h.entries)}
	}
	positions := 1
	if len(slice.Shape) > 0 {
		positions = slice.Shape[0]
	}
	if c.config.MaxPositions > 0 && h.positions+positions > c.config.MaxPositions {
		c.config.Collector.IncCacheRejected()
		return &Error{Kind: ErrCapacityExceeded, SessionID: sessionID, Stage: stage, Step: step, Len: len(h.entries)}
	}

	h.entries = append(h.entries, slice)
	h.positions += positions
	c.config.Collector.IncCacheAppend()
	return nil
}

// Check returns ErrOutOfOrderStep if step is not the next step for the
// handle, without modifying it.
func (c *Coordinator) Check(sessionID types.SessionID, stage, step int) error {
	key := Key{SessionID: sessionID, Stage: stage}
	c.mu.Lock()
	defer c.mu.Unlock()

	h, ok := c.handles[key]
	if !ok {
		return &Error{Kind: ErrUnknownSession, SessionID: sessionID, Stage: stage, Step: step}
	}
	if step != len(h.entries) {
		return &Error{Kind: ErrOutOfOrderStep, SessionID: sessionID, Stage: stage, Step: step, Len: len(h.entries)}
	}
	return nil
}

// End drops the handle for (session, stage). Ending an unknown handle is a
// no-op.
func (c *Coordinator) End(sessionID types.SessionID, stage int) {
	c.mu.Lock()
	delete(c.handles, Key{SessionID: sessionID, Stage: stage})
	c.mu.Unlock()
}

// Evict drops every stage of a session and returns how many handles were
// removed.
func (c *Coordinator) Evict(sessionID types.SessionID) int {
	c.mu.Lock()
	n := 0
	for key := range c.handles {
		if key.SessionID == sessionID {
			delete(c.handles, key)
			n++
		}
	}
	c.mu.Unlock()

	if n > 0 {
		c.config.Collector.IncCacheEviction()
		c.config.Logger.Info("cache evicted", map[string]any{
			"session": sessionID,
			"handles": n,
		})
	}
	return n
}

// Len returns the handle length, or -1 if it does not exist.
func (c *Coordinator) Len(sessionID types.SessionID, stage int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.handles[Key{SessionID: sessionID, Stage: stage}]
	if !ok {
		return -1
	}
	return len(h.entries)
}

// Handle returns the handle for (session, stage).
func (c *Coordinator) Handle(sessionID types.SessionID, stage int) (*Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.handles[Key{SessionID: sessionID, Stage: stage}]
	if !ok {
		return nil, &Error{Kind: ErrUnknownSession, SessionID: sessionID, Stage: stage}
	}
	return h, nil
}

// Sessions returns the keys of every live handle, sorted.
func (c *Coordinator) Sessions() []Key {
	c.mu.Lock()
	keys := make([]Key, 0, len(c.handles))
	for k := range c.handles {
		keys = append(keys, k)
	}
	c.mu.Unlock()

	slices.SortFunc(keys, func(a, b Key) int {
		if n := cmp.Compare(a.SessionID, b.SessionID); n != 0 {
			return n
		}
		return cmp.Compare(a.Stage, b.Stage)
	})
	return keys
}
