// Package registry tracks worker nodes, their declared capacity, and which
// running sessions depend on them.
//
// Liveness is heartbeat based. The registry has no timer of its own: the
// host calls Sweep periodically with the current time, so tests drive it
// with a fake clock. All state sits behind one mutex; listeners are invoked
// after the lock is released.
package registry

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/pithecene-io/spm/log"
	"github.com/pithecene-io/spm/metrics"
	"github.com/pithecene-io/spm/plan"
	"github.com/pithecene-io/spm/types"
)

// Default liveness windows.
const (
	DefaultHeartbeatTimeout = 10 * time.Second
	DefaultGracePeriod      = 60 * time.Second
)

// Capacity is what a node declares it can serve.
type Capacity struct {
	MaxLayers int                `json:"max_layers" yaml:"max_layers"`
	Class     types.ComputeClass `json:"class" yaml:"class"`
}

// Node describes a registered worker.
type Node struct {
	ID            types.NodeID     `json:"id" yaml:"id"`
	Address       string           `json:"address" yaml:"address"`
	Capacity      Capacity         `json:"capacity" yaml:"capacity"`
	LastHeartbeat time.Time        `json:"last_heartbeat" yaml:"last_heartbeat"`
	Status        types.NodeStatus `json:"status" yaml:"status"`
}

// Clock abstracts time for heartbeat bookkeeping.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Handshaker performs the capability handshake with a joining node and
// returns the capacity the node actually reports.
type Handshaker interface {
	Handshake(ctx context.Context, node Node) (Capacity, error)
}

// LostEvent is delivered when a node that holds stages of running sessions
// becomes Unreachable or Left.
type LostEvent struct {
	NodeID   types.NodeID
	Status   types.NodeStatus
	Sessions []types.SessionID
}

// Listener receives LostEvents. It must not call back into the registry
// synchronously with blocking work.
type Listener func(LostEvent)

// Transition records one status change performed by Sweep.
type Transition struct {
	NodeID types.NodeID
	From   types.NodeStatus
	To     types.NodeStatus
}

// Config configures a Registry.
type Config struct {
	// HeartbeatTimeout is the heartbeat age after which a Ready node
	// becomes Unreachable (default 10s).
	HeartbeatTimeout time.Duration
	// GracePeriod is the heartbeat age after which an Unreachable node is
	// removed as Left (default 60s). Must exceed HeartbeatTimeout.
	GracePeriod time.Duration
	// Clock defaults to the system clock.
	Clock Clock
	// Handshaker, if set, is run by Register to move a node to Ready.
	Handshaker Handshaker
	// Logger and Collector are optional.
	Logger    *log.Logger
	Collector *metrics.Collector
}

// Registry is the set of known nodes.
type Registry struct {
	config Config
	logger *log.Logger

	mu          sync.Mutex
	nodes       map[types.NodeID]*Node
	assignments map[types.SessionID][]types.NodeID
	listeners   []Listener
}

// New creates an empty registry.
func New(cfg Config) *Registry {
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if cfg.GracePeriod <= cfg.HeartbeatTimeout {
		cfg.GracePeriod = max(DefaultGracePeriod, 2*cfg.HeartbeatTimeout)
	}
	if cfg.Clock == nil {
		cfg.Clock = systemClock{}
	}
	return &Registry{
		config:      cfg,
		logger:      cfg.Logger,
		nodes:       make(map[types.NodeID]*Node),
		assignments: make(map[types.SessionID][]types.NodeID),
	}
}

// Subscribe registers a listener for lost-node events.
func (r *Registry) Subscribe(l Listener) {
	r.mu.Lock()
	r.listeners = append(r.listeners, l)
	r.mu.Unlock()
}

// Register admits a node in Joining state. If a Handshaker is configured the
// handshake runs outside the lock and, on success, the node becomes Ready
// with the capacity it reported. A handshake failure removes the node.
// Fails with ErrDuplicateNode if the id is already Ready.
func (r *Registry) Register(ctx context.Context, n Node) error {
	r.mu.Lock()
	if existing, ok := r.nodes[n.ID]; ok && existing.Status == types.NodeReady {
		r.mu.Unlock()
		return &Error{Kind: ErrDuplicateNode, NodeID: n.ID}
	}
	n.Status = types.NodeJoining
	n.LastHeartbeat = r.config.Clock.Now()
	stored := n
	r.nodes[n.ID] = &stored
	r.mu.Unlock()

	r.logger.Info("node joining", map[string]any{
		"node":    n.ID,
		"address": n.Address,
	})

	if r.config.Handshaker == nil {
		return nil
	}

	capacity, err := r.config.Handshaker.Handshake(ctx, n)
	if err != nil {
		r.mu.Lock()
		if cur, ok := r.nodes[n.ID]; ok && cur.Status == types.NodeJoining {
			delete(r.nodes, n.ID)
		}
		r.mu.Unlock()
		r.logger.Warn("node handshake failed", map[string]any{
			"node":  n.ID,
			"error": err.Error(),
		})
		return &Error{Kind: ErrHandshakeFailed, NodeID: n.ID, Err: err}
	}
	return r.CompleteHandshake(n.ID, capacity)
}

// CompleteHandshake moves a Joining node to Ready with the given capacity.
func (r *Registry) CompleteHandshake(id types.NodeID, capacity Capacity) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	n, ok := r.nodes[id]
	if !ok {
		return &Error{Kind: ErrUnknownNode, NodeID: id}
	}
	if n.Status == types.NodeReady {
		return &Error{Kind: ErrDuplicateNode, NodeID: id}
	}
	n.Capacity = capacity
	n.Status = types.NodeReady
	n.LastHeartbeat = r.config.Clock.Now()

	r.logger.Info("node ready", map[string]any{
		"node":       id,
		"max_layers": capacity.MaxLayers,
		"class":      capacity.Class,
	})
	return nil
}

// Heartbeat records a heartbeat. Unknown nodes are ignored. An Unreachable
// node that heartbeats again returns to Ready.
func (r *Registry) Heartbeat(id types.NodeID, ts time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n, ok := r.nodes[id]
	if !ok {
		return
	}
	if ts.After(n.LastHeartbeat) {
		n.LastHeartbeat = ts
	}
	if n.Status == types.NodeUnreachable {
		n.Status = types.NodeReady
		r.logger.Info("node recovered", map[string]any{"node": id})
	}
}

// Sweep applies heartbeat timeouts as of now and returns the transitions
// made. Ready nodes older than HeartbeatTimeout become Unreachable;
// Unreachable nodes older than GracePeriod are removed as Left. Listeners
// are notified for affected nodes that hold stages of running sessions.
func (r *Registry) Sweep(now time.Time) []Transition {
	r.mu.Lock()
	var transitions []Transition
	var events []LostEvent
	for id, n := range r.nodes {
		age := now.Sub(n.LastHeartbeat)
		switch {
		case n.Status == types.NodeReady && age > r.config.HeartbeatTimeout:
			n.Status = types.NodeUnreachable
			transitions = append(transitions, Transition{NodeID: id, From: types.NodeReady, To: types.NodeUnreachable})
			r.config.Collector.IncNodeUnreachable()
			if sessions := r.sessionsUsingLocked(id); len(sessions) > 0 {
				events = append(events, LostEvent{NodeID: id, Status: types.NodeUnreachable, Sessions: sessions})
			}
		case n.Status == types.NodeUnreachable && age > r.config.GracePeriod:
			delete(r.nodes, id)
			transitions = append(transitions, Transition{NodeID: id, From: types.NodeUnreachable, To: types.NodeLeft})
			r.config.Collector.IncNodeLeft()
		}
	}
	listeners := slices.Clone(r.listeners)
	r.mu.Unlock()

	slices.SortFunc(transitions, func(a, b Transition) int { return cmp.Compare(a.NodeID, b.NodeID) })
	for _, tr := range transitions {
		r.logger.Warn("node status changed", map[string]any{
			"node": tr.NodeID,
			"from": tr.From,
			"to":   tr.To,
		})
	}
	r.notify(listeners, events)
	return transitions
}

// Leave handles an explicit leave message: the node is removed as Left.
func (r *Registry) Leave(id types.NodeID) error {
	r.mu.Lock()
	if _, ok := r.nodes[id]; !ok {
		r.mu.Unlock()
		return &Error{Kind: ErrUnknownNode, NodeID: id}
	}
	delete(r.nodes, id)
	var events []LostEvent
	if sessions := r.sessionsUsingLocked(id); len(sessions) > 0 {
		events = append(events, LostEvent{NodeID: id, Status: types.NodeLeft, Sessions: sessions})
	}
	listeners := slices.Clone(r.listeners)
	r.mu.Unlock()

	r.config.Collector.IncNodeLeft()
	r.logger.Info("node left", map[string]any{"node": id})
	r.notify(listeners, events)
	return nil
}

// Snapshot returns the Ready nodes sorted by id. It never blocks on I/O.
func (r *Registry) Snapshot() []Node {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Node, 0, len(r.nodes))
	for _, n := range r.nodes {
		if n.Status == types.NodeReady {
			out = append(out, *n)
		}
	}
	slices.SortFunc(out, func(a, b Node) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

// All returns every known node regardless of status, sorted by id.
func (r *Registry) All() []Node {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Node, 0, len(r.nodes))
	for _, n := range r.nodes {
		out = append(out, *n)
	}
	slices.SortFunc(out, func(a, b Node) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

// Get returns a node by id.
func (r *Registry) Get(id types.NodeID) (Node, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.nodes[id]
	if !ok {
		return Node{}, false
	}
	return *n, true
}

// Candidates implements plan.Source over the Ready nodes.
func (r *Registry) Candidates() []plan.Candidate {
	ready := r.Snapshot()
	out := make([]plan.Candidate, len(ready))
	for i, n := range ready {
		out[i] = plan.Candidate{
			ID:        n.ID,
			Address:   n.Address,
			MaxLayers: n.Capacity.MaxLayers,
			Class:     n.Capacity.Class,
		}
	}
	return out
}

// Assign records that a running session holds stages on the given nodes.
func (r *Registry) Assign(sessionID types.SessionID, nodes []types.NodeID) {
	r.mu.Lock()
	r.assignments[sessionID] = slices.Clone(nodes)
	r.mu.Unlock()
}

// Release forgets a session's stage assignment.
func (r *Registry) Release(sessionID types.SessionID) {
	r.mu.Lock()
	delete(r.assignments, sessionID)
	r.mu.Unlock()
}

// sessionsUsingLocked returns the sessions with a stage on the node, sorted.
// Caller must hold r.mu.
func (r *Registry) sessionsUsingLocked(id types.NodeID) []types.SessionID {
	var out []types.SessionID
	for sid, nodes := range r.assignments {
		if slices.Contains(nodes, id) {
			out = append(out, sid)
		}
	}
	slices.Sort(out)
	return out
}

func (r *Registry) notify(listeners []Listener, events []LostEvent) {
	for _, ev := range events {
		r.logger.Warn("node lost with active sessions", map[string]any{
			"node":     ev.NodeID,
			"status":   ev.Status,
			"sessions": len(ev.Sessions),
		})
		for _, l := range listeners {
			l(ev)
		}
	}
}

// Verify Registry implements plan.Source.
var _ plan.Source = (*Registry)(nil)
