// Package worker hosts pipeline stages on a node.
//
// A Worker is the transport.Handler of a stage node: session_start begins a
// cache for (session, stage), each activation runs the stage's layers
// against that cache and commits one KV slice, and session_end or
// cache_evict releases it. Activations of one (session, stage) are
// serialized, including a retry that arrives on a fresh link while the
// stale link's frame is still running. A retry of the step that was just
// committed is answered with the stored reply and leaves the cache as is.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pithecene-io/spm/compute"
	"github.com/pithecene-io/spm/ipc"
	"github.com/pithecene-io/spm/kvcache"
	"github.com/pithecene-io/spm/log"
	"github.com/pithecene-io/spm/metrics"
	"github.com/pithecene-io/spm/transport"
	"github.com/pithecene-io/spm/types"
)

// Config configures a Worker.
type Config struct {
	NodeID types.NodeID
	Model  compute.Model
	// Cache defaults to an unbounded coordinator.
	Cache     *kvcache.Coordinator
	Logger    *log.Logger
	Collector *metrics.Collector
}

type stageState struct {
	forwarder compute.Forwarder
	start     int
	end       int

	mu sync.Mutex
	// last is the reply to the most recently committed step.
	last *ipc.Envelope
}

// Worker serves stage frames.
type Worker struct {
	config Config
	cache  *kvcache.Coordinator
	logger *log.Logger

	mu     sync.Mutex
	stages map[kvcache.Key]*stageState
}

// New creates a worker.
func New(cfg Config) *Worker {
	cache := cfg.Cache
	if cache == nil {
		cache = kvcache.New(kvcache.Config{Logger: cfg.Logger, Collector: cfg.Collector})
	}
	return &Worker{
		config: cfg,
		cache:  cache,
		logger: cfg.Logger,
		stages: make(map[kvcache.Key]*stageState),
	}
}

// Cache returns the worker's cache coordinator.
func (w *Worker) Cache() *kvcache.Coordinator {
	return w.cache
}

// ServeFrame implements transport.Handler.
func (w *Worker) ServeFrame(_ context.Context, peer types.NodeID, frame any) any {
	switch f := frame.(type) {
	case *ipc.SessionStart:
		return w.startSession(peer, f)
	case *ipc.Envelope:
		return w.forward(f)
	case *ipc.SessionEnd:
		w.cache.End(f.SessionID, f.Stage)
		w.mu.Lock()
		delete(w.stages, kvcache.Key{SessionID: f.SessionID, Stage: f.Stage})
		w.mu.Unlock()
		w.logger.Debug("session ended", map[string]any{
			"session": f.SessionID,
			"stage":   f.Stage,
		})
		return f
	case *ipc.CacheEvict:
		w.cache.Evict(f.SessionID)
		w.mu.Lock()
		for key := range w.stages {
			if key.SessionID == f.SessionID {
				delete(w.stages, key)
			}
		}
		w.mu.Unlock()
		return f
	default:
		return ipc.ErrorReply(frame, ipc.ErrorKindUnsupportedRequest, fmt.Errorf("unsupported frame %T", frame))
	}
}

func (w *Worker) startSession(peer types.NodeID, f *ipc.SessionStart) any {
	fw, err := w.config.Model.Stage(f.Start, f.End)
	if err != nil {
		return ipc.ErrorReply(f, ipc.ErrorKindCompute, err)
	}
	if err := w.cache.Begin(f.SessionID, f.Stage); err != nil {
		return ipc.ErrorReply(f, errorKind(err), err)
	}

	w.mu.Lock()
	w.stages[kvcache.Key{SessionID: f.SessionID, Stage: f.Stage}] = &stageState{forwarder: fw, start: f.Start, end: f.End}
	w.mu.Unlock()

	w.logger.Info("session started", map[string]any{
		"session":      f.SessionID,
		"stage":        f.Stage,
		"layers":       fmt.Sprintf("[%d,%d)", f.Start, f.End),
		"plan_version": f.PlanVersion,
		"coordinator":  peer,
	})
	return f
}

func (w *Worker) forward(f *ipc.Envelope) any {
	key := kvcache.Key{SessionID: f.SessionID, Stage: f.Stage}
	w.mu.Lock()
	st, ok := w.stages[key]
	w.mu.Unlock()
	if !ok {
		return ipc.ErrorReply(f, ipc.ErrorKindUnknownSession, fmt.Errorf("no session %s at stage %d", f.SessionID, f.Stage))
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	if err := w.cache.Check(f.SessionID, f.Stage, f.Step); err != nil {
		if reply := st.replay(f, w.cache.Len(f.SessionID, f.Stage)); reply != nil {
			w.logger.Info("replaying activation reply", map[string]any{
				"session": f.SessionID,
				"stage":   f.Stage,
				"step":    f.Step,
			})
			return reply
		}
		w.logger.Warn("activation rejected", map[string]any{
			"session": f.SessionID,
			"stage":   f.Stage,
			"step":    f.Step,
			"error":   err.Error(),
		})
		return ipc.ErrorReply(f, errorKind(err), err)
	}
	handle, err := w.cache.Handle(f.SessionID, f.Stage)
	if err != nil {
		return ipc.ErrorReply(f, errorKind(err), err)
	}

	out, err := st.forwarder.Forward(f.Tensor, handle)
	if err != nil {
		_, _ = handle.Take()
		return ipc.ErrorReply(f, ipc.ErrorKindCompute, err)
	}
	slice, staged := handle.Take()
	if !staged {
		return ipc.ErrorReply(f, ipc.ErrorKindCompute,
			fmt.Errorf("stage [%d,%d) returned without staging a KV slice for step %d", st.start, st.end, f.Step))
	}
	if err := w.cache.Append(f.SessionID, f.Stage, f.Step, slice); err != nil {
		return ipc.ErrorReply(f, errorKind(err), err)
	}
	w.config.Collector.IncForward()

	reply := ipc.NewEnvelope(f.SessionID, f.Step, f.Stage, out)
	reply.Final = st.end == w.config.Model.NumLayers()
	st.last = reply
	return reply
}

// replay returns the stored reply when f repeats the step committed last,
// which is what a coordinator sends after losing the reply to a link drop.
func (st *stageState) replay(f *ipc.Envelope, cached int) *ipc.Envelope {
	if st.last == nil || st.last.Step != f.Step || cached != f.Step+1 {
		return nil
	}
	return st.last
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, kvcache.ErrOutOfOrderStep):
		return ipc.ErrorKindOutOfOrderStep
	case errors.Is(err, kvcache.ErrUnknownSession):
		return ipc.ErrorKindUnknownSession
	case errors.Is(err, kvcache.ErrCapacityExceeded):
		return ipc.ErrorKindCapacityExceeded
	default:
		return ipc.ErrorKindCompute
	}
}

// Verify Worker implements transport.Handler.
var _ transport.Handler = (*Worker)(nil)
