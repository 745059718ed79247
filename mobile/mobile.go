// Package mobile is a blocking call surface for embedding a coordinator in
// an app through gomobile bind. Only bind-compatible types cross the
// boundary.
package mobile

import (
	"context"
	"errors"
	"sync"

	"github.com/pithecene-io/spm/cli/config"
	"github.com/pithecene-io/spm/cluster"
	"github.com/pithecene-io/spm/controller"
	"github.com/pithecene-io/spm/log"
	"github.com/pithecene-io/spm/sampling"
	"github.com/pithecene-io/spm/types"
)

// ErrClosed is returned by calls on a closed engine.
var ErrClosed = errors.New("engine closed")

// Engine is a coordinator bound to the topology in its config.
type Engine struct {
	coord    *cluster.Coordinator
	sampling sampling.Params

	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	closed bool
}

// NewEngine parses an spm.yaml document, joins its topology and starts the
// liveness sweep.
func NewEngine(configYAML string) (*Engine, error) {
	cfg, err := config.Parse([]byte(configYAML), "engine config")
	if err != nil {
		return nil, err
	}
	params, err := cfg.SamplingParams()
	if err != nil {
		return nil, err
	}

	logger := log.NewLogger("mobile", types.NodeID(cfg.NodeID))
	if cfg.LogLevel != "" {
		if err := logger.SetLevel(cfg.LogLevel); err != nil {
			return nil, err
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	coord, err := cluster.NewCoordinator(ctx, cfg, cluster.Options{Logger: logger})
	if err != nil {
		cancel()
		return nil, err
	}
	if err := coord.Join(ctx); err != nil {
		cancel()
		_ = coord.Close()
		return nil, err
	}

	e := &Engine{
		coord:    coord,
		sampling: params,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go func() {
		defer close(e.done)
		_ = coord.Run(ctx)
	}()
	return e, nil
}

// Generate runs one session and returns the generated text. maxTokens <= 0
// uses the configured default.
func (e *Engine) Generate(prompt string, maxTokens int) (string, error) {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return "", ErrClosed
	}

	if maxTokens <= 0 {
		maxTokens = e.coord.MaxTokens()
	}
	res, err := e.coord.Controller.Generate(context.Background(), controller.Request{
		Prompt:    prompt,
		MaxTokens: maxTokens,
		Sampling:  e.sampling,
	})
	if err != nil {
		return "", err
	}
	if res.Err != nil {
		return res.Text, res.Err
	}
	return res.Text, nil
}

// PlanVersion returns the current plan version, or 0 without a plan.
func (e *Engine) PlanVersion() int64 {
	p := e.coord.Planner.Current()
	if p == nil {
		return 0
	}
	return int64(p.Version)
}

// Close stops the sweep and releases every link.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.cancel()
	<-e.done
	return e.coord.Close()
}

// Version reports the library version.
func Version() string {
	return types.Version
}
