// Package controller drives generation sessions across the pipeline.
//
// A session moves Starting -> Active -> Completed or Failed. Setup pins a
// copy of the current plan, opens a link to every stage node and begins the
// stage caches. Each decode step embeds the input, relays the activation
// through the stages in order (the coordinator forwards stage k's output as
// stage k+1's input), samples a token from the final stage's logits and
// appends it. Steps of one session are strictly sequential; sessions are
// independent and may run concurrently over shared links.
package controller

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pithecene-io/spm/compute"
	"github.com/pithecene-io/spm/ipc"
	"github.com/pithecene-io/spm/log"
	"github.com/pithecene-io/spm/metrics"
	"github.com/pithecene-io/spm/plan"
	"github.com/pithecene-io/spm/registry"
	"github.com/pithecene-io/spm/sampling"
	"github.com/pithecene-io/spm/tensor"
	"github.com/pithecene-io/spm/tokenizer"
	"github.com/pithecene-io/spm/transport"
	"github.com/pithecene-io/spm/types"
)

// Defaults.
const (
	DefaultMaxTokens       = 128
	DefaultHopAttempts     = 2
	DefaultSetupTimeout    = 10 * time.Second
	DefaultStepTimeout     = 30 * time.Second
	DefaultTeardownTimeout = 2 * time.Second
)

// IDGenerator returns a new session id.
type IDGenerator func() types.SessionID

// NewUUID generates random session ids.
func NewUUID() types.SessionID {
	return types.SessionID(uuid.NewString())
}

// Config configures a Controller.
type Config struct {
	// Self is the coordinator's node id, the local end of every link.
	Self types.NodeID

	Planner *plan.Planner
	Pool    *transport.Pool
	// Registry is optional. When set, sessions record their stage nodes
	// with Assign so that node loss fails them, and a plan that references
	// a node that is no longer Ready is replaced before setup.
	Registry *registry.Registry

	Tokenizer tokenizer.Tokenizer
	Embedder  compute.Embedder
	Head      compute.Head

	// HopAttempts bounds tries per stage hop; every retry after the first
	// redials the link (default 2).
	HopAttempts     int
	SetupTimeout    time.Duration
	StepTimeout     time.Duration
	TeardownTimeout time.Duration

	// NewID defaults to NewUUID.
	NewID IDGenerator
	// OnFinish is called with every terminal result.
	OnFinish func(context.Context, *Result)

	Logger    *log.Logger
	Collector *metrics.Collector
}

// Request is one generation request.
type Request struct {
	// Prompt is encoded with the tokenizer unless PromptTokens is set.
	Prompt       string
	PromptTokens []int
	// MaxTokens bounds generated tokens (default 128).
	MaxTokens int
	Sampling  sampling.Params
	// SessionID is optional; one is generated if empty.
	SessionID types.SessionID
	// OnToken is called after each generated token, on the session's
	// goroutine.
	OnToken func(Token)
}

// Token is one generated token.
type Token struct {
	SessionID types.SessionID
	Step      int
	ID        int
	// Text is the newly decodable text, possibly empty.
	Text string
	EOS  bool
}

// Result is the outcome of a session. Tokens holds everything generated
// before the session ended, including on failure.
type Result struct {
	SessionID   types.SessionID     `json:"session_id"`
	Tokens      []int               `json:"tokens"`
	Text        string              `json:"text"`
	Status      types.SessionStatus `json:"status"`
	StopReason  types.StopReason    `json:"stop_reason"`
	Err         error               `json:"-"`
	PlanVersion uint64              `json:"plan_version"`
	Duration    time.Duration       `json:"duration"`
	// TokensPerSecond excludes the prefill step.
	TokensPerSecond float64 `json:"tokens_per_second"`
}

// Session is the live state of one generation.
type Session struct {
	ID        types.SessionID
	Plan      *plan.Plan
	Prompt    []int
	Generated []int
	Step      int
	Status    types.SessionStatus

	mu       sync.Mutex
	canceled bool
	lose     context.CancelCauseFunc
}

// SessionInfo is a point-in-time view of a session.
type SessionInfo struct {
	ID          types.SessionID     `json:"id"`
	Status      types.SessionStatus `json:"status"`
	Step        int                 `json:"step"`
	Generated   int                 `json:"generated"`
	PlanVersion uint64              `json:"plan_version"`
}

func (s *Session) info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := SessionInfo{ID: s.ID, Status: s.Status, Step: s.Step, Generated: len(s.Generated)}
	if s.Plan != nil {
		info.PlanVersion = s.Plan.Version
	}
	return info
}

func (s *Session) setStatus(status types.SessionStatus) {
	s.mu.Lock()
	s.Status = status
	s.mu.Unlock()
}

func (s *Session) isCanceled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.canceled
}

// Controller runs sessions.
type Controller struct {
	config Config
	logger *log.Logger

	mu       sync.Mutex
	sessions map[types.SessionID]*Session
}

// New creates a controller.
func New(cfg Config) (*Controller, error) {
	switch {
	case cfg.Planner == nil:
		return nil, errors.New("controller: planner is required")
	case cfg.Pool == nil:
		return nil, errors.New("controller: link pool is required")
	case cfg.Tokenizer == nil:
		return nil, errors.New("controller: tokenizer is required")
	case cfg.Embedder == nil || cfg.Head == nil:
		return nil, errors.New("controller: embedder and head are required")
	}
	if cfg.HopAttempts <= 0 {
		cfg.HopAttempts = DefaultHopAttempts
	}
	if cfg.SetupTimeout <= 0 {
		cfg.SetupTimeout = DefaultSetupTimeout
	}
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = DefaultStepTimeout
	}
	if cfg.TeardownTimeout <= 0 {
		cfg.TeardownTimeout = DefaultTeardownTimeout
	}
	if cfg.NewID == nil {
		cfg.NewID = NewUUID
	}

	c := &Controller{
		config:   cfg,
		logger:   cfg.Logger,
		sessions: make(map[types.SessionID]*Session),
	}
	if cfg.Registry != nil {
		cfg.Registry.Subscribe(c.HandleNodeLost)
	}
	return c, nil
}

// Generate runs one session to completion. The returned error is non-nil
// only when the request is rejected before a session exists; session
// failures are reported in Result.Err with the partial tokens.
func (c *Controller) Generate(ctx context.Context, req Request) (*Result, error) {
	prompt := req.PromptTokens
	if prompt == nil {
		ids, err := c.config.Tokenizer.Encode(req.Prompt)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
		}
		prompt = ids
	}
	if len(prompt) == 0 {
		return nil, invalid("prompt is empty")
	}
	if req.MaxTokens < 0 {
		return nil, invalid("max_tokens must be >= 0, got %d", req.MaxTokens)
	}
	if req.MaxTokens == 0 {
		req.MaxTokens = DefaultMaxTokens
	}
	if req.Sampling.Strategy == "" {
		req.Sampling = sampling.DefaultParams()
	}
	sampler, err := sampling.New(req.Sampling)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	id := req.SessionID
	if id == "" {
		id = c.config.NewID()
	}
	s := &Session{
		ID:     id,
		Prompt: slices.Clone(prompt),
		Status: types.SessionStarting,
	}

	c.mu.Lock()
	if _, dup := c.sessions[id]; dup {
		c.mu.Unlock()
		return nil, invalid("session %s already running", id)
	}
	c.sessions[id] = s
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.sessions, id)
		c.mu.Unlock()
	}()

	res := c.run(ctx, s, sampler, req)
	if c.config.OnFinish != nil {
		c.config.OnFinish(context.WithoutCancel(ctx), res)
	}
	return res, nil
}

// Cancel requests that a session stop at the next step boundary. It reports
// whether the session was found.
func (c *Controller) Cancel(id types.SessionID) bool {
	c.mu.Lock()
	s, ok := c.sessions[id]
	c.mu.Unlock()
	if !ok {
		return false
	}
	s.mu.Lock()
	s.canceled = true
	s.mu.Unlock()
	return true
}

// HandleNodeLost fails every listed session that is still running. It is
// subscribed to the registry by New.
func (c *Controller) HandleNodeLost(ev registry.LostEvent) {
	cause := &NodeLostError{NodeID: ev.NodeID, Status: ev.Status}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range ev.Sessions {
		s, ok := c.sessions[id]
		if !ok {
			continue
		}
		s.mu.Lock()
		lose := s.lose
		s.mu.Unlock()
		if lose != nil {
			lose(cause)
		}
	}
}

// Sessions returns the running sessions sorted by id.
func (c *Controller) Sessions() []SessionInfo {
	c.mu.Lock()
	out := make([]SessionInfo, 0, len(c.sessions))
	for _, s := range c.sessions {
		out = append(out, s.info())
	}
	c.mu.Unlock()
	slices.SortFunc(out, func(a, b SessionInfo) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

func (c *Controller) run(ctx context.Context, s *Session, sampler *sampling.Sampler, req Request) *Result {
	logger := c.logger.WithSession(s.ID)
	started := time.Now()
	c.config.Collector.IncSessionStarted()

	// Hops are not interrupted by caller cancellation, only by node loss or
	// their own timeout, so a step always finishes cleanly.
	lostCtx, lose := context.WithCancelCause(context.WithoutCancel(ctx))
	defer lose(nil)
	s.mu.Lock()
	s.lose = lose
	s.mu.Unlock()

	res := &Result{SessionID: s.ID}
	finish := func(status types.SessionStatus, reason types.StopReason, err error) *Result {
		s.setStatus(status)
		res.Status = status
		res.StopReason = reason
		res.Err = err
		res.Tokens = slices.Clone(s.Generated)
		res.Duration = time.Since(started)
		if text, derr := c.config.Tokenizer.Decode(s.Generated); derr == nil {
			res.Text = text
		}
		if c.config.Registry != nil {
			c.config.Registry.Release(s.ID)
		}

		fields := map[string]any{
			"status":      status,
			"stop_reason": reason,
			"tokens":      len(s.Generated),
			"duration_ms": res.Duration.Milliseconds(),
		}
		if res.TokensPerSecond > 0 {
			fields["tokens_per_second"] = res.TokensPerSecond
		}
		switch {
		case err != nil:
			fields["error"] = err.Error()
			c.config.Collector.IncSessionFailed()
			logger.Error("session failed", fields)
		case reason == types.StopCanceled:
			c.config.Collector.IncSessionCanceled()
			logger.Info("session canceled", fields)
		default:
			c.config.Collector.IncSessionCompleted()
			logger.Info("session completed", fields)
		}
		return res
	}

	if err := c.setup(lostCtx, s, logger); err != nil {
		return finish(types.SessionFailed, types.StopError, err)
	}
	res.PlanVersion = s.Plan.Version
	s.setStatus(types.SessionActive)
	logger.Info("session active", map[string]any{
		"plan_version": s.Plan.Version,
		"stages":       s.Plan.NumStages(),
		"prompt":       len(s.Prompt),
		"max_tokens":   req.MaxTokens,
	})

	stream := tokenizer.NewStreamDecoder(c.config.Tokenizer)
	eos := c.config.Tokenizer.EOS()
	var decodeStart time.Time

	for step := 0; ; step++ {
		if ctx.Err() != nil || s.isCanceled() {
			c.endSession(s, logger)
			return finish(types.SessionCompleted, types.StopCanceled, nil)
		}
		if cause := context.Cause(lostCtx); cause != nil {
			c.evictSession(s, logger)
			return finish(types.SessionFailed, types.StopError,
				&Error{Kind: ErrStepFailed, SessionID: s.ID, Step: step, Stage: -1, Cause: cause})
		}
		if len(s.Generated) >= req.MaxTokens {
			c.endSession(s, logger)
			c.rate(res, decodeStart, len(s.Generated))
			return finish(types.SessionCompleted, types.StopMaxTokens, nil)
		}

		tok, err := c.step(lostCtx, s, sampler, step)
		if err != nil {
			c.evictSession(s, logger)
			c.rate(res, decodeStart, len(s.Generated))
			return finish(types.SessionFailed, types.StopError, err)
		}

		s.mu.Lock()
		s.Generated = append(s.Generated, tok)
		s.Step = len(s.Generated)
		s.mu.Unlock()
		c.config.Collector.AddTokens(1)
		if step == 0 {
			decodeStart = time.Now()
		}

		isEOS := tok == eos
		text := ""
		if !isEOS {
			text, _ = stream.Next(tok)
		}
		if req.OnToken != nil {
			req.OnToken(Token{SessionID: s.ID, Step: step, ID: tok, Text: text, EOS: isEOS})
		}
		if isEOS {
			c.endSession(s, logger)
			c.rate(res, decodeStart, len(s.Generated))
			return finish(types.SessionCompleted, types.StopEOS, nil)
		}
	}
}

// rate records decode throughput, excluding the prefill step.
func (c *Controller) rate(res *Result, decodeStart time.Time, generated int) {
	if decodeStart.IsZero() || generated < 2 {
		return
	}
	if elapsed := time.Since(decodeStart).Seconds(); elapsed > 0 {
		res.TokensPerSecond = float64(generated-1) / elapsed
	}
}

// step runs one decode step and returns the sampled token.
func (c *Controller) step(ctx context.Context, s *Session, sampler *sampling.Sampler, step int) (int, error) {
	fail := func(stage int, err error) (int, error) {
		return 0, &Error{Kind: ErrStepFailed, SessionID: s.ID, Step: step, Stage: stage, Cause: err}
	}

	// Step 0 prefills the whole prompt; later steps feed the last token.
	input := s.Prompt
	if step > 0 {
		input = s.Generated[len(s.Generated)-1:]
	}
	x, err := c.config.Embedder.Embed(input)
	if err != nil {
		return fail(-1, fmt.Errorf("embed: %w", err))
	}

	for _, st := range s.Plan.Stages {
		x, err = c.hop(ctx, s, st, step, x)
		if err != nil {
			return fail(st.Index, err)
		}
	}

	logits, err := c.config.Head.Logits(x)
	if err != nil {
		return fail(-1, fmt.Errorf("head: %w", err))
	}
	values, err := logits.Float32s()
	if err != nil {
		return fail(-1, fmt.Errorf("logits: %w", err))
	}

	history := make([]int, 0, len(s.Prompt)+len(s.Generated))
	history = append(history, s.Prompt...)
	history = append(history, s.Generated...)
	tok, err := sampler.Sample(values, history)
	if err != nil {
		return fail(-1, fmt.Errorf("sample: %w", err))
	}
	return tok, nil
}

// hop relays one activation through one stage. A LinkDown failure redials
// and resends, up to HopAttempts tries.
func (c *Controller) hop(ctx context.Context, s *Session, st plan.Stage, step int, in tensor.Tensor) (tensor.Tensor, error) {
	env := ipc.NewEnvelope(s.ID, step, st.Index, in)
	pool := c.config.Pool

	var (
		lastErr error
		link    *transport.Link
	)
	for attempt := range c.config.HopAttempts {
		var err error
		if attempt == 0 {
			link, err = pool.OpenLink(ctx, c.config.Self, st.NodeID, st.Address)
		} else {
			c.config.Collector.IncHopRetry()
			c.logger.Warn("retrying hop", map[string]any{
				"session": s.ID,
				"stage":   st.Index,
				"step":    step,
				"node":    st.NodeID,
				"attempt": attempt + 1,
				"error":   lastErr.Error(),
			})
			link, err = pool.Redial(ctx, link, c.config.Self, st.NodeID, st.Address)
		}
		if err == nil {
			var out tensor.Tensor
			out, err = c.request(ctx, link, env)
			if err == nil {
				return out, nil
			}
		}

		lastErr = err
		if cause := context.Cause(ctx); cause != nil {
			return tensor.Tensor{}, cause
		}
		if !transport.IsLinkDown(err) {
			break
		}
	}
	return tensor.Tensor{}, lastErr
}

func (c *Controller) request(ctx context.Context, link *transport.Link, env *ipc.Envelope) (tensor.Tensor, error) {
	hopCtx, cancel := context.WithTimeout(ctx, c.config.StepTimeout)
	defer cancel()

	reply, err := link.Request(hopCtx, env)
	if err != nil {
		return tensor.Tensor{}, err
	}
	out, ok := reply.(*ipc.Envelope)
	if !ok {
		return tensor.Tensor{}, &transport.Error{
			Kind: transport.ErrProtocolViolation,
			From: link.From(),
			To:   link.To(),
			Err:  fmt.Errorf("expected activation reply, got %T", reply),
		}
	}
	if err := out.Tensor.Validate(); err != nil {
		return tensor.Tensor{}, err
	}
	return out.Tensor, nil
}

// setup pins the plan, opens every link and begins every stage cache. On
// failure the stages already begun are evicted.
func (c *Controller) setup(ctx context.Context, s *Session, logger *log.Logger) error {
	fail := func(stage int, err error) error {
		return &Error{Kind: ErrSetupFailed, SessionID: s.ID, Step: -1, Stage: stage, Cause: err}
	}

	p, err := c.currentPlan()
	if err != nil {
		return fail(-1, err)
	}
	s.mu.Lock()
	s.Plan = p.Clone()
	s.mu.Unlock()

	setupCtx, cancel := context.WithTimeout(ctx, c.config.SetupTimeout)
	defer cancel()

	for _, st := range s.Plan.Stages {
		link, err := c.config.Pool.OpenLink(setupCtx, c.config.Self, st.NodeID, st.Address)
		if err == nil {
			_, err = link.Request(setupCtx, &ipc.SessionStart{
				Type:        ipc.TypeSessionStart,
				SessionID:   s.ID,
				Stage:       st.Index,
				Start:       st.Start,
				End:         st.End,
				PlanVersion: s.Plan.Version,
			})
		}
		if err != nil {
			logger.Warn("stage setup failed", map[string]any{
				"stage": st.Index,
				"node":  st.NodeID,
				"error": err.Error(),
			})
			c.evictSession(s, logger)
			return fail(st.Index, err)
		}
	}

	if c.config.Registry != nil {
		c.config.Registry.Assign(s.ID, s.Plan.Nodes())
	}
	return nil
}

// currentPlan returns the planner's current plan, replanning if there is
// none or if it uses a node that is no longer Ready.
func (c *Controller) currentPlan() (*plan.Plan, error) {
	p := c.config.Planner.Current()
	if p != nil && c.planLive(p) {
		return p, nil
	}
	p, err := c.config.Planner.Replan()
	if err != nil {
		c.config.Collector.IncReplanFailure()
		return nil, err
	}
	c.config.Collector.IncReplan()
	return p, nil
}

func (c *Controller) planLive(p *plan.Plan) bool {
	if c.config.Registry == nil {
		return true
	}
	for _, id := range p.Nodes() {
		n, ok := c.config.Registry.Get(id)
		if !ok || n.Status != types.NodeReady {
			return false
		}
	}
	return true
}

// endSession sends session_end to every stage. Failures are logged only.
func (c *Controller) endSession(s *Session, logger *log.Logger) {
	c.teardown(s, logger, func(st plan.Stage) any {
		return &ipc.SessionEnd{Type: ipc.TypeSessionEnd, SessionID: s.ID, Stage: st.Index}
	})
}

// evictSession asks every stage node to drop the session's caches.
func (c *Controller) evictSession(s *Session, logger *log.Logger) {
	c.teardown(s, logger, func(plan.Stage) any {
		return &ipc.CacheEvict{Type: ipc.TypeCacheEvict, SessionID: s.ID}
	})
}

func (c *Controller) teardown(s *Session, logger *log.Logger, frame func(plan.Stage) any) {
	if s.Plan == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.config.TeardownTimeout)
	defer cancel()

	seen := make(map[types.NodeID]bool)
	for _, st := range s.Plan.Stages {
		f := frame(st)
		if _, evict := f.(*ipc.CacheEvict); evict {
			if seen[st.NodeID] {
				continue
			}
			seen[st.NodeID] = true
		}
		link, ok := c.config.Pool.Get(c.config.Self, st.NodeID)
		if !ok || !link.Alive() {
			continue
		}
		if _, err := link.Request(ctx, f); err != nil {
			logger.Debug("teardown frame not acknowledged", map[string]any{
				"stage": st.Index,
				"node":  st.NodeID,
				"error": err.Error(),
			})
		}
	}
}
