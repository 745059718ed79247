// Package serve exposes the controller over HTTP.
//
// POST /v1/generate streams newline-delimited JSON lines {text, is_final,
// error?}. Errors that happen before the first token are reported with a
// status code; later errors arrive as the final line of a 200 stream.
package serve

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/pithecene-io/spm/controller"
	"github.com/pithecene-io/spm/log"
	"github.com/pithecene-io/spm/metrics"
	"github.com/pithecene-io/spm/plan"
	"github.com/pithecene-io/spm/registry"
	"github.com/pithecene-io/spm/sampling"
	"github.com/pithecene-io/spm/tokenizer"
	"github.com/pithecene-io/spm/types"
)

// MaxRequestBytes bounds a generate request body.
const MaxRequestBytes = 1 << 20

// Generator runs one session. *controller.Controller implements it.
type Generator interface {
	Generate(ctx context.Context, req controller.Request) (*controller.Result, error)
	Sessions() []controller.SessionInfo
}

// PlanSource returns the current plan, or nil. *plan.Planner implements it.
type PlanSource interface {
	Current() *plan.Plan
}

// NodeSource lists known nodes. *registry.Registry implements it.
type NodeSource interface {
	All() []registry.Node
}

// Config configures a Server.
type Config struct {
	Generator Generator
	Plans     PlanSource
	// Nodes is optional; healthz reports node counts when set.
	Nodes NodeSource
	// MaxTokensLimit rejects requests asking for more tokens. Zero means no
	// limit.
	MaxTokensLimit int

	Logger    *log.Logger
	Collector *metrics.Collector
}

// Server is the HTTP surface.
type Server struct {
	config Config
	logger *log.Logger
	mux    *http.ServeMux
}

// GenerateRequest is the body of POST /v1/generate.
type GenerateRequest struct {
	Prompt    string          `json:"prompt"`
	Sampling  sampling.Params `json:"sampling"`
	MaxTokens int             `json:"max_tokens"`
}

// Line is one NDJSON line of a generate response.
type Line struct {
	Text    string `json:"text"`
	IsFinal bool   `json:"is_final"`
	Error   string `json:"error,omitempty"`
}

// Health is the body of GET /healthz.
type Health struct {
	Status      string `json:"status"`
	PlanVersion uint64 `json:"plan_version,omitempty"`
	Stages      int    `json:"stages"`
	NodesReady  int    `json:"nodes_ready"`
	NodesTotal  int    `json:"nodes_total"`
	Sessions    int    `json:"sessions"`
}

// New creates a server.
func New(cfg Config) *Server {
	s := &Server{config: cfg, logger: cfg.Logger, mux: http.NewServeMux()}
	s.mux.HandleFunc("POST /v1/generate", s.handleGenerate)
	s.mux.HandleFunc("GET /v1/plan", s.handlePlan)
	s.mux.HandleFunc("GET /v1/sessions", s.handleSessions)
	s.mux.HandleFunc("GET /v1/nodes", s.handleNodes)
	s.mux.HandleFunc("GET /v1/metrics", s.handleMetrics)
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Serve serves HTTP on ln until ctx is canceled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	stop := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	})
	defer stop()

	s.logger.Info("http listening", map[string]any{"addr": ln.Addr().String()})
	err := srv.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	req := GenerateRequest{Sampling: sampling.DefaultParams()}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, MaxRequestBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	if limit := s.config.MaxTokensLimit; limit > 0 && req.MaxTokens > limit {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("max_tokens %d exceeds limit %d", req.MaxTokens, limit))
		return
	}

	stream := &lineWriter{w: w, rc: http.NewResponseController(w)}
	res, err := s.config.Generator.Generate(r.Context(), controller.Request{
		Prompt:    req.Prompt,
		MaxTokens: req.MaxTokens,
		Sampling:  req.Sampling,
		OnToken: func(tok controller.Token) {
			if tok.Text == "" {
				return
			}
			stream.write(Line{Text: tok.Text})
		},
	})
	if err != nil {
		s.writeError(w, StatusFor(err), err)
		return
	}

	if res.Err != nil && !stream.started {
		s.logger.Warn("generate failed before first token", map[string]any{
			"session": res.SessionID,
			"error":   res.Err.Error(),
		})
		s.writeError(w, StatusFor(res.Err), res.Err)
		return
	}

	final := Line{IsFinal: true}
	if strings.HasPrefix(res.Text, stream.sent.String()) {
		final.Text = res.Text[stream.sent.Len():]
	}
	if res.Err != nil {
		final.Error = res.Err.Error()
	}
	stream.write(final)
}

func (s *Server) handlePlan(w http.ResponseWriter, _ *http.Request) {
	p := s.config.Plans.Current()
	if p == nil {
		s.writeError(w, http.StatusServiceUnavailable, errors.New("no plan has been built"))
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleSessions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.config.Generator.Sessions())
}

func (s *Server) handleNodes(w http.ResponseWriter, _ *http.Request) {
	if s.config.Nodes == nil {
		writeJSON(w, http.StatusOK, []registry.Node{})
		return
	}
	writeJSON(w, http.StatusOK, s.config.Nodes.All())
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.config.Collector.Snapshot())
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	h := Health{Status: "ok", Sessions: len(s.config.Generator.Sessions())}
	if p := s.config.Plans.Current(); p != nil {
		h.PlanVersion = p.Version
		h.Stages = p.NumStages()
	}
	if s.config.Nodes != nil {
		nodes := s.config.Nodes.All()
		h.NodesTotal = len(nodes)
		for _, n := range nodes {
			if n.Status == types.NodeReady {
				h.NodesReady++
			}
		}
	}
	writeJSON(w, http.StatusOK, h)
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", map[string]any{"status": status, "error": err.Error()})
	}
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Line{IsFinal: true, Error: err.Error()})
}

// StatusFor maps a generate error to an HTTP status.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, controller.ErrInvalidRequest),
		errors.Is(err, tokenizer.ErrInvalidInput),
		errors.Is(err, sampling.ErrInvalidParams):
		return http.StatusBadRequest
	case errors.Is(err, plan.ErrInsufficientCapacity),
		errors.Is(err, controller.ErrSetupFailed):
		return http.StatusServiceUnavailable
	case errors.Is(err, controller.ErrStepFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// lineWriter writes NDJSON lines and flushes after each one. The status is
// committed with the first line.
type lineWriter struct {
	w       http.ResponseWriter
	rc      *http.ResponseController
	started bool
	sent    strings.Builder
}

func (l *lineWriter) write(line Line) {
	if !l.started {
		l.w.Header().Set("Content-Type", "application/x-ndjson")
		l.w.WriteHeader(http.StatusOK)
		l.started = true
	}
	l.sent.WriteString(line.Text)
	_ = json.NewEncoder(l.w).Encode(line)
	_ = l.rc.Flush()
}
