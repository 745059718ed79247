package reader

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	lodelib "github.com/justapithecus/lode/lode"

	"github.com/pithecene-io/spm/controller"
	"github.com/pithecene-io/spm/iox"
	"github.com/pithecene-io/spm/lode"
	"github.com/pithecene-io/spm/metrics"
	"github.com/pithecene-io/spm/plan"
	"github.com/pithecene-io/spm/registry"
	"github.com/pithecene-io/spm/serve"
)

// DefaultAddr is the coordinator API address used when none is given.
const DefaultAddr = "http://127.0.0.1:8080"

// ErrNoPlan is returned when the coordinator has not built a plan.
var ErrNoPlan = errors.New("coordinator has no plan")

// Reader is the live read surface of a coordinator.
type Reader interface {
	Plan(ctx context.Context) (*plan.Plan, error)
	Nodes(ctx context.Context) ([]registry.Node, error)
	Sessions(ctx context.Context) ([]controller.SessionInfo, error)
	Metrics(ctx context.Context) (metrics.Snapshot, error)
	Health(ctx context.Context) (serve.Health, error)
}

// HTTPReader reads a coordinator through its HTTP API.
type HTTPReader struct {
	base   string
	client *http.Client
}

// NewHTTPReader creates a reader for the API at addr. A bare host:port is
// treated as http.
func NewHTTPReader(addr string, timeout time.Duration) *HTTPReader {
	if addr == "" {
		addr = DefaultAddr
	}
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPReader{
		base:   strings.TrimRight(addr, "/"),
		client: &http.Client{Timeout: timeout},
	}
}

// Plan fetches the current plan.
func (r *HTTPReader) Plan(ctx context.Context) (*plan.Plan, error) {
	var p plan.Plan
	if err := r.get(ctx, "/v1/plan", &p); err != nil {
		var se *StatusError
		if errors.As(err, &se) && se.Code == http.StatusServiceUnavailable {
			return nil, ErrNoPlan
		}
		return nil, err
	}
	return &p, nil
}

// Nodes fetches the registry.
func (r *HTTPReader) Nodes(ctx context.Context) ([]registry.Node, error) {
	var nodes []registry.Node
	return nodes, r.get(ctx, "/v1/nodes", &nodes)
}

// Sessions fetches running sessions.
func (r *HTTPReader) Sessions(ctx context.Context) ([]controller.SessionInfo, error) {
	var sessions []controller.SessionInfo
	return sessions, r.get(ctx, "/v1/sessions", &sessions)
}

// Metrics fetches the counter snapshot.
func (r *HTTPReader) Metrics(ctx context.Context) (metrics.Snapshot, error) {
	var s metrics.Snapshot
	return s, r.get(ctx, "/v1/metrics", &s)
}

// Health fetches the health summary.
func (r *HTTPReader) Health(ctx context.Context) (serve.Health, error) {
	var h serve.Health
	return h, r.get(ctx, "/healthz", &h)
}

// StatusError reports a non-200 API response.
type StatusError struct {
	Path    string
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("GET %s: %d: %s", e.Path, e.Code, e.Message)
	}
	return fmt.Sprintf("GET %s: %d", e.Path, e.Code)
}

func (r *HTTPReader) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.base+path, nil)
	if err != nil {
		return err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	defer iox.DiscardClose(resp.Body)

	if resp.StatusCode != http.StatusOK {
		se := &StatusError{Path: path, Code: resp.StatusCode}
		var line serve.Line
		if body, err := io.ReadAll(io.LimitReader(resp.Body, 4096)); err == nil && json.Unmarshal(body, &line) == nil {
			se.Message = line.Error
		}
		return se
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("GET %s: decode: %w", path, err)
	}
	return nil
}

// JournalReader reads plan and session history from the journal.
type JournalReader struct {
	dataset     lodelib.Dataset
	coordinator string
}

// NewJournalReader opens the journal dataset over factory. An empty
// coordinator reads every coordinator's records.
func NewJournalReader(dataset string, factory lodelib.StoreFactory, coordinator string) (*JournalReader, error) {
	ds, err := lode.NewDataset(dataset, factory)
	if err != nil {
		return nil, err
	}
	return &JournalReader{dataset: ds, coordinator: coordinator}, nil
}

// Plans returns journaled plans, oldest first.
func (r *JournalReader) Plans(ctx context.Context) ([]lode.PlanRecord, error) {
	return lode.PlanHistory(ctx, r.dataset, r.coordinator)
}

// Sessions returns journaled sessions.
func (r *JournalReader) Sessions(ctx context.Context) ([]lode.SessionRecord, error) {
	return lode.SessionHistory(ctx, r.dataset, r.coordinator)
}
