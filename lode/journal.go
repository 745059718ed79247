// Package lode journals plans and finished sessions to a Lode dataset.
//
// The journal is write-mostly: the coordinator appends a record on every
// re-plan and on every terminal session, and never reads it back on
// restart. History exists for the `plan history` diagnostics command.
package lode

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/justapithecus/lode/lode"

	"github.com/pithecene-io/spm/log"
	"github.com/pithecene-io/spm/metrics"
	"github.com/pithecene-io/spm/plan"
	"github.com/pithecene-io/spm/types"
)

// DefaultDataset is the dataset id used when none is configured.
const DefaultDataset = "spm"

// Record kinds, stored in the record_kind partition.
const (
	RecordKindPlan    = "plan"
	RecordKindSession = "session"
)

// partitionKeys is the Hive layout shared by the write and read paths.
var partitionKeys = []string{"coordinator", "day", "record_kind"}

// Config configures a Journal.
type Config struct {
	// Dataset defaults to DefaultDataset.
	Dataset     string
	Coordinator types.NodeID
	// Now defaults to time.Now.
	Now func() time.Time

	Logger    *log.Logger
	Collector *metrics.Collector
}

// SessionRecord is the journaled summary of a finished session.
type SessionRecord struct {
	SessionID   types.SessionID     `json:"session_id"`
	Status      types.SessionStatus `json:"status"`
	StopReason  types.StopReason    `json:"stop_reason"`
	Tokens      int                 `json:"tokens"`
	PlanVersion uint64              `json:"plan_version"`
	Duration    time.Duration       `json:"duration_ns"`
	Error       string              `json:"error,omitempty"`
}

// Journal appends plan and session records.
type Journal struct {
	dataset lode.Dataset
	config  Config
	mu      sync.Mutex
}

// NewDataset opens the journal dataset over a store factory. Use
// lode.NewMemoryFactory() in tests.
func NewDataset(dataset string, factory lode.StoreFactory) (lode.Dataset, error) {
	if dataset == "" {
		dataset = DefaultDataset
	}
	ds, err := lode.NewDataset(
		lode.DatasetID(dataset),
		factory,
		lode.WithHiveLayout(partitionKeys...),
		lode.WithCodec(lode.NewJSONLCodec()),
	)
	if err != nil {
		return nil, WrapInitError(err, dataset)
	}
	return ds, nil
}

// NewJournal creates a journal over a store factory.
func NewJournal(cfg Config, factory lode.StoreFactory) (*Journal, error) {
	if cfg.Dataset == "" {
		cfg.Dataset = DefaultDataset
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Coordinator == "" {
		cfg.Coordinator = "coordinator"
	}
	ds, err := NewDataset(cfg.Dataset, factory)
	if err != nil {
		return nil, err
	}
	return &Journal{dataset: ds, config: cfg}, nil
}

// NewJournalFS creates a journal rooted at a local directory.
func NewJournalFS(cfg Config, root string) (*Journal, error) {
	return NewJournal(cfg, lode.NewFSFactory(root))
}

// RecordPlan appends a plan record.
func (j *Journal) RecordPlan(ctx context.Context, p *plan.Plan) error {
	stages := make([]map[string]any, 0, len(p.Stages))
	for _, s := range p.Stages {
		stages = append(stages, map[string]any{
			"index":   s.Index,
			"start":   s.Start,
			"end":     s.End,
			"node_id": string(s.NodeID),
			"address": s.Address,
		})
	}
	created := p.CreatedAt
	if created.IsZero() {
		created = j.config.Now().UTC()
	}
	return j.write(ctx, RecordKindPlan, created, map[string]any{
		"plan_version": p.Version,
		"total_layers": p.TotalLayers,
		"stages":       stages,
		"created_at":   created.Format(time.RFC3339Nano),
	})
}

// RecordSession appends a session record.
func (j *Journal) RecordSession(ctx context.Context, rec SessionRecord) error {
	now := j.config.Now().UTC()
	fields := map[string]any{
		"session_id":   string(rec.SessionID),
		"status":       string(rec.Status),
		"stop_reason":  string(rec.StopReason),
		"tokens":       rec.Tokens,
		"plan_version": rec.PlanVersion,
		"duration_ns":  int64(rec.Duration),
		"finished_at":  now.Format(time.RFC3339Nano),
	}
	if rec.Error != "" {
		fields["error"] = rec.Error
	}
	return j.write(ctx, RecordKindSession, now, fields)
}

// Close releases journal resources.
func (j *Journal) Close() error {
	return nil
}

func (j *Journal) write(ctx context.Context, kind string, at time.Time, fields map[string]any) error {
	fields["record_kind"] = kind
	fields["coordinator"] = string(j.config.Coordinator)
	fields["day"] = DeriveDay(at)

	path := fmt.Sprintf("%s/coordinator=%s/record_kind=%s", j.config.Dataset, j.config.Coordinator, kind)

	j.mu.Lock()
	defer j.mu.Unlock()
	_, err := j.dataset.Write(ctx, []any{fields}, lode.Metadata{})
	werr := WrapWriteError(err, path)
	// One retry for timeouts, throttling and network blips.
	if werr != nil && Transient(werr) && ctx.Err() == nil {
		j.config.Logger.Debug("retrying journal write", map[string]any{
			"record_kind": kind,
			"error":       werr.Error(),
		})
		_, err = j.dataset.Write(ctx, []any{fields}, lode.Metadata{})
		werr = WrapWriteError(err, path)
	}
	if werr != nil {
		j.config.Collector.IncJournalWriteFailure()
		j.config.Logger.Warn("journal write failed", map[string]any{
			"record_kind": kind,
			"error":       werr.Error(),
		})
		return werr
	}
	j.config.Collector.IncJournalWriteSuccess()
	return nil
}

// DeriveDay returns the UTC day partition value for t.
func DeriveDay(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
