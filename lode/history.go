package lode

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/justapithecus/lode/lode"

	"github.com/pithecene-io/spm/plan"
)

// ErrNoRecords is returned when the journal holds no matching records.
var ErrNoRecords = errors.New("no journal records found")

// PlanRecord is a plan read back from the journal.
type PlanRecord struct {
	Coordinator string       `json:"coordinator" yaml:"coordinator"`
	Version     uint64       `json:"plan_version" yaml:"plan_version"`
	TotalLayers int          `json:"total_layers" yaml:"total_layers"`
	Stages      []plan.Stage `json:"stages" yaml:"stages"`
	CreatedAt   time.Time    `json:"created_at" yaml:"created_at"`
}

// Plan converts the record back to a plan.
func (r PlanRecord) Plan() *plan.Plan {
	return &plan.Plan{
		Version:     r.Version,
		TotalLayers: r.TotalLayers,
		Stages:      slices.Clone(r.Stages),
		CreatedAt:   r.CreatedAt,
	}
}

// PlanHistory returns every journaled plan, oldest version first. An empty
// coordinator matches all coordinators.
func PlanHistory(ctx context.Context, ds lode.Dataset, coordinator string) ([]PlanRecord, error) {
	var out []PlanRecord
	err := scan(ctx, ds, RecordKindPlan, coordinator, func(raw map[string]any) error {
		var rec PlanRecord
		if err := remarshal(raw, &rec); err != nil {
			return err
		}
		out = append(out, rec)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, ErrNoRecords
	}
	slices.SortStableFunc(out, func(a, b PlanRecord) int {
		return cmp.Or(cmp.Compare(a.Coordinator, b.Coordinator), cmp.Compare(a.Version, b.Version))
	})
	return out, nil
}

// SessionHistory returns every journaled session in write order.
func SessionHistory(ctx context.Context, ds lode.Dataset, coordinator string) ([]SessionRecord, error) {
	var out []SessionRecord
	err := scan(ctx, ds, RecordKindSession, coordinator, func(raw map[string]any) error {
		var rec SessionRecord
		if err := remarshal(raw, &rec); err != nil {
			return err
		}
		out = append(out, rec)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, ErrNoRecords
	}
	return out, nil
}

// scan visits records of one kind in snapshot order. Manifest paths are a
// coarse pre-filter; record fields are authoritative.
func scan(ctx context.Context, ds lode.Dataset, kind, coordinator string, visit func(map[string]any) error) error {
	snapshots, err := ds.Snapshots(ctx)
	if err != nil {
		return WrapReadError(err, "snapshots")
	}
	for _, snap := range snapshots {
		if !snapshotMatches(snap, "record_kind", kind) || !snapshotMatches(snap, "coordinator", coordinator) {
			continue
		}
		data, err := ds.Read(ctx, snap.ID)
		if err != nil {
			return WrapReadError(err, fmt.Sprintf("snapshot/%s", snap.ID))
		}
		for _, item := range data {
			record, ok := item.(map[string]any)
			if !ok || record["record_kind"] != kind {
				continue
			}
			if coordinator != "" && record["coordinator"] != coordinator {
				continue
			}
			if err := visit(record); err != nil {
				return fmt.Errorf("decode %s record in snapshot %s: %w", kind, snap.ID, err)
			}
		}
	}
	return nil
}

func remarshal(raw map[string]any, v any) error {
	b, err := json.Marshal(raw)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}

// snapshotMatches reports whether any file in the snapshot lies under the
// key=value partition. An empty value matches everything.
func snapshotMatches(snap *lode.DatasetSnapshot, key, value string) bool {
	if value == "" {
		return true
	}
	segment := key + "=" + value
	for _, f := range snap.Manifest.Files {
		if slices.Contains(strings.Split(f.Path, "/"), segment) {
			return true
		}
	}
	return false
}
