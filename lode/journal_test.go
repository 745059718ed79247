package lode

import (
	"errors"
	"testing"
	"time"

	"github.com/justapithecus/lode/lode"

	"github.com/pithecene-io/spm/metrics"
	"github.com/pithecene-io/spm/plan"
	"github.com/pithecene-io/spm/types"
)

// sharedFactory returns a StoreFactory that always returns the given store,
// so write and read datasets share the same in-memory state.
func sharedFactory(store lode.Store) lode.StoreFactory {
	return func() (lode.Store, error) { return store, nil }
}

func fixedNow() time.Time {
	return time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)
}

func buildPlan(t *testing.T, version uint64, capacities ...int) *plan.Plan {
	t.Helper()
	var cands []plan.Candidate
	total := 0
	for i, c := range capacities {
		id := types.NodeID(string(rune('a' + i)))
		cands = append(cands, plan.Candidate{ID: id, Address: string(id) + ":7070", MaxLayers: c})
		total += c
	}
	p, err := plan.Build(total, cands, version)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	p.CreatedAt = fixedNow()
	return p
}

func TestJournal_PlanHistory(t *testing.T) {
	store := lode.NewMemory()
	collector := metrics.NewCollector("coordinator", "coord")
	j, err := NewJournal(Config{Coordinator: "coord", Now: fixedNow, Collector: collector}, sharedFactory(store))
	if err != nil {
		t.Fatalf("NewJournal() error = %v", err)
	}

	first := buildPlan(t, 1, 16, 10, 6)
	second := buildPlan(t, 2, 16, 16)
	for _, p := range []*plan.Plan{second, first} {
		if err := j.RecordPlan(t.Context(), p); err != nil {
			t.Fatalf("RecordPlan(v%d) error = %v", p.Version, err)
		}
	}

	ds, err := NewDataset("", sharedFactory(store))
	if err != nil {
		t.Fatal(err)
	}
	history, err := PlanHistory(t.Context(), ds, "coord")
	if err != nil {
		t.Fatalf("PlanHistory() error = %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("history len = %d, want 2", len(history))
	}
	if history[0].Version != 1 || history[1].Version != 2 {
		t.Errorf("versions = %d, %d; want 1, 2", history[0].Version, history[1].Version)
	}

	got := history[0].Plan()
	if err := got.Validate(); err != nil {
		t.Errorf("journaled plan invalid: %v", err)
	}
	if got.NumStages() != 3 || got.Stages[1].NodeID != first.Stages[1].NodeID || got.Stages[2].End != 32 {
		t.Errorf("plan = %+v, want %+v", got, first)
	}
	if !history[0].CreatedAt.Equal(fixedNow()) {
		t.Errorf("created_at = %v", history[0].CreatedAt)
	}

	if got := collector.Snapshot().JournalWriteSuccess; got != 2 {
		t.Errorf("JournalWriteSuccess = %d, want 2", got)
	}
}

func TestJournal_SessionHistory(t *testing.T) {
	store := lode.NewMemory()
	j, err := NewJournal(Config{Coordinator: "coord", Now: fixedNow}, sharedFactory(store))
	if err != nil {
		t.Fatal(err)
	}
	rec := SessionRecord{
		SessionID:   "s1",
		Status:      types.SessionFailed,
		StopReason:  types.StopError,
		Tokens:      5,
		PlanVersion: 3,
		Duration:    1500 * time.Millisecond,
		Error:       "link down",
	}
	if err := j.RecordSession(t.Context(), rec); err != nil {
		t.Fatalf("RecordSession() error = %v", err)
	}
	if err := j.RecordPlan(t.Context(), buildPlan(t, 3, 4)); err != nil {
		t.Fatal(err)
	}

	ds, _ := NewDataset("", sharedFactory(store))
	sessions, err := SessionHistory(t.Context(), ds, "")
	if err != nil {
		t.Fatalf("SessionHistory() error = %v", err)
	}
	if len(sessions) != 1 || sessions[0] != rec {
		t.Errorf("sessions = %+v, want [%+v]", sessions, rec)
	}
}

func TestPlanHistory_Empty(t *testing.T) {
	ds, err := NewDataset("", lode.NewMemoryFactory())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := PlanHistory(t.Context(), ds, ""); !errors.Is(err, ErrNoRecords) {
		t.Errorf("PlanHistory() error = %v, want ErrNoRecords", err)
	}
}

func TestPlanHistory_FiltersCoordinator(t *testing.T) {
	store := lode.NewMemory()
	for _, coord := range []types.NodeID{"east", "west"} {
		j, err := NewJournal(Config{Coordinator: coord, Now: fixedNow}, sharedFactory(store))
		if err != nil {
			t.Fatal(err)
		}
		if err := j.RecordPlan(t.Context(), buildPlan(t, 1, 8)); err != nil {
			t.Fatal(err)
		}
	}

	ds, _ := NewDataset("", sharedFactory(store))
	west, err := PlanHistory(t.Context(), ds, "west")
	if err != nil {
		t.Fatal(err)
	}
	if len(west) != 1 || west[0].Coordinator != "west" {
		t.Errorf("west history = %+v", west)
	}
	all, _ := PlanHistory(t.Context(), ds, "")
	if len(all) != 2 {
		t.Errorf("all history len = %d, want 2", len(all))
	}
}

func TestParseS3Path(t *testing.T) {
	tests := []struct{ in, bucket, prefix string }{
		{"bucket", "bucket", ""},
		{"bucket/a/b", "bucket", "a/b"},
	}
	for _, tt := range tests {
		b, p := ParseS3Path(tt.in)
		if b != tt.bucket || p != tt.prefix {
			t.Errorf("ParseS3Path(%q) = %q, %q", tt.in, b, p)
		}
	}
}

func TestDeriveDay(t *testing.T) {
	at := time.Date(2026, 3, 4, 23, 30, 0, 0, time.FixedZone("x", -2*3600))
	if got := DeriveDay(at); got != "2026-03-05" {
		t.Errorf("DeriveDay() = %s, want 2026-03-05", got)
	}
}
