package plan

import (
	"errors"
	"fmt"
	"math/rand"
	"testing"

	"github.com/pithecene-io/spm/types"
)

func candidates(caps ...int) []Candidate {
	out := make([]Candidate, len(caps))
	for i, c := range caps {
		out[i] = Candidate{
			ID:        types.NodeID(fmt.Sprintf("node-%d", i)),
			Address:   fmt.Sprintf("10.0.0.%d:10128", i+1),
			MaxLayers: c,
			Class:     types.ComputeCPU,
		}
	}
	return out
}

func TestBuild_ThreeNodes(t *testing.T) {
	// Offer the nodes out of capacity order to exercise sorting.
	nodes := []Candidate{
		{ID: "laptop", MaxLayers: 10},
		{ID: "phone", MaxLayers: 6},
		{ID: "server", MaxLayers: 16},
	}

	p, err := Build(32, nodes, 1)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	want := []Stage{
		{Index: 0, Start: 0, End: 16, NodeID: "server"},
		{Index: 1, Start: 16, End: 26, NodeID: "laptop"},
		{Index: 2, Start: 26, End: 32, NodeID: "phone"},
	}
	if len(p.Stages) != len(want) {
		t.Fatalf("got %d stages, want %d", len(p.Stages), len(want))
	}
	for i, w := range want {
		if p.Stages[i] != w {
			t.Errorf("stage %d = %+v, want %+v", i, p.Stages[i], w)
		}
	}
	if err := p.Validate(); err != nil {
		t.Errorf("Validate failed: %v", err)
	}
}

func TestBuild_MinimizesStages(t *testing.T) {
	// The 32-layer node alone covers the model; smaller nodes get nothing.
	p, err := Build(32, candidates(8, 32, 8, 8), 1)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if p.NumStages() != 1 {
		t.Fatalf("got %d stages, want 1", p.NumStages())
	}
	if p.Stages[0].NodeID != "node-1" {
		t.Errorf("stage 0 node = %s, want node-1", p.Stages[0].NodeID)
	}
}

func TestBuild_TieBreaksGPUThenID(t *testing.T) {
	nodes := []Candidate{
		{ID: "b", MaxLayers: 4, Class: types.ComputeCPU},
		{ID: "c", MaxLayers: 4, Class: types.ComputeGPU},
		{ID: "a", MaxLayers: 4, Class: types.ComputeCPU},
	}
	p, err := Build(12, nodes, 1)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	got := p.Nodes()
	want := []types.NodeID{"c", "a", "b"}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Nodes() = %v, want %v", got, want)
			break
		}
	}
}

func TestBuild_InsufficientCapacity(t *testing.T) {
	_, err := Build(32, candidates(16, 10), 1)
	if !errors.Is(err, ErrInsufficientCapacity) {
		t.Fatalf("Build error = %v, want ErrInsufficientCapacity", err)
	}
	var planErr *Error
	if !errors.As(err, &planErr) {
		t.Fatalf("expected *Error, got %T", err)
	}
	if planErr.Need != 32 || planErr.Have != 26 {
		t.Errorf("Need/Have = %d/%d, want 32/26", planErr.Need, planErr.Have)
	}
}

func TestBuild_SkipsZeroCapacity(t *testing.T) {
	_, err := Build(4, candidates(0, -1), 1)
	if !errors.Is(err, ErrInsufficientCapacity) {
		t.Errorf("Build error = %v, want ErrInsufficientCapacity", err)
	}
	if _, err := Build(0, candidates(4), 1); !errors.Is(err, ErrInvalidPlan) {
		t.Errorf("Build(0) error = %v, want ErrInvalidPlan", err)
	}
}

// For random capacities, every successful plan partitions [0, total)
// with contiguous stage indexes starting at 0.
func TestBuild_PartitionProperty(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for iter := range 500 {
		n := 1 + rng.Intn(6)
		caps := make([]int, n)
		for i := range caps {
			caps[i] = rng.Intn(20)
		}
		total := 1 + rng.Intn(60)

		p, err := Build(total, candidates(caps...), uint64(iter))
		if err != nil {
			if !errors.Is(err, ErrInsufficientCapacity) {
				t.Fatalf("iter %d: unexpected error %v", iter, err)
			}
			continue
		}
		if err := p.Validate(); err != nil {
			t.Fatalf("iter %d: caps=%v total=%d: %v", iter, caps, total, err)
		}
		for layer := range total {
			s, ok := p.StageForLayer(layer)
			if !ok || layer < s.Start || layer >= s.End {
				t.Fatalf("iter %d: layer %d not covered", iter, layer)
			}
		}
		if _, ok := p.StageForLayer(total); ok {
			t.Fatalf("iter %d: layer %d should be out of range", iter, total)
		}
	}
}

func TestValidate_Rejects(t *testing.T) {
	tests := []struct {
		name string
		plan *Plan
	}{
		{"empty", &Plan{TotalLayers: 4}},
		{"gap", &Plan{TotalLayers: 4, Stages: []Stage{
			{Index: 0, Start: 0, End: 2, NodeID: "a"},
			{Index: 1, Start: 3, End: 4, NodeID: "b"},
		}}},
		{"overlap", &Plan{TotalLayers: 4, Stages: []Stage{
			{Index: 0, Start: 0, End: 3, NodeID: "a"},
			{Index: 1, Start: 2, End: 4, NodeID: "b"},
		}}},
		{"short", &Plan{TotalLayers: 4, Stages: []Stage{
			{Index: 0, Start: 0, End: 3, NodeID: "a"},
		}}},
		{"bad index", &Plan{TotalLayers: 4, Stages: []Stage{
			{Index: 1, Start: 0, End: 4, NodeID: "a"},
		}}},
		{"duplicate node", &Plan{TotalLayers: 4, Stages: []Stage{
			{Index: 0, Start: 0, End: 2, NodeID: "a"},
			{Index: 1, Start: 2, End: 4, NodeID: "a"},
		}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.plan.Validate(); !errors.Is(err, ErrInvalidPlan) {
				t.Errorf("Validate() = %v, want ErrInvalidPlan", err)
			}
		})
	}
}

func TestClone_Independent(t *testing.T) {
	p, err := Build(8, candidates(4, 4), 3)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	c := p.Clone()
	c.Stages[0].NodeID = "mutated"
	if p.Stages[0].NodeID == "mutated" {
		t.Error("Clone shares stage storage with the original")
	}
}

type fakeSource struct {
	cands []Candidate
}

func (f *fakeSource) Candidates() []Candidate { return f.cands }

func TestPlanner_ReplanVersions(t *testing.T) {
	src := &fakeSource{cands: candidates(16, 10, 6)}
	pl := NewPlanner(src, 32)

	var observed []uint64
	pl.Observe(func(p *Plan) { observed = append(observed, p.Version) })

	first, err := pl.Replan()
	if err != nil {
		t.Fatalf("Replan failed: %v", err)
	}
	if first.Version != 1 {
		t.Errorf("first version = %d, want 1", first.Version)
	}

	// A session keeps this snapshot across topology changes.
	snapshot := first.Clone()

	// Node leaves; capacity drops below the model size.
	src.cands = candidates(16, 10)
	if _, err := pl.Replan(); !errors.Is(err, ErrInsufficientCapacity) {
		t.Fatalf("Replan error = %v, want ErrInsufficientCapacity", err)
	}

	if cur := pl.Current(); cur == nil || cur.Version != 1 {
		t.Errorf("current plan should stay at version 1, got %+v", cur)
	}
	if snapshot.NumStages() != 3 || snapshot.Stages[2].NodeID != "node-2" {
		t.Errorf("snapshot mutated: %+v", snapshot.Stages)
	}

	src.cands = candidates(16, 16)
	second, err := pl.Replan()
	if err != nil {
		t.Fatalf("Replan failed: %v", err)
	}
	if second.Version != 2 {
		t.Errorf("second version = %d, want 2", second.Version)
	}
	if len(observed) != 2 || observed[1] != 2 {
		t.Errorf("observed versions = %v, want [1 2]", observed)
	}
}
