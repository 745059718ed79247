// Package plan maps model layers onto pipeline stages.
//
// A Plan is pure data: an ordered list of stages, each a contiguous
// half-open layer range served by exactly one node. Plans are immutable once
// built; sessions keep a Clone so that re-planning never touches an
// in-flight generation.
package plan

import (
	"cmp"
	"slices"
	"time"

	"github.com/pithecene-io/spm/types"
)

// Candidate is a node offered to the planner with its declared capacity.
type Candidate struct {
	ID        types.NodeID
	Address   string
	MaxLayers int
	Class     types.ComputeClass
}

// Stage is one node's contiguous slice of layers.
type Stage struct {
	Index   int          `json:"index" yaml:"index" msgpack:"index"`
	Start   int          `json:"start" yaml:"start" msgpack:"start"`
	End     int          `json:"end" yaml:"end" msgpack:"end"`
	NodeID  types.NodeID `json:"node_id" yaml:"node_id" msgpack:"node_id"`
	Address string       `json:"address" yaml:"address" msgpack:"address"`
}

// Layers returns the number of layers in the stage.
func (s Stage) Layers() int {
	return s.End - s.Start
}

// Plan is the full assignment of stages to nodes for one topology version.
type Plan struct {
	Version     uint64    `json:"version" yaml:"version"`
	TotalLayers int       `json:"total_layers" yaml:"total_layers"`
	Stages      []Stage   `json:"stages" yaml:"stages"`
	CreatedAt   time.Time `json:"created_at" yaml:"created_at"`
}

// Build assigns layers [0, totalLayers) to candidates.
//
// Candidates are ordered by capacity descending, GPU before CPU on ties, then
// by id. Each takes min(capacity, remaining) layers, which yields the fewest
// stages and puts the largest nodes first in the pipeline. Fails with
// ErrInsufficientCapacity when the combined capacity is short.
func Build(totalLayers int, candidates []Candidate, version uint64) (*Plan, error) {
	if totalLayers <= 0 {
		return nil, invalid("total layers must be positive, got %d", totalLayers)
	}

	ordered := make([]Candidate, 0, len(candidates))
	have := 0
	for _, c := range candidates {
		if c.MaxLayers <= 0 {
			continue
		}
		ordered = append(ordered, c)
		have += c.MaxLayers
	}
	if have < totalLayers {
		return nil, &Error{Kind: ErrInsufficientCapacity, Need: totalLayers, Have: have}
	}

	slices.SortStableFunc(ordered, func(a, b Candidate) int {
		if c := cmp.Compare(b.MaxLayers, a.MaxLayers); c != 0 {
			return c
		}
		if c := cmp.Compare(b.Class.Rank(), a.Class.Rank()); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})

	p := &Plan{Version: version, TotalLayers: totalLayers}
	next := 0
	for _, c := range ordered {
		if next == totalLayers {
			break
		}
		n := min(c.MaxLayers, totalLayers-next)
		p.Stages = append(p.Stages, Stage{
			Index:   len(p.Stages),
			Start:   next,
			End:     next + n,
			NodeID:  c.ID,
			Address: c.Address,
		})
		next += n
	}
	return p, nil
}

// Validate checks that stages are indexed 0..n-1, contiguous, non-empty,
// cover [0, TotalLayers) exactly once, and use each node once.
func (p *Plan) Validate() error {
	if p == nil || len(p.Stages) == 0 {
		return invalid("plan has no stages")
	}
	seen := make(map[types.NodeID]int, len(p.Stages))
	next := 0
	for i, s := range p.Stages {
		if s.Index != i {
			return invalid("stage %d has index %d", i, s.Index)
		}
		if s.Start != next {
			return invalid("stage %d starts at layer %d, expected %d", i, s.Start, next)
		}
		if s.End <= s.Start {
			return invalid("stage %d has empty range [%d,%d)", i, s.Start, s.End)
		}
		if s.NodeID == "" {
			return invalid("stage %d has no node", i)
		}
		if prev, dup := seen[s.NodeID]; dup {
			return invalid("node %s assigned to stages %d and %d", s.NodeID, prev, i)
		}
		seen[s.NodeID] = i
		next = s.End
	}
	if next != p.TotalLayers {
		return invalid("stages cover [0,%d), model has %d layers", next, p.TotalLayers)
	}
	return nil
}

// Clone returns a deep copy.
func (p *Plan) Clone() *Plan {
	if p == nil {
		return nil
	}
	c := *p
	c.Stages = slices.Clone(p.Stages)
	return &c
}

// NumStages returns the number of pipeline stages.
func (p *Plan) NumStages() int {
	return len(p.Stages)
}

// Final returns the index of the last stage.
func (p *Plan) Final() int {
	return len(p.Stages) - 1
}

// StageForLayer returns the stage serving the given layer.
func (p *Plan) StageForLayer(layer int) (Stage, bool) {
	i, found := slices.BinarySearchFunc(p.Stages, layer, func(s Stage, l int) int {
		switch {
		case l < s.Start:
			return 1
		case l >= s.End:
			return -1
		default:
			return 0
		}
	})
	if !found {
		return Stage{}, false
	}
	return p.Stages[i], true
}

// Nodes returns the node ids in stage order.
func (p *Plan) Nodes() []types.NodeID {
	ids := make([]types.NodeID, len(p.Stages))
	for i, s := range p.Stages {
		ids[i] = s.NodeID
	}
	return ids
}

// Uses returns true if the node serves any stage.
func (p *Plan) Uses(id types.NodeID) bool {
	for _, s := range p.Stages {
		if s.NodeID == id {
			return true
		}
	}
	return false
}
