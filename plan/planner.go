package plan

import (
	"sync"
	"time"
)

// Source supplies the current set of ready nodes. registry.Registry
// implements it; the planner never performs network I/O through it.
type Source interface {
	Candidates() []Candidate
}

// Observer is notified after every successful re-plan.
type Observer func(*Plan)

// Planner produces successive plan versions from a Source.
// Re-planning is always explicit; the planner never re-plans on its own.
type Planner struct {
	source      Source
	totalLayers int
	now         func() time.Time

	mu        sync.Mutex
	version   uint64
	current   *Plan
	observers []Observer
}

// NewPlanner creates a planner for a model with totalLayers layers.
func NewPlanner(source Source, totalLayers int) *Planner {
	return &Planner{
		source:      source,
		totalLayers: totalLayers,
		now:         time.Now,
	}
}

// Observe registers an observer for new plans.
func (p *Planner) Observe(o Observer) {
	p.mu.Lock()
	p.observers = append(p.observers, o)
	p.mu.Unlock()
}

// Replan builds a new plan version from the source's current candidates.
// On failure the current plan is left in place and the version counter
// does not advance.
func (p *Planner) Replan() (*Plan, error) {
	candidates := p.source.Candidates()

	p.mu.Lock()
	built, err := Build(p.totalLayers, candidates, p.version+1)
	if err != nil {
		p.mu.Unlock()
		return nil, err
	}
	p.version++
	built.CreatedAt = p.now().UTC()
	p.current = built
	observers := append([]Observer(nil), p.observers...)
	p.mu.Unlock()

	for _, o := range observers {
		o(built.Clone())
	}
	return built.Clone(), nil
}

// Current returns a copy of the latest plan, or nil if none was built yet.
func (p *Planner) Current() *Plan {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current.Clone()
}

// TotalLayers returns the model layer count the planner targets.
func (p *Planner) TotalLayers() int {
	return p.totalLayers
}
