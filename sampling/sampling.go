// Package sampling picks the next token from a logits vector.
//
// Temperature sampling applies, in order: repeat penalty, temperature
// scaling, softmax, top-k truncation, then top-p (nucleus) truncation.
// A temperature of zero or less always selects the argmax.
package sampling

import (
	"cmp"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"slices"
)

// Strategy selects how a token is drawn.
type Strategy string

// Strategies.
const (
	Greedy      Strategy = "greedy"
	Temperature Strategy = "temperature"
)

// Defaults.
const (
	DefaultTemperature   = 1.0
	DefaultSeed          = 299792458
	DefaultRepeatPenalty = 1.1
	DefaultRepeatLastN   = 128
)

var (
	// ErrInvalidParams indicates unusable sampling parameters.
	ErrInvalidParams = errors.New("invalid sampling parameters")
	// ErrBadLogits indicates logits that cannot be sampled from.
	ErrBadLogits = errors.New("bad logits")
)

// Params configures a Sampler.
type Params struct {
	Strategy    Strategy `json:"strategy" yaml:"strategy"`
	Temperature float64  `json:"temperature" yaml:"temperature"`
	// TopK keeps the k most likely tokens. Zero disables.
	TopK int `json:"top_k" yaml:"top_k"`
	// TopP keeps the smallest prefix whose mass reaches p. Zero or one
	// disables.
	TopP float64 `json:"top_p" yaml:"top_p"`
	Seed uint64  `json:"seed" yaml:"seed"`
	// RepeatPenalty of 1 disables the penalty.
	RepeatPenalty float32 `json:"repeat_penalty" yaml:"repeat_penalty"`
	RepeatLastN   int     `json:"repeat_last_n" yaml:"repeat_last_n"`
}

// DefaultParams returns temperature sampling at T=1 with the default repeat
// penalty.
func DefaultParams() Params {
	return Params{
		Strategy:      Temperature,
		Temperature:   DefaultTemperature,
		Seed:          DefaultSeed,
		RepeatPenalty: DefaultRepeatPenalty,
		RepeatLastN:   DefaultRepeatLastN,
	}
}

// Validate checks the parameters.
func (p Params) Validate() error {
	switch p.Strategy {
	case Greedy, Temperature:
	default:
		return fmt.Errorf("%w: unknown strategy %q", ErrInvalidParams, p.Strategy)
	}
	if math.IsNaN(p.Temperature) || math.IsInf(p.Temperature, 0) {
		return fmt.Errorf("%w: temperature must be finite", ErrInvalidParams)
	}
	if p.TopK < 0 {
		return fmt.Errorf("%w: top_k must be >= 0, got %d", ErrInvalidParams, p.TopK)
	}
	if p.TopP < 0 || p.TopP > 1 || math.IsNaN(p.TopP) {
		return fmt.Errorf("%w: top_p must be in [0, 1], got %v", ErrInvalidParams, p.TopP)
	}
	if p.RepeatPenalty <= 0 {
		return fmt.Errorf("%w: repeat_penalty must be > 0, got %v", ErrInvalidParams, p.RepeatPenalty)
	}
	if p.RepeatLastN < 0 {
		return fmt.Errorf("%w: repeat_last_n must be >= 0, got %d", ErrInvalidParams, p.RepeatLastN)
	}
	return nil
}

// IsGreedy reports whether sampling reduces to argmax.
func (p Params) IsGreedy() bool {
	return p.Strategy == Greedy || p.Temperature <= 0
}

// Sampler draws tokens. It is stateful (seeded RNG) and must be used by one
// session at a time.
type Sampler struct {
	params Params
	rng    *rand.Rand
}

// New creates a sampler.
func New(p Params) (*Sampler, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &Sampler{
		params: p,
		rng:    rand.New(rand.NewPCG(p.Seed, p.Seed^0x9e3779b97f4a7c15)),
	}, nil
}

// Params returns the sampler's parameters.
func (s *Sampler) Params() Params {
	return s.params
}

// Sample returns the next token id. history is every token of the session so
// far, prompt included; only the last RepeatLastN are penalized.
func (s *Sampler) Sample(logits []float32, history []int) (int, error) {
	if len(logits) == 0 {
		return 0, fmt.Errorf("%w: empty", ErrBadLogits)
	}
	work := slices.Clone(logits)
	for i, v := range work {
		if math.IsNaN(float64(v)) {
			return 0, fmt.Errorf("%w: NaN at %d", ErrBadLogits, i)
		}
	}

	if s.params.RepeatPenalty != 1 && s.params.RepeatLastN > 0 {
		start := max(0, len(history)-s.params.RepeatLastN)
		ApplyRepeatPenalty(work, s.params.RepeatPenalty, history[start:])
	}

	if s.params.IsGreedy() {
		return Argmax(work), nil
	}

	probs := softmax(work, s.params.Temperature)
	if s.params.TopK > 0 && s.params.TopK < len(probs) {
		topK(probs, s.params.TopK)
	}
	if s.params.TopP > 0 && s.params.TopP < 1 {
		topP(probs, s.params.TopP)
	}
	return s.draw(probs)
}

// ApplyRepeatPenalty divides positive logits and multiplies negative ones
// by penalty for each distinct token in context.
func ApplyRepeatPenalty(logits []float32, penalty float32, context []int) {
	seen := make(map[int]struct{}, len(context))
	for _, tok := range context {
		if tok < 0 || tok >= len(logits) {
			continue
		}
		if _, dup := seen[tok]; dup {
			continue
		}
		seen[tok] = struct{}{}
		if logits[tok] >= 0 {
			logits[tok] /= penalty
		} else {
			logits[tok] *= penalty
		}
	}
}

// Argmax returns the index of the largest value; ties go to the lowest index.
func Argmax(values []float32) int {
	best := 0
	for i, v := range values {
		if v > values[best] {
			best = i
		}
	}
	return best
}

func softmax(logits []float32, temperature float64) []float64 {
	maxLogit := math.Inf(-1)
	for _, v := range logits {
		maxLogit = math.Max(maxLogit, float64(v)/temperature)
	}
	probs := make([]float64, len(logits))
	var sum float64
	for i, v := range logits {
		p := math.Exp(float64(v)/temperature - maxLogit)
		probs[i] = p
		sum += p
	}
	for i := range probs {
		probs[i] /= sum
	}
	return probs
}

// order returns indices sorted by probability descending, index ascending.
func order(probs []float64) []int {
	idx := make([]int, len(probs))
	for i := range idx {
		idx[i] = i
	}
	slices.SortStableFunc(idx, func(a, b int) int {
		return cmp.Compare(probs[b], probs[a])
	})
	return idx
}

// topK zeroes every probability outside the k largest.
func topK(probs []float64, k int) {
	for _, i := range order(probs)[k:] {
		probs[i] = 0
	}
}

// topP zeroes the tail once the cumulative mass of the kept tokens reaches p.
func topP(probs []float64, p float64) {
	var cum float64
	for _, i := range order(probs) {
		if cum >= p {
			probs[i] = 0
			continue
		}
		cum += probs[i]
	}
}

func (s *Sampler) draw(probs []float64) (int, error) {
	var total float64
	for _, p := range probs {
		total += p
	}
	if total <= 0 || math.IsNaN(total) || math.IsInf(total, 0) {
		return 0, fmt.Errorf("%w: distribution has no mass", ErrBadLogits)
	}
	r := s.rng.Float64() * total
	last := 0
	for i, p := range probs {
		if p == 0 {
			continue
		}
		last = i
		r -= p
		if r < 0 {
			return i, nil
		}
	}
	return last, nil
}
