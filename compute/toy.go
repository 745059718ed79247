package compute

import (
	"fmt"
	"math"

	"github.com/pithecene-io/spm/kvcache"
	"github.com/pithecene-io/spm/tensor"
)

// Toy is a deterministic stand-in for a transformer. Every weight is a
// closed-form function of its indices, so any two nodes constructing the
// same Toy agree bit for bit, and splitting the layers across stages gives
// the same result as running them on one node.
//
// Hidden states are f32 [seq, Dim]. Each layer mixes a row with the running
// mean of everything that layer has seen earlier in the session, which makes
// outputs depend on the KV cache the same way attention does.
type Toy struct {
	Layers int
	Dim    int
	Vocab  int
	// EOS, if non-negative, is the token whose logit is damped so that
	// generation runs for a while before stopping.
	EOS int
}

// NewToy returns a Toy model.
func NewToy(layers, dim, vocab, eos int) *Toy {
	return &Toy{Layers: layers, Dim: dim, Vocab: vocab, EOS: eos}
}

// NumLayers returns the layer count.
func (m *Toy) NumLayers() int { return m.Layers }

func weight(a, b, c int) float32 {
	return float32(math.Sin(float64(a)*12.9898+float64(b)*78.233+float64(c)*37.719) * 0.5)
}

// Embed implements Embedder.
func (m *Toy) Embed(tokens []int) (tensor.Tensor, error) {
	if len(tokens) == 0 {
		return tensor.Tensor{}, fmt.Errorf("%w: no tokens to embed", ErrShape)
	}
	out := make([]float32, len(tokens)*m.Dim)
	for r, tok := range tokens {
		if tok < 0 || tok >= m.Vocab {
			return tensor.Tensor{}, fmt.Errorf("token %d outside vocabulary of %d", tok, m.Vocab)
		}
		for i := range m.Dim {
			out[r*m.Dim+i] = weight(tok, i, 1)
		}
	}
	return tensor.FromFloat32([]int{len(tokens), m.Dim}, out), nil
}

// Stage implements Model.
func (m *Toy) Stage(start, end int) (Forwarder, error) {
	if start < 0 || end > m.Layers || start >= end {
		return nil, fmt.Errorf("layer range [%d, %d) invalid for %d layers", start, end, m.Layers)
	}
	return &toyStage{model: m, start: start, end: end}, nil
}

type toyStage struct {
	model      *Toy
	start, end int
}

// Forward runs layers [start, end). The KV slice for the step is
// [rows, layers, Dim]: the input row to every layer.
func (s *toyStage) Forward(in tensor.Tensor, cache *kvcache.Handle) (tensor.Tensor, error) {
	dim := s.model.Dim
	if in.Rank() != 2 || in.Shape[1] != dim {
		return tensor.Tensor{}, fmt.Errorf("%w: want [seq, %d], got %v", ErrShape, dim, in.Shape)
	}
	x, err := in.Float32s()
	if err != nil {
		return tensor.Tensor{}, err
	}
	rows := in.Shape[0]
	layers := s.end - s.start

	// Running sum and count per layer of every row seen in earlier steps.
	sums := make([]float64, layers*dim)
	seen := 0
	if cache != nil {
		for _, entry := range cache.Entries() {
			vals, err := entry.Float32s()
			if err != nil {
				return tensor.Tensor{}, fmt.Errorf("cache entry: %w", err)
			}
			n := entry.Shape[0]
			for r := range n {
				for l := range layers {
					for i := range dim {
						sums[l*dim+i] += float64(vals[(r*layers+l)*dim+i])
					}
				}
			}
			seen += n
		}
	}

	kv := make([]float32, rows*layers*dim)
	h := append([]float32(nil), x...)
	for r := range rows {
		row := h[r*dim : (r+1)*dim]
		for l := range layers {
			layer := s.start + l
			copy(kv[(r*layers+l)*dim:], row)
			for i := range dim {
				sums[l*dim+i] += float64(row[i])
			}
			count := float64(seen + r + 1)
			for i := range dim {
				ctx := float32(sums[l*dim+i] / count)
				row[i] = float32(math.Tanh(float64(row[i]*(1+weight(layer, i, 2)) + 0.5*ctx + weight(layer, i, 3))))
			}
		}
	}

	if cache != nil {
		cache.Put(tensor.FromFloat32([]int{rows, layers, dim}, kv))
	}
	return tensor.FromFloat32([]int{rows, dim}, h), nil
}

// Logits implements Head over the last row of the hidden state.
func (m *Toy) Logits(hidden tensor.Tensor) (tensor.Tensor, error) {
	if hidden.Rank() != 2 || hidden.Shape[1] != m.Dim || hidden.Shape[0] == 0 {
		return tensor.Tensor{}, fmt.Errorf("%w: want [seq, %d], got %v", ErrShape, m.Dim, hidden.Shape)
	}
	last, err := hidden.Row(-1)
	if err != nil {
		return tensor.Tensor{}, err
	}
	h, err := last.Float32s()
	if err != nil {
		return tensor.Tensor{}, err
	}
	logits := make([]float32, m.Vocab)
	for v := range m.Vocab {
		var dot float32
		for i, x := range h {
			dot += x * weight(v, i, 4)
		}
		logits[v] = 4 * dot
	}
	if m.EOS >= 0 && m.EOS < m.Vocab {
		logits[m.EOS] -= 8
	}
	return tensor.FromFloat32([]int{m.Vocab}, logits), nil
}

var (
	_ Model    = (*Toy)(nil)
	_ Embedder = (*Toy)(nil)
	_ Head     = (*Toy)(nil)
)
