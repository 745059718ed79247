// Package compute defines the numerical collaborators of the pipeline and a
// small deterministic reference model.
//
// The coordinator embeds tokens and turns the final hidden state into
// logits; each worker runs the layers of its stage. None of the pipeline
// machinery inspects activation values.
package compute

import (
	"errors"

	"github.com/pithecene-io/spm/kvcache"
	"github.com/pithecene-io/spm/tensor"
)

// ErrShape is returned when an input tensor does not have the expected shape.
var ErrShape = errors.New("unexpected tensor shape")

// Forwarder runs one stage's layers over an activation. It reads prior
// steps from cache and stages this step's KV slice with cache.Put.
type Forwarder interface {
	Forward(in tensor.Tensor, cache *kvcache.Handle) (tensor.Tensor, error)
}

// Embedder turns token ids into the first stage's input activation.
type Embedder interface {
	Embed(tokens []int) (tensor.Tensor, error)
}

// Head turns the last stage's output into next-token logits.
type Head interface {
	Logits(hidden tensor.Tensor) (tensor.Tensor, error)
}

// Model provides a Forwarder for any contiguous layer range.
type Model interface {
	NumLayers() int
	Stage(start, end int) (Forwarder, error)
}

// ForwarderFunc adapts a function to Forwarder.
type ForwarderFunc func(in tensor.Tensor, cache *kvcache.Handle) (tensor.Tensor, error)

// Forward calls f.
func (f ForwarderFunc) Forward(in tensor.Tensor, cache *kvcache.Handle) (tensor.Tensor, error) {
	return f(in, cache)
}
