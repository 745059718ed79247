package compute

import (
	"bytes"
	"errors"
	"testing"

	"github.com/pithecene-io/spm/kvcache"
	"github.com/pithecene-io/spm/tensor"
	"github.com/pithecene-io/spm/types"
)

// runPipeline runs tokens through the given layer splits for several decode
// steps and returns the final hidden state of each step.
func runPipeline(t *testing.T, m *Toy, splits [][2]int, steps [][]int) []tensor.Tensor {
	t.Helper()
	cache := kvcache.New(kvcache.Config{})
	stages := make([]Forwarder, len(splits))
	for i, sp := range splits {
		fw, err := m.Stage(sp[0], sp[1])
		if err != nil {
			t.Fatalf("Stage(%d, %d) error = %v", sp[0], sp[1], err)
		}
		stages[i] = fw
		_ = cache.Begin("s", i)
	}

	var outputs []tensor.Tensor
	for step, tokens := range steps {
		x, err := m.Embed(tokens)
		if err != nil {
			t.Fatalf("Embed() error = %v", err)
		}
		for i, fw := range stages {
			h, _ := cache.Handle(types.SessionID("s"), i)
			x, err = fw.Forward(x, h)
			if err != nil {
				t.Fatalf("Forward(stage=%d) error = %v", i, err)
			}
			kv, ok := h.Take()
			if !ok {
				t.Fatalf("stage %d staged no KV slice", i)
			}
			if err := cache.Append("s", i, step, kv); err != nil {
				t.Fatalf("Append() error = %v", err)
			}
		}
		outputs = append(outputs, x)
	}
	return outputs
}

func TestToy_SplitInvariant(t *testing.T) {
	m := NewToy(8, 16, 32, -1)
	steps := [][]int{{1, 2, 3, 4}, {5}, {6}}

	whole := runPipeline(t, m, [][2]int{{0, 8}}, steps)
	split := runPipeline(t, m, [][2]int{{0, 3}, {3, 7}, {7, 8}}, steps)

	for i := range steps {
		if !bytes.Equal(whole[i].Data, split[i].Data) {
			t.Errorf("step %d: split pipeline output differs from single stage", i)
		}
	}
}

func TestToy_DependsOnCache(t *testing.T) {
	m := NewToy(2, 8, 16, -1)
	fw, _ := m.Stage(0, 2)
	x, _ := m.Embed([]int{3})

	cold, err := fw.Forward(x, nil)
	if err != nil {
		t.Fatal(err)
	}

	cache := kvcache.New(kvcache.Config{})
	_ = cache.Begin("s", 0)
	h, _ := cache.Handle("s", 0)
	prefill, _ := m.Embed([]int{7, 9})
	if _, err := fw.Forward(prefill, h); err != nil {
		t.Fatal(err)
	}
	kv, _ := h.Take()
	_ = cache.Append("s", 0, 0, kv)

	warm, err := fw.Forward(x, h)
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(cold.Data, warm.Data) {
		t.Error("output should depend on cached context")
	}
}

func TestToy_Logits(t *testing.T) {
	m := NewToy(2, 8, 257, 256)
	hidden, _ := m.Embed([]int{10, 20})
	logits, err := m.Logits(hidden)
	if err != nil {
		t.Fatalf("Logits() error = %v", err)
	}
	if len(logits.Shape) != 1 || logits.Shape[0] != 257 {
		t.Errorf("logits shape = %v, want [257]", logits.Shape)
	}
}

func TestToy_Errors(t *testing.T) {
	m := NewToy(4, 8, 16, -1)
	if _, err := m.Stage(2, 2); err == nil {
		t.Error("Stage(2, 2) should fail")
	}
	if _, err := m.Stage(0, 5); err == nil {
		t.Error("Stage(0, 5) should fail")
	}
	if _, err := m.Embed([]int{16}); err == nil {
		t.Error("Embed out-of-vocabulary token should fail")
	}
	fw, _ := m.Stage(0, 4)
	bad := tensor.FromFloat32([]int{1, 3}, []float32{1, 2, 3})
	if _, err := fw.Forward(bad, nil); !errors.Is(err, ErrShape) {
		t.Errorf("Forward() error = %v, want ErrShape", err)
	}
}

func TestToy_ForwardRejectsOverflowingShape(t *testing.T) {
	m := NewToy(2, 8, 16, -1)
	fw, _ := m.Stage(0, 2)
	huge := tensor.Tensor{DType: tensor.Float32, Shape: []int{1 << 61, 8}}
	if _, err := fw.Forward(huge, nil); !errors.Is(err, tensor.ErrMalformed) {
		t.Errorf("Forward() error = %v, want tensor.ErrMalformed", err)
	}
}
