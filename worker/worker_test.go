package worker

import (
	"strings"
	"sync"
	"testing"

	"github.com/pithecene-io/spm/compute"
	"github.com/pithecene-io/spm/ipc"
	"github.com/pithecene-io/spm/kvcache"
	"github.com/pithecene-io/spm/metrics"
	"github.com/pithecene-io/spm/tensor"
)

func newTestWorker() (*Worker, *compute.Toy, *metrics.Collector) {
	model := compute.NewToy(4, 8, 16, -1)
	collector := metrics.NewCollector("worker", "w1")
	return New(Config{NodeID: "w1", Model: model, Collector: collector}), model, collector
}

func start(t *testing.T, w *Worker, stage, from, to int) {
	t.Helper()
	reply := w.ServeFrame(t.Context(), "coord", &ipc.SessionStart{
		Type: ipc.TypeSessionStart, SessionID: "s", Stage: stage, Start: from, End: to,
	})
	if _, ok := reply.(*ipc.SessionStart); !ok {
		t.Fatalf("session_start reply = %#v", reply)
	}
}

func TestWorker_ForwardAppendsCache(t *testing.T) {
	w, model, collector := newTestWorker()
	start(t, w, 1, 2, 4)

	for step, tokens := range [][]int{{1, 2, 3}, {4}, {5}} {
		x, _ := model.Embed(tokens)
		reply := w.ServeFrame(t.Context(), "coord", ipc.NewEnvelope("s", step, 1, x))
		env, ok := reply.(*ipc.Envelope)
		if !ok {
			t.Fatalf("step %d reply = %#v, want activation", step, reply)
		}
		if !env.Final {
			t.Error("stage ending at the last layer should mark output final")
		}
		if env.Tensor.Shape[0] != len(tokens) {
			t.Errorf("output rows = %d, want %d", env.Tensor.Shape[0], len(tokens))
		}
		if got := w.Cache().Len("s", 1); got != step+1 {
			t.Errorf("cache Len = %d after step %d, want %d", got, step, step+1)
		}
	}
	if got := collector.Snapshot().ForwardsExecuted; got != 3 {
		t.Errorf("ForwardsExecuted = %d, want 3", got)
	}
}

func TestWorker_OutOfOrderStep(t *testing.T) {
	w, model, _ := newTestWorker()
	start(t, w, 0, 0, 2)
	x, _ := model.Embed([]int{1})

	reply := w.ServeFrame(t.Context(), "coord", ipc.NewEnvelope("s", 1, 0, x))
	ef, ok := reply.(*ipc.ErrorFrame)
	if !ok || ef.Kind != ipc.ErrorKindOutOfOrderStep {
		t.Fatalf("reply = %#v, want out_of_order_step error", reply)
	}
	if ef.Step != 1 || ef.ReplyTo != ipc.TypeActivation {
		t.Errorf("error frame = %+v, want reply to activation step 1", ef)
	}
	if got := w.Cache().Len("s", 0); got != 0 {
		t.Errorf("cache Len = %d, want unchanged 0", got)
	}

	reply = w.ServeFrame(t.Context(), "coord", ipc.NewEnvelope("s", 0, 0, x))
	env, ok := reply.(*ipc.Envelope)
	if !ok {
		t.Fatalf("step 0 reply = %#v", reply)
	}
	if env.Final {
		t.Error("intermediate stage should not mark output final")
	}
}

func TestWorker_UnknownSession(t *testing.T) {
	w, model, _ := newTestWorker()
	x, _ := model.Embed([]int{1})
	reply := w.ServeFrame(t.Context(), "coord", ipc.NewEnvelope("nope", 0, 0, x))
	if ef, ok := reply.(*ipc.ErrorFrame); !ok || ef.Kind != ipc.ErrorKindUnknownSession {
		t.Errorf("reply = %#v, want unknown_session error", reply)
	}
}

func TestWorker_InvalidRange(t *testing.T) {
	w, _, _ := newTestWorker()
	reply := w.ServeFrame(t.Context(), "coord", &ipc.SessionStart{
		Type: ipc.TypeSessionStart, SessionID: "s", Stage: 0, Start: 0, End: 9,
	})
	if ef, ok := reply.(*ipc.ErrorFrame); !ok || ef.ReplyTo != ipc.TypeSessionStart {
		t.Errorf("reply = %#v, want error for session_start", reply)
	}
}

func TestWorker_EndAndEvict(t *testing.T) {
	w, _, _ := newTestWorker()
	start(t, w, 0, 0, 2)
	start(t, w, 1, 2, 4)

	w.ServeFrame(t.Context(), "coord", &ipc.SessionEnd{Type: ipc.TypeSessionEnd, SessionID: "s", Stage: 0})
	if got := w.Cache().Len("s", 0); got != -1 {
		t.Errorf("stage 0 Len = %d after end, want -1", got)
	}
	if got := w.Cache().Len("s", 1); got != 0 {
		t.Errorf("stage 1 Len = %d, want 0", got)
	}

	reply := w.ServeFrame(t.Context(), "coord", &ipc.CacheEvict{Type: ipc.TypeCacheEvict, SessionID: "s"})
	if _, ok := reply.(*ipc.CacheEvict); !ok {
		t.Errorf("evict reply = %#v", reply)
	}
	if len(w.Cache().Sessions()) != 0 {
		t.Errorf("Sessions() = %v, want empty", w.Cache().Sessions())
	}
}

func TestWorker_RetriedStepReplaysReply(t *testing.T) {
	w, model, collector := newTestWorker()
	start(t, w, 1, 2, 4)

	x0, _ := model.Embed([]int{1, 2})
	x1, _ := model.Embed([]int{3})
	w.ServeFrame(t.Context(), "coord", ipc.NewEnvelope("s", 0, 1, x0))
	first, ok := w.ServeFrame(t.Context(), "coord", ipc.NewEnvelope("s", 1, 1, x1)).(*ipc.Envelope)
	if !ok {
		t.Fatal("step 1 did not return an activation")
	}

	// The coordinator lost the reply to step 1 and sends it again.
	again, ok := w.ServeFrame(t.Context(), "coord", ipc.NewEnvelope("s", 1, 1, x1)).(*ipc.Envelope)
	if !ok {
		t.Fatal("retried step 1 did not return an activation")
	}
	if again.Step != 1 || again.Final != first.Final || !tensorEqual(again.Tensor, first.Tensor) {
		t.Errorf("retried reply = %+v, want %+v", again, first)
	}
	if got := w.Cache().Len("s", 1); got != 2 {
		t.Errorf("cache Len = %d after retry, want unchanged 2", got)
	}
	if got := collector.Snapshot().ForwardsExecuted; got != 2 {
		t.Errorf("ForwardsExecuted = %d, want 2", got)
	}

	// Only the last committed step is replayed.
	reply := w.ServeFrame(t.Context(), "coord", ipc.NewEnvelope("s", 0, 1, x0))
	if ef, ok := reply.(*ipc.ErrorFrame); !ok || ef.Kind != ipc.ErrorKindOutOfOrderStep {
		t.Errorf("older step reply = %#v, want out_of_order_step error", reply)
	}

	x2, _ := model.Embed([]int{4})
	if _, ok := w.ServeFrame(t.Context(), "coord", ipc.NewEnvelope("s", 2, 1, x2)).(*ipc.Envelope); !ok {
		t.Error("step 2 after a replay should run normally")
	}
}

func TestWorker_DuplicateStepRunsOnce(t *testing.T) {
	w, model, collector := newTestWorker()
	start(t, w, 0, 0, 2)
	x, _ := model.Embed([]int{1, 2, 3})

	const dup = 4
	replies := make([]any, dup)
	var wg sync.WaitGroup
	for i := range dup {
		wg.Go(func() {
			replies[i] = w.ServeFrame(t.Context(), "coord", ipc.NewEnvelope("s", 0, 0, x))
		})
	}
	wg.Wait()

	for i, reply := range replies {
		if _, ok := reply.(*ipc.Envelope); !ok {
			t.Errorf("reply %d = %#v, want activation", i, reply)
		}
	}
	if got := w.Cache().Len("s", 0); got != 1 {
		t.Errorf("cache Len = %d, want 1", got)
	}
	if got := collector.Snapshot().ForwardsExecuted; got != 1 {
		t.Errorf("ForwardsExecuted = %d, want 1", got)
	}
}

// stubModel serves the same forwarder for every layer range.
type stubModel struct {
	layers int
	fw     compute.Forwarder
}

func (m stubModel) NumLayers() int { return m.layers }

func (m stubModel) Stage(int, int) (compute.Forwarder, error) { return m.fw, nil }

func TestWorker_ForwarderMustStageSlice(t *testing.T) {
	passthrough := compute.ForwarderFunc(func(in tensor.Tensor, _ *kvcache.Handle) (tensor.Tensor, error) {
		return in, nil
	})
	w := New(Config{NodeID: "w1", Model: stubModel{layers: 2, fw: passthrough}})
	start(t, w, 0, 0, 2)

	x := tensor.FromFloat32([]int{1, 2}, []float32{1, 2})
	reply := w.ServeFrame(t.Context(), "coord", ipc.NewEnvelope("s", 0, 0, x))
	ef, ok := reply.(*ipc.ErrorFrame)
	if !ok || ef.Kind != ipc.ErrorKindCompute {
		t.Fatalf("reply = %#v, want compute error", reply)
	}
	if !strings.Contains(ef.Message, "without staging a KV slice") {
		t.Errorf("error message = %q, want it to name the missing KV slice", ef.Message)
	}
	if got := w.Cache().Len("s", 0); got != 0 {
		t.Errorf("cache Len = %d, want 0", got)
	}
}

func tensorEqual(a, b tensor.Tensor) bool {
	if a.DType != b.DType || len(a.Shape) != len(b.Shape) || string(a.Data) != string(b.Data) {
		return false
	}
	for i := range a.Shape {
		if a.Shape[i] != b.Shape[i] {
			return false
		}
	}
	return true
}
