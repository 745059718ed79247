package redis

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/pithecene-io/spm/adapter"
	"github.com/pithecene-io/spm/controller"
	"github.com/pithecene-io/spm/types"
)

func testEvent() *adapter.SessionCompletedEvent {
	return &adapter.SessionCompletedEvent{
		ProtocolVersion: types.ProtocolVersion,
		EventType:       adapter.EventTypeSessionCompleted,
		Coordinator:     "coord",
		SessionID:       "s-001",
		Status:          "completed",
		StopReason:      "eos",
		Tokens:          12,
		PlanVersion:     2,
		Timestamp:       "2026-02-07T12:00:00Z",
		DurationMs:      1500,
	}
}

// asyncReceive reads one message from the subscriber in the background. It
// must be called before Publish since miniredis delivers synchronously.
func asyncReceive(sub *miniredis.Subscriber) <-chan miniredis.PubsubMessage {
	ch := make(chan miniredis.PubsubMessage, 1)
	go func() {
		ch <- <-sub.Messages()
	}()
	return ch
}

func waitMessage(t *testing.T, ch <-chan miniredis.PubsubMessage) miniredis.PubsubMessage {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for pub/sub message")
		return miniredis.PubsubMessage{}
	}
}

func TestPublish_Channels(t *testing.T) {
	tests := []struct {
		name    string
		channel string
		want    string
	}{
		{"default", "", DefaultChannel},
		{"custom", "ops:sessions", "ops:sessions"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mr := miniredis.RunT(t)
			a, err := New(Config{URL: "redis://" + mr.Addr(), Channel: tt.channel})
			if err != nil {
				t.Fatalf("New() error = %v", err)
			}
			defer func() { _ = a.Close() }()

			sub := mr.NewSubscriber()
			sub.Subscribe(tt.want)
			ch := asyncReceive(sub)

			if err := a.Publish(t.Context(), testEvent()); err != nil {
				t.Fatalf("Publish() error = %v", err)
			}
			msg := waitMessage(t, ch)
			if msg.Channel != tt.want {
				t.Errorf("channel = %q, want %q", msg.Channel, tt.want)
			}

			var got adapter.SessionCompletedEvent
			if err := json.Unmarshal([]byte(msg.Message), &got); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if got != *testEvent() {
				t.Errorf("event = %+v, want %+v", got, *testEvent())
			}
		})
	}
}

func TestNotify_PublishesResult(t *testing.T) {
	mr := miniredis.RunT(t)
	a, err := New(Config{URL: "redis://" + mr.Addr()})
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = a.Close() }()

	sub := mr.NewSubscriber()
	sub.Subscribe(DefaultChannel)
	ch := asyncReceive(sub)

	hook := adapter.Notify(a, "coord", nil)
	hook(t.Context(), &controller.Result{
		SessionID:   "s-9",
		Tokens:      []int{1, 2, 3},
		Status:      types.SessionFailed,
		StopReason:  types.StopError,
		Err:         errors.New("link down"),
		PlanVersion: 4,
		Duration:    250 * time.Millisecond,
	})

	var got adapter.SessionCompletedEvent
	if err := json.Unmarshal([]byte(waitMessage(t, ch).Message), &got); err != nil {
		t.Fatal(err)
	}
	if got.SessionID != "s-9" || got.Tokens != 3 || got.Status != "failed" || got.Error != "link down" || got.DurationMs != 250 {
		t.Errorf("event = %+v", got)
	}
}

func TestPublish_ExhaustsRetries(t *testing.T) {
	a, err := New(Config{URL: "redis://127.0.0.1:1", Retries: 2, Timeout: 100 * time.Millisecond, BaseDelay: time.Millisecond})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer func() { _ = a.Close() }()

	if err := a.Publish(t.Context(), testEvent()); err == nil {
		t.Fatal("expected error after exhausting retries")
	}
}

func TestPublish_ContextCanceled(t *testing.T) {
	a, err := New(Config{URL: "redis://127.0.0.1:1", Retries: 5, Timeout: 10 * time.Second})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer func() { _ = a.Close() }()

	ctx, cancel := context.WithTimeout(t.Context(), 100*time.Millisecond)
	defer cancel()
	if err := a.Publish(ctx, testEvent()); err == nil {
		t.Fatal("expected error on canceled context")
	}
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"missing URL", Config{}},
		{"invalid URL", Config{URL: "not-a-redis-url"}},
		{"negative retries", Config{URL: "redis://localhost:6379", Retries: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.cfg); err == nil {
				t.Error("New() should fail")
			}
		})
	}
}

func TestNew_DefaultsApplied(t *testing.T) {
	a, err := New(Config{URL: "redis://localhost:6379"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer func() { _ = a.Close() }()

	if a.config.Channel != DefaultChannel || a.config.Timeout != DefaultTimeout {
		t.Errorf("config = %+v", a.config)
	}
	if a.retry.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", a.retry.Attempts)
	}
}

func TestClose_PublishFails(t *testing.T) {
	mr := miniredis.RunT(t)
	a, err := New(Config{URL: "redis://" + mr.Addr()})
	if err != nil {
		t.Fatal(err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := a.Publish(t.Context(), testEvent()); err == nil {
		t.Fatal("expected error after close")
	}
}
