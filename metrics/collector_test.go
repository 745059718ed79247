package metrics

import (
	"sync"
	"testing"
)

func TestCollector_IncrementMethods(t *testing.T) {
	c := NewCollector("coordinator", "coord-1")

	c.IncSessionStarted()
	c.IncSessionStarted()
	c.IncSessionCompleted()
	c.IncSessionFailed()
	c.IncSessionCanceled()
	c.AddTokens(5)
	c.AddTokens(2)
	c.IncHopRetry()
	c.IncLinkReconnect()
	c.IncLinkDown()
	c.IncProtocolViolation()
	c.IncFrameDecodeErrors()
	c.AddBytesSent(100)
	c.AddBytesReceived(40)
	c.IncCacheAppend()
	c.IncCacheRejected()
	c.IncCacheEviction()
	c.IncForward()
	c.IncReplan()
	c.IncReplanFailure()
	c.IncNodeUnreachable()
	c.IncNodeLeft()
	c.IncJournalWriteSuccess()
	c.IncJournalWriteFailure()

	s := c.Snapshot()

	checks := []struct {
		name string
		got  int64
		want int64
	}{
		{"SessionsStarted", s.SessionsStarted, 2},
		{"SessionsCompleted", s.SessionsCompleted, 1},
		{"SessionsFailed", s.SessionsFailed, 1},
		{"SessionsCanceled", s.SessionsCanceled, 1},
		{"TokensGenerated", s.TokensGenerated, 7},
		{"HopRetries", s.HopRetries, 1},
		{"LinkReconnects", s.LinkReconnects, 1},
		{"LinksDown", s.LinksDown, 1},
		{"ProtocolViolations", s.ProtocolViolations, 1},
		{"FrameDecodeErrors", s.FrameDecodeErrors, 1},
		{"BytesSent", s.BytesSent, 100},
		{"BytesReceived", s.BytesReceived, 40},
		{"CacheAppends", s.CacheAppends, 1},
		{"CacheRejected", s.CacheRejected, 1},
		{"CacheEvictions", s.CacheEvictions, 1},
		{"ForwardsExecuted", s.ForwardsExecuted, 1},
		{"Replans", s.Replans, 1},
		{"ReplanFailures", s.ReplanFailures, 1},
		{"NodesUnreachable", s.NodesUnreachable, 1},
		{"NodesLeft", s.NodesLeft, 1},
		{"JournalWriteSuccess", s.JournalWriteSuccess, 1},
		{"JournalWriteFailure", s.JournalWriteFailure, 1},
	}
	for _, ch := range checks {
		if ch.got != ch.want {
			t.Errorf("%s = %d, want %d", ch.name, ch.got, ch.want)
		}
	}
}

func TestCollector_Dimensions(t *testing.T) {
	s := NewCollector("worker", "phone").Snapshot()
	if s.Role != "worker" {
		t.Errorf("Role = %q, want worker", s.Role)
	}
	if s.NodeID != "phone" {
		t.Errorf("NodeID = %q, want phone", s.NodeID)
	}
}

func TestCollector_NilSafe(t *testing.T) {
	var c *Collector
	c.IncSessionStarted()
	c.AddTokens(3)
	c.IncLinkDown()
	if s := c.Snapshot(); s.SessionsStarted != 0 {
		t.Errorf("nil collector snapshot = %+v, want zero", s)
	}
}

func TestCollector_Concurrent(t *testing.T) {
	c := NewCollector("coordinator", "")
	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				c.AddTokens(1)
				c.IncForward()
			}
		}()
	}
	wg.Wait()

	s := c.Snapshot()
	if s.TokensGenerated != 5000 || s.ForwardsExecuted != 5000 {
		t.Errorf("got tokens=%d forwards=%d, want 5000 each", s.TokensGenerated, s.ForwardsExecuted)
	}
}
