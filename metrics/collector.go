// Package metrics provides process-wide counters for the coordinator and
// workers.
//
// The Collector is a leaf package with no internal dependencies. Every
// increment method is nil-receiver safe so components may run without one.
package metrics

import "sync"

// Snapshot is an immutable point-in-time view of all counters.
// Returned by Collector.Snapshot(). Safe to read concurrently after creation.
type Snapshot struct {
	// Session lifecycle (coordinator)
	SessionsStarted   int64 `json:"sessions_started"`
	SessionsCompleted int64 `json:"sessions_completed"`
	SessionsFailed    int64 `json:"sessions_failed"`
	SessionsCanceled  int64 `json:"sessions_canceled"`
	TokensGenerated   int64 `json:"tokens_generated"`

	// Transport
	HopRetries         int64 `json:"hop_retries"`
	LinkReconnects     int64 `json:"link_reconnects"`
	LinksDown          int64 `json:"links_down"`
	ProtocolViolations int64 `json:"protocol_violations"`
	FrameDecodeErrors  int64 `json:"frame_decode_errors"`
	BytesSent          int64 `json:"bytes_sent"`
	BytesReceived      int64 `json:"bytes_received"`

	// Cache (worker)
	CacheAppends     int64 `json:"cache_appends"`
	CacheRejected    int64 `json:"cache_rejected"`
	CacheEvictions   int64 `json:"cache_evictions"`
	ForwardsExecuted int64 `json:"forwards_executed"`

	// Topology
	Replans          int64 `json:"replans"`
	ReplanFailures   int64 `json:"replan_failures"`
	NodesUnreachable int64 `json:"nodes_unreachable"`
	NodesLeft        int64 `json:"nodes_left"`

	// Journal
	JournalWriteSuccess int64 `json:"journal_write_success"`
	JournalWriteFailure int64 `json:"journal_write_failure"`

	// Dimensions (informational, set at construction)
	Role   string `json:"role"`
	NodeID string `json:"node_id"`
}

// Collector accumulates counters for one process.
// Thread-safe via sync.Mutex. All increment methods are nil-receiver safe.
type Collector struct {
	mu sync.Mutex
	s  Snapshot
}

// NewCollector creates a Collector with dimension labels.
// role is "coordinator" or "worker".
func NewCollector(role, nodeID string) *Collector {
	return &Collector{s: Snapshot{Role: role, NodeID: nodeID}}
}

func (c *Collector) add(field *int64, n int64) {
	c.mu.Lock()
	*field += n
	c.mu.Unlock()
}

// --- Session lifecycle ---

// IncSessionStarted records a session entering Starting.
func (c *Collector) IncSessionStarted() {
	if c == nil {
		return
	}
	c.add(&c.s.SessionsStarted, 1)
}

// IncSessionCompleted records a Completed session.
func (c *Collector) IncSessionCompleted() {
	if c == nil {
		return
	}
	c.add(&c.s.SessionsCompleted, 1)
}

// IncSessionFailed records a Failed session.
func (c *Collector) IncSessionFailed() {
	if c == nil {
		return
	}
	c.add(&c.s.SessionsFailed, 1)
}

// IncSessionCanceled records a session stopped by cancellation.
func (c *Collector) IncSessionCanceled() {
	if c == nil {
		return
	}
	c.add(&c.s.SessionsCanceled, 1)
}

// AddTokens records generated tokens.
func (c *Collector) AddTokens(n int) {
	if c == nil {
		return
	}
	c.add(&c.s.TokensGenerated, int64(n))
}

// --- Transport ---

// IncHopRetry records a retried pipeline hop.
func (c *Collector) IncHopRetry() {
	if c == nil {
		return
	}
	c.add(&c.s.HopRetries, 1)
}

// IncLinkReconnect records a successful link re-dial.
func (c *Collector) IncLinkReconnect() {
	if c == nil {
		return
	}
	c.add(&c.s.LinkReconnects, 1)
}

// IncLinkDown records a link transitioning to down.
func (c *Collector) IncLinkDown() {
	if c == nil {
		return
	}
	c.add(&c.s.LinksDown, 1)
}

// IncProtocolViolation records a rejected out-of-order or duplicate envelope.
func (c *Collector) IncProtocolViolation() {
	if c == nil {
		return
	}
	c.add(&c.s.ProtocolViolations, 1)
}

// IncFrameDecodeErrors records an undecodable frame.
func (c *Collector) IncFrameDecodeErrors() {
	if c == nil {
		return
	}
	c.add(&c.s.FrameDecodeErrors, 1)
}

// AddBytesSent records framed bytes written to a link.
func (c *Collector) AddBytesSent(n int) {
	if c == nil {
		return
	}
	c.add(&c.s.BytesSent, int64(n))
}

// AddBytesReceived records framed bytes read from a link.
func (c *Collector) AddBytesReceived(n int) {
	if c == nil {
		return
	}
	c.add(&c.s.BytesReceived, int64(n))
}

// --- Cache ---

// IncCacheAppend records an accepted cache append.
func (c *Collector) IncCacheAppend() {
	if c == nil {
		return
	}
	c.add(&c.s.CacheAppends, 1)
}

// IncCacheRejected records a rejected cache append.
func (c *Collector) IncCacheRejected() {
	if c == nil {
		return
	}
	c.add(&c.s.CacheRejected, 1)
}

// IncCacheEviction records an explicit eviction.
func (c *Collector) IncCacheEviction() {
	if c == nil {
		return
	}
	c.add(&c.s.CacheEvictions, 1)
}

// IncForward records a stage forward pass.
func (c *Collector) IncForward() {
	if c == nil {
		return
	}
	c.add(&c.s.ForwardsExecuted, 1)
}

// --- Topology ---

// IncReplan records a successful re-plan.
func (c *Collector) IncReplan() {
	if c == nil {
		return
	}
	c.add(&c.s.Replans, 1)
}

// IncReplanFailure records a failed re-plan.
func (c *Collector) IncReplanFailure() {
	if c == nil {
		return
	}
	c.add(&c.s.ReplanFailures, 1)
}

// IncNodeUnreachable records a node swept to Unreachable.
func (c *Collector) IncNodeUnreachable() {
	if c == nil {
		return
	}
	c.add(&c.s.NodesUnreachable, 1)
}

// IncNodeLeft records a node leaving or being swept out.
func (c *Collector) IncNodeLeft() {
	if c == nil {
		return
	}
	c.add(&c.s.NodesLeft, 1)
}

// --- Journal ---
// Journal counters are per-call, not per-record.

// IncJournalWriteSuccess records a successful journal write.
func (c *Collector) IncJournalWriteSuccess() {
	if c == nil {
		return
	}
	c.add(&c.s.JournalWriteSuccess, 1)
}

// IncJournalWriteFailure records a failed journal write.
func (c *Collector) IncJournalWriteFailure() {
	if c == nil {
		return
	}
	c.add(&c.s.JournalWriteFailure, 1)
}

// --- Snapshot ---

// Snapshot returns an immutable point-in-time view of all counters.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.s
}
