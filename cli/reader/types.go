// Package reader is the read side of the spm CLI. It fetches live state
// from a coordinator's HTTP API and history from the plan journal, and
// shapes both into views for rendering.
package reader

import "time"

// StageRow is one stage of a plan view.
type StageRow struct {
	Stage   int    `json:"stage" yaml:"stage"`
	Layers  string `json:"layers" yaml:"layers"`
	Count   int    `json:"count" yaml:"count"`
	Node    string `json:"node" yaml:"node"`
	Address string `json:"address" yaml:"address"`
}

// PlanView is a shard plan prepared for display.
type PlanView struct {
	Version     uint64     `json:"version" yaml:"version"`
	TotalLayers int        `json:"total_layers" yaml:"total_layers"`
	CreatedAt   time.Time  `json:"created_at" yaml:"created_at"`
	Age         string     `json:"age" yaml:"age"`
	Stages      []StageRow `json:"stages" yaml:"stages"`
}

// PlanHistoryItem is one journaled plan version.
type PlanHistoryItem struct {
	Version     uint64 `json:"version" yaml:"version"`
	Coordinator string `json:"coordinator" yaml:"coordinator"`
	Stages      int    `json:"stages" yaml:"stages"`
	Nodes       string `json:"nodes" yaml:"nodes"`
	Created     string `json:"created" yaml:"created"`
}

// SessionHistoryItem is one journaled session.
type SessionHistoryItem struct {
	SessionID   string `json:"session_id" yaml:"session_id"`
	Status      string `json:"status" yaml:"status"`
	StopReason  string `json:"stop_reason" yaml:"stop_reason"`
	Tokens      string `json:"tokens" yaml:"tokens"`
	PlanVersion uint64 `json:"plan_version" yaml:"plan_version"`
	Duration    string `json:"duration" yaml:"duration"`
	Error       string `json:"error,omitempty" yaml:"error,omitempty"`
}

// NodeItem is one registry entry.
type NodeItem struct {
	ID        string `json:"id" yaml:"id"`
	Address   string `json:"address" yaml:"address"`
	Status    string `json:"status" yaml:"status"`
	Class     string `json:"class" yaml:"class"`
	MaxLayers int    `json:"max_layers" yaml:"max_layers"`
	Heartbeat string `json:"heartbeat" yaml:"heartbeat"`
}

// SessionItem is one running session.
type SessionItem struct {
	ID          string `json:"id" yaml:"id"`
	Status      string `json:"status" yaml:"status"`
	Step        int    `json:"step" yaml:"step"`
	Generated   int    `json:"generated" yaml:"generated"`
	PlanVersion uint64 `json:"plan_version" yaml:"plan_version"`
}

// MetricsView is a coordinator counter snapshot with byte totals made
// readable.
type MetricsView struct {
	Role              string `json:"role" yaml:"role"`
	NodeID            string `json:"node_id" yaml:"node_id"`
	SessionsStarted   int64  `json:"sessions_started" yaml:"sessions_started"`
	SessionsCompleted int64  `json:"sessions_completed" yaml:"sessions_completed"`
	SessionsFailed    int64  `json:"sessions_failed" yaml:"sessions_failed"`
	SessionsCanceled  int64  `json:"sessions_canceled" yaml:"sessions_canceled"`
	TokensGenerated   int64  `json:"tokens_generated" yaml:"tokens_generated"`
	HopRetries        int64  `json:"hop_retries" yaml:"hop_retries"`
	LinksDown         int64  `json:"links_down" yaml:"links_down"`
	Replans           int64  `json:"replans" yaml:"replans"`
	ReplanFailures    int64  `json:"replan_failures" yaml:"replan_failures"`
	BytesSent         string `json:"bytes_sent" yaml:"bytes_sent"`
	BytesReceived     string `json:"bytes_received" yaml:"bytes_received"`
	JournalWrites     int64  `json:"journal_writes" yaml:"journal_writes"`
	JournalFailures   int64  `json:"journal_failures" yaml:"journal_failures"`
}

// TableRows renders a plan as its stages in table output.
func (v *PlanView) TableRows() any {
	return v.Stages
}
