package reader

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/pithecene-io/spm/controller"
	"github.com/pithecene-io/spm/lode"
	"github.com/pithecene-io/spm/metrics"
	"github.com/pithecene-io/spm/plan"
	"github.com/pithecene-io/spm/registry"
)

// NewPlanView shapes p for display. now anchors the relative age.
func NewPlanView(p *plan.Plan, now time.Time) *PlanView {
	v := &PlanView{
		Version:     p.Version,
		TotalLayers: p.TotalLayers,
		CreatedAt:   p.CreatedAt,
		Age:         humanize.RelTime(p.CreatedAt, now, "ago", "from now"),
		Stages:      make([]StageRow, len(p.Stages)),
	}
	for i, s := range p.Stages {
		v.Stages[i] = StageRow{
			Stage:   s.Index,
			Layers:  fmt.Sprintf("[%d, %d)", s.Start, s.End),
			Count:   s.End - s.Start,
			Node:    string(s.NodeID),
			Address: s.Address,
		}
	}
	return v
}

// NewPlanHistory shapes journaled plans, oldest first.
func NewPlanHistory(records []lode.PlanRecord, now time.Time) []PlanHistoryItem {
	items := make([]PlanHistoryItem, len(records))
	for i, r := range records {
		nodes := make([]string, len(r.Stages))
		for j, s := range r.Stages {
			nodes[j] = string(s.NodeID)
		}
		items[i] = PlanHistoryItem{
			Version:     r.Version,
			Coordinator: r.Coordinator,
			Stages:      len(r.Stages),
			Nodes:       strings.Join(nodes, " → "),
			Created:     humanize.RelTime(r.CreatedAt, now, "ago", "from now"),
		}
	}
	return items
}

// NewSessionHistory shapes journaled sessions.
func NewSessionHistory(records []lode.SessionRecord) []SessionHistoryItem {
	items := make([]SessionHistoryItem, len(records))
	for i, r := range records {
		items[i] = SessionHistoryItem{
			SessionID:   string(r.SessionID),
			Status:      string(r.Status),
			StopReason:  string(r.StopReason),
			Tokens:      humanize.Comma(int64(r.Tokens)),
			PlanVersion: r.PlanVersion,
			Duration:    r.Duration.Round(time.Millisecond).String(),
			Error:       r.Error,
		}
	}
	return items
}

// NewNodeItems shapes registry entries.
func NewNodeItems(nodes []registry.Node, now time.Time) []NodeItem {
	items := make([]NodeItem, len(nodes))
	for i, n := range nodes {
		items[i] = NodeItem{
			ID:        string(n.ID),
			Address:   n.Address,
			Status:    string(n.Status),
			Class:     string(n.Capacity.Class),
			MaxLayers: n.Capacity.MaxLayers,
			Heartbeat: humanize.RelTime(n.LastHeartbeat, now, "ago", "from now"),
		}
	}
	return items
}

// NewSessionItems shapes running sessions.
func NewSessionItems(sessions []controller.SessionInfo) []SessionItem {
	items := make([]SessionItem, len(sessions))
	for i, s := range sessions {
		items[i] = SessionItem{
			ID:          string(s.ID),
			Status:      string(s.Status),
			Step:        s.Step,
			Generated:   s.Generated,
			PlanVersion: s.PlanVersion,
		}
	}
	return items
}

// NewMetricsView shapes a counter snapshot.
func NewMetricsView(s metrics.Snapshot) *MetricsView {
	return &MetricsView{
		Role:              s.Role,
		NodeID:            s.NodeID,
		SessionsStarted:   s.SessionsStarted,
		SessionsCompleted: s.SessionsCompleted,
		SessionsFailed:    s.SessionsFailed,
		SessionsCanceled:  s.SessionsCanceled,
		TokensGenerated:   s.TokensGenerated,
		HopRetries:        s.HopRetries,
		LinksDown:         s.LinksDown,
		Replans:           s.Replans,
		ReplanFailures:    s.ReplanFailures,
		BytesSent:         humanize.Bytes(uint64(max(s.BytesSent, 0))),
		BytesReceived:     humanize.Bytes(uint64(max(s.BytesReceived, 0))),
		JournalWrites:     s.JournalWriteSuccess,
		JournalFailures:   s.JournalWriteFailure,
	}
}
