// Package types defines core domain types shared across spm packages.
//
//nolint:revive // types is a common Go package naming convention
package types

// NodeID uniquely identifies a worker or coordinator node.
type NodeID string

// NodeStatus is the lifecycle state of a registered node.
type NodeStatus string

// Node status constants.
const (
	NodeJoining     NodeStatus = "joining"
	NodeReady       NodeStatus = "ready"
	NodeUnreachable NodeStatus = "unreachable"
	NodeLeft        NodeStatus = "left"
)

// IsLive returns true if the node may still hold a stage assignment.
func (s NodeStatus) IsLive() bool {
	return s == NodeJoining || s == NodeReady
}

// ComputeClass is the declared accelerator class of a node.
type ComputeClass string

// Compute class constants.
const (
	ComputeCPU ComputeClass = "cpu"
	ComputeGPU ComputeClass = "gpu"
)

// ParseComputeClass parses a compute class, defaulting empty input to cpu.
func ParseComputeClass(s string) (ComputeClass, bool) {
	switch s {
	case "", "cpu":
		return ComputeCPU, true
	case "gpu", "cuda", "metal":
		return ComputeGPU, true
	default:
		return "", false
	}
}

// Rank orders compute classes for planning; higher ranks are preferred earlier.
func (c ComputeClass) Rank() int {
	if c == ComputeGPU {
		return 1
	}
	return 0
}
