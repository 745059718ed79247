package tui

import (
	"fmt"
	"slices"
)

// View types with an interactive form.
const (
	ViewPlan    = "plan"
	ViewNodes   = "nodes"
	ViewMetrics = "metrics"
)

// Run starts the interactive view for viewType.
func Run(viewType string, data any) error {
	switch viewType {
	case ViewPlan, ViewNodes:
		return RunInspectTUI(viewType, data)
	case ViewMetrics:
		return RunStatsTUI(viewType, data)
	default:
		return fmt.Errorf("TUI mode is not supported for %s", viewType)
	}
}

// IsTUISupported reports whether viewType has an interactive form.
func IsTUISupported(viewType string) bool {
	return slices.Contains(SupportedTUIViews(), viewType)
}

// SupportedTUIViews lists the view types that support TUI.
func SupportedTUIViews() []string {
	return []string{ViewPlan, ViewNodes, ViewMetrics}
}
