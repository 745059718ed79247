package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/pithecene-io/spm/cli/reader"
)

// StatsModel shows coordinator counters.
type StatsModel struct {
	viewType string
	data     any
	width    int
	height   int
	quitting bool
}

// NewStatsModel creates a new stats model.
func NewStatsModel(viewType string, data any) StatsModel {
	return StatsModel{
		viewType: viewType,
		data:     data,
	}
}

// Init implements tea.Model.
func (m StatsModel) Init() tea.Cmd {
	return nil
}

// Update implements tea.Model.
func (m StatsModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tea.KeyMsg:
		if key.Matches(msg, keys.Quit) {
			m.quitting = true
			return m, tea.Quit
		}
	}

	return m, nil
}

// View implements tea.Model.
func (m StatsModel) View() string {
	if m.quitting {
		return ""
	}

	var content string
	switch m.viewType {
	case ViewMetrics:
		content = m.renderMetrics()
	default:
		content = fmt.Sprintf("Unknown view type: %s", m.viewType)
	}

	help := HelpStyle.Render("Press q or Ctrl+C to quit")
	return content + "\n" + help
}

func (m StatsModel) renderMetrics() string {
	data, ok := m.data.(*reader.MetricsView)
	if !ok {
		return "Invalid data type for metrics"
	}

	var b strings.Builder
	b.WriteString(TitleStyle.Render(fmt.Sprintf("Metrics: %s %s", data.Role, data.NodeID)))
	b.WriteString("\n\n")

	sessions := []string{
		m.renderStatBox("Started", fmt.Sprint(data.SessionsStarted), highlightColor),
		m.renderStatBox("Completed", fmt.Sprint(data.SessionsCompleted), successColor),
		m.renderStatBox("Canceled", fmt.Sprint(data.SessionsCanceled), warningColor),
		m.renderStatBox("Failed", fmt.Sprint(data.SessionsFailed), errorColor),
	}
	b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, sessions...))
	b.WriteString("\n")

	transport := []string{
		m.renderStatBox("Tokens", fmt.Sprint(data.TokensGenerated), primaryColor),
		m.renderStatBox("Hop retries", fmt.Sprint(data.HopRetries), warningColor),
		m.renderStatBox("Links down", fmt.Sprint(data.LinksDown), errorColor),
		m.renderStatBox("Replans", fmt.Sprintf("%d/%d", data.Replans, data.ReplanFailures), highlightColor),
	}
	b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, transport...))
	b.WriteString("\n")

	fmt.Fprintf(&b, "%s %s\n", LabelStyle.Render("Sent:"), ValueStyle.Render(data.BytesSent))
	fmt.Fprintf(&b, "%s %s\n", LabelStyle.Render("Received:"), ValueStyle.Render(data.BytesReceived))
	fmt.Fprintf(&b, "%s %s", LabelStyle.Render("Journal:"),
		ValueStyle.Render(fmt.Sprintf("%d ok, %d failed", data.JournalWrites, data.JournalFailures)))

	return b.String()
}

func (m StatsModel) renderStatBox(label, value string, color lipgloss.Color) string {
	boxStyle := StatBoxStyle.BorderForeground(color)

	valueStr := StatValueStyle.Foreground(color).Render(value)
	labelStr := StatLabelStyle.Render(label)

	content := lipgloss.JoinVertical(lipgloss.Center, valueStr, labelStr)

	return boxStyle.Render(content)
}

// RunStatsTUI runs the stats TUI.
func RunStatsTUI(viewType string, data any) error {
	model := NewStatsModel(viewType, data)
	p := tea.NewProgram(model, tea.WithAltScreen())
	_, err := p.Run()
	return err
}

// RenderStatsStatic renders stats data without full TUI (for fallback).
func RenderStatsStatic(viewType string, data any) string {
	model := NewStatsModel(viewType, data)
	model.width = 80
	model.height = 24
	return lipgloss.NewStyle().Padding(1, 2).Render(model.View())
}
