package tui

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/pithecene-io/spm/cli/reader"
)

// barWidth is the width of the plan layer bar in cells.
const barWidth = 48

// InspectModel browses a plan's stages or the node registry.
type InspectModel struct {
	viewType string
	data     any
	table    table.Model
	width    int
	height   int
	quitting bool
}

// NewInspectModel creates a new inspect model.
func NewInspectModel(viewType string, data any) InspectModel {
	m := InspectModel{viewType: viewType, data: data}
	switch v := data.(type) {
	case *reader.PlanView:
		m.table = newTable(
			[]table.Column{
				{Title: "Stage", Width: 6},
				{Title: "Layers", Width: 12},
				{Title: "Count", Width: 6},
				{Title: "Node", Width: 16},
				{Title: "Address", Width: 22},
			},
			planRows(v),
		)
	case []reader.NodeItem:
		m.table = newTable(
			[]table.Column{
				{Title: "Node", Width: 16},
				{Title: "Status", Width: 12},
				{Title: "Class", Width: 6},
				{Title: "Layers", Width: 7},
				{Title: "Address", Width: 22},
				{Title: "Heartbeat", Width: 16},
			},
			nodeRows(v),
		)
	}
	return m
}

func newTable(cols []table.Column, rows []table.Row) table.Model {
	t := table.New(
		table.WithColumns(cols),
		table.WithRows(rows),
		table.WithFocused(true),
		table.WithHeight(min(len(rows)+1, 12)),
	)
	styles := table.DefaultStyles()
	styles.Header = styles.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(mutedColor).
		BorderBottom(true).
		Bold(true)
	styles.Selected = styles.Selected.
		Foreground(lipgloss.Color("#FFFFFF")).
		Background(primaryColor)
	t.SetStyles(styles)
	return t
}

func planRows(v *reader.PlanView) []table.Row {
	rows := make([]table.Row, len(v.Stages))
	for i, s := range v.Stages {
		rows[i] = table.Row{strconv.Itoa(s.Stage), s.Layers, strconv.Itoa(s.Count), s.Node, s.Address}
	}
	return rows
}

func nodeRows(nodes []reader.NodeItem) []table.Row {
	rows := make([]table.Row, len(nodes))
	for i, n := range nodes {
		rows[i] = table.Row{n.ID, n.Status, n.Class, strconv.Itoa(n.MaxLayers), n.Address, n.Heartbeat}
	}
	return rows
}

// Init implements tea.Model.
func (m InspectModel) Init() tea.Cmd {
	return nil
}

// Update implements tea.Model.
func (m InspectModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
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

	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

// View implements tea.Model.
func (m InspectModel) View() string {
	if m.quitting {
		return ""
	}

	var content string
	switch m.viewType {
	case ViewPlan:
		content = m.renderPlan()
	case ViewNodes:
		content = m.renderNodes()
	default:
		content = fmt.Sprintf("Unknown view type: %s", m.viewType)
	}

	help := HelpStyle.Render("↑/↓ select • q quit")
	return content + "\n" + help
}

func (m InspectModel) renderPlan() string {
	data, ok := m.data.(*reader.PlanView)
	if !ok {
		return "Invalid data type for plan"
	}

	var b strings.Builder
	b.WriteString(TitleStyle.Render(fmt.Sprintf("Shard Plan v%d", data.Version)))
	b.WriteString("\n")
	fmt.Fprintf(&b, "%s %s\n", LabelStyle.Render("Layers:"), ValueStyle.Render(strconv.Itoa(data.TotalLayers)))
	fmt.Fprintf(&b, "%s %s\n", LabelStyle.Render("Stages:"), ValueStyle.Render(strconv.Itoa(len(data.Stages))))
	fmt.Fprintf(&b, "%s %s\n\n", LabelStyle.Render("Built:"), ValueStyle.Render(data.Age))
	b.WriteString(LayerBar(data, m.table.Cursor()))
	b.WriteString("\n\n")
	b.WriteString(m.table.View())

	return BoxStyle.Render(b.String())
}

func (m InspectModel) renderNodes() string {
	data, ok := m.data.([]reader.NodeItem)
	if !ok {
		return "Invalid data type for nodes"
	}

	var b strings.Builder
	b.WriteString(TitleStyle.Render("Nodes"))
	b.WriteString("\n")
	b.WriteString(m.table.View())

	if i := m.table.Cursor(); i >= 0 && i < len(data) {
		n := data[i]
		b.WriteString("\n\n")
		fmt.Fprintf(&b, "%s %s\n", LabelStyle.Render("Node:"), ValueStyle.Render(n.ID))
		fmt.Fprintf(&b, "%s %s\n", LabelStyle.Render("Status:"), StateStyle(n.Status).Render(n.Status))
		fmt.Fprintf(&b, "%s %s", LabelStyle.Render("Last heartbeat:"), ValueStyle.Render(n.Heartbeat))
	}

	return BoxStyle.Render(b.String())
}

// LayerBar draws the layer range of every stage as a proportional bar,
// with the selected stage in bold.
func LayerBar(v *reader.PlanView, selected int) string {
	if v.TotalLayers <= 0 || len(v.Stages) == 0 {
		return ""
	}
	var parts []string
	used := 0
	for i, s := range v.Stages {
		cells := s.Count * barWidth / v.TotalLayers
		if i == len(v.Stages)-1 {
			cells = barWidth - used
		}
		cells = max(cells, 1)
		used += cells

		style := lipgloss.NewStyle().Foreground(stageColors[i%len(stageColors)])
		glyph := "▒"
		if i == selected {
			style = style.Bold(true)
			glyph = "█"
		}
		parts = append(parts, style.Render(strings.Repeat(glyph, cells)))
	}
	return strings.Join(parts, "")
}

// keyMap defines key bindings.
type keyMap struct {
	Quit key.Binding
}

var keys = keyMap{
	Quit: key.NewBinding(
		key.WithKeys("q", "ctrl+c"),
		key.WithHelp("q", "quit"),
	),
}

// RunInspectTUI runs the inspect TUI.
func RunInspectTUI(viewType string, data any) error {
	model := NewInspectModel(viewType, data)
	p := tea.NewProgram(model, tea.WithAltScreen())
	_, err := p.Run()
	return err
}

// RenderInspectStatic renders inspect data without full TUI (for fallback).
func RenderInspectStatic(viewType string, data any) string {
	model := NewInspectModel(viewType, data)
	model.width = 80
	model.height = 24
	return lipgloss.NewStyle().Padding(1, 2).Render(model.View())
}
