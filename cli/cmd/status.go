package cmd

import (
	"time"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/spm/cli/reader"
	"github.com/pithecene-io/spm/cli/render"
	"github.com/pithecene-io/spm/cli/tui"
)

// NodesCommand lists the coordinator's registry.
func NodesCommand() *cli.Command {
	return &cli.Command{
		Name:   "nodes",
		Usage:  "List registered nodes",
		Flags:  APIReadOnlyFlags(),
		Action: nodesAction,
	}
}

func nodesAction(c *cli.Context) error {
	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}
	nodes, err := reader.NewHTTPReader(c.String("addr"), 0).Nodes(c.Context)
	if err != nil {
		return err
	}
	items := reader.NewNodeItems(nodes, time.Now())
	if c.Bool("tui") {
		return r.RenderTUI(tui.ViewNodes, items)
	}
	return r.Render(items)
}

// SessionsCommand lists running sessions.
func SessionsCommand() *cli.Command {
	return &cli.Command{
		Name:   "sessions",
		Usage:  "List running sessions",
		Flags:  APIReadOnlyFlags(),
		Action: sessionsAction,
	}
}

func sessionsAction(c *cli.Context) error {
	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}
	if c.Bool("tui") {
		return cli.Exit("--tui is not supported for sessions", 1)
	}
	sessions, err := reader.NewHTTPReader(c.String("addr"), 0).Sessions(c.Context)
	if err != nil {
		return err
	}
	return r.Render(reader.NewSessionItems(sessions))
}

// MetricsCommand shows coordinator counters.
func MetricsCommand() *cli.Command {
	return &cli.Command{
		Name:   "metrics",
		Usage:  "Show coordinator counters",
		Flags:  APIReadOnlyFlags(),
		Action: metricsAction,
	}
}

func metricsAction(c *cli.Context) error {
	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}
	snap, err := reader.NewHTTPReader(c.String("addr"), 0).Metrics(c.Context)
	if err != nil {
		return err
	}
	view := reader.NewMetricsView(snap)
	if c.Bool("tui") {
		return r.RenderTUI(tui.ViewMetrics, view)
	}
	return r.Render(view)
}

// HealthCommand shows the coordinator health summary.
func HealthCommand() *cli.Command {
	return &cli.Command{
		Name:   "health",
		Usage:  "Show coordinator health",
		Flags:  APIReadOnlyFlags(),
		Action: healthAction,
	}
}

func healthAction(c *cli.Context) error {
	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}
	if c.Bool("tui") {
		return cli.Exit("--tui is not supported for health", 1)
	}
	h, err := reader.NewHTTPReader(c.String("addr"), 0).Health(c.Context)
	if err != nil {
		return err
	}
	return r.Render(h)
}
