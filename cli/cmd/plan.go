package cmd

import (
	"errors"
	"fmt"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/spm/cli/reader"
	"github.com/pithecene-io/spm/cli/render"
	"github.com/pithecene-io/spm/cli/tui"
	"github.com/pithecene-io/spm/cluster"
	"github.com/pithecene-io/spm/lode"
	"github.com/pithecene-io/spm/plan"
)

// PlanCommand returns the plan command with subcommands.
func PlanCommand() *cli.Command {
	return &cli.Command{
		Name:  "plan",
		Usage: "Show, preview or list shard plans",
		Subcommands: []*cli.Command{
			planShowCommand(),
			planBuildCommand(),
			planHistoryCommand(),
		},
	}
}

func planShowCommand() *cli.Command {
	return &cli.Command{
		Name:   "show",
		Usage:  "Show the coordinator's current plan",
		Flags:  APIReadOnlyFlags(),
		Action: planShowAction,
	}
}

func planShowAction(c *cli.Context) error {
	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}

	p, err := reader.NewHTTPReader(c.String("addr"), 0).Plan(c.Context)
	if err != nil {
		if errors.Is(err, reader.ErrNoPlan) {
			return cli.Exit(err.Error(), exitSetupFailed)
		}
		return err
	}
	return renderPlan(c, r, p)
}

func planBuildCommand() *cli.Command {
	return &cli.Command{
		Name:   "build",
		Usage:  "Preview the plan for the configured topology without contacting nodes",
		Flags:  append(ReadOnlyFlags(), ConfigFlag),
		Action: planBuildAction,
	}
}

// planBuildAction plans over declared capacities. The live plan can differ
// once workers report their own capacity.
func planBuildAction(c *cli.Context) error {
	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(c)
	if err != nil {
		return configError(err)
	}
	nodes, err := cfg.Nodes()
	if err != nil {
		return configError(err)
	}

	candidates := make([]plan.Candidate, len(nodes))
	for i, n := range nodes {
		candidates[i] = plan.Candidate{
			ID:        n.ID,
			Address:   n.Address,
			MaxLayers: n.Capacity.MaxLayers,
			Class:     n.Capacity.Class,
		}
	}
	layers, _ := cfg.ModelShape()
	p, err := plan.Build(layers, candidates, 1)
	if err != nil {
		return cli.Exit(err.Error(), exitSetupFailed)
	}
	p.CreatedAt = time.Now().UTC()
	return renderPlan(c, r, p)
}

func renderPlan(c *cli.Context, r *render.Renderer, p *plan.Plan) error {
	view := reader.NewPlanView(p, time.Now())
	if c.Bool("tui") {
		return r.RenderTUI(tui.ViewPlan, view)
	}
	return r.Render(view)
}

func planHistoryCommand() *cli.Command {
	return &cli.Command{
		Name:  "history",
		Usage: "List journaled plans or sessions",
		Flags: append(ReadOnlyFlags(),
			ConfigFlag,
			&cli.StringFlag{
				Name:  "coordinator",
				Usage: "Only records of this coordinator (default: all)",
			},
			&cli.BoolFlag{
				Name:  "sessions",
				Usage: "List sessions instead of plans",
			},
		),
		Action: planHistoryAction,
	}
}

func planHistoryAction(c *cli.Context) error {
	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}
	if c.Bool("tui") {
		return cli.Exit("--tui is not supported for plan history", 1)
	}

	cfg, err := loadConfig(c)
	if err != nil {
		return configError(err)
	}
	factory, err := cluster.StoreFactory(c.Context, cfg.Storage)
	if err != nil {
		return configError(err)
	}
	jr, err := reader.NewJournalReader(cfg.Storage.Dataset, factory, c.String("coordinator"))
	if err != nil {
		return err
	}

	if c.Bool("sessions") {
		records, err := jr.Sessions(c.Context)
		if err != nil {
			return historyError(err)
		}
		return r.Render(reader.NewSessionHistory(records))
	}
	records, err := jr.Plans(c.Context)
	if err != nil {
		return historyError(err)
	}
	return r.Render(reader.NewPlanHistory(records, time.Now()))
}

func historyError(err error) error {
	if errors.Is(err, lode.ErrNoRecords) {
		return cli.Exit("no journaled records", 1)
	}
	return fmt.Errorf("read journal: %w", err)
}
