package cmd

import (
	"cmp"
	"fmt"
	"net"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/spm/cluster"
	"github.com/pithecene-io/spm/iox"
	"github.com/pithecene-io/spm/metrics"
	"github.com/pithecene-io/spm/serve"
)

// DefaultHTTPAddr is the serve listen address when neither --http nor
// http is set.
const DefaultHTTPAddr = "127.0.0.1:8080"

// ServeCommand returns the serve command: a long-running coordinator behind
// the HTTP API.
func ServeCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the coordinator and its HTTP API",
		Flags: append(ProcessFlags(),
			&cli.StringFlag{
				Name:  "http",
				Usage: "HTTP listen address (overrides http)",
			},
			&cli.IntFlag{
				Name:  "max-tokens-limit",
				Usage: "Reject requests for more tokens (overrides controller.max_tokens_limit)",
			},
		),
		Action: serveAction,
	}
}

func serveAction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return configError(err)
	}
	if c.IsSet("http") {
		cfg.HTTP = c.String("http")
	}
	if c.IsSet("max-tokens-limit") {
		cfg.Controller.MaxTokensLimit = c.Int("max-tokens-limit")
	}

	logger, err := newLogger(c, "coordinator", cfg)
	if err != nil {
		return err
	}
	defer iox.DiscardErr(logger.Sync)

	ctx, cancel := signalContext(c)
	defer cancel()

	collector := metrics.NewCollector("coordinator", cmp.Or(cfg.NodeID, string(cluster.DefaultCoordinatorID)))
	coord, err := cluster.NewCoordinator(ctx, cfg, cluster.Options{Logger: logger, Collector: collector})
	if err != nil {
		return configError(err)
	}
	defer iox.CloseLogged(coord, logger, "coordinator")

	// Without a plan the API still starts; the first request replans.
	if err := coord.Join(ctx); err != nil {
		logger.Warn("starting without a plan", map[string]any{"error": err.Error()})
	}
	go func() { _ = coord.Run(ctx) }()

	addr := cmp.Or(cfg.HTTP, DefaultHTTPAddr)
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return cli.Exit(fmt.Sprintf("listen %s: %v", addr, err), exitSetupFailed)
	}

	srv := serve.New(serve.Config{
		Generator:      coord.Controller,
		Plans:          coord.Planner,
		Nodes:          coord.Registry,
		MaxTokensLimit: cfg.Controller.MaxTokensLimit,
		Logger:         logger.Named("http"),
		Collector:      collector,
	})
	logger.Info("coordinator serving", map[string]any{"http": ln.Addr().String()})
	return srv.Serve(ctx, ln)
}
