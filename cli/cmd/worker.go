package cmd

import (
	"cmp"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/spm/cluster"
	"github.com/pithecene-io/spm/iox"
	"github.com/pithecene-io/spm/metrics"
)

// DefaultListenAddr is the worker transport address when neither --listen
// nor listen is set.
const DefaultListenAddr = "0.0.0.0:7070"

// WorkerCommand returns the worker command: serve stage frames for
// whatever range the coordinator assigns.
func WorkerCommand() *cli.Command {
	return &cli.Command{
		Name:  "worker",
		Usage: "Serve pipeline stages for a coordinator",
		Flags: append(ProcessFlags(),
			&cli.StringFlag{
				Name:  "listen",
				Usage: "Transport listen address (overrides listen)",
			},
		),
		Action: workerAction,
	}
}

func workerAction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return configError(err)
	}
	if c.IsSet("listen") {
		cfg.Listen = c.String("listen")
	}

	logger, err := newLogger(c, "worker", cfg)
	if err != nil {
		return err
	}
	defer iox.DiscardErr(logger.Sync)

	w, err := cluster.NewWorker(cfg, cluster.Options{
		Logger:    logger,
		Collector: metrics.NewCollector("worker", cfg.NodeID),
	})
	if err != nil {
		return configError(err)
	}

	ctx, cancel := signalContext(c)
	defer cancel()

	addr := cmp.Or(cfg.Listen, DefaultListenAddr)
	logger.Sugar().Infof("worker %s listening on %s", w.ID, addr)
	return w.ListenAndServe(ctx, addr)
}
