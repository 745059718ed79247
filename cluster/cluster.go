// Package cluster assembles coordinator and worker processes from an
// spm.yaml configuration.
package cluster

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	lodelib "github.com/justapithecus/lode/lode"

	"github.com/pithecene-io/spm/adapter"
	"github.com/pithecene-io/spm/adapter/redis"
	"github.com/pithecene-io/spm/adapter/webhook"
	"github.com/pithecene-io/spm/cli/config"
	"github.com/pithecene-io/spm/compute"
	"github.com/pithecene-io/spm/controller"
	"github.com/pithecene-io/spm/iox"
	"github.com/pithecene-io/spm/kvcache"
	"github.com/pithecene-io/spm/lode"
	"github.com/pithecene-io/spm/log"
	"github.com/pithecene-io/spm/metrics"
	"github.com/pithecene-io/spm/plan"
	"github.com/pithecene-io/spm/registry"
	"github.com/pithecene-io/spm/tokenizer"
	"github.com/pithecene-io/spm/transport"
	"github.com/pithecene-io/spm/types"
	"github.com/pithecene-io/spm/worker"
)

// DefaultCoordinatorID names the coordinator when node_id is unset.
const DefaultCoordinatorID types.NodeID = "coordinator"

// Options carries process-level collaborators.
type Options struct {
	Logger    *log.Logger
	Collector *metrics.Collector
	// Dial overrides the transport dialer.
	Dial transport.DialFunc
	// Store overrides the journal store selected by storage config.
	Store lodelib.StoreFactory
	// Adapter overrides the adapter selected by adapter config.
	Adapter adapter.Adapter
}

// Model builds the reference model described by cfg with the byte
// tokenizer's vocabulary.
func Model(cfg *config.Config) (*compute.Toy, tokenizer.Tokenizer) {
	tok := tokenizer.Bytes{}
	layers, dim := cfg.ModelShape()
	return compute.NewToy(layers, dim, tok.VocabSize(), tok.EOS()), tok
}

// Coordinator owns the coordinator-side components.
type Coordinator struct {
	ID         types.NodeID
	Registry   *registry.Registry
	Pool       *transport.Pool
	Planner    *plan.Planner
	Controller *controller.Controller
	Journal    *lode.Journal
	Adapter    adapter.Adapter
	Collector  *metrics.Collector

	config *config.Config
	logger *log.Logger
}

// NewCoordinator wires registry, pool, planner, journal, adapter and
// controller. It does not contact any node; call Join for that.
func NewCoordinator(ctx context.Context, cfg *config.Config, opts Options) (*Coordinator, error) {
	id := cmp.Or(types.NodeID(cfg.NodeID), DefaultCoordinatorID)
	logger := opts.Logger
	model, tok := Model(cfg)

	c := &Coordinator{
		ID:        id,
		Collector: opts.Collector,
		config:    cfg,
		logger:    logger,
	}

	var reg *registry.Registry
	c.Pool = transport.NewPool(transport.PoolConfig{
		Self:        id,
		DialTimeout: cfg.Transport.DialTimeout.Duration,
		Retry: transport.RetryPolicy{
			Attempts:  cfg.Transport.RetryAttempts,
			BaseDelay: cfg.Transport.RetryBaseDelay.Duration,
			MaxDelay:  cfg.Transport.RetryMaxDelay.Duration,
		},
		Dial:        opts.Dial,
		RequestOnly: true,
		OnHeartbeat: func(node types.NodeID, ts time.Time) {
			reg.Heartbeat(node, ts)
		},
		Logger:    logger.Named("transport"),
		Collector: opts.Collector,
	})
	reg = registry.New(registry.Config{
		HeartbeatTimeout: cfg.Registry.HeartbeatTimeout.Duration,
		GracePeriod:      cfg.Registry.GracePeriod.Duration,
		Handshaker:       c.Pool,
		Logger:           logger.Named("registry"),
		Collector:        opts.Collector,
	})
	c.Registry = reg
	c.Planner = plan.NewPlanner(reg, model.NumLayers())

	journal, err := openJournal(ctx, cfg, id, opts)
	if err != nil {
		_ = c.Pool.Close()
		return nil, err
	}
	c.Journal = journal
	if journal != nil {
		c.Planner.Observe(func(p *plan.Plan) {
			if err := journal.RecordPlan(context.Background(), p); err != nil {
				logger.Warn("plan journal write failed", map[string]any{
					"version": p.Version,
					"error":   err.Error(),
				})
			}
		})
	}

	c.Adapter = opts.Adapter
	if c.Adapter == nil {
		if c.Adapter, err = buildAdapter(cfg.Adapter); err != nil {
			_ = c.Close()
			return nil, err
		}
	}

	var notify func(context.Context, *controller.Result)
	if c.Adapter != nil {
		notify = adapter.Notify(c.Adapter, id, logger)
	}

	c.Controller, err = controller.New(controller.Config{
		Self:         id,
		Planner:      c.Planner,
		Pool:         c.Pool,
		Registry:     reg,
		Tokenizer:    tok,
		Embedder:     model,
		Head:         model,
		HopAttempts:  cfg.Controller.HopAttempts,
		SetupTimeout: cfg.Controller.SetupTimeout.Duration,
		StepTimeout:  cfg.Controller.StepTimeout.Duration,
		OnFinish: func(ctx context.Context, res *controller.Result) {
			c.recordSession(ctx, res)
			if notify != nil {
				notify(ctx, res)
			}
		},
		Logger:    logger.Named("controller"),
		Collector: opts.Collector,
	})
	if err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

func (c *Coordinator) recordSession(ctx context.Context, res *controller.Result) {
	if c.Journal == nil {
		return
	}
	rec := lode.SessionRecord{
		SessionID:   res.SessionID,
		Status:      res.Status,
		StopReason:  res.StopReason,
		Tokens:      len(res.Tokens),
		PlanVersion: res.PlanVersion,
		Duration:    res.Duration,
	}
	if res.Err != nil {
		rec.Error = res.Err.Error()
	}
	if err := c.Journal.RecordSession(ctx, rec); err != nil {
		c.logger.Warn("session journal write failed", map[string]any{
			"session": res.SessionID,
			"error":   err.Error(),
		})
	}
}

// MaxTokens is the configured per-request default.
func (c *Coordinator) MaxTokens() int {
	return cmp.Or(c.config.Controller.MaxTokens, controller.DefaultMaxTokens)
}

// Join registers every topology node and builds the first plan. Nodes that
// fail their handshake are reported but do not stop the others.
func (c *Coordinator) Join(ctx context.Context) error {
	nodes, err := c.config.Nodes()
	if err != nil {
		return err
	}
	if len(nodes) == 0 {
		return errors.New("topology is empty")
	}

	var errs []error
	for _, n := range nodes {
		if err := c.Registry.Register(ctx, n); err != nil {
			c.logger.Warn("node join failed", map[string]any{
				"node":    n.ID,
				"address": n.Address,
				"error":   err.Error(),
			})
			errs = append(errs, fmt.Errorf("join %s: %w", n.ID, err))
		}
	}

	p, err := c.Planner.Replan()
	if err != nil {
		errs = append(errs, err)
		return errors.Join(errs...)
	}
	c.logger.Info("plan ready", map[string]any{
		"version": p.Version,
		"stages":  p.NumStages(),
	})
	if len(errs) > 0 {
		c.logger.Warn("some nodes did not join", map[string]any{"failed": len(errs)})
	}
	return nil
}

// Run sweeps the registry until ctx is done. Lost nodes fail their sessions
// through the registry listener the controller installed.
func (c *Coordinator) Run(ctx context.Context) error {
	interval := c.config.Registry.SweepInterval.Or(
		c.config.Registry.HeartbeatTimeout.Or(registry.DefaultHeartbeatTimeout) / 2)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			for _, tr := range c.Registry.Sweep(now) {
				c.logger.Info("node status changed", map[string]any{
					"node": tr.NodeID,
					"from": tr.From,
					"to":   tr.To,
				})
			}
		}
	}
}

// Close releases links, the journal and the adapter.
func (c *Coordinator) Close() error {
	var closers []io.Closer
	if c.Pool != nil {
		closers = append(closers, c.Pool)
	}
	if c.Journal != nil {
		closers = append(closers, c.Journal)
	}
	if c.Adapter != nil {
		closers = append(closers, c.Adapter)
	}
	return iox.CloseAll(closers...)
}

func openJournal(ctx context.Context, cfg *config.Config, id types.NodeID, opts Options) (*lode.Journal, error) {
	jcfg := lode.Config{
		Dataset:     cfg.Storage.Dataset,
		Coordinator: id,
		Logger:      opts.Logger.Named("journal"),
		Collector:   opts.Collector,
	}
	if opts.Store != nil {
		return lode.NewJournal(jcfg, opts.Store)
	}
	if cfg.Storage.Path == "" {
		return nil, nil
	}
	return OpenJournal(ctx, cfg.Storage, jcfg)
}

// OpenJournal opens the journal for a storage section.
func OpenJournal(ctx context.Context, storage config.StorageConfig, jcfg lode.Config) (*lode.Journal, error) {
	factory, err := StoreFactory(ctx, storage)
	if err != nil {
		return nil, err
	}
	return lode.NewJournal(jcfg, factory)
}

// StoreFactory selects the journal store for a storage section.
func StoreFactory(ctx context.Context, storage config.StorageConfig) (lodelib.StoreFactory, error) {
	if storage.Path == "" {
		return nil, errors.New("storage.path is not set")
	}
	switch storage.Backend {
	case "", "fs":
		return lodelib.NewFSFactory(storage.Path), nil
	case "s3":
		return lode.S3Factory(ctx, S3Config(storage))
	default:
		return nil, fmt.Errorf("unknown storage backend %q (must be fs or s3)", storage.Backend)
	}
}

// S3Config converts a storage section into lode S3 settings.
func S3Config(storage config.StorageConfig) lode.S3Config {
	bucket, prefix := lode.ParseS3Path(storage.Path)
	return lode.S3Config{
		Bucket:       bucket,
		Prefix:       prefix,
		Region:       storage.Region,
		Endpoint:     storage.Endpoint,
		UsePathStyle: storage.S3PathStyle,
	}
}

func buildAdapter(cfg config.AdapterConfig) (adapter.Adapter, error) {
	retries := webhook.DefaultRetries
	if cfg.Retries != nil {
		retries = *cfg.Retries
	}
	switch cfg.Type {
	case "":
		return nil, nil
	case "webhook":
		a, err := webhook.New(webhook.Config{
			URL:     cfg.URL,
			Headers: cfg.Headers,
			Timeout: cfg.Timeout.Duration,
			Retries: retries,
		})
		if err != nil {
			return nil, err
		}
		return a, nil
	case "redis":
		a, err := redis.New(redis.Config{
			URL:     cfg.URL,
			Channel: cfg.Channel,
			Timeout: cfg.Timeout.Duration,
			Retries: retries,
		})
		if err != nil {
			return nil, err
		}
		return a, nil
	default:
		return nil, fmt.Errorf("unknown adapter type %q", cfg.Type)
	}
}

// Worker is a stage-serving process.
type Worker struct {
	ID      types.NodeID
	Handler *worker.Worker
	Server  *transport.Server
}

// NewWorker builds a worker whose advertised capacity comes from its own
// topology entry, or the whole model when it has none.
func NewWorker(cfg *config.Config, opts Options) (*Worker, error) {
	if cfg.NodeID == "" {
		return nil, errors.New("worker requires node_id")
	}
	id := types.NodeID(cfg.NodeID)
	model, _ := Model(cfg)

	maxLayers := model.NumLayers()
	class := types.ComputeCPU
	if tn, ok := cfg.Topology[cfg.NodeID]; ok {
		if tn.MaxLayers > 0 {
			maxLayers = tn.MaxLayers
		}
		if parsed, ok := types.ParseComputeClass(tn.Class); ok {
			class = parsed
		}
	}

	logger := opts.Logger
	handler := worker.New(worker.Config{
		NodeID: id,
		Model:  model,
		Cache: kvcache.New(kvcache.Config{
			MaxPositions: cfg.Transport.MaxPositions,
			Logger:       logger.Named("kvcache"),
			Collector:    opts.Collector,
		}),
		Logger:    logger.Named("worker"),
		Collector: opts.Collector,
	})
	return &Worker{
		ID:      id,
		Handler: handler,
		Server: transport.NewServer(transport.ServerConfig{
			NodeID:            id,
			MaxLayers:         maxLayers,
			Class:             class,
			Handler:           handler,
			HeartbeatInterval: cfg.Transport.HeartbeatInterval.Duration,
			Logger:            logger.Named("transport"),
			Collector:         opts.Collector,
		}),
	}, nil
}

// ListenAndServe listens on addr and serves links until ctx is done.
func (w *Worker) ListenAndServe(ctx context.Context, addr string) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("worker listen %s: %w", addr, err)
	}
	return w.Server.Serve(ctx, ln)
}
