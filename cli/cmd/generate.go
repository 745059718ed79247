package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/spm/cluster"
	"github.com/pithecene-io/spm/controller"
	"github.com/pithecene-io/spm/iox"
	"github.com/pithecene-io/spm/plan"
	"github.com/pithecene-io/spm/sampling"
	"github.com/pithecene-io/spm/tokenizer"
	"github.com/pithecene-io/spm/types"
)

// GenerateCommand returns the generate command: join the topology, run one
// session and stream its text to stdout.
func GenerateCommand() *cli.Command {
	return &cli.Command{
		Name:      "generate",
		Usage:     "Run one generation session across the configured topology",
		ArgsUsage: "[prompt]",
		Flags: append(ProcessFlags(),
			&cli.StringFlag{
				Name:  "prompt",
				Usage: "Prompt text (or pass it as the argument)",
			},
			&cli.IntFlag{
				Name:  "max-tokens",
				Usage: "Maximum tokens to generate (overrides controller.max_tokens)",
			},
			&cli.BoolFlag{
				Name:  "greedy",
				Usage: "Use argmax sampling",
			},
			&cli.Float64Flag{
				Name:  "temperature",
				Usage: "Sampling temperature; <= 0 is greedy",
			},
			&cli.IntFlag{
				Name:  "top-k",
				Usage: "Keep the k most likely tokens (0 disables)",
			},
			&cli.Float64Flag{
				Name:  "top-p",
				Usage: "Nucleus mass in (0, 1]",
			},
			&cli.Uint64Flag{
				Name:  "seed",
				Usage: "Sampling seed",
			},
			&cli.Float64Flag{
				Name:  "repeat-penalty",
				Usage: "Penalty for recently generated tokens (1 disables)",
			},
			&cli.IntFlag{
				Name:  "repeat-last-n",
				Usage: "Tokens considered by the repeat penalty",
			},
			&cli.BoolFlag{
				Name:  "quiet",
				Usage: "Suppress the session summary",
			},
		),
		Action: generateAction,
	}
}

// generateSummary is printed to stderr after the session.
type generateSummary struct {
	SessionID       types.SessionID     `json:"session_id"`
	Status          types.SessionStatus `json:"status"`
	StopReason      types.StopReason    `json:"stop_reason"`
	Tokens          int                 `json:"tokens"`
	PlanVersion     uint64              `json:"plan_version"`
	Duration        string              `json:"duration"`
	TokensPerSecond float64             `json:"tokens_per_second"`
	Error           string              `json:"error,omitempty"`
}

func generateAction(c *cli.Context) error {
	prompt := c.String("prompt")
	if prompt == "" {
		prompt = strings.Join(c.Args().Slice(), " ")
	}
	if prompt == "" {
		return cli.Exit("a prompt is required (--prompt or argument)", exitInvalidInput)
	}

	cfg, err := loadConfig(c)
	if err != nil {
		return configError(err)
	}
	params, err := samplingFromFlags(c, cfg.SamplingParams)
	if err != nil {
		return cli.Exit(err.Error(), exitInvalidInput)
	}
	logger, err := newLogger(c, "generate", cfg)
	if err != nil {
		return err
	}
	defer iox.DiscardErr(logger.Sync)

	ctx, cancel := signalContext(c)
	defer cancel()

	coord, err := cluster.NewCoordinator(ctx, cfg, cluster.Options{Logger: logger})
	if err != nil {
		return configError(err)
	}
	defer iox.CloseLogged(coord, logger, "coordinator")

	if err := coord.Join(ctx); err != nil {
		return cli.Exit(fmt.Sprintf("join failed: %v", err), exitSetupFailed)
	}

	maxTokens := coord.MaxTokens()
	if c.IsSet("max-tokens") {
		maxTokens = c.Int("max-tokens")
	}

	out := stdout(c)
	res, err := coord.Controller.Generate(ctx, controller.Request{
		Prompt:    prompt,
		MaxTokens: maxTokens,
		Sampling:  params,
		OnToken: func(tok controller.Token) {
			_, _ = io.WriteString(out, tok.Text)
		},
	})
	if err != nil {
		return cli.Exit(err.Error(), exitCodeFor(err))
	}
	_, _ = fmt.Fprintln(out)

	if !c.Bool("quiet") {
		printSummary(stderr(c), res, isStderrTTY())
	}
	if res.Status == types.SessionFailed {
		return cli.Exit("", exitCodeFor(res.Err))
	}
	return nil
}

// samplingFromFlags applies sampling flags on top of the configured
// parameters.
func samplingFromFlags(c *cli.Context, base func() (sampling.Params, error)) (sampling.Params, error) {
	p, err := base()
	if err != nil {
		return p, err
	}
	if c.IsSet("temperature") {
		p.Strategy = sampling.Temperature
		p.Temperature = c.Float64("temperature")
	}
	if c.Bool("greedy") {
		p.Strategy = sampling.Greedy
	}
	if c.IsSet("top-k") {
		p.TopK = c.Int("top-k")
	}
	if c.IsSet("top-p") {
		p.TopP = c.Float64("top-p")
	}
	if c.IsSet("seed") {
		p.Seed = c.Uint64("seed")
	}
	if c.IsSet("repeat-penalty") {
		p.RepeatPenalty = float32(c.Float64("repeat-penalty"))
	}
	if c.IsSet("repeat-last-n") {
		p.RepeatLastN = c.Int("repeat-last-n")
	}
	return p, p.Validate()
}

func printSummary(w io.Writer, res *controller.Result, human bool) {
	s := generateSummary{
		SessionID:       res.SessionID,
		Status:          res.Status,
		StopReason:      res.StopReason,
		Tokens:          len(res.Tokens),
		PlanVersion:     res.PlanVersion,
		Duration:        res.Duration.Round(time.Millisecond).String(),
		TokensPerSecond: res.TokensPerSecond,
	}
	if res.Err != nil {
		s.Error = res.Err.Error()
	}

	if !human {
		_ = json.NewEncoder(w).Encode(s)
		return
	}
	fmt.Fprintf(w, "session=%s status=%s stop=%s tokens=%d plan=v%d duration=%s tok/s=%.1f\n",
		s.SessionID, s.Status, s.StopReason, s.Tokens, s.PlanVersion, s.Duration, s.TokensPerSecond)
	if s.Error != "" {
		fmt.Fprintf(w, "error: %s\n", s.Error)
	}
}

// exitCodeFor maps a session error to a process exit code.
func exitCodeFor(err error) int {
	switch {
	case err == nil:
		return exitSuccess
	case errors.Is(err, controller.ErrInvalidRequest),
		errors.Is(err, tokenizer.ErrInvalidInput),
		errors.Is(err, sampling.ErrInvalidParams):
		return exitInvalidInput
	case errors.Is(err, controller.ErrSetupFailed),
		errors.Is(err, plan.ErrInsufficientCapacity):
		return exitSetupFailed
	default:
		return exitSessionFailed
	}
}
