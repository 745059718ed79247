package config

import (
	"cmp"
	"errors"
	"fmt"
	"net"
	"slices"
	"time"

	"github.com/pithecene-io/spm/registry"
	"github.com/pithecene-io/spm/sampling"
	"github.com/pithecene-io/spm/types"
)

// Model defaults for the reference model.
const (
	DefaultModelLayers = 24
	DefaultModelDim    = 64
)

// Config represents an spm.yaml configuration file.
// All values are optional and act as defaults for command flags.
// CLI flags always override config values.
type Config struct {
	NodeID   string `yaml:"node_id"`
	LogLevel string `yaml:"log_level"`
	// Listen is the transport address a worker accepts links on.
	Listen string `yaml:"listen"`
	// HTTP is the address `spm serve` listens on.
	HTTP string `yaml:"http"`

	Model      ModelConfig             `yaml:"model"`
	Topology   map[string]TopologyNode `yaml:"topology"`
	Registry   RegistryConfig          `yaml:"registry"`
	Transport  TransportConfig         `yaml:"transport"`
	Controller ControllerConfig        `yaml:"controller"`
	Sampling   SamplingConfig          `yaml:"sampling"`
	Storage    StorageConfig           `yaml:"storage"`
	Adapter    AdapterConfig           `yaml:"adapter"`
}

// ModelConfig describes the model every node must agree on.
type ModelConfig struct {
	Layers int `yaml:"layers"`
	Dim    int `yaml:"dim"`
}

// TopologyNode is a statically configured worker. The node id is the map
// key.
type TopologyNode struct {
	Host      string `yaml:"host"`
	MaxLayers int    `yaml:"max_layers"`
	Class     string `yaml:"class"`
}

// RegistryConfig holds liveness settings.
type RegistryConfig struct {
	HeartbeatTimeout Duration `yaml:"heartbeat_timeout"`
	GracePeriod      Duration `yaml:"grace_period"`
	SweepInterval    Duration `yaml:"sweep_interval"`
}

// TransportConfig holds link settings.
type TransportConfig struct {
	DialTimeout       Duration `yaml:"dial_timeout"`
	HeartbeatInterval Duration `yaml:"heartbeat_interval"`
	RetryAttempts     int      `yaml:"retry_attempts"`
	RetryBaseDelay    Duration `yaml:"retry_base_delay"`
	RetryMaxDelay     Duration `yaml:"retry_max_delay"`
	// MaxPositions bounds each worker cache handle. Zero is unbounded.
	MaxPositions int `yaml:"max_positions"`
}

// ControllerConfig holds inference loop settings.
type ControllerConfig struct {
	HopAttempts    int      `yaml:"hop_attempts"`
	SetupTimeout   Duration `yaml:"setup_timeout"`
	StepTimeout    Duration `yaml:"step_timeout"`
	MaxTokens      int      `yaml:"max_tokens"`
	MaxTokensLimit int      `yaml:"max_tokens_limit"`
}

// SamplingConfig overrides individual sampling defaults. Unset fields keep
// sampling.DefaultParams values.
type SamplingConfig struct {
	Strategy      string   `yaml:"strategy"`
	Temperature   *float64 `yaml:"temperature,omitempty"`
	TopK          *int     `yaml:"top_k,omitempty"`
	TopP          *float64 `yaml:"top_p,omitempty"`
	Seed          *uint64  `yaml:"seed,omitempty"`
	RepeatPenalty *float32 `yaml:"repeat_penalty,omitempty"`
	RepeatLastN   *int     `yaml:"repeat_last_n,omitempty"`
}

// StorageConfig configures the plan journal. An empty Path disables it.
type StorageConfig struct {
	Dataset     string `yaml:"dataset"`
	Backend     string `yaml:"backend"`
	Path        string `yaml:"path"`
	Region      string `yaml:"region"`
	Endpoint    string `yaml:"endpoint"`
	S3PathStyle bool   `yaml:"s3_path_style"`
}

// AdapterConfig configures the session event adapter.
type AdapterConfig struct {
	Type    string            `yaml:"type"`
	URL     string            `yaml:"url"`
	Channel string            `yaml:"channel,omitempty"`
	Headers map[string]string `yaml:"headers,omitempty"`
	Timeout Duration          `yaml:"timeout,omitempty"`
	Retries *int              `yaml:"retries,omitempty"`
}

// Duration wraps time.Duration for YAML string parsing (e.g. "10s", "5m").
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses a duration string like "10s" or "5m30s".
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

// MarshalYAML renders the duration as a string.
func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

// Or returns the duration, or def if unset.
func (d Duration) Or(def time.Duration) time.Duration {
	if d.Duration <= 0 {
		return def
	}
	return d.Duration
}

// ModelShape returns the model layer count and hidden size with defaults.
func (c *Config) ModelShape() (layers, dim int) {
	return cmp.Or(c.Model.Layers, DefaultModelLayers), cmp.Or(c.Model.Dim, DefaultModelDim)
}

// Nodes converts the topology into registry nodes sorted by id. Capacity
// is what the topology declares; the handshake replaces it with what the
// worker reports.
func (c *Config) Nodes() ([]registry.Node, error) {
	names := make([]string, 0, len(c.Topology))
	for name := range c.Topology {
		names = append(names, name)
	}
	slices.Sort(names)

	nodes := make([]registry.Node, 0, len(names))
	for _, name := range names {
		tn := c.Topology[name]
		if tn.Host == "" {
			return nil, fmt.Errorf("topology node %q: host is required", name)
		}
		if _, _, err := net.SplitHostPort(tn.Host); err != nil {
			return nil, fmt.Errorf("topology node %q: %w", name, err)
		}
		class, ok := types.ParseComputeClass(tn.Class)
		if !ok {
			return nil, fmt.Errorf("topology node %q: unknown compute class %q", name, tn.Class)
		}
		if tn.MaxLayers < 0 {
			return nil, fmt.Errorf("topology node %q: max_layers must be >= 0", name)
		}
		nodes = append(nodes, registry.Node{
			ID:       types.NodeID(name),
			Address:  tn.Host,
			Capacity: registry.Capacity{MaxLayers: tn.MaxLayers, Class: class},
		})
	}
	return nodes, nil
}

// SamplingParams applies the configured overrides to the defaults.
func (c *Config) SamplingParams() (sampling.Params, error) {
	p := sampling.DefaultParams()
	s := c.Sampling
	if s.Strategy != "" {
		p.Strategy = sampling.Strategy(s.Strategy)
	}
	if s.Temperature != nil {
		p.Temperature = *s.Temperature
	}
	if s.TopK != nil {
		p.TopK = *s.TopK
	}
	if s.TopP != nil {
		p.TopP = *s.TopP
	}
	if s.Seed != nil {
		p.Seed = *s.Seed
	}
	if s.RepeatPenalty != nil {
		p.RepeatPenalty = *s.RepeatPenalty
	}
	if s.RepeatLastN != nil {
		p.RepeatLastN = *s.RepeatLastN
	}
	return p, p.Validate()
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	var errs []error
	if c.Model.Layers < 0 || c.Model.Dim < 0 {
		errs = append(errs, errors.New("model.layers and model.dim must be >= 0"))
	}
	if _, err := c.Nodes(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.SamplingParams(); err != nil {
		errs = append(errs, err)
	}
	switch c.Storage.Backend {
	case "", "fs", "s3":
	default:
		errs = append(errs, fmt.Errorf("storage.backend must be fs or s3, got %q", c.Storage.Backend))
	}
	switch c.Adapter.Type {
	case "", "webhook", "redis":
	default:
		errs = append(errs, fmt.Errorf("adapter.type must be webhook or redis, got %q", c.Adapter.Type))
	}
	if c.Adapter.Type != "" && c.Adapter.URL == "" {
		errs = append(errs, fmt.Errorf("adapter.url is required for %s adapter", c.Adapter.Type))
	}
	return errors.Join(errs...)
}
