// Package config assembles the orchestrator's process-wide configuration
// exactly once at startup: defaults, overridden by environment variables,
// overridden by explicit functional options (the three-layer priority
// the teacher framework uses for its own Config). The resulting struct
// is handed to the workflow engine and its collaborators by value — none
// of them read os.Getenv directly, per the determinism contract on C6.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the frozen, fully-resolved process configuration.
type Config struct {
	Name    string `yaml:"name"`
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`

	HTTP       HTTPConfig       `yaml:"http"`
	Store      StoreConfig      `yaml:"store"`
	Governor   GovernorConfig   `yaml:"governor"`
	Workflow   WorkflowConfig   `yaml:"workflow"`
	LLM        LLMConfig        `yaml:"llm"`
	VCS        VCSConfig        `yaml:"vcs"`
	Capsule    CapsuleConfig    `yaml:"capsule"`
	Circuit    CircuitConfig    `yaml:"circuit"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	Logging    LoggingConfig    `yaml:"logging"`
	Kubernetes KubernetesConfig `yaml:"kubernetes"`
}

type HTTPConfig struct {
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// StoreConfig selects and tunes the C6/C7 system of record (pkg/store).
// RedisURL empty means the in-memory store, suitable for local runs and
// tests only.
type StoreConfig struct {
	RedisURL  string `yaml:"redis_url"`
	KeyPrefix string `yaml:"key_prefix"`
}

// GovernorConfig seeds pkg/governor's per-provider limits. A single set
// of defaults applies to every provider unless overridden per-provider
// at wiring time in cmd/orchestratord.
type GovernorConfig struct {
	DefaultConcurrency int     `yaml:"default_concurrency"`
	DefaultRPSLimit    float64 `yaml:"default_rps_limit"`
	DefaultRPSFloor    float64 `yaml:"default_rps_floor"`
	DefaultTPMLimit    int     `yaml:"default_tpm_limit"`
}

// WorkflowConfig mirrors pkg/workflow.Config's scheduling policy and
// timeouts, kept as plain fields here so they're reachable from env vars
// and a config file rather than only Go call sites.
type WorkflowConfig struct {
	MaxConcurrentTasks int           `yaml:"max_concurrent_tasks"`
	CheckpointEvery    int           `yaml:"checkpoint_every"`
	ReviewThreshold    float64       `yaml:"review_threshold"`
	TWorkflow          time.Duration `yaml:"t_workflow"`
	TActivity          time.Duration `yaml:"t_activity"`
	THeartbeat         time.Duration `yaml:"t_heartbeat"`
	TCancelGrace       time.Duration `yaml:"t_cancel_grace"`
	TCancelCheck       time.Duration `yaml:"t_cancel_check"`
}

// LLMConfig carries credentials for the tiered provider list (spec §4.4);
// a provider with an empty credential is simply not registered.
type LLMConfig struct {
	AnthropicAPIKey string `yaml:"-"`
	BedrockRegion   string `yaml:"bedrock_region"`
	BedrockEnabled  bool   `yaml:"bedrock_enabled"`
}

// VCSConfig carries the GitHub delivery target's credentials.
type VCSConfig struct {
	GitHubToken string `yaml:"-"`
	Owner       string `yaml:"owner"`
}

// CapsuleConfig configures capsule assembly/signing.
type CapsuleConfig struct {
	SigningSecret string `yaml:"-"`
}

// CircuitConfig seeds pkg/breaker's default Config: the consecutive-
// failure count that trips a collaborator breaker open, and
// how long it stays open before a half-open probe is admitted. Applies
// to every breaker.Set collaborator id that isn't given a more specific
// override at wiring time in cmd/orchestratord.
type CircuitConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	RecoveryTimeout  time.Duration `yaml:"recovery_timeout"`
}

type TelemetryConfig struct {
	Enabled        bool    `yaml:"enabled"`
	ServiceName    string  `yaml:"service_name"`
	OTLPEndpoint   string  `yaml:"otlp_endpoint"`
	SamplingRatio  float64 `yaml:"sampling_ratio"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "json" or "text"
	Debug  bool   `yaml:"debug"`
}

type KubernetesConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Option mutates a Config during NewConfig; later options win over
// earlier ones and all of them win over environment/defaults.
type Option func(*Config) error

func WithName(name string) Option {
	return func(c *Config) error {
		if name == "" {
			return fmt.Errorf("config: name must not be empty")
		}
		c.Name = name
		return nil
	}
}

func WithPort(port int) Option {
	return func(c *Config) error {
		if port < 0 || port > 65535 {
			return fmt.Errorf("config: invalid port %d", port)
		}
		c.Port = port
		return nil
	}
}

func WithRedisURL(url string) Option {
	return func(c *Config) error { c.Store.RedisURL = url; return nil }
}

func WithAnthropicAPIKey(key string) Option {
	return func(c *Config) error { c.LLM.AnthropicAPIKey = key; return nil }
}

func WithBedrockRegion(region string) Option {
	return func(c *Config) error { c.LLM.BedrockRegion = region; c.LLM.BedrockEnabled = region != ""; return nil }
}

func WithGitHubToken(token string) Option {
	return func(c *Config) error { c.VCS.GitHubToken = token; return nil }
}

func WithCapsuleSigningSecret(secret string) Option {
	return func(c *Config) error { c.Capsule.SigningSecret = secret; return nil }
}

func WithOTLPEndpoint(endpoint string) Option {
	return func(c *Config) error { c.Telemetry.OTLPEndpoint = endpoint; c.Telemetry.Enabled = endpoint != ""; return nil }
}

func WithLogLevel(level string) Option {
	return func(c *Config) error { c.Logging.Level = strings.ToUpper(level); return nil }
}

// WithConfigFile layers a YAML file over the current defaults/env
// values; it must run before options that should win over the file.
func WithConfigFile(path string) Option {
	return func(c *Config) error {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("config: reading %s: %w", path, err)
		}
		return yaml.Unmarshal(data, c)
	}
}

// DefaultConfig returns the configuration's baseline before environment
// detection, env vars, or options are applied.
func DefaultConfig() *Config {
	return &Config{
		Name: "orchestratord",
		Port: 8080,
		HTTP: HTTPConfig{
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			IdleTimeout:     120 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Store: StoreConfig{KeyPrefix: "orch"},
		Governor: GovernorConfig{
			DefaultConcurrency: 10,
			DefaultRPSLimit:    5,
			DefaultRPSFloor:    1,
			DefaultTPMLimit:    200000,
		},
		Workflow: WorkflowConfig{
			MaxConcurrentTasks: 100,
			CheckpointEvery:    5,
			ReviewThreshold:    0.7,
			TWorkflow:          2 * time.Hour,
			TActivity:          10 * time.Minute,
			THeartbeat:         30 * time.Second,
			TCancelGrace:       30 * time.Second,
			TCancelCheck:       5 * time.Second,
		},
		Circuit: CircuitConfig{
			FailureThreshold: 5,
			RecoveryTimeout:  60 * time.Second,
		},
		Telemetry: TelemetryConfig{ServiceName: "orchestratord", SamplingRatio: 1.0},
		Logging:   LoggingConfig{Level: "INFO", Format: "text"},
	}
}

// DetectEnvironment adjusts defaults the way the teacher's own Config
// does: Kubernetes presence flips addressing and log format.
func (c *Config) DetectEnvironment() {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		c.Kubernetes.Enabled = true
		c.Address = "0.0.0.0"
		c.Logging.Format = "json"
	} else {
		c.Address = "localhost"
	}
}

// LoadFromEnv overlays ORCH_-prefixed environment variables (and a small
// set of standard names such as REDIS_URL) on top of the current values.
func (c *Config) LoadFromEnv() error {
	if v := os.Getenv("ORCH_AGENT_NAME"); v != "" {
		c.Name = v
	}
	if v := os.Getenv("ORCH_PORT"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: invalid ORCH_PORT %q: %w", v, err)
		}
		c.Port = p
	}
	if v := envAny("ORCH_REDIS_URL", "REDIS_URL"); v != "" {
		c.Store.RedisURL = v
	}
	if v := envAny("ORCH_ANTHROPIC_API_KEY", "ANTHROPIC_API_KEY"); v != "" {
		c.LLM.AnthropicAPIKey = v
	}
	if v := os.Getenv("ORCH_BEDROCK_REGION"); v != "" {
		c.LLM.BedrockRegion = v
		c.LLM.BedrockEnabled = true
	}
	if v := envAny("ORCH_GITHUB_TOKEN", "GITHUB_TOKEN"); v != "" {
		c.VCS.GitHubToken = v
	}
	if v := os.Getenv("ORCH_VCS_OWNER"); v != "" {
		c.VCS.Owner = v
	}
	if v := os.Getenv("ORCH_CAPSULE_SIGNING_SECRET"); v != "" {
		c.Capsule.SigningSecret = v
	}
	if v := os.Getenv("ORCH_CIRCUIT_FAILURE_THRESHOLD"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: invalid ORCH_CIRCUIT_FAILURE_THRESHOLD %q: %w", v, err)
		}
		c.Circuit.FailureThreshold = n
	}
	if v := os.Getenv("ORCH_CIRCUIT_RECOVERY_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config: invalid ORCH_CIRCUIT_RECOVERY_TIMEOUT %q: %w", v, err)
		}
		c.Circuit.RecoveryTimeout = d
	}
	if v := os.Getenv("ORCH_OTLP_ENDPOINT"); v != "" {
		c.Telemetry.OTLPEndpoint = v
		c.Telemetry.Enabled = true
	}
	if v := os.Getenv("ORCH_LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToUpper(v)
	}
	if v := os.Getenv("ORCH_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	if os.Getenv("ORCH_DEBUG") == "true" {
		c.Logging.Debug = true
	}
	if v := os.Getenv("ORCH_MAX_CONCURRENT_TASKS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: invalid ORCH_MAX_CONCURRENT_TASKS %q: %w", v, err)
		}
		c.Workflow.MaxConcurrentTasks = n
	}
	if v := os.Getenv("ORCH_REVIEW_THRESHOLD"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("config: invalid ORCH_REVIEW_THRESHOLD %q: %w", v, err)
		}
		c.Workflow.ReviewThreshold = f
	}
	return nil
}

func envAny(names ...string) string {
	for _, n := range names {
		if v := os.Getenv(n); v != "" {
			return v
		}
	}
	return ""
}

// Validate rejects a configuration that would produce a broken server or
// engine rather than failing later at a confusing call site.
func (c *Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("config: name must not be empty")
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("config: port %d out of range", c.Port)
	}
	if c.Workflow.MaxConcurrentTasks <= 0 {
		return fmt.Errorf("config: workflow.max_concurrent_tasks must be positive")
	}
	if c.Workflow.ReviewThreshold < 0 || c.Workflow.ReviewThreshold > 1 {
		return fmt.Errorf("config: workflow.review_threshold must be in [0,1]")
	}
	return nil
}

// NewConfig assembles a Config from defaults, environment detection,
// environment variables, then opts in that order — each layer overrides
// the one before it, matching the teacher's documented priority.
func NewConfig(opts ...Option) (*Config, error) {
	c := DefaultConfig()
	c.DetectEnvironment()
	if err := c.LoadFromEnv(); err != nil {
		return nil, err
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}
