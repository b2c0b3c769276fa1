// Package config loads and validates the immutable Worldmind configuration.
// Configuration is read once at startup (.env, then YAML, then environment
// overrides) and passed to constructors; there are no mutable globals.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Sandbox execution modes.
const (
	ModeLocal     = "local"
	ModeContainer = "container"
	ModePlatform  = "platform"
)

// MCPServer describes one MCP tool server surfaced to sandboxed agents.
type MCPServer struct {
	// Name becomes the MCP_SERVER_<NAME>_URL / _TOKEN env var infix.
	Name  string `yaml:"name"`
	URL   string `yaml:"url"`
	Token string `yaml:"token"`
	// Agents restricts which agent roles see this server; empty means all.
	Agents []string `yaml:"agents"`
}

// SandboxConfig configures sandbox execution.
type SandboxConfig struct {
	// Mode selects the provider: local, container, or platform.
	Mode string `yaml:"mode"`
	// ImageRepo is the container image repository; the runtime tag from
	// classification is appended, falling back to :base.
	ImageRepo string `yaml:"image_repo"`
	// TimeoutSeconds bounds one task attempt.
	TimeoutSeconds int `yaml:"timeout_seconds"`
	// WorkspaceVolume, when set, indicates the manager itself runs in a
	// container and instruction files go under the shared volume.
	WorkspaceVolume string `yaml:"workspace_volume"`
	// AgentCommand is the agent binary for local mode.
	AgentCommand string `yaml:"agent_command"`
	// RunnerApp is the platform application tasks run under in platform mode.
	RunnerApp string `yaml:"runner_app"`
	// GooseProvider/GooseModel/GooseAPIKey configure the LLM runtime inside
	// the sandbox. When unset, GenAIServiceName is forwarded instead and the
	// provider resolves credentials from bound services.
	GooseProvider    string `yaml:"goose_provider"`
	GooseModel       string `yaml:"goose_model"`
	GooseAPIKey      string `yaml:"goose_api_key"`
	GenAIServiceName string `yaml:"genai_service_name"`
	// MCPServers lists tool servers injected into the sandbox environment.
	MCPServers []MCPServer `yaml:"mcp_servers"`
	NexusURL   string      `yaml:"nexus_url"`
	NexusToken string      `yaml:"nexus_token"`
	// BaseEnv is merged into every sandbox environment.
	BaseEnv map[string]string `yaml:"base_env"`
}

// DeployerConfig configures Cloud Foundry deployments.
type DeployerConfig struct {
	CFAPIURL   string `yaml:"cf_api_url"`
	CFUsername string `yaml:"cf_username"`
	CFPassword string `yaml:"cf_password"`
	CFOrg      string `yaml:"cf_org"`
	CFSpace    string `yaml:"cf_space"`
	// AppsDomain is the shared route domain, e.g. "example.com" producing
	// routes under apps.<AppsDomain>.
	AppsDomain string `yaml:"apps_domain"`
	Memory     string `yaml:"memory"`
	Instances  int    `yaml:"instances"`
	Buildpack  string `yaml:"buildpack"`
}

// BusConfig configures event publication.
type BusConfig struct {
	// NATSURL enables mirroring events to NATS subjects when non-empty.
	NATSURL string `yaml:"nats_url"`
}

// Config is the complete Worldmind configuration record.
type Config struct {
	// MaxParallel caps concurrent task execution per wave.
	MaxParallel int `yaml:"max_parallel"`
	// MaxIterations is the default per-task retry budget.
	MaxIterations int `yaml:"max_iterations"`
	// WaveCooldown is the pause before re-dispatching a wave whose
	// fingerprint repeated once.
	WaveCooldown time.Duration `yaml:"wave_cooldown"`
	// MissionCeiling is the hard upper bound on one mission's wall time.
	MissionCeiling time.Duration `yaml:"mission_ceiling"`
	// LogLevel: trace, debug, info, warn, error.
	LogLevel string `yaml:"log_level"`
	// CheckpointDB is the sqlite path; ":memory:" for ephemeral, empty for
	// the in-process store.
	CheckpointDB string `yaml:"checkpoint_db"`
	// MetricsAddr exposes prometheus metrics when non-empty.
	MetricsAddr string `yaml:"metrics_addr"`

	Sandbox  SandboxConfig  `yaml:"sandbox"`
	Deployer DeployerConfig `yaml:"deployer"`
	Bus      BusConfig      `yaml:"bus"`
}

// Default returns a Config with production defaults.
func Default() *Config {
	return &Config{
		MaxParallel:    1,
		MaxIterations:  3,
		WaveCooldown:   60 * time.Second,
		MissionCeiling: 4 * time.Hour,
		LogLevel:       "info",
		CheckpointDB:   ".worldmind/checkpoints.db",
		Sandbox: SandboxConfig{
			Mode:           ModeLocal,
			ImageRepo:      "worldmind/agent",
			TimeoutSeconds: 300,
			AgentCommand:   "goose",
		},
		Deployer: DeployerConfig{
			Memory:    "1G",
			Instances: 1,
			Buildpack: "java_buildpack_offline",
		},
	}
}

// Load reads configuration: a .env file when present, then the YAML file at
// path (missing file falls back to defaults), then environment overrides.
// The result is validated eagerly.
func Load(path string) (*Config, error) {
	// .env is optional; absence is not an error.
	_ = godotenv.Load()

	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides layers well-known environment variables over the file
// values. Credentials in particular normally arrive through the environment.
func applyEnvOverrides(cfg *Config) {
	set := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	set(&cfg.Deployer.CFAPIURL, "CF_API_URL")
	set(&cfg.Deployer.CFUsername, "CF_USERNAME")
	set(&cfg.Deployer.CFPassword, "CF_PASSWORD")
	set(&cfg.Deployer.CFOrg, "CF_ORG")
	set(&cfg.Deployer.CFSpace, "CF_SPACE")
	set(&cfg.Sandbox.GooseProvider, "GOOSE_PROVIDER")
	set(&cfg.Sandbox.GooseModel, "GOOSE_MODEL")
	set(&cfg.Sandbox.GooseAPIKey, "GOOSE_API_KEY")
	set(&cfg.Sandbox.GenAIServiceName, "GENAI_SERVICE_NAME")
	set(&cfg.Sandbox.WorkspaceVolume, "WORKSPACE_VOLUME")
	set(&cfg.Sandbox.NexusURL, "NEXUS_URL")
	set(&cfg.Sandbox.NexusToken, "NEXUS_TOKEN")
	set(&cfg.Bus.NATSURL, "NATS_URL")
}

// Validate checks the configuration eagerly so misconfiguration fails at
// startup rather than mid-mission.
func (c *Config) Validate() error {
	if c.MaxParallel < 1 {
		return fmt.Errorf("config: max_parallel must be at least 1, got %d", c.MaxParallel)
	}
	if c.MaxIterations < 1 {
		return fmt.Errorf("config: max_iterations must be at least 1, got %d", c.MaxIterations)
	}
	if c.Sandbox.TimeoutSeconds < 1 {
		return fmt.Errorf("config: sandbox.timeout_seconds must be at least 1, got %d", c.Sandbox.TimeoutSeconds)
	}
	switch c.Sandbox.Mode {
	case ModeLocal, ModeContainer:
	case ModePlatform:
		if c.Sandbox.RunnerApp == "" {
			return fmt.Errorf("config: sandbox.runner_app is required in platform mode")
		}
	default:
		return fmt.Errorf("config: unknown sandbox.mode %q", c.Sandbox.Mode)
	}
	if c.MissionCeiling <= 0 {
		return fmt.Errorf("config: mission_ceiling must be positive")
	}
	for _, srv := range c.Sandbox.MCPServers {
		if srv.Name == "" || srv.URL == "" {
			return fmt.Errorf("config: mcp server entries require name and url")
		}
	}
	return nil
}

// TaskTimeout returns the per-task timeout as a duration.
func (c *Config) TaskTimeout() time.Duration {
	return time.Duration(c.Sandbox.TimeoutSeconds) * time.Second
}

// MissionDeadline derives the per-mission budget: the worst-case product of
// parallelism, retries and task timeout, capped at the configured ceiling.
func (c *Config) MissionDeadline(taskCount int) time.Duration {
	if taskCount < 1 {
		taskCount = 1
	}
	worst := time.Duration(taskCount*c.MaxIterations) * c.TaskTimeout()
	if worst > c.MissionCeiling {
		return c.MissionCeiling
	}
	return worst
}
