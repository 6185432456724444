// Package config loads and validates the Meridian TOML configuration.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration is a time.Duration that unmarshals from TOML strings like "60s" or "2m".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// TrustProfile gates which non-hard-floor actions auto-approve.
type TrustProfile string

const (
	ProfileSupervised TrustProfile = "supervised"
	ProfileBalanced   TrustProfile = "balanced"
	ProfileAutonomous TrustProfile = "autonomous"
)

// Config is the root Meridian configuration.
type Config struct {
	General        General              `toml:"general"`
	CircuitBreaker CircuitBreaker       `toml:"circuit_breaker"`
	ScheduleEval   ScheduleEvaluator    `toml:"schedule_evaluator"`
	Watchdog       Watchdog             `toml:"watchdog"`
	Sandbox        Sandbox              `toml:"sandbox"`
	Trust          Trust                `toml:"trust"`
	Scout          Scout                `toml:"scout"`
	TLS            TLS                  `toml:"tls"`
}

// General holds runtime-wide knobs: storage path, logging, worker pool size.
type General struct {
	StateDB          string   `toml:"state_db"`
	LogLevel         string   `toml:"log_level"`
	LockFile         string   `toml:"lock_file"`
	WorkerCount      int      `toml:"worker_count"`
	ShellGearEnabled bool     `toml:"shell_gear_enabled"`
	DryRun           bool     `toml:"dry_run"`
}

// CircuitBreaker configures the per-gear failure tracker.
type CircuitBreaker struct {
	FailureThreshold         int      `toml:"failure_threshold"`
	WindowMs                 Duration `toml:"window_ms"`
	CooldownMs               Duration `toml:"cooldown_ms"`
	HalfOpenSuccessesToClose int      `toml:"half_open_successes_to_close"`
}

// ScheduleEvaluator configures the cron-like job-schedule poller.
type ScheduleEvaluator struct {
	IntervalMs Duration `toml:"interval_ms"`
}

// Watchdog configures cooperative-loop stall detection.
type Watchdog struct {
	BlockThresholdMs Duration `toml:"block_threshold_ms"`
	CheckIntervalMs  Duration `toml:"check_interval_ms"`
}

// SandboxDefaults are applied to a Gear manifest that omits a field.
type SandboxDefaults struct {
	MaxMemoryMb   int      `toml:"max_memory_mb"`
	MaxCpuPercent int      `toml:"max_cpu_percent"`
	TimeoutMs     Duration `toml:"timeout_ms"`
	PidsLimit     int64    `toml:"pids_limit"`
	Image         string   `toml:"image"`
}

// Sandbox wraps the default resource envelope for Gear executions.
type Sandbox struct {
	Defaults SandboxDefaults `toml:"defaults"`
}

// Trust selects the auto-approval posture for non-hard-floor actions.
type Trust struct {
	Profile TrustProfile `toml:"profile"`
}

// Scout configures the planner/validator provider selection and call limits.
type Scout struct {
	PlannerProvider    string                    `toml:"planner_provider"`
	ValidatorProvider  string                    `toml:"validator_provider"`
	PlanTimeoutMs      Duration                  `toml:"plan_timeout_ms"`
	ValidateTimeoutMs  Duration                  `toml:"validate_timeout_ms"`
	RateLimitPerSecond float64                   `toml:"rate_limit_per_second"`
	RateLimitBurst     int                       `toml:"rate_limit_burst"`
	Providers          map[string]ProviderConfig `toml:"providers"`
}

// ProviderConfig names one LLM provider family Scout can speak to: a
// model name plus the environment variable holding its credential.
type ProviderConfig struct {
	Model     string `toml:"model"`
	APIKeyEnv string `toml:"api_key_env"`
	BaseURL   string `toml:"base_url,omitempty"`
}

// TLS is consumed by the external transport collaborator; the core stays
// neutral but still parses it so one config file can serve both.
type TLS struct {
	Enabled      bool   `toml:"enabled"`
	CertPath     string `toml:"cert_path"`
	KeyPath      string `toml:"key_path"`
	MinVersion   string `toml:"min_version"`
	HSTS         bool   `toml:"hsts"`
	HSTSMaxAgeS  int    `toml:"hsts_max_age"`
}

// Clone returns a deep-enough copy safe for concurrent readers; Config
// has no reference-typed fields today, so a value copy suffices, but the
// method exists so ConfigManager never hands out shared mutable state.
func (cfg *Config) Clone() *Config {
	if cfg == nil {
		return nil
	}
	clone := *cfg
	return &clone
}

// Load reads and validates a Meridian TOML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	var cfg Config
	if _, err := toml.Decode(string(data), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// Reload re-reads path; named distinctly from Load since it is always
// called against an already-running configuration.
func Reload(path string) (*Config, error) {
	return Load(path)
}

func applyDefaults(cfg *Config) {
	if cfg.General.WorkerCount <= 0 {
		cfg.General.WorkerCount = 4
	}
	if cfg.General.StateDB == "" {
		cfg.General.StateDB = "meridian.db"
	}
	if cfg.CircuitBreaker.FailureThreshold <= 0 {
		cfg.CircuitBreaker.FailureThreshold = 5
	}
	if cfg.CircuitBreaker.WindowMs.Duration <= 0 {
		cfg.CircuitBreaker.WindowMs.Duration = 60 * time.Second
	}
	if cfg.CircuitBreaker.CooldownMs.Duration <= 0 {
		cfg.CircuitBreaker.CooldownMs.Duration = 30 * time.Second
	}
	if cfg.CircuitBreaker.HalfOpenSuccessesToClose <= 0 {
		// default to a single successful probe before closing
		cfg.CircuitBreaker.HalfOpenSuccessesToClose = 1
	}
	if cfg.ScheduleEval.IntervalMs.Duration <= 0 {
		cfg.ScheduleEval.IntervalMs.Duration = 30 * time.Second
	}
	if cfg.Watchdog.BlockThresholdMs.Duration <= 0 {
		cfg.Watchdog.BlockThresholdMs.Duration = 200 * time.Millisecond
	}
	if cfg.Watchdog.CheckIntervalMs.Duration <= 0 {
		cfg.Watchdog.CheckIntervalMs.Duration = 5 * time.Second
	}
	if cfg.Sandbox.Defaults.MaxMemoryMb <= 0 {
		cfg.Sandbox.Defaults.MaxMemoryMb = 512
	}
	if cfg.Sandbox.Defaults.MaxCpuPercent <= 0 {
		cfg.Sandbox.Defaults.MaxCpuPercent = 100
	}
	if cfg.Sandbox.Defaults.TimeoutMs.Duration <= 0 {
		cfg.Sandbox.Defaults.TimeoutMs.Duration = 30 * time.Second
	}
	if cfg.Sandbox.Defaults.PidsLimit <= 0 {
		cfg.Sandbox.Defaults.PidsLimit = 64
	}
	if cfg.Sandbox.Defaults.Image == "" {
		cfg.Sandbox.Defaults.Image = "meridian-gear:latest"
	}
	if cfg.Trust.Profile == "" {
		cfg.Trust.Profile = ProfileSupervised
	}
	if cfg.Scout.PlannerProvider == "" {
		cfg.Scout.PlannerProvider = "anthropic"
	}
	if cfg.Scout.ValidatorProvider == "" {
		cfg.Scout.ValidatorProvider = "openai"
	}
	if cfg.Scout.PlanTimeoutMs.Duration <= 0 {
		cfg.Scout.PlanTimeoutMs.Duration = 60 * time.Second
	}
	if cfg.Scout.ValidateTimeoutMs.Duration <= 0 {
		cfg.Scout.ValidateTimeoutMs.Duration = 30 * time.Second
	}
	if cfg.Scout.RateLimitPerSecond <= 0 {
		cfg.Scout.RateLimitPerSecond = 1
	}
	if cfg.Scout.RateLimitBurst <= 0 {
		cfg.Scout.RateLimitBurst = 2
	}
	if cfg.Scout.Providers == nil {
		cfg.Scout.Providers = map[string]ProviderConfig{}
	}
	defaultProvider := map[string]ProviderConfig{
		"anthropic":  {Model: "claude-sonnet-4-5", APIKeyEnv: "ANTHROPIC_API_KEY"},
		"openai":     {Model: "gpt-4o", APIKeyEnv: "OPENAI_API_KEY"},
		"google":     {Model: "gemini-2.0-flash", APIKeyEnv: "GOOGLE_API_KEY"},
		"ollama":     {Model: "llama3.1", BaseURL: "http://localhost:11434"},
		"openrouter": {Model: "anthropic/claude-sonnet-4.5", APIKeyEnv: "OPENROUTER_API_KEY", BaseURL: "https://openrouter.ai/api/v1"},
	}
	for name, def := range defaultProvider {
		if _, ok := cfg.Scout.Providers[name]; !ok {
			cfg.Scout.Providers[name] = def
		}
	}
}

func validate(cfg *Config) error {
	switch cfg.Trust.Profile {
	case ProfileSupervised, ProfileBalanced, ProfileAutonomous:
	default:
		return fmt.Errorf("trust.profile %q is not one of supervised|balanced|autonomous", cfg.Trust.Profile)
	}
	if strings.TrimSpace(cfg.General.StateDB) == "" {
		return fmt.Errorf("general.state_db is required")
	}
	if cfg.General.WorkerCount < 1 {
		return fmt.Errorf("general.worker_count must be >= 1")
	}
	if cfg.TLS.Enabled {
		if cfg.TLS.CertPath == "" || cfg.TLS.KeyPath == "" {
			return fmt.Errorf("tls.enabled requires cert_path and key_path")
		}
	}
	if _, ok := cfg.Scout.Providers[cfg.Scout.PlannerProvider]; !ok {
		return fmt.Errorf("scout.planner_provider %q has no providers entry", cfg.Scout.PlannerProvider)
	}
	if _, ok := cfg.Scout.Providers[cfg.Scout.ValidatorProvider]; !ok {
		return fmt.Errorf("scout.validator_provider %q has no providers entry", cfg.Scout.ValidatorProvider)
	}
	return nil
}

// ValidateReload rejects a reload that changes a field requiring a
// process restart.
func ValidateReload(oldCfg, newCfg *Config) error {
	if oldCfg == nil || newCfg == nil {
		return fmt.Errorf("invalid config state during reload")
	}
	oldDB := strings.TrimSpace(oldCfg.General.StateDB)
	newDB := strings.TrimSpace(newCfg.General.StateDB)
	if oldDB != newDB {
		return fmt.Errorf("general.state_db changed (%q -> %q) and requires restart", oldDB, newDB)
	}
	return nil
}
