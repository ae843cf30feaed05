package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigPath is where the CLI looks for its config
const DefaultConfigPath = "~/.kb/pulse.yaml"

// Config holds all kbpulse configuration.
type Config struct {
	Storage    StorageConfig    `yaml:"storage"`
	Completion CompletionConfig `yaml:"completion"`
	Signals    SignalsConfig    `yaml:"signals"`
	Trends     TrendsConfig     `yaml:"trends"`
	Weights    WeightsConfig    `yaml:"weights"`
	Merge      MergeConfig      `yaml:"merge"`
	Pipeline   PipelineConfig   `yaml:"pipeline"`
	Schedule   ScheduleConfig   `yaml:"schedule"`
	API        APIConfig        `yaml:"api"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type StorageConfig struct {
	Path string `yaml:"path"`
}

type CompletionConfig struct {
	APIKey            string  `yaml:"api_key"`
	Model             string  `yaml:"model"`
	MaxTokens         int     `yaml:"max_tokens"`
	TimeoutSeconds    int     `yaml:"timeout_seconds"`
	RequestsPerMinute int     `yaml:"requests_per_minute"`
	InputCostPerMTok  float64 `yaml:"input_cost_per_mtok"`
	OutputCostPerMTok float64 `yaml:"output_cost_per_mtok"`
}

type SignalsConfig struct {
	WindowDays           int `yaml:"window_days"`
	VelocityMinItems     int `yaml:"velocity_min_items"`
	EmergenceMinCount    int `yaml:"emergence_min_count"`
	ConvergenceMinShared int `yaml:"convergence_min_shared"`
}

type TrendsConfig struct {
	TTLDays int `yaml:"ttl_days"`
}

type WeightsConfig struct {
	DecayFactor float64 `yaml:"decay_factor"`
}

type MergeConfig struct {
	MinItems      int `yaml:"min_items"`
	SampleTitles  int `yaml:"sample_titles"`
	MaxCandidates int `yaml:"max_candidates"`
}

type PipelineConfig struct {
	Concurrency        int `yaml:"concurrency"`
	UserTimeoutSeconds int `yaml:"user_timeout_seconds"`
	RunBudgetMinutes   int `yaml:"run_budget_minutes"`
}

// ScheduleConfig holds cron expressions for the serve mode triggers
type ScheduleConfig struct {
	Trends      string `yaml:"trends"`
	Merges      string `yaml:"merges"`
	Delivery    string `yaml:"delivery"`
	Maintenance string `yaml:"maintenance"`
}

type APIConfig struct {
	Addr       string `yaml:"addr"`
	AdminToken string `yaml:"admin_token"`
}

type RateLimitConfig struct {
	// Backend is "memory" or "redis"
	Backend       string `yaml:"backend"`
	RedisAddr     string `yaml:"redis_addr"`
	MaxFailures   int    `yaml:"max_failures"`
	WindowMinutes int    `yaml:"window_minutes"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// DefaultConfig returns a Config populated with all default values.
func DefaultConfig() *Config {
	return &Config{
		Storage: StorageConfig{
			Path: "~/.kb/kb.db",
		},
		Completion: CompletionConfig{
			Model:             "claude-sonnet-4-20250514",
			MaxTokens:         2048,
			TimeoutSeconds:    60,
			RequestsPerMinute: 50,
			InputCostPerMTok:  3,
			OutputCostPerMTok: 15,
		},
		Signals: SignalsConfig{
			WindowDays:           14,
			VelocityMinItems:     3,
			EmergenceMinCount:    2,
			ConvergenceMinShared: 2,
		},
		Trends: TrendsConfig{
			TTLDays: 30,
		},
		Weights: WeightsConfig{
			DecayFactor: 0.95,
		},
		Merge: MergeConfig{
			MinItems:      1,
			SampleTitles:  5,
			MaxCandidates: 40,
		},
		Pipeline: PipelineConfig{
			Concurrency:        4,
			UserTimeoutSeconds: 120,
			RunBudgetMinutes:   30,
		},
		Schedule: ScheduleConfig{
			Trends:      "0 3 * * *",
			Merges:      "0 4 * * 0",
			Delivery:    "0 * * * *",
			Maintenance: "30 2 * * *",
		},
		API: APIConfig{
			Addr: "127.0.0.1:8090",
		},
		RateLimit: RateLimitConfig{
			Backend:       "memory",
			RedisAddr:     "127.0.0.1:6379",
			MaxFailures:   5,
			WindowMinutes: 15,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads a YAML config file at path and merges it with defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrCreateAt loads the config from the given path. If the file does
// not exist, it creates the directory structure and writes defaults.
func LoadOrCreateAt(path string) (*Config, error) {
	path, err := ExpandPath(path)
	if err != nil {
		return nil, err
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := DefaultConfig()

		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("creating config directory: %w", err)
		}

		data, err := yaml.Marshal(cfg)
		if err != nil {
			return nil, fmt.Errorf("marshaling default config: %w", err)
		}

		if err := os.WriteFile(path, data, 0600); err != nil {
			return nil, fmt.Errorf("writing default config: %w", err)
		}

		cfg.applyEnv()
		return cfg, nil
	}

	return Load(path)
}

// applyEnv lets the environment override secrets, the same way the
// classifier used to read ANTHROPIC_API_KEY.
func (c *Config) applyEnv() {
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
		c.Completion.APIKey = v
	}
	if v := os.Getenv("KBPULSE_ADMIN_TOKEN"); v != "" {
		c.API.AdminToken = v
	}
	if v := os.Getenv("KBPULSE_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Pipeline.Concurrency = n
		}
	}
}

// Validate checks ranges that would otherwise surface as odd runtime behavior.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Storage.Path) == "" {
		return errors.New("storage.path is required")
	}
	if c.Signals.WindowDays <= 0 {
		return errors.New("signals.window_days must be positive")
	}
	if c.Signals.VelocityMinItems < 1 || c.Signals.EmergenceMinCount < 1 || c.Signals.ConvergenceMinShared < 1 {
		return errors.New("signal thresholds must be >= 1")
	}
	if c.Trends.TTLDays <= 0 {
		return errors.New("trends.ttl_days must be positive")
	}
	if c.Weights.DecayFactor <= 0 || c.Weights.DecayFactor > 1 {
		return errors.New("weights.decay_factor must be in (0, 1]")
	}
	if c.Pipeline.Concurrency < 1 || c.Pipeline.Concurrency > 64 {
		return errors.New("pipeline.concurrency must be 1..64")
	}
	if c.Pipeline.UserTimeoutSeconds <= 0 || c.Pipeline.RunBudgetMinutes <= 0 {
		return errors.New("pipeline timeouts must be positive")
	}
	switch c.RateLimit.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("rate_limit.backend must be memory or redis, got %q", c.RateLimit.Backend)
	}
	if c.RateLimit.MaxFailures < 1 || c.RateLimit.WindowMinutes < 1 {
		return errors.New("rate_limit.max_failures and window_minutes must be >= 1")
	}
	return nil
}

// UserTimeout is the per-user deadline inside a batch tick
func (c *Config) UserTimeout() time.Duration {
	return time.Duration(c.Pipeline.UserTimeoutSeconds) * time.Second
}

// RunBudget is the wall-clock budget of a whole batch tick
func (c *Config) RunBudget() time.Duration {
	return time.Duration(c.Pipeline.RunBudgetMinutes) * time.Minute
}

// ExpandPath replaces a leading ~ with the user's home directory.
func ExpandPath(path string) (string, error) {
	if len(path) > 0 && path[0] == '~' {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolving home directory: %w", err)
		}
		return filepath.Join(home, path[1:]), nil
	}
	return path, nil
}
