// Package config loads the engine configuration from a JSON file plus
// environment overrides.
package config

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strconv"
	"sync"

	"dispatch/internal/router"
)

// DefaultJudgeModelID is the judge model used when JUDGE_MODEL_ID is unset.
const DefaultJudgeModelID = "claude-sonnet-4-5-20250929"

// prodEvalCap is the evaluation sample rate ceiling enforced in production
// unless ALLOW_FULL_EVAL_IN_PROD=true.
const prodEvalCap = 0.25

// Eval modes.
const (
	EvalModeProd      = "prod"
	EvalModeBenchmark = "benchmark"
	EvalModeTest      = "test"
)

// ProviderConfig holds one provider's credentials.
type ProviderConfig struct {
	Name   string `json:"name"`
	APIKey string `json:"api_key,omitempty"` // Supports ${ENV_VAR} expansion
}

// PersistenceConfig selects and parameterizes the storage driver.
type PersistenceConfig struct {
	Driver  string `json:"driver,omitempty"` // "file" or "db"
	BaseDir string `json:"base_dir,omitempty"`
	DBPath  string `json:"db_path,omitempty"`
}

// Config is the engine configuration.
type Config struct {
	Port         int               `json:"port"`
	SeedFile     string            `json:"seed_file,omitempty"`
	Providers    []ProviderConfig  `json:"providers"`
	JudgeModelID string            `json:"judge_model_id,omitempty"`
	Persistence  PersistenceConfig `json:"persistence,omitempty"`

	EvalMode            string  `json:"eval_mode,omitempty"`
	AllowFullEvalInProd bool    `json:"allow_full_eval_in_prod,omitempty"`
	EvalSampleRate      float64 `json:"eval_sample_rate,omitempty"`

	Router router.Config `json:"router"`
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		Port:     18080,
		SeedFile: "models.yaml",
		Providers: []ProviderConfig{
			{Name: "anthropic", APIKey: "${ANTHROPIC_API_KEY}"},
			{Name: "openai", APIKey: "${OPENAI_API_KEY}"},
		},
		JudgeModelID: DefaultJudgeModelID,
		Persistence: PersistenceConfig{
			Driver:  "file",
			BaseDir: "runs",
			DBPath:  "dispatch.db",
		},
		EvalMode: EvalModeProd,
		Router:   router.DefaultConfig(),
	}
}

// Load loads configuration from a file, creating the default on first run,
// then applies environment overrides.
func Load(path string) (*Config, error) {
	var cfg *Config
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg = Default()
		if err := cfg.Save(path); err != nil {
			return nil, fmt.Errorf("failed to save default config: %w", err)
		}
		log.Printf("[Config] Created default configuration at %s", path)
	} else {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		loaded := Default()
		if err := json.Unmarshal(data, loaded); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
		cfg = loaded
	}

	cfg.expandEnvVars()
	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// Save writes the configuration to a file.
func (c *Config) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// expandEnvVars expands ${ENV_VAR} placeholders in credential fields.
func (c *Config) expandEnvVars() {
	for i := range c.Providers {
		c.Providers[i].APIKey = os.ExpandEnv(c.Providers[i].APIKey)
	}
}

// applyEnvOverrides folds the recognized environment variables over the file
// configuration.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("JUDGE_MODEL_ID"); v != "" {
		c.JudgeModelID = v
	}
	if v := os.Getenv("EVAL_MODE"); v != "" {
		c.EvalMode = v
	}
	if v := os.Getenv("ALLOW_FULL_EVAL_IN_PROD"); v == "true" {
		c.AllowFullEvalInProd = true
	}
	if v := os.Getenv("ROUTER_SELECTION_POLICY"); v != "" {
		c.Router.SelectionPolicy = v
	}
	if v := os.Getenv("PERSISTENCE_DRIVER"); v != "" {
		c.Persistence.Driver = v
	}

	switch c.EvalMode {
	case EvalModeProd:
		if v := os.Getenv("EVAL_SAMPLE_RATE_PROD"); v != "" {
			if rate, err := strconv.ParseFloat(v, 64); err == nil {
				c.EvalSampleRate = rate
			}
		}
	case EvalModeTest:
		if v := os.Getenv("EVAL_SAMPLE_RATE_TEST"); v != "" {
			if rate, err := strconv.ParseFloat(v, 64); err == nil {
				c.EvalSampleRate = rate
			}
		}
	}
	if v := os.Getenv("EVAL_SAMPLE_RATE_FORCE"); v != "" {
		if rate, err := strconv.ParseFloat(v, 64); err == nil {
			c.EvalSampleRate = rate
		}
	}
	if c.EvalSampleRate > 0 {
		c.Router.EvaluationSampleRate = c.EvalSampleRate
	}

	c.clampProdEvalRate()
}

var prodEvalWarnOnce sync.Once

// clampProdEvalRate enforces the production sampling ceiling. Benchmark mode
// in production is subject to the same rule.
func (c *Config) clampProdEvalRate() {
	if !isProduction() || c.AllowFullEvalInProd {
		return
	}
	if c.EvalMode == EvalModeBenchmark || c.Router.EvaluationSampleRate >= 1.0 {
		prodEvalWarnOnce.Do(func() {
			log.Printf("[Config] Full evaluation sampling is disabled in production; clamping rate to %.2f (set ALLOW_FULL_EVAL_IN_PROD=true to override)", prodEvalCap)
		})
		c.Router.EvaluationSampleRate = prodEvalCap
		c.EvalMode = EvalModeProd
	}
}

func isProduction() bool {
	return os.Getenv("NODE_ENV") == "production"
}

// Validate checks invariants the rest of the engine assumes.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.Router.EvaluationSampleRate < 0 || c.Router.EvaluationSampleRate > 1 {
		return fmt.Errorf("evaluation sample rate %v out of [0,1]", c.Router.EvaluationSampleRate)
	}
	switch c.Persistence.Driver {
	case "", "file", "db":
	default:
		return fmt.Errorf("unknown persistence driver %q", c.Persistence.Driver)
	}
	return nil
}
