// Package config loads service configuration from YAML with environment
// variable overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all service configuration.
type Config struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	Server    ServerConfig    `yaml:"server"`
	LLM       LLMConfig       `yaml:"llm"`
	Memory    MemoryConfig    `yaml:"memory"`
	Scoring   ScoringConfig   `yaml:"scoring"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Addr            string   `yaml:"addr"`
	AllowedOrigins  []string `yaml:"allowed_origins"`
	RequestTimeout  string   `yaml:"request_timeout"`
	ShutdownTimeout string   `yaml:"shutdown_timeout"`
}

// LLMConfig configures the Gemini gateway.
type LLMConfig struct {
	// Path to a service-account JSON key file.
	CredentialsPath string `yaml:"credentials_path"`
	Model           string `yaml:"model"`
	BaseURL         string `yaml:"base_url"`
	Timeout         string `yaml:"timeout"`
}

// MemoryConfig configures the markdown memory store and its vector index.
type MemoryConfig struct {
	// Directory holding Goals.md, Budget.md, State.md, Behavior.md.
	Dir string `yaml:"dir"`

	// Directory for the SQLite chunk index.
	IndexDir string `yaml:"index_dir"`

	// Observation count at which appends switch to LLM refinement.
	RefinementThreshold int `yaml:"refinement_threshold"`

	// Consolidation triggers.
	ConsolidationSizeBytes    int `yaml:"consolidation_size_bytes"`
	ConsolidationObservations int `yaml:"consolidation_observations"`
}

// ScoringConfig configures the fast-stage Bayesian scorer.
type ScoringConfig struct {
	// Prior probability of an impulse purchase.
	Prior float64 `yaml:"prior"`

	// Weight profile: "behavior_only" or "full_biometric".
	WeightProfile string `yaml:"weight_profile"`

	// Per-feature baseline overrides. Features not listed keep the stock
	// baselines.
	Baselines map[string]BaselineConfig `yaml:"baselines,omitempty"`
}

// BaselineConfig overrides one behavioral feature's baseline statistics.
type BaselineConfig struct {
	Mean float64 `yaml:"mean"`
	Std  float64 `yaml:"std"`
}

// EmbeddingConfig configures the embedding engine.
type EmbeddingConfig struct {
	Provider       string `yaml:"provider"` // "ollama", "genai", or "" (disabled)
	OllamaEndpoint string `yaml:"ollama_endpoint"`
	OllamaModel    string `yaml:"ollama_model"`
	GenAIAPIKey    string `yaml:"genai_api_key"`
	GenAIModel     string `yaml:"genai_model"`
}

// LoggingConfig configures categorized debug logging.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode"`
	Dir        string          `yaml:"dir"`
	Level      string          `yaml:"level"` // debug, info, warn, error
	Categories map[string]bool `yaml:"categories"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "impulseguard",
		Version: "1.0.0",

		Server: ServerConfig{
			Addr:            ":8000",
			AllowedOrigins:  []string{"*"},
			RequestTimeout:  "90s",
			ShutdownTimeout: "10s",
		},

		LLM: LLMConfig{
			Model:   "gemini-2.5-flash",
			BaseURL: "https://generativelanguage.googleapis.com/v1beta",
			Timeout: "60s",
		},

		Memory: MemoryConfig{
			Dir:                       "data/memory",
			IndexDir:                  "data/index",
			RefinementThreshold:       7,
			ConsolidationSizeBytes:    2048,
			ConsolidationObservations: 10,
		},

		Scoring: ScoringConfig{
			Prior:         0.2,
			WeightProfile: "behavior_only",
		},

		Embedding: EmbeddingConfig{
			Provider:       "",
			OllamaEndpoint: "http://localhost:11434",
			OllamaModel:    "embeddinggemma",
			GenAIModel:     "gemini-embedding-001",
		},

		Logging: LoggingConfig{
			DebugMode: false,
			Dir:       "logs",
			Level:     "info",
		},
	}
}

// Load loads configuration from a YAML file. A missing file yields defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("IMPULSEGUARD_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"); v != "" {
		c.LLM.CredentialsPath = v
	}
	if v := os.Getenv("IMPULSEGUARD_MODEL"); v != "" {
		c.LLM.Model = v
	}
	if v := os.Getenv("IMPULSEGUARD_MEMORY_DIR"); v != "" {
		c.Memory.Dir = v
	}
	if v := os.Getenv("IMPULSEGUARD_INDEX_DIR"); v != "" {
		c.Memory.IndexDir = v
	}
	if v := os.Getenv("IMPULSEGUARD_PRIOR"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 && f < 1 {
			c.Scoring.Prior = f
		}
	}
	if v := os.Getenv("GEMINI_API_KEY"); v != "" {
		c.Embedding.GenAIAPIKey = v
	}
	if v := os.Getenv("IMPULSEGUARD_DEBUG"); v != "" {
		c.Logging.DebugMode = v == "1" || v == "true"
	}
}

// GetTimeout returns the per-call LLM timeout as a duration.
func (l LLMConfig) GetTimeout() time.Duration {
	d, err := time.ParseDuration(l.Timeout)
	if err != nil {
		return 60 * time.Second
	}
	return d
}

// GetLLMTimeout returns the LLM timeout as a duration.
func (c *Config) GetLLMTimeout() time.Duration {
	return c.LLM.GetTimeout()
}

// GetRequestTimeout returns the HTTP request timeout as a duration.
func (c *Config) GetRequestTimeout() time.Duration {
	d, err := time.ParseDuration(c.Server.RequestTimeout)
	if err != nil {
		return 90 * time.Second
	}
	return d
}

// GetShutdownTimeout returns the graceful shutdown timeout as a duration.
func (c *Config) GetShutdownTimeout() time.Duration {
	d, err := time.ParseDuration(c.Server.ShutdownTimeout)
	if err != nil {
		return 10 * time.Second
	}
	return d
}

// ValidWeightProfiles lists the supported scoring weight profiles.
var ValidWeightProfiles = []string{"behavior_only", "full_biometric"}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Memory.Dir == "" {
		return fmt.Errorf("memory directory not configured")
	}
	if c.Scoring.Prior <= 0 || c.Scoring.Prior >= 1 {
		return fmt.Errorf("scoring prior must be in (0, 1), got %v", c.Scoring.Prior)
	}

	valid := false
	for _, p := range ValidWeightProfiles {
		if c.Scoring.WeightProfile == p {
			valid = true
			break
		}
	}
	if !valid {
		return fmt.Errorf("invalid weight profile: %s (valid: %v)", c.Scoring.WeightProfile, ValidWeightProfiles)
	}

	if c.Memory.RefinementThreshold <= 0 {
		return fmt.Errorf("refinement threshold must be positive, got %d", c.Memory.RefinementThreshold)
	}
	return nil
}
