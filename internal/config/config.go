// Package config provides configuration loading and management.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the opspilot configuration.
type Config struct {
	Session   SessionConfig   `toml:"session"`
	LLM       LLMConfig       `toml:"llm"`       // Reasoning model settings
	Engine    EngineConfig    `toml:"engine"`    // Step execution policy
	Revision  RevisionConfig  `toml:"revision"`  // Feedback classification thresholds
	Broadcast BroadcastConfig `toml:"broadcast"` // Progress event fan-out
	Record    RecordConfig    `toml:"record"`    // External read model
	Storage   StorageConfig   `toml:"storage"`   // Persistent storage settings
	Telemetry TelemetryConfig `toml:"telemetry"`
}

// SessionConfig contains session identification settings.
type SessionConfig struct {
	ID        string `toml:"id"`
	Workspace string `toml:"workspace"`
}

// LLMConfig contains reasoning model settings. When Model is empty the
// analyzer and planner run on heuristics alone.
type LLMConfig struct {
	Provider  string `toml:"provider"`
	Model     string `toml:"model"`
	APIKeyEnv string `toml:"api_key_env"`
	MaxTokens int    `toml:"max_tokens"`
	BaseURL   string `toml:"base_url"` // Custom API endpoint (OpenRouter, LiteLLM, Ollama)
	Timeout   string `toml:"timeout"`  // Per-call budget (default "30s")
}

// EngineConfig contains step execution policy.
type EngineConfig struct {
	StepTimeout        string            `toml:"step_timeout"`        // default "60s"
	CapabilityTimeouts map[string]string `toml:"capability_timeouts"` // per-capability overrides
	MaxAttempts        int               `toml:"max_attempts"`        // total attempts per step (default 3)
	RetryBackoff       string            `toml:"retry_backoff"`       // initial backoff, doubled per retry (default "2s")
	CheckpointRetries  int               `toml:"checkpoint_retries"`  // extra checkpoint write attempts (default 2)
}

// RevisionConfig contains feedback classification thresholds.
type RevisionConfig struct {
	ConfidenceFloor float64 `toml:"confidence_floor"` // below this the whole plan reruns (default 0.4)
	TargetThreshold float64 `toml:"target_threshold"` // per-step score needed to target it (default 0.3)
	VocabularyPath  string  `toml:"vocabulary_path"`  // optional YAML extending capability vocabulary
}

// BroadcastConfig contains progress fan-out settings.
type BroadcastConfig struct {
	BufferSize int        `toml:"buffer_size"` // replay buffer per plan (default 256)
	NATS       NATSConfig `toml:"nats"`
}

// NATSConfig mirrors progress events onto a NATS subject per plan.
type NATSConfig struct {
	Enabled bool   `toml:"enabled"`
	URL     string `toml:"url"` // default nats://127.0.0.1:4222
}

// RecordConfig selects the external read model backend.
type RecordConfig struct {
	Backend string `toml:"backend"` // "file" (JSONL, default), "sqlite", or "none"
	Path    string `toml:"path"`    // directory for file backend, db file for sqlite
}

// StorageConfig contains persistent storage settings.
type StorageConfig struct {
	Path string `toml:"path"` // Base directory for checkpoints and records
}

// TelemetryConfig contains telemetry settings.
type TelemetryConfig struct {
	Enabled  bool   `toml:"enabled"`
	Endpoint string `toml:"endpoint"` // OTLP endpoint (e.g., localhost:4317)
	Protocol string `toml:"protocol"` // grpc (default) or http
}

// New creates a new config with defaults.
func New() *Config {
	return &Config{
		LLM: LLMConfig{
			MaxTokens: 4096,
			Timeout:   "30s",
		},
		Engine: EngineConfig{
			StepTimeout:       "60s",
			MaxAttempts:       3,
			RetryBackoff:      "2s",
			CheckpointRetries: 2,
		},
		Revision: RevisionConfig{
			ConfidenceFloor: 0.4,
			TargetThreshold: 0.3,
		},
		Broadcast: BroadcastConfig{
			BufferSize: 256,
			NATS: NATSConfig{
				URL: "nats://127.0.0.1:4222",
			},
		},
		Record: RecordConfig{
			Backend: "file",
		},
		Storage: StorageConfig{
			Path: "~/.local/opspilot",
		},
		Telemetry: TelemetryConfig{
			Protocol: "noop",
		},
	}
}

// Default returns a default configuration.
func Default() *Config {
	return New()
}

// LoadFile loads configuration from a TOML file.
func LoadFile(path string) (*Config, error) {
	cfg := New()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

// LoadDefault loads configuration from opspilot.toml in the current directory.
func LoadDefault() (*Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("failed to get current directory: %w", err)
	}

	return LoadFile(filepath.Join(cwd, "opspilot.toml"))
}

// GetAPIKey returns the API key from the configured environment variable.
// If api_key_env is not set, uses the default env var for the provider.
func (c *Config) GetAPIKey() string {
	envVar := c.LLM.APIKeyEnv
	if envVar == "" {
		envVar = DefaultAPIKeyEnv(c.LLM.Provider)
	}
	if envVar == "" {
		return ""
	}
	return os.Getenv(envVar)
}

// DefaultAPIKeyEnv returns the default environment variable name for a provider.
func DefaultAPIKeyEnv(provider string) string {
	switch provider {
	case "anthropic":
		return "ANTHROPIC_API_KEY"
	case "openai":
		return "OPENAI_API_KEY"
	case "google":
		return "GOOGLE_API_KEY"
	case "mistral":
		return "MISTRAL_API_KEY"
	case "groq":
		return "GROQ_API_KEY"
	default:
		return ""
	}
}

// StoragePath expands the configured base directory, resolving a leading ~.
func (c *Config) StoragePath() (string, error) {
	path := c.Storage.Path
	if len(path) >= 2 && path[:2] == "~/" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to resolve home directory: %w", err)
		}
		path = filepath.Join(home, path[2:])
	}
	return path, nil
}

// Duration parses a duration field, falling back when empty or invalid.
func Duration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
