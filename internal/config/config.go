// Package config loads opsagent's YAML configuration with environment overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigPath is relative to the working directory.
const DefaultConfigPath = ".opsagent/config.yaml"

// Config holds all opsagent configuration.
type Config struct {
	Name string `yaml:"name"`

	Reasoning  ReasoningConfig  `yaml:"reasoning"`
	Retrieval  RetrievalConfig  `yaml:"retrieval"`
	Tickets    TicketsConfig    `yaml:"tickets"`
	Guardrails GuardrailsConfig `yaml:"guardrails"`
	Audit      AuditConfig      `yaml:"audit"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// ReasoningConfig configures the engine consulted for delegated requests.
type ReasoningConfig struct {
	// Provider is "auto", "openai" or "offline". Auto picks openai when an
	// API key is present.
	Provider    string  `yaml:"provider"`
	APIKey      string  `yaml:"api_key,omitempty"`
	Model       string  `yaml:"model"`
	BaseURL     string  `yaml:"base_url,omitempty"`
	Timeout     string  `yaml:"timeout"`
	MaxSteps    int     `yaml:"max_steps"`
	Temperature float32 `yaml:"temperature"`
}

// RetrievalConfig configures the incident knowledge base.
type RetrievalConfig struct {
	CorpusDir    string `yaml:"corpus_dir"`
	IndexPath    string `yaml:"index_path"`
	Embedder     string `yaml:"embedder"` // hash, openai, genai, ollama
	Model        string `yaml:"model,omitempty"`
	GenAIAPIKey  string `yaml:"genai_api_key,omitempty"`
	OllamaURL    string `yaml:"ollama_url,omitempty"`
	TopK         int    `yaml:"top_k"`
	ChunkSize    int    `yaml:"chunk_size"`
	ChunkOverlap int    `yaml:"chunk_overlap"`
	Workers      int    `yaml:"workers"`
	Timeout      string `yaml:"timeout"`
}

// TicketsConfig selects and tunes the ticket storage adapter.
type TicketsConfig struct {
	Backend      string `yaml:"backend"` // file or sqlite
	Path         string `yaml:"path,omitempty"`
	Retries      int    `yaml:"retries"`
	RetryBackoff string `yaml:"retry_backoff"`
}

// GuardrailsConfig points at an optional external rules file.
type GuardrailsConfig struct {
	RulesPath string `yaml:"rules_path,omitempty"`
	Watch     bool   `yaml:"watch"`
}

// AuditConfig configures the audit event mirror.
type AuditConfig struct {
	LogFile string `yaml:"log_file,omitempty"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Name: "opsagent",
		Reasoning: ReasoningConfig{
			Provider:    "auto",
			Model:       "gpt-4o-mini",
			Timeout:     "30s",
			MaxSteps:    6,
			Temperature: 0,
		},
		Retrieval: RetrievalConfig{
			CorpusDir:    "data",
			IndexPath:    ".opsagent/index.db",
			Embedder:     "hash",
			TopK:         4,
			ChunkSize:    1000,
			ChunkOverlap: 200,
			Workers:      4,
			Timeout:      "20s",
		},
		Tickets: TicketsConfig{
			Backend:      "file",
			Retries:      3,
			RetryBackoff: "100ms",
		},
		Logging: DefaultLoggingConfig(),
	}
}

// Load loads configuration from a YAML file. A missing file yields defaults.
// Environment overrides apply in both cases.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
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

func (c *Config) applyEnvOverrides() {
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		c.Reasoning.APIKey = key
	}
	if model := os.Getenv("OPENAI_MODEL"); model != "" {
		c.Reasoning.Model = model
	}
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		c.Retrieval.GenAIAPIKey = key
	}
	if path := os.Getenv("OPS_LOG_FILE"); path != "" {
		c.Audit.LogFile = path
	}
	if backend := os.Getenv("OPS_TICKET_BACKEND"); backend != "" {
		c.Tickets.Backend = backend
	}
	if path := os.Getenv("OPS_TICKET_STORE"); path != "" {
		c.Tickets.Path = path
	}
	if dir := os.Getenv("OPS_CORPUS_DIR"); dir != "" {
		c.Retrieval.CorpusDir = dir
	}
	if path := os.Getenv("OPS_GUARDRAIL_RULES"); path != "" {
		c.Guardrails.RulesPath = path
	}
}

// ReasoningProvider resolves "auto" to a concrete provider.
func (c *Config) ReasoningProvider() string {
	switch c.Reasoning.Provider {
	case "", "auto":
		if c.Reasoning.APIKey != "" {
			return "openai"
		}
		return "offline"
	default:
		return c.Reasoning.Provider
	}
}

// TicketStorePath returns the configured store path or a backend-specific default.
func (c *Config) TicketStorePath() string {
	if c.Tickets.Path != "" {
		return c.Tickets.Path
	}
	if c.Tickets.Backend == "sqlite" {
		return ".opsagent/tickets.db"
	}
	return ".opsagent/tickets.json"
}

// Secrets lists configured credential values that must never appear in a response.
func (c *Config) Secrets() []string {
	var out []string
	for _, s := range []string{c.Reasoning.APIKey, c.Retrieval.GenAIAPIKey} {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// GetReasoningTimeout returns the reasoning engine timeout as a Duration.
func (c *Config) GetReasoningTimeout() time.Duration {
	return parseDuration(c.Reasoning.Timeout, 30*time.Second)
}

// GetRetrievalTimeout returns the retrieval timeout as a Duration.
func (c *Config) GetRetrievalTimeout() time.Duration {
	return parseDuration(c.Retrieval.Timeout, 20*time.Second)
}

// GetRetryBackoff returns the ticket adapter retry backoff step.
func (c *Config) GetRetryBackoff() time.Duration {
	return parseDuration(c.Tickets.RetryBackoff, 100*time.Millisecond)
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	switch c.Reasoning.Provider {
	case "", "auto", "openai", "offline":
	default:
		return fmt.Errorf("unsupported reasoning provider: %s", c.Reasoning.Provider)
	}
	if c.ReasoningProvider() == "openai" && c.Reasoning.APIKey == "" {
		return fmt.Errorf("reasoning provider openai requires an API key (set OPENAI_API_KEY)")
	}
	if c.Reasoning.MaxSteps <= 0 {
		return fmt.Errorf("reasoning.max_steps must be positive")
	}

	switch c.Retrieval.Embedder {
	case "hash", "openai", "genai", "ollama":
	default:
		return fmt.Errorf("unsupported embedder: %s", c.Retrieval.Embedder)
	}
	if c.Retrieval.TopK <= 0 {
		return fmt.Errorf("retrieval.top_k must be positive")
	}
	if c.Retrieval.ChunkSize <= 0 || c.Retrieval.ChunkOverlap < 0 || c.Retrieval.ChunkOverlap >= c.Retrieval.ChunkSize {
		return fmt.Errorf("retrieval chunk_overlap must be in [0, chunk_size)")
	}

	if c.Retrieval.Embedder == "openai" && c.Reasoning.APIKey == "" {
		return fmt.Errorf("embedder openai requires an API key (set OPENAI_API_KEY)")
	}
	if c.Retrieval.Embedder == "genai" && c.Retrieval.GenAIAPIKey == "" {
		return fmt.Errorf("embedder genai requires an API key (set GEMINI_API_KEY)")
	}

	switch c.Tickets.Backend {
	case "file", "sqlite":
	default:
		return fmt.Errorf("unsupported ticket backend: %s", c.Tickets.Backend)
	}
	if c.Tickets.Retries < 1 {
		return fmt.Errorf("tickets.retries must be at least 1")
	}

	return c.Logging.Validate()
}
