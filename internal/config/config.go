// Package config holds all policyrag configuration.
// Configuration is loaded from a YAML file, then overridden by
// environment variables. Retrieval and consistency thresholds are
// deliberately configuration, not constants: they are tuned
// empirically per corpus.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values like "2s" parse directly.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	td, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(td)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config holds all policyrag configuration.
type Config struct {
	LLM         LLMConfig         `yaml:"llm"`
	Embedding   EmbeddingConfig   `yaml:"embedding"`
	Governor    GovernorConfig    `yaml:"governor"`
	Retrieval   RetrievalConfig   `yaml:"retrieval"`
	Consistency ConsistencyConfig `yaml:"consistency"`
	Pipeline    PipelineConfig    `yaml:"pipeline"`
	Store       StoreConfig       `yaml:"store"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// LLMConfig configures the generation provider.
type LLMConfig struct {
	APIKey  string   `yaml:"api_key"`
	Model   string   `yaml:"model"`
	BaseURL string   `yaml:"base_url"`
	Timeout Duration `yaml:"timeout"`
}

// EmbeddingConfig configures the embedding provider.
type EmbeddingConfig struct {
	APIKey     string `yaml:"api_key"`
	Model      string `yaml:"model"`
	Dimensions int    `yaml:"dimensions"`
}

// BreakerConfig configures a per-dependency circuit breaker.
type BreakerConfig struct {
	FailureThreshold int      `yaml:"failure_threshold"` // consecutive failures before opening
	Window           Duration `yaml:"window"`            // failure-counting window
	Cooldown         Duration `yaml:"cooldown"`          // open duration before half-open
	HalfOpenProbes   int      `yaml:"half_open_probes"`  // trial calls admitted while half-open
}

// GovernorConfig bounds the two scarce resources: DB connections and
// in-flight LLM/API calls.
type GovernorConfig struct {
	DBPoolSize        int           `yaml:"db_pool_size"`
	DBAcquireTimeout  Duration      `yaml:"db_acquire_timeout"`
	LLMPermits        int           `yaml:"llm_permits"`
	LLMAcquireTimeout Duration      `yaml:"llm_acquire_timeout"`
	LLMPolicy         string        `yaml:"llm_policy"` // "wait" or "reject"
	Breaker           BreakerConfig `yaml:"breaker"`
}

// RetrievalConfig holds per-request retrieval defaults.
type RetrievalConfig struct {
	SimilarityThreshold float64  `yaml:"similarity_threshold"`
	MaxChunks           int      `yaml:"max_chunks"`
	TokenBudget         int      `yaml:"token_budget"`
	CacheSize           int      `yaml:"cache_size"`
	CacheTTL            Duration `yaml:"cache_ttl"`
}

// ConsistencyConfig tunes the self-consistency engine.
type ConsistencyConfig struct {
	MinVariants          int     `yaml:"min_variants"`
	MaxVariants          int     `yaml:"max_variants"`
	ConsistencyThreshold float64 `yaml:"consistency_threshold"`
	Parallelism          int     `yaml:"parallelism"`
}

// PipelineConfig owns stage timeouts and the total request budget.
type PipelineConfig struct {
	TotalBudget       Duration `yaml:"total_budget"`
	ReframeTimeout    Duration `yaml:"reframe_timeout"`
	EmbedTimeout      Duration `yaml:"embed_timeout"`
	RetrieveTimeout   Duration `yaml:"retrieve_timeout"`
	GenerateTimeout   Duration `yaml:"generate_timeout"`
	EnableWebFallback bool     `yaml:"enable_web_fallback"`
}

// StoreConfig locates the chunk store.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// LoggingConfig controls log verbosity.
type LoggingConfig struct {
	DebugMode bool   `yaml:"debug_mode"`
	Level     string `yaml:"level"`
}

// Default returns production defaults.
func Default() *Config {
	return &Config{
		LLM: LLMConfig{
			Model:   "gemini-2.5-flash",
			BaseURL: "https://generativelanguage.googleapis.com/v1beta",
			Timeout: Duration(30 * time.Second),
		},
		Embedding: EmbeddingConfig{
			Model:      "gemini-embedding-001",
			Dimensions: 1536,
		},
		Governor: GovernorConfig{
			DBPoolSize:        10,
			DBAcquireTimeout:  Duration(2 * time.Second),
			LLMPermits:        4,
			LLMAcquireTimeout: Duration(5 * time.Second),
			LLMPolicy:         "wait",
			Breaker: BreakerConfig{
				FailureThreshold: 5,
				Window:           Duration(30 * time.Second),
				Cooldown:         Duration(15 * time.Second),
				HalfOpenProbes:   2,
			},
		},
		Retrieval: RetrievalConfig{
			SimilarityThreshold: 0.7,
			MaxChunks:           8,
			TokenBudget:         3000,
			CacheSize:           256,
			CacheTTL:            Duration(30 * time.Second),
		},
		Consistency: ConsistencyConfig{
			MinVariants:          2,
			MaxVariants:          4,
			ConsistencyThreshold: 0.8,
			Parallelism:          2,
		},
		Pipeline: PipelineConfig{
			TotalBudget:     Duration(20 * time.Second),
			ReframeTimeout:  Duration(3 * time.Second),
			EmbedTimeout:    Duration(3 * time.Second),
			RetrieveTimeout: Duration(2 * time.Second),
			GenerateTimeout: Duration(15 * time.Second),
		},
		Store: StoreConfig{
			Path: "policyrag.db",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads the config file at path (if present), applies env
// overrides, and validates the result. A missing file is not an
// error: defaults plus env are used.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides applies environment variables on top of file values.
// GEMINI_API_KEY serves both providers unless a dedicated key is set.
func (c *Config) applyEnvOverrides() {
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		if c.LLM.APIKey == "" {
			c.LLM.APIKey = key
		}
		if c.Embedding.APIKey == "" {
			c.Embedding.APIKey = key
		}
	}
	if key := os.Getenv("POLICYRAG_LLM_API_KEY"); key != "" {
		c.LLM.APIKey = key
	}
	if key := os.Getenv("POLICYRAG_EMBEDDING_API_KEY"); key != "" {
		c.Embedding.APIKey = key
	}
	if path := os.Getenv("POLICYRAG_DB_PATH"); path != "" {
		c.Store.Path = path
	}
	if level := os.Getenv("POLICYRAG_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if os.Getenv("POLICYRAG_DEBUG") == "1" {
		c.Logging.DebugMode = true
	}
}

// Validate rejects configurations the core cannot safely run with.
func (c *Config) Validate() error {
	if c.Governor.DBPoolSize <= 0 {
		return fmt.Errorf("governor.db_pool_size must be positive, got %d", c.Governor.DBPoolSize)
	}
	if c.Governor.LLMPermits <= 0 {
		return fmt.Errorf("governor.llm_permits must be positive, got %d", c.Governor.LLMPermits)
	}
	switch c.Governor.LLMPolicy {
	case "wait", "reject":
	default:
		return fmt.Errorf("governor.llm_policy must be \"wait\" or \"reject\", got %q", c.Governor.LLMPolicy)
	}
	if t := c.Retrieval.SimilarityThreshold; t <= 0 || t > 1 {
		return fmt.Errorf("retrieval.similarity_threshold must be in (0,1], got %v", t)
	}
	if c.Retrieval.MaxChunks <= 0 {
		return fmt.Errorf("retrieval.max_chunks must be positive, got %d", c.Retrieval.MaxChunks)
	}
	if c.Retrieval.TokenBudget <= 0 {
		return fmt.Errorf("retrieval.token_budget must be positive, got %d", c.Retrieval.TokenBudget)
	}
	if c.Consistency.MinVariants < 1 {
		return fmt.Errorf("consistency.min_variants must be at least 1, got %d", c.Consistency.MinVariants)
	}
	if c.Consistency.MaxVariants < c.Consistency.MinVariants {
		return fmt.Errorf("consistency.max_variants (%d) must be >= min_variants (%d)",
			c.Consistency.MaxVariants, c.Consistency.MinVariants)
	}
	if t := c.Consistency.ConsistencyThreshold; t < 0 || t > 1 {
		return fmt.Errorf("consistency.consistency_threshold must be in [0,1], got %v", t)
	}
	if c.Consistency.Parallelism < 1 {
		return fmt.Errorf("consistency.parallelism must be at least 1, got %d", c.Consistency.Parallelism)
	}
	if c.Embedding.Dimensions <= 0 {
		return fmt.Errorf("embedding.dimensions must be positive, got %d", c.Embedding.Dimensions)
	}
	if c.Pipeline.TotalBudget.Std() <= 0 {
		return fmt.Errorf("pipeline.total_budget must be positive, got %v", c.Pipeline.TotalBudget.Std())
	}
	return nil
}
