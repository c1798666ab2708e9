package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_Validates(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 10, cfg.Governor.DBPoolSize)
	assert.Equal(t, 4, cfg.Governor.LLMPermits)
	assert.Equal(t, "wait", cfg.Governor.LLMPolicy)
	assert.Equal(t, 0.7, cfg.Retrieval.SimilarityThreshold)
	assert.Equal(t, 0.8, cfg.Consistency.ConsistencyThreshold)
	assert.Equal(t, 1536, cfg.Embedding.Dimensions)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policyrag.yaml")
	data := []byte(`
governor:
  db_pool_size: 3
  db_acquire_timeout: 250ms
retrieval:
  similarity_threshold: 0.4
consistency:
  max_variants: 5
pipeline:
  total_budget: 2s
`)
	require.NoError(t, os.WriteFile(path, data, 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Governor.DBPoolSize)
	assert.Equal(t, 250*time.Millisecond, cfg.Governor.DBAcquireTimeout.Std())
	assert.Equal(t, 0.4, cfg.Retrieval.SimilarityThreshold)
	assert.Equal(t, 5, cfg.Consistency.MaxVariants)
	assert.Equal(t, 2*time.Second, cfg.Pipeline.TotalBudget.Std())
	// Untouched sections keep defaults.
	assert.Equal(t, 4, cfg.Governor.LLMPermits)
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default().Retrieval, cfg.Retrieval)
}

func TestEnvOverrides(t *testing.T) {
	t.Run("GEMINI_API_KEY fills both providers", func(t *testing.T) {
		t.Setenv("GEMINI_API_KEY", "shared-key")

		cfg := Default()
		cfg.applyEnvOverrides()

		assert.Equal(t, "shared-key", cfg.LLM.APIKey)
		assert.Equal(t, "shared-key", cfg.Embedding.APIKey)
	})

	t.Run("dedicated keys win over shared key", func(t *testing.T) {
		t.Setenv("GEMINI_API_KEY", "shared-key")
		t.Setenv("POLICYRAG_LLM_API_KEY", "llm-key")

		cfg := Default()
		cfg.applyEnvOverrides()

		assert.Equal(t, "llm-key", cfg.LLM.APIKey)
		assert.Equal(t, "shared-key", cfg.Embedding.APIKey)
	})

	t.Run("db path and log level", func(t *testing.T) {
		t.Setenv("POLICYRAG_DB_PATH", "/tmp/alt.db")
		t.Setenv("POLICYRAG_LOG_LEVEL", "debug")

		cfg := Default()
		cfg.applyEnvOverrides()

		assert.Equal(t, "/tmp/alt.db", cfg.Store.Path)
		assert.Equal(t, "debug", cfg.Logging.Level)
	})
}

func TestValidate_Rejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero pool", func(c *Config) { c.Governor.DBPoolSize = 0 }},
		{"zero permits", func(c *Config) { c.Governor.LLMPermits = 0 }},
		{"bad policy", func(c *Config) { c.Governor.LLMPolicy = "drop" }},
		{"threshold above one", func(c *Config) { c.Retrieval.SimilarityThreshold = 1.5 }},
		{"threshold zero", func(c *Config) { c.Retrieval.SimilarityThreshold = 0 }},
		{"negative budget", func(c *Config) { c.Retrieval.TokenBudget = -1 }},
		{"max below min variants", func(c *Config) { c.Consistency.MaxVariants = 1; c.Consistency.MinVariants = 3 }},
		{"zero dimensions", func(c *Config) { c.Embedding.Dimensions = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
