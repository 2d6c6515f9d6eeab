package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "test-key")

	cfg, err := Load()

	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "gemini-embedding-001", cfg.EmbeddingModel)
	assert.Equal(t, "gemini-2.5-flash", cfg.JudgeModel)
	assert.Equal(t, 1000, cfg.ChunkSize)
	assert.Equal(t, 200, cfg.ChunkOverlap)
	assert.Equal(t, 5, cfg.RetrievalTopK)
	assert.Equal(t, 60, cfg.GeminiRPM)
	assert.Empty(t, cfg.AllowOrigins)
}

func TestLoadRequiresAPIKey(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "")

	cfg, err := Load()

	require.Error(t, err)
	assert.Nil(t, cfg)
	assert.Contains(t, err.Error(), "GEMINI_API_KEY")
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "test-key")
	t.Setenv("PORT", "9090")
	t.Setenv("RETRIEVAL_TOP_K", "10")
	t.Setenv("ALLOW_ORIGINS", "http://localhost:3000, https://app.example.com")

	cfg, err := Load()

	require.NoError(t, err)
	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, 10, cfg.RetrievalTopK)
	assert.Equal(t, []string{"http://localhost:3000", "https://app.example.com"}, cfg.AllowOrigins)
}

func TestLoadIgnoresUnparsableInts(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "test-key")
	t.Setenv("CHUNK_SIZE", "not-a-number")

	cfg, err := Load()

	require.NoError(t, err)
	assert.Equal(t, 1000, cfg.ChunkSize)
}
