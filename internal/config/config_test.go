package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 6, cfg.Research.DefaultTopK)
	assert.Equal(t, 800, cfg.Research.MaxTokensPerChunk)
	assert.Equal(t, 120, cfg.Research.ChunkOverlap)
	assert.Equal(t, 2, cfg.Research.MaxCardsPerDomain)
	assert.Equal(t, 60*time.Second, cfg.Research.FastDeadline)
	assert.Equal(t, 12, cfg.Fetch.Concurrency)
	assert.Equal(t, 15*time.Second, cfg.Fetch.Timeout)
	assert.Equal(t, 0.6, cfg.Guards.MinAuthorityScore)
	assert.Equal(t, 0.5, cfg.Guards.MinConfidenceScore)
	assert.Equal(t, time.Hour, cfg.Redis.StateTTL)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("RESEARCH_MAX_TOP_K", "12")
	t.Setenv("FETCH_TIMEOUT", "3s")
	t.Setenv("API_AUTH_TOKENS", "secret:alice")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 12, cfg.Research.MaxTopK)
	assert.Equal(t, 3*time.Second, cfg.Fetch.Timeout)
	assert.Equal(t, "alice", cfg.AuthTokens["secret"])
}

func TestLoadDotEnvKeepsExistingEnvironment(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	content := "# comment\nexport DOTENV_TEST_A=one\nDOTENV_TEST_B=\"two\\nlines\"\nDOTENV_TEST_C=three # trailing\nDOTENV_TEST_D='raw\\n'\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	t.Setenv("DOTENV_TEST_A", "preset")
	for _, key := range []string{"DOTENV_TEST_B", "DOTENV_TEST_C", "DOTENV_TEST_D"} {
		key := key
		t.Cleanup(func() { _ = os.Unsetenv(key) })
	}

	loaded, err := LoadDotEnv(path, filepath.Join(dir, "missing.env"))
	require.NoError(t, err)
	assert.Equal(t, []string{path}, loaded)

	assert.Equal(t, "preset", os.Getenv("DOTENV_TEST_A"))
	assert.Equal(t, "two\nlines", os.Getenv("DOTENV_TEST_B"))
	assert.Equal(t, "three", os.Getenv("DOTENV_TEST_C"))
	assert.Equal(t, `raw\n`, os.Getenv("DOTENV_TEST_D"))
}
