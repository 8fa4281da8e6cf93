package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func withEnv(t *testing.T, kv map[string]string) {
	t.Helper()
	for k, v := range kv {
		t.Setenv(k, v)
	}
}

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	old, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(old) })
	return dir
}

func TestLoadDefaults(t *testing.T) {
	chdirTemp(t)
	cfg, err := Load()
	require.NoError(t, err)

	require.Equal(t, 3, cfg.LLM.MaxRetries)
	require.Equal(t, time.Second, cfg.LLM.RetryDelay)
	require.Equal(t, 2, cfg.Research.MaxTotalDepth)
	require.Equal(t, 350, cfg.Web.MaxQueryLength)
	require.Equal(t, 30000, cfg.Embedding.SparseDimension)
	require.Equal(t, "file", cfg.Vector.Backend)
	require.Equal(t, "memory", cfg.Mission.Backend)
	require.Equal(t, 300*time.Second, cfg.Vector.LockTimeout)
	require.Equal(t, filepath.Join("data", "vector_store"), cfg.Vector.Path)

	// Role table defaults.
	require.Equal(t, TierIntelligent, cfg.TierFor("planning"))
	require.Equal(t, TierFast, cfg.TierFor("messenger"))
	require.Equal(t, TierMid, cfg.TierFor("unknown_role"))
}

func TestLoadEnvOverrides(t *testing.T) {
	chdirTemp(t)
	withEnv(t, map[string]string{
		"MAX_RETRIES":              "7",
		"RETRY_DELAY":              "0.5",
		"MAX_QUERY_LENGTH":         "200",
		"STRUCTURED_RESEARCH_ROUNDS": "4",
		"SKIP_FINAL_REPLANNING":    "true",
		"FAST_LLM_PROVIDER":        "anthropic",
		"FAST_LLM_MODEL":           "claude-3-5-haiku-latest",
		"DATABASE_URL":             "postgres://localhost/meridian",
	})
	cfg, err := Load()
	require.NoError(t, err)

	require.Equal(t, 7, cfg.LLM.MaxRetries)
	require.Equal(t, 500*time.Millisecond, cfg.LLM.RetryDelay)
	require.Equal(t, 200, cfg.Web.MaxQueryLength)
	require.Equal(t, 4, cfg.Research.StructuredResearchRounds)
	require.True(t, cfg.Research.SkipFinalReplanning)
	require.Equal(t, "anthropic", cfg.LLM.Tiers[TierFast].Provider)
	require.Equal(t, "auto", cfg.Mission.Backend)
}

func TestLoadRolesYAML(t *testing.T) {
	dir := chdirTemp(t)
	yml := `
roles:
  planning: {type: verifier, maxTokens: 9000, temperature: 0.2}
  writing: {type: intelligent}
tiers:
  verifier: {provider: openai, model: o4-mini}
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yml), 0o644))

	cfg, err := Load()
	require.NoError(t, err)

	require.Equal(t, TierVerifier, cfg.TierFor("planning"))
	maxTok, temp := cfg.RoleLimits("planning")
	require.Equal(t, 9000, maxTok)
	require.NotNil(t, temp)
	require.InDelta(t, 0.2, *temp, 1e-9)
	require.Equal(t, TierIntelligent, cfg.TierFor("writing"))
	require.Equal(t, "o4-mini", cfg.LLM.Tiers[TierVerifier].Model)
}

func TestValidateRejectsBadBackend(t *testing.T) {
	chdirTemp(t)
	withEnv(t, map[string]string{"VECTOR_BACKEND": "sqlite"})
	_, err := Load()
	require.Error(t, err)
}
