package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/keel/pkg/budget"
)

func writeProfile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "profile_"+name+".yaml"), []byte(content), 0o644))
}

func TestLoadProfile(t *testing.T) {
	dir := t.TempDir()
	writeProfile(t, dir, "dev", `
name: dev
limits:
  steps: 100
  llm_tokens: 50000
  cost_micro_usd: 2000000
policies:
  llm_tokens: soft_warn
  cost_usd: approval_required
`)

	p, err := LoadProfile(dir, "dev")
	require.NoError(t, err)
	assert.Equal(t, "dev", p.Name)
	assert.Equal(t, int64(100), p.Limits.Steps)
	assert.Equal(t, int64(50000), p.Limits.LLMTokens)
	assert.Equal(t, int64(2000000), p.Limits.CostMicroUSD)

	policies := p.ResolvedPolicies()
	assert.Equal(t, budget.SoftWarn, policies.LLMTokens)
	assert.Equal(t, budget.ApprovalRequired, policies.Cost)
	// Unmentioned dimensions keep their defaults.
	assert.Equal(t, budget.HardStop, policies.Steps)
}

func TestLoadProfileNameFallsBackToFilename(t *testing.T) {
	dir := t.TempDir()
	writeProfile(t, dir, "ci", `
limits:
  steps: 5
`)
	p, err := LoadProfile(dir, "ci")
	require.NoError(t, err)
	assert.Equal(t, "ci", p.Name)
}

func TestSchemaRejectsBadProfiles(t *testing.T) {
	dir := t.TempDir()

	writeProfile(t, dir, "negative", `
name: negative
limits:
  steps: -1
`)
	_, err := LoadProfile(dir, "negative")
	require.Error(t, err)

	writeProfile(t, dir, "badpolicy", `
name: badpolicy
limits:
  steps: 1
policies:
  steps: explode
`)
	_, err = LoadProfile(dir, "badpolicy")
	require.Error(t, err)

	writeProfile(t, dir, "unknownkey", `
name: unknownkey
limits:
  steps: 1
max_parallelism: 4
`)
	_, err = LoadProfile(dir, "unknownkey")
	require.Error(t, err)
}

func TestLoadAllProfiles(t *testing.T) {
	dir := t.TempDir()
	writeProfile(t, dir, "dev", "name: dev\nlimits:\n  steps: 10\n")
	writeProfile(t, dir, "prod", "name: prod\nlimits:\n  steps: 1000\n")

	all, err := LoadAllProfiles(dir)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, int64(1000), all["prod"].Limits.Steps)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("KEEL_LEDGER_PATH", "/var/lib/keel/chain.db")
	t.Setenv("KEEL_DATABASE_URL", "")
	t.Setenv("LOG_LEVEL", "DEBUG")

	c := Load()
	assert.Equal(t, "/var/lib/keel/chain.db", c.LedgerPath)
	assert.Equal(t, "DEBUG", c.LogLevel)
	assert.Empty(t, c.DatabaseURL)
	assert.Equal(t, "data/artifacts", c.ArtifactDir)
}
