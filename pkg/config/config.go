// Package config loads process configuration from the environment and
// budget profiles from YAML files validated against a JSON schema.
package config

import (
	"context"
	"os"

	"github.com/Mindburn-Labs/keel/pkg/chain"
)

// Config holds process configuration.
type Config struct {
	// DatabaseURL selects the Postgres backend when set; otherwise the
	// ledger lives in a local SQLite file at LedgerPath.
	DatabaseURL string
	LedgerPath  string
	ArtifactDir string
	ProfileDir  string
	LogLevel    string
}

// Load loads configuration from environment variables.
func Load() *Config {
	ledgerPath := os.Getenv("KEEL_LEDGER_PATH")
	if ledgerPath == "" {
		ledgerPath = "data/chain.db"
	}

	artifactDir := os.Getenv("KEEL_ARTIFACT_DIR")
	if artifactDir == "" {
		artifactDir = "data/artifacts"
	}

	profileDir := os.Getenv("KEEL_PROFILE_DIR")
	if profileDir == "" {
		profileDir = "profiles"
	}

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "INFO"
	}

	return &Config{
		DatabaseURL: os.Getenv("KEEL_DATABASE_URL"),
		LedgerPath:  ledgerPath,
		ArtifactDir: artifactDir,
		ProfileDir:  profileDir,
		LogLevel:    logLevel,
	}
}

// OpenStore opens the configured ledger backend.
func (c *Config) OpenStore(ctx context.Context) (*chain.Store, error) {
	if c.DatabaseURL != "" {
		return chain.OpenPostgres(ctx, c.DatabaseURL)
	}
	return chain.OpenSQLite(ctx, c.LedgerPath)
}
