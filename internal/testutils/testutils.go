package testutils

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/joho/godotenv"
	"github.com/nfrund/hookscript/internal/config"
	"github.com/nfrund/hookscript/internal/logging"
)

// ConfigForTests applies the project's .env.test, when there is one, and
// returns the parsed config.
func ConfigForTests(t *testing.T) *config.Config {
	t.Helper()

	// Find project root by looking for go.mod to reliably locate .env.test
	path, _ := os.Getwd()
	for {
		if _, err := os.Stat(filepath.Join(path, "go.mod")); err == nil {
			break
		}
		if path == filepath.Dir(path) {
			t.Fatalf("could not find project root with go.mod")
		}
		path = filepath.Dir(path)
	}

	env, err := godotenv.Read(filepath.Join(path, ".env.test"))
	if err != nil && !os.IsNotExist(err) {
		t.Fatalf("failed to load .env.test file: %v", err)
	}
	for key, value := range env {
		t.Setenv(key, value)
	}

	cfg, err := config.FromEnv()
	if err != nil {
		t.Fatalf("invalid test config: %v", err)
	}
	logging.New(cfg.LogFormat, cfg.LogLevel)
	return cfg
}

// SurrealConfig is ConfigForTests for tests that need a live SurrealDB. The
// test is skipped when SURREAL_URL is not set.
func SurrealConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := ConfigForTests(t)
	if cfg.DBUrl == "" {
		t.Skip("SURREAL_URL not configured")
	}
	return cfg
}
