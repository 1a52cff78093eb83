package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	t.Setenv(EnvDB, "")
	t.Setenv(EnvLogLevel, "")
	path := writeConfig(t, `
db_path: /tmp/blocks.db
request_timeout: 2s
require_approval: true
protected_branches: [main, release]
log:
  format: json
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/blocks.db", cfg.DBPath)
	assert.Equal(t, 2*time.Second, cfg.RequestTimeout)
	assert.True(t, cfg.RequireApproval)
	assert.Equal(t, []string{"main", "release"}, cfg.ProtectedBranches)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, path, cfg.Source)

	// Untouched keys keep their defaults.
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, 5*time.Second, cfg.AcquireTimeout)
	assert.Equal(t, "main", cfg.DefaultBranch)

	opts := cfg.BranchOptions()
	assert.True(t, opts.RequireApproval)
	assert.Equal(t, 5*time.Second, cfg.StoreOptions().AcquireTimeout)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "db_path: /tmp/file.db\n")
	t.Setenv(EnvDB, "/tmp/env.db")
	t.Setenv(EnvLogLevel, "debug")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/env.db", cfg.DBPath)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoad_MissingFiles(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv(EnvConfig, "")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Empty(t, cfg.Source)

	_, err = Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestLoad_RejectsInvalid(t *testing.T) {
	for name, body := range map[string]string{
		"bad yaml":       "db_path: [",
		"bad branch":     "default_branch: '-x'",
		"bad format":     "log:\n  format: xml\n",
		"negative idle":  "max_idle_per_branch: -1\n",
		"bad protected":  "protected_branches: ['has space']\n",
		"empty database": "db_path: ''\n",
	} {
		t.Run(name, func(t *testing.T) {
			t.Setenv(EnvDB, "")
			_, err := Load(writeConfig(t, body))
			assert.Error(t, err)
		})
	}
}
