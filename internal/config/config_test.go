package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultValidates(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("STORE_URL", "redis://cache:6379/1")
	t.Setenv("CLUSTER_THRESHOLD_HIGH", "0.8")
	t.Setenv("FIX_AUTO_ITER_MAX", "5")
	t.Setenv("PRODUCT_REPOS", "Notes=acme/notes, sync = acme/sync-service")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "redis://cache:6379/1", cfg.StoreURL)
	assert.Equal(t, 0.8, cfg.ClusterThresholdHigh)
	assert.Equal(t, 5, cfg.FixAutoIterMax)

	repo, ok := cfg.RepoFor("notes")
	require.True(t, ok)
	assert.Equal(t, "acme/notes", repo)

	// Lookup is case-insensitive on the product name.
	repo, ok = cfg.RepoFor("SYNC")
	require.True(t, ok)
	assert.Equal(t, "acme/sync-service", repo)

	_, ok = cfg.RepoFor("unknown")
	assert.False(t, ok)
}

func TestLoadYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "darwin.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
http_addr: ":9000"
cluster_threshold_low: 0.55
product_repos:
  notes: acme/notes
`), 0o600))
	t.Setenv("DARWIN_CONFIG", path)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.HTTPAddr)
	assert.Equal(t, 0.55, cfg.ClusterThresholdLow)
	repo, ok := cfg.RepoFor("Notes")
	require.True(t, ok)
	assert.Equal(t, "acme/notes", repo)
}

func TestValidateRejectsInvertedThresholds(t *testing.T) {
	cfg := Default()
	cfg.ClusterThresholdLow = 0.9
	cfg.ClusterThresholdHigh = 0.7
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsUnknownBackend(t *testing.T) {
	cfg := Default()
	cfg.StoreBackend = "etcd"
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.VectorBackend = "pgvector"
	assert.Error(t, cfg.Validate(), "pgvector requires a DSN")
	cfg.PGVectorDSN = "host=localhost"
	assert.NoError(t, cfg.Validate())
}
