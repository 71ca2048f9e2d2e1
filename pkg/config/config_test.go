package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewReturnsDocumentedDefaults(t *testing.T) {
	cfg := New()
	assert.Equal(t, "localfs", cfg.Storage.Engine)
	assert.Equal(t, 4, cfg.Storage.Concurrency)
	assert.Equal(t, 3012, cfg.WebServer.HTTPPort)
	assert.Equal(t, 500, cfg.Jobs.MaxJobs)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadFromFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := "server:\n  secret_key: abc123\nWebServer:\n  http_port: 4000\n"
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	cfg := New()
	require.NoError(t, loadFromFile(path, cfg))

	assert.Equal(t, "abc123", cfg.Server.SecretKey)
	assert.Equal(t, 4000, cfg.WebServer.HTTPPort)
	// untouched fields keep their defaults
	assert.Equal(t, "localfs", cfg.Storage.Engine)
}

func TestLoadFromFileMissingFileIsNotAnError(t *testing.T) {
	cfg := New()
	err := loadFromFile(filepath.Join(t.TempDir(), "missing.yaml"), cfg)
	require.NoError(t, err)
}

func TestNormalizeFillsZeroedStorageKnobs(t *testing.T) {
	cfg := &Config{}
	cfg.normalize()

	assert.Equal(t, 4, cfg.Storage.Concurrency)
	assert.Equal(t, 50, cfg.Storage.ListPageSize)
	assert.Equal(t, 50, cfg.Storage.HashPageSize)
	assert.NotNil(t, cfg.Jobs.Env)
}

func TestNormalizeReadsSecretKeyFile(t *testing.T) {
	dir := t.TempDir()
	keyFile := filepath.Join(dir, "secret.key")
	require.NoError(t, os.WriteFile(keyFile, []byte("  from-file-key\n"), 0o644))

	cfg := &Config{}
	cfg.Server.SecretKeyFile = keyFile
	cfg.normalize()

	assert.Equal(t, "from-file-key", cfg.Server.SecretKey)
}

func TestNormalizeDoesNotOverrideExplicitSecretKey(t *testing.T) {
	dir := t.TempDir()
	keyFile := filepath.Join(dir, "secret.key")
	require.NoError(t, os.WriteFile(keyFile, []byte("from-file-key"), 0o644))

	cfg := &Config{}
	cfg.Server.SecretKey = "explicit"
	cfg.Server.SecretKeyFile = keyFile
	cfg.normalize()

	assert.Equal(t, "explicit", cfg.Server.SecretKey)
}

func TestValidateRejectsEmptyOrNumericSecretKey(t *testing.T) {
	cfg := New()
	assert.Error(t, cfg.Validate())

	cfg.Server.SecretKey = "1234567890"
	assert.Error(t, cfg.Validate())

	cfg.Server.SecretKey = "a-real-secret"
	assert.NoError(t, cfg.Validate())
}

func TestLoadJSONParsesManifestStyleConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"server":{"secret_key":"jsonsecret"}}`), 0o644))

	cfg, err := LoadJSON(path)
	require.NoError(t, err)
	assert.Equal(t, "jsonsecret", cfg.Server.SecretKey)
	// defaults still apply for untouched sections
	assert.Equal(t, "localfs", cfg.Storage.Engine)
}

func TestLoadFilePopulatesFromYAMLWithoutEnvOverlay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("cluster:\n  hostname: node-a\n"), 0o644))

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "node-a", cfg.Cluster.Hostname)
}
