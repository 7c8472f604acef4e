package daemon

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigDir(t *testing.T) {
	t.Run("default", func(t *testing.T) {
		t.Setenv(EnvConfigDir, "")

		dir := ConfigDir()
		assert.NotEmpty(t, dir)
		assert.True(t, strings.HasSuffix(dir, ".dedupfs"), "should end with .dedupfs")
	})

	t.Run("override with DEDUPFS_CONFIG_DIR", func(t *testing.T) {
		t.Setenv(EnvConfigDir, "/tmp/test-dedupfs-config")
		assert.Equal(t, "/tmp/test-dedupfs-config", ConfigDir())
		assert.Equal(t, "/tmp/test-dedupfs-config/settings.yaml", SettingsPath())
	})
}

func TestInitConfigDir(t *testing.T) {
	tmpDir := filepath.Join(t.TempDir(), "cfg")
	t.Setenv(EnvConfigDir, tmpDir)

	require.NoError(t, InitConfigDir())
	info, err := os.Stat(tmpDir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	_, err = os.Stat(SettingsPath())
	assert.NoError(t, err, "settings file should be created")

	// An existing settings file is kept.
	require.NoError(t, os.WriteFile(SettingsPath(), []byte("algorithm: blake3\n"), 0600))
	require.NoError(t, InitConfigDir())
	data, err := os.ReadFile(SettingsPath())
	require.NoError(t, err)
	assert.Equal(t, "algorithm: blake3\n", string(data))
}

func TestSettings(t *testing.T) {
	t.Run("defaults from embedded artifact", func(t *testing.T) {
		t.Setenv(EnvConfigDir, t.TempDir())

		settings, err := LoadSettings()
		require.NoError(t, err)

		assert.Equal(t, "sha1", settings.Algorithm)
		assert.Equal(t, "lexical", settings.CanonicalPolicy)
		assert.False(t, settings.HardlinkOnIngest)
		assert.False(t, settings.VerifyContent)
		assert.Equal(t, "info", settings.LogLevelName())
		assert.Equal(t, 0, settings.BusyTimeout)
		assert.Contains(t, settings.Excludes, ".git/")
		assert.Equal(t, filepath.Join(ConfigDir(), "catalog.db"), settings.CatalogPath())
	})

	t.Run("partial file keeps defaults", func(t *testing.T) {
		t.Setenv(EnvConfigDir, t.TempDir())
		require.NoError(t, EnsureConfigDir())
		require.NoError(t, os.WriteFile(SettingsPath(), []byte("hardlink_on_ingest: true\ncatalog: /srv/cat.db\n"), 0600))

		settings, err := LoadSettings()
		require.NoError(t, err)
		assert.True(t, settings.HardlinkOnIngest)
		assert.Equal(t, "/srv/cat.db", settings.CatalogPath())
		assert.Equal(t, "sha1", settings.Algorithm)
	})

	t.Run("save and load", func(t *testing.T) {
		t.Setenv(EnvConfigDir, t.TempDir())

		settings := DefaultSettings()
		settings.Algorithm = "blake3"
		settings.CanonicalPolicy = "oldest"
		settings.BusyTimeout = 5000
		require.NoError(t, SaveSettings(&settings))

		loaded, err := LoadSettings()
		require.NoError(t, err)
		assert.Equal(t, "blake3", loaded.Algorithm)
		assert.Equal(t, "oldest", loaded.CanonicalPolicy)
		assert.Equal(t, 5000, loaded.BusyTimeout)
	})

	t.Run("invalid values are rejected", func(t *testing.T) {
		t.Setenv(EnvConfigDir, t.TempDir())
		require.NoError(t, EnsureConfigDir())

		for _, body := range []string{"algorithm: md5\n", "canonical_policy: newest\n", "log_level: loud\n"} {
			require.NoError(t, os.WriteFile(SettingsPath(), []byte(body), 0600))
			_, err := LoadSettings()
			assert.Error(t, err, body)
		}
	})
}
