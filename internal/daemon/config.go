package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"dedupfs/internal/artifacts"
	"dedupfs/internal/dedup"
	"dedupfs/internal/hasher"
)

// EnvConfigDir overrides the config directory.
const EnvConfigDir = "DEDUPFS_CONFIG_DIR"

// getConfigDir returns the config directory path.
// Uses DEDUPFS_CONFIG_DIR env var if set, otherwise defaults to ~/.dedupfs.
// This is computed dynamically to support test isolation.
func getConfigDir() string {
	if dir := os.Getenv(EnvConfigDir); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".dedupfs")
}

// ConfigDir returns the configuration directory path
func ConfigDir() string {
	return getConfigDir()
}

// SettingsPath returns the settings file path
func SettingsPath() string {
	return filepath.Join(getConfigDir(), "settings.yaml")
}

// EnsureConfigDir creates the config directory if it doesn't exist
func EnsureConfigDir() error {
	return os.MkdirAll(getConfigDir(), 0700)
}

// InitConfigDir creates the config directory and a default settings file.
// An existing settings file is left alone.
func InitConfigDir() error {
	if err := EnsureConfigDir(); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	settingsPath := SettingsPath()
	if _, err := os.Stat(settingsPath); os.IsNotExist(err) {
		if err := os.WriteFile(settingsPath, artifacts.GlobalSettings, 0600); err != nil {
			return fmt.Errorf("failed to create default settings: %w", err)
		}
	}
	return nil
}

// Settings represents dedupfs settings
type Settings struct {
	Catalog          string   `yaml:"catalog"`            // catalog file, relative to the config dir unless absolute
	Algorithm        string   `yaml:"algorithm"`          // sha1, sha256, blake3
	HardlinkOnIngest bool     `yaml:"hardlink_on_ingest"` // consolidate every ingested file in place
	CanonicalPolicy  string   `yaml:"canonical_policy"`   // lexical, oldest, shortest
	VerifyContent    bool     `yaml:"verify_content"`     // byte-compare before consolidating
	Excludes         []string `yaml:"excludes"`           // gitignore-style patterns
	Gitignore        bool     `yaml:"gitignore"`          // honor .gitignore files
	LogLevel         string   `yaml:"log_level"`          // trace, debug, info, warn, off
	BusyTimeout      int      `yaml:"busy_timeout"`       // SQLite busy_timeout (ms), 0 = use default
	NFSListen        string   `yaml:"nfs_listen"`         // address of the NFS export
}

// DefaultSettings parses the defaults embedded in the binary.
func DefaultSettings() Settings {
	var settings Settings
	if err := yaml.Unmarshal(artifacts.GlobalSettings, &settings); err != nil {
		panic("failed to parse embedded settings: " + err.Error())
	}
	return settings
}

// LoadSettings loads settings from the config dir. Keys missing from the
// file keep their embedded defaults; a missing file yields the defaults.
func LoadSettings() (*Settings, error) {
	return LoadSettingsFromPath(SettingsPath())
}

// LoadSettingsFromPath loads settings from a specific file.
func LoadSettingsFromPath(path string) (*Settings, error) {
	settings := DefaultSettings()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &settings, nil
		}
		return nil, err
	}
	if err := yaml.Unmarshal(data, &settings); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := settings.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &settings, nil
}

// SaveSettings writes settings to the config dir.
func SaveSettings(settings *Settings) error {
	if err := EnsureConfigDir(); err != nil {
		return err
	}
	data, err := yaml.Marshal(settings)
	if err != nil {
		return err
	}
	header := []byte("# dedupfs settings\n# See: dedupfs --help\n\n")
	return os.WriteFile(SettingsPath(), append(header, data...), 0600)
}

// Validate checks the enumerated fields.
func (s *Settings) Validate() error {
	if _, err := hasher.ParseAlgorithm(s.Algorithm); err != nil {
		return err
	}
	if _, err := dedup.ParsePolicy(s.CanonicalPolicy); err != nil {
		return err
	}
	switch s.LogLevelName() {
	case "", "off", "none", "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", s.LogLevel)
	}
	return nil
}

// CatalogPath returns the absolute catalog path.
func (s *Settings) CatalogPath() string {
	path := s.Catalog
	if path == "" {
		path = "catalog.db"
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(getConfigDir(), path)
	}
	return path
}

// LogLevelName returns the normalized (lowercase) logging level.
func (s *Settings) LogLevelName() string {
	return strings.ToLower(strings.TrimSpace(s.LogLevel))
}
