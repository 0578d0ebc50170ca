package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Aman-CERP/tamizdat/internal/catalog"
	tzerrors "github.com/Aman-CERP/tamizdat/internal/errors"
	"github.com/Aman-CERP/tamizdat/internal/store"
)

// CurrentVersion is the config schema version written by WriteYAML.
const CurrentVersion = 1

// Config is the complete tamizdat configuration.
type Config struct {
	Version     int               `yaml:"version" json:"version"`
	Paths       PathsConfig       `yaml:"paths" json:"paths"`
	Catalog     CatalogConfig     `yaml:"catalog" json:"catalog"`
	Search      SearchConfig      `yaml:"search" json:"search"`
	Performance PerformanceConfig `yaml:"performance" json:"performance"`
	Server      ServerConfig      `yaml:"server" json:"server"`
	Telemetry   TelemetryConfig   `yaml:"telemetry" json:"telemetry"`
	Watch       WatchConfig       `yaml:"watch" json:"watch"`
}

// PathsConfig locates on-disk state.
type PathsConfig struct {
	// DataDir holds catalog.db, the bleve index and the lock file.
	DataDir string `yaml:"data_dir" json:"data_dir"`
}

// CatalogConfig configures catalog imports.
type CatalogConfig struct {
	Encoding  string `yaml:"encoding" json:"encoding"`
	BatchSize int    `yaml:"batch_size" json:"batch_size"`
}

// SearchConfig configures querying.
//
// Backend selects the card index: "fts5" (SQLite full-text), "bleve", or
// empty to keep whatever the last import used.
type SearchConfig struct {
	Backend    string `yaml:"backend" json:"backend"`
	PerPage    int    `yaml:"per_page" json:"per_page"`
	MaxPerPage int    `yaml:"max_per_page" json:"max_per_page"`
	MaxHits    int    `yaml:"max_hits" json:"max_hits"`
	CacheSize  int    `yaml:"cache_size" json:"cache_size"`
	Timeout    string `yaml:"timeout" json:"timeout"`
}

// PerformanceConfig tunes SQLite.
type PerformanceConfig struct {
	SQLiteCacheMB int `yaml:"sqlite_cache_mb" json:"sqlite_cache_mb"`
}

// ServerConfig configures `tamizdat serve`.
type ServerConfig struct {
	Transport string `yaml:"transport" json:"transport"`
	Addr      string `yaml:"addr" json:"addr"`
	LogLevel  string `yaml:"log_level" json:"log_level"`
}

// TelemetryConfig configures local query telemetry.
type TelemetryConfig struct {
	// Enabled is a pointer so a file can switch telemetry off.
	Enabled       *bool  `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	FlushInterval string `yaml:"flush_interval" json:"flush_interval"`
}

// WatchConfig configures catalog file watching.
type WatchConfig struct {
	Debounce string `yaml:"debounce" json:"debounce"`
}

// NewConfig returns a Config with defaults.
func NewConfig() *Config {
	enabled := true
	return &Config{
		Version: CurrentVersion,
		Paths: PathsConfig{
			DataDir: defaultDataDir(),
		},
		Catalog: CatalogConfig{
			Encoding:  catalog.DefaultEncoding,
			BatchSize: catalog.DefaultBatchSize,
		},
		Search: SearchConfig{
			Backend:    "",
			PerPage:    10,
			MaxPerPage: 100,
			MaxHits:    store.DefaultStoreConfig().MaxHits,
			CacheSize:  256,
			Timeout:    "5s",
		},
		Performance: PerformanceConfig{
			SQLiteCacheMB: store.DefaultStoreConfig().CacheMB,
		},
		Server: ServerConfig{
			Transport: "stdio",
			Addr:      "127.0.0.1:8642",
			LogLevel:  "info",
		},
		Telemetry: TelemetryConfig{
			Enabled:       &enabled,
			FlushInterval: "60s",
		},
		Watch: WatchConfig{
			Debounce: "2s",
		},
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".tamizdat", "data")
	}
	return filepath.Join(home, ".tamizdat", "data")
}

// GetUserConfigPath returns the user configuration file:
//   - $XDG_CONFIG_HOME/tamizdat/config.yaml when XDG_CONFIG_HOME is set
//   - ~/.config/tamizdat/config.yaml otherwise
func GetUserConfigPath() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "tamizdat", "config.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".config", "tamizdat", "config.yaml")
	}
	return filepath.Join(home, ".config", "tamizdat", "config.yaml")
}

// GetUserConfigDir returns the directory holding the user configuration.
func GetUserConfigDir() string {
	return filepath.Dir(GetUserConfigPath())
}

// UserConfigExists reports whether the user configuration file exists.
func UserConfigExists() bool {
	return fileExists(GetUserConfigPath())
}

// Load builds the effective configuration, in increasing precedence:
//  1. defaults
//  2. user config (~/.config/tamizdat/config.yaml)
//  3. explicitPath if set, otherwise .tamizdat.yaml (or .yml) in dir
//  4. TAMIZDAT_* environment variables
func Load(explicitPath, dir string) (*Config, error) {
	cfg := NewConfig()

	if path := GetUserConfigPath(); fileExists(path) {
		if err := cfg.loadYAML(path); err != nil {
			return nil, err
		}
	}

	if explicitPath != "" {
		if !fileExists(explicitPath) {
			return nil, tzerrors.New(tzerrors.ErrCodeConfigNotFound,
				fmt.Sprintf("config file %s not found", explicitPath), nil)
		}
		if err := cfg.loadYAML(explicitPath); err != nil {
			return nil, err
		}
	} else if err := cfg.loadFromDir(dir); err != nil {
		return nil, err
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, tzerrors.ConfigError("invalid configuration", err).
			WithSuggestion("Run 'tamizdat config show' to inspect the effective values")
	}
	return cfg, nil
}

func (c *Config) loadFromDir(dir string) error {
	if dir == "" {
		return nil
	}
	for _, name := range []string{".tamizdat.yaml", ".tamizdat.yml"} {
		if path := filepath.Join(dir, name); fileExists(path) {
			return c.loadYAML(path)
		}
	}
	return nil
}

func (c *Config) loadYAML(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsPermission(err) {
			return tzerrors.New(tzerrors.ErrCodeConfigPermission, "cannot read config file "+path, err)
		}
		return tzerrors.ConfigError("failed to read config file "+path, err)
	}

	var parsed Config
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return tzerrors.ConfigError("failed to parse config file "+path, err)
	}
	c.mergeWith(&parsed)
	return nil
}

// mergeWith copies the non-zero values of other into c.
func (c *Config) mergeWith(other *Config) {
	if other.Version != 0 {
		c.Version = other.Version
	}
	if other.Paths.DataDir != "" {
		c.Paths.DataDir = expandHome(other.Paths.DataDir)
	}

	if other.Catalog.Encoding != "" {
		c.Catalog.Encoding = other.Catalog.Encoding
	}
	if other.Catalog.BatchSize != 0 {
		c.Catalog.BatchSize = other.Catalog.BatchSize
	}

	if other.Search.Backend != "" {
		c.Search.Backend = other.Search.Backend
	}
	if other.Search.PerPage != 0 {
		c.Search.PerPage = other.Search.PerPage
	}
	if other.Search.MaxPerPage != 0 {
		c.Search.MaxPerPage = other.Search.MaxPerPage
	}
	if other.Search.MaxHits != 0 {
		c.Search.MaxHits = other.Search.MaxHits
	}
	if other.Search.CacheSize != 0 {
		c.Search.CacheSize = other.Search.CacheSize
	}
	if other.Search.Timeout != "" {
		c.Search.Timeout = other.Search.Timeout
	}

	if other.Performance.SQLiteCacheMB != 0 {
		c.Performance.SQLiteCacheMB = other.Performance.SQLiteCacheMB
	}

	if other.Server.Transport != "" {
		c.Server.Transport = other.Server.Transport
	}
	if other.Server.Addr != "" {
		c.Server.Addr = other.Server.Addr
	}
	if other.Server.LogLevel != "" {
		c.Server.LogLevel = other.Server.LogLevel
	}

	if other.Telemetry.Enabled != nil {
		v := *other.Telemetry.Enabled
		c.Telemetry.Enabled = &v
	}
	if other.Telemetry.FlushInterval != "" {
		c.Telemetry.FlushInterval = other.Telemetry.FlushInterval
	}

	if other.Watch.Debounce != "" {
		c.Watch.Debounce = other.Watch.Debounce
	}
}

// applyEnvOverrides applies TAMIZDAT_* variables. Unparseable numbers are
// ignored.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("TAMIZDAT_DATA_DIR"); v != "" {
		c.Paths.DataDir = expandHome(v)
	}
	if v := os.Getenv("TAMIZDAT_BACKEND"); v != "" {
		c.Search.Backend = v
	}
	if v := os.Getenv("TAMIZDAT_ENCODING"); v != "" {
		c.Catalog.Encoding = v
	}
	if v := os.Getenv("TAMIZDAT_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Catalog.BatchSize = n
		}
	}
	if v := os.Getenv("TAMIZDAT_PER_PAGE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Search.PerPage = n
		}
	}
	if v := os.Getenv("TAMIZDAT_LOG_LEVEL"); v != "" {
		c.Server.LogLevel = v
	}
	if v := os.Getenv("TAMIZDAT_TRANSPORT"); v != "" {
		c.Server.Transport = v
	}
	if v := os.Getenv("TAMIZDAT_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("TAMIZDAT_TELEMETRY"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Telemetry.Enabled = &b
		}
	}
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// Validate reports the first invalid value.
func (c *Config) Validate() error {
	if c.Paths.DataDir == "" {
		return fmt.Errorf("paths.data_dir must not be empty")
	}
	if !catalog.IsSupportedEncoding(c.Catalog.Encoding) {
		return fmt.Errorf("catalog.encoding must be one of %s, got %q",
			strings.Join(catalog.SupportedEncodings(), ", "), c.Catalog.Encoding)
	}
	if c.Catalog.BatchSize < 1 {
		return fmt.Errorf("catalog.batch_size must be positive, got %d", c.Catalog.BatchSize)
	}

	if _, err := store.ParseIndexBackend(c.Search.Backend); err != nil {
		return fmt.Errorf("search.backend: %w", err)
	}
	if c.Search.PerPage < 1 {
		return fmt.Errorf("search.per_page must be positive, got %d", c.Search.PerPage)
	}
	if c.Search.MaxPerPage < c.Search.PerPage {
		return fmt.Errorf("search.max_per_page (%d) must be at least search.per_page (%d)",
			c.Search.MaxPerPage, c.Search.PerPage)
	}
	if c.Search.MaxHits < 1 {
		return fmt.Errorf("search.max_hits must be positive, got %d", c.Search.MaxHits)
	}
	if c.Search.CacheSize < 0 {
		return fmt.Errorf("search.cache_size must be non-negative, got %d", c.Search.CacheSize)
	}
	if c.Performance.SQLiteCacheMB < 0 {
		return fmt.Errorf("performance.sqlite_cache_mb must be non-negative, got %d", c.Performance.SQLiteCacheMB)
	}

	durations := map[string]string{
		"search.timeout":           c.Search.Timeout,
		"telemetry.flush_interval": c.Telemetry.FlushInterval,
		"watch.debounce":           c.Watch.Debounce,
	}
	for name, v := range durations {
		if d, err := time.ParseDuration(v); err != nil || d < 0 {
			return fmt.Errorf("%s must be a non-negative duration, got %q", name, v)
		}
	}

	validTransports := map[string]bool{"stdio": true, "http": true}
	if !validTransports[strings.ToLower(c.Server.Transport)] {
		return fmt.Errorf("server.transport must be 'stdio' or 'http', got %s", c.Server.Transport)
	}
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Server.LogLevel)] {
		return fmt.Errorf("server.log_level must be 'debug', 'info', 'warn', or 'error', got %s", c.Server.LogLevel)
	}
	return nil
}

// TelemetryEnabled reports whether query telemetry is on.
func (c *Config) TelemetryEnabled() bool {
	return c.Telemetry.Enabled == nil || *c.Telemetry.Enabled
}

// SearchTimeout returns search.timeout. Validate guarantees it parses.
func (c *Config) SearchTimeout() time.Duration {
	d, _ := time.ParseDuration(c.Search.Timeout)
	return d
}

// FlushInterval returns telemetry.flush_interval.
func (c *Config) FlushInterval() time.Duration {
	d, _ := time.ParseDuration(c.Telemetry.FlushInterval)
	return d
}

// WatchDebounce returns watch.debounce.
func (c *Config) WatchDebounce() time.Duration {
	d, _ := time.ParseDuration(c.Watch.Debounce)
	return d
}

// StoreConfig maps the config onto catalog store settings.
func (c *Config) StoreConfig() store.StoreConfig {
	backend, _ := store.ParseIndexBackend(c.Search.Backend)
	return store.StoreConfig{
		Backend: backend,
		MaxHits: c.Search.MaxHits,
		CacheMB: c.Performance.SQLiteCacheMB,
	}
}

// WriteYAML writes the configuration to path, creating its directory.
func (c *Config) WriteYAML(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
