package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// Config represents the application configuration
type Config struct {
	Servers []ServerConfig `json:"servers" mapstructure:"servers"`
	Cache   CacheConfig    `json:"cache" mapstructure:"cache"`
	Network NetworkConfig  `json:"network" mapstructure:"network"`
	Logging LoggingConfig  `json:"logging" mapstructure:"logging"`
	Metrics MetricsConfig  `json:"metrics" mapstructure:"metrics"`
}

// ServerConfig identifies one catalog server instance. Index position in the
// Servers slice is the server index used to namespace all persisted state.
type ServerConfig struct {
	Name     string `json:"name" mapstructure:"name"`
	URL      string `json:"url" mapstructure:"url"`
	Username string `json:"username" mapstructure:"username"`
	// CredentialHash is the bcrypt hash of the account password, used for
	// local re-verification of sensitive operations. The password itself is
	// never persisted.
	CredentialHash string `json:"credential_hash" mapstructure:"credential_hash"`
}

// CacheConfig contains media cache settings
type CacheConfig struct {
	Dir                 string `json:"dir" mapstructure:"dir"`
	MaxSizeMB           int    `json:"max_size_mb" mapstructure:"max_size_mb"`
	ConcurrentDownloads int    `json:"concurrent_downloads" mapstructure:"concurrent_downloads"`
	BandwidthLimitKBps  int    `json:"bandwidth_limit_kbps" mapstructure:"bandwidth_limit_kbps"`
}

// NetworkConfig contains network-related settings
type NetworkConfig struct {
	TimeoutSeconds    int     `json:"timeout_seconds" mapstructure:"timeout_seconds"`
	MaxRetries        int     `json:"max_retries" mapstructure:"max_retries"`
	RequestsPerSecond float64 `json:"requests_per_second" mapstructure:"requests_per_second"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level      string `json:"level" mapstructure:"level"`
	Format     string `json:"format" mapstructure:"format"`
	Output     string `json:"output" mapstructure:"output"`
	FilePath   string `json:"file_path" mapstructure:"file_path"`
	MaxSizeMB  int    `json:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `json:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `json:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `json:"compress" mapstructure:"compress"`
}

// MetricsConfig contains the Prometheus listener settings
type MetricsConfig struct {
	Enabled    bool   `json:"enabled" mapstructure:"enabled"`
	ListenAddr string `json:"listen_addr" mapstructure:"listen_addr"`
}

// Load loads configuration from file or creates default
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath == "" {
		configPath = GetDefaultConfigPath()
	}

	v.SetConfigFile(configPath)
	v.SetConfigType("json")

	if err := ensureConfigDir(configPath); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}

	// Read config file if it exists; create it with defaults otherwise
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			if err := v.WriteConfigAs(configPath); err != nil {
				return nil, fmt.Errorf("failed to write default config: %w", err)
			}
		} else if os.IsNotExist(err) {
			if err := v.WriteConfigAs(configPath); err != nil {
				return nil, fmt.Errorf("failed to write default config: %w", err)
			}
		} else {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	// Allow environment variable overrides
	v.AutomaticEnv()
	v.SetEnvPrefix("SUBSTREAM")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Cache.ConcurrentDownloads < 1 {
		return fmt.Errorf("concurrent downloads must be at least 1")
	}

	if c.Cache.ConcurrentDownloads > 8 {
		return fmt.Errorf("concurrent downloads cannot exceed 8")
	}

	if c.Cache.Dir == "" {
		return fmt.Errorf("cache directory cannot be empty")
	}

	if c.Cache.MaxSizeMB < 1 {
		return fmt.Errorf("cache size must be at least 1 MB")
	}

	if c.Cache.BandwidthLimitKBps < 0 {
		return fmt.Errorf("bandwidth limit cannot be negative")
	}

	for i, server := range c.Servers {
		if server.URL == "" {
			return fmt.Errorf("server %d: URL cannot be empty", i)
		}
		if server.Username == "" {
			return fmt.Errorf("server %d: username cannot be empty", i)
		}
	}

	if c.Network.TimeoutSeconds < 1 {
		return fmt.Errorf("network timeout must be at least 1 second")
	}

	if c.Network.MaxRetries < 0 {
		return fmt.Errorf("max retries cannot be negative")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("invalid log format: %s (must be json or console)", c.Logging.Format)
	}

	validOutputs := map[string]bool{"file": true, "console": true, "both": true}
	if !validOutputs[c.Logging.Output] {
		return fmt.Errorf("invalid log output: %s (must be file, console, or both)", c.Logging.Output)
	}

	if c.Logging.MaxSizeMB < 1 {
		return fmt.Errorf("log max size must be at least 1 MB")
	}

	if c.Metrics.Enabled && c.Metrics.ListenAddr == "" {
		return fmt.Errorf("metrics listen address cannot be empty when metrics are enabled")
	}

	return nil
}

// Save saves the configuration to file
func (c *Config) Save(path string) error {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")

	v.Set("servers", c.Servers)
	v.Set("cache", c.Cache)
	v.Set("network", c.Network)
	v.Set("logging", c.Logging)
	v.Set("metrics", c.Metrics)

	return v.WriteConfig()
}

// Reload reloads the configuration from file
func (c *Config) Reload(configPath string) error {
	newConfig, err := Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to reload config: %w", err)
	}

	*c = *newConfig
	return nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Cache defaults
	v.SetDefault("cache.dir", filepath.Join(GetDataDir(), "cache"))
	v.SetDefault("cache.max_size_mb", 4096)
	v.SetDefault("cache.concurrent_downloads", 3)
	v.SetDefault("cache.bandwidth_limit_kbps", 0)

	// Network defaults
	v.SetDefault("network.timeout_seconds", 30)
	v.SetDefault("network.max_retries", 3)
	v.SetDefault("network.requests_per_second", 10.0)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "file")
	v.SetDefault("logging.file_path", filepath.Join(GetDataDir(), "logs", "app.log"))
	v.SetDefault("logging.max_size_mb", 100)
	v.SetDefault("logging.max_backups", 3)
	v.SetDefault("logging.max_age_days", 30)
	v.SetDefault("logging.compress", true)

	// Metrics defaults
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen_addr", "127.0.0.1:9290")
}

// GetDefaultConfigPath returns the default configuration file path
func GetDefaultConfigPath() string {
	return filepath.Join(GetDataDir(), "settings.json")
}

// GetDataDir returns the application data directory
func GetDataDir() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, "substream")
	}
	home := os.Getenv("HOME")
	if home == "" {
		home = "."
	}
	return filepath.Join(home, ".local", "share", "substream")
}

// GetDefaultDBPath returns the default database path
func GetDefaultDBPath() string {
	return filepath.Join(GetDataDir(), "data", "substream.db")
}

// ensureConfigDir ensures the configuration directory exists
func ensureConfigDir(configPath string) error {
	dir := filepath.Dir(configPath)
	return os.MkdirAll(dir, 0755)
}
