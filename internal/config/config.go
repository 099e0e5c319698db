package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"
)

const envPrefix = "RSSREADER"

type Config struct {
	Database DatabaseConfig `mapstructure:"database"`
	Feed     FeedConfig     `mapstructure:"feed"`
	Log      LogConfig      `mapstructure:"log"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
}

type DatabaseConfig struct {
	// Driver is one of bolt, sqlite or postgres.
	Driver  string        `mapstructure:"driver"`
	Path    string        `mapstructure:"path"`
	DSN     string        `mapstructure:"dsn"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type FeedConfig struct {
	HTTPTimeout       time.Duration `mapstructure:"http_timeout"`
	UserAgent         string        `mapstructure:"user_agent"`
	MaxBodyBytes      int64         `mapstructure:"max_body_bytes"`
	SyncConcurrency   int           `mapstructure:"sync_concurrency"`
	AllowPrivateHosts bool          `mapstructure:"allow_private_hosts"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

type MetricsConfig struct {
	PushGateway string `mapstructure:"pushgateway"`
	Job         string `mapstructure:"job"`
}

func defaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()

	return &Config{
		Database: DatabaseConfig{
			Driver:  "bolt",
			Path:    filepath.Join(homeDir, ".rssreader", "rssreader.db"),
			Timeout: 1 * time.Second,
		},
		Feed: FeedConfig{
			HTTPTimeout:     30 * time.Second,
			UserAgent:       "rssreader/1.0 (https://github.com/pders01/rssreader)",
			MaxBodyBytes:    10 << 20,
			SyncConcurrency: 4,
		},
		Log: LogConfig{
			Level:      "off",
			MaxSizeMB:  16,
			MaxBackups: 3,
			MaxAgeDays: 14,
		},
		Metrics: MetricsConfig{
			Job: "rssreader",
		},
	}
}

// DefaultPath is where Load looks when no config file is given.
func DefaultPath() string {
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".config", "rssreader", "config.toml")
}

// Load reads configuration from defaults, an optional TOML file, a .env
// file in the working directory and RSSREADER_* environment variables, in
// increasing order of precedence.
func Load(configPath string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

	v := viper.New()
	for key, value := range toMap(defaultConfig()) {
		v.SetDefault(key, value)
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("toml")
		v.AddConfigPath(filepath.Dir(DefaultPath()))
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	expandPaths(&config)

	return &config, nil
}

// expandPath expands ~ to home directory and converts to absolute path
func expandPath(path string) string {
	if path == "" || path == ":memory:" {
		return path
	}

	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		path = filepath.Join(home, path[2:])
	}

	if !filepath.IsAbs(path) {
		if abs, err := filepath.Abs(path); err == nil {
			path = abs
		}
	}

	return path
}

func expandPaths(cfg *Config) {
	cfg.Database.Path = expandPath(cfg.Database.Path)
	cfg.Log.File = expandPath(cfg.Log.File)
}

// toMap flattens the config into dotted viper keys. Durations are kept as
// strings so the TOML stays readable.
func toMap(cfg *Config) map[string]any {
	return map[string]any{
		"database.driver":  cfg.Database.Driver,
		"database.path":    cfg.Database.Path,
		"database.dsn":     cfg.Database.DSN,
		"database.timeout": cfg.Database.Timeout.String(),

		"feed.http_timeout":        cfg.Feed.HTTPTimeout.String(),
		"feed.user_agent":          cfg.Feed.UserAgent,
		"feed.max_body_bytes":      cfg.Feed.MaxBodyBytes,
		"feed.sync_concurrency":    cfg.Feed.SyncConcurrency,
		"feed.allow_private_hosts": cfg.Feed.AllowPrivateHosts,

		"log.level":        cfg.Log.Level,
		"log.file":         cfg.Log.File,
		"log.max_size_mb":  cfg.Log.MaxSizeMB,
		"log.max_backups":  cfg.Log.MaxBackups,
		"log.max_age_days": cfg.Log.MaxAgeDays,

		"metrics.pushgateway": cfg.Metrics.PushGateway,
		"metrics.job":         cfg.Metrics.Job,
	}
}

// nested groups the dotted keys of toMap into one table per section.
func nested(cfg *Config) map[string]map[string]any {
	out := make(map[string]map[string]any)
	for key, value := range toMap(cfg) {
		section, name, _ := strings.Cut(key, ".")
		if out[section] == nil {
			out[section] = make(map[string]any)
		}
		out[section][name] = value
	}
	return out
}

func Save(config *Config, path string) error {
	v := viper.New()
	for section, values := range nested(config) {
		v.Set(section, values)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	return v.WriteConfigAs(path)
}

func GenerateDefaultConfig(path string) error {
	return Save(defaultConfig(), path)
}

// Render returns the effective configuration as TOML. The postgres DSN is
// masked since it usually carries a password.
func Render(config *Config) (string, error) {
	sections := nested(config)
	if dsn, _ := sections["database"]["dsn"].(string); dsn != "" {
		sections["database"]["dsn"] = "********"
	}
	out, err := toml.Marshal(sections)
	if err != nil {
		return "", fmt.Errorf("rendering config: %w", err)
	}
	return string(out), nil
}
