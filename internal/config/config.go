// Package config loads the usagemon configuration from a YAML file, .env files
// and environment variables, and watches the file for changes.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Defaults applied when a key is absent.
const (
	DefaultGatewayID      = "default"
	DefaultHost           = "127.0.0.1"
	DefaultPort           = 18790
	DefaultStaticDir      = "./public"
	DefaultRawDays        = 7
	DefaultHourlyDays     = 90
	DefaultDailyDays      = 365
	DefaultBufferSize     = 50
	DefaultFlushInterval  = 10 * time.Second
	DefaultCleanupHour    = 4
	DefaultMaxConnections = 64
)

// Config is the root configuration.
type Config struct {
	// DatabasePath is the sqlite file. "~/" is expanded to the home directory.
	DatabasePath string `yaml:"database-path"`
	// DatabaseType selects the storage engine: "sqlite" (default) or "postgres".
	DatabaseType string `yaml:"database-type"`
	// DatabaseDSN is the connection string used when DatabaseType is "postgres".
	DatabaseDSN string `yaml:"database-dsn"`

	// GatewayID tags every event recorded by this process.
	GatewayID string `yaml:"gateway-id"`

	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	StaticDir      string `yaml:"static-dir"`
	MaxConnections int    `yaml:"max-connections"`

	// AllowRemote lets non-loopback clients reach the service when Host is not a loopback address.
	AllowRemote bool `yaml:"allow-remote"`

	Retention   RetentionConfig `yaml:"retention"`
	Buffer      BufferConfig    `yaml:"buffer"`
	CleanupHour int             `yaml:"cleanup-hour"`

	Auth    AuthConfig    `yaml:"auth"`
	Logging LoggingConfig `yaml:"logging"`
}

// RetentionConfig holds the per-table retention horizons in days.
type RetentionConfig struct {
	RawDays    int `yaml:"raw-days"`
	HourlyDays int `yaml:"hourly-days"`
	DailyDays  int `yaml:"daily-days"`
}

// BufferConfig controls the ingestion buffer.
type BufferConfig struct {
	Size          int           `yaml:"size"`
	FlushInterval time.Duration `yaml:"flush-interval"`
}

// AuthConfig enables HTTP basic auth when both fields are set. Password may be a bcrypt hash.
type AuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// LoggingConfig controls log level and optional file rotation.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max-size-mb"`
	MaxBackups int    `yaml:"max-backups"`
	MaxAgeDays int    `yaml:"max-age-days"`
	Compress   bool   `yaml:"compress"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	return &Config{
		DatabasePath:   defaultDatabasePath(),
		DatabaseType:   "sqlite",
		GatewayID:      DefaultGatewayID,
		Host:           DefaultHost,
		Port:           DefaultPort,
		StaticDir:      DefaultStaticDir,
		MaxConnections: DefaultMaxConnections,
		Retention: RetentionConfig{
			RawDays:    DefaultRawDays,
			HourlyDays: DefaultHourlyDays,
			DailyDays:  DefaultDailyDays,
		},
		Buffer: BufferConfig{
			Size:          DefaultBufferSize,
			FlushInterval: DefaultFlushInterval,
		},
		CleanupHour: DefaultCleanupHour,
		Logging: LoggingConfig{
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

// LoadConfig reads the YAML file at path over the defaults (a missing file is not an error)
// and then applies environment overrides. .env files in the working directory and next to the
// config file are loaded into the environment first; existing variables win.
func LoadConfig(path string) (*Config, error) {
	loadDotEnv(path)

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	cfg.normalize()
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks value ranges that defaults cannot repair.
func (c *Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.CleanupHour < 0 || c.CleanupHour > 23 {
		return fmt.Errorf("invalid cleanup-hour %d: must be 0-23", c.CleanupHour)
	}
	switch c.DatabaseType {
	case "sqlite":
	case "postgres":
		if c.DatabaseDSN == "" {
			return errors.New("database-dsn is required for postgres")
		}
	default:
		return fmt.Errorf("unknown database-type: %s", c.DatabaseType)
	}
	return nil
}

// Addr returns host:port for the query service.
func (c *Config) Addr() string {
	return c.Host + ":" + strconv.Itoa(c.Port)
}

// ResolvedDatabasePath returns DatabasePath with a leading "~/" expanded.
func (c *Config) ResolvedDatabasePath() string {
	return expandHome(c.DatabasePath)
}

// normalize replaces empty or non-positive values with their defaults. Port and CleanupHour
// are left alone since zero is meaningful for both.
func (c *Config) normalize() {
	def := Default()
	if c.DatabasePath == "" {
		c.DatabasePath = def.DatabasePath
	}
	if c.DatabaseType == "" {
		c.DatabaseType = def.DatabaseType
	}
	if c.GatewayID == "" {
		c.GatewayID = def.GatewayID
	}
	if c.Host == "" {
		c.Host = def.Host
	}
	if c.StaticDir == "" {
		c.StaticDir = def.StaticDir
	}
	if c.MaxConnections <= 0 {
		c.MaxConnections = def.MaxConnections
	}
	if c.Retention.RawDays <= 0 {
		c.Retention.RawDays = def.Retention.RawDays
	}
	if c.Retention.HourlyDays <= 0 {
		c.Retention.HourlyDays = def.Retention.HourlyDays
	}
	if c.Retention.DailyDays <= 0 {
		c.Retention.DailyDays = def.Retention.DailyDays
	}
	if c.Buffer.Size <= 0 {
		c.Buffer.Size = def.Buffer.Size
	}
	if c.Buffer.FlushInterval <= 0 {
		c.Buffer.FlushInterval = def.Buffer.FlushInterval
	}
	if c.Logging.Level == "" {
		c.Logging.Level = def.Logging.Level
	}
	if c.Logging.MaxSizeMB <= 0 {
		c.Logging.MaxSizeMB = def.Logging.MaxSizeMB
	}
	if c.Logging.MaxBackups <= 0 {
		c.Logging.MaxBackups = def.Logging.MaxBackups
	}
	if c.Logging.MaxAgeDays <= 0 {
		c.Logging.MaxAgeDays = def.Logging.MaxAgeDays
	}
}

func (c *Config) applyEnv() error {
	setString := func(key string, dst *string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	setString("USAGEMON_DB_PATH", &c.DatabasePath)
	setString("USAGEMON_DB_TYPE", &c.DatabaseType)
	setString("USAGEMON_DB_DSN", &c.DatabaseDSN)
	setString("USAGEMON_GATEWAY_ID", &c.GatewayID)
	setString("USAGEMON_HOST", &c.Host)
	setString("USAGEMON_STATIC_DIR", &c.StaticDir)
	setString("USAGEMON_LOG_LEVEL", &c.Logging.Level)

	if v := strings.TrimSpace(os.Getenv("USAGEMON_ALLOW_REMOTE")); v != "" {
		allow, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid USAGEMON_ALLOW_REMOTE %q: %w", v, err)
		}
		c.AllowRemote = allow
	}
	if v := strings.TrimSpace(os.Getenv("USAGEMON_PORT")); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid USAGEMON_PORT %q: %w", v, err)
		}
		c.Port = port
	}
	return nil
}

func loadDotEnv(configPath string) {
	paths := []string{".env"}
	if configPath != "" {
		paths = append(paths, filepath.Join(filepath.Dir(configPath), ".env"))
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			_ = godotenv.Load(p)
		}
	}
}

func defaultDatabasePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "usage.db"
	}
	return filepath.Join(home, ".usagemon", "usage.db")
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[2:])
}
