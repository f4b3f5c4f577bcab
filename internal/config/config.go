package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Auth       AuthConfig       `yaml:"auth"`
	Simulation SimulationConfig `yaml:"simulation"`
	Snapshot   SnapshotConfig   `yaml:"snapshot"`
}

type ServerConfig struct {
	Host               string   `yaml:"host"`
	Port               int      `yaml:"port"`
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins"`
}

type DatabaseConfig struct {
	Driver string `yaml:"driver"` // "memory", "sqlite" or "postgres"
	DSN    string `yaml:"dsn"`    // file path for sqlite, connection string for postgres
}

type AuthConfig struct {
	JWTSecret     string `yaml:"jwt_secret"`
	TokenDuration string `yaml:"token_duration"` // e.g. "24h"
	// AllowLegacyTokens accepts seeded base64 token_encoded bearers.
	AllowLegacyTokens bool `yaml:"allow_legacy_tokens"`
}

type SimulationConfig struct {
	SeedPath  string `yaml:"seed_path"`
	FixedTime string `yaml:"fixed_time"` // RFC3339; empty means wall clock
}

type SnapshotConfig struct {
	Interval string        `yaml:"interval"` // e.g. "30s"; empty or "0" disables periodic flushing
	Archive  ArchiveConfig `yaml:"archive"`
}

// ArchiveConfig selects where saved snapshots are mirrored outside the
// database. An empty driver disables the archive.
type ArchiveConfig struct {
	Driver string   `yaml:"driver"` // "", "local" or "s3"
	Path   string   `yaml:"path"`   // directory for the local driver
	S3     S3Config `yaml:"s3"`
}

type S3Config struct {
	Endpoint  string `yaml:"endpoint"`
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	Prefix    string `yaml:"prefix"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	UseSSL    bool   `yaml:"use_ssl"`
}

const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"

	ArchiveLocal = "local"
	ArchiveS3    = "s3"
)

func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// Durable reports whether snapshots are persisted.
func (c *Config) Durable() bool {
	return c.Database.Driver == DriverSQLite || c.Database.Driver == DriverPostgres
}

func (c *Config) ValidateServe() error {
	if c == nil {
		return fmt.Errorf("config is required")
	}
	if c.Auth.JWTSecret == "" || c.Auth.JWTSecret == "change-me-in-production" {
		return fmt.Errorf("FORGESIM_JWT_SECRET must be set to a non-default value (example: FORGESIM_JWT_SECRET=dev-jwt-secret-change-this)")
	}
	if len(c.Auth.JWTSecret) < 16 {
		return fmt.Errorf("FORGESIM_JWT_SECRET must be at least 16 characters (current length: %d)", len(c.Auth.JWTSecret))
	}
	switch c.Database.Driver {
	case DriverMemory:
	case DriverSQLite, DriverPostgres:
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn must be configured for driver %q", c.Database.Driver)
		}
	default:
		return fmt.Errorf("unsupported database driver: %q", c.Database.Driver)
	}
	if _, err := c.TokenDuration(); err != nil {
		return err
	}
	if _, err := c.FixedTime(); err != nil {
		return err
	}
	if _, err := c.SnapshotInterval(); err != nil {
		return err
	}
	return c.validateArchive()
}

func (c *Config) validateArchive() error {
	a := c.Snapshot.Archive
	switch a.Driver {
	case "":
	case ArchiveLocal:
		if a.Path == "" {
			return fmt.Errorf("snapshot.archive.path must be configured for the local archive")
		}
	case ArchiveS3:
		if a.S3.Endpoint == "" || a.S3.Bucket == "" {
			return fmt.Errorf("snapshot.archive.s3 requires endpoint and bucket")
		}
	default:
		return fmt.Errorf("unsupported snapshot archive driver: %q", a.Driver)
	}
	if a.Driver != "" && !c.Durable() {
		return fmt.Errorf("snapshot archive requires a durable database driver")
	}
	return nil
}

func (c *Config) TokenDuration() (time.Duration, error) {
	d, err := time.ParseDuration(c.Auth.TokenDuration)
	if err != nil {
		return 0, fmt.Errorf("invalid auth.token_duration %q: %w", c.Auth.TokenDuration, err)
	}
	return d, nil
}

// FixedTime returns the frozen simulation instant, or the zero time when the
// wall clock should be used.
func (c *Config) FixedTime() (time.Time, error) {
	if strings.TrimSpace(c.Simulation.FixedTime) == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, strings.TrimSpace(c.Simulation.FixedTime))
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid simulation.fixed_time %q: %w", c.Simulation.FixedTime, err)
	}
	return t.UTC(), nil
}

func (c *Config) SnapshotInterval() (time.Duration, error) {
	v := strings.TrimSpace(c.Snapshot.Interval)
	if v == "" || v == "0" {
		return 0, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("invalid snapshot.interval %q", c.Snapshot.Interval)
	}
	return d, nil
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 3000,
		},
		Database: DatabaseConfig{
			Driver: DriverMemory,
		},
		Auth: AuthConfig{
			JWTSecret:         "change-me-in-production",
			TokenDuration:     "24h",
			AllowLegacyTokens: true,
		},
		Snapshot: SnapshotConfig{
			Interval: "30s",
		},
	}
}

func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("FORGESIM_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("FORGESIM_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = p
		}
	}
	if v := os.Getenv("FORGESIM_CORS_ALLOW_ORIGINS"); v != "" {
		cfg.Server.CORSAllowedOrigins = parseCSV(v)
	}
	if v := os.Getenv("FORGESIM_DB_DRIVER"); v != "" {
		cfg.Database.Driver = strings.ToLower(strings.TrimSpace(v))
	}
	if v := os.Getenv("FORGESIM_DB_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("FORGESIM_JWT_SECRET"); v != "" {
		cfg.Auth.JWTSecret = v
	}
	if v := os.Getenv("FORGESIM_TOKEN_DURATION"); v != "" {
		cfg.Auth.TokenDuration = v
	}
	if v := os.Getenv("FORGESIM_ALLOW_LEGACY_TOKENS"); v != "" {
		if enabled, err := strconv.ParseBool(v); err == nil {
			cfg.Auth.AllowLegacyTokens = enabled
		}
	}
	if v := os.Getenv("FORGESIM_SEED_PATH"); v != "" {
		cfg.Simulation.SeedPath = v
	}
	if v := os.Getenv("FORGESIM_FIXED_TIME"); v != "" {
		cfg.Simulation.FixedTime = v
	}
	if v := os.Getenv("FORGESIM_SNAPSHOT_INTERVAL"); v != "" {
		cfg.Snapshot.Interval = v
	}
	if v := os.Getenv("FORGESIM_ARCHIVE_DRIVER"); v != "" {
		cfg.Snapshot.Archive.Driver = strings.ToLower(strings.TrimSpace(v))
	}
	if v := os.Getenv("FORGESIM_ARCHIVE_PATH"); v != "" {
		cfg.Snapshot.Archive.Path = v
	}
	if v := os.Getenv("FORGESIM_S3_ENDPOINT"); v != "" {
		cfg.Snapshot.Archive.S3.Endpoint = v
	}
	if v := os.Getenv("FORGESIM_S3_BUCKET"); v != "" {
		cfg.Snapshot.Archive.S3.Bucket = v
	}
	if v := os.Getenv("FORGESIM_S3_REGION"); v != "" {
		cfg.Snapshot.Archive.S3.Region = v
	}
	if v := os.Getenv("FORGESIM_S3_PREFIX"); v != "" {
		cfg.Snapshot.Archive.S3.Prefix = v
	}
	if v := os.Getenv("FORGESIM_S3_ACCESS_KEY"); v != "" {
		cfg.Snapshot.Archive.S3.AccessKey = v
	}
	if v := os.Getenv("FORGESIM_S3_SECRET_KEY"); v != "" {
		cfg.Snapshot.Archive.S3.SecretKey = v
	}
	if v := os.Getenv("FORGESIM_S3_USE_SSL"); v != "" {
		if enabled, err := strconv.ParseBool(v); err == nil {
			cfg.Snapshot.Archive.S3.UseSSL = enabled
		}
	}
}

func parseCSV(v string) []string {
	raw := strings.TrimSpace(v)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		value := strings.TrimSpace(part)
		if value == "" {
			continue
		}
		out = append(out, value)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
