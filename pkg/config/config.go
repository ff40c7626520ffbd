// Package config loads the migration tool's configuration from a YAML
// file, environment variables and built-in defaults, in ascending
// precedence of default < file < environment. Command flags layer on
// top in the cmd package.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/vigilhq/vigil-migrate/pkg/destination"
)

// envPrefix namespaces environment overrides: storage.s3.bucket becomes
// VIGIL_MIGRATE_STORAGE_S3_BUCKET.
const envPrefix = "VIGIL_MIGRATE"

// defaultConfigName is the config file picked up from the working
// directory when no explicit path is given.
const defaultConfigName = "vigil-migrate"

// Blob storage backends.
const (
	BackendFS = "fs"
	BackendS3 = "s3"
)

// Server auth modes.
const (
	AuthModeHeader = "header"
	AuthModeJWT    = "jwt"
	AuthModeNone   = "none"
)

// Config is the full configuration tree.
type Config struct {
	Source      SourceConfig      `mapstructure:"source"`
	Destination DestinationConfig `mapstructure:"destination"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Run         RunConfig         `mapstructure:"run"`
	Server      ServerConfig      `mapstructure:"server"`
	Log         LogConfig         `mapstructure:"log"`
}

// SourceConfig locates the legacy workspace database.
type SourceConfig struct {
	Path string `mapstructure:"path"`
}

// DestinationConfig locates the hosted service database.
type DestinationConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

// StorageConfig selects the blob store holding backups and run reports.
type StorageConfig struct {
	Backend string   `mapstructure:"backend"`
	Dir     string   `mapstructure:"dir"`
	S3      S3Config `mapstructure:"s3"`
}

// S3Config configures the s3 storage backend.
type S3Config struct {
	Bucket   string `mapstructure:"bucket"`
	Prefix   string `mapstructure:"prefix"`
	Region   string `mapstructure:"region"`
	Endpoint string `mapstructure:"endpoint"`
}

// RunConfig carries the default migration options; flags and API
// requests override per run.
type RunConfig struct {
	DryRun         bool `mapstructure:"dry_run"`
	SkipValidation bool `mapstructure:"skip_validation"`
	AutoVerify     bool `mapstructure:"auto_verify"`
	CreateBackup   bool `mapstructure:"create_backup"`
	SampleSize     int  `mapstructure:"sample_size"`
}

// ServerConfig configures the HTTP control plane.
type ServerConfig struct {
	Listen            string        `mapstructure:"listen"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	Auth              AuthConfig    `mapstructure:"auth"`
}

// AuthConfig selects how requests are mapped to roles.
type AuthConfig struct {
	Mode string    `mapstructure:"mode"`
	JWT  JWTConfig `mapstructure:"jwt"`
}

// JWTConfig configures the jwt auth mode.
type JWTConfig struct {
	PublicKeyPath string `mapstructure:"public_key_path"`
	Issuer        string `mapstructure:"issuer"`
	Audience      string `mapstructure:"audience"`
	RoleClaim     string `mapstructure:"role_claim"`
	OperatorValue string `mapstructure:"operator_value"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level string `mapstructure:"level"`
}

// Load reads configuration. With a non-empty path the file must exist
// and parse; otherwise ./vigil-migrate.yaml is read when present and
// silently skipped when not. Environment variables prefixed
// VIGIL_MIGRATE_ override file values either way.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName(defaultConfigName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, nil
}

// setDefaults registers every key. Keys without a meaningful default
// get their zero value so environment-only overrides still resolve:
// viper only maps env variables onto keys it knows about.
func setDefaults(v *viper.Viper) {
	v.SetDefault("source.path", "")
	v.SetDefault("destination.driver", destination.DriverPostgres)
	v.SetDefault("destination.dsn", "")
	v.SetDefault("storage.backend", BackendFS)
	v.SetDefault("storage.dir", ".vigil-migrate")
	v.SetDefault("storage.s3.bucket", "")
	v.SetDefault("storage.s3.prefix", "")
	v.SetDefault("storage.s3.region", "")
	v.SetDefault("storage.s3.endpoint", "")
	v.SetDefault("run.dry_run", false)
	v.SetDefault("run.skip_validation", false)
	v.SetDefault("run.auto_verify", true)
	v.SetDefault("run.create_backup", true)
	v.SetDefault("run.sample_size", 10)
	v.SetDefault("server.listen", ":8080")
	v.SetDefault("server.heartbeat_interval", "15s")
	v.SetDefault("server.auth.mode", AuthModeHeader)
	v.SetDefault("server.auth.jwt.public_key_path", "")
	v.SetDefault("server.auth.jwt.issuer", "")
	v.SetDefault("server.auth.jwt.audience", "")
	v.SetDefault("server.auth.jwt.role_claim", "role")
	v.SetDefault("server.auth.jwt.operator_value", "operator")
	v.SetDefault("log.level", "info")
}

// Validate checks the whole tree and reports every problem at once.
func (c *Config) Validate() error {
	var problems []string
	bad := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	switch c.Destination.Driver {
	case destination.DriverPostgres, destination.DriverMySQL, destination.DriverSQLite:
	default:
		bad("destination.driver %q is not one of postgres, mysql, sqlite", c.Destination.Driver)
	}

	switch c.Storage.Backend {
	case BackendFS:
		if c.Storage.Dir == "" {
			bad("storage.dir is required for the fs backend")
		}
	case BackendS3:
		if c.Storage.S3.Bucket == "" {
			bad("storage.s3.bucket is required for the s3 backend")
		}
	default:
		bad("storage.backend %q is not one of fs, s3", c.Storage.Backend)
	}

	if c.Run.SampleSize < 1 {
		bad("run.sample_size must be at least 1, got %d", c.Run.SampleSize)
	}

	if c.Server.HeartbeatInterval < 0 {
		bad("server.heartbeat_interval must not be negative")
	}

	switch c.Server.Auth.Mode {
	case AuthModeHeader, AuthModeJWT, AuthModeNone:
	default:
		bad("server.auth.mode %q is not one of header, jwt, none", c.Server.Auth.Mode)
	}

	if _, err := parseLevel(c.Log.Level); err != nil {
		bad("%v", err)
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

// LogLevel returns the configured slog level. Unknown levels fall back
// to info; Validate reports them.
func (c *Config) LogLevel() slog.Level {
	level, err := parseLevel(c.Log.Level)
	if err != nil {
		return slog.LevelInfo
	}
	return level
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("log.level %q is not one of debug, info, warn, error", s)
	}
}
