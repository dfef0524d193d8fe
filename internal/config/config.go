// Package config provides configuration for the actionlog pipeline commands.
//
// Values come from defaults, an optional YAML or JSON file, and environment
// variables. The MinIO, raw-file and Postgres settings are read from their
// conventional variable names (MINIO_ENDPOINT, POSTGRES_HOST, ...); every
// other key can be set with the ACTIONLOG_ prefix, e.g. ACTIONLOG_STORAGE_TYPE.
package config

import (
	"fmt"
	"net"
	"net/url"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	perrors "github.com/actionlog/actionlog/internal/errors"
)

// EnvPrefix prefixes environment variables for keys without a conventional name.
const EnvPrefix = "ACTIONLOG"

// Stage names accepted by Validate.
const (
	StageInitDB    = "init-db"
	StageIngest    = "ingest"
	StageTransform = "transform"
	StageLoad      = "load"
)

// Storage backends.
const (
	StorageS3     = "s3"
	StorageLocal  = "local"
	StorageBadger = "badger"
)

// Database drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

const redacted = "****"

// Config holds the pipeline configuration.
type Config struct {
	// DataDir is the base directory for local backends
	DataDir string `mapstructure:"data_dir" yaml:"data_dir"`

	Storage  StorageConfig  `mapstructure:"storage" yaml:"storage"`
	Ingest   IngestConfig   `mapstructure:"ingest" yaml:"ingest"`
	Database DatabaseConfig `mapstructure:"database" yaml:"database"`
	Redis    RedisConfig    `mapstructure:"redis" yaml:"redis"`
	Logging  LoggingConfig  `mapstructure:"logging" yaml:"logging"`
	Metrics  MetricsConfig  `mapstructure:"metrics" yaml:"metrics"`
}

// StorageConfig selects and configures the object store.
type StorageConfig struct {
	// Type is s3, local or badger
	Type string `mapstructure:"type" yaml:"type"`

	// Bucket holds every staged batch (MINIO_BUCKET)
	Bucket string `mapstructure:"bucket" yaml:"bucket"`

	// Path is the directory used by the local and badger backends
	Path string `mapstructure:"path" yaml:"path"`

	S3 S3Config `mapstructure:"s3" yaml:"s3"`
}

// S3Config holds S3/MinIO connection settings.
type S3Config struct {
	Endpoint     string `mapstructure:"endpoint" yaml:"endpoint"`
	AccessKey    string `mapstructure:"access_key" yaml:"access_key"`
	SecretKey    string `mapstructure:"secret_key" yaml:"secret_key"`
	Region       string `mapstructure:"region" yaml:"region"`
	UsePathStyle bool   `mapstructure:"use_path_style" yaml:"use_path_style"`
}

// IngestConfig configures the ingest stage.
type IngestConfig struct {
	// RawLocalFile is the batch file uploaded by ingest (RAW_LOCAL_FILE)
	RawLocalFile string `mapstructure:"raw_local_file" yaml:"raw_local_file"`
}

// DatabaseConfig selects and configures the warehouse.
type DatabaseConfig struct {
	// Driver is postgres or sqlite
	Driver   string         `mapstructure:"driver" yaml:"driver"`
	Postgres PostgresConfig `mapstructure:"postgres" yaml:"postgres"`
	SQLite   SQLiteConfig   `mapstructure:"sqlite" yaml:"sqlite"`
}

// PostgresConfig holds Postgres connection settings.
type PostgresConfig struct {
	Host     string `mapstructure:"host" yaml:"host"`
	Port     int    `mapstructure:"port" yaml:"port"`
	Database string `mapstructure:"database" yaml:"database"`
	User     string `mapstructure:"user" yaml:"user"`
	Password string `mapstructure:"password" yaml:"password"`
	SSLMode  string `mapstructure:"sslmode" yaml:"sslmode"`
}

// SQLiteConfig holds the SQLite database path.
type SQLiteConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// RedisConfig configures the run lock. An empty URL disables locking.
type RedisConfig struct {
	URL     string        `mapstructure:"url" yaml:"url"`
	LockTTL time.Duration `mapstructure:"lock_ttl" yaml:"lock_ttl"`
}

// LoggingConfig configures the logger.
type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// MetricsConfig configures the metrics textfile export.
type MetricsConfig struct {
	// Textfile is written after each command; empty disables the export
	Textfile string `mapstructure:"textfile" yaml:"textfile"`
}

// envBindings maps keys to their conventional environment variable names.
var envBindings = map[string]string{
	"storage.s3.endpoint":        "MINIO_ENDPOINT",
	"storage.s3.access_key":      "MINIO_ACCESS_KEY",
	"storage.s3.secret_key":      "MINIO_SECRET_KEY",
	"storage.bucket":             "MINIO_BUCKET",
	"ingest.raw_local_file":      "RAW_LOCAL_FILE",
	"database.postgres.user":     "POSTGRES_USER",
	"database.postgres.password": "POSTGRES_PASSWORD",
	"database.postgres.host":     "POSTGRES_HOST",
	"database.postgres.port":     "POSTGRES_PORT",
	"database.postgres.database": "POSTGRES_DB",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", "./data/actionlog")

	v.SetDefault("storage.type", StorageS3)
	v.SetDefault("storage.bucket", "")
	v.SetDefault("storage.path", "")
	v.SetDefault("storage.s3.endpoint", "")
	v.SetDefault("storage.s3.access_key", "")
	v.SetDefault("storage.s3.secret_key", "")
	v.SetDefault("storage.s3.region", "us-east-1")
	v.SetDefault("storage.s3.use_path_style", true)

	v.SetDefault("ingest.raw_local_file", "")

	v.SetDefault("database.driver", DriverPostgres)
	v.SetDefault("database.postgres.host", "")
	v.SetDefault("database.postgres.port", 5432)
	v.SetDefault("database.postgres.database", "")
	v.SetDefault("database.postgres.user", "")
	v.SetDefault("database.postgres.password", "")
	v.SetDefault("database.postgres.sslmode", "disable")
	v.SetDefault("database.sqlite.path", "")

	v.SetDefault("redis.url", "")
	v.SetDefault("redis.lock_ttl", "30m")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("metrics.textfile", "")
}

// Load reads configuration from defaults, configPath (if not empty) and the
// environment, then resolves derived paths.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, perrors.Wrap(perrors.ErrCategoryConfig, perrors.CodeInvalidSetting,
				fmt.Sprintf("failed to read config file %s", configPath), err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for key, env := range envBindings {
		prefixed := EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, env, prefixed); err != nil {
			return nil, perrors.Wrap(perrors.ErrCategoryConfig, perrors.CodeInvalidSetting,
				fmt.Sprintf("failed to bind %s", env), err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, perrors.Wrap(perrors.ErrCategoryConfig, perrors.CodeInvalidSetting,
			"failed to decode configuration", err)
	}

	cfg.Resolve()
	return &cfg, nil
}

// Resolve fills paths left empty from DataDir.
func (c *Config) Resolve() {
	if c.DataDir == "" {
		c.DataDir = "./data/actionlog"
	}
	if c.Storage.Path == "" {
		c.Storage.Path = filepath.Join(c.DataDir, "objects")
	}
	if c.Database.SQLite.Path == "" {
		c.Database.SQLite.Path = filepath.Join(c.DataDir, "warehouse.db")
	}
	c.Storage.Type = strings.ToLower(strings.TrimSpace(c.Storage.Type))
	c.Database.Driver = strings.ToLower(strings.TrimSpace(c.Database.Driver))
}

// NeedsObjectStore reports whether any of stages uses the object store.
func NeedsObjectStore(stages ...string) bool {
	return slices.Contains(stages, StageIngest) ||
		slices.Contains(stages, StageTransform) ||
		slices.Contains(stages, StageLoad)
}

// NeedsWarehouse reports whether any of stages uses the warehouse.
func NeedsWarehouse(stages ...string) bool {
	return slices.Contains(stages, StageInitDB) || slices.Contains(stages, StageLoad)
}

// Validate checks that every setting required by stages is present and that
// enumerated settings are valid. Missing settings are reported together by
// their environment variable names in a CONFIG error.
func (c *Config) Validate(stages ...string) error {
	for _, s := range stages {
		switch s {
		case StageInitDB, StageIngest, StageTransform, StageLoad:
		default:
			return perrors.NewConfigError(perrors.CodeInvalidSetting, fmt.Sprintf("unknown stage %q", s))
		}
	}

	switch c.Storage.Type {
	case StorageS3, StorageLocal, StorageBadger:
	default:
		return perrors.NewConfigError(perrors.CodeInvalidSetting,
			fmt.Sprintf("invalid storage type: %s (must be s3, local or badger)", c.Storage.Type))
	}

	switch c.Database.Driver {
	case DriverPostgres, DriverSQLite:
	default:
		return perrors.NewConfigError(perrors.CodeInvalidSetting,
			fmt.Sprintf("invalid database driver: %s (must be postgres or sqlite)", c.Database.Driver))
	}

	switch strings.ToLower(c.Logging.Format) {
	case "json", "text":
	default:
		return perrors.NewConfigError(perrors.CodeInvalidSetting,
			fmt.Sprintf("invalid logging format: %s (must be json or text)", c.Logging.Format))
	}

	if c.Redis.URL != "" && c.Redis.LockTTL <= 0 {
		return perrors.NewConfigError(perrors.CodeInvalidSetting, "redis.lock_ttl must be positive")
	}

	var missing []string
	require := func(value, name string) {
		if strings.TrimSpace(value) == "" {
			missing = append(missing, name)
		}
	}

	if NeedsObjectStore(stages...) {
		if c.Storage.Type == StorageS3 {
			require(c.Storage.S3.Endpoint, "MINIO_ENDPOINT")
			require(c.Storage.S3.AccessKey, "MINIO_ACCESS_KEY")
			require(c.Storage.S3.SecretKey, "MINIO_SECRET_KEY")
		}
		require(c.Storage.Bucket, "MINIO_BUCKET")
	}

	if slices.Contains(stages, StageIngest) {
		require(c.Ingest.RawLocalFile, "RAW_LOCAL_FILE")
	}

	if NeedsWarehouse(stages...) && c.Database.Driver == DriverPostgres {
		require(c.Database.Postgres.User, "POSTGRES_USER")
		require(c.Database.Postgres.Password, "POSTGRES_PASSWORD")
		require(c.Database.Postgres.Host, "POSTGRES_HOST")
		require(c.Database.Postgres.Database, "POSTGRES_DB")
		if c.Database.Postgres.Port <= 0 || c.Database.Postgres.Port > 65535 {
			return perrors.NewConfigError(perrors.CodeInvalidSetting,
				fmt.Sprintf("invalid POSTGRES_PORT: %d", c.Database.Postgres.Port))
		}
	}

	if len(missing) > 0 {
		return perrors.NewConfigError(perrors.CodeMissingSetting,
			"missing required configuration: "+strings.Join(missing, ", ")).
			WithDetails(map[string]interface{}{"missing": missing})
	}
	return nil
}

// PostgresURL returns the connection URL for the configured Postgres database.
func (c *Config) PostgresURL() string {
	pg := c.Database.Postgres
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(pg.User, pg.Password),
		Host:   net.JoinHostPort(pg.Host, strconv.Itoa(pg.Port)),
		Path:   "/" + pg.Database,
	}
	if pg.SSLMode != "" {
		u.RawQuery = url.Values{"sslmode": {pg.SSLMode}}.Encode()
	}
	return u.String()
}

// Redacted returns a copy with secrets masked.
func (c *Config) Redacted() *Config {
	cp := *c
	if cp.Storage.S3.AccessKey != "" {
		cp.Storage.S3.AccessKey = redacted
	}
	if cp.Storage.S3.SecretKey != "" {
		cp.Storage.S3.SecretKey = redacted
	}
	if cp.Database.Postgres.Password != "" {
		cp.Database.Postgres.Password = redacted
	}
	if cp.Redis.URL != "" {
		if u, err := url.Parse(cp.Redis.URL); err == nil && u.User != nil {
			if _, ok := u.User.Password(); ok {
				u.User = url.UserPassword(u.User.Username(), redacted)
				cp.Redis.URL = u.String()
			}
		}
	}
	return &cp
}

// YAML renders the configuration with secrets masked.
func (c *Config) YAML() ([]byte, error) {
	out, err := yaml.Marshal(c.Redacted())
	if err != nil {
		return nil, fmt.Errorf("failed to render config: %w", err)
	}
	return out, nil
}
