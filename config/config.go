/*
Package config loads vialfix settings with viper.

SOURCES (highest priority first):
  1. Command-line flags (bound by cmd/vialfix)
  2. Environment: VIALFIX_TABLE, VIALFIX_BACKEND, VIALFIX_LOG_LEVEL,
     VIALFIX_SCHEMA_VIAL_ID, ... ("." and "-" become "_")
  3. Config file: --config, else ./vialfix.yaml or $HOME/.config/vialfix/vialfix.yaml
  4. Defaults below (the production table)

EXAMPLE vialfix.yaml:
  table: reta-data
  backend: dynamo
  aws:
    region: eu-west-1
    profile: reta-admin
  policy:
    file: policy.yaml
  schema:
    vial_id: vialId
  log:
    level: debug
*/
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
	"github.com/warp/vialfix/engine"
)

const EnvPrefix = "VIALFIX"

// Backends.
const (
	BackendDynamo = "dynamo"
	BackendSQLite = "sqlite"
)

// Config groups all settings.
type Config struct {
	Table   string `mapstructure:"table"`
	Backend string `mapstructure:"backend"`
	Output  string `mapstructure:"output"`

	AWS    AWSConfig     `mapstructure:"aws"`
	SQLite SQLiteConfig  `mapstructure:"sqlite"`
	Policy PolicyConfig  `mapstructure:"policy"`
	Run    RunConfig     `mapstructure:"run"`
	HTTP   HTTPConfig    `mapstructure:"http"`
	Log    LogConfig     `mapstructure:"log"`
	Schema engine.Schema `mapstructure:"schema"`
}

// AWSConfig selects the account and endpoint of the production table.
type AWSConfig struct {
	Region   string `mapstructure:"region"`
	Profile  string `mapstructure:"profile"`
	Endpoint string `mapstructure:"endpoint"`
}

// SQLiteConfig locates the local replica.
type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

// PolicyConfig picks the boundary table: a file, a preset, or derived
// from the vial records. At most one of File and Derive may be set.
type PolicyConfig struct {
	File   string `mapstructure:"file"`
	Preset string `mapstructure:"preset"`
	Derive bool   `mapstructure:"derive"`
}

// RunConfig tunes the apply step.
type RunConfig struct {
	Conditional       bool `mapstructure:"conditional"`
	PreserveOverrides bool `mapstructure:"preserve_overrides"`
	PageSize          int  `mapstructure:"page_size"`
}

// HTTPConfig configures `vialfix serve`.
type HTTPConfig struct {
	Addr           string   `mapstructure:"addr"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// LogConfig configures the logger package.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// New returns a viper instance with defaults, env binding and the config
// file search path set up. Flags are bound by the caller.
func New(configFile string) (*viper.Viper, error) {
	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", configFile, err)
		}
		return v, nil
	}

	v.SetConfigName("vialfix")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/vialfix")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}
	return v, nil
}

// SetDefaults registers every key with its default. Keys must be known to
// viper for AutomaticEnv to reach them through Unmarshal.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("table", "reta-data")
	v.SetDefault("backend", BackendDynamo)
	v.SetDefault("output", "text")

	v.SetDefault("aws.region", "eu-west-1")
	v.SetDefault("aws.profile", "reta-admin")
	v.SetDefault("aws.endpoint", "")

	v.SetDefault("sqlite.path", "vialfix.db")

	v.SetDefault("policy.file", "")
	v.SetDefault("policy.preset", "incident-2025")
	v.SetDefault("policy.derive", false)

	v.SetDefault("run.conditional", false)
	v.SetDefault("run.preserve_overrides", false)
	v.SetDefault("run.page_size", 0)

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.allowed_origins", []string{"http://localhost:5173", "http://localhost:3000"})

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")

	d := engine.DefaultSchema()
	v.SetDefault("schema.partition_key", d.PartitionKey)
	v.SetDefault("schema.sort_key", d.SortKey)
	v.SetDefault("schema.kind", d.KindAttr)
	v.SetDefault("schema.vial_id", d.VialID)
	v.SetDefault("schema.timestamp", d.Timestamp)
	v.SetDefault("schema.dose", d.Dose)
	v.SetDefault("schema.updated_at", d.UpdatedAt)
	v.SetDefault("schema.status", d.Status)
	v.SetDefault("schema.reconstituted_on", d.ReconstitutedOn)
	v.SetDefault("schema.ordered_on", d.OrderedOn)
	v.SetDefault("schema.expires_on", d.ExpiresOn)
}

// Load unmarshals and validates the settings held by v.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.Schema = cfg.Schema.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values viper cannot type-check.
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendDynamo:
		if c.Table == "" {
			return errors.New("config: table is required for the dynamo backend")
		}
	case BackendSQLite:
		if c.SQLite.Path == "" {
			return errors.New("config: sqlite.path is required for the sqlite backend")
		}
	default:
		return fmt.Errorf("config: unknown backend %q (want %s or %s)", c.Backend, BackendDynamo, BackendSQLite)
	}

	switch c.Output {
	case "text", "json":
	default:
		return fmt.Errorf("config: unknown output %q (want text or json)", c.Output)
	}

	if c.Policy.File != "" && c.Policy.Derive {
		return errors.New("config: policy.file and policy.derive are mutually exclusive")
	}
	if c.Run.PageSize < 0 {
		return errors.New("config: run.page_size must not be negative")
	}
	return nil
}

// TableName is the name shown in reports: the DynamoDB table or the
// sqlite file.
func (c *Config) TableName() string {
	if c.Backend == BackendSQLite {
		return "sqlite:" + c.SQLite.Path
	}
	return c.Table
}
