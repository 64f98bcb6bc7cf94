// Package config loads and validates the server's configuration surface,
// following the teacher's viper-plus-validator pattern.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config is the complete nbdstored configuration: the flat field set
// spec.md §6 enumerates, plus the ambient server/logging sections
// SPEC_FULL.md §5 adds.
type Config struct {
	Logging LoggingConfig `mapstructure:"logging"`
	Server  ServerConfig  `mapstructure:"server"`
	S3      S3Config      `mapstructure:"s3"`
	Lease   LeaseConfig   `mapstructure:"lease"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level  string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error"`
	Output string `mapstructure:"output" validate:"required"`
}

// ServerConfig is the wire-level and resource configuration, matching
// spec.md §6's {host, port, export_size_bytes, block_size_bytes,
// flush_parallelism} plus a shutdown drain bound.
type ServerConfig struct {
	Host             string        `mapstructure:"host" validate:"required"`
	Port             int           `mapstructure:"port" validate:"required,gt=0,lte=65535"`
	ExportSizeBytes  uint64        `mapstructure:"export_size_bytes" validate:"required,gt=0"`
	BlockSizeBytes   uint64        `mapstructure:"block_size_bytes" validate:"required,eq=131072"`
	FlushParallelism int           `mapstructure:"flush_parallelism" validate:"required,gt=0"`
	ShutdownTimeout  time.Duration `mapstructure:"shutdown_timeout" validate:"required,gt=0"`
}

// S3Config carries the object store connection parameters from spec.md §6.
type S3Config struct {
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key" validate:"required"`
	SecretKey string `mapstructure:"secret_key" validate:"required"`
	Bucket    string `mapstructure:"bucket" validate:"required"`
	Region    string `mapstructure:"region" validate:"required"`
	Insecure  bool   `mapstructure:"insecure"`
}

// LeaseConfig carries the lease timing parameters from spec.md §6.
type LeaseConfig struct {
	TTLSeconds               int `mapstructure:"ttl_seconds" validate:"required,gt=0"`
	HeartbeatIntervalSeconds int `mapstructure:"heartbeat_interval_seconds" validate:"required,gt=0"`
}

// TTL returns the lease TTL as a time.Duration.
func (c LeaseConfig) TTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}

// HeartbeatInterval returns the heartbeat interval as a time.Duration.
func (c LeaseConfig) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalSeconds) * time.Second
}

var validate = validator.New()

// Load loads configuration from environment (NBDSTORE_*), file, and
// defaults, in that order of decreasing precedence, then validates it.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	if err := readConfigFile(v, configPath); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed: %w", err)
	}

	return &cfg, nil
}

func setupViper(v *viper.Viper, configPath string) {
	v.SetEnvPrefix("NBDSTORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		return
	}
	v.AddConfigPath(defaultConfigDir())
	v.SetConfigName("config")
	v.SetConfigType("yaml")
}

func readConfigFile(v *viper.Viper, configPath string) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("config: read config file: %w", err)
	}
	return nil
}

func defaultConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "nbdstore")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "nbdstore")
}

// Validate runs struct-tag validation and reports the first field that
// fails. No rules beyond the struct tags are checked.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok && len(verrs) > 0 {
			e := verrs[0]
			return fmt.Errorf("%s: validation failed on '%s' tag (value: %v)", e.Namespace(), e.Tag(), e.Value())
		}
		return err
	}
	return nil
}
