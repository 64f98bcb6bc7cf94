package config

import (
	"strings"
	"time"
)

// ApplyDefaults fills any unspecified configuration fields with the
// defaults spec.md §6 enumerates.
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyServerDefaults(&cfg.Server)
	applyLeaseDefaults(&cfg.Lease)
}

func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	cfg.Level = strings.ToUpper(cfg.Level)
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

func applyServerDefaults(cfg *ServerConfig) {
	if cfg.Host == "" {
		cfg.Host = "0.0.0.0"
	}
	if cfg.Port == 0 {
		cfg.Port = 10809 // IANA-assigned NBD port
	}
	if cfg.BlockSizeBytes == 0 {
		cfg.BlockSizeBytes = 131072
	}
	if cfg.FlushParallelism == 0 {
		cfg.FlushParallelism = 10
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}
}

func applyLeaseDefaults(cfg *LeaseConfig) {
	if cfg.TTLSeconds == 0 {
		cfg.TTLSeconds = 30
	}
	if cfg.HeartbeatIntervalSeconds == 0 {
		cfg.HeartbeatIntervalSeconds = 15
	}
}

// GetDefaultConfig returns a Config with every field set to its default,
// useful for generating a sample config file or for tests.
func GetDefaultConfig() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}
