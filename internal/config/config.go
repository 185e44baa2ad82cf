// Package config loads the command line tool's configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config is the complete tool configuration.
type Config struct {
	// Timeout bounds connect and each control or data exchange
	Timeout time.Duration `mapstructure:"timeout" validate:"gt=0"`

	// BandwidthLimit caps data transfers in bytes per second, 0 for none
	BandwidthLimit int64 `mapstructure:"bandwidth_limit" validate:"gte=0"`

	// DisableEPSV makes data connections use PASV directly
	DisableEPSV bool `mapstructure:"disable_epsv"`

	// ActiveMode makes the server connect back for data (PORT/EPRT)
	ActiveMode bool `mapstructure:"active_mode"`

	// IdleTimeout is how long an idle connection waits before sending NOOP, 0 to disable
	IdleTimeout time.Duration `mapstructure:"idle_timeout" validate:"gte=0"`

	TLS     TLSConfig     `mapstructure:"tls"`
	Logging LoggingConfig `mapstructure:"logging"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// TLSConfig controls certificate checks for ftps servers.
type TLSConfig struct {
	InsecureSkipVerify bool   `mapstructure:"insecure_skip_verify"`
	ServerName         string `mapstructure:"server_name" validate:"omitempty,hostname"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive)
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error"`

	// Valid values: text, json
	Format string `mapstructure:"format" validate:"required,oneof=text json"`

	// Valid values: stdout, stderr, or a file path rotated by size
	Output     string `mapstructure:"output" validate:"required"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" validate:"gte=0"`
	MaxBackups int    `mapstructure:"max_backups" validate:"gte=0"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	// Addr is the listen address of /metrics, empty to disable
	Addr string `mapstructure:"addr" validate:"omitempty,hostname_port"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Timeout: 30 * time.Second,
		Logging: LoggingConfig{
			Level:      "WARN",
			Format:     "text",
			Output:     "stderr",
			MaxSizeMB:  25,
			MaxBackups: 5,
		},
	}
}

// Load reads configuration from defaults, the optional file at path, and
// FTPENGINE_* environment variables, in increasing order of precedence.
//
// Example: FTPENGINE_LOGGING_LEVEL=DEBUG
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix("FTPENGINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
			return nil, fmt.Errorf("config file not found: %s", path)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

// Validate checks cfg against its field constraints.
func Validate(cfg *Config) error {
	return validator.New(validator.WithRequiredStructEnabled()).Struct(cfg)
}

// setDefaults registers every key so environment variables can override
// settings that are absent from the file.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("timeout", d.Timeout)
	v.SetDefault("bandwidth_limit", d.BandwidthLimit)
	v.SetDefault("disable_epsv", d.DisableEPSV)
	v.SetDefault("active_mode", d.ActiveMode)
	v.SetDefault("idle_timeout", d.IdleTimeout)
	v.SetDefault("tls.insecure_skip_verify", d.TLS.InsecureSkipVerify)
	v.SetDefault("tls.server_name", d.TLS.ServerName)
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("logging.output", d.Logging.Output)
	v.SetDefault("logging.max_size_mb", d.Logging.MaxSizeMB)
	v.SetDefault("logging.max_backups", d.Logging.MaxBackups)
	v.SetDefault("metrics.addr", d.Metrics.Addr)
}
