// Package config loads and validates the fabric's static configuration:
// control-surface listener addresses, context/queue ceilings and the
// logging/telemetry ambient stack, sourced from flags, environment and an
// optional file, in that order of precedence.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const envPrefix = "FABRIC"

// Config is the fabric's complete static configuration.
type Config struct {
	Logging   LoggingConfig   `mapstructure:"logging" validate:"required"`
	Telemetry TelemetryConfig `mapstructure:"telemetry" validate:"required"`
	Control   ControlConfig   `mapstructure:"control" validate:"required"`
	Limits    LimitsConfig    `mapstructure:"limits" validate:"required"`
}

// LoggingConfig controls the slog ambient logger.
type LoggingConfig struct {
	Level  string `mapstructure:"level" validate:"required,oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"required,oneof=text json"`
	// File, when non-empty, routes logs through lumberjack instead of
	// stdout; see internal/observability.
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" validate:"omitempty,gt=0"`
	MaxBackups int    `mapstructure:"max_backups" validate:"omitempty,gte=0"`
	MaxAgeDays int    `mapstructure:"max_age_days" validate:"omitempty,gte=0"`
}

// TelemetryConfig controls OpenTelemetry tracing export.
type TelemetryConfig struct {
	Enabled        bool    `mapstructure:"enabled"`
	OTLPEndpoint   string  `mapstructure:"otlp_endpoint"`
	SampleRatio    float64 `mapstructure:"sample_ratio" validate:"omitempty,gte=0,lte=1"`
	ServiceVersion string  `mapstructure:"service_version"`
}

// ControlConfig holds the listener addresses for the three control
// surfaces (spec §6.4 plus the WS streaming endpoint).
type ControlConfig struct {
	HTTPAddr    string `mapstructure:"http_addr" validate:"required"`
	WSAddr      string `mapstructure:"ws_addr" validate:"required"`
	GRPCAddr    string `mapstructure:"grpc_addr" validate:"required"`
	MetricsAddr string `mapstructure:"metrics_addr" validate:"required"`
}

// LimitsConfig holds capacity knobs for the discovery lookup cache size and
// the websocket context-cell idle timeout. They are loaded and validated
// only: the fabric and the websocket hub use their own built-in values and
// do not read these fields.
type LimitsConfig struct {
	WellKnownLookupCacheSize int           `mapstructure:"well_known_lookup_cache_size" validate:"gt=0"`
	CellIdleTimeout          time.Duration `mapstructure:"cell_idle_timeout" validate:"gt=0"`
}

// Load builds a Viper instance from flags, FABRIC_-prefixed environment
// variables and an optional config file, then unmarshals and validates
// the result.
func Load(flags *pflag.FlagSet, configFile string) (*Config, error) {
	v := viper.New()
	applyDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return nil, fmt.Errorf("config: bind flags: %w", err)
		}
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", configFile, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	return &cfg, nil
}

func applyDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.max_size_mb", 100)
	v.SetDefault("logging.max_backups", 5)
	v.SetDefault("logging.max_age_days", 28)

	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.otlp_endpoint", "localhost:4317")
	v.SetDefault("telemetry.sample_ratio", 1.0)
	v.SetDefault("telemetry.service_version", "0.0.0")

	v.SetDefault("control.http_addr", ":8080")
	v.SetDefault("control.ws_addr", ":8081")
	v.SetDefault("control.grpc_addr", ":8082")
	v.SetDefault("control.metrics_addr", ":9090")

	v.SetDefault("limits.well_known_lookup_cache_size", 1024)
	v.SetDefault("limits.cell_idle_timeout", 5*time.Minute)
}
