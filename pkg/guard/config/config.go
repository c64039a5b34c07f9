// Package config loads scooterguard configuration from defaults, environment
// variables and an optional file.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"github.com/TFMV/scooterguard/pkg/guard/telemetry"
)

// EnvPrefix prefixes every environment override, e.g. SCOOTERGUARD_BACKEND_BASE_URL.
const EnvPrefix = "SCOOTERGUARD"

// Config represents the top-level configuration
type Config struct {
	Backend    BackendConfig           `mapstructure:"backend"`
	Timing     TimingConfig            `mapstructure:"timing"`
	Logging    LoggingConfig           `mapstructure:"logging"`
	Metrics    telemetry.MetricsConfig `mapstructure:"metrics"`
	Admin      AdminConfig             `mapstructure:"admin"`
	Resilience ResilienceConfig        `mapstructure:"resilience"`
	EventLog   EventLogConfig          `mapstructure:"eventlog"`
	MockServer MockServerConfig        `mapstructure:"mockserver"`
}

// BackendConfig locates the detection backend
type BackendConfig struct {
	BaseURL          string        `mapstructure:"base_url"`
	RequestTimeout   time.Duration `mapstructure:"request_timeout"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
}

// TimingConfig holds the session timer periods
type TimingConfig struct {
	TelemetryInterval  time.Duration `mapstructure:"telemetry_interval"`
	ReconnectDelay     time.Duration `mapstructure:"reconnect_delay"`
	CountdownSeconds   int           `mapstructure:"countdown_seconds"`
	CountdownTick      time.Duration `mapstructure:"countdown_tick"`
	SafeModeGrace      time.Duration `mapstructure:"safe_mode_grace"`
	HealthInterval     time.Duration `mapstructure:"health_interval"`
	HealthInitialDelay time.Duration `mapstructure:"health_initial_delay"`
}

// LoggingConfig holds logging-specific configuration
type LoggingConfig struct {
	Level       string   `mapstructure:"level"`
	Format      string   `mapstructure:"format"`
	OutputPaths []string `mapstructure:"output_paths"`
	File        string   `mapstructure:"file"`
	EnableTrace bool     `mapstructure:"enable_trace"`
}

// AdminConfig controls the admin HTTP API
type AdminConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// ResilienceConfig guards the backend REST calls
type ResilienceConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	ResetTimeout     time.Duration `mapstructure:"reset_timeout"`
	RateLimit        float64       `mapstructure:"rate_limit"`
	Burst            int           `mapstructure:"burst"`
}

// EventLogConfig sizes the user-visible event log
type EventLogConfig struct {
	Capacity     int    `mapstructure:"capacity"`
	FullBehavior string `mapstructure:"full_behavior"`
}

// MockServerConfig configures the stand-in detection backend
type MockServerConfig struct {
	Addr           string  `mapstructure:"addr"`
	SpeedThreshold float64 `mapstructure:"speed_threshold"`
}

// LoadConfig loads the configuration from the specified file and environments
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	setDefaultConfig(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		log.Info().Str("config_file", configPath).Msg("Loaded configuration file")
	} else {
		log.Info().Msg("No configuration file provided, using environment variables and defaults")
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	v := viper.New()
	setDefaultConfig(v)

	cfg, err := decode(v)
	if err != nil {
		log.Error().Err(err).Msg("Failed to decode default configuration")
		return &Config{}
	}
	return cfg
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

// Validate rejects values the session cannot run with.
func (c *Config) Validate() error {
	if c.Backend.BaseURL == "" {
		return fmt.Errorf("backend.base_url is required")
	}
	if c.Timing.CountdownSeconds < 0 {
		return fmt.Errorf("timing.countdown_seconds must not be negative")
	}
	for name, d := range map[string]time.Duration{
		"timing.telemetry_interval": c.Timing.TelemetryInterval,
		"timing.reconnect_delay":    c.Timing.ReconnectDelay,
		"timing.health_interval":    c.Timing.HealthInterval,
	} {
		if d < 0 {
			return fmt.Errorf("%s must not be negative", name)
		}
	}
	return nil
}

// setDefaultConfig sets the default configuration values
func setDefaultConfig(v *viper.Viper) {
	// Backend defaults
	v.SetDefault("backend.base_url", "http://localhost:8000")
	v.SetDefault("backend.request_timeout", "5s")
	v.SetDefault("backend.handshake_timeout", "10s")

	// Timing defaults
	v.SetDefault("timing.telemetry_interval", "1s")
	v.SetDefault("timing.reconnect_delay", "5s")
	v.SetDefault("timing.countdown_seconds", 6)
	v.SetDefault("timing.countdown_tick", "1s")
	v.SetDefault("timing.safe_mode_grace", "2s")
	v.SetDefault("timing.health_interval", "5s")
	v.SetDefault("timing.health_initial_delay", "1s")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("logging.output_paths", []string{})
	v.SetDefault("logging.file", "")
	v.SetDefault("logging.enable_trace", false)

	// Metrics defaults
	metrics := telemetry.DefaultMetricsConfig()
	v.SetDefault("metrics.prometheus_enabled", metrics.PrometheusEnabled)
	v.SetDefault("metrics.prometheus_namespace", metrics.PrometheusNamespace)
	v.SetDefault("metrics.otel_enabled", metrics.OTelEnabled)
	v.SetDefault("metrics.otel_endpoint", metrics.OTelEndpoint)
	v.SetDefault("metrics.otel_insecure", metrics.OTelInsecure)
	v.SetDefault("metrics.otel_interval", metrics.OTelInterval.String())
	v.SetDefault("metrics.rate_limit", metrics.RateLimit)

	// Admin defaults
	v.SetDefault("admin.enabled", true)
	v.SetDefault("admin.addr", ":9091")

	// Resilience defaults
	v.SetDefault("resilience.failure_threshold", 5)
	v.SetDefault("resilience.reset_timeout", "30s")
	v.SetDefault("resilience.rate_limit", 10.0)
	v.SetDefault("resilience.burst", 5)

	// Event log defaults
	v.SetDefault("eventlog.capacity", 20)
	v.SetDefault("eventlog.full_behavior", "drop_oldest")

	// Mock backend defaults
	v.SetDefault("mockserver.addr", ":8000")
	v.SetDefault("mockserver.speed_threshold", 0.0)
}
