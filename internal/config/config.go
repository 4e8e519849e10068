// Package config defines the runtime configuration model and its
// YAML loader, validator, and file watcher.
package config

import "time"

// Config is the top-level runtime configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Logging       LoggingConfig       `yaml:"logging"`
	Metrics       MetricsConfig       `yaml:"metrics"`
	Tracing       TracingConfig       `yaml:"tracing"`
	Jobs          JobsConfig          `yaml:"jobs"`
	Channels      ChannelsConfig      `yaml:"channels"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Addr            string   `yaml:"addr"`
	ReadTimeout     Duration `yaml:"readTimeout"`
	WriteTimeout    Duration `yaml:"writeTimeout"`
	IdleTimeout     Duration `yaml:"idleTimeout"`
	ShutdownTimeout Duration `yaml:"shutdownTimeout"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Addr      string `yaml:"addr"`
	Namespace string `yaml:"namespace"`
}

// TracingConfig configures OpenTelemetry tracing.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	OTLPEndpoint string  `yaml:"otlpEndpoint"`
	SamplingRate float64 `yaml:"samplingRate"`
}

// JobsConfig configures the background job scheduler.
type JobsConfig struct {
	// Breaker guards repeatedly failing jobs; when tripped, runs are
	// skipped until the breaker half-opens.
	Breaker BreakerConfig `yaml:"breaker"`
}

// BreakerConfig configures the job failure circuit breaker.
type BreakerConfig struct {
	Enabled             bool     `yaml:"enabled"`
	ConsecutiveFailures uint32   `yaml:"consecutiveFailures"`
	OpenTimeout         Duration `yaml:"openTimeout"`
}

// ChannelsConfig configures the real-time channel hub.
type ChannelsConfig struct {
	// MessageRate is the per-member inbound message allowance
	// (messages per second); zero disables rate limiting.
	MessageRate float64 `yaml:"messageRate"`

	// MessageBurst is the per-member burst allowance.
	MessageBurst int `yaml:"messageBurst"`

	// SendBuffer is the per-member outbound frame buffer size.
	SendBuffer int `yaml:"sendBuffer"`

	// Redis enables the cross-instance broadcast bridge.
	Redis RedisBridgeConfig `yaml:"redis"`
}

// RedisBridgeConfig configures the Redis pub/sub broadcast bridge.
type RedisBridgeConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
	Prefix  string `yaml:"prefix"`
}

// ObservabilityConfig names the service for telemetry.
type ObservabilityConfig struct {
	ServiceName string `yaml:"serviceName"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     Duration(30 * time.Second),
			WriteTimeout:    Duration(0), // streams need an unbounded write window
			IdleTimeout:     Duration(120 * time.Second),
			ShutdownTimeout: Duration(15 * time.Second),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Addr:      ":9090",
			Namespace: "treeline",
		},
		Tracing: TracingConfig{
			Enabled:      false,
			SamplingRate: 1.0,
		},
		Jobs: JobsConfig{
			Breaker: BreakerConfig{
				Enabled:             false,
				ConsecutiveFailures: 5,
				OpenTimeout:         Duration(time.Minute),
			},
		},
		Channels: ChannelsConfig{
			MessageRate:  0,
			MessageBurst: 10,
			SendBuffer:   64,
			Redis: RedisBridgeConfig{
				Prefix: "treeline",
			},
		},
		Observability: ObservabilityConfig{
			ServiceName: "treeline",
		},
	}
}
