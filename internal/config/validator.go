package config

import (
	"github.com/treelineapp/treeline/internal/util"
)

// validLogLevels are the accepted logging levels.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
	"fatal": true,
}

// validLogFormats are the accepted logging formats.
var validLogFormats = map[string]bool{
	"json":    true,
	"console": true,
}

// Validate checks the configuration for startup-time errors.
// The runtime fails fast on an invalid configuration.
func Validate(cfg *Config) error {
	if cfg == nil {
		return util.NewConfigError("", "configuration is nil")
	}

	if cfg.Server.Addr == "" {
		return util.NewConfigError("server.addr", "listen address is required")
	}

	if !validLogLevels[cfg.Logging.Level] {
		return util.NewConfigError("logging.level", "must be one of debug, info, warn, error, fatal")
	}

	if !validLogFormats[cfg.Logging.Format] {
		return util.NewConfigError("logging.format", "must be json or console")
	}

	if cfg.Metrics.Enabled && cfg.Metrics.Addr == "" {
		return util.NewConfigError("metrics.addr", "metrics address is required when metrics are enabled")
	}

	if cfg.Tracing.Enabled && cfg.Tracing.OTLPEndpoint == "" {
		return util.NewConfigError("tracing.otlpEndpoint", "OTLP endpoint is required when tracing is enabled")
	}

	if cfg.Tracing.SamplingRate < 0 || cfg.Tracing.SamplingRate > 1 {
		return util.NewConfigError("tracing.samplingRate", "must be between 0 and 1")
	}

	if cfg.Channels.MessageRate < 0 {
		return util.NewConfigError("channels.messageRate", "must not be negative")
	}

	if cfg.Channels.SendBuffer < 0 {
		return util.NewConfigError("channels.sendBuffer", "must not be negative")
	}

	if cfg.Channels.Redis.Enabled && cfg.Channels.Redis.Addr == "" {
		return util.NewConfigError("channels.redis.addr", "redis address is required when the bridge is enabled")
	}

	if cfg.Jobs.Breaker.Enabled && cfg.Jobs.Breaker.ConsecutiveFailures == 0 {
		return util.NewConfigError("jobs.breaker.consecutiveFailures", "must be at least 1")
	}

	return nil
}
