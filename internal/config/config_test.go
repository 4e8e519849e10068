package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/treelineapp/treeline/internal/util"
)

const sampleConfig = `
server:
  addr: ":9999"
  readTimeout: 5s
logging:
  level: debug
  format: console
metrics:
  enabled: false
jobs:
  breaker:
    enabled: true
    consecutiveFailures: 3
    openTimeout: 30s
channels:
  messageRate: 10
  redis:
    enabled: true
    addr: localhost:6379
`

func TestLoadFromReader_OverridesDefaults(t *testing.T) {
	cfg, err := LoadFromReader(strings.NewReader(sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, ":9999", cfg.Server.Addr)
	assert.Equal(t, 5*time.Second, cfg.Server.ReadTimeout.Duration())
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "console", cfg.Logging.Format)
	assert.False(t, cfg.Metrics.Enabled)
	assert.True(t, cfg.Jobs.Breaker.Enabled)
	assert.Equal(t, uint32(3), cfg.Jobs.Breaker.ConsecutiveFailures)
	assert.Equal(t, 30*time.Second, cfg.Jobs.Breaker.OpenTimeout.Duration())
	assert.Equal(t, float64(10), cfg.Channels.MessageRate)

	// Fields the file omits keep their defaults.
	assert.Equal(t, 15*time.Second, cfg.Server.ShutdownTimeout.Duration())
	assert.Equal(t, "treeline", cfg.Observability.ServiceName)
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "treeline.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleConfig), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.Server.Addr)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestLoadFromReader_InvalidYAML(t *testing.T) {
	_, err := LoadFromReader(strings.NewReader("server: ["))
	assert.Error(t, err)
}

func TestSubstituteEnvVars(t *testing.T) {
	t.Setenv("TREELINE_TEST_ADDR", ":7777")

	cfg, err := LoadFromReader(strings.NewReader(`
server:
  addr: "${TREELINE_TEST_ADDR}"
logging:
  level: "${TREELINE_TEST_MISSING:-warn}"
`))
	require.NoError(t, err)

	assert.Equal(t, ":7777", cfg.Server.Addr)
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestSubstituteEnvVars_EscapedDollar(t *testing.T) {
	assert.Equal(t, "${literal}", substituteEnvVars("$${literal}"))
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(cfg *Config)
		wantErr string
	}{
		{
			name:   "defaults are valid",
			mutate: func(*Config) {},
		},
		{
			name:    "missing listen address",
			mutate:  func(cfg *Config) { cfg.Server.Addr = "" },
			wantErr: "server.addr",
		},
		{
			name:    "bad log level",
			mutate:  func(cfg *Config) { cfg.Logging.Level = "verbose" },
			wantErr: "logging.level",
		},
		{
			name:    "bad log format",
			mutate:  func(cfg *Config) { cfg.Logging.Format = "xml" },
			wantErr: "logging.format",
		},
		{
			name:    "metrics enabled without addr",
			mutate:  func(cfg *Config) { cfg.Metrics.Addr = "" },
			wantErr: "metrics.addr",
		},
		{
			name: "tracing enabled without endpoint",
			mutate: func(cfg *Config) {
				cfg.Tracing.Enabled = true
				cfg.Tracing.OTLPEndpoint = ""
			},
			wantErr: "tracing.otlpEndpoint",
		},
		{
			name:    "sampling rate out of range",
			mutate:  func(cfg *Config) { cfg.Tracing.SamplingRate = 1.5 },
			wantErr: "tracing.samplingRate",
		},
		{
			name:    "negative message rate",
			mutate:  func(cfg *Config) { cfg.Channels.MessageRate = -1 },
			wantErr: "channels.messageRate",
		},
		{
			name:    "bridge enabled without addr",
			mutate:  func(cfg *Config) { cfg.Channels.Redis.Enabled = true },
			wantErr: "channels.redis.addr",
		},
		{
			name: "breaker threshold zero",
			mutate: func(cfg *Config) {
				cfg.Jobs.Breaker.Enabled = true
				cfg.Jobs.Breaker.ConsecutiveFailures = 0
			},
			wantErr: "jobs.breaker.consecutiveFailures",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := DefaultConfig()
			tt.mutate(cfg)

			err := Validate(cfg)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, util.ErrConfigInvalid)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidate_NilConfig(t *testing.T) {
	t.Parallel()
	assert.Error(t, Validate(nil))
}

func TestDuration_YAMLRoundTrip(t *testing.T) {
	t.Parallel()

	cfg, err := LoadFromReader(strings.NewReader("server:\n  idleTimeout: 90s\n"))
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, cfg.Server.IdleTimeout.Duration())
}
