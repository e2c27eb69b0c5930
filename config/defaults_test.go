package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- DefaultConfig aggregate ---

func TestDefaultConfig_ContainsAllSubConfigs(t *testing.T) {
	cfg := DefaultConfig()
	require.NotNil(t, cfg)

	assert.NotEqual(t, ServerConfig{}, cfg.Server)
	assert.NotEqual(t, RedisConfig{}, cfg.Redis)
	assert.NotEqual(t, DatabaseConfig{}, cfg.Database)
	assert.NotEqual(t, LogConfig{}, cfg.Log)
	assert.NotEqual(t, TelemetryConfig{}, cfg.Telemetry)
	assert.NotEqual(t, GatekeeperConfig{}, cfg.Gatekeeper)
	assert.NotEqual(t, LimitsConfig{}, cfg.Limits)
	assert.NotEqual(t, QuotaConfig{}, cfg.Quota)
	assert.NotEqual(t, ProxyConfig{}, cfg.Proxy)
}

// --- Individual Default*Config functions ---

func TestDefaultServerConfig(t *testing.T) {
	cfg := DefaultServerConfig()
	assert.Equal(t, 8080, cfg.HTTPPort)
	assert.Equal(t, 9090, cfg.GRPCPort)
	assert.Equal(t, 9091, cfg.MetricsPort)
	assert.Equal(t, 30*time.Second, cfg.ReadTimeout)
	assert.Equal(t, 30*time.Second, cfg.WriteTimeout)
	assert.Equal(t, 15*time.Second, cfg.ShutdownTimeout)
	assert.False(t, cfg.AllowQueryAPIKey)
	assert.Equal(t, 100, cfg.RateLimitRPS)
	assert.Equal(t, 200, cfg.RateLimitBurst)
}

func TestDefaultRedisConfig(t *testing.T) {
	cfg := DefaultRedisConfig()
	assert.Equal(t, "localhost:6379", cfg.Addr)
	assert.Empty(t, cfg.Password)
	assert.Equal(t, 0, cfg.DB)
	assert.Equal(t, 10, cfg.PoolSize)
	assert.Equal(t, 2, cfg.MinIdleConns)
}

func TestDefaultDatabaseConfig(t *testing.T) {
	cfg := DefaultDatabaseConfig()
	assert.Equal(t, "postgres", cfg.Driver)
	assert.Equal(t, "localhost", cfg.Host)
	assert.Equal(t, 5432, cfg.Port)
	assert.Equal(t, "llmgate", cfg.User)
	assert.Empty(t, cfg.Password)
	assert.Equal(t, "llmgate", cfg.Name)
	assert.Equal(t, "disable", cfg.SSLMode)
	assert.Equal(t, 25, cfg.MaxOpenConns)
	assert.Equal(t, 5, cfg.MaxIdleConns)
	assert.Equal(t, 5*time.Minute, cfg.ConnMaxLifetime)
}

func TestDefaultLogConfig(t *testing.T) {
	cfg := DefaultLogConfig()
	assert.Equal(t, "info", cfg.Level)
	assert.Equal(t, "json", cfg.Format)
	assert.Equal(t, []string{"stdout"}, cfg.OutputPaths)
	assert.True(t, cfg.EnableCaller)
	assert.False(t, cfg.EnableStacktrace)
}

func TestDefaultTelemetryConfig(t *testing.T) {
	cfg := DefaultTelemetryConfig()
	assert.False(t, cfg.Enabled)
	assert.Equal(t, "localhost:4317", cfg.OTLPEndpoint)
	assert.Equal(t, "llmgate", cfg.ServiceName)
	assert.InDelta(t, 0.1, cfg.SampleRate, 0.001)
}

func TestDefaultGatekeeperConfig(t *testing.T) {
	cfg := DefaultGatekeeperConfig()
	assert.Equal(t, GatekeeperNone, cfg.Mode)
	assert.Equal(t, GatekeeperStoreMemory, cfg.Store)
}

func TestDefaultLimitsConfig(t *testing.T) {
	cfg := DefaultLimitsConfig()
	assert.Equal(t, 5, cfg.MaxIPsPerUser)
	assert.False(t, cfg.MaxIPsAutoBan)
	assert.Equal(t, 60, cfg.ModelRateLimit)
	assert.Equal(t, 128000, cfg.MaxContextTokensOpenAI)
	assert.Equal(t, 200000, cfg.MaxContextTokensAnthropic)
	assert.Equal(t, 4096, cfg.MaxOutputTokensOpenAI)
	assert.Equal(t, 4096, cfg.MaxOutputTokensAnthropic)
	assert.Empty(t, cfg.AllowedModelFamilies)
}

func TestDefaultQuotaConfig(t *testing.T) {
	cfg := DefaultQuotaConfig()
	assert.Equal(t, "hourly", cfg.RefreshPeriod)
	assert.Zero(t, cfg.GPT4)
	assert.Zero(t, cfg.Claude)
}

func TestDefaultProxyConfig(t *testing.T) {
	cfg := DefaultProxyConfig()
	assert.True(t, cfg.CheckKeys)
	assert.False(t, cfg.PromptLogging)
}
