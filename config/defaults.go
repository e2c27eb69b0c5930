// =============================================================================
// 📦 llmgate 默认配置
// =============================================================================
// 提供所有配置项的合理默认值
// =============================================================================
package config

import "time"

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Server:     DefaultServerConfig(),
		Redis:      DefaultRedisConfig(),
		Database:   DefaultDatabaseConfig(),
		Log:        DefaultLogConfig(),
		Telemetry:  DefaultTelemetryConfig(),
		Gatekeeper: DefaultGatekeeperConfig(),
		Providers:  ProvidersConfig{},
		Limits:     DefaultLimitsConfig(),
		Quota:      DefaultQuotaConfig(),
		Budget:     DefaultBudgetConfig(),
		Proxy:      DefaultProxyConfig(),
	}
}

// DefaultServerConfig 返回默认服务器配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:         8080,
		GRPCPort:         9090,
		MetricsPort:      9091,
		ReadTimeout:      30 * time.Second,
		WriteTimeout:     30 * time.Second,
		ShutdownTimeout:  15 * time.Second,
		AllowQueryAPIKey: false,
		RateLimitRPS:     100,
		RateLimitBurst:   200,
	}
}

// DefaultRedisConfig 返回默认 Redis 配置
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:         "localhost:6379",
		Password:     "",
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 2,
	}
}

// DefaultDatabaseConfig 返回默认数据库配置
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:          "postgres",
		Host:            "localhost",
		Port:            5432,
		User:            "llmgate",
		Password:        "",
		Name:            "llmgate",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultTelemetryConfig 返回默认遥测配置
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "llmgate",
		SampleRate:   0.1,
	}
}

// DefaultGatekeeperConfig 返回默认网关认证配置：未配置凭证时最安全的选择
// 是完全放行（none），部署时通过 GATEKEEPER 环境变量切到 proxy_key 或
// user_token。
func DefaultGatekeeperConfig() GatekeeperConfig {
	return GatekeeperConfig{
		Mode:  GatekeeperNone,
		Store: GatekeeperStoreMemory,
	}
}

// DefaultLimitsConfig 返回默认限制配置
func DefaultLimitsConfig() LimitsConfig {
	return LimitsConfig{
		MaxIPsPerUser:  5,
		MaxIPsAutoBan:  false,
		ModelRateLimit: 60,

		MaxContextTokensOpenAI:    128000,
		MaxContextTokensAnthropic: 200000,
		MaxOutputTokensOpenAI:     4096,
		MaxOutputTokensAnthropic:  4096,

		AllowedModelFamilies: nil,
	}
}

// DefaultQuotaConfig 返回默认配额配置，按小时刷新且配额全部为 0（未显式
// 配置时用户无配额可用，避免在凭证尚未就位时悄悄放行无限用量）。
func DefaultQuotaConfig() QuotaConfig {
	return QuotaConfig{
		RefreshPeriod: "hourly",
	}
}

// DefaultBudgetConfig 返回默认预算配置：禁用，不配置时不限制代理级用量
func DefaultBudgetConfig() BudgetConfig {
	return BudgetConfig{
		Enabled:             false,
		MaxTokensPerRequest: 100000,
		MaxTokensPerMinute:  500000,
		MaxTokensPerHour:    5000000,
		MaxTokensPerDay:     50000000,
		MaxCostPerRequest:   10.0,
		MaxCostPerDay:       1000.0,
		AlertThreshold:      0.8,
		AutoThrottle:        true,
		ThrottleDelay:       time.Second,
	}
}

// DefaultProxyConfig 返回默认代理开关配置
func DefaultProxyConfig() ProxyConfig {
	return ProxyConfig{
		CheckKeys:     true,
		PromptLogging: false,
	}
}
