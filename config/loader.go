// =============================================================================
// 📦 llmgate 配置加载器
// =============================================================================
// 统一配置加载，支持 YAML 文件 + 环境变量覆盖
//
// 使用方法:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("config.yaml").
//	    WithEnvPrefix("").
//	    Load()
//
// 配置优先级: 默认值 → YAML 文件 → 环境变量
// =============================================================================
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/relaymesh/llmgate/types"
)

// =============================================================================
// 🎯 核心配置结构
// =============================================================================

// Config 是 llmgate 的完整配置结构
type Config struct {
	// Server 服务器配置
	Server ServerConfig `yaml:"server" env:"SERVER"`

	// Redis 缓存配置
	Redis RedisConfig `yaml:"redis" env:"REDIS"`

	// Database 数据库配置（网关/网关用户存储的持久层）
	Database DatabaseConfig `yaml:"database" env:"DATABASE"`

	// Log 日志配置
	Log LogConfig `yaml:"log" env:"LOG"`

	// Telemetry 遥测配置
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`

	// Gatekeeper 网关认证模式配置，无内部前缀，字段名即裸环境变量名
	Gatekeeper GatekeeperConfig `yaml:"gatekeeper"`

	// Providers 各上游凭证信封
	Providers ProvidersConfig `yaml:"providers"`

	// Limits 请求级别的上下文/输出/模型速率限制
	Limits LimitsConfig `yaml:"limits"`

	// Quota 按 ModelFamily 划分的 Token 配额及刷新周期
	Quota QuotaConfig `yaml:"quota"`

	// Budget 代理级 Token/费用预算上限，独立于单用户配额
	Budget BudgetConfig `yaml:"budget"`

	// Proxy 其余代理级开关
	Proxy ProxyConfig `yaml:"proxy"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	// HTTP 端口
	HTTPPort int `yaml:"http_port" env:"HTTP_PORT"`
	// gRPC 端口（内部管理接口，非代理流量）
	GRPCPort int `yaml:"grpc_port" env:"GRPC_PORT"`
	// Metrics 端口
	MetricsPort int `yaml:"metrics_port" env:"METRICS_PORT"`
	// 读取超时
	ReadTimeout time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	// 写入超时
	WriteTimeout time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	// 优雅关闭超时
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	// 是否允许 ?api_key= 查询参数作为 X-API-Key 头的备用方式
	AllowQueryAPIKey bool `yaml:"allow_query_api_key" env:"ALLOW_QUERY_API_KEY"`
	// 每个来源 IP 每秒允许的请求数（令牌桶）
	RateLimitRPS int `yaml:"rate_limit_rps" env:"RATE_LIMIT_RPS"`
	// 令牌桶突发容量
	RateLimitBurst int `yaml:"rate_limit_burst" env:"RATE_LIMIT_BURST"`
}

// RedisConfig Redis 配置
type RedisConfig struct {
	// 地址
	Addr string `yaml:"addr" env:"ADDR"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库编号
	DB int `yaml:"db" env:"DB"`
	// 连接池大小
	PoolSize int `yaml:"pool_size" env:"POOL_SIZE"`
	// 最小空闲连接
	MinIdleConns int `yaml:"min_idle_conns" env:"MIN_IDLE_CONNS"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	// 驱动类型: postgres, mysql, sqlite
	Driver string `yaml:"driver" env:"DRIVER"`
	// 主机
	Host string `yaml:"host" env:"HOST"`
	// 端口
	Port int `yaml:"port" env:"PORT"`
	// 用户名
	User string `yaml:"user" env:"USER"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库名
	Name string `yaml:"name" env:"NAME"`
	// SSL 模式
	SSLMode string `yaml:"ssl_mode" env:"SSL_MODE"`
	// 最大连接数
	MaxOpenConns int `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	// 最大空闲连接
	MaxIdleConns int `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	// 连接最大生命周期
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
}

// LogConfig 日志配置
type LogConfig struct {
	// 日志级别: debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// 输出格式: json, console
	Format string `yaml:"format" env:"FORMAT"`
	// 输出路径
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	// 是否启用调用者信息
	EnableCaller bool `yaml:"enable_caller" env:"ENABLE_CALLER"`
	// 是否启用堆栈跟踪
	EnableStacktrace bool `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// TelemetryConfig 遥测配置
type TelemetryConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// OTLP 端点
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	// 服务名称
	ServiceName string `yaml:"service_name" env:"SERVICE_NAME"`
	// 采样率
	SampleRate float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// GatekeeperMode selects how inbound requests are authenticated.
type GatekeeperMode string

const (
	GatekeeperNone      GatekeeperMode = "none"
	GatekeeperProxyKey  GatekeeperMode = "proxy_key"
	GatekeeperUserToken GatekeeperMode = "user_token"
)

// GatekeeperStoreKind selects where GATEKEEPER=user_token persists users.
type GatekeeperStoreKind string

const (
	GatekeeperStoreMemory       GatekeeperStoreKind = "memory"
	GatekeeperStoreFirebaseRTDB GatekeeperStoreKind = "firebase_rtdb"
)

// GatekeeperConfig selects the ingress authentication mode and, when
// GATEKEEPER=user_token, where internal/userstore persists its rows.
// Both fields bind to bare environment variable names (no section prefix)
// because they're named GATEKEEPER / GATEKEEPER_STORE directly.
type GatekeeperConfig struct {
	Mode  GatekeeperMode      `yaml:"mode" env:"GATEKEEPER"`
	Store GatekeeperStoreKind `yaml:"store" env:"GATEKEEPER_STORE"`

	// ProxyKey is the single shared secret GATEKEEPER=proxy_key compares
	// every inbound Authorization/x-api-key value against; Validate
	// rejects proxy_key mode when it's empty.
	ProxyKey string `yaml:"proxy_key" env:"PROXY_KEY"`
}

// ProvidersConfig holds the raw credential envelopes for each upstream provider.
// Each value keeps the wire format described there (comma-separated bare
// keys, AWS triples, the Azure resourceName:deploymentId:apiKey tuple, the
// base64 GCP service account blob); parsing them into types.Key values is
// cmd/proxy's bootstrap responsibility, not config's.
type ProvidersConfig struct {
	OpenAIKey        string `yaml:"openai_key" env:"OPENAI_KEY"`
	AnthropicKey     string `yaml:"anthropic_key" env:"ANTHROPIC_KEY"`
	GoogleAIKey      string `yaml:"google_ai_key" env:"GOOGLE_AI_KEY"`
	MistralAIKey     string `yaml:"mistral_ai_key" env:"MISTRAL_AI_KEY"`
	AWSCredentials   string `yaml:"aws_credentials" env:"AWS_CREDENTIALS"`
	AzureCredentials string `yaml:"azure_credentials" env:"AZURE_CREDENTIALS"`
	GCPCredentials   string `yaml:"gcp_credentials" env:"GCP_CREDENTIALS"`
}

// LimitsConfig tunes the per-IP/per-user/per-service ceilings the
// preprocessor chain enforces (llm/preprocessor.Config.MaxContextTokens/
// MaxOutputTokens are built from this at wiring time in cmd/proxy).
type LimitsConfig struct {
	MaxIPsPerUser  int  `yaml:"max_ips_per_user" env:"MAX_IPS_PER_USER"`
	MaxIPsAutoBan  bool `yaml:"max_ips_auto_ban" env:"MAX_IPS_AUTO_BAN"`
	ModelRateLimit int  `yaml:"model_rate_limit" env:"MODEL_RATE_LIMIT"`

	MaxContextTokensOpenAI    int `yaml:"max_context_tokens_openai" env:"MAX_CONTEXT_TOKENS_OPENAI"`
	MaxContextTokensAnthropic int `yaml:"max_context_tokens_anthropic" env:"MAX_CONTEXT_TOKENS_ANTHROPIC"`
	MaxOutputTokensOpenAI     int `yaml:"max_output_tokens_openai" env:"MAX_OUTPUT_TOKENS_OPENAI"`
	MaxOutputTokensAnthropic  int `yaml:"max_output_tokens_anthropic" env:"MAX_OUTPUT_TOKENS_ANTHROPIC"`

	// AllowedModelFamilies filters the synthetic /v1/models listing and
	// rejects requests for families not named here; empty means "all".
	AllowedModelFamilies []string `yaml:"allowed_model_families" env:"ALLOWED_MODEL_FAMILIES"`
}

// AsServiceMaps expands the per-service MaxContextTokens/MaxOutputTokens
// fields into the map shape preprocessor.Config expects. Families other
// than OpenAI/Anthropic are left unset.
func (l LimitsConfig) AsServiceMaps() (maxContext, maxOutput map[types.Service]int) {
	maxContext = map[types.Service]int{
		types.ServiceOpenAI:    l.MaxContextTokensOpenAI,
		types.ServiceAnthropic: l.MaxContextTokensAnthropic,
	}
	maxOutput = map[types.Service]int{
		types.ServiceOpenAI:    l.MaxOutputTokensOpenAI,
		types.ServiceAnthropic: l.MaxOutputTokensAnthropic,
	}
	return maxContext, maxOutput
}

// QuotaConfig holds the per-ModelFamily token quota an unspecial user is
// granted per refresh period (TOKEN_QUOTA_{TURBO,GPT4,…}).
type QuotaConfig struct {
	// RefreshPeriod ∈ {hourly, daily, <cron expression>}.
	RefreshPeriod string `yaml:"refresh_period" env:"QUOTA_REFRESH_PERIOD"`

	Turbo         int64 `yaml:"turbo" env:"TOKEN_QUOTA_TURBO"`
	GPT4          int64 `yaml:"gpt4" env:"TOKEN_QUOTA_GPT4"`
	GPT4_32k      int64 `yaml:"gpt4_32k" env:"TOKEN_QUOTA_GPT4_32K"`
	GPT4Turbo     int64 `yaml:"gpt4_turbo" env:"TOKEN_QUOTA_GPT4_TURBO"`
	DallE         int64 `yaml:"dall_e" env:"TOKEN_QUOTA_DALL_E"`
	Claude        int64 `yaml:"claude" env:"TOKEN_QUOTA_CLAUDE"`
	GeminiPro     int64 `yaml:"gemini_pro" env:"TOKEN_QUOTA_GEMINI_PRO"`
	MistralTiny   int64 `yaml:"mistral_tiny" env:"TOKEN_QUOTA_MISTRAL_TINY"`
	MistralSmall  int64 `yaml:"mistral_small" env:"TOKEN_QUOTA_MISTRAL_SMALL"`
	MistralMedium int64 `yaml:"mistral_medium" env:"TOKEN_QUOTA_MISTRAL_MEDIUM"`
	AWSClaude     int64 `yaml:"aws_claude" env:"TOKEN_QUOTA_AWS_CLAUDE"`
	AzureTurbo    int64 `yaml:"azure_turbo" env:"TOKEN_QUOTA_AZURE_TURBO"`
	AzureGPT4     int64 `yaml:"azure_gpt4" env:"TOKEN_QUOTA_AZURE_GPT4"`
	AzureGPT432   int64 `yaml:"azure_gpt4_32k" env:"TOKEN_QUOTA_AZURE_GPT4_32K"`
	AzureGPT4T    int64 `yaml:"azure_gpt4_turbo" env:"TOKEN_QUOTA_AZURE_GPT4_TURBO"`
}

// AsFamilyMap expands the named per-family fields into the
// map[types.ModelFamily]int64 shape types.User.TokenLimits uses, so
// cmd/proxy can seed a new user's limits straight from config.
func (q QuotaConfig) AsFamilyMap() map[types.ModelFamily]int64 {
	return map[types.ModelFamily]int64{
		types.FamilyTurbo:       q.Turbo,
		types.FamilyGPT4:        q.GPT4,
		types.FamilyGPT4_32k:    q.GPT4_32k,
		types.FamilyGPT4Turbo:   q.GPT4Turbo,
		types.FamilyDallE:       q.DallE,
		types.FamilyClaude:      q.Claude,
		types.FamilyGeminiPro:   q.GeminiPro,
		types.FamilyMistralTiny: q.MistralTiny,
		types.FamilyMistralSm:   q.MistralSmall,
		types.FamilyMistralMed:  q.MistralMedium,
		types.FamilyAWSClaude:   q.AWSClaude,
		types.FamilyAzureTurbo:  q.AzureTurbo,
		types.FamilyAzureGPT4:   q.AzureGPT4,
		types.FamilyAzureGPT432: q.AzureGPT432,
		types.FamilyAzureGPT4T:  q.AzureGPT4T,
	}
}

// BudgetConfig bounds the proxy-wide token/cost ceiling llm/budget.TokenBudgetManager
// enforces ahead of every request, independent of any single user's own
// TOKEN_QUOTA_* allowance. A zero ceiling field means that ceiling is not
// enforced.
type BudgetConfig struct {
	Enabled             bool          `yaml:"enabled" env:"BUDGET_ENABLED"`
	MaxTokensPerRequest int           `yaml:"max_tokens_per_request" env:"BUDGET_MAX_TOKENS_PER_REQUEST"`
	MaxTokensPerMinute  int           `yaml:"max_tokens_per_minute" env:"BUDGET_MAX_TOKENS_PER_MINUTE"`
	MaxTokensPerHour    int           `yaml:"max_tokens_per_hour" env:"BUDGET_MAX_TOKENS_PER_HOUR"`
	MaxTokensPerDay     int           `yaml:"max_tokens_per_day" env:"BUDGET_MAX_TOKENS_PER_DAY"`
	MaxCostPerRequest   float64       `yaml:"max_cost_per_request" env:"BUDGET_MAX_COST_PER_REQUEST"`
	MaxCostPerDay       float64       `yaml:"max_cost_per_day" env:"BUDGET_MAX_COST_PER_DAY"`
	AlertThreshold      float64       `yaml:"alert_threshold" env:"BUDGET_ALERT_THRESHOLD"`
	AutoThrottle        bool          `yaml:"auto_throttle" env:"BUDGET_AUTO_THROTTLE"`
	ThrottleDelay       time.Duration `yaml:"throttle_delay" env:"BUDGET_THROTTLE_DELAY"`
}

// ProxyConfig holds the remaining proxy-wide toggles.
type ProxyConfig struct {
	// CheckKeys enables the background key-health prober (llm/keychecker).
	CheckKeys bool `yaml:"check_keys" env:"CHECK_KEYS"`
	// PromptLogging persists inbound/outbound message bodies for audit.
	PromptLogging bool `yaml:"prompt_logging" env:"PROMPT_LOGGING"`
	// RisuTokenSecret, when set, is the HMAC secret the x-risu-tk header's
	// JWT is verified against. Empty means the header is accepted as an
	// opaque concurrency-cap identity with no signature check.
	RisuTokenSecret string `yaml:"risu_token_secret" env:"RISU_TOKEN_SECRET"`
}

// =============================================================================
// 🔧 配置加载器
// =============================================================================

// Loader 配置加载器（Builder 模式）
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader 创建新的配置加载器。默认不加前缀，因为下面列出的裸环境变量
// （OPENAI_KEY、GATEKEEPER、MAX_IPS_PER_USER…）都是裸名称，不带命名空间。
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "",
		validators: make([]func(*Config) error, 0),
	}
}

// WithConfigPath 设置配置文件路径
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix 设置环境变量前缀
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator 添加配置验证器
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load 加载配置
// 优先级: 默认值 → YAML 文件 → 环境变量
func (l *Loader) Load() (*Config, error) {
	// 1. 从默认值开始
	cfg := DefaultConfig()

	// 2. 如果指定了配置文件，从文件加载
	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	// 3. 从环境变量覆盖
	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	// 4. 运行验证器
	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

// loadFromFile 从 YAML 文件加载配置
func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			// 文件不存在，使用默认值
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// loadFromEnv 从环境变量加载配置
func (l *Loader) loadFromEnv(cfg *Config) error {
	return l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

// setFieldsFromEnv 递归设置结构体字段。一个子结构体字段若带 env tag（如
// ServerConfig 的 "SERVER"），其子字段名前缀叠加该 tag；若未打 env tag
// （Gatekeeper、Providers、Limits、Quota、Proxy 这类分组），则原样展开，
// 不叠加任何前缀层——这样 OPENAI_KEY、GATEKEEPER 这些裸名称
// 才能在分组到 Go 结构体之后依然精确匹配。
func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		envTag := fieldType.Tag.Get("env")
		if envTag == "-" {
			continue
		}

		if field.Kind() == reflect.Struct {
			nextPrefix := prefix
			if envTag != "" {
				if nextPrefix != "" {
					nextPrefix = nextPrefix + "_" + envTag
				} else {
					nextPrefix = envTag
				}
			}
			if err := l.setFieldsFromEnv(field, nextPrefix); err != nil {
				return err
			}
			continue
		}

		if envTag == "" {
			continue
		}

		envKey := envTag
		if prefix != "" {
			envKey = prefix + "_" + envTag
		}

		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}

		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}

	return nil
}

// setFieldValue 设置字段值
func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		// 特殊处理 time.Duration
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetUint(u)

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		// 支持逗号分隔的字符串切片
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}

	return nil
}

// =============================================================================
// 🔍 辅助函数
// =============================================================================

// MustLoad 加载配置，失败时 panic
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// LoadFromEnv 仅从环境变量加载配置
func LoadFromEnv() (*Config, error) {
	return NewLoader().Load()
}

// Validate 验证配置
func (c *Config) Validate() error {
	var errs []string

	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		errs = append(errs, "invalid HTTP port")
	}

	switch c.Gatekeeper.Mode {
	case GatekeeperNone, GatekeeperProxyKey, GatekeeperUserToken:
	default:
		errs = append(errs, fmt.Sprintf("invalid gatekeeper mode %q", c.Gatekeeper.Mode))
	}

	if c.Gatekeeper.Mode == GatekeeperUserToken {
		switch c.Gatekeeper.Store {
		case GatekeeperStoreMemory, GatekeeperStoreFirebaseRTDB:
		default:
			errs = append(errs, fmt.Sprintf("invalid gatekeeper store %q", c.Gatekeeper.Store))
		}
	}

	if c.Gatekeeper.Mode == GatekeeperProxyKey && c.Gatekeeper.ProxyKey == "" {
		errs = append(errs, "gatekeeper proxy_key mode requires a non-empty proxy_key")
	}

	if c.Limits.MaxIPsPerUser < 0 {
		errs = append(errs, "max_ips_per_user must not be negative")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// DSN 返回数据库连接字符串
func (d *DatabaseConfig) DSN() string {
	switch d.Driver {
	case "postgres":
		return fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode,
		)
	case "mysql":
		return fmt.Sprintf(
			"%s:%s@tcp(%s:%d)/%s?parseTime=true",
			d.User, d.Password, d.Host, d.Port, d.Name,
		)
	case "sqlite":
		return d.Name
	default:
		return ""
	}
}
