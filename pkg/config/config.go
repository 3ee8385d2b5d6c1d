// Package config 提供 TOML 配置加载、环境变量覆盖与校验
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 服务配置
type Config struct {
	// 服务名称
	ServiceName string `mapstructure:"service_name"`
	// 服务版本
	Version string `mapstructure:"version"`
	// 环境：dev, staging, prod
	Environment string `mapstructure:"environment"`

	HTTP      HTTPConfig      `mapstructure:"http"`
	GRPC      GRPCConfig      `mapstructure:"grpc"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Logger    LoggerConfig    `mapstructure:"logger"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Trading   TradingConfig   `mapstructure:"trading"`
}

// HTTPConfig HTTP 服务配置
type HTTPConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	// 读超时（秒）
	ReadTimeout int `mapstructure:"read_timeout"`
	// 写超时（秒）
	WriteTimeout int `mapstructure:"write_timeout"`
}

// GRPCConfig gRPC 服务配置
type GRPCConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	// 最大并发流数
	MaxConcurrentStreams int `mapstructure:"max_concurrent_streams"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	// 驱动：mysql, postgres, memory
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
	// 最大连接数
	MaxOpenConns int `mapstructure:"max_open_conns"`
	// 最大空闲连接数
	MaxIdleConns int `mapstructure:"max_idle_conns"`
	// 连接最大生命周期（秒）
	ConnMaxLifetime int `mapstructure:"conn_max_lifetime"`
	// 是否启用 SQL 日志
	LogEnabled bool `mapstructure:"log_enabled"`
	// 慢查询阈值（毫秒）
	SlowQueryThreshold int `mapstructure:"slow_query_threshold"`
	// 启动时自动建表
	AutoMigrate bool `mapstructure:"auto_migrate"`
}

// RedisConfig Redis 配置
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	// 最大连接数
	MaxPoolSize int `mapstructure:"max_pool_size"`
	// 连接超时（秒）
	ConnTimeout int `mapstructure:"conn_timeout"`
	// 读超时（秒）
	ReadTimeout int `mapstructure:"read_timeout"`
	// 写超时（秒）
	WriteTimeout int `mapstructure:"write_timeout"`
}

// KafkaConfig Kafka 配置
type KafkaConfig struct {
	// 关闭时领域事件只写日志
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
	GroupID string   `mapstructure:"group_id"`
	// 消费者会话超时（秒）
	SessionTimeout int `mapstructure:"session_timeout"`
	MaxRetries     int `mapstructure:"max_retries"`
	// 重试退避（毫秒）
	RetryBackoff int `mapstructure:"retry_backoff"`
	// 领域事件 topic
	EventTopic string `mapstructure:"event_topic"`
	// 标记价格 topic
	PriceTopic string `mapstructure:"price_topic"`
}

// LoggerConfig 日志配置
type LoggerConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	FilePath   string `mapstructure:"file_path"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
	WithCaller bool   `mapstructure:"with_caller"`
}

// MetricsConfig 指标配置
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Port    int    `mapstructure:"port"`
	Path    string `mapstructure:"path"`
}

// RateLimitConfig 下单限流配置
type RateLimitConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// 每秒请求数
	QPS   int `mapstructure:"qps"`
	Burst int `mapstructure:"burst"`
}

// PriceBandConfig 品种合理价格区间
type PriceBandConfig struct {
	Min float64 `mapstructure:"min"`
	Max float64 `mapstructure:"max"`
}

// TradingConfig 交易核心参数
type TradingConfig struct {
	MinOrderSize          float64  `mapstructure:"min_order_size"`
	MaxOrderSize          float64  `mapstructure:"max_order_size"`
	MaxNotionalPerOrder   float64  `mapstructure:"max_notional_per_order"`
	DefaultQuote          string   `mapstructure:"default_quote"`
	KnownQuotes           []string `mapstructure:"known_quotes"`
	MaintenanceMarginRate float64  `mapstructure:"maintenance_margin_rate"`
	// 交易对 -> 最大杠杆，必须包含 Default
	LeverageCaps map[string]int `mapstructure:"leverage_caps"`
	// 交易对 -> 合理价格区间，Default 作为兜底
	PriceBands    map[string]PriceBandConfig `mapstructure:"price_bands"`
	BandTolerance float64                    `mapstructure:"band_tolerance"`

	FallbackMakerFeePercent float64       `mapstructure:"fallback_maker_fee_percent"`
	FallbackTakerFeePercent float64       `mapstructure:"fallback_taker_fee_percent"`
	FeeCacheTTL             time.Duration `mapstructure:"fee_cache_ttl"`

	RiskInterval   time.Duration `mapstructure:"risk_interval"`
	InitialBalance float64       `mapstructure:"initial_balance"`

	// 标记价格来源：redis, kafka, static
	PriceSource  string             `mapstructure:"price_source"`
	PriceTTL     time.Duration      `mapstructure:"price_ttl"`
	StaticPrices map[string]float64 `mapstructure:"static_prices"`
}

// Load 从 TOML 文件加载配置（文件缺失时仅使用默认值），支持 APP_ 前缀环境变量覆盖
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(configPath)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		if _, statErr := os.Stat(configPath); statErr == nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvPrefix("APP")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// Validate 验证配置的有效性
func (c *Config) Validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("service_name is required")
	}
	if c.Environment == "" {
		c.Environment = "dev"
	}
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.HTTP.Port)
	}
	if c.GRPC.Port <= 0 || c.GRPC.Port > 65535 {
		return fmt.Errorf("invalid gRPC port: %d", c.GRPC.Port)
	}
	if c.Database.DSN == "" && c.Database.Driver != "memory" {
		return fmt.Errorf("database DSN is required for %s driver", c.Database.Driver)
	}
	return c.Trading.Validate()
}

// Validate 校验交易参数
func (t *TradingConfig) Validate() error {
	if t.MinOrderSize <= 0 || t.MaxOrderSize < t.MinOrderSize {
		return fmt.Errorf("invalid order size range [%v, %v]", t.MinOrderSize, t.MaxOrderSize)
	}
	if t.MaxNotionalPerOrder <= 0 {
		return fmt.Errorf("max_notional_per_order must be positive")
	}
	if _, ok := lookupFold(t.LeverageCaps, "Default"); !ok {
		return fmt.Errorf("leverage_caps must contain a Default entry")
	}
	if t.RiskInterval <= 0 {
		return fmt.Errorf("risk_interval must be positive")
	}
	return nil
}

func lookupFold(m map[string]int, key string) (int, bool) {
	for k, v := range m {
		if strings.EqualFold(k, key) {
			return v, true
		}
	}
	return 0, false
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service_name", "margin")
	v.SetDefault("version", "dev")
	v.SetDefault("environment", "dev")

	v.SetDefault("http.host", "0.0.0.0")
	v.SetDefault("http.port", 8080)
	v.SetDefault("http.read_timeout", 30)
	v.SetDefault("http.write_timeout", 30)

	v.SetDefault("grpc.host", "0.0.0.0")
	v.SetDefault("grpc.port", 50051)
	v.SetDefault("grpc.max_concurrent_streams", 1000)

	v.SetDefault("database.driver", "mysql")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 300)
	v.SetDefault("database.log_enabled", false)
	v.SetDefault("database.slow_query_threshold", 200)
	v.SetDefault("database.auto_migrate", true)

	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.max_pool_size", 10)
	v.SetDefault("redis.conn_timeout", 5)
	v.SetDefault("redis.read_timeout", 3)
	v.SetDefault("redis.write_timeout", 3)

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.group_id", "margin-core")
	v.SetDefault("kafka.session_timeout", 10)
	v.SetDefault("kafka.max_retries", 3)
	v.SetDefault("kafka.retry_backoff", 100)
	v.SetDefault("kafka.event_topic", "margin.events")
	v.SetDefault("kafka.price_topic", "marketdata.mark_price")

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")
	v.SetDefault("logger.output", "stdout")
	v.SetDefault("logger.file_path", "logs/margin.log")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 10)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.with_caller", false)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 9090)
	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("rate_limit.enabled", true)
	v.SetDefault("rate_limit.qps", 20)
	v.SetDefault("rate_limit.burst", 40)

	v.SetDefault("trading.min_order_size", 0.001)
	v.SetDefault("trading.max_order_size", 1000000)
	v.SetDefault("trading.max_notional_per_order", 5000000)
	v.SetDefault("trading.default_quote", "USDT")
	v.SetDefault("trading.known_quotes", []string{"USDT", "USDC"})
	v.SetDefault("trading.maintenance_margin_rate", 0.005)
	v.SetDefault("trading.leverage_caps", map[string]int{"Default": 20, "BTCUSDT": 125, "ETHUSDT": 100})
	v.SetDefault("trading.price_bands", map[string]map[string]float64{
		"Default": {"min": 0.000001, "max": 1000000},
		"BTCUSDT": {"min": 1000, "max": 200000},
		"ETHUSDT": {"min": 10, "max": 20000},
	})
	v.SetDefault("trading.band_tolerance", 5)
	v.SetDefault("trading.fallback_maker_fee_percent", 0.02)
	v.SetDefault("trading.fallback_taker_fee_percent", 0.04)
	v.SetDefault("trading.fee_cache_ttl", "30s")
	v.SetDefault("trading.risk_interval", "1s")
	v.SetDefault("trading.initial_balance", 0)
	v.SetDefault("trading.price_source", "redis")
	v.SetDefault("trading.price_ttl", "10s")
}

// GetEnv 获取环境变量，支持默认值
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
