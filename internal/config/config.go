package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	ierrors "github.com/ZunoKit/zuno-marketplace-indexer-sub000/internal/errors"
	"github.com/ZunoKit/zuno-marketplace-indexer-sub000/internal/logging"
	"github.com/ZunoKit/zuno-marketplace-indexer-sub000/internal/output"
	"github.com/ZunoKit/zuno-marketplace-indexer-sub000/internal/retry"
)

// EnvPrefix 环境变量前缀，例如 INDEXER_STORAGE_ENGINE
const EnvPrefix = "INDEXER"

// Config 主配置
type Config struct {
	Environment string             `mapstructure:"environment"`
	Storage     *StorageConfig     `mapstructure:"storage"`
	Chains      []*ChainConfig     `mapstructure:"chains"`
	Detector    *DetectorConfig    `mapstructure:"detector"`
	Validation  *ValidationConfig  `mapstructure:"validation"`
	Retry       *retry.Options     `mapstructure:"retry"`
	Kafka       *KafkaConfig       `mapstructure:"kafka"`
	DeadLetter  *output.SinkConfig `mapstructure:"dead_letter"`
	API         *APIConfig         `mapstructure:"api"`
	Sweeper     *SweeperConfig     `mapstructure:"sweeper"`
	Telemetry   *TelemetryConfig   `mapstructure:"telemetry"`
	Logging     *logging.LogConfig `mapstructure:"logging"`
}

// StorageConfig 存储配置
type StorageConfig struct {
	Engine   string          `mapstructure:"engine"` // bolt | postgres
	Path     string          `mapstructure:"path"`
	Postgres *PostgresConfig `mapstructure:"postgres"`
}

// PostgresConfig Postgres 连接配置
type PostgresConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// ChainConfig 链配置，RPC 用于 supportsInterface 探测
type ChainConfig struct {
	ID     uint64 `mapstructure:"id"`
	Name   string `mapstructure:"name"`
	RPCURL string `mapstructure:"rpc_url"`
}

// DetectorConfig 代币标准探测配置
type DetectorConfig struct {
	CacheSize    int           `mapstructure:"cache_size"`
	ProbeTimeout time.Duration `mapstructure:"probe_timeout"`
	RedisAddr    string        `mapstructure:"redis_addr"` // 为空时不启用共享缓存
	RedisTTL     time.Duration `mapstructure:"redis_ttl"`
}

// ValidationConfig 入站验证配置
type ValidationConfig struct {
	StrictMode bool          `mapstructure:"strict_mode"`
	MaxSkew    time.Duration `mapstructure:"max_skew"`
}

// KafkaConfig 入站 Kafka 配置
type KafkaConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
	Topics  []string `mapstructure:"topics"`
	GroupID string   `mapstructure:"group_id"`
	Oldest  bool     `mapstructure:"oldest"`
}

// APIConfig 诊断 API 配置
type APIConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// SweeperConfig 挂单过期扫描配置
type SweeperConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
}

// TelemetryConfig 链路追踪配置
type TelemetryConfig struct {
	ServiceName  string `mapstructure:"service_name"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"` // 为空时不导出
}

// RetryEnvironment 重试分类使用的环境
func (c *Config) RetryEnvironment() retry.Environment {
	if c.Environment == string(retry.EnvProduction) {
		return retry.EnvProduction
	}
	return retry.EnvDevelopment
}

// ChainIDs 已配置的链ID
func (c *Config) ChainIDs() []uint64 {
	ids := make([]uint64, 0, len(c.Chains))
	for _, chain := range c.Chains {
		ids = append(ids, chain.ID)
	}
	return ids
}

// loadDotEnv 工作目录存在 .env 时加载
func loadDotEnv() error {
	if _, err := os.Stat(".env"); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return godotenv.Load(".env")
}

// LoadConfig 加载配置：默认值 < YAML 文件 < INDEXER_* 环境变量（含 .env）
func LoadConfig(configPath string) (*Config, error) {
	if err := loadDotEnv(); err != nil {
		return nil, fmt.Errorf("加载 .env 失败: %w", err)
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}
	// 逗号分隔的环境变量
	if brokers := v.GetStringSlice("kafka.brokers"); len(brokers) == 1 && strings.Contains(brokers[0], ",") {
		config.Kafka.Brokers = strings.Split(brokers[0], ",")
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// setDefaults 注册默认值，使环境变量覆盖对所有标量键生效
func setDefaults(v *viper.Viper) {
	d := GetDefaultConfig()
	v.SetDefault("environment", d.Environment)

	v.SetDefault("storage.engine", d.Storage.Engine)
	v.SetDefault("storage.path", d.Storage.Path)
	v.SetDefault("storage.postgres.dsn", d.Storage.Postgres.DSN)
	v.SetDefault("storage.postgres.max_open_conns", d.Storage.Postgres.MaxOpenConns)
	v.SetDefault("storage.postgres.max_idle_conns", d.Storage.Postgres.MaxIdleConns)
	v.SetDefault("storage.postgres.conn_max_lifetime", d.Storage.Postgres.ConnMaxLifetime)

	v.SetDefault("detector.cache_size", d.Detector.CacheSize)
	v.SetDefault("detector.probe_timeout", d.Detector.ProbeTimeout)
	v.SetDefault("detector.redis_addr", d.Detector.RedisAddr)
	v.SetDefault("detector.redis_ttl", d.Detector.RedisTTL)

	v.SetDefault("validation.strict_mode", d.Validation.StrictMode)
	v.SetDefault("validation.max_skew", d.Validation.MaxSkew)

	v.SetDefault("retry.max_retries", d.Retry.MaxRetries)
	v.SetDefault("retry.delay", d.Retry.Delay)
	v.SetDefault("retry.backoff_multiplier", d.Retry.BackoffMultiplier)

	v.SetDefault("kafka.enabled", d.Kafka.Enabled)
	v.SetDefault("kafka.brokers", d.Kafka.Brokers)
	v.SetDefault("kafka.topics", d.Kafka.Topics)
	v.SetDefault("kafka.group_id", d.Kafka.GroupID)
	v.SetDefault("kafka.oldest", d.Kafka.Oldest)

	v.SetDefault("dead_letter.format", d.DeadLetter.Format)
	v.SetDefault("dead_letter.path", d.DeadLetter.Path)
	v.SetDefault("dead_letter.brokers", d.DeadLetter.Brokers)
	v.SetDefault("dead_letter.topic", d.DeadLetter.Topic)

	v.SetDefault("api.enabled", d.API.Enabled)
	v.SetDefault("api.port", d.API.Port)

	v.SetDefault("sweeper.enabled", d.Sweeper.Enabled)
	v.SetDefault("sweeper.interval", d.Sweeper.Interval)

	v.SetDefault("telemetry.service_name", d.Telemetry.ServiceName)
	v.SetDefault("telemetry.otlp_endpoint", d.Telemetry.OTLPEndpoint)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("logging.output", d.Logging.Output)
	v.SetDefault("logging.buffer_size", d.Logging.BufferSize)
}

// GetDefaultConfig 获取默认配置
func GetDefaultConfig() *Config {
	retryOpts := retry.DefaultOptions()
	return &Config{
		Environment: string(retry.EnvDevelopment),
		Storage: &StorageConfig{
			Engine: "bolt",
			Path:   "data/indexer.db",
			Postgres: &PostgresConfig{
				MaxOpenConns:    10,
				MaxIdleConns:    5,
				ConnMaxLifetime: 30 * time.Minute,
			},
		},
		Chains: []*ChainConfig{},
		Detector: &DetectorConfig{
			CacheSize:    10000,
			ProbeTimeout: 5 * time.Second,
			RedisTTL:     24 * time.Hour,
		},
		Validation: &ValidationConfig{
			StrictMode: false,
			MaxSkew:    time.Hour,
		},
		Retry: &retryOpts,
		Kafka: &KafkaConfig{
			Enabled: false,
			Brokers: []string{"localhost:9092"},
			Topics:  []string{"marketplace_events"},
			GroupID: "nft-indexer",
		},
		DeadLetter: &output.SinkConfig{
			Format: output.FormatNone,
			Path:   "data/dead_letters.jsonl",
			Topic:  "indexer_dead_letters",
		},
		API: &APIConfig{
			Enabled: true,
			Port:    8080,
		},
		Sweeper: &SweeperConfig{
			Enabled:  true,
			Interval: time.Minute,
		},
		Telemetry: &TelemetryConfig{
			ServiceName: "nft-indexer",
		},
		Logging: logging.DefaultLogConfig(),
	}
}

func invalid(format string, args ...interface{}) error {
	return ierrors.NewIndexerError(ierrors.ErrorTypeConfig, ierrors.SeverityCritical,
		ierrors.ErrConfigInvalid.Code, fmt.Sprintf(format, args...))
}

// Validate 校验配置
func (c *Config) Validate() error {
	switch retry.Environment(c.Environment) {
	case retry.EnvDevelopment, retry.EnvProduction:
	default:
		return invalid("未知的运行环境: %s", c.Environment)
	}

	if c.Storage == nil {
		return invalid("缺少存储配置")
	}
	switch c.Storage.Engine {
	case "bolt":
		if c.Storage.Path == "" {
			return invalid("bolt 存储需要配置 path")
		}
	case "postgres":
		if c.Storage.Postgres == nil || c.Storage.Postgres.DSN == "" {
			return invalid("postgres 存储需要配置 dsn")
		}
	default:
		return invalid("不支持的存储引擎: %s", c.Storage.Engine)
	}

	seen := make(map[uint64]struct{}, len(c.Chains))
	for i, chain := range c.Chains {
		if chain == nil || chain.ID == 0 {
			return invalid("链 %d 的ID不能为空", i)
		}
		if chain.RPCURL == "" {
			return invalid("链 %d 的 rpc_url 不能为空", chain.ID)
		}
		if _, dup := seen[chain.ID]; dup {
			return invalid("链ID重复: %d", chain.ID)
		}
		seen[chain.ID] = struct{}{}
	}

	if c.Retry == nil || c.Retry.MaxRetries < 1 {
		return invalid("retry.max_retries 必须大于 0")
	}
	if c.Retry.Delay < 0 {
		return invalid("retry.delay 不能为负")
	}

	if c.Kafka != nil && c.Kafka.Enabled {
		if len(c.Kafka.Brokers) == 0 || len(c.Kafka.Topics) == 0 {
			return invalid("启用 Kafka 入站时需要配置 brokers 和 topics")
		}
	}

	if c.DeadLetter != nil {
		switch c.DeadLetter.Format {
		case "", output.FormatNone, output.FormatFile:
		case output.FormatKafka:
			if len(c.DeadLetter.Brokers) == 0 {
				return invalid("Kafka 死信输出需要配置 brokers")
			}
		default:
			return invalid("不支持的死信输出格式: %s", c.DeadLetter.Format)
		}
	}

	if c.API != nil && c.API.Enabled && (c.API.Port <= 0 || c.API.Port > 65535) {
		return invalid("API 端口无效: %d", c.API.Port)
	}

	if c.Logging != nil {
		if _, err := logging.New(&logging.LogConfig{Level: c.Logging.Level, Format: c.Logging.Format, Output: "stderr"}); err != nil {
			return invalid("日志配置无效: %v", err)
		}
	}
	return nil
}
