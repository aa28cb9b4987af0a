package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	MaxConns int
	MaxIdle  int
}

// GetDSN 获取数据库连接字符串
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

// RedisConfig Redis配置
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// MQTTConfig MQTT配置（推送渠道：床旁/手持终端订阅的broker）
type MQTTConfig struct {
	Broker    string
	ClientID  string
	Username  string
	Password  string
	QoS       byte
	TopicBase string // 推送主题前缀，如 "medlink/push/"
}

// GatewayConfig HTTP投递网关配置（邮件/短信）
type GatewayConfig struct {
	EmailURL string // 邮件网关地址
	SMSURL   string // 短信网关地址
	APIKey   string
	Timeout  time.Duration
}

// TierConfig 单个升级层级配置
type TierConfig struct {
	Role     string        // 目标角色选择器，如 "nurse", "head_nurse", "doctor"
	Timeout  time.Duration // 超时未确认则升级到下一层
	AllStaff bool          // 到达该层时是否全员广播
}

// Config 告警核心服务配置
type Config struct {
	Database DatabaseConfig
	Redis    RedisConfig
	MQTT     MQTTConfig
	Gateway  GatewayConfig

	// 升级策略配置
	Escalation struct {
		Tiers []TierConfig
		// acknowledged 后的处置超时（触发 resolution_overdue 软状态广播）
		ResolutionTimeout time.Duration
	}

	// 通知分发配置
	Dispatch struct {
		MaxAttempts    int           // 单渠道最大尝试次数
		InitialBackoff time.Duration // 首次重试退避
		MaxConcurrency int           // 批量分发的最大并发渠道尝试数
	}

	// 实时广播配置
	Broadcast struct {
		RingSize        int    // 每个scope保留的事件数
		SubscriberQueue int    // 每个订阅者的出站队列长度
		StreamName      string // 事件审计Redis Stream名称
		SequencePrefix  string // 序列号键前缀，如 "medlink:seq:"
	}

	Log struct {
		Level  string
		Format string
	}
}

// Load 加载配置
func Load() (*Config, error) {
	cfg := &Config{}

	// 从环境变量加载（默认值）
	cfg.Database.Host = getEnv("DB_HOST", "localhost")
	cfg.Database.Port = getEnvInt("DB_PORT", 5432)
	cfg.Database.User = getEnv("DB_USER", "postgres")
	cfg.Database.Password = getEnv("DB_PASSWORD", "postgres")
	cfg.Database.Database = getEnv("DB_NAME", "medlink")
	cfg.Database.SSLMode = getEnv("DB_SSLMODE", "disable")
	cfg.Database.MaxConns = getEnvInt("DB_MAX_CONNS", 20)
	cfg.Database.MaxIdle = getEnvInt("DB_MAX_IDLE", 5)

	cfg.Redis.Addr = getEnv("REDIS_ADDR", "localhost:6379")
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", "")
	cfg.Redis.DB = getEnvInt("REDIS_DB", 0)

	cfg.MQTT.Broker = getEnv("MQTT_BROKER", "tcp://localhost:1883")
	cfg.MQTT.ClientID = getEnv("MQTT_CLIENT_ID", "medlink-alert")
	cfg.MQTT.Username = getEnv("MQTT_USERNAME", "")
	cfg.MQTT.Password = getEnv("MQTT_PASSWORD", "")
	cfg.MQTT.QoS = 1
	cfg.MQTT.TopicBase = getEnv("MQTT_TOPIC_BASE", "medlink/push/")

	cfg.Gateway.EmailURL = getEnv("GATEWAY_EMAIL_URL", "http://localhost:8025/send")
	cfg.Gateway.SMSURL = getEnv("GATEWAY_SMS_URL", "http://localhost:8026/send")
	cfg.Gateway.APIKey = getEnv("GATEWAY_API_KEY", "")
	cfg.Gateway.Timeout = 10 * time.Second

	// 升级策略：三层默认策略（责任护士 → 护士长 → 医生，最后全员广播）
	cfg.Escalation.Tiers = []TierConfig{
		{Role: "nurse", Timeout: getEnvDuration("ESCALATION_TIER1_TIMEOUT", 2*time.Minute)},
		{Role: "head_nurse", Timeout: getEnvDuration("ESCALATION_TIER2_TIMEOUT", 3*time.Minute)},
		{Role: "doctor", Timeout: getEnvDuration("ESCALATION_TIER3_TIMEOUT", 5*time.Minute), AllStaff: true},
	}
	cfg.Escalation.ResolutionTimeout = getEnvDuration("RESOLUTION_TIMEOUT", 30*time.Minute)

	cfg.Dispatch.MaxAttempts = getEnvInt("DISPATCH_MAX_ATTEMPTS", 3)
	cfg.Dispatch.InitialBackoff = getEnvDuration("DISPATCH_INITIAL_BACKOFF", 500*time.Millisecond)
	cfg.Dispatch.MaxConcurrency = getEnvInt("DISPATCH_MAX_CONCURRENCY", 16)

	cfg.Broadcast.RingSize = getEnvInt("BROADCAST_RING_SIZE", 256)
	cfg.Broadcast.SubscriberQueue = getEnvInt("BROADCAST_SUBSCRIBER_QUEUE", 64)
	cfg.Broadcast.StreamName = getEnv("BROADCAST_STREAM", "medlink:alert-events")
	cfg.Broadcast.SequencePrefix = getEnv("BROADCAST_SEQ_PREFIX", "medlink:seq:")

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate 校验配置
func (c *Config) validate() error {
	if len(c.Escalation.Tiers) == 0 {
		return fmt.Errorf("escalation policy requires at least one tier")
	}
	for i, tier := range c.Escalation.Tiers {
		if tier.Timeout < 0 {
			return fmt.Errorf("tier %d: timeout must be >= 0", i)
		}
		if tier.Role == "" {
			return fmt.Errorf("tier %d: role is required", i)
		}
	}
	if c.Dispatch.MaxAttempts <= 0 {
		return fmt.Errorf("dispatch max attempts must be > 0")
	}
	if c.Dispatch.MaxConcurrency <= 0 {
		return fmt.Errorf("dispatch max concurrency must be > 0")
	}
	if c.Broadcast.RingSize <= 0 {
		return fmt.Errorf("broadcast ring size must be > 0")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
