package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultValues(t *testing.T) {
	// 清除环境变量
	os.Clearenv()

	cfg, err := Load()
	require.NoError(t, err)
	assert.NotNil(t, cfg)

	// 验证默认值
	assert.Equal(t, "localhost", cfg.Database.Host)
	assert.Equal(t, 5432, cfg.Database.Port)
	assert.Equal(t, "postgres", cfg.Database.User)
	assert.Equal(t, "postgres", cfg.Database.Password)
	assert.Equal(t, "medlink", cfg.Database.Database)
	assert.Equal(t, "disable", cfg.Database.SSLMode)

	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, "", cfg.Redis.Password)
	assert.Equal(t, 0, cfg.Redis.DB)

	assert.Equal(t, "tcp://localhost:1883", cfg.MQTT.Broker)
	assert.Equal(t, "medlink/push/", cfg.MQTT.TopicBase)

	// 默认三层升级策略
	require.Len(t, cfg.Escalation.Tiers, 3)
	assert.Equal(t, "nurse", cfg.Escalation.Tiers[0].Role)
	assert.Equal(t, 2*time.Minute, cfg.Escalation.Tiers[0].Timeout)
	assert.False(t, cfg.Escalation.Tiers[0].AllStaff)
	assert.Equal(t, "doctor", cfg.Escalation.Tiers[2].Role)
	assert.True(t, cfg.Escalation.Tiers[2].AllStaff)

	assert.Equal(t, 3, cfg.Dispatch.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, cfg.Dispatch.InitialBackoff)
	assert.Equal(t, 16, cfg.Dispatch.MaxConcurrency)

	assert.Equal(t, 256, cfg.Broadcast.RingSize)
	assert.Equal(t, 64, cfg.Broadcast.SubscriberQueue)
	assert.Equal(t, "medlink:alert-events", cfg.Broadcast.StreamName)
	assert.Equal(t, "medlink:seq:", cfg.Broadcast.SequencePrefix)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoad_EnvironmentVariables(t *testing.T) {
	// 设置环境变量
	os.Setenv("DB_HOST", "test-host")
	os.Setenv("DB_USER", "test-user")
	os.Setenv("DB_NAME", "test-db")
	os.Setenv("REDIS_ADDR", "test-redis:6380")
	os.Setenv("ESCALATION_TIER1_TIMEOUT", "90s")
	os.Setenv("DISPATCH_MAX_ATTEMPTS", "5")
	os.Setenv("BROADCAST_RING_SIZE", "128")
	os.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)
	assert.NotNil(t, cfg)

	// 验证环境变量覆盖
	assert.Equal(t, "test-host", cfg.Database.Host)
	assert.Equal(t, "test-user", cfg.Database.User)
	assert.Equal(t, "test-db", cfg.Database.Database)
	assert.Equal(t, "test-redis:6380", cfg.Redis.Addr)
	assert.Equal(t, 90*time.Second, cfg.Escalation.Tiers[0].Timeout)
	assert.Equal(t, 5, cfg.Dispatch.MaxAttempts)
	assert.Equal(t, 128, cfg.Broadcast.RingSize)
	assert.Equal(t, "debug", cfg.Log.Level)

	// 清理环境变量
	os.Clearenv()
}

func TestGetEnv(t *testing.T) {
	// 测试默认值
	os.Clearenv()
	value := getEnv("TEST_KEY", "default-value")
	assert.Equal(t, "default-value", value)

	// 测试环境变量存在
	os.Setenv("TEST_KEY", "env-value")
	value = getEnv("TEST_KEY", "default-value")
	assert.Equal(t, "env-value", value)

	// 清理
	os.Unsetenv("TEST_KEY")
}

func TestGetEnvDuration_Invalid(t *testing.T) {
	os.Setenv("TEST_DURATION", "not-a-duration")
	defer os.Unsetenv("TEST_DURATION")

	// 解析失败时回落到默认值
	d := getEnvDuration("TEST_DURATION", 7*time.Second)
	assert.Equal(t, 7*time.Second, d)
}
