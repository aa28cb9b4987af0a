package directory

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"medlink-alert/internal/models"
)

// 值班表变化不频繁，短TTL足以压掉升级风暴时的重复查询
const cacheTTL = 30 * time.Second

// CachedDirectory 带 Redis 缓存的值班目录
// 缓存读写失败都降级为直查数据库，目录可用性不依赖 Redis。
type CachedDirectory struct {
	inner  Directory
	client *redis.Client
	logger *zap.Logger
}

// NewCachedDirectory 包装目录查询，加 Redis 缓存
func NewCachedDirectory(inner Directory, client *redis.Client, logger *zap.Logger) *CachedDirectory {
	return &CachedDirectory{
		inner:  inner,
		client: client,
		logger: logger,
	}
}

// OnDutyByRole 查询指定角色的值班人员（缓存优先）
func (c *CachedDirectory) OnDutyByRole(ctx context.Context, hospitalID, role string) ([]models.Recipient, error) {
	key := "medlink:directory:" + hospitalID + ":role:" + role
	return c.lookup(ctx, key, func() ([]models.Recipient, error) {
		return c.inner.OnDutyByRole(ctx, hospitalID, role)
	})
}

// AllStaff 查询所有值班人员（缓存优先）
func (c *CachedDirectory) AllStaff(ctx context.Context, hospitalID string) ([]models.Recipient, error) {
	key := "medlink:directory:" + hospitalID + ":all"
	return c.lookup(ctx, key, func() ([]models.Recipient, error) {
		return c.inner.AllStaff(ctx, hospitalID)
	})
}

func (c *CachedDirectory) lookup(ctx context.Context, key string, load func() ([]models.Recipient, error)) ([]models.Recipient, error) {
	cached, err := c.client.Get(ctx, key).Bytes()
	if err == nil {
		var recipients []models.Recipient
		if err := json.Unmarshal(cached, &recipients); err == nil {
			return recipients, nil
		}
		// 缓存内容损坏，删掉重建
		c.client.Del(ctx, key)
	} else if err != redis.Nil {
		c.logger.Warn("Directory cache read failed",
			zap.String("key", key),
			zap.Error(err))
	}

	recipients, err := load()
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(recipients); err == nil {
		if err := c.client.Set(ctx, key, data, cacheTTL).Err(); err != nil {
			c.logger.Warn("Directory cache write failed",
				zap.String("key", key),
				zap.Error(err))
		}
	}

	return recipients, nil
}
