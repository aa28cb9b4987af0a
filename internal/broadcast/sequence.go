// Package broadcast 实现实时广播服务：
// 按scope（医院或单个告警）的订阅、有界事件环形缓冲、
// 断线重连的replay-then-live语义。
package broadcast

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"
)

// Sequencer 按scope单调递增的序列号
// 序列号存在 Redis（INCR），服务重启后不回退，
// 重连客户端据此判断是否漏掉事件。
type Sequencer struct {
	client *redis.Client
	prefix string
}

// NewSequencer 创建序列号生成器
func NewSequencer(client *redis.Client, prefix string) *Sequencer {
	return &Sequencer{
		client: client,
		prefix: prefix,
	}
}

// Next 分配scope的下一个序列号
func (s *Sequencer) Next(ctx context.Context, scope string) (uint64, error) {
	seq, err := s.client.Incr(ctx, s.prefix+scope).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to allocate sequence for scope %s: %w", scope, err)
	}
	return uint64(seq), nil
}

// Current 读取scope当前已分配的最大序列号（未分配过返回0）
func (s *Sequencer) Current(ctx context.Context, scope string) (uint64, error) {
	val, err := s.client.Get(ctx, s.prefix+scope).Uint64()
	if err != nil {
		if err == redis.Nil {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read sequence for scope %s: %w", scope, err)
	}
	return val, nil
}
