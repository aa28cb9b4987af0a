// Package escalation 实现告警升级引擎：
// 状态机变更、层级推进的定时调度、时间线事件落库。
package escalation

import (
	"fmt"

	"medlink-alert/internal/config"
)

// Policy 升级策略（有序层级表，配置数据，不是运行时实体）
type Policy struct {
	tiers []config.TierConfig
}

// NewPolicy 创建升级策略
func NewPolicy(tiers []config.TierConfig) (*Policy, error) {
	if len(tiers) == 0 {
		return nil, fmt.Errorf("escalation policy requires at least one tier")
	}
	for i, tier := range tiers {
		if tier.Role == "" {
			return nil, fmt.Errorf("tier %d: role is required", i)
		}
		if tier.Timeout < 0 {
			return nil, fmt.Errorf("tier %d: timeout must be >= 0", i)
		}
	}

	copied := make([]config.TierConfig, len(tiers))
	copy(copied, tiers)
	return &Policy{tiers: copied}, nil
}

// NumTiers 层级数量
func (p *Policy) NumTiers() int {
	return len(p.tiers)
}

// MaxTier 最高层级编号（层级从0开始）
func (p *Policy) MaxTier() int {
	return len(p.tiers) - 1
}

// Tier 获取指定层级配置
func (p *Policy) Tier(i int) (config.TierConfig, bool) {
	if i < 0 || i >= len(p.tiers) {
		return config.TierConfig{}, false
	}
	return p.tiers[i], true
}
