// Package dispatch 实现通知分发器：
// 按优先级的渠道选择、指数退避重试、有界并发的批量分发。
// 投递失败是预期内结果，记录到 DispatchResult，永远不作为 error 上抛。
package dispatch

import (
	"medlink-alert/internal/models"
)

// ChannelRule 渠道选择规则
// 优先级到渠道的映射是数据表，不是散落的条件分支，可独立测试。
type ChannelRule struct {
	// AllEndpoints 为 true 时使用所有可解析端点的渠道（critical：
	// 优化的是确认时间，所有渠道同时尝试，不在首个成功后停止）
	AllEndpoints bool
	// UsePreferences 为 true 时按接收人对该通知类型的渠道偏好过滤
	UsePreferences bool
	// Channels 候选渠道（有序）
	Channels []models.Channel
	// Default 偏好过滤后为空时的兜底渠道（邮件是默认的持久渠道）
	Default models.Channel
	// Fallback 全部渠道彻底失败后追加尝试一次的渠道（仅 critical）
	Fallback models.Channel
	// AllowBatch 允许批处理/延迟投递
	AllowBatch bool
}

// DefaultRules 默认优先级规则表
func DefaultRules() map[models.NotificationPriority]ChannelRule {
	return map[models.NotificationPriority]ChannelRule{
		models.PriorityCritical: {
			AllEndpoints: true,
			Channels:     []models.Channel{models.ChannelPush, models.ChannelSMS, models.ChannelEmail},
			Fallback:     models.ChannelEmail,
		},
		models.PriorityHigh: {
			UsePreferences: true,
			Channels:       []models.Channel{models.ChannelPush, models.ChannelSMS, models.ChannelEmail},
			Default:        models.ChannelEmail,
		},
		models.PriorityMedium: {
			UsePreferences: true,
			Channels:       []models.Channel{models.ChannelPush, models.ChannelEmail},
			Default:        models.ChannelEmail,
		},
		models.PriorityLow: {
			Channels:   []models.Channel{models.ChannelEmail},
			AllowBatch: true,
		},
	}
}

// SelectChannels 按规则为通知选择渠道
func SelectChannels(rule ChannelRule, n *models.Notification) []models.Channel {
	recipient := &n.Recipient

	if rule.AllEndpoints {
		var selected []models.Channel
		for _, ch := range rule.Channels {
			if _, ok := recipient.Endpoint(ch); ok {
				selected = append(selected, ch)
			}
		}
		return selected
	}

	if rule.UsePreferences {
		enabled := map[models.Channel]bool{}
		for _, ch := range recipient.Preferences[string(n.Kind)] {
			enabled[ch] = true
		}

		var selected []models.Channel
		for _, ch := range rule.Channels {
			if enabled[ch] {
				if _, ok := recipient.Endpoint(ch); ok {
					selected = append(selected, ch)
				}
			}
		}
		if len(selected) == 0 && rule.Default != "" {
			if _, ok := recipient.Endpoint(rule.Default); ok {
				selected = append(selected, rule.Default)
			}
		}
		return selected
	}

	// 固定渠道列表
	var selected []models.Channel
	for _, ch := range rule.Channels {
		if _, ok := recipient.Endpoint(ch); ok {
			selected = append(selected, ch)
		}
	}
	return selected
}
