package models

import (
	"time"
)

// NotificationPriority 通知优先级
type NotificationPriority string

const (
	PriorityCritical NotificationPriority = "critical"
	PriorityHigh     NotificationPriority = "high"
	PriorityMedium   NotificationPriority = "medium"
	PriorityLow      NotificationPriority = "low"
)

// Channel 投递渠道
type Channel string

const (
	ChannelPush  Channel = "push"
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
)

// Recipient 接收人（由值班目录解析出的联系端点与偏好）
type Recipient struct {
	UserID    string  `json:"user_id"`
	Role      string  `json:"role"`
	PushToken *string `json:"push_token,omitempty"`
	Email     *string `json:"email,omitempty"`
	Phone     *string `json:"phone,omitempty"`
	// 按通知类型启用的渠道偏好，如 {"escalated": ["push","sms"]}
	Preferences map[string][]Channel `json:"preferences,omitempty"`
}

// Endpoint 返回接收人在指定渠道的投递端点，不存在返回 false
func (r *Recipient) Endpoint(ch Channel) (string, bool) {
	switch ch {
	case ChannelPush:
		if r.PushToken != nil && *r.PushToken != "" {
			return *r.PushToken, true
		}
	case ChannelEmail:
		if r.Email != nil && *r.Email != "" {
			return *r.Email, true
		}
	case ChannelSMS:
		if r.Phone != nil && *r.Phone != "" {
			return *r.Phone, true
		}
	}
	return "", false
}

// Notification 通知（每次分发临时构造，不长期保存）
type Notification struct {
	NotificationID string               `json:"notification_id"`
	AlertID        string               `json:"alert_id"`
	HospitalID     string               `json:"hospital_id"`
	Kind           TimelineEventKind    `json:"kind"`
	Priority       NotificationPriority `json:"priority"`
	Recipient      Recipient            `json:"recipient"`
	Title          string               `json:"title"`
	Body           string               `json:"body"`
	Data           map[string]string    `json:"data,omitempty"`
}

// ChannelAttempt 单渠道投递结果
type ChannelAttempt struct {
	Channel  Channel `json:"channel"`
	Endpoint string  `json:"endpoint"`
	Success  bool    `json:"success"`
	Attempts int     `json:"attempts"`
	Fallback bool    `json:"fallback"` // 是否为 critical 兜底渠道
	Error    string  `json:"error,omitempty"`
}

// DispatchResult 一次通知分发的整体结果
// 只要有一个渠道最终成功，Success 即为 true；
// 全部渠道失败时 Success=false，但分发调用本身不返回错误。
type DispatchResult struct {
	NotificationID string           `json:"notification_id"`
	AlertID        string           `json:"alert_id"`
	RecipientID    string           `json:"recipient_id"`
	Success        bool             `json:"success"`
	Attempts       []ChannelAttempt `json:"attempts"`
	CompletedAt    time.Time        `json:"completed_at"`
}
