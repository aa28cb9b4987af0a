package models

import (
	"time"
)

// TimelineEventKind 时间线事件类型
type TimelineEventKind string

const (
	TimelineCreated      TimelineEventKind = "created"
	TimelineViewed       TimelineEventKind = "viewed"
	TimelineAcknowledged TimelineEventKind = "acknowledged"
	TimelineEscalated    TimelineEventKind = "escalated"
	TimelineTransferred  TimelineEventKind = "transferred"
	TimelineResolved     TimelineEventKind = "resolved"
	TimelineReopened     TimelineEventKind = "reopened"
	TimelineCommented    TimelineEventKind = "commented"

	// TimelineResolutionOverdue 处置超时软状态，仅用于实时广播，不落库
	TimelineResolutionOverdue TimelineEventKind = "resolution_overdue"
)

// TimelineEvent 时间线事件（对应 timeline_events 表，只追加，不更新不删除）
type TimelineEvent struct {
	EventID   string            `json:"event_id" db:"event_id"`
	AlertID   string            `json:"alert_id" db:"alert_id"`
	Kind      TimelineEventKind `json:"kind" db:"kind"`
	ActorID   *string           `json:"actor_id,omitempty" db:"actor_id"` // 系统事件为 NULL
	Metadata  string            `json:"metadata" db:"metadata"`           // JSONB
	CreatedAt time.Time         `json:"created_at" db:"created_at"`
}
