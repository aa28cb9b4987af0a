package escalation

import (
	"encoding/json"

	"medlink-alert/internal/models"
)

// escalatedMetadata escalated 事件元数据
type escalatedMetadata struct {
	FromTier int  `json:"from_tier"`
	ToTier   int  `json:"to_tier"`
	Held     bool `json:"held,omitempty"`
}

// ReplayStatus 按顺序重放时间线事件，确定性重建状态和层级。
// 时间线是告警历史的唯一事实来源；非状态事件（viewed/commented/
// transferred）不影响重放结果。
func ReplayStatus(events []*models.TimelineEvent) (models.AlertStatus, int) {
	var status models.AlertStatus
	tier := 0

	for _, event := range events {
		switch event.Kind {
		case models.TimelineCreated:
			status = models.AlertStatusActive
			tier = 0
		case models.TimelineEscalated:
			status = models.AlertStatusEscalated
			var meta escalatedMetadata
			if err := json.Unmarshal([]byte(event.Metadata), &meta); err == nil && !meta.Held {
				tier = meta.ToTier
			}
		case models.TimelineAcknowledged:
			if status != models.AlertStatusResolved {
				status = models.AlertStatusAcknowledged
			}
		case models.TimelineResolved:
			status = models.AlertStatusResolved
		case models.TimelineReopened:
			status = models.AlertStatusActive
			tier = 0
		}
	}

	return status, tier
}
