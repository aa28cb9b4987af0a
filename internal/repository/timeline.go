package repository

import (
	"context"
	"database/sql"
	"fmt"

	"medlink-alert/internal/models"

	"go.uber.org/zap"
)

// TimelineRepository 时间线事件仓库（timeline_events 表）
// 只追加：事件创建后不更新、不删除。
// 按 seq（自增主键）排序的事件序列是告警历史的唯一事实来源。
type TimelineRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewTimelineRepository 创建时间线仓库
func NewTimelineRepository(db *sql.DB, logger *zap.Logger) *TimelineRepository {
	return &TimelineRepository{
		db:     db,
		logger: logger,
	}
}

// AppendEvent 追加时间线事件
func (r *TimelineRepository) AppendEvent(ctx context.Context, event *models.TimelineEvent) error {
	if event == nil {
		return fmt.Errorf("event is required")
	}
	if event.EventID == "" {
		return fmt.Errorf("event_id is required")
	}
	if event.AlertID == "" {
		return fmt.Errorf("alert_id is required")
	}
	if event.Kind == "" {
		return fmt.Errorf("kind is required")
	}

	query := `
		INSERT INTO timeline_events (
			event_id,
			alert_id,
			kind,
			actor_id,
			metadata,
			created_at
		) VALUES (
			$1, $2, $3, $4, $5, $6
		)
	`

	_, err := r.db.ExecContext(ctx,
		query,
		event.EventID,
		event.AlertID,
		event.Kind,
		event.ActorID,
		nullableJSON(event.Metadata, "{}"),
		event.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append timeline event: %w", err)
	}

	return nil
}

// ListEvents 获取告警的完整时间线（按追加顺序）
func (r *TimelineRepository) ListEvents(ctx context.Context, alertID string) ([]*models.TimelineEvent, error) {
	if alertID == "" {
		return nil, fmt.Errorf("alert_id is required")
	}

	query := `
		SELECT
			event_id,
			alert_id,
			kind,
			actor_id,
			metadata,
			created_at
		FROM timeline_events
		WHERE alert_id = $1
		ORDER BY seq ASC
	`

	rows, err := r.db.QueryContext(ctx, query, alertID)
	if err != nil {
		return nil, fmt.Errorf("failed to list timeline events: %w", err)
	}
	defer rows.Close()

	var events []*models.TimelineEvent
	for rows.Next() {
		var event models.TimelineEvent
		var actorID sql.NullString
		var metadata []byte

		err := rows.Scan(
			&event.EventID,
			&event.AlertID,
			&event.Kind,
			&actorID,
			&metadata,
			&event.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan timeline event: %w", err)
		}

		if actorID.Valid {
			event.ActorID = &actorID.String
		}
		if len(metadata) > 0 {
			event.Metadata = string(metadata)
		} else {
			event.Metadata = "{}"
		}

		events = append(events, &event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate timeline events: %w", err)
	}

	return events, nil
}
