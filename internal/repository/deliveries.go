package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"medlink-alert/internal/errs"
	"medlink-alert/internal/models"

	"go.uber.org/zap"
)

// DeliveriesRepository 投递记录仓库（delivery_records 表）
// 每次通知分发的渠道级结果在此落库，供审计/分析查询。
// 记录归通知分发器所有，告警仓库不感知。
type DeliveriesRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewDeliveriesRepository 创建投递记录仓库
func NewDeliveriesRepository(db *sql.DB, logger *zap.Logger) *DeliveriesRepository {
	return &DeliveriesRepository{
		db:     db,
		logger: logger,
	}
}

// RecordDispatch 写入一次分发的整体结果
func (r *DeliveriesRepository) RecordDispatch(ctx context.Context, result *models.DispatchResult) error {
	if result == nil {
		return fmt.Errorf("result is required")
	}
	if result.NotificationID == "" {
		return fmt.Errorf("notification_id is required")
	}

	attempts, err := json.Marshal(result.Attempts)
	if err != nil {
		return fmt.Errorf("failed to marshal attempts: %w", err)
	}

	query := `
		INSERT INTO delivery_records (
			notification_id,
			alert_id,
			recipient_id,
			success,
			attempts,
			completed_at
		) VALUES (
			$1, $2, $3, $4, $5, $6
		)
	`

	_, err = r.db.ExecContext(ctx,
		query,
		result.NotificationID,
		result.AlertID,
		result.RecipientID,
		result.Success,
		attempts,
		result.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record dispatch: %w", err)
	}

	return nil
}

// GetDispatch 根据 notification_id 查询分发结果
func (r *DeliveriesRepository) GetDispatch(ctx context.Context, notificationID string) (*models.DispatchResult, error) {
	if notificationID == "" {
		return nil, fmt.Errorf("notification_id is required")
	}

	query := `
		SELECT
			notification_id,
			alert_id,
			recipient_id,
			success,
			attempts,
			completed_at
		FROM delivery_records
		WHERE notification_id = $1
	`

	var result models.DispatchResult
	var attempts []byte

	err := r.db.QueryRowContext(ctx, query, notificationID).Scan(
		&result.NotificationID,
		&result.AlertID,
		&result.RecipientID,
		&result.Success,
		&attempts,
		&result.CompletedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errs.NewNotFoundError("dispatch record", notificationID)
		}
		return nil, fmt.Errorf("failed to get dispatch record: %w", err)
	}

	if len(attempts) > 0 {
		if err := json.Unmarshal(attempts, &result.Attempts); err != nil {
			return nil, fmt.Errorf("failed to unmarshal attempts: %w", err)
		}
	}

	return &result, nil
}

// ListDispatchesByAlert 查询某告警的全部分发记录（审计用）
func (r *DeliveriesRepository) ListDispatchesByAlert(ctx context.Context, alertID string) ([]*models.DispatchResult, error) {
	if alertID == "" {
		return nil, fmt.Errorf("alert_id is required")
	}

	query := `
		SELECT
			notification_id,
			alert_id,
			recipient_id,
			success,
			attempts,
			completed_at
		FROM delivery_records
		WHERE alert_id = $1
		ORDER BY completed_at ASC
	`

	rows, err := r.db.QueryContext(ctx, query, alertID)
	if err != nil {
		return nil, fmt.Errorf("failed to list dispatch records: %w", err)
	}
	defer rows.Close()

	var results []*models.DispatchResult
	for rows.Next() {
		var result models.DispatchResult
		var attempts []byte

		err := rows.Scan(
			&result.NotificationID,
			&result.AlertID,
			&result.RecipientID,
			&result.Success,
			&attempts,
			&result.CompletedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan dispatch record: %w", err)
		}

		if len(attempts) > 0 {
			if err := json.Unmarshal(attempts, &result.Attempts); err != nil {
				return nil, fmt.Errorf("failed to unmarshal attempts: %w", err)
			}
		}

		results = append(results, &result)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate dispatch records: %w", err)
	}

	return results, nil
}
