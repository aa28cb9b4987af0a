package repository

import (
	"context"
	"database/sql"
	"fmt"

	"medlink-alert/internal/errs"
	"medlink-alert/internal/models"

	"go.uber.org/zap"
)

// AlertsRepository 告警仓库（alerts 表）
// 告警的可变状态（status/tier/定时信息）由升级引擎在告警级互斥下修改，
// 本仓库只负责持久化，不做并发控制。
type AlertsRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewAlertsRepository 创建告警仓库
func NewAlertsRepository(db *sql.DB, logger *zap.Logger) *AlertsRepository {
	return &AlertsRepository{
		db:     db,
		logger: logger,
	}
}

const alertColumns = `
			alert_id,
			hospital_id,
			room,
			alert_type,
			urgency_level,
			description,
			patient_id,
			created_by,
			owner_id,
			status,
			current_tier,
			next_escalation_at,
			resolution_due_at,
			acknowledged_by,
			resolved_by,
			resolution,
			escalation_history,
			created_at,
			updated_at`

// GetAlert 根据 alert_id 获取告警（需验证 hospital_id）
func (r *AlertsRepository) GetAlert(ctx context.Context, hospitalID, alertID string) (*models.Alert, error) {
	if hospitalID == "" {
		return nil, fmt.Errorf("hospital_id is required")
	}
	if alertID == "" {
		return nil, fmt.Errorf("alert_id is required")
	}

	query := `
		SELECT ` + alertColumns + `
		FROM alerts
		WHERE alert_id = $1
		  AND hospital_id = $2
	`

	row := r.db.QueryRowContext(ctx, query, alertID, hospitalID)
	alert, err := scanAlert(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errs.NewNotFoundError("alert", alertID)
		}
		return nil, fmt.Errorf("failed to get alert: %w", err)
	}

	return alert, nil
}

// CreateAlert 创建告警
func (r *AlertsRepository) CreateAlert(ctx context.Context, alert *models.Alert) error {
	if alert == nil {
		return fmt.Errorf("alert is required")
	}
	if alert.AlertID == "" {
		return fmt.Errorf("alert_id is required")
	}
	if alert.HospitalID == "" {
		return fmt.Errorf("hospital_id is required")
	}

	query := `
		INSERT INTO alerts (` + alertColumns + `
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19
		)
	`

	_, err := r.db.ExecContext(ctx,
		query,
		alert.AlertID,
		alert.HospitalID,
		alert.Room,
		alert.AlertType,
		alert.UrgencyLevel,
		alert.Description,
		alert.PatientID,
		alert.CreatedBy,
		alert.OwnerID,
		alert.Status,
		alert.CurrentTier,
		alert.NextEscalationAt,
		alert.ResolutionDueAt,
		alert.AcknowledgedBy,
		alert.ResolvedBy,
		alert.Resolution,
		nullableJSON(alert.EscalationHistory, "[]"),
		alert.CreatedAt,
		alert.UpdatedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to create alert: %w", err)
	}

	return nil
}

// UpdateAlert 整体更新告警的可变状态
func (r *AlertsRepository) UpdateAlert(ctx context.Context, alert *models.Alert) error {
	if alert == nil {
		return fmt.Errorf("alert is required")
	}
	if alert.AlertID == "" {
		return fmt.Errorf("alert_id is required")
	}

	query := `
		UPDATE alerts SET
			owner_id = $1,
			status = $2,
			current_tier = $3,
			next_escalation_at = $4,
			resolution_due_at = $5,
			acknowledged_by = $6,
			resolved_by = $7,
			resolution = $8,
			escalation_history = $9,
			updated_at = $10
		WHERE alert_id = $11
		  AND hospital_id = $12
	`

	result, err := r.db.ExecContext(ctx,
		query,
		alert.OwnerID,
		alert.Status,
		alert.CurrentTier,
		alert.NextEscalationAt,
		alert.ResolutionDueAt,
		alert.AcknowledgedBy,
		alert.ResolvedBy,
		alert.Resolution,
		nullableJSON(alert.EscalationHistory, "[]"),
		alert.UpdatedAt,
		alert.AlertID,
		alert.HospitalID,
	)
	if err != nil {
		return fmt.Errorf("failed to update alert: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return errs.NewNotFoundError("alert", alert.AlertID)
	}

	return nil
}

// ListActiveAlerts 列出未进入终态的告警（服务重启后恢复定时器用）
func (r *AlertsRepository) ListActiveAlerts(ctx context.Context, hospitalID string) ([]*models.Alert, error) {
	if hospitalID == "" {
		return nil, fmt.Errorf("hospital_id is required")
	}

	query := `
		SELECT ` + alertColumns + `
		FROM alerts
		WHERE hospital_id = $1
		  AND status IN ('active', 'escalated', 'acknowledged')
		ORDER BY created_at ASC
	`

	rows, err := r.db.QueryContext(ctx, query, hospitalID)
	if err != nil {
		return nil, fmt.Errorf("failed to list active alerts: %w", err)
	}
	defer rows.Close()

	var alerts []*models.Alert
	for rows.Next() {
		alert, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		alerts = append(alerts, alert)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate alerts: %w", err)
	}

	return alerts, nil
}

// ListActiveHospitals 列出存在未终态告警的医院（重启恢复的遍历范围）
func (r *AlertsRepository) ListActiveHospitals(ctx context.Context) ([]string, error) {
	query := `
		SELECT DISTINCT hospital_id
		FROM alerts
		WHERE status IN ('active', 'escalated', 'acknowledged')
		ORDER BY hospital_id ASC
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list active hospitals: %w", err)
	}
	defer rows.Close()

	var hospitals []string
	for rows.Next() {
		var hospitalID string
		if err := rows.Scan(&hospitalID); err != nil {
			return nil, fmt.Errorf("failed to scan hospital_id: %w", err)
		}
		hospitals = append(hospitals, hospitalID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate hospitals: %w", err)
	}

	return hospitals, nil
}

// scanner 兼容 *sql.Row 和 *sql.Rows
type scanner interface {
	Scan(dest ...interface{}) error
}

// scanAlert 扫描单行告警记录
func scanAlert(row scanner) (*models.Alert, error) {
	var alert models.Alert
	var patientID, ownerID, acknowledgedBy, resolvedBy, resolution sql.NullString
	var nextEscalationAt, resolutionDueAt sql.NullTime
	var history []byte

	err := row.Scan(
		&alert.AlertID,
		&alert.HospitalID,
		&alert.Room,
		&alert.AlertType,
		&alert.UrgencyLevel,
		&alert.Description,
		&patientID,
		&alert.CreatedBy,
		&ownerID,
		&alert.Status,
		&alert.CurrentTier,
		&nextEscalationAt,
		&resolutionDueAt,
		&acknowledgedBy,
		&resolvedBy,
		&resolution,
		&history,
		&alert.CreatedAt,
		&alert.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	// 处理可空字段
	if patientID.Valid {
		alert.PatientID = &patientID.String
	}
	if ownerID.Valid {
		alert.OwnerID = &ownerID.String
	}
	if acknowledgedBy.Valid {
		alert.AcknowledgedBy = &acknowledgedBy.String
	}
	if resolvedBy.Valid {
		alert.ResolvedBy = &resolvedBy.String
	}
	if resolution.Valid {
		alert.Resolution = &resolution.String
	}
	if nextEscalationAt.Valid {
		alert.NextEscalationAt = &nextEscalationAt.Time
	}
	if resolutionDueAt.Valid {
		alert.ResolutionDueAt = &resolutionDueAt.Time
	}

	// 处理 JSONB 字段
	if len(history) > 0 {
		alert.EscalationHistory = string(history)
	} else {
		alert.EscalationHistory = "[]"
	}

	return &alert, nil
}

// nullableJSON 空字符串时使用默认 JSON 值
func nullableJSON(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}
