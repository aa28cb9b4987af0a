// Package directory 实现值班目录：
// 把升级层级的角色选择器（如 head_nurse）解析为当前值班人员的
// 联系端点和渠道偏好，供通知分发使用。
package directory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"medlink-alert/internal/models"
)

// Directory 值班目录查询接口
type Directory interface {
	// OnDutyByRole 查询医院内指定角色的当前值班人员
	OnDutyByRole(ctx context.Context, hospitalID, role string) ([]models.Recipient, error)
	// AllStaff 查询医院内所有值班人员（顶层全员广播用）
	AllStaff(ctx context.Context, hospitalID string) ([]models.Recipient, error)
}

// PostgresDirectory 基于 staff 表的值班目录
type PostgresDirectory struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewPostgresDirectory 创建值班目录
func NewPostgresDirectory(db *sql.DB, logger *zap.Logger) *PostgresDirectory {
	return &PostgresDirectory{
		db:     db,
		logger: logger,
	}
}

const staffColumns = `
				user_id,
				role,
				push_token,
				email,
				phone,
				preferences`

// OnDutyByRole 查询指定角色的值班人员
func (d *PostgresDirectory) OnDutyByRole(ctx context.Context, hospitalID, role string) ([]models.Recipient, error) {
	if hospitalID == "" {
		return nil, fmt.Errorf("hospital_id is required")
	}
	if role == "" {
		return nil, fmt.Errorf("role is required")
	}

	query := `
		SELECT ` + staffColumns + `
		FROM staff
		WHERE hospital_id = $1
		  AND role = $2
		  AND on_duty = true
		ORDER BY user_id ASC
	`

	return d.queryRecipients(ctx, query, hospitalID, role)
}

// AllStaff 查询所有值班人员
func (d *PostgresDirectory) AllStaff(ctx context.Context, hospitalID string) ([]models.Recipient, error) {
	if hospitalID == "" {
		return nil, fmt.Errorf("hospital_id is required")
	}

	query := `
		SELECT ` + staffColumns + `
		FROM staff
		WHERE hospital_id = $1
		  AND on_duty = true
		ORDER BY user_id ASC
	`

	return d.queryRecipients(ctx, query, hospitalID)
}

func (d *PostgresDirectory) queryRecipients(ctx context.Context, query string, args ...interface{}) ([]models.Recipient, error) {
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query staff: %w", err)
	}
	defer rows.Close()

	var recipients []models.Recipient
	for rows.Next() {
		var r models.Recipient
		var pushToken, email, phone sql.NullString
		var preferences []byte

		err := rows.Scan(
			&r.UserID,
			&r.Role,
			&pushToken,
			&email,
			&phone,
			&preferences,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan staff row: %w", err)
		}

		if pushToken.Valid {
			r.PushToken = &pushToken.String
		}
		if email.Valid {
			r.Email = &email.String
		}
		if phone.Valid {
			r.Phone = &phone.String
		}

		// 偏好损坏不阻塞解析，按无偏好处理
		if len(preferences) > 0 {
			if err := json.Unmarshal(preferences, &r.Preferences); err != nil {
				d.logger.Warn("Failed to parse channel preferences",
					zap.String("user_id", r.UserID),
					zap.Error(err))
				r.Preferences = nil
			}
		}

		recipients = append(recipients, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate staff rows: %w", err)
	}

	return recipients, nil
}
