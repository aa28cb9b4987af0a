package models

import (
	"encoding/json"
	"time"
)

// AlertStatus 告警状态
type AlertStatus string

const (
	AlertStatusActive       AlertStatus = "active"
	AlertStatusAcknowledged AlertStatus = "acknowledged"
	AlertStatusEscalated    AlertStatus = "escalated"
	AlertStatusResolved     AlertStatus = "resolved"
)

// IsTerminal 是否为终态（resolved 之后不允许任何状态变更）
func (s AlertStatus) IsTerminal() bool {
	return s == AlertStatusResolved
}

// AlertType 告警类型
type AlertType string

const (
	AlertTypeMedicalEmergency AlertType = "medical_emergency"
	AlertTypeFallDetected     AlertType = "fall_detected"
	AlertTypeCardiacArrest    AlertType = "cardiac_arrest"
	AlertTypeCodeBlue         AlertType = "code_blue"
	AlertTypeSecurityAlert    AlertType = "security_alert"
	AlertTypeAssistanceNeeded AlertType = "assistance_needed"
)

// ValidAlertTypes 允许的告警类型集合
var ValidAlertTypes = map[AlertType]bool{
	AlertTypeMedicalEmergency: true,
	AlertTypeFallDetected:     true,
	AlertTypeCardiacArrest:    true,
	AlertTypeCodeBlue:         true,
	AlertTypeSecurityAlert:    true,
	AlertTypeAssistanceNeeded: true,
}

// 紧急级别范围（1=critical ... 5=info，数字越小越紧急）
const (
	UrgencyMin = 1
	UrgencyMax = 5
)

// Alert 告警（对应 alerts 表）
type Alert struct {
	AlertID           string      `json:"alert_id" db:"alert_id"`
	HospitalID        string      `json:"hospital_id" db:"hospital_id"`
	Room              string      `json:"room" db:"room"`
	AlertType         AlertType   `json:"alert_type" db:"alert_type"`
	UrgencyLevel      int         `json:"urgency_level" db:"urgency_level"`
	Description       string      `json:"description" db:"description"`
	PatientID         *string     `json:"patient_id,omitempty" db:"patient_id"`
	CreatedBy         string      `json:"created_by" db:"created_by"`
	OwnerID           *string     `json:"owner_id,omitempty" db:"owner_id"`
	Status            AlertStatus `json:"status" db:"status"`
	CurrentTier       int         `json:"current_tier" db:"current_tier"`
	NextEscalationAt  *time.Time  `json:"next_escalation_at,omitempty" db:"next_escalation_at"`
	ResolutionDueAt   *time.Time  `json:"resolution_due_at,omitempty" db:"resolution_due_at"`
	AcknowledgedBy    *string     `json:"acknowledged_by,omitempty" db:"acknowledged_by"`
	ResolvedBy        *string     `json:"resolved_by,omitempty" db:"resolved_by"`
	Resolution        *string     `json:"resolution,omitempty" db:"resolution"`
	EscalationHistory string      `json:"escalation_history" db:"escalation_history"` // JSONB
	CreatedAt         time.Time   `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time   `json:"updated_at" db:"updated_at"`
}

// TierTransition 层级变更记录（escalation_history JSONB 的元素）
type TierTransition struct {
	FromTier int       `json:"from_tier"`
	ToTier   int       `json:"to_tier"`
	Reason   string    `json:"reason"`
	At       time.Time `json:"at"`
}

// History 解析 escalation_history JSONB
func (a *Alert) History() ([]TierTransition, error) {
	if a.EscalationHistory == "" {
		return nil, nil
	}
	var transitions []TierTransition
	if err := json.Unmarshal([]byte(a.EscalationHistory), &transitions); err != nil {
		return nil, err
	}
	return transitions, nil
}

// AppendHistory 追加一条层级变更并重新序列化
func (a *Alert) AppendHistory(t TierTransition) error {
	transitions, err := a.History()
	if err != nil {
		return err
	}
	transitions = append(transitions, t)
	data, err := json.Marshal(transitions)
	if err != nil {
		return err
	}
	a.EscalationHistory = string(data)
	return nil
}

// AlertInput 创建告警的输入
type AlertInput struct {
	HospitalID   string    `json:"hospital_id"`
	Room         string    `json:"room"`
	AlertType    AlertType `json:"alert_type"`
	UrgencyLevel int       `json:"urgency_level"`
	Description  string    `json:"description"`
	PatientID    *string   `json:"patient_id,omitempty"`
	CreatedBy    string    `json:"created_by"`
}
