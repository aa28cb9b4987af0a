package escalation

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"medlink-alert/internal/errs"
	"medlink-alert/internal/models"
	"medlink-alert/internal/scheduler"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// AlertStore 告警持久化接口（由 repository.AlertsRepository 实现）
type AlertStore interface {
	GetAlert(ctx context.Context, hospitalID, alertID string) (*models.Alert, error)
	CreateAlert(ctx context.Context, alert *models.Alert) error
	UpdateAlert(ctx context.Context, alert *models.Alert) error
	ListActiveAlerts(ctx context.Context, hospitalID string) ([]*models.Alert, error)
}

// TimelineStore 时间线持久化接口（由 repository.TimelineRepository 实现）
type TimelineStore interface {
	AppendEvent(ctx context.Context, event *models.TimelineEvent) error
	ListEvents(ctx context.Context, alertID string) ([]*models.TimelineEvent, error)
}

// Sink 状态变更下游（通知分发 + 实时广播，由 service 层实现）
// 实现方不得阻塞：引擎在持有告警锁时调用。
type Sink interface {
	AlertChanged(ctx context.Context, alert *models.Alert, event *models.TimelineEvent)
}

// Engine 升级引擎
// 每个告警的状态变更在告警级互斥锁下执行；
// 定时器回调先重新读库校验状态再动作，取消定时器因此是尽力而为。
type Engine struct {
	policy            *Policy
	alerts            AlertStore
	timeline          TimelineStore
	sched             *scheduler.Scheduler
	clock             scheduler.Clock
	sink              Sink
	resolutionTimeout time.Duration
	locks             *keyedMutex
	logger            *zap.Logger
}

// NewEngine 创建升级引擎
func NewEngine(
	policy *Policy,
	alerts AlertStore,
	timeline TimelineStore,
	sched *scheduler.Scheduler,
	clock scheduler.Clock,
	sink Sink,
	resolutionTimeout time.Duration,
	logger *zap.Logger,
) *Engine {
	return &Engine{
		policy:            policy,
		alerts:            alerts,
		timeline:          timeline,
		sched:             sched,
		clock:             clock,
		sink:              sink,
		resolutionTimeout: resolutionTimeout,
		locks:             newKeyedMutex(),
		logger:            logger,
	}
}

// ============================================
// 对外操作
// ============================================

// Create 创建告警：tier 0、状态 active、安排首层超时、追加 created 事件
func (e *Engine) Create(ctx context.Context, input *models.AlertInput) (*models.Alert, error) {
	if err := validateInput(input); err != nil {
		return nil, err
	}

	now := e.clock.Now()
	alert := &models.Alert{
		AlertID:           uuid.New().String(),
		HospitalID:        input.HospitalID,
		Room:              input.Room,
		AlertType:         input.AlertType,
		UrgencyLevel:      input.UrgencyLevel,
		Description:       input.Description,
		PatientID:         input.PatientID,
		CreatedBy:         input.CreatedBy,
		Status:            models.AlertStatusActive,
		CurrentTier:       0,
		EscalationHistory: "[]",
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	tier0, _ := e.policy.Tier(0)
	deadline := now.Add(tier0.Timeout)
	alert.NextEscalationAt = &deadline

	unlock := e.locks.Lock(alert.AlertID)
	defer unlock()

	if err := e.alerts.CreateAlert(ctx, alert); err != nil {
		return nil, fmt.Errorf("failed to persist alert: %w", err)
	}

	event, err := e.appendEvent(ctx, alert.AlertID, models.TimelineCreated, &input.CreatedBy, map[string]interface{}{
		"room":          input.Room,
		"alert_type":    input.AlertType,
		"urgency_level": input.UrgencyLevel,
	})
	if err != nil {
		return nil, err
	}

	if err := e.armEscalation(alert); err != nil {
		// 未被安排的升级是患者安全缺陷：撤掉截止时间、标记需人工介入、大声上报
		alert.NextEscalationAt = nil
		alert.UpdatedAt = e.clock.Now()
		if uerr := e.alerts.UpdateAlert(ctx, alert); uerr != nil {
			e.logger.Error("Failed to clear deadline after scheduling failure",
				zap.String("alert_id", alert.AlertID),
				zap.Error(uerr),
			)
		}
		e.logger.Error("Scheduling failure on alert creation, manual intervention required",
			zap.String("alert_id", alert.AlertID),
			zap.Error(err),
		)
		return nil, &errs.SchedulingFailure{AlertID: alert.AlertID, Err: err}
	}

	e.emit(ctx, alert, event)
	return alert, nil
}

// Acknowledge 确认告警：取消升级定时器，状态转 acknowledged
// 已 acknowledged 的告警再次确认只追加事件，不改状态，也不会重新武装定时器。
func (e *Engine) Acknowledge(ctx context.Context, hospitalID, alertID, actorID string, notes string) (*models.Alert, error) {
	unlock := e.locks.Lock(alertID)
	defer unlock()

	alert, err := e.alerts.GetAlert(ctx, hospitalID, alertID)
	if err != nil {
		return nil, err
	}
	if alert.Status.IsTerminal() {
		return nil, errs.NewAlreadyTerminalError(alertID, "acknowledge")
	}

	// 尽力取消；已开始执行的回调会在动作前重新检查状态
	e.sched.Cancel(alertID)

	metadata := map[string]interface{}{}
	if notes != "" {
		metadata["notes"] = notes
	}

	if alert.Status == models.AlertStatusAcknowledged {
		// 第二个确认人：记录事件，状态不变
		metadata["duplicate"] = true
		event, err := e.appendEvent(ctx, alertID, models.TimelineAcknowledged, &actorID, metadata)
		if err != nil {
			return nil, err
		}
		e.emit(ctx, alert, event)
		return alert, nil
	}

	now := e.clock.Now()
	resolutionDue := now.Add(e.resolutionTimeout)

	alert.Status = models.AlertStatusAcknowledged
	alert.AcknowledgedBy = &actorID
	alert.NextEscalationAt = nil
	alert.ResolutionDueAt = &resolutionDue
	alert.UpdatedAt = now

	if err := e.alerts.UpdateAlert(ctx, alert); err != nil {
		return nil, fmt.Errorf("failed to update alert: %w", err)
	}

	event, err := e.appendEvent(ctx, alertID, models.TimelineAcknowledged, &actorID, metadata)
	if err != nil {
		return nil, err
	}

	// 处置超时软状态：只广播，不改状态，调度失败也只降级为日志
	if err := e.armResolutionOverdue(alert); err != nil {
		e.logger.Warn("Failed to arm resolution-overdue timer",
			zap.String("alert_id", alertID),
			zap.Error(err),
		)
	}

	e.emit(ctx, alert, event)
	return alert, nil
}

// EscalateNow 人工立即升级
func (e *Engine) EscalateNow(ctx context.Context, hospitalID, alertID, actorID, reason string) (*models.Alert, error) {
	unlock := e.locks.Lock(alertID)
	defer unlock()

	alert, err := e.alerts.GetAlert(ctx, hospitalID, alertID)
	if err != nil {
		return nil, err
	}
	if alert.Status.IsTerminal() {
		return nil, errs.NewAlreadyTerminalError(alertID, "escalate")
	}

	if reason == "" {
		reason = "manual"
	}
	if err := e.escalateLocked(ctx, alert, &actorID, reason); err != nil {
		return nil, err
	}
	return alert, nil
}

// Resolve 处置完成：取消所有定时器，状态转 resolved（终态）
func (e *Engine) Resolve(ctx context.Context, hospitalID, alertID, actorID, resolution string) (*models.Alert, error) {
	unlock := e.locks.Lock(alertID)
	defer unlock()

	alert, err := e.alerts.GetAlert(ctx, hospitalID, alertID)
	if err != nil {
		return nil, err
	}
	if alert.Status.IsTerminal() {
		return nil, errs.NewAlreadyTerminalError(alertID, "resolve")
	}

	e.sched.Cancel(alertID)
	e.sched.Cancel(resolutionKey(alertID))

	now := e.clock.Now()
	alert.Status = models.AlertStatusResolved
	alert.ResolvedBy = &actorID
	alert.Resolution = &resolution
	alert.NextEscalationAt = nil
	alert.ResolutionDueAt = nil
	alert.UpdatedAt = now

	if err := e.alerts.UpdateAlert(ctx, alert); err != nil {
		return nil, fmt.Errorf("failed to update alert: %w", err)
	}

	event, err := e.appendEvent(ctx, alertID, models.TimelineResolved, &actorID, map[string]interface{}{
		"resolution": resolution,
	})
	if err != nil {
		return nil, err
	}

	e.emit(ctx, alert, event)
	return alert, nil
}

// Transfer 交接班转移：更换责任人，不改层级、不碰定时器
func (e *Engine) Transfer(ctx context.Context, hospitalID, alertID, fromActor, toActor, reason string) (*models.Alert, error) {
	if toActor == "" {
		return nil, errs.NewValidationError("to_actor", "is required")
	}

	unlock := e.locks.Lock(alertID)
	defer unlock()

	alert, err := e.alerts.GetAlert(ctx, hospitalID, alertID)
	if err != nil {
		return nil, err
	}
	if alert.Status.IsTerminal() {
		return nil, errs.NewAlreadyTerminalError(alertID, "transfer")
	}

	alert.OwnerID = &toActor
	alert.UpdatedAt = e.clock.Now()

	if err := e.alerts.UpdateAlert(ctx, alert); err != nil {
		return nil, fmt.Errorf("failed to update alert: %w", err)
	}

	event, err := e.appendEvent(ctx, alertID, models.TimelineTransferred, &fromActor, map[string]interface{}{
		"from":   fromActor,
		"to":     toActor,
		"reason": reason,
	})
	if err != nil {
		return nil, err
	}

	e.emit(ctx, alert, event)
	return alert, nil
}

// Reopen 重新打开已处置的告警：回到 active、tier 0、重新安排首层超时
func (e *Engine) Reopen(ctx context.Context, hospitalID, alertID, actorID, reason string) (*models.Alert, error) {
	unlock := e.locks.Lock(alertID)
	defer unlock()

	alert, err := e.alerts.GetAlert(ctx, hospitalID, alertID)
	if err != nil {
		return nil, err
	}
	if alert.Status != models.AlertStatusResolved {
		return nil, errs.NewValidationError("status", "only resolved alerts can be reopened")
	}

	now := e.clock.Now()
	tier0, _ := e.policy.Tier(0)
	deadline := now.Add(tier0.Timeout)

	alert.Status = models.AlertStatusActive
	alert.CurrentTier = 0
	alert.NextEscalationAt = &deadline
	alert.ResolutionDueAt = nil
	alert.AcknowledgedBy = nil
	alert.ResolvedBy = nil
	alert.Resolution = nil
	alert.UpdatedAt = now

	if err := e.alerts.UpdateAlert(ctx, alert); err != nil {
		return nil, fmt.Errorf("failed to update alert: %w", err)
	}

	event, err := e.appendEvent(ctx, alertID, models.TimelineReopened, &actorID, map[string]interface{}{
		"reason": reason,
	})
	if err != nil {
		return nil, err
	}

	if err := e.armEscalation(alert); err != nil {
		alert.NextEscalationAt = nil
		alert.UpdatedAt = e.clock.Now()
		if uerr := e.alerts.UpdateAlert(ctx, alert); uerr != nil {
			e.logger.Error("Failed to clear deadline after scheduling failure",
				zap.String("alert_id", alertID),
				zap.Error(uerr),
			)
		}
		return nil, &errs.SchedulingFailure{AlertID: alertID, Err: err}
	}

	e.emit(ctx, alert, event)
	return alert, nil
}

// Comment 追加评论事件（任何状态都允许，包括 resolved）
func (e *Engine) Comment(ctx context.Context, hospitalID, alertID, actorID, text string) (*models.TimelineEvent, error) {
	if text == "" {
		return nil, errs.NewValidationError("text", "is required")
	}

	alert, err := e.alerts.GetAlert(ctx, hospitalID, alertID)
	if err != nil {
		return nil, err
	}

	event, err := e.appendEvent(ctx, alertID, models.TimelineCommented, &actorID, map[string]interface{}{
		"text": text,
	})
	if err != nil {
		return nil, err
	}

	e.emit(ctx, alert, event)
	return event, nil
}

// RecordView 记录查看事件
func (e *Engine) RecordView(ctx context.Context, hospitalID, alertID, actorID string) error {
	alert, err := e.alerts.GetAlert(ctx, hospitalID, alertID)
	if err != nil {
		return err
	}

	event, err := e.appendEvent(ctx, alertID, models.TimelineViewed, &actorID, nil)
	if err != nil {
		return err
	}

	e.emit(ctx, alert, event)
	return nil
}

// GetAlert 查询告警
func (e *Engine) GetAlert(ctx context.Context, hospitalID, alertID string) (*models.Alert, error) {
	return e.alerts.GetAlert(ctx, hospitalID, alertID)
}

// GetTimeline 查询告警的完整时间线（按追加顺序）
func (e *Engine) GetTimeline(ctx context.Context, alertID string) ([]*models.TimelineEvent, error) {
	return e.timeline.ListEvents(ctx, alertID)
}

// RestoreTimers 服务重启后恢复未终态告警的定时器
func (e *Engine) RestoreTimers(ctx context.Context, hospitalID string) error {
	alerts, err := e.alerts.ListActiveAlerts(ctx, hospitalID)
	if err != nil {
		return fmt.Errorf("failed to list active alerts: %w", err)
	}

	for _, alert := range alerts {
		if alert.NextEscalationAt != nil {
			if err := e.armEscalation(alert); err != nil {
				e.logger.Error("Failed to restore escalation timer",
					zap.String("alert_id", alert.AlertID),
					zap.Error(err),
				)
			}
		}
		if alert.Status == models.AlertStatusAcknowledged && alert.ResolutionDueAt != nil {
			if err := e.armResolutionOverdue(alert); err != nil {
				e.logger.Warn("Failed to restore resolution-overdue timer",
					zap.String("alert_id", alert.AlertID),
					zap.Error(err),
				)
			}
		}
	}

	e.logger.Info("Restored timers",
		zap.String("hospital_id", hospitalID),
		zap.Int("alerts", len(alerts)),
	)
	return nil
}

// ============================================
// 内部实现
// ============================================

// escalateLocked 推进层级（调用方必须已持有告警锁）
// 已在最高层级时层级不变、清空截止时间，但仍追加事件。
func (e *Engine) escalateLocked(ctx context.Context, alert *models.Alert, actorID *string, reason string) error {
	now := e.clock.Now()
	maxTier := e.policy.MaxTier()
	fromTier := alert.CurrentTier

	if fromTier >= maxTier {
		// 最高层级保持不动，等待人工介入
		alert.NextEscalationAt = nil
		alert.Status = models.AlertStatusEscalated
		alert.UpdatedAt = now

		if err := e.alerts.UpdateAlert(ctx, alert); err != nil {
			return fmt.Errorf("failed to update alert: %w", err)
		}

		event, err := e.appendEvent(ctx, alert.AlertID, models.TimelineEscalated, actorID, map[string]interface{}{
			"from_tier": fromTier,
			"to_tier":   fromTier,
			"reason":    reason,
			"held":      true,
		})
		if err != nil {
			return err
		}
		e.emit(ctx, alert, event)
		return nil
	}

	newTier := fromTier + 1
	alert.CurrentTier = newTier
	alert.Status = models.AlertStatusEscalated
	alert.ResolutionDueAt = nil
	alert.UpdatedAt = now
	e.sched.Cancel(resolutionKey(alert.AlertID))

	if newTier < maxTier {
		tier, _ := e.policy.Tier(newTier)
		deadline := now.Add(tier.Timeout)
		alert.NextEscalationAt = &deadline
	} else {
		// 到达最高层级后不再自动升级
		alert.NextEscalationAt = nil
	}

	if err := alert.AppendHistory(models.TierTransition{
		FromTier: fromTier,
		ToTier:   newTier,
		Reason:   reason,
		At:       now,
	}); err != nil {
		return fmt.Errorf("failed to append escalation history: %w", err)
	}

	if err := e.alerts.UpdateAlert(ctx, alert); err != nil {
		return fmt.Errorf("failed to update alert: %w", err)
	}

	event, err := e.appendEvent(ctx, alert.AlertID, models.TimelineEscalated, actorID, map[string]interface{}{
		"from_tier": fromTier,
		"to_tier":   newTier,
		"reason":    reason,
	})
	if err != nil {
		return err
	}

	if alert.NextEscalationAt != nil {
		if err := e.armEscalation(alert); err != nil {
			alert.NextEscalationAt = nil
			alert.UpdatedAt = e.clock.Now()
			if uerr := e.alerts.UpdateAlert(ctx, alert); uerr != nil {
				e.logger.Error("Failed to clear deadline after scheduling failure",
					zap.String("alert_id", alert.AlertID),
					zap.Error(uerr),
				)
			}
			e.logger.Error("Scheduling failure on escalation, manual intervention required",
				zap.String("alert_id", alert.AlertID),
				zap.Int("tier", newTier),
				zap.Error(err),
			)
			return &errs.SchedulingFailure{AlertID: alert.AlertID, Err: err}
		}
	}

	e.logger.Info("Alert escalated",
		zap.String("alert_id", alert.AlertID),
		zap.Int("from_tier", fromTier),
		zap.Int("to_tier", newTier),
		zap.String("reason", reason),
	)

	e.emit(ctx, alert, event)
	return nil
}

// armEscalation 安排升级截止时间回调
func (e *Engine) armEscalation(alert *models.Alert) error {
	if alert.NextEscalationAt == nil {
		return nil
	}
	hospitalID := alert.HospitalID
	alertID := alert.AlertID
	return e.sched.Arm(alertID, *alert.NextEscalationAt, func() {
		e.onDeadline(hospitalID, alertID)
	})
}

// onDeadline 升级定时器回调
// 回调与调用方操作是仅有的并发竞争：先取锁、重新读库、校验状态再动作。
// 已 resolved/acknowledged 的告警在这里被发现并无害跳过。
func (e *Engine) onDeadline(hospitalID, alertID string) {
	ctx := context.Background()

	unlock := e.locks.Lock(alertID)
	defer unlock()

	alert, err := e.alerts.GetAlert(ctx, hospitalID, alertID)
	if err != nil {
		e.logger.Error("Deadline fired for unloadable alert",
			zap.String("alert_id", alertID),
			zap.Error(err),
		)
		return
	}

	// 状态检查：确认/处置赢得竞争时这里是空操作
	if alert.Status != models.AlertStatusActive && alert.Status != models.AlertStatusEscalated {
		e.logger.Debug("Deadline fired but alert no longer escalatable",
			zap.String("alert_id", alertID),
			zap.String("status", string(alert.Status)),
		)
		return
	}
	if alert.NextEscalationAt == nil {
		return
	}
	if e.clock.Now().Before(*alert.NextEscalationAt) {
		// 截止时间已被推后（定时器取消竞争），由新定时器接手
		return
	}

	if err := e.escalateLocked(ctx, alert, nil, "timeout"); err != nil {
		e.logger.Error("Failed to escalate on deadline",
			zap.String("alert_id", alertID),
			zap.Error(err),
		)
	}
}

// armResolutionOverdue 安排处置超时软状态回调
func (e *Engine) armResolutionOverdue(alert *models.Alert) error {
	if alert.ResolutionDueAt == nil {
		return nil
	}
	hospitalID := alert.HospitalID
	alertID := alert.AlertID
	return e.sched.Arm(resolutionKey(alertID), *alert.ResolutionDueAt, func() {
		e.onResolutionOverdue(hospitalID, alertID)
	})
}

// onResolutionOverdue 处置超时回调：只广播软状态事件，不落库、不改状态
func (e *Engine) onResolutionOverdue(hospitalID, alertID string) {
	ctx := context.Background()

	unlock := e.locks.Lock(alertID)
	defer unlock()

	alert, err := e.alerts.GetAlert(ctx, hospitalID, alertID)
	if err != nil {
		e.logger.Error("Resolution-overdue fired for unloadable alert",
			zap.String("alert_id", alertID),
			zap.Error(err),
		)
		return
	}
	if alert.Status != models.AlertStatusAcknowledged || alert.ResolutionDueAt == nil {
		return
	}
	if e.clock.Now().Before(*alert.ResolutionDueAt) {
		return
	}

	e.logger.Warn("Alert resolution overdue",
		zap.String("alert_id", alertID),
		zap.String("hospital_id", hospitalID),
	)

	event := &models.TimelineEvent{
		EventID:   uuid.New().String(),
		AlertID:   alertID,
		Kind:      models.TimelineResolutionOverdue,
		Metadata:  "{}",
		CreatedAt: e.clock.Now(),
	}
	e.emit(ctx, alert, event)
}

// appendEvent 构造并落库时间线事件
func (e *Engine) appendEvent(ctx context.Context, alertID string, kind models.TimelineEventKind, actorID *string, metadata map[string]interface{}) (*models.TimelineEvent, error) {
	event := &models.TimelineEvent{
		EventID:   uuid.New().String(),
		AlertID:   alertID,
		Kind:      kind,
		ActorID:   actorID,
		Metadata:  marshalMetadata(metadata),
		CreatedAt: e.clock.Now(),
	}
	if err := e.timeline.AppendEvent(ctx, event); err != nil {
		return nil, fmt.Errorf("failed to append timeline event: %w", err)
	}
	return event, nil
}

// emit 通知下游（分发器/广播服务）
func (e *Engine) emit(ctx context.Context, alert *models.Alert, event *models.TimelineEvent) {
	if e.sink != nil {
		e.sink.AlertChanged(ctx, alert, event)
	}
}

// validateInput 校验创建输入
func validateInput(input *models.AlertInput) error {
	if input == nil {
		return errs.NewValidationError("input", "is required")
	}
	if input.HospitalID == "" {
		return errs.NewValidationError("hospital_id", "is required")
	}
	if input.Room == "" {
		return errs.NewValidationError("room", "is required")
	}
	if !models.ValidAlertTypes[input.AlertType] {
		return errs.NewValidationError("alert_type", fmt.Sprintf("unknown type: %s", input.AlertType))
	}
	if input.UrgencyLevel < models.UrgencyMin || input.UrgencyLevel > models.UrgencyMax {
		return errs.NewValidationError("urgency_level", fmt.Sprintf("must be between %d and %d", models.UrgencyMin, models.UrgencyMax))
	}
	if input.CreatedBy == "" {
		return errs.NewValidationError("created_by", "is required")
	}
	return nil
}

// marshalMetadata 序列化事件元数据
func marshalMetadata(metadata map[string]interface{}) string {
	if len(metadata) == 0 {
		return "{}"
	}
	data, err := json.Marshal(metadata)
	if err != nil {
		return "{}"
	}
	return string(data)
}

// resolutionKey 处置超时定时器的调度键
func resolutionKey(alertID string) string {
	return alertID + ":resolution"
}
