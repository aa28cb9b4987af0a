// Package service 组装告警核心服务：
// 升级引擎、通知分发、实时广播、值班目录的装配与生命周期管理。
package service

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"medlink-alert/internal/broadcast"
	"medlink-alert/internal/config"
	"medlink-alert/internal/database"
	"medlink-alert/internal/directory"
	"medlink-alert/internal/dispatch"
	"medlink-alert/internal/escalation"
	"medlink-alert/internal/models"
	"medlink-alert/internal/redisx"
	"medlink-alert/internal/repository"
	"medlink-alert/internal/scheduler"
)

// 下游通知/广播动作的兜底超时
const sinkTimeout = 30 * time.Second

// AlertService 告警核心服务
// 实现 escalation.Sink：引擎的每次状态变更都经由 AlertChanged
// 异步转化为实时广播和层级通知。
type AlertService struct {
	cfg    *config.Config
	logger *zap.Logger

	db          *sql.DB
	redisClient *redis.Client

	alerts     *repository.AlertsRepository
	deliveries *repository.DeliveriesRepository

	policy     *escalation.Policy
	sched      *scheduler.Scheduler
	engine     *escalation.Engine
	dispatcher *dispatch.Dispatcher
	hub        *broadcast.Hub
	directory  directory.Directory

	pushProvider *dispatch.MQTTPushProvider

	// 在途的异步通知/广播任务
	wg sync.WaitGroup
}

// NewAlertService 装配告警核心服务
func NewAlertService(cfg *config.Config, logger *zap.Logger) (*AlertService, error) {
	db, err := database.NewPostgresDB(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	redisClient := redisx.NewRedisClient(&cfg.Redis)
	if err := redisx.Ping(context.Background(), redisClient); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	pushProvider, err := dispatch.NewMQTTPushProvider(&cfg.MQTT, logger)
	if err != nil {
		redisClient.Close()
		db.Close()
		return nil, fmt.Errorf("failed to connect to mqtt broker: %w", err)
	}

	policy, err := escalation.NewPolicy(cfg.Escalation.Tiers)
	if err != nil {
		pushProvider.Close()
		redisClient.Close()
		db.Close()
		return nil, fmt.Errorf("invalid escalation policy: %w", err)
	}

	s := &AlertService{
		cfg:          cfg,
		logger:       logger,
		db:           db,
		redisClient:  redisClient,
		alerts:       repository.NewAlertsRepository(db, logger),
		deliveries:   repository.NewDeliveriesRepository(db, logger),
		policy:       policy,
		pushProvider: pushProvider,
	}

	providers := map[models.Channel]dispatch.Provider{
		models.ChannelPush:  pushProvider,
		models.ChannelEmail: dispatch.NewHTTPGatewayProvider(cfg.Gateway.EmailURL, cfg.Gateway.APIKey, cfg.Gateway.Timeout, logger),
		models.ChannelSMS:   dispatch.NewHTTPGatewayProvider(cfg.Gateway.SMSURL, cfg.Gateway.APIKey, cfg.Gateway.Timeout, logger),
	}
	s.dispatcher = dispatch.NewDispatcher(cfg, providers, s.deliveries, logger)

	s.hub = broadcast.NewHub(cfg, redisClient, logger)
	s.directory = directory.NewCachedDirectory(
		directory.NewPostgresDirectory(db, logger), redisClient, logger)

	clock := scheduler.NewRealClock()
	s.sched = scheduler.NewScheduler(clock, logger)
	s.engine = escalation.NewEngine(
		policy,
		s.alerts,
		repository.NewTimelineRepository(db, logger),
		s.sched,
		clock,
		s,
		cfg.Escalation.ResolutionTimeout,
		logger,
	)

	return s, nil
}

// ============================================
// 生命周期
// ============================================

// Start 恢复重启前遗留的升级定时器
func (s *AlertService) Start(ctx context.Context) error {
	hospitals, err := s.alerts.ListActiveHospitals(ctx)
	if err != nil {
		return fmt.Errorf("failed to list hospitals with active alerts: %w", err)
	}

	for _, hospitalID := range hospitals {
		if err := s.engine.RestoreTimers(ctx, hospitalID); err != nil {
			return fmt.Errorf("failed to restore timers for hospital %s: %w", hospitalID, err)
		}
	}

	s.logger.Info("Alert service started",
		zap.Int("hospitals_restored", len(hospitals)))
	return nil
}

// Stop 优雅停机：停定时器、断广播、等在途通知、关连接
func (s *AlertService) Stop() {
	s.sched.Close()
	s.hub.Close()
	s.wg.Wait()
	s.pushProvider.Close()

	if err := s.redisClient.Close(); err != nil {
		s.logger.Warn("Failed to close redis client", zap.Error(err))
	}
	if err := s.db.Close(); err != nil {
		s.logger.Warn("Failed to close database", zap.Error(err))
	}

	s.logger.Info("Alert service stopped")
}

// ============================================
// 告警操作（委托升级引擎）
// ============================================

// CreateAlert 创建告警
func (s *AlertService) CreateAlert(ctx context.Context, input *models.AlertInput) (*models.Alert, error) {
	return s.engine.Create(ctx, input)
}

// AcknowledgeAlert 确认告警
func (s *AlertService) AcknowledgeAlert(ctx context.Context, hospitalID, alertID, actorID, notes string) (*models.Alert, error) {
	return s.engine.Acknowledge(ctx, hospitalID, alertID, actorID, notes)
}

// EscalateAlert 手动升级告警
func (s *AlertService) EscalateAlert(ctx context.Context, hospitalID, alertID, actorID, reason string) (*models.Alert, error) {
	return s.engine.EscalateNow(ctx, hospitalID, alertID, actorID, reason)
}

// ResolveAlert 处置完成告警
func (s *AlertService) ResolveAlert(ctx context.Context, hospitalID, alertID, actorID, resolution string) (*models.Alert, error) {
	return s.engine.Resolve(ctx, hospitalID, alertID, actorID, resolution)
}

// TransferAlert 转移告警责任人
func (s *AlertService) TransferAlert(ctx context.Context, hospitalID, alertID, fromActor, toActor, reason string) (*models.Alert, error) {
	return s.engine.Transfer(ctx, hospitalID, alertID, fromActor, toActor, reason)
}

// ReopenAlert 重新打开已处置的告警
func (s *AlertService) ReopenAlert(ctx context.Context, hospitalID, alertID, actorID, reason string) (*models.Alert, error) {
	return s.engine.Reopen(ctx, hospitalID, alertID, actorID, reason)
}

// CommentAlert 追加告警备注
func (s *AlertService) CommentAlert(ctx context.Context, hospitalID, alertID, actorID, text string) (*models.TimelineEvent, error) {
	return s.engine.Comment(ctx, hospitalID, alertID, actorID, text)
}

// RecordAlertView 记录告警被查看
func (s *AlertService) RecordAlertView(ctx context.Context, hospitalID, alertID, actorID string) error {
	return s.engine.RecordView(ctx, hospitalID, alertID, actorID)
}

// GetAlert 获取告警
func (s *AlertService) GetAlert(ctx context.Context, hospitalID, alertID string) (*models.Alert, error) {
	return s.engine.GetAlert(ctx, hospitalID, alertID)
}

// GetTimeline 获取告警时间线
func (s *AlertService) GetTimeline(ctx context.Context, alertID string) ([]*models.TimelineEvent, error) {
	return s.engine.GetTimeline(ctx, alertID)
}

// GetDispatchOutcome 查询单次通知分发的渠道级结果
func (s *AlertService) GetDispatchOutcome(ctx context.Context, notificationID string) (*models.DispatchResult, error) {
	return s.deliveries.GetDispatch(ctx, notificationID)
}

// ListDispatchOutcomes 查询告警的全部通知分发记录
func (s *AlertService) ListDispatchOutcomes(ctx context.Context, alertID string) ([]*models.DispatchResult, error) {
	return s.deliveries.ListDispatchesByAlert(ctx, alertID)
}

// EventsHandler 实时事件订阅的WebSocket端点
func (s *AlertService) EventsHandler() http.Handler {
	return broadcast.NewWSHandler(s.hub, s.logger)
}

// ============================================
// escalation.Sink 实现
// ============================================

// AlertChanged 引擎状态变更回调
// 引擎持锁调用，这里只做快照并移交后台任务，立即返回。
func (s *AlertService) AlertChanged(_ context.Context, alert *models.Alert, event *models.TimelineEvent) {
	snapshot := *alert

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
		defer cancel()

		s.broadcastEvent(ctx, &snapshot, event)

		// 只有进入新层级的事件触发层级通知
		if event.Kind == models.TimelineCreated || event.Kind == models.TimelineEscalated {
			s.notifyTier(ctx, &snapshot, event)
		}
	}()
}

// broadcastEvent 发布到医院scope和单告警scope
func (s *AlertService) broadcastEvent(ctx context.Context, alert *models.Alert, event *models.TimelineEvent) {
	scopes := []string{
		"hospital:" + alert.HospitalID,
		"alert:" + alert.AlertID,
	}
	for _, scope := range scopes {
		if _, err := s.hub.Publish(ctx, scope, alert, event); err != nil {
			s.logger.Error("Failed to broadcast alert event",
				zap.String("scope", scope),
				zap.String("alert_id", alert.AlertID),
				zap.String("kind", string(event.Kind)),
				zap.Error(err))
		}
	}
}

// notifyTier 把告警当前层级解析为值班接收人并批量分发通知
func (s *AlertService) notifyTier(ctx context.Context, alert *models.Alert, event *models.TimelineEvent) {
	tier, ok := s.policy.Tier(alert.CurrentTier)
	if !ok {
		s.logger.Error("Alert tier outside escalation policy",
			zap.String("alert_id", alert.AlertID),
			zap.Int("tier", alert.CurrentTier))
		return
	}

	var recipients []models.Recipient
	var err error
	if tier.AllStaff {
		recipients, err = s.directory.AllStaff(ctx, alert.HospitalID)
	} else {
		recipients, err = s.directory.OnDutyByRole(ctx, alert.HospitalID, tier.Role)
	}
	if err != nil {
		s.logger.Error("Failed to resolve on-duty recipients",
			zap.String("alert_id", alert.AlertID),
			zap.String("role", tier.Role),
			zap.Error(err))
		return
	}
	if len(recipients) == 0 {
		s.logger.Warn("No on-duty recipients for alert tier",
			zap.String("alert_id", alert.AlertID),
			zap.String("hospital_id", alert.HospitalID),
			zap.String("role", tier.Role),
			zap.Int("tier", alert.CurrentTier))
		return
	}

	notifications := buildNotifications(alert, event, recipients)
	results := s.dispatcher.DispatchBatch(ctx, notifications)

	failed := 0
	for _, result := range results {
		if !result.Success {
			failed++
		}
	}
	if failed > 0 {
		s.logger.Warn("Some tier notifications failed all channels",
			zap.String("alert_id", alert.AlertID),
			zap.Int("tier", alert.CurrentTier),
			zap.Int("total", len(results)),
			zap.Int("failed", failed))
	}
}

// buildNotifications 为每个接收人构造通知
func buildNotifications(alert *models.Alert, event *models.TimelineEvent, recipients []models.Recipient) []*models.Notification {
	priority := priorityForUrgency(alert.UrgencyLevel)
	title, body := renderMessage(alert, event)

	notifications := make([]*models.Notification, 0, len(recipients))
	for _, recipient := range recipients {
		notifications = append(notifications, &models.Notification{
			NotificationID: uuid.New().String(),
			AlertID:        alert.AlertID,
			HospitalID:     alert.HospitalID,
			Kind:           event.Kind,
			Priority:       priority,
			Recipient:      recipient,
			Title:          title,
			Body:           body,
			Data: map[string]string{
				"alert_id":      alert.AlertID,
				"room":          alert.Room,
				"alert_type":    string(alert.AlertType),
				"urgency_level": fmt.Sprintf("%d", alert.UrgencyLevel),
				"tier":          fmt.Sprintf("%d", alert.CurrentTier),
			},
		})
	}
	return notifications
}

// priorityForUrgency 紧急度到通知优先级的映射
func priorityForUrgency(urgency int) models.NotificationPriority {
	switch urgency {
	case 1:
		return models.PriorityCritical
	case 2:
		return models.PriorityHigh
	case 3:
		return models.PriorityMedium
	default:
		return models.PriorityLow
	}
}

// renderMessage 生成通知标题和正文
func renderMessage(alert *models.Alert, event *models.TimelineEvent) (title, body string) {
	switch event.Kind {
	case models.TimelineEscalated:
		title = fmt.Sprintf("ESCALATED: %s in room %s", alert.AlertType, alert.Room)
		body = fmt.Sprintf("Alert escalated to tier %d without acknowledgement. %s", alert.CurrentTier, alert.Description)
	default:
		title = fmt.Sprintf("ALERT: %s in room %s", alert.AlertType, alert.Room)
		body = alert.Description
	}
	return title, body
}
