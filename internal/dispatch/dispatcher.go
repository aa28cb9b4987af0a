package dispatch

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"medlink-alert/internal/config"
	"medlink-alert/internal/models"

	"go.uber.org/zap"
)

// Provider 投递提供方接口（推送/邮件/短信网关的薄封装）
type Provider interface {
	Send(ctx context.Context, endpoint string, payload []byte) error
}

// DeliveryLog 投递记录落库接口（由 repository.DeliveriesRepository 实现）
type DeliveryLog interface {
	RecordDispatch(ctx context.Context, result *models.DispatchResult) error
}

// Dispatcher 通知分发器
// 渠道尝试相互独立并发执行，单渠道失败不影响其他渠道；
// 全局在途渠道尝试数由信号量限制，保护下游提供方。
type Dispatcher struct {
	providers      map[models.Channel]Provider
	rules          map[models.NotificationPriority]ChannelRule
	deliveryLog    DeliveryLog
	maxAttempts    int
	initialBackoff time.Duration
	sem            chan struct{}
	logger         *zap.Logger
}

// NewDispatcher 创建通知分发器
func NewDispatcher(
	cfg *config.Config,
	providers map[models.Channel]Provider,
	deliveryLog DeliveryLog,
	logger *zap.Logger,
) *Dispatcher {
	return &Dispatcher{
		providers:      providers,
		rules:          DefaultRules(),
		deliveryLog:    deliveryLog,
		maxAttempts:    cfg.Dispatch.MaxAttempts,
		initialBackoff: cfg.Dispatch.InitialBackoff,
		sem:            make(chan struct{}, cfg.Dispatch.MaxConcurrency),
		logger:         logger,
	}
}

// Dispatch 分发单条通知
// 返回的 DispatchResult 里有渠道级明细；全部渠道失败时
// Success=false，但调用本身不返回错误——调用方检查结果而不是异常。
func (d *Dispatcher) Dispatch(ctx context.Context, n *models.Notification) *models.DispatchResult {
	result := &models.DispatchResult{
		NotificationID: n.NotificationID,
		AlertID:        n.AlertID,
		RecipientID:    n.Recipient.UserID,
	}

	rule, ok := d.rules[n.Priority]
	if !ok {
		rule = d.rules[models.PriorityMedium]
	}

	channels := SelectChannels(rule, n)
	payload := buildPayload(n)

	if len(channels) == 0 {
		d.logger.Warn("No resolvable channels for notification",
			zap.String("notification_id", n.NotificationID),
			zap.String("recipient_id", n.Recipient.UserID),
		)
	}

	// 渠道尝试相互独立并发执行
	attempts := make([]models.ChannelAttempt, len(channels))
	var wg sync.WaitGroup
	for i, ch := range channels {
		wg.Add(1)
		go func(i int, ch models.Channel) {
			defer wg.Done()
			attempts[i] = d.attemptChannel(ctx, ch, n, payload, false)
		}(i, ch)
	}
	wg.Wait()
	result.Attempts = attempts

	anySuccess := false
	for _, attempt := range attempts {
		if attempt.Success {
			anySuccess = true
		}
	}

	// 全部失败且规则定义了兜底渠道：未被原始选择覆盖时追加尝试一次
	if !anySuccess && rule.Fallback != "" && !containsChannel(channels, rule.Fallback) {
		if _, ok := n.Recipient.Endpoint(rule.Fallback); ok {
			fallbackAttempt := d.attemptOnce(ctx, rule.Fallback, n, payload)
			fallbackAttempt.Fallback = true
			result.Attempts = append(result.Attempts, fallbackAttempt)
			if fallbackAttempt.Success {
				anySuccess = true
			}
		}
	}

	result.Success = anySuccess
	result.CompletedAt = time.Now()

	if !anySuccess {
		d.logger.Error("All delivery channels failed",
			zap.String("notification_id", n.NotificationID),
			zap.String("alert_id", n.AlertID),
			zap.String("recipient_id", n.Recipient.UserID),
			zap.String("priority", string(n.Priority)),
		)
	}

	// 落库供审计查询；落库失败不影响分发结果
	if d.deliveryLog != nil {
		if err := d.deliveryLog.RecordDispatch(ctx, result); err != nil {
			d.logger.Error("Failed to record dispatch outcome",
				zap.String("notification_id", n.NotificationID),
				zap.Error(err),
			)
		}
	}

	return result
}

// DispatchBatch 批量分发
// 单条失败不会中止批次，结果按输入顺序返回；
// 在途渠道尝试总数由共享信号量限制。
func (d *Dispatcher) DispatchBatch(ctx context.Context, notifications []*models.Notification) []*models.DispatchResult {
	results := make([]*models.DispatchResult, len(notifications))

	var wg sync.WaitGroup
	for i, n := range notifications {
		wg.Add(1)
		go func(i int, n *models.Notification) {
			defer wg.Done()
			results[i] = d.Dispatch(ctx, n)
		}(i, n)
	}
	wg.Wait()

	return results
}

// attemptChannel 单渠道投递（带指数退避重试）
func (d *Dispatcher) attemptChannel(ctx context.Context, ch models.Channel, n *models.Notification, payload []byte, fallback bool) models.ChannelAttempt {
	endpoint, _ := n.Recipient.Endpoint(ch)
	attempt := models.ChannelAttempt{
		Channel:  ch,
		Endpoint: endpoint,
		Fallback: fallback,
	}

	provider, ok := d.providers[ch]
	if !ok {
		attempt.Error = "no provider registered for channel"
		return attempt
	}

	backoff := d.initialBackoff
	for i := 1; i <= d.maxAttempts; i++ {
		if i > 1 {
			select {
			case <-ctx.Done():
				attempt.Error = ctx.Err().Error()
				return attempt
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		attempt.Attempts = i
		err := d.send(ctx, provider, endpoint, payload)
		if err == nil {
			attempt.Success = true
			return attempt
		}
		attempt.Error = err.Error()

		d.logger.Debug("Channel attempt failed",
			zap.String("notification_id", n.NotificationID),
			zap.String("channel", string(ch)),
			zap.Int("attempt", i),
			zap.Error(err),
		)
	}

	return attempt
}

// attemptOnce 单次投递（兜底渠道不重试）
func (d *Dispatcher) attemptOnce(ctx context.Context, ch models.Channel, n *models.Notification, payload []byte) models.ChannelAttempt {
	endpoint, _ := n.Recipient.Endpoint(ch)
	attempt := models.ChannelAttempt{
		Channel:  ch,
		Endpoint: endpoint,
		Attempts: 1,
	}

	provider, ok := d.providers[ch]
	if !ok {
		attempt.Error = "no provider registered for channel"
		return attempt
	}

	if err := d.send(ctx, provider, endpoint, payload); err != nil {
		attempt.Error = err.Error()
		return attempt
	}
	attempt.Success = true
	return attempt
}

// send 经过信号量的单次提供方调用
func (d *Dispatcher) send(ctx context.Context, provider Provider, endpoint string, payload []byte) error {
	select {
	case d.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-d.sem }()

	return provider.Send(ctx, endpoint, payload)
}

// buildPayload 构造投递载荷
func buildPayload(n *models.Notification) []byte {
	payload := map[string]interface{}{
		"notification_id": n.NotificationID,
		"alert_id":        n.AlertID,
		"hospital_id":     n.HospitalID,
		"kind":            n.Kind,
		"priority":        n.Priority,
		"title":           n.Title,
		"body":            n.Body,
	}
	if len(n.Data) > 0 {
		payload["data"] = n.Data
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return []byte("{}")
	}
	return data
}

func containsChannel(channels []models.Channel, ch models.Channel) bool {
	for _, c := range channels {
		if c == ch {
			return true
		}
	}
	return false
}
