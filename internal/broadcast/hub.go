package broadcast

import (
	"context"
	"errors"
	"sync"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"medlink-alert/internal/config"
	"medlink-alert/internal/models"
	"medlink-alert/internal/redisx"
)

// ErrReplayUnavailable 订阅者断线太久，缓冲已淘汰其漏掉的事件
// 调用方应让客户端重新全量拉取告警列表后再订阅。
var ErrReplayUnavailable = errors.New("missed events aged out of buffer, full refresh required")

// Subscriber 一个广播订阅
// 事件从 Events() 读取；Hub 因队列溢出断开订阅时关闭 Done()。
type Subscriber struct {
	ID       string
	Scope    string
	LastSeen uint64

	events    chan Event
	done      chan struct{}
	closeOnce sync.Once
}

// Events 订阅者的出站事件通道
func (s *Subscriber) Events() <-chan Event {
	return s.events
}

// Done Hub主动断开订阅时关闭
func (s *Subscriber) Done() <-chan struct{} {
	return s.done
}

func (s *Subscriber) close() {
	s.closeOnce.Do(func() {
		close(s.done)
	})
}

// scopeState 单个scope的缓冲和订阅者集合
type scopeState struct {
	ring *ring
	subs map[string]*Subscriber
}

// Hub 实时广播中心
// 发布路径绝不为慢订阅者阻塞：出站队列满即断开该订阅者。
type Hub struct {
	sequencer  *Sequencer
	redis      *redis.Client
	streamName string
	ringSize   int
	queueSize  int
	logger     *zap.Logger

	mu     sync.Mutex
	scopes map[string]*scopeState
	closed bool
}

// NewHub 创建广播中心
func NewHub(cfg *config.Config, redisClient *redis.Client, logger *zap.Logger) *Hub {
	return &Hub{
		sequencer:  NewSequencer(redisClient, cfg.Broadcast.SequencePrefix),
		redis:      redisClient,
		streamName: cfg.Broadcast.StreamName,
		ringSize:   cfg.Broadcast.RingSize,
		queueSize:  cfg.Broadcast.SubscriberQueue,
		logger:     logger,
	}
}

// Publish 发布告警事件到scope
// 分配序列号、写入缓冲、向所有订阅者非阻塞分发，
// 并把事件写入 Redis Stream 审计流（写入失败只记日志）。
func (h *Hub) Publish(ctx context.Context, scope string, alert *models.Alert, timelineEvent *models.TimelineEvent) (Event, error) {
	seq, err := h.sequencer.Next(ctx, scope)
	if err != nil {
		h.logger.Error("Failed to allocate broadcast sequence",
			zap.String("scope", scope),
			zap.Error(err))
		return Event{}, err
	}

	event := Event{
		Sequence: seq,
		Scope:    scope,
		AlertID:  alert.AlertID,
		Kind:     timelineEvent.Kind,
		Alert:    alert,
		At:       timelineEvent.CreatedAt,
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return event, nil
	}
	st := h.scope(scope)
	st.ring.append(event)

	var dropped []*Subscriber
	for _, sub := range st.subs {
		select {
		case sub.events <- event:
		default:
			// 队列满：断开慢订阅者，客户端走重连重放路径
			dropped = append(dropped, sub)
		}
	}
	for _, sub := range dropped {
		delete(st.subs, sub.ID)
	}
	h.mu.Unlock()

	for _, sub := range dropped {
		sub.close()
		h.logger.Warn("Disconnected slow subscriber",
			zap.String("subscriber_id", sub.ID),
			zap.String("scope", scope),
			zap.Uint64("sequence", seq))
	}

	if _, err := redisx.PublishJSONToStream(ctx, h.redis, h.streamName, event); err != nil {
		h.logger.Error("Failed to publish event to audit stream",
			zap.String("stream", h.streamName),
			zap.String("alert_id", alert.AlertID),
			zap.Error(err))
	}

	return event, nil
}

// Subscribe 订阅scope的事件
// lastSeen 为 nil 表示只要新事件；否则先重放漏掉的事件再转实时，
// 重放和注册在同一临界区内完成，保证无缝隙、无重复。
// 漏掉的事件已被缓冲淘汰时返回 ErrReplayUnavailable。
func (h *Hub) Subscribe(ctx context.Context, scope string, lastSeen *uint64) (*Subscriber, []Event, error) {
	// durable 计数器在锁外读取；期间新发布的事件会出现在缓冲里，
	// 临界区内的重放仍然连续
	var current uint64
	if lastSeen != nil {
		var err error
		current, err = h.sequencer.Current(ctx, scope)
		if err != nil {
			return nil, nil, err
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, nil, errors.New("broadcast hub is closed")
	}

	st := h.scope(scope)

	var replay []Event
	if lastSeen != nil {
		events, gap := st.ring.since(*lastSeen)
		if gap && *lastSeen < current {
			return nil, nil, ErrReplayUnavailable
		}
		replay = events
	}

	sub := &Subscriber{
		ID:     uuid.New().String(),
		Scope:  scope,
		events: make(chan Event, h.queueSize),
		done:   make(chan struct{}),
	}
	if lastSeen != nil {
		sub.LastSeen = *lastSeen
	}
	st.subs[sub.ID] = sub

	return sub, replay, nil
}

// Unsubscribe 取消订阅
func (h *Hub) Unsubscribe(sub *Subscriber) {
	h.mu.Lock()
	if st, ok := h.scopes[sub.Scope]; ok {
		delete(st.subs, sub.ID)
		if len(st.subs) == 0 && st.ring.latest() == 0 {
			delete(h.scopes, sub.Scope)
		}
	}
	h.mu.Unlock()
	sub.close()
}

// SubscriberCount 当前scope的订阅者数量
func (h *Hub) SubscriberCount(scope string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if st, ok := h.scopes[scope]; ok {
		return len(st.subs)
	}
	return 0
}

// Close 断开所有订阅者
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	var all []*Subscriber
	for _, st := range h.scopes {
		for _, sub := range st.subs {
			all = append(all, sub)
		}
		st.subs = make(map[string]*Subscriber)
	}
	h.mu.Unlock()

	for _, sub := range all {
		sub.close()
	}
}

// scope 取出或创建scope状态，调用方必须持有 h.mu
func (h *Hub) scope(name string) *scopeState {
	if h.scopes == nil {
		h.scopes = make(map[string]*scopeState)
	}
	st, ok := h.scopes[name]
	if !ok {
		st = &scopeState{
			ring: newRing(h.ringSize),
			subs: make(map[string]*Subscriber),
		}
		h.scopes[name] = st
	}
	return st
}
