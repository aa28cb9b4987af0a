package broadcast

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"medlink-alert/internal/config"
	"medlink-alert/internal/models"
)

func newTestHub(t *testing.T, ringSize, queueSize int) (*Hub, *redis.Client) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	cfg := &config.Config{}
	cfg.Broadcast.RingSize = ringSize
	cfg.Broadcast.SubscriberQueue = queueSize
	cfg.Broadcast.StreamName = "medlink:alert-events"
	cfg.Broadcast.SequencePrefix = "medlink:seq:"

	hub := NewHub(cfg, client, zap.NewNop())
	t.Cleanup(hub.Close)
	return hub, client
}

func makeAlert(hospitalID string) *models.Alert {
	return &models.Alert{
		AlertID:      uuid.New().String(),
		HospitalID:   hospitalID,
		Room:         "302-A",
		AlertType:    models.AlertTypeMedicalEmergency,
		UrgencyLevel: 1,
		Description:  "Patient unresponsive",
		CreatedBy:    "nurse-7",
		Status:       models.AlertStatusActive,
	}
}

func makeTimelineEvent(alertID string, kind models.TimelineEventKind) *models.TimelineEvent {
	return &models.TimelineEvent{
		EventID:   uuid.New().String(),
		AlertID:   alertID,
		Kind:      kind,
		CreatedAt: time.Now().UTC(),
	}
}

func publish(t *testing.T, hub *Hub, scope string, alert *models.Alert, kind models.TimelineEventKind) Event {
	t.Helper()
	event, err := hub.Publish(context.Background(), scope, alert, makeTimelineEvent(alert.AlertID, kind))
	require.NoError(t, err)
	return event
}

func TestPublish_MonotonicSequencePerScope(t *testing.T) {
	hub, _ := newTestHub(t, 16, 8)
	alert := makeAlert("hospital-1")

	first := publish(t, hub, "hospital:hospital-1", alert, models.TimelineCreated)
	second := publish(t, hub, "hospital:hospital-1", alert, models.TimelineEscalated)
	other := publish(t, hub, "hospital:hospital-2", alert, models.TimelineCreated)

	assert.Equal(t, uint64(1), first.Sequence)
	assert.Equal(t, uint64(2), second.Sequence)
	// 不同scope的序列号独立
	assert.Equal(t, uint64(1), other.Sequence)
}

func TestSubscribe_LiveDelivery(t *testing.T) {
	hub, _ := newTestHub(t, 16, 8)
	scope := "hospital:hospital-1"
	alert := makeAlert("hospital-1")

	sub, replay, err := hub.Subscribe(context.Background(), scope, nil)
	require.NoError(t, err)
	assert.Empty(t, replay)

	published := publish(t, hub, scope, alert, models.TimelineCreated)

	select {
	case got := <-sub.Events():
		assert.Equal(t, published.Sequence, got.Sequence)
		assert.Equal(t, alert.AlertID, got.AlertID)
		assert.Equal(t, models.TimelineCreated, got.Kind)
	case <-time.After(time.Second):
		t.Fatal("expected live event")
	}
}

func TestSubscribe_ReplayThenLive(t *testing.T) {
	hub, _ := newTestHub(t, 16, 8)
	scope := "hospital:hospital-1"
	alert := makeAlert("hospital-1")

	// 客户端看到第1条后断线，错过第2、3条
	publish(t, hub, scope, alert, models.TimelineCreated)
	publish(t, hub, scope, alert, models.TimelineEscalated)
	publish(t, hub, scope, alert, models.TimelineAcknowledged)

	lastSeen := uint64(1)
	sub, replay, err := hub.Subscribe(context.Background(), scope, &lastSeen)
	require.NoError(t, err)

	require.Len(t, replay, 2)
	assert.Equal(t, uint64(2), replay[0].Sequence)
	assert.Equal(t, uint64(3), replay[1].Sequence)

	// 重放之后的新事件走实时通道，序列连续
	publish(t, hub, scope, alert, models.TimelineResolved)
	select {
	case got := <-sub.Events():
		assert.Equal(t, uint64(4), got.Sequence)
	case <-time.After(time.Second):
		t.Fatal("expected live event after replay")
	}
}

func TestSubscribe_UpToDateCursorNeedsNoReplay(t *testing.T) {
	hub, _ := newTestHub(t, 16, 8)
	scope := "hospital:hospital-1"
	alert := makeAlert("hospital-1")

	publish(t, hub, scope, alert, models.TimelineCreated)
	publish(t, hub, scope, alert, models.TimelineAcknowledged)

	lastSeen := uint64(2)
	_, replay, err := hub.Subscribe(context.Background(), scope, &lastSeen)
	require.NoError(t, err)
	assert.Empty(t, replay)
}

func TestSubscribe_ReplayUnavailableWhenAgedOut(t *testing.T) {
	hub, _ := newTestHub(t, 2, 8)
	scope := "hospital:hospital-1"
	alert := makeAlert("hospital-1")

	for i := 0; i < 5; i++ {
		publish(t, hub, scope, alert, models.TimelineEscalated)
	}

	// 缓冲只剩第4、5条，第2、3条已淘汰
	lastSeen := uint64(1)
	_, _, err := hub.Subscribe(context.Background(), scope, &lastSeen)
	assert.ErrorIs(t, err, ErrReplayUnavailable)
}

func TestSubscribe_CursorSurvivesRestart(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	cfg := &config.Config{}
	cfg.Broadcast.RingSize = 16
	cfg.Broadcast.SubscriberQueue = 8
	cfg.Broadcast.StreamName = "medlink:alert-events"
	cfg.Broadcast.SequencePrefix = "medlink:seq:"

	scope := "hospital:hospital-1"
	alert := makeAlert("hospital-1")

	oldHub := NewHub(cfg, client, zap.NewNop())
	_, err := oldHub.Publish(context.Background(), scope, alert, makeTimelineEvent(alert.AlertID, models.TimelineCreated))
	require.NoError(t, err)
	_, err = oldHub.Publish(context.Background(), scope, alert, makeTimelineEvent(alert.AlertID, models.TimelineAcknowledged))
	require.NoError(t, err)
	oldHub.Close()

	// 重启后环形缓冲为空，但序列号从 Redis 延续
	newHub := NewHub(cfg, client, zap.NewNop())
	defer newHub.Close()

	// 游标追平：不需要重放，正常订阅
	lastSeen := uint64(2)
	_, replay, err := newHub.Subscribe(context.Background(), scope, &lastSeen)
	require.NoError(t, err)
	assert.Empty(t, replay)

	// 游标落后且缓冲为空：无法证明连续，要求全量刷新
	stale := uint64(1)
	_, _, err = newHub.Subscribe(context.Background(), scope, &stale)
	assert.ErrorIs(t, err, ErrReplayUnavailable)

	// 序列号不回退
	event, err := newHub.Publish(context.Background(), scope, alert, makeTimelineEvent(alert.AlertID, models.TimelineResolved))
	require.NoError(t, err)
	assert.Equal(t, uint64(3), event.Sequence)
}

func TestPublish_SlowSubscriberDisconnected(t *testing.T) {
	hub, _ := newTestHub(t, 16, 1)
	scope := "hospital:hospital-1"
	alert := makeAlert("hospital-1")

	sub, _, err := hub.Subscribe(context.Background(), scope, nil)
	require.NoError(t, err)

	// 订阅者不消费：第1条入队，第2条触发溢出断开
	publish(t, hub, scope, alert, models.TimelineCreated)
	publish(t, hub, scope, alert, models.TimelineEscalated)

	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatal("expected slow subscriber to be disconnected")
	}
	assert.Equal(t, 0, hub.SubscriberCount(scope))

	// 发布方不受影响
	event := publish(t, hub, scope, alert, models.TimelineAcknowledged)
	assert.Equal(t, uint64(3), event.Sequence)
}

func TestPublish_ScopeIsolation(t *testing.T) {
	hub, _ := newTestHub(t, 16, 8)
	alert1 := makeAlert("hospital-1")
	alert2 := makeAlert("hospital-2")

	sub, _, err := hub.Subscribe(context.Background(), "hospital:hospital-1", nil)
	require.NoError(t, err)

	publish(t, hub, "hospital:hospital-2", alert2, models.TimelineCreated)
	publish(t, hub, "hospital:hospital-1", alert1, models.TimelineCreated)

	select {
	case got := <-sub.Events():
		assert.Equal(t, alert1.AlertID, got.AlertID)
	case <-time.After(time.Second):
		t.Fatal("expected event for subscribed scope")
	}

	select {
	case got := <-sub.Events():
		t.Fatalf("unexpected cross-scope event: %+v", got)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnsubscribe_StopsDelivery(t *testing.T) {
	hub, _ := newTestHub(t, 16, 8)
	scope := "hospital:hospital-1"
	alert := makeAlert("hospital-1")

	sub, _, err := hub.Subscribe(context.Background(), scope, nil)
	require.NoError(t, err)

	hub.Unsubscribe(sub)

	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatal("expected done channel to close on unsubscribe")
	}

	publish(t, hub, scope, alert, models.TimelineCreated)
	assert.Equal(t, 0, hub.SubscriberCount(scope))
}

func TestPublish_WritesAuditStream(t *testing.T) {
	hub, client := newTestHub(t, 16, 8)
	scope := "hospital:hospital-1"
	alert := makeAlert("hospital-1")

	publish(t, hub, scope, alert, models.TimelineCreated)
	publish(t, hub, scope, alert, models.TimelineAcknowledged)

	count, err := client.XLen(context.Background(), "medlink:alert-events").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}
