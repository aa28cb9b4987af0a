package repository

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"medlink-alert/internal/models"
)

func setupMockTimelineDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *TimelineRepository) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	logger := zap.NewNop()
	repo := NewTimelineRepository(db, logger)

	return db, mock, repo
}

func TestAppendEvent_Success(t *testing.T) {
	db, mock, repo := setupMockTimelineDB(t)
	defer db.Close()

	ctx := context.Background()
	actorID := "nurse-7"
	event := &models.TimelineEvent{
		EventID:   uuid.New().String(),
		AlertID:   uuid.New().String(),
		Kind:      models.TimelineCreated,
		ActorID:   &actorID,
		Metadata:  `{"room":"ICU-1"}`,
		CreatedAt: time.Now(),
	}

	mock.ExpectExec(`INSERT INTO timeline_events`).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := repo.AppendEvent(ctx, event)

	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendEvent_MissingFields(t *testing.T) {
	db, _, repo := setupMockTimelineDB(t)
	defer db.Close()

	ctx := context.Background()

	err := repo.AppendEvent(ctx, nil)
	assert.Error(t, err)

	err = repo.AppendEvent(ctx, &models.TimelineEvent{AlertID: "a", Kind: models.TimelineCreated})
	assert.Error(t, err)

	err = repo.AppendEvent(ctx, &models.TimelineEvent{EventID: "e", Kind: models.TimelineCreated})
	assert.Error(t, err)

	err = repo.AppendEvent(ctx, &models.TimelineEvent{EventID: "e", AlertID: "a"})
	assert.Error(t, err)
}

func TestListEvents_OrderedHistory(t *testing.T) {
	db, mock, repo := setupMockTimelineDB(t)
	defer db.Close()

	ctx := context.Background()
	alertID := uuid.New().String()
	base := time.Now()

	rows := sqlmock.NewRows([]string{
		"event_id", "alert_id", "kind", "actor_id", "metadata", "created_at",
	}).
		AddRow(uuid.New().String(), alertID, "created", "nurse-7", `{}`, base).
		AddRow(uuid.New().String(), alertID, "escalated", nil, `{"from_tier":0,"to_tier":1}`, base.Add(2*time.Minute)).
		AddRow(uuid.New().String(), alertID, "acknowledged", "doctor-3", `{}`, base.Add(3*time.Minute))

	mock.ExpectQuery(`SELECT`).
		WithArgs(alertID).
		WillReturnRows(rows)

	events, err := repo.ListEvents(ctx, alertID)

	require.NoError(t, err)
	require.Len(t, events, 3)

	assert.Equal(t, models.TimelineCreated, events[0].Kind)
	require.NotNil(t, events[0].ActorID)
	assert.Equal(t, "nurse-7", *events[0].ActorID)

	// 系统触发的升级事件 actor 为空
	assert.Equal(t, models.TimelineEscalated, events[1].Kind)
	assert.Nil(t, events[1].ActorID)
	assert.Equal(t, `{"from_tier":0,"to_tier":1}`, events[1].Metadata)

	assert.Equal(t, models.TimelineAcknowledged, events[2].Kind)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListEvents_Empty(t *testing.T) {
	db, mock, repo := setupMockTimelineDB(t)
	defer db.Close()

	ctx := context.Background()
	alertID := uuid.New().String()

	mock.ExpectQuery(`SELECT`).
		WithArgs(alertID).
		WillReturnRows(sqlmock.NewRows([]string{
			"event_id", "alert_id", "kind", "actor_id", "metadata", "created_at",
		}))

	events, err := repo.ListEvents(ctx, alertID)

	require.NoError(t, err)
	assert.Empty(t, events)

	require.NoError(t, mock.ExpectationsWereMet())
}
