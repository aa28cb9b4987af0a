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

	"medlink-alert/internal/errs"
	"medlink-alert/internal/models"
)

func setupMockAlertsDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *AlertsRepository) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	logger := zap.NewNop()
	repo := NewAlertsRepository(db, logger)

	return db, mock, repo
}

func alertRows(alertID, hospitalID string, status models.AlertStatus, tier int, nextEscalation *time.Time) *sqlmock.Rows {
	now := time.Now()
	rows := sqlmock.NewRows([]string{
		"alert_id", "hospital_id", "room", "alert_type", "urgency_level",
		"description", "patient_id", "created_by", "owner_id", "status",
		"current_tier", "next_escalation_at", "resolution_due_at",
		"acknowledged_by", "resolved_by", "resolution", "escalation_history",
		"created_at", "updated_at",
	})
	rows.AddRow(
		alertID, hospitalID, "ICU-1", "medical_emergency", 1,
		"patient collapsed", nil, "nurse-7", nil, string(status),
		tier, nextEscalation, nil,
		nil, nil, nil, `[]`,
		now, now,
	)
	return rows
}

func TestGetAlert_Success(t *testing.T) {
	db, mock, repo := setupMockAlertsDB(t)
	defer db.Close()

	ctx := context.Background()
	hospitalID := uuid.New().String()
	alertID := uuid.New().String()
	deadline := time.Now().Add(2 * time.Minute)

	mock.ExpectQuery(`SELECT`).
		WithArgs(alertID, hospitalID).
		WillReturnRows(alertRows(alertID, hospitalID, models.AlertStatusActive, 0, &deadline))

	alert, err := repo.GetAlert(ctx, hospitalID, alertID)

	require.NoError(t, err)
	assert.Equal(t, alertID, alert.AlertID)
	assert.Equal(t, hospitalID, alert.HospitalID)
	assert.Equal(t, "ICU-1", alert.Room)
	assert.Equal(t, models.AlertTypeMedicalEmergency, alert.AlertType)
	assert.Equal(t, 1, alert.UrgencyLevel)
	assert.Equal(t, models.AlertStatusActive, alert.Status)
	assert.Equal(t, 0, alert.CurrentTier)
	require.NotNil(t, alert.NextEscalationAt)
	assert.WithinDuration(t, deadline, *alert.NextEscalationAt, time.Second)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetAlert_NotFound(t *testing.T) {
	db, mock, repo := setupMockAlertsDB(t)
	defer db.Close()

	ctx := context.Background()
	hospitalID := uuid.New().String()
	alertID := uuid.New().String()

	mock.ExpectQuery(`SELECT`).
		WithArgs(alertID, hospitalID).
		WillReturnError(sql.ErrNoRows)

	alert, err := repo.GetAlert(ctx, hospitalID, alertID)

	require.Error(t, err)
	assert.Nil(t, alert)
	assert.True(t, errs.IsNotFound(err))

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetAlert_MissingArgs(t *testing.T) {
	db, _, repo := setupMockAlertsDB(t)
	defer db.Close()

	ctx := context.Background()

	_, err := repo.GetAlert(ctx, "", "alert-1")
	assert.Error(t, err)

	_, err = repo.GetAlert(ctx, "hospital-1", "")
	assert.Error(t, err)
}

func TestCreateAlert_Success(t *testing.T) {
	db, mock, repo := setupMockAlertsDB(t)
	defer db.Close()

	ctx := context.Background()
	now := time.Now()
	deadline := now.Add(2 * time.Minute)

	alert := &models.Alert{
		AlertID:           uuid.New().String(),
		HospitalID:        uuid.New().String(),
		Room:              "ICU-1",
		AlertType:         models.AlertTypeMedicalEmergency,
		UrgencyLevel:      1,
		Description:       "patient collapsed",
		CreatedBy:         "nurse-7",
		Status:            models.AlertStatusActive,
		CurrentTier:       0,
		NextEscalationAt:  &deadline,
		EscalationHistory: "[]",
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	mock.ExpectExec(`INSERT INTO alerts`).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := repo.CreateAlert(ctx, alert)

	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateAlert_Success(t *testing.T) {
	db, mock, repo := setupMockAlertsDB(t)
	defer db.Close()

	ctx := context.Background()
	alert := &models.Alert{
		AlertID:           uuid.New().String(),
		HospitalID:        uuid.New().String(),
		Status:            models.AlertStatusAcknowledged,
		CurrentTier:       1,
		EscalationHistory: "[]",
		UpdatedAt:         time.Now(),
	}

	mock.ExpectExec(`UPDATE alerts SET`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.UpdateAlert(ctx, alert)

	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateAlert_NotFound(t *testing.T) {
	db, mock, repo := setupMockAlertsDB(t)
	defer db.Close()

	ctx := context.Background()
	alert := &models.Alert{
		AlertID:    uuid.New().String(),
		HospitalID: uuid.New().String(),
		Status:     models.AlertStatusResolved,
		UpdatedAt:  time.Now(),
	}

	mock.ExpectExec(`UPDATE alerts SET`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.UpdateAlert(ctx, alert)

	require.Error(t, err)
	assert.True(t, errs.IsNotFound(err))

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListActiveAlerts_Success(t *testing.T) {
	db, mock, repo := setupMockAlertsDB(t)
	defer db.Close()

	ctx := context.Background()
	hospitalID := uuid.New().String()
	deadline := time.Now().Add(time.Minute)

	rows := alertRows(uuid.New().String(), hospitalID, models.AlertStatusActive, 0, &deadline)

	mock.ExpectQuery(`SELECT`).
		WithArgs(hospitalID).
		WillReturnRows(rows)

	alerts, err := repo.ListActiveAlerts(ctx, hospitalID)

	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, models.AlertStatusActive, alerts[0].Status)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListActiveHospitals(t *testing.T) {
	db, mock, repo := setupMockAlertsDB(t)
	defer db.Close()

	ctx := context.Background()

	rows := sqlmock.NewRows([]string{"hospital_id"}).
		AddRow("hospital-1").
		AddRow("hospital-2")

	mock.ExpectQuery(`SELECT DISTINCT hospital_id`).
		WillReturnRows(rows)

	hospitals, err := repo.ListActiveHospitals(ctx)

	require.NoError(t, err)
	assert.Equal(t, []string{"hospital-1", "hospital-2"}, hospitals)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListActiveHospitals_Empty(t *testing.T) {
	db, mock, repo := setupMockAlertsDB(t)
	defer db.Close()

	mock.ExpectQuery(`SELECT DISTINCT hospital_id`).
		WillReturnRows(sqlmock.NewRows([]string{"hospital_id"}))

	hospitals, err := repo.ListActiveHospitals(context.Background())

	require.NoError(t, err)
	assert.Empty(t, hospitals)

	require.NoError(t, mock.ExpectationsWereMet())
}
