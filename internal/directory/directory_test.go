package directory

import (
	"context"
	"database/sql"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"medlink-alert/internal/models"
)

func setupMockDirectory(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *PostgresDirectory) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	dir := NewPostgresDirectory(db, zap.NewNop())
	return db, mock, dir
}

func staffRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"user_id", "role", "push_token", "email", "phone", "preferences",
	})
}

func TestOnDutyByRole_ResolvesRecipients(t *testing.T) {
	db, mock, dir := setupMockDirectory(t)
	defer db.Close()

	rows := staffRows().
		AddRow("nurse-7", "nurse", "token-7", "nurse7@hospital.test", "+15550101",
			[]byte(`{"escalated":["push","sms"]}`)).
		AddRow("nurse-9", "nurse", nil, "nurse9@hospital.test", nil, []byte(`{}`))

	mock.ExpectQuery(`SELECT`).
		WithArgs("hospital-1", "nurse").
		WillReturnRows(rows)

	recipients, err := dir.OnDutyByRole(context.Background(), "hospital-1", "nurse")

	require.NoError(t, err)
	require.Len(t, recipients, 2)

	assert.Equal(t, "nurse-7", recipients[0].UserID)
	require.NotNil(t, recipients[0].PushToken)
	assert.Equal(t, "token-7", *recipients[0].PushToken)
	assert.Equal(t, []models.Channel{models.ChannelPush, models.ChannelSMS},
		recipients[0].Preferences["escalated"])

	assert.Equal(t, "nurse-9", recipients[1].UserID)
	assert.Nil(t, recipients[1].PushToken)
	assert.Nil(t, recipients[1].Phone)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestOnDutyByRole_NoStaffOnDuty(t *testing.T) {
	db, mock, dir := setupMockDirectory(t)
	defer db.Close()

	mock.ExpectQuery(`SELECT`).
		WithArgs("hospital-1", "head_nurse").
		WillReturnRows(staffRows())

	recipients, err := dir.OnDutyByRole(context.Background(), "hospital-1", "head_nurse")

	require.NoError(t, err)
	assert.Empty(t, recipients)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestOnDutyByRole_MissingArgs(t *testing.T) {
	db, _, dir := setupMockDirectory(t)
	defer db.Close()

	_, err := dir.OnDutyByRole(context.Background(), "", "nurse")
	assert.Error(t, err)

	_, err = dir.OnDutyByRole(context.Background(), "hospital-1", "")
	assert.Error(t, err)
}

func TestAllStaff_ResolvesEveryone(t *testing.T) {
	db, mock, dir := setupMockDirectory(t)
	defer db.Close()

	rows := staffRows().
		AddRow("nurse-7", "nurse", "token-7", nil, nil, []byte(`{}`)).
		AddRow("doctor-3", "doctor", nil, "doctor3@hospital.test", "+15550102", []byte(`{}`))

	mock.ExpectQuery(`SELECT`).
		WithArgs("hospital-1").
		WillReturnRows(rows)

	recipients, err := dir.AllStaff(context.Background(), "hospital-1")

	require.NoError(t, err)
	require.Len(t, recipients, 2)
	assert.Equal(t, "nurse", recipients[0].Role)
	assert.Equal(t, "doctor", recipients[1].Role)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestQueryRecipients_CorruptPreferencesIgnored(t *testing.T) {
	db, mock, dir := setupMockDirectory(t)
	defer db.Close()

	rows := staffRows().
		AddRow("nurse-7", "nurse", "token-7", nil, nil, []byte(`not-json`))

	mock.ExpectQuery(`SELECT`).
		WithArgs("hospital-1", "nurse").
		WillReturnRows(rows)

	recipients, err := dir.OnDutyByRole(context.Background(), "hospital-1", "nurse")

	require.NoError(t, err)
	require.Len(t, recipients, 1)
	assert.Nil(t, recipients[0].Preferences)
}
