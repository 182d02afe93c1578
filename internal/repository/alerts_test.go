package repository

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"sosmesh/internal/models"
)

func setupMockAlertsDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *AlertsRepository) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	logger := zap.NewNop()
	repo := NewAlertsRepository(db, logger)

	return db, mock, repo
}

func sampleSinkAlert() *models.SinkAlert {
	return &models.SinkAlert{
		AlertID:    "ALERT-5213",
		Sender:     "EmergencyBeacon-42",
		Timestamp:  "2024-01-01 12:00:00",
		Latitude:   "37.5",
		Longitude:  "-122.1",
		ReceivedAt: time.Date(2024, 1, 1, 12, 0, 5, 0, time.UTC),
	}
}

func TestInsertAlert_Success(t *testing.T) {
	db, mock, repo := setupMockAlertsDB(t)
	defer db.Close()

	alert := sampleSinkAlert()

	mock.ExpectExec(`INSERT INTO alerts`).
		WithArgs(alert.AlertID, alert.Sender, alert.Timestamp, alert.Latitude, alert.Longitude, alert.ReceivedAt).
		WillReturnResult(sqlmock.NewResult(0, 1))

	inserted, err := repo.InsertAlert(context.Background(), alert)

	require.NoError(t, err)
	assert.True(t, inserted)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertAlert_DuplicateIsNoop(t *testing.T) {
	db, mock, repo := setupMockAlertsDB(t)
	defer db.Close()

	alert := sampleSinkAlert()

	// ON CONFLICT DO NOTHING：冲突时影响行数为 0
	mock.ExpectExec(`INSERT INTO alerts`).
		WithArgs(alert.AlertID, alert.Sender, alert.Timestamp, alert.Latitude, alert.Longitude, alert.ReceivedAt).
		WillReturnResult(sqlmock.NewResult(0, 0))

	inserted, err := repo.InsertAlert(context.Background(), alert)

	require.NoError(t, err)
	assert.False(t, inserted)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertAlert_Validation(t *testing.T) {
	db, mock, repo := setupMockAlertsDB(t)
	defer db.Close()

	_, err := repo.InsertAlert(context.Background(), nil)
	assert.Error(t, err)

	_, err = repo.InsertAlert(context.Background(), &models.SinkAlert{Sender: "EmergencyBeacon-42"})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "alert_id is required")

	_, err = repo.InsertAlert(context.Background(), &models.SinkAlert{AlertID: "ALERT-1"})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "sender is required")

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListRecentAlerts_Success(t *testing.T) {
	db, mock, repo := setupMockAlertsDB(t)
	defer db.Close()

	receivedAt := time.Now()
	rows := sqlmock.NewRows([]string{
		"alert_id", "sender", "device_timestamp", "latitude", "longitude", "received_at",
	}).
		AddRow("ALERT-2", "EmergencyBeacon-7", "2024-01-01 12:05:00", "12.9716", "77.5946", receivedAt).
		AddRow("ALERT-1", "EmergencyBeacon-42", "2024-01-01 12:00:00", "0.0", "0.0", receivedAt.Add(-time.Minute))

	mock.ExpectQuery(`SELECT`).
		WithArgs(10).
		WillReturnRows(rows)

	alerts, err := repo.ListRecentAlerts(context.Background(), 10)

	require.NoError(t, err)
	require.Len(t, alerts, 2)
	assert.Equal(t, "ALERT-2", alerts[0].AlertID)
	assert.Equal(t, "ALERT-1", alerts[1].AlertID)
	assert.Equal(t, "0.0", alerts[1].Latitude)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListRecentAlerts_EmptyResult(t *testing.T) {
	db, mock, repo := setupMockAlertsDB(t)
	defer db.Close()

	rows := sqlmock.NewRows([]string{
		"alert_id", "sender", "device_timestamp", "latitude", "longitude", "received_at",
	})

	mock.ExpectQuery(`SELECT`).
		WithArgs(20).
		WillReturnRows(rows)

	// limit <= 0 回落到默认 20
	alerts, err := repo.ListRecentAlerts(context.Background(), 0)

	require.NoError(t, err)
	assert.Empty(t, alerts)
	assert.NotNil(t, alerts)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetAlert_Success(t *testing.T) {
	db, mock, repo := setupMockAlertsDB(t)
	defer db.Close()

	receivedAt := time.Now()
	rows := sqlmock.NewRows([]string{
		"alert_id", "sender", "device_timestamp", "latitude", "longitude", "received_at",
	}).AddRow("ALERT-5213", "EmergencyBeacon-42", "2024-01-01 12:00:00", "37.5", "-122.1", receivedAt)

	mock.ExpectQuery(`SELECT`).
		WithArgs("ALERT-5213").
		WillReturnRows(rows)

	alert, err := repo.GetAlert(context.Background(), "ALERT-5213")

	require.NoError(t, err)
	assert.Equal(t, "EmergencyBeacon-42", alert.Sender)
	assert.Equal(t, "37.5", alert.Latitude)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetAlert_NotFound(t *testing.T) {
	db, mock, repo := setupMockAlertsDB(t)
	defer db.Close()

	mock.ExpectQuery(`SELECT`).
		WithArgs("ALERT-404").
		WillReturnError(sql.ErrNoRows)

	alert, err := repo.GetAlert(context.Background(), "ALERT-404")

	assert.Error(t, err)
	assert.Nil(t, alert)
	assert.ErrorIs(t, err, ErrAlertNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCountAlerts(t *testing.T) {
	db, mock, repo := setupMockAlertsDB(t)
	defer db.Close()

	mock.ExpectQuery(`SELECT COUNT`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))

	total, err := repo.CountAlerts(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.NoError(t, mock.ExpectationsWereMet())
}
