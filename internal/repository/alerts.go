package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"sosmesh/internal/models"
)

// ErrAlertNotFound 指定 alert_id 不存在
var ErrAlertNotFound = errors.New("alert not found")

// AlertsRepository 告警仓库（汇聚端）
//
// alert_id 为主键：多跳中继送来的重复告警靠 ON CONFLICT DO NOTHING 去重
type AlertsRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewAlertsRepository 创建告警仓库
func NewAlertsRepository(db *sql.DB, logger *zap.Logger) *AlertsRepository {
	return &AlertsRepository{
		db:     db,
		logger: logger,
	}
}

// InsertAlert 幂等落库，返回是否真正插入了新行
func (r *AlertsRepository) InsertAlert(ctx context.Context, alert *models.SinkAlert) (bool, error) {
	if alert == nil {
		return false, fmt.Errorf("alert is required")
	}
	if alert.AlertID == "" {
		return false, fmt.Errorf("alert_id is required")
	}
	if alert.Sender == "" {
		return false, fmt.Errorf("sender is required")
	}

	query := `
		INSERT INTO alerts (
			alert_id,
			sender,
			device_timestamp,
			latitude,
			longitude,
			received_at
		) VALUES (
			$1, $2, $3, $4, $5, $6
		)
		ON CONFLICT (alert_id) DO NOTHING
	`

	result, err := r.db.ExecContext(ctx, query,
		alert.AlertID,
		alert.Sender,
		alert.Timestamp,
		alert.Latitude,
		alert.Longitude,
		alert.ReceivedAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert alert: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rowsAffected > 0, nil
}

// ListRecentAlerts 按接收时间倒序取最近的告警
func (r *AlertsRepository) ListRecentAlerts(ctx context.Context, limit int) ([]*models.SinkAlert, error) {
	if limit <= 0 {
		limit = 20
	}

	query := `
		SELECT
			alert_id,
			sender,
			device_timestamp,
			latitude,
			longitude,
			received_at
		FROM alerts
		ORDER BY received_at DESC
		LIMIT $1
	`

	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent alerts: %w", err)
	}
	defer rows.Close()

	alerts := []*models.SinkAlert{}
	for rows.Next() {
		var alert models.SinkAlert
		err := rows.Scan(
			&alert.AlertID,
			&alert.Sender,
			&alert.Timestamp,
			&alert.Latitude,
			&alert.Longitude,
			&alert.ReceivedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		alerts = append(alerts, &alert)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate alerts: %w", err)
	}

	return alerts, nil
}

// GetAlert 根据 alert_id 获取单条告警
func (r *AlertsRepository) GetAlert(ctx context.Context, alertID string) (*models.SinkAlert, error) {
	if alertID == "" {
		return nil, fmt.Errorf("alert_id is required")
	}

	query := `
		SELECT
			alert_id,
			sender,
			device_timestamp,
			latitude,
			longitude,
			received_at
		FROM alerts
		WHERE alert_id = $1
	`

	var alert models.SinkAlert
	err := r.db.QueryRowContext(ctx, query, alertID).Scan(
		&alert.AlertID,
		&alert.Sender,
		&alert.Timestamp,
		&alert.Latitude,
		&alert.Longitude,
		&alert.ReceivedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: alert_id=%s", ErrAlertNotFound, alertID)
		}
		return nil, fmt.Errorf("failed to get alert: %w", err)
	}

	return &alert, nil
}

// CountAlerts 统计告警总数
func (r *AlertsRepository) CountAlerts(ctx context.Context) (int, error) {
	var total int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM alerts`).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to count alerts: %w", err)
	}
	return total, nil
}
