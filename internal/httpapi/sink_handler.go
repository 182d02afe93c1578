package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"sosmesh/internal/models"
	"sosmesh/internal/repository"
)

// AlertsRepository 汇聚端告警仓储（按 alert_id 幂等落库）
type AlertsRepository interface {
	InsertAlert(ctx context.Context, alert *models.SinkAlert) (bool, error)
	ListRecentAlerts(ctx context.Context, limit int) ([]*models.SinkAlert, error)
	GetAlert(ctx context.Context, alertID string) (*models.SinkAlert, error)
	CountAlerts(ctx context.Context) (int, error)
}

// SinkStats 汇聚端统计
type SinkStats struct {
	TotalAlerts int `json:"total_alerts"`
}

// RecentAlertsCache 最近告警列表缓存
type RecentAlertsCache interface {
	Get(ctx context.Context, limit int) ([]*models.SinkAlert, bool)
	Set(ctx context.Context, limit int, alerts []*models.SinkAlert)
	Invalidate(ctx context.Context)
}

// SubmitAlertRequest 中继网关的提交体
type SubmitAlertRequest struct {
	Sender    string `json:"sender"`
	AlertID   string `json:"alert_id"`
	Timestamp string `json:"timestamp"`
	Latitude  string `json:"latitude"`
	Longitude string `json:"longitude"`
}

// SinkHandler 汇聚端 HTTP 接口
type SinkHandler struct {
	repo       AlertsRepository
	cache      RecentAlertsCache
	recentMax  int
	logger     *zap.Logger
	timeSource func() time.Time
}

func NewSinkHandler(repo AlertsRepository, cache RecentAlertsCache, recentMax int, logger *zap.Logger) *SinkHandler {
	return &SinkHandler{
		repo:       repo,
		cache:      cache,
		recentMax:  recentMax,
		logger:     logger,
		timeSource: time.Now,
	}
}

// SubmitAlert POST /sink/api/v1/alerts
//
// 同一 alert_id 的重复提交（多跳中继）返回成功但不重复落库
func (h *SinkHandler) SubmitAlert(w http.ResponseWriter, r *http.Request) {
	var req SubmitAlertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, Fail("invalid request body"))
		return
	}
	if req.AlertID == "" || req.Sender == "" {
		writeJSON(w, http.StatusBadRequest, Fail("alert_id and sender are required"))
		return
	}
	if req.Latitude == "" {
		req.Latitude = models.LocationUnavailable
	}
	if req.Longitude == "" {
		req.Longitude = models.LocationUnavailable
	}

	alert := &models.SinkAlert{
		AlertID:    req.AlertID,
		Sender:     req.Sender,
		Timestamp:  req.Timestamp,
		Latitude:   req.Latitude,
		Longitude:  req.Longitude,
		ReceivedAt: h.timeSource().UTC(),
	}

	inserted, err := h.repo.InsertAlert(r.Context(), alert)
	if err != nil {
		h.logger.Error("Failed to store alert",
			zap.String("alert_id", req.AlertID),
			zap.Error(err),
		)
		writeJSON(w, http.StatusInternalServerError, Fail("failed to store alert"))
		return
	}

	if !inserted {
		h.logger.Debug("Duplicate alert ignored", zap.String("alert_id", req.AlertID))
		writeJSON(w, http.StatusOK, OkMessage[*models.SinkAlert]("duplicate alert ignored", nil))
		return
	}

	h.cache.Invalidate(r.Context())
	h.logger.Info("Alert stored",
		zap.String("alert_id", alert.AlertID),
		zap.String("sender", alert.Sender),
		zap.String("latitude", alert.Latitude),
		zap.String("longitude", alert.Longitude),
	)
	writeJSON(w, http.StatusCreated, OkMessage("alert stored", alert))
}

// RecentAlerts GET /sink/api/v1/alerts/recent?limit=N
func (h *SinkHandler) RecentAlerts(w http.ResponseWriter, r *http.Request) {
	limit := h.recentMax
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, Fail("limit must be a positive integer"))
			return
		}
		if n < limit {
			limit = n
		}
	}

	if alerts, ok := h.cache.Get(r.Context(), limit); ok {
		writeJSON(w, http.StatusOK, Ok(alerts))
		return
	}

	alerts, err := h.repo.ListRecentAlerts(r.Context(), limit)
	if err != nil {
		h.logger.Error("Failed to list recent alerts", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, Fail("failed to list alerts"))
		return
	}
	if alerts == nil {
		alerts = []*models.SinkAlert{}
	}

	h.cache.Set(r.Context(), limit, alerts)
	writeJSON(w, http.StatusOK, Ok(alerts))
}

// AlertByID GET /sink/api/v1/alerts/{alert_id}
func (h *SinkHandler) AlertByID(w http.ResponseWriter, r *http.Request) {
	alertID := strings.TrimPrefix(r.URL.Path, "/sink/api/v1/alerts/")
	if alertID == "" || strings.Contains(alertID, "/") {
		writeJSON(w, http.StatusBadRequest, Fail("alert_id is required"))
		return
	}

	alert, err := h.repo.GetAlert(r.Context(), alertID)
	if err != nil {
		if errors.Is(err, repository.ErrAlertNotFound) {
			writeJSON(w, http.StatusNotFound, Fail("alert not found"))
			return
		}
		h.logger.Error("Failed to get alert",
			zap.String("alert_id", alertID),
			zap.Error(err),
		)
		writeJSON(w, http.StatusInternalServerError, Fail("failed to get alert"))
		return
	}

	writeJSON(w, http.StatusOK, Ok(alert))
}

// Stats GET /sink/api/v1/stats
func (h *SinkHandler) Stats(w http.ResponseWriter, r *http.Request) {
	total, err := h.repo.CountAlerts(r.Context())
	if err != nil {
		h.logger.Error("Failed to count alerts", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, Fail("failed to count alerts"))
		return
	}
	writeJSON(w, http.StatusOK, Ok(SinkStats{TotalAlerts: total}))
}
