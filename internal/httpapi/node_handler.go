package httpapi

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"sosmesh/internal/device"
	"sosmesh/internal/handler"
	"sosmesh/internal/models"
	"sosmesh/internal/role"
	"sosmesh/internal/store"
)

// NodeStatus 节点状态展示结构
type NodeStatus struct {
	Sender       string        `json:"sender"`
	Role         string        `json:"role"`
	Status       string        `json:"status"`
	SelfAlert    *models.Alert `json:"self_alert,omitempty"`
	Connections  int           `json:"connections"`
	AlertPlaying bool          `json:"alert_playing"`
	SeenAlerts   int           `json:"seen_alerts"`
}

// NodeHandler 节点控制面：把角色状态机暴露为 HTTP 接口
type NodeHandler struct {
	machine     *role.Machine
	connections *handler.ConnectionHandler
	notifier    *device.LogNotifier
	seen        store.SeenAlertSet
	logger      *zap.Logger
}

func NewNodeHandler(
	machine *role.Machine,
	connections *handler.ConnectionHandler,
	notifier *device.LogNotifier,
	seen store.SeenAlertSet,
	logger *zap.Logger,
) *NodeHandler {
	return &NodeHandler{
		machine:     machine,
		connections: connections,
		notifier:    notifier,
		seen:        seen,
		logger:      logger,
	}
}

// StartMonitoring POST /api/v1/monitor/start
func (h *NodeHandler) StartMonitoring(w http.ResponseWriter, r *http.Request) {
	status, err := h.machine.StartMonitoring(r.Context())
	if err != nil {
		h.logger.Error("Start monitoring failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, Fail(status))
		return
	}
	writeJSON(w, http.StatusOK, OkMessage(status, h.snapshot()))
}

// SendAlert POST /api/v1/sos
func (h *NodeHandler) SendAlert(w http.ResponseWriter, r *http.Request) {
	alert, status, err := h.machine.SendAlert(r.Context())
	if err != nil {
		h.logger.Error("Send alert failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, Fail(status))
		return
	}
	if h.machine.Role() != models.RoleBroadcasting {
		// 权限拒绝等未进入广播的情况：不是传输错误，但也没有 Alert 可报
		writeJSON(w, http.StatusOK, OkMessage[*models.Alert](status, nil))
		return
	}
	writeJSON(w, http.StatusOK, OkMessage(status, &alert))
}

// Stop POST /api/v1/stop
func (h *NodeHandler) Stop(w http.ResponseWriter, r *http.Request) {
	status := h.machine.Stop(r.Context())
	writeJSON(w, http.StatusOK, OkMessage(status, h.snapshot()))
}

// Acknowledge POST /api/v1/ack 关掉本机提示音
func (h *NodeHandler) Acknowledge(w http.ResponseWriter, r *http.Request) {
	h.notifier.Acknowledge()
	writeJSON(w, http.StatusOK, OkMessage("acknowledged", h.snapshot()))
}

// Status GET /api/v1/status
func (h *NodeHandler) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, Ok(h.snapshot()))
}

func (h *NodeHandler) snapshot() NodeStatus {
	snap := h.machine.Snapshot()
	st := NodeStatus{
		Sender:       snap.SenderName,
		Role:         snap.Role.String(),
		Status:       snap.Status,
		SelfAlert:    snap.SelfAlert,
		Connections:  h.connections.ConnectionCount(),
		AlertPlaying: h.notifier.Playing(),
	}
	if n, err := h.seen.Len(context.Background()); err == nil {
		st.SeenAlerts = n
	}
	return st
}
