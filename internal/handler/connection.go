// Package handler 实现连接处理器：消费传输层的单一事件通道，
// 按当前角色应用连接策略（扫描方连上就听，广播方连上就推）。
package handler

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"sosmesh/internal/codec"
	"sosmesh/internal/device"
	"sosmesh/internal/models"
	"sosmesh/internal/role"
	"sosmesh/internal/store"
	"sosmesh/internal/transport"
)

// ConnectionHandler 连接处理器
//
// 事件由单消费者循环串行处理：同一端点的事件保持传输层产生的顺序，
// 不同端点之间天然无顺序保证。连接记录只活在内存里，断开即销毁。
type ConnectionHandler struct {
	transport  transport.PeerTransport
	machine    *role.Machine
	alertStore *store.AlertStore
	relayer    role.Relayer
	notifier   device.AlertNotifier
	logger     *zap.Logger

	mu          sync.Mutex
	connections map[string]*models.Connection
}

// NewConnectionHandler 创建连接处理器
func NewConnectionHandler(
	tr transport.PeerTransport,
	machine *role.Machine,
	alertStore *store.AlertStore,
	relayer role.Relayer,
	notifier device.AlertNotifier,
	logger *zap.Logger,
) *ConnectionHandler {
	return &ConnectionHandler{
		transport:   tr,
		machine:     machine,
		alertStore:  alertStore,
		relayer:     relayer,
		notifier:    notifier,
		logger:      logger,
		connections: make(map[string]*models.Connection),
	}
}

// Run 消费传输事件直到上下文取消或通道关闭
func (h *ConnectionHandler) Run(ctx context.Context) {
	events := h.transport.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			h.handleEvent(ctx, event)
		}
	}
}

// ConnectionCount 当前连接记录数（状态展示用）
func (h *ConnectionHandler) ConnectionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.connections)
}

// ── 事件处理 ──

func (h *ConnectionHandler) handleEvent(ctx context.Context, event transport.Event) {
	switch event.Type {
	case transport.EventEndpointFound:
		h.onEndpointFound(ctx, event)
	case transport.EventConnectionInitiated:
		h.onConnectionInitiated(ctx, event)
	case transport.EventConnectionResult:
		h.onConnectionResult(ctx, event)
	case transport.EventPayloadReceived:
		h.onPayloadReceived(event)
	case transport.EventDisconnected:
		h.onDisconnected(event)
	}
}

// onEndpointFound 扫描中发现端点：一律发起连接（无信任名单）
func (h *ConnectionHandler) onEndpointFound(ctx context.Context, event transport.Event) {
	if h.machine.Role() != models.RoleScanning {
		return
	}

	h.logger.Info("Endpoint found, requesting connection",
		zap.String("endpoint_id", event.EndpointID),
		zap.String("identity", event.Identity),
	)

	h.mu.Lock()
	h.connections[event.EndpointID] = &models.Connection{
		EndpointID: event.EndpointID,
		State:      models.ConnInitiated,
	}
	h.mu.Unlock()

	if err := h.transport.RequestConnection(ctx, event.EndpointID); err != nil {
		h.logger.Warn("Failed to request connection",
			zap.String("endpoint_id", event.EndpointID),
			zap.Error(err),
		)
		h.release(event.EndpointID)
	}
}

// onConnectionInitiated 对端发起连接：任何角色下一律接受（范围内无拒绝路径）
func (h *ConnectionHandler) onConnectionInitiated(ctx context.Context, event transport.Event) {
	h.mu.Lock()
	if _, exists := h.connections[event.EndpointID]; !exists {
		h.connections[event.EndpointID] = &models.Connection{
			EndpointID: event.EndpointID,
			State:      models.ConnInitiated,
		}
	}
	h.mu.Unlock()

	if err := h.transport.AcceptConnection(ctx, event.EndpointID); err != nil {
		h.logger.Warn("Failed to accept connection",
			zap.String("endpoint_id", event.EndpointID),
			zap.Error(err),
		)
		h.release(event.EndpointID)
	}
}

// onConnectionResult 连接建立：广播方立刻推送本机 Alert，每个成功连接只推一次
func (h *ConnectionHandler) onConnectionResult(ctx context.Context, event transport.Event) {
	if !event.Connected {
		h.release(event.EndpointID)
		return
	}

	h.mu.Lock()
	conn, exists := h.connections[event.EndpointID]
	if !exists {
		conn = &models.Connection{EndpointID: event.EndpointID}
		h.connections[event.EndpointID] = conn
	}
	conn.State = models.ConnAccepted
	shouldPush := h.machine.Role() == models.RoleBroadcasting && !conn.AlertPushed
	if shouldPush {
		conn.AlertPushed = true
	}
	h.mu.Unlock()

	if !shouldPush {
		return
	}

	alert, ok := h.alertStore.SelfAlert()
	if !ok {
		h.logger.Warn("Broadcasting without a self alert, nothing to push",
			zap.String("endpoint_id", event.EndpointID),
		)
		return
	}

	payload, err := codec.Encode(alert)
	if err != nil {
		h.logger.Error("Failed to encode self alert",
			zap.String("alert_id", alert.ID),
			zap.Error(err),
		)
		return
	}

	if err := h.transport.SendPayload(ctx, event.EndpointID, payload); err != nil {
		h.logger.Warn("Failed to push alert to peer",
			zap.String("endpoint_id", event.EndpointID),
			zap.Error(err),
		)
		return
	}

	h.logger.Info("Pushed self alert to connected peer",
		zap.String("endpoint_id", event.EndpointID),
		zap.String("alert_id", alert.ID),
	)
}

// onPayloadReceived 解码载荷；非 Alert 或残缺载荷静默丢弃（仅诊断日志）
func (h *ConnectionHandler) onPayloadReceived(event transport.Event) {
	alert, err := codec.Decode(event.Payload)
	if err != nil {
		h.logger.Debug("Dropping undecodable payload",
			zap.String("endpoint_id", event.EndpointID),
			zap.Int("payload_size", len(event.Payload)),
			zap.Error(err),
		)
		return
	}

	h.logger.Info("Incoming alert received",
		zap.String("endpoint_id", event.EndpointID),
		zap.String("alert_id", alert.ID),
		zap.String("sender", alert.Sender),
	)

	// 先呈现给用户，转发在独立 goroutine 进行：汇聚端不可达时的网络
	// 等待不得阻塞事件循环，否则后续告警的呈现会被逐条拖住。
	// 去重标记在网关内原子落下，并发投递同一 ID 也只会提交一次
	h.notifier.OnIncomingAlert(alert)

	go func() {
		if err := h.relayer.Relay(context.Background(), alert); err != nil {
			h.logger.Warn("Failed to relay incoming alert",
				zap.String("alert_id", alert.ID),
				zap.Error(err),
			)
		}
	}()
}

// onDisconnected 释放连接记录；本层不重试同一对端，
// 重连依赖下一轮发现周期自然发生
func (h *ConnectionHandler) onDisconnected(event transport.Event) {
	h.release(event.EndpointID)
	h.logger.Info("Peer disconnected",
		zap.String("endpoint_id", event.EndpointID),
	)
}

func (h *ConnectionHandler) release(endpointID string) {
	h.mu.Lock()
	if conn, ok := h.connections[endpointID]; ok {
		conn.State = models.ConnClosed
		delete(h.connections, endpointID)
	}
	h.mu.Unlock()
}
