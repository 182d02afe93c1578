// Package role 实现设备角色状态机：Idle / Scanning / Broadcasting。
//
// 传输会话是每进程单例，广播与发现互斥；从 Scanning 切到 Broadcasting
// 必须先停止发现并确认，再开始通告，保证任一时刻至多一个活动传输角色。
// 角色转换是唯一询问权限门与定位源的地方。
package role

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"sosmesh/internal/device"
	"sosmesh/internal/models"
	"sosmesh/internal/store"
	"sosmesh/internal/transport"
)

// Relayer 转发网关的窄接口（状态机在生成本机 Alert 后调用一次）
type Relayer interface {
	Relay(ctx context.Context, alert models.Alert) error
}

// Snapshot 只读状态快照（暴露给 UI/控制面）
type Snapshot struct {
	Role       models.DeviceRole
	Status     string
	SelfAlert  *models.Alert
	SenderName string
}

// Machine 角色状态机
//
// 角色与状态文案受 mu 保护；传输/定位调用在转换锁下、状态锁外执行，
// 转发投递派发到独立 goroutine，不占转换锁。传输回调经单一事件通道
// 串行进入，不与转换并发修改状态。
type Machine struct {
	transport  transport.PeerTransport
	alertStore *store.AlertStore
	relayer    Relayer
	gate       device.PermissionGate
	location   device.LocationProvider
	notifier   device.AlertNotifier
	logger     *zap.Logger

	sender          string // 本进程临时显示身份
	locationTimeout time.Duration

	transitionMu sync.Mutex // 串行化角色转换
	mu           sync.RWMutex
	role         models.DeviceRole
	status       string
}

// NewMachine 创建角色状态机（初始 Idle）
func NewMachine(
	tr transport.PeerTransport,
	alertStore *store.AlertStore,
	relayer Relayer,
	gate device.PermissionGate,
	location device.LocationProvider,
	notifier device.AlertNotifier,
	sender string,
	locationTimeout time.Duration,
	logger *zap.Logger,
) *Machine {
	return &Machine{
		transport:       tr,
		alertStore:      alertStore,
		relayer:         relayer,
		gate:            gate,
		location:        location,
		notifier:        notifier,
		sender:          sender,
		locationTimeout: locationTimeout,
		logger:          logger,
		role:            models.RoleIdle,
		status:          "idle",
	}
}

// Role 当前角色
func (m *Machine) Role() models.DeviceRole {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.role
}

// Snapshot 当前状态快照
func (m *Machine) Snapshot() Snapshot {
	m.mu.RLock()
	role := m.role
	status := m.status
	m.mu.RUnlock()

	snap := Snapshot{Role: role, Status: status, SenderName: m.sender}
	if alert, ok := m.alertStore.SelfAlert(); ok {
		snap.SelfAlert = &alert
	}
	return snap
}

// StartMonitoring 进入 Scanning（开始监听周边求救信号）
//
// 已处于 Scanning 或 Broadcasting 时为空操作：状态不变，
// 不会启动第二个传输会话
func (m *Machine) StartMonitoring(ctx context.Context) (string, error) {
	m.transitionMu.Lock()
	defer m.transitionMu.Unlock()

	switch m.Role() {
	case models.RoleScanning:
		return "already monitoring", nil
	case models.RoleBroadcasting:
		return "broadcasting in progress, monitoring unavailable", nil
	}

	if status, ok := m.checkPermission(ctx); !ok {
		return status, nil
	}

	if err := m.transport.StartDiscovery(ctx, m.sender); err != nil {
		m.setState(models.RoleIdle, "failed to start monitoring")
		m.logger.Error("Failed to start discovery", zap.Error(err))
		return "failed to start monitoring", fmt.Errorf("transport start failure: %w", err)
	}

	m.setState(models.RoleScanning, "monitoring for nearby alerts")
	m.logger.Info("Monitoring started", zap.String("sender", m.sender))
	return "monitoring for nearby alerts", nil
}

// SendAlert 进入 Broadcasting 并生成本机 Alert
//
// 已在广播时为空操作：上报 "already broadcasting"，不重新生成
// id/时间戳，也不启动第二个通告会话。
// 从 Scanning 进入时先停止发现并等待确认，再开始通告。
func (m *Machine) SendAlert(ctx context.Context) (models.Alert, string, error) {
	m.transitionMu.Lock()
	defer m.transitionMu.Unlock()

	if m.Role() == models.RoleBroadcasting {
		alert, _ := m.alertStore.SelfAlert()
		return alert, "already broadcasting", nil
	}

	if status, ok := m.checkPermission(ctx); !ok {
		return models.Alert{}, status, nil
	}

	// 单角色传输：先完全停止发现，确认后才允许开始通告
	if m.Role() == models.RoleScanning {
		if err := m.transport.StopDiscovery(ctx); err != nil {
			m.setState(models.RoleIdle, "failed to stop monitoring")
			m.logger.Error("Failed to stop discovery before broadcast", zap.Error(err))
			return models.Alert{}, "failed to stop monitoring", fmt.Errorf("transport stop failure: %w", err)
		}
		m.setState(models.RoleIdle, "monitoring stopped")
	}

	// 定位不可用不阻塞：落到 "0.0" 占位坐标
	lat, long, ok := m.location.CurrentPosition(ctx, m.locationTimeout)
	if !ok {
		m.logger.Warn("Location unavailable, broadcasting with sentinel coordinates")
	}

	alert := models.NewAlert(m.sender, lat, long, time.Now())

	if err := m.transport.StartAdvertising(ctx, m.sender); err != nil {
		m.setState(models.RoleIdle, "failed to start broadcast")
		m.logger.Error("Failed to start advertising", zap.Error(err))
		return models.Alert{}, "failed to start broadcast", fmt.Errorf("transport start failure: %w", err)
	}

	m.alertStore.SetSelfAlert(alert)
	m.setState(models.RoleBroadcasting, "broadcasting SOS")
	m.logger.Info("SOS broadcast started",
		zap.String("alert_id", alert.ID),
		zap.String("latitude", alert.Latitude),
		zap.String("longitude", alert.Longitude),
	)

	m.notifier.OnLocalAlert(alert)

	// 本机 Alert 也走一次转发网关（去重与失败处理同接收路径）。
	// 投递在独立 goroutine 进行：远端汇聚不可达是离线场景的常态，
	// 不能让网络等待占着转换锁
	go m.relayAlert(alert)

	return alert, "broadcasting SOS", nil
}

// Stop 回到 Idle（进程收尾或显式停止）
//
// 无条件尝试停止通告与发现，两者各自失败互不影响；重复调用安全
func (m *Machine) Stop(ctx context.Context) string {
	m.transitionMu.Lock()
	defer m.transitionMu.Unlock()

	if err := m.transport.StopAdvertising(ctx); err != nil {
		m.logger.Warn("Failed to stop advertising", zap.Error(err))
	}
	if err := m.transport.StopDiscovery(ctx); err != nil {
		m.logger.Warn("Failed to stop discovery", zap.Error(err))
	}

	m.alertStore.ClearSelfAlert()
	m.setState(models.RoleIdle, "stopped")
	m.logger.Info("Device returned to idle")
	return "stopped"
}

// ── 内部 ──

// relayAlert 异步投递本机 Alert；网关自带超时与去重，失败只记录
func (m *Machine) relayAlert(alert models.Alert) {
	if err := m.relayer.Relay(context.Background(), alert); err != nil {
		m.logger.Warn("Failed to relay local alert",
			zap.String("alert_id", alert.ID),
			zap.Error(err),
		)
	}
}

func (m *Machine) setState(role models.DeviceRole, status string) {
	m.mu.Lock()
	m.role = role
	m.status = status
	m.mu.Unlock()
}

// checkPermission 权限门询问；拒绝时保持 Idle 并返回可展示的原因
func (m *Machine) checkPermission(ctx context.Context) (string, bool) {
	switch m.gate.CheckAndRequest(ctx) {
	case device.PermissionDenied:
		m.setState(models.RoleIdle, "permission denied")
		m.logger.Warn("Transport permission denied")
		return "permission denied", false
	case device.PermissionPermanentlyDenied:
		// 永久拒绝要给出与普通拒绝不同的可操作提示
		m.setState(models.RoleIdle, "permission permanently denied, enable nearby-device permissions in system settings")
		m.logger.Warn("Transport permission permanently denied")
		return "permission permanently denied, enable nearby-device permissions in system settings", false
	}
	return "", true
}
