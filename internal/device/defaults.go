package device

import (
	"context"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"sosmesh/internal/models"
)

// EnvPermissionGate 环境变量权限门（无人值守部署的默认实现）
//
// NODE_PERMISSIONS: "granted"（默认）| "denied" | "permanently_denied"
// 容器/网关节点没有系统权限对话框，用部署配置代替
type EnvPermissionGate struct{}

// CheckAndRequest 见 PermissionGate
func (EnvPermissionGate) CheckAndRequest(_ context.Context) PermissionResult {
	switch os.Getenv("NODE_PERMISSIONS") {
	case "denied":
		return PermissionDenied
	case "permanently_denied":
		return PermissionPermanentlyDenied
	default:
		return PermissionGranted
	}
}

// EnvLocationProvider 环境变量定位源
//
// NODE_LATITUDE / NODE_LONGITUDE 均非空时返回该固定坐标（固定安装的
// 网关节点），否则视为定位不可用
type EnvLocationProvider struct{}

// CurrentPosition 见 LocationProvider
func (EnvLocationProvider) CurrentPosition(_ context.Context, _ time.Duration) (string, string, bool) {
	lat := os.Getenv("NODE_LATITUDE")
	long := os.Getenv("NODE_LONGITUDE")
	if lat == "" || long == "" {
		return models.LocationUnavailable, models.LocationUnavailable, false
	}
	return lat, long, true
}

// LogNotifier 日志提示面：告警事件写结构化日志，"声音"用激活标志模拟
type LogNotifier struct {
	logger *zap.Logger

	mu      sync.Mutex
	playing bool
}

// NewLogNotifier 创建日志提示面
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

// OnIncomingAlert 见 AlertNotifier
func (n *LogNotifier) OnIncomingAlert(alert models.Alert) {
	n.mu.Lock()
	n.playing = true
	n.mu.Unlock()

	n.logger.Warn("Incoming SOS alert",
		zap.String("sender", alert.Sender),
		zap.String("alert_id", alert.ID),
		zap.String("timestamp", alert.CreatedAt),
		zap.String("latitude", alert.Latitude),
		zap.String("longitude", alert.Longitude),
	)
}

// OnLocalAlert 见 AlertNotifier
func (n *LogNotifier) OnLocalAlert(alert models.Alert) {
	n.logger.Warn("Local SOS alert broadcast",
		zap.String("sender", alert.Sender),
		zap.String("alert_id", alert.ID),
		zap.String("timestamp", alert.CreatedAt),
		zap.String("latitude", alert.Latitude),
		zap.String("longitude", alert.Longitude),
	)
}

// Acknowledge 见 AlertNotifier
func (n *LogNotifier) Acknowledge() {
	n.mu.Lock()
	wasPlaying := n.playing
	n.playing = false
	n.mu.Unlock()

	if wasPlaying {
		n.logger.Info("Alert sound acknowledged")
	}
}

// Playing 当前是否在播放提示音（状态展示用）
func (n *LogNotifier) Playing() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.playing
}
