// Package device 定义核心逻辑消费的设备侧协作方契约：
// 权限门、定位源、告警提示面。核心只依赖这些窄接口，
// 平台相关实现在进程装配时注入。
package device

import (
	"context"
	"time"

	"sosmesh/internal/models"
)

// PermissionResult 权限检查结果
type PermissionResult int

const (
	// PermissionGranted 已授权
	PermissionGranted PermissionResult = iota
	// PermissionDenied 本次被拒（可再次请求）
	PermissionDenied
	// PermissionPermanentlyDenied 永久拒绝（需要用户去系统设置，
	// 提示文案必须与普通拒绝区分）
	PermissionPermanentlyDenied
)

func (r PermissionResult) String() string {
	switch r {
	case PermissionGranted:
		return "granted"
	case PermissionDenied:
		return "denied"
	case PermissionPermanentlyDenied:
		return "permanently_denied"
	default:
		return "unknown"
	}
}

// PermissionGate 传输权限门
// 仅在角色转换时被询问；拒绝结果使设备保持 Idle
type PermissionGate interface {
	CheckAndRequest(ctx context.Context) PermissionResult
}

// LocationProvider 定位源
// ok=false 表示定位不可用，调用方落到 "0.0" 占位坐标，绝不阻塞重试
type LocationProvider interface {
	CurrentPosition(ctx context.Context, timeout time.Duration) (lat, long string, ok bool)
}

// AlertNotifier 告警提示面（声音/界面），核心到 UI 的单向通知
// Acknowledge 只停止本地提示，不影响协议状态
type AlertNotifier interface {
	OnIncomingAlert(alert models.Alert)
	OnLocalAlert(alert models.Alert)
	Acknowledge()
}
