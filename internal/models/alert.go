package models

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
)

// TimestampLayout Alert 时间戳的固定格式（秒级，随线上格式一致，
// 编解码后原样保留，任何消费方都不再解析为结构化时间）
const TimestampLayout = "2006-01-02 15:04:05"

// LocationUnavailable 定位不可用时的显式占位值（不是缺省空值）
const LocationUnavailable = "0.0"

// Alert 求救信号（一次广播会话生成一条，构造后不可变；
// 转发过程中不得修改 sender/id/timestamp/坐标）
type Alert struct {
	ID        string `json:"id"`
	Sender    string `json:"sender"`
	CreatedAt string `json:"timestamp"` // 固定格式字符串，见 TimestampLayout
	Latitude  string `json:"latitude"`  // 十进制字符串，"0.0" 表示定位不可用
	Longitude string `json:"longitude"`
}

// NewAlert 生成新的 Alert（仅角色状态机在 SendAlert 时调用）
// ID 碰撞容忍即可，不要求加密级唯一
func NewAlert(sender, latitude, longitude string, now time.Time) Alert {
	if latitude == "" {
		latitude = LocationUnavailable
	}
	if longitude == "" {
		longitude = LocationUnavailable
	}
	return Alert{
		ID:        fmt.Sprintf("ALERT-%04d", rand.Intn(10000)),
		Sender:    sender,
		CreatedAt: now.Format(TimestampLayout),
		Latitude:  latitude,
		Longitude: longitude,
	}
}

// NewSenderIdentity 生成本进程的临时显示身份（每次进程启动重新生成）
func NewSenderIdentity(prefix string) string {
	return fmt.Sprintf("%s-%s", prefix, uuid.NewString()[:8])
}

// DeviceRole 设备当前的网格参与角色（任一时刻恰好一个成立）
type DeviceRole int

const (
	RoleIdle DeviceRole = iota
	RoleScanning
	RoleBroadcasting
)

func (r DeviceRole) String() string {
	switch r {
	case RoleScanning:
		return "scanning"
	case RoleBroadcasting:
		return "broadcasting"
	default:
		return "idle"
	}
}

// ConnectionState 连接生命周期状态
type ConnectionState int

const (
	ConnInitiated ConnectionState = iota
	ConnAccepted
	ConnClosed
)

func (s ConnectionState) String() string {
	switch s {
	case ConnAccepted:
		return "accepted"
	case ConnClosed:
		return "closed"
	default:
		return "initiated"
	}
}

// Connection 瞬态连接记录（由连接处理器持有，断开即销毁，从不持久化）
type Connection struct {
	EndpointID  string
	State       ConnectionState
	AlertPushed bool // 广播方在该连接上是否已推送过自身 Alert（每连接最多一次）
}
