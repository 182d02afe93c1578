// Package transport 定义对等传输能力（发现/连接/字节载荷交换）的抽象契约，
// 以及基于局域网 MQTT 代理的参考实现。
//
// 传输会话是每进程单例：广播（advertising）与发现（discovery）同一时刻
// 只允许其一处于活动状态，该约束由上层角色状态机保证，传输层只需
// 保证 Stop* 幂等且可在 Idle 下安全调用。
package transport

import "context"

// EventType 传输事件类型
type EventType int

const (
	// EventEndpointFound 发现阶段找到了一个可连接端点
	EventEndpointFound EventType = iota
	// EventConnectionInitiated 有端点发起了连接请求（双方角色都可能收到）
	EventConnectionInitiated
	// EventConnectionResult 连接建立结果
	EventConnectionResult
	// EventPayloadReceived 收到对端字节载荷
	EventPayloadReceived
	// EventDisconnected 对端断开
	EventDisconnected
)

func (t EventType) String() string {
	switch t {
	case EventEndpointFound:
		return "endpoint_found"
	case EventConnectionInitiated:
		return "connection_initiated"
	case EventConnectionResult:
		return "connection_result"
	case EventPayloadReceived:
		return "payload_received"
	case EventDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Event 传输事件
// 同一端点的事件按传输层产生顺序投递（initiated → result → payload* → disconnected）；
// 不同端点之间不保证顺序
type Event struct {
	Type       EventType
	EndpointID string // 对端句柄（不透明）
	Identity   string // EndpointFound 时对端通告的显示身份
	Connected  bool   // ConnectionResult 的结果
	Payload    []byte // PayloadReceived 的载荷
}

// PeerTransport 对等传输契约
//
// Start/Stop 调用可能耗时，不应在持有上层状态锁时调用；
// 事件通过 Events() 的单一通道投递，由上层的单消费者串行处理。
type PeerTransport interface {
	// StartAdvertising 以给定身份开始通告自身（广播角色）
	StartAdvertising(ctx context.Context, identity string) error
	// StopAdvertising 停止通告；幂等，Idle 下调用为空操作
	StopAdvertising(ctx context.Context) error
	// StartDiscovery 以给定身份开始发现对端（扫描角色）
	StartDiscovery(ctx context.Context, identity string) error
	// StopDiscovery 停止发现；幂等，Idle 下调用为空操作
	StopDiscovery(ctx context.Context) error
	// RequestConnection 向已发现端点发起连接
	RequestConnection(ctx context.Context, endpointID string) error
	// AcceptConnection 接受来自端点的连接请求
	AcceptConnection(ctx context.Context, endpointID string) error
	// SendPayload 向已连接端点发送字节载荷
	SendPayload(ctx context.Context, endpointID string, payload []byte) error
	// Disconnect 主动断开与端点的连接
	Disconnect(ctx context.Context, endpointID string) error
	// Events 返回传输事件通道
	Events() <-chan Event
	// Close 释放底层资源
	Close() error
}
