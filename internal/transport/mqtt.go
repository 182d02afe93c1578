package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

const eventChanSize = 256

// 主题布局（prefix 可配置，默认 "sosmesh"）：
//
//	<prefix>/presence/<endpoint_id>      广播方的保留在场消息（空载荷表示下线）
//	<prefix>/ctrl/<endpoint_id>          端点的控制信箱（connect/accept/disconnect）
//	<prefix>/data/<receiver>/<sender>    定向数据通道（发送方写入接收方主题）
type ctrlMessage struct {
	Type string `json:"type"` // "connect" | "accept" | "disconnect"
	From string `json:"from"`
}

type presenceMessage struct {
	EndpointID string `json:"endpoint_id"`
	Identity   string `json:"identity"`
}

// MQTTTransport 基于局域网 MQTT 代理的对等传输实现
//
// 代理在这里扮演无线信道：在场保留消息对应广播通告，订阅在场主题
// 对应扫描发现，定向数据主题对应一条点对点连接。
type MQTTTransport struct {
	client     mqtt.Client
	endpointID string
	prefix     string
	qos        byte
	logger     *zap.Logger

	events    chan Event
	done      chan struct{} // 关闭后 emit 静默丢弃，events 通道不再关闭
	closeOnce sync.Once

	mu          sync.Mutex
	advertising bool
	discovering bool
	identity    string
	connected   map[string]bool // endpointID -> 连接握手完成
	pending     map[string]bool // 本端发起、等待对方 accept 的连接
}

// NewMQTTTransport 连接代理并订阅自身控制信箱
func NewMQTTTransport(broker, endpointID, prefix string, qos int, logger *zap.Logger) (*MQTTTransport, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID("sosmesh-" + endpointID)
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	t := newTransport(client, endpointID, prefix, qos, logger)

	// 控制信箱常驻订阅：连接请求可能在任一角色下到达
	ctrlTopic := fmt.Sprintf("%s/ctrl/%s", prefix, endpointID)
	if token := client.Subscribe(ctrlTopic, t.qos, t.handleCtrl); token.Wait() && token.Error() != nil {
		client.Disconnect(250)
		return nil, fmt.Errorf("failed to subscribe to ctrl topic: %w", token.Error())
	}

	return t, nil
}

func newTransport(client mqtt.Client, endpointID, prefix string, qos int, logger *zap.Logger) *MQTTTransport {
	return &MQTTTransport{
		client:     client,
		endpointID: endpointID,
		prefix:     prefix,
		qos:        byte(qos),
		logger:     logger,
		events:     make(chan Event, eventChanSize),
		done:       make(chan struct{}),
		connected:  make(map[string]bool),
		pending:    make(map[string]bool),
	}
}

// EndpointID 本端句柄
func (t *MQTTTransport) EndpointID() string {
	return t.endpointID
}

// StartAdvertising 发布保留在场消息
func (t *MQTTTransport) StartAdvertising(_ context.Context, identity string) error {
	t.mu.Lock()
	t.advertising = true
	t.identity = identity
	t.mu.Unlock()

	payload, err := json.Marshal(presenceMessage{EndpointID: t.endpointID, Identity: identity})
	if err != nil {
		return fmt.Errorf("failed to marshal presence: %w", err)
	}

	topic := fmt.Sprintf("%s/presence/%s", t.prefix, t.endpointID)
	if token := t.client.Publish(topic, t.qos, true, payload); token.Wait() && token.Error() != nil {
		t.mu.Lock()
		t.advertising = false
		t.mu.Unlock()
		return fmt.Errorf("failed to publish presence: %w", token.Error())
	}

	t.logger.Info("Advertising started",
		zap.String("endpoint_id", t.endpointID),
		zap.String("identity", identity),
	)
	return nil
}

// StopAdvertising 清除在场消息；未在广播时为空操作
func (t *MQTTTransport) StopAdvertising(_ context.Context) error {
	t.mu.Lock()
	wasAdvertising := t.advertising
	t.advertising = false
	t.mu.Unlock()

	if !wasAdvertising {
		return nil
	}

	// 空保留载荷清掉在场消息
	topic := fmt.Sprintf("%s/presence/%s", t.prefix, t.endpointID)
	if token := t.client.Publish(topic, t.qos, true, []byte{}); token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to clear presence: %w", token.Error())
	}

	t.logger.Info("Advertising stopped", zap.String("endpoint_id", t.endpointID))
	return nil
}

// StartDiscovery 订阅全部在场主题
func (t *MQTTTransport) StartDiscovery(_ context.Context, identity string) error {
	t.mu.Lock()
	t.discovering = true
	t.identity = identity
	t.mu.Unlock()

	topic := fmt.Sprintf("%s/presence/+", t.prefix)
	if token := t.client.Subscribe(topic, t.qos, t.handlePresence); token.Wait() && token.Error() != nil {
		t.mu.Lock()
		t.discovering = false
		t.mu.Unlock()
		return fmt.Errorf("failed to subscribe to presence topics: %w", token.Error())
	}

	t.logger.Info("Discovery started",
		zap.String("endpoint_id", t.endpointID),
		zap.String("identity", identity),
	)
	return nil
}

// StopDiscovery 退订在场主题；未在发现时为空操作
func (t *MQTTTransport) StopDiscovery(_ context.Context) error {
	t.mu.Lock()
	wasDiscovering := t.discovering
	t.discovering = false
	t.mu.Unlock()

	if !wasDiscovering {
		return nil
	}

	topic := fmt.Sprintf("%s/presence/+", t.prefix)
	if token := t.client.Unsubscribe(topic); token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to unsubscribe from presence topics: %w", token.Error())
	}

	t.logger.Info("Discovery stopped", zap.String("endpoint_id", t.endpointID))
	return nil
}

// RequestConnection 向对端控制信箱投递连接请求
//
// 入站数据订阅必须先于 connect 发出：对端 accept 后会立刻推送 Alert，
// 这条消息是非保留的，订阅晚一步就永久丢失
func (t *MQTTTransport) RequestConnection(_ context.Context, endpointID string) error {
	t.mu.Lock()
	if t.connected[endpointID] || t.pending[endpointID] {
		t.mu.Unlock()
		return nil
	}
	t.pending[endpointID] = true
	t.mu.Unlock()

	if err := t.subscribeData(endpointID); err != nil {
		t.mu.Lock()
		delete(t.pending, endpointID)
		t.mu.Unlock()
		return err
	}

	if err := t.sendCtrl(endpointID, "connect"); err != nil {
		dataTopic := fmt.Sprintf("%s/data/%s/%s", t.prefix, t.endpointID, endpointID)
		if token := t.client.Unsubscribe(dataTopic); token.Wait() && token.Error() != nil {
			t.logger.Warn("Failed to unsubscribe after connect failure",
				zap.String("endpoint_id", endpointID),
				zap.Error(token.Error()),
			)
		}
		t.mu.Lock()
		delete(t.pending, endpointID)
		t.mu.Unlock()
		return err
	}
	return nil
}

// AcceptConnection 订阅来自对端的数据通道并回执 accept
func (t *MQTTTransport) AcceptConnection(_ context.Context, endpointID string) error {
	if err := t.subscribeData(endpointID); err != nil {
		return err
	}
	if err := t.sendCtrl(endpointID, "accept"); err != nil {
		return err
	}

	t.mu.Lock()
	t.connected[endpointID] = true
	t.mu.Unlock()

	t.emit(Event{Type: EventConnectionResult, EndpointID: endpointID, Connected: true})
	return nil
}

// SendPayload 向对端数据通道写入载荷
func (t *MQTTTransport) SendPayload(_ context.Context, endpointID string, payload []byte) error {
	t.mu.Lock()
	ok := t.connected[endpointID]
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("endpoint %s is not connected", endpointID)
	}

	topic := fmt.Sprintf("%s/data/%s/%s", t.prefix, endpointID, t.endpointID)
	if token := t.client.Publish(topic, t.qos, false, payload); token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to publish payload: %w", token.Error())
	}
	return nil
}

// Disconnect 断开与对端的连接
func (t *MQTTTransport) Disconnect(_ context.Context, endpointID string) error {
	t.mu.Lock()
	wasConnected := t.connected[endpointID]
	delete(t.connected, endpointID)
	delete(t.pending, endpointID)
	t.mu.Unlock()

	if !wasConnected {
		return nil
	}

	dataTopic := fmt.Sprintf("%s/data/%s/%s", t.prefix, t.endpointID, endpointID)
	if token := t.client.Unsubscribe(dataTopic); token.Wait() && token.Error() != nil {
		t.logger.Warn("Failed to unsubscribe data topic",
			zap.String("endpoint_id", endpointID),
			zap.Error(token.Error()),
		)
	}
	if err := t.sendCtrl(endpointID, "disconnect"); err != nil {
		t.logger.Warn("Failed to send disconnect",
			zap.String("endpoint_id", endpointID),
			zap.Error(err),
		)
	}
	return nil
}

// Events 见 PeerTransport
func (t *MQTTTransport) Events() <-chan Event {
	return t.events
}

// Close 断开代理连接；重复调用安全
//
// events 通道不关闭：paho 的回调可能仍在投递途中，关闭通道会让
// emit 撞上已关闭的通道。消费方靠自身上下文退出
func (t *MQTTTransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.done)
		t.client.Disconnect(250)
	})
	return nil
}

// ── 内部 ──

func (t *MQTTTransport) sendCtrl(endpointID, msgType string) error {
	payload, err := json.Marshal(ctrlMessage{Type: msgType, From: t.endpointID})
	if err != nil {
		return fmt.Errorf("failed to marshal ctrl message: %w", err)
	}
	topic := fmt.Sprintf("%s/ctrl/%s", t.prefix, endpointID)
	if token := t.client.Publish(topic, t.qos, false, payload); token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to publish ctrl message: %w", token.Error())
	}
	return nil
}

func (t *MQTTTransport) subscribeData(endpointID string) error {
	topic := fmt.Sprintf("%s/data/%s/%s", t.prefix, t.endpointID, endpointID)
	if token := t.client.Subscribe(topic, t.qos, t.handleData); token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to subscribe to data topic: %w", token.Error())
	}
	return nil
}

func (t *MQTTTransport) handlePresence(_ mqtt.Client, msg mqtt.Message) {
	// 空载荷是下线清除，忽略
	if len(msg.Payload()) == 0 {
		return
	}

	var presence presenceMessage
	if err := json.Unmarshal(msg.Payload(), &presence); err != nil {
		t.logger.Debug("Ignoring malformed presence message",
			zap.String("topic", msg.Topic()),
			zap.Error(err),
		)
		return
	}
	if presence.EndpointID == "" || presence.EndpointID == t.endpointID {
		return
	}

	t.emit(Event{
		Type:       EventEndpointFound,
		EndpointID: presence.EndpointID,
		Identity:   presence.Identity,
	})
}

func (t *MQTTTransport) handleCtrl(_ mqtt.Client, msg mqtt.Message) {
	var ctrl ctrlMessage
	if err := json.Unmarshal(msg.Payload(), &ctrl); err != nil {
		t.logger.Debug("Ignoring malformed ctrl message",
			zap.String("topic", msg.Topic()),
			zap.Error(err),
		)
		return
	}
	if ctrl.From == "" || ctrl.From == t.endpointID {
		return
	}

	switch ctrl.Type {
	case "connect":
		t.emit(Event{Type: EventConnectionInitiated, EndpointID: ctrl.From})
	case "accept":
		// 本端发起的连接被接受；入站数据订阅在发出 connect 前已建立。
		// 未发起过的 accept 是陈旧或伪造消息，忽略
		t.mu.Lock()
		wasPending := t.pending[ctrl.From]
		delete(t.pending, ctrl.From)
		if wasPending {
			t.connected[ctrl.From] = true
		}
		t.mu.Unlock()
		if wasPending {
			t.emit(Event{Type: EventConnectionResult, EndpointID: ctrl.From, Connected: true})
		}
	case "disconnect":
		t.mu.Lock()
		wasConnected := t.connected[ctrl.From]
		delete(t.connected, ctrl.From)
		delete(t.pending, ctrl.From)
		t.mu.Unlock()
		if wasConnected {
			t.emit(Event{Type: EventDisconnected, EndpointID: ctrl.From})
		}
	default:
		t.logger.Debug("Unknown ctrl message type", zap.String("type", ctrl.Type))
	}
}

func (t *MQTTTransport) handleData(_ mqtt.Client, msg mqtt.Message) {
	// 主题格式: <prefix>/data/<me>/<sender>
	parts := strings.Split(msg.Topic(), "/")
	if len(parts) < 4 {
		return
	}
	sender := parts[len(parts)-1]

	payload := make([]byte, len(msg.Payload()))
	copy(payload, msg.Payload())

	t.emit(Event{
		Type:       EventPayloadReceived,
		EndpointID: sender,
		Payload:    payload,
	})
}

func (t *MQTTTransport) emit(e Event) {
	select {
	case <-t.done:
		return
	default:
	}
	select {
	case t.events <- e:
	default:
		t.logger.Warn("Transport event channel full, dropping event",
			zap.String("type", e.Type.String()),
			zap.String("endpoint_id", e.EndpointID),
		)
	}
}
