package handler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"sosmesh/internal/codec"
	"sosmesh/internal/device"
	"sosmesh/internal/models"
	"sosmesh/internal/role"
	"sosmesh/internal/store"
	"sosmesh/internal/transport"
)

// fakeTransport 记录连接层调用
type fakeTransport struct {
	mu              sync.Mutex
	requested       []string
	accepted        []string
	payloads        map[string][][]byte
	failSendPayload bool

	events chan transport.Event
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		payloads: make(map[string][][]byte),
		events:   make(chan transport.Event, 16),
	}
}

func (f *fakeTransport) StartAdvertising(_ context.Context, _ string) error { return nil }
func (f *fakeTransport) StopAdvertising(_ context.Context) error            { return nil }
func (f *fakeTransport) StartDiscovery(_ context.Context, _ string) error   { return nil }
func (f *fakeTransport) StopDiscovery(_ context.Context) error              { return nil }

func (f *fakeTransport) RequestConnection(_ context.Context, endpointID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requested = append(f.requested, endpointID)
	return nil
}

func (f *fakeTransport) AcceptConnection(_ context.Context, endpointID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accepted = append(f.accepted, endpointID)
	return nil
}

func (f *fakeTransport) SendPayload(_ context.Context, endpointID string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSendPayload {
		return errors.New("send failed")
	}
	f.payloads[endpointID] = append(f.payloads[endpointID], payload)
	return nil
}

func (f *fakeTransport) Disconnect(_ context.Context, _ string) error { return nil }
func (f *fakeTransport) Events() <-chan transport.Event               { return f.events }
func (f *fakeTransport) Close() error                                 { return nil }

// fakeRelayer 记录转发调用
type fakeRelayer struct {
	mu     sync.Mutex
	alerts []models.Alert
}

func (r *fakeRelayer) Relay(_ context.Context, alert models.Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, alert)
	return nil
}

func (r *fakeRelayer) relayed() []models.Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.Alert, len(r.alerts))
	copy(out, r.alerts)
	return out
}

// fakeNotifier 记录提示面回调
type fakeNotifier struct {
	mu       sync.Mutex
	incoming []models.Alert
}

func (n *fakeNotifier) OnIncomingAlert(alert models.Alert) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.incoming = append(n.incoming, alert)
}

func (n *fakeNotifier) OnLocalAlert(_ models.Alert) {}
func (n *fakeNotifier) Acknowledge()                {}

type grantedGate struct{}

func (grantedGate) CheckAndRequest(_ context.Context) device.PermissionResult {
	return device.PermissionGranted
}

type noLocation struct{}

func (noLocation) CurrentPosition(_ context.Context, _ time.Duration) (string, string, bool) {
	return models.LocationUnavailable, models.LocationUnavailable, false
}

func setupHandler(t *testing.T) (*ConnectionHandler, *fakeTransport, *role.Machine, *store.AlertStore, *fakeRelayer, *fakeNotifier) {
	t.Helper()

	tr := newFakeTransport()
	alertStore := store.NewAlertStore()
	relayer := &fakeRelayer{}
	notifier := &fakeNotifier{}
	machine := role.NewMachine(
		tr, alertStore, relayer, grantedGate{}, noLocation{}, notifier,
		"EmergencyBeacon-42", time.Second, zap.NewNop(),
	)
	h := NewConnectionHandler(tr, machine, alertStore, relayer, notifier, zap.NewNop())
	return h, tr, machine, alertStore, relayer, notifier
}

func TestEndpointFound_RequestsConnectionWhileScanning(t *testing.T) {
	h, tr, machine, _, _, _ := setupHandler(t)
	ctx := context.Background()

	_, err := machine.StartMonitoring(ctx)
	require.NoError(t, err)

	// 无信任名单：发现即连接
	h.handleEvent(ctx, transport.Event{
		Type:       transport.EventEndpointFound,
		EndpointID: "peer-1",
		Identity:   "EmergencyBeacon-99",
	})

	assert.Equal(t, []string{"peer-1"}, tr.requested)
	assert.Equal(t, 1, h.ConnectionCount())
}

func TestEndpointFound_IgnoredWhileIdle(t *testing.T) {
	h, tr, _, _, _, _ := setupHandler(t)

	h.handleEvent(context.Background(), transport.Event{
		Type:       transport.EventEndpointFound,
		EndpointID: "peer-1",
	})

	assert.Empty(t, tr.requested)
	assert.Equal(t, 0, h.ConnectionCount())
}

func TestConnectionInitiated_AlwaysAccepted(t *testing.T) {
	h, tr, _, _, _, _ := setupHandler(t)

	// Idle 下也接受（范围内没有拒绝路径）
	h.handleEvent(context.Background(), transport.Event{
		Type:       transport.EventConnectionInitiated,
		EndpointID: "peer-2",
	})

	assert.Equal(t, []string{"peer-2"}, tr.accepted)
}

func TestConnectionResult_BroadcasterPushesAlertExactlyOnce(t *testing.T) {
	h, tr, machine, _, _, _ := setupHandler(t)
	ctx := context.Background()

	alert, _, err := machine.SendAlert(ctx)
	require.NoError(t, err)
	require.Equal(t, models.RoleBroadcasting, machine.Role())

	h.handleEvent(ctx, transport.Event{
		Type:       transport.EventConnectionResult,
		EndpointID: "peer-1",
		Connected:  true,
	})

	require.Len(t, tr.payloads["peer-1"], 1)
	decoded, err := codec.Decode(tr.payloads["peer-1"][0])
	require.NoError(t, err)
	assert.Equal(t, alert.ID, decoded.ID)
	assert.Equal(t, alert.Sender, decoded.Sender)

	// 同一连接不重发
	h.handleEvent(ctx, transport.Event{
		Type:       transport.EventConnectionResult,
		EndpointID: "peer-1",
		Connected:  true,
	})
	assert.Len(t, tr.payloads["peer-1"], 1)

	// 新连接各推一次
	h.handleEvent(ctx, transport.Event{
		Type:       transport.EventConnectionResult,
		EndpointID: "peer-2",
		Connected:  true,
	})
	assert.Len(t, tr.payloads["peer-2"], 1)
}

func TestConnectionResult_ScannerDoesNotPush(t *testing.T) {
	h, tr, machine, _, _, _ := setupHandler(t)
	ctx := context.Background()

	_, err := machine.StartMonitoring(ctx)
	require.NoError(t, err)

	h.handleEvent(ctx, transport.Event{
		Type:       transport.EventConnectionResult,
		EndpointID: "peer-1",
		Connected:  true,
	})

	assert.Empty(t, tr.payloads["peer-1"])
}

func TestConnectionResult_FailureReleasesRecord(t *testing.T) {
	h, _, machine, _, _, _ := setupHandler(t)
	ctx := context.Background()

	_, err := machine.StartMonitoring(ctx)
	require.NoError(t, err)

	h.handleEvent(ctx, transport.Event{
		Type:       transport.EventEndpointFound,
		EndpointID: "peer-1",
	})
	require.Equal(t, 1, h.ConnectionCount())

	h.handleEvent(ctx, transport.Event{
		Type:       transport.EventConnectionResult,
		EndpointID: "peer-1",
		Connected:  false,
	})
	assert.Equal(t, 0, h.ConnectionCount())
}

func TestPayloadReceived_DecodedAlertSurfacedAndRelayed(t *testing.T) {
	h, _, _, _, relayer, notifier := setupHandler(t)
	ctx := context.Background()

	payload := []byte("SOS_ALERT|EmergencyBeacon-7|ALERT-3141|2024-03-01 09:15:00|12.9716|77.5946")
	h.handleEvent(ctx, transport.Event{
		Type:       transport.EventPayloadReceived,
		EndpointID: "peer-1",
		Payload:    payload,
	})

	require.Len(t, notifier.incoming, 1)
	assert.Equal(t, "ALERT-3141", notifier.incoming[0].ID)

	// 投递异步派发
	require.Eventually(t, func() bool {
		return len(relayer.relayed()) == 1
	}, time.Second, 10*time.Millisecond)
	relayed := relayer.relayed()
	assert.Equal(t, "ALERT-3141", relayed[0].ID)
	assert.Equal(t, "EmergencyBeacon-7", relayed[0].Sender)
}

// stallingRelayer 投递挂起直到 release 关闭，模拟不可达的汇聚端
type stallingRelayer struct {
	mu      sync.Mutex
	started int
	release chan struct{}
}

func (r *stallingRelayer) Relay(_ context.Context, _ models.Alert) error {
	r.mu.Lock()
	r.started++
	r.mu.Unlock()
	<-r.release
	return nil
}

func (r *stallingRelayer) startedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.started
}

func TestPayloadReceived_SlowSinkDoesNotStallEventLoop(t *testing.T) {
	tr := newFakeTransport()
	alertStore := store.NewAlertStore()
	relayer := &stallingRelayer{release: make(chan struct{})}
	notifier := &fakeNotifier{}
	machine := role.NewMachine(
		tr, alertStore, relayer, grantedGate{}, noLocation{}, notifier,
		"EmergencyBeacon-42", time.Second, zap.NewNop(),
	)
	h := NewConnectionHandler(tr, machine, alertStore, relayer, notifier, zap.NewNop())
	defer close(relayer.release)

	ctx := context.Background()

	// 第一条告警的投递被挂起
	h.handleEvent(ctx, transport.Event{
		Type:       transport.EventPayloadReceived,
		EndpointID: "peer-1",
		Payload:    []byte("SOS_ALERT|EmergencyBeacon-7|ALERT-1|2024-01-01 00:00:00|1.0|2.0"),
	})

	// 第二条告警必须立即呈现，不等第一条投递返回
	h.handleEvent(ctx, transport.Event{
		Type:       transport.EventPayloadReceived,
		EndpointID: "peer-2",
		Payload:    []byte("SOS_ALERT|EmergencyBeacon-8|ALERT-2|2024-01-01 00:00:01|3.0|4.0"),
	})

	notifier.mu.Lock()
	surfaced := len(notifier.incoming)
	notifier.mu.Unlock()
	require.Equal(t, 2, surfaced)

	// 两条投递都已派发、都还挂着
	assert.Eventually(t, func() bool {
		return relayer.startedCount() == 2
	}, time.Second, 10*time.Millisecond)
}

func TestPayloadReceived_GarbageSilentlyDropped(t *testing.T) {
	h, _, _, _, relayer, notifier := setupHandler(t)
	ctx := context.Background()

	// 非 Alert 流量
	h.handleEvent(ctx, transport.Event{
		Type:       transport.EventPayloadReceived,
		EndpointID: "peer-1",
		Payload:    []byte("just some chatter"),
	})

	// 残缺 Alert
	h.handleEvent(ctx, transport.Event{
		Type:       transport.EventPayloadReceived,
		EndpointID: "peer-1",
		Payload:    []byte("SOS_ALERT|Bob|ALERT-1"),
	})

	assert.Empty(t, notifier.incoming)
	assert.Empty(t, relayer.relayed())
}

func TestDisconnected_ReleasesConnection(t *testing.T) {
	h, _, machine, _, _, _ := setupHandler(t)
	ctx := context.Background()

	_, err := machine.StartMonitoring(ctx)
	require.NoError(t, err)

	h.handleEvent(ctx, transport.Event{
		Type:       transport.EventEndpointFound,
		EndpointID: "peer-1",
	})
	h.handleEvent(ctx, transport.Event{
		Type:       transport.EventConnectionResult,
		EndpointID: "peer-1",
		Connected:  true,
	})
	require.Equal(t, 1, h.ConnectionCount())

	h.handleEvent(ctx, transport.Event{
		Type:       transport.EventDisconnected,
		EndpointID: "peer-1",
	})
	assert.Equal(t, 0, h.ConnectionCount())
}

func TestRun_ConsumesEventChannel(t *testing.T) {
	h, tr, machine, _, _, notifier := setupHandler(t)

	_, err := machine.StartMonitoring(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()

	tr.events <- transport.Event{
		Type:       transport.EventPayloadReceived,
		EndpointID: "peer-1",
		Payload:    []byte("SOS_ALERT|Bob|ALERT-1|2024-01-01 00:00:00|1.0|2.0"),
	}

	assert.Eventually(t, func() bool {
		notifier.mu.Lock()
		defer notifier.mu.Unlock()
		return len(notifier.incoming) == 1
	}, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler did not stop on context cancel")
	}
}
