package mqttbridge

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeToken struct {
	err error
}

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Error() error                   { return t.err }

func (t *fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type fakeMessage struct {
	topic    string
	payload  []byte
	retained bool
}

func (m *fakeMessage) Duplicate() bool   { return false }
func (m *fakeMessage) Qos() byte         { return qosAtLeastOnce }
func (m *fakeMessage) Retained() bool    { return m.retained }
func (m *fakeMessage) Topic() string     { return m.topic }
func (m *fakeMessage) MessageID() uint16 { return 0 }
func (m *fakeMessage) Payload() []byte   { return m.payload }
func (m *fakeMessage) Ack()              {}

// fakeBroker is an in-memory paho client with exact-match topic routing,
// retained messages and asynchronous delivery.
type fakeBroker struct {
	mqtt.Client

	mu         sync.Mutex
	connected  bool
	connectErr error
	handlers   map[string][]mqtt.MessageHandler
	retained   map[string][]byte
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		handlers: make(map[string][]mqtt.MessageHandler),
		retained: make(map[string][]byte),
	}
}

func (f *fakeBroker) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeBroker) Connect() mqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = f.connectErr == nil
	return &fakeToken{err: f.connectErr}
}

func (f *fakeBroker) Disconnect(uint) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
}

func (f *fakeBroker) Publish(topic string, _ byte, retained bool, payload interface{}) mqtt.Token {
	data := payload.([]byte)

	f.mu.Lock()
	if retained {
		f.retained[topic] = data
	}
	handlers := append([]mqtt.MessageHandler(nil), f.handlers[topic]...)
	f.mu.Unlock()

	for _, h := range handlers {
		go h(f, &fakeMessage{topic: topic, payload: data, retained: retained})
	}
	return &fakeToken{}
}

func (f *fakeBroker) Subscribe(topic string, _ byte, callback mqtt.MessageHandler) mqtt.Token {
	f.mu.Lock()
	f.handlers[topic] = append(f.handlers[topic], callback)
	data, ok := f.retained[topic]
	f.mu.Unlock()

	if ok {
		go callback(f, &fakeMessage{topic: topic, payload: data, retained: true})
	}
	return &fakeToken{}
}

// dropSession forgets every subscription like a broker does for a clean
// session after the connection is lost.
func (f *fakeBroker) dropSession() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers = make(map[string][]mqtt.MessageHandler)
}

func (f *fakeBroker) subscribed(topic string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.handlers[topic]) > 0
}

// serve answers requests of a service like the remote bridge would
func (f *fakeBroker) serve(prefix, name string, fn func(payload json.RawMessage) (any, string)) {
	f.Subscribe(prefix+"/srv/"+name+"/request", 1, func(_ mqtt.Client, msg mqtt.Message) {
		var req envelope
		if err := json.Unmarshal(msg.Payload(), &req); err != nil {
			return
		}

		out, remoteErr := fn(req.Payload)
		resp := envelope{ID: req.ID, Error: remoteErr}
		if out != nil {
			resp.Payload, _ = json.Marshal(out)
		}

		data, _ := json.Marshal(resp)
		f.Publish(prefix+"/srv/"+name+"/response", 1, false, data)
	})
}

func newBridge(t *testing.T, broker *fakeBroker, cfg Config) *Bridge {
	t.Helper()

	cfg.TopicPrefix = "uav1"
	b := New(cfg, WithClient(broker))
	require.NoError(t, b.Connect(context.Background()))
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestBridge_ConnectError(t *testing.T) {
	broker := newFakeBroker()
	broker.connectErr = errors.New("connection refused")

	b := New(Config{}, WithClient(broker))
	err := b.Connect(context.Background())
	assert.ErrorContains(t, err, "connection refused")
	assert.False(t, b.IsConnected())
}

func TestBridge_ConnectAfterClose(t *testing.T) {
	b := New(Config{}, WithClient(newFakeBroker()))
	require.NoError(t, b.Close())
	require.NoError(t, b.Close())

	assert.ErrorIs(t, b.Connect(context.Background()), ErrStopped)
}

func TestBridge_PublishRequiresConnection(t *testing.T) {
	b := New(Config{}, WithClient(newFakeBroker()))
	assert.ErrorIs(t, b.Publish("mavros/cmd", struct{}{}), ErrNotConnected)
	assert.ErrorIs(t, b.Subscribe("mavros/state", func([]byte) {}), ErrNotConnected)
}

func TestBridge_SubscribeAndPublishUsePrefix(t *testing.T) {
	a := assert.New(t)

	broker := newFakeBroker()
	b := newBridge(t, broker, Config{})

	got := make(chan []byte, 1)
	require.NoError(t, b.Subscribe("mavros/state", func(payload []byte) { got <- payload }))
	require.NoError(t, b.Publish("mavros/state", map[string]bool{"armed": true}))

	select {
	case payload := <-got:
		a.JSONEq(`{"armed":true}`, string(payload))
	case <-time.After(time.Second):
		t.Fatal("message not delivered")
	}

	broker.mu.Lock()
	_, ok := broker.handlers["uav1/mavros/state"]
	broker.mu.Unlock()
	a.True(ok)
}

func TestBridge_CallCorrelatesResponse(t *testing.T) {
	a := assert.New(t)
	r := require.New(t)

	// given
	broker := newFakeBroker()
	b := newBridge(t, broker, Config{CallTimeout: time.Second})

	broker.serve("uav1", "mavros/cmd/arming", func(payload json.RawMessage) (any, string) {
		var req struct {
			Value bool `json:"value"`
		}
		_ = json.Unmarshal(payload, &req)
		return map[string]any{"success": req.Value, "result": 0}, ""
	})

	// when
	var resp struct {
		Success bool `json:"success"`
	}
	err := b.Call(context.Background(), "mavros/cmd/arming", map[string]bool{"value": true}, &resp)

	// then
	r.NoError(err)
	a.True(resp.Success)

	b.pendingMu.Lock()
	a.Empty(b.pending)
	b.pendingMu.Unlock()
}

func TestBridge_ConcurrentCalls(t *testing.T) {
	broker := newFakeBroker()
	b := newBridge(t, broker, Config{CallTimeout: time.Second})

	broker.serve("uav1", "echo", func(payload json.RawMessage) (any, string) {
		var n int
		_ = json.Unmarshal(payload, &n)
		return n, ""
	})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()

			var got int
			assert.NoError(t, b.Call(context.Background(), "echo", i, &got))
			assert.Equal(t, i, got)
		}(i)
	}
	wg.Wait()
}

func TestBridge_CallRemoteError(t *testing.T) {
	broker := newFakeBroker()
	b := newBridge(t, broker, Config{CallTimeout: time.Second})

	broker.serve("uav1", "mavros/set_mode", func(json.RawMessage) (any, string) {
		return nil, "service unavailable"
	})

	err := b.Call(context.Background(), "mavros/set_mode", struct{}{}, nil)

	var remoteErr *RemoteError
	require.ErrorAs(t, err, &remoteErr)
	assert.Equal(t, "mavros/set_mode", remoteErr.Service)
}

func TestBridge_CallTimeout(t *testing.T) {
	b := newBridge(t, newFakeBroker(), Config{CallTimeout: 50 * time.Millisecond})

	start := time.Now()
	err := b.Call(context.Background(), "nobody/listens", struct{}{}, nil)
	assert.ErrorContains(t, err, "no response")
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestBridge_CallCancelled(t *testing.T) {
	b := newBridge(t, newFakeBroker(), Config{CallTimeout: 10 * time.Second})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := b.Call(ctx, "nobody/listens", struct{}{}, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestBridge_WaitForRetainedAvailability(t *testing.T) {
	broker := newFakeBroker()
	broker.retained["uav1/srv/mavros/cmd/arming/available"] = []byte("true")

	b := newBridge(t, broker, Config{})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, b.WaitForService(ctx, "mavros/cmd/arming"))

	// a second wait reuses the subscription
	assert.NoError(t, b.WaitForService(ctx, "mavros/cmd/arming"))
}

func TestBridge_WaitForServiceAnnouncedLater(t *testing.T) {
	broker := newFakeBroker()
	b := newBridge(t, broker, Config{})

	go func() {
		time.Sleep(10 * time.Millisecond)
		broker.Publish("uav1/srv/gazebo/reset_world/available", 1, true, []byte("false"))
		time.Sleep(10 * time.Millisecond)
		broker.Publish("uav1/srv/gazebo/reset_world/available", 1, true, []byte("1"))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, b.WaitForService(ctx, "gazebo/reset_world"))
}

func TestBridge_WaitForServiceTimeout(t *testing.T) {
	b := newBridge(t, newFakeBroker(), Config{})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := b.WaitForService(ctx, "gazebo/reset_world")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestBridge_ReconnectRestoresSubscriptions(t *testing.T) {
	a := assert.New(t)
	r := require.New(t)

	// given a bridge with telemetry, response and availability subscriptions
	broker := newFakeBroker()
	broker.retained["uav1/srv/mavros/cmd/arming/available"] = []byte("true")
	b := newBridge(t, broker, Config{CallTimeout: time.Second})

	got := make(chan []byte, 1)
	r.NoError(b.Subscribe("mavros/state", func(payload []byte) { got <- payload }))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	r.NoError(b.WaitForService(ctx, "mavros/cmd/arming"))

	broker.serve("uav1", "mavros/cmd/arming", func(json.RawMessage) (any, string) {
		return map[string]bool{"success": true}, ""
	})
	r.NoError(b.Call(ctx, "mavros/cmd/arming", struct{}{}, nil))

	// when the broker drops the session and the client reconnects
	broker.dropSession()
	broker.serve("uav1", "mavros/cmd/arming", func(json.RawMessage) (any, string) {
		return map[string]bool{"success": true}, ""
	})
	b.onConnect()

	// then every subscription is back
	a.True(broker.subscribed("uav1/mavros/state"))
	a.True(broker.subscribed("uav1/srv/mavros/cmd/arming/response"))
	a.True(broker.subscribed("uav1/srv/mavros/cmd/arming/available"))

	r.NoError(b.Publish("mavros/state", map[string]bool{"armed": true}))
	select {
	case payload := <-got:
		a.JSONEq(`{"armed":true}`, string(payload))
	case <-time.After(time.Second):
		t.Fatal("telemetry not delivered after reconnect")
	}

	a.NoError(b.Call(ctx, "mavros/cmd/arming", struct{}{}, nil))
}
