// Package mqttbridge carries the service backend's topics and request/response
// services over an MQTT broker bridged to the flight-control middleware.
//
// Topic layout, relative to the configured prefix:
//
//	<prefix>/<topic>                    telemetry and setpoints
//	<prefix>/srv/<name>/request         service requests
//	<prefix>/srv/<name>/response        service responses
//	<prefix>/srv/<name>/available       retained availability flag
package mqttbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/roman-kulish/uavctl/internal/vehicle/service"
)

const (
	DefaultCallTimeout = 5 * time.Second

	tokenTimeout   = 5 * time.Second
	qosAtLeastOnce = byte(1)
)

var (
	ErrStopped      = errors.New("bridge stopped")
	ErrNotConnected = errors.New("mqtt client not connected")
)

var _ service.Transport = (*Bridge)(nil)

// Config configures the broker connection
type Config struct {
	Broker      string        // Broker URL, e.g. tcp://localhost:1883
	ClientID    string        // Random when empty
	Username    string
	Password    string
	TopicPrefix string        // Prepended to every topic
	CallTimeout time.Duration // Upper bound of a single service call
}

// envelope wraps service requests and responses
type envelope struct {
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// RemoteError is an error reported by the remote end of a service call
type RemoteError struct {
	Service string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("service %s: %s", e.Service, e.Message)
}

// WithLogger sets the logger for the bridge
func WithLogger(logger *slog.Logger) func(*Bridge) {
	return func(b *Bridge) {
		b.logger = logger.With(slog.String("transport", "mqtt"))
	}
}

// WithClient replaces the paho client built from Config
func WithClient(client mqtt.Client) func(*Bridge) {
	return func(b *Bridge) {
		b.client = client
	}
}

// Bridge implements service.Transport over MQTT
type Bridge struct {
	client mqtt.Client
	cfg    Config
	logger *slog.Logger

	mu        sync.RWMutex
	connected bool

	stopCh   chan struct{}
	stopOnce sync.Once

	pendingMu sync.Mutex
	pending   map[string]chan envelope

	subMu     sync.Mutex
	responses map[string]bool // services whose response topic is subscribed

	topicsMu sync.Mutex
	topics   map[string]mqtt.MessageHandler // re-issued on every reconnect

	availMu   sync.Mutex
	available map[string]chan struct{} // closed once the service is announced
}

// New creates a Bridge. Unless WithClient is given, a paho client with
// automatic reconnects is created from cfg.
func New(cfg Config, options ...func(*Bridge)) *Bridge {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "uavctl-" + uuid.NewString()[:8]
	}

	b := Bridge{
		cfg:       cfg,
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		stopCh:    make(chan struct{}),
		pending:   make(map[string]chan envelope),
		responses: make(map[string]bool),
		topics:    make(map[string]mqtt.MessageHandler),
		available: make(map[string]chan struct{}),
	}

	for _, option := range options {
		option(&b)
	}

	if b.client == nil {
		b.client = mqtt.NewClient(b.clientOptions())
	}

	return &b
}

func (b *Bridge) clientOptions() *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(b.cfg.Broker)
	opts.SetClientID(b.cfg.ClientID)
	opts.SetUsername(b.cfg.Username)
	opts.SetPassword(b.cfg.Password)

	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetKeepAlive(10 * time.Second)
	opts.SetPingTimeout(5 * time.Second)

	// With a clean session subscriptions are lost on reconnect
	opts.SetResumeSubs(false)

	opts.SetOnConnectHandler(func(_ mqtt.Client) {
		b.onConnect()
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		b.setConnected(false)
		b.logger.Warn("mqtt connection lost", slog.String("error", err.Error()))
	})

	return opts
}

// onConnect marks the bridge connected and restores every subscription
// made so far, since the broker drops them with the clean session.
func (b *Bridge) onConnect() {
	b.setConnected(true)
	b.logger.Info("mqtt connected", slog.String("broker", b.cfg.Broker))

	b.topicsMu.Lock()
	topics := make(map[string]mqtt.MessageHandler, len(b.topics))
	for topic, handler := range b.topics {
		topics[topic] = handler
	}
	b.topicsMu.Unlock()

	for topic, handler := range topics {
		if err := b.subscribe(topic, handler); err != nil {
			b.logger.Error("failed to restore mqtt subscription",
				slog.String("topic", topic),
				slog.String("error", err.Error()))
		}
	}
}

// Connect waits for the initial broker connection. It respects ctx and Close.
func (b *Bridge) Connect(ctx context.Context) error {
	select {
	case <-b.stopCh:
		return ErrStopped
	default:
	}

	if b.IsConnected() {
		return nil
	}

	token := b.client.Connect()

	const poll = 200 * time.Millisecond
	for {
		if token.WaitTimeout(poll) {
			if err := token.Error(); err != nil {
				return fmt.Errorf("mqtt connect: %w", err)
			}
			b.setConnected(true)
			return nil
		}

		select {
		case <-ctx.Done():
			b.client.Disconnect(0)
			return ctx.Err()
		case <-b.stopCh:
			b.client.Disconnect(0)
			return ErrStopped
		default:
		}
	}
}

// IsConnected returns whether the client is connected
func (b *Bridge) IsConnected() bool {
	b.mu.RLock()
	connected := b.connected
	b.mu.RUnlock()
	return connected && b.client.IsConnected()
}

// Close disconnects from the broker and fails every pending call.
// Idempotent and safe to call multiple times.
func (b *Bridge) Close() error {
	b.stopOnce.Do(func() {
		close(b.stopCh)
		b.client.Disconnect(250)
		b.setConnected(false)
		b.logger.Info("mqtt disconnected")
	})
	return nil
}

func (b *Bridge) Publish(topic string, msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", topic, err)
	}
	return b.publish(b.topic(topic), data)
}

func (b *Bridge) publish(topic string, data []byte) error {
	if !b.IsConnected() {
		return ErrNotConnected
	}

	token := b.client.Publish(topic, qosAtLeastOnce, false, data)
	if !token.WaitTimeout(tokenTimeout) {
		return fmt.Errorf("publish timeout for topic %s", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	return nil
}

func (b *Bridge) Subscribe(topic string, handler func(payload []byte)) error {
	return b.subscribe(b.topic(topic), func(_ mqtt.Client, msg mqtt.Message) {
		handler(msg.Payload())
	})
}

func (b *Bridge) subscribe(topic string, handler mqtt.MessageHandler) error {
	if !b.IsConnected() {
		return ErrNotConnected
	}

	token := b.client.Subscribe(topic, qosAtLeastOnce, handler)
	if !token.WaitTimeout(tokenTimeout) {
		return fmt.Errorf("subscribe timeout for topic %s", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribe to %s: %w", topic, err)
	}

	b.topicsMu.Lock()
	b.topics[topic] = handler
	b.topicsMu.Unlock()

	b.logger.Debug("subscribed to mqtt topic", slog.String("topic", topic))
	return nil
}

// Call publishes req to the service's request topic and waits for the
// response carrying the same correlation ID.
func (b *Bridge) Call(ctx context.Context, name string, req, resp any) error {
	if err := b.ensureResponses(name); err != nil {
		return err
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", name, err)
	}

	id := uuid.NewString()
	data, err := json.Marshal(envelope{ID: id, Payload: payload})
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", name, err)
	}

	ch := make(chan envelope, 1)
	b.pendingMu.Lock()
	b.pending[id] = ch
	b.pendingMu.Unlock()

	defer func() {
		b.pendingMu.Lock()
		delete(b.pending, id)
		b.pendingMu.Unlock()
	}()

	if err = b.publish(b.serviceTopic(name, "request"), data); err != nil {
		return err
	}

	timer := time.NewTimer(b.cfg.CallTimeout)
	defer timer.Stop()

	select {
	case env := <-ch:
		if env.Error != "" {
			return &RemoteError{Service: name, Message: env.Error}
		}
		if resp == nil || len(env.Payload) == 0 {
			return nil
		}
		if err = json.Unmarshal(env.Payload, resp); err != nil {
			return fmt.Errorf("unmarshal %s response: %w", name, err)
		}
		return nil

	case <-timer.C:
		return fmt.Errorf("service %s: no response within %s", name, b.cfg.CallTimeout)

	case <-ctx.Done():
		return ctx.Err()

	case <-b.stopCh:
		return ErrStopped
	}
}

func (b *Bridge) ensureResponses(name string) error {
	b.subMu.Lock()
	defer b.subMu.Unlock()

	if b.responses[name] {
		return nil
	}

	if err := b.subscribe(b.serviceTopic(name, "response"), b.handleResponse); err != nil {
		return err
	}
	b.responses[name] = true
	return nil
}

func (b *Bridge) handleResponse(_ mqtt.Client, msg mqtt.Message) {
	var env envelope
	if err := json.Unmarshal(msg.Payload(), &env); err != nil {
		b.logger.Warn("failed to parse service response",
			slog.String("topic", msg.Topic()),
			slog.String("error", err.Error()))
		return
	}

	b.pendingMu.Lock()
	ch, ok := b.pending[env.ID]
	b.pendingMu.Unlock()

	if !ok {
		b.logger.Debug("dropping unmatched service response", slog.String("topic", msg.Topic()), slog.String("id", env.ID))
		return
	}

	select {
	case ch <- env:
	default:
	}
}

// WaitForService blocks until the service announced itself on its retained
// availability topic, or ctx is done.
func (b *Bridge) WaitForService(ctx context.Context, name string) error {
	ch, err := b.availability(name)
	if err != nil {
		return err
	}

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("service %s unavailable: %w", name, ctx.Err())
	case <-b.stopCh:
		return ErrStopped
	}
}

func (b *Bridge) availability(name string) (<-chan struct{}, error) {
	b.availMu.Lock()
	defer b.availMu.Unlock()

	if ch, ok := b.available[name]; ok {
		return ch, nil
	}

	ch := make(chan struct{})
	var once sync.Once

	handler := func(_ mqtt.Client, msg mqtt.Message) {
		if !isTrue(msg.Payload()) {
			return
		}
		once.Do(func() {
			close(ch)
			b.logger.Debug("service available", slog.String("service", name))
		})
	}

	if err := b.subscribe(b.serviceTopic(name, "available"), handler); err != nil {
		return nil, err
	}

	b.available[name] = ch
	return ch, nil
}

func (b *Bridge) topic(name string) string {
	if b.cfg.TopicPrefix == "" {
		return name
	}
	return strings.TrimSuffix(b.cfg.TopicPrefix, "/") + "/" + name
}

func (b *Bridge) serviceTopic(name, kind string) string {
	return b.topic("srv/" + name + "/" + kind)
}

func (b *Bridge) setConnected(v bool) {
	b.mu.Lock()
	b.connected = v
	b.mu.Unlock()
}

func isTrue(payload []byte) bool {
	switch strings.TrimSpace(string(payload)) {
	case "1", "true", "\"true\"":
		return true
	default:
		return false
	}
}
