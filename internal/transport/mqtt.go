package transport

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/care/fingerprint/internal/config"
)

// MQTT is a Channel backed by a paho client.
//
// Connection loss is handled by paho's auto-reconnect (bounded by
// Reconnect.MaxDelay); subscriptions are re-issued on every (re)connect.
// While disconnected Publish fails immediately with ErrTransport.
type MQTT struct {
	cfg    config.MQTTConfig
	topics []string

	dispatcher *Dispatcher

	mu        sync.RWMutex
	client    mqtt.Client
	connected bool
	published map[string]uint64
	errors    uint64
	closed    bool
}

// MQTTStats contains adapter statistics
type MQTTStats struct {
	Connected  bool
	Published  map[string]uint64
	Errors     uint64
	Dispatcher DispatcherStats
}

// NewMQTT creates an adapter that subscribes to topics once connected.
func NewMQTT(cfg config.MQTTConfig, topics ...string) *MQTT {
	return &MQTT{
		cfg:        cfg,
		topics:     topics,
		dispatcher: NewDispatcher(cfg.InboxSize),
		published:  make(map[string]uint64),
	}
}

// OnMessage implements Channel.
func (m *MQTT) OnMessage(h Handler) {
	m.dispatcher.SetHandler(h)
}

// Connect establishes connection to the MQTT broker, retrying with
// backoff, and starts the dispatcher.
func (m *MQTT) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(brokerURL(m.cfg.Broker))
	opts.SetClientID(m.cfg.ClientID)
	if m.cfg.Username != "" {
		opts.SetUsername(m.cfg.Username)
		opts.SetPassword(m.cfg.Password)
	}
	opts.SetOrderMatters(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(false) // initial attempts are driven by RunWithReconnect
	opts.SetMaxReconnectInterval(m.cfg.Reconnect.MaxDelay)
	opts.SetConnectTimeout(m.cfg.ConnectTimeout)

	opts.OnConnect = func(c mqtt.Client) {
		m.mu.Lock()
		m.connected = true
		m.mu.Unlock()
		slog.Info("mqtt connection established",
			"broker", m.cfg.Broker,
			"client_id", m.cfg.ClientID,
			"auto_reconnect", "enabled")
		m.subscribe(c)
	}

	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		m.mu.Lock()
		m.connected = false
		m.mu.Unlock()
		slog.Warn("mqtt connection lost, will auto-reconnect",
			"error", err,
			"broker", m.cfg.Broker,
			"max_retry_interval", m.cfg.Reconnect.MaxDelay.String())
	}

	opts.OnReconnecting = func(c mqtt.Client, o *mqtt.ClientOptions) {
		slog.Info("mqtt reconnecting", "broker", m.cfg.Broker)
	}

	client := mqtt.NewClient(opts)

	m.mu.Lock()
	m.client = client
	m.mu.Unlock()

	go m.dispatcher.Run(ctx)

	slog.Info("connecting to mqtt broker", "broker", m.cfg.Broker)

	_, err := RunWithReconnect(ctx, func(ctx context.Context) error {
		token := client.Connect()
		if !token.WaitTimeout(m.cfg.ConnectTimeout) {
			return fmt.Errorf("mqtt connection timeout")
		}
		if err := token.Error(); err != nil {
			return fmt.Errorf("mqtt connection failed: %w", err)
		}
		return nil
	}, m.cfg.Reconnect)
	return err
}

// subscribe issues the subscriptions without blocking the paho callback.
func (m *MQTT) subscribe(c mqtt.Client) {
	for _, topic := range m.topics {
		topic := topic
		token := c.Subscribe(topic, m.cfg.QoS, m.onMessage)
		go func() {
			if !token.WaitTimeout(m.cfg.ConnectTimeout) {
				slog.Error("mqtt subscription timeout", "topic", topic)
				return
			}
			if err := token.Error(); err != nil {
				slog.Error("mqtt subscription failed", "topic", topic, "error", err)
				return
			}
			slog.Info("subscribed", "topic", topic, "qos", m.cfg.QoS)
		}()
	}
}

// onMessage is called by paho for every message on a subscribed topic.
func (m *MQTT) onMessage(_ mqtt.Client, msg mqtt.Message) {
	payload := make([]byte, len(msg.Payload()))
	copy(payload, msg.Payload())

	slog.Debug("mqtt message received", "topic", msg.Topic(), "size", len(payload))

	m.dispatcher.Deliver(Message{
		Topic:      msg.Topic(),
		Payload:    payload,
		ReceivedAt: time.Now(),
	})
}

// Publish implements Channel. It fails fast with ErrTransport when the
// connection is down.
func (m *MQTT) Publish(topic string, payload []byte) error {
	m.mu.RLock()
	client, connected := m.client, m.connected
	m.mu.RUnlock()

	if client == nil || !connected {
		m.countError()
		return fmt.Errorf("%w: mqtt not connected", ErrTransport)
	}

	token := client.Publish(topic, m.cfg.QoS, false, payload)
	if !token.WaitTimeout(m.cfg.PublishTimeout) {
		m.countError()
		return fmt.Errorf("%w: publish timeout", ErrTransport)
	}
	if err := token.Error(); err != nil {
		m.countError()
		return fmt.Errorf("%w: publish failed: %v", ErrTransport, err)
	}

	m.mu.Lock()
	m.published[topic]++
	m.mu.Unlock()

	slog.Debug("mqtt message published", "topic", topic, "qos", m.cfg.QoS, "size", len(payload))
	return nil
}

// IsConnected implements Channel.
func (m *MQTT) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected
}

// Close disconnects from the broker.
func (m *MQTT) Close() error {
	m.mu.Lock()
	client := m.client
	already := m.closed
	m.closed = true
	m.connected = false
	m.mu.Unlock()

	if already || client == nil {
		return nil
	}

	if client.IsConnected() {
		for _, topic := range m.topics {
			token := client.Unsubscribe(topic)
			token.WaitTimeout(time.Second)
		}
		client.Disconnect(250) // 250ms grace period
		slog.Info("mqtt disconnected")
	}
	return nil
}

// Stats returns adapter statistics
func (m *MQTT) Stats() MQTTStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	published := make(map[string]uint64, len(m.published))
	for k, v := range m.published {
		published[k] = v
	}

	return MQTTStats{
		Connected:  m.connected,
		Published:  published,
		Errors:     m.errors,
		Dispatcher: m.dispatcher.Stats(),
	}
}

func (m *MQTT) countError() {
	m.mu.Lock()
	m.errors++
	m.mu.Unlock()
}

// brokerURL accepts "host:port" or a full URL.
func brokerURL(broker string) string {
	if strings.Contains(broker, "://") {
		return broker
	}
	return "tcp://" + broker
}
