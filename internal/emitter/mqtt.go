// Package emitter mirrors broker events to an MQTT broker so other systems
// can follow the feed without holding an event stream open.
package emitter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/kalambet/drinkwatch/internal/broker"
)

// Config describes the MQTT connection.
type Config struct {
	Broker   string // host:port
	Topic    string // events go to <Topic>/<event name>
	ClientID string
	Username string
	Password string
	QoS      byte
}

type message struct {
	topic   string
	payload []byte
}

// wireEvent is the JSON body of a mirrored event.
type wireEvent struct {
	Event  string `json:"event"`
	Data   string `json:"data"`
	ID     string `json:"id,omitempty"`
	Target string `json:"target,omitempty"`
}

// MQTTMirror publishes a copy of every broker event. Mirror only enqueues;
// a background goroutine started by Run does the network I/O, and failures
// are logged without affecting local delivery.
type MQTTMirror struct {
	cfg    Config
	client mqtt.Client
	queue  chan message
	logger *slog.Logger

	// publish sends one message; Connect points it at the MQTT client.
	publish func(topic string, payload []byte) error

	mu        sync.RWMutex
	connected bool
	published uint64
	dropped   uint64
	errors    uint64
}

func NewMQTTMirror(cfg Config) *MQTTMirror {
	if cfg.ClientID == "" {
		cfg.ClientID = "drinkwatch-" + uuid.NewString()[:8]
	}
	return &MQTTMirror{
		cfg:    cfg,
		queue:  make(chan message, 64),
		logger: slog.Default(),
	}
}

// Connect establishes the connection. The client reconnects on its own after
// a connection loss.
func (m *MQTTMirror) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s", m.cfg.Broker))
	opts.SetClientID(m.cfg.ClientID)
	if m.cfg.Username != "" {
		opts.SetUsername(m.cfg.Username)
		opts.SetPassword(m.cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(mqtt.Client) {
		m.setConnected(true)
		m.logger.Info("mqtt connection established", "broker", m.cfg.Broker, "client_id", m.cfg.ClientID)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		m.setConnected(false)
		m.logger.Warn("mqtt connection lost, will auto-reconnect", "broker", m.cfg.Broker, "error", err)
	}

	m.client = mqtt.NewClient(opts)
	m.logger.Info("connecting to mqtt broker", "broker", m.cfg.Broker)

	token := m.client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(5 * time.Second):
		return fmt.Errorf("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}

	m.publish = func(topic string, payload []byte) error {
		token := m.client.Publish(topic, m.cfg.QoS, false, payload)
		if !token.WaitTimeout(2 * time.Second) {
			return fmt.Errorf("publish timeout")
		}
		return token.Error()
	}
	m.setConnected(true)
	return nil
}

// Mirror implements broker.Mirror. It never blocks: when the queue is full
// the event is dropped.
func (m *MQTTMirror) Mirror(ev broker.Event, target uuid.UUID) {
	name := ev.Name
	if name == "" {
		name = "update"
	}
	body := wireEvent{Event: name, Data: ev.Data, ID: ev.ID}
	if target != uuid.Nil {
		body.Target = target.String()
	}
	payload, err := json.Marshal(body)
	if err != nil {
		m.countError()
		return
	}

	select {
	case m.queue <- message{topic: m.cfg.Topic + "/" + name, payload: payload}:
	default:
		m.mu.Lock()
		m.dropped++
		m.mu.Unlock()
		m.logger.Warn("mqtt mirror queue full, dropping event", "event", name)
	}
}

// Run publishes queued events until ctx is cancelled.
func (m *MQTTMirror) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-m.queue:
			if m.publish == nil {
				m.countError()
				continue
			}
			if err := m.publish(msg.topic, msg.payload); err != nil {
				m.countError()
				m.logger.Warn("mqtt mirror publish failed", "topic", msg.topic, "error", err)
				continue
			}
			m.mu.Lock()
			m.published++
			m.mu.Unlock()
			m.logger.Debug("event mirrored", "topic", msg.topic, "size", len(msg.payload))
		}
	}
}

// Disconnect closes the MQTT connection.
func (m *MQTTMirror) Disconnect() {
	if m.client != nil && m.client.IsConnected() {
		m.client.Disconnect(250)
		m.logger.Info("mqtt disconnected")
	}
	m.setConnected(false)
}

// Stats contains mirror statistics.
type Stats struct {
	Connected bool
	Published uint64
	Dropped   uint64
	Errors    uint64
}

func (m *MQTTMirror) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Stats{Connected: m.connected, Published: m.published, Dropped: m.dropped, Errors: m.errors}
}

func (m *MQTTMirror) setConnected(v bool) {
	m.mu.Lock()
	m.connected = v
	m.mu.Unlock()
}

func (m *MQTTMirror) countError() {
	m.mu.Lock()
	m.errors++
	m.mu.Unlock()
}
