package emitter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/care/fallguard/internal/config"
	"github.com/care/fallguard/internal/types"
)

var (
	ErrNotConnected   = errors.New("emitter: mqtt not connected")
	ErrPublishTimeout = errors.New("emitter: publish timeout")
)

const publishTimeout = 2 * time.Second

// MQTTEmitter publishes surfaced events and status messages to the broker.
// Its client is shared with the ingest subscriber and the control plane.
type MQTTEmitter struct {
	cfg    *config.Config
	Client mqtt.Client

	mu        sync.RWMutex
	published map[string]uint64 // count per topic
	errors    uint64
	connected bool
}

// NewMQTTEmitter creates a new MQTT emitter
func NewMQTTEmitter(cfg *config.Config) *MQTTEmitter {
	return &MQTTEmitter{
		cfg:       cfg,
		published: make(map[string]uint64),
	}
}

// NewWithClient wraps an already connected client
func NewWithClient(cfg *config.Config, client mqtt.Client) *MQTTEmitter {
	e := NewMQTTEmitter(cfg)
	e.Client = client
	e.connected = client.IsConnected()
	return e
}

// BrokerURL adds the tcp scheme when the broker is given as host:port
func BrokerURL(broker string) string {
	if strings.Contains(broker, "://") {
		return broker
	}
	return "tcp://" + broker
}

// Connect establishes connection to MQTT broker. onConnect runs after every
// (re)connection, which is where subscriptions must be renewed.
func (e *MQTTEmitter) Connect(ctx context.Context, onConnect func(mqtt.Client)) error {
	clientID := fmt.Sprintf("%s-%s", e.cfg.ServiceID, uuid.NewString()[:8])

	opts := mqtt.NewClientOptions()
	opts.AddBroker(BrokerURL(e.cfg.MQTT.Broker))
	opts.SetClientID(clientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetCleanSession(true)

	opts.OnConnect = func(c mqtt.Client) {
		e.mu.Lock()
		e.connected = true
		e.mu.Unlock()
		slog.Info("mqtt connection established",
			"broker", e.cfg.MQTT.Broker,
			"client_id", clientID)
		if onConnect != nil {
			onConnect(c)
		}
	}

	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		e.mu.Lock()
		e.connected = false
		e.mu.Unlock()
		slog.Warn("mqtt connection lost, will auto-reconnect",
			"error", err,
			"broker", e.cfg.MQTT.Broker)
	}

	e.Client = mqtt.NewClient(opts)

	slog.Info("connecting to mqtt broker", "broker", e.cfg.MQTT.Broker)

	token := e.Client.Connect()
	if err := waitToken(ctx, token, 5*time.Second); err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}

	e.mu.Lock()
	e.connected = true
	e.mu.Unlock()

	return nil
}

// Name identifies the emitter as a notification sink
func (e *MQTTEmitter) Name() string {
	return "mqtt"
}

// Deliver publishes a surfaced event on the events topic
func (e *MQTTEmitter) Deliver(ctx context.Context, n types.Notification) error {
	payload, err := n.ToJSON()
	if err != nil {
		e.countError()
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	return e.publish(ctx, e.cfg.MQTT.Topics.Events, e.cfg.MQTT.QoS["events"], payload)
}

// PublishStatus publishes a control plane response or status message
func (e *MQTTEmitter) PublishStatus(payload []byte) error {
	return e.publish(context.Background(), e.cfg.MQTT.Topics.Status, e.cfg.MQTT.QoS["status"], payload)
}

func (e *MQTTEmitter) publish(ctx context.Context, topic string, qos byte, payload []byte) error {
	if !e.isConnected() {
		e.countError()
		return ErrNotConnected
	}

	token := e.Client.Publish(topic, qos, false, payload)
	if err := waitToken(ctx, token, publishTimeout); err != nil {
		e.countError()
		return fmt.Errorf("publish to %s: %w", topic, err)
	}

	e.mu.Lock()
	e.published[topic]++
	e.mu.Unlock()

	slog.Debug("mqtt message published",
		"topic", topic,
		"qos", qos,
		"size", len(payload),
	)

	return nil
}

// waitToken waits for a paho token, the timeout or ctx, whichever ends first
func waitToken(ctx context.Context, token mqtt.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-token.Done():
		return token.Error()
	case <-timer.C:
		return ErrPublishTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Disconnect closes the MQTT connection
func (e *MQTTEmitter) Disconnect() error {
	if e.Client != nil && e.Client.IsConnected() {
		e.Client.Disconnect(250) // 250ms grace period
		slog.Info("mqtt disconnected")
	}

	e.mu.Lock()
	e.connected = false
	e.mu.Unlock()

	return nil
}

// Stats returns emitter statistics
func (e *MQTTEmitter) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	published := make(map[string]uint64, len(e.published))
	for k, v := range e.published {
		published[k] = v
	}

	return Stats{
		Connected: e.connected,
		Published: published,
		Errors:    e.errors,
	}
}

// Stats contains emitter statistics
type Stats struct {
	Connected bool              `json:"connected"`
	Published map[string]uint64 `json:"published"`
	Errors    uint64            `json:"errors"`
}

func (e *MQTTEmitter) isConnected() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.connected
}

func (e *MQTTEmitter) countError() {
	e.mu.Lock()
	e.errors++
	e.mu.Unlock()
}
