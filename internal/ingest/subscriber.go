package ingest

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/care/fallguard/internal/types"
)

// Subscriber receives detection messages and hands decoded frames to the
// service over a bounded channel. Paho callbacks never block: when the
// channel is full the newest frame is dropped and counted.
type Subscriber struct {
	mu     sync.Mutex
	client mqtt.Client // set by Subscribe

	topic   string
	qos     byte
	decoder *Decoder
	frames  chan types.FrameMessage

	received     atomic.Uint64
	dropped      atomic.Uint64
	decodeErrors atomic.Uint64
}

// NewSubscriber creates a subscriber for topic with room for buffer frames
func NewSubscriber(topic string, qos byte, decoder *Decoder, buffer int) *Subscriber {
	if buffer <= 0 {
		buffer = 64
	}
	return &Subscriber{
		topic:   topic,
		qos:     qos,
		decoder: decoder,
		frames:  make(chan types.FrameMessage, buffer),
	}
}

// Subscribe registers the message handler on client. Call again after a
// reconnect.
func (s *Subscriber) Subscribe(client mqtt.Client) error {
	s.mu.Lock()
	s.client = client
	s.mu.Unlock()

	token := client.Subscribe(s.topic, s.qos, s.HandleMessage)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("subscribe to %s: timeout", s.topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribe to %s: %w", s.topic, err)
	}

	slog.Info("subscribed to detections",
		"topic", s.topic,
		"qos", s.qos,
		"format", s.decoder.Format())
	return nil
}

// Unsubscribe stops receiving detection messages
func (s *Subscriber) Unsubscribe() {
	s.mu.Lock()
	client := s.client
	s.mu.Unlock()

	if client == nil || !client.IsConnected() {
		return
	}
	token := client.Unsubscribe(s.topic)
	token.WaitTimeout(2 * time.Second)
}

// HandleMessage is the paho callback for the detections topic
func (s *Subscriber) HandleMessage(_ mqtt.Client, msg mqtt.Message) {
	s.received.Add(1)

	frame, err := s.decoder.Decode(msg.Topic(), msg.Payload())
	if err != nil {
		s.decodeErrors.Add(1)
		slog.Warn("detection message discarded",
			"topic", msg.Topic(),
			"size", len(msg.Payload()),
			"error", err)
		return
	}

	select {
	case s.frames <- frame:
	default:
		s.dropped.Add(1)
		slog.Debug("frame dropped, consumer busy",
			"instance_id", frame.InstanceID,
			"timestamp", frame.Timestamp)
	}
}

// Frames returns the channel of decoded frames
func (s *Subscriber) Frames() <-chan types.FrameMessage {
	return s.frames
}

// Stats returns subscriber statistics
func (s *Subscriber) Stats() Stats {
	return Stats{
		Topic:        s.topic,
		Received:     s.received.Load(),
		Dropped:      s.dropped.Load(),
		DecodeErrors: s.decodeErrors.Load(),
		Pending:      len(s.frames),
	}
}

// Stats contains subscriber statistics
type Stats struct {
	Topic        string `json:"topic"`
	Received     uint64 `json:"received"`
	Dropped      uint64 `json:"dropped"`
	DecodeErrors uint64 `json:"decode_errors"`
	Pending      int    `json:"pending"`
}
