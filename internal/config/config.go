package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/care/fallguard/internal/engine"
	"github.com/care/fallguard/internal/tracking"
)

// Config represents the complete fallguard configuration
type Config struct {
	ServiceID        string            `yaml:"service_id"`
	ShutdownTimeoutS int               `yaml:"shutdown_timeout_s"` // Graceful shutdown timeout in seconds (default: 5)
	HealthPort       string            `yaml:"health_port"`        // default: 8080
	Tracking         TrackingConfig    `yaml:"tracking"`
	MQTT             MQTTConfig        `yaml:"mqtt"`
	Notifier         NotifierConfig    `yaml:"notifier"`
	Journal          JournalConfig     `yaml:"journal"`
	Diagnostics      DiagnosticsConfig `yaml:"diagnostics"`
}

// TrackingConfig tunes the fall-detection engine
type TrackingConfig struct {
	Matcher           string  `yaml:"matcher"`            // legacy, unique, hungarian
	InvalidDetections string  `yaml:"invalid_detections"` // drop, reject
	BetaCoefficient   float64 `yaml:"beta_coefficient"`
	HorizontalFallS   float64 `yaml:"horizontal_fall_s"`
	VerticalFallS     float64 `yaml:"vertical_fall_s"`
	StillnessS        float64 `yaml:"stillness_s"`
	CooldownS         float64 `yaml:"cooldown_s"`
}

// MQTTConfig contains MQTT broker settings
type MQTTConfig struct {
	Broker        string          `yaml:"broker"`
	PayloadFormat string          `yaml:"payload_format"` // json, msgpack
	Topics        MQTTTopics      `yaml:"topics"`
	QoS           map[string]byte `yaml:"qos"`
}

// MQTTTopics contains topic names
type MQTTTopics struct {
	Detections string `yaml:"detections"`
	Events     string `yaml:"events"`
	Control    string `yaml:"control"`
	Status     string `yaml:"status"`
}

// NotifierConfig controls outbound delivery of surfaced events
type NotifierConfig struct {
	URL             string `yaml:"url"` // HTTP webhook, empty disables it
	Workers         int    `yaml:"workers"`
	QueueSize       int    `yaml:"queue_size"`
	TimeoutS        int    `yaml:"timeout_s"`
	MaxRetries      int    `yaml:"max_retries"`
	RetryDelayMs    int    `yaml:"retry_delay_ms"`
	MaxRetryDelayMs int    `yaml:"max_retry_delay_ms"`
}

// JournalConfig enables the SQLite event journal
type JournalConfig struct {
	Path          string `yaml:"path"`           // empty disables the journal
	RetentionDays int    `yaml:"retention_days"` // default 30, negative keeps events forever
}

// DiagnosticsConfig enables the person snapshot websocket
type DiagnosticsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Load reads and parses a YAML configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML document. Tracking tunables absent from
// the document keep their defaults; an explicit 0 is kept as 0.
func Parse(data []byte) (*Config, error) {
	cfg := Config{Tracking: DefaultTracking()}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// DefaultTracking returns the stock tracking section
func DefaultTracking() TrackingConfig {
	def := engine.DefaultConfig()
	return TrackingConfig{
		Matcher:           def.Matcher,
		InvalidDetections: string(def.InvalidDetections),
		BetaCoefficient:   def.Thresholds.BetaCoefficient,
		HorizontalFallS:   def.Thresholds.HorizontalFall,
		VerticalFallS:     def.Thresholds.VerticalFall,
		StillnessS:        def.Thresholds.Stillness,
		CooldownS:         def.Cooldown,
	}
}

// Thresholds converts the tracking section into state machine tuning
func (t TrackingConfig) Thresholds() tracking.Thresholds {
	return tracking.Thresholds{
		BetaCoefficient: t.BetaCoefficient,
		HorizontalFall:  t.HorizontalFallS,
		VerticalFall:    t.VerticalFallS,
		Stillness:       t.StillnessS,
	}
}

// Engine builds the engine configuration
func (t TrackingConfig) Engine() engine.Config {
	return engine.Config{
		Matcher:           t.Matcher,
		Thresholds:        t.Thresholds(),
		Cooldown:          t.CooldownS,
		InvalidDetections: engine.Policy(t.InvalidDetections),
	}
}

// ShutdownTimeout returns the graceful shutdown budget
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutS) * time.Second
}

// Retention returns how long journaled events are kept, 0 for forever
func (j JournalConfig) Retention() time.Duration {
	if j.RetentionDays <= 0 {
		return 0
	}
	return time.Duration(j.RetentionDays) * 24 * time.Hour
}

// Timeout returns the per-attempt delivery timeout
func (n NotifierConfig) Timeout() time.Duration {
	return time.Duration(n.TimeoutS) * time.Second
}

// RetryDelay returns the first backoff delay
func (n NotifierConfig) RetryDelay() time.Duration {
	return time.Duration(n.RetryDelayMs) * time.Millisecond
}

// MaxRetryDelay returns the backoff cap
func (n NotifierConfig) MaxRetryDelay() time.Duration {
	return time.Duration(n.MaxRetryDelayMs) * time.Millisecond
}
