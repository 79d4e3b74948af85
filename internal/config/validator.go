package config

import (
	"fmt"
	"regexp"

	"github.com/care/fallguard/internal/engine"
	"github.com/care/fallguard/internal/tracking"
)

var serviceIDPattern = regexp.MustCompile(`^[a-z0-9\-]+$`)

// Validate checks if the configuration is valid and fills in defaults
func Validate(cfg *Config) error {
	// Validate service_id
	if cfg.ServiceID == "" {
		return fmt.Errorf("service_id is required")
	}
	if !serviceIDPattern.MatchString(cfg.ServiceID) {
		return fmt.Errorf("service_id must match pattern [a-z0-9-]+")
	}

	if cfg.ShutdownTimeoutS <= 0 {
		cfg.ShutdownTimeoutS = 5
	}
	if cfg.HealthPort == "" {
		cfg.HealthPort = "8080"
	}

	if err := ValidateTracking(&cfg.Tracking); err != nil {
		return fmt.Errorf("tracking: %w", err)
	}

	// Validate MQTT broker
	if cfg.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required")
	}
	switch cfg.MQTT.PayloadFormat {
	case "":
		cfg.MQTT.PayloadFormat = "json"
	case "json", "msgpack":
	default:
		return fmt.Errorf("mqtt.payload_format must be json or msgpack, got %q", cfg.MQTT.PayloadFormat)
	}

	// Set default topics if not provided
	if cfg.MQTT.Topics.Detections == "" {
		cfg.MQTT.Topics.Detections = "object-detection/objects"
	}
	if cfg.MQTT.Topics.Events == "" {
		cfg.MQTT.Topics.Events = "event-detection/event"
	}
	if cfg.MQTT.Topics.Control == "" {
		cfg.MQTT.Topics.Control = fmt.Sprintf("care/control/%s", cfg.ServiceID)
	}
	if cfg.MQTT.Topics.Status == "" {
		cfg.MQTT.Topics.Status = fmt.Sprintf("care/status/%s", cfg.ServiceID)
	}

	// Set default QoS if not provided
	defaultQoS := map[string]byte{
		"detections": 0,
		"events":     1,
		"control":    1,
		"status":     0,
	}
	if cfg.MQTT.QoS == nil {
		cfg.MQTT.QoS = make(map[string]byte, len(defaultQoS))
	}
	for k, v := range defaultQoS {
		if _, ok := cfg.MQTT.QoS[k]; !ok {
			cfg.MQTT.QoS[k] = v
		}
	}
	for k, v := range cfg.MQTT.QoS {
		if v > 2 {
			return fmt.Errorf("mqtt.qos.%s must be 0, 1 or 2, got %d", k, v)
		}
	}

	if err := ValidateNotifier(&cfg.Notifier); err != nil {
		return fmt.Errorf("notifier: %w", err)
	}

	// 0 means "not set"; a negative value keeps events forever
	if cfg.Journal.RetentionDays == 0 {
		cfg.Journal.RetentionDays = 30
	}

	return nil
}

// ValidateTracking fills the matcher and policy defaults and checks the
// values. Numeric ranges are owned by the engine.
func ValidateTracking(t *TrackingConfig) error {
	if t.Matcher == "" {
		t.Matcher = tracking.MatcherLegacy
	}
	if _, err := tracking.NewMatcher(t.Matcher); err != nil {
		return err
	}

	switch engine.Policy(t.InvalidDetections) {
	case "":
		t.InvalidDetections = string(engine.PolicyDrop)
	case engine.PolicyDrop, engine.PolicyReject:
	default:
		return fmt.Errorf("invalid_detections must be drop or reject, got %q", t.InvalidDetections)
	}

	return engine.ValidateTuning(t.Thresholds(), t.CooldownS)
}

// ValidateNotifier fills delivery defaults
func ValidateNotifier(n *NotifierConfig) error {
	if n.Workers <= 0 {
		n.Workers = 4
	}
	if n.QueueSize <= 0 {
		n.QueueSize = 64
	}
	if n.TimeoutS <= 0 {
		n.TimeoutS = 5
	}
	// 0 means "not set"; a negative value disables retries
	switch {
	case n.MaxRetries == 0:
		n.MaxRetries = 3
	case n.MaxRetries < 0:
		n.MaxRetries = 0
	}
	if n.RetryDelayMs <= 0 {
		n.RetryDelayMs = 500
	}
	if n.MaxRetryDelayMs <= 0 {
		n.MaxRetryDelayMs = 10000
	}
	if n.MaxRetryDelayMs < n.RetryDelayMs {
		return fmt.Errorf("max_retry_delay_ms (%d) must be >= retry_delay_ms (%d)", n.MaxRetryDelayMs, n.RetryDelayMs)
	}
	return nil
}
