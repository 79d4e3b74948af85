package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/care/fallguard/internal/engine"
	"github.com/care/fallguard/internal/tracking"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fallguard.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, `
service_id: ward-3
mqtt:
  broker: tcp://localhost:1883
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 5*time.Second, cfg.ShutdownTimeout())
	assert.Equal(t, "8080", cfg.HealthPort)

	assert.Equal(t, tracking.MatcherLegacy, cfg.Tracking.Matcher)
	assert.Equal(t, "drop", cfg.Tracking.InvalidDetections)
	assert.Equal(t, tracking.DefaultThresholds(), cfg.Tracking.Thresholds())
	assert.Equal(t, 120.0, cfg.Tracking.CooldownS)

	assert.Equal(t, "json", cfg.MQTT.PayloadFormat)
	assert.Equal(t, MQTTTopics{
		Detections: "object-detection/objects",
		Events:     "event-detection/event",
		Control:    "care/control/ward-3",
		Status:     "care/status/ward-3",
	}, cfg.MQTT.Topics)
	assert.Equal(t, byte(1), cfg.MQTT.QoS["events"])
	assert.Equal(t, byte(0), cfg.MQTT.QoS["detections"])

	assert.Equal(t, NotifierConfig{
		Workers:         4,
		QueueSize:       64,
		TimeoutS:        5,
		MaxRetries:      3,
		RetryDelayMs:    500,
		MaxRetryDelayMs: 10000,
	}, cfg.Notifier)
	assert.Equal(t, 500*time.Millisecond, cfg.Notifier.RetryDelay())
	assert.Equal(t, 10*time.Second, cfg.Notifier.MaxRetryDelay())
	assert.Equal(t, 5*time.Second, cfg.Notifier.Timeout())

	assert.Empty(t, cfg.Journal.Path)
	assert.Equal(t, 30*24*time.Hour, cfg.Journal.Retention())
	assert.False(t, cfg.Diagnostics.Enabled)
}

func TestLoad_Full(t *testing.T) {
	path := writeConfig(t, `
service_id: ward-3
shutdown_timeout_s: 10
health_port: "9090"
tracking:
  matcher: hungarian
  invalid_detections: reject
  beta_coefficient: 0.8
  horizontal_fall_s: 1.5
  vertical_fall_s: 2.5
  stillness_s: 30
  cooldown_s: 60
mqtt:
  broker: tcp://broker:1883
  payload_format: msgpack
  topics:
    detections: cams/+/objects
  qos:
    detections: 1
notifier:
  url: http://pager.local/hook
  workers: 2
  max_retries: -1
journal:
  path: /var/lib/fallguard/events.db
  retention_days: -1
diagnostics:
  enabled: true
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 10*time.Second, cfg.ShutdownTimeout())
	assert.Equal(t, "9090", cfg.HealthPort)
	assert.Equal(t, engine.Config{
		Matcher: tracking.MatcherHungarian,
		Thresholds: tracking.Thresholds{
			BetaCoefficient: 0.8,
			HorizontalFall:  1.5,
			VerticalFall:    2.5,
			Stillness:       30,
		},
		Cooldown:          60,
		InvalidDetections: engine.PolicyReject,
	}, cfg.Tracking.Engine())

	assert.Equal(t, "msgpack", cfg.MQTT.PayloadFormat)
	assert.Equal(t, "cams/+/objects", cfg.MQTT.Topics.Detections)
	assert.Equal(t, byte(1), cfg.MQTT.QoS["detections"], "explicit QoS kept")
	assert.Equal(t, byte(1), cfg.MQTT.QoS["control"], "missing QoS filled")

	assert.Equal(t, "http://pager.local/hook", cfg.Notifier.URL)
	assert.Equal(t, 2, cfg.Notifier.Workers)
	assert.Equal(t, 0, cfg.Notifier.MaxRetries, "negative disables retries")
	assert.Equal(t, "/var/lib/fallguard/events.db", cfg.Journal.Path)
	assert.Zero(t, cfg.Journal.Retention(), "negative keeps events forever")
	assert.True(t, cfg.Diagnostics.Enabled)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr string
	}{
		{"missing_service_id", "mqtt: {broker: x}", "service_id is required"},
		{"bad_service_id", "service_id: Ward_3\nmqtt: {broker: x}", "service_id must match"},
		{"missing_broker", "service_id: ward-3", "mqtt.broker is required"},
		{"bad_format", "service_id: ward-3\nmqtt: {broker: x, payload_format: xml}", "payload_format"},
		{"bad_qos", "service_id: ward-3\nmqtt: {broker: x, qos: {events: 3}}", "mqtt.qos.events"},
		{"bad_matcher", "service_id: ward-3\nmqtt: {broker: x}\ntracking: {matcher: kalman}", "unknown matcher"},
		{"bad_policy", "service_id: ward-3\nmqtt: {broker: x}\ntracking: {invalid_detections: ignore}", "invalid_detections"},
		{"bad_beta", "service_id: ward-3\nmqtt: {broker: x}\ntracking: {beta_coefficient: 1.5}", "beta coefficient"},
		{"zero_beta", "service_id: ward-3\nmqtt: {broker: x}\ntracking: {beta_coefficient: 0}", "beta coefficient"},
		{"negative_duration", "service_id: ward-3\nmqtt: {broker: x}\ntracking: {stillness_s: -1}", "durations"},
		{"bad_backoff", "service_id: ward-3\nmqtt: {broker: x}\nnotifier: {retry_delay_ms: 5000, max_retry_delay_ms: 100}", "max_retry_delay_ms"},
		{"bad_yaml", "service_id: [", "failed to parse config"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestLoad_ExplicitZeroTunables(t *testing.T) {
	cfg, err := Parse([]byte(`
service_id: ward-3
mqtt:
  broker: localhost:1883
tracking:
  horizontal_fall_s: 0
  cooldown_s: 0
`))
	require.NoError(t, err)

	assert.Equal(t, 0.0, cfg.Tracking.CooldownS, "explicit zero is not replaced by the default")
	assert.Equal(t, 0.0, cfg.Tracking.HorizontalFallS)
	assert.Equal(t, tracking.DefaultThresholds().VerticalFall, cfg.Tracking.VerticalFallS, "absent keys keep defaults")
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
