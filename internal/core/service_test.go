package core

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/care/fallguard/internal/config"
	"github.com/care/fallguard/internal/journal"
	"github.com/care/fallguard/internal/notifier"
	"github.com/care/fallguard/internal/types"
)

type recordingSink struct {
	mu  sync.Mutex
	got []types.Notification
	err error
}

func (s *recordingSink) Name() string { return "recording" }

func (s *recordingSink) Deliver(_ context.Context, n types.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.got = append(s.got, n)
	return nil
}

func (s *recordingSink) delivered() []types.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.Notification(nil), s.got...)
}

type chanSource chan types.FrameMessage

func (c chanSource) Frames() <-chan types.FrameMessage { return c }

// newTestService builds a service that never touches a broker: deliveries go
// to the returned sink instead of MQTT.
func newTestService(t *testing.T, extra string) (*Service, *recordingSink) {
	t.Helper()
	cfg, err := config.Parse([]byte(`
service_id: ward-3
mqtt:
  broker: localhost:1883
notifier:
  max_retries: -1
` + extra))
	require.NoError(t, err)

	s, err := NewService(cfg)
	require.NoError(t, err)

	sink := &recordingSink{}
	s.dispatcher = notifier.New(notifier.Config{
		Workers:   1,
		QueueSize: 8,
		Timeout:   time.Second,
		Retry:     notifier.RetryConfig{MaxRetries: -1, RetryDelay: time.Millisecond, MaxRetryDelay: time.Millisecond},
		OnDequeue: s.journalEvent,
		OnResult:  s.recordDelivery,
	}, sink)
	require.NoError(t, s.dispatcher.Start(context.Background()))

	t.Cleanup(func() {
		s.dispatcher.Close(context.Background())
		if s.journal != nil {
			s.journal.Close()
		}
	})
	return s, sink
}

func lyingFrame(id string, ts float64) types.FrameMessage {
	return types.FrameMessage{
		InstanceID: id,
		Timestamp:  ts,
		Objects:    []types.Detection{{X: 0, Y: 0, Width: 100, Height: 40}},
	}
}

func TestService_ProcessFrame_SurfacesAndJournals(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.db")
	s, sink := newTestService(t, "journal:\n  path: "+path+"\n")
	ctx := context.Background()

	for _, ts := range []float64{100, 100.5, 101.5, 102} {
		s.processFrame(lyingFrame("cam1", ts))
	}
	require.NoError(t, s.dispatcher.Close(ctx))

	got := sink.delivered()
	require.Len(t, got, 1, "the second Fallen is inside the cooldown")
	assert.Equal(t, types.EventFallen, got[0].Event)
	assert.Equal(t, "cam1", got[0].InstanceID)
	assert.Equal(t, 101.5, got[0].Timestamp)

	rec, err := s.journal.Get(ctx, got[0].ID)
	require.NoError(t, err)
	assert.Equal(t, journal.StatusDelivered, rec.Status)
	require.Len(t, rec.Deliveries, 1)
	assert.Equal(t, "recording", rec.Deliveries[0].Sink)

	assert.Equal(t, uint64(1), s.engine.Stats().Suppressed)
}

func TestService_ProcessFrame_FailedDeliveryIsJournaled(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.db")
	s, sink := newTestService(t, "journal:\n  path: "+path+"\n")
	sink.err = errors.New("endpoint down")
	ctx := context.Background()

	for _, ts := range []float64{0, 0.5, 1.5} {
		s.processFrame(lyingFrame("cam1", ts))
	}
	require.NoError(t, s.dispatcher.Close(ctx))

	recs, err := s.journal.Recent(ctx, "cam1", 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, journal.StatusFailed, recs[0].Status)
	assert.Contains(t, recs[0].LastError, "endpoint down")
}

func TestService_ProcessFrame_InvalidDetectionsDropped(t *testing.T) {
	s, sink := newTestService(t, "")

	frame := lyingFrame("cam1", 0)
	frame.Objects = append(frame.Objects, types.Detection{X: 5, Y: 5, Width: 0, Height: 10})
	s.processFrame(frame)

	persons, ok := s.engine.Persons("cam1")
	require.True(t, ok)
	assert.Len(t, persons, 1)
	assert.Equal(t, uint64(1), s.engine.Stats().InvalidDetections)
	assert.Empty(t, sink.delivered())
}

func TestService_JournalWrittenByNotifierWorker(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.db")
	s, sink := newTestService(t, "journal:\n  path: "+path+"\n")
	ctx := context.Background()

	// Stop the workers so nothing is dequeued yet.
	require.NoError(t, s.dispatcher.Close(ctx))
	s.dispatcher = notifier.New(notifier.Config{
		Workers:   1,
		QueueSize: 8,
		Timeout:   time.Second,
		OnDequeue: s.journalEvent,
		OnResult:  s.recordDelivery,
	}, sink)

	for _, ts := range []float64{0, 0.5, 1.5} {
		s.processFrame(lyingFrame("cam1", ts))
	}
	counts, err := s.journal.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, counts[journal.StatusPending]+counts[journal.StatusDelivered], "frame path does not touch the journal")

	require.NoError(t, s.dispatcher.Start(ctx))
	require.NoError(t, s.dispatcher.Close(ctx))

	got := sink.delivered()
	require.Len(t, got, 1)
	rec, err := s.journal.Get(ctx, got[0].ID)
	require.NoError(t, err)
	assert.Equal(t, journal.StatusDelivered, rec.Status)

	ev, err := s.getEvent(got[0].ID)
	require.NoError(t, err)
	assert.Equal(t, rec, ev)
}

func TestService_PruneJournal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.db")
	s, _ := newTestService(t, "journal:\n  path: "+path+"\n  retention_days: 30\n")
	ctx := context.Background()

	old := types.NewNotification("cam1", types.EventFallen, 1)
	old.SurfacedAt = time.Now().Add(-40 * 24 * time.Hour)
	fresh := types.NewNotification("cam1", types.EventFallen, 2)
	require.NoError(t, s.journal.Record(ctx, old))
	require.NoError(t, s.journal.Record(ctx, fresh))

	s.pruneJournal(ctx)

	_, err := s.journal.Get(ctx, old.ID)
	assert.ErrorIs(t, err, journal.ErrNotFound)
	_, err = s.journal.Get(ctx, fresh.ID)
	assert.NoError(t, err)

	t.Run("negative_retention_keeps_everything", func(t *testing.T) {
		s.cfg.Journal.RetentionDays = -1
		require.NoError(t, s.journal.Record(ctx, old))
		s.pruneJournal(ctx)
		_, err := s.journal.Get(ctx, old.ID)
		assert.NoError(t, err)
	})
}

func TestService_ConsumeFrames_Pause(t *testing.T) {
	s, _ := newTestService(t, "")
	src := make(chanSource)
	s.frames = src

	ctx, cancel := context.WithCancel(context.Background())
	s.wg.Add(1)
	go s.consumeFrames(ctx)

	require.NoError(t, s.pause())
	assert.Error(t, s.pause(), "already paused")
	src <- lyingFrame("cam1", 0)
	src <- lyingFrame("cam1", 0.5)
	require.Eventually(t, func() bool { return s.framesSkipped.Load() == 2 }, time.Second, time.Millisecond)

	require.NoError(t, s.resume())
	assert.Error(t, s.resume(), "not paused")
	src <- lyingFrame("cam1", 1)

	cancel()
	s.wg.Wait()

	assert.Equal(t, uint64(2), s.framesSkipped.Load())
	assert.Equal(t, uint64(1), s.engine.Stats().Frames)
}

func TestService_ConsumeFrames_SourceClosed(t *testing.T) {
	s, _ := newTestService(t, "")
	src := make(chanSource, 1)
	s.frames = src
	src <- lyingFrame("cam1", 0)
	close(src)

	s.wg.Add(1)
	s.consumeFrames(context.Background())

	assert.Equal(t, []string{"cam1"}, s.engine.Instances())
	assert.Equal(t, 1, s.engine.InstanceCount())
}

func TestService_InstanceCallbacks(t *testing.T) {
	s, _ := newTestService(t, "")

	assert.True(t, s.addInstance("cam1"))
	assert.False(t, s.addInstance("cam1"))
	assert.Equal(t, []string{"cam1"}, s.engine.Instances())

	persons, ok := s.getPersons("cam1")
	assert.True(t, ok)
	assert.Empty(t, persons)

	assert.True(t, s.removeInstance("cam1"))
	assert.False(t, s.removeInstance("cam1"))

	_, err := s.recentEvents("cam1", 10)
	assert.ErrorContains(t, err, "journal disabled")
	_, err = s.getEvent("some-id")
	assert.ErrorContains(t, err, "journal disabled")

	assert.ErrorContains(t, s.shutdownViaControl(), "not running")
}

func TestService_UpdateConfig(t *testing.T) {
	s, _ := newTestService(t, "")

	changes, err := s.updateConfig(map[string]interface{}{
		"tracking": map[string]interface{}{
			"cooldown_s":       30.0,
			"stillness_s":      5.0,
			"beta_coefficient": 0.7, // unchanged
			"matcher":          "hungarian",
		},
	})
	require.NoError(t, err)
	assert.Len(t, changes, 3)

	cfg := s.engine.Config()
	assert.Equal(t, 30.0, cfg.Cooldown)
	assert.Equal(t, 5.0, cfg.Thresholds.Stillness)
	assert.Equal(t, "legacy", cfg.Matcher, "matcher only changes on restart")
	assert.Equal(t, "hungarian", s.cfg.Tracking.Matcher)

	t.Run("no_changes", func(t *testing.T) {
		_, err := s.updateConfig(map[string]interface{}{"tracking": map[string]interface{}{"cooldown_s": 30.0}})
		assert.ErrorContains(t, err, "no valid configuration changes")

		_, err = s.updateConfig(map[string]interface{}{"stream": map[string]interface{}{}})
		assert.ErrorContains(t, err, "no valid configuration changes")
	})

	t.Run("invalid_values_not_applied", func(t *testing.T) {
		_, err := s.updateConfig(map[string]interface{}{"tracking": map[string]interface{}{"beta_coefficient": 1.5}})
		assert.Error(t, err)

		_, err = s.updateConfig(map[string]interface{}{"tracking": map[string]interface{}{"cooldown_s": -1.0}})
		assert.Error(t, err)

		assert.Equal(t, 30.0, s.engine.Config().Cooldown)
		assert.Equal(t, 30.0, s.cfg.Tracking.CooldownS)
	})
}

func TestService_HealthEndpoints(t *testing.T) {
	s, _ := newTestService(t, "")
	srv := httptest.NewServer(s.routes())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/readiness")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode, "not running yet")

	s.processFrame(lyingFrame("cam1", 0))
	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body := new(strings.Builder)
	_, err = io.Copy(body, resp.Body)
	require.NoError(t, err)
	assert.Contains(t, body.String(), `fallguard_frames_total{service="ward-3"} 1`)
	assert.Contains(t, body.String(), `fallguard_instances{service="ward-3"} 1`)
	assert.NotContains(t, body.String(), "fallguard_diag_messages_dropped_total", "diagnostics disabled")
	assert.NotContains(t, body.String(), "fallguard_journal_events", "journal disabled")

	resp, err = http.Get(srv.URL + "/ws/persons/cam1")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode, "diagnostics disabled")
}

func TestService_HealthCheck(t *testing.T) {
	s, _ := newTestService(t, "diagnostics:\n  enabled: true\n")
	assert.Equal(t, "unhealthy", s.HealthCheck().Status)

	s.mu.Lock()
	s.isRunning = true
	s.started = time.Now()
	s.mu.Unlock()

	h := s.HealthCheck()
	assert.Equal(t, "degraded", h.Status, "mqtt never connected")
	assert.False(t, h.MQTTConnected)

	status := s.GetStatus()
	assert.Equal(t, "ward-3", status["service_id"])
	assert.Equal(t, true, status["running"])
	assert.Equal(t, map[string]interface{}{"clients": 0, "dropped": uint64(0)}, status["diagnostics"])
}

func TestService_MetricsReportJournalAndDiagnostics(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.db")
	s, _ := newTestService(t, "journal:\n  path: "+path+"\ndiagnostics:\n  enabled: true\n")
	ctx := context.Background()

	for _, ts := range []float64{0, 0.5, 1.5} {
		s.processFrame(lyingFrame("cam1", ts))
	}
	require.NoError(t, s.dispatcher.Close(ctx))

	srv := httptest.NewServer(s.routes())
	defer srv.Close()
	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body := new(strings.Builder)
	_, err = io.Copy(body, resp.Body)
	require.NoError(t, err)

	assert.Contains(t, body.String(), `fallguard_diag_messages_dropped_total{service="ward-3"} 0`)
	assert.Contains(t, body.String(), `fallguard_journal_events{service="ward-3",status="delivered"} 1`)
	assert.Contains(t, body.String(), `fallguard_journal_events{service="ward-3",status="failed"} 0`)

	counts, ok := s.GetStatus()["journal"].(map[string]int)
	require.True(t, ok)
	assert.Equal(t, 1, counts[journal.StatusDelivered])
}
