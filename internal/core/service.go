package core

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/care/fallguard/internal/config"
	"github.com/care/fallguard/internal/control"
	"github.com/care/fallguard/internal/diag"
	"github.com/care/fallguard/internal/emitter"
	"github.com/care/fallguard/internal/engine"
	"github.com/care/fallguard/internal/ingest"
	"github.com/care/fallguard/internal/journal"
	"github.com/care/fallguard/internal/notifier"
)

// Service is the main service orchestrator
type Service struct {
	cfg *config.Config

	// Core components
	engine         *engine.Engine
	subscriber     *ingest.Subscriber
	frames         FrameSource
	dispatcher     *notifier.Dispatcher
	emitter        *emitter.MQTTEmitter
	controlHandler *control.Handler
	journal        *journal.Journal // nil when disabled
	hub            *diag.Hub        // nil when disabled
	healthServer   *http.Server

	framesSkipped atomic.Uint64

	// Lifecycle management
	started       time.Time
	mu            sync.RWMutex
	wg            sync.WaitGroup
	isRunning     bool
	isPaused      bool
	cancelCtx     context.CancelFunc // For MQTT shutdown command
	cancelDeliver context.CancelFunc
}

// NewService builds the service from a loaded configuration. Nothing is
// connected until Run.
func NewService(cfg *config.Config) (*Service, error) {
	eng, err := engine.New(cfg.Tracking.Engine())
	if err != nil {
		return nil, fmt.Errorf("failed to create engine: %w", err)
	}

	decoder, err := ingest.NewDecoder(cfg.MQTT.PayloadFormat, cfg.MQTT.Topics.Detections)
	if err != nil {
		return nil, fmt.Errorf("failed to create decoder: %w", err)
	}

	s := &Service{
		cfg:        cfg,
		engine:     eng,
		subscriber: ingest.NewSubscriber(cfg.MQTT.Topics.Detections, cfg.MQTT.QoS["detections"], decoder, 0),
		emitter:    emitter.NewMQTTEmitter(cfg),
	}
	s.frames = s.subscriber

	if cfg.Diagnostics.Enabled {
		s.hub = diag.NewHub()
	}

	if cfg.Journal.Path != "" {
		j, err := journal.Open(context.Background(), cfg.Journal.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open journal: %w", err)
		}
		s.journal = j
	}

	sinks := []notifier.Sink{s.emitter}
	if cfg.Notifier.URL != "" {
		sinks = append(sinks, notifier.NewWebhookSink(cfg.Notifier.URL, nil))
	}
	s.dispatcher = notifier.New(notifier.Config{
		Workers:   cfg.Notifier.Workers,
		QueueSize: cfg.Notifier.QueueSize,
		Timeout:   cfg.Notifier.Timeout(),
		Retry: notifier.RetryConfig{
			MaxRetries:    cfg.Notifier.MaxRetries,
			RetryDelay:    cfg.Notifier.RetryDelay(),
			MaxRetryDelay: cfg.Notifier.MaxRetryDelay(),
		},
		OnDequeue: s.journalEvent,
		OnResult:  s.recordDelivery,
	}, sinks...)

	slog.Info("service configured",
		"service_id", cfg.ServiceID,
		"matcher", eng.Config().Matcher,
		"invalid_detections", eng.Config().InvalidDetections,
		"cooldown_s", eng.Config().Cooldown,
		"sinks", len(sinks),
		"journal", cfg.Journal.Path != "",
		"diagnostics", cfg.Diagnostics.Enabled,
	)

	return s, nil
}

// Run starts the service and blocks until context is cancelled
func (s *Service) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return fmt.Errorf("service is already running")
	}
	s.isRunning = true
	s.started = time.Now()
	s.mu.Unlock()

	// Create cancellable context for MQTT shutdown command
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Deliveries outlive ctx so Shutdown can drain the queue
	deliverCtx, cancelDeliver := context.WithCancel(context.WithoutCancel(ctx))

	s.mu.Lock()
	s.cancelCtx = cancel
	s.cancelDeliver = cancelDeliver
	s.mu.Unlock()

	slog.Info("fallguard service starting", "service_id", s.cfg.ServiceID)

	if err := s.dispatcher.Start(deliverCtx); err != nil {
		return fmt.Errorf("failed to start notifier: %w", err)
	}

	// Connect MQTT; subscriptions are renewed on every reconnect
	if err := s.emitter.Connect(ctx, s.onConnect); err != nil {
		return fmt.Errorf("failed to connect mqtt: %w", err)
	}

	handler := control.NewHandler(s.cfg, s.emitter.Client, s.emitter, control.CommandCallbacks{
		OnGetStatus:      s.GetStatus,
		OnAddInstance:    s.addInstance,
		OnRemoveInstance: s.removeInstance,
		OnListInstances:  s.engine.Instances,
		OnGetPersons:     s.getPersons,
		OnRecentEvents:   s.recentEvents,
		OnGetEvent:       s.getEvent,
		OnUpdateConfig:   s.updateConfig,
		OnPause:          s.pause,
		OnResume:         s.resume,
		OnShutdown:       s.shutdownViaControl,
	})
	if err := handler.Start(ctx); err != nil {
		return fmt.Errorf("failed to start control plane: %w", err)
	}
	s.mu.Lock()
	s.controlHandler = handler
	s.mu.Unlock()

	if err := s.subscriber.Subscribe(s.emitter.Client); err != nil {
		return fmt.Errorf("failed to subscribe to detections: %w", err)
	}

	s.wg.Add(1)
	go s.consumeFrames(ctx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.dispatcher.StartStatsLogger(ctx, 30*time.Second)
	}()

	if s.journal != nil {
		s.wg.Add(1)
		go s.runJournalPruner(ctx, time.Hour)
	}

	slog.Info("fallguard service running",
		"detections_topic", s.cfg.MQTT.Topics.Detections,
		"events_topic", s.cfg.MQTT.Topics.Events,
	)

	<-ctx.Done()

	slog.Info("fallguard service run loop exiting")
	return nil
}

// onConnect renews subscriptions after a reconnect
func (s *Service) onConnect(c mqtt.Client) {
	s.mu.RLock()
	handler := s.controlHandler
	s.mu.RUnlock()

	// Before Run finished wiring, Run subscribes itself
	if handler == nil {
		return
	}
	if err := s.subscriber.Subscribe(c); err != nil {
		slog.Error("failed to resubscribe to detections", "error", err)
	}
	if err := handler.Subscribe(); err != nil {
		slog.Error("failed to resubscribe to control plane", "error", err)
	}
}

// Shutdown performs graceful shutdown of all components
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return nil
	}
	handler := s.controlHandler
	s.mu.Unlock()

	slog.Info("shutting down fallguard service")

	// 1. Stop intake
	s.subscriber.Unsubscribe()
	if handler != nil {
		if err := handler.Stop(); err != nil {
			slog.Error("failed to stop control handler", "error", err)
		}
	}

	// 2. Wait for the consumer to finish the frame in hand
	s.wg.Wait()

	// 3. Drain pending notifications while MQTT is still up
	if err := s.dispatcher.Close(ctx); err != nil {
		slog.Warn("notifier did not drain before timeout",
			"error", err,
			"queued", s.dispatcher.Stats().Queued)
	}
	s.mu.RLock()
	cancelDeliver := s.cancelDeliver
	s.mu.RUnlock()
	if cancelDeliver != nil {
		cancelDeliver()
	}

	// 4. Disconnect MQTT
	if err := s.emitter.Disconnect(); err != nil {
		slog.Error("failed to disconnect mqtt", "error", err)
	}

	if s.healthServer != nil {
		if err := s.healthServer.Shutdown(ctx); err != nil {
			slog.Error("failed to stop health server", "error", err)
		}
	}

	if s.journal != nil {
		if err := s.journal.Close(); err != nil {
			slog.Error("failed to close journal", "error", err)
		}
	}

	s.mu.Lock()
	uptime := time.Since(s.started)
	s.isRunning = false
	s.mu.Unlock()

	slog.Info("fallguard service shutdown complete", "uptime", uptime)
	return nil
}

// GetStatus returns the current status of the service
func (s *Service) GetStatus() map[string]interface{} {
	s.mu.RLock()
	running, paused, started := s.isRunning, s.isPaused, s.started
	s.mu.RUnlock()

	cfg := s.engine.Config()
	status := map[string]interface{}{
		"service_id": s.cfg.ServiceID,
		"uptime_s":   time.Since(started).Seconds(),
		"running":    running,
		"paused":     paused,
		"instances":  s.engine.Instances(),
		"tracking": map[string]interface{}{
			"matcher":            cfg.Matcher,
			"invalid_detections": cfg.InvalidDetections,
			"cooldown_s":         cfg.Cooldown,
			"beta_coefficient":   cfg.Thresholds.BetaCoefficient,
			"horizontal_fall_s":  cfg.Thresholds.HorizontalFall,
			"vertical_fall_s":    cfg.Thresholds.VerticalFall,
			"stillness_s":        cfg.Thresholds.Stillness,
		},
		"engine":         s.engine.Stats(),
		"ingest":         s.subscriber.Stats(),
		"notifier":       s.dispatcher.Stats(),
		"mqtt":           s.emitter.Stats(),
		"frames_skipped": s.framesSkipped.Load(),
	}
	if s.journal != nil {
		counts, err := s.journal.Count(context.Background())
		if err != nil {
			slog.Warn("failed to count journal events", "error", err)
		}
		status["journal"] = counts
	}
	if s.hub != nil {
		status["diagnostics"] = map[string]interface{}{
			"clients": s.hub.ClientCount(),
			"dropped": s.hub.Dropped(),
		}
	}
	return status
}

// ShutdownTimeout returns the configured graceful shutdown timeout
func (s *Service) ShutdownTimeout() time.Duration {
	return s.cfg.ShutdownTimeout()
}

func (s *Service) addInstance(id string) bool {
	added := s.engine.AddInstance(id)
	slog.Info("instance added", "instance_id", id, "new", added)
	return added
}

func (s *Service) removeInstance(id string) bool {
	removed := s.engine.RemoveInstance(id)
	if s.hub != nil {
		s.hub.Close(id)
	}
	slog.Info("instance removed", "instance_id", id, "existed", removed)
	return removed
}

func (s *Service) getPersons(id string) (interface{}, bool) {
	return s.engine.Persons(id)
}

func (s *Service) recentEvents(id string, limit int) (interface{}, error) {
	if s.journal == nil {
		return nil, fmt.Errorf("journal disabled")
	}
	return s.journal.Recent(context.Background(), id, limit)
}

func (s *Service) getEvent(id string) (interface{}, error) {
	if s.journal == nil {
		return nil, fmt.Errorf("journal disabled")
	}
	return s.journal.Get(context.Background(), id)
}

func (s *Service) pause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isPaused {
		return fmt.Errorf("already paused")
	}
	s.isPaused = true
	slog.Info("frame processing paused")
	return nil
}

func (s *Service) resume() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.isPaused {
		return fmt.Errorf("not paused")
	}
	s.isPaused = false
	slog.Info("frame processing resumed")
	return nil
}

func (s *Service) isPausedCheck() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isPaused
}

func (s *Service) shutdownViaControl() error {
	s.mu.RLock()
	cancel := s.cancelCtx
	s.mu.RUnlock()

	if cancel == nil {
		return fmt.Errorf("service not running")
	}
	slog.Info("shutdown requested via control plane")
	cancel()
	return nil
}
