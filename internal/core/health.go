package core

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/care/fallguard/internal/diag"
	"github.com/care/fallguard/internal/journal"
)

// HealthStatus represents the health state of the service
type HealthStatus struct {
	Status        string `json:"status"` // "healthy", "degraded", "unhealthy"
	UptimeSeconds int64  `json:"uptime_seconds"`
	MQTTConnected bool   `json:"mqtt_connected"`
	Paused        bool   `json:"paused"`
	Instances     int    `json:"instances"`
	QueuedEvents  int    `json:"queued_events"`
	DiagClients   int    `json:"diag_clients,omitempty"`
}

// HealthCheck returns the current health status of the service
func (s *Service) HealthCheck() HealthStatus {
	s.mu.RLock()
	running, paused, started := s.isRunning, s.isPaused, s.started
	s.mu.RUnlock()

	status := HealthStatus{
		Status:        "healthy",
		MQTTConnected: s.emitter.Stats().Connected,
		Paused:        paused,
		Instances:     s.engine.InstanceCount(),
		QueuedEvents:  s.dispatcher.Stats().Queued,
	}
	if !started.IsZero() {
		status.UptimeSeconds = int64(time.Since(started).Seconds())
	}
	if s.hub != nil {
		status.DiagClients = s.hub.ClientCount()
	}

	if !running {
		status.Status = "unhealthy"
	} else if !status.MQTTConnected || paused {
		status.Status = "degraded"
	}

	return status
}

// LivenessHandler handles /health (process is alive)
func (s *Service) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	s.mu.RLock()
	started := s.started
	s.mu.RUnlock()

	var uptime int64
	if !started.IsZero() {
		uptime = int64(time.Since(started).Seconds())
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status": "alive",
		"uptime": uptime,
	})
}

// ReadinessHandler handles /readiness. Degraded still answers 200.
func (s *Service) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	health := s.HealthCheck()

	statusCode := http.StatusOK
	if health.Status == "unhealthy" {
		statusCode = http.StatusServiceUnavailable
	}

	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(health)
}

// MetricsHandler handles /metrics in the Prometheus text format
func (s *Service) MetricsHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")

	id := s.cfg.ServiceID
	es := s.engine.Stats()
	is := s.subscriber.Stats()
	ns := s.dispatcher.Stats()
	ms := s.emitter.Stats()

	counter := func(name string, v uint64) {
		fmt.Fprintf(w, "# TYPE %s counter\n%s{service=%q} %d\n", name, name, id, v)
	}
	gauge := func(name string, v float64) {
		fmt.Fprintf(w, "# TYPE %s gauge\n%s{service=%q} %g\n", name, name, id, v)
	}

	w.WriteHeader(http.StatusOK)
	counter("fallguard_frames_total", es.Frames)
	counter("fallguard_frames_rejected_total", es.RejectedFrames)
	counter("fallguard_frames_skipped_total", s.framesSkipped.Load())
	counter("fallguard_invalid_detections_total", es.InvalidDetections)
	counter("fallguard_events_derived_total", es.Derived)
	counter("fallguard_events_surfaced_total", es.Surfaced)
	counter("fallguard_events_suppressed_total", es.Suppressed)
	counter("fallguard_ingest_received_total", is.Received)
	counter("fallguard_ingest_dropped_total", is.Dropped)
	counter("fallguard_ingest_decode_errors_total", is.DecodeErrors)
	counter("fallguard_notifications_dropped_total", ns.Dropped)
	gauge("fallguard_notifications_queued", float64(ns.Queued))
	gauge("fallguard_instances", float64(s.engine.InstanceCount()))

	if s.hub != nil {
		counter("fallguard_diag_messages_dropped_total", s.hub.Dropped())
		gauge("fallguard_diag_clients", float64(s.hub.ClientCount()))
	}
	if s.journal != nil {
		if counts, err := s.journal.Count(r.Context()); err == nil {
			fmt.Fprintf(w, "# TYPE fallguard_journal_events gauge\n")
			for _, status := range []string{journal.StatusPending, journal.StatusDelivered, journal.StatusFailed} {
				fmt.Fprintf(w, "fallguard_journal_events{service=%q,status=%q} %d\n", id, status, counts[status])
			}
		}
	}

	for _, sink := range sinkNames(ns.Sent, ns.Failed) {
		fmt.Fprintf(w, "fallguard_notifications_sent_total{service=%q,sink=%q} %d\n", id, sink, ns.Sent[sink])
		fmt.Fprintf(w, "fallguard_notifications_failed_total{service=%q,sink=%q} %d\n", id, sink, ns.Failed[sink])
	}

	connected := 0.0
	if ms.Connected {
		connected = 1
	}
	gauge("fallguard_mqtt_connected", connected)
}

func sinkNames(counts ...map[string]uint64) []string {
	seen := map[string]bool{}
	names := []string{}
	for _, m := range counts {
		for name := range m {
			if !seen[name] {
				seen[name] = true
				names = append(names, name)
			}
		}
	}
	sort.Strings(names)
	return names
}

// routes builds the HTTP mux for health and diagnostics
func (s *Service) routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.LivenessHandler)
	mux.HandleFunc("/readiness", s.ReadinessHandler)
	mux.HandleFunc("/metrics", s.MetricsHandler)

	if s.hub != nil {
		mux.Handle("GET /ws/persons/{instance_id}", diag.NewHandler(s.hub))
	}
	return mux
}

// StartHealthServer starts the HTTP health check server on the given port.
// It does not block.
func (s *Service) StartHealthServer(port string) error {
	if port == "" {
		port = s.cfg.HealthPort
	}

	server := &http.Server{
		Addr:        ":" + port,
		Handler:     s.routes(),
		ReadTimeout: 5 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	endpoints := []string{"/health", "/readiness", "/metrics"}
	if s.hub != nil {
		endpoints = append(endpoints, "/ws/persons/{instance_id}")
	}
	slog.Info("starting health check server", "port", port, "endpoints", endpoints)

	s.mu.Lock()
	s.healthServer = server
	s.mu.Unlock()

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("health check server failed", "error", err)
		}
	}()

	return nil
}
