package core

import (
	"context"
	"log/slog"
	"time"

	"github.com/care/fallguard/internal/types"
)

// consumeFrames feeds decoded frames into the engine until ctx ends or the
// source closes
func (s *Service) consumeFrames(ctx context.Context) {
	defer s.wg.Done()

	slog.Info("frame consumer started")

	frameCount := uint64(0)
	lastLog := time.Now()
	logInterval := 30 * time.Second

	for {
		select {
		case <-ctx.Done():
			slog.Info("frame consumer stopping", "total_frames", frameCount)
			return

		case frame, ok := <-s.frames.Frames():
			if !ok {
				slog.Info("frame source closed", "total_frames", frameCount)
				return
			}

			frameCount++

			if s.isPausedCheck() {
				s.framesSkipped.Add(1)
			} else {
				s.processFrame(frame)
			}

			if time.Since(lastLog) >= logInterval {
				st := s.engine.Stats()
				slog.Debug("pipeline stats",
					"frames_consumed", frameCount,
					"frames_skipped", s.framesSkipped.Load(),
					"instances", s.engine.InstanceCount(),
					"surfaced", st.Surfaced,
					"suppressed", st.Suppressed,
					"invalid_detections", st.InvalidDetections,
				)
				lastLog = time.Now()
			}
		}
	}
}

// processFrame runs one frame through the engine and hands a surfaced event
// to the notifier. Journaling happens on the notifier workers.
func (s *Service) processFrame(frame types.FrameMessage) {
	r := s.engine.ProcessFrameDetailed(frame.InstanceID, frame.Objects, frame.Timestamp)
	if r.Err != nil {
		slog.Warn("frame has invalid detections",
			"instance_id", frame.InstanceID,
			"timestamp", frame.Timestamp,
			"error", r.Err,
		)
	}

	if s.hub != nil && r.Persons != nil {
		s.hub.PublishPersons(frame.InstanceID, frame.Timestamp, r.Event, r.Surfaced, r.Persons)
	}

	if r.Suppressed {
		slog.Debug("event suppressed by cooldown",
			"instance_id", frame.InstanceID,
			"event", r.Derived,
			"timestamp", frame.Timestamp,
		)
		return
	}
	if !r.Surfaced {
		return
	}

	n := types.NewNotification(frame.InstanceID, r.Event, frame.Timestamp)
	slog.Info("event surfaced",
		"event_id", n.ID,
		"instance_id", n.InstanceID,
		"event", n.Event,
		"timestamp", n.Timestamp,
		"persons", len(r.Persons),
	)

	s.dispatcher.Submit(n)
}

// journalEvent stores a dequeued notification before any sink sees it, so
// delivery outcomes always find their event row
func (s *Service) journalEvent(ctx context.Context, n types.Notification) {
	if s.journal == nil {
		return
	}
	if err := s.journal.Record(ctx, n); err != nil {
		slog.Error("failed to journal event", "event_id", n.ID, "error", err)
	}
}

// pruneJournal deletes events older than the retention window
func (s *Service) pruneJournal(ctx context.Context) {
	retention := s.cfg.Journal.Retention()
	if s.journal == nil || retention <= 0 {
		return
	}
	removed, err := s.journal.Prune(ctx, time.Now().Add(-retention))
	if err != nil {
		slog.Error("failed to prune journal", "error", err)
		return
	}
	if removed > 0 {
		slog.Info("journal pruned", "removed", removed, "retention", retention)
	}
}

// runJournalPruner prunes at start and then every interval until ctx ends
func (s *Service) runJournalPruner(ctx context.Context, interval time.Duration) {
	defer s.wg.Done()

	s.pruneJournal(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.pruneJournal(ctx)
		}
	}
}

// recordDelivery stores a sink outcome in the journal
func (s *Service) recordDelivery(n types.Notification, sink string, attempts int, err error) {
	if err != nil {
		slog.Error("event delivery failed",
			"event_id", n.ID,
			"sink", sink,
			"attempts", attempts,
			"error", err,
		)
	}
	if s.journal == nil {
		return
	}
	if jerr := s.journal.MarkDelivery(context.Background(), n.ID, sink, attempts, err); jerr != nil {
		slog.Error("failed to journal delivery", "event_id", n.ID, "sink", sink, "error", jerr)
	}
}
