package core

import (
	"fmt"
	"log/slog"
)

// updateConfig applies tracking tuning changes without restarting. The
// matcher and the invalid-detection policy are recorded but only take effect
// on the next start.
func (s *Service) updateConfig(newConfig map[string]interface{}) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	slog.Info("applying config update", "changes", newConfig)

	trackingCfg, ok := newConfig["tracking"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("no valid configuration changes found")
	}

	changes := []string{}
	next := s.cfg.Tracking

	tunables := []struct {
		key   string
		field *float64
	}{
		{"beta_coefficient", &next.BetaCoefficient},
		{"horizontal_fall_s", &next.HorizontalFallS},
		{"vertical_fall_s", &next.VerticalFallS},
		{"stillness_s", &next.StillnessS},
		{"cooldown_s", &next.CooldownS},
	}
	for _, t := range tunables {
		v, ok := trackingCfg[t.key].(float64)
		if !ok || v == *t.field {
			continue
		}
		changes = append(changes, fmt.Sprintf("tracking.%s: %v → %v", t.key, *t.field, v))
		*t.field = v
	}

	if len(changes) > 0 {
		if err := s.engine.UpdateTuning(next.Thresholds(), next.CooldownS); err != nil {
			return nil, err
		}
	}

	restartOnly := []struct {
		key   string
		field *string
	}{
		{"matcher", &next.Matcher},
		{"invalid_detections", &next.InvalidDetections},
	}
	for _, r := range restartOnly {
		v, ok := trackingCfg[r.key].(string)
		if !ok || v == *r.field {
			continue
		}
		changes = append(changes, fmt.Sprintf("tracking.%s: %s → %s (restart required)", r.key, *r.field, v))
		slog.Warn("tracking change requires restart",
			"key", r.key,
			"old", *r.field,
			"new", v,
		)
		*r.field = v
	}

	if len(changes) == 0 {
		return nil, fmt.Errorf("no valid configuration changes found")
	}

	s.cfg.Tracking = next

	slog.Info("config update applied", "changes_count", len(changes))
	for _, change := range changes {
		slog.Info("config changed", "change", change)
	}

	return changes, nil
}
