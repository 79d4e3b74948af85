// Package journal keeps a SQLite record of surfaced events and of how their
// delivery went.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/care/fallguard/internal/types"
)

// Delivery status of a journaled event
const (
	StatusPending   = "pending"
	StatusDelivered = "delivered"
	StatusFailed    = "failed"
)

// ErrNotFound is returned when an event id is not in the journal
var ErrNotFound = errors.New("journal: event not found")

// Journal handles SQLite operations
type Journal struct {
	db *sql.DB
}

// Record is one journaled event
type Record struct {
	types.Notification
	Status     string     `json:"status"`
	Attempts   int        `json:"attempts"`
	LastError  string     `json:"last_error,omitempty"`
	Deliveries []Delivery `json:"deliveries,omitempty"`
}

// Delivery is the outcome of one event on one sink
type Delivery struct {
	Sink       string    `json:"sink"`
	Attempts   int       `json:"attempts"`
	Error      string    `json:"error,omitempty"`
	FinishedAt time.Time `json:"finished_at"`
}

// Open creates the database connection and runs the migrations
func Open(ctx context.Context, path string) (*Journal, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create journal directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	// Pragmas are per connection; one connection also serialises writers
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}

	j := &Journal{db: db}
	if err := j.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return j, nil
}

// Close closes the database connection
func (j *Journal) Close() error {
	return j.db.Close()
}

// Migrate runs database migrations
func (j *Journal) Migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS events (
			id TEXT PRIMARY KEY,
			instance_id TEXT NOT NULL,
			event TEXT NOT NULL,
			frame_ts REAL NOT NULL,
			surfaced_at INTEGER NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			attempts INTEGER NOT NULL DEFAULT 0,
			last_error TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS deliveries (
			event_id TEXT NOT NULL,
			sink TEXT NOT NULL,
			attempts INTEGER NOT NULL,
			error TEXT NOT NULL DEFAULT '',
			finished_at INTEGER NOT NULL,
			PRIMARY KEY (event_id, sink),
			FOREIGN KEY (event_id) REFERENCES events(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_instance_time ON events(instance_id, surfaced_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_events_time ON events(surfaced_at DESC)`,
	}

	for _, m := range migrations {
		if _, err := j.db.ExecContext(ctx, m); err != nil {
			return fmt.Errorf("journal migration failed: %w", err)
		}
	}

	slog.Debug("journal migrations completed")
	return nil
}

// Record stores a newly surfaced event as pending
func (j *Journal) Record(ctx context.Context, n types.Notification) error {
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO events (id, instance_id, event, frame_ts, surfaced_at)
		VALUES (?, ?, ?, ?, ?)`,
		n.ID, n.InstanceID, string(n.Event), n.Timestamp, n.SurfacedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to record event: %w", err)
	}
	return nil
}

// MarkDelivery stores the outcome on one sink. An event counts as delivered
// once any sink succeeded; it is failed only while no sink has succeeded.
func (j *Journal) MarkDelivery(ctx context.Context, eventID, sink string, attempts int, deliveryErr error) error {
	errText := ""
	if deliveryErr != nil {
		errText = deliveryErr.Error()
	}

	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE events SET
			attempts = attempts + ?,
			status = CASE
				WHEN ? = '' THEN 'delivered'
				WHEN status = 'delivered' THEN 'delivered'
				ELSE 'failed'
			END,
			last_error = CASE WHEN ? = '' THEN last_error ELSE ? END
		WHERE id = ?`,
		attempts, errText, errText, errText, eventID)
	if err != nil {
		return fmt.Errorf("failed to update event: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, eventID)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO deliveries (event_id, sink, attempts, error, finished_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(event_id, sink) DO UPDATE SET
			attempts = excluded.attempts,
			error = excluded.error,
			finished_at = excluded.finished_at`,
		eventID, sink, attempts, errText, time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("failed to record delivery: %w", err)
	}

	return tx.Commit()
}

// Get returns one event with its deliveries
func (j *Journal) Get(ctx context.Context, id string) (*Record, error) {
	row := j.db.QueryRowContext(ctx,
		`SELECT id, instance_id, event, frame_ts, surfaced_at, status, attempts, last_error
		FROM events WHERE id = ?`, id)

	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get event: %w", err)
	}

	if rec.Deliveries, err = j.deliveries(ctx, id); err != nil {
		return nil, err
	}
	return rec, nil
}

// Recent returns the newest events of an instance, newest first. An empty
// instanceID lists every instance.
func (j *Journal) Recent(ctx context.Context, instanceID string, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT id, instance_id, event, frame_ts, surfaced_at, status, attempts, last_error
		FROM events`
	args := []any{}
	if instanceID != "" {
		query += ` WHERE instance_id = ?`
		args = append(args, instanceID)
	}
	query += ` ORDER BY surfaced_at DESC, rowid DESC LIMIT ?`
	args = append(args, limit)

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	return records, nil
}

// Count returns the number of journaled events per status
func (j *Journal) Count(ctx context.Context) (map[string]int, error) {
	rows, err := j.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM events GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count events: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// Prune deletes events surfaced before cutoff and returns how many were removed
func (j *Journal) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := j.db.ExecContext(ctx, `DELETE FROM events WHERE surfaced_at < ?`, cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to prune events: %w", err)
	}
	return res.RowsAffected()
}

func (j *Journal) deliveries(ctx context.Context, eventID string) ([]Delivery, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT sink, attempts, error, finished_at FROM deliveries
		WHERE event_id = ? ORDER BY sink`, eventID)
	if err != nil {
		return nil, fmt.Errorf("failed to list deliveries: %w", err)
	}
	defer rows.Close()

	var out []Delivery
	for rows.Next() {
		var (
			d        Delivery
			finished int64
		)
		if err := rows.Scan(&d.Sink, &d.Attempts, &d.Error, &finished); err != nil {
			return nil, fmt.Errorf("failed to scan delivery: %w", err)
		}
		d.FinishedAt = time.Unix(0, finished).UTC()
		out = append(out, d)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (*Record, error) {
	var (
		rec      Record
		event    string
		surfaced int64
	)
	err := s.Scan(&rec.ID, &rec.InstanceID, &event, &rec.Timestamp, &surfaced,
		&rec.Status, &rec.Attempts, &rec.LastError)
	if err != nil {
		return nil, err
	}
	rec.Event = types.Event(event)
	rec.SurfacedAt = time.Unix(0, surfaced).UTC()
	return &rec, nil
}
