package journal

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/care/fallguard/internal/types"
)

func openTestJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(context.Background(), filepath.Join(t.TempDir(), "events.db"))
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j
}

func notification(id, instance string, event types.Event, surfaced time.Time) types.Notification {
	return types.Notification{
		ID:         id,
		InstanceID: instance,
		Event:      event,
		Timestamp:  12.5,
		SurfacedAt: surfaced,
	}
}

func TestRecordAndGet(t *testing.T) {
	ctx := context.Background()
	j := openTestJournal(t)
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	n := notification("ev-1", "cam1", types.EventFallen, at)
	require.NoError(t, j.Record(ctx, n))

	rec, err := j.Get(ctx, "ev-1")
	require.NoError(t, err)
	assert.Equal(t, n, rec.Notification)
	assert.Equal(t, StatusPending, rec.Status)
	assert.Zero(t, rec.Attempts)
	assert.Empty(t, rec.Deliveries)

	assert.Error(t, j.Record(ctx, n), "duplicate id")

	_, err = j.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMarkDelivery(t *testing.T) {
	ctx := context.Background()
	j := openTestJournal(t)
	require.NoError(t, j.Record(ctx, notification("ev-1", "cam1", types.EventFallen, time.Now())))

	require.NoError(t, j.MarkDelivery(ctx, "ev-1", "webhook", 4, errors.New("503")))
	rec, err := j.Get(ctx, "ev-1")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, rec.Status)
	assert.Equal(t, "503", rec.LastError)

	require.NoError(t, j.MarkDelivery(ctx, "ev-1", "mqtt", 1, nil))
	rec, err = j.Get(ctx, "ev-1")
	require.NoError(t, err)
	assert.Equal(t, StatusDelivered, rec.Status)
	assert.Equal(t, 5, rec.Attempts)
	assert.Equal(t, "503", rec.LastError, "last error kept for inspection")

	require.Len(t, rec.Deliveries, 2)
	assert.Equal(t, "mqtt", rec.Deliveries[0].Sink)
	assert.Empty(t, rec.Deliveries[0].Error)
	assert.Equal(t, "webhook", rec.Deliveries[1].Sink)
	assert.Equal(t, 4, rec.Deliveries[1].Attempts)

	// A later failure does not demote a delivered event
	require.NoError(t, j.MarkDelivery(ctx, "ev-1", "webhook", 2, errors.New("timeout")))
	rec, err = j.Get(ctx, "ev-1")
	require.NoError(t, err)
	assert.Equal(t, StatusDelivered, rec.Status)
	assert.Len(t, rec.Deliveries, 2, "one row per sink")

	assert.ErrorIs(t, j.MarkDelivery(ctx, "missing", "mqtt", 1, nil), ErrNotFound)
}

func TestRecent(t *testing.T) {
	ctx := context.Background()
	j := openTestJournal(t)
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, j.Record(ctx, notification("a", "cam1", types.EventFallen, base)))
	require.NoError(t, j.Record(ctx, notification("b", "cam2", types.EventMovementAlert, base.Add(time.Minute))))
	require.NoError(t, j.Record(ctx, notification("c", "cam1", types.EventMovementAlert, base.Add(2*time.Minute))))

	ids := func(recs []*Record) []string {
		out := make([]string, len(recs))
		for i, r := range recs {
			out[i] = r.ID
		}
		return out
	}

	recs, err := j.Recent(ctx, "cam1", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "a"}, ids(recs))

	recs, err = j.Recent(ctx, "", 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "b"}, ids(recs))

	recs, err = j.Recent(ctx, "cam9", 0)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestCountAndPrune(t *testing.T) {
	ctx := context.Background()
	j := openTestJournal(t)
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, j.Record(ctx, notification("old", "cam1", types.EventFallen, base)))
	require.NoError(t, j.Record(ctx, notification("new", "cam1", types.EventFallen, base.Add(time.Hour))))
	require.NoError(t, j.MarkDelivery(ctx, "old", "mqtt", 1, nil))

	counts, err := j.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{StatusDelivered: 1, StatusPending: 1}, counts)

	n, err := j.Prune(ctx, base.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = j.Get(ctx, "old")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = j.Get(ctx, "new")
	assert.NoError(t, err)
}

func TestOpen_Reopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "events.db")

	j, err := Open(ctx, path)
	require.NoError(t, err)
	require.NoError(t, j.Record(ctx, notification("ev-1", "cam1", types.EventFallen, time.Now())))
	require.NoError(t, j.Close())

	j, err = Open(ctx, path)
	require.NoError(t, err)
	defer j.Close()
	_, err = j.Get(ctx, "ev-1")
	assert.NoError(t, err, "migrations are idempotent and data persists")
}
