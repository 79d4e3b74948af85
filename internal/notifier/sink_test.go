package notifier

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/care/fallguard/internal/types"
)

func TestWebhookSink(t *testing.T) {
	var (
		gotBody   []byte
		gotHeader http.Header
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		gotHeader = r.Header.Clone()
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	sink := NewWebhookSink(srv.URL, srv.Client())
	assert.Equal(t, "webhook", sink.Name())

	n := types.NewNotification("cam1", types.EventFallen, 42)
	require.NoError(t, sink.Deliver(context.Background(), n))

	assert.Equal(t, "application/json", gotHeader.Get("Content-Type"))
	assert.Equal(t, n.ID, gotHeader.Get("Idempotency-Key"))

	var got types.Notification
	require.NoError(t, json.Unmarshal(gotBody, &got))
	assert.Equal(t, n.ID, got.ID)
	assert.Equal(t, types.EventFallen, got.Event)
	assert.Equal(t, 42.0, got.Timestamp)
}

func TestWebhookSink_Non2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	err := NewWebhookSink(srv.URL, nil).Deliver(context.Background(), types.NewNotification("cam1", types.EventFallen, 1))
	assert.ErrorContains(t, err, "unexpected status 503")
}

func TestWebhookSink_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	err := NewWebhookSink(url, nil).Deliver(context.Background(), types.NewNotification("cam1", types.EventFallen, 1))
	assert.Error(t, err)
}
