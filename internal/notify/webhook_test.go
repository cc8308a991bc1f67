package notify_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/batchdl/batchdl/internal/notify"
)

func TestWebhookDeliverPostsJSON(t *testing.T) {
	var received notify.Notification

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	d := notify.NewWebhookDeliverer(srv.URL, time.Second)

	n := notify.Notification{
		BatchID:        uuid.New(),
		Event:          notify.EventBatchCompleted,
		TotalItems:     4,
		CompletedItems: 4,
		Progress:       100,
	}

	require.NoError(t, d.Deliver(context.Background(), n))
	assert.Equal(t, n.BatchID, received.BatchID)
	assert.Equal(t, notify.EventBatchCompleted, received.Event)
}

func TestWebhookDeliverRejectsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	d := notify.NewWebhookDeliverer(srv.URL, time.Second)

	err := d.Deliver(context.Background(), notify.Notification{Event: notify.EventBatchFailed})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}
