package notify_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/pigment-org/key-service/internal/logger"
	"github.com/pigment-org/key-service/internal/notify"
)

type dispatchPayload struct {
	EventType     string            `json:"event_type"`
	ClientPayload map[string]string `json:"client_payload"`
}

func TestGitHubDispatch(t *testing.T) {
	received := make(chan dispatchPayload, 1)
	var gotPath, gotAuth string

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")

		var payload dispatchPayload
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		w.WriteHeader(http.StatusNoContent)
		received <- payload
	}))
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dispatcher := notify.NewGitHubDispatcher(logger.Development(), "pigment-org/docs", "test-token",
		notify.WithBaseURL(ts.URL),
		notify.WithDispatchRate(rate.Inf, 1),
	)
	dispatcher.Start(ctx)

	dispatcher.Enqueue(notify.Event{
		DeliveryID: "d-1",
		Project:    "docs",
		Email:      "dev@example.com",
		IP:         "203.0.113.7",
		KeyPrefix:  "pig_0123456789ab",
	})

	select {
	case payload := <-received:
		assert.Equal(t, "/repos/pigment-org/docs/dispatches", gotPath)
		assert.Equal(t, "Bearer test-token", gotAuth)
		assert.Equal(t, "new-api-key", payload.EventType)
		assert.Equal(t, "docs", payload.ClientPayload["project"])
		assert.Equal(t, "dev@example.com", payload.ClientPayload["email"])
		assert.Equal(t, "pig_0123456789ab", payload.ClientPayload["keyPrefix"])
		assert.Equal(t, "d-1", payload.ClientPayload["delivery_id"])
	case <-time.After(2 * time.Second):
		t.Fatal("notification was never delivered")
	}
}

func TestEnqueueNeverBlocks(t *testing.T) {
	// No worker running and a single-slot queue: the second event must
	// be dropped, not block the caller.
	dispatcher := notify.NewGitHubDispatcher(logger.Development(), "pigment-org/docs", "test-token",
		notify.WithQueueSize(1),
	)

	done := make(chan struct{})
	go func() {
		dispatcher.Enqueue(notify.Event{KeyPrefix: "a"})
		dispatcher.Enqueue(notify.Event{KeyPrefix: "b"})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Enqueue blocked on a full queue")
	}
}
