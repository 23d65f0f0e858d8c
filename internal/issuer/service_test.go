package issuer_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pigment-org/key-service/internal/credential"
	"github.com/pigment-org/key-service/internal/issuer"
	"github.com/pigment-org/key-service/internal/logger"
	"github.com/pigment-org/key-service/internal/notify"
)

type recordingSink struct {
	events []notify.Event
}

func (s *recordingSink) Enqueue(ev notify.Event) {
	s.events = append(s.events, ev)
}

type upstreamBehavior struct {
	status int
	key    string
	id     string

	seenEmails []string
}

func newUpstreamServer(t *testing.T, b *upstreamBehavior) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/v1/users", r.URL.Path)

		var body struct {
			Email string `json:"email"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		b.seenEmails = append(b.seenEmails, body.Email)

		if b.status != http.StatusOK {
			w.WriteHeader(b.status)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"api_key": b.key, "id": b.id})
	}))
	t.Cleanup(ts.Close)
	return ts
}

func setupService(t *testing.T, b *upstreamBehavior) (*issuer.Service, *credential.SQLStore, *recordingSink) {
	t.Helper()
	testLogger := logger.Development()
	store, err := credential.NewSQLiteStore(context.Background(), testLogger, ":memory:")
	require.NoError(t, err, "failed to create test store")
	t.Cleanup(func() { _ = store.Close() })

	ts := newUpstreamServer(t, b)
	sink := &recordingSink{}
	service := issuer.NewService(testLogger, issuer.NewHTTPUpstream(ts.URL), store, sink, 1000)
	return service, store, sink
}

func TestIssue(t *testing.T) {
	ctx := context.Background()
	behavior := &upstreamBehavior{
		status: http.StatusOK,
		key:    "pig_0123456789abcdef_rest",
		id:     "user-42",
	}
	service, store, sink := setupService(t, behavior)

	rec, err := service.Issue(ctx, issuer.IssueRequest{
		Project:   "docs",
		Email:     "dev@example.com",
		IP:        "203.0.113.7",
		UserAgent: "curl/8.0",
	})
	require.NoError(t, err)

	assert.Equal(t, "pig_0123456789abcdef_rest", rec.Key)
	assert.Equal(t, "pig_0123456789ab", rec.KeyPrefix)
	assert.Equal(t, "user-42", rec.SubjectID)
	assert.Equal(t, "docs", rec.Project)
	assert.Equal(t, int64(1000), rec.RateLimit)
	assert.True(t, rec.Active)

	stored, err := store.GetByKey(ctx, rec.Key)
	require.NoError(t, err)
	assert.Equal(t, "dev@example.com", stored.Email)
	assert.Equal(t, "203.0.113.7", stored.IP)
	assert.Zero(t, stored.Requests1m)

	require.Len(t, sink.events, 1)
	assert.Equal(t, "docs", sink.events[0].Project)
	assert.Equal(t, "dev@example.com", sink.events[0].Email)
	assert.Equal(t, rec.KeyPrefix, sink.events[0].KeyPrefix)
	assert.NotEmpty(t, sink.events[0].DeliveryID)

	assert.Equal(t, []string{"dev@example.com"}, behavior.seenEmails)
}

func TestIssueDefaults(t *testing.T) {
	ctx := context.Background()
	behavior := &upstreamBehavior{status: http.StatusOK, key: "anon-key-0123456789", id: "user-1"}
	service, _, sink := setupService(t, behavior)

	rec, err := service.Issue(ctx, issuer.IssueRequest{})
	require.NoError(t, err)
	assert.Equal(t, "main", rec.Project)
	assert.Empty(t, rec.Email)

	require.Len(t, behavior.seenEmails, 1)
	assert.True(t, strings.HasPrefix(behavior.seenEmails[0], "user_"), "synthesized email: %s", behavior.seenEmails[0])
	assert.True(t, strings.HasSuffix(behavior.seenEmails[0], "@key.pigment"), "synthesized email: %s", behavior.seenEmails[0])

	require.Len(t, sink.events, 1)
	assert.Equal(t, "anonymous", sink.events[0].Email)
}

func TestIssueUpstreamFailure(t *testing.T) {
	ctx := context.Background()
	behavior := &upstreamBehavior{status: http.StatusBadGateway}
	service, _, sink := setupService(t, behavior)

	_, err := service.Issue(ctx, issuer.IssueRequest{Project: "docs"})
	require.Error(t, err)
	assert.ErrorIs(t, err, issuer.ErrUpstreamIssuance)
	assert.Empty(t, sink.events, "failed issuance must not notify")
}

func TestIssuePersistenceFailure(t *testing.T) {
	ctx := context.Background()
	// The fake upstream hands out the same key twice; the second insert
	// collides on the primary key.
	behavior := &upstreamBehavior{status: http.StatusOK, key: "dup-key-0123456789", id: "user-1"}
	service, store, sink := setupService(t, behavior)

	_, err := service.Issue(ctx, issuer.IssueRequest{Project: "docs"})
	require.NoError(t, err)

	_, err = service.Issue(ctx, issuer.IssueRequest{Project: "docs"})
	require.Error(t, err)
	assert.ErrorIs(t, err, issuer.ErrPersistence)

	rec, err := store.GetByKey(ctx, "dup-key-0123456789")
	require.NoError(t, err)
	assert.True(t, rec.Active, "original record must survive the failed insert")

	assert.Len(t, sink.events, 1, "failed persistence must not notify")
}
