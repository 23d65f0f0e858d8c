package credential_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pigment-org/key-service/internal/credential"
	"github.com/pigment-org/key-service/internal/logger"
)

func createTestStore(t *testing.T) *credential.SQLStore {
	t.Helper()
	ctx := context.Background()
	testLogger := logger.Development()
	store, err := credential.NewSQLiteStore(ctx, testLogger, ":memory:")
	require.NoError(t, err, "failed to create test store")
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testRecord(key string, limit int64) *credential.Record {
	return &credential.Record{
		Key:       key,
		KeyPrefix: credential.Prefix(key),
		SubjectID: "subject-1",
		Project:   "docs",
		Email:     "dev@example.com",
		IP:        "203.0.113.7",
		UserAgent: "curl/8.0",
		RateLimit: limit,
		Active:    true,
		CreatedAt: time.Now(),
	}
}

func TestStore(t *testing.T) {
	ctx := context.Background()
	store := createTestStore(t)

	t.Run("InsertAndGet", func(t *testing.T) {
		rec := testRecord("pk_live_0123456789abcdef_tail", 1000)
		require.NoError(t, store.Insert(ctx, rec))

		got, err := store.GetByKey(ctx, rec.Key)
		require.NoError(t, err)
		assert.Equal(t, rec.Key, got.Key)
		assert.Equal(t, "pk_live_01234567", got.KeyPrefix)
		assert.Equal(t, "subject-1", got.SubjectID)
		assert.Equal(t, "docs", got.Project)
		assert.Equal(t, int64(1000), got.RateLimit)
		assert.True(t, got.Active)
		assert.Zero(t, got.Requests1m)
		assert.Zero(t, got.TotalRequests)
		assert.Nil(t, got.LastUsed)
		assert.False(t, got.CreatedAt.IsZero())
	})

	t.Run("DuplicateKey", func(t *testing.T) {
		rec := testRecord("pk_live_0123456789abcdef_tail", 1000)
		require.Error(t, store.Insert(ctx, rec))
	})

	t.Run("UnknownKey", func(t *testing.T) {
		_, err := store.GetByKey(ctx, "no-such-key")
		require.Error(t, err)
		assert.ErrorIs(t, err, credential.ErrKeyNotFound)
	})

	t.Run("EmptyKey", func(t *testing.T) {
		rec := testRecord("  ", 1000)
		err := store.Insert(ctx, rec)
		require.Error(t, err)
		assert.ErrorIs(t, err, credential.ErrEmptyKey)
	})
}

func TestRecordUsage(t *testing.T) {
	ctx := context.Background()
	store := createTestStore(t)

	rec := testRecord("usage-key", 3)
	require.NoError(t, store.Insert(ctx, rec))

	t.Run("AdmitsUpToLimit", func(t *testing.T) {
		for i := 0; i < 3; i++ {
			admitted, err := store.RecordUsage(ctx, rec.Key, rec.RateLimit, time.Now())
			require.NoError(t, err)
			assert.True(t, admitted, "request %d should be admitted", i+1)
		}

		got, err := store.GetByKey(ctx, rec.Key)
		require.NoError(t, err)
		assert.Equal(t, int64(3), got.Requests1m)
		assert.Equal(t, int64(3), got.Requests1h)
		assert.Equal(t, int64(3), got.Requests1d)
		assert.Equal(t, int64(3), got.TotalRequests)
		require.NotNil(t, got.LastUsed)
	})

	t.Run("CeilingBlocksFurtherIncrements", func(t *testing.T) {
		admitted, err := store.RecordUsage(ctx, rec.Key, rec.RateLimit, time.Now())
		require.NoError(t, err)
		assert.False(t, admitted)

		got, err := store.GetByKey(ctx, rec.Key)
		require.NoError(t, err)
		assert.Equal(t, int64(3), got.Requests1m, "denied attempt must not advance counters")
		assert.Equal(t, int64(3), got.TotalRequests)
	})

	t.Run("UnknownKeyNotAdmitted", func(t *testing.T) {
		admitted, err := store.RecordUsage(ctx, "no-such-key", 10, time.Now())
		require.NoError(t, err)
		assert.False(t, admitted)
	})
}

func TestPrefix(t *testing.T) {
	assert.Equal(t, "short", credential.Prefix("short"))
	assert.Equal(t, "0123456789abcdef", credential.Prefix("0123456789abcdef-rest-of-key"))
}
