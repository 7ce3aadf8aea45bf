package audit

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	store, err := NewSQLiteStore(t.TempDir(), logger)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestLogAndGetLogs(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	events := []*AccessEvent{
		{UserID: 123, Operation: OperationPut, ResourcePath: "user-123/a.txt", StatusCode: 200, BytesTransferred: 512, Success: true},
		{UserID: 123, Operation: OperationGet, ResourcePath: "user-123/a.txt", StatusCode: 200, BytesTransferred: 512, Success: true},
		{UserID: 123, Operation: OperationPut, ResourcePath: "user-123/big.bin", StatusCode: 413, Success: false, ErrorMessage: "quota exceeded"},
		{UserID: 456, Operation: OperationGet, ResourcePath: "user-456/b.txt", StatusCode: 200, BytesTransferred: 100, Success: true},
	}
	for _, e := range events {
		require.NoError(t, store.LogAccess(ctx, e))
	}

	entries, total, err := store.GetLogs(ctx, &LogFilters{UserID: 123, Page: 1, PageSize: 50})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Len(t, entries, 3)
	for _, e := range entries {
		assert.Equal(t, int64(123), e.UserID)
	}

	failed := false
	entries, total, err = store.GetLogs(ctx, &LogFilters{UserID: 123, Success: &failed, Page: 1, PageSize: 50})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, entries, 1)
	assert.Equal(t, "quota exceeded", entries[0].ErrorMessage)
	assert.Equal(t, 413, entries[0].StatusCode)

	entries, total, err = store.GetLogs(ctx, &LogFilters{Operation: OperationPut, Page: 1, PageSize: 50})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
}

func TestGetLogsPagination(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	for i := 0; i < 25; i++ {
		require.NoError(t, store.LogAccess(ctx, &AccessEvent{
			UserID:    123,
			Operation: OperationGet,
			Success:   true,
		}))
	}

	entries, total, err := store.GetLogs(ctx, &LogFilters{UserID: 123, Page: 1, PageSize: 10})
	require.NoError(t, err)
	assert.Equal(t, 25, total)
	assert.Len(t, entries, 10)

	entries, _, err = store.GetLogs(ctx, &LogFilters{UserID: 123, Page: 3, PageSize: 10})
	require.NoError(t, err)
	assert.Len(t, entries, 5)
}

func TestGetSummary(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.LogAccess(ctx, &AccessEvent{UserID: 123, Operation: OperationPut, BytesTransferred: 100, Success: true}))
	require.NoError(t, store.LogAccess(ctx, &AccessEvent{UserID: 123, Operation: OperationGet, BytesTransferred: 200, Success: true}))
	require.NoError(t, store.LogAccess(ctx, &AccessEvent{UserID: 123, Operation: OperationPut, Success: false}))
	require.NoError(t, store.LogAccess(ctx, &AccessEvent{UserID: 456, Operation: OperationGet, BytesTransferred: 999, Success: true}))

	summary, err := store.GetSummary(ctx, 123, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(3), summary.TotalRequests)
	assert.Equal(t, int64(1), summary.FailedRequests)
	assert.Equal(t, int64(300), summary.BytesTransferred)
}

func TestGetSummaryEmpty(t *testing.T) {
	store := setupTestStore(t)

	summary, err := store.GetSummary(context.Background(), 999, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(0), summary.TotalRequests)
	assert.Equal(t, int64(0), summary.BytesTransferred)
}

func TestPurgeLogsKeepsRecentEntries(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.LogAccess(ctx, &AccessEvent{UserID: 123, Operation: OperationGet, Success: true}))

	// Entries just written are newer than any positive retention cutoff
	deleted, err := store.PurgeLogs(ctx, 30)
	require.NoError(t, err)
	assert.Equal(t, 0, deleted)

	_, total, err := store.GetLogs(ctx, &LogFilters{UserID: 123, Page: 1, PageSize: 10})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
}

func TestManagerPinsUserFilter(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	mgr := NewManager(store, logger)

	require.NoError(t, mgr.LogAccess(ctx, &AccessEvent{UserID: 123, Operation: OperationGet, Success: true}))
	require.NoError(t, mgr.LogAccess(ctx, &AccessEvent{UserID: 456, Operation: OperationGet, Success: true}))

	// The filter claims another user; GetUserLogs must override it
	entries, total, err := mgr.GetUserLogs(ctx, 123, &LogFilters{UserID: 456})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, entries, 1)
	assert.Equal(t, int64(123), entries[0].UserID)
}

func TestManagerIgnoresMalformedEvents(t *testing.T) {
	store := setupTestStore(t)

	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)
	mgr := NewManager(store, logger)

	assert.NoError(t, mgr.LogAccess(context.Background(), nil))
	assert.NoError(t, mgr.LogAccess(context.Background(), &AccessEvent{UserID: 123}))
}
