package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"marketplace-ratelimiter/internal/domain"
	"marketplace-ratelimiter/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCleanupWorker_RunOnceUsesCutoffs(t *testing.T) {
	// Arrange
	now := time.Date(2026, 3, 14, 15, 0, 0, 0, time.UTC)
	mockStore := new(MockStorage)
	mockStore.On("PurgeCounters", context.Background(), now.Add(-24*time.Hour)).Return(int64(3), nil)
	mockStore.On("PurgeViolations", context.Background(), now.Add(-7*24*time.Hour)).Return(int64(2), nil)
	mockStore.On("PurgeBlocks", context.Background(), now.Add(-24*time.Hour)).Return(int64(1), nil)

	worker := NewCleanupWorker(mockStore, time.Minute, 7*24*time.Hour, nil, newQuietLogger())
	worker.now = func() time.Time { return now }

	// Act
	result := worker.RunOnce(context.Background())

	// Assert
	assert.Equal(t, CleanupResult{Counters: 3, Violations: 2, Blocks: 1}, result)
	mockStore.AssertExpectations(t)
}

func TestCleanupWorker_RunOnceContinuesAfterFailure(t *testing.T) {
	mockStore := new(MockStorage)
	mockStore.On("PurgeCounters", context.Background(), mockAnyTime()).Return(int64(0), errors.New("connection refused"))
	mockStore.On("PurgeViolations", context.Background(), mockAnyTime()).Return(int64(4), nil)
	mockStore.On("PurgeBlocks", context.Background(), mockAnyTime()).Return(int64(0), nil)

	worker := NewCleanupWorker(mockStore, 0, 0, nil, newQuietLogger())

	result := worker.RunOnce(context.Background())

	assert.Equal(t, int64(4), result.Violations)
	mockStore.AssertExpectations(t)
}

func TestCleanupWorker_RunOnceWithMemoryStorage(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage(nil)
	old := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	now := old.Add(60 * 24 * time.Hour)

	key := domain.RequestKey{Identifier: "10.0.0.1", IdentifierType: domain.IdentifierIP, Endpoint: "/api/books", Method: "GET"}
	_, err := store.IncrementCounts(ctx, key, old)
	require.NoError(t, err)
	require.NoError(t, store.AppendViolation(ctx, domain.Violation{
		ID: "v1", Identifier: "10.0.0.1", IdentifierType: domain.IdentifierIP,
		Endpoint: "/api/books", Method: "GET", OccurredAt: old,
	}))
	require.NoError(t, store.PutBlock(ctx, domain.Block{
		Identifier: "10.0.0.1", IdentifierType: domain.IdentifierIP,
		CreatedAt: old, BlockedUntil: old.Add(time.Minute), Reason: "manual",
	}))

	worker := NewCleanupWorker(store, time.Hour, 30*24*time.Hour, nil, newQuietLogger())
	worker.now = func() time.Time { return now }

	result := worker.RunOnce(ctx)

	// uma entrada por granularidade
	assert.Equal(t, CleanupResult{Counters: 3, Violations: 1, Blocks: 1}, result)
	count, err := store.CountViolations(ctx, "10.0.0.1", domain.IdentifierIP, old.Add(-time.Hour))
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestCleanupWorker_RunStopsOnCancel(t *testing.T) {
	mockStore := new(MockStorage)
	mockStore.On("PurgeCounters", mockAnyCtx(), mockAnyTime()).Return(int64(0), nil).Maybe()
	mockStore.On("PurgeViolations", mockAnyCtx(), mockAnyTime()).Return(int64(0), nil).Maybe()
	mockStore.On("PurgeBlocks", mockAnyCtx(), mockAnyTime()).Return(int64(0), nil).Maybe()

	worker := NewCleanupWorker(mockStore, 5*time.Millisecond, time.Hour, nil, newQuietLogger())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		worker.Run(ctx)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("cleanup worker did not stop")
	}
}
