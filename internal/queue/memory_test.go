package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	xerrors "Sokosumi-Chain/internal/errors"
)

func TestMemoryQueueDeliversToHandler(t *testing.T) {
	q := NewMemoryQueue(4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		mu   sync.Mutex
		seen []string
	)
	done := make(chan error, 1)
	go func() {
		done <- q.Consume(ctx, 2, func(_ context.Context, jobID string) error {
			mu.Lock()
			seen = append(seen, jobID)
			mu.Unlock()
			return nil
		})
	}()

	require.NoError(t, q.Publish(ctx, "job-1"))
	require.NoError(t, q.Publish(ctx, "job-2"))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 2
	}, time.Second, 10*time.Millisecond)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
	require.ElementsMatch(t, []string{"job-1", "job-2"}, seen)
}

func TestMemoryQueueRequeuesRetryableFailures(t *testing.T) {
	q := NewMemoryQueue(4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		mu       sync.Mutex
		attempts int
	)
	go func() {
		_ = q.Consume(ctx, 1, func(_ context.Context, _ string) error {
			mu.Lock()
			defer mu.Unlock()
			attempts++
			if attempts == 1 {
				return xerrors.New(xerrors.CodeStorageFailure, "transient")
			}
			return nil
		})
	}()

	require.NoError(t, q.Publish(ctx, "job-1"))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return attempts == 2
	}, time.Second, 10*time.Millisecond)
}

func TestMemoryQueueDropsPermanentFailures(t *testing.T) {
	q := NewMemoryQueue(4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	calls := make(chan struct{}, 4)
	go func() {
		_ = q.Consume(ctx, 1, func(_ context.Context, _ string) error {
			calls <- struct{}{}
			return xerrors.New(xerrors.CodeInvalidArgument, "bad job")
		})
	}()

	require.NoError(t, q.Publish(ctx, "job-1"))
	<-calls
	require.Never(t, func() bool { return len(calls) > 0 }, 100*time.Millisecond, 10*time.Millisecond)
}

func TestMemoryQueueClose(t *testing.T) {
	q := NewMemoryQueue(1)
	require.NoError(t, q.Close())
	require.NoError(t, q.Close())
	require.ErrorIs(t, q.Publish(context.Background(), "job-1"), ErrClosed)

	err := q.Consume(context.Background(), 1, func(context.Context, string) error { return nil })
	require.NoError(t, err)
}

func TestMemoryQueuePublishRespectsContext(t *testing.T) {
	q := NewMemoryQueue(1)
	require.NoError(t, q.Publish(context.Background(), "job-1"))
	require.Equal(t, 1, q.Len())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, q.Publish(ctx, "job-2"), context.DeadlineExceeded)
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	q, err := Open(Options{})
	require.NoError(t, err)
	require.IsType(t, &MemoryQueue{}, q)

	_, err = Open(Options{Driver: "kafka"})
	require.Error(t, err)
	_, err = Open(Options{Driver: "redis"})
	require.Error(t, err)
}

func TestMemoryQueueCountsDroppedRequeues(t *testing.T) {
	q := NewMemoryQueue(1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, q.Publish(ctx, "job-1"))
	go func() {
		_ = q.Consume(ctx, 1, func(ctx context.Context, jobID string) error {
			if jobID != "job-1" {
				return nil
			}
			// job-2 takes the only slot before job-1 asks to be retried.
			if err := q.Publish(ctx, "job-2"); err != nil {
				return nil
			}
			return xerrors.New(xerrors.CodeStorageFailure, "transient")
		})
	}()

	require.Eventually(t, func() bool { return q.Dropped() == 1 }, time.Second, 10*time.Millisecond)
}
