package tracking

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	xerrors "Sokosumi-Chain/internal/errors"
)

// tickingClock advances one second per call so ordering is deterministic.
func tickingClock() func() time.Time {
	var mu sync.Mutex
	current := time.Unix(1_700_000_000, 0)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		current = current.Add(time.Second)
		return current
	}
}

func newMemory(t *testing.T) Store {
	store := NewMemoryStore()
	store.now = tickingClock()
	return store
}

func newSQLite(t *testing.T) Store {
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "jobs", "tracking.db"))
	require.NoError(t, err)
	store.now = tickingClock()
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func forEachStore(t *testing.T, fn func(t *testing.T, store Store)) {
	t.Run("memory", func(t *testing.T) { fn(t, newMemory(t)) })
	t.Run("sqlite", func(t *testing.T) { fn(t, newSQLite(t)) })
}

func TestCreateAndGet(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		job := &Job{ID: "job-1", AgentID: "agent-1", AgentName: "Researcher", MasumiJobID: "bc-1", MaxChecks: 20}
		require.NoError(t, store.Create(ctx, job))
		require.Equal(t, StatusPendingPayment, job.Status)
		require.NotZero(t, job.HiredAt)

		got, err := store.Get(ctx, "job-1")
		require.NoError(t, err)
		require.Equal(t, "bc-1", got.MasumiJobID)
		require.Equal(t, StatusPendingPayment, got.Status)
		require.Equal(t, 20, got.MaxChecks)
		require.Nil(t, got.Result)

		require.ErrorIs(t, store.Create(ctx, &Job{ID: "job-1", AgentID: "agent-1"}), ErrJobConflict)

		_, err = store.Get(ctx, "missing")
		require.ErrorIs(t, err, ErrJobNotFound)
		require.Equal(t, CodeJobNotFound, xerrors.CodeOf(err))
	})
}

func TestCreateValidation(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		err := store.Create(context.Background(), &Job{AgentID: "a"})
		require.Equal(t, CodeJobValidation, xerrors.CodeOf(err))
		err = store.Create(context.Background(), &Job{ID: "x", Status: "bogus"})
		require.Equal(t, CodeJobValidation, xerrors.CodeOf(err))
	})
}

func TestStatusTransitions(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		require.NoError(t, store.Create(ctx, &Job{ID: "job-1", AgentID: "a"}))

		require.NoError(t, store.UpdatePaymentState(ctx, "job-1", "FundsLocked"))
		require.NoError(t, store.MarkStatus(ctx, "job-1", StatusUpdate{Status: StatusInProgress}))

		job, err := store.IncrementChecks(ctx, "job-1")
		require.NoError(t, err)
		require.Equal(t, 1, job.CheckCount)

		result := json.RawMessage(`{"answer":42}`)
		require.NoError(t, store.MarkStatus(ctx, "job-1", StatusUpdate{Status: StatusCompleted, Result: result}))

		job, err = store.Get(ctx, "job-1")
		require.NoError(t, err)
		require.Equal(t, StatusCompleted, job.Status)
		require.Equal(t, "FundsLocked", job.PaymentState)
		require.JSONEq(t, `{"answer":42}`, string(job.Result))
		require.NotZero(t, job.CompletedAt)

		require.ErrorIs(t, store.MarkStatus(ctx, "job-1", StatusUpdate{Status: StatusFailed}), ErrJobTerminal)
		_, err = store.IncrementChecks(ctx, "job-1")
		require.ErrorIs(t, err, ErrJobTerminal)

		require.ErrorIs(t, store.MarkStatus(ctx, "missing", StatusUpdate{Status: StatusFailed}), ErrJobNotFound)
		require.ErrorIs(t, store.UpdatePaymentState(ctx, "missing", "x"), ErrJobNotFound)
	})
}

func TestMarkStatusKeepsErrorCode(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		require.NoError(t, store.Create(ctx, &Job{ID: "job-1", AgentID: "a"}))
		require.NoError(t, store.MarkStatus(ctx, "job-1", StatusUpdate{
			Status:    StatusTimedOut,
			LastError: "payment not locked within 300000ms",
			ErrorCode: "MASUMI_TIMEOUT",
		}))
		job, err := store.Get(ctx, "job-1")
		require.NoError(t, err)
		require.Equal(t, "MASUMI_TIMEOUT", job.ErrorCode)
		require.Contains(t, job.LastError, "300000ms")
	})
}

func TestListFilters(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		for i := 0; i < 5; i++ {
			agent := "a"
			if i%2 == 1 {
				agent = "b"
			}
			require.NoError(t, store.Create(ctx, &Job{ID: fmt.Sprintf("job-%d", i), AgentID: agent}))
		}
		require.NoError(t, store.MarkStatus(ctx, "job-0", StatusUpdate{Status: StatusCompleted}))

		all, err := store.List(ctx, BuildListOptions())
		require.NoError(t, err)
		require.Len(t, all, 5)
		require.Equal(t, "job-0", all[0].ID)

		active, err := store.List(ctx, BuildListOptions(WithStatuses(ActiveStatuses...)))
		require.NoError(t, err)
		require.Len(t, active, 4)

		agentB, err := store.List(ctx, BuildListOptions(WithAgent("b"), WithSortOrder(SortByUpdatedAsc)))
		require.NoError(t, err)
		require.Len(t, agentB, 2)
		require.Equal(t, "job-1", agentB[0].ID)
		require.Equal(t, "job-3", agentB[1].ID)

		page, err := store.List(ctx, BuildListOptions(WithLimit(2), WithOffset(4)))
		require.NoError(t, err)
		require.Len(t, page, 1)
	})
}

func TestPruneKeepsMostRecentFinished(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		for i := 0; i < 6; i++ {
			id := fmt.Sprintf("job-%d", i)
			require.NoError(t, store.Create(ctx, &Job{ID: id, AgentID: "a"}))
			if i < 5 {
				require.NoError(t, store.MarkStatus(ctx, id, StatusUpdate{Status: StatusCompleted}))
			}
		}

		removed, err := store.Prune(ctx, 2)
		require.NoError(t, err)
		require.Equal(t, 3, removed)

		remaining, err := store.List(ctx, BuildListOptions(WithSortOrder(SortByUpdatedAsc)))
		require.NoError(t, err)
		ids := make([]string, 0, len(remaining))
		for _, job := range remaining {
			ids = append(ids, job.ID)
		}
		require.ElementsMatch(t, []string{"job-3", "job-4", "job-5"}, ids)

		removed, err = store.Prune(ctx, 10)
		require.NoError(t, err)
		require.Zero(t, removed)
	})
}

func TestOpen(t *testing.T) {
	store, err := Open("memory", "")
	require.NoError(t, err)
	require.IsType(t, &MemoryStore{}, store)

	store, err = Open("sqlite", filepath.Join(t.TempDir(), "a.db"))
	require.NoError(t, err)
	require.NoError(t, store.Close())

	_, err = Open("postgres", "")
	require.Error(t, err)
}
