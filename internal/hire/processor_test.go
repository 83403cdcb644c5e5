package hire

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	xerrors "Sokosumi-Chain/internal/errors"
	"Sokosumi-Chain/internal/masumi"
	"Sokosumi-Chain/internal/observability/alerting"
	"Sokosumi-Chain/internal/queue"
	"Sokosumi-Chain/internal/tracking"
	"Sokosumi-Chain/pkg/logger"
)

type recordingDispatcher struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (r *recordingDispatcher) Notify(_ context.Context, event alerting.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *recordingDispatcher) stages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Metadata["stage"])
	}
	return out
}

func startProcessor(t *testing.T, svc *Service, q *queue.MemoryQueue, opts ...ProcessorOption) *Processor {
	t.Helper()
	opts = append([]ProcessorOption{WithRetryDelay(0), WithProcessorLogger(logger.Discard())}, opts...)
	p := NewProcessor(svc, q, q, opts...)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = p.Start(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return p
}

func waitForStatus(t *testing.T, store tracking.Store, id string, want tracking.Status) *tracking.Job {
	t.Helper()
	var job *tracking.Job
	require.Eventually(t, func() bool {
		current, err := store.Get(context.Background(), id)
		if err != nil {
			return false
		}
		job = current
		return current.Status == want
	}, 2*time.Second, 10*time.Millisecond)
	return job
}

func TestProcessorLocksQueuedPayment(t *testing.T) {
	q := queue.NewMemoryQueue(8)
	payments := &fakePayments{}
	svc, store := newTestService(&fakeMarket{createFn: paidJob("job-1", "bc-1")}, payments, WithProducer(q))

	res, err := svc.Hire(context.Background(), HireRequest{AgentID: "agent-1"})
	require.NoError(t, err)
	require.Equal(t, tracking.StatusPendingPayment, res.Job.Status)

	startProcessor(t, svc, q)
	job := waitForStatus(t, store, "job-1", tracking.StatusInProgress)
	require.Equal(t, "FundsLocked", job.PaymentState)
	require.Equal(t, 1, payments.waitCount())
}

func TestProcessorRetriesTransientFailures(t *testing.T) {
	q := queue.NewMemoryQueue(8)
	var (
		mu    sync.Mutex
		calls int
	)
	payments := &fakePayments{waitFn: func(_ context.Context, id string, _ masumi.WaitOptions) (*masumi.PaymentStatus, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls == 1 {
			return nil, masumi.ErrServiceUnavailable
		}
		return &masumi.PaymentStatus{BlockchainIdentifier: id, OnChainState: masumi.StateFundsLocked}, nil
	}}
	alerts := &recordingDispatcher{}
	svc, store := newTestService(&fakeMarket{createFn: paidJob("job-1", "bc-1")}, payments, WithProducer(q))
	_, err := svc.Hire(context.Background(), HireRequest{AgentID: "agent-1"})
	require.NoError(t, err)

	startProcessor(t, svc, q, WithAlertDispatcher(alerts))
	job := waitForStatus(t, store, "job-1", tracking.StatusInProgress)
	require.Equal(t, 1, job.CheckCount)
	require.Equal(t, 2, payments.waitCount())
	require.Equal(t, []string{"retry"}, alerts.stages())
}

func TestProcessorFailsAfterMaxChecks(t *testing.T) {
	q := queue.NewMemoryQueue(8)
	payments := &fakePayments{waitFn: func(context.Context, string, masumi.WaitOptions) (*masumi.PaymentStatus, error) {
		return nil, masumi.ErrNetworkError
	}}
	alerts := &recordingDispatcher{}
	svc, store := newTestService(&fakeMarket{createFn: paidJob("job-1", "bc-1")}, payments, WithProducer(q), WithMaxChecks(2))
	_, err := svc.Hire(context.Background(), HireRequest{AgentID: "agent-1"})
	require.NoError(t, err)

	startProcessor(t, svc, q, WithAlertDispatcher(alerts))
	job := waitForStatus(t, store, "job-1", tracking.StatusFailed)
	require.Equal(t, string(masumi.CodeNetworkError), job.ErrorCode)
	require.Equal(t, 2, job.CheckCount)
	require.Equal(t, 2, payments.waitCount())
	require.Eventually(t, func() bool {
		stages := alerts.stages()
		return len(stages) == 1 && stages[0] == "exhausted"
	}, time.Second, 10*time.Millisecond)
}

func TestProcessorAlertsOnTerminalFailures(t *testing.T) {
	q := queue.NewMemoryQueue(8)
	payments := &fakePayments{waitFn: func(context.Context, string, masumi.WaitOptions) (*masumi.PaymentStatus, error) {
		return nil, masumi.ErrUnauthorized
	}}
	alerts := &recordingDispatcher{}
	svc, store := newTestService(&fakeMarket{createFn: paidJob("job-1", "bc-1")}, payments, WithProducer(q))
	_, err := svc.Hire(context.Background(), HireRequest{AgentID: "agent-1"})
	require.NoError(t, err)

	startProcessor(t, svc, q, WithAlertDispatcher(alerts))
	waitForStatus(t, store, "job-1", tracking.StatusFailed)
	require.Eventually(t, func() bool {
		alerts.mu.Lock()
		defer alerts.mu.Unlock()
		return len(alerts.events) == 1 &&
			alerts.events[0].Code == masumi.CodeUnauthorized &&
			alerts.events[0].JobID == "job-1" &&
			alerts.events[0].Severity == xerrors.SeverityCritical
	}, time.Second, 10*time.Millisecond)
}

func TestProcessorSkipsJobsNotAwaitingPayment(t *testing.T) {
	q := queue.NewMemoryQueue(8)
	payments := &fakePayments{}
	svc, store := newTestService(&fakeMarket{}, payments)
	seedJob(t, store, &tracking.Job{ID: "running", AgentID: "a", Status: tracking.StatusInProgress, MasumiJobID: "bc-1"})
	seedJob(t, store, &tracking.Job{ID: "free", AgentID: "a"})

	p := NewProcessor(svc, q, q, WithProcessorLogger(logger.Discard()))
	require.NoError(t, p.handle(context.Background(), "running"))
	require.NoError(t, p.handle(context.Background(), "free"))
	require.NoError(t, p.handle(context.Background(), "missing"))
	require.Zero(t, payments.waitCount())
}

func TestProcessorRecoverRequeuesPendingJobs(t *testing.T) {
	q := queue.NewMemoryQueue(8)
	svc, store := newTestService(&fakeMarket{}, &fakePayments{})
	seedJob(t, store, &tracking.Job{ID: "p1", AgentID: "a", MasumiJobID: "bc-1"})
	seedJob(t, store, &tracking.Job{ID: "p2", AgentID: "a", MasumiJobID: "bc-2"})
	seedJob(t, store, &tracking.Job{ID: "no-payment", AgentID: "a"})
	seedJob(t, store, &tracking.Job{ID: "running", AgentID: "a", Status: tracking.StatusInProgress, MasumiJobID: "bc-3"})

	p := NewProcessor(svc, q, q, WithProcessorLogger(logger.Discard()))
	n, err := p.Recover(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Equal(t, 2, q.Len())
}

func TestProcessorStartRequiresConsumer(t *testing.T) {
	svc, _ := newTestService(&fakeMarket{}, nil)
	p := NewProcessor(svc, nil, nil, WithProcessorLogger(logger.Discard()))
	require.Equal(t, xerrors.CodeInitializationFailure, xerrors.CodeOf(p.Start(context.Background())))

	_, err := p.Recover(context.Background())
	require.Equal(t, xerrors.CodeInitializationFailure, xerrors.CodeOf(err))
}

func TestProcessorRunRecoversMoreJobsThanQueueHolds(t *testing.T) {
	q := queue.NewMemoryQueue(2)
	payments := &fakePayments{}
	svc, store := newTestService(&fakeMarket{}, payments)
	for _, id := range []string{"p1", "p2", "p3"} {
		seedJob(t, store, &tracking.Job{ID: id, AgentID: "a", MasumiJobID: "bc-" + id})
	}

	p := NewProcessor(svc, q, q, WithRetryDelay(0), WithProcessorLogger(logger.Discard()))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	for _, id := range []string{"p1", "p2", "p3"} {
		waitForStatus(t, store, id, tracking.StatusInProgress)
	}
	require.Equal(t, 3, payments.waitCount())

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

func TestProcessorRetryBackoffGrowsAndCaps(t *testing.T) {
	svc, _ := newTestService(&fakeMarket{}, nil)
	p := NewProcessor(svc, nil, nil, WithRetryDelay(time.Second), WithProcessorLogger(logger.Discard()))

	require.Zero(t, p.retryBackoff(0))
	require.Equal(t, time.Second, p.retryBackoff(1))
	require.Equal(t, 1500*time.Millisecond, p.retryBackoff(2))
	require.Greater(t, p.retryBackoff(3), p.retryBackoff(2))
	require.Equal(t, maxRetryDelay, p.retryBackoff(50))

	none := NewProcessor(svc, nil, nil, WithRetryDelay(0), WithProcessorLogger(logger.Discard()))
	require.Zero(t, none.retryBackoff(5))
}
