package queue

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/AfshinJalili/tokex/services/settlement/internal/storage"
	"github.com/AfshinJalili/tokex/services/settlement/internal/storage/memory"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testClock struct{ t time.Time }

func (c *testClock) now() time.Time { return c.t }

func newTestWorker(store storage.JobStore, metrics *Metrics) (*Worker, *testClock) {
	w := NewWorker(store, Config{BatchSize: 10, BaseDelay: time.Second, MaxDelay: time.Minute}, testLogger(), metrics)
	clock := &testClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	w.now = clock.now
	return w, clock
}

func enqueue(t *testing.T, store *memory.Store, jobType string, maxAttempts int, at time.Time) uuid.UUID {
	t.Helper()
	job := &storage.Job{Type: jobType, Payload: []byte(`{}`), MaxAttempts: maxAttempts, ScheduledFor: at}
	if err := store.EnqueueJob(context.Background(), job); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return job.ID
}

func TestBackoff(t *testing.T) {
	cases := []struct {
		attempts int
		want     time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{3, 8 * time.Second},
		{10, time.Minute},
		{100, time.Minute},
	}
	for _, tc := range cases {
		if got := Backoff(tc.attempts, time.Second, time.Minute); got != tc.want {
			t.Fatalf("Backoff(%d) = %s, want %s", tc.attempts, got, tc.want)
		}
	}
}

func TestJobRetriedUntilCompleted(t *testing.T) {
	store := memory.New()
	metrics := NewMetrics(prometheus.NewRegistry())
	w, clock := newTestWorker(store, metrics)
	id := enqueue(t, store, JobRevenueCollection, 3, clock.t)

	var calls int32
	w.Register(JobRevenueCollection, HandlerFunc(func(context.Context, storage.Job) error {
		if atomic.AddInt32(&calls, 1) < 3 {
			return errors.New("treasury unavailable")
		}
		return nil
	}))

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		n, err := w.ProcessBatch(ctx)
		if err != nil || n != 1 {
			t.Fatalf("round %d: expected one job, got %d (%v)", i, n, err)
		}
		job, _ := store.GetJob(ctx, id)
		if i < 2 {
			if job.Status != storage.JobPending {
				t.Fatalf("round %d: expected pending retry, got %s", i, job.Status)
			}
			wantAt := clock.t.Add(Backoff(job.Attempts, time.Second, time.Minute))
			if !job.ScheduledFor.Equal(wantAt) {
				t.Fatalf("round %d: expected retry at %s, got %s", i, wantAt, job.ScheduledFor)
			}
			if n, _ := w.ProcessBatch(ctx); n != 0 {
				t.Fatalf("retry must not be claimable before its backoff")
			}
			clock.t = job.ScheduledFor
		}
	}

	job, err := store.GetJob(ctx, id)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job.Status != storage.JobCompleted || job.Attempts != 3 {
		t.Fatalf("expected completed with 3 attempts, got %s/%d", job.Status, job.Attempts)
	}
	if got := testutil.ToFloat64(metrics.JobsProcessed.WithLabelValues(JobRevenueCollection, "retried")); got != 2 {
		t.Fatalf("expected 2 retries recorded, got %v", got)
	}
}

func TestJobFailsAfterMaxAttempts(t *testing.T) {
	store := memory.New()
	w, clock := newTestWorker(store, nil)
	id := enqueue(t, store, JobRewardDistribution, 3, clock.t)
	w.Register(JobRewardDistribution, HandlerFunc(func(context.Context, storage.Job) error {
		return errors.New("always broken")
	}))

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if n, err := w.ProcessBatch(ctx); err != nil || n != 1 {
			t.Fatalf("round %d: expected one job, got %d (%v)", i, n, err)
		}
		clock.t = clock.t.Add(time.Hour)
	}

	job, err := store.GetJob(ctx, id)
	if err != nil {
		t.Fatalf("failed job must not be deleted: %v", err)
	}
	if job.Status != storage.JobFailed || job.Attempts != 3 {
		t.Fatalf("expected failed after 3 attempts, got %s/%d", job.Status, job.Attempts)
	}
	if job.LastError != "always broken" {
		t.Fatalf("expected last error kept, got %q", job.LastError)
	}

	clock.t = clock.t.Add(30 * 24 * time.Hour)
	if n, _ := w.ProcessBatch(ctx); n != 0 {
		t.Fatalf("failed job must not be retried")
	}
	if err := w.Maintain(ctx); err != nil {
		t.Fatalf("maintain: %v", err)
	}
	if _, err := store.GetJob(ctx, id); err != nil {
		t.Fatalf("purge must keep failed jobs: %v", err)
	}
}

func TestPermanentErrorFailsImmediately(t *testing.T) {
	store := memory.New()
	w, clock := newTestWorker(store, nil)
	id := enqueue(t, store, JobRevenueCollection, 5, clock.t)
	w.Register(JobRevenueCollection, HandlerFunc(func(context.Context, storage.Job) error {
		return Permanent(errors.New("bad payload"))
	}))

	if _, err := w.ProcessBatch(context.Background()); err != nil {
		t.Fatalf("process: %v", err)
	}
	job, _ := store.GetJob(context.Background(), id)
	if job.Status != storage.JobFailed || job.Attempts != 1 {
		t.Fatalf("expected immediate failure, got %s/%d", job.Status, job.Attempts)
	}
}

func TestUnknownJobTypeFails(t *testing.T) {
	store := memory.New()
	w, clock := newTestWorker(store, nil)
	id := enqueue(t, store, "mystery", 5, clock.t)

	if _, err := w.ProcessBatch(context.Background()); err != nil {
		t.Fatalf("process: %v", err)
	}
	job, _ := store.GetJob(context.Background(), id)
	if job.Status != storage.JobFailed {
		t.Fatalf("expected unknown type to fail, got %s", job.Status)
	}
}

func TestHandlerPanicIsRetried(t *testing.T) {
	store := memory.New()
	w, clock := newTestWorker(store, nil)
	id := enqueue(t, store, JobRevenueCollection, 3, clock.t)
	w.Register(JobRevenueCollection, HandlerFunc(func(context.Context, storage.Job) error {
		panic("boom")
	}))

	if _, err := w.ProcessBatch(context.Background()); err != nil {
		t.Fatalf("process: %v", err)
	}
	job, _ := store.GetJob(context.Background(), id)
	if job.Status != storage.JobPending || job.LastError == "" {
		t.Fatalf("expected panic to schedule a retry, got %s %q", job.Status, job.LastError)
	}
}

func TestMaintainRecoversAbandonedJobs(t *testing.T) {
	store := memory.New()
	w, clock := newTestWorker(store, nil)
	id := enqueue(t, store, JobRevenueCollection, 3, clock.t)

	// Simulate a worker that claimed the job and died.
	if _, err := store.ClaimJobs(context.Background(), 1, clock.t); err != nil {
		t.Fatalf("claim: %v", err)
	}
	clock.t = clock.t.Add(10 * time.Minute)
	if err := w.Maintain(context.Background()); err != nil {
		t.Fatalf("maintain: %v", err)
	}
	job, _ := store.GetJob(context.Background(), id)
	if job.Status != storage.JobPending {
		t.Fatalf("expected abandoned job back to pending, got %s", job.Status)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	store := memory.New()
	w := NewWorker(store, Config{Workers: 2, PollInterval: 5 * time.Millisecond}, testLogger(), nil)
	done := make(chan struct{})
	w.Register(JobRevenueCollection, HandlerFunc(func(context.Context, storage.Job) error {
		close(done)
		return nil
	}))
	_ = store.EnqueueJob(context.Background(), &storage.Job{Type: JobRevenueCollection, Payload: []byte(`{}`), MaxAttempts: 3})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- w.Run(ctx) }()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("job was not processed")
	}
	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("worker did not stop")
	}
}

func TestCreditHandlerIsIdempotent(t *testing.T) {
	store := memory.New()
	treasury := uuid.New()
	h := &CreditHandler{Store: store, Account: treasury, Kind: storage.LedgerRevenue}

	job, err := NewJob(JobRevenueCollection, "trade-1", CreditPayload{
		TradeID: uuid.New(),
		Symbol:  "BTC-USD",
		Asset:   "USD",
		Amount:  decimal.RequireFromString("1.25"),
	}, 3)
	if err != nil {
		t.Fatalf("new job: %v", err)
	}
	again, _ := NewJob(JobRevenueCollection, "trade-1", CreditPayload{}, 3)
	if again.ID != job.ID {
		t.Fatalf("expected deterministic job id")
	}

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := h.Handle(ctx, *job); err != nil {
			t.Fatalf("handle %d: %v", i, err)
		}
	}

	w, _ := store.GetWallet(ctx, treasury, "USD")
	if !w.Balance.Equal(decimal.RequireFromString("1.25")) {
		t.Fatalf("expected single credit of 1.25, got %s", w.Balance)
	}
	entries, _ := store.ListLedgerTransactions(ctx, treasury, "USD")
	if len(entries) != 1 || entries[0].Reference != LedgerReference(job.ID) {
		t.Fatalf("expected one ledger entry with job reference, got %+v", entries)
	}
	if !entries[0].BalanceBefore.IsZero() || !entries[0].BalanceAfter.Equal(w.Balance) {
		t.Fatalf("unexpected before/after %s/%s", entries[0].BalanceBefore, entries[0].BalanceAfter)
	}
}

func TestCreditHandlerRejectsBadPayload(t *testing.T) {
	h := &CreditHandler{Store: memory.New(), Account: uuid.New(), Kind: storage.LedgerReward}
	err := h.Handle(context.Background(), storage.Job{ID: uuid.New(), Payload: []byte(`not json`)})
	if !IsPermanent(err) {
		t.Fatalf("expected permanent error, got %v", err)
	}
}
