// Package queue runs the durable post-trade job queue. Jobs live in the
// store; any number of workers in any number of processes may poll it.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/AfshinJalili/tokex/services/settlement/internal/storage"
	"golang.org/x/sync/errgroup"
)

const (
	JobRevenueCollection  = "revenue_collection"
	JobRewardDistribution = "reward_distribution"
)

var ErrNoHandler = errors.New("no handler registered for job type")

type Handler interface {
	Handle(ctx context.Context, job storage.Job) error
}

type HandlerFunc func(ctx context.Context, job storage.Job) error

func (f HandlerFunc) Handle(ctx context.Context, job storage.Job) error {
	return f(ctx, job)
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying; the job fails immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

type Config struct {
	Workers      int
	BatchSize    int
	PollInterval time.Duration
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	// VisibilityTimeout is how long a claimed job may stay processing before
	// it is assumed abandoned.
	VisibilityTimeout   time.Duration
	Retention           time.Duration
	MaintenanceInterval time.Duration
	HandlerTimeout      time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 5 * time.Minute
	}
	if c.VisibilityTimeout <= 0 {
		c.VisibilityTimeout = 5 * time.Minute
	}
	if c.Retention <= 0 {
		c.Retention = 7 * 24 * time.Hour
	}
	if c.MaintenanceInterval <= 0 {
		c.MaintenanceInterval = time.Minute
	}
	if c.HandlerTimeout <= 0 {
		c.HandlerTimeout = 30 * time.Second
	}
	return c
}

// Backoff is min(2^attempts * base, max).
func Backoff(attempts int, base, max time.Duration) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	delay := base
	for i := 0; i < attempts; i++ {
		if delay >= max {
			return max
		}
		delay *= 2
	}
	if delay > max {
		return max
	}
	return delay
}

type Worker struct {
	store   storage.JobStore
	cfg     Config
	logger  *slog.Logger
	metrics *Metrics
	now     func() time.Time

	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewWorker(store storage.JobStore, cfg Config, logger *slog.Logger, metrics *Metrics) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		store:    store,
		cfg:      cfg.withDefaults(),
		logger:   logger,
		metrics:  metrics,
		now:      func() time.Time { return time.Now().UTC() },
		handlers: make(map[string]Handler),
	}
}

func (w *Worker) Register(jobType string, h Handler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[jobType] = h
}

func (w *Worker) handler(jobType string) (Handler, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	h, ok := w.handlers[jobType]
	return h, ok
}

// Run recovers abandoned jobs, then polls with cfg.Workers loops until ctx
// is done.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.Maintain(ctx); err != nil {
		w.logger.Error("queue maintenance failed", "error", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < w.cfg.Workers; i++ {
		id := i
		g.Go(func() error {
			w.pollLoop(ctx, id)
			return nil
		})
	}
	g.Go(func() error {
		ticker := time.NewTicker(w.cfg.MaintenanceInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				if err := w.Maintain(ctx); err != nil && ctx.Err() == nil {
					w.logger.Error("queue maintenance failed", "error", err)
				}
			}
		}
	})
	return g.Wait()
}

func (w *Worker) pollLoop(ctx context.Context, id int) {
	logger := w.logger.With("worker", id)
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		n, err := w.ProcessBatch(ctx)
		if err != nil && ctx.Err() == nil {
			logger.Error("claim jobs failed", "error", err)
		}
		// A full batch suggests more work is due; poll again right away.
		next := w.cfg.PollInterval
		if err == nil && n >= w.cfg.BatchSize {
			next = 0
		}
		timer.Reset(next)
	}
}

// ProcessBatch claims and runs one batch of due jobs, returning how many
// were claimed.
func (w *Worker) ProcessBatch(ctx context.Context) (int, error) {
	jobs, err := w.store.ClaimJobs(ctx, w.cfg.BatchSize, w.now())
	if err != nil {
		return 0, fmt.Errorf("claim jobs: %w", err)
	}
	for _, job := range jobs {
		w.process(ctx, job)
	}
	return len(jobs), nil
}

func (w *Worker) process(ctx context.Context, job storage.Job) {
	logger := w.logger.With("job_id", job.ID, "job_type", job.Type, "attempt", job.Attempts)
	start := time.Now()

	err := w.invoke(ctx, job)
	if w.metrics != nil {
		w.metrics.JobDuration.WithLabelValues(job.Type).Observe(time.Since(start).Seconds())
	}

	// Bookkeeping must land even when ctx is being cancelled, or the job is
	// left processing until the visibility timeout.
	bookCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	now := w.now()

	if err == nil {
		if cerr := w.store.CompleteJob(bookCtx, job.ID, now); cerr != nil {
			logger.Error("complete job failed", "error", cerr)
			return
		}
		w.observe(job.Type, "completed")
		logger.Debug("job completed")
		return
	}

	if IsPermanent(err) || errors.Is(err, ErrNoHandler) || job.Attempts >= job.MaxAttempts {
		if ferr := w.store.FailJob(bookCtx, job.ID, err.Error(), now); ferr != nil {
			logger.Error("fail job failed", "error", ferr)
			return
		}
		w.observe(job.Type, "failed")
		logger.Error("job failed permanently", "error", err)
		return
	}

	delay := Backoff(job.Attempts, w.cfg.BaseDelay, w.cfg.MaxDelay)
	if rerr := w.store.RetryJob(bookCtx, job.ID, now.Add(delay), err.Error()); rerr != nil {
		logger.Error("retry job failed", "error", rerr)
		return
	}
	w.observe(job.Type, "retried")
	logger.Warn("job failed, retrying", "error", err, "delay", delay)
}

func (w *Worker) invoke(ctx context.Context, job storage.Job) (err error) {
	h, ok := w.handler(job.Type)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoHandler, job.Type)
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	hctx, cancel := context.WithTimeout(ctx, w.cfg.HandlerTimeout)
	defer cancel()
	return h.Handle(hctx, job)
}

func (w *Worker) observe(jobType, result string) {
	if w.metrics != nil {
		w.metrics.JobsProcessed.WithLabelValues(jobType, result).Inc()
	}
}

// Maintain releases jobs abandoned past the visibility timeout and purges
// completed jobs older than the retention window.
func (w *Worker) Maintain(ctx context.Context) error {
	now := w.now()
	recovered, err := w.store.RecoverStaleJobs(ctx, now.Add(-w.cfg.VisibilityTimeout))
	if err != nil {
		return fmt.Errorf("recover stale jobs: %w", err)
	}
	if recovered > 0 {
		w.logger.Warn("recovered abandoned jobs", "count", recovered)
		if w.metrics != nil {
			w.metrics.JobsRecovered.Add(float64(recovered))
		}
	}

	purged, err := w.store.PurgeCompletedJobs(ctx, now.Add(-w.cfg.Retention))
	if err != nil {
		return fmt.Errorf("purge completed jobs: %w", err)
	}
	if purged > 0 {
		w.logger.Info("purged completed jobs", "count", purged)
		if w.metrics != nil {
			w.metrics.JobsPurged.Add(float64(purged))
		}
	}
	return nil
}
