package queue

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wisbric/reportowl/internal/telemetry"
)

// Processor executes one job and returns its JSON-encoded result.
type Processor func(ctx context.Context, job *Job) (string, error)

// FailureHandler is invoked after a job fails terminally, typically to
// send a failure-notification email. It is best-effort: its errors are
// logged and swallowed so the original cause stays the job's
// failedReason.
type FailureHandler func(ctx context.Context, job *Job, reason string)

// WorkerOptions tunes a Worker. Zero values fall back to defaults.
type WorkerOptions struct {
	// Concurrency is the number of jobs processed in parallel.
	Concurrency int

	// LeaseTimeout bounds each blocking lease call.
	LeaseTimeout time.Duration

	// DrainTimeout bounds how long shutdown waits for in-flight jobs.
	DrainTimeout time.Duration

	// MaintenanceInterval paces delayed promotion; stalled requeue and
	// retention cleanup run on multiples of it.
	MaintenanceInterval time.Duration
}

func (o WorkerOptions) withDefaults() WorkerOptions {
	if o.Concurrency <= 0 {
		o.Concurrency = 5
	}
	if o.LeaseTimeout <= 0 {
		o.LeaseTimeout = 5 * time.Second
	}
	if o.DrainTimeout <= 0 {
		o.DrainTimeout = 10 * time.Second
	}
	if o.MaintenanceInterval <= 0 {
		o.MaintenanceInterval = time.Second
	}
	return o
}

// ErrDrainTimeout is returned by Run when in-flight jobs outlive the
// drain window; the process should exit non-zero.
var ErrDrainTimeout = fmt.Errorf("worker drain timed out with jobs still in flight")

// Worker leases jobs from a Queue and runs them through a Processor with
// bounded concurrency. Multiple workers may share one queue; leases are
// exclusive.
type Worker struct {
	queue     *Queue
	process   Processor
	onFailure FailureHandler
	opts      WorkerOptions
	logger    *slog.Logger
	running   atomic.Bool
}

// NewWorker creates a Worker. onFailure may be nil.
func NewWorker(q *Queue, process Processor, onFailure FailureHandler, opts WorkerOptions, logger *slog.Logger) *Worker {
	return &Worker{
		queue:     q,
		process:   process,
		onFailure: onFailure,
		opts:      opts.withDefaults(),
		logger:    logger,
	}
}

// Running reports whether the worker loop is active.
func (w *Worker) Running() bool { return w.running.Load() }

// Concurrency returns the configured parallelism.
func (w *Worker) Concurrency() int { return w.opts.Concurrency }

// Run processes jobs until ctx is cancelled, then drains in-flight jobs.
// It returns ErrDrainTimeout when the drain window is exceeded.
func (w *Worker) Run(ctx context.Context) error {
	w.running.Store(true)
	defer w.running.Store(false)

	w.logger.Info("worker started",
		"concurrency", w.opts.Concurrency,
		"max_attempts", w.queue.MaxAttempts(),
	)

	var wg sync.WaitGroup
	for i := 0; i < w.opts.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.leaseLoop(ctx)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		w.maintenanceLoop(ctx)
	}()

	<-ctx.Done()
	w.logger.Info("worker draining", "timeout", w.opts.DrainTimeout)

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.logger.Info("worker stopped")
		return nil
	case <-time.After(w.opts.DrainTimeout):
		return ErrDrainTimeout
	}
}

// leaseLoop leases and processes jobs until ctx is cancelled.
func (w *Worker) leaseLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		job, err := w.queue.Lease(ctx, w.opts.LeaseTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("leasing job", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		if job == nil {
			continue // lease timeout, poll again
		}

		w.handle(ctx, job)
	}
}

// handle runs one leased job through the processor and settles its
// outcome. The processor runs on a cancel-detached context so in-flight
// jobs finish during drain.
func (w *Worker) handle(ctx context.Context, job *Job) {
	jobCtx := context.WithoutCancel(ctx)
	start := time.Now()

	w.logger.Info("processing job",
		"job_id", job.ID,
		"use_case", job.UseCase,
		"attempt", job.AttemptsMade,
		"max_attempts", job.MaxAttempts,
	)

	result, err := w.runProcessor(jobCtx, job)
	telemetry.JobProcessingDuration.Observe(time.Since(start).Seconds())

	if err == nil {
		if err := w.queue.Complete(jobCtx, job, result); err != nil {
			w.logger.Error("recording job completion", "job_id", job.ID, "error", err)
			return
		}
		telemetry.JobsCompletedTotal.Inc()
		w.logger.Info("job completed", "job_id", job.ID, "duration_ms", time.Since(start).Milliseconds())
		return
	}

	reason := err.Error()

	if job.AttemptsMade < job.MaxAttempts {
		delay, rerr := w.queue.RetryLater(jobCtx, job, reason)
		if rerr != nil {
			w.logger.Error("scheduling job retry", "job_id", job.ID, "error", rerr)
			return
		}
		telemetry.JobsRetriedTotal.Inc()
		w.logger.Warn("job failed, retry scheduled",
			"job_id", job.ID,
			"attempt", job.AttemptsMade,
			"delay_ms", delay.Milliseconds(),
			"error", err,
		)
		return
	}

	if ferr := w.queue.Fail(jobCtx, job, reason); ferr != nil {
		w.logger.Error("recording job failure", "job_id", job.ID, "error", ferr)
		return
	}
	telemetry.JobsFailedTotal.Inc()
	w.logger.Error("job failed terminally",
		"job_id", job.ID,
		"attempts", job.AttemptsMade,
		"error", err,
	)

	if w.onFailure != nil {
		w.onFailure(jobCtx, job, reason)
	}
}

// runProcessor invokes the processor, converting panics into errors so a
// bad job cannot take the worker down.
func (w *Worker) runProcessor(ctx context.Context, job *Job) (result string, err error) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("processor panicked",
				"job_id", job.ID,
				"panic", r,
				"stack", string(debug.Stack()),
			)
			err = fmt.Errorf("processor panic: %v", r)
		}
	}()
	return w.process(ctx, job)
}

// maintenanceLoop promotes due delayed jobs every tick, requeues stalled
// jobs every 30 ticks, and runs retention cleanup every 60 ticks.
func (w *Worker) maintenanceLoop(ctx context.Context) {
	ticker := time.NewTicker(w.opts.MaintenanceInterval)
	defer ticker.Stop()

	tick := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		tick++

		if _, err := w.queue.PromoteDelayed(ctx); err != nil && ctx.Err() == nil {
			w.logger.Error("promoting delayed jobs", "error", err)
		}

		if tick%30 == 0 {
			if _, err := w.queue.RequeueStalled(ctx); err != nil && ctx.Err() == nil {
				w.logger.Error("requeueing stalled jobs", "error", err)
			}
		}

		if tick%60 == 0 {
			if err := w.queue.CleanUp(ctx); err != nil && ctx.Err() == nil {
				w.logger.Error("queue cleanup", "error", err)
			}
		}
	}
}
