package queue

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"
)

// waitForState polls until the job reaches the wanted state or the
// deadline passes.
func waitForState(t *testing.T, q *Queue, id string, want State, timeout time.Duration) *Job {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		job, err := q.GetJob(context.Background(), id)
		if err == nil && job.State == want {
			return job
		}
		time.Sleep(20 * time.Millisecond)
	}
	job, err := q.GetJob(context.Background(), id)
	t.Fatalf("job %s never reached %s (last: %+v, err: %v)", id, want, job, err)
	return nil
}

func runWorker(t *testing.T, w *Worker) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("worker Run() = %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("worker did not stop")
		}
	})
	return cancel
}

func TestWorkerProcessesJob(t *testing.T) {
	q, _ := newTestQueue(t, Options{})
	ctx := context.Background()

	process := func(ctx context.Context, job *Job) (string, error) {
		return fmt.Sprintf(`{"useCase":%q}`, job.UseCase), nil
	}
	w := NewWorker(q, process, nil, WorkerOptions{Concurrency: 2, LeaseTimeout: 100 * time.Millisecond}, q.logger)
	runWorker(t, w)

	job, err := q.Enqueue(ctx, "POLITICAL_SNAPSHOT", "a@b.co", nil)
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	final := waitForState(t, q, job.ID, StateCompleted, 5*time.Second)
	if final.AttemptsMade != 1 {
		t.Errorf("AttemptsMade = %d, want 1", final.AttemptsMade)
	}
	if final.Result != `{"useCase":"POLITICAL_SNAPSHOT"}` {
		t.Errorf("Result = %q", final.Result)
	}
	if !w.Running() {
		t.Error("Running() = false while worker active")
	}
}

func TestWorkerRetriesThenSucceeds(t *testing.T) {
	q, _ := newTestQueue(t, Options{BackoffBase: 10 * time.Millisecond, BackoffCap: 100 * time.Millisecond})
	ctx := context.Background()

	var calls atomic.Int64
	process := func(ctx context.Context, job *Job) (string, error) {
		if calls.Add(1) == 1 {
			return "", errors.New("email gateway unreachable")
		}
		return "{}", nil
	}
	w := NewWorker(q, process, nil, WorkerOptions{
		Concurrency:         1,
		LeaseTimeout:        50 * time.Millisecond,
		MaintenanceInterval: 20 * time.Millisecond,
	}, q.logger)
	runWorker(t, w)

	job, _ := q.Enqueue(ctx, "POLITICAL_SNAPSHOT", "a@b.co", nil)

	final := waitForState(t, q, job.ID, StateCompleted, 5*time.Second)
	if final.AttemptsMade != 2 {
		t.Errorf("AttemptsMade = %d, want 2 after one retry", final.AttemptsMade)
	}
	if calls.Load() != 2 {
		t.Errorf("processor calls = %d, want 2", calls.Load())
	}
}

func TestWorkerTerminalFailureNotifies(t *testing.T) {
	q, _ := newTestQueue(t, Options{MaxAttempts: 2, BackoffBase: 10 * time.Millisecond})
	ctx := context.Background()

	process := func(ctx context.Context, job *Job) (string, error) {
		return "", errors.New("No view data was successfully fetched")
	}

	var notified atomic.Int64
	var notifiedReason atomic.Value
	onFailure := func(ctx context.Context, job *Job, reason string) {
		notified.Add(1)
		notifiedReason.Store(reason)
	}

	w := NewWorker(q, process, onFailure, WorkerOptions{
		Concurrency:         1,
		LeaseTimeout:        50 * time.Millisecond,
		MaintenanceInterval: 20 * time.Millisecond,
	}, q.logger)
	runWorker(t, w)

	job, _ := q.Enqueue(ctx, "POLITICAL_SNAPSHOT", "a@b.co", nil)

	final := waitForState(t, q, job.ID, StateFailed, 5*time.Second)
	if final.AttemptsMade != 2 {
		t.Errorf("AttemptsMade = %d, want 2", final.AttemptsMade)
	}
	if final.AttemptsMade > final.MaxAttempts {
		t.Errorf("AttemptsMade %d exceeds MaxAttempts %d", final.AttemptsMade, final.MaxAttempts)
	}
	if final.FailedReason != "No view data was successfully fetched" {
		t.Errorf("FailedReason = %q", final.FailedReason)
	}

	if notified.Load() != 1 {
		t.Errorf("failure handler invoked %d times, want exactly 1 (terminal failure only)", notified.Load())
	}
	if got := notifiedReason.Load(); got != "No view data was successfully fetched" {
		t.Errorf("notified reason = %v", got)
	}
}

func TestWorkerRecoversFromPanic(t *testing.T) {
	q, _ := newTestQueue(t, Options{MaxAttempts: 1})
	ctx := context.Background()

	process := func(ctx context.Context, job *Job) (string, error) {
		panic("boom")
	}
	w := NewWorker(q, process, nil, WorkerOptions{Concurrency: 1, LeaseTimeout: 50 * time.Millisecond}, q.logger)
	runWorker(t, w)

	job, _ := q.Enqueue(ctx, "POLITICAL_SNAPSHOT", "a@b.co", nil)

	final := waitForState(t, q, job.ID, StateFailed, 5*time.Second)
	if final.FailedReason == "" {
		t.Error("panic did not surface as failedReason")
	}
}

func TestWorkerDrainsOnCancel(t *testing.T) {
	q, _ := newTestQueue(t, Options{})
	ctx := context.Background()

	started := make(chan struct{})
	process := func(ctx context.Context, job *Job) (string, error) {
		close(started)
		time.Sleep(200 * time.Millisecond)
		return "{}", nil
	}
	w := NewWorker(q, process, nil, WorkerOptions{
		Concurrency:  1,
		LeaseTimeout: 50 * time.Millisecond,
		DrainTimeout: 2 * time.Second,
	}, q.logger)

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(runCtx) }()

	job, _ := q.Enqueue(ctx, "POLITICAL_SNAPSHOT", "a@b.co", nil)
	<-started
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() = %v, want clean drain", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not drain")
	}

	// The in-flight job finished despite cancellation.
	final, err := q.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob() error = %v", err)
	}
	if final.State != StateCompleted {
		t.Errorf("State = %q, want completed after drain", final.State)
	}
}

func TestWorkerDrainTimeout(t *testing.T) {
	q, _ := newTestQueue(t, Options{})
	ctx := context.Background()

	started := make(chan struct{})
	release := make(chan struct{})
	process := func(ctx context.Context, job *Job) (string, error) {
		close(started)
		<-release
		return "{}", nil
	}
	w := NewWorker(q, process, nil, WorkerOptions{
		Concurrency:  1,
		LeaseTimeout: 50 * time.Millisecond,
		DrainTimeout: 100 * time.Millisecond,
	}, q.logger)

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(runCtx) }()

	q.Enqueue(ctx, "POLITICAL_SNAPSHOT", "a@b.co", nil)
	<-started
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, ErrDrainTimeout) {
			t.Fatalf("Run() = %v, want ErrDrainTimeout", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return")
	}
	close(release)
}
