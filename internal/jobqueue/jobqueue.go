// Package jobqueue implements the bounded background-job worker pool
// spec.md §9 leaves implementation-defined: a fixed pool of workers
// draining a bounded channel of jobs, retrying failed non-fatal jobs
// with exponential backoff and logging-and-continuing once a job's
// retry budget is exhausted (spec.md §7). The shape follows
// kernel/threads/supervisor/credits.go's own epoch-loop/checkpoint
// pattern, generalized from a credit ledger's periodic settlement to an
// arbitrary job's run/checkpoint pair.
package jobqueue

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/subconsciousnetwork/noosphere-sub001/internal/logging"
)

var log = logging.For("jobqueue")

// BackoffBase, BackoffCap, and BackoffMaxElapsed are spec.md §9's
// recommended retry policy: exponential backoff starting at 1s, capped
// at 60s per step, with cenkalti/backoff's randomization factor
// supplying jitter. MaxElapsed bounds how long a single job is retried
// before it's logged-and-dropped rather than retried forever.
const (
	BackoffBase       = 1 * time.Second
	BackoffCap        = 60 * time.Second
	BackoffMaxElapsed = 10 * time.Minute
)

// Job is one unit of background work. Run performs the job, retried on
// failure per the backoff policy above. Checkpoint persists enough
// progress that a process restart can resume rather than redo the job
// from scratch — spec.md §7's "checkpoint progress so that restart
// resumes." A job with nothing worth checkpointing may leave it nil.
type Job struct {
	Name       string
	Run        func(ctx context.Context) error
	Checkpoint func() error
}

// Queue is a bounded channel of Jobs drained by a fixed worker pool.
// Submit blocks once the channel is full — the same backpressure
// spec.md §5 requires of replication's bounded channels, applied here
// to background job submission so a burst of pushes can't unbounded-ly
// queue side-effect work.
type Queue struct {
	jobs    chan Job
	wg      sync.WaitGroup
	cancel  context.CancelFunc
	workers int

	mu     sync.RWMutex
	closed bool
}

// New starts workers goroutines draining a channel of capacity buffer.
// Call Close to stop accepting new jobs and wait for in-flight ones to
// finish.
func New(ctx context.Context, workers, buffer int) *Queue {
	ctx, cancel := context.WithCancel(ctx)
	q := &Queue{
		jobs:    make(chan Job, buffer),
		cancel:  cancel,
		workers: workers,
	}
	for i := 0; i < workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx)
	}
	return q
}

func (q *Queue) worker(ctx context.Context) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-q.jobs:
			if !ok {
				return
			}
			q.run(ctx, job)
		}
	}
}

// run drives one job to completion (or exhaustion) with exponential
// backoff, checkpointing after every successful run and logging rather
// than propagating once the retry budget runs out — spec.md §7's
// "Background jobs log-and-continue on non-fatal errors."
func (q *Queue) run(ctx context.Context, job Job) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = BackoffBase
	policy.MaxInterval = BackoffCap
	policy.MaxElapsedTime = BackoffMaxElapsed
	bo := backoff.WithContext(policy, ctx)

	err := backoff.Retry(func() error {
		runErr := job.Run(ctx)
		if runErr != nil {
			log.Warn("job attempt failed, retrying", "job", job.Name, "error", runErr)
		}
		return runErr
	}, bo)

	if err != nil {
		log.Error("job exhausted its retry budget, dropping", "job", job.Name, "error", err)
		return
	}
	if job.Checkpoint != nil {
		if cpErr := job.Checkpoint(); cpErr != nil {
			log.Error("job checkpoint failed", "job", job.Name, "error", cpErr)
		}
	}
}

// Submit enqueues job, blocking if the queue is full. Returns
// ctx.Err() if ctx is cancelled before the job can be enqueued, and
// context.Canceled once Close has been called.
func (q *Queue) Submit(ctx context.Context, job Job) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return context.Canceled
	}
	select {
	case q.jobs <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting new jobs, cancels the context every job runs
// under, and waits for the workers to return. A job still queued when
// the cancellation reaches its worker is dropped without running, and an
// in-flight job sees its context cancelled. The closed flag is set under the same
// lock Submit reads it through, so no send can race a concurrent close
// of the channel.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	close(q.jobs)
	q.mu.Unlock()

	q.cancel()
	q.wg.Wait()
}
