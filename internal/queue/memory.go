package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cuongbtq/taskflow/internal/domain"
)

// MemoryQueue is a buffered in-process queue. It keeps a history of
// submissions and settlements for inspection.
type MemoryQueue struct {
	jobs        chan *Job
	maxAttempts int
	logger      *slog.Logger

	mu        sync.Mutex
	closed    bool
	submitErr error
	submitted []Job
	acked     []string
	dead      []DeadLetter
}

var (
	_ Publisher    = (*MemoryQueue)(nil)
	_ Source       = (*MemoryQueue)(nil)
	_ Acknowledger = (*MemoryQueue)(nil)
)

// NewMemoryQueue creates a queue holding at most size undelivered jobs
func NewMemoryQueue(size, maxAttempts int, logger *slog.Logger) *MemoryQueue {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &MemoryQueue{
		jobs:        make(chan *Job, size),
		maxAttempts: maxAttempts,
		logger:      logger,
	}
}

// Submit enqueues a first-attempt job
func (q *MemoryQueue) Submit(ctx context.Context, kind domain.JobKind, payload any) (string, error) {
	q.mu.Lock()
	submitErr := q.submitErr
	q.mu.Unlock()
	if submitErr != nil {
		return "", submitErr
	}

	job, err := NewJob(kind, payload)
	if err != nil {
		return "", err
	}
	if err := q.Push(job); err != nil {
		return "", err
	}

	q.mu.Lock()
	q.submitted = append(q.submitted, *job)
	q.mu.Unlock()
	return job.ID, nil
}

// Push enqueues job as is, without validating its kind
func (q *MemoryQueue) Push(job *Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}

	select {
	case q.jobs <- job:
		q.logger.Debug("Job enqueued",
			slog.String("job_id", job.ID),
			slog.String("job_kind", string(job.Kind)),
			slog.Int("attempt", job.Attempt),
			slog.Int("queue_len", len(q.jobs)),
		)
		return nil
	default:
		return fmt.Errorf("%w: queue capacity %d reached", ErrQueueFull, cap(q.jobs))
	}
}

// Consume forwards queued jobs until ctx is done or the queue is closed
func (q *MemoryQueue) Consume(ctx context.Context) (<-chan *Delivery, error) {
	out := make(chan *Delivery)

	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case job, ok := <-q.jobs:
				if !ok {
					return
				}
				d := &Delivery{Job: job, acker: q}
				select {
				case out <- d:
				case <-ctx.Done():
					// not handed out, put it back for the next consumer
					if err := q.Push(job); err != nil {
						q.logger.Warn("Dropped undelivered job on shutdown",
							slog.String("job_id", job.ID),
							slog.Any("error", err),
						)
					}
					return
				}
			}
		}
	}()

	return out, nil
}

// Ack implements Acknowledger
func (q *MemoryQueue) Ack(ctx context.Context, d *Delivery) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.acked = append(q.acked, d.Job.ID)
	return nil
}

// Retry implements Acknowledger
func (q *MemoryQueue) Retry(ctx context.Context, d *Delivery, cause error) error {
	if d.Job.Attempt >= q.maxAttempts {
		return q.DeadLetter(ctx, d, fmt.Sprintf("max attempts (%d) exceeded: %v", q.maxAttempts, cause))
	}
	return q.Push(retryOf(d.Job))
}

// DeadLetter implements Acknowledger
func (q *MemoryQueue) DeadLetter(ctx context.Context, d *Delivery, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.dead = append(q.dead, DeadLetter{
		Job:      d.Job,
		Body:     d.Body,
		Reason:   reason,
		ParkedAt: time.Now().UTC(),
	})
	return nil
}

// Close stops accepting jobs. Queued jobs are still delivered.
func (q *MemoryQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.jobs)
		q.logger.Info("Job queue closed")
	}
}

// SetSubmitError makes Submit fail with err until cleared with nil
func (q *MemoryQueue) SetSubmitError(err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.submitErr = err
}

// Submitted returns every job accepted by Submit, in order
func (q *MemoryQueue) Submitted() []Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Job(nil), q.submitted...)
}

// SubmittedOf returns the submitted jobs of one kind
func (q *MemoryQueue) SubmittedOf(kind domain.JobKind) []Job {
	var out []Job
	for _, job := range q.Submitted() {
		if job.Kind == kind {
			out = append(out, job)
		}
	}
	return out
}

// Acked returns the ids of acknowledged deliveries
func (q *MemoryQueue) Acked() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.acked...)
}

// DeadLetters returns parked deliveries
func (q *MemoryQueue) DeadLetters() []DeadLetter {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]DeadLetter(nil), q.dead...)
}

// Len returns the number of undelivered jobs
func (q *MemoryQueue) Len() int {
	return len(q.jobs)
}
