// Package queue is the at-least-once job channel between the task lifecycle
// producers and the job worker. Backends: an in-process queue, RabbitMQ and
// Redis.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cuongbtq/taskflow/internal/domain"
	"github.com/google/uuid"
)

// Common errors returned by queue backends
var (
	ErrQueueClosed = errors.New("job queue is closed")
	ErrQueueFull   = errors.New("job queue is full")
	ErrMalformed   = errors.New("malformed job")
)

// DefaultMaxAttempts bounds deliveries of a job before it is dead-lettered
const DefaultMaxAttempts = 3

// Job is the envelope carried by every backend
type Job struct {
	ID         string          `json:"id"`
	Kind       domain.JobKind  `json:"kind"`
	Payload    json.RawMessage `json:"payload"`
	Attempt    int             `json:"attempt"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
}

// NewJob builds a first-attempt job with a fresh id
func NewJob(kind domain.JobKind, payload any) (*Job, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("job kind %q: %w", kind, domain.ErrInvalidArgument)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", kind, err)
	}

	return &Job{
		ID:         uuid.NewString(),
		Kind:       kind,
		Payload:    raw,
		Attempt:    1,
		EnqueuedAt: time.Now().UTC(),
	}, nil
}

// Encode serializes the job envelope
func Encode(job *Job) ([]byte, error) {
	body, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("failed to encode job %s: %w", job.ID, err)
	}
	return body, nil
}

// Decode parses a job envelope. Envelopes without an id or kind are
// rejected with ErrMalformed. The kind is not checked against the defined
// set here so that the worker can dead-letter unknown kinds.
func Decode(body []byte) (*Job, error) {
	var job Job
	if err := json.Unmarshal(body, &job); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if job.ID == "" || job.Kind == "" {
		return nil, fmt.Errorf("%w: missing id or kind", ErrMalformed)
	}
	if job.Attempt < 1 {
		job.Attempt = 1
	}
	return &job, nil
}

// retryOf returns the next delivery attempt of job
func retryOf(job *Job) *Job {
	next := *job
	next.Attempt = job.Attempt + 1
	next.EnqueuedAt = time.Now().UTC()
	return &next
}

// Publisher submits jobs
type Publisher interface {
	// Submit enqueues a job and returns its id. The producer does not wait
	// for the job to run.
	Submit(ctx context.Context, kind domain.JobKind, payload any) (string, error)
}

// Source hands out deliveries. Each delivery goes to exactly one receiver of
// the returned channel, which is closed when ctx is done or the backend stops.
type Source interface {
	Consume(ctx context.Context) (<-chan *Delivery, error)
}

// Acknowledger settles deliveries for a backend
type Acknowledger interface {
	Ack(ctx context.Context, d *Delivery) error
	Retry(ctx context.Context, d *Delivery, cause error) error
	DeadLetter(ctx context.Context, d *Delivery, reason string) error
}

// Delivery is one delivery attempt of a job. Job is nil and Err is set when
// the message could not be decoded.
type Delivery struct {
	Job  *Job
	Err  error
	Body []byte

	acker Acknowledger
}

// Ack marks the delivery done
func (d *Delivery) Ack(ctx context.Context) error {
	return d.acker.Ack(ctx, d)
}

// Retry redelivers the job with the attempt count incremented, or
// dead-letters it once the backend's max attempts are used up
func (d *Delivery) Retry(ctx context.Context, cause error) error {
	return d.acker.Retry(ctx, d, cause)
}

// DeadLetter removes the delivery from the work queue and parks it
func (d *Delivery) DeadLetter(ctx context.Context, reason string) error {
	return d.acker.DeadLetter(ctx, d, reason)
}

// DeadLetter is a parked delivery as stored by the Redis and memory backends
type DeadLetter struct {
	Job      *Job      `json:"job,omitempty"`
	Body     []byte    `json:"body,omitempty"`
	Reason   string    `json:"reason"`
	ParkedAt time.Time `json:"parkedAt"`
}
