package queue

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/taskflow/internal/domain"
	amqp "github.com/rabbitmq/amqp091-go"
)

const attemptHeader = "x-attempt"

// Broker is the part of rabbitmq.Client the queue uses
type Broker interface {
	Publish(ctx context.Context, msg amqp.Publishing) error
	Consume(consumerTag string) (<-chan amqp.Delivery, error)
	Cancel(consumerTag string) error
}

// RabbitQueue runs jobs over a RabbitMQ work queue. Retries are republished
// with the attempt count incremented; deliveries that use up max attempts are
// rejected without requeue so the broker routes them to the dead-letter
// exchange.
type RabbitQueue struct {
	client      Broker
	maxAttempts int
	consumerTag string
	logger      *slog.Logger
}

var (
	_ Publisher = (*RabbitQueue)(nil)
	_ Source    = (*RabbitQueue)(nil)
)

// NewRabbitQueue creates a RabbitMQ backed queue
func NewRabbitQueue(client Broker, maxAttempts int, consumerTag string, logger *slog.Logger) *RabbitQueue {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &RabbitQueue{
		client:      client,
		maxAttempts: maxAttempts,
		consumerTag: consumerTag,
		logger:      logger,
	}
}

// Submit publishes a first-attempt job
func (q *RabbitQueue) Submit(ctx context.Context, kind domain.JobKind, payload any) (string, error) {
	job, err := NewJob(kind, payload)
	if err != nil {
		return "", err
	}
	if err := q.publish(ctx, job); err != nil {
		return "", err
	}
	return job.ID, nil
}

func (q *RabbitQueue) publish(ctx context.Context, job *Job) error {
	body, err := Encode(job)
	if err != nil {
		return err
	}

	return q.client.Publish(ctx, amqp.Publishing{
		ContentType: "application/json",
		MessageId:   job.ID,
		Type:        string(job.Kind),
		Timestamp:   job.EnqueuedAt,
		Headers:     amqp.Table{attemptHeader: int32(job.Attempt)},
		Body:        body,
	})
}

// Consume starts a consumer and converts broker messages into deliveries
func (q *RabbitQueue) Consume(ctx context.Context) (<-chan *Delivery, error) {
	msgs, err := q.client.Consume(q.consumerTag)
	if err != nil {
		return nil, err
	}

	out := make(chan *Delivery)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				if err := q.client.Cancel(q.consumerTag); err != nil {
					q.logger.Warn("Failed to cancel consumer", slog.Any("error", err))
				}
				return
			case msg, ok := <-msgs:
				if !ok {
					q.logger.Warn("RabbitMQ delivery channel closed")
					return
				}

				job, decodeErr := Decode(msg.Body)
				d := &Delivery{
					Job:   job,
					Err:   decodeErr,
					Body:  msg.Body,
					acker: &rabbitAcker{queue: q, msg: msg},
				}

				select {
				case out <- d:
				case <-ctx.Done():
					// unacked messages go back to the queue when the channel closes
					if err := msg.Nack(false, true); err != nil {
						q.logger.Warn("Failed to requeue message on shutdown", slog.Any("error", err))
					}
					return
				}
			}
		}
	}()

	return out, nil
}

type rabbitAcker struct {
	queue *RabbitQueue
	msg   amqp.Delivery
}

func (a *rabbitAcker) Ack(ctx context.Context, d *Delivery) error {
	if err := a.msg.Ack(false); err != nil {
		return fmt.Errorf("failed to ack message: %w", err)
	}
	return nil
}

func (a *rabbitAcker) Retry(ctx context.Context, d *Delivery, cause error) error {
	if d.Job == nil || d.Job.Attempt >= a.queue.maxAttempts {
		return a.DeadLetter(ctx, d, fmt.Sprintf("max attempts (%d) exceeded: %v", a.queue.maxAttempts, cause))
	}

	next := retryOf(d.Job)
	if err := a.queue.publish(ctx, next); err != nil {
		// the original stays in the queue with its current attempt count
		if nackErr := a.msg.Nack(false, true); nackErr != nil {
			a.queue.logger.Error("Failed to requeue message",
				slog.String("job_id", d.Job.ID),
				slog.Any("error", nackErr),
			)
		}
		return fmt.Errorf("failed to republish job %s: %w", d.Job.ID, err)
	}

	if err := a.msg.Ack(false); err != nil {
		return fmt.Errorf("failed to ack retried message: %w", err)
	}
	return nil
}

func (a *rabbitAcker) DeadLetter(ctx context.Context, d *Delivery, reason string) error {
	jobID := a.msg.MessageId
	if d.Job != nil {
		jobID = d.Job.ID
	}
	a.queue.logger.Warn("Dead-lettering message",
		slog.String("job_id", jobID),
		slog.String("reason", reason),
	)

	if err := a.msg.Nack(false, false); err != nil {
		return fmt.Errorf("failed to dead-letter message: %w", err)
	}
	return nil
}
