package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/taskflow/internal/domain"
	"github.com/go-redis/redis/v8"
)

// RedisKeys names the keys used by RedisQueue. Every consumer owns its own
// processing list, and a consumer's heartbeat key marks that list as live.
type RedisKeys struct {
	Pending   string
	Dead      string
	Consumers string
	prefix    string
}

// NewRedisKeys derives the key names from a prefix
func NewRedisKeys(prefix string) RedisKeys {
	return RedisKeys{
		Pending:   prefix + ":pending",
		Dead:      prefix + ":dead",
		Consumers: prefix + ":consumers",
		prefix:    prefix,
	}
}

// Processing is the list holding the consumer's unsettled deliveries
func (k RedisKeys) Processing(consumer string) string {
	return k.prefix + ":processing:" + consumer
}

// Heartbeat expires when the consumer stops refreshing it
func (k RedisKeys) Heartbeat(consumer string) string {
	return k.prefix + ":heartbeat:" + consumer
}

// DefaultHeartbeatTTL is how long a consumer's processing list stays owned
// after its last heartbeat
const DefaultHeartbeatTTL = 30 * time.Second

// ErrNoConsumerID is returned by Consume on a queue built without a consumer id
var ErrNoConsumerID = errors.New("redis queue: consumer id is required to consume")

// RedisQueue is a reliable list queue: BRPOPLPUSH moves a job into the
// consumer's processing list, and it is removed only when the delivery is
// settled. On start a consumer moves back to pending its own leftovers and
// the lists of consumers whose heartbeat has expired.
type RedisQueue struct {
	rdb          *redis.Client
	keys         RedisKeys
	consumer     string
	maxAttempts  int
	pollTimeout  time.Duration
	heartbeatTTL time.Duration
	logger       *slog.Logger
}

var (
	_ Publisher    = (*RedisQueue)(nil)
	_ Source       = (*RedisQueue)(nil)
	_ Acknowledger = (*RedisQueue)(nil)
)

// NewRedisQueue creates a Redis backed queue. consumer may be empty for a
// submit-only queue.
func NewRedisQueue(rdb *redis.Client, keys RedisKeys, consumer string, maxAttempts int, logger *slog.Logger) *RedisQueue {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &RedisQueue{
		rdb:          rdb,
		keys:         keys,
		consumer:     consumer,
		maxAttempts:  maxAttempts,
		pollTimeout:  time.Second,
		heartbeatTTL: DefaultHeartbeatTTL,
		logger:       logger,
	}
}

// Submit pushes a first-attempt job onto the pending list
func (q *RedisQueue) Submit(ctx context.Context, kind domain.JobKind, payload any) (string, error) {
	job, err := NewJob(kind, payload)
	if err != nil {
		return "", err
	}

	body, err := Encode(job)
	if err != nil {
		return "", err
	}

	if err := q.rdb.LPush(ctx, q.keys.Pending, body).Err(); err != nil {
		return "", fmt.Errorf("failed to push job: %w", err)
	}

	q.logger.Debug("Job enqueued",
		slog.String("job_id", job.ID),
		slog.String("job_kind", string(kind)),
	)
	return job.ID, nil
}

// Consume registers the consumer, requeues orphaned jobs and then polls the
// pending list
func (q *RedisQueue) Consume(ctx context.Context) (<-chan *Delivery, error) {
	if q.consumer == "" {
		return nil, ErrNoConsumerID
	}

	// Register before recovering so no peer treats our list as orphaned
	if err := q.beat(ctx); err != nil {
		return nil, err
	}

	recovered, err := q.recoverOrphans(ctx)
	if err != nil {
		return nil, err
	}
	if recovered > 0 {
		q.logger.Warn("Requeued jobs left in processing",
			slog.Int("count", recovered),
		)
	}

	go q.keepAlive(ctx)

	processing := q.keys.Processing(q.consumer)
	out := make(chan *Delivery)
	go func() {
		defer close(out)
		for {
			if ctx.Err() != nil {
				return
			}

			body, err := q.rdb.BRPopLPush(ctx, q.keys.Pending, processing, q.pollTimeout).Bytes()
			if err != nil {
				if errors.Is(err, redis.Nil) {
					continue
				}
				if ctx.Err() != nil {
					return
				}
				q.logger.Error("Failed to pop job", slog.Any("error", err))
				select {
				case <-time.After(q.pollTimeout):
				case <-ctx.Done():
					return
				}
				continue
			}

			job, decodeErr := Decode(body)
			d := &Delivery{Job: job, Err: decodeErr, Body: body, acker: q}

			select {
			case out <- d:
			case <-ctx.Done():
				// stays in processing and is requeued when this consumer restarts
				// or its heartbeat expires
				return
			}
		}
	}()

	return out, nil
}

func (q *RedisQueue) beat(ctx context.Context) error {
	_, err := q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, q.keys.Heartbeat(q.consumer), time.Now().UTC().Format(time.RFC3339), q.heartbeatTTL)
		pipe.SAdd(ctx, q.keys.Consumers, q.consumer)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to refresh consumer heartbeat: %w", err)
	}
	return nil
}

// keepAlive refreshes the heartbeat until ctx is done. The key is left to
// expire so in-flight deliveries settled during shutdown stay owned.
func (q *RedisQueue) keepAlive(ctx context.Context) {
	ticker := time.NewTicker(q.heartbeatTTL / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := q.beat(ctx); err != nil && ctx.Err() == nil {
				q.logger.Error("Failed to refresh heartbeat", slog.Any("error", err))
			}
		}
	}
}

func (q *RedisQueue) recoverOrphans(ctx context.Context) (int, error) {
	members, err := q.rdb.SMembers(ctx, q.keys.Consumers).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to list consumers: %w", err)
	}

	cmds := make([]*redis.IntCmd, len(members))
	_, err = q.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, m := range members {
			cmds[i] = pipe.Exists(ctx, q.keys.Heartbeat(m))
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to read consumer heartbeats: %w", err)
	}

	alive := make([]bool, len(members))
	for i, cmd := range cmds {
		alive[i] = cmd.Val() > 0
	}

	count := 0
	for _, owner := range orphanedLists(q.consumer, members, alive) {
		n, err := q.requeue(ctx, q.keys.Processing(owner))
		count += n
		if err != nil {
			return count, err
		}
		if owner != q.consumer {
			if err := q.rdb.SRem(ctx, q.keys.Consumers, owner).Err(); err != nil {
				return count, fmt.Errorf("failed to unregister consumer %s: %w", owner, err)
			}
			q.logger.Info("Recovered jobs of expired consumer",
				slog.String("consumer", owner),
				slog.Int("count", n),
			)
		}
	}
	return count, nil
}

// orphanedLists returns the owners whose processing lists can be requeued:
// self, whose earlier run is over, plus every member without a live heartbeat.
func orphanedLists(self string, members []string, alive []bool) []string {
	owners := []string{self}
	for i, m := range members {
		if m == self || alive[i] {
			continue
		}
		owners = append(owners, m)
	}
	return owners
}

func (q *RedisQueue) requeue(ctx context.Context, list string) (int, error) {
	count := 0
	for {
		err := q.rdb.RPopLPush(ctx, list, q.keys.Pending).Err()
		if errors.Is(err, redis.Nil) {
			return count, nil
		}
		if err != nil {
			return count, fmt.Errorf("failed to requeue processing jobs: %w", err)
		}
		count++
	}
}

// Ack implements Acknowledger
func (q *RedisQueue) Ack(ctx context.Context, d *Delivery) error {
	if err := q.rdb.LRem(ctx, q.keys.Processing(q.consumer), 1, d.Body).Err(); err != nil {
		return fmt.Errorf("failed to ack job: %w", err)
	}
	return nil
}

// Retry implements Acknowledger
func (q *RedisQueue) Retry(ctx context.Context, d *Delivery, cause error) error {
	if d.Job == nil || d.Job.Attempt >= q.maxAttempts {
		return q.DeadLetter(ctx, d, fmt.Sprintf("max attempts (%d) exceeded: %v", q.maxAttempts, cause))
	}

	body, err := Encode(retryOf(d.Job))
	if err != nil {
		return err
	}

	_, err = q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, q.keys.Processing(q.consumer), 1, d.Body)
		pipe.LPush(ctx, q.keys.Pending, body)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to retry job %s: %w", d.Job.ID, err)
	}
	return nil
}

// DeadLetter implements Acknowledger
func (q *RedisQueue) DeadLetter(ctx context.Context, d *Delivery, reason string) error {
	record, err := json.Marshal(DeadLetter{
		Job:      d.Job,
		Body:     d.Body,
		Reason:   reason,
		ParkedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to encode dead letter: %w", err)
	}

	_, err = q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, q.keys.Processing(q.consumer), 1, d.Body)
		pipe.LPush(ctx, q.keys.Dead, record)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to dead-letter job: %w", err)
	}

	q.logger.Warn("Job dead-lettered", slog.String("reason", reason))
	return nil
}
