package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/taskflow/internal/queue"
)

// spawnWorkerPool spawns N worker goroutines based on concurrency configuration
func (w *Worker) spawnWorkerPool() {
	w.logger.Info("Spawning worker pool",
		slog.Int("concurrency", w.concurrency),
		slog.String("worker_id", w.workerID),
	)

	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go w.workerLoop(i)
	}
}

// workerLoop runs jobs until jobsChan is closed. Jobs already received are
// finished even when the worker is shutting down.
func (w *Worker) workerLoop(workerNum int) {
	defer w.wg.Done()

	workerName := fmt.Sprintf("%s-%d", w.workerID, workerNum)
	w.logger.Debug("Worker goroutine started",
		slog.String("worker_name", workerName),
	)

	for d := range w.jobsChan {
		w.logger.Info("Worker received job",
			slog.String("worker_name", workerName),
			slog.String("job_id", d.Job.ID),
			slog.String("job_kind", string(d.Job.Kind)),
			slog.Int("attempt", d.Job.Attempt),
		)

		ctx := context.Background()
		result, err := w.processJob(ctx, d)
		w.settle(ctx, workerName, d, result, err)
	}

	w.logger.Debug("Worker goroutine stopping - jobsChan closed",
		slog.String("worker_name", workerName),
	)
}

// settle acks, retries or dead-letters the delivery based on the outcome
func (w *Worker) settle(ctx context.Context, workerName string, d *queue.Delivery, result Result, err error) {
	log := w.logger.With(
		slog.String("worker_name", workerName),
		slog.String("job_id", d.Job.ID),
		slog.String("job_kind", string(d.Job.Kind)),
	)

	switch {
	case errors.Is(err, ErrUnknownKind), errors.Is(err, ErrNoHandler):
		log.Error("No handler for job, dead-lettering", slog.Any("error", err))
		if dlErr := d.DeadLetter(ctx, err.Error()); dlErr != nil {
			log.Error("Failed to dead-letter job", slog.Any("error", dlErr))
		}

	case err != nil:
		log.Error("Job processing failed", slog.Any("error", err))
		if retryErr := d.Retry(ctx, err); retryErr != nil {
			log.Error("Failed to return job for retry", slog.Any("error", retryErr))
		}

	default:
		if !result.Success {
			log.Warn("Job finished unsuccessfully, not retrying",
				slog.String("reason", result.Error),
			)
		} else {
			log.Info("Job completed successfully")
		}
		if ackErr := d.Ack(ctx); ackErr != nil {
			log.Error("Failed to ack job", slog.Any("error", ackErr))
		}
	}
}
