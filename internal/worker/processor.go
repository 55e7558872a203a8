package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/taskflow/internal/domain"
	"github.com/cuongbtq/taskflow/internal/queue"
	"github.com/cuongbtq/taskflow/internal/storage"
)

// processJob runs the delivery through its handler with the job timeout and
// records the attempt in the ledger
func (w *Worker) processJob(ctx context.Context, d *queue.Delivery) (Result, error) {
	job := d.Job

	handler, err := w.registry.Lookup(job.Kind)
	if err != nil {
		w.recordStart(ctx, job)
		w.recordFinish(ctx, job, nil, err.Error())
		return Result{}, err
	}

	w.recordStart(ctx, job)

	jobCtx, cancel := context.WithTimeout(ctx, w.jobTimeout)
	defer cancel()

	started := time.Now()
	result, err := runHandler(jobCtx, handler, job)
	duration := time.Since(started)

	if err != nil {
		w.logger.Error("Job execution failed",
			slog.String("job_id", job.ID),
			slog.String("job_kind", string(job.Kind)),
			slog.Int("attempt", job.Attempt),
			slog.Duration("duration", duration),
			slog.Any("error", err),
		)
		w.recordFinish(ctx, job, nil, err.Error())
		return result, err
	}

	w.logger.Info("Job executed",
		slog.String("job_id", job.ID),
		slog.String("job_kind", string(job.Kind)),
		slog.Bool("success", result.Success),
		slog.Int("processed", result.Processed),
		slog.Int("failed", result.Failed),
		slog.Duration("duration", duration),
	)

	raw, marshalErr := json.Marshal(result)
	if marshalErr != nil {
		w.logger.Warn("Failed to encode job result", slog.Any("error", marshalErr))
	}
	w.recordFinish(ctx, job, raw, result.Error)
	return result, nil
}

// runHandler converts a handler panic into an error so that the delivery
// is retried instead of taking down the pool
func runHandler(ctx context.Context, h Handler, job *queue.Job) (result Result, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler panic: %v", p)
		}
	}()
	return h.Handle(ctx, job)
}

func (w *Worker) recordStart(ctx context.Context, job *queue.Job) {
	if w.ledger == nil {
		return
	}
	err := w.ledger.StartRun(ctx, &storage.JobRun{
		JobID:   job.ID,
		Kind:    job.Kind,
		Attempt: job.Attempt,
		Payload: job.Payload,
	})
	if err != nil {
		w.logger.Warn("Failed to record job start",
			slog.String("job_id", job.ID),
			slog.Any("error", err),
		)
	}
}

// recordFinish marks the run completed, or failed when errMsg is set
func (w *Worker) recordFinish(ctx context.Context, job *queue.Job, result json.RawMessage, errMsg string) {
	if w.ledger == nil {
		return
	}
	state := domain.JobStateCompleted
	if errMsg != "" {
		state = domain.JobStateFailed
	}
	if err := w.ledger.FinishRun(ctx, job.ID, state, result, errMsg); err != nil {
		w.logger.Warn("Failed to record job result",
			slog.String("job_id", job.ID),
			slog.Any("error", err),
		)
	}
}
