package worker

import (
	"context"
	"log/slog"

	"github.com/cuongbtq/taskflow/internal/queue"
)

// startMessageDispatcher forwards deliveries to the worker pool until ctx is
// canceled or the source closes. Undecodable deliveries are dead-lettered
// here and never reach a handler.
func (w *Worker) startMessageDispatcher(ctx context.Context, deliveries <-chan *queue.Delivery) {
	w.logger.Info("Message dispatcher started",
		slog.String("worker_id", w.workerID),
	)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Message dispatcher stopped - context canceled")
			return

		case d, ok := <-deliveries:
			if !ok {
				w.logger.Warn("Delivery channel closed")
				return
			}

			if d.Err != nil {
				w.logger.Error("Failed to decode job",
					slog.Any("error", d.Err),
					slog.Int("body_size", len(d.Body)),
				)
				settleCtx := context.WithoutCancel(ctx)
				if err := d.DeadLetter(settleCtx, d.Err.Error()); err != nil {
					w.logger.Error("Failed to dead-letter malformed job",
						slog.Any("error", err),
					)
				}
				continue
			}

			select {
			case w.jobsChan <- d:
				w.logger.Debug("Job dispatched to worker pool",
					slog.String("job_id", d.Job.ID),
					slog.String("job_kind", string(d.Job.Kind)),
				)
			case <-ctx.Done():
				w.logger.Info("Message dispatcher stopped while dispatching job")
				// not started; give it back to the queue
				if err := d.Retry(context.WithoutCancel(ctx), ctx.Err()); err != nil {
					w.logger.Error("Failed to return job on shutdown",
						slog.String("job_id", d.Job.ID),
						slog.Any("error", err),
					)
				}
				return
			}
		}
	}
}
