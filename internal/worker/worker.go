// Package worker consumes jobs from the queue and runs them through the
// handler registered for their kind on a bounded goroutine pool.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cuongbtq/taskflow/internal/queue"
	"github.com/cuongbtq/taskflow/internal/storage"
)

const defaultJobTimeout = 30 * time.Second

// Config holds worker configuration
type Config struct {
	Logger      *slog.Logger
	Source      queue.Source
	Registry    *Registry
	Ledger      storage.JobLedger // optional
	WorkerID    string
	Concurrency int
	JobTimeout  time.Duration
}

// Worker represents the background job worker
type Worker struct {
	logger      *slog.Logger
	source      queue.Source
	registry    *Registry
	ledger      storage.JobLedger
	workerID    string
	concurrency int
	jobTimeout  time.Duration
	jobsChan    chan *queue.Delivery
	wg          sync.WaitGroup
}

// NewWorker creates a new worker instance
func NewWorker(cfg *Config) *Worker {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	jobTimeout := cfg.JobTimeout
	if jobTimeout <= 0 {
		jobTimeout = defaultJobTimeout
	}

	return &Worker{
		logger:      cfg.Logger.With(slog.String("component", "worker")),
		source:      cfg.Source,
		registry:    cfg.Registry,
		ledger:      cfg.Ledger,
		workerID:    cfg.WorkerID,
		concurrency: concurrency,
		jobTimeout:  jobTimeout,
		jobsChan:    make(chan *queue.Delivery),
	}
}

// Start consumes jobs until ctx is canceled or the source closes, then waits
// for in-flight jobs to settle
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("Starting worker",
		slog.String("worker_id", w.workerID),
		slog.Int("concurrency", w.concurrency),
		slog.Duration("job_timeout", w.jobTimeout),
		slog.Any("kinds", w.registry.Kinds()),
	)

	deliveries, err := w.source.Consume(ctx)
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	w.spawnWorkerPool()
	w.startMessageDispatcher(ctx, deliveries)

	close(w.jobsChan)
	w.wg.Wait()

	// The dispatcher also returns when the source closes on its own
	if ctx.Err() == nil {
		w.logger.Error("Worker stopped: job source closed", slog.String("worker_id", w.workerID))
		return ErrSourceClosed
	}

	w.logger.Info("Worker stopped", slog.String("worker_id", w.workerID))
	return nil
}
