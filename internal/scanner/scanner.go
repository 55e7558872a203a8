// Package scanner finds pending tasks past their due date and enqueues an
// overdue notification job for each of them.
package scanner

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/taskflow/internal/domain"
	"github.com/cuongbtq/taskflow/internal/queue"
)

// TaskLister is the read the scanner needs from the task store
type TaskLister interface {
	ListOverdue(ctx context.Context, now time.Time) ([]domain.Task, error)
}

// ScanReport summarizes one scan
type ScanReport struct {
	ScannedAt time.Time
	Found     int
	Enqueued  int
	Failed    int
	JobIDs    []string
}

// Overdue is the overdue task scanner. It never mutates tasks.
type Overdue struct {
	tasks     TaskLister
	publisher queue.Publisher
	logger    *slog.Logger
	now       func() time.Time
}

// NewOverdue creates a scanner. A nil clock means time.Now.
func NewOverdue(tasks TaskLister, publisher queue.Publisher, now func() time.Time, logger *slog.Logger) *Overdue {
	if now == nil {
		now = time.Now
	}
	return &Overdue{
		tasks:     tasks,
		publisher: publisher,
		logger:    logger.With(slog.String("component", "overdue_scanner")),
		now:       now,
	}
}

// ScanOnce runs a single scan-and-enqueue cycle. The read is not
// transactional; tasks may leave PENDING before their job runs. A failed
// submit is logged and counted and the scan moves on to the next task.
func (s *Overdue) ScanOnce(ctx context.Context) (*ScanReport, error) {
	now := s.now()

	tasks, err := s.tasks.ListOverdue(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("failed to query overdue tasks: %w", err)
	}

	report := &ScanReport{ScannedAt: now, Found: len(tasks)}
	for _, task := range tasks {
		jobID, err := s.publisher.Submit(ctx, domain.JobKindOverdueNotification, domain.OverduePayload{TaskID: task.ID})
		if err != nil {
			report.Failed++
			s.logger.Error("Failed to enqueue overdue notification",
				slog.String("task_id", task.ID),
				slog.Any("error", fmt.Errorf("%w: %v", domain.ErrDispatch, err)),
			)
			continue
		}
		report.Enqueued++
		report.JobIDs = append(report.JobIDs, jobID)
	}

	s.logger.Info("Overdue scan finished",
		slog.Int("found", report.Found),
		slog.Int("enqueued", report.Enqueued),
		slog.Int("failed", report.Failed),
	)
	return report, nil
}

// Run calls ScanOnce every interval until ctx is canceled. Scan errors are
// logged and do not stop the loop.
func (s *Overdue) Run(ctx context.Context, interval time.Duration) {
	s.logger.Info("Overdue scanner started", slog.Duration("interval", interval))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Overdue scanner stopped")
			return
		case <-ticker.C:
			if _, err := s.ScanOnce(ctx); err != nil {
				s.logger.Error("Overdue scan failed", slog.Any("error", err))
			}
		}
	}
}
