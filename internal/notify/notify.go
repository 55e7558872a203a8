// Package notify delivers overdue-task notifications.
package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/cuongbtq/taskflow/internal/domain"
)

// Notifier sends one overdue notice for a task
type Notifier interface {
	NotifyOverdue(ctx context.Context, task domain.Task) error
}

// NotifierFunc adapts a function to Notifier
type NotifierFunc func(ctx context.Context, task domain.Task) error

// NotifyOverdue calls f
func (f NotifierFunc) NotifyOverdue(ctx context.Context, task domain.Task) error {
	return f(ctx, task)
}

// LogNotifier writes notifications to the structured log. It stands in for
// email or SMS delivery, which live outside this service.
type LogNotifier struct {
	logger *slog.Logger
	now    func() time.Time
}

// NewLogNotifier creates a LogNotifier
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{
		logger: logger.With(slog.String("component", "notifier")),
		now:    time.Now,
	}
}

// NotifyOverdue implements Notifier
func (n *LogNotifier) NotifyOverdue(ctx context.Context, task domain.Task) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	attrs := []any{
		slog.String("task_id", task.ID),
		slog.String("user_id", task.UserID),
		slog.String("title", task.Title),
		slog.String("priority", string(task.Priority)),
	}
	if task.DueDate != nil {
		attrs = append(attrs,
			slog.Time("due_date", *task.DueDate),
			slog.Duration("overdue_by", n.now().Sub(*task.DueDate).Round(time.Second)),
		)
	}

	n.logger.Warn("Task is overdue", attrs...)
	return nil
}
