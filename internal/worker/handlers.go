package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/cuongbtq/taskflow/internal/domain"
	"github.com/cuongbtq/taskflow/internal/notify"
	"github.com/cuongbtq/taskflow/internal/queue"
	"github.com/go-playground/validator/v10"
	"golang.org/x/sync/errgroup"
)

// TaskService is the part of the lifecycle service the handlers use
type TaskService interface {
	FindOne(ctx context.Context, id string) (*domain.Task, error)
	UpdateStatus(ctx context.Context, id string, status domain.TaskStatus) (*domain.Task, error)
	OverdueTasks(ctx context.Context) ([]domain.Task, error)
	OverdueTask(ctx context.Context, id string) (*domain.Task, error)
}

func decodePayload(validate *validator.Validate, job *queue.Job, v any) error {
	if len(job.Payload) > 0 {
		if err := json.Unmarshal(job.Payload, v); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
	}
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}

// StatusUpdateHandler re-applies the status carried by a status-update job.
// The job only holds a weak reference: a vanished task is reported as a
// failed result, and a task whose status moved on since the job was queued
// is left alone.
type StatusUpdateHandler struct {
	tasks    TaskService
	validate *validator.Validate
	logger   *slog.Logger
}

// NewStatusUpdateHandler creates a StatusUpdateHandler
func NewStatusUpdateHandler(tasks TaskService, logger *slog.Logger) *StatusUpdateHandler {
	return &StatusUpdateHandler{
		tasks:    tasks,
		validate: validator.New(),
		logger:   logger.With(slog.String("handler", string(domain.JobKindStatusUpdate))),
	}
}

// Handle implements Handler
func (h *StatusUpdateHandler) Handle(ctx context.Context, job *queue.Job) (Result, error) {
	var payload domain.StatusUpdatePayload
	if err := decodePayload(h.validate, job, &payload); err != nil {
		h.logger.Warn("Rejected status update job",
			slog.String("job_id", job.ID),
			slog.Any("error", err),
		)
		return Result{Success: false, Error: err.Error()}, nil
	}

	status := domain.TaskStatus(payload.Status)
	if !status.Valid() {
		return Result{
			Success: false,
			TaskID:  payload.TaskID,
			Error:   fmt.Sprintf("%v: unknown status %q", ErrInvalidPayload, payload.Status),
		}, nil
	}

	current, err := h.tasks.FindOne(ctx, payload.TaskID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			h.logger.Warn("Task no longer exists",
				slog.String("job_id", job.ID),
				slog.String("task_id", payload.TaskID),
			)
			return Result{Success: false, TaskID: payload.TaskID, Error: err.Error()}, nil
		}
		return Result{}, fmt.Errorf("failed to load task %s: %w", payload.TaskID, err)
	}

	if current.Status != status {
		h.logger.Info("Skipping stale status update",
			slog.String("job_id", job.ID),
			slog.String("task_id", payload.TaskID),
			slog.String("job_status", payload.Status),
			slog.String("current_status", string(current.Status)),
		)
		return Result{Success: true, TaskID: payload.TaskID, Status: string(current.Status), Stale: true}, nil
	}

	updated, err := h.tasks.UpdateStatus(ctx, payload.TaskID, status)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) || errors.Is(err, domain.ErrInvalidArgument) {
			return Result{Success: false, TaskID: payload.TaskID, Error: err.Error()}, nil
		}
		return Result{}, fmt.Errorf("failed to update task %s: %w", payload.TaskID, err)
	}

	return Result{
		Success:   true,
		TaskID:    updated.ID,
		Status:    string(updated.Status),
		Processed: 1,
	}, nil
}

// OverdueHandler sends one notification per currently overdue task. The job
// succeeds once every attempt has settled, however many of them failed.
type OverdueHandler struct {
	tasks       TaskService
	notifier    notify.Notifier
	concurrency int
	validate    *validator.Validate
	logger      *slog.Logger
}

// NewOverdueHandler creates an OverdueHandler that runs at most concurrency
// notifications at a time
func NewOverdueHandler(tasks TaskService, notifier notify.Notifier, concurrency int, logger *slog.Logger) *OverdueHandler {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &OverdueHandler{
		tasks:       tasks,
		notifier:    notifier,
		concurrency: concurrency,
		validate:    validator.New(),
		logger:      logger.With(slog.String("handler", string(domain.JobKindOverdueNotification))),
	}
}

// Handle implements Handler
func (h *OverdueHandler) Handle(ctx context.Context, job *queue.Job) (Result, error) {
	var payload domain.OverduePayload
	if err := decodePayload(h.validate, job, &payload); err != nil {
		return Result{Success: false, Error: err.Error()}, nil
	}

	overdue, err := h.load(ctx, payload.TaskID)
	if err != nil {
		return Result{}, err
	}

	var failed atomic.Int64
	g := new(errgroup.Group)
	g.SetLimit(h.concurrency)

	for _, task := range overdue {
		task := task
		g.Go(func() error {
			if err := h.notify(ctx, task); err != nil {
				failed.Add(1)
				h.logger.Error("Failed to send overdue notification",
					slog.String("job_id", job.ID),
					slog.String("task_id", task.ID),
					slog.Any("error", err),
				)
			}
			return nil
		})
	}
	_ = g.Wait()

	result := Result{
		Success:   true,
		TaskID:    payload.TaskID,
		Processed: len(overdue),
		Failed:    int(failed.Load()),
	}

	h.logger.Info("Overdue notifications sent",
		slog.String("job_id", job.ID),
		slog.Int("processed", result.Processed),
		slog.Int("failed", result.Failed),
	)
	return result, nil
}

func (h *OverdueHandler) notify(ctx context.Context, task domain.Task) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("notifier panic: %v", p)
		}
	}()
	return h.notifier.NotifyOverdue(ctx, task)
}

// load returns the single task named by the job, or every overdue task when
// the job names none
func (h *OverdueHandler) load(ctx context.Context, taskID string) ([]domain.Task, error) {
	if taskID == "" {
		tasks, err := h.tasks.OverdueTasks(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to load overdue tasks: %w", err)
		}
		return tasks, nil
	}

	task, err := h.tasks.OverdueTask(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to load overdue task %s: %w", taskID, err)
	}
	if task == nil {
		// completed or deleted since the scan
		return nil, nil
	}
	return []domain.Task{*task}, nil
}
