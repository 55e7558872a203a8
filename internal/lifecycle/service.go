// Package lifecycle owns every task state transition. Mutations of one task
// are serialized through the store's row lock, and a status-update job is
// enqueued after commit whenever the status changed.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cuongbtq/taskflow/internal/domain"
	"github.com/cuongbtq/taskflow/internal/queue"
	"github.com/cuongbtq/taskflow/internal/storage"
	"github.com/google/uuid"
)

const defaultDispatchTimeout = 5 * time.Second

// Service is the task lifecycle service
type Service struct {
	store           storage.TaskStore
	publisher       queue.Publisher
	logger          *slog.Logger
	now             func() time.Time
	newID           func() string
	dispatchTimeout time.Duration
}

// Option configures a Service
type Option func(*Service)

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithIDGenerator replaces the uuid task id generator
func WithIDGenerator(newID func() string) Option {
	return func(s *Service) { s.newID = newID }
}

// WithDispatchTimeout bounds each post-commit enqueue
func WithDispatchTimeout(d time.Duration) Option {
	return func(s *Service) { s.dispatchTimeout = d }
}

// NewService creates a new lifecycle service
func NewService(store storage.TaskStore, publisher queue.Publisher, logger *slog.Logger, opts ...Option) *Service {
	s := &Service{
		store:           store,
		publisher:       publisher,
		logger:          logger.With(slog.String("component", "lifecycle")),
		now:             time.Now,
		newID:           uuid.NewString,
		dispatchTimeout: defaultDispatchTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create inserts a task and enqueues a status-update job for it
func (s *Service) Create(ctx context.Context, input domain.CreateTaskInput) (*domain.Task, error) {
	if strings.TrimSpace(input.Title) == "" {
		return nil, fmt.Errorf("title is required: %w", domain.ErrInvalidArgument)
	}
	if input.Status == "" {
		input.Status = domain.TaskStatusPending
	}
	if input.Priority == "" {
		input.Priority = domain.TaskPriorityMedium
	}
	if err := validateEnums(&input.Status, &input.Priority); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	task := &domain.Task{
		ID:          s.newID(),
		Title:       input.Title,
		Description: input.Description,
		Status:      input.Status,
		Priority:    input.Priority,
		DueDate:     input.DueDate,
		UserID:      input.UserID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	err := s.store.RunInTx(ctx, func(ctx context.Context, tx storage.TaskTx) error {
		return tx.Insert(ctx, task)
	})
	if err != nil {
		return nil, s.storeFailure("create", task.ID, err)
	}

	s.logger.Info("Task created",
		slog.String("task_id", task.ID),
		slog.String("status", string(task.Status)),
	)

	s.dispatchStatusUpdate(ctx, task.ID, task.Status)
	return task, nil
}

// Update merges changes into the task under an exclusive row lock. A
// status-update job is enqueued after commit only if the status changed.
func (s *Service) Update(ctx context.Context, id string, changes domain.TaskChanges) (*domain.Task, error) {
	if err := validateEnums(changes.Status, changes.Priority); err != nil {
		return nil, err
	}
	if changes.Title != nil && strings.TrimSpace(*changes.Title) == "" {
		return nil, fmt.Errorf("title must not be empty: %w", domain.ErrInvalidArgument)
	}

	var (
		previous domain.TaskStatus
		updated  *domain.Task
	)

	err := s.store.RunInTx(ctx, func(ctx context.Context, tx storage.TaskTx) error {
		task, err := tx.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}

		previous = task.Status
		changes.Apply(task)
		task.UpdatedAt = s.now().UTC()

		if err := tx.Save(ctx, task); err != nil {
			return err
		}
		updated = task
		return nil
	})
	if err != nil {
		return nil, s.storeFailure("update", id, err)
	}

	if updated.Status != previous {
		s.logger.Info("Task status changed",
			slog.String("task_id", id),
			slog.String("from", string(previous)),
			slog.String("to", string(updated.Status)),
		)
		s.dispatchStatusUpdate(ctx, id, updated.Status)
	}

	return updated, nil
}

// UpdateStatus validates status and applies it through Update
func (s *Service) UpdateStatus(ctx context.Context, id string, status domain.TaskStatus) (*domain.Task, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("status %q: %w", status, domain.ErrInvalidArgument)
	}
	return s.Update(ctx, id, domain.TaskChanges{Status: &status})
}

// Remove deletes a task. Removing an id twice yields domain.ErrNotFound.
func (s *Service) Remove(ctx context.Context, id string) error {
	if err := s.store.Delete(ctx, id); err != nil {
		return s.storeFailure("remove", id, err)
	}

	s.logger.Info("Task removed", slog.String("task_id", id))
	return nil
}

// FindAll returns the requested page of tasks matching filter
func (s *Service) FindAll(ctx context.Context, filter domain.TaskFilter) ([]domain.Task, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, fmt.Errorf("status %q: %w", filter.Status, domain.ErrInvalidArgument)
	}
	if filter.Priority != "" && !filter.Priority.Valid() {
		return nil, fmt.Errorf("priority %q: %w", filter.Priority, domain.ErrInvalidArgument)
	}

	tasks, err := s.store.List(ctx, filter.Normalize())
	if err != nil {
		return nil, s.storeFailure("list", "", err)
	}
	return tasks, nil
}

// FindOne returns a single task without locking it
func (s *Service) FindOne(ctx context.Context, id string) (*domain.Task, error) {
	task, err := s.store.FindByID(ctx, id)
	if err != nil {
		return nil, s.storeFailure("find", id, err)
	}
	return task, nil
}

// FindByStatus returns every task in status
func (s *Service) FindByStatus(ctx context.Context, status domain.TaskStatus) ([]domain.Task, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("status %q: %w", status, domain.ErrInvalidArgument)
	}

	tasks, err := s.store.ListByStatus(ctx, status)
	if err != nil {
		return nil, s.storeFailure("list", "", err)
	}
	return tasks, nil
}

// OverdueTasks returns pending tasks whose due date has passed
func (s *Service) OverdueTasks(ctx context.Context) ([]domain.Task, error) {
	tasks, err := s.store.ListOverdue(ctx, s.now())
	if err != nil {
		return nil, s.storeFailure("list overdue", "", err)
	}
	return tasks, nil
}

// OverdueTask returns the task when it is still overdue, and nil when it is
// missing or no longer overdue
func (s *Service) OverdueTask(ctx context.Context, id string) (*domain.Task, error) {
	task, err := s.FindOne(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}

	if !task.IsOverdue(s.now()) {
		return nil, nil
	}
	return task, nil
}

// Stats returns aggregate task counts
func (s *Service) Stats(ctx context.Context) (*domain.TaskStats, error) {
	stats, err := s.store.Stats(ctx)
	if err != nil {
		return nil, s.storeFailure("stats", "", err)
	}
	return stats, nil
}

// dispatchStatusUpdate enqueues a status-update job. Failures are logged and
// dropped; the committed write stands.
func (s *Service) dispatchStatusUpdate(ctx context.Context, id string, status domain.TaskStatus) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.dispatchTimeout)
	defer cancel()

	jobID, err := s.publisher.Submit(ctx, domain.JobKindStatusUpdate, domain.StatusUpdatePayload{
		TaskID: id,
		Status: string(status),
	})
	if err != nil {
		s.logger.Error("Failed to enqueue status update job",
			slog.String("task_id", id),
			slog.String("status", string(status)),
			slog.Any("error", fmt.Errorf("%w: %v", domain.ErrDispatch, err)),
		)
		return
	}

	s.logger.Debug("Status update job enqueued",
		slog.String("task_id", id),
		slog.String("job_id", jobID),
	)
}

// storeFailure passes NotFound, Conflict and InvalidArgument through and
// hides every other cause behind domain.ErrInternal
func (s *Service) storeFailure(op, id string, err error) error {
	switch {
	case errors.Is(err, domain.ErrNotFound),
		errors.Is(err, domain.ErrConflict),
		errors.Is(err, domain.ErrInvalidArgument):
		return err
	}

	s.logger.Error("Task store failure",
		slog.String("op", op),
		slog.String("task_id", id),
		slog.Any("error", err),
	)
	return fmt.Errorf("failed to %s task: %w", op, domain.ErrInternal)
}

func validateEnums(status *domain.TaskStatus, priority *domain.TaskPriority) error {
	if status != nil && !status.Valid() {
		return fmt.Errorf("status %q: %w", *status, domain.ErrInvalidArgument)
	}
	if priority != nil && !priority.Valid() {
		return fmt.Errorf("priority %q: %w", *priority, domain.ErrInvalidArgument)
	}
	return nil
}
