package handler

import (
	"context"
	"log/slog"

	"github.com/cuongbtq/taskflow/internal/domain"
	"github.com/cuongbtq/taskflow/internal/lifecycle"
)

// TaskService is the lifecycle surface exposed over HTTP
type TaskService interface {
	Create(ctx context.Context, input domain.CreateTaskInput) (*domain.Task, error)
	FindAll(ctx context.Context, filter domain.TaskFilter) ([]domain.Task, error)
	FindOne(ctx context.Context, id string) (*domain.Task, error)
	Update(ctx context.Context, id string, changes domain.TaskChanges) (*domain.Task, error)
	UpdateStatus(ctx context.Context, id string, status domain.TaskStatus) (*domain.Task, error)
	Remove(ctx context.Context, id string) error
	BatchApply(ctx context.Context, ids []string, action lifecycle.BatchAction) []lifecycle.BatchResult
	Stats(ctx context.Context) (*domain.TaskStats, error)
}

// HealthCheck reports whether a backing service is reachable
type HealthCheck func(ctx context.Context) error

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger      *slog.Logger
	Tasks       TaskService
	ServiceName string
	Checks      map[string]HealthCheck
}

// TaskHandler handles task-related HTTP requests
type TaskHandler struct {
	logger *slog.Logger
	tasks  TaskService
}

// NewTaskHandler creates a new TaskHandler instance
func NewTaskHandler(deps *Dependencies) *TaskHandler {
	return &TaskHandler{
		logger: deps.Logger,
		tasks:  deps.Tasks,
	}
}
