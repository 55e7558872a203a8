// Package postgres implements the storage contracts on PostgreSQL using sqlx.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/taskflow/internal/domain"
	"github.com/cuongbtq/taskflow/internal/storage"
	"github.com/cuongbtq/taskflow/shared/postgresql"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// SQLSTATE codes the store maps onto domain errors
const (
	foreignKeyViolation       = "23503"
	invalidTextRepresentation = "22P02"
)

const taskColumns = `id, title, description, status, priority, due_date, user_id, created_at, updated_at`

// taskRow is the database shape of a task
type taskRow struct {
	ID          string         `db:"id"`
	Title       string         `db:"title"`
	Description sql.NullString `db:"description"`
	Status      string         `db:"status"`
	Priority    string         `db:"priority"`
	DueDate     sql.NullTime   `db:"due_date"`
	UserID      string         `db:"user_id"`
	CreatedAt   time.Time      `db:"created_at"`
	UpdatedAt   time.Time      `db:"updated_at"`
}

func (r *taskRow) toDomain() domain.Task {
	t := domain.Task{
		ID:          r.ID,
		Title:       r.Title,
		Description: r.Description.String,
		Status:      domain.TaskStatus(r.Status),
		Priority:    domain.TaskPriority(r.Priority),
		UserID:      r.UserID,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
	if r.DueDate.Valid {
		due := r.DueDate.Time
		t.DueDate = &due
	}
	return t
}

func rowArgs(t *domain.Task) []interface{} {
	var due sql.NullTime
	if t.DueDate != nil {
		due = sql.NullTime{Time: *t.DueDate, Valid: true}
	}
	return []interface{}{
		t.ID,
		t.Title,
		sql.NullString{String: t.Description, Valid: t.Description != ""},
		string(t.Status),
		string(t.Priority),
		due,
		t.UserID,
		t.CreatedAt,
		t.UpdatedAt,
	}
}

// saveArgs binds $1..$8 of the UPDATE in Save. created_at is immutable.
func saveArgs(t *domain.Task) []interface{} {
	args := rowArgs(t)
	return append(args[:7:7], t.UpdatedAt)
}

// taskError maps a driver error for the task with the given id onto the
// domain sentinels. An id Postgres cannot parse for the column type cannot
// name an existing row, so it is reported as not found.
func taskError(id, op string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("task %s: %w", id, domain.ErrNotFound)
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case invalidTextRepresentation:
			return fmt.Errorf("task %s: %w", id, domain.ErrNotFound)
		case foreignKeyViolation:
			return fmt.Errorf("task %s is still referenced by %s: %w", id, pqErr.Table, domain.ErrConflict)
		}
	}
	return fmt.Errorf("failed to %s task: %w", op, err)
}

// TaskStore handles task persistence on PostgreSQL
type TaskStore struct {
	db     *sqlx.DB
	logger *slog.Logger
}

var _ storage.TaskStore = (*TaskStore)(nil)

// NewTaskStore creates a new TaskStore
func NewTaskStore(db *sqlx.DB, logger *slog.Logger) *TaskStore {
	return &TaskStore{
		db:     db,
		logger: logger,
	}
}

// RunInTx executes fn in a read-committed transaction
func (s *TaskStore) RunInTx(ctx context.Context, fn storage.TxFn) error {
	return postgresql.RunInTx(ctx, s.db, s.logger, func(tx *sqlx.Tx) error {
		return fn(ctx, &pgTx{tx: tx})
	})
}

// FindByID retrieves a task by its ID without locking
func (s *TaskStore) FindByID(ctx context.Context, id string) (*domain.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE id = $1`

	var row taskRow
	if err := s.db.GetContext(ctx, &row, query, id); err != nil {
		return nil, taskError(id, "get", err)
	}

	t := row.toDomain()
	return &t, nil
}

// List returns the requested page of tasks matching filter
func (s *TaskStore) List(ctx context.Context, filter domain.TaskFilter) ([]domain.Task, error) {
	filter = filter.Normalize()

	query := `SELECT ` + taskColumns + ` FROM tasks WHERE 1=1`
	args := []interface{}{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}

	if filter.Priority != "" {
		query += fmt.Sprintf(" AND priority = $%d", argIdx)
		args = append(args, string(filter.Priority))
		argIdx++
	}

	if filter.UserID != "" {
		query += fmt.Sprintf(" AND user_id = $%d", argIdx)
		args = append(args, filter.UserID)
		argIdx++
	}

	if filter.Search != "" {
		query += fmt.Sprintf(" AND (title ILIKE $%d OR description ILIKE $%d)", argIdx, argIdx)
		args = append(args, "%"+filter.Search+"%")
		argIdx++
	}

	query += " ORDER BY created_at ASC, id ASC"
	query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", argIdx, argIdx+1)
	args = append(args, filter.Limit, filter.Offset())

	return s.selectTasks(ctx, query, args...)
}

// ListByStatus returns every task in the given status
func (s *TaskStore) ListByStatus(ctx context.Context, status domain.TaskStatus) ([]domain.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE status = $1 ORDER BY created_at ASC, id ASC`
	return s.selectTasks(ctx, query, string(status))
}

// ListOverdue returns pending tasks due before now
func (s *TaskStore) ListOverdue(ctx context.Context, now time.Time) ([]domain.Task, error) {
	query := `
		SELECT ` + taskColumns + `
		FROM tasks
		WHERE due_date < $1 AND status = $2
		ORDER BY due_date ASC, id ASC
	`
	return s.selectTasks(ctx, query, now, string(domain.TaskStatusPending))
}

// Delete removes a task by ID
func (s *TaskStore) Delete(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = $1`, id)
	if err != nil {
		return taskError(id, "delete", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("task %s: %w", id, domain.ErrNotFound)
	}

	s.logger.Debug("Task deleted", slog.String("task_id", id))
	return nil
}

// Stats aggregates task counts in a single query
func (s *TaskStore) Stats(ctx context.Context) (*domain.TaskStats, error) {
	query := `
		SELECT
			COUNT(*) AS total,
			COUNT(*) FILTER (WHERE status = $1) AS completed,
			COUNT(*) FILTER (WHERE status = $2) AS in_progress,
			COUNT(*) FILTER (WHERE status = $3) AS pending,
			COUNT(*) FILTER (WHERE priority = $4) AS high_priority
		FROM tasks
	`

	var stats domain.TaskStats
	err := s.db.GetContext(ctx, &stats, query,
		string(domain.TaskStatusCompleted),
		string(domain.TaskStatusInProgress),
		string(domain.TaskStatusPending),
		string(domain.TaskPriorityHigh),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get task stats: %w", err)
	}
	return &stats, nil
}

func (s *TaskStore) selectTasks(ctx context.Context, query string, args ...interface{}) ([]domain.Task, error) {
	var rows []taskRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}

	tasks := make([]domain.Task, len(rows))
	for i := range rows {
		tasks[i] = rows[i].toDomain()
	}
	return tasks, nil
}

// pgTx implements storage.TaskTx on a sqlx transaction
type pgTx struct {
	tx *sqlx.Tx
}

func (t *pgTx) Insert(ctx context.Context, task *domain.Task) error {
	query := `
		INSERT INTO tasks (` + taskColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	if _, err := t.tx.ExecContext(ctx, query, rowArgs(task)...); err != nil {
		return fmt.Errorf("failed to insert task: %w", err)
	}
	return nil
}

// GetForUpdate locks the row with SELECT ... FOR UPDATE for the rest of the transaction
func (t *pgTx) GetForUpdate(ctx context.Context, id string) (*domain.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE id = $1 FOR UPDATE`

	var row taskRow
	if err := t.tx.GetContext(ctx, &row, query, id); err != nil {
		return nil, taskError(id, "lock", err)
	}

	task := row.toDomain()
	return &task, nil
}

func (t *pgTx) Save(ctx context.Context, task *domain.Task) error {
	query := `
		UPDATE tasks
		SET title = $2,
			description = $3,
			status = $4,
			priority = $5,
			due_date = $6,
			user_id = $7,
			updated_at = $8
		WHERE id = $1
	`
	result, err := t.tx.ExecContext(ctx, query, saveArgs(task)...)
	if err != nil {
		return fmt.Errorf("failed to save task: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("task %s: %w", task.ID, domain.ErrNotFound)
	}
	return nil
}
