// Package storage defines the persistence contracts used by the task
// lifecycle engine. Implementations live in the postgres and memory
// subpackages.
package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cuongbtq/taskflow/internal/domain"
)

// TxFn runs inside a task store transaction. Returning an error rolls the
// transaction back; returning nil commits it.
type TxFn func(ctx context.Context, tx TaskTx) error

// TaskStore is the persistent, transactional store of task rows.
//
// Reads outside a transaction take no locks and may observe the state
// before or after a concurrent transaction commits.
type TaskStore interface {
	// RunInTx executes fn in a single transaction.
	RunInTx(ctx context.Context, fn TxFn) error

	// FindByID returns domain.ErrNotFound when no row exists.
	FindByID(ctx context.Context, id string) (*domain.Task, error)

	// List applies filter predicates and page/limit pagination.
	List(ctx context.Context, filter domain.TaskFilter) ([]domain.Task, error)

	// ListByStatus returns every task in the given status.
	ListByStatus(ctx context.Context, status domain.TaskStatus) ([]domain.Task, error)

	// ListOverdue returns pending tasks whose due date is before now.
	ListOverdue(ctx context.Context, now time.Time) ([]domain.Task, error)

	// Delete removes a task. It returns domain.ErrNotFound when no row was
	// affected and domain.ErrConflict when a referential constraint blocks it.
	Delete(ctx context.Context, id string) error

	// Stats aggregates task counts.
	Stats(ctx context.Context) (*domain.TaskStats, error)
}

// TaskTx is the set of operations available inside a transaction.
type TaskTx interface {
	// Insert adds a new row.
	Insert(ctx context.Context, task *domain.Task) error

	// GetForUpdate reads a row and takes an exclusive lock on it that is held
	// until the transaction commits or rolls back. A second transaction
	// calling GetForUpdate on the same id blocks until then, and afterwards
	// observes the committed row. Returns domain.ErrNotFound when no row exists.
	GetForUpdate(ctx context.Context, id string) (*domain.Task, error)

	// Save writes every column of an existing row.
	Save(ctx context.Context, task *domain.Task) error
}

// JobRun is one recorded delivery attempt of a job
type JobRun struct {
	JobID      string
	Kind       domain.JobKind
	Attempt    int
	State      string
	Payload    json.RawMessage
	Result     json.RawMessage
	Error      string
	StartedAt  time.Time
	FinishedAt *time.Time
}

// JobLedger records job delivery attempts for auditing
type JobLedger interface {
	// StartRun marks the job active for the given attempt, creating the
	// record if it does not exist yet.
	StartRun(ctx context.Context, run *JobRun) error

	// FinishRun sets the terminal state, result and error message.
	FinishRun(ctx context.Context, jobID, state string, result json.RawMessage, errMsg string) error

	// GetRun returns domain.ErrNotFound when the job was never recorded.
	GetRun(ctx context.Context, jobID string) (*JobRun, error)
}
