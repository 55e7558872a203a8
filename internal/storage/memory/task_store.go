// Package memory provides in-process implementations of the storage
// contracts. Row locks behave like Postgres SELECT ... FOR UPDATE: they are
// held until the owning transaction ends and writes become visible only on
// commit.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cuongbtq/taskflow/internal/domain"
	"github.com/cuongbtq/taskflow/internal/storage"
)

// Operation names accepted by SetFault
const (
	OpInsert       = "insert"
	OpGetForUpdate = "get_for_update"
	OpSave         = "save"
	OpCommit       = "commit"
	OpFind         = "find"
	OpList         = "list"
	OpDelete       = "delete"
	OpStats        = "stats"
)

// Store is an in-memory task store and job ledger
type Store struct {
	mu       sync.RWMutex
	tasks    map[string]domain.Task
	runs     map[string]storage.JobRun
	blocked  map[string]bool
	faults   map[string]error
	lockMu   sync.Mutex
	rowLocks map[string]*rowLock
}

var (
	_ storage.TaskStore = (*Store)(nil)
	_ storage.JobLedger = (*Store)(nil)
)

// New creates an empty store
func New() *Store {
	return &Store{
		tasks:    make(map[string]domain.Task),
		runs:     make(map[string]storage.JobRun),
		blocked:  make(map[string]bool),
		faults:   make(map[string]error),
		rowLocks: make(map[string]*rowLock),
	}
}

// Put stores a task directly, bypassing transactions
func (s *Store) Put(task domain.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[task.ID] = cloneTask(task)
}

// BlockDelete makes Delete fail with domain.ErrConflict for id, standing in
// for a foreign key held by another subsystem.
func (s *Store) BlockDelete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocked[id] = true
}

// SetFault makes the named operation fail with err until cleared with a nil err
func (s *Store) SetFault(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.faults, op)
		return
	}
	s.faults[op] = err
}

func (s *Store) fault(op string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.faults[op]
}

// RunInTx executes fn in a transaction
func (s *Store) RunInTx(ctx context.Context, fn storage.TxFn) error {
	tx := &memTx{
		store:  s,
		locked: make(map[string]bool),
		writes: make(map[string]domain.Task),
		added:  make(map[string]bool),
	}
	defer tx.release()

	if err := fn(ctx, tx); err != nil {
		return err
	}
	return tx.commit()
}

// FindByID returns the committed row for id
func (s *Store) FindByID(ctx context.Context, id string) (*domain.Task, error) {
	if err := s.fault(OpFind); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	task, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", id, domain.ErrNotFound)
	}
	t := cloneTask(task)
	return &t, nil
}

// List returns the requested page of tasks matching filter, oldest first
func (s *Store) List(ctx context.Context, filter domain.TaskFilter) ([]domain.Task, error) {
	if err := s.fault(OpList); err != nil {
		return nil, err
	}
	filter = filter.Normalize()
	search := strings.ToLower(filter.Search)

	matched := s.collect(func(t domain.Task) bool {
		if filter.Status != "" && t.Status != filter.Status {
			return false
		}
		if filter.Priority != "" && t.Priority != filter.Priority {
			return false
		}
		if filter.UserID != "" && t.UserID != filter.UserID {
			return false
		}
		if search != "" &&
			!strings.Contains(strings.ToLower(t.Title), search) &&
			!strings.Contains(strings.ToLower(t.Description), search) {
			return false
		}
		return true
	})

	start := filter.Offset()
	if start >= len(matched) {
		return []domain.Task{}, nil
	}
	end := start + filter.Limit
	if end > len(matched) {
		end = len(matched)
	}
	return matched[start:end], nil
}

// ListByStatus returns every task in status
func (s *Store) ListByStatus(ctx context.Context, status domain.TaskStatus) ([]domain.Task, error) {
	if err := s.fault(OpList); err != nil {
		return nil, err
	}
	return s.collect(func(t domain.Task) bool { return t.Status == status }), nil
}

// ListOverdue returns pending tasks due before now
func (s *Store) ListOverdue(ctx context.Context, now time.Time) ([]domain.Task, error) {
	if err := s.fault(OpList); err != nil {
		return nil, err
	}
	return s.collect(func(t domain.Task) bool { return t.IsOverdue(now) }), nil
}

// Delete removes the committed row for id
func (s *Store) Delete(ctx context.Context, id string) error {
	if err := s.fault(OpDelete); err != nil {
		return err
	}

	// deleting a row waits for any transaction holding its lock
	if err := s.lockRow(ctx, id); err != nil {
		return err
	}
	defer s.unlockRow(id)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[id]; !ok {
		return fmt.Errorf("task %s: %w", id, domain.ErrNotFound)
	}
	if s.blocked[id] {
		return fmt.Errorf("task %s is still referenced: %w", id, domain.ErrConflict)
	}
	delete(s.tasks, id)
	return nil
}

// Stats counts tasks by status and high priority
func (s *Store) Stats(ctx context.Context) (*domain.TaskStats, error) {
	if err := s.fault(OpStats); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &domain.TaskStats{Total: len(s.tasks)}
	for _, t := range s.tasks {
		switch t.Status {
		case domain.TaskStatusCompleted:
			stats.Completed++
		case domain.TaskStatusInProgress:
			stats.InProgress++
		case domain.TaskStatusPending:
			stats.Pending++
		}
		if t.Priority == domain.TaskPriorityHigh {
			stats.HighPriority++
		}
	}
	return stats, nil
}

func (s *Store) collect(match func(domain.Task) bool) []domain.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Task, 0)
	for _, t := range s.tasks {
		if match(t) {
			out = append(out, cloneTask(t))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// rowLock is a per-row mutex. refs counts holders and waiters so the entry
// is dropped once nobody needs it.
type rowLock struct {
	ch   chan struct{}
	refs int
}

func (s *Store) lockRow(ctx context.Context, id string) error {
	s.lockMu.Lock()
	l, ok := s.rowLocks[id]
	if !ok {
		l = &rowLock{ch: make(chan struct{}, 1)}
		s.rowLocks[id] = l
	}
	l.refs++
	s.lockMu.Unlock()

	select {
	case l.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		s.dropRef(id, l)
		return fmt.Errorf("waiting for row lock on task %s: %w", id, ctx.Err())
	}
}

func (s *Store) unlockRow(id string) {
	s.lockMu.Lock()
	l := s.rowLocks[id]
	s.lockMu.Unlock()

	<-l.ch
	s.dropRef(id, l)
}

func (s *Store) dropRef(id string, l *rowLock) {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()

	l.refs--
	if l.refs == 0 {
		delete(s.rowLocks, id)
	}
}

// lockedRows reports how many rows have a lock entry
func (s *Store) lockedRows() int {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	return len(s.rowLocks)
}

// memTx buffers writes until commit and holds the row locks it acquired
type memTx struct {
	store  *Store
	locked map[string]bool
	writes map[string]domain.Task
	added  map[string]bool
	done   bool
}

func (tx *memTx) Insert(ctx context.Context, task *domain.Task) error {
	if err := tx.store.fault(OpInsert); err != nil {
		return err
	}
	if _, ok := tx.writes[task.ID]; ok {
		return fmt.Errorf("task %s already exists", task.ID)
	}
	tx.store.mu.RLock()
	_, exists := tx.store.tasks[task.ID]
	tx.store.mu.RUnlock()
	if exists {
		return fmt.Errorf("task %s already exists", task.ID)
	}

	tx.writes[task.ID] = cloneTask(*task)
	tx.added[task.ID] = true
	return nil
}

func (tx *memTx) GetForUpdate(ctx context.Context, id string) (*domain.Task, error) {
	if err := tx.store.fault(OpGetForUpdate); err != nil {
		return nil, err
	}
	if !tx.locked[id] {
		if err := tx.store.lockRow(ctx, id); err != nil {
			return nil, err
		}
		tx.locked[id] = true
	}

	if task, ok := tx.writes[id]; ok {
		t := cloneTask(task)
		return &t, nil
	}
	return tx.store.FindByID(ctx, id)
}

func (tx *memTx) Save(ctx context.Context, task *domain.Task) error {
	if err := tx.store.fault(OpSave); err != nil {
		return err
	}
	if _, ok := tx.writes[task.ID]; !ok {
		tx.store.mu.RLock()
		_, exists := tx.store.tasks[task.ID]
		tx.store.mu.RUnlock()
		if !exists {
			return fmt.Errorf("task %s: %w", task.ID, domain.ErrNotFound)
		}
	}
	tx.writes[task.ID] = cloneTask(*task)
	return nil
}

func (tx *memTx) commit() error {
	if err := tx.store.fault(OpCommit); err != nil {
		return err
	}
	tx.store.mu.Lock()
	defer tx.store.mu.Unlock()

	for id := range tx.added {
		if _, exists := tx.store.tasks[id]; exists {
			return fmt.Errorf("task %s already exists", id)
		}
	}
	for id, task := range tx.writes {
		tx.store.tasks[id] = task
	}
	return nil
}

func (tx *memTx) release() {
	if tx.done {
		return
	}
	tx.done = true
	for id := range tx.locked {
		tx.store.unlockRow(id)
	}
}

func cloneTask(t domain.Task) domain.Task {
	if t.DueDate != nil {
		due := *t.DueDate
		t.DueDate = &due
	}
	return t
}
