package memory

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/cuongbtq/taskflow/internal/domain"
	"github.com/cuongbtq/taskflow/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func newTask(id string, offset time.Duration) domain.Task {
	return domain.Task{
		ID:        id,
		Title:     "task " + id,
		Status:    domain.TaskStatusPending,
		Priority:  domain.TaskPriorityMedium,
		UserID:    "u1",
		CreatedAt: base.Add(offset),
		UpdatedAt: base.Add(offset),
	}
}

func TestRunInTx_CommitAndRollback(t *testing.T) {
	s := New()
	ctx := context.Background()

	task := newTask("a", 0)
	err := s.RunInTx(ctx, func(ctx context.Context, tx storage.TaskTx) error {
		return tx.Insert(ctx, &task)
	})
	require.NoError(t, err)

	_, err = s.FindByID(ctx, "a")
	require.NoError(t, err)

	rollback := errors.New("abort")
	err = s.RunInTx(ctx, func(ctx context.Context, tx storage.TaskTx) error {
		locked, err := tx.GetForUpdate(ctx, "a")
		if err != nil {
			return err
		}
		locked.Title = "changed"
		if err := tx.Save(ctx, locked); err != nil {
			return err
		}

		// own writes are visible inside the transaction
		again, err := tx.GetForUpdate(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, "changed", again.Title)
		return rollback
	})
	assert.ErrorIs(t, err, rollback)

	stored, err := s.FindByID(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "task a", stored.Title)
}

func TestRunInTx_WritesInvisibleUntilCommit(t *testing.T) {
	s := New()
	ctx := context.Background()
	s.Put(newTask("a", 0))

	inside := make(chan struct{})
	proceed := make(chan struct{})
	done := make(chan error)

	go func() {
		done <- s.RunInTx(ctx, func(ctx context.Context, tx storage.TaskTx) error {
			task, err := tx.GetForUpdate(ctx, "a")
			if err != nil {
				return err
			}
			task.Status = domain.TaskStatusCompleted
			if err := tx.Save(ctx, task); err != nil {
				return err
			}
			close(inside)
			<-proceed
			return nil
		})
	}()

	<-inside
	stored, err := s.FindByID(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusPending, stored.Status)

	close(proceed)
	require.NoError(t, <-done)

	stored, err = s.FindByID(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusCompleted, stored.Status)
}

func TestGetForUpdate_BlocksUntilRelease(t *testing.T) {
	s := New()
	s.Put(newTask("a", 0))

	locked := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = s.RunInTx(context.Background(), func(ctx context.Context, tx storage.TaskTx) error {
			if _, err := tx.GetForUpdate(ctx, "a"); err != nil {
				return err
			}
			close(locked)
			<-release
			return nil
		})
	}()
	<-locked

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := s.RunInTx(ctx, func(ctx context.Context, tx storage.TaskTx) error {
		_, err := tx.GetForUpdate(ctx, "a")
		return err
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	err = s.RunInTx(context.Background(), func(ctx context.Context, tx storage.TaskTx) error {
		_, err := tx.GetForUpdate(ctx, "a")
		return err
	})
	assert.NoError(t, err)
}

func TestGetForUpdate_NotFoundReleasesLock(t *testing.T) {
	s := New()
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		err := s.RunInTx(ctx, func(ctx context.Context, tx storage.TaskTx) error {
			_, err := tx.GetForUpdate(ctx, "missing")
			return err
		})
		assert.ErrorIs(t, err, domain.ErrNotFound)
	}
}

func TestRowLocksArePruned(t *testing.T) {
	tests := []struct {
		name string
		run  func(ctx context.Context, s *Store) error
	}{
		{
			name: "lock missing row",
			run: func(ctx context.Context, s *Store) error {
				return s.RunInTx(ctx, func(ctx context.Context, tx storage.TaskTx) error {
					_, err := tx.GetForUpdate(ctx, "missing")
					return err
				})
			},
		},
		{
			name: "lock and save existing row",
			run: func(ctx context.Context, s *Store) error {
				return s.RunInTx(ctx, func(ctx context.Context, tx storage.TaskTx) error {
					task, err := tx.GetForUpdate(ctx, "a")
					if err != nil {
						return err
					}
					task.Status = domain.TaskStatusCompleted
					return tx.Save(ctx, task)
				})
			},
		},
		{
			name: "delete missing row",
			run:  func(ctx context.Context, s *Store) error { return s.Delete(ctx, "missing") },
		},
		{
			name: "delete existing row",
			run:  func(ctx context.Context, s *Store) error { return s.Delete(ctx, "a") },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New()
			s.Put(newTask("a", 0))

			_ = tt.run(context.Background(), s)

			assert.Zero(t, s.lockedRows())
		})
	}
}

func TestRowLocksPrunedAfterTimedOutWaiter(t *testing.T) {
	s := New()
	s.Put(newTask("a", 0))

	locked := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- s.RunInTx(context.Background(), func(ctx context.Context, tx storage.TaskTx) error {
			if _, err := tx.GetForUpdate(ctx, "a"); err != nil {
				return err
			}
			close(locked)
			<-release
			return nil
		})
	}()
	<-locked

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.Delete(ctx, "a"), context.DeadlineExceeded)
	assert.Equal(t, 1, s.lockedRows())

	close(release)
	require.NoError(t, <-done)
	assert.Zero(t, s.lockedRows())
}

func TestInsert_Duplicate(t *testing.T) {
	s := New()
	s.Put(newTask("a", 0))

	task := newTask("a", 0)
	err := s.RunInTx(context.Background(), func(ctx context.Context, tx storage.TaskTx) error {
		return tx.Insert(ctx, &task)
	})
	assert.Error(t, err)
}

func TestSave_MissingRow(t *testing.T) {
	s := New()
	task := newTask("ghost", 0)
	err := s.RunInTx(context.Background(), func(ctx context.Context, tx storage.TaskTx) error {
		return tx.Save(ctx, &task)
	})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestDelete(t *testing.T) {
	s := New()
	ctx := context.Background()
	s.Put(newTask("a", 0))
	s.Put(newTask("b", 0))
	s.BlockDelete("b")

	require.NoError(t, s.Delete(ctx, "a"))
	assert.ErrorIs(t, s.Delete(ctx, "a"), domain.ErrNotFound)
	assert.ErrorIs(t, s.Delete(ctx, "b"), domain.ErrConflict)

	_, err := s.FindByID(ctx, "b")
	assert.NoError(t, err)
}

func TestList(t *testing.T) {
	s := New()
	ctx := context.Background()

	a := newTask("a", 0)
	a.Title = "Buy Milk"
	b := newTask("b", time.Minute)
	b.Description = "milk and eggs"
	b.Priority = domain.TaskPriorityHigh
	c := newTask("c", 2*time.Minute)
	c.Status = domain.TaskStatusCompleted
	c.UserID = "u2"
	for _, task := range []domain.Task{c, a, b} {
		s.Put(task)
	}

	tests := []struct {
		name   string
		filter domain.TaskFilter
		want   []string
	}{
		{name: "defaults", filter: domain.TaskFilter{}, want: []string{"a", "b", "c"}},
		{name: "status", filter: domain.TaskFilter{Status: domain.TaskStatusCompleted}, want: []string{"c"}},
		{name: "priority", filter: domain.TaskFilter{Priority: domain.TaskPriorityHigh}, want: []string{"b"}},
		{name: "user", filter: domain.TaskFilter{UserID: "u2"}, want: []string{"c"}},
		{name: "search title and description", filter: domain.TaskFilter{Search: " MILK "}, want: []string{"a", "b"}},
		{name: "page size", filter: domain.TaskFilter{Limit: 2}, want: []string{"a", "b"}},
		{name: "second page", filter: domain.TaskFilter{Limit: 2, Page: 2}, want: []string{"c"}},
		{name: "past the end", filter: domain.TaskFilter{Limit: 2, Page: 5}, want: []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tasks, err := s.List(ctx, tt.filter)
			require.NoError(t, err)

			ids := make([]string, len(tasks))
			for i, task := range tasks {
				ids[i] = task.ID
			}
			assert.Equal(t, tt.want, ids)
		})
	}
}

func TestReturnedTasksAreCopies(t *testing.T) {
	s := New()
	ctx := context.Background()
	due := base
	task := newTask("a", 0)
	task.DueDate = &due
	s.Put(task)

	got, err := s.FindByID(ctx, "a")
	require.NoError(t, err)
	*got.DueDate = base.Add(time.Hour)
	got.Title = "mutated"

	again, err := s.FindByID(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, base, *again.DueDate)
	assert.Equal(t, "task a", again.Title)
}

func TestJobLedger(t *testing.T) {
	s := New()
	ctx := context.Background()

	_, err := s.GetRun(ctx, "j1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.ErrorIs(t, s.FinishRun(ctx, "j1", domain.JobStateCompleted, nil, ""), domain.ErrNotFound)

	require.NoError(t, s.StartRun(ctx, &storage.JobRun{JobID: "j1", Kind: domain.JobKindStatusUpdate, Attempt: 1}))
	require.NoError(t, s.FinishRun(ctx, "j1", domain.JobStateFailed, nil, "boom"))

	require.NoError(t, s.StartRun(ctx, &storage.JobRun{JobID: "j1", Kind: domain.JobKindStatusUpdate, Attempt: 2}))
	run, err := s.GetRun(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStateActive, run.State)
	assert.Equal(t, 2, run.Attempt)
	assert.Empty(t, run.Error)
	assert.Nil(t, run.FinishedAt)

	require.NoError(t, s.FinishRun(ctx, "j1", domain.JobStateCompleted, json.RawMessage(`{"success":true}`), ""))
	run, err = s.GetRun(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStateCompleted, run.State)
	assert.JSONEq(t, `{"success":true}`, string(run.Result))
	assert.NotNil(t, run.FinishedAt)
}
