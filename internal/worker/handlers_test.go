package worker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cuongbtq/taskflow/internal/domain"
	"github.com/cuongbtq/taskflow/internal/notify"
	"github.com/cuongbtq/taskflow/internal/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeTasks struct {
	mu         sync.Mutex
	tasks      map[string]domain.Task
	overdue    []domain.Task
	findErr    error
	updateErr  error
	overdueErr error
	updates    []string

	overdueScans   int
	overdueLookups []string
}

func (f *fakeTasks) FindOne(ctx context.Context, id string) (*domain.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.findErr != nil {
		return nil, f.findErr
	}
	t, ok := f.tasks[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &t, nil
}

func (f *fakeTasks) UpdateStatus(ctx context.Context, id string, status domain.TaskStatus) (*domain.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateErr != nil {
		return nil, f.updateErr
	}
	t := f.tasks[id]
	t.Status = status
	f.tasks[id] = t
	f.updates = append(f.updates, id)
	return &t, nil
}

func (f *fakeTasks) OverdueTasks(ctx context.Context) ([]domain.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.overdueScans++
	if f.overdueErr != nil {
		return nil, f.overdueErr
	}
	return f.overdue, nil
}

func (f *fakeTasks) OverdueTask(ctx context.Context, id string) (*domain.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.overdueLookups = append(f.overdueLookups, id)
	if f.overdueErr != nil {
		return nil, f.overdueErr
	}
	for _, t := range f.overdue {
		if t.ID == id {
			return &t, nil
		}
	}
	return nil, nil
}

func jobWith(t *testing.T, kind domain.JobKind, payload any) *queue.Job {
	t.Helper()
	job, err := queue.NewJob(kind, payload)
	require.NoError(t, err)
	return job
}

func TestStatusUpdateHandler(t *testing.T) {
	tests := []struct {
		name        string
		payload     json.RawMessage
		findErr     error
		updateErr   error
		want        Result
		wantErr     bool
		wantUpdated bool
	}{
		{
			name:        "re-applies matching status",
			payload:     json.RawMessage(`{"taskId":"a","status":"COMPLETED"}`),
			want:        Result{Success: true, TaskID: "a", Status: "COMPLETED", Processed: 1},
			wantUpdated: true,
		},
		{
			name:    "stale job leaves task alone",
			payload: json.RawMessage(`{"taskId":"a","status":"PENDING"}`),
			want:    Result{Success: true, TaskID: "a", Status: "COMPLETED", Stale: true},
		},
		{
			name:    "missing task",
			payload: json.RawMessage(`{"taskId":"gone","status":"COMPLETED"}`),
			want:    Result{Success: false, TaskID: "gone"},
		},
		{
			name:    "missing task id",
			payload: json.RawMessage(`{"status":"COMPLETED"}`),
			want:    Result{Success: false},
		},
		{
			name:    "status is not a string",
			payload: json.RawMessage(`{"taskId":"a","status":3}`),
			want:    Result{Success: false},
		},
		{
			name:    "unknown status",
			payload: json.RawMessage(`{"taskId":"a","status":"DONE"}`),
			want:    Result{Success: false, TaskID: "a"},
		},
		{
			name:    "store failure on load is retried",
			payload: json.RawMessage(`{"taskId":"a","status":"COMPLETED"}`),
			findErr: errors.New("connection refused"),
			wantErr: true,
		},
		{
			name:      "store failure on update is retried",
			payload:   json.RawMessage(`{"taskId":"a","status":"COMPLETED"}`),
			updateErr: domain.ErrInternal,
			wantErr:   true,
		},
		{
			name:      "task deleted before update",
			payload:   json.RawMessage(`{"taskId":"a","status":"COMPLETED"}`),
			updateErr: domain.ErrNotFound,
			want:      Result{Success: false, TaskID: "a"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tasks := &fakeTasks{
				tasks:     map[string]domain.Task{"a": {ID: "a", Status: domain.TaskStatusCompleted}},
				findErr:   tt.findErr,
				updateErr: tt.updateErr,
			}
			h := NewStatusUpdateHandler(tasks, testLogger())

			job := &queue.Job{ID: "j1", Kind: domain.JobKindStatusUpdate, Payload: tt.payload, Attempt: 1}
			got, err := h.Handle(context.Background(), job)

			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)

			assert.Equal(t, tt.want.Success, got.Success)
			assert.Equal(t, tt.want.TaskID, got.TaskID)
			assert.Equal(t, tt.want.Stale, got.Stale)
			assert.Equal(t, tt.want.Processed, got.Processed)
			if tt.want.Status != "" {
				assert.Equal(t, tt.want.Status, got.Status)
			}
			if !got.Success {
				assert.NotEmpty(t, got.Error)
			}
			if tt.wantUpdated {
				assert.Equal(t, []string{"a"}, tasks.updates)
			} else {
				assert.Empty(t, tasks.updates)
			}
		})
	}
}

func overdueTasks(ids ...string) []domain.Task {
	out := make([]domain.Task, len(ids))
	for i, id := range ids {
		out[i] = domain.Task{ID: id, Status: domain.TaskStatusPending}
	}
	return out
}

func TestOverdueHandler_PartialFailure(t *testing.T) {
	tasks := &fakeTasks{overdue: overdueTasks("t1", "t2", "t3")}

	var calls atomic.Int64
	notifier := notify.NotifierFunc(func(ctx context.Context, task domain.Task) error {
		calls.Add(1)
		if task.ID == "t2" {
			return errors.New("smtp unavailable")
		}
		return nil
	})

	h := NewOverdueHandler(tasks, notifier, 4, testLogger())
	got, err := h.Handle(context.Background(), jobWith(t, domain.JobKindOverdueNotification, domain.OverduePayload{}))
	require.NoError(t, err)

	assert.Equal(t, Result{Success: true, Processed: 3, Failed: 1}, got)
	assert.EqualValues(t, 3, calls.Load())
}

func TestOverdueHandler_SingleTask(t *testing.T) {
	tests := []struct {
		name       string
		taskID     string
		overdueErr error
		want       Result
		wantErr    bool
	}{
		{
			name:   "overdue task notified",
			taskID: "t2",
			want:   Result{Success: true, TaskID: "t2", Processed: 1},
		},
		{
			name:   "completed since the scan",
			taskID: "t9",
			want:   Result{Success: true, TaskID: "t9", Processed: 0},
		},
		{
			name:       "lookup failure is retried",
			taskID:     "t1",
			overdueErr: domain.ErrInternal,
			wantErr:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tasks := &fakeTasks{overdue: overdueTasks("t1", "t2"), overdueErr: tt.overdueErr}

			var notified []string
			notifier := notify.NotifierFunc(func(ctx context.Context, task domain.Task) error {
				notified = append(notified, task.ID)
				return nil
			})
			h := NewOverdueHandler(tasks, notifier, 1, testLogger())

			got, err := h.Handle(context.Background(), jobWith(t, domain.JobKindOverdueNotification, domain.OverduePayload{TaskID: tt.taskID}))

			// one row lookup per job, never the full overdue query
			assert.Equal(t, []string{tt.taskID}, tasks.overdueLookups)
			assert.Zero(t, tasks.overdueScans)

			if tt.wantErr {
				assert.ErrorIs(t, err, tt.overdueErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			if tt.want.Processed == 1 {
				assert.Equal(t, []string{tt.taskID}, notified)
			} else {
				assert.Empty(t, notified)
			}
		})
	}
}

func TestOverdueHandler_NoTaskIDScansAll(t *testing.T) {
	tasks := &fakeTasks{overdue: overdueTasks("t1", "t2")}
	h := NewOverdueHandler(tasks, notify.NotifierFunc(func(context.Context, domain.Task) error { return nil }), 1, testLogger())

	got, err := h.Handle(context.Background(), jobWith(t, domain.JobKindOverdueNotification, domain.OverduePayload{}))
	require.NoError(t, err)

	assert.Equal(t, 2, got.Processed)
	assert.Equal(t, 1, tasks.overdueScans)
	assert.Empty(t, tasks.overdueLookups)
}

func TestOverdueHandler_NotifierPanicCountsAsFailure(t *testing.T) {
	tasks := &fakeTasks{overdue: overdueTasks("t1", "t2")}
	notifier := notify.NotifierFunc(func(ctx context.Context, task domain.Task) error {
		if task.ID == "t1" {
			panic("nil template")
		}
		return nil
	})
	h := NewOverdueHandler(tasks, notifier, 2, testLogger())

	got, err := h.Handle(context.Background(), jobWith(t, domain.JobKindOverdueNotification, domain.OverduePayload{}))
	require.NoError(t, err)
	assert.Equal(t, Result{Success: true, Processed: 2, Failed: 1}, got)
}

func TestOverdueHandler_LoadFailureIsRetried(t *testing.T) {
	tasks := &fakeTasks{overdueErr: domain.ErrInternal}
	h := NewOverdueHandler(tasks, notify.NotifierFunc(func(context.Context, domain.Task) error { return nil }), 1, testLogger())

	_, err := h.Handle(context.Background(), jobWith(t, domain.JobKindOverdueNotification, domain.OverduePayload{}))
	assert.ErrorIs(t, err, domain.ErrInternal)
}

func TestOverdueHandler_InvalidPayload(t *testing.T) {
	tasks := &fakeTasks{overdue: overdueTasks("t1")}
	h := NewOverdueHandler(tasks, notify.NotifierFunc(func(context.Context, domain.Task) error { return nil }), 1, testLogger())

	job := &queue.Job{ID: "j1", Kind: domain.JobKindOverdueNotification, Payload: json.RawMessage(`[1,2]`), Attempt: 1}
	got, err := h.Handle(context.Background(), job)
	require.NoError(t, err)
	assert.False(t, got.Success)
	assert.Contains(t, got.Error, ErrInvalidPayload.Error())
}

func TestOverdueHandler_BoundsConcurrency(t *testing.T) {
	tasks := &fakeTasks{overdue: overdueTasks("t1", "t2", "t3", "t4", "t5", "t6")}

	var running, peak atomic.Int64
	notifier := notify.NotifierFunc(func(ctx context.Context, task domain.Task) error {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		running.Add(-1)
		return nil
	})

	h := NewOverdueHandler(tasks, notifier, 2, testLogger())
	got, err := h.Handle(context.Background(), jobWith(t, domain.JobKindOverdueNotification, domain.OverduePayload{}))
	require.NoError(t, err)

	assert.Equal(t, 6, got.Processed)
	assert.LessOrEqual(t, peak.Load(), int64(2))
}
