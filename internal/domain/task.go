package domain

import (
	"strings"
	"time"
)

// TaskStatus is the lifecycle state of a task
type TaskStatus string

// Task status values
const (
	TaskStatusPending    TaskStatus = "PENDING"
	TaskStatusInProgress TaskStatus = "IN_PROGRESS"
	TaskStatusCompleted  TaskStatus = "COMPLETED"
)

// TaskPriority is the relative urgency of a task
type TaskPriority string

// Task priority values
const (
	TaskPriorityLow    TaskPriority = "LOW"
	TaskPriorityMedium TaskPriority = "MEDIUM"
	TaskPriorityHigh   TaskPriority = "HIGH"
)

// Valid reports whether s is one of the defined task statuses
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusPending, TaskStatusInProgress, TaskStatusCompleted:
		return true
	}
	return false
}

// Valid reports whether p is one of the defined task priorities
func (p TaskPriority) Valid() bool {
	switch p {
	case TaskPriorityLow, TaskPriorityMedium, TaskPriorityHigh:
		return true
	}
	return false
}

// Task is the unit of work tracked by the system
type Task struct {
	ID          string       `json:"id"`
	Title       string       `json:"title"`
	Description string       `json:"description,omitempty"`
	Status      TaskStatus   `json:"status"`
	Priority    TaskPriority `json:"priority"`
	DueDate     *time.Time   `json:"due_date,omitempty"`
	UserID      string       `json:"user_id"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// IsOverdue reports whether the task is still pending past its due date at now
func (t *Task) IsOverdue(now time.Time) bool {
	return t.Status == TaskStatusPending && t.DueDate != nil && t.DueDate.Before(now)
}

// CreateTaskInput holds the fields accepted when creating a task.
// Empty Status and Priority fall back to PENDING and MEDIUM.
type CreateTaskInput struct {
	Title       string
	Description string
	Status      TaskStatus
	Priority    TaskPriority
	DueDate     *time.Time
	UserID      string
}

// TaskChanges is a partial update; nil fields are left untouched
type TaskChanges struct {
	Title       *string
	Description *string
	Status      *TaskStatus
	Priority    *TaskPriority
	DueDate     *time.Time
	UserID      *string
}

// Apply merges the non-nil fields of c into t
func (c TaskChanges) Apply(t *Task) {
	if c.Title != nil {
		t.Title = *c.Title
	}
	if c.Description != nil {
		t.Description = *c.Description
	}
	if c.Status != nil {
		t.Status = *c.Status
	}
	if c.Priority != nil {
		t.Priority = *c.Priority
	}
	if c.DueDate != nil {
		due := *c.DueDate
		t.DueDate = &due
	}
	if c.UserID != nil {
		t.UserID = *c.UserID
	}
}

const (
	// DefaultPage is the page used when a filter does not set one
	DefaultPage = 1
	// DefaultLimit is the page size used when a filter does not set one
	DefaultLimit = 10
)

// TaskFilter selects tasks for paginated queries. Zero values mean "any".
type TaskFilter struct {
	Status   TaskStatus
	Priority TaskPriority
	UserID   string
	Search   string
	Page     int
	Limit    int
}

// Normalize fills in pagination defaults and trims the search term
func (f TaskFilter) Normalize() TaskFilter {
	if f.Page < 1 {
		f.Page = DefaultPage
	}
	if f.Limit < 1 {
		f.Limit = DefaultLimit
	}
	f.Search = strings.TrimSpace(f.Search)
	return f
}

// Offset returns the number of rows skipped before the requested page
func (f TaskFilter) Offset() int {
	return (f.Page - 1) * f.Limit
}

// TaskStats summarizes task counts
type TaskStats struct {
	Total        int `json:"total" db:"total"`
	Completed    int `json:"completed" db:"completed"`
	InProgress   int `json:"in_progress" db:"in_progress"`
	Pending      int `json:"pending" db:"pending"`
	HighPriority int `json:"high_priority" db:"high_priority"`
}
