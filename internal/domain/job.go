package domain

// JobKind identifies the side-effect a job performs. The set is closed:
// anything not returned by JobKinds is rejected by the worker registry.
type JobKind string

// Job kinds
const (
	JobKindStatusUpdate        JobKind = "task-status-update"
	JobKindOverdueNotification JobKind = "overdue-tasks-notification"
)

// JobKinds returns every defined job kind
func JobKinds() []JobKind {
	return []JobKind{JobKindStatusUpdate, JobKindOverdueNotification}
}

// Valid reports whether k is a defined job kind
func (k JobKind) Valid() bool {
	for _, kind := range JobKinds() {
		if k == kind {
			return true
		}
	}
	return false
}

// Job run states recorded by the worker ledger
const (
	JobStateActive    = "active"
	JobStateCompleted = "completed"
	JobStateFailed    = "failed"
)

// StatusUpdatePayload is carried by task-status-update jobs
type StatusUpdatePayload struct {
	TaskID string `json:"taskId" validate:"required"`
	Status string `json:"status" validate:"required"`
}

// OverduePayload is carried by overdue-tasks-notification jobs.
// An empty TaskID means every currently overdue task.
type OverduePayload struct {
	TaskID string `json:"taskId,omitempty"`
}
