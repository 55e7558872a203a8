package worker

import (
	"context"
	"fmt"
	"sort"

	"github.com/cuongbtq/taskflow/internal/domain"
	"github.com/cuongbtq/taskflow/internal/queue"
)

// Result is what a handler reports for a job it ran to completion.
// Success false marks a data problem: the delivery is acknowledged and not
// retried.
type Result struct {
	Success   bool   `json:"success"`
	TaskID    string `json:"taskId,omitempty"`
	Status    string `json:"status,omitempty"`
	Stale     bool   `json:"stale,omitempty"`
	Processed int    `json:"processed"`
	Failed    int    `json:"failed"`
	Error     string `json:"error,omitempty"`
}

// Handler executes one kind of job. A returned error hands the delivery back
// to the queue's retry policy.
type Handler interface {
	Handle(ctx context.Context, job *queue.Job) (Result, error)
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(ctx context.Context, job *queue.Job) (Result, error)

// Handle calls f
func (f HandlerFunc) Handle(ctx context.Context, job *queue.Job) (Result, error) {
	return f(ctx, job)
}

// Registry maps job kinds to handlers
type Registry struct {
	handlers map[domain.JobKind]Handler
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[domain.JobKind]Handler)}
}

// Register binds h to kind. Kinds outside the defined set, nil handlers and
// duplicate registrations are rejected.
func (r *Registry) Register(kind domain.JobKind, h Handler) error {
	if !kind.Valid() {
		return fmt.Errorf("register %q: %w", kind, ErrUnknownKind)
	}
	if h == nil {
		return fmt.Errorf("register %q: nil handler", kind)
	}
	if _, ok := r.handlers[kind]; ok {
		return fmt.Errorf("register %q: %w", kind, ErrDuplicateHandler)
	}
	r.handlers[kind] = h
	return nil
}

// Lookup returns the handler for kind
func (r *Registry) Lookup(kind domain.JobKind) (Handler, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("%q: %w", kind, ErrUnknownKind)
	}
	h, ok := r.handlers[kind]
	if !ok {
		return nil, fmt.Errorf("%q: %w", kind, ErrNoHandler)
	}
	return h, nil
}

// Kinds returns the registered kinds in sorted order
func (r *Registry) Kinds() []domain.JobKind {
	kinds := make([]domain.JobKind, 0, len(r.handlers))
	for k := range r.handlers {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}
