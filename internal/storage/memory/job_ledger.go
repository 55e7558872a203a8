package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cuongbtq/taskflow/internal/domain"
	"github.com/cuongbtq/taskflow/internal/storage"
)

// StartRun records the job as active for run.Attempt
func (s *Store) StartRun(ctx context.Context, run *storage.JobRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := *run
	r.State = domain.JobStateActive
	r.FinishedAt = nil
	r.Result = nil
	r.Error = ""
	if r.StartedAt.IsZero() {
		r.StartedAt = time.Now()
	}
	s.runs[run.JobID] = r
	return nil
}

// FinishRun records the terminal state of the latest attempt
func (s *Store) FinishRun(ctx context.Context, jobID, state string, result json.RawMessage, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.runs[jobID]
	if !ok {
		return fmt.Errorf("job run %s: %w", jobID, domain.ErrNotFound)
	}
	now := time.Now()
	r.State = state
	r.Result = result
	r.Error = errMsg
	r.FinishedAt = &now
	s.runs[jobID] = r
	return nil
}

// GetRun returns the recorded run for jobID
func (s *Store) GetRun(ctx context.Context, jobID string) (*storage.JobRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.runs[jobID]
	if !ok {
		return nil, fmt.Errorf("job run %s: %w", jobID, domain.ErrNotFound)
	}
	return &r, nil
}
