package lifecycle

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/taskflow/internal/domain"
)

// BatchAction is applied to every id of a batch request
type BatchAction string

// Batch actions
const (
	BatchActionComplete BatchAction = "complete"
	BatchActionDelete   BatchAction = "delete"
)

// BatchResult is the outcome for one id of a batch
type BatchResult struct {
	ID      string       `json:"id"`
	Success bool         `json:"success"`
	Result  *domain.Task `json:"result,omitempty"`
	Error   string       `json:"error,omitempty"`
}

// BatchApply applies action to each id independently. It always returns one
// result per id, in input order; a failure on one id never stops the rest.
func (s *Service) BatchApply(ctx context.Context, ids []string, action BatchAction) []BatchResult {
	results := make([]BatchResult, len(ids))

	var apply func(id string) (*domain.Task, error)
	switch action {
	case BatchActionComplete:
		apply = func(id string) (*domain.Task, error) {
			return s.UpdateStatus(ctx, id, domain.TaskStatusCompleted)
		}
	case BatchActionDelete:
		apply = func(id string) (*domain.Task, error) {
			return nil, s.Remove(ctx, id)
		}
	default:
		err := fmt.Errorf("unknown batch action %q: %w", action, domain.ErrInvalidArgument)
		for i, id := range ids {
			results[i] = BatchResult{ID: id, Error: err.Error()}
		}
		return results
	}

	failed := 0
	for i, id := range ids {
		task, err := apply(id)
		if err != nil {
			failed++
			results[i] = BatchResult{ID: id, Error: err.Error()}
			continue
		}
		results[i] = BatchResult{ID: id, Success: true, Result: task}
	}

	s.logger.Info("Batch applied",
		slog.String("action", string(action)),
		slog.Int("total", len(ids)),
		slog.Int("failed", failed),
	)
	return results
}
