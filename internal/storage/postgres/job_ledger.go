package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/taskflow/internal/domain"
	"github.com/cuongbtq/taskflow/internal/storage"
	"github.com/jmoiron/sqlx"
)

// JobLedger records job delivery attempts in the job_runs table
type JobLedger struct {
	db     *sqlx.DB
	logger *slog.Logger
}

var _ storage.JobLedger = (*JobLedger)(nil)

// NewJobLedger creates a new JobLedger
func NewJobLedger(db *sqlx.DB, logger *slog.Logger) *JobLedger {
	return &JobLedger{
		db:     db,
		logger: logger,
	}
}

// StartRun upserts the run as active for the given attempt
func (l *JobLedger) StartRun(ctx context.Context, run *storage.JobRun) error {
	query := `
		INSERT INTO job_runs (job_id, job_kind, attempt, state, payload, started_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW(), NOW())
		ON CONFLICT (job_id) DO UPDATE
		SET attempt = EXCLUDED.attempt,
			state = EXCLUDED.state,
			result = NULL,
			error_message = NULL,
			started_at = NOW(),
			finished_at = NULL,
			updated_at = NOW()
	`

	var payload []byte
	if len(run.Payload) > 0 {
		payload = run.Payload
	}

	_, err := l.db.ExecContext(ctx, query, run.JobID, string(run.Kind), run.Attempt, domain.JobStateActive, payload)
	if err != nil {
		return fmt.Errorf("failed to start job run: %w", err)
	}

	l.logger.Debug("Job run started",
		slog.String("job_id", run.JobID),
		slog.Int("attempt", run.Attempt),
	)
	return nil
}

// FinishRun sets the terminal state of the run
func (l *JobLedger) FinishRun(ctx context.Context, jobID, state string, result json.RawMessage, errMsg string) error {
	query := `
		UPDATE job_runs
		SET state = $1,
			result = $2,
			error_message = $3,
			finished_at = NOW(),
			updated_at = NOW()
		WHERE job_id = $4
	`

	var resultJSON []byte
	if len(result) > 0 {
		resultJSON = result
	}

	res, err := l.db.ExecContext(ctx, query, state, resultJSON, sql.NullString{String: errMsg, Valid: errMsg != ""}, jobID)
	if err != nil {
		return fmt.Errorf("failed to finish job run: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("job run %s: %w", jobID, domain.ErrNotFound)
	}

	l.logger.Debug("Job run finished",
		slog.String("job_id", jobID),
		slog.String("state", state),
	)
	return nil
}

// GetRun retrieves the recorded run for jobID
func (l *JobLedger) GetRun(ctx context.Context, jobID string) (*storage.JobRun, error) {
	query := `
		SELECT job_id, job_kind, attempt, state, payload, result, error_message, started_at, finished_at
		FROM job_runs
		WHERE job_id = $1
	`

	var (
		run        storage.JobRun
		kind       string
		payload    []byte
		result     []byte
		errMsg     sql.NullString
		finishedAt sql.NullTime
		startedAt  time.Time
	)

	err := l.db.QueryRowContext(ctx, query, jobID).Scan(
		&run.JobID,
		&kind,
		&run.Attempt,
		&run.State,
		&payload,
		&result,
		&errMsg,
		&startedAt,
		&finishedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("job run %s: %w", jobID, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get job run: %w", err)
	}

	run.Kind = domain.JobKind(kind)
	run.Payload = payload
	run.Result = result
	run.Error = errMsg.String
	run.StartedAt = startedAt
	if finishedAt.Valid {
		t := finishedAt.Time
		run.FinishedAt = &t
	}
	return &run, nil
}
