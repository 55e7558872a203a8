package domain

import "errors"

var (
	// ErrNotFound is returned when no task row exists for an id
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when the store refuses a change, e.g. a delete
	// blocked by a referential constraint
	ErrConflict = errors.New("conflict")

	// ErrInvalidArgument is returned for status, priority or action values
	// outside their defined sets
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrInternal hides unexpected persistence failures from callers
	ErrInternal = errors.New("internal error")

	// ErrDispatch is returned when a job could not be submitted to the queue
	ErrDispatch = errors.New("job dispatch failed")
)
