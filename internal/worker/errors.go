package worker

import "errors"

var (
	// ErrInvalidPayload is returned when a job payload is malformed or fails validation
	ErrInvalidPayload = errors.New("invalid job payload")

	// ErrUnknownKind is returned when registering or dispatching a kind
	// outside the defined set
	ErrUnknownKind = errors.New("unknown job kind")

	// ErrNoHandler is returned when a defined kind has no registered handler
	ErrNoHandler = errors.New("no handler registered")

	// ErrDuplicateHandler is returned when a kind is registered twice
	ErrDuplicateHandler = errors.New("handler already registered")

	// ErrSourceClosed is returned by Start when the job source stops
	// delivering before the worker is canceled
	ErrSourceClosed = errors.New("job source closed")
)
