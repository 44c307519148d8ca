package core

import (
	"errors"
	"fmt"
	"time"
)

// Common errors used across the packages.
var (
	ErrInvalidJob      = errors.New("invalid job")
	ErrInvalidSchedule = errors.New("invalid cron schedule")
	ErrInvalidTrigger  = errors.New("invalid trigger expression")

	ErrJobNotFound  = errors.New("job not found")
	ErrNodeNotFound = errors.New("node not found")
	ErrUserNotFound = errors.New("user not found")
	ErrRunNotFound  = errors.New("run not found")
	ErrTaskNotFound = errors.New("task not found")

	ErrAlreadyExists = errors.New("record already exists")
	ErrNoSlot        = errors.New("no free slot inside validity window")
	ErrUnsupported   = errors.New("operation not applicable to this job kind")

	ErrBadTransition = errors.New("run status transition violates lifecycle")
	ErrCASConflict   = errors.New("concurrent modification, retry")

	ErrMaxTimeRunning = errors.New("max runtime exceeded")
	ErrAbortRequested = errors.New("abort requested")
)

// ConflictError reports the first occupancy overlap found during admission.
type ConflictError struct {
	JobID   string
	Instant time.Time
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("occupancy conflict with job %q at %s", e.JobID, e.Instant.UTC().Format(time.RFC3339))
}

// IsConflict extracts a ConflictError if err carries one.
func IsConflict(err error) (*ConflictError, bool) {
	var ce *ConflictError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// WrapJobError wraps a job-related error with context.
func WrapJobError(op string, jobID string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s job %q: %w", op, jobID, err)
}

// WrapRunError wraps a run-related error with context.
func WrapRunError(op string, runID string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s run %q: %w", op, runID, err)
}
