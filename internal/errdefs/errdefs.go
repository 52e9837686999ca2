// Package errdefs holds the error taxonomy shared by the pool, the worker
// processes and the per-job log channels.
//
// Configuration errors wrap ErrConfig and are returned synchronously at the
// point of misuse. Execution errors are only surfaced when a caller inspects
// a job's result.
package errdefs

import (
	"errors"
	"fmt"
)

var (
	// ErrConfig marks every configuration error: a missing sink directory, a
	// log registry used before configuration, an unknown builder or a failed
	// worker initializer.
	ErrConfig = errors.New("configuration error")

	ErrTimedOut      = errors.New("job timed out")
	ErrCancelled     = errors.New("job cancelled")
	ErrWorkerCrashed = errors.New("worker process exited unexpectedly")
)

// Configf returns an error wrapping ErrConfig.
func Configf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfig, fmt.Sprintf(format, args...))
}

// IsConfig reports whether err is a configuration error.
func IsConfig(err error) bool {
	return errors.Is(err, ErrConfig)
}

// ExecutionError is returned when reading the result of a job that did not
// succeed. State names the terminal state the job ended in.
type ExecutionError struct {
	JobID string
	State string
	Err   error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("job %s ended %s: %v", e.JobID, e.State, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// RemoteError carries an error raised by a job body inside a worker process.
type RemoteError struct {
	PID     int
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("worker %d: %s", e.PID, e.Message)
}
