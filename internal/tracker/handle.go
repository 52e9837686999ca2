package tracker

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/mattjoyce/procpool/internal/errdefs"
	"github.com/mattjoyce/procpool/internal/job"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusTimedOut  Status = "timed_out"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transition can happen from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusTimedOut, StatusCancelled:
		return true
	default:
		return false
	}
}

// Handle identifies one scheduled job and owns its eventual outcome. The
// pool drives its transitions; callers only read it.
type Handle struct {
	id    string
	jobID string

	mu          sync.Mutex
	status      Status
	result      json.RawMessage
	err         error
	sinks       []job.Sink
	pid         int
	createdAt   time.Time
	startedAt   time.Time
	completedAt time.Time

	done chan struct{}
}

// NewHandle returns a pending handle.
func NewHandle(id, jobID string) *Handle {
	return &Handle{
		id:        id,
		jobID:     jobID,
		status:    StatusPending,
		createdAt: time.Now().UTC(),
		done:      make(chan struct{}),
	}
}

func (h *Handle) ID() string    { return h.id }
func (h *Handle) JobID() string { return h.jobID }

func (h *Handle) Status() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

// Done returns a channel closed once the handle is terminal.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Result returns the job's JSON result. For any state other than succeeded
// it returns an *errdefs.ExecutionError naming the state.
func (h *Handle) Result() (json.RawMessage, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.status == StatusSucceeded {
		return h.result, nil
	}

	cause := h.err
	if cause == nil {
		cause = fmt.Errorf("job has not finished")
	}
	return nil, &errdefs.ExecutionError{JobID: h.jobID, State: string(h.status), Err: cause}
}

// Decode unmarshals a successful result into v.
func (h *Handle) Decode(v any) error {
	raw, err := h.Result()
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode result of job %s: %w", h.jobID, err)
	}
	return nil
}

// Err returns the failure cause of a terminal, non-succeeded handle.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Sinks returns the log sinks the worker reported for the job.
func (h *Handle) Sinks() []job.Sink {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]job.Sink(nil), h.sinks...)
}

// WorkerPID returns the pid of the worker that ran the job, or 0.
func (h *Handle) WorkerPID() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pid
}

// Times returns when the handle was created, started and completed. Zero
// values mean the transition has not happened.
func (h *Handle) Times() (created, started, completed time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.createdAt, h.startedAt, h.completedAt
}

// Start moves a pending handle to running on worker pid.
func (h *Handle) Start(pid int) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.status != StatusPending {
		return false
	}
	h.status = StatusRunning
	h.pid = pid
	h.startedAt = time.Now().UTC()
	return true
}

// Succeed settles the handle with result.
func (h *Handle) Succeed(result json.RawMessage, sinks []job.Sink) bool {
	return h.settle(StatusSucceeded, result, nil, sinks)
}

// Fail settles the handle as failed with err.
func (h *Handle) Fail(err error, sinks []job.Sink) bool {
	return h.settle(StatusFailed, nil, err, sinks)
}

// TimeOut settles a running handle as timed out.
func (h *Handle) TimeOut() bool {
	return h.settle(StatusTimedOut, nil, errdefs.ErrTimedOut, nil)
}

// Cancel settles the handle as cancelled.
func (h *Handle) Cancel() bool {
	return h.settle(StatusCancelled, nil, errdefs.ErrCancelled, nil)
}

func (h *Handle) settle(to Status, result json.RawMessage, err error, sinks []job.Sink) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.status.Terminal() {
		return false
	}
	if to == StatusTimedOut && h.status != StatusRunning {
		return false
	}
	if to == StatusSucceeded && h.status != StatusRunning {
		return false
	}

	h.status = to
	h.result = result
	h.err = err
	h.sinks = sinks
	h.completedAt = time.Now().UTC()
	close(h.done)
	return true
}
