// Package tracker tracks outstanding job handles, waits for them to settle
// and partitions them into completed and incomplete.
package tracker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

var ErrDuplicate = errors.New("duplicate handle")

// ReturnWhen selects the condition Wait blocks for.
type ReturnWhen int

const (
	// ReturnAll waits until every tracked handle is terminal.
	ReturnAll ReturnWhen = iota
	// ReturnAny waits until at least one tracked handle is terminal.
	ReturnAny
	// ReturnFirstFailure waits until a handle ends in any state other than
	// succeeded, or until every handle is terminal.
	ReturnFirstFailure
)

func (w ReturnWhen) String() string {
	switch w {
	case ReturnAll:
		return "all"
	case ReturnAny:
		return "any"
	case ReturnFirstFailure:
		return "first_failure"
	default:
		return fmt.Sprintf("ReturnWhen(%d)", int(w))
	}
}

// ParseReturnWhen parses "all", "any" or "first_failure".
func ParseReturnWhen(s string) (ReturnWhen, error) {
	switch s {
	case "all", "":
		return ReturnAll, nil
	case "any":
		return ReturnAny, nil
	case "first_failure":
		return ReturnFirstFailure, nil
	default:
		return 0, fmt.Errorf("unknown return_when %q", s)
	}
}

// Partition is a snapshot of tracked handles split by terminal state.
type Partition struct {
	Completed  []*Handle
	Incomplete []*Handle
}

// Tracker owns a set of handles in insertion order. It is used from the
// dispatching goroutine; methods are safe for concurrent use.
type Tracker struct {
	mu        sync.Mutex
	handles   []*Handle
	ids       map[string]struct{}
	jobIDs    map[string]struct{}
	partition *Partition
}

func New() *Tracker {
	return &Tracker{
		ids:    make(map[string]struct{}),
		jobIDs: make(map[string]struct{}),
	}
}

// Add registers h. Registering the same handle id or job id twice fails.
func (t *Tracker) Add(h *Handle) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.ids[h.ID()]; ok {
		return fmt.Errorf("handle %s: %w", h.ID(), ErrDuplicate)
	}
	if _, ok := t.jobIDs[h.JobID()]; ok {
		return fmt.Errorf("job %s: %w", h.JobID(), ErrDuplicate)
	}

	t.ids[h.ID()] = struct{}{}
	t.jobIDs[h.JobID()] = struct{}{}
	t.handles = append(t.handles, h)
	return nil
}

// HasJob reports whether a handle for jobID is tracked.
func (t *Tracker) HasJob(jobID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.jobIDs[jobID]
	return ok
}

// Len returns the number of tracked handles.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.handles)
}

// Handles returns the tracked handles in insertion order.
func (t *Tracker) Handles() []*Handle {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*Handle(nil), t.handles...)
}

// Wait blocks until the when condition holds, timeout elapses (zero means
// no timeout) or ctx is done, then snapshots the partition. An elapsed
// timeout is not an error. Wait never cancels outstanding work.
func (t *Tracker) Wait(ctx context.Context, timeout time.Duration, when ReturnWhen) error {
	handles := t.Handles()

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	var err error
	switch when {
	case ReturnAll:
		err = waitAll(ctx, handles, expired)
	case ReturnAny, ReturnFirstFailure:
		err = waitFirst(ctx, handles, expired, when)
	default:
		return fmt.Errorf("wait: %v", when)
	}

	t.snapshot()
	return err
}

func waitAll(ctx context.Context, handles []*Handle, expired <-chan time.Time) error {
	for _, h := range handles {
		select {
		case <-h.Done():
		case <-expired:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func waitFirst(ctx context.Context, handles []*Handle, expired <-chan time.Time, when ReturnWhen) error {
	satisfied := func() bool {
		pending := 0
		for _, h := range handles {
			s := h.Status()
			if !s.Terminal() {
				pending++
				continue
			}
			if when == ReturnAny || s != StatusSucceeded {
				return true
			}
		}
		return pending == 0
	}

	if satisfied() {
		return nil
	}

	settled := make(chan struct{}, 1)
	stop := make(chan struct{})
	defer close(stop)

	for _, h := range handles {
		if h.Status().Terminal() {
			continue
		}
		go func() {
			select {
			case <-h.Done():
				select {
				case settled <- struct{}{}:
				default:
				}
			case <-stop:
			}
		}()
	}

	for {
		select {
		case <-settled:
			if satisfied() {
				return nil
			}
		case <-expired:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (t *Tracker) snapshot() {
	t.mu.Lock()
	defer t.mu.Unlock()

	p := &Partition{}
	for _, h := range t.handles {
		if s := h.Status(); s.Terminal() && s != StatusTimedOut {
			p.Completed = append(p.Completed, h)
		} else {
			p.Incomplete = append(p.Incomplete, h)
		}
	}
	t.partition = p
}

// Completed returns the handles that had finished at the last Wait:
// succeeded, failed or cancelled.
func (t *Tracker) Completed() []*Handle {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.partition == nil {
		return nil
	}
	return append([]*Handle(nil), t.partition.Completed...)
}

// Incomplete returns the handles that had not finished at the last Wait,
// including those that timed out.
func (t *Tracker) Incomplete() []*Handle {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.partition == nil {
		return nil
	}
	return append([]*Handle(nil), t.partition.Incomplete...)
}

// Results returns the result of every completed handle that succeeded, in
// tracking order.
func (t *Tracker) Results() []json.RawMessage {
	var out []json.RawMessage
	for _, h := range t.Completed() {
		if res, err := h.Result(); err == nil {
			out = append(out, res)
		}
	}
	return out
}

// Clear drops every handle and the last partition.
func (t *Tracker) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handles = nil
	t.ids = make(map[string]struct{})
	t.jobIDs = make(map[string]struct{})
	t.partition = nil
}

// Scope runs fn and clears the tracker afterwards, even if fn panics.
func (t *Tracker) Scope(fn func(*Tracker) error) error {
	defer t.Clear()
	return fn(t)
}
