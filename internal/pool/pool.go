// Package pool runs jobs on a fixed set of worker processes. Each worker is
// the host binary re-executed in worker mode; it runs the builder's
// initializer once and then one job at a time.
package pool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/mattjoyce/procpool/internal/builder"
	"github.com/mattjoyce/procpool/internal/errdefs"
	"github.com/mattjoyce/procpool/internal/events"
	"github.com/mattjoyce/procpool/internal/job"
	"github.com/mattjoyce/procpool/internal/log"
	"github.com/mattjoyce/procpool/internal/logchan"
	"github.com/mattjoyce/procpool/internal/protocol"
	"github.com/mattjoyce/procpool/internal/tracker"
)

var (
	ErrPoolClosed        = errors.New("pool is closed")
	ErrNotStarted        = errors.New("pool is not started")
	ErrAlreadyStarted    = errors.New("pool is already started")
	ErrDispatchAfterWait = errors.New("dispatch after wait; clear the pool first")

	// ErrIdentityBusy is returned when a job with the same identity is still
	// queued or running on a worker, even if its handle was cleared. The two
	// jobs would otherwise share one sink file.
	ErrIdentityBusy = errors.New("job identity is still in flight")
)

// task is a dispatched job waiting for, or held by, a worker slot.
type task struct {
	handle  *tracker.Handle
	args    []json.RawMessage
	kwargs  map[string]json.RawMessage
	timeout time.Duration
}

// Pool dispatches work items to worker processes and tracks their handles.
// Dispatch, Wait and Clear are meant to be called from one goroutine.
type Pool struct {
	builder string
	initReq *protocol.Request
	opts    options
	logger  *slog.Logger
	tracker *tracker.Tracker

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []*task
	slots   []*slot
	started bool
	closed  bool
	waited  bool

	// inflight holds the identities of queued and running jobs. Clear does
	// not reset it; a slot removes an identity once its worker has answered
	// or been killed.
	inflight map[string]struct{}

	wg    sync.WaitGroup
	seq   atomic.Uint64
	stats counters
}

// New validates the builder name and init parameters. No process is started
// until Start.
func New(reg *builder.Registry, name string, init job.Params, opts ...Option) (*Pool, error) {
	if reg == nil {
		return nil, errdefs.Configf("builder %q is not registered", name)
	}
	if !reg.Has(name) {
		return nil, errdefs.Configf("builder %q is not registered (available: %s)", name, strings.Join(reg.Names(), ", "))
	}

	args, kwargs, err := init.Encode()
	if err != nil {
		return nil, errdefs.Configf("init parameters: %v", err)
	}

	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = log.WithComponent("pool")
	}

	p := &Pool{
		builder: name,
		initReq: &protocol.Request{
			Protocol: protocol.Version,
			Type:     protocol.RequestInit,
			Args:     args,
			Kwargs:   kwargs,
		},
		opts:    o,
		logger:  logger.With(slog.String("builder", name)),
		tracker:  tracker.New(),
		inflight: make(map[string]struct{}),
	}
	p.cond = sync.NewCond(&p.mu)
	return p, nil
}

// Builder returns the builder name the workers run.
func (p *Pool) Builder() string { return p.builder }

// Workers returns the configured number of worker processes.
func (p *Pool) Workers() int { return p.opts.workers }

// Start spawns every worker concurrently and waits for each init handshake.
// If any worker fails to start, all of them are stopped and the error is
// returned.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	switch {
	case p.closed:
		p.mu.Unlock()
		return ErrPoolClosed
	case p.started:
		p.mu.Unlock()
		return ErrAlreadyStarted
	}
	p.mu.Unlock()

	slots := make([]*slot, p.opts.workers)
	g, gctx := errgroup.WithContext(ctx)
	for i := range slots {
		i := i
		g.Go(func() error {
			pr, err := p.spawn(gctx, i)
			if err != nil {
				return fmt.Errorf("start worker %d: %w", i, err)
			}
			slots[i] = &slot{id: i, pool: p, proc: pr}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		for _, s := range slots {
			if s != nil {
				s.proc.shutdown(p.opts.shutdownGrace)
			}
		}
		if !errdefs.IsConfig(err) && ctx.Err() == nil {
			err = errdefs.Configf("%v", err)
		}
		p.logger.Error("pool failed to start", "error", err)
		return err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		for _, s := range slots {
			s.proc.shutdown(p.opts.shutdownGrace)
		}
		return ErrPoolClosed
	}
	p.slots = slots
	p.started = true
	p.mu.Unlock()

	for _, s := range slots {
		p.wg.Add(1)
		go func(s *slot) {
			defer p.wg.Done()
			s.run()
		}(s)
	}

	p.logger.Info("pool started", "workers", len(slots))
	return nil
}

// Dispatch schedules item on the next free worker and returns its handle.
// It never blocks on job execution. An empty item ID is replaced with a
// UUID. The ID names the job's sink file, so it must be a plain file name
// and must not belong to a job still in flight.
func (p *Pool) Dispatch(item job.WorkItem) (*tracker.Handle, error) {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if err := logchan.ValidateIdentity(item.ID); err != nil {
		return nil, fmt.Errorf("dispatch: %w: %w", errdefs.ErrConfig, err)
	}

	args, kwargs, err := item.Encode()
	if err != nil {
		return nil, fmt.Errorf("dispatch job %s: %w", item.ID, err)
	}

	timeout := item.Timeout
	if timeout == 0 {
		timeout = p.opts.defaultTimeout
	}

	p.mu.Lock()
	switch {
	case p.closed:
		p.mu.Unlock()
		return nil, ErrPoolClosed
	case !p.started:
		p.mu.Unlock()
		return nil, ErrNotStarted
	case p.waited:
		p.mu.Unlock()
		return nil, ErrDispatchAfterWait
	}

	// A tracked duplicate is reported by the tracker; an untracked one is a
	// job from a cleared session that has not finished yet.
	if _, busy := p.inflight[item.ID]; busy && !p.tracker.HasJob(item.ID) {
		p.mu.Unlock()
		return nil, fmt.Errorf("dispatch job %s: %w", item.ID, ErrIdentityBusy)
	}

	h := tracker.NewHandle(uuid.NewString(), item.ID)
	if err := p.tracker.Add(h); err != nil {
		p.mu.Unlock()
		return nil, fmt.Errorf("dispatch: %w", err)
	}
	p.inflight[item.ID] = struct{}{}
	p.stats.dispatched.Add(1)
	p.publishJob(events.JobDispatched, h, nil)

	p.queue = append(p.queue, &task{handle: h, args: args, kwargs: kwargs, timeout: timeout})
	p.cond.Signal()
	p.mu.Unlock()
	return h, nil
}

// DispatchMany dispatches items in order. On error it returns the handles
// dispatched so far.
func (p *Pool) DispatchMany(items job.JobSet) ([]*tracker.Handle, error) {
	handles := make([]*tracker.Handle, 0, len(items))
	for _, item := range items {
		h, err := p.Dispatch(item)
		if err != nil {
			return handles, err
		}
		handles = append(handles, h)
	}
	return handles, nil
}

// Wait blocks until the when condition holds over the tracked handles, the
// timeout elapses (zero means none) or ctx is done. Afterwards Completed and
// Incomplete reflect the handles at that moment. Further dispatches fail
// until Clear.
func (p *Pool) Wait(ctx context.Context, timeout time.Duration, when tracker.ReturnWhen) error {
	p.mu.Lock()
	if !p.started && !p.closed {
		p.mu.Unlock()
		return ErrNotStarted
	}
	p.waited = true
	p.mu.Unlock()

	return p.tracker.Wait(ctx, timeout, when)
}

// Results returns the results of the succeeded completed handles.
func (p *Pool) Results() []json.RawMessage { return p.tracker.Results() }

// Completed returns the handles that had finished at the last Wait.
func (p *Pool) Completed() []*tracker.Handle { return p.tracker.Completed() }

// Incomplete returns the handles still pending or running at the last Wait,
// plus those that timed out.
func (p *Pool) Incomplete() []*tracker.Handle { return p.tracker.Incomplete() }

// Handles returns every tracked handle in dispatch order.
func (p *Pool) Handles() []*tracker.Handle { return p.tracker.Handles() }

// Clear forgets every tracked handle and allows dispatching again. Jobs
// still running are not affected.
func (p *Pool) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tracker.Clear()
	p.waited = false
}

// Session runs fn and clears the pool afterwards, even if fn panics.
func (p *Pool) Session(fn func(*Pool) error) error {
	defer p.Clear()
	return fn(p)
}

// Close cancels pending jobs, lets running jobs finish and stops every
// worker. When ctx is done first, workers are killed and their jobs
// cancelled. Close is idempotent.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	pending := p.queue
	p.queue = nil
	slots := p.slots
	p.cond.Broadcast()
	p.mu.Unlock()

	for _, t := range pending {
		p.release(t.handle.JobID())
		if t.handle.Cancel() {
			p.settled(t.handle)
		}
	}
	if len(pending) > 0 {
		p.logger.Info("cancelled pending jobs", "count", len(pending))
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("pool closed")
		return nil
	case <-ctx.Done():
	}

	p.logger.Warn("pool close deadline reached, killing workers")
	for _, s := range slots {
		if h := s.current(); h != nil && h.Cancel() {
			p.settled(h)
		}
	}
	for _, s := range slots {
		if pr := s.process(); pr != nil {
			pr.kill()
		}
	}
	<-done
	return ctx.Err()
}

// next blocks until a task is queued or the pool is closed.
func (p *Pool) next() *task {
	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.queue) == 0 && !p.closed {
		p.cond.Wait()
	}
	if len(p.queue) == 0 {
		return nil
	}
	t := p.queue[0]
	p.queue[0] = nil
	p.queue = p.queue[1:]
	return t
}

// release frees a job identity once no worker can write its sink.
func (p *Pool) release(jobID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.inflight, jobID)
}

func (p *Pool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// settled publishes and records a handle that just reached a terminal state.
func (p *Pool) settled(h *tracker.Handle) {
	p.stats.count(h.Status())

	var errMsg string
	if err := h.Err(); err != nil {
		errMsg = err.Error()
	}
	p.publishJob(events.JobSettled, h, &errMsg)

	if p.opts.recorder != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := p.opts.recorder.RecordJob(ctx, p.builder, h); err != nil {
			p.logger.Error("failed to record job", "job_id", h.JobID(), "error", err)
		}
	}
}

func (p *Pool) publishJob(typ string, h *tracker.Handle, errMsg *string) {
	if p.opts.hub == nil {
		return
	}
	ev := events.JobEvent{
		HandleID: h.ID(),
		JobID:    h.JobID(),
		Status:   string(h.Status()),
		PID:      h.WorkerPID(),
		Sinks:    h.Sinks(),
	}
	if errMsg != nil {
		ev.Error = *errMsg
	}
	p.opts.hub.Publish(typ, ev)
}

func (p *Pool) publishWorker(typ string, pr *process, reason string) {
	if p.opts.hub == nil {
		return
	}
	p.opts.hub.Publish(typ, events.WorkerEvent{Slot: pr.slot, PID: pr.pid, Reason: reason})
}

// workerLogger is where a worker's stderr ends up.
func (p *Pool) workerLogger(pid int) *slog.Logger {
	if p.opts.logger != nil {
		return p.opts.logger.With(slog.String("component", "worker"), slog.Int("pid", pid))
	}
	return log.WithWorker(pid)
}
