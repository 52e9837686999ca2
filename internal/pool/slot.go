package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mattjoyce/procpool/internal/errdefs"
	"github.com/mattjoyce/procpool/internal/events"
	"github.com/mattjoyce/procpool/internal/protocol"
	"github.com/mattjoyce/procpool/internal/tracker"
)

// slot owns one worker process at a time and runs tasks on it serially. A
// worker that crashes or is killed is replaced before the next task.
type slot struct {
	id   int
	pool *Pool

	mu   sync.Mutex
	proc *process
	task *task
}

func (s *slot) current() *tracker.Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.task == nil {
		return nil
	}
	return s.task.handle
}

func (s *slot) process() *process {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.proc
}

func (s *slot) setProcess(pr *process) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.proc = pr
}

func (s *slot) run() {
	p := s.pool
	defer func() {
		if pr := s.process(); pr != nil {
			pr.shutdown(p.opts.shutdownGrace)
			p.publishWorker(events.WorkerExited, pr, "shutdown")
		}
	}()

	for {
		t := p.next()
		if t == nil {
			return
		}
		s.execute(t)
	}
}

// execute runs t on the slot's worker, respawning the worker first if the
// previous one is gone. The job's identity is released when execute
// returns: by then the worker has answered, or it was terminated.
func (s *slot) execute(t *task) {
	p := s.pool
	h := t.handle
	defer p.release(h.JobID())

	if s.process() == nil {
		if err := s.respawn(); err != nil {
			if h.Fail(fmt.Errorf("no worker available: %w", err), nil) {
				p.settled(h)
			}
			return
		}
	}
	pr := s.process()

	if !h.Start(pr.pid) {
		// Cancelled while queued.
		return
	}

	s.mu.Lock()
	s.task = t
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.task = nil
		s.mu.Unlock()
	}()

	p.publishJob(events.JobStarted, h, nil)
	logger := pr.logger.With("job_id", h.JobID())
	logger.Debug("job started")

	req := &protocol.Request{
		Protocol: protocol.Version,
		Type:     protocol.RequestRun,
		Seq:      p.seq.Add(1),
		JobID:    h.JobID(),
		Args:     t.args,
		Kwargs:   t.kwargs,
	}

	var deadline <-chan time.Time
	if t.timeout > 0 {
		at := time.Now().Add(t.timeout)
		req.DeadlineAt = &at
		timer := time.NewTimer(t.timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	if err := pr.send(req); err != nil {
		logger.Error("failed to send job to worker", "error", err)
		s.lost(pr, h, "send_failed")
		return
	}

	var killAfter <-chan time.Time
	for {
		select {
		case resp, ok := <-pr.resps:
			if !ok {
				s.lost(pr, h, "crashed")
				return
			}
			if resp.Type != protocol.ResponseResult || resp.Seq != req.Seq {
				logger.Warn("ignoring unexpected worker response", "type", resp.Type, "seq", resp.Seq)
				continue
			}
			s.complete(h, resp)
			return

		case <-deadline:
			deadline = nil
			if h.TimeOut() {
				logger.Warn("job timed out", "timeout", t.timeout)
				p.settled(h)
			}
			timer := time.NewTimer(p.opts.killAfter)
			defer timer.Stop()
			killAfter = timer.C

		case <-killAfter:
			logger.Warn("worker still busy after timeout, terminating", "kill_after", p.opts.killAfter)
			p.stats.killed.Add(1)
			s.replace(pr, "killed")
			return
		}
	}
}

// complete settles h from a worker result. A result that arrives after the
// handle already settled is dropped.
func (s *slot) complete(h *tracker.Handle, resp *protocol.Response) {
	p := s.pool
	if resp.Leaked > 0 {
		p.logger.Warn("job left log scopes open", "job_id", h.JobID(), "count", resp.Leaked)
	}

	var ok bool
	if resp.OK() {
		ok = h.Succeed(resp.Result, resp.Sinks)
	} else {
		ok = h.Fail(&errdefs.RemoteError{PID: resp.PID, Message: resp.Error}, resp.Sinks)
	}
	if ok {
		p.settled(h)
		return
	}
	p.logger.Debug("dropping late result", "job_id", h.JobID(), "status", h.Status())
}

// lost handles a worker that stopped answering while running h.
func (s *slot) lost(pr *process, h *tracker.Handle, reason string) {
	p := s.pool

	pr.terminate(p.opts.shutdownGrace)
	err := fmt.Errorf("%w: pid %d: %v", errdefs.ErrWorkerCrashed, pr.pid, pr.exitError())
	pr.logger.Error("worker lost", "job_id", h.JobID(), "reason", reason, "error", err)

	if h.Fail(err, nil) {
		p.settled(h)
	}
	p.stats.crashed.Add(1)
	s.replace(pr, reason)
}

// replace stops pr and, unless the pool is closing, starts a new worker in
// its place.
func (s *slot) replace(pr *process, reason string) {
	p := s.pool

	pr.terminate(p.opts.shutdownGrace)
	p.publishWorker(events.WorkerExited, pr, reason)
	s.setProcess(nil)

	if p.isClosed() {
		return
	}
	if err := s.respawn(); err != nil {
		p.logger.Error("failed to respawn worker", "slot", s.id, "error", err)
	}
}

// respawn starts a replacement worker, which runs the initializer again.
func (s *slot) respawn() error {
	p := s.pool
	ctx, cancel := context.WithTimeout(context.Background(), p.opts.startTimeout)
	defer cancel()

	pr, err := p.spawn(ctx, s.id)
	if err != nil {
		return err
	}
	p.stats.respawned.Add(1)
	s.setProcess(pr)
	pr.logger.Info("worker respawned")
	return nil
}
