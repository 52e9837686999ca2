package pool

import (
	"sync/atomic"

	"github.com/mattjoyce/procpool/internal/tracker"
)

type counters struct {
	dispatched atomic.Uint64
	succeeded  atomic.Uint64
	failed     atomic.Uint64
	timedOut   atomic.Uint64
	cancelled  atomic.Uint64
	crashed    atomic.Uint64
	killed     atomic.Uint64
	respawned  atomic.Uint64
}

func (c *counters) count(s tracker.Status) {
	switch s {
	case tracker.StatusSucceeded:
		c.succeeded.Add(1)
	case tracker.StatusFailed:
		c.failed.Add(1)
	case tracker.StatusTimedOut:
		c.timedOut.Add(1)
	case tracker.StatusCancelled:
		c.cancelled.Add(1)
	}
}

// Stats is a point-in-time view of the pool. Job counters cover the pool's
// whole life and are not reset by Clear.
type Stats struct {
	Workers int `json:"workers"`
	Alive   int `json:"alive"`
	Queued  int `json:"queued"`
	Busy    int `json:"busy"`

	Dispatched uint64 `json:"dispatched"`
	Succeeded  uint64 `json:"succeeded"`
	Failed     uint64 `json:"failed"`
	TimedOut   uint64 `json:"timed_out"`
	Cancelled  uint64 `json:"cancelled"`

	Crashed   uint64 `json:"crashed"`
	Killed    uint64 `json:"killed"`
	Respawned uint64 `json:"respawned"`
}

// Stats returns current counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	queued := len(p.queue)
	slots := p.slots
	p.mu.Unlock()

	st := Stats{
		Workers:    p.opts.workers,
		Queued:     queued,
		Dispatched: p.stats.dispatched.Load(),
		Succeeded:  p.stats.succeeded.Load(),
		Failed:     p.stats.failed.Load(),
		TimedOut:   p.stats.timedOut.Load(),
		Cancelled:  p.stats.cancelled.Load(),
		Crashed:    p.stats.crashed.Load(),
		Killed:     p.stats.killed.Load(),
		Respawned:  p.stats.respawned.Load(),
	}
	for _, s := range slots {
		if pr := s.process(); pr != nil && pr.alive() {
			st.Alive++
		}
		if s.current() != nil {
			st.Busy++
		}
	}
	return st
}
