package events

import (
	"encoding/json"
	"fmt"

	"github.com/mattjoyce/procpool/internal/job"
)

// Event types published by the pool.
const (
	JobDispatched = "job.dispatched"
	JobStarted    = "job.started"
	JobSettled    = "job.settled"

	WorkerSpawned = "worker.spawned"
	WorkerExited  = "worker.exited"
)

// JobEvent is the payload of job.* events.
type JobEvent struct {
	HandleID string     `json:"handle_id"`
	JobID    string     `json:"job_id"`
	Status   string     `json:"status"`
	PID      int        `json:"pid,omitempty"`
	Error    string     `json:"error,omitempty"`
	Sinks    []job.Sink `json:"sinks,omitempty"`
}

// WorkerEvent is the payload of worker.* events.
type WorkerEvent struct {
	Slot   int    `json:"slot"`
	PID    int    `json:"pid"`
	Reason string `json:"reason,omitempty"`
}

// Decode unmarshals the event payload into v.
func (e Event) Decode(v any) error {
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("decode %s event %d: %w", e.Type, e.ID, err)
	}
	return nil
}
