// Package protocol defines the line-delimited JSON exchanged between the
// pool and its worker processes over the worker's stdin and stdout.
//
// The pool sends one init request, then any number of run requests, then a
// shutdown request (or closes stdin). The worker answers init with ready and
// each run with a result carrying the same seq.
package protocol

import (
	"encoding/json"
	"time"

	"github.com/mattjoyce/procpool/internal/job"
)

// Version is the only protocol version spoken.
const Version = 1

type RequestType string

const (
	RequestInit     RequestType = "init"
	RequestRun      RequestType = "run"
	RequestShutdown RequestType = "shutdown"
)

type ResponseType string

const (
	ResponseReady  ResponseType = "ready"
	ResponseResult ResponseType = "result"
)

const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Request is sent from the pool to a worker.
type Request struct {
	Protocol   int                        `json:"protocol"`
	Type       RequestType                `json:"type"`
	Seq        uint64                     `json:"seq,omitempty"`
	JobID      string                     `json:"job_id,omitempty"`
	Args       []json.RawMessage          `json:"args,omitempty"`
	Kwargs     map[string]json.RawMessage `json:"kwargs,omitempty"`
	DeadlineAt *time.Time                 `json:"deadline_at,omitempty"`
}

// Call returns the worker-side view of the request's arguments.
func (r *Request) Call() job.Call {
	return job.Call{ID: r.JobID, Args: r.Args, Kwargs: r.Kwargs}
}

// Response is sent from a worker to the pool.
type Response struct {
	Type   ResponseType    `json:"type"`
	Seq    uint64          `json:"seq,omitempty"`
	PID    int             `json:"pid"`
	Status string          `json:"status"` // ok | error
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
	Sinks  []job.Sink      `json:"sinks,omitempty"`
	// Leaked counts log scopes the job body left open; the worker released
	// them after the job returned.
	Leaked int `json:"leaked,omitempty"`
}

// OK reports whether the response signals success.
func (r *Response) OK() bool {
	return r.Status == StatusOK
}
