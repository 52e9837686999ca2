package job

import (
	"encoding/json"
	"fmt"
	"time"
)

// WorkItem describes one call of a builder's Run. The pool snapshots it to
// JSON when it is dispatched, so later changes to Args or Kwargs are not seen
// by the worker.
type WorkItem struct {
	// ID is the job identity. It names the job's log sink and must be unique
	// within a dispatch session. Empty IDs are replaced with a UUID.
	ID      string
	Args    []any
	Kwargs  map[string]any
	Timeout time.Duration
}

// JobSet is an ordered collection of WorkItems. Order defines dispatch order
// only.
type JobSet []WorkItem

// Params are positional and keyword arguments without a job identity, used
// for a builder's one-time initializer.
type Params struct {
	Args   []any
	Kwargs map[string]any
}

// Encode marshals the parameters for the wire.
func (p Params) Encode() ([]json.RawMessage, map[string]json.RawMessage, error) {
	return encode(p.Args, p.Kwargs)
}

// Encode marshals the item's arguments for the wire.
func (w WorkItem) Encode() ([]json.RawMessage, map[string]json.RawMessage, error) {
	return encode(w.Args, w.Kwargs)
}

func encode(args []any, kwargs map[string]any) ([]json.RawMessage, map[string]json.RawMessage, error) {
	var encArgs []json.RawMessage
	if len(args) > 0 {
		encArgs = make([]json.RawMessage, 0, len(args))
		for i, a := range args {
			b, err := json.Marshal(a)
			if err != nil {
				return nil, nil, fmt.Errorf("encode arg %d: %w", i, err)
			}
			encArgs = append(encArgs, b)
		}
	}

	var encKwargs map[string]json.RawMessage
	if len(kwargs) > 0 {
		encKwargs = make(map[string]json.RawMessage, len(kwargs))
		for name, v := range kwargs {
			if name == "" {
				return nil, nil, fmt.Errorf("encode kwargs: empty name")
			}
			b, err := json.Marshal(v)
			if err != nil {
				return nil, nil, fmt.Errorf("encode kwarg %q: %w", name, err)
			}
			encKwargs[name] = b
		}
	}

	return encArgs, encKwargs, nil
}

// Sink reports the log file written for one job.
type Sink struct {
	Identity string `json:"identity"`
	Path     string `json:"path"`
	Records  int64  `json:"records"`
	// Digest is "blake3:" followed by the hex BLAKE3-256 of the closed file.
	Digest string `json:"digest,omitempty"`
}
