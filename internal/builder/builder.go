// Package builder defines the capability a worker process runs: a one-time
// initializer and a per-job Run, plus the per-process context both receive.
package builder

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/mattjoyce/procpool/internal/errdefs"
	"github.com/mattjoyce/procpool/internal/job"
	"github.com/mattjoyce/procpool/internal/logchan"
)

// Builder is implemented by each kind of job. A worker process creates one
// Builder, calls Init exactly once, then Run once per dispatched job. State
// set by Init lives on the Builder value, so it is per process.
type Builder interface {
	Init(ctx context.Context, p *Process, call job.Call) error
	Run(ctx context.Context, p *Process, call job.Call) (any, error)
}

// Process is the explicit per-worker-process context: the logging backend,
// the log channel registry populated by Init, and a process logger.
type Process struct {
	PID     int
	Backend *logchan.Backend
	Logs    *logchan.Registry
	Logger  *slog.Logger
}

// NewProcess returns a Process with an empty backend and an unconfigured
// registry.
func NewProcess(pid int, logger *slog.Logger) *Process {
	if logger == nil {
		logger = slog.Default()
	}
	return &Process{
		PID:     pid,
		Backend: logchan.NewBackend(slog.LevelDebug),
		Logs:    logchan.NewRegistry(),
		Logger:  logger,
	}
}

// Factory creates a fresh Builder.
type Factory func() Builder

// Registry maps builder names to factories. The dispatching process and the
// worker processes must register the same names.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory under name, replacing any previous one.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// New creates a Builder by name.
func (r *Registry) New(name string) (Builder, error) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()

	if !ok || f == nil {
		return nil, errdefs.Configf("builder %q is not registered", name)
	}
	b := f()
	if b == nil {
		return nil, errdefs.Configf("builder %q factory returned nil", name)
	}
	return b, nil
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[name]
	return ok
}

// Names returns the registered names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for n := range r.factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Func adapts two functions to a stateless Builder.
type Func struct {
	InitFunc func(ctx context.Context, p *Process, call job.Call) error
	RunFunc  func(ctx context.Context, p *Process, call job.Call) (any, error)
}

func (f Func) Init(ctx context.Context, p *Process, call job.Call) error {
	if f.InitFunc == nil {
		return nil
	}
	return f.InitFunc(ctx, p, call)
}

func (f Func) Run(ctx context.Context, p *Process, call job.Call) (any, error) {
	if f.RunFunc == nil {
		return nil, fmt.Errorf("builder has no run function")
	}
	return f.RunFunc(ctx, p, call)
}
