package logchan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/mattjoyce/procpool/internal/errdefs"
	"github.com/mattjoyce/procpool/internal/job"
)

// Registry is the per-process log channel state: the active backend, the
// active handler factory and the scopes currently open. Each worker process
// owns one, populated by its builder's initializer.
type Registry struct {
	mu       sync.Mutex
	backend  *Backend
	factory  HandlerFactory
	active   map[string]*Scope
	released []job.Sink
}

func NewRegistry() *Registry {
	return &Registry{active: make(map[string]*Scope)}
}

// Configure sets the backend and factory, overwriting any previous values.
func (r *Registry) Configure(b *Backend, f HandlerFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backend = b
	r.factory = f
}

// Configured reports whether both a backend and a factory are set.
func (r *Registry) Configured() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.backend != nil && r.factory != nil
}

// Acquire installs a new handler for identity and returns the scope owning
// it. The caller must Release the scope.
func (r *Registry) Acquire(identity string) (*Scope, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.backend == nil {
		return nil, errdefs.Configf("log registry has no backend; configure it in the worker initializer")
	}
	if r.factory == nil {
		return nil, errdefs.Configf("log registry has no handler factory; configure it in the worker initializer")
	}
	if _, ok := r.active[identity]; ok {
		return nil, fmt.Errorf("acquire %q: %w", identity, ErrScopeActive)
	}

	sink, id, err := r.factory.New(r.backend, identity)
	if err != nil {
		return nil, fmt.Errorf("acquire %q: %w", identity, err)
	}

	s := &Scope{
		r:        r,
		backend:  r.backend,
		identity: identity,
		sink:     sink,
		id:       id,
		tag:      r.factory.Tag(),
	}
	r.active[identity] = s
	return s, nil
}

// Do runs fn inside a scope for identity. The scope is released when fn
// returns or panics. fn receives a context carrying the scope's tags.
func (r *Registry) Do(ctx context.Context, identity string, fn func(context.Context, *Scope) error) (err error) {
	s, err := r.Acquire(identity)
	if err != nil {
		return err
	}
	defer func() {
		if rerr := s.Release(); rerr != nil && err == nil {
			err = rerr
		}
	}()
	return fn(s.Context(ctx), s)
}

// Active returns the number of open scopes.
func (r *Registry) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

// ReleaseAll releases every open scope and returns how many there were.
func (r *Registry) ReleaseAll() (int, error) {
	r.mu.Lock()
	open := make([]*Scope, 0, len(r.active))
	for _, s := range r.active {
		open = append(open, s)
	}
	r.mu.Unlock()

	var errs []error
	for _, s := range open {
		errs = append(errs, s.Release())
	}
	return len(open), errors.Join(errs...)
}

// Drain returns the sinks released since the previous call.
func (r *Registry) Drain() []job.Sink {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.released
	r.released = nil
	return out
}

func (r *Registry) finish(s *Scope, records int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active[s.identity] == s {
		delete(r.active, s.identity)
	}
	r.released = append(r.released, job.Sink{
		Identity: s.identity,
		Path:     s.sink,
		Records:  records,
	})
}

// Scope owns one installed handler for the duration of one job.
type Scope struct {
	r        *Registry
	backend  *Backend
	identity string
	sink     string
	id       HandlerID
	tag      TagFilter

	once sync.Once
	err  error
}

func (s *Scope) Identity() string     { return s.identity }
func (s *Scope) Sink() string         { return s.sink }
func (s *Scope) HandlerID() HandlerID { return s.id }

// Context returns ctx tagged with the scope's correlation tag and identity.
// Only records logged with such a context reach the scope's sink.
func (s *Scope) Context(ctx context.Context) context.Context {
	return WithTags(ctx, s.tag.Key, s.tag.Value, JobKey, s.identity)
}

// Logger returns a logger on the scope's backend.
func (s *Scope) Logger() *slog.Logger {
	return s.backend.Logger()
}

// Release removes the scope's handler from the backend. It runs once;
// later calls return the first result. A handler that is already gone is
// not an error.
func (s *Scope) Release() error {
	s.once.Do(func() {
		sink, _ := s.backend.Lookup(s.id)

		if err := s.backend.Remove(s.id); err != nil && !errors.Is(err, ErrUnknownHandler) {
			s.err = err
		}

		var records int64
		if rc, ok := sink.(interface{ Records() int64 }); ok {
			records = rc.Records()
		}
		s.r.finish(s, records)
	})
	return s.err
}
