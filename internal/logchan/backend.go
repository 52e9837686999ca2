package logchan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
)

var (
	ErrUnknownHandler  = errors.New("unknown log handler")
	ErrScopeActive     = errors.New("log scope already active for identity")
	ErrInvalidIdentity = errors.New("invalid job identity")
)

// HandlerID identifies a sink installed on a Backend.
type HandlerID uint64

// Sink receives entries accepted by its filters.
type Sink interface {
	// Enqueue hands e to the sink. It must not block on I/O.
	Enqueue(e Entry)
	Close() error
}

type installed struct {
	sink    Sink
	filters []TagFilter
}

// Backend is the logging backend of one process: a dynamic fan-out of slog
// records to installed sinks.
type Backend struct {
	mu     sync.RWMutex
	nextID HandlerID
	order  []HandlerID
	sinks  map[HandlerID]installed

	level slog.Leveler
}

// NewBackend returns an empty Backend that passes records at level or above.
func NewBackend(level slog.Leveler) *Backend {
	if level == nil {
		level = slog.LevelDebug
	}
	return &Backend{
		sinks: make(map[HandlerID]installed),
		level: level,
	}
}

// Add installs sink and returns its id. Every filter must accept an entry for
// the sink to receive it.
func (b *Backend) Add(sink Sink, filters ...TagFilter) HandlerID {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.sinks[id] = installed{sink: sink, filters: slices.Clone(filters)}
	b.order = append(b.order, id)
	return id
}

// Remove uninstalls the handler and closes its sink, flushing any queued
// entries.
func (b *Backend) Remove(id HandlerID) error {
	b.mu.Lock()
	in, ok := b.sinks[id]
	if ok {
		delete(b.sinks, id)
		b.order = slices.DeleteFunc(b.order, func(o HandlerID) bool { return o == id })
	}
	b.mu.Unlock()

	if !ok {
		return fmt.Errorf("remove handler %d: %w", id, ErrUnknownHandler)
	}
	if err := in.sink.Close(); err != nil {
		return fmt.Errorf("close sink for handler %d: %w", id, err)
	}
	return nil
}

// Lookup returns the sink installed under id.
func (b *Backend) Lookup(id HandlerID) (Sink, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	in, ok := b.sinks[id]
	return in.sink, ok
}

// Len returns the number of installed handlers.
func (b *Backend) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.sinks)
}

// Logger returns a logger writing through the backend.
func (b *Backend) Logger() *slog.Logger {
	return slog.New(&handler{b: b})
}

func (b *Backend) publish(e Entry) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, id := range b.order {
		in := b.sinks[id]
		if acceptAll(e, in.filters) {
			in.sink.Enqueue(e)
		}
	}
}

func (b *Backend) empty() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.sinks) == 0
}

// handler adapts Backend to slog.Handler. String attrs bound with
// Logger.With outside any group also count as tags.
type handler struct {
	b      *Backend
	attrs  []slog.Attr
	groups []string
	bound  Tags
}

func (h *handler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.b.level.Level()
}

func (h *handler) Handle(ctx context.Context, r slog.Record) error {
	if h.b.empty() {
		return nil
	}

	tags := make(Tags, len(h.bound)+2)
	for k, v := range h.bound {
		tags[k] = v
	}
	for k, v := range TagsFrom(ctx) {
		tags[k] = v
	}

	rec := slog.NewRecord(r.Time, r.Level, r.Message, r.PC)
	rec.AddAttrs(h.attrs...)

	var own []slog.Attr
	r.Attrs(func(a slog.Attr) bool {
		own = append(own, a)
		return true
	})
	rec.AddAttrs(wrapGroups(h.groups, own)...)

	if len(tags) > 0 {
		rec.AddAttrs(slog.Any("tags", map[string]string(tags)))
	}

	h.b.publish(Entry{Record: rec, Tags: tags})
	return nil
}

func (h *handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}

	next := h.clone()
	next.attrs = append(next.attrs, wrapGroups(h.groups, attrs)...)
	if len(h.groups) == 0 {
		for _, a := range attrs {
			if a.Value.Kind() == slog.KindString {
				next.bound[a.Key] = a.Value.String()
			}
		}
	}
	return next
}

func (h *handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	next := h.clone()
	next.groups = append(next.groups, name)
	return next
}

func (h *handler) clone() *handler {
	bound := make(Tags, len(h.bound))
	for k, v := range h.bound {
		bound[k] = v
	}
	return &handler{
		b:      h.b,
		attrs:  slices.Clip(h.attrs),
		groups: slices.Clip(h.groups),
		bound:  bound,
	}
}

func wrapGroups(groups []string, attrs []slog.Attr) []slog.Attr {
	if len(groups) == 0 || len(attrs) == 0 {
		return attrs
	}
	args := make([]any, len(attrs))
	for i, a := range attrs {
		args[i] = a
	}
	wrapped := slog.Group(groups[len(groups)-1], args...)
	for i := len(groups) - 2; i >= 0; i-- {
		wrapped = slog.Group(groups[i], wrapped)
	}
	return []slog.Attr{wrapped}
}
