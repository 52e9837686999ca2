package logchan

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
)

// sinkQueueSize bounds the entries buffered ahead of the writer goroutine.
// Enqueue only waits when the writer is this far behind.
const sinkQueueSize = 1024

// FileSink writes entries as JSON lines to a file from a dedicated
// goroutine, so the logging call path never touches the file. Entries are
// written in the order they were enqueued.
type FileSink struct {
	path string
	f    *os.File
	w    *bufio.Writer
	h    slog.Handler

	entries chan Entry
	done    chan struct{}

	mu     sync.RWMutex
	closed bool

	records  atomic.Int64
	writeErr error

	closeOnce sync.Once
	closeErr  error
}

// OpenFileSink creates or truncates the file at path and starts the writer.
func OpenFileSink(path string) (*FileSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open sink %s: %w", path, err)
	}

	w := bufio.NewWriter(f)
	s := &FileSink{
		path:    path,
		f:       f,
		w:       w,
		h:       slog.NewJSONHandler(w, &slog.HandlerOptions{Level: slog.LevelDebug}),
		entries: make(chan Entry, sinkQueueSize),
		done:    make(chan struct{}),
	}

	go s.run()

	return s, nil
}

func (s *FileSink) run() {
	defer close(s.done)

	ctx := context.Background()
	for e := range s.entries {
		if err := s.h.Handle(ctx, e.Record); err != nil {
			if s.writeErr == nil {
				s.writeErr = err
			}
			continue
		}
		s.records.Add(1)

		if len(s.entries) == 0 {
			if err := s.w.Flush(); err != nil && s.writeErr == nil {
				s.writeErr = err
			}
		}
	}
}

// Enqueue implements Sink. Entries enqueued after Close are dropped.
func (s *FileSink) Enqueue(e Entry) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return
	}
	s.entries <- e
}

// Close drains queued entries, then flushes, syncs and closes the file. It
// is safe to call more than once.
func (s *FileSink) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.entries)
		s.mu.Unlock()

		<-s.done

		errs := []error{s.writeErr}
		if err := s.w.Flush(); err != nil {
			errs = append(errs, fmt.Errorf("flush sink: %w", err))
		}
		if err := s.f.Sync(); err != nil {
			errs = append(errs, fmt.Errorf("sync sink: %w", err))
		}
		if err := s.f.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close sink: %w", err))
		}
		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}

// Path returns the file the sink writes to.
func (s *FileSink) Path() string { return s.path }

// Records returns the number of entries written so far.
func (s *FileSink) Records() int64 { return s.records.Load() }
