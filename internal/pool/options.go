package pool

import (
	"log/slog"
	"runtime"
	"time"

	"github.com/mattjoyce/procpool/internal/events"
)

const (
	defaultStartTimeout = 30 * time.Second
	defaultKillAfter    = 10 * time.Second

	// defaultShutdownGrace is the time we wait after SIGTERM before sending SIGKILL.
	defaultShutdownGrace = 5 * time.Second
)

type options struct {
	workers        int
	command        []string
	env            []string
	logLevel       string
	logger         *slog.Logger
	hub            *events.Hub
	recorder       Recorder
	startTimeout   time.Duration
	killAfter      time.Duration
	shutdownGrace  time.Duration
	defaultTimeout time.Duration
}

func defaultOptions() options {
	return options{
		workers:       runtime.NumCPU(),
		startTimeout:  defaultStartTimeout,
		killAfter:     defaultKillAfter,
		shutdownGrace: defaultShutdownGrace,
	}
}

// Option configures a Pool.
type Option func(*options)

// WithWorkers sets the number of worker processes. Values below one are
// ignored.
func WithWorkers(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.workers = n
		}
	}
}

// WithCommand sets the program started for each worker. It must call
// worker.Main when worker.IsWorkerProcess reports true. The default is the
// running executable.
func WithCommand(path string, args ...string) Option {
	return func(o *options) {
		o.command = append([]string{path}, args...)
	}
}

// WithEnv adds KEY=value entries to the worker environment.
func WithEnv(env ...string) Option {
	return func(o *options) {
		o.env = append(o.env, env...)
	}
}

// WithWorkerLogLevel sets the process log level inside workers.
func WithWorkerLogLevel(level string) Option {
	return func(o *options) { o.logLevel = level }
}

func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithEvents publishes job and worker lifecycle events on hub.
func WithEvents(hub *events.Hub) Option {
	return func(o *options) { o.hub = hub }
}

// WithRecorder persists every settled job through r.
func WithRecorder(r Recorder) Option {
	return func(o *options) { o.recorder = r }
}

// WithStartTimeout bounds the init handshake of each worker.
func WithStartTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.startTimeout = d
		}
	}
}

// WithKillAfter sets how long a worker may keep running a timed-out job
// before it is terminated and replaced.
func WithKillAfter(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.killAfter = d
		}
	}
}

// WithShutdownGrace sets the wait between SIGTERM and SIGKILL, and between
// the shutdown request and SIGTERM.
func WithShutdownGrace(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.shutdownGrace = d
		}
	}
}

// WithDefaultTimeout applies to work items without their own Timeout. Zero
// means no timeout.
func WithDefaultTimeout(d time.Duration) Option {
	return func(o *options) { o.defaultTimeout = d }
}
