// Package worker is the child side of the pool: it answers the init
// handshake, runs jobs one at a time and reports the log sinks each job
// wrote.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/mattjoyce/procpool/internal/builder"
	"github.com/mattjoyce/procpool/internal/errdefs"
	"github.com/mattjoyce/procpool/internal/job"
	"github.com/mattjoyce/procpool/internal/log"
	"github.com/mattjoyce/procpool/internal/protocol"
)

const (
	// EnvBuilder names the builder a re-executed binary should serve.
	EnvBuilder = "PROCPOOL_WORKER_BUILDER"
	// EnvLogLevel sets the worker's process log level.
	EnvLogLevel = "PROCPOOL_WORKER_LOG_LEVEL"
)

// IsWorkerProcess reports whether the current process was started by a pool.
func IsWorkerProcess() bool {
	return os.Getenv(EnvBuilder) != ""
}

// Main runs the worker side in the current process and returns the exit
// code. Programs call it at the top of main when IsWorkerProcess is true.
func Main(reg *builder.Registry) int {
	name := os.Getenv(EnvBuilder)
	pid := os.Getpid()

	log.Setup(os.Getenv(EnvLogLevel), "json")
	logger := log.WithWorker(pid)

	// Stdout carries the protocol. Anything a job prints goes to stderr.
	proto := os.Stdout
	os.Stdout = os.Stderr

	b, err := reg.New(name)
	if err != nil {
		logger.Error("cannot create builder", "builder", name, "error", err)
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, os.Interrupt)
	defer stop()

	proc := builder.NewProcess(pid, logger)
	if err := Serve(ctx, os.Stdin, proto, b, proc); err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Info("worker terminated")
			return 0
		}
		logger.Error("worker stopped", "error", err)
		return 1
	}
	return 0
}

type decoded struct {
	req *protocol.Request
	err error
}

// Serve speaks the pool protocol on in and out until shutdown, end of input
// or ctx cancellation. The first request must be init. Any scopes still open
// when Serve returns are released so their sinks are flushed.
func Serve(ctx context.Context, in io.Reader, out io.Writer, b builder.Builder, proc *builder.Process) error {
	logger := proc.Logger
	enc := protocol.NewEncoder(out)
	dec := protocol.NewDecoder(in)

	reqs := make(chan decoded)
	done := make(chan struct{})
	defer close(done)
	go func() {
		defer close(reqs)
		for {
			req, err := dec.DecodeRequest()
			select {
			case reqs <- decoded{req: req, err: err}:
			case <-done:
				return
			}
			if err != nil {
				return
			}
		}
	}()

	defer func() {
		if n, err := proc.Logs.ReleaseAll(); n > 0 || err != nil {
			logger.Warn("released open log scopes on exit", "count", n, "error", err)
		}
	}()

	initialized := false
	for {
		var d decoded
		var ok bool
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok = <-reqs:
		}
		if !ok || errors.Is(d.err, io.EOF) {
			logger.Debug("protocol input closed")
			return nil
		}
		if d.err != nil {
			return d.err
		}

		req := d.req
		switch req.Type {
		case protocol.RequestInit:
			resp := &protocol.Response{Type: protocol.ResponseReady, PID: proc.PID, Status: protocol.StatusOK}
			var initErr error
			if initialized {
				initErr = fmt.Errorf("worker already initialized")
			} else {
				initErr = safeInit(ctx, b, proc, req.Call())
			}
			if initErr != nil {
				resp.Status = protocol.StatusError
				resp.Error = errorMessage(initErr)
			}
			if err := enc.EncodeResponse(resp); err != nil {
				return err
			}
			if initErr != nil {
				return errdefs.Configf("initializer failed: %v", initErr)
			}
			initialized = true
			logger.Debug("worker ready", "log_channels", proc.Logs.Configured())

		case protocol.RequestRun:
			if !initialized {
				resp := &protocol.Response{
					Type:   protocol.ResponseResult,
					Seq:    req.Seq,
					PID:    proc.PID,
					Status: protocol.StatusError,
					Error:  "worker not initialized",
				}
				if err := enc.EncodeResponse(resp); err != nil {
					return err
				}
				continue
			}
			if err := enc.EncodeResponse(runJob(ctx, b, proc, req)); err != nil {
				return err
			}

		case protocol.RequestShutdown:
			logger.Debug("shutdown requested")
			return nil

		default:
			logger.Warn("ignoring unknown request", "type", req.Type)
		}
	}
}

func runJob(ctx context.Context, b builder.Builder, proc *builder.Process, req *protocol.Request) *protocol.Response {
	logger := proc.Logger.With(slog.String("job_id", req.JobID))
	resp := &protocol.Response{
		Type:   protocol.ResponseResult,
		Seq:    req.Seq,
		PID:    proc.PID,
		Status: protocol.StatusOK,
	}

	jobCtx := ctx
	if req.DeadlineAt != nil {
		var cancel context.CancelFunc
		jobCtx, cancel = context.WithDeadline(ctx, *req.DeadlineAt)
		defer cancel()
	}

	result, err := safeRun(jobCtx, b, proc, req.Call())
	if err == nil {
		raw, merr := json.Marshal(result)
		if merr != nil {
			err = fmt.Errorf("encode result: %w", merr)
		} else {
			resp.Result = raw
		}
	}
	if err != nil {
		resp.Status = protocol.StatusError
		resp.Error = errorMessage(err)
		logger.Debug("job failed", "error", err)
	}

	leaked, rerr := proc.Logs.ReleaseAll()
	if leaked > 0 {
		logger.Warn("job left log scopes open", "count", leaked)
	}
	if rerr != nil {
		logger.Error("failed to release log scopes", "error", rerr)
	}
	resp.Leaked = leaked
	resp.Sinks = digestSinks(logger, proc.Logs.Drain())
	return resp
}

func safeInit(ctx context.Context, b builder.Builder, proc *builder.Process, call job.Call) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in initializer: %v", r)
			proc.Logger.Error("initializer panicked", "panic", r, "stack", string(debug.Stack()))
		}
	}()
	return b.Init(ctx, proc, call)
}

func safeRun(ctx context.Context, b builder.Builder, proc *builder.Process, call job.Call) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			proc.Logger.Error("job panicked", "job_id", call.ID, "panic", r, "stack", string(debug.Stack()))
		}
	}()
	return b.Run(ctx, proc, call)
}

func digestSinks(logger *slog.Logger, sinks []job.Sink) []job.Sink {
	for i := range sinks {
		d, err := Digest(sinks[i].Path)
		if err != nil {
			logger.Warn("cannot digest sink", "path", sinks[i].Path, "error", err)
			continue
		}
		sinks[i].Digest = d
	}
	return sinks
}

func errorMessage(err error) string {
	if msg := err.Error(); msg != "" {
		return msg
	}
	return "job failed"
}
