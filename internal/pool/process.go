package pool

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/mattjoyce/procpool/internal/errdefs"
	"github.com/mattjoyce/procpool/internal/events"
	"github.com/mattjoyce/procpool/internal/log"
	"github.com/mattjoyce/procpool/internal/protocol"
	"github.com/mattjoyce/procpool/internal/worker"
)

// maxRelayLine caps a single stderr line relayed from a worker.
const maxRelayLine = 64 * 1024

// process is one running worker and the pipes used to talk to it.
type process struct {
	slot   int
	cmd    *exec.Cmd
	pid    int
	logger *slog.Logger

	stdin io.WriteCloser
	enc   *protocol.Encoder
	resps chan *protocol.Response

	exited  chan struct{}
	waitErr error
	readErr error

	stdinOnce sync.Once
}

// spawn starts a worker and completes the init handshake.
func (p *Pool) spawn(ctx context.Context, slot int) (*process, error) {
	command := p.opts.command
	if len(command) == 0 {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("resolve worker executable: %w", err)
		}
		command = []string{exe}
	}

	// Don't use CommandContext: termination is managed by the pool.
	cmd := exec.Command(command[0], command[1:]...)
	cmd.Env = append(os.Environ(), worker.EnvBuilder+"="+p.builder)
	if p.opts.logLevel != "" {
		cmd.Env = append(cmd.Env, worker.EnvLogLevel+"="+p.opts.logLevel)
	}
	cmd.Env = append(cmd.Env, p.opts.env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker: %w", err)
	}

	pr := &process{
		slot:   slot,
		cmd:    cmd,
		pid:    cmd.Process.Pid,
		logger: p.logger.With(slog.Int("slot", slot), slog.Int("pid", cmd.Process.Pid)),
		stdin:  stdin,
		enc:    protocol.NewEncoder(stdin),
		resps:  make(chan *protocol.Response, 1),
		exited: make(chan struct{}),
	}
	pr.logger.Debug("worker spawned", "command", command[0])
	p.publishWorker(events.WorkerSpawned, pr, "")

	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		pr.readResponses(stdout)
	}()
	go func() {
		defer readers.Done()
		relayStderr(stderr, p.workerLogger(pr.pid))
	}()
	go func() {
		// Wait must not run before the pipes are drained.
		readers.Wait()
		pr.waitErr = cmd.Wait()
		close(pr.exited)
	}()

	if err := pr.handshake(ctx, p.initReq, p.opts.startTimeout); err != nil {
		pr.terminate(p.opts.shutdownGrace)
		return nil, err
	}
	return pr, nil
}

func (pr *process) readResponses(r io.Reader) {
	defer close(pr.resps)
	dec := protocol.NewDecoder(r)
	for {
		resp, err := dec.DecodeResponse()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				pr.readErr = err
				pr.logger.Error("failed to decode worker response", "error", err)
			}
			// Drain so the worker never blocks on a full pipe.
			_, _ = io.Copy(io.Discard, r)
			return
		}
		pr.resps <- resp
	}
}

func (pr *process) handshake(ctx context.Context, req *protocol.Request, timeout time.Duration) error {
	if err := pr.enc.EncodeRequest(req); err != nil {
		return errdefs.Configf("send init to worker %d: %v", pr.pid, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp, ok := <-pr.resps:
		if !ok {
			<-pr.exited
			return errdefs.Configf("worker %d exited during initialization: %v", pr.pid, pr.exitError())
		}
		if resp.Type != protocol.ResponseReady {
			return errdefs.Configf("worker %d answered init with %q", pr.pid, resp.Type)
		}
		if !resp.OK() {
			return errdefs.Configf("initializer failed in worker %d: %s", pr.pid, resp.Error)
		}
		return nil
	case <-timer.C:
		return errdefs.Configf("worker %d did not become ready within %s", pr.pid, timeout)
	case <-ctx.Done():
		return fmt.Errorf("worker %d initialization: %w", pr.pid, ctx.Err())
	}
}

// send writes one run request.
func (pr *process) send(req *protocol.Request) error {
	return pr.enc.EncodeRequest(req)
}

// exitError describes why the worker stopped.
func (pr *process) exitError() error {
	if pr.readErr != nil {
		return pr.readErr
	}
	if pr.waitErr != nil {
		return pr.waitErr
	}
	return errors.New("exit status 0")
}

func (pr *process) alive() bool {
	select {
	case <-pr.exited:
		return false
	default:
		return true
	}
}

func (pr *process) closeStdin() {
	pr.stdinOnce.Do(func() { _ = pr.stdin.Close() })
}

// shutdown asks the worker to exit and escalates to terminate if it is
// still running after grace.
func (pr *process) shutdown(grace time.Duration) {
	if !pr.alive() {
		return
	}
	if err := pr.enc.EncodeRequest(&protocol.Request{Protocol: protocol.Version, Type: protocol.RequestShutdown}); err != nil {
		pr.logger.Debug("failed to send shutdown", "error", err)
	}
	pr.closeStdin()

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-pr.exited:
		pr.logger.Debug("worker exited")
	case <-timer.C:
		pr.logger.Warn("worker did not exit after shutdown request")
		pr.terminate(grace)
	}
}

// terminate sends SIGTERM, then SIGKILL if the worker is still running
// after grace, and waits for it to exit.
func (pr *process) terminate(grace time.Duration) {
	if !pr.alive() {
		return
	}
	pr.closeStdin()

	if err := pr.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		pr.logger.Debug("failed to send SIGTERM", "error", err)
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-pr.exited:
		pr.logger.Info("worker exited after SIGTERM")
	case <-timer.C:
		pr.logger.Warn("worker did not exit after SIGTERM, sending SIGKILL")
		pr.kill()
	}
}

// kill sends SIGKILL and waits for the worker to exit.
func (pr *process) kill() {
	if !pr.alive() {
		return
	}
	if err := pr.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		pr.logger.Error("failed to send SIGKILL", "error", err)
	}
	<-pr.exited
}

// relayStderr forwards each stderr line of a worker to logger. JSON records
// keep their level, message and attributes.
func relayStderr(r io.Reader, logger *slog.Logger) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), maxRelayLine)
	for sc.Scan() {
		relayLine(logger, sc.Bytes())
	}
	// A line over the limit stops the scanner; keep the pipe drained.
	_, _ = io.Copy(io.Discard, r)
}

func relayLine(logger *slog.Logger, line []byte) {
	if len(line) == 0 {
		return
	}

	var rec map[string]any
	if err := json.Unmarshal(line, &rec); err != nil {
		logger.Info(string(line))
		return
	}

	level := slog.LevelInfo
	if lv, ok := rec["level"].(string); ok {
		level = log.ParseLevel(lv)
	}
	msg, _ := rec["msg"].(string)

	attrs := make([]any, 0, len(rec))
	for k, v := range rec {
		switch k {
		case "time", "level", "msg", "component", "pid":
			continue
		}
		attrs = append(attrs, slog.Any(k, v))
	}
	logger.Log(context.Background(), level, msg, attrs...)
}
