package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/procpool/internal/builder"
	"github.com/mattjoyce/procpool/internal/config"
	"github.com/mattjoyce/procpool/internal/errdefs"
	"github.com/mattjoyce/procpool/internal/events"
	"github.com/mattjoyce/procpool/internal/exponent"
	"github.com/mattjoyce/procpool/internal/job"
	"github.com/mattjoyce/procpool/internal/ledger"
	"github.com/mattjoyce/procpool/internal/lock"
	"github.com/mattjoyce/procpool/internal/log"
	"github.com/mattjoyce/procpool/internal/logchan"
	"github.com/mattjoyce/procpool/internal/pool"
	"github.com/mattjoyce/procpool/internal/report"
	"github.com/mattjoyce/procpool/internal/storage"
	"github.com/mattjoyce/procpool/internal/tracker"
	"github.com/mattjoyce/procpool/internal/worker"
)

const version = "0.1.0"

func main() {
	// Pool workers are this binary started again with the builder name in
	// the environment.
	if worker.IsWorkerProcess() {
		os.Exit(worker.Main(newRegistry()))
	}
	os.Exit(runCLI(os.Args[1:]))
}

func newRegistry() *builder.Registry {
	reg := builder.NewRegistry()
	exponent.Register(reg)
	return reg
}

func runCLI(args []string) int {
	if len(args) < 1 {
		printUsage()
		return 1
	}

	cmd := args[0]
	rest := args[1:]

	switch cmd {
	case "run":
		if hasHelpFlag(rest) {
			printRunHelp()
			return 0
		}
		return runRun(rest)
	case "history":
		if hasHelpFlag(rest) {
			printHistoryHelp()
			return 0
		}
		return runHistory(rest)
	case "config":
		return runConfigNoun(rest)
	case "version":
		fmt.Printf("procpool version %s\n", version)
		return 0
	case "help", "--help", "-h":
		printUsage()
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		return 1
	}
}

func printUsage() {
	fmt.Print(`procpool - Process pool with per-job log sinks

Usage:
  procpool <command> [flags]

Commands:
  run               Run jobs on a pool of worker processes
  history           Show recorded job runs from the ledger

Config Commands:
  config check      Validate configuration and print its hash
  config show       Print the effective configuration

General:
  version           Show version information
  help              Show this help message

Use 'procpool <command> --help' for command flags.
`)
}

func runConfigNoun(args []string) int {
	if len(args) < 1 {
		printConfigNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printConfigNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "check":
		if hasHelpFlag(actionArgs) {
			printConfigCheckHelp()
			return 0
		}
		return runConfigCheck(actionArgs)
	case "show":
		if hasHelpFlag(actionArgs) {
			printConfigShowHelp()
			return 0
		}
		return runConfigShow(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n", action)
		return 1
	}
}

func isHelpToken(token string) bool {
	return token == "help" || token == "--help" || token == "-h"
}

func hasHelpFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--help" || arg == "-h" {
			return true
		}
	}
	return false
}

func printConfigNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: procpool config <action>")
	fmt.Fprintln(w, "Actions: check, show")
}

func printRunHelp() {
	fmt.Println("Usage: procpool run [--config PATH] [--jobs N] [--workers N] [--power N] [--timeout D] [--wait all|any|first_failure] [--watch] [--json]")
	fmt.Println("Run N exponent jobs (values 0..N-1) and write one log file per job into the sink directory.")
}

func printHistoryHelp() {
	fmt.Println("Usage: procpool history [--config PATH] [--db PATH] [--job ID] [--status S] [--limit N] [--prune] [--json]")
}

func printConfigCheckHelp() {
	fmt.Println("Usage: procpool config check [--config PATH] [--verify HASH]")
}

func printConfigShowHelp() {
	fmt.Println("Usage: procpool config show [--config PATH]")
}

type runFlags struct {
	configPath string
	jobs       int
	workers    int
	power      int
	timeout    time.Duration
	wait       string
	watch      bool
	jsonOut    bool
}

func runRun(args []string) int {
	var f runFlags
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.StringVar(&f.configPath, "config", config.DefaultPath, "Path to configuration file")
	fs.IntVar(&f.jobs, "jobs", 10, "Number of jobs to run")
	fs.IntVar(&f.workers, "workers", 0, "Worker processes (overrides pool.workers)")
	fs.IntVar(&f.power, "power", -1, "Exponent (overrides exponent.power)")
	fs.DurationVar(&f.timeout, "timeout", 0, "Overall wait timeout (0 waits forever)")
	fs.StringVar(&f.wait, "wait", "all", "Wait condition: all, any, first_failure")
	fs.BoolVar(&f.watch, "watch", false, "Print lifecycle events to stderr")
	fs.BoolVar(&f.jsonOut, "json", false, "Print results as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if f.jobs < 0 {
		fmt.Fprintln(os.Stderr, "--jobs must not be negative")
		return 1
	}
	when, err := tracker.ParseReturnWhen(f.wait)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, err := config.LoadOrDefault(f.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	if f.workers > 0 {
		cfg.Pool.Workers = f.workers
	}
	if f.power >= 0 {
		cfg.Exponent.Power = f.power
	}

	log.Setup(cfg.Logging.Level, cfg.Logging.Format)
	logger := log.WithComponent("main")
	logger.Info("procpool starting", "version", version, "config", f.configPath)

	sinkDir, err := prepareSinkDir(cfg.Sinks)
	if err != nil {
		logger.Error("sink directory unavailable", "dir", cfg.Sinks.Dir, "error", err)
		return 1
	}

	if err := storage.RequireLocalFilesystem(sinkDir, "sinks.dir", "the sink directory lock uses flock, which is unreliable there"); err != nil {
		logger.Error("sink directory rejected", "dir", sinkDir, "error", err)
		return 1
	}

	sinkLock, err := lock.AcquireDir(sinkDir)
	if err != nil {
		logger.Error("failed to lock sink directory (another run may be using it)", "dir", sinkDir, "error", err)
		return 1
	}
	defer sinkLock.Release()

	hub := events.NewHub(256)
	opts := []pool.Option{
		pool.WithWorkers(cfg.Pool.Workers),
		pool.WithWorkerLogLevel(cfg.Logging.Level),
		pool.WithEvents(hub),
		pool.WithStartTimeout(cfg.Pool.StartTimeout),
		pool.WithKillAfter(cfg.Pool.KillAfter),
		pool.WithShutdownGrace(cfg.Pool.ShutdownGrace),
		pool.WithDefaultTimeout(cfg.Pool.DefaultTimeout),
	}

	if cfg.Ledger.Enabled {
		l, err := ledger.Open(context.Background(), cfg.Ledger.Path)
		if err != nil {
			logger.Error("failed to open ledger", "path", cfg.Ledger.Path, "error", err)
			return 1
		}
		defer l.Close()
		if n, err := l.Prune(context.Background(), cfg.Ledger.Retention); err != nil {
			logger.Warn("ledger prune failed", "error", err)
		} else if n > 0 {
			logger.Info("pruned ledger", "removed", n)
		}
		opts = append(opts, pool.WithRecorder(l))
	}

	watched := make(chan struct{})
	if f.watch {
		ch, _ := hub.Subscribe()
		theme := report.NewDefaultTheme()
		go func() {
			defer close(watched)
			for ev := range ch {
				fmt.Fprintln(os.Stderr, report.FormatEvent(ev, theme))
			}
		}()
	} else {
		close(watched)
	}
	defer func() {
		hub.Close()
		<-watched
	}()

	tag := logchan.TagFilter{Key: cfg.Sinks.TagKey, Value: cfg.Sinks.TagValue}
	p, err := pool.New(newRegistry(), cfg.Pool.Builder, exponent.TaggedInitParams(sinkDir, cfg.Exponent.Power, tag), opts...)
	if err != nil {
		logger.Error("failed to create pool", "error", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := p.Start(ctx); err != nil {
		logger.Error("failed to start pool", "error", err)
		return 1
	}

	var handles []*tracker.Handle
	waitErr := p.Session(func(p *pool.Pool) error {
		if _, err := p.DispatchMany(exponentJobs(f.jobs)); err != nil {
			return fmt.Errorf("dispatch: %w", err)
		}
		handles = p.Handles()
		return p.Wait(ctx, f.timeout, when)
	})

	closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Pool.KillAfter+2*cfg.Pool.ShutdownGrace)
	defer cancel()
	if err := p.Close(closeCtx); err != nil {
		logger.Warn("pool did not close cleanly", "error", err)
	}
	hub.Close()
	<-watched

	if waitErr != nil {
		if errors.Is(waitErr, context.Canceled) {
			logger.Info("interrupted")
		} else {
			logger.Error("run failed", "error", waitErr)
		}
		return 1
	}

	// Rendered after Close so the counters are final.
	st := p.Stats()
	if f.jsonOut {
		if err := printJSON(handles); err != nil {
			logger.Error("failed to write results", "error", err)
			return 1
		}
	} else {
		fmt.Println(report.RenderRun(cfg.Pool.Builder, handles, st, report.NewDefaultTheme()))
	}
	for _, h := range handles {
		if s := h.Status(); s != tracker.StatusSucceeded {
			log.WithJob(h.JobID()).Warn("job did not succeed", "status", s, "error", h.Err())
		}
	}
	logger.Info("procpool finished", "succeeded", st.Succeeded, "failed", st.Failed, "timed_out", st.TimedOut, "cancelled", st.Cancelled)
	if st.Succeeded != st.Dispatched {
		return 1
	}
	return 0
}

// prepareSinkDir returns the absolute sink directory, creating it when the
// configuration allows.
func prepareSinkDir(sc config.SinksConfig) (string, error) {
	dir, err := filepath.Abs(sc.Dir)
	if err != nil {
		return "", err
	}
	if sc.Create {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("create sink directory: %w", err)
		}
		return dir, nil
	}
	info, err := os.Stat(dir)
	if err != nil {
		return "", errdefs.Configf("sinks.dir %s: %v", dir, err)
	}
	if !info.IsDir() {
		return "", errdefs.Configf("sinks.dir %s is not a directory", dir)
	}
	return dir, nil
}

func exponentJobs(n int) job.JobSet {
	jobs := make(job.JobSet, 0, n)
	for i := 0; i < n; i++ {
		jobs = append(jobs, exponent.Work(int64(i)))
	}
	return jobs
}

type jobOutput struct {
	JobID  string          `json:"job_id"`
	Status tracker.Status  `json:"status"`
	PID    int             `json:"pid,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
	Sinks  []job.Sink      `json:"sinks,omitempty"`
}

func printJSON(handles []*tracker.Handle) error {
	out := make([]jobOutput, 0, len(handles))
	for _, h := range handles {
		o := jobOutput{JobID: h.JobID(), Status: h.Status(), PID: h.WorkerPID(), Sinks: h.Sinks()}
		if raw, err := h.Result(); err == nil {
			o.Result = raw
		} else if cause := h.Err(); cause != nil {
			o.Error = cause.Error()
		}
		out = append(out, o)
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func runHistory(args []string) int {
	var (
		configPath string
		dbPath     string
		jobID      string
		status     string
		limit      int
		prune      bool
		jsonOut    bool
	)
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	fs.StringVar(&configPath, "config", config.DefaultPath, "Path to configuration file")
	fs.StringVar(&dbPath, "db", "", "Ledger database (overrides ledger.path)")
	fs.StringVar(&jobID, "job", "", "Only runs of this job ID")
	fs.StringVar(&status, "status", "", "Only runs with this status")
	fs.IntVar(&limit, "limit", 20, "Maximum rows")
	fs.BoolVar(&prune, "prune", false, "Delete runs older than ledger.retention first")
	fs.BoolVar(&jsonOut, "json", false, "Output in JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	if dbPath == "" {
		dbPath = cfg.Ledger.Path
	}

	ctx := context.Background()
	l, err := ledger.Open(ctx, dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open ledger: %v\n", err)
		return 1
	}
	defer l.Close()

	if prune {
		n, err := l.Prune(ctx, cfg.Ledger.Retention)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Prune failed: %v\n", err)
			return 1
		}
		fmt.Fprintf(os.Stderr, "Pruned %d run(s)\n", n)
	}

	runs, err := l.List(ctx, ledger.Filter{JobID: jobID, Status: tracker.Status(status), Limit: limit})
	if err != nil {
		fmt.Fprintf(os.Stderr, "History query failed: %v\n", err)
		return 1
	}

	if jsonOut {
		if runs == nil {
			runs = []ledger.Run{}
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(runs); err != nil {
			fmt.Fprintf(os.Stderr, "JSON format error: %v\n", err)
			return 1
		}
		return 0
	}
	fmt.Println(report.RenderHistory(runs, report.NewDefaultTheme()))
	return 0
}

func runConfigCheck(args []string) int {
	var configPath, verify string
	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	fs.StringVar(&configPath, "config", config.DefaultPath, "Path to configuration file")
	fs.StringVar(&verify, "verify", "", "Expected BLAKE3 hash of the file")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	if _, err := config.Load(configPath); err != nil {
		fmt.Fprintf(os.Stderr, "Config load error: %v\n", err)
		if errdefs.IsConfig(err) {
			return 2
		}
		return 1
	}

	if verify != "" {
		if err := config.VerifyFileHash(configPath, strings.TrimSpace(verify)); err != nil {
			fmt.Fprintf(os.Stderr, "Integrity check failed: %v\n", err)
			return 1
		}
	}

	hash, err := config.ComputeBlake3Hash(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Hash error: %v\n", err)
		return 1
	}
	fmt.Printf("Configuration %s is valid.\n", configPath)
	fmt.Printf("blake3: %s\n", hash)
	return 0
}

func runConfigShow(args []string) int {
	var configPath string
	fs := flag.NewFlagSet("show", flag.ContinueOnError)
	fs.StringVar(&configPath, "config", config.DefaultPath, "Path to configuration file")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config load error: %v\n", err)
		return 1
	}
	out, err := yaml.Marshal(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "YAML format error: %v\n", err)
		return 1
	}
	fmt.Print(string(out))
	return 0
}
