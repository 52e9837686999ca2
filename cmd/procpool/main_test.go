package main

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mattjoyce/procpool/internal/config"
	"github.com/mattjoyce/procpool/internal/lock"
	"github.com/mattjoyce/procpool/internal/worker"
)

func TestMain(m *testing.M) {
	if worker.IsWorkerProcess() {
		os.Exit(worker.Main(newRegistry()))
	}
	os.Exit(m.Run())
}

func captureOutputWithExitCode(t *testing.T, run func() int) (int, string, string) {
	t.Helper()

	oldStdout := os.Stdout
	oldStderr := os.Stderr

	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe stdout failed: %v", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe stderr failed: %v", err)
	}

	os.Stdout = stdoutW
	os.Stderr = stderrW

	stdoutC := make(chan []byte)
	stderrC := make(chan []byte)
	go func() { b, _ := io.ReadAll(stdoutR); stdoutC <- b }()
	go func() { b, _ := io.ReadAll(stderrR); stderrC <- b }()

	code := run()

	_ = stdoutW.Close()
	_ = stderrW.Close()
	os.Stdout = oldStdout
	os.Stderr = oldStderr

	stdoutBytes := <-stdoutC
	stderrBytes := <-stderrC

	_ = stdoutR.Close()
	_ = stderrR.Close()

	return code, string(stdoutBytes), string(stderrBytes)
}

func runCLIArgs(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	return captureOutputWithExitCode(t, func() int { return runCLI(args) })
}

func writeConfig(t *testing.T, dir string) string {
	t.Helper()
	configPath := filepath.Join(dir, "procpool.yaml")
	configYAML := `
pool:
  workers: 2
  kill_after: 2s
  shutdown_grace: 1s
logging:
  level: warn
sinks:
  dir: ` + filepath.Join(dir, "logs") + `
ledger:
  path: ` + filepath.Join(dir, "data", "procpool.db") + `
exponent:
  power: 3
`
	if err := os.WriteFile(configPath, []byte(configYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	return configPath
}

func TestVersionAndHelp(t *testing.T) {
	code, stdout, _ := runCLIArgs(t, "version")
	if code != 0 || !strings.Contains(stdout, "procpool version "+version) {
		t.Fatalf("version: code=%d stdout=%q", code, stdout)
	}

	code, stdout, _ = runCLIArgs(t, "help")
	if code != 0 || !strings.Contains(stdout, "config check") {
		t.Fatalf("help: code=%d stdout=%q", code, stdout)
	}

	code, _, _ = runCLIArgs(t)
	if code != 1 {
		t.Fatalf("no args: expected exit 1, got %d", code)
	}

	code, _, stderr := runCLIArgs(t, "bogus")
	if code != 1 || !strings.Contains(stderr, "Unknown command: bogus") {
		t.Fatalf("unknown: code=%d stderr=%q", code, stderr)
	}

	code, _, stderr = runCLIArgs(t, "config", "bogus")
	if code != 1 || !strings.Contains(stderr, "Unknown config action") {
		t.Fatalf("unknown config action: code=%d stderr=%q", code, stderr)
	}

	code, stdout, _ = runCLIArgs(t, "run", "--help")
	if code != 0 || !strings.Contains(stdout, "--jobs") {
		t.Fatalf("run --help: code=%d stdout=%q", code, stdout)
	}
}

func TestConfigCheck(t *testing.T) {
	dir := t.TempDir()
	configPath := writeConfig(t, dir)

	code, stdout, stderr := runCLIArgs(t, "config", "check", "--config", configPath)
	if code != 0 {
		t.Fatalf("config check: code=%d stderr=%s", code, stderr)
	}
	hash, err := config.ComputeBlake3Hash(configPath)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(stdout, "blake3: "+hash) {
		t.Fatalf("stdout missing hash: %s", stdout)
	}

	code, _, _ = runCLIArgs(t, "config", "check", "--config", configPath, "--verify", hash)
	if code != 0 {
		t.Fatalf("verify with correct hash: code=%d", code)
	}

	code, _, stderr = runCLIArgs(t, "config", "check", "--config", configPath, "--verify", "deadbeef")
	if code != 1 || !strings.Contains(stderr, "hash mismatch") {
		t.Fatalf("verify with wrong hash: code=%d stderr=%s", code, stderr)
	}
}

func TestConfigCheckInvalid(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(configPath, []byte("pool:\n  workerz: 2\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	code, _, stderr := runCLIArgs(t, "config", "check", "--config", configPath)
	if code == 0 {
		t.Fatalf("expected failure, stderr=%s", stderr)
	}

	code, _, _ = runCLIArgs(t, "config", "check", "--config", filepath.Join(dir, "missing.yaml"))
	if code != 2 {
		t.Fatalf("missing file: expected exit 2, got %d", code)
	}
}

func TestConfigShow(t *testing.T) {
	dir := t.TempDir()
	configPath := writeConfig(t, dir)

	code, stdout, stderr := runCLIArgs(t, "config", "show", "--config", configPath)
	if code != 0 {
		t.Fatalf("config show: code=%d stderr=%s", code, stderr)
	}
	for _, want := range []string{"workers: 2", "power: 3", "tag_key: logger_id"} {
		if !strings.Contains(stdout, want) {
			t.Fatalf("stdout missing %q:\n%s", want, stdout)
		}
	}
}

func TestRunAndHistory(t *testing.T) {
	dir := t.TempDir()
	configPath := writeConfig(t, dir)

	code, stdout, stderr := runCLIArgs(t, "run", "--config", configPath, "--jobs", "4", "--json")
	if code != 0 {
		t.Fatalf("run: code=%d stderr=%s", code, stderr)
	}

	var results []struct {
		JobID  string `json:"job_id"`
		Status string `json:"status"`
		Result string `json:"result"`
		Sinks  []struct {
			Path    string `json:"path"`
			Records int64  `json:"records"`
			Digest  string `json:"digest"`
		} `json:"sinks"`
	}
	if err := json.Unmarshal([]byte(stdout), &results); err != nil {
		t.Fatalf("decode run output: %v\n%s", err, stdout)
	}
	if len(results) != 4 {
		t.Fatalf("expected 4 results, got %d", len(results))
	}
	if results[2].Result != "2**3 = 8" || results[2].Status != "succeeded" {
		t.Fatalf("unexpected result for job 2: %#v", results[2])
	}
	for _, r := range results {
		if len(r.Sinks) != 1 || r.Sinks[0].Records != 3 || !strings.HasPrefix(r.Sinks[0].Digest, "blake3:") {
			t.Fatalf("unexpected sinks for job %s: %#v", r.JobID, r.Sinks)
		}
		if _, err := os.Stat(filepath.Join(dir, "logs", r.JobID+".log")); err != nil {
			t.Fatalf("sink file for job %s: %v", r.JobID, err)
		}
	}
	relock, err := lock.AcquireDir(filepath.Join(dir, "logs"))
	if err != nil {
		t.Fatalf("expected sink lock released: %v", err)
	}
	_ = relock.Release()

	code, stdout, stderr = runCLIArgs(t, "history", "--config", configPath, "--json", "--job", "2")
	if code != 0 {
		t.Fatalf("history: code=%d stderr=%s", code, stderr)
	}
	var runs []struct {
		JobID   string `json:"job_id"`
		Builder string `json:"builder"`
		Status  string `json:"status"`
	}
	if err := json.Unmarshal([]byte(stdout), &runs); err != nil {
		t.Fatalf("decode history: %v\n%s", err, stdout)
	}
	if len(runs) != 1 || runs[0].Builder != "exponent" || runs[0].Status != "succeeded" {
		t.Fatalf("unexpected history: %#v", runs)
	}

	code, stdout, _ = runCLIArgs(t, "history", "--config", configPath)
	if code != 0 || !strings.Contains(stdout, "HISTORY") {
		t.Fatalf("history table: code=%d stdout=%s", code, stdout)
	}
}

func TestRunRejectsBadFlags(t *testing.T) {
	code, _, stderr := runCLIArgs(t, "run", "--wait", "sometimes")
	if code != 1 || !strings.Contains(stderr, "unknown return_when") {
		t.Fatalf("bad wait: code=%d stderr=%s", code, stderr)
	}

	code, _, _ = runCLIArgs(t, "run", "--jobs", "-1")
	if code != 1 {
		t.Fatalf("negative jobs: expected exit 1, got %d", code)
	}
}

func TestRunWatchPrintsEvents(t *testing.T) {
	dir := t.TempDir()
	configPath := writeConfig(t, dir)

	code, stdout, stderr := runCLIArgs(t, "run", "--config", configPath, "--jobs", "2", "--watch")
	if code != 0 {
		t.Fatalf("run: code=%d stderr=%s", code, stderr)
	}
	for _, want := range []string{"worker.spawned", "job.dispatched", "job.settled", "worker.exited"} {
		if !strings.Contains(stderr, want) {
			t.Fatalf("stderr missing %q:\n%s", want, stderr)
		}
	}
	for _, want := range []string{"EXPONENT", "1**3 = 1", "succeeded"} {
		if !strings.Contains(stdout, want) {
			t.Fatalf("stdout missing %q:\n%s", want, stdout)
		}
	}
}
