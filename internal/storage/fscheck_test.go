package storage

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mattjoyce/procpool/internal/errdefs"
)

func detectAs(fsType string) func(string) (string, error) {
	return func(string) (string, error) { return fsType, nil }
}

func TestRequireLocalAllowsLocalFS(t *testing.T) {
	t.Parallel()

	dbPath := filepath.Join(t.TempDir(), "procpool.db")
	if err := requireLocal(dbPath, "ledger.path", "locking", detectAs("apfs")); err != nil {
		t.Fatalf("expected local filesystem to pass, got: %v", err)
	}
}

func TestRequireLocalRejectsNetworkFS(t *testing.T) {
	t.Parallel()

	dbPath := filepath.Join(t.TempDir(), "procpool.db")
	err := requireLocal(dbPath, "ledger.path (or --db)", "SQLite requires a local filesystem for reliable locking", detectAs("smbfs"))
	if err == nil {
		t.Fatal("expected network filesystem validation error")
	}

	var nfsErr *NetworkFSError
	if !errors.As(err, &nfsErr) || nfsErr.FSType != "smbfs" {
		t.Fatalf("expected NetworkFSError for smbfs, got %#v", err)
	}
	if !errdefs.IsConfig(err) {
		t.Fatalf("expected a config error, got %v", err)
	}
	msg := err.Error()
	for _, want := range []string{"smbfs", "SQLite requires a local filesystem", "ledger.path (or --db)"} {
		if !strings.Contains(msg, want) {
			t.Fatalf("expected error to contain %q, got %q", want, msg)
		}
	}
}

func TestRequireLocalUsesNearestExistingPath(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	dbPath := filepath.Join(root, "nested", "dir", "procpool.db")

	var inspected string
	err := requireLocal(dbPath, "ledger.path", "locking", func(path string) (string, error) {
		inspected = path
		return "ext4", nil
	})
	if err != nil {
		t.Fatalf("expected local filesystem to pass, got: %v", err)
	}
	if inspected != root {
		t.Fatalf("expected detector to inspect nearest existing path %q, got %q", root, inspected)
	}
}

func TestRequireLocalUnsupportedPlatformAllows(t *testing.T) {
	t.Parallel()

	err := requireLocal(t.TempDir(), "sinks.dir", "locking", func(string) (string, error) {
		return "", errDetectUnsupported
	})
	if err != nil {
		t.Fatalf("expected unsupported detection to be allowed, got %v", err)
	}
}

func TestRequireLocalFilesystemOnTempDir(t *testing.T) {
	t.Parallel()

	if err := RequireLocalFilesystem(t.TempDir(), "sinks.dir", "locking"); err != nil {
		t.Fatalf("temp dir should be local: %v", err)
	}
}

func TestIsNetworkFilesystem(t *testing.T) {
	t.Parallel()

	cases := []struct {
		fs   string
		want bool
	}{
		{fs: "nfs", want: true},
		{fs: " NFS4 ", want: true},
		{fs: "SMBFS", want: true},
		{fs: "apfs", want: false},
		{fs: "0x6969", want: false},
	}

	for _, tc := range cases {
		if got := isNetworkFilesystem(tc.fs); got != tc.want {
			t.Fatalf("isNetworkFilesystem(%q)=%v, want %v", tc.fs, got, tc.want)
		}
	}
}
