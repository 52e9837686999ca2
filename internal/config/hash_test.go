package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestComputeAndVerifyHash(t *testing.T) {
	path := filepath.Join(t.TempDir(), "procpool.yaml")
	if err := os.WriteFile(path, []byte("pool:\n  workers: 2\n"), 0600); err != nil {
		t.Fatal(err)
	}

	hash, err := ComputeBlake3Hash(path)
	if err != nil {
		t.Fatalf("ComputeBlake3Hash() failed: %v", err)
	}
	if len(hash) != 64 {
		t.Fatalf("hash length = %d, want 64", len(hash))
	}

	if err := VerifyFileHash(path, hash); err != nil {
		t.Fatalf("VerifyFileHash() failed: %v", err)
	}

	err = VerifyFileHash(path, strings.Repeat("0", 64))
	if err == nil || !strings.Contains(err.Error(), "hash mismatch for procpool.yaml") {
		t.Fatalf("VerifyFileHash() error = %v, want hash mismatch", err)
	}

	if _, err := ComputeBlake3Hash(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
