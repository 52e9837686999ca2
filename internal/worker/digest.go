package worker

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/zeebo/blake3"
)

// DigestPrefix marks the hash algorithm in sink digests.
const DigestPrefix = "blake3:"

// Digest returns the BLAKE3 hash of the file at path.
func Digest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open sink: %w", err)
	}
	defer f.Close()

	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("failed to read sink: %w", err)
	}
	return DigestPrefix + hex.EncodeToString(h.Sum(nil)), nil
}
