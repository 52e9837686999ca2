package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mattjoyce/procpool/internal/errdefs"
)

// errDetectUnsupported is returned by detectFilesystemType on platforms
// where the filesystem type cannot be read. Such paths are allowed.
var errDetectUnsupported = errors.New("filesystem detection is unsupported on this platform")

var networkFilesystems = map[string]struct{}{
	"afpfs":  {},
	"cifs":   {},
	"nfs":    {},
	"nfs4":   {},
	"smbfs":  {},
	"smb2":   {},
	"webdav": {},
}

// NetworkFSError reports a path that must be local but is on a network
// filesystem. It wraps errdefs.ErrConfig.
type NetworkFSError struct {
	Path   string
	FSType string
	// Setting names the config key or flag that chooses the path.
	Setting string
	// Reason says what would break.
	Reason string
}

func (e *NetworkFSError) Error() string {
	return fmt.Sprintf("%q is on network filesystem %q; %s. Point %s at local disk",
		e.Path, e.FSType, e.Reason, e.Setting)
}

func (e *NetworkFSError) Unwrap() error { return errdefs.ErrConfig }

// RequireLocalFilesystem fails when path, or its nearest existing parent, is
// on a network filesystem. setting and reason only shape the error message.
func RequireLocalFilesystem(path, setting, reason string) error {
	return requireLocal(path, setting, reason, detectFilesystemType)
}

// validateSQLiteFilesystem ensures the ledger database is on a local
// filesystem. Runs are recorded while jobs settle, so SQLite locking must
// work.
func validateSQLiteFilesystem(path string) error {
	return requireLocal(path, "ledger.path (or --db)", "SQLite requires a local filesystem for reliable locking", detectFilesystemType)
}

func requireLocal(path, setting, reason string, detect func(string) (string, error)) error {
	if path == "" {
		return fmt.Errorf("path is empty")
	}

	inspectPath, err := nearestExistingPath(path)
	if err != nil {
		return fmt.Errorf("resolve %q: %w", path, err)
	}

	fsType, err := detect(inspectPath)
	if errors.Is(err, errDetectUnsupported) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("detect filesystem for %q: %w", inspectPath, err)
	}

	if isNetworkFilesystem(fsType) {
		return &NetworkFSError{Path: path, FSType: fsType, Setting: setting, Reason: reason}
	}
	return nil
}

// nearestExistingPath walks up from path until it finds something that
// exists, so a database or directory that is not created yet can be checked.
func nearestExistingPath(path string) (string, error) {
	candidate, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("absolute path: %w", err)
	}

	for {
		_, err := os.Stat(candidate)
		switch {
		case err == nil:
			return candidate, nil
		case !errors.Is(err, os.ErrNotExist):
			return "", fmt.Errorf("stat %q: %w", candidate, err)
		}

		parent := filepath.Dir(candidate)
		if parent == candidate {
			return "", fmt.Errorf("no existing parent for %q", path)
		}
		candidate = parent
	}
}

func isNetworkFilesystem(fsType string) bool {
	_, found := networkFilesystems[strings.ToLower(strings.TrimSpace(fsType))]
	return found
}
