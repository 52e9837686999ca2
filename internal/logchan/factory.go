package logchan

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mattjoyce/procpool/internal/errdefs"
)

// JobKey is the tag every scope adds with the job identity as value.
const JobKey = "job_id"

// HandlerFactory creates one sink per job identity and installs it on a
// backend.
type HandlerFactory interface {
	// New installs a fresh handler for identity and returns the sink
	// location and the handler id.
	New(b *Backend, identity string) (string, HandlerID, error)

	// Tag is the correlation tag the installed handlers require.
	Tag() TagFilter
}

// FileHandlerFactory writes each job's records to <dir>/<identity>.log.
type FileHandlerFactory struct {
	dir string
	tag TagFilter
}

// NewFileHandlerFactory returns a factory for dir. dir must be an existing
// directory.
func NewFileHandlerFactory(dir string, tag TagFilter) (*FileHandlerFactory, error) {
	if tag.Key == "" {
		return nil, errdefs.Configf("correlation tag key is empty")
	}

	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return nil, errdefs.Configf("sink directory %s either does not exist or isn't a directory", dir)
	}

	return &FileHandlerFactory{dir: dir, tag: tag}, nil
}

// Dir returns the sink directory.
func (f *FileHandlerFactory) Dir() string { return f.dir }

// Tag implements HandlerFactory.
func (f *FileHandlerFactory) Tag() TagFilter { return f.tag }

// SinkPath maps identity to its log file.
func (f *FileHandlerFactory) SinkPath(identity string) (string, error) {
	if err := ValidateIdentity(identity); err != nil {
		return "", err
	}
	return filepath.Join(f.dir, identity+".log"), nil
}

// New implements HandlerFactory. Any previous file for identity is
// truncated. The handler only accepts records carrying both the factory's
// tag and the identity under JobKey.
func (f *FileHandlerFactory) New(b *Backend, identity string) (string, HandlerID, error) {
	path, err := f.SinkPath(identity)
	if err != nil {
		return "", 0, err
	}

	sink, err := OpenFileSink(path)
	if err != nil {
		return "", 0, err
	}

	id := b.Add(sink, f.tag, TagFilter{Key: JobKey, Value: identity})
	return path, id, nil
}

// ValidateIdentity rejects identities that cannot name a single file inside
// the sink directory.
func ValidateIdentity(identity string) error {
	switch {
	case identity == "", identity == ".", identity == "..":
		return fmt.Errorf("%w: %q", ErrInvalidIdentity, identity)
	case strings.ContainsAny(identity, `/\`), strings.ContainsRune(identity, 0):
		return fmt.Errorf("%w: %q contains a path separator", ErrInvalidIdentity, identity)
	}
	return nil
}
