// Package workspace manages the per-job scratch directories renders write
// segment files into. Each live workspace holds an exclusive file lock so the
// background sweeper never removes a directory a job is still using.
package workspace

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gofrs/flock"
	"github.com/shirou/gopsutil/v4/disk"
)

// DirPrefix is the prefix of every job workspace directory.
const DirPrefix = "reelforge-job-"

const lockName = ".lock"

// ErrInsufficientSpace is returned when the workspace volume is too full to start a job.
var ErrInsufficientSpace = errors.New("insufficient free space for workspace")

// Manager creates job workspaces under a base directory.
type Manager struct {
	baseDir string
	minFree uint64
	logger  *slog.Logger
}

// NewManager creates a Manager rooted at baseDir, which is created if missing.
// An empty baseDir uses the system temp directory. minFree of zero disables
// the free space check.
func NewManager(baseDir string, minFree int64, logger *slog.Logger) (*Manager, error) {
	if baseDir == "" {
		baseDir = os.TempDir()
	}
	if logger == nil {
		logger = slog.Default()
	}
	absPath, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("getting absolute path: %w", err)
	}
	if err := os.MkdirAll(absPath, 0o750); err != nil {
		return nil, fmt.Errorf("creating workspace base directory: %w", err)
	}
	return &Manager{baseDir: absPath, minFree: uint64(max(minFree, 0)), logger: logger}, nil
}

// BaseDir returns the absolute base directory.
func (m *Manager) BaseDir() string {
	return m.baseDir
}

// Create makes a new locked workspace for jobID.
func (m *Manager) Create(jobID string) (*Workspace, error) {
	if m.minFree > 0 {
		usage, err := disk.Usage(m.baseDir)
		if err != nil {
			m.logger.Warn("could not read workspace volume usage", slog.String("error", err.Error()))
		} else if usage.Free < m.minFree {
			return nil, fmt.Errorf("%w: %d bytes free, %d required", ErrInsufficientSpace, usage.Free, m.minFree)
		}
	}

	dir, err := os.MkdirTemp(m.baseDir, DirPrefix+sanitize(jobID)+"-")
	if err != nil {
		return nil, fmt.Errorf("creating workspace: %w", err)
	}

	lock := flock.New(filepath.Join(dir, lockName))
	locked, err := lock.TryLock()
	if err != nil || !locked {
		os.RemoveAll(dir)
		if err == nil {
			err = errors.New("lock held elsewhere")
		}
		return nil, fmt.Errorf("locking workspace: %w", err)
	}

	return &Workspace{dir: dir, lock: lock}, nil
}

// Workspace is one job's scratch directory.
type Workspace struct {
	dir  string
	lock *flock.Flock

	once      sync.Once
	removeErr error
}

// Dir returns the absolute workspace path.
func (w *Workspace) Dir() string {
	return w.dir
}

// Path resolves name inside the workspace, rejecting paths that escape it.
func (w *Workspace) Path(name string) (string, error) {
	if filepath.IsAbs(name) {
		return "", fmt.Errorf("path escapes workspace: %s (absolute paths not allowed)", name)
	}
	full := filepath.Join(w.dir, filepath.Clean(name))
	if !strings.HasPrefix(full, w.dir+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes workspace: %s", name)
	}
	return full, nil
}

// Remove releases the lock and deletes the workspace. It is safe to call
// more than once; later calls return the first result.
func (w *Workspace) Remove() error {
	w.once.Do(func() {
		unlockErr := w.lock.Unlock()
		removeErr := os.RemoveAll(w.dir)
		w.removeErr = errors.Join(unlockErr, removeErr)
	})
	return w.removeErr
}

func sanitize(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, id)
}
