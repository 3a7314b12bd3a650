package workspace

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
)

// Sweep removes workspaces older than maxAge whose lock is not held. A held
// lock means a job is still running in that directory.
//
// Returns the number of directories removed.
func (m *Manager) Sweep(maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(m.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		m.logger.Error("failed to read workspace directory for sweep",
			slog.String("path", m.baseDir),
			slog.String("error", err.Error()),
		)
		return 0, err
	}

	cutoff := time.Now().Add(-maxAge)
	var removed int

	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), DirPrefix) {
			continue
		}

		dirPath := filepath.Join(m.baseDir, entry.Name())
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}

		lock := flock.New(filepath.Join(dirPath, lockName))
		locked, err := lock.TryLock()
		if err != nil || !locked {
			m.logger.Debug("workspace in use, skipping",
				slog.String("path", dirPath),
			)
			continue
		}

		err = os.RemoveAll(dirPath)
		lock.Unlock()
		if err != nil {
			m.logger.Warn("failed to remove stale workspace",
				slog.String("path", dirPath),
				slog.String("error", err.Error()),
			)
			continue
		}

		m.logger.Info("removed stale workspace",
			slog.String("path", dirPath),
			slog.Duration("age", time.Since(info.ModTime()).Round(time.Second)),
		)
		removed++
	}

	return removed, nil
}
