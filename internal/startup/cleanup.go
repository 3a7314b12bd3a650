// Package startup provides utilities for application startup tasks.
package startup

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// BrowserProfilePrefix is the prefix chromedp uses for the temporary user data
// directory of each browser it launches.
const BrowserProfilePrefix = "chromedp-runner"

// DefaultProfileAge is the age after which an unreferenced browser profile is
// treated as orphaned. It exceeds the default render task timeout.
const DefaultProfileAge = time.Hour

// CleanupBrowserProfiles removes browser profile directories in baseDir older
// than maxAge. Chrome deletes its profile on a clean exit, so survivors belong
// to processes that were killed mid-render.
//
// Returns the number of directories removed.
func CleanupBrowserProfiles(logger *slog.Logger, baseDir string, maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	cutoff := time.Now().Add(-maxAge)
	var removed int

	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), BrowserProfilePrefix) {
			continue
		}

		dirPath := filepath.Join(baseDir, entry.Name())
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}

		if err := os.RemoveAll(dirPath); err != nil {
			logger.Warn("failed to remove orphaned browser profile",
				slog.String("path", dirPath),
				slog.String("error", err.Error()),
			)
			continue
		}

		logger.Debug("removed orphaned browser profile",
			slog.String("path", dirPath),
			slog.Duration("age", time.Since(info.ModTime()).Round(time.Second)),
		)
		removed++
	}

	return removed, nil
}

// CleanupSystemBrowserProfiles runs CleanupBrowserProfiles on the system temp
// directory with DefaultProfileAge.
func CleanupSystemBrowserProfiles(logger *slog.Logger) (int, error) {
	return CleanupBrowserProfiles(logger, os.TempDir(), DefaultProfileAge)
}
