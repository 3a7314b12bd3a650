// Package util provides shared utility functions.
package util

import (
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// FindBinary searches for an executable under any of the given names.
// Search order:
//  1. Environment variable (if envVar is non-empty and set)
//  2. ./name for each name (current directory, useful for development)
//  3. name on PATH for each name (via exec.LookPath)
//
// Returns the path to the first binary found or an error if none exists.
func FindBinary(envVar string, names ...string) (string, error) {
	if envVar != "" {
		if envPath := os.Getenv(envVar); envPath != "" && isExecutable(envPath) {
			return envPath, nil
		}
	}

	for _, name := range names {
		if localPath := "./" + name; isExecutable(localPath) {
			return localPath, nil
		}
	}

	for _, name := range names {
		if path, err := exec.LookPath(name); err == nil {
			return path, nil
		}
	}

	return "", fmt.Errorf("binary %s not found", strings.Join(names, "/"))
}

// isExecutable checks if a file exists and is executable by the current user.
func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	return info.Mode()&0o111 != 0
}
