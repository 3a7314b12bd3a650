package workspace

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// MoveFile moves src to dst. It tries a rename first and falls back to a copy
// into a temp file beside dst, a rename into place and removal of src, which
// covers moves across filesystems.
func MoveFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
		return fmt.Errorf("creating parent directory: %w", err)
	}
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	if err := copyPublish(src, dst); err != nil {
		return err
	}
	if err := os.Remove(src); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing source after copy: %w", err)
	}
	return nil
}

// copyPublish copies a file then renames it into place.
func copyPublish(src, dst string) error {
	tempPath := filepath.Join(filepath.Dir(dst), fmt.Sprintf(".%s.%s.tmp", filepath.Base(dst), randomHex(8)))

	srcFile, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("opening source file: %w", err)
	}
	defer srcFile.Close()

	tempFile, err := os.OpenFile(tempPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}

	_, err = io.Copy(tempFile, srcFile)
	closeErr := tempFile.Close()
	if err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("copying to temp file: %w", err)
	}
	if closeErr != nil {
		os.Remove(tempPath)
		return fmt.Errorf("closing temp file: %w", closeErr)
	}

	if err := os.Rename(tempPath, dst); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("renaming to target: %w", err)
	}
	return nil
}

// RemoveIfExists deletes path, treating a missing file as success.
func RemoveIfExists(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func randomHex(n int) string {
	b := make([]byte, n/2+1)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%d", os.Getpid())
	}
	return hex.EncodeToString(b)[:n]
}
