package archive

import (
	"fmt"
	"os"
	"path/filepath"
)

// CreateWorkDir makes a private scratch directory for one batch, preferring
// TMPDIR and falling back to /tmp when the preferred location is not
// writable.
func CreateWorkDir() (string, error) {
	dir, err := os.MkdirTemp("", "s3crc-*")
	if err == nil && isWritable(dir) {
		return dir, nil
	}
	if dir != "" {
		os.RemoveAll(dir)
	}

	fallback := filepath.Join("/tmp", "s3crc-work")
	if err := os.MkdirAll(fallback, 0o700); err != nil {
		return "", fmt.Errorf("create work dir: %w", err)
	}
	dir, err = os.MkdirTemp(fallback, "batch-*")
	if err != nil {
		return "", fmt.Errorf("create work dir: %w", err)
	}
	return dir, nil
}

func isWritable(dir string) bool {
	probe := filepath.Join(dir, ".probe")
	f, err := os.Create(probe)
	if err != nil {
		return false
	}
	f.Close()
	os.Remove(probe)
	return true
}

// RemoveWorkDir deletes a scratch directory and everything beneath it.
func RemoveWorkDir(dir string) {
	if dir != "" {
		os.RemoveAll(dir)
	}
}
