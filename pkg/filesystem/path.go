package filesystem

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// SafePath joins filename onto baseDir, refusing anything that would escape
// the base directory. Minion ids end up in file names, so every path built
// from remote input has to go through here.
func SafePath(baseDir, filename string) (string, error) {
	cleanFilename := filepath.Clean(filename)
	if strings.Contains(cleanFilename, "..") {
		return "", fmt.Errorf("invalid filename: path traversal not allowed")
	}

	fullPath := filepath.Join(baseDir, cleanFilename)

	absBase, err := filepath.Abs(baseDir)
	if err != nil {
		return "", fmt.Errorf("failed to get absolute path for base directory: %w", err)
	}

	absPath, err := filepath.Abs(fullPath)
	if err != nil {
		return "", fmt.Errorf("failed to get absolute path: %w", err)
	}

	if !strings.HasPrefix(absPath, absBase) {
		return "", fmt.Errorf("path outside base directory not allowed")
	}

	return fullPath, nil
}

// EnsureDir creates dir (and parents) with conservative permissions.
func EnsureDir(dir string) error {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}
	return nil
}
