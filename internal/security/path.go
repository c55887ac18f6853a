package security

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ValidateFilePath validates that a configured file path is relative and free of
// directory traversal
func ValidateFilePath(path string) error {
	if path == "" {
		return fmt.Errorf("file path cannot be empty")
	}
	if strings.ContainsRune(path, '\x00') {
		return fmt.Errorf("file path contains NUL byte")
	}

	cleanPath := filepath.Clean(path)

	if strings.Contains(cleanPath, "..") {
		return fmt.Errorf("path contains directory traversal: %s", path)
	}

	if filepath.IsAbs(cleanPath) {
		return fmt.Errorf("absolute paths not allowed: %s", path)
	}

	return nil
}

// ValidateUploadFile checks that a user-selected file exists, is a regular file
// and does not exceed maxBytes (no limit when maxBytes <= 0)
func ValidateUploadFile(path string, maxBytes int64) (os.FileInfo, error) {
	if path == "" {
		return nil, fmt.Errorf("file path cannot be empty")
	}
	if strings.ContainsRune(path, '\x00') {
		return nil, fmt.Errorf("file path contains NUL byte")
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("not a regular file: %s", filepath.Base(path))
	}
	if maxBytes > 0 && info.Size() > maxBytes {
		return nil, fmt.Errorf("file %s is %d bytes, limit is %d", filepath.Base(path), info.Size(), maxBytes)
	}
	return info, nil
}
