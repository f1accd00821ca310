// Package checksum verifies downloaded release artifacts against a published
// SHA-256 digest.
package checksum

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strings"
)

// IntegrityError reports a digest mismatch.
type IntegrityError struct {
	Path     string
	Expected string
	Actual   string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("checksum mismatch for %s: expected %s, got %s", e.Path, e.Expected, e.Actual)
}

// NotFoundError reports that the file to verify does not exist.
type NotFoundError struct {
	Path string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("file not found: %s", e.Path)
}

// Sum returns the lowercase hex SHA-256 of the file at path.
func Sum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", &NotFoundError{Path: path}
		}
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Verify checks the file at path against expected. An empty expected digest
// skips verification: a warning is logged and Verify returns false with a nil
// error. A mismatch returns *IntegrityError.
func Verify(path, expected string, logger *slog.Logger) (bool, error) {
	expected = strings.ToLower(strings.TrimSpace(expected))
	if expected == "" {
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			return false, &NotFoundError{Path: path}
		}
		if logger != nil {
			logger.Warn("no checksum published, skipping verification", "path", path)
		}
		return false, nil
	}

	actual, err := Sum(path)
	if err != nil {
		return false, err
	}
	if actual != expected {
		return false, &IntegrityError{Path: path, Expected: expected, Actual: actual}
	}
	return true, nil
}
