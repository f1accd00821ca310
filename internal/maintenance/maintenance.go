// Package maintenance switches the host application in and out of
// maintenance mode through a sentinel file.
package maintenance

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const tempPattern = ".maintenance-*"

// Controller engages and disengages maintenance mode. Both operations are
// idempotent.
type Controller interface {
	Engage(reason string) error
	Disengage() error
	IsEngaged() bool
}

// State is the content of the sentinel file.
type State struct {
	Reason    string    `json:"reason"`
	EngagedAt time.Time `json:"engaged_at"`
	RetryIn   int       `json:"retry_after_seconds,omitempty"`
}

// FileController engages maintenance mode by writing a sentinel file that
// the host application (or the bundled proxy) checks on every request.
type FileController struct {
	mu         sync.Mutex
	path       string
	retryAfter time.Duration
}

func NewFileController(path string, retryAfter time.Duration) *FileController {
	return &FileController{path: path, retryAfter: retryAfter}
}

// Path returns the sentinel file location.
func (c *FileController) Path() string { return c.path }

// Files lists the sentinel and the temporary files Engage writes beside it,
// as paths and glob patterns.
func (c *FileController) Files() []string {
	return []string{c.path, filepath.Join(filepath.Dir(c.path), tempPattern)}
}

func (c *FileController) Engage(reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := os.Stat(c.path); err == nil {
		return nil
	}

	data, err := json.Marshal(State{
		Reason:    reason,
		EngagedAt: time.Now().UTC(),
		RetryIn:   int(c.retryAfter.Seconds()),
	})
	if err != nil {
		return fmt.Errorf("encode maintenance state: %w", err)
	}

	dir := filepath.Dir(c.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create maintenance dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, tempPattern)
	if err != nil {
		return fmt.Errorf("engage maintenance: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("engage maintenance: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("engage maintenance: %w", err)
	}
	if err := os.Rename(tmp.Name(), c.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("engage maintenance: %w", err)
	}
	return nil
}

func (c *FileController) Disengage() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := os.Remove(c.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("disengage maintenance: %w", err)
	}
	return nil
}

func (c *FileController) IsEngaged() bool {
	_, err := os.Stat(c.path)
	return err == nil
}

// Current returns the recorded state, or nil when maintenance is off.
func (c *FileController) Current() (*State, error) {
	data, err := os.ReadFile(c.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read maintenance state: %w", err)
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		// A sentinel written by another tool still counts as engaged.
		return &State{Reason: "unknown"}, nil
	}
	return &st, nil
}
