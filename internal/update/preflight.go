package update

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/dukerupert/upkeep/internal/checker"
	"github.com/dustin/go-humanize"
)

// DefaultMinFreeSpace is the free space required at the download directory.
const DefaultMinFreeSpace = 500 * 1024 * 1024

// PreflightConfig lists the environment requirements checked before an
// update starts.
type PreflightConfig struct {
	// MinRuntime is the lowest acceptable Go runtime version, e.g. "1.22".
	MinRuntime string
	// Commands must be resolvable on PATH.
	Commands []string
	// MinFreeSpace in bytes at the download directory.
	MinFreeSpace uint64
	// WritableDirs must exist (or be creatable) and accept new files.
	WritableDirs []string
}

// freeSpaceFunc reports the bytes available to unprivileged users at path.
// ok is false where the platform cannot tell.
type freeSpaceFunc func(path string) (free uint64, ok bool, err error)

func (s *Service) preflight() error {
	cfg := s.cfg.Preflight
	downloadDir := s.cfg.DownloadDir

	if cfg.MinRuntime != "" {
		have := runtimeVersion(s.goVersion())
		if checker.Compare(have, cfg.MinRuntime) < 0 {
			return &PreflightError{Reason: fmt.Sprintf("runtime %s is older than required %s", have, cfg.MinRuntime)}
		}
	}

	seen := map[string]bool{}
	for _, name := range cfg.Commands {
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		if _, err := s.runner.LookPath(name); err != nil {
			return &PreflightError{Reason: fmt.Sprintf("required command %q not found", name)}
		}
	}

	if err := os.MkdirAll(downloadDir, 0o755); err != nil {
		return &PreflightError{Reason: fmt.Sprintf("create download dir: %v", err)}
	}
	need := cfg.MinFreeSpace
	if need == 0 {
		need = DefaultMinFreeSpace
	}
	free, ok, err := s.freeSpace(downloadDir)
	if err != nil {
		return &PreflightError{Reason: fmt.Sprintf("check free space: %v", err)}
	}
	if ok && free < need {
		return &PreflightError{Reason: fmt.Sprintf("only %s free at %s, need %s",
			humanize.IBytes(free), downloadDir, humanize.IBytes(need))}
	}
	if !ok {
		s.logger.Warn("free space check not supported on this platform", "os", runtime.GOOS)
	}

	for _, dir := range cfg.WritableDirs {
		if dir == "" {
			continue
		}
		if err := checkWritable(dir); err != nil {
			return &PreflightError{Reason: fmt.Sprintf("%s is not writable: %v", dir, err)}
		}
	}
	return nil
}

// runtimeVersion turns "go1.25.4" into "1.25.4". Development builds such as
// "devel go1.26-abcdef" keep only the version.
func runtimeVersion(v string) string {
	if i := strings.Index(v, "go"); i >= 0 {
		v = v[i+2:]
	}
	if i := strings.IndexAny(v, " -+"); i >= 0 {
		v = v[:i]
	}
	return v
}

func checkWritable(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, ".upkeep-write-test-*")
	if err != nil {
		return err
	}
	name := f.Name()
	f.Close()
	return os.Remove(filepath.Clean(name))
}
