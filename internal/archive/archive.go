// Package archive reads and writes the zip archives used for release
// artifacts and file-tree backups.
package archive

import (
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zip"
)

// CorruptArchiveError reports an archive that cannot be opened or that holds
// entries which would be written outside the destination.
type CorruptArchiveError struct {
	Path string
	Err  error
}

func (e *CorruptArchiveError) Error() string {
	return fmt.Sprintf("corrupt archive %s: %v", e.Path, e.Err)
}

func (e *CorruptArchiveError) Unwrap() error { return e.Err }

// Extract unpacks archivePath into destDir and returns the directory holding
// the release contents. When the archive wraps everything in a single root
// directory, that directory is returned instead of destDir. Only one level is
// unwrapped.
func Extract(archivePath, destDir string) (string, error) {
	r, err := zip.OpenReader(archivePath)
	if err != nil {
		return "", &CorruptArchiveError{Path: archivePath, Err: err}
	}
	defer r.Close()

	if len(r.File) == 0 {
		return "", &CorruptArchiveError{Path: archivePath, Err: fmt.Errorf("archive is empty")}
	}

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", fmt.Errorf("create extract dir: %w", err)
	}

	for _, f := range r.File {
		target, err := safeJoin(destDir, f.Name)
		if err != nil {
			return "", &CorruptArchiveError{Path: archivePath, Err: err}
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return "", fmt.Errorf("create dir %s: %w", f.Name, err)
			}
			continue
		}
		if !f.Mode().IsRegular() {
			continue
		}
		if err := extractFile(f, target); err != nil {
			return "", &CorruptArchiveError{Path: archivePath, Err: err}
		}
	}

	return unwrapRoot(destDir)
}

// unwrapRoot returns the single child directory of dir when dir holds exactly
// one directory and no files.
func unwrapRoot(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("read extract dir: %w", err)
	}
	if len(entries) == 1 && entries[0].IsDir() {
		return filepath.Join(dir, entries[0].Name()), nil
	}
	return dir, nil
}

func extractFile(f *zip.File, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("create dir for %s: %w", f.Name, err)
	}
	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("open entry %s: %w", f.Name, err)
	}
	defer rc.Close()

	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, fileMode(f))
	if err != nil {
		return fmt.Errorf("create %s: %w", target, err)
	}
	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		return fmt.Errorf("write %s: %w", target, err)
	}
	return out.Close()
}

func fileMode(f *zip.File) os.FileMode {
	if perm := f.Mode().Perm(); perm != 0 {
		return perm
	}
	return 0o644
}

// safeJoin resolves an archive entry name under root and rejects names that
// would land outside it.
func safeJoin(root, name string) (string, error) {
	name = strings.ReplaceAll(name, `\`, "/")
	if path.IsAbs(name) || filepath.IsAbs(name) {
		return "", fmt.Errorf("entry %q has an absolute path", name)
	}
	clean := path.Clean(name)
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("entry %q escapes the destination", name)
	}
	return filepath.Join(root, filepath.FromSlash(clean)), nil
}
