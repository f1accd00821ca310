package archive

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/zip"
)

// TreeOptions controls BackupTree.
type TreeOptions struct {
	// Exclude lists paths relative to the tree root that are left out.
	Exclude  []string
	Logger   *slog.Logger
	Progress func(files int)
}

// RestoreOptions controls RestoreTree.
type RestoreOptions struct {
	// Exclude lists paths that are neither overwritten nor pruned.
	Exclude []string
	// Prune removes files under the root that are absent from the archive,
	// leaving the tree as it was when the archive was taken.
	Prune  bool
	Logger *slog.Logger
}

// BackupTree writes every regular file under rootDir to a new zip at outPath
// and returns the archive size. Excluded paths and the directory holding
// outPath are skipped. Symlinks are skipped and logged.
func BackupTree(ctx context.Context, rootDir, outPath string, opts TreeOptions) (int64, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	exclude := append([]string(nil), opts.Exclude...)
	if rel, ok := RelativeTo(rootDir, filepath.Dir(outPath)); ok {
		exclude = append(exclude, rel)
	}

	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return 0, fmt.Errorf("create archive dir: %w", err)
	}
	out, err := os.Create(outPath)
	if err != nil {
		return 0, fmt.Errorf("create archive: %w", err)
	}

	files, err := writeTree(ctx, out, rootDir, outPath, exclude, logger, opts.Progress)
	if cerr := out.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("close archive: %w", cerr)
	}
	if err != nil {
		os.Remove(outPath)
		return 0, err
	}

	fi, err := os.Stat(outPath)
	if err != nil {
		return 0, fmt.Errorf("stat archive: %w", err)
	}
	logger.Debug("file tree archived", "root", rootDir, "files", files, "bytes", fi.Size())
	return fi.Size(), nil
}

func writeTree(ctx context.Context, w io.Writer, rootDir, outPath string, exclude []string, logger *slog.Logger, progress func(int)) (int, error) {
	zw := zip.NewWriter(w)
	absOut, _ := filepath.Abs(outPath)
	files := 0

	err := filepath.WalkDir(rootDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(rootDir, p)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)

		if Excluded(rel, exclude) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if abs, _ := filepath.Abs(p); abs == absOut {
			return nil
		}

		switch {
		case d.IsDir():
			_, err := zw.CreateHeader(&zip.FileHeader{Name: rel + "/", Method: zip.Store})
			return err
		case d.Type()&fs.ModeSymlink != 0:
			logger.Warn("skipping symlink", "path", rel)
			return nil
		case !d.Type().IsRegular():
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		if err := addFile(zw, p, rel, info); err != nil {
			return err
		}
		files++
		if progress != nil {
			progress(files)
		}
		return nil
	})
	if err != nil {
		zw.Close()
		return files, fmt.Errorf("archive %s: %w", rootDir, err)
	}
	if err := zw.Close(); err != nil {
		return files, fmt.Errorf("finish archive: %w", err)
	}
	return files, nil
}

func addFile(zw *zip.Writer, src, rel string, info fs.FileInfo) error {
	hdr, err := zip.FileInfoHeader(info)
	if err != nil {
		return err
	}
	hdr.Name = rel
	hdr.Method = zip.Deflate

	w, err := zw.CreateHeader(hdr)
	if err != nil {
		return err
	}
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(w, f)
	return err
}

// RestoreTree extracts archivePath over rootDir, overwriting existing files.
// A failure part way through leaves the tree partially restored.
func RestoreTree(ctx context.Context, archivePath, rootDir string, opts RestoreOptions) error {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r, err := zip.OpenReader(archivePath)
	if err != nil {
		return &CorruptArchiveError{Path: archivePath, Err: err}
	}
	defer r.Close()

	keep := map[string]bool{}
	for _, f := range r.File {
		if err := ctx.Err(); err != nil {
			return err
		}
		target, err := safeJoin(rootDir, f.Name)
		if err != nil {
			return &CorruptArchiveError{Path: archivePath, Err: err}
		}
		rel := normalize(f.Name)
		if Excluded(rel, opts.Exclude) {
			continue
		}
		keep[rel] = true

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("restore dir %s: %w", rel, err)
			}
			continue
		}
		if !f.Mode().IsRegular() {
			continue
		}
		if err := replaceFile(f, target); err != nil {
			return fmt.Errorf("restore %s: %w", rel, err)
		}
	}

	if opts.Prune {
		removed, err := prune(rootDir, keep, opts.Exclude)
		if err != nil {
			return err
		}
		if removed > 0 {
			logger.Info("pruned files absent from backup", "root", rootDir, "removed", removed)
		}
	}
	return nil
}

// replaceFile writes the entry next to target and renames it into place.
func replaceFile(f *zip.File, target string) error {
	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	tmp, err := os.CreateTemp(dir, ".restore-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := io.Copy(tmp, rc); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, fileMode(f)); err != nil {
		os.Remove(tmpName)
		return err
	}
	if fi, err := os.Lstat(target); err == nil && fi.IsDir() {
		if err := os.RemoveAll(target); err != nil {
			os.Remove(tmpName)
			return err
		}
	}
	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

// prune removes regular files and now-empty directories under root that are
// not in keep and not excluded.
func prune(root string, keep map[string]bool, exclude []string) (int, error) {
	var dirs []string
	removed := 0

	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if Excluded(rel, exclude) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if !keep[rel] {
				dirs = append(dirs, p)
			}
			return nil
		}
		if keep[rel] || !d.Type().IsRegular() {
			return nil
		}
		if err := os.Remove(p); err != nil {
			return fmt.Errorf("prune %s: %w", rel, err)
		}
		removed++
		return nil
	})
	if err != nil {
		return removed, err
	}

	// Deepest first so parents are empty by the time they are visited.
	sort.Slice(dirs, func(i, j int) bool {
		return strings.Count(dirs[i], string(filepath.Separator)) > strings.Count(dirs[j], string(filepath.Separator))
	})
	for _, d := range dirs {
		os.Remove(d)
	}
	return removed, nil
}
