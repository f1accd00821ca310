package archive

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zip"
)

// writeZip builds a zip at path from name -> content. Names ending in "/"
// become directory entries.
func writeZip(t *testing.T, path string, entries map[string]string) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create zip: %v", err)
	}
	zw := zip.NewWriter(f)
	for name, content := range entries {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatalf("create entry %s: %v", name, err)
		}
		if _, err := w.Write([]byte(content)); err != nil {
			t.Fatalf("write entry %s: %v", name, err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("close zip writer: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close zip: %v", err)
	}
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return string(data)
}

func TestExtractUnwrapsSingleRoot(t *testing.T) {
	dir := t.TempDir()
	zipPath := filepath.Join(dir, "release.zip")
	writeZip(t, zipPath, map[string]string{
		"app-2.1.1/":            "",
		"app-2.1.1/index.php":   "new index",
		"app-2.1.1/lib/util.go": "package lib",
	})

	dest := filepath.Join(dir, "out")
	resolved, err := Extract(zipPath, dest)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if resolved != filepath.Join(dest, "app-2.1.1") {
		t.Errorf("resolved = %q, want wrapped root", resolved)
	}
	if got := readFile(t, filepath.Join(resolved, "lib", "util.go")); got != "package lib" {
		t.Errorf("util.go = %q", got)
	}
}

func TestExtractUnwrapsOnlyOneLevel(t *testing.T) {
	dir := t.TempDir()
	zipPath := filepath.Join(dir, "release.zip")
	writeZip(t, zipPath, map[string]string{
		"outer/inner/file.txt": "x",
	})

	dest := filepath.Join(dir, "out")
	resolved, err := Extract(zipPath, dest)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if resolved != filepath.Join(dest, "outer") {
		t.Errorf("resolved = %q, want %q", resolved, filepath.Join(dest, "outer"))
	}
}

func TestExtractFlatArchive(t *testing.T) {
	dir := t.TempDir()
	zipPath := filepath.Join(dir, "release.zip")
	writeZip(t, zipPath, map[string]string{
		"index.php": "a",
		"lib/x.php": "b",
	})

	dest := filepath.Join(dir, "out")
	resolved, err := Extract(zipPath, dest)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if resolved != dest {
		t.Errorf("resolved = %q, want %q", resolved, dest)
	}
}

func TestExtractCorrupt(t *testing.T) {
	dir := t.TempDir()
	bad := filepath.Join(dir, "bad.zip")
	os.WriteFile(bad, []byte("definitely not a zip"), 0o644)

	_, err := Extract(bad, filepath.Join(dir, "out"))
	var ce *CorruptArchiveError
	if !errors.As(err, &ce) {
		t.Fatalf("expected *CorruptArchiveError, got %v", err)
	}
}

func TestExtractRejectsZipSlip(t *testing.T) {
	dir := t.TempDir()
	zipPath := filepath.Join(dir, "evil.zip")
	writeZip(t, zipPath, map[string]string{
		"../escaped.txt": "pwned",
	})

	_, err := Extract(zipPath, filepath.Join(dir, "out"))
	var ce *CorruptArchiveError
	if !errors.As(err, &ce) {
		t.Fatalf("expected *CorruptArchiveError, got %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "escaped.txt")); err == nil {
		t.Error("entry escaped the destination directory")
	}
}

func TestExcluded(t *testing.T) {
	patterns := []string{"storage/backups", ".env", "/vendor/"}
	tests := []struct {
		rel  string
		want bool
	}{
		{"storage/backups", true},
		{"storage/backups/abc/files.zip", true},
		{"storage/backups2/x", false},
		{"storage/logs/app.log", false},
		{".env", true},
		{".env.example", false},
		{"vendor/autoload.php", true},
		{"src/vendor/x", false},
	}
	for _, tt := range tests {
		if got := Excluded(tt.rel, patterns); got != tt.want {
			t.Errorf("Excluded(%q) = %v, want %v", tt.rel, got, tt.want)
		}
	}
}

func TestExcludedGlob(t *testing.T) {
	patterns := []string{"run/.maintenance-*", "*.db-wal"}
	tests := []struct {
		rel  string
		want bool
	}{
		{"run/.maintenance-123", true},
		{"run/.maintenance-123/nested", true},
		{"run/maintenance.json", false},
		{"other/.maintenance-123", false},
		{"upkeep.db-wal", true},
		{"data/upkeep.db-wal", false},
	}
	for _, tt := range tests {
		if got := Excluded(tt.rel, patterns); got != tt.want {
			t.Errorf("Excluded(%q) = %v, want %v", tt.rel, got, tt.want)
		}
	}
}

func TestProtect(t *testing.T) {
	root := t.TempDir()
	got := Protect(root, []string{
		filepath.Join(root, "upkeep.db"),
		filepath.Join(root, "run", ".maintenance-*"),
		filepath.Join(t.TempDir(), "elsewhere.db"),
		"",
	})
	want := []string{"upkeep.db", "run/.maintenance-*"}
	if len(got) != len(want) {
		t.Fatalf("Protect = %q, want %q", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Protect[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}
