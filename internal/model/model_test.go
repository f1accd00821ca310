package model

import (
	"os"
	"path/filepath"
	"testing"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to UpdateStatus
		want     bool
	}{
		{UpdateStatusPending, UpdateStatusDownloading, true},
		{UpdateStatusDownloading, UpdateStatusInstalling, true},
		{UpdateStatusInstalling, UpdateStatusCompleted, true},
		{UpdateStatusPending, UpdateStatusFailed, true},
		{UpdateStatusInstalling, UpdateStatusFailed, true},
		{UpdateStatusFailed, UpdateStatusRolledBack, true},
		{UpdateStatusCompleted, UpdateStatusRolledBack, true},
		{UpdateStatusPending, UpdateStatusPending, true},
		{UpdateStatusPending, UpdateStatusInstalling, false},
		{UpdateStatusDownloading, UpdateStatusPending, false},
		{UpdateStatusCompleted, UpdateStatusFailed, false},
		{UpdateStatusCompleted, UpdateStatusCompleted, false},
		{UpdateStatusRolledBack, UpdateStatusFailed, false},
		{UpdateStatusPending, UpdateStatusRolledBack, false},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestSourcesForRolledBack(t *testing.T) {
	got := SourcesFor(UpdateStatusRolledBack)
	if len(got) != 2 || got[0] != UpdateStatusCompleted || got[1] != UpdateStatusFailed {
		t.Errorf("SourcesFor(rolled_back) = %v, want [completed failed]", got)
	}
}

func TestIsTerminal(t *testing.T) {
	for _, s := range ActiveUpdateStatuses {
		if s.IsTerminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
	for _, s := range []UpdateStatus{UpdateStatusCompleted, UpdateStatusFailed, UpdateStatusRolledBack} {
		if !s.IsTerminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
}

func TestFilesExist(t *testing.T) {
	dir := t.TempDir()
	db := filepath.Join(dir, "database.sql.gz")
	files := filepath.Join(dir, "files.zip")
	empty := filepath.Join(dir, "empty.zip")
	os.WriteFile(db, []byte("dump"), 0o644)
	os.WriteFile(files, []byte("zip"), 0o644)
	os.WriteFile(empty, nil, 0o644)

	tests := []struct {
		name string
		b    UpdateBackup
		want bool
	}{
		{"both present", UpdateBackup{DatabaseBackupPath: db, FilesBackupPath: files}, true},
		{"files only", UpdateBackup{FilesBackupPath: files}, true},
		{"none", UpdateBackup{}, false},
		{"missing", UpdateBackup{DatabaseBackupPath: db, FilesBackupPath: filepath.Join(dir, "gone.zip")}, false},
		{"empty", UpdateBackup{DatabaseBackupPath: db, FilesBackupPath: empty}, false},
		{"directory", UpdateBackup{FilesBackupPath: dir}, false},
	}
	for _, tt := range tests {
		if got := tt.b.FilesExist(); got != tt.want {
			t.Errorf("%s: FilesExist() = %v, want %v", tt.name, got, tt.want)
		}
	}
}
