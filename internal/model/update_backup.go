package model

import (
	"os"
	"time"
)

type BackupType string

const BackupTypeFull BackupType = "full"

// UpdateBackup is a full backup (database dump plus file-tree archive) taken
// before an update or on operator request.
type UpdateBackup struct {
	ID                 int64      `json:"id"`
	UpdateID           *int64     `json:"update_id,omitempty"`
	Token              string     `json:"token"`
	Version            string     `json:"version"`
	TargetVersion      string     `json:"target_version,omitempty"`
	BackupType         BackupType `json:"backup_type"`
	DatabaseBackupPath string     `json:"database_backup_path,omitempty"`
	FilesBackupPath    string     `json:"files_backup_path,omitempty"`
	DatabaseRemoteKey  string     `json:"database_remote_key,omitempty"`
	FilesRemoteKey     string     `json:"files_remote_key,omitempty"`
	TotalSize          int64      `json:"total_size"`
	IsRestorable       bool       `json:"is_restorable"`
	Notes              string     `json:"notes,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	ExpiresAt          *time.Time `json:"expires_at,omitempty"`
}

// FilesExist reports whether every referenced artifact is present locally and
// non-empty. A backup with no artifacts at all does not pass.
func (b *UpdateBackup) FilesExist() bool {
	paths := b.Paths()
	if len(paths) == 0 {
		return false
	}
	for _, p := range paths {
		fi, err := os.Stat(p)
		if err != nil || fi.IsDir() || fi.Size() == 0 {
			return false
		}
	}
	return true
}

// Paths returns the local artifact paths that are set.
func (b *UpdateBackup) Paths() []string {
	var out []string
	if b.DatabaseBackupPath != "" {
		out = append(out, b.DatabaseBackupPath)
	}
	if b.FilesBackupPath != "" {
		out = append(out, b.FilesBackupPath)
	}
	return out
}

// Info builds the reference stored on a SystemUpdate.
func (b *UpdateBackup) Info() *BackupInfo {
	return &BackupInfo{
		BackupID:     b.ID,
		DatabasePath: b.DatabaseBackupPath,
		FilesPath:    b.FilesBackupPath,
		TotalSize:    b.TotalSize,
	}
}
