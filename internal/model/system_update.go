package model

import "time"

type UpdateStatus string

const (
	UpdateStatusPending     UpdateStatus = "pending"
	UpdateStatusDownloading UpdateStatus = "downloading"
	UpdateStatusInstalling  UpdateStatus = "installing"
	UpdateStatusCompleted   UpdateStatus = "completed"
	UpdateStatusFailed      UpdateStatus = "failed"
	UpdateStatusRolledBack  UpdateStatus = "rolled_back"
)

// ActiveUpdateStatuses are the non-terminal states. At most one update may
// hold one of them at a time.
var ActiveUpdateStatuses = []UpdateStatus{
	UpdateStatusPending,
	UpdateStatusDownloading,
	UpdateStatusInstalling,
}

// IsTerminal reports whether no further progress is expected from this state.
func (s UpdateStatus) IsTerminal() bool {
	switch s {
	case UpdateStatusCompleted, UpdateStatusFailed, UpdateStatusRolledBack:
		return true
	}
	return false
}

// transitions lists the states each status may move to.
var transitions = map[UpdateStatus][]UpdateStatus{
	UpdateStatusPending:     {UpdateStatusDownloading, UpdateStatusFailed},
	UpdateStatusDownloading: {UpdateStatusInstalling, UpdateStatusFailed},
	UpdateStatusInstalling:  {UpdateStatusCompleted, UpdateStatusFailed},
	UpdateStatusFailed:      {UpdateStatusRolledBack},
	UpdateStatusCompleted:   {UpdateStatusRolledBack},
}

// CanTransition reports whether an update may move from one status to another.
// Re-asserting the current non-terminal status is allowed so progress can be
// recorded without a state change.
func CanTransition(from, to UpdateStatus) bool {
	if from == to {
		return !from.IsTerminal()
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// SourcesFor returns every status that may legally move to the given status.
func SourcesFor(to UpdateStatus) []UpdateStatus {
	var out []UpdateStatus
	for _, from := range []UpdateStatus{
		UpdateStatusPending, UpdateStatusDownloading, UpdateStatusInstalling,
		UpdateStatusCompleted, UpdateStatusFailed, UpdateStatusRolledBack,
	} {
		if CanTransition(from, to) {
			out = append(out, from)
		}
	}
	return out
}

type UpdateType string

const (
	UpdateTypeMajor  UpdateType = "major"
	UpdateTypeMinor  UpdateType = "minor"
	UpdateTypePatch  UpdateType = "patch"
	UpdateTypeHotfix UpdateType = "hotfix"
)

// BackupInfo references the backup taken for an update attempt.
type BackupInfo struct {
	BackupID     int64  `json:"backup_id"`
	DatabasePath string `json:"database_path,omitempty"`
	FilesPath    string `json:"files_path,omitempty"`
	TotalSize    int64  `json:"total_size"`
}

// SystemUpdate is the persisted state of one update attempt.
type SystemUpdate struct {
	ID              int64        `json:"id"`
	Version         string       `json:"version"`
	PreviousVersion string       `json:"previous_version"`
	UpdateType      UpdateType   `json:"update_type"`
	Status          UpdateStatus `json:"status"`
	Changelog       string       `json:"changelog,omitempty"`
	DownloadURL     string       `json:"download_url,omitempty"`
	Checksum        string       `json:"checksum,omitempty"`
	DownloadSize    int64        `json:"download_size"`
	ProgressPercent int          `json:"progress_percent"`
	ProgressMessage string       `json:"progress_message,omitempty"`
	BackupInfo      *BackupInfo  `json:"backup_info,omitempty"`
	ErrorMessage    string       `json:"error_message,omitempty"`
	RollbackError   string       `json:"rollback_error,omitempty"`
	StartedAt       *time.Time   `json:"started_at,omitempty"`
	CompletedAt     *time.Time   `json:"completed_at,omitempty"`
	InitiatedBy     *string      `json:"initiated_by,omitempty"`
	CreatedAt       time.Time    `json:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
}
