package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/dukerupert/upkeep/internal/model"
)

// TransitionError is returned when a status change is not allowed from the
// update's current status.
type TransitionError struct {
	ID   int64
	From model.UpdateStatus
	To   model.UpdateStatus
}

func (e *TransitionError) Error() string {
	if e.From == "" {
		return fmt.Sprintf("update %d not found", e.ID)
	}
	return fmt.Sprintf("update %d: cannot move from %s to %s", e.ID, e.From, e.To)
}

// Progress accompanies a status transition.
type Progress struct {
	Percent int
	Message string
	Error   string
}

type SystemUpdateStore struct {
	db *sql.DB
}

func NewSystemUpdateStore(db *sql.DB) *SystemUpdateStore {
	return &SystemUpdateStore{db: db}
}

const systemUpdateColumns = `id, version, previous_version, update_type, status, changelog, download_url, checksum,
	download_size, progress_percent, progress_message, backup_info, error_message, rollback_error,
	started_at, completed_at, initiated_by, created_at, updated_at`

// CreateIfIdle inserts u in pending status unless another update is already
// active. The check and the insert are a single statement, so two callers can
// never both succeed. It reports whether the row was created.
func (s *SystemUpdateStore) CreateIfIdle(u *model.SystemUpdate) (bool, error) {
	now := time.Now().UTC()
	u.Status = model.UpdateStatusPending
	u.CreatedAt = now
	u.UpdatedAt = now

	args := []any{
		u.Version, u.PreviousVersion, u.UpdateType, u.Status, nullString(u.Changelog),
		nullString(u.DownloadURL), nullString(u.Checksum), u.DownloadSize, u.ProgressPercent,
		nullString(u.ProgressMessage), u.InitiatedBy, now, now,
	}
	for _, st := range model.ActiveUpdateStatuses {
		args = append(args, st)
	}

	result, err := s.db.Exec(
		`INSERT INTO system_updates (version, previous_version, update_type, status, changelog, download_url, checksum,
			download_size, progress_percent, progress_message, initiated_by, created_at, updated_at)
		 SELECT ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?
		 WHERE NOT EXISTS (SELECT 1 FROM system_updates WHERE status IN (`+placeholders(len(model.ActiveUpdateStatuses))+`))`,
		args...,
	)
	if err != nil {
		return false, fmt.Errorf("create system update: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("create system update: %w", err)
	}
	if n == 0 {
		return false, nil
	}
	u.ID, _ = result.LastInsertId()
	return true, nil
}

func (s *SystemUpdateStore) GetByID(id int64) (*model.SystemUpdate, error) {
	row := s.db.QueryRow(`SELECT `+systemUpdateColumns+` FROM system_updates WHERE id = ?`, id)
	u, err := scanSystemUpdate(row)
	if err != nil {
		return nil, fmt.Errorf("get system update %d: %w", id, err)
	}
	return u, nil
}

func (s *SystemUpdateStore) List(limit int) ([]model.SystemUpdate, error) {
	rows, err := s.db.Query(`SELECT `+systemUpdateColumns+` FROM system_updates ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list system updates: %w", err)
	}
	defer rows.Close()

	var updates []model.SystemUpdate
	for rows.Next() {
		u, err := scanSystemUpdate(rows)
		if err != nil {
			return nil, fmt.Errorf("list system updates: %w", err)
		}
		updates = append(updates, *u)
	}
	return updates, rows.Err()
}

// Active returns the update currently in a non-terminal status, or nil.
func (s *SystemUpdateStore) Active() (*model.SystemUpdate, error) {
	args := make([]any, 0, len(model.ActiveUpdateStatuses))
	for _, st := range model.ActiveUpdateStatuses {
		args = append(args, st)
	}
	row := s.db.QueryRow(
		`SELECT `+systemUpdateColumns+` FROM system_updates
		 WHERE status IN (`+placeholders(len(args))+`) ORDER BY id DESC LIMIT 1`, args...,
	)
	u, err := scanSystemUpdate(row)
	if err != nil {
		return nil, fmt.Errorf("get active update: %w", err)
	}
	return u, nil
}

// ListActive returns every update in a non-terminal status, oldest first.
// Outside of a crash there is at most one.
func (s *SystemUpdateStore) ListActive() ([]model.SystemUpdate, error) {
	args := make([]any, 0, len(model.ActiveUpdateStatuses))
	for _, st := range model.ActiveUpdateStatuses {
		args = append(args, st)
	}
	rows, err := s.db.Query(
		`SELECT `+systemUpdateColumns+` FROM system_updates
		 WHERE status IN (`+placeholders(len(args))+`) ORDER BY id`, args...,
	)
	if err != nil {
		return nil, fmt.Errorf("list active updates: %w", err)
	}
	defer rows.Close()

	var updates []model.SystemUpdate
	for rows.Next() {
		u, err := scanSystemUpdate(rows)
		if err != nil {
			return nil, fmt.Errorf("list active updates: %w", err)
		}
		updates = append(updates, *u)
	}
	return updates, rows.Err()
}

// LatestCompleted returns the most recently finished successful update, or nil.
func (s *SystemUpdateStore) LatestCompleted() (*model.SystemUpdate, error) {
	row := s.db.QueryRow(
		`SELECT `+systemUpdateColumns+` FROM system_updates
		 WHERE status = ? ORDER BY completed_at DESC, id DESC LIMIT 1`, model.UpdateStatusCompleted,
	)
	u, err := scanSystemUpdate(row)
	if err != nil {
		return nil, fmt.Errorf("get latest completed update: %w", err)
	}
	return u, nil
}

// Transition moves an update to a new status. The current status is checked
// in the same statement, so a transition that is not allowed fails with a
// *TransitionError and changes nothing.
func (s *SystemUpdateStore) Transition(id int64, to model.UpdateStatus, p Progress) error {
	sources := model.SourcesFor(to)
	if len(sources) == 0 {
		return &TransitionError{ID: id, From: "unknown", To: to}
	}
	now := time.Now().UTC()

	var completedAt any
	if to.IsTerminal() {
		completedAt = now
	}

	args := []any{to, p.Percent, nullString(p.Message), nullString(p.Error), now, completedAt, now, id}
	for _, st := range sources {
		args = append(args, st)
	}
	result, err := s.db.Exec(
		`UPDATE system_updates SET
			status = ?,
			progress_percent = ?,
			progress_message = COALESCE(?, progress_message),
			error_message = COALESCE(?, error_message),
			started_at = COALESCE(started_at, ?),
			completed_at = COALESCE(?, completed_at),
			updated_at = ?
		 WHERE id = ? AND status IN (`+placeholders(len(sources))+`)`,
		args...,
	)
	if err != nil {
		return fmt.Errorf("transition update %d to %s: %w", id, to, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("transition update %d to %s: %w", id, to, err)
	}
	if n == 1 {
		return nil
	}

	var from model.UpdateStatus
	err = s.db.QueryRow(`SELECT status FROM system_updates WHERE id = ?`, id).Scan(&from)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("transition update %d to %s: %w", id, to, err)
	}
	return &TransitionError{ID: id, From: from, To: to}
}

// UpdateProgress records progress on an update that is still active.
func (s *SystemUpdateStore) UpdateProgress(id int64, percent int, message string) error {
	args := []any{percent, nullString(message), time.Now().UTC(), id}
	for _, st := range model.ActiveUpdateStatuses {
		args = append(args, st)
	}
	_, err := s.db.Exec(
		`UPDATE system_updates SET progress_percent = ?, progress_message = COALESCE(?, progress_message), updated_at = ?
		 WHERE id = ? AND status IN (`+placeholders(len(model.ActiveUpdateStatuses))+`)`,
		args...,
	)
	if err != nil {
		return fmt.Errorf("update progress for update %d: %w", id, err)
	}
	return nil
}

func (s *SystemUpdateStore) SetBackupInfo(id int64, info *model.BackupInfo) error {
	data, err := jsonColumn(info)
	if err != nil {
		return err
	}
	if _, err := s.db.Exec(`UPDATE system_updates SET backup_info = ?, updated_at = ? WHERE id = ?`, data, time.Now().UTC(), id); err != nil {
		return fmt.Errorf("set backup info for update %d: %w", id, err)
	}
	return nil
}

func (s *SystemUpdateStore) SetRollbackError(id int64, msg string) error {
	if _, err := s.db.Exec(`UPDATE system_updates SET rollback_error = ?, updated_at = ? WHERE id = ?`, nullString(msg), time.Now().UTC(), id); err != nil {
		return fmt.Errorf("set rollback error for update %d: %w", id, err)
	}
	return nil
}

func scanSystemUpdate(row rowScanner) (*model.SystemUpdate, error) {
	u := &model.SystemUpdate{}
	var changelog, downloadURL, checksum, progressMsg, backupInfo, errMsg, rollbackErr, initiatedBy sql.NullString
	var startedAt, completedAt sql.NullTime
	err := row.Scan(
		&u.ID, &u.Version, &u.PreviousVersion, &u.UpdateType, &u.Status, &changelog, &downloadURL, &checksum,
		&u.DownloadSize, &u.ProgressPercent, &progressMsg, &backupInfo, &errMsg, &rollbackErr,
		&startedAt, &completedAt, &initiatedBy, &u.CreatedAt, &u.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	u.Changelog = changelog.String
	u.DownloadURL = downloadURL.String
	u.Checksum = checksum.String
	u.ProgressMessage = progressMsg.String
	u.ErrorMessage = errMsg.String
	u.RollbackError = rollbackErr.String
	u.StartedAt = timePtr(startedAt)
	u.CompletedAt = timePtr(completedAt)
	u.InitiatedBy = stringPtr(initiatedBy)
	if backupInfo.Valid {
		u.BackupInfo = &model.BackupInfo{}
		if err := decodeJSONColumn(backupInfo, u.BackupInfo); err != nil {
			return nil, err
		}
	}
	return u, nil
}
