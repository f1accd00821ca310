package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/dukerupert/upkeep/internal/model"
)

type UpdateBackupStore struct {
	db *sql.DB
}

func NewUpdateBackupStore(db *sql.DB) *UpdateBackupStore {
	return &UpdateBackupStore{db: db}
}

const updateBackupColumns = `id, update_id, token, version, target_version, backup_type, database_backup_path, files_backup_path,
	database_remote_key, files_remote_key, total_size, is_restorable, notes, created_at, expires_at`

func (s *UpdateBackupStore) Create(b *model.UpdateBackup) error {
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now().UTC()
	}
	if b.BackupType == "" {
		b.BackupType = model.BackupTypeFull
	}
	result, err := s.db.Exec(
		`INSERT INTO update_backups (update_id, token, version, target_version, backup_type, database_backup_path, files_backup_path,
			database_remote_key, files_remote_key, total_size, is_restorable, notes, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.UpdateID, b.Token, b.Version, nullString(b.TargetVersion), b.BackupType,
		nullString(b.DatabaseBackupPath), nullString(b.FilesBackupPath),
		nullString(b.DatabaseRemoteKey), nullString(b.FilesRemoteKey),
		b.TotalSize, b.IsRestorable, nullString(b.Notes), b.CreatedAt.UTC(), nullTime(b.ExpiresAt),
	)
	if err != nil {
		return fmt.Errorf("create update backup: %w", err)
	}
	b.ID, _ = result.LastInsertId()
	return nil
}

func (s *UpdateBackupStore) GetByID(id int64) (*model.UpdateBackup, error) {
	row := s.db.QueryRow(`SELECT `+updateBackupColumns+` FROM update_backups WHERE id = ?`, id)
	b, err := scanUpdateBackup(row)
	if err != nil {
		return nil, fmt.Errorf("get update backup %d: %w", id, err)
	}
	return b, nil
}

// ForUpdate returns the backup taken for the given update, or nil.
func (s *UpdateBackupStore) ForUpdate(updateID int64) (*model.UpdateBackup, error) {
	row := s.db.QueryRow(`SELECT `+updateBackupColumns+` FROM update_backups WHERE update_id = ? ORDER BY id DESC LIMIT 1`, updateID)
	b, err := scanUpdateBackup(row)
	if err != nil {
		return nil, fmt.Errorf("get backup for update %d: %w", updateID, err)
	}
	return b, nil
}

// List returns backups newest first. A limit of zero or less returns all.
func (s *UpdateBackupStore) List(limit int) ([]model.UpdateBackup, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.Query(`SELECT `+updateBackupColumns+` FROM update_backups ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list update backups: %w", err)
	}
	defer rows.Close()

	var backups []model.UpdateBackup
	for rows.Next() {
		b, err := scanUpdateBackup(rows)
		if err != nil {
			return nil, fmt.Errorf("list update backups: %w", err)
		}
		backups = append(backups, *b)
	}
	return backups, rows.Err()
}

func (s *UpdateBackupStore) Delete(id int64) error {
	if _, err := s.db.Exec(`DELETE FROM update_backups WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete update backup %d: %w", id, err)
	}
	return nil
}

func (s *UpdateBackupStore) SetRemoteKeys(id int64, databaseKey, filesKey string) error {
	_, err := s.db.Exec(
		`UPDATE update_backups SET database_remote_key = ?, files_remote_key = ? WHERE id = ?`,
		nullString(databaseKey), nullString(filesKey), id,
	)
	if err != nil {
		return fmt.Errorf("set remote keys for backup %d: %w", id, err)
	}
	return nil
}

func scanUpdateBackup(row rowScanner) (*model.UpdateBackup, error) {
	b := &model.UpdateBackup{}
	var updateID sql.NullInt64
	var target, dbPath, filesPath, dbKey, filesKey, notes sql.NullString
	var expiresAt sql.NullTime
	err := row.Scan(
		&b.ID, &updateID, &b.Token, &b.Version, &target, &b.BackupType, &dbPath, &filesPath,
		&dbKey, &filesKey, &b.TotalSize, &b.IsRestorable, &notes, &b.CreatedAt, &expiresAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if updateID.Valid {
		id := updateID.Int64
		b.UpdateID = &id
	}
	b.TargetVersion = target.String
	b.DatabaseBackupPath = dbPath.String
	b.FilesBackupPath = filesPath.String
	b.DatabaseRemoteKey = dbKey.String
	b.FilesRemoteKey = filesKey.String
	b.Notes = notes.String
	b.ExpiresAt = timePtr(expiresAt)
	return b, nil
}
