package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/dukerupert/upkeep/internal/model"
)

type VersionCheckStore struct {
	db *sql.DB
}

func NewVersionCheckStore(db *sql.DB) *VersionCheckStore {
	return &VersionCheckStore{db: db}
}

const versionCheckColumns = `id, current_version, latest_version, update_available, check_status, release_info, error_message, checked_at`

func (s *VersionCheckStore) Create(c *model.VersionCheck) error {
	if c.CheckedAt.IsZero() {
		c.CheckedAt = time.Now().UTC()
	}
	info, err := jsonColumn(c.ReleaseInfo)
	if err != nil {
		return err
	}
	result, err := s.db.Exec(
		`INSERT INTO version_checks (current_version, latest_version, update_available, check_status, release_info, error_message, checked_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.CurrentVersion, nullString(c.LatestVersion), c.UpdateAvailable, c.CheckStatus, info, nullString(c.ErrorMessage), c.CheckedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("create version check: %w", err)
	}
	c.ID, _ = result.LastInsertId()
	return nil
}

// Latest returns the most recent check of any status, or nil if none exist.
func (s *VersionCheckStore) Latest() (*model.VersionCheck, error) {
	row := s.db.QueryRow(`SELECT ` + versionCheckColumns + ` FROM version_checks ORDER BY checked_at DESC, id DESC LIMIT 1`)
	return scanVersionCheck(row)
}

// LatestSuccessful returns the newest successful check made while
// currentVersion was installed, or nil.
func (s *VersionCheckStore) LatestSuccessful(currentVersion string) (*model.VersionCheck, error) {
	row := s.db.QueryRow(
		`SELECT `+versionCheckColumns+` FROM version_checks
		 WHERE check_status = ? AND current_version = ?
		 ORDER BY checked_at DESC, id DESC LIMIT 1`,
		model.CheckStatusSuccess, currentVersion,
	)
	return scanVersionCheck(row)
}

func (s *VersionCheckStore) List(limit int) ([]model.VersionCheck, error) {
	rows, err := s.db.Query(`SELECT `+versionCheckColumns+` FROM version_checks ORDER BY checked_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list version checks: %w", err)
	}
	defer rows.Close()

	var checks []model.VersionCheck
	for rows.Next() {
		c, err := scanVersionCheck(rows)
		if err != nil {
			return nil, err
		}
		checks = append(checks, *c)
	}
	return checks, rows.Err()
}

// Prune deletes checks older than the cutoff and returns how many were removed.
func (s *VersionCheckStore) Prune(before time.Time) (int64, error) {
	result, err := s.db.Exec(`DELETE FROM version_checks WHERE checked_at < ?`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("prune version checks: %w", err)
	}
	return result.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanVersionCheck(row rowScanner) (*model.VersionCheck, error) {
	c := &model.VersionCheck{}
	var latest, info, errMsg sql.NullString
	err := row.Scan(&c.ID, &c.CurrentVersion, &latest, &c.UpdateAvailable, &c.CheckStatus, &info, &errMsg, &c.CheckedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan version check: %w", err)
	}
	c.LatestVersion = latest.String
	c.ErrorMessage = errMsg.String
	if info.Valid {
		c.ReleaseInfo = &model.ReleaseInfo{}
		if err := decodeJSONColumn(info, c.ReleaseInfo); err != nil {
			return nil, err
		}
	}
	return c, nil
}
