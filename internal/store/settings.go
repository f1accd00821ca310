package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/dukerupert/upkeep/internal/model"
)

// KeyCurrentVersion holds the version of the application currently installed.
const KeyCurrentVersion = "current_version"

type SettingsStore struct {
	db *sql.DB
}

func NewSettingsStore(db *sql.DB) *SettingsStore {
	return &SettingsStore{db: db}
}

// Lookup returns the value for key and whether it was present.
func (s *SettingsStore) Lookup(key string) (string, bool, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get setting %q: %w", key, err)
	}
	return value, true, nil
}

// List returns every setting ordered by key.
func (s *SettingsStore) List() ([]model.Setting, error) {
	rows, err := s.db.Query(`SELECT key, value, updated_at FROM settings ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("list settings: %w", err)
	}
	defer rows.Close()

	var settings []model.Setting
	for rows.Next() {
		var st model.Setting
		if err := rows.Scan(&st.Key, &st.Value, &st.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan setting: %w", err)
		}
		settings = append(settings, st)
	}
	return settings, rows.Err()
}

func (s *SettingsStore) Set(key, value string) error {
	_, err := s.db.Exec(
		`INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("set setting %q: %w", key, err)
	}
	return nil
}

// CurrentVersion returns the installed application version.
func (s *SettingsStore) CurrentVersion() (string, error) {
	v, ok, err := s.Lookup(KeyCurrentVersion)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("setting %q not found", KeyCurrentVersion)
	}
	return v, nil
}

// SetCurrentVersion records a new installed version.
func (s *SettingsStore) SetCurrentVersion(version string) error {
	return s.Set(KeyCurrentVersion, version)
}

// EnsureCurrentVersion seeds the installed version on first start and returns
// whatever value is stored afterwards.
func (s *SettingsStore) EnsureCurrentVersion(fallback string) (string, error) {
	_, err := s.db.Exec(
		`INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?) ON CONFLICT(key) DO NOTHING`,
		KeyCurrentVersion, fallback, time.Now().UTC(),
	)
	if err != nil {
		return "", fmt.Errorf("seed current version: %w", err)
	}
	return s.CurrentVersion()
}
