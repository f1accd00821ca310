package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/dukerupert/upkeep/internal/model"
)

type NotificationStore struct {
	db *sql.DB
}

func NewNotificationStore(db *sql.DB) *NotificationStore {
	return &NotificationStore{db: db}
}

// NotifyOperators writes one copy of n for every registered operator and
// returns how many were written.
func (s *NotificationStore) NotifyOperators(n model.Notification) (int, error) {
	data, err := jsonColumn(n.Data)
	if err != nil {
		return 0, err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin notify: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.Query(`SELECT identity FROM operators ORDER BY id`)
	if err != nil {
		return 0, fmt.Errorf("select operators: %w", err)
	}
	var identities []string
	for rows.Next() {
		var identity string
		if err := rows.Scan(&identity); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan operator: %w", err)
		}
		identities = append(identities, identity)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	now := time.Now().UTC()
	for _, identity := range identities {
		if _, err := tx.Exec(
			`INSERT INTO notifications (operator, kind, title, body, data, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
			identity, n.Kind, n.Title, n.Body, data, now,
		); err != nil {
			return 0, fmt.Errorf("insert notification: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit notify: %w", err)
	}
	return len(identities), nil
}

// List returns the newest notifications, optionally filtered to one operator.
func (s *NotificationStore) List(operator string, limit int) ([]model.Notification, error) {
	query := `SELECT id, operator, kind, title, body, data, read_at, created_at FROM notifications`
	args := []any{}
	if operator != "" {
		query += ` WHERE operator = ?`
		args = append(args, operator)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	var out []model.Notification
	for rows.Next() {
		var n model.Notification
		var data sql.NullString
		var readAt sql.NullTime
		if err := rows.Scan(&n.ID, &n.Operator, &n.Kind, &n.Title, &n.Body, &data, &readAt, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		if err := decodeJSONColumn(data, &n.Data); err != nil {
			return nil, err
		}
		n.ReadAt = timePtr(readAt)
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *NotificationStore) MarkRead(id int64) error {
	_, err := s.db.Exec(`UPDATE notifications SET read_at = ? WHERE id = ? AND read_at IS NULL`, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("mark notification %d read: %w", id, err)
	}
	return nil
}
