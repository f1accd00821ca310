package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/dukerupert/upkeep/internal/model"
)

type OperatorStore struct {
	db *sql.DB
}

func NewOperatorStore(db *sql.DB) *OperatorStore {
	return &OperatorStore{db: db}
}

// Upsert registers an operator identity if it is not already known.
func (s *OperatorStore) Upsert(identity string) error {
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return fmt.Errorf("operator identity is required")
	}
	_, err := s.db.Exec(
		`INSERT INTO operators (identity, created_at) VALUES (?, ?) ON CONFLICT(identity) DO NOTHING`,
		identity, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("upsert operator %q: %w", identity, err)
	}
	return nil
}

func (s *OperatorStore) List() ([]model.Operator, error) {
	rows, err := s.db.Query(`SELECT id, identity, created_at FROM operators ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list operators: %w", err)
	}
	defer rows.Close()

	var ops []model.Operator
	for rows.Next() {
		var op model.Operator
		if err := rows.Scan(&op.ID, &op.Identity, &op.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan operator: %w", err)
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}
