package model

import "time"

type NotificationKind string

const (
	NotificationUpdateAvailable NotificationKind = "update_available"
	NotificationUpdateCompleted NotificationKind = "update_completed"
	NotificationUpdateFailed    NotificationKind = "update_failed"
)

// Notification is written once per operator for a delivery service to pick up.
type Notification struct {
	ID        int64            `json:"id"`
	Operator  string           `json:"operator"`
	Kind      NotificationKind `json:"kind"`
	Title     string           `json:"title"`
	Body      string           `json:"body"`
	Data      map[string]any   `json:"data,omitempty"`
	ReadAt    *time.Time       `json:"read_at,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
}

// Operator is an account that receives update notifications.
type Operator struct {
	ID        int64     `json:"id"`
	Identity  string    `json:"identity"`
	CreatedAt time.Time `json:"created_at"`
}
