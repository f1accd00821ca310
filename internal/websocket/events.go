package websocket

import (
	"github.com/dukerupert/upkeep/internal/backup"
	"github.com/dukerupert/upkeep/internal/model"
	"github.com/dukerupert/upkeep/internal/update"
)

// UpdateMessage wraps an update progress event. The action is the update's
// status.
func UpdateMessage(e update.Event) Message {
	return NewMessage("update", string(e.Status), e.UpdateID, e)
}

// BackupMessage wraps a backup service status change.
func BackupMessage(s backup.Status) Message {
	action := string(s.State)
	if s.InProgress && s.Operation != "" {
		action = s.Operation
	}
	return NewMessage("backup", action, 0, s)
}

// VersionCheckMessage announces the result of a version check.
func VersionCheckMessage(c *model.VersionCheck) Message {
	return NewMessage("version_check", string(c.CheckStatus), c.ID, c)
}
