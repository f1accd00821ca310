package update

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dukerupert/upkeep/internal/lock"
	"github.com/dukerupert/upkeep/internal/model"
	"github.com/dukerupert/upkeep/internal/store"
)

// DefaultStaleAfter is how long an active update may go without recording
// progress before its process is taken to be gone.
const DefaultStaleAfter = defaultLockTTL

// RecoverInterrupted marks updates failed whose process stopped before they
// finished, so the guard stops refusing new updates. Nothing is touched while
// the update lock is held. Updates that recorded progress within staleAfter
// are left alone; zero takes every active update. No restore is attempted:
// the error message names the backup to restore by hand.
func (s *Service) RecoverInterrupted(ctx context.Context, staleAfter time.Duration) ([]model.SystemUpdate, error) {
	lease, err := s.locker.Acquire(ctx, lockKey, s.cfg.LockTTL)
	if errors.Is(err, lock.ErrLocked) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("acquire update lock: %w", err)
	}
	defer func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			s.logger.Warn("failed to release update lock", "error", err)
		}
	}()

	active, err := s.updates.ListActive()
	if err != nil {
		return nil, err
	}
	cutoff := time.Now().Add(-staleAfter)

	var recovered []model.SystemUpdate
	for _, u := range active {
		if staleAfter > 0 && u.UpdatedAt.After(cutoff) {
			s.logger.Info("active update still recent, leaving it", "update_id", u.ID, "updated_at", u.UpdatedAt)
			continue
		}
		msg := interruptedMessage(&u)
		err := s.updates.Transition(u.ID, model.UpdateStatusFailed, store.Progress{
			Percent: u.ProgressPercent,
			Message: "Update interrupted",
			Error:   msg,
		})
		var te *store.TransitionError
		if errors.As(err, &te) {
			continue
		}
		if err != nil {
			return recovered, err
		}

		s.logger.Warn("marked interrupted update failed",
			"update_id", u.ID,
			"version", u.Version,
			"last_status", u.Status,
			"last_message", u.ProgressMessage,
		)
		s.notify(model.Notification{
			Kind:  model.NotificationUpdateFailed,
			Title: "Update interrupted",
			Body:  fmt.Sprintf("Update to %s was interrupted: %s", u.Version, msg),
			Data:  map[string]any{"update_id": u.ID, "version": u.Version, "step": "interrupted", "error": msg},
		})
		s.emit(Event{UpdateID: u.ID, Version: u.Version, Status: model.UpdateStatusFailed, Percent: u.ProgressPercent, Error: msg})

		u.Status = model.UpdateStatusFailed
		u.ErrorMessage = msg
		recovered = append(recovered, u)
	}

	if len(recovered) > 0 && s.maintenance != nil && s.maintenance.IsEngaged() {
		s.logger.Warn("maintenance mode is still engaged after an interrupted update; disengage it once the installation is checked")
	}
	return recovered, nil
}

func interruptedMessage(u *model.SystemUpdate) string {
	msg := fmt.Sprintf("interrupted while %s", u.Status)
	if u.ProgressMessage != "" {
		msg += fmt.Sprintf(" (%s)", u.ProgressMessage)
	}
	if u.BackupInfo != nil && u.BackupInfo.BackupID != 0 {
		msg += fmt.Sprintf("; backup %d was not restored", u.BackupInfo.BackupID)
	}
	return msg
}
