package update

import (
	"errors"
	"fmt"
)

// ErrUpdateInProgress is returned when another update is already active.
var ErrUpdateInProgress = errors.New("an update is already in progress")

// PreflightError reports an environment check that failed before anything
// was changed.
type PreflightError struct {
	Reason string
}

func (e *PreflightError) Error() string { return "preflight check failed: " + e.Reason }

// DownloadError reports a failed artifact download. StatusCode is zero when
// the failure was not an HTTP status.
type DownloadError struct {
	StatusCode int
	Err        error
}

func (e *DownloadError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("download failed: server returned status %d", e.StatusCode)
	}
	if e.Err == nil {
		return "download failed"
	}
	return "download failed: " + e.Err.Error()
}

func (e *DownloadError) Unwrap() error { return e.Err }

// MigrationError wraps a failed schema migration.
type MigrationError struct {
	Err error
}

func (e *MigrationError) Error() string { return "migration failed: " + e.Err.Error() }
func (e *MigrationError) Unwrap() error { return e.Err }

// NotRollbackableError is returned when an update cannot be rolled back.
type NotRollbackableError struct {
	Reason string
}

func (e *NotRollbackableError) Error() string { return "update cannot be rolled back: " + e.Reason }

// Outcome describes the state the system was left in by a failed update.
type Outcome int

const (
	// OutcomeUntouched means the update failed before the application was
	// changed. Retrying is safe.
	OutcomeUntouched Outcome = iota
	// OutcomeRolledBack means the application was changed and then restored
	// from the pre-update backup.
	OutcomeRolledBack
	// OutcomeRollbackFailed means the restore from backup also failed.
	OutcomeRollbackFailed
	// OutcomeUnrecovered means the application was changed and there was no
	// backup to restore.
	OutcomeUnrecovered
)

func (o Outcome) String() string {
	switch o {
	case OutcomeUntouched:
		return "untouched"
	case OutcomeRolledBack:
		return "rolled_back"
	case OutcomeRollbackFailed:
		return "rollback_failed"
	case OutcomeUnrecovered:
		return "unrecovered"
	}
	return "unknown"
}

// NeedsIntervention reports whether an operator has to repair the
// installation by hand.
func (o Outcome) NeedsIntervention() bool {
	return o == OutcomeRollbackFailed || o == OutcomeUnrecovered
}

// Failure is returned by ApplyUpdate. It wraps the error that stopped the
// update, so errors.As still finds the original kind, and records what
// happened afterwards.
type Failure struct {
	UpdateID    int64
	Step        string
	Err         error
	Outcome     Outcome
	RollbackErr error
}

func (f *Failure) Error() string {
	msg := fmt.Sprintf("update %d failed during %s: %v", f.UpdateID, f.Step, f.Err)
	switch f.Outcome {
	case OutcomeRolledBack:
		msg += " (rolled back)"
	case OutcomeRollbackFailed:
		msg += fmt.Sprintf(" (rollback failed: %v)", f.RollbackErr)
	case OutcomeUnrecovered:
		msg += " (no backup to roll back to)"
	}
	return msg
}

func (f *Failure) Unwrap() error { return f.Err }

// OutcomeOf classifies an error returned by ApplyUpdate. Errors that are not
// a *Failure happened before any record was written and count as untouched.
func OutcomeOf(err error) Outcome {
	var f *Failure
	if errors.As(err, &f) {
		return f.Outcome
	}
	return OutcomeUntouched
}
