// Package update applies a new release of the host application: it checks the
// environment, takes a backup, downloads and verifies the release, merges it
// into the application tree and migrates the database. A failure after the
// backup restores it.
package update

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/dukerupert/upkeep/internal/archive"
	"github.com/dukerupert/upkeep/internal/backup"
	"github.com/dukerupert/upkeep/internal/checker"
	"github.com/dukerupert/upkeep/internal/checksum"
	"github.com/dukerupert/upkeep/internal/lock"
	"github.com/dukerupert/upkeep/internal/maintenance"
	"github.com/dukerupert/upkeep/internal/model"
	"github.com/dukerupert/upkeep/internal/proc"
	"github.com/dukerupert/upkeep/internal/store"
)

const (
	lockKey            = "update"
	defaultLockTTL     = 2 * time.Hour
	defaultDownloadTTL = 30 * time.Minute
)

// Config holds update service configuration.
type Config struct {
	AppRoot     string
	DownloadDir string
	TempDir     string
	// BackupDir is never overwritten by a merge.
	BackupDir string
	// Exclude lists paths relative to AppRoot that a merge never touches.
	Exclude []string
	// Protected are absolute paths (or glob patterns) of files the engine
	// owns. A merge never writes them.
	Protected []string
	// Token is sent as a bearer token with artifact downloads.
	Token           string
	Preflight       PreflightConfig
	Hooks           []proc.Command
	HookTimeout     time.Duration
	DownloadTimeout time.Duration
	DownloadRetries uint64
	RetryBase       time.Duration
	LockTTL         time.Duration
}

// Backups is implemented by *backup.Service.
type Backups interface {
	CreateBackup(ctx context.Context, req backup.Request) (*model.UpdateBackup, error)
	RestoreBackup(ctx context.Context, b *model.UpdateBackup) error
	Get(id int64) (*model.UpdateBackup, error)
}

// VersionStore reads and writes the installed version. Implemented by
// *store.SettingsStore.
type VersionStore interface {
	CurrentVersion() (string, error)
	SetCurrentVersion(version string) error
}

// Notifier is implemented by *store.NotificationStore.
type Notifier interface {
	NotifyOperators(n model.Notification) (int, error)
}

// Event reports progress of an update or rollback.
type Event struct {
	UpdateID int64              `json:"update_id"`
	Version  string             `json:"version"`
	Status   model.UpdateStatus `json:"status"`
	Percent  int                `json:"percent"`
	Message  string             `json:"message,omitempty"`
	Error    string             `json:"error,omitempty"`
}

// ProgressFunc receives every progress event.
type ProgressFunc func(Event)

// Deps are the collaborators of the update service. Migrator, Locker and
// Progress are optional.
type Deps struct {
	Updates     *store.SystemUpdateStore
	Versions    VersionStore
	Notifier    Notifier
	Backups     Backups
	Maintenance maintenance.Controller
	Runner      proc.Runner
	Migrator    Migrator
	Locker      lock.Locker
	Progress    ProgressFunc
}

// Options adjust a single update.
type Options struct {
	SkipBackup      bool
	SkipMaintenance bool
}

// Service applies and rolls back updates.
type Service struct {
	cfg         Config
	updates     *store.SystemUpdateStore
	versions    VersionStore
	notifier    Notifier
	backups     Backups
	maintenance maintenance.Controller
	runner      proc.Runner
	migrator    Migrator
	locker      lock.Locker
	progress    ProgressFunc
	httpClient  *http.Client
	logger      *slog.Logger

	freeSpace freeSpaceFunc
	goVersion func() string
}

// NewService creates an update service.
func NewService(cfg Config, deps Deps, logger *slog.Logger) *Service {
	if cfg.TempDir == "" {
		cfg.TempDir = os.TempDir()
	}
	if cfg.HookTimeout == 0 {
		cfg.HookTimeout = DefaultHookTimeout
	}
	if cfg.DownloadTimeout == 0 {
		cfg.DownloadTimeout = defaultDownloadTTL
	}
	if cfg.RetryBase == 0 {
		cfg.RetryBase = time.Second
	}
	if cfg.LockTTL == 0 {
		cfg.LockTTL = defaultLockTTL
	}
	locker := deps.Locker
	if locker == nil {
		locker = lock.NewLocal()
	}
	return &Service{
		cfg:         cfg,
		updates:     deps.Updates,
		versions:    deps.Versions,
		notifier:    deps.Notifier,
		backups:     deps.Backups,
		maintenance: deps.Maintenance,
		runner:      deps.Runner,
		migrator:    deps.Migrator,
		locker:      locker,
		progress:    deps.Progress,
		httpClient:  &http.Client{Timeout: cfg.DownloadTimeout},
		logger:      logger,
		freeSpace:   diskFree,
		goVersion:   runtime.Version,
	}
}

// DeriveUpdateType compares dotted version components from the left. The
// first differing component decides: major, minor, then patch. Versions
// that differ only further right, or not at all, are hotfixes.
func DeriveUpdateType(current, target string) model.UpdateType {
	a := versionParts(current)
	b := versionParts(target)
	n := max(len(a), len(b))
	for i := 0; i < n; i++ {
		if partAt(a, i) == partAt(b, i) {
			continue
		}
		switch i {
		case 0:
			return model.UpdateTypeMajor
		case 1:
			return model.UpdateTypeMinor
		case 2:
			return model.UpdateTypePatch
		}
		return model.UpdateTypeHotfix
	}
	return model.UpdateTypeHotfix
}

func versionParts(v string) []string {
	v = checker.StripV(v)
	v, _, _ = strings.Cut(v, "+")
	if v == "" {
		return nil
	}
	return strings.Split(v, ".")
}

// partAt returns component i, with missing components reading as "0" and
// numeric components normalised so "01" equals "1".
func partAt(parts []string, i int) string {
	if i >= len(parts) {
		return "0"
	}
	if n, err := strconv.Atoi(parts[i]); err == nil {
		return strconv.Itoa(n)
	}
	return parts[i]
}

// run tracks how far one update got, for the failure handler.
type run struct {
	update     *model.SystemUpdate
	step       string
	percent    int
	backup     *model.UpdateBackup
	touched    bool
	engaged    bool
	archive    string
	extractDir string
}

// ApplyUpdate installs the release described by check. It returns the final
// update record. When the update fails after its record was created the
// error is a *Failure; use OutcomeOf to tell whether the installation was
// left untouched, rolled back or needs repair.
func (s *Service) ApplyUpdate(ctx context.Context, check *model.VersionCheck, initiatedBy *string, opts Options) (*model.SystemUpdate, error) {
	r, release, err := s.begin(ctx, check, initiatedBy)
	if err != nil {
		return nil, err
	}
	defer release()
	return s.finish(ctx, r, opts)
}

// StartUpdate creates the update record and runs the update in the
// background. The returned record is a snapshot taken before any step ran;
// done receives the result of the run and is then closed.
func (s *Service) StartUpdate(ctx context.Context, check *model.VersionCheck, initiatedBy *string, opts Options) (*model.SystemUpdate, <-chan error, error) {
	r, release, err := s.begin(ctx, check, initiatedBy)
	if err != nil {
		return nil, nil, err
	}
	snapshot := *r.update
	done := make(chan error, 1)
	go func() {
		defer close(done)
		defer release()
		_, err := s.finish(ctx, r, opts)
		done <- err
	}()
	return &snapshot, done, nil
}

// begin takes the update lock and creates the pending record. The returned
// release func gives the lock back.
func (s *Service) begin(ctx context.Context, check *model.VersionCheck, initiatedBy *string) (*run, func(), error) {
	if check == nil || !check.Succeeded() || check.LatestVersion == "" {
		return nil, nil, errors.New("no successful version check to apply")
	}

	lease, err := s.locker.Acquire(ctx, lockKey, s.cfg.LockTTL)
	if errors.Is(err, lock.ErrLocked) {
		return nil, nil, ErrUpdateInProgress
	}
	if err != nil {
		return nil, nil, fmt.Errorf("acquire update lock: %w", err)
	}
	release := func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			s.logger.Warn("failed to release update lock", "error", err)
		}
	}

	current, err := s.versions.CurrentVersion()
	if err != nil {
		release()
		return nil, nil, fmt.Errorf("read current version: %w", err)
	}
	target := checker.StripV(check.LatestVersion)

	u := &model.SystemUpdate{
		Version:         target,
		PreviousVersion: current,
		UpdateType:      DeriveUpdateType(current, target),
		InitiatedBy:     initiatedBy,
	}
	if info := check.ReleaseInfo; info != nil {
		u.Changelog = info.Changelog
		u.DownloadURL = info.DownloadURL
		u.Checksum = info.Checksum
		u.DownloadSize = info.Size
	}

	created, err := s.updates.CreateIfIdle(u)
	if err != nil {
		release()
		return nil, nil, err
	}
	if !created {
		release()
		return nil, nil, ErrUpdateInProgress
	}
	s.logger.Info("update started",
		"update_id", u.ID,
		"from", current,
		"to", target,
		"type", u.UpdateType,
	)
	s.emit(Event{UpdateID: u.ID, Version: u.Version, Status: u.Status, Message: "Update queued"})
	return &run{update: u}, release, nil
}

func (s *Service) finish(ctx context.Context, r *run, opts Options) (*model.SystemUpdate, error) {
	defer s.cleanupWorkdir(r)

	if err := s.execute(ctx, r, opts); err != nil {
		failure := s.handleFailure(ctx, r, err)
		return s.reload(r.update), failure
	}
	return s.reload(r.update), nil
}

func (s *Service) execute(ctx context.Context, r *run, opts Options) error {
	u := r.update

	if err := s.step(ctx, r, "preflight", "", 5, "Running pre-flight checks"); err != nil {
		return err
	}
	if err := s.preflight(); err != nil {
		return err
	}

	if !opts.SkipMaintenance && s.maintenance != nil {
		if err := s.step(ctx, r, "maintenance", "", 10, "Entering maintenance mode"); err != nil {
			return err
		}
		if s.maintenance.IsEngaged() {
			// Someone else's window; it stays up after a successful update.
			s.logger.Info("maintenance mode already engaged", "update_id", u.ID)
		} else {
			if err := s.maintenance.Engage("Updating to version " + u.Version); err != nil {
				return fmt.Errorf("engage maintenance mode: %w", err)
			}
			r.engaged = true
		}
	}

	if !opts.SkipBackup {
		if err := s.step(ctx, r, "backup", "", 15, "Creating backup"); err != nil {
			return err
		}
		b, err := s.backups.CreateBackup(ctx, backup.Request{
			UpdateID:      &u.ID,
			Version:       u.PreviousVersion,
			TargetVersion: u.Version,
			Notes:         "Automatic backup before update to " + u.Version,
		})
		if err != nil {
			return err
		}
		r.backup = b
		info := b.Info()
		if err := s.updates.SetBackupInfo(u.ID, info); err != nil {
			return err
		}
		u.BackupInfo = info
	}

	if err := s.step(ctx, r, "download", model.UpdateStatusDownloading, 25, "Downloading release"); err != nil {
		return err
	}
	r.archive = filepath.Join(s.cfg.DownloadDir, fmt.Sprintf("upkeep-%d-%s.zip", u.ID, sanitize(u.Version)))
	if _, err := s.download(ctx, u.DownloadURL, r.archive); err != nil {
		return err
	}

	if err := s.step(ctx, r, "verify", "", 40, "Verifying checksum"); err != nil {
		return err
	}
	if _, err := checksum.Verify(r.archive, u.Checksum, s.logger); err != nil {
		return err
	}

	if err := s.step(ctx, r, "extract", model.UpdateStatusInstalling, 50, "Extracting release"); err != nil {
		return err
	}
	if err := os.MkdirAll(s.cfg.TempDir, 0o755); err != nil {
		return fmt.Errorf("create temp dir: %w", err)
	}
	dir, err := os.MkdirTemp(s.cfg.TempDir, "upkeep-extract-*")
	if err != nil {
		return fmt.Errorf("create extraction dir: %w", err)
	}
	r.extractDir = dir
	root, err := archive.Extract(r.archive, dir)
	if err != nil {
		return err
	}

	if err := s.step(ctx, r, "apply", "", 60, "Applying files"); err != nil {
		return err
	}
	r.touched = true
	n, err := mergeTree(ctx, root, s.cfg.AppRoot, s.mergeExclusions())
	if err != nil {
		return fmt.Errorf("apply files: %w", err)
	}
	s.logger.Info("release files applied", "update_id", u.ID, "files", n)

	if s.migrator != nil {
		if err := s.step(ctx, r, "migrate", "", 75, "Running migrations"); err != nil {
			return err
		}
		if err := s.migrator.Migrate(ctx); err != nil {
			return &MigrationError{Err: err}
		}
	}

	if len(s.cfg.Hooks) > 0 {
		if err := s.step(ctx, r, "hooks", "", 85, "Running post-update hooks"); err != nil {
			return err
		}
		if failed := s.runHooks(ctx, u.Version); failed > 0 {
			s.logger.Warn("some post-update hooks failed", "update_id", u.ID, "failed", failed)
		}
	}

	if err := s.step(ctx, r, "version", "", 95, "Recording new version"); err != nil {
		return err
	}
	if err := s.versions.SetCurrentVersion(u.Version); err != nil {
		return fmt.Errorf("set current version: %w", err)
	}

	if r.engaged {
		s.report(r, 98, "Leaving maintenance mode")
		if err := s.maintenance.Disengage(); err != nil {
			s.logger.Error("failed to leave maintenance mode", "update_id", u.ID, "error", err)
		} else {
			r.engaged = false
		}
	}

	r.step = "complete"
	if err := s.updates.Transition(u.ID, model.UpdateStatusCompleted, store.Progress{
		Percent: 100,
		Message: "Update completed",
	}); err != nil {
		return err
	}
	r.percent = 100
	s.emit(Event{UpdateID: u.ID, Version: u.Version, Status: model.UpdateStatusCompleted, Percent: 100, Message: "Update completed"})
	s.logger.Info("update completed", "update_id", u.ID, "version", u.Version)

	s.notify(model.Notification{
		Kind:  model.NotificationUpdateCompleted,
		Title: "Update completed",
		Body:  fmt.Sprintf("Updated from %s to %s.", u.PreviousVersion, u.Version),
		Data:  map[string]any{"update_id": u.ID, "version": u.Version, "previous_version": u.PreviousVersion},
	})
	return nil
}

// step is a cancellation checkpoint followed by a progress report. A
// non-empty status moves the record to that status.
func (s *Service) step(ctx context.Context, r *run, name string, status model.UpdateStatus, percent int, msg string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("update cancelled before %s: %w", name, err)
	}
	r.step = name
	if status != "" {
		if err := s.updates.Transition(r.update.ID, status, store.Progress{Percent: percent, Message: msg}); err != nil {
			return err
		}
		r.update.Status = status
		r.percent = percent
		s.emit(Event{UpdateID: r.update.ID, Version: r.update.Version, Status: status, Percent: percent, Message: msg})
		return nil
	}
	s.report(r, percent, msg)
	return nil
}

func (s *Service) report(r *run, percent int, msg string) {
	r.percent = percent
	if err := s.updates.UpdateProgress(r.update.ID, percent, msg); err != nil {
		s.logger.Warn("failed to record progress", "update_id", r.update.ID, "error", err)
	}
	s.emit(Event{UpdateID: r.update.ID, Version: r.update.Version, Status: r.update.Status, Percent: percent, Message: msg})
}

func (s *Service) emit(e Event) {
	if s.progress != nil {
		s.progress(e)
	}
}

func (s *Service) notify(n model.Notification) {
	if s.notifier == nil {
		return
	}
	if _, err := s.notifier.NotifyOperators(n); err != nil {
		s.logger.Warn("failed to write notifications", "kind", n.Kind, "error", err)
	}
}

// handleFailure marks the update failed, notifies operators, restores the
// pre-update backup when there is one and leaves maintenance mode. The
// original error is kept in the returned *Failure.
func (s *Service) handleFailure(ctx context.Context, r *run, cause error) *Failure {
	ctx = context.WithoutCancel(ctx)
	u := r.update
	f := &Failure{UpdateID: u.ID, Step: r.step, Err: cause}

	s.logger.Error("update failed", "update_id", u.ID, "step", r.step, "error", cause)
	if err := s.updates.Transition(u.ID, model.UpdateStatusFailed, store.Progress{
		Percent: r.percent,
		Message: "Update failed during " + r.step,
		Error:   cause.Error(),
	}); err != nil {
		s.logger.Error("failed to mark update failed", "update_id", u.ID, "error", err)
	}
	u.Status = model.UpdateStatusFailed
	s.emit(Event{UpdateID: u.ID, Version: u.Version, Status: model.UpdateStatusFailed, Percent: r.percent, Error: cause.Error()})

	s.notify(model.Notification{
		Kind:  model.NotificationUpdateFailed,
		Title: "Update failed",
		Body:  fmt.Sprintf("Update to %s failed during %s: %v", u.Version, r.step, cause),
		Data:  map[string]any{"update_id": u.ID, "version": u.Version, "step": r.step, "error": cause.Error()},
	})

	switch {
	case r.backup != nil:
		if err := s.restore(ctx, u, r.backup); err != nil {
			f.Outcome = OutcomeRollbackFailed
			f.RollbackErr = err
			s.logger.Error("ROLLBACK FAILED, manual intervention required",
				"update_id", u.ID,
				"backup_id", r.backup.ID,
				"update_error", cause,
				"rollback_error", err,
			)
			if err := s.updates.SetRollbackError(u.ID, err.Error()); err != nil {
				s.logger.Error("failed to record rollback error", "update_id", u.ID, "error", err)
			}
		} else {
			f.Outcome = OutcomeRolledBack
		}
	case r.touched:
		f.Outcome = OutcomeUnrecovered
		s.logger.Error("update failed after files were changed and no backup was taken",
			"update_id", u.ID)
	default:
		f.Outcome = OutcomeUntouched
	}

	if s.maintenance != nil && s.maintenance.IsEngaged() {
		if err := s.maintenance.Disengage(); err != nil {
			s.logger.Error("failed to leave maintenance mode", "update_id", u.ID, "error", err)
		}
	}
	return f
}

// restore puts the backup back, resets the installed version and marks the
// update rolled back.
func (s *Service) restore(ctx context.Context, u *model.SystemUpdate, b *model.UpdateBackup) error {
	s.logger.Info("rolling back update", "update_id", u.ID, "backup_id", b.ID)
	s.emit(Event{UpdateID: u.ID, Version: u.Version, Status: u.Status, Message: "Restoring backup"})

	if err := s.backups.RestoreBackup(ctx, b); err != nil {
		return err
	}
	if u.PreviousVersion != "" {
		if err := s.versions.SetCurrentVersion(u.PreviousVersion); err != nil {
			return fmt.Errorf("reset current version: %w", err)
		}
	}
	if err := s.updates.Transition(u.ID, model.UpdateStatusRolledBack, store.Progress{
		Percent: 100,
		Message: "Rolled back to " + u.PreviousVersion,
	}); err != nil {
		return err
	}
	u.Status = model.UpdateStatusRolledBack
	s.emit(Event{UpdateID: u.ID, Version: u.Version, Status: u.Status, Percent: 100, Message: "Rolled back to " + u.PreviousVersion})
	s.logger.Info("update rolled back", "update_id", u.ID, "version", u.PreviousVersion)
	return nil
}

// CanRollback reports whether a completed update can be reverted. When it
// cannot, the reason says why.
func (s *Service) CanRollback(u *model.SystemUpdate) (bool, string) {
	_, reason := s.rollbackBackup(u)
	return reason == "", reason
}

func (s *Service) rollbackBackup(u *model.SystemUpdate) (*model.UpdateBackup, string) {
	if u == nil {
		return nil, "update not found"
	}
	if u.Status != model.UpdateStatusCompleted {
		return nil, fmt.Sprintf("update is %s, only completed updates can be rolled back", u.Status)
	}
	if u.BackupInfo == nil || u.BackupInfo.BackupID == 0 {
		return nil, "update has no backup"
	}
	b, err := s.backups.Get(u.BackupInfo.BackupID)
	if err != nil {
		return nil, fmt.Sprintf("load backup: %v", err)
	}
	if b == nil {
		return nil, fmt.Sprintf("backup %d no longer exists", u.BackupInfo.BackupID)
	}
	if !b.IsRestorable {
		return nil, fmt.Sprintf("backup %d is not restorable", b.ID)
	}
	return b, ""
}

// RollbackUpdate reverts a completed update from its pre-update backup.
// Maintenance mode is held for the duration of the restore and released
// even when the restore fails. A window engaged beforehand is left as it is.
func (s *Service) RollbackUpdate(ctx context.Context, updateID int64) (*model.SystemUpdate, error) {
	lease, err := s.locker.Acquire(ctx, lockKey, s.cfg.LockTTL)
	if errors.Is(err, lock.ErrLocked) {
		return nil, ErrUpdateInProgress
	}
	if err != nil {
		return nil, fmt.Errorf("acquire update lock: %w", err)
	}
	defer func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			s.logger.Warn("failed to release update lock", "error", err)
		}
	}()

	u, err := s.updates.GetByID(updateID)
	if err != nil {
		return nil, err
	}
	b, reason := s.rollbackBackup(u)
	if reason != "" {
		return u, &NotRollbackableError{Reason: reason}
	}

	if s.maintenance != nil && !s.maintenance.IsEngaged() {
		if err := s.maintenance.Engage("Rolling back update to " + u.PreviousVersion); err != nil {
			return u, fmt.Errorf("engage maintenance mode: %w", err)
		}
		defer func() {
			if err := s.maintenance.Disengage(); err != nil {
				s.logger.Error("failed to leave maintenance mode", "update_id", u.ID, "error", err)
			}
		}()
	}

	if err := s.restore(ctx, u, b); err != nil {
		s.logger.Error("rollback failed", "update_id", u.ID, "backup_id", b.ID, "error", err)
		if serr := s.updates.SetRollbackError(u.ID, err.Error()); serr != nil {
			s.logger.Error("failed to record rollback error", "update_id", u.ID, "error", serr)
		}
		return s.reload(u), err
	}
	return s.reload(u), nil
}

// mergeExclusions adds the engine's own directories and files to the
// configured exclusions when they live inside the application tree.
func (s *Service) mergeExclusions() []string {
	exclude := append([]string(nil), s.cfg.Exclude...)
	own := append([]string{s.cfg.BackupDir, s.cfg.DownloadDir, s.cfg.TempDir}, s.cfg.Protected...)
	return append(exclude, archive.Protect(s.cfg.AppRoot, own)...)
}

func (s *Service) cleanupWorkdir(r *run) {
	if r.archive != "" {
		if err := os.Remove(r.archive); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("failed to remove downloaded release", "path", r.archive, "error", err)
		}
		os.Remove(r.archive + ".part")
	}
	if r.extractDir != "" {
		if err := os.RemoveAll(r.extractDir); err != nil {
			s.logger.Warn("failed to remove extraction dir", "path", r.extractDir, "error", err)
		}
	}
}

// reload returns the stored record, falling back to the in-memory copy.
func (s *Service) reload(u *model.SystemUpdate) *model.SystemUpdate {
	fresh, err := s.updates.GetByID(u.ID)
	if err != nil || fresh == nil {
		return u
	}
	return fresh
}

func sanitize(v string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			return r
		}
		return '_'
	}, v)
}
