// Package backup takes and restores full backups of the host application: a
// database dump plus an archive of its file tree.
package backup

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dukerupert/upkeep/internal/archive"
	"github.com/dukerupert/upkeep/internal/dbdump"
	"github.com/dukerupert/upkeep/internal/model"
	"github.com/dukerupert/upkeep/internal/store"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
)

const (
	DefaultExpiry = 30 * 24 * time.Hour
	DefaultKeep   = 3

	databaseFile = "database.sql"
	filesFile    = "files.zip"
)

// BackupFailedError wraps whatever stopped a backup from being taken. No
// record exists for a failed backup.
type BackupFailedError struct {
	Err error
}

func (e *BackupFailedError) Error() string { return "backup failed: " + e.Err.Error() }
func (e *BackupFailedError) Unwrap() error { return e.Err }

// RestoreFailedError wraps whatever stopped a restore. The database or file
// tree may be partially restored.
type RestoreFailedError struct {
	Err error
}

func (e *RestoreFailedError) Error() string { return "restore failed: " + e.Err.Error() }
func (e *RestoreFailedError) Unwrap() error { return e.Err }

// DatabaseDumper is implemented by *dbdump.Dumper.
type DatabaseDumper interface {
	Dump(ctx context.Context, conn dbdump.Connection, outPath string) (string, error)
	Restore(ctx context.Context, conn dbdump.Connection, compressedPath string) error
}

// Config holds backup service configuration.
type Config struct {
	// BackupDir receives one directory per backup.
	BackupDir string
	// AppRoot is the tree archived by file backups.
	AppRoot string
	// Exclude lists paths relative to AppRoot left out of file backups and
	// left alone by restores.
	Exclude []string
	// Protected are absolute paths (or glob patterns) of files the engine
	// owns, such as its state database. Inside AppRoot they are never
	// archived, overwritten or pruned.
	Protected []string
	// Database is dumped when its Engine is set.
	Database dbdump.Connection
	// SkipFiles disables the file-tree half.
	SkipFiles bool
	// Prune makes file restores delete files absent from the archive.
	Prune  bool
	Expiry time.Duration
	S3     S3Config
}

// State represents the backup service state.
type State string

const (
	StateIdle    State = "idle"
	StateRunning State = "running"
	StateError   State = "error"
)

// Status holds the current backup service status.
type Status struct {
	State      State      `json:"state"`
	Operation  string     `json:"operation,omitempty"`
	LastBackup *time.Time `json:"last_backup,omitempty"`
	Error      string     `json:"error,omitempty"`
	InProgress bool       `json:"in_progress"`
	Offsite    bool       `json:"offsite"`
}

// StatusCallback is called whenever the backup state changes.
type StatusCallback func(Status)

// Request describes the backup to take.
type Request struct {
	UpdateID      *int64
	Version       string
	TargetVersion string
	Notes         string
}

// CleanupResult summarises a retention run.
type CleanupResult struct {
	Kept    int `json:"kept"`
	Deleted int `json:"deleted"`
	Failed  int `json:"failed"`
}

// Service takes, restores and prunes backups. Operations are serialised.
type Service struct {
	opMu sync.Mutex

	mu       sync.RWMutex
	status   Status
	callback StatusCallback

	cfg    Config
	store  *store.UpdateBackupStore
	dumper DatabaseDumper
	remote *mirror
	logger *slog.Logger
}

// NewService creates a backup service.
func NewService(cfg Config, bs *store.UpdateBackupStore, dumper DatabaseDumper, logger *slog.Logger, callback StatusCallback) *Service {
	if cfg.Expiry <= 0 {
		cfg.Expiry = DefaultExpiry
	}
	s := &Service{
		cfg:      cfg,
		store:    bs,
		dumper:   dumper,
		remote:   newMirror(cfg.S3),
		logger:   logger,
		callback: callback,
	}
	s.status = Status{State: StateIdle, Offsite: s.remote != nil}
	return s
}

// Status returns the current backup status.
func (s *Service) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

func (s *Service) setStatus(fn func(*Status)) {
	s.mu.Lock()
	fn(&s.status)
	st := s.status
	s.mu.Unlock()
	if s.callback != nil {
		s.callback(st)
	}
}

func (s *Service) begin(op string) {
	s.setStatus(func(st *Status) {
		st.State = StateRunning
		st.Operation = op
		st.InProgress = true
		st.Error = ""
	})
}

func (s *Service) finish(err error) {
	s.setStatus(func(st *Status) {
		st.InProgress = false
		st.Operation = ""
		if err != nil {
			st.State = StateError
			st.Error = err.Error()
			return
		}
		st.State = StateIdle
	})
}

// CreateBackup dumps the database and archives the file tree into a new
// backup directory, then records it. The record is only written once every
// artifact exists; on failure the directory is removed and
// *BackupFailedError is returned.
func (s *Service) CreateBackup(ctx context.Context, req Request) (*model.UpdateBackup, error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.begin("backup")
	b, err := s.createBackup(ctx, req)
	s.finish(err)
	if err != nil {
		return nil, err
	}
	s.setStatus(func(st *Status) { st.LastBackup = &b.CreatedAt })
	return b, nil
}

func (s *Service) createBackup(ctx context.Context, req Request) (*model.UpdateBackup, error) {
	if s.cfg.Database.Engine == "" && s.cfg.SkipFiles {
		return nil, &BackupFailedError{Err: errors.New("nothing to back up: database and files are both disabled")}
	}

	token := uuid.NewString()
	dir := filepath.Join(s.cfg.BackupDir, token)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, &BackupFailedError{Err: fmt.Errorf("create backup dir: %w", err)}
	}

	b, err := s.writeArtifacts(ctx, token, dir, req)
	if err != nil {
		os.RemoveAll(dir)
		return nil, &BackupFailedError{Err: err}
	}

	if s.remote != nil {
		s.mirrorArtifacts(ctx, b)
	}

	if err := s.store.Create(b); err != nil {
		os.RemoveAll(dir)
		s.deleteRemote(context.WithoutCancel(ctx), b)
		return nil, &BackupFailedError{Err: err}
	}

	s.logger.Info("backup created",
		"backup_id", b.ID,
		"version", b.Version,
		"size", humanize.Bytes(uint64(b.TotalSize)),
		"path", dir,
	)
	return b, nil
}

func (s *Service) writeArtifacts(ctx context.Context, token, dir string, req Request) (*model.UpdateBackup, error) {
	now := time.Now().UTC()
	expires := now.Add(s.cfg.Expiry)
	b := &model.UpdateBackup{
		UpdateID:      req.UpdateID,
		Token:         token,
		Version:       req.Version,
		TargetVersion: req.TargetVersion,
		BackupType:    model.BackupTypeFull,
		Notes:         req.Notes,
		CreatedAt:     now,
		ExpiresAt:     &expires,
	}

	if s.cfg.Database.Engine != "" {
		path, err := s.dumper.Dump(ctx, s.cfg.Database, filepath.Join(dir, databaseFile))
		if err != nil {
			return nil, err
		}
		b.DatabaseBackupPath = path
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if !s.cfg.SkipFiles {
		out := filepath.Join(dir, filesFile)
		if _, err := archive.BackupTree(ctx, s.cfg.AppRoot, out, archive.TreeOptions{
			Exclude: s.fileExclusions(),
			Logger:  s.logger,
		}); err != nil {
			return nil, err
		}
		b.FilesBackupPath = out
	}

	var total int64
	for _, p := range b.Paths() {
		fi, err := os.Stat(p)
		if err != nil {
			return nil, fmt.Errorf("stat artifact: %w", err)
		}
		total += fi.Size()
	}
	b.TotalSize = total

	if !b.FilesExist() {
		return nil, errors.New("backup artifacts missing or empty after write")
	}
	b.IsRestorable = true
	return b, nil
}

// fileExclusions adds the backup directory and the engine's own files to the
// configured exclusions when they live inside the application tree.
func (s *Service) fileExclusions() []string {
	exclude := append([]string(nil), s.cfg.Exclude...)
	exclude = append(exclude, archive.Protect(s.cfg.AppRoot, append([]string{s.cfg.BackupDir}, s.cfg.Protected...))...)
	return exclude
}

// mirrorArtifacts uploads encrypted copies. Failures are logged: the local
// copy is what a rollback needs.
func (s *Service) mirrorArtifacts(ctx context.Context, b *model.UpdateBackup) {
	if b.DatabaseBackupPath != "" {
		key, err := s.remote.upload(ctx, b.Token, b.DatabaseBackupPath)
		if err != nil {
			s.logger.Warn("off-site copy of database dump failed", "token", b.Token, "error", err)
		} else {
			b.DatabaseRemoteKey = key
		}
	}
	if b.FilesBackupPath != "" {
		key, err := s.remote.upload(ctx, b.Token, b.FilesBackupPath)
		if err != nil {
			s.logger.Warn("off-site copy of file archive failed", "token", b.Token, "error", err)
		} else {
			b.FilesRemoteKey = key
		}
	}
}

// RestoreBackup restores the database half, then the file half. Artifacts
// missing locally are fetched from the off-site mirror first. There is no
// backup of the state being overwritten.
func (s *Service) RestoreBackup(ctx context.Context, b *model.UpdateBackup) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.begin("restore")
	err := s.restoreBackup(ctx, b)
	s.finish(err)
	return err
}

func (s *Service) restoreBackup(ctx context.Context, b *model.UpdateBackup) error {
	if b == nil {
		return &RestoreFailedError{Err: errors.New("no backup given")}
	}
	if !b.IsRestorable {
		return &RestoreFailedError{Err: fmt.Errorf("backup %d is not restorable", b.ID)}
	}
	if err := s.fetchMissing(ctx, b); err != nil {
		return &RestoreFailedError{Err: err}
	}
	if !b.FilesExist() {
		return &RestoreFailedError{Err: fmt.Errorf("backup %d artifacts are missing", b.ID)}
	}

	if b.DatabaseBackupPath != "" {
		if s.cfg.Database.Engine == "" {
			return &RestoreFailedError{Err: errors.New("backup has a database dump but no database is configured")}
		}
		if err := s.dumper.Restore(ctx, s.cfg.Database, b.DatabaseBackupPath); err != nil {
			return &RestoreFailedError{Err: err}
		}
	}

	if b.FilesBackupPath != "" {
		if err := archive.RestoreTree(ctx, b.FilesBackupPath, s.cfg.AppRoot, archive.RestoreOptions{
			Exclude: s.fileExclusions(),
			Prune:   s.cfg.Prune,
			Logger:  s.logger,
		}); err != nil {
			return &RestoreFailedError{Err: err}
		}
	}

	s.logger.Info("backup restored", "backup_id", b.ID, "version", b.Version)
	return nil
}

func (s *Service) fetchMissing(ctx context.Context, b *model.UpdateBackup) error {
	pairs := []struct{ local, key string }{
		{b.DatabaseBackupPath, b.DatabaseRemoteKey},
		{b.FilesBackupPath, b.FilesRemoteKey},
	}
	for _, p := range pairs {
		if p.local == "" {
			continue
		}
		if fi, err := os.Stat(p.local); err == nil && fi.Size() > 0 {
			continue
		}
		if p.key == "" || s.remote == nil {
			continue
		}
		s.logger.Info("fetching artifact from off-site copy", "backup_id", b.ID, "key", p.key)
		if err := s.remote.download(ctx, p.key, p.local); err != nil {
			return err
		}
	}
	return nil
}

// Cleanup keeps the newest keep backups and deletes the rest, artifacts
// first. A backup whose artifacts cannot be deleted keeps its record and is
// counted as failed; the run carries on with the next one.
func (s *Service) Cleanup(ctx context.Context, keep int) (CleanupResult, error) {
	var res CleanupResult
	if keep < 1 {
		return res, fmt.Errorf("keep must be at least 1, got %d", keep)
	}

	s.opMu.Lock()
	defer s.opMu.Unlock()

	backups, err := s.store.List(0)
	if err != nil {
		return res, fmt.Errorf("list backups: %w", err)
	}
	if len(backups) <= keep {
		res.Kept = len(backups)
		return res, nil
	}
	res.Kept = keep

	for _, b := range backups[keep:] {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if err := s.deleteArtifacts(ctx, &b); err != nil {
			s.logger.Warn("failed to delete backup artifacts", "backup_id", b.ID, "error", err)
			res.Failed++
			continue
		}
		if err := s.store.Delete(b.ID); err != nil {
			s.logger.Warn("failed to delete backup record", "backup_id", b.ID, "error", err)
			res.Failed++
			continue
		}
		res.Deleted++
	}

	s.logger.Info("backup cleanup finished", "kept", res.Kept, "deleted", res.Deleted, "failed", res.Failed)
	return res, nil
}

func (s *Service) deleteArtifacts(ctx context.Context, b *model.UpdateBackup) error {
	dirs := map[string]bool{}
	for _, p := range b.Paths() {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		dirs[filepath.Dir(p)] = true
	}
	for d := range dirs {
		// Only the per-backup directory, and only once it is empty.
		if filepath.Base(d) == b.Token {
			os.Remove(d)
		}
	}
	return s.deleteRemote(ctx, b)
}

func (s *Service) deleteRemote(ctx context.Context, b *model.UpdateBackup) error {
	if s.remote == nil {
		return nil
	}
	for _, key := range []string{b.DatabaseRemoteKey, b.FilesRemoteKey} {
		if key == "" {
			continue
		}
		if err := s.remote.delete(ctx, key); err != nil {
			return err
		}
	}
	return nil
}

// List returns backups newest first.
func (s *Service) List(limit int) ([]model.UpdateBackup, error) {
	return s.store.List(limit)
}

// Get returns a backup by id, or nil if it does not exist.
func (s *Service) Get(id int64) (*model.UpdateBackup, error) {
	return s.store.GetByID(id)
}
