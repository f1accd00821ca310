// Package scheduler runs the engine's periodic jobs: version checks,
// optional automatic updates and backup retention.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dukerupert/upkeep/internal/backup"
	"github.com/dukerupert/upkeep/internal/model"
	"github.com/dukerupert/upkeep/internal/update"
	"github.com/robfig/cron/v3"
)

const (
	DefaultCheckSchedule   = "0 */6 * * *"
	DefaultCleanupSchedule = "30 3 * * *"
)

// Checker is implemented by *checker.Service.
type Checker interface {
	CheckForUpdates(ctx context.Context, force bool) (*model.VersionCheck, error)
}

// Updater is implemented by *update.Service.
type Updater interface {
	ApplyUpdate(ctx context.Context, check *model.VersionCheck, initiatedBy *string, opts update.Options) (*model.SystemUpdate, error)
}

// Cleaner is implemented by *backup.Service.
type Cleaner interface {
	Cleanup(ctx context.Context, keep int) (backup.CleanupResult, error)
}

// CheckPruner is implemented by *store.VersionCheckStore.
type CheckPruner interface {
	Prune(before time.Time) (int64, error)
}

// Config holds job schedules in standard five-field cron syntax. An empty
// schedule disables the job.
type Config struct {
	CheckSchedule   string
	CleanupSchedule string
	// AutoUpdate applies an available update right after a scheduled check.
	AutoUpdate bool
	Keep       int
	// CheckRetention prunes version check records older than this during
	// cleanup. Zero keeps them forever.
	CheckRetention time.Duration
}

// Jobs are the collaborators the scheduled jobs call. Updater, Cleaner and
// Checks may be nil when their job is not configured.
type Jobs struct {
	Checker Checker
	Updater Updater
	Cleaner Cleaner
	Checks  CheckPruner
	// OnCheck receives every scheduled check result.
	OnCheck func(*model.VersionCheck)
}

type Scheduler struct {
	cfg    Config
	jobs   Jobs
	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger

	mu      sync.Mutex
	running bool
	now     func() time.Time
}

// New registers the configured jobs. It fails on an invalid schedule.
func New(cfg Config, jobs Jobs, logger *slog.Logger) (*Scheduler, error) {
	cl := cronLogger{logger}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cfg:    cfg,
		jobs:   jobs,
		cron:   cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl))),
		ctx:    ctx,
		cancel: cancel,
		logger: logger,
		now:    time.Now,
	}

	if cfg.CheckSchedule != "" && jobs.Checker != nil {
		if err := s.Add(cfg.CheckSchedule, "version-check", s.runCheck); err != nil {
			return nil, err
		}
	}
	if cfg.CleanupSchedule != "" && (jobs.Cleaner != nil || jobs.Checks != nil) {
		if err := s.Add(cfg.CleanupSchedule, "cleanup", s.runCleanup); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Add registers an extra job. Jobs never overlap with themselves; a run that
// is still going when the next one is due makes the next one skip.
func (s *Scheduler) Add(spec, name string, fn func(context.Context) error) error {
	_, err := s.cron.AddFunc(spec, func() {
		start := s.now()
		if err := fn(s.ctx); err != nil {
			s.logger.Error("scheduled job failed", "job", name, "error", err)
			return
		}
		s.logger.Debug("scheduled job finished", "job", name, "duration", s.now().Sub(start))
	})
	if err != nil {
		return fmt.Errorf("schedule %s (%q): %w", name, spec, err)
	}
	s.logger.Info("job scheduled", "job", name, "schedule", spec)
	return nil
}

// Start begins running jobs in the background.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.cron.Start()
	s.running = true
}

// Stop cancels running jobs and waits for them to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancel()
	if !s.running {
		return
	}
	<-s.cron.Stop().Done()
	s.running = false
}

// Entries reports how many jobs are registered.
func (s *Scheduler) Entries() int {
	return len(s.cron.Entries())
}

func (s *Scheduler) runCheck(ctx context.Context) error {
	check, err := s.jobs.Checker.CheckForUpdates(ctx, false)
	if err != nil {
		return fmt.Errorf("check for updates: %w", err)
	}
	if s.jobs.OnCheck != nil {
		s.jobs.OnCheck(check)
	}
	if !check.Succeeded() {
		return fmt.Errorf("check for updates: %s", check.ErrorMessage)
	}
	if !check.UpdateAvailable || !s.cfg.AutoUpdate || s.jobs.Updater == nil {
		return nil
	}

	s.logger.Info("applying update automatically", "version", check.LatestVersion)
	u, err := s.jobs.Updater.ApplyUpdate(ctx, check, nil, update.Options{})
	if errors.Is(err, update.ErrUpdateInProgress) {
		s.logger.Info("automatic update skipped, another update is running")
		return nil
	}
	if err != nil {
		outcome := update.OutcomeOf(err)
		if outcome.NeedsIntervention() {
			s.logger.Error("automatic update left the installation broken", "outcome", outcome)
		}
		return fmt.Errorf("automatic update to %s: %w", check.LatestVersion, err)
	}
	s.logger.Info("automatic update completed", "update_id", u.ID, "version", u.Version)
	return nil
}

func (s *Scheduler) runCleanup(ctx context.Context) error {
	var errs []error
	if s.jobs.Cleaner != nil {
		res, err := s.jobs.Cleaner.Cleanup(ctx, s.cfg.Keep)
		if err != nil {
			errs = append(errs, fmt.Errorf("backup cleanup: %w", err))
		} else {
			s.logger.Info("backup cleanup complete", "kept", res.Kept, "deleted", res.Deleted, "failed", res.Failed)
		}
	}
	if s.jobs.Checks != nil && s.cfg.CheckRetention > 0 {
		n, err := s.jobs.Checks.Prune(s.now().Add(-s.cfg.CheckRetention))
		if err != nil {
			errs = append(errs, fmt.Errorf("prune version checks: %w", err))
		} else if n > 0 {
			s.logger.Info("old version checks pruned", "count", n)
		}
	}
	return errors.Join(errs...)
}

// cronLogger sends the cron library's own messages to slog.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
