package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/dukerupert/upkeep/internal/backup"
	"github.com/dukerupert/upkeep/internal/checker"
	"github.com/dukerupert/upkeep/internal/config"
	"github.com/dukerupert/upkeep/internal/database"
	"github.com/dukerupert/upkeep/internal/dbdump"
	"github.com/dukerupert/upkeep/internal/lock"
	"github.com/dukerupert/upkeep/internal/maintenance"
	"github.com/dukerupert/upkeep/internal/proc"
	"github.com/dukerupert/upkeep/internal/store"
	"github.com/dukerupert/upkeep/internal/update"
	ws "github.com/dukerupert/upkeep/internal/websocket"
	goredis "github.com/redis/go-redis/v9"
)

// app is the wired engine shared by every command.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	out    io.Writer
	errOut io.Writer

	db            *sql.DB
	redis         *goredis.Client
	hub           *ws.Hub
	settings      *store.SettingsStore
	updates       *store.SystemUpdateStore
	checks        *store.VersionCheckStore
	notifications *store.NotificationStore

	checker     *checker.Service
	backups     *backup.Service
	updater     *update.Service
	maintenance *maintenance.FileController
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger, out, errOut io.Writer) (*app, error) {
	db, err := database.Open(cfg.StateDB)
	if err != nil {
		return nil, fmt.Errorf("open state database: %w", err)
	}
	a := &app{
		cfg:           cfg,
		logger:        logger,
		out:           out,
		errOut:        errOut,
		db:            db,
		hub:           ws.NewHub(logger),
		settings:      store.NewSettingsStore(db),
		updates:       store.NewSystemUpdateStore(db),
		checks:        store.NewVersionCheckStore(db),
		notifications: store.NewNotificationStore(db),
		maintenance:   maintenance.NewFileController(cfg.MaintenanceFile, cfg.RetryAfter),
	}
	if err := a.wire(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire(ctx context.Context) error {
	cfg := a.cfg

	version, err := a.settings.EnsureCurrentVersion(cfg.AppVersion)
	if err != nil {
		return fmt.Errorf("read installed version: %w", err)
	}
	a.logger.Debug("installed version", "version", version)

	operators := store.NewOperatorStore(a.db)
	for _, identity := range cfg.Operators {
		if err := operators.Upsert(identity); err != nil {
			return fmt.Errorf("register operator %s: %w", identity, err)
		}
	}

	runner := &proc.ExecRunner{Timeout: cfg.CommandTimeout}
	required := append([]string(nil), cfg.RequiredCommands...)

	var dumper backup.DatabaseDumper
	if cfg.Database.Engine != "" {
		d := dbdump.New(runner, a.logger)
		required = append(required, d.RequiredCommands(cfg.Database)...)
		dumper = d
	}

	protected := append(database.Files(cfg.StateDB), a.maintenance.Files()...)

	a.backups = backup.NewService(backup.Config{
		BackupDir: cfg.BackupDir,
		AppRoot:   cfg.AppRoot,
		Exclude:   cfg.Exclude,
		Protected: protected,
		Database:  cfg.Database,
		SkipFiles: !cfg.BackupFiles,
		Prune:     true,
		Expiry:    cfg.BackupExpiry,
		S3:        cfg.S3,
	}, store.NewUpdateBackupStore(a.db), dumper, a.logger, func(s backup.Status) {
		a.hub.Broadcast(ws.BackupMessage(s))
	})

	a.checker = checker.NewService(checker.Config{
		ReleaseURL:      cfg.ReleaseURL,
		ReleaseByTagURL: cfg.ReleaseByTagURL,
		Token:           cfg.ReleaseToken,
		CacheTTL:        cfg.CheckTTL,
		Retries:         cfg.DownloadRetries,
	}, a.checks, a.settings, a.notifications, a.logger)

	var migrator update.Migrator
	switch cfg.MigrateMode {
	case config.MigrateGoose:
		migrator = &update.GooseMigrator{Conn: cfg.Database, Dir: cfg.MigrationsPath(), Logger: a.logger}
	case config.MigrateCommand:
		migrator = &update.CommandMigrator{
			Runner:  runner,
			Command: proc.Command{Name: cfg.MigrateCommand[0], Args: cfg.MigrateCommand[1:], Dir: cfg.AppRoot},
		}
		required = append(required, cfg.MigrateCommand[0])
	}
	for _, hook := range cfg.Hooks {
		required = append(required, hook.Name)
	}

	var locker lock.Locker
	if cfg.RedisAddr != "" {
		rdb, err := lock.DialRedis(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return err
		}
		a.redis = rdb
		locker = lock.NewRedis(rdb, "", a.logger)
	}

	a.updater = update.NewService(update.Config{
		AppRoot:     cfg.AppRoot,
		DownloadDir: cfg.DownloadDir,
		TempDir:     cfg.TempDir,
		BackupDir:   cfg.BackupDir,
		Exclude:     cfg.Exclude,
		Protected:   protected,
		Token:       cfg.ReleaseToken,
		Preflight: update.PreflightConfig{
			MinRuntime:   cfg.MinRuntime,
			Commands:     required,
			MinFreeSpace: cfg.MinFreeSpace,
			WritableDirs: cfg.WritableDirs,
		},
		Hooks:           cfg.Hooks,
		HookTimeout:     cfg.HookTimeout,
		DownloadTimeout: cfg.DownloadTimeout,
		DownloadRetries: cfg.DownloadRetries,
	}, update.Deps{
		Updates:     a.updates,
		Versions:    a.settings,
		Notifier:    a.notifications,
		Backups:     a.backups,
		Maintenance: a.maintenance,
		Runner:      runner,
		Migrator:    migrator,
		Locker:      locker,
		Progress: func(e update.Event) {
			a.hub.Broadcast(ws.UpdateMessage(e))
		},
	}, a.logger)

	if _, err := a.updater.RecoverInterrupted(ctx, update.DefaultStaleAfter); err != nil {
		a.logger.Warn("failed to check for interrupted updates", "error", err)
	}
	return nil
}

func (a *app) Close() error {
	var errs []error
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	errs = append(errs, a.db.Close())
	return errors.Join(errs...)
}
