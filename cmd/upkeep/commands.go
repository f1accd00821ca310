package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dukerupert/upkeep/internal/backup"
	"github.com/dukerupert/upkeep/internal/model"
	"github.com/dukerupert/upkeep/internal/update"
	"github.com/dustin/go-humanize"
)

func newFlagSet(a *app, name, args string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(a.errOut)
	fs.Usage = func() {
		fmt.Fprintf(a.errOut, "Usage: upkeep %s %s\n", name, args)
		fs.PrintDefaults()
	}
	return fs
}

func runCheck(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet(a, "check", "[-force]")
	force := fs.Bool("force", false, "query the release endpoint even if a recent result is cached")
	if err := fs.Parse(args); err != nil {
		return err
	}

	check, err := a.checker.CheckForUpdates(ctx, *force)
	if err != nil {
		return err
	}
	printCheck(a.out, check)
	if !check.Succeeded() {
		return fmt.Errorf("version check failed: %s", check.ErrorMessage)
	}
	return nil
}

func runUpdate(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet(a, "update", "[-version V] [-force] [-skip-backup] [-skip-maintenance] [-by NAME]")
	version := fs.String("version", "", "install this release instead of the latest")
	force := fs.Bool("force", false, "install even when the release is not newer")
	skipBackup := fs.Bool("skip-backup", false, "do not take a backup first (no rollback possible)")
	skipMaintenance := fs.Bool("skip-maintenance", false, "keep the application online during the update")
	by := fs.String("by", "", "operator recorded as having started the update")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var (
		check *model.VersionCheck
		err   error
	)
	if *version != "" {
		check, err = a.checker.CheckVersion(ctx, *version)
	} else {
		check, err = a.checker.CheckForUpdates(ctx, false)
	}
	if err != nil {
		return err
	}
	if !check.Succeeded() {
		return fmt.Errorf("version check failed: %s", check.ErrorMessage)
	}
	if !check.UpdateAvailable && !*force {
		fmt.Fprintf(a.out, "Already up to date (%s). Use -force to reinstall.\n", check.CurrentVersion)
		return nil
	}

	var initiatedBy *string
	if *by != "" {
		initiatedBy = by
	}
	fmt.Fprintf(a.out, "Updating %s -> %s\n", check.CurrentVersion, check.LatestVersion)
	u, err := a.updater.ApplyUpdate(ctx, check, initiatedBy, update.Options{
		SkipBackup:      *skipBackup,
		SkipMaintenance: *skipMaintenance,
	})
	if u != nil {
		printUpdate(a.out, u)
	}
	return err
}

func runRollback(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet(a, "rollback", "[-update ID]")
	id := fs.Int64("update", 0, "update to roll back (default: the latest completed one)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var (
		u   *model.SystemUpdate
		err error
	)
	if *id != 0 {
		u, err = a.updates.GetByID(*id)
	} else {
		u, err = a.updates.LatestCompleted()
	}
	if err != nil {
		return err
	}
	if u == nil {
		if *id != 0 {
			return fmt.Errorf("update %d not found", *id)
		}
		return errors.New("no completed update to roll back")
	}
	if ok, reason := a.updater.CanRollback(u); !ok {
		return &update.NotRollbackableError{Reason: reason}
	}

	fmt.Fprintf(a.out, "Rolling back update %d (%s -> %s)\n", u.ID, u.PreviousVersion, u.Version)
	rolled, err := a.updater.RollbackUpdate(ctx, u.ID)
	if rolled != nil {
		printUpdate(a.out, rolled)
	}
	return err
}

func runBackup(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet(a, "backup", "[-notes TEXT]")
	notes := fs.String("notes", "Manual backup", "description stored with the backup")
	if err := fs.Parse(args); err != nil {
		return err
	}

	version, err := a.settings.CurrentVersion()
	if err != nil {
		return err
	}
	b, err := a.backups.CreateBackup(ctx, backup.Request{Version: version, Notes: *notes})
	if err != nil {
		return err
	}
	printBackups(a.out, []model.UpdateBackup{*b})
	return nil
}

func runRestore(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet(a, "restore", "-id ID [-force]")
	id := fs.Int64("id", 0, "backup to restore")
	force := fs.Bool("force", false, "restore even while an update is recorded as active")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *id == 0 {
		fs.Usage()
		return errors.New("-id is required")
	}

	b, err := a.backups.Get(*id)
	if err != nil {
		return err
	}
	if b == nil {
		return fmt.Errorf("backup %d not found", *id)
	}
	if !b.IsRestorable {
		return fmt.Errorf("backup %d is not restorable", b.ID)
	}
	active, err := a.updates.Active()
	if err != nil {
		return err
	}
	if active != nil && !*force {
		return fmt.Errorf("update %d is %s; wait for it to finish or use -force", active.ID, active.Status)
	}

	fmt.Fprintf(a.out, "Restoring backup %d (version %s)\n", b.ID, b.Version)
	if err := a.backups.RestoreBackup(ctx, b); err != nil {
		return err
	}
	if b.Version != "" {
		if err := a.settings.SetCurrentVersion(b.Version); err != nil {
			return fmt.Errorf("record restored version: %w", err)
		}
	}
	fmt.Fprintln(a.out, "Restore complete.")
	return nil
}

func runCleanup(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet(a, "cleanup", "[-keep N]")
	keep := fs.Int("keep", a.cfg.Keep, "number of restorable backups to keep")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *keep < 1 {
		return fmt.Errorf("-keep must be at least 1, got %d", *keep)
	}

	res, err := a.backups.Cleanup(ctx, *keep)
	fmt.Fprintf(a.out, "Kept %d, deleted %d, failed %d.\n", res.Kept, res.Deleted, res.Failed)
	return err
}

func runRecover(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet(a, "recover", "[-force]")
	force := fs.Bool("force", false, "fail every active update, however recent its last progress")
	if err := fs.Parse(args); err != nil {
		return err
	}

	staleAfter := update.DefaultStaleAfter
	if *force {
		staleAfter = 0
	}
	recovered, err := a.updater.RecoverInterrupted(ctx, staleAfter)
	if err != nil {
		return err
	}
	if len(recovered) == 0 {
		if active, err := a.updates.Active(); err == nil && active != nil {
			fmt.Fprintf(a.out, "Update %d to %s is still %s; use -force if its process is gone.\n", active.ID, active.Version, active.Status)
			return nil
		}
		fmt.Fprintln(a.out, "No interrupted updates.")
		return nil
	}
	for _, u := range recovered {
		fmt.Fprintf(a.out, "Update %d to %s marked failed: %s\n", u.ID, u.Version, u.ErrorMessage)
	}
	return nil
}

func runStatus(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet(a, "status", "")
	limit := fs.Int("n", 5, "number of recent updates and backups to list")
	if err := fs.Parse(args); err != nil {
		return err
	}

	version, err := a.settings.CurrentVersion()
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "Installed version: %s\n", version)

	latest, err := a.checks.Latest()
	if err != nil {
		return err
	}
	if latest == nil {
		fmt.Fprintln(a.out, "Last check:        never")
	} else {
		fmt.Fprintf(a.out, "Last check:        %s\n", humanize.Time(latest.CheckedAt))
		printCheck(a.out, latest)
	}

	state, err := a.maintenance.Current()
	if err != nil {
		return err
	}
	if state == nil {
		fmt.Fprintln(a.out, "Maintenance:       off")
	} else {
		fmt.Fprintf(a.out, "Maintenance:       on since %s (%s)\n", humanize.Time(state.EngagedAt), state.Reason)
	}

	updates, err := a.updates.List(*limit)
	if err != nil {
		return err
	}
	fmt.Fprintln(a.out)
	fmt.Fprintln(a.out, "Recent updates:")
	tw := tabwriter.NewWriter(a.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tFROM\tTO\tSTATUS\tPROGRESS\tCREATED")
	for _, u := range updates {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%d%%\t%s\n",
			u.ID, u.PreviousVersion, u.Version, u.Status, u.ProgressPercent, humanize.Time(u.CreatedAt))
	}
	tw.Flush()

	backups, err := a.backups.List(*limit)
	if err != nil {
		return err
	}
	fmt.Fprintln(a.out)
	fmt.Fprintf(a.out, "Recent backups (%s):\n", a.backups.Status().State)
	printBackups(a.out, backups)
	return nil
}

func printCheck(w io.Writer, c *model.VersionCheck) {
	switch {
	case !c.Succeeded():
		fmt.Fprintf(w, "Check failed: %s\n", c.ErrorMessage)
	case c.UpdateAvailable:
		fmt.Fprintf(w, "Update available: %s -> %s\n", c.CurrentVersion, c.LatestVersion)
		if info := c.ReleaseInfo; info != nil && info.Size > 0 {
			fmt.Fprintf(w, "Download size:    %s\n", humanize.IBytes(uint64(info.Size)))
		}
	default:
		fmt.Fprintf(w, "Up to date: %s (latest %s)\n", c.CurrentVersion, c.LatestVersion)
	}
}

func printUpdate(w io.Writer, u *model.SystemUpdate) {
	fmt.Fprintf(w, "Update %d: %s -> %s, %s (%d%%)\n", u.ID, u.PreviousVersion, u.Version, u.Status, u.ProgressPercent)
	if u.StartedAt != nil && u.CompletedAt != nil {
		fmt.Fprintf(w, "Took %s\n", u.CompletedAt.Sub(*u.StartedAt).Round(time.Second))
	}
	if u.ErrorMessage != "" {
		fmt.Fprintf(w, "Error: %s\n", u.ErrorMessage)
	}
	if u.RollbackError != "" {
		fmt.Fprintf(w, "Rollback error: %s\n", u.RollbackError)
	}
}

func printBackups(w io.Writer, backups []model.UpdateBackup) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tVERSION\tTYPE\tSIZE\tRESTORABLE\tCREATED\tNOTES")
	for _, b := range backups {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%t\t%s\t%s\n",
			b.ID, b.Version, b.BackupType, humanize.IBytes(uint64(b.TotalSize)),
			b.IsRestorable, humanize.Time(b.CreatedAt), strings.ReplaceAll(b.Notes, "\n", " "))
	}
	tw.Flush()
}
