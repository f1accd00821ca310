package update

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dukerupert/upkeep/internal/backup"
	"github.com/dukerupert/upkeep/internal/checksum"
	"github.com/dukerupert/upkeep/internal/database"
	"github.com/dukerupert/upkeep/internal/dbdump"
	"github.com/dukerupert/upkeep/internal/lock"
	"github.com/dukerupert/upkeep/internal/logging"
	"github.com/dukerupert/upkeep/internal/maintenance"
	"github.com/dukerupert/upkeep/internal/model"
	"github.com/dukerupert/upkeep/internal/proc"
	"github.com/dukerupert/upkeep/internal/store"
	"github.com/klauspost/compress/zip"
)

const testToken = "release-token"

type fakeRunner struct {
	mu      sync.Mutex
	missing map[string]bool
	runErr  error
	ran     []proc.Command
}

func (f *fakeRunner) LookPath(name string) (string, error) {
	if f.missing[name] {
		return "", exec.ErrNotFound
	}
	return "/usr/bin/" + name, nil
}

func (f *fakeRunner) Run(_ context.Context, cmd proc.Command) (proc.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ran = append(f.ran, cmd)
	if f.runErr != nil {
		return proc.Result{ExitCode: 1}, f.runErr
	}
	return proc.Result{}, nil
}

// funcMigrator adapts a function to Migrator.
type funcMigrator func(ctx context.Context) error

func (m funcMigrator) Migrate(ctx context.Context) error { return m(ctx) }

type failingDumper struct{}

func (failingDumper) Dump(context.Context, dbdump.Connection, string) (string, error) {
	return "", &dbdump.DumpFailedError{ExitCode: 127, Stderr: "mysqldump: not found", Err: exec.ErrNotFound}
}

func (failingDumper) Restore(context.Context, dbdump.Connection, string) error {
	return errors.New("not implemented")
}

type testEnv struct {
	svc         *Service
	updates     *store.SystemUpdateStore
	settings    *store.SettingsStore
	notes       *store.NotificationStore
	backups     *store.UpdateBackupStore
	backupSvc   *backup.Service
	maint       *maintenance.FileController
	runner      *fakeRunner
	root        string
	statePath   string
	dbPath      string
	downloadDir string
	releaseZip  []byte
	releaseHits atomic.Int32
	releaseURL  string
	events      []Event
	eventsMu    sync.Mutex
}

type envOptions struct {
	dumper   backup.DatabaseDumper
	migrator Migrator
	hooks    []proc.Command
	// stateInRoot keeps the state database as a file inside the
	// application root instead of in memory.
	stateInRoot bool
}

func setupEnv(t *testing.T, opts envOptions) *testEnv {
	t.Helper()
	root := t.TempDir()
	statePath := database.Memory
	if opts.stateInRoot {
		statePath = filepath.Join(root, "upkeep.db")
	}
	db, err := database.Open(statePath)
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	env := &testEnv{
		updates:     store.NewSystemUpdateStore(db),
		settings:    store.NewSettingsStore(db),
		notes:       store.NewNotificationStore(db),
		backups:     store.NewUpdateBackupStore(db),
		runner:      &fakeRunner{missing: map[string]bool{}},
		root:        root,
		statePath:   statePath,
		downloadDir: t.TempDir(),
	}
	if err := env.settings.SetCurrentVersion("2.1.0"); err != nil {
		t.Fatalf("set version: %v", err)
	}
	if err := store.NewOperatorStore(db).Upsert("ops@example.com"); err != nil {
		t.Fatalf("add operator: %v", err)
	}

	writeFiles(t, env.root, map[string]string{
		"index.php":    "v1 index",
		"lib/util.php": "v1 util",
		".env":         "APP_KEY=secret",
	})
	env.dbPath = filepath.Join(t.TempDir(), "app.db")
	if err := os.WriteFile(env.dbPath, []byte("v1 database"), 0o644); err != nil {
		t.Fatalf("write db: %v", err)
	}

	env.releaseZip = buildRelease(t, map[string]string{
		"app-2.2.0/index.php":    "v2 index",
		"app-2.2.0/lib/util.php": "v2 util",
		"app-2.2.0/new.php":      "v2 new",
		"app-2.2.0/.env":         "APP_KEY=from-release",
	})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		env.releaseHits.Add(1)
		if r.Header.Get("Authorization") != "Bearer "+testToken {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if r.URL.Path != "/release.zip" {
			http.NotFound(w, r)
			return
		}
		w.Write(env.releaseZip)
	}))
	t.Cleanup(srv.Close)
	env.releaseURL = srv.URL + "/release.zip"

	logger := logging.Discard()
	dumper := opts.dumper
	if dumper == nil {
		dumper = dbdump.New(env.runner, logger)
	}
	env.maint = maintenance.NewFileController(filepath.Join(t.TempDir(), "maintenance.json"), time.Minute)
	protected := append(database.Files(statePath), env.maint.Files()...)

	env.backupSvc = backup.NewService(backup.Config{
		BackupDir: filepath.Join(env.root, "storage", "backups"),
		AppRoot:   env.root,
		Exclude:   []string{".env"},
		Protected: protected,
		Database:  dbdump.Connection{Engine: dbdump.EngineSQLite, Path: env.dbPath},
		Prune:     true,
	}, env.backups, dumper, logger, nil)

	env.svc = NewService(Config{
		AppRoot:     env.root,
		DownloadDir: env.downloadDir,
		TempDir:     t.TempDir(),
		BackupDir:   filepath.Join(env.root, "storage", "backups"),
		Exclude:     []string{".env"},
		Protected:   protected,
		Token:       testToken,
		Preflight: PreflightConfig{
			MinRuntime:   "1.21",
			Commands:     []string{"unzip"},
			WritableDirs: []string{env.root},
		},
		Hooks:     opts.hooks,
		RetryBase: time.Millisecond,
	}, Deps{
		Updates:     env.updates,
		Versions:    env.settings,
		Notifier:    env.notes,
		Backups:     env.backupSvc,
		Maintenance: env.maint,
		Runner:      env.runner,
		Migrator:    opts.migrator,
		Progress: func(e Event) {
			env.eventsMu.Lock()
			env.events = append(env.events, e)
			env.eventsMu.Unlock()
		},
	}, logger)
	env.svc.freeSpace = func(string) (uint64, bool, error) { return 1 << 40, true, nil }
	env.svc.goVersion = func() string { return "go1.25.4" }
	return env
}

func (env *testEnv) check(sum string) *model.VersionCheck {
	return &model.VersionCheck{
		CurrentVersion:  "2.1.0",
		LatestVersion:   "2.2.0",
		UpdateAvailable: true,
		CheckStatus:     model.CheckStatusSuccess,
		ReleaseInfo: &model.ReleaseInfo{
			Version:     "2.2.0",
			DownloadURL: env.releaseURL,
			Checksum:    sum,
			Changelog:   "New things",
		},
		CheckedAt: time.Now().UTC(),
	}
}

func (env *testEnv) releaseSum() string {
	sum := sha256.Sum256(env.releaseZip)
	return hex.EncodeToString(sum[:])
}

func (env *testEnv) percents() []int {
	env.eventsMu.Lock()
	defer env.eventsMu.Unlock()
	var out []int
	for _, e := range env.events {
		out = append(out, e.Percent)
	}
	return out
}

func buildRelease(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range files {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatalf("create entry %s: %v", name, err)
		}
		if _, err := w.Write([]byte(content)); err != nil {
			t.Fatalf("write entry %s: %v", name, err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("close zip: %v", err)
	}
	return buf.Bytes()
}

func writeFiles(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		p := filepath.Join(root, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
}

// snapshot maps relative path to content for every file under root, leaving
// out the backup directory.
func snapshot(t *testing.T, root string) map[string]string {
	t.Helper()
	out := map[string]string{}
	err := filepath.Walk(root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, _ := filepath.Rel(root, p)
		rel = filepath.ToSlash(rel)
		if rel == "storage/backups" {
			return filepath.SkipDir
		}
		if info.Mode().IsRegular() {
			data, err := os.ReadFile(p)
			if err != nil {
				return err
			}
			out[rel] = string(data)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	return out
}

func assertSameTree(t *testing.T, got, want map[string]string) {
	t.Helper()
	if len(got) != len(want) {
		t.Errorf("tree has %d files, want %d: %v", len(got), len(want), got)
	}
	for name, content := range want {
		if got[name] != content {
			t.Errorf("%s = %q, want %q", name, got[name], content)
		}
	}
}

func readString(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return string(data)
}

func TestDeriveUpdateType(t *testing.T) {
	tests := []struct {
		current, target string
		want            model.UpdateType
	}{
		{"2.1.0", "2.1.1", model.UpdateTypePatch},
		{"2.1.0", "3.0.0", model.UpdateTypeMajor},
		{"2.1.0", "2.2.0", model.UpdateTypeMinor},
		{"v2.1.0", "2.2.0", model.UpdateTypeMinor},
		{"2.1.0", "2.1.0.1", model.UpdateTypeHotfix},
		{"2.1.0", "2.1.0", model.UpdateTypeHotfix},
		{"2.1", "2.1.0", model.UpdateTypeHotfix},
		{"2.01.0", "2.1.0", model.UpdateTypeHotfix},
	}
	for _, tt := range tests {
		if got := DeriveUpdateType(tt.current, tt.target); got != tt.want {
			t.Errorf("DeriveUpdateType(%q, %q) = %q, want %q", tt.current, tt.target, got, tt.want)
		}
	}
}

func TestApplyUpdateSucceeds(t *testing.T) {
	migrated := false
	env := setupEnv(t, envOptions{
		migrator: funcMigrator(func(context.Context) error { migrated = true; return nil }),
		hooks:    []proc.Command{{Name: "php", Args: []string{"artisan", "cache:clear"}}},
	})
	user := "ops@example.com"

	u, err := env.svc.ApplyUpdate(context.Background(), env.check(env.releaseSum()), &user, Options{})
	if err != nil {
		t.Fatalf("ApplyUpdate: %v", err)
	}

	if u.Status != model.UpdateStatusCompleted {
		t.Errorf("status = %q, want %q", u.Status, model.UpdateStatusCompleted)
	}
	if u.ProgressPercent != 100 {
		t.Errorf("progress = %d, want 100", u.ProgressPercent)
	}
	if u.UpdateType != model.UpdateTypeMinor {
		t.Errorf("update_type = %q, want %q", u.UpdateType, model.UpdateTypeMinor)
	}
	if u.PreviousVersion != "2.1.0" {
		t.Errorf("previous_version = %q, want %q", u.PreviousVersion, "2.1.0")
	}
	if u.CompletedAt == nil {
		t.Error("completed_at not set")
	}
	if u.BackupInfo == nil || u.BackupInfo.BackupID == 0 {
		t.Fatalf("backup info = %+v, want a backup reference", u.BackupInfo)
	}
	if u.InitiatedBy == nil || *u.InitiatedBy != user {
		t.Errorf("initiated_by = %v, want %q", u.InitiatedBy, user)
	}

	if got := readString(t, filepath.Join(env.root, "index.php")); got != "v2 index" {
		t.Errorf("index.php = %q, want %q", got, "v2 index")
	}
	if got := readString(t, filepath.Join(env.root, "new.php")); got != "v2 new" {
		t.Errorf("new.php = %q, want %q", got, "v2 new")
	}
	if got := readString(t, filepath.Join(env.root, ".env")); got != "APP_KEY=secret" {
		t.Errorf(".env = %q, want it left alone", got)
	}

	if v, _ := env.settings.CurrentVersion(); v != "2.2.0" {
		t.Errorf("current version = %q, want %q", v, "2.2.0")
	}
	if !migrated {
		t.Error("migrator was not run")
	}
	if len(env.runner.ran) != 1 || env.runner.ran[0].Name != "php" {
		t.Errorf("hooks ran = %v, want the php hook", env.runner.ran)
	}
	if env.maint.IsEngaged() {
		t.Error("maintenance mode still engaged")
	}

	want := []int{0, 5, 10, 15, 25, 40, 50, 60, 75, 85, 95, 98, 100}
	got := env.percents()
	if len(got) != len(want) {
		t.Fatalf("progress = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("progress = %v, want %v", got, want)
		}
	}

	notes, err := env.notes.List("", 10)
	if err != nil {
		t.Fatalf("List notifications: %v", err)
	}
	if len(notes) != 1 || notes[0].Kind != model.NotificationUpdateCompleted {
		t.Errorf("notifications = %+v, want one update_completed", notes)
	}

	entries, _ := os.ReadDir(env.downloadDir)
	if len(entries) != 0 {
		t.Errorf("download dir has %d entries after update, want 0", len(entries))
	}
}

func TestStartUpdateRunsInBackground(t *testing.T) {
	env := setupEnv(t, envOptions{})

	u, done, err := env.svc.StartUpdate(context.Background(), env.check(env.releaseSum()), nil, Options{})
	if err != nil {
		t.Fatalf("StartUpdate: %v", err)
	}
	if u.ID == 0 || u.Status != model.UpdateStatusPending {
		t.Errorf("snapshot = id %d status %q, want a pending record", u.ID, u.Status)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("background update: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("background update did not finish")
	}

	final, err := env.updates.GetByID(u.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if final.Status != model.UpdateStatusCompleted {
		t.Errorf("status = %q, want %q", final.Status, model.UpdateStatusCompleted)
	}
}

func TestApplyUpdateChecksumMismatchTouchesNothing(t *testing.T) {
	env := setupEnv(t, envOptions{})
	before := snapshot(t, env.root)

	u, err := env.svc.ApplyUpdate(context.Background(), env.check(strings.Repeat("0", 64)), nil, Options{SkipBackup: true})

	var ie *checksum.IntegrityError
	if !errors.As(err, &ie) {
		t.Fatalf("error = %v, want *checksum.IntegrityError", err)
	}
	if got := OutcomeOf(err); got != OutcomeUntouched {
		t.Errorf("outcome = %v, want %v", got, OutcomeUntouched)
	}
	if u.Status != model.UpdateStatusFailed {
		t.Errorf("status = %q, want %q", u.Status, model.UpdateStatusFailed)
	}
	if u.ErrorMessage == "" {
		t.Error("error_message not recorded")
	}
	assertSameTree(t, snapshot(t, env.root), before)
	if v, _ := env.settings.CurrentVersion(); v != "2.1.0" {
		t.Errorf("current version = %q, want %q", v, "2.1.0")
	}
	if env.maint.IsEngaged() {
		t.Error("maintenance mode still engaged")
	}

	notes, _ := env.notes.List("", 10)
	if len(notes) != 1 || notes[0].Kind != model.NotificationUpdateFailed {
		t.Errorf("notifications = %+v, want one update_failed", notes)
	}
}

func TestApplyUpdateRejectsWhileAnotherIsActive(t *testing.T) {
	env := setupEnv(t, envOptions{})

	active := &model.SystemUpdate{Version: "2.1.5", PreviousVersion: "2.1.0", UpdateType: model.UpdateTypePatch}
	if ok, err := env.updates.CreateIfIdle(active); err != nil || !ok {
		t.Fatalf("seed active update: ok=%v err=%v", ok, err)
	}

	_, err := env.svc.ApplyUpdate(context.Background(), env.check(env.releaseSum()), nil, Options{})
	if !errors.Is(err, ErrUpdateInProgress) {
		t.Fatalf("error = %v, want ErrUpdateInProgress", err)
	}

	all, err := env.updates.List(10)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 1 {
		t.Errorf("got %d update records, want 1", len(all))
	}
	if env.releaseHits.Load() != 0 {
		t.Errorf("release server hit %d times, want 0", env.releaseHits.Load())
	}
}

func TestApplyUpdateRejectsWhileLockHeld(t *testing.T) {
	env := setupEnv(t, envOptions{})
	locker := lock.NewLocal()
	env.svc.locker = locker

	lease, err := locker.Acquire(context.Background(), lockKey, time.Minute)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer lease.Release(context.Background())

	_, err = env.svc.ApplyUpdate(context.Background(), env.check(env.releaseSum()), nil, Options{})
	if !errors.Is(err, ErrUpdateInProgress) {
		t.Fatalf("error = %v, want ErrUpdateInProgress", err)
	}
	all, _ := env.updates.List(10)
	if len(all) != 0 {
		t.Errorf("got %d update records, want 0", len(all))
	}
}

func TestApplyUpdateMigrationFailureRollsBack(t *testing.T) {
	var env *testEnv
	env = setupEnv(t, envOptions{
		migrator: funcMigrator(func(context.Context) error {
			// Half-applied schema change.
			os.WriteFile(env.dbPath, []byte("v2 database, broken"), 0o644)
			return errors.New("column already exists")
		}),
	})
	before := snapshot(t, env.root)

	u, err := env.svc.ApplyUpdate(context.Background(), env.check(env.releaseSum()), nil, Options{})

	var me *MigrationError
	if !errors.As(err, &me) {
		t.Fatalf("error = %v, want *MigrationError", err)
	}
	if got := OutcomeOf(err); got != OutcomeRolledBack {
		t.Errorf("outcome = %v, want %v", got, OutcomeRolledBack)
	}
	if u.Status != model.UpdateStatusRolledBack {
		t.Errorf("status = %q, want %q", u.Status, model.UpdateStatusRolledBack)
	}
	if !strings.Contains(u.ErrorMessage, "column already exists") {
		t.Errorf("error_message = %q, want the migration error", u.ErrorMessage)
	}
	if env.maint.IsEngaged() {
		t.Error("maintenance mode still engaged")
	}
	assertSameTree(t, snapshot(t, env.root), before)
	if got := readString(t, env.dbPath); got != "v1 database" {
		t.Errorf("database = %q, want %q", got, "v1 database")
	}
	if v, _ := env.settings.CurrentVersion(); v != "2.1.0" {
		t.Errorf("current version = %q, want %q", v, "2.1.0")
	}
}

func TestApplyUpdateBackupFailure(t *testing.T) {
	env := setupEnv(t, envOptions{dumper: failingDumper{}})
	before := snapshot(t, env.root)

	u, err := env.svc.ApplyUpdate(context.Background(), env.check(env.releaseSum()), nil, Options{})

	var bfe *backup.BackupFailedError
	if !errors.As(err, &bfe) {
		t.Fatalf("error = %v, want *backup.BackupFailedError", err)
	}
	var dfe *dbdump.DumpFailedError
	if !errors.As(err, &dfe) || dfe.ExitCode != 127 {
		t.Errorf("error = %v, want the dump failure with exit code 127", err)
	}
	if got := OutcomeOf(err); got != OutcomeUntouched {
		t.Errorf("outcome = %v, want %v", got, OutcomeUntouched)
	}
	if u.Status != model.UpdateStatusFailed {
		t.Errorf("status = %q, want %q", u.Status, model.UpdateStatusFailed)
	}
	if u.BackupInfo != nil {
		t.Errorf("backup info = %+v, want none", u.BackupInfo)
	}
	records, err := env.backups.List(0)
	if err != nil {
		t.Fatalf("List backups: %v", err)
	}
	if len(records) != 0 {
		t.Errorf("got %d backup records, want 0", len(records))
	}
	if env.maint.IsEngaged() {
		t.Error("maintenance mode still engaged")
	}
	if env.releaseHits.Load() != 0 {
		t.Errorf("release downloaded %d times, want 0", env.releaseHits.Load())
	}
	assertSameTree(t, snapshot(t, env.root), before)
}

func TestApplyUpdateDownloadStatusError(t *testing.T) {
	env := setupEnv(t, envOptions{})
	check := env.check(env.releaseSum())
	check.ReleaseInfo.DownloadURL = strings.TrimSuffix(env.releaseURL, "release.zip") + "missing.zip"

	u, err := env.svc.ApplyUpdate(context.Background(), check, nil, Options{SkipBackup: true})

	var de *DownloadError
	if !errors.As(err, &de) {
		t.Fatalf("error = %v, want *DownloadError", err)
	}
	if de.StatusCode != http.StatusNotFound {
		t.Errorf("status code = %d, want %d", de.StatusCode, http.StatusNotFound)
	}
	if env.releaseHits.Load() != 1 {
		t.Errorf("release server hit %d times, want 1 (404 is not retried)", env.releaseHits.Load())
	}
	if u.Status != model.UpdateStatusFailed {
		t.Errorf("status = %q, want %q", u.Status, model.UpdateStatusFailed)
	}
}

func TestApplyUpdatePreflightFailures(t *testing.T) {
	tests := []struct {
		name   string
		adjust func(env *testEnv)
		reason string
	}{
		{
			name:   "missing command",
			adjust: func(env *testEnv) { env.runner.missing["unzip"] = true },
			reason: `"unzip" not found`,
		},
		{
			name: "low disk",
			adjust: func(env *testEnv) {
				env.svc.freeSpace = func(string) (uint64, bool, error) { return 10 << 20, true, nil }
			},
			reason: "free",
		},
		{
			name:   "old runtime",
			adjust: func(env *testEnv) { env.svc.goVersion = func() string { return "go1.20.1" } },
			reason: "older than required",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := setupEnv(t, envOptions{})
			tt.adjust(env)

			u, err := env.svc.ApplyUpdate(context.Background(), env.check(env.releaseSum()), nil, Options{})

			var pe *PreflightError
			if !errors.As(err, &pe) {
				t.Fatalf("error = %v, want *PreflightError", err)
			}
			if !strings.Contains(pe.Reason, tt.reason) {
				t.Errorf("reason = %q, want it to contain %q", pe.Reason, tt.reason)
			}
			if u.Status != model.UpdateStatusFailed {
				t.Errorf("status = %q, want %q", u.Status, model.UpdateStatusFailed)
			}
			if env.maint.IsEngaged() {
				t.Error("maintenance mode engaged by a failed preflight")
			}
			records, _ := env.backups.List(0)
			if len(records) != 0 {
				t.Errorf("got %d backup records, want 0", len(records))
			}
		})
	}
}

func TestApplyUpdateHookFailureIsNotFatal(t *testing.T) {
	env := setupEnv(t, envOptions{
		hooks: []proc.Command{{Name: "php", Args: []string{"artisan", "optimize"}}, {Name: "true"}},
	})
	env.runner.runErr = &proc.ExitError{Name: "php", ExitCode: 1}

	u, err := env.svc.ApplyUpdate(context.Background(), env.check(env.releaseSum()), nil, Options{})
	if err != nil {
		t.Fatalf("ApplyUpdate: %v", err)
	}
	if u.Status != model.UpdateStatusCompleted {
		t.Errorf("status = %q, want %q", u.Status, model.UpdateStatusCompleted)
	}
	if len(env.runner.ran) != 2 {
		t.Errorf("ran %d hooks, want 2", len(env.runner.ran))
	}
}

func TestApplyUpdateCancelledBeforeStart(t *testing.T) {
	env := setupEnv(t, envOptions{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	u, err := env.svc.ApplyUpdate(ctx, env.check(env.releaseSum()), nil, Options{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
	if got := OutcomeOf(err); got != OutcomeUntouched {
		t.Errorf("outcome = %v, want %v", got, OutcomeUntouched)
	}
	if u.Status != model.UpdateStatusFailed {
		t.Errorf("status = %q, want %q", u.Status, model.UpdateStatusFailed)
	}
}

func TestApplyUpdateRequiresSuccessfulCheck(t *testing.T) {
	env := setupEnv(t, envOptions{})
	check := env.check("")
	check.CheckStatus = model.CheckStatusFailed

	if _, err := env.svc.ApplyUpdate(context.Background(), check, nil, Options{}); err == nil {
		t.Fatal("expected an error for a failed check")
	}
	all, _ := env.updates.List(10)
	if len(all) != 0 {
		t.Errorf("got %d update records, want 0", len(all))
	}
}

func TestCanRollback(t *testing.T) {
	env := setupEnv(t, envOptions{})

	restorable, err := env.backupSvc.CreateBackup(context.Background(), backup.Request{Version: "2.1.0"})
	if err != nil {
		t.Fatalf("CreateBackup: %v", err)
	}
	broken := &model.UpdateBackup{Token: "broken", Version: "2.0.0", IsRestorable: false}
	if err := env.backups.Create(broken); err != nil {
		t.Fatalf("Create backup: %v", err)
	}

	statuses := []model.UpdateStatus{
		model.UpdateStatusPending,
		model.UpdateStatusDownloading,
		model.UpdateStatusInstalling,
		model.UpdateStatusCompleted,
		model.UpdateStatusFailed,
		model.UpdateStatusRolledBack,
	}
	backups := []struct {
		name string
		info *model.BackupInfo
		ok   bool
	}{
		{"restorable", restorable.Info(), true},
		{"not restorable", broken.Info(), false},
		{"missing record", &model.BackupInfo{BackupID: 9999}, false},
		{"no backup", nil, false},
	}

	for _, st := range statuses {
		for _, b := range backups {
			u := &model.SystemUpdate{ID: 1, Status: st, BackupInfo: b.info}
			want := st == model.UpdateStatusCompleted && b.ok
			got, reason := env.svc.CanRollback(u)
			if got != want {
				t.Errorf("CanRollback(status=%s, backup=%s) = %v (%s), want %v", st, b.name, got, reason, want)
			}
			if !got && reason == "" {
				t.Errorf("CanRollback(status=%s, backup=%s) gave no reason", st, b.name)
			}
		}
	}
}

func TestRollbackUpdateRevertsCompletedUpdate(t *testing.T) {
	env := setupEnv(t, envOptions{})
	before := snapshot(t, env.root)

	u, err := env.svc.ApplyUpdate(context.Background(), env.check(env.releaseSum()), nil, Options{})
	if err != nil {
		t.Fatalf("ApplyUpdate: %v", err)
	}
	if got := readString(t, filepath.Join(env.root, "new.php")); got != "v2 new" {
		t.Fatalf("new.php = %q, want the update applied", got)
	}

	rolled, err := env.svc.RollbackUpdate(context.Background(), u.ID)
	if err != nil {
		t.Fatalf("RollbackUpdate: %v", err)
	}
	if rolled.Status != model.UpdateStatusRolledBack {
		t.Errorf("status = %q, want %q", rolled.Status, model.UpdateStatusRolledBack)
	}
	assertSameTree(t, snapshot(t, env.root), before)
	if v, _ := env.settings.CurrentVersion(); v != "2.1.0" {
		t.Errorf("current version = %q, want %q", v, "2.1.0")
	}
	if env.maint.IsEngaged() {
		t.Error("maintenance mode still engaged")
	}

	_, err = env.svc.RollbackUpdate(context.Background(), u.ID)
	var nre *NotRollbackableError
	if !errors.As(err, &nre) {
		t.Errorf("second rollback error = %v, want *NotRollbackableError", err)
	}
}

func TestRollbackUpdateWithoutBackup(t *testing.T) {
	env := setupEnv(t, envOptions{})

	u, err := env.svc.ApplyUpdate(context.Background(), env.check(env.releaseSum()), nil, Options{SkipBackup: true})
	if err != nil {
		t.Fatalf("ApplyUpdate: %v", err)
	}
	_, err = env.svc.RollbackUpdate(context.Background(), u.ID)
	var nre *NotRollbackableError
	if !errors.As(err, &nre) {
		t.Fatalf("error = %v, want *NotRollbackableError", err)
	}
	if env.maint.IsEngaged() {
		t.Error("maintenance mode engaged by a refused rollback")
	}
}

func TestOutcomeOf(t *testing.T) {
	if got := OutcomeOf(errors.New("plain")); got != OutcomeUntouched {
		t.Errorf("OutcomeOf(plain) = %v, want %v", got, OutcomeUntouched)
	}
	f := &Failure{UpdateID: 3, Step: "migrate", Err: &MigrationError{Err: errors.New("boom")}, Outcome: OutcomeRollbackFailed, RollbackErr: errors.New("disk full")}
	wrapped := errors.Join(errors.New("context"), f)
	if got := OutcomeOf(wrapped); got != OutcomeRollbackFailed {
		t.Errorf("OutcomeOf(wrapped) = %v, want %v", got, OutcomeRollbackFailed)
	}
	if !OutcomeRollbackFailed.NeedsIntervention() || !OutcomeUnrecovered.NeedsIntervention() {
		t.Error("failed and unrecovered outcomes should need intervention")
	}
	if OutcomeRolledBack.NeedsIntervention() {
		t.Error("rolled back outcome should not need intervention")
	}
	msg := f.Error()
	if !strings.Contains(msg, "boom") || !strings.Contains(msg, "disk full") {
		t.Errorf("Failure.Error() = %q, want both errors", msg)
	}
}

// restoreFailingDumper takes real dumps but cannot put them back.
type restoreFailingDumper struct {
	*dbdump.Dumper
}

func (restoreFailingDumper) Restore(context.Context, dbdump.Connection, string) error {
	return &dbdump.RestoreFailedError{ExitCode: 1, Stderr: "database is locked", Err: errors.New("database is locked")}
}

func TestApplyUpdateRollbackFailure(t *testing.T) {
	var env *testEnv
	env = setupEnv(t, envOptions{
		dumper: restoreFailingDumper{dbdump.New(&fakeRunner{}, logging.Discard())},
		migrator: funcMigrator(func(context.Context) error {
			return errors.New("column already exists")
		}),
	})

	u, err := env.svc.ApplyUpdate(context.Background(), env.check(env.releaseSum()), nil, Options{})

	var me *MigrationError
	if !errors.As(err, &me) {
		t.Fatalf("error = %v, want the original *MigrationError", err)
	}
	if got := OutcomeOf(err); got != OutcomeRollbackFailed {
		t.Errorf("outcome = %v, want %v", got, OutcomeRollbackFailed)
	}
	var f *Failure
	if !errors.As(err, &f) || f.RollbackErr == nil {
		t.Fatalf("error = %v, want a *Failure carrying the rollback error", err)
	}
	if u.Status != model.UpdateStatusFailed {
		t.Errorf("status = %q, want %q", u.Status, model.UpdateStatusFailed)
	}
	if !strings.Contains(u.ErrorMessage, "column already exists") {
		t.Errorf("error_message = %q, want the migration error", u.ErrorMessage)
	}
	if !strings.Contains(u.RollbackError, "database is locked") {
		t.Errorf("rollback_error = %q, want the restore error", u.RollbackError)
	}
	if env.maint.IsEngaged() {
		t.Error("maintenance mode still engaged")
	}
	if v, _ := env.settings.CurrentVersion(); v != "2.1.0" {
		t.Errorf("current version = %q, want %q", v, "2.1.0")
	}
}

func TestApplyUpdateWithoutBackupIsUnrecovered(t *testing.T) {
	env := setupEnv(t, envOptions{
		migrator: funcMigrator(func(context.Context) error {
			return errors.New("syntax error near ALTER")
		}),
	})

	u, err := env.svc.ApplyUpdate(context.Background(), env.check(env.releaseSum()), nil, Options{SkipBackup: true})

	var me *MigrationError
	if !errors.As(err, &me) {
		t.Fatalf("error = %v, want *MigrationError", err)
	}
	if got := OutcomeOf(err); got != OutcomeUnrecovered {
		t.Errorf("outcome = %v, want %v", got, OutcomeUnrecovered)
	}
	if u.Status != model.UpdateStatusFailed {
		t.Errorf("status = %q, want %q", u.Status, model.UpdateStatusFailed)
	}
	if u.BackupInfo != nil {
		t.Errorf("backup info = %+v, want none", u.BackupInfo)
	}
	// The merged release stays in place.
	if got := readString(t, filepath.Join(env.root, "index.php")); got != "v2 index" {
		t.Errorf("index.php = %q, want %q", got, "v2 index")
	}
	if env.maint.IsEngaged() {
		t.Error("maintenance mode still engaged")
	}
}

func TestApplyUpdateKeepsExistingMaintenanceWindow(t *testing.T) {
	env := setupEnv(t, envOptions{})
	if err := env.maint.Engage("planned database work"); err != nil {
		t.Fatalf("Engage: %v", err)
	}

	if _, err := env.svc.ApplyUpdate(context.Background(), env.check(env.releaseSum()), nil, Options{}); err != nil {
		t.Fatalf("ApplyUpdate: %v", err)
	}
	st, err := env.maint.Current()
	if err != nil {
		t.Fatalf("Current: %v", err)
	}
	if st == nil || st.Reason != "planned database work" {
		t.Errorf("maintenance = %+v, want the operator's window kept", st)
	}
}

func TestRollbackKeepsStateDatabaseInAppRoot(t *testing.T) {
	var env *testEnv
	env = setupEnv(t, envOptions{
		stateInRoot: true,
		migrator: funcMigrator(func(context.Context) error {
			return errors.New("column already exists")
		}),
	})

	u, err := env.svc.ApplyUpdate(context.Background(), env.check(env.releaseSum()), nil, Options{})
	if got := OutcomeOf(err); got != OutcomeRolledBack {
		t.Fatalf("outcome = %v (%v), want %v", got, err, OutcomeRolledBack)
	}

	b, err := env.backups.GetByID(u.BackupInfo.BackupID)
	if err != nil || b == nil {
		t.Fatalf("GetByID = %v, %v", b, err)
	}
	zr, err := zip.OpenReader(b.FilesBackupPath)
	if err != nil {
		t.Fatalf("open file archive: %v", err)
	}
	for _, f := range zr.File {
		if strings.HasPrefix(f.Name, "upkeep.db") {
			t.Errorf("file archive contains the state database entry %q", f.Name)
		}
	}
	zr.Close()

	// A fresh connection sees what is on disk, not what the open handle wrote.
	db, err := database.Open(env.statePath)
	if err != nil {
		t.Fatalf("reopen state db: %v", err)
	}
	defer db.Close()
	reopened := store.NewSystemUpdateStore(db)
	got, err := reopened.GetByID(u.ID)
	if err != nil || got == nil {
		t.Fatalf("GetByID after reopen = %v, %v", got, err)
	}
	if got.Status != model.UpdateStatusRolledBack {
		t.Errorf("status after reopen = %q, want %q", got.Status, model.UpdateStatusRolledBack)
	}
	if active, _ := reopened.Active(); active != nil {
		t.Errorf("active update after reopen = %d, want none", active.ID)
	}
	if n, _ := store.NewUpdateBackupStore(db).List(0); len(n) != 1 {
		t.Errorf("backup records after reopen = %d, want 1", len(n))
	}
}
