package dbdump

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/dukerupert/upkeep/internal/logging"
	"github.com/dukerupert/upkeep/internal/proc"
)

type fakeRunner struct {
	calls   []proc.Command
	stdout  string
	stdin   []string
	files   []string
	err     error
	seenTmp []string
}

func (f *fakeRunner) LookPath(name string) (string, error) { return "/usr/bin/" + name, nil }

func (f *fakeRunner) Run(ctx context.Context, cmd proc.Command) (proc.Result, error) {
	f.calls = append(f.calls, cmd)
	if cmd.Stdout != nil {
		io.WriteString(cmd.Stdout, f.stdout)
	}
	if cmd.Stdin != nil {
		data, _ := io.ReadAll(cmd.Stdin)
		f.stdin = append(f.stdin, string(data))
	}
	for _, a := range cmd.Args {
		if p, ok := strings.CutPrefix(a, "--file="); ok {
			data, _ := os.ReadFile(p)
			f.files = append(f.files, string(data))
			f.seenTmp = append(f.seenTmp, p)
		}
	}
	if f.err != nil {
		var ee *proc.ExitError
		if errors.As(f.err, &ee) {
			return proc.Result{ExitCode: ee.ExitCode, Stderr: ee.Stderr}, f.err
		}
		return proc.Result{ExitCode: -1}, f.err
	}
	return proc.Result{}, nil
}

func mysqlConn() Connection {
	return Connection{Engine: EngineMySQL, Host: "db.internal", Port: 3306, Username: "app", Password: "s3cr3t'; DROP", Database: "shop"}
}

func TestDumpMySQLCompressesAndRemovesRaw(t *testing.T) {
	runner := &fakeRunner{stdout: "CREATE TABLE orders (id int);\n"}
	d := New(runner, logging.Discard())
	out := filepath.Join(t.TempDir(), "database.sql")

	compressed, err := d.Dump(context.Background(), mysqlConn(), out)
	if err != nil {
		t.Fatalf("dump: %v", err)
	}
	if compressed != out+".gz" {
		t.Errorf("compressed = %q, want %q", compressed, out+".gz")
	}
	if _, err := os.Stat(out); !os.IsNotExist(err) {
		t.Error("uncompressed dump should be removed")
	}

	if len(runner.calls) != 1 {
		t.Fatalf("calls = %d, want 1", len(runner.calls))
	}
	cmd := runner.calls[0]
	if cmd.Name != "mysqldump" {
		t.Errorf("command = %q, want mysqldump", cmd.Name)
	}
	for _, a := range cmd.Args {
		if strings.Contains(a, "s3cr3t") {
			t.Errorf("password leaked into argv: %q", a)
		}
	}
	if len(cmd.Env) != 1 || cmd.Env[0] != "MYSQL_PWD=s3cr3t'; DROP" {
		t.Errorf("env = %v", cmd.Env)
	}
	if last := cmd.Args[len(cmd.Args)-1]; last != "shop" {
		t.Errorf("database arg = %q, want shop", last)
	}

	// Round trip through restore to check the compressed content.
	if err := d.Restore(context.Background(), mysqlConn(), compressed); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if len(runner.stdin) != 1 || runner.stdin[0] != "CREATE TABLE orders (id int);\n" {
		t.Errorf("restore stdin = %q", runner.stdin)
	}
	if runner.calls[1].Name != "mysql" {
		t.Errorf("restore command = %q, want mysql", runner.calls[1].Name)
	}
}

func TestDumpFailureReportsExitAndCleansUp(t *testing.T) {
	runner := &fakeRunner{
		stdout: "partial",
		err:    &proc.ExitError{Name: "pg_dump", ExitCode: 2, Stderr: "FATAL: password authentication failed"},
	}
	d := New(runner, logging.Discard())
	dir := t.TempDir()
	out := filepath.Join(dir, "database.sql")

	conn := Connection{Engine: EnginePostgres, Host: "localhost", Username: "app", Password: "pw", Database: "shop"}
	_, err := d.Dump(context.Background(), conn, out)

	var df *DumpFailedError
	if !errors.As(err, &df) {
		t.Fatalf("expected *DumpFailedError, got %v", err)
	}
	if df.ExitCode != 2 {
		t.Errorf("exit code = %d, want 2", df.ExitCode)
	}
	if !strings.Contains(df.Stderr, "password authentication failed") {
		t.Errorf("stderr = %q", df.Stderr)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Errorf("leftover files: %v", entries)
	}
	if env := runner.calls[0].Env; len(env) != 1 || env[0] != "PGPASSWORD=pw" {
		t.Errorf("env = %v", env)
	}
}

func TestRestorePostgresRemovesTempFile(t *testing.T) {
	runner := &fakeRunner{stdout: "SELECT 1;\n"}
	d := New(runner, logging.Discard())
	conn := Connection{Engine: EnginePostgres, Database: "shop"}

	compressed, err := d.Dump(context.Background(), conn, filepath.Join(t.TempDir(), "database.sql"))
	if err != nil {
		t.Fatalf("dump: %v", err)
	}

	runner.err = &proc.ExitError{Name: "psql", ExitCode: 3, Stderr: "ERROR: syntax error"}
	err = d.Restore(context.Background(), conn, compressed)
	var rf *RestoreFailedError
	if !errors.As(err, &rf) {
		t.Fatalf("expected *RestoreFailedError, got %v", err)
	}
	if rf.ExitCode != 3 {
		t.Errorf("exit code = %d, want 3", rf.ExitCode)
	}
	if len(runner.files) != 1 || runner.files[0] != "SELECT 1;\n" {
		t.Errorf("psql saw %q", runner.files)
	}
	for _, p := range runner.seenTmp {
		if _, err := os.Stat(p); !os.IsNotExist(err) {
			t.Errorf("temp file %s not removed", p)
		}
	}
}

func TestSQLiteDumpRestore(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "app.db")
	os.WriteFile(dbPath, []byte("original database bytes"), 0o644)

	d := New(&fakeRunner{}, logging.Discard())
	conn := Connection{Engine: EngineSQLite, Path: dbPath}

	compressed, err := d.Dump(context.Background(), conn, filepath.Join(dir, "backup", "database.sqlite"))
	if err != nil {
		t.Fatalf("dump: %v", err)
	}

	os.WriteFile(dbPath, []byte("migrated database bytes"), 0o644)
	os.WriteFile(dbPath+"-wal", []byte("journal"), 0o644)

	if err := d.Restore(context.Background(), conn, compressed); err != nil {
		t.Fatalf("restore: %v", err)
	}
	data, _ := os.ReadFile(dbPath)
	if string(data) != "original database bytes" {
		t.Errorf("database = %q", data)
	}
	if _, err := os.Stat(dbPath + "-wal"); !os.IsNotExist(err) {
		t.Error("wal file should be removed on restore")
	}
}

func TestConnectionValidate(t *testing.T) {
	tests := []struct {
		name    string
		conn    Connection
		wantErr bool
	}{
		{"mysql ok", mysqlConn(), false},
		{"flag-like database", Connection{Engine: EngineMySQL, Database: "--all-databases"}, true},
		{"flag-like host", Connection{Engine: EnginePostgres, Host: "-h", Database: "x"}, true},
		{"missing database", Connection{Engine: EnginePostgres}, true},
		{"sqlite without path", Connection{Engine: EngineSQLite}, true},
		{"sqlite ok", Connection{Engine: EngineSQLite, Path: "/tmp/app.db"}, false},
	}
	for _, tt := range tests {
		err := tt.conn.Validate()
		if (err != nil) != tt.wantErr {
			t.Errorf("%s: err = %v, wantErr %v", tt.name, err, tt.wantErr)
		}
	}
}

func TestParseEngine(t *testing.T) {
	tests := map[string]Engine{"MySQL": EngineMySQL, "mariadb": EngineMySQL, "pgsql": EnginePostgres, "sqlite3": EngineSQLite}
	for in, want := range tests {
		got, err := ParseEngine(in)
		if err != nil || got != want {
			t.Errorf("ParseEngine(%q) = %q, %v, want %q", in, got, err, want)
		}
	}
	if _, err := ParseEngine("oracle"); err == nil {
		t.Error("expected error for unknown engine")
	}
}
