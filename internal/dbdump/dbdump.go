// Package dbdump produces and restores gzip-compressed dumps of the host
// application's database.
package dbdump

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/dukerupert/upkeep/internal/proc"
	"github.com/klauspost/compress/gzip"
)

type Engine string

const (
	EngineMySQL    Engine = "mysql"
	EnginePostgres Engine = "postgres"
	EngineSQLite   Engine = "sqlite"
)

// ParseEngine accepts the common spellings of each engine.
func ParseEngine(s string) (Engine, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "mysql", "mariadb":
		return EngineMySQL, nil
	case "postgres", "postgresql", "pgsql", "pg":
		return EnginePostgres, nil
	case "sqlite", "sqlite3":
		return EngineSQLite, nil
	}
	return "", fmt.Errorf("unknown database engine %q", s)
}

// Connection identifies the database to dump or restore. Path is used by
// sqlite only.
type Connection struct {
	Engine   Engine
	Host     string
	Port     int
	Username string
	Password string
	Database string
	Path     string
}

// Validate rejects values that could be mistaken for command-line flags.
func (c Connection) Validate() error {
	if c.Engine == EngineSQLite {
		if c.Path == "" {
			return fmt.Errorf("sqlite connection requires a path")
		}
		return nil
	}
	if c.Database == "" {
		return fmt.Errorf("%s connection requires a database name", c.Engine)
	}
	for name, v := range map[string]string{"host": c.Host, "username": c.Username, "database": c.Database} {
		if strings.HasPrefix(v, "-") {
			return fmt.Errorf("%s %q must not start with '-'", name, v)
		}
	}
	return nil
}

// DumpFailedError reports a dump that did not complete.
type DumpFailedError struct {
	ExitCode int
	Stderr   string
	Err      error
}

func (e *DumpFailedError) Error() string {
	return fmt.Sprintf("database dump failed (exit %d): %v", e.ExitCode, e.Err)
}

func (e *DumpFailedError) Unwrap() error { return e.Err }

// RestoreFailedError reports a restore that did not complete.
type RestoreFailedError struct {
	ExitCode int
	Stderr   string
	Err      error
}

func (e *RestoreFailedError) Error() string {
	return fmt.Sprintf("database restore failed (exit %d): %v", e.ExitCode, e.Err)
}

func (e *RestoreFailedError) Unwrap() error { return e.Err }

// Driver implements dump and restore for one engine.
type Driver interface {
	// Commands lists the external programs the driver needs.
	Commands() []string
	// Dump writes the raw dump to w.
	Dump(ctx context.Context, r proc.Runner, conn Connection, w io.Writer) error
	// Restore loads the raw dump at path into the database.
	Restore(ctx context.Context, r proc.Runner, conn Connection, path string) error
}

// DriverFor returns the driver for an engine.
func DriverFor(e Engine) (Driver, error) {
	switch e {
	case EngineMySQL:
		return mysqlDriver{}, nil
	case EnginePostgres:
		return postgresDriver{}, nil
	case EngineSQLite:
		return sqliteDriver{}, nil
	}
	return nil, fmt.Errorf("unsupported database engine %q", e)
}

// Dumper dumps and restores databases through engine drivers.
type Dumper struct {
	runner proc.Runner
	logger *slog.Logger
}

func New(runner proc.Runner, logger *slog.Logger) *Dumper {
	return &Dumper{runner: runner, logger: logger}
}

// RequiredCommands lists the programs needed to dump and restore conn.
func (d *Dumper) RequiredCommands(conn Connection) []string {
	drv, err := DriverFor(conn.Engine)
	if err != nil {
		return nil
	}
	return drv.Commands()
}

// Dump writes a gzip-compressed dump of conn next to outPath and returns the
// compressed path (outPath + ".gz"). The uncompressed intermediate is always
// removed.
func (d *Dumper) Dump(ctx context.Context, conn Connection, outPath string) (string, error) {
	if err := conn.Validate(); err != nil {
		return "", &DumpFailedError{ExitCode: -1, Err: err}
	}
	drv, err := DriverFor(conn.Engine)
	if err != nil {
		return "", &DumpFailedError{ExitCode: -1, Err: err}
	}

	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return "", &DumpFailedError{ExitCode: -1, Err: err}
	}
	raw, err := os.Create(outPath)
	if err != nil {
		return "", &DumpFailedError{ExitCode: -1, Err: err}
	}
	defer os.Remove(outPath)

	err = drv.Dump(ctx, d.runner, conn, raw)
	if cerr := raw.Close(); err == nil && cerr != nil {
		err = cerr
	}
	if err != nil {
		return "", dumpFailed(err)
	}

	compressed := outPath + ".gz"
	if err := gzipFile(outPath, compressed); err != nil {
		os.Remove(compressed)
		return "", &DumpFailedError{ExitCode: -1, Err: fmt.Errorf("compress dump: %w", err)}
	}

	if d.logger != nil {
		d.logger.Info("database dumped", "engine", conn.Engine, "path", compressed)
	}
	return compressed, nil
}

// Restore decompresses compressedPath to a temporary file and loads it into
// conn. The temporary file is removed whatever the outcome.
func (d *Dumper) Restore(ctx context.Context, conn Connection, compressedPath string) error {
	if err := conn.Validate(); err != nil {
		return &RestoreFailedError{ExitCode: -1, Err: err}
	}
	drv, err := DriverFor(conn.Engine)
	if err != nil {
		return &RestoreFailedError{ExitCode: -1, Err: err}
	}

	tmp, err := os.CreateTemp("", "upkeep-restore-*.dump")
	if err != nil {
		return &RestoreFailedError{ExitCode: -1, Err: err}
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	err = gunzipTo(compressedPath, tmp)
	if cerr := tmp.Close(); err == nil && cerr != nil {
		err = cerr
	}
	if err != nil {
		return &RestoreFailedError{ExitCode: -1, Err: fmt.Errorf("decompress dump: %w", err)}
	}

	if err := drv.Restore(ctx, d.runner, conn, tmpPath); err != nil {
		return restoreFailed(err)
	}

	if d.logger != nil {
		d.logger.Info("database restored", "engine", conn.Engine, "path", compressedPath)
	}
	return nil
}

func dumpFailed(err error) error {
	var ee *proc.ExitError
	if errors.As(err, &ee) {
		return &DumpFailedError{ExitCode: ee.ExitCode, Stderr: ee.Stderr, Err: err}
	}
	return &DumpFailedError{ExitCode: -1, Err: err}
}

func restoreFailed(err error) error {
	var ee *proc.ExitError
	if errors.As(err, &ee) {
		return &RestoreFailedError{ExitCode: ee.ExitCode, Stderr: ee.Stderr, Err: err}
	}
	return &RestoreFailedError{ExitCode: -1, Err: err}
}

func gzipFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	zw := gzip.NewWriter(out)
	zw.Name = filepath.Base(src)
	if _, err := io.Copy(zw, in); err != nil {
		out.Close()
		return err
	}
	if err := zw.Close(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func gunzipTo(src string, w io.Writer) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	zr, err := gzip.NewReader(in)
	if err != nil {
		return err
	}
	defer zr.Close()
	_, err = io.Copy(w, zr)
	return err
}
