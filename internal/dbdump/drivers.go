package dbdump

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/dukerupert/upkeep/internal/proc"
)

type mysqlDriver struct{}

func (mysqlDriver) Commands() []string { return []string{"mysqldump", "mysql"} }

func (mysqlDriver) connArgs(conn Connection) []string {
	var args []string
	if conn.Host != "" {
		args = append(args, "--host="+conn.Host)
	}
	if conn.Port > 0 {
		args = append(args, "--port="+strconv.Itoa(conn.Port))
	}
	if conn.Username != "" {
		args = append(args, "--user="+conn.Username)
	}
	return args
}

func mysqlEnv(conn Connection) []string {
	if conn.Password == "" {
		return nil
	}
	return []string{"MYSQL_PWD=" + conn.Password}
}

func (m mysqlDriver) Dump(ctx context.Context, r proc.Runner, conn Connection, w io.Writer) error {
	args := append(m.connArgs(conn),
		"--single-transaction", "--routines", "--triggers", "--no-tablespaces",
		conn.Database,
	)
	_, err := r.Run(ctx, proc.Command{Name: "mysqldump", Args: args, Env: mysqlEnv(conn), Stdout: w})
	return err
}

func (m mysqlDriver) Restore(ctx context.Context, r proc.Runner, conn Connection, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	args := append(m.connArgs(conn), "--database="+conn.Database)
	_, err = r.Run(ctx, proc.Command{Name: "mysql", Args: args, Env: mysqlEnv(conn), Stdin: f})
	return err
}

type postgresDriver struct{}

func (postgresDriver) Commands() []string { return []string{"pg_dump", "psql"} }

func (postgresDriver) connArgs(conn Connection) []string {
	var args []string
	if conn.Host != "" {
		args = append(args, "--host="+conn.Host)
	}
	if conn.Port > 0 {
		args = append(args, "--port="+strconv.Itoa(conn.Port))
	}
	if conn.Username != "" {
		args = append(args, "--username="+conn.Username)
	}
	return append(args, "--dbname="+conn.Database, "--no-password")
}

func postgresEnv(conn Connection) []string {
	if conn.Password == "" {
		return nil
	}
	return []string{"PGPASSWORD=" + conn.Password}
}

func (p postgresDriver) Dump(ctx context.Context, r proc.Runner, conn Connection, w io.Writer) error {
	args := append(p.connArgs(conn), "--format=plain", "--clean", "--if-exists", "--no-owner", "--no-privileges")
	_, err := r.Run(ctx, proc.Command{Name: "pg_dump", Args: args, Env: postgresEnv(conn), Stdout: w})
	return err
}

func (p postgresDriver) Restore(ctx context.Context, r proc.Runner, conn Connection, path string) error {
	args := append(p.connArgs(conn), "--quiet", "--set=ON_ERROR_STOP=1", "--file="+path)
	_, err := r.Run(ctx, proc.Command{Name: "psql", Args: args, Env: postgresEnv(conn)})
	return err
}

// sqliteDriver copies the database file. Nothing external is needed.
type sqliteDriver struct{}

func (sqliteDriver) Commands() []string { return nil }

func (sqliteDriver) Dump(ctx context.Context, _ proc.Runner, conn Connection, w io.Writer) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f, err := os.Open(conn.Path)
	if err != nil {
		return fmt.Errorf("open sqlite database: %w", err)
	}
	defer f.Close()
	_, err = io.Copy(w, f)
	return err
}

func (sqliteDriver) Restore(ctx context.Context, _ proc.Runner, conn Connection, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	in, err := os.Open(path)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(conn.Path), ".restore-*.db")
	if err != nil {
		return fmt.Errorf("create temp database: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	// Stale journal files would be replayed over the restored database.
	for _, suffix := range []string{"-wal", "-shm"} {
		if err := os.Remove(conn.Path + suffix); err != nil && !os.IsNotExist(err) {
			os.Remove(tmpName)
			return fmt.Errorf("remove %s: %w", suffix, err)
		}
	}
	if err := os.Rename(tmpName, conn.Path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace sqlite database: %w", err)
	}
	return nil
}
