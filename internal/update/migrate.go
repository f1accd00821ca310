package update

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"strconv"

	"github.com/dukerupert/upkeep/internal/dbdump"
	"github.com/dukerupert/upkeep/internal/proc"
	"github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

// Migrator applies pending schema migrations to the host database.
type Migrator interface {
	Migrate(ctx context.Context) error
}

// GooseMigrator runs the goose migrations found in Dir against the host
// database. Dir is read at run time so migrations shipped in a release are
// picked up once the release has been merged.
type GooseMigrator struct {
	Conn   dbdump.Connection
	Dir    string
	Logger *slog.Logger
}

func (m *GooseMigrator) Migrate(ctx context.Context) error {
	if _, err := os.Stat(m.Dir); errors.Is(err, os.ErrNotExist) {
		m.Logger.Info("no migrations directory, skipping", "dir", m.Dir)
		return nil
	}

	driver, dialect, dsn, err := gooseTarget(m.Conn)
	if err != nil {
		return err
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return fmt.Errorf("open %s database: %w", m.Conn.Engine, err)
	}
	defer db.Close()

	provider, err := goose.NewProvider(dialect, db, os.DirFS(m.Dir))
	if errors.Is(err, goose.ErrNoMigrations) {
		m.Logger.Info("no migrations found", "dir", m.Dir)
		return nil
	}
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return err
	}
	for _, r := range results {
		m.Logger.Info("migration applied", "source", r.Source.Path, "duration", r.Duration)
	}
	return nil
}

// gooseTarget maps a connection to a database/sql driver name, a goose
// dialect and a DSN.
func gooseTarget(conn dbdump.Connection) (string, goose.Dialect, string, error) {
	if err := conn.Validate(); err != nil {
		return "", "", "", err
	}
	switch conn.Engine {
	case dbdump.EngineSQLite:
		return "sqlite", goose.DialectSQLite3, conn.Path + "?_pragma=busy_timeout(5000)", nil
	case dbdump.EnginePostgres:
		u := url.URL{
			Scheme: "postgres",
			User:   url.UserPassword(conn.Username, conn.Password),
			Host:   net.JoinHostPort(conn.Host, portOr(conn.Port, 5432)),
			Path:   "/" + conn.Database,
		}
		return "pgx", goose.DialectPostgres, u.String(), nil
	case dbdump.EngineMySQL:
		cfg := mysql.NewConfig()
		cfg.User = conn.Username
		cfg.Passwd = conn.Password
		cfg.Net = "tcp"
		cfg.Addr = net.JoinHostPort(conn.Host, portOr(conn.Port, 3306))
		cfg.DBName = conn.Database
		cfg.ParseTime = true
		cfg.MultiStatements = true
		return "mysql", goose.DialectMySQL, cfg.FormatDSN(), nil
	}
	return "", "", "", fmt.Errorf("unsupported database engine %q", conn.Engine)
}

func portOr(port, def int) string {
	if port == 0 {
		port = def
	}
	return strconv.Itoa(port)
}

// CommandMigrator runs the host application's own migration command.
type CommandMigrator struct {
	Runner  proc.Runner
	Command proc.Command
}

func (m *CommandMigrator) Migrate(ctx context.Context) error {
	_, err := m.Runner.Run(ctx, m.Command)
	return err
}
