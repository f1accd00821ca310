// Command upkeep checks for, applies and rolls back releases of a host
// application, and serves the same operations over HTTP.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/dukerupert/upkeep/internal/config"
	"github.com/dukerupert/upkeep/internal/logging"
	"github.com/dukerupert/upkeep/internal/update"
)

// Exit codes. A failed update reports what state it left behind.
const (
	exitOK           = 0
	exitFailure      = 1
	exitRolledBack   = 2
	exitIntervention = 3
)

type command struct {
	summary string
	run     func(ctx context.Context, a *app, args []string) error
}

var commands = map[string]command{
	"serve":    {"run the HTTP API, scheduler and maintenance proxy", runServe},
	"check":    {"check the release endpoint for a newer version", runCheck},
	"update":   {"apply the latest (or a pinned) release", runUpdate},
	"rollback": {"restore the backup taken before an update", runRollback},
	"backup":   {"take a manual backup", runBackup},
	"restore":  {"restore a backup by id", runRestore},
	"cleanup":  {"delete backups beyond the retention count", runCleanup},
	"recover":  {"mark updates left active by a stopped process as failed", runRecover},
	"status":   {"show versions, updates, backups and maintenance state", runStatus},
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("upkeep", flag.ContinueOnError)
	fs.SetOutput(stderr)
	envFile := fs.String("env", ".env", "file to read UPKEEP_* settings from")
	fs.Usage = func() { usage(stderr, fs) }
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		return exitFailure
	}

	name := fs.Arg(0)
	cmd, ok := commands[name]
	if !ok {
		if name != "" {
			fmt.Fprintf(stderr, "upkeep: unknown command %q\n\n", name)
		}
		usage(stderr, fs)
		return exitFailure
	}

	cfg, err := config.Load(*envFile)
	if err == nil {
		err = cfg.Validate()
	}
	if err != nil {
		fmt.Fprintf(stderr, "upkeep: invalid configuration:\n%v\n", err)
		return exitFailure
	}
	logger := logging.New(stderr, cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger, stdout, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "upkeep: %v\n", err)
		return exitFailure
	}
	defer a.Close()

	err = cmd.run(ctx, a, fs.Args()[1:])
	if err != nil && !errors.Is(err, flag.ErrHelp) {
		fmt.Fprintf(stderr, "upkeep %s: %v\n", name, err)
	}
	return exitCode(err)
}

// exitCode maps a command error to the process exit status.
func exitCode(err error) int {
	if err == nil || errors.Is(err, flag.ErrHelp) {
		return exitOK
	}
	switch update.OutcomeOf(err) {
	case update.OutcomeRolledBack:
		return exitRolledBack
	case update.OutcomeRollbackFailed, update.OutcomeUnrecovered:
		return exitIntervention
	}
	return exitFailure
}

func usage(w io.Writer, fs *flag.FlagSet) {
	fmt.Fprintln(w, "Usage: upkeep [-env file] <command> [flags]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "  %-9s %s\n", name, commands[name].summary)
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fs.PrintDefaults()
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Exit status is 0 on success, 1 on failure, 2 when a failed update was")
	fmt.Fprintln(w, "rolled back and 3 when the installation needs manual repair.")
}
