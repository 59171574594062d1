package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"slotshare/config"
	"slotshare/db"
	"slotshare/telemetry"
)

// errViolations makes the process exit non-zero after check reports problems.
var errViolations = errors.New("invariant violations found")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type command struct {
	name    string
	summary string
	run     func(ctx context.Context, args []string, out io.Writer) error
}

func commands() []command {
	return []command{
		{"migrate", "Apply pending schema migrations", runMigrate},
		{"reconcile", "Run one pass over resolutions whose membership change is pending", runReconcile},
		{"drain", "Deliver every due outbox message once", runDrain},
		{"check", "Run the ledger invariant queries", runCheck},
		{"grant", "Create or update a user and its roles", runGrant},
		{"token", "Issue a bearer token for an actor", runToken},
		{"watch", "Tail the event topic and log each event once", runWatch},
	}
}

func run(ctx context.Context, args []string, out io.Writer) error {
	if len(args) < 1 {
		printUsage(out)
		return fmt.Errorf("subcommand required")
	}
	switch args[0] {
	case "-h", "--help", "help":
		printUsage(out)
		return nil
	}
	for _, c := range commands() {
		if c.name == args[0] {
			return c.run(ctx, args[1:], out)
		}
	}
	printUsage(out)
	return fmt.Errorf("unknown subcommand: %q", args[0])
}

func printUsage(out io.Writer) {
	fmt.Fprintf(out, "Usage: slotctl <subcommand> [flags]\n\nSubcommands:\n")
	for _, c := range commands() {
		fmt.Fprintf(out, "  %-10s  %s\n", c.name, c.summary)
	}
	fmt.Fprintf(out, "\nConfiguration is read from the same environment as the API server.\n"+
		"Run 'slotctl <subcommand> --help' for subcommand flags.\n")
}

// parseFlags parses args into fs. It reports done when --help was asked for.
func parseFlags(fs *pflag.FlagSet, args []string, out io.Writer) (done bool, err error) {
	fs.SetOutput(out)
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return true, nil
		}
		return false, err
	}
	if rest := fs.Args(); len(rest) > 0 {
		return false, fmt.Errorf("unexpected argument: %s", rest[0])
	}
	return false, nil
}

// env is the loaded configuration plus a logger built from it.
type env struct {
	cfg    *config.Config
	logger *zap.Logger
}

func loadEnv() (*env, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return &env{cfg: cfg, logger: telemetry.NewLogger(cfg)}, nil
}

func (e *env) close() {
	_ = e.logger.Sync()
}

// openPool connects to the configured database. databaseURL overrides
// DATABASE_URL when set.
func (e *env) openPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	if databaseURL == "" {
		databaseURL = e.cfg.Ledger.DatabaseURL
	}
	if databaseURL == "" {
		return nil, errors.New("no database: set DATABASE_URL or pass --database-url")
	}
	return db.NewPool(ctx, databaseURL, db.PoolOptions{
		MaxConns:        4,
		ApplicationName: "slotctl",
	})
}
