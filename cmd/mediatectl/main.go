package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/matheus3301/mediate/internal/config"
	"github.com/matheus3301/mediate/internal/ledger"
	"github.com/matheus3301/mediate/internal/lock"
	"github.com/matheus3301/mediate/internal/logging"
	"github.com/matheus3301/mediate/internal/paths"
	"github.com/matheus3301/mediate/internal/resolve"
	"github.com/matheus3301/mediate/internal/sanitize"
	"github.com/matheus3301/mediate/internal/store"
	"go.uber.org/zap"
)

func main() {
	configFlag := flag.String("config", paths.ConfigPath(), "path to config.toml")
	envFlag := flag.String("env", paths.EnvPath(), "optional dotenv file")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch args[0] {
	case "sanitize":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: mediatectl sanitize <web|email> [baseURL]")
			os.Exit(1)
		}
		cmdSanitize(args[1], args[2:])
		return
	case "config":
		if len(args) < 2 || args[1] != "init" {
			fmt.Fprintln(os.Stderr, "usage: mediatectl config init")
			os.Exit(1)
		}
		cmdConfigInit(*configFlag)
		return
	}

	cfg, err := config.Resolve(*configFlag, *envFlag)
	if err != nil {
		fail(err)
	}
	logger, err := logging.Console(cfg.Log.Level)
	if err != nil {
		fail(err)
	}
	defer func() { _ = logger.Sync() }()

	switch args[0] {
	case "migrate":
		cmdMigrate(cfg, logger, *jsonFlag)
	case "resolve":
		cmdResolve(ctx, cfg, logger, *jsonFlag)
	case "audit":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: mediatectl audit <conversation-id>")
			os.Exit(1)
		}
		cmdAudit(ctx, cfg, args[1], *jsonFlag)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: mediatectl [--config <path>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  migrate                     Apply pending schema migrations")
	fmt.Fprintln(os.Stderr, "  resolve                     Backfill sender identities and safe renders")
	fmt.Fprintln(os.Stderr, "  audit <conversation-id>     Compare unread counters with receipts")
	fmt.Fprintln(os.Stderr, "  sanitize web|email [base]   Sanitize stdin to stdout")
	fmt.Fprintln(os.Stderr, "  config init                 Write the default config file")
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}

// openLocked takes the data directory lock so the daemon cannot run
// concurrently with a maintenance command.
func openLocked(cfg *config.Config, owner string) (*store.DB, *lock.Lock) {
	dir := paths.DataDir(cfg.DataDir)
	if err := paths.EnsureDir(dir); err != nil {
		fail(err)
	}
	lk, err := lock.Acquire(dir, owner)
	if err != nil {
		fail(err)
	}
	db, err := store.Open(paths.DBPath(dir))
	if err != nil {
		_ = lk.Release()
		fail(err)
	}
	return db, lk
}

func cmdMigrate(cfg *config.Config, logger *zap.Logger, jsonOut bool) {
	db, lk := openLocked(cfg, "mediatectl migrate")
	defer func() { _ = lk.Release() }()
	defer func() { _ = db.Close() }()

	result, err := db.Migrate()
	if err != nil {
		fail(err)
	}
	logger.Info("migrate complete", zap.Uint("from", result.From), zap.Uint("version", result.Version))
	if jsonOut {
		outputJSON(result)
		return
	}
	if !result.Changed {
		fmt.Printf("Schema up to date at version %d\n", result.Version)
		return
	}
	fmt.Printf("Schema migrated from %d to %d\n", result.From, result.Version)
}

func cmdResolve(ctx context.Context, cfg *config.Config, logger *zap.Logger, jsonOut bool) {
	db, lk := openLocked(cfg, "mediatectl resolve")
	defer func() { _ = lk.Release() }()
	defer func() { _ = db.Close() }()

	if _, err := db.Migrate(); err != nil {
		fail(err)
	}
	r := resolve.NewReconciler(db, logger, resolve.Options{OperatorAlias: cfg.Operator.Alias})
	report, err := r.Run(ctx)
	if err != nil {
		fail(err)
	}
	if jsonOut {
		outputJSON(report)
		return
	}
	fmt.Printf("Messages scanned:        %d\n", report.MessagesScanned)
	fmt.Printf("Identities resolved:     %d\n", report.IdentitiesResolved)
	fmt.Printf("Identities unresolved:   %d\n", report.IdentitiesUnresolved)
	fmt.Printf("Bodies re-derived:       %d\n", report.BodiesRederived)
	fmt.Printf("Notifications re-derived: %d\n", report.NotificationsRederived)
}

func cmdAudit(ctx context.Context, cfg *config.Config, conversationID string, jsonOut bool) {
	db, err := store.Open(paths.DBPath(paths.DataDir(cfg.DataDir)))
	if err != nil {
		fail(err)
	}
	defer func() { _ = db.Close() }()

	mismatches, err := ledger.Audit(ctx, db, conversationID)
	if err != nil {
		fail(err)
	}
	if jsonOut {
		outputJSON(map[string]any{"conversationId": conversationID, "mismatches": mismatches})
	} else if len(mismatches) == 0 {
		fmt.Println("Counters match receipts.")
	} else {
		for _, m := range mismatches {
			fmt.Printf("%-10s counter=%d expected=%d\n", m.Role, m.Counter, m.Expected)
		}
	}
	if len(mismatches) > 0 {
		os.Exit(2)
	}
}

func cmdSanitize(mode string, rest []string) {
	raw, err := io.ReadAll(io.LimitReader(os.Stdin, sanitize.MaxInputBytes+1))
	if err != nil {
		fail(err)
	}
	if err := sanitize.Check(string(raw)); err != nil {
		fail(err)
	}
	switch mode {
	case "web":
		fmt.Print(sanitize.Web(string(raw)))
	case "email":
		base := ""
		if len(rest) > 0 {
			base = rest[0]
		}
		fmt.Print(sanitize.Email(string(raw), base))
	default:
		fmt.Fprintf(os.Stderr, "unknown sanitize mode: %s\n", mode)
		os.Exit(1)
	}
}

func cmdConfigInit(path string) {
	if _, err := os.Stat(path); err == nil {
		fail(fmt.Errorf("%s already exists", path))
	}
	if err := config.Save(path, config.Default()); err != nil {
		fail(err)
	}
	fmt.Printf("Wrote %s\n", path)
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}
