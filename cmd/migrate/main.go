// Command migrate manages the pipeline's Postgres schema.
package main

import (
	"context"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	"qazna.org/telemetry/internal/config"
	"qazna.org/telemetry/internal/migrate"
	"qazna.org/telemetry/internal/obs"
	"qazna.org/telemetry/internal/store/pg"
)

const usage = "usage: migrate [flags] up|down|seed|status|pending"

func main() {
	os.Exit(run())
}

func run() int {
	fset := flag.NewFlagSet("migrate", flag.ContinueOnError)
	configPath := fset.String("config", "", "Path to YAML config")
	dsn := fset.String("dsn", "", "PostgreSQL DSN (overrides database.dsn)")
	migrationsDir := fset.String("migrations", "", "Directory of SQL migrations (default: embedded)")
	seedsDir := fset.String("seeds", "", "Directory of SQL seeds")
	timeout := fset.Duration("timeout", 30*time.Second, "Overall timeout")
	fset.Usage = func() {
		fmt.Fprintln(fset.Output(), usage)
		fset.PrintDefaults()
	}
	if err := fset.Parse(os.Args[1:]); err != nil {
		return 2
	}
	if fset.NArg() != 1 {
		fset.Usage()
		return 2
	}
	cmd := fset.Arg(0)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	obs.Configure(os.Stderr, cfg.Log.Level)
	logger := obs.Logger().With("command", cmd)

	if *dsn == "" {
		*dsn = cfg.Database.DSN
	}
	if *dsn == "" {
		logger.Error("no database configured; set -dsn or database.dsn")
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	store, err := pg.Open(*dsn)
	if err != nil {
		logger.Error("open database", "error", err)
		return 1
	}
	defer store.Close()

	var migrations fs.FS = migrate.Migrations()
	if *migrationsDir != "" {
		migrations = os.DirFS(*migrationsDir)
	}
	var seeds fs.FS
	if *seedsDir != "" {
		seeds = os.DirFS(*seedsDir)
	}
	mgr := migrate.NewManager(store.DB(), migrations, seeds)

	start := time.Now()
	switch cmd {
	case "up":
		err = mgr.Up(ctx)
	case "down":
		err = mgr.Down(ctx)
	case "seed":
		err = mgr.Seed(ctx)
	case "status":
		err = printStatus(ctx, mgr)
	case "pending":
		err = printPending(ctx, mgr)
	default:
		fset.Usage()
		return 2
	}
	if err != nil {
		logger.Error("migrate failed", "error", err)
		return 1
	}
	logger.Info("migrate done", "duration_ms", time.Since(start).Milliseconds())
	return 0
}

func printStatus(ctx context.Context, mgr *migrate.Manager) error {
	applied, err := mgr.Status(ctx)
	if err != nil {
		return err
	}
	for _, a := range applied {
		var note string
		if a.Missing {
			note = "  (file missing)"
		} else if a.Drifted {
			note = "  (file changed)"
		}
		fmt.Printf("%s  %s%s\n", a.AppliedAt.UTC().Format(time.RFC3339), a.Name, note)
	}
	return nil
}

func printPending(ctx context.Context, mgr *migrate.Manager) error {
	names, err := mgr.Pending(ctx)
	if err != nil {
		return err
	}
	for _, n := range names {
		fmt.Println(n)
	}
	return nil
}
