package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"actuaria.org/internal/migrate"
)

const usageText = `usage: migrate [flags] <command>

commands:
  up      apply pending schema migrations
  down    roll back the most recently applied migration
  seed    apply pending seed files
  status  list applied migrations

flags:
`

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "migrate:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("migrate", flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprint(fs.Output(), usageText)
		fs.PrintDefaults()
	}
	var (
		dsn           = fs.String("dsn", os.Getenv("ACTUARIA_PG_DSN"), "PostgreSQL DSN (defaults to ACTUARIA_PG_DSN)")
		migrationsDir = fs.String("migrations", "ops/migrations/sql", "directory holding .up.sql/.down.sql pairs")
		seedsDir      = fs.String("seeds", "ops/migrations/seeds", "directory holding idempotent seed files")
		timeout       = fs.Duration("timeout", 30*time.Second, "overall command timeout")
	)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *dsn == "" {
		return errors.New("no DSN: pass -dsn or set ACTUARIA_PG_DSN")
	}
	cmd := fs.Arg(0)
	if cmd == "" {
		fs.Usage()
		return errors.New("no command given")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	db, err := sql.Open("pgx", *dsn)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	mgr := migrate.NewManager(db, *migrationsDir, *seedsDir)

	switch cmd {
	case "up":
		return mgr.Up(ctx)
	case "down":
		return mgr.Down(ctx)
	case "seed":
		return mgr.Seed(ctx)
	case "status":
		applied, err := mgr.Status(ctx)
		if err != nil {
			return err
		}
		if len(applied) == 0 {
			fmt.Println("no migrations applied")
			return nil
		}
		for _, name := range applied {
			fmt.Println("applied:", name)
		}
		return nil
	default:
		fs.Usage()
		return fmt.Errorf("unknown command %q", cmd)
	}
}
