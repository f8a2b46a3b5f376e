package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/ledgerline/ledgerline/internal/config"
	eventlogpostgres "github.com/ledgerline/ledgerline/internal/eventlog/postgres"
	"github.com/ledgerline/ledgerline/internal/migrations"
)

func main() {
	os.Exit(run())
}

func run() int {
	direction := flag.String("direction", "up", "migration direction: up|down|status")
	steps := flag.Int("steps", 0, "number of migration steps; 0 means all for up, 1 for down")
	flag.Parse()

	cfg, err := config.LoadFromEnv("ledgerline-migrate")
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		return 1
	}
	if cfg.EventStore.DSN == "" {
		fmt.Fprintln(os.Stderr, "LEDGERLINE_EVENTSTORE_DSN is required")
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	db, err := eventlogpostgres.Open(ctx, eventlogpostgres.DBConfig{DSN: cfg.EventStore.DSN, PingTimeout: 10 * time.Second})
	if err != nil {
		fmt.Fprintf(os.Stderr, "database open error: %v\n", err)
		return 1
	}
	defer func() { _ = db.Close() }()

	runner := migrations.NewRunner()
	switch *direction {
	case "up":
		applied, err := runner.Up(ctx, db, *steps)
		if err != nil {
			fmt.Fprintf(os.Stderr, "migration up failed: %v\n", err)
			return 1
		}
		fmt.Printf("applied %d migration(s)\n", applied)
	case "down":
		applied, err := runner.Down(ctx, db, *steps)
		if err != nil {
			fmt.Fprintf(os.Stderr, "migration down failed: %v\n", err)
			return 1
		}
		fmt.Printf("rolled back %d migration(s)\n", applied)
	case "status":
		statuses, err := runner.Status(ctx, db)
		if err != nil {
			fmt.Fprintf(os.Stderr, "migration status failed: %v\n", err)
			return 1
		}
		for _, status := range statuses {
			switch {
			case status.Drifted:
				fmt.Printf("%06d_%s drifted (applied %s)\n", status.Version, status.Name, status.AppliedAt.Format(time.RFC3339))
			case status.Applied:
				fmt.Printf("%06d_%s applied %s\n", status.Version, status.Name, status.AppliedAt.Format(time.RFC3339))
			default:
				fmt.Printf("%06d_%s pending\n", status.Version, status.Name)
			}
		}
	default:
		fmt.Fprintf(os.Stderr, "invalid direction: %s\n", *direction)
		return 1
	}
	return 0
}
