package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/jmoiron/sqlx"
	"github.com/urfave/cli/v3"

	"github.com/acme/outbound-voice-agent/internal/config"
	"github.com/acme/outbound-voice-agent/internal/infra/db"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cmd := &cli.Command{
		Name:  "migrate",
		Usage: "Manage the Postgres schema",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to configuration file",
				Value:   "configs/config.yaml",
				Sources: cli.EnvVars("CONFIG_FILE"),
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "up",
				Usage:  "Apply all pending migrations",
				Action: withPostgres(db.MigrateUp),
			},
			{
				Name:   "down",
				Usage:  "Roll back the latest migration",
				Action: withPostgres(db.MigrateDown),
			},
			{
				Name:   "status",
				Usage:  "Show applied migrations",
				Action: withPostgres(db.MigrateStatus),
			},
		},
		DefaultCommand: "up",
	}

	if err := cmd.Run(ctx, os.Args); err != nil {
		log.Fatalf("migrate: %v", err)
	}
}

func withPostgres(run func(context.Context, *sqlx.DB) error) cli.ActionFunc {
	return func(ctx context.Context, cmd *cli.Command) error {
		cfg, err := config.Load(cmd.String("config"))
		if err != nil {
			return err
		}
		pg, err := db.NewPostgres(ctx, cfg.Postgres)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		defer pg.Close()
		return run(ctx, pg.DB())
	}
}
