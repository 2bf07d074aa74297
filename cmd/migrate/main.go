// Command migrate applies the embedded SQL migrations up or down.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"

	"outreach-platform/internal/config"
	"outreach-platform/migrations"
	"outreach-platform/pkg/logger"
	"outreach-platform/pkg/utils"

	"github.com/golang-migrate/migrate/v4"
	pgxmigrate "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"
)

func main() {
	direction := flag.String("direction", "up", "migration direction: up or down")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	if err := run(cfg, *direction); err != nil {
		log.Error("migration failed", "direction", *direction, "err", err)
		os.Exit(1)
	}
	log.Info("migrations applied", "direction", *direction)
}

func run(cfg config.Config, direction string) error {
	if direction != "up" && direction != "down" {
		return errors.New("direction must be up or down")
	}

	db, err := utils.OpenPostgres(context.Background(), "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{})
	if err != nil {
		return err
	}
	defer db.Close()

	source, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return err
	}
	driver, err := pgxmigrate.WithInstance(db, &pgxmigrate.Config{})
	if err != nil {
		return err
	}
	m, err := migrate.NewWithInstance("iofs", source, "pgx5", driver)
	if err != nil {
		return err
	}

	switch direction {
	case "up":
		err = m.Up()
	case "down":
		err = m.Down()
	}
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}
