package main

import (
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/spf13/cobra"

	"github.com/spec-kit/entitlement-service/internal/config"
	"github.com/spec-kit/entitlement-service/internal/persistence"
)

var migrateCmd = &cobra.Command{
	Use:       "migrate [up|down|version]",
	Short:     "Apply or inspect database migrations",
	Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{"up", "down", "version"},
	RunE: func(cmd *cobra.Command, args []string) error {
		action := "up"
		if len(args) == 1 {
			action = args[0]
		}

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if cfg.Postgres.DSN == "" {
			return errors.New("POSTGRES_DSN is required")
		}

		m, err := persistence.NewMigrator(cfg.Postgres.DSN)
		if err != nil {
			return err
		}
		defer m.Close()

		switch action {
		case "up":
			err = m.Up()
		case "down":
			err = m.Steps(-1)
		}
		if err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return fmt.Errorf("migrate %s: %w", action, err)
		}

		version, dirty, err := m.Version()
		if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
			return fmt.Errorf("read version: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "version %d (dirty=%t)\n", version, dirty)
		return nil
	},
}
