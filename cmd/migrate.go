package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/kozaktomas/face-attendance/internal/config"
	"github.com/kozaktomas/face-attendance/internal/database/postgres"
	"github.com/kozaktomas/face-attendance/internal/database/sqlite"
	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations",
	Long: `Apply pending schema migrations to the configured database.

With --status nothing is changed; applied and pending migrations are listed.
SQLite databases are migrated whenever they are opened, so for that driver
--status only lists what is applied.`,
	RunE: runMigrate,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
	migrateCmd.Flags().Bool("status", false, "Only show migration status")
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := context.Background()
	status := mustGetBool(cmd, "status")

	switch cfg.Database.Driver {
	case config.DriverPostgres:
		return migratePostgres(ctx, cfg, status)
	case config.DriverSQLite:
		return migrateSQLite(ctx, cfg)
	default:
		return errors.New("the memory driver has no schema to migrate")
	}
}

func migratePostgres(ctx context.Context, cfg *config.Config, status bool) error {
	pool, err := postgres.NewPool(&cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}
	defer pool.Close()

	if status {
		applied, err := pool.MigrationsApplied(ctx)
		if err != nil {
			return fmt.Errorf("listing applied migrations: %w", err)
		}
		pending, err := pool.PendingMigrations(ctx)
		if err != nil {
			return fmt.Errorf("listing pending migrations: %w", err)
		}
		printMigrations("Applied", applied)
		printMigrations("Pending", pending)
		return nil
	}

	done, err := pool.Migrate(ctx)
	printMigrations("Applied now", done)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	return nil
}

func migrateSQLite(ctx context.Context, cfg *config.Config) error {
	store, err := sqlite.Open(ctx, &cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to open SQLite: %w", err)
	}
	defer store.Close()

	applied, err := sqlite.MigrationsApplied(ctx, store.DB())
	if err != nil {
		return fmt.Errorf("listing applied migrations: %w", err)
	}
	printMigrations("Applied", applied)
	return nil
}

func printMigrations(title string, names []string) {
	fmt.Printf("%s (%d):\n", title, len(names))
	for _, n := range names {
		fmt.Printf("  %s\n", n)
	}
}
