package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/maestro/internal/config"
	"github.com/nextlevelbuilder/maestro/internal/store/pg"
	"github.com/nextlevelbuilder/maestro/internal/store/sqlite"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations to every project store",
		Run: func(cmd *cobra.Command, args []string) {
			setupLogging()
			if err := runMigrate(); err != nil {
				slog.Error("migrate failed", "error", err)
				os.Exit(1)
			}
		},
	}
}

func runMigrate() error {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return err
	}

	if cfg.IsPostgres() {
		ctx := context.Background()
		db, err := pg.OpenDB(ctx, cfg.Database.PostgresDSN)
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		defer db.Close()
		if err := pg.EnsureSchema(ctx, db); err != nil {
			return fmt.Errorf("postgres schema: %w", err)
		}
		fmt.Println("postgres schema up to date")
		return nil
	}

	projects, err := config.LoadProjects(cfg.ProjectsDir())
	if err != nil {
		return err
	}

	// Opening a sqlite store applies its pending migrations.
	migrated := 0
	for id, p := range projects {
		s, err := sqlite.Open(p.DBPath())
		if err != nil {
			return fmt.Errorf("project %s: %w", id, err)
		}
		s.Close()
		fmt.Printf("project %-20s %s\n", id, p.DBPath())
		migrated++
	}

	s, err := sqlite.Open(cfg.SystemAIDBPath())
	if err != nil {
		return fmt.Errorf("system ai store: %w", err)
	}
	s.Close()
	fmt.Printf("system ai            %s\n", cfg.SystemAIDBPath())

	fmt.Printf("%d project stores up to date\n", migrated)
	return nil
}
