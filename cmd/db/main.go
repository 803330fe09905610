package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"regexp"
	"strings"

	"github.com/robalyx/fitroom/internal/database"
	"github.com/robalyx/fitroom/internal/database/migrations"
	"github.com/robalyx/fitroom/internal/setup/config"
	"github.com/uptrace/bun/migrate"
	"github.com/urfave/cli/v3"
	"go.uber.org/zap"
)

var (
	ErrNameRequired = errors.New("NAME argument required")
	ErrInvalidName  = errors.New("migration name must contain letters or digits")
)

var nameSeparators = regexp.MustCompile(`[^a-z0-9]+`)

// migratorAction receives a connected migrator.
type migratorAction func(ctx context.Context, c *cli.Command, migrator *migrate.Migrator, logger *zap.Logger) error

func main() {
	if err := run(); err != nil {
		log.Printf("Error: %v", err)
		os.Exit(1)
	}
}

func run() error {
	app := &cli.Command{
		Name:  "db",
		Usage: "Manage the try-on cache and user photo schema",
		Commands: []*cli.Command{
			{
				Name:   "init",
				Usage:  "Create the bun migration bookkeeping tables",
				Action: withMigrator(handleInit),
			},
			{
				Name:   "migrate",
				Usage:  "Apply pending schema migrations under the migration lock",
				Action: withMigrator(handleMigrate),
			},
			{
				Name:   "rollback",
				Usage:  "Roll back the most recently applied migration group",
				Action: withMigrator(handleRollback),
			},
			{
				Name:   "status",
				Usage:  "List applied and pending migrations",
				Action: withMigrator(handleStatus),
			},
			{
				Name:      "create",
				Usage:     "Create a new Go migration file",
				ArgsUsage: "NAME",
				Description: `NAME is normalized to snake_case, so "Add photo index" creates
<timestamp>_add_photo_index.go in the migrations package.`,
				Action: withMigrator(handleCreate),
			},
		},
	}

	return app.Run(context.Background(), os.Args)
}

// withMigrator connects to the database only for the command being run so
// that help output works without a reachable server.
func withMigrator(action migratorAction) cli.ActionFunc {
	return func(ctx context.Context, c *cli.Command) error {
		db, migrator, logger, err := setupMigrator(ctx)
		if err != nil {
			return fmt.Errorf("failed to setup migrator: %w", err)
		}
		defer db.Close()

		return action(ctx, c, migrator, logger)
	}
}

func handleInit(ctx context.Context, _ *cli.Command, migrator *migrate.Migrator, logger *zap.Logger) error {
	if err := migrator.Init(ctx); err != nil {
		return err
	}

	logger.Info("Migration tables ready")
	return nil
}

func handleMigrate(ctx context.Context, _ *cli.Command, migrator *migrate.Migrator, logger *zap.Logger) error {
	if err := migrator.Lock(ctx); err != nil {
		return err
	}
	defer migrator.Unlock(ctx) //nolint:errcheck

	group, err := migrator.Migrate(ctx)
	if err != nil {
		return err
	}

	if group.IsZero() {
		logger.Info("No new migrations to run (database is up to date)")
		return nil
	}

	logger.Info("Successfully migrated",
		zap.String("group", group.String()),
		zap.Strings("migrations", migrationNames(group.Migrations)))
	return nil
}

func handleRollback(ctx context.Context, _ *cli.Command, migrator *migrate.Migrator, logger *zap.Logger) error {
	if err := migrator.Lock(ctx); err != nil {
		return err
	}
	defer migrator.Unlock(ctx) //nolint:errcheck

	group, err := migrator.Rollback(ctx)
	if err != nil {
		return err
	}

	if group.IsZero() {
		logger.Info("No groups to roll back")
		return nil
	}

	logger.Info("Successfully rolled back",
		zap.String("group", group.String()),
		zap.Strings("migrations", migrationNames(group.Migrations)))
	return nil
}

func handleStatus(ctx context.Context, _ *cli.Command, migrator *migrate.Migrator, logger *zap.Logger) error {
	ms, err := migrator.MigrationsWithStatus(ctx)
	if err != nil {
		return err
	}

	status := summarize(ms)

	logger.Info("Migration status",
		zap.Strings("applied", status.Applied),
		zap.Strings("pending", status.Pending),
		zap.Int64("lastGroup", status.LastGroup))

	if len(status.Pending) > 0 {
		logger.Warn("Database schema is behind, run 'db migrate' before starting fitroom")
	}
	return nil
}

func handleCreate(ctx context.Context, c *cli.Command, migrator *migrate.Migrator, logger *zap.Logger) error {
	if c.Args().Len() != 1 {
		return ErrNameRequired
	}

	name, err := migrationName(c.Args().First())
	if err != nil {
		return err
	}

	mf, err := migrator.CreateGoMigration(ctx, name)
	if err != nil {
		return err
	}

	logger.Info("Created Go migration",
		zap.String("name", mf.Name),
		zap.String("path", mf.Path))
	return nil
}

// migrationStatus splits migrations into applied and pending names.
type migrationStatus struct {
	Applied   []string
	Pending   []string
	LastGroup int64
}

func summarize(ms migrate.MigrationSlice) migrationStatus {
	var status migrationStatus
	for _, m := range ms {
		if !m.IsApplied() {
			status.Pending = append(status.Pending, m.Name)
			continue
		}

		status.Applied = append(status.Applied, m.Name)
		status.LastGroup = max(status.LastGroup, m.GroupID)
	}

	return status
}

// migrationName turns free text into a snake_case migration name.
func migrationName(raw string) (string, error) {
	name := nameSeparators.ReplaceAllString(strings.ToLower(raw), "_")
	name = strings.Trim(name, "_")
	if name == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, raw)
	}

	return name, nil
}

func migrationNames(ms migrate.MigrationSlice) []string {
	names := make([]string, 0, len(ms))
	for _, m := range ms {
		names = append(names, m.Name)
	}
	return names
}

// setupMigrator initializes the database connection and migrator.
func setupMigrator(ctx context.Context) (database.Client, *migrate.Migrator, *zap.Logger, error) {
	cfg, _, err := config.LoadConfig()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := zap.NewDevelopment()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to create logger: %w", err)
	}

	db, err := database.NewConnection(ctx, &cfg.Common.PostgreSQL, logger, database.Options{
		MaxPhotos: cfg.TryOn.Photos.MaxPerUser,
	})
	if err != nil {
		return nil, nil, logger, fmt.Errorf("failed to connect to database: %w", err)
	}

	migrator := migrate.NewMigrator(db.DB(), migrations.Migrations)

	return db, migrator, logger, nil
}
