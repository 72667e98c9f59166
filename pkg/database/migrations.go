package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"go.uber.org/zap"

	"github.com/sqlgate-io/sqlgate/pkg/retry"
)

// migrationSourceURL turns a migrations directory into a source URL for the
// migrator. Paths pick up the file:// scheme; anything already carrying a
// scheme passes through.
func migrationSourceURL(path string) string {
	if strings.Contains(path, "://") {
		return path
	}
	return "file://" + path
}

// RunMigrations brings the control-plane schema up to date from the given
// migrations directory. Idempotent; an up-to-date schema is a no-op. The
// whole run sits inside the retry ladder like the policy loader, since
// sqlgate regularly starts alongside its database.
func RunMigrations(ctx context.Context, db *sql.DB, migrationsPath string, logger *zap.Logger) error {
	return retry.DoIfRetryable(ctx, retry.DefaultConfig(), func() error {
		return applyMigrations(db, migrationsPath, logger)
	})
}

func applyMigrations(db *sql.DB, migrationsPath string, logger *zap.Logger) error {
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance(migrationSourceURL(migrationsPath), "postgres", driver)
	if err != nil {
		return fmt.Errorf("migration instance: %w", err)
	}
	defer func() {
		if srcErr, dbErr := m.Close(); srcErr != nil || dbErr != nil {
			logger.Warn("Closing migrator reported errors",
				zap.NamedError("source", srcErr),
				zap.NamedError("database", dbErr))
		}
	}()

	switch err := m.Up(); err {
	case nil:
		version, dirty, _ := m.Version()
		logger.Info("Control-plane schema migrated",
			zap.Uint("version", version),
			zap.Bool("dirty", dirty))
		return nil
	case migrate.ErrNoChange:
		logger.Info("Control-plane schema already current")
		return nil
	default:
		return fmt.Errorf("apply migrations: %w", err)
	}
}
