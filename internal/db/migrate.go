package db

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log"

	"github.com/pressly/goose/v3"
)

//go:embed migrations/postgres/*.sql migrations/sqlite/*.sql
var migrationsFS embed.FS

// Migrate applies all pending schema migrations. goose serializes appliers
// through its version table, so concurrent boots are safe; once current,
// boot performs no schema writes.
func Migrate(ctx context.Context, dbh *sql.DB, driver Driver) error {
	var (
		dialect goose.Dialect
		dir     string
	)
	switch driver {
	case DriverPostgres:
		dialect, dir = goose.DialectPostgres, "migrations/postgres"
	case DriverSQLite:
		dialect, dir = goose.DialectSQLite3, "migrations/sqlite"
	default:
		return fmt.Errorf("db: no migrations for driver %s", driver)
	}

	subFS, err := fs.Sub(migrationsFS, dir)
	if err != nil {
		return fmt.Errorf("db: migration sub-filesystem: %w", err)
	}
	provider, err := goose.NewProvider(dialect, dbh, subFS)
	if err != nil {
		return fmt.Errorf("db: migration provider: %w", err)
	}
	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("db: running migrations: %w", err)
	}
	for _, r := range results {
		log.Printf("applied migration %s (%dms)", r.Source.Path, r.Duration.Milliseconds())
	}
	return nil
}
