package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib" // driver: pgx
	_ "modernc.org/sqlite"             // driver: sqlite
)

type Driver string

const (
	DriverSQLite   Driver = "sqlite"
	DriverPostgres Driver = "postgres"
)

// DriverForDSN infers the driver from the connection string. Postgres URLs
// start with postgres:// or postgresql://; everything else is treated as a
// sqlite DSN (file path or file: URI).
func DriverForDSN(dsn string) Driver {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return DriverPostgres
	}
	return DriverSQLite
}

// Open opens a DB handle and verifies connectivity. Schema management is
// separate; see Migrate.
func Open(ctx context.Context, dsn string) (*sql.DB, Driver, error) {
	driver := DriverForDSN(dsn)
	var drvName string
	switch driver {
	case DriverSQLite:
		drvName = "sqlite"
		if dsn == "" {
			dsn = "file:exambridge.db?cache=shared&mode=rwc&_pragma=busy_timeout(5000)"
		}
	case DriverPostgres:
		drvName = "pgx"
	default:
		return nil, "", fmt.Errorf("unsupported driver: %s", driver)
	}

	dbh, err := sql.Open(drvName, dsn)
	if err != nil {
		return nil, "", err
	}
	if err := dbh.PingContext(ctx); err != nil {
		dbh.Close()
		return nil, "", err
	}
	if driver == DriverSQLite {
		// Single writer keeps per-fingerprint inserts serialized without
		// advisory locks, which sqlite does not have.
		dbh.SetMaxOpenConns(1)
	}
	return dbh, driver, nil
}
