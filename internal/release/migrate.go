package release

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

const (
	migrationsPath  = "migrations"
	migrationsTable = "schema_migrations"

	// Keep in sync with the SQL files under migrations/.
	schemaVersion = 1
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Migrate brings the summary database schema up to date.
func Migrate(db *sql.DB) error {
	if db == nil {
		return fmt.Errorf("migrate summary db: nil db")
	}

	sourceDriver, err := iofs.New(migrationsFS, migrationsPath)
	if err != nil {
		return fmt.Errorf("migrate summary db: init source: %w", err)
	}
	dbDriver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{
		MigrationsTable: migrationsTable,
	})
	if err != nil {
		return fmt.Errorf("migrate summary db: init db driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", dbDriver)
	if err != nil {
		return fmt.Errorf("migrate summary db: init migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate summary db: up: %w", err)
	}
	return nil
}

// SchemaVersion reads the applied migration version. A database that was
// never migrated reports 0.
func SchemaVersion(db *sql.DB) (int, error) {
	var version sql.NullInt64
	err := db.QueryRow(fmt.Sprintf("SELECT version FROM %s LIMIT 1", migrationsTable)).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", migrationsTable, err)
	}
	return int(version.Int64), nil
}
