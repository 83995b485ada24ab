package platform

import (
	"fmt"
	"path/filepath"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite3"
	_ "github.com/golang-migrate/migrate/v4/source/file"
)

// RunMigrations applies the schema migrations under migrationsDir to
// databaseURL. The migration source directory is backend-specific
// (migrationsDir/postgres or migrationsDir/sqlite) since the two
// backends' DDL dialects diverge enough that a single migration set
// cannot serve both.
func RunMigrations(databaseURL, migrationsDir string, sqlite bool) error {
	dialect := "postgres"
	if sqlite {
		dialect = "sqlite"
	}
	sourceURL := fmt.Sprintf("file://%s", filepath.Join(migrationsDir, dialect))

	m, err := migrate.New(sourceURL, databaseURL)
	if err != nil {
		return fmt.Errorf("creating migrator: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("running migrations: %w", err)
	}

	return nil
}
