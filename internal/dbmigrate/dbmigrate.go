package dbmigrate

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	migratedb "github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
)

// DefaultSource is resolved relative to the working directory, i.e. the repository root.
const DefaultSource = "file://db/migrations"

type Migrator interface {
	Up() error
	Down() error
	Steps(n int) error
	Force(version int) error
	Version() (version uint, dirty bool, err error)
}

// These factories are overridden in tests to avoid requiring a real Postgres database connection.
var WithPostgresInstance = func(db *sql.DB) (migratedb.Driver, error) {
	return postgres.WithInstance(db, &postgres.Config{})
}

var NewWithDB = func(sourceURL string, databaseName string, driver migratedb.Driver) (Migrator, error) {
	return migrate.NewWithDatabaseInstance(sourceURL, databaseName, driver)
}

// SourceFromEnv returns MIGRATIONS_PATH as a file:// URL, or DefaultSource when unset.
func SourceFromEnv(getenv func(string) string) string {
	if getenv == nil {
		return DefaultSource
	}
	p := strings.TrimSpace(getenv("MIGRATIONS_PATH"))
	if p == "" {
		return DefaultSource
	}
	if strings.Contains(p, "://") {
		return p
	}
	return "file://" + p
}

func New(db *sql.DB, sourceURL string) (Migrator, error) {
	if db == nil {
		return nil, fmt.Errorf("db is nil")
	}
	if sourceURL == "" {
		sourceURL = DefaultSource
	}
	driver, err := WithPostgresInstance(db)
	if err != nil {
		return nil, fmt.Errorf("create migration driver: %w", err)
	}
	m, err := NewWithDB(sourceURL, "postgres", driver)
	if err != nil {
		return nil, fmt.Errorf("create migrate instance: %w", err)
	}
	return m, nil
}

// Up applies every pending migration. An already up-to-date schema is not an error.
func Up(db *sql.DB, sourceURL string) error {
	m, err := New(db, sourceURL)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

// Apply runs direction ("up" or "down"), limited to steps when steps > 0.
func Apply(m Migrator, direction string, steps int) error {
	switch direction {
	case "up":
		if steps > 0 {
			return m.Steps(steps)
		}
		return m.Up()
	case "down":
		if steps > 0 {
			return m.Steps(-steps)
		}
		return m.Down()
	default:
		return fmt.Errorf("invalid direction: %s (must be 'up' or 'down')", direction)
	}
}

// Describe reports the schema version in the form the migrate CLI prints.
func Describe(m Migrator) (string, error) {
	v, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return "No migrations applied", nil
	}
	if err != nil {
		return "", err
	}
	if dirty {
		return fmt.Sprintf("Version %d (dirty)", v), nil
	}
	return fmt.Sprintf("Version %d", v), nil
}
