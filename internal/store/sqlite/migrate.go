package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// RequiredSchemaVersion is the schema version this binary writes.
const RequiredSchemaVersion uint = 2

// ErrSchemaAhead is returned when the database was written by a newer binary.
var ErrSchemaAhead = errors.New("confirmations schema is newer than this binary")

// SchemaStatus is the result of a schema check.
type SchemaStatus struct {
	CurrentVersion  uint
	RequiredVersion uint
	Dirty           bool
}

// Compatible reports whether the schema matches this binary.
func (s SchemaStatus) Compatible() bool {
	return !s.Dirty && s.CurrentVersion == s.RequiredVersion
}

// schemaVersion reads the version recorded by golang-migrate. A database
// that was never migrated reports version 0.
func schemaVersion(ctx context.Context, db *sql.DB) (uint, bool, error) {
	var (
		v     int64
		dirty bool
	)
	err := db.QueryRowContext(ctx,
		`SELECT version, dirty FROM `+migratesqlite.DefaultMigrationsTable+` LIMIT 1`,
	).Scan(&v, &dirty)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("read schema version: %w", err)
	}
	if v < 0 {
		return 0, dirty, nil
	}
	return uint(v), dirty, nil
}

// Inspect reports the schema of the database at path without creating or
// migrating it. A missing file returns an error wrapping fs.ErrNotExist.
func Inspect(ctx context.Context, path string) (SchemaStatus, error) {
	if _, err := os.Stat(path); err != nil {
		return SchemaStatus{}, err
	}
	dsn := (&url.URL{Scheme: "file", OmitHost: true, Path: path, RawQuery: "mode=ro"}).String()
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return SchemaStatus{}, fmt.Errorf("open confirmations db: %w", err)
	}
	defer db.Close()

	var tables int
	err = db.QueryRowContext(ctx,
		`SELECT count(*) FROM sqlite_master WHERE type = 'table' AND name = ?`,
		migratesqlite.DefaultMigrationsTable,
	).Scan(&tables)
	if err != nil {
		return SchemaStatus{}, fmt.Errorf("inspect confirmations db: %w", err)
	}
	st := SchemaStatus{RequiredVersion: RequiredSchemaVersion}
	if tables == 0 {
		return st, nil
	}
	st.CurrentVersion, st.Dirty, err = schemaVersion(ctx, db)
	return st, err
}

// applyMigrations applies pending migrations from the embedded migrations directory.
func applyMigrations(ctx context.Context, db *sql.DB) error {
	src, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("open migration source: %w", err)
	}
	drv, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("open migration driver: %w", err)
	}

	current, dirty, err := schemaVersion(ctx, db)
	if err != nil {
		return err
	}
	if dirty {
		return fmt.Errorf("confirmations schema is dirty at v%d", current)
	}
	if current > RequiredSchemaVersion {
		return fmt.Errorf("%w: v%d, binary requires v%d", ErrSchemaAhead, current, RequiredSchemaVersion)
	}
	if current == RequiredSchemaVersion {
		return nil
	}

	// m.Close would close db through the driver; the store owns db.
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", drv)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate up: %w", err)
	}
	slog.Info("confirmations schema migrated", "from", current, "to", RequiredSchemaVersion)
	return nil
}
