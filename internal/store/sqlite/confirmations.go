// Package sqlite persists pending confirmations in a SQLite file so they
// survive gateway restarts.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/nextlevelbuilder/wabridge/internal/confirm"
)

// ConfirmationStore implements confirm.Store on SQLite.
type ConfirmationStore struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path. Use ":memory:" in tests.
func Open(path string) (*ConfirmationStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("create confirmations dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open confirmations db: %w", err)
	}
	// One connection: SQLite serializes writers anyway, and ":memory:" is per-connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA busy_timeout = 5000`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure confirmations db: %w", err)
	}
	if err := applyMigrations(context.Background(), db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate confirmations db: %w", err)
	}
	return &ConfirmationStore{db: db}, nil
}

// Schema reports the on-disk schema version.
func (s *ConfirmationStore) Schema(ctx context.Context) (SchemaStatus, error) {
	v, dirty, err := schemaVersion(ctx, s.db)
	if err != nil {
		return SchemaStatus{}, err
	}
	return SchemaStatus{CurrentVersion: v, RequiredVersion: RequiredSchemaVersion, Dirty: dirty}, nil
}

func (s *ConfirmationStore) Get(ctx context.Context, chatID string) (confirm.Pending, error) {
	var (
		q       string
		created int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT original_question, created_at FROM pending_confirmations WHERE chat_id = ?`, chatID,
	).Scan(&q, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return confirm.Pending{}, confirm.ErrNotFound
	}
	if err != nil {
		return confirm.Pending{}, fmt.Errorf("select pending confirmation: %w", err)
	}
	return confirm.Pending{OriginalQuestion: q, CreatedAt: time.Unix(0, created)}, nil
}

func (s *ConfirmationStore) Save(ctx context.Context, chatID string, p confirm.Pending) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pending_confirmations (chat_id, original_question, created_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT(chat_id) DO UPDATE SET
			original_question = excluded.original_question,
			created_at = excluded.created_at`,
		chatID, p.OriginalQuestion, p.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("upsert pending confirmation: %w", err)
	}
	return nil
}

func (s *ConfirmationStore) Clear(ctx context.Context, chatID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM pending_confirmations WHERE chat_id = ?`, chatID); err != nil {
		return fmt.Errorf("delete pending confirmation: %w", err)
	}
	return nil
}

// Purge deletes entries created before cutoff and returns how many were removed.
func (s *ConfirmationStore) Purge(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM pending_confirmations WHERE created_at < ?`, cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("purge pending confirmations: %w", err)
	}
	return res.RowsAffected()
}

// Close closes the database.
func (s *ConfirmationStore) Close() error {
	return s.db.Close()
}
