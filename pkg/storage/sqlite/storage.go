package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/openapex/wabridge/pkg/storage/repository"
)

const schema = `
CREATE TABLE IF NOT EXISTS session_credentials (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	blob BLOB NOT NULL,
	updated_at TEXT NOT NULL
)`

// SQLiteStorage keeps credentials in a local SQLite database. The same
// database can host the whatsmeow device store.
type SQLiteStorage struct {
	path  string
	db    *sql.DB
	creds repository.CredentialRepository
}

func NewSQLiteStorage(path string) (*SQLiteStorage, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required for sqlite storage")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create sqlite directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// Serialize all database access through a single connection to prevent SQLITE_BUSY
	db.SetMaxOpenConns(1)

	return &SQLiteStorage{
		path:  path,
		db:    db,
		creds: &credentialRepository{db: db},
	}, nil
}

func (s *SQLiteStorage) Connect(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to ping sqlite: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create credentials table: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *SQLiteStorage) Credentials() repository.CredentialRepository { return s.creds }
func (s *SQLiteStorage) Ping(ctx context.Context) error               { return s.db.PingContext(ctx) }
func (s *SQLiteStorage) DB() *sql.DB                                  { return s.db }
func (s *SQLiteStorage) Dialect() string                              { return "sqlite" }

type credentialRepository struct {
	db *sql.DB
}

func (r *credentialRepository) Load(ctx context.Context) ([]byte, error) {
	var blob []byte
	err := r.db.QueryRowContext(ctx, `SELECT blob FROM session_credentials WHERE id = 1`).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return blob, nil
}

func (r *credentialRepository) Save(ctx context.Context, blob []byte) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO session_credentials (id, blob, updated_at)
		VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			blob = excluded.blob,
			updated_at = excluded.updated_at
	`, blob, time.Now().UTC().Format(time.RFC3339Nano))
	return err
}

func (r *credentialRepository) Clear(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM session_credentials WHERE id = 1`)
	return err
}
