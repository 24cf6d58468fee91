package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/openapex/wabridge/pkg/storage/repository"
)

// dbExecutor is an interface that works with both *sql.DB and *sql.Tx
type dbExecutor interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

type credentialRepository struct {
	db dbExecutor
}

// NewCredentialRepository creates a new PostgreSQL credential repository.
func NewCredentialRepository(db dbExecutor) repository.CredentialRepository {
	return &credentialRepository{db: db}
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

// Save upserts the single credentials row in one statement.
func (r *credentialRepository) Save(ctx context.Context, blob []byte) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO session_credentials (id, blob, updated_at)
		VALUES (1, $1, $2)
		ON CONFLICT (id) DO UPDATE SET
			blob = excluded.blob,
			updated_at = excluded.updated_at
	`, blob, time.Now().UTC())
	return err
}

func (r *credentialRepository) Clear(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM session_credentials WHERE id = 1`)
	return err
}
