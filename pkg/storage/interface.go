package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/openapex/wabridge/pkg/storage/repository"
)

// Storage is the main storage abstraction interface.
type Storage interface {
	Credentials() repository.CredentialRepository

	// Lifecycle management
	Connect(ctx context.Context) error
	Close() error

	// Health check
	Ping(ctx context.Context) error
}

// SQLStorage is implemented by database-backed storages so the whatsmeow
// device store can share the same database.
type SQLStorage interface {
	Storage
	DB() *sql.DB
	Dialect() string
}

// Config holds storage configuration for different backends.
type Config struct {
	Type         string        // "file", "postgres", "sqlite"
	FilePath     string        // For file storage: blob path. For sqlite: database path.
	DatabaseURL  string        // For postgres (connection string)
	SSLEnabled   bool          // Enable SSL for database connections
	Encrypt      bool          // Seal blobs with the keyring master key
	MaxIdleConns int           // Database connection pool - max idle connections
	MaxOpenConns int           // Database connection pool - max open connections
	MaxLifetime  time.Duration // Database connection pool - max lifetime
}

// DefaultConfig returns a default storage configuration.
func DefaultConfig(storageType string) Config {
	return Config{
		Type:         storageType,
		Encrypt:      true,
		MaxIdleConns: 2,
		MaxOpenConns: 5,
		MaxLifetime:  5 * time.Minute,
	}
}
