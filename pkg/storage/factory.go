package storage

import (
	"fmt"

	"github.com/openapex/wabridge/pkg/storage/file"
	"github.com/openapex/wabridge/pkg/storage/postgres"
	"github.com/openapex/wabridge/pkg/storage/sqlite"
)

// NewStorage creates a Storage implementation based on the provided configuration.
// Supported types: "file", "postgres", "sqlite"
func NewStorage(cfg Config) (Storage, error) {
	var (
		s   Storage
		err error
	)
	switch cfg.Type {
	case "", "file":
		s, err = file.NewFileStorage(cfg.FilePath)
	case "sqlite":
		s, err = sqlite.NewSQLiteStorage(cfg.FilePath)
	case "postgres":
		s, err = postgres.NewPostgresStorage(cfg.DatabaseURL, cfg.SSLEnabled, cfg.MaxIdleConns, cfg.MaxOpenConns, cfg.MaxLifetime)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s (supported: file, postgres, sqlite)", cfg.Type)
	}
	if err != nil {
		return nil, err
	}

	if cfg.Encrypt {
		return Seal(s, KeyringMasterKey), nil
	}
	return s, nil
}
