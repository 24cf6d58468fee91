package repository

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Load when no credential blob has been stored yet.
var ErrNotFound = errors.New("credentials not found")

// CredentialRepository persists the chat session's opaque credential blob.
// Save must replace the previous blob atomically: after a crash the store
// holds either the old or the new blob, never a mix.
type CredentialRepository interface {
	// Load returns the current blob or ErrNotFound.
	Load(ctx context.Context) ([]byte, error)

	// Save replaces the stored blob.
	Save(ctx context.Context, blob []byte) error

	// Clear removes the stored blob. Clearing an empty store is not an error.
	Clear(ctx context.Context) error
}
