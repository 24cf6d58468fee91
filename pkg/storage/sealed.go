package storage

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/zalando/go-keyring"

	"github.com/openapex/wabridge/pkg/storage/repository"
)

const (
	keyringService   = "wabridge"
	keyringMasterKey = "credentials-master-key"
	sealVersion      = byte(1)
)

// KeyFunc returns the 32-byte AES key used to seal credential blobs.
type KeyFunc func() ([]byte, error)

type sealedStorage struct {
	Storage
	creds *sealedCredentials
}

// Seal wraps s so that blobs are AES-GCM encrypted before they reach the
// backend. The key is resolved lazily on first use.
func Seal(s Storage, key KeyFunc) Storage {
	sealed := &sealedStorage{
		Storage: s,
		creds:   &sealedCredentials{inner: s.Credentials(), key: key},
	}
	if sqlS, ok := s.(SQLStorage); ok {
		return &sealedSQLStorage{sealedStorage: sealed, backend: sqlS}
	}
	return sealed
}

func (s *sealedStorage) Credentials() repository.CredentialRepository {
	return s.creds
}

type sealedSQLStorage struct {
	*sealedStorage
	backend SQLStorage
}

func (s *sealedSQLStorage) DB() *sql.DB     { return s.backend.DB() }
func (s *sealedSQLStorage) Dialect() string { return s.backend.Dialect() }

type sealedCredentials struct {
	inner repository.CredentialRepository
	key   KeyFunc
}

func (c *sealedCredentials) Load(ctx context.Context) ([]byte, error) {
	sealed, err := c.inner.Load(ctx)
	if err != nil {
		return nil, err
	}
	key, err := c.key()
	if err != nil {
		return nil, fmt.Errorf("credentials master key: %w", err)
	}
	return open(key, sealed)
}

func (c *sealedCredentials) Save(ctx context.Context, blob []byte) error {
	key, err := c.key()
	if err != nil {
		return fmt.Errorf("credentials master key: %w", err)
	}
	sealed, err := seal(key, blob)
	if err != nil {
		return err
	}
	return c.inner.Save(ctx, sealed)
}

func (c *sealedCredentials) Clear(ctx context.Context) error {
	return c.inner.Clear(ctx)
}

func seal(key, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	out := make([]byte, 0, 1+len(nonce)+len(plaintext)+gcm.Overhead())
	out = append(out, sealVersion)
	out = append(out, nonce...)
	return gcm.Seal(out, nonce, plaintext, nil), nil
}

func open(key, sealed []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(sealed) < 1+gcm.NonceSize() || sealed[0] != sealVersion {
		return nil, errors.New("sealed credentials: unknown format")
	}
	nonce := sealed[1 : 1+gcm.NonceSize()]
	return gcm.Open(nil, nonce, sealed[1+gcm.NonceSize():], nil)
}

// KeyringMasterKey loads the master key from the system keyring, falling
// back to a local key file on headless hosts, and creates one if neither
// exists.
func KeyringMasterKey() ([]byte, error) {
	encoded, err := keyring.Get(keyringService, keyringMasterKey)
	if err == nil {
		key, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, err
		}
		if len(key) != 32 {
			return nil, fmt.Errorf("invalid credentials master key length")
		}
		return key, nil
	}

	if key, fileErr := loadMasterKeyFromFallbackFile(); fileErr == nil {
		return key, nil
	}

	key := make([]byte, 32)
	if _, readErr := rand.Read(key); readErr != nil {
		return nil, readErr
	}
	encoded = base64.StdEncoding.EncodeToString(key)

	// Best-effort write to system keyring; if it fails, persist to fallback file.
	if setErr := keyring.Set(keyringService, keyringMasterKey, encoded); setErr != nil {
		return saveMasterKeyToFallbackFile(key)
	}

	return key, nil
}

func fallbackMasterKeyPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".wabridge", ".credentials-master-key")
}

func loadMasterKeyFromFallbackFile() ([]byte, error) {
	data, err := os.ReadFile(fallbackMasterKeyPath())
	if err != nil {
		return nil, err
	}
	key, err := base64.StdEncoding.DecodeString(string(data))
	if err != nil {
		return nil, err
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("invalid fallback credentials master key length")
	}
	return key, nil
}

func saveMasterKeyToFallbackFile(key []byte) ([]byte, error) {
	path := fallbackMasterKeyPath()
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, err
	}
	encoded := base64.StdEncoding.EncodeToString(key)
	if err := os.WriteFile(path, []byte(encoded), 0600); err != nil {
		return nil, err
	}
	return key, nil
}
