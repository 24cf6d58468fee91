package storage

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/zalando/go-keyring"

	"github.com/openapex/wabridge/pkg/storage/file"
)

func fixedKey() ([]byte, error) {
	return bytes.Repeat([]byte{7}, 32), nil
}

func TestSealedCredentialsEncryptAtRest(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "session.bin")
	inner, err := file.NewFileStorage(path)
	if err != nil {
		t.Fatal(err)
	}

	sealed := Seal(inner, fixedKey)
	secret := []byte(`{"noise_key":"abc","identity":"xyz"}`)
	if err := sealed.Credentials().Save(ctx, secret); err != nil {
		t.Fatalf("Save: %v", err)
	}

	raw, err := inner.Credentials().Load(ctx)
	if err != nil {
		t.Fatalf("raw Load: %v", err)
	}
	if bytes.Contains(raw, []byte("identity")) {
		t.Fatal("blob stored in plaintext")
	}

	got, err := sealed.Credentials().Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !bytes.Equal(got, secret) {
		t.Fatalf("Load = %q", got)
	}
}

func TestSealedCredentialsRejectWrongKey(t *testing.T) {
	ctx := context.Background()
	inner, _ := file.NewFileStorage(filepath.Join(t.TempDir(), "session.bin"))

	if err := Seal(inner, fixedKey).Credentials().Save(ctx, []byte("blob")); err != nil {
		t.Fatal(err)
	}
	other := func() ([]byte, error) { return bytes.Repeat([]byte{9}, 32), nil }
	if _, err := Seal(inner, other).Credentials().Load(ctx); err == nil {
		t.Fatal("expected decryption failure with a different key")
	}
}

func TestKeyringMasterKeyIsStable(t *testing.T) {
	keyring.MockInit()

	first, err := KeyringMasterKey()
	if err != nil {
		t.Fatalf("KeyringMasterKey: %v", err)
	}
	second, err := KeyringMasterKey()
	if err != nil {
		t.Fatalf("KeyringMasterKey: %v", err)
	}
	if len(first) != 32 || !bytes.Equal(first, second) {
		t.Fatal("master key should be created once and reused")
	}
}

func TestNewStorageRejectsUnknownType(t *testing.T) {
	if _, err := NewStorage(Config{Type: "redis"}); err == nil {
		t.Fatal("expected error for unsupported type")
	}
}
