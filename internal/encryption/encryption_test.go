package encryption

import (
	"context"
	"errors"
	"testing"

	"github.com/MarcoPoloResearchLab/memexsync/internal/synclog"
)

type mapSettings map[string]string

func (m mapSettings) Get(_ context.Context, key string) (string, bool, error) {
	value, ok := m[key]
	return value, ok, nil
}

func (m mapSettings) Set(_ context.Context, key, value string) error {
	m[key] = value
	return nil
}

func TestEncryptDecryptBindsAdditionalData(t *testing.T) {
	secret, err := GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	envelope, err := Encrypt(secret, []byte("payload"), []byte("aad-1"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	plaintext, err := Decrypt(secret, envelope, []byte("aad-1"))
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if string(plaintext) != "payload" {
		t.Fatalf("unexpected plaintext %q", plaintext)
	}
	if _, err := Decrypt(secret, envelope, []byte("aad-2")); !errors.Is(err, ErrDecryptFailed) {
		t.Fatalf("expected aad mismatch to fail, got %v", err)
	}
}

func TestEncryptRejectsShortSecrets(t *testing.T) {
	if _, err := Encrypt([]byte("short"), []byte("x"), nil); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("expected invalid key error, got %v", err)
	}
}

func TestCodecReportsDecryptionErrorsAfterKeyRotation(t *testing.T) {
	ctx := context.Background()
	senderSecrets := NewMemorySecretStore()
	if _, err := senderSecrets.GenerateSyncEncryptionKey(ctx); err != nil {
		t.Fatalf("generate: %v", err)
	}
	receiverSecrets := NewSettingsSecretStore(mapSettings{})
	key, _ := senderSecrets.GetSyncEncryptionKey(ctx)
	if err := receiverSecrets.SetSyncEncryptionKey(ctx, key); err != nil {
		t.Fatalf("set key: %v", err)
	}

	sender := NewCodec(senderSecrets, true)
	receiver := NewCodec(receiverSecrets, true)
	meta := EntryMeta{UserID: "user-1", DeviceID: "1", CreatedOn: 5}

	entryType, data, err := sender.Seal(ctx, meta, []byte(`{"collection":"pages"}`))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if entryType != synclog.EntryTypeEncryptedChange {
		t.Fatalf("unexpected entry type %s", entryType)
	}
	if plaintext, err := receiver.Open(ctx, meta, entryType, data); err != nil || string(plaintext) != `{"collection":"pages"}` {
		t.Fatalf("open with shared key failed: %q %v", plaintext, err)
	}

	if _, err := receiverSecrets.GenerateSyncEncryptionKey(ctx); err != nil {
		t.Fatalf("rotate: %v", err)
	}
	_, err = receiver.Open(ctx, meta, entryType, data)
	var decryptionErr *DecryptionError
	if !errors.As(err, &decryptionErr) || !errors.Is(err, ErrDecryptFailed) {
		t.Fatalf("expected decryption error after rotation, got %v", err)
	}
	if decryptionErr.DeviceID != "1" || decryptionErr.CreatedOn != 5 {
		t.Fatalf("unexpected error metadata %+v", decryptionErr)
	}
}

func TestCodecPassesPlaintextWhenDisabled(t *testing.T) {
	ctx := context.Background()
	codec := NewCodec(NewMemorySecretStore(), false)
	entryType, data, err := codec.Seal(ctx, EntryMeta{}, []byte("{}"))
	if err != nil || entryType != synclog.EntryTypeChange || data != "{}" {
		t.Fatalf("unexpected plaintext seal %s %s %v", entryType, data, err)
	}
	if _, err := codec.Open(ctx, EntryMeta{}, synclog.EntryTypeEncryptedChange, "{}"); !errors.Is(err, ErrMissingKey) {
		t.Fatalf("expected missing key error, got %v", err)
	}
	if _, err := codec.Open(ctx, EntryMeta{}, "other", "{}"); !errors.Is(err, ErrUnsupportedEntry) {
		t.Fatalf("expected unsupported entry error, got %v", err)
	}
}
