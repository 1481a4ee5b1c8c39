package encryption

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"
)

const syncKeySetting = "syncEncryptionKey"

// SecretStore keeps the device's copy of the sync secret.
type SecretStore interface {
	GetSyncEncryptionKey(ctx context.Context) ([]byte, error)
	SetSyncEncryptionKey(ctx context.Context, key []byte) error
	GenerateSyncEncryptionKey(ctx context.Context) ([]byte, error)
}

// KeyValueStore is the settings area the secret is persisted in.
type KeyValueStore interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
}

// SettingsSecretStore persists the secret base64-encoded in the local settings area.
type SettingsSecretStore struct {
	settings KeyValueStore
}

func NewSettingsSecretStore(settings KeyValueStore) *SettingsSecretStore {
	return &SettingsSecretStore{settings: settings}
}

// GetSyncEncryptionKey returns nil when no secret has been stored yet.
func (s *SettingsSecretStore) GetSyncEncryptionKey(ctx context.Context) ([]byte, error) {
	value, ok, err := s.settings.Get(ctx, syncKeySetting)
	if err != nil || !ok {
		return nil, err
	}
	key, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return key, nil
}

func (s *SettingsSecretStore) SetSyncEncryptionKey(ctx context.Context, key []byte) error {
	if len(key) != KeySize {
		return fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidKey, KeySize, len(key))
	}
	return s.settings.Set(ctx, syncKeySetting, base64.StdEncoding.EncodeToString(key))
}

func (s *SettingsSecretStore) GenerateSyncEncryptionKey(ctx context.Context) ([]byte, error) {
	key, err := GenerateKey()
	if err != nil {
		return nil, err
	}
	if err := s.SetSyncEncryptionKey(ctx, key); err != nil {
		return nil, err
	}
	return key, nil
}

// MemorySecretStore keeps the secret in memory.
type MemorySecretStore struct {
	mu  sync.Mutex
	key []byte
}

func NewMemorySecretStore() *MemorySecretStore {
	return &MemorySecretStore{}
}

func (s *MemorySecretStore) GetSyncEncryptionKey(context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.key == nil {
		return nil, nil
	}
	return append([]byte(nil), s.key...), nil
}

func (s *MemorySecretStore) SetSyncEncryptionKey(_ context.Context, key []byte) error {
	if len(key) != KeySize {
		return fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidKey, KeySize, len(key))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.key = append([]byte(nil), key...)
	return nil
}

func (s *MemorySecretStore) GenerateSyncEncryptionKey(ctx context.Context) ([]byte, error) {
	key, err := GenerateKey()
	if err != nil {
		return nil, err
	}
	if err := s.SetSyncEncryptionKey(ctx, key); err != nil {
		return nil, err
	}
	return key, nil
}
