// Package encryption seals shared-log entries so the sync service only stores ciphertext.
package encryption

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// KeySize is the length of a sync secret in bytes.
const KeySize = 32

const (
	envelopeVersion = 1
	hkdfInfo        = "memex-sync:v1:entries"
)

var (
	ErrDecryptFailed    = errors.New("encryption: decrypt failed")
	ErrMissingKey       = errors.New("encryption: sync key missing")
	ErrInvalidKey       = errors.New("encryption: invalid sync key")
	ErrUnsupportedEntry = errors.New("encryption: unsupported entry type")
)

// Envelope is the serialized form of an encrypted payload.
type Envelope struct {
	Version       int    `json:"v"`
	NonceB64      string `json:"nonce_b64"`
	CiphertextB64 string `json:"ct_b64"`
}

// DecryptionError reports an entry that could not be decrypted with the local key.
type DecryptionError struct {
	DeviceID  string
	CreatedOn int64
	Cause     error
}

func (e *DecryptionError) Error() string {
	return fmt.Sprintf("encryption: cannot decrypt entry %s/%d: %v", e.DeviceID, e.CreatedOn, e.Cause)
}

func (e *DecryptionError) Unwrap() error {
	return e.Cause
}

func (e *DecryptionError) Is(target error) bool {
	return target == ErrDecryptFailed
}

// GenerateKey returns a fresh random sync secret.
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, err
	}
	return key, nil
}

func deriveKey(secret []byte) ([]byte, error) {
	if len(secret) != KeySize {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidKey, KeySize, len(secret))
	}
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(hkdfInfo)), key); err != nil {
		return nil, err
	}
	return key, nil
}

// Encrypt seals plaintext with XChaCha20-Poly1305, binding aad.
func Encrypt(secret, plaintext, aad []byte) (Envelope, error) {
	key, err := deriveKey(secret)
	if err != nil {
		return Envelope{}, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return Envelope{}, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return Envelope{}, err
	}
	ciphertext := aead.Seal(nil, nonce, plaintext, aad)
	return Envelope{
		Version:       envelopeVersion,
		NonceB64:      base64.StdEncoding.EncodeToString(nonce),
		CiphertextB64: base64.StdEncoding.EncodeToString(ciphertext),
	}, nil
}

// Decrypt opens an envelope produced by Encrypt with the same secret and aad.
func Decrypt(secret []byte, envelope Envelope, aad []byte) ([]byte, error) {
	if envelope.Version != envelopeVersion {
		return nil, fmt.Errorf("%w: envelope version %d", ErrDecryptFailed, envelope.Version)
	}
	key, err := deriveKey(secret)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce, err := base64.StdEncoding.DecodeString(envelope.NonceB64)
	if err != nil || len(nonce) != chacha20poly1305.NonceSizeX {
		return nil, fmt.Errorf("%w: bad nonce", ErrDecryptFailed)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(envelope.CiphertextB64)
	if err != nil {
		return nil, fmt.Errorf("%w: bad ciphertext", ErrDecryptFailed)
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptFailed, err)
	}
	return plaintext, nil
}
