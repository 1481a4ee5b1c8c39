package encryption

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/MarcoPoloResearchLab/memexsync/internal/synclog"
)

// EntryMeta identifies the shared-log entry a payload belongs to.
type EntryMeta struct {
	UserID    string
	DeviceID  string
	CreatedOn int64
}

func (m EntryMeta) aad() []byte {
	return []byte(strings.Join([]string{"memex-sync:v1", m.UserID, m.DeviceID, strconv.FormatInt(m.CreatedOn, 10)}, "|"))
}

// Codec turns change payloads into shared-log data and back. With encryption
// disabled payloads travel as plaintext JSON; incoming encrypted entries are
// still opened when a key is present.
type Codec struct {
	secrets SecretStore
	enabled bool
}

func NewCodec(secrets SecretStore, enabled bool) *Codec {
	return &Codec{secrets: secrets, enabled: enabled}
}

// Enabled reports whether outgoing payloads are encrypted.
func (c *Codec) Enabled() bool {
	return c != nil && c.enabled
}

// Seal returns the entry type and data for an outgoing payload.
func (c *Codec) Seal(ctx context.Context, meta EntryMeta, payload []byte) (string, string, error) {
	if !c.Enabled() {
		return synclog.EntryTypeChange, string(payload), nil
	}
	key, err := c.key(ctx)
	if err != nil {
		return "", "", err
	}
	if key == nil {
		return "", "", ErrMissingKey
	}
	envelope, err := Encrypt(key, payload, meta.aad())
	if err != nil {
		return "", "", err
	}
	encoded, err := json.Marshal(envelope)
	if err != nil {
		return "", "", err
	}
	return synclog.EntryTypeEncryptedChange, string(encoded), nil
}

// Open returns the payload of an incoming entry. Failures to decrypt are
// reported as *DecryptionError.
func (c *Codec) Open(ctx context.Context, meta EntryMeta, entryType, data string) ([]byte, error) {
	switch entryType {
	case synclog.EntryTypeChange:
		return []byte(data), nil
	case synclog.EntryTypeEncryptedChange:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedEntry, entryType)
	}

	decryptionErr := func(cause error) error {
		return &DecryptionError{DeviceID: meta.DeviceID, CreatedOn: meta.CreatedOn, Cause: cause}
	}
	key, err := c.key(ctx)
	if err != nil {
		return nil, err
	}
	if key == nil {
		return nil, decryptionErr(ErrMissingKey)
	}
	var envelope Envelope
	if err := json.Unmarshal([]byte(data), &envelope); err != nil {
		return nil, decryptionErr(err)
	}
	plaintext, err := Decrypt(key, envelope, meta.aad())
	if err != nil {
		return nil, decryptionErr(err)
	}
	return plaintext, nil
}

func (c *Codec) key(ctx context.Context) ([]byte, error) {
	if c == nil || c.secrets == nil {
		return nil, nil
	}
	return c.secrets.GetSyncEncryptionKey(ctx)
}
