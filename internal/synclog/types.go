// Package synclog implements the shared, server-side sync log and the device registry.
package synclog

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrMissingUserID   = errors.New("synclog: user id is required")
	ErrUnknownDevice   = errors.New("synclog: unknown device")
	ErrInvalidEntry    = errors.New("synclog: invalid entry")
	ErrInvalidDevice   = errors.New("synclog: invalid device registration")
	ErrUnavailable     = errors.New("synclog: log unavailable")
	ErrUnauthorized    = errors.New("synclog: unauthorized")
	ErrForbidden       = errors.New("synclog: forbidden")
	errMissingDatabase = errors.New("database handle is required")
)

// ProductType identifies the kind of client a device runs.
type ProductType string

const (
	ProductTypeExtension ProductType = "ext"
	ProductTypeApp       ProductType = "app"
)

// Valid reports whether the product type is known.
func (p ProductType) Valid() bool {
	return p == ProductTypeExtension || p == ProductTypeApp
}

// EntryTypeChange marks a plaintext change entry; EntryTypeEncryptedChange an encrypted one.
const (
	EntryTypeChange          = "change"
	EntryTypeEncryptedChange = "change.encrypted"
)

// Device is an immutable device registration.
type Device struct {
	DeviceID       string      `json:"device_id"`
	UserID         string      `json:"user_id"`
	ProductType    ProductType `json:"product_type"`
	DevicePlatform string      `json:"device_platform"`
	CreatedWhen    int64       `json:"created_when"`
}

// DeviceRegistration requests a new device id.
type DeviceRegistration struct {
	UserID         string
	ProductType    ProductType
	DevicePlatform string
}

// EntryInput is an entry as written by a device, before the server stamps it.
type EntryInput struct {
	DeviceID  string `json:"device_id"`
	CreatedOn int64  `json:"created_on"`
	EntryType string `json:"entry_type"`
	Data      string `json:"data"`
}

// Entry is a stamped shared-log entry.
type Entry struct {
	UserID    string `json:"user_id"`
	DeviceID  string `json:"device_id"`
	CreatedOn int64  `json:"created_on"`
	SharedOn  int64  `json:"shared_on"`
	EntryType string `json:"entry_type"`
	Data      string `json:"data"`
}

// QueryOptions narrows GetEntriesCreatedAfter.
type QueryOptions struct {
	ExcludeDeviceID string
	Limit           int
}

// Log is the shared sync log of one deployment. Entries of a user are stamped with
// strictly increasing SharedOn values; writing an entry that already exists for the
// same (device, createdOn) returns the stored entry.
type Log interface {
	CreateDeviceID(ctx context.Context, registration DeviceRegistration) (string, error)
	GetDeviceInfo(ctx context.Context, userID, deviceID string) (Device, error)
	ListDevices(ctx context.Context, userID string) ([]Device, error)
	WriteEntries(ctx context.Context, userID string, entries []EntryInput) ([]Entry, error)
	// GetEntriesCreatedAfter returns entries whose SharedOn is above sharedOn, in SharedOn order.
	GetEntriesCreatedAfter(ctx context.Context, userID string, sharedOn int64, options QueryOptions) ([]Entry, error)
}

func validateRegistration(registration DeviceRegistration) error {
	if strings.TrimSpace(registration.UserID) == "" {
		return ErrMissingUserID
	}
	if !registration.ProductType.Valid() {
		return fmt.Errorf("%w: product type %q", ErrInvalidDevice, registration.ProductType)
	}
	return nil
}

func validateInputs(userID string, entries []EntryInput) error {
	if strings.TrimSpace(userID) == "" {
		return ErrMissingUserID
	}
	for index, entry := range entries {
		if strings.TrimSpace(entry.DeviceID) == "" {
			return fmt.Errorf("%w: entry %d has no device id", ErrInvalidEntry, index)
		}
		if entry.CreatedOn <= 0 {
			return fmt.Errorf("%w: entry %d has no creation time", ErrInvalidEntry, index)
		}
		if entry.EntryType == "" {
			return fmt.Errorf("%w: entry %d has no type", ErrInvalidEntry, index)
		}
	}
	return nil
}

func nextSharedOn(nowMillis, last int64) int64 {
	if nowMillis <= last {
		return last + 1
	}
	return nowMillis
}
