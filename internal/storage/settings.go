package storage

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"gorm.io/gorm"
)

const (
	opSettings = "storage.settings"
)

// Settings is the device-local key/value area for sync flags and cursors.
type Settings struct {
	db *gorm.DB
}

// NewSettings wraps the local settings table.
func NewSettings(db *gorm.DB) (*Settings, error) {
	if db == nil {
		return nil, newServiceError(opSettings, "missing_database", errMissingDatabase)
	}
	return &Settings{db: db}, nil
}

// Get returns the stored value and whether the key exists.
func (s *Settings) Get(ctx context.Context, key string) (string, bool, error) {
	var setting LocalSetting
	err := s.db.WithContext(ctx).Where("setting_key = ?", key).Take(&setting).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, newServiceError(opSettings, "select_failed", err)
	}
	return setting.Value, true, nil
}

// Set stores the value under key.
func (s *Settings) Set(ctx context.Context, key, value string) error {
	if err := s.db.WithContext(ctx).Save(&LocalSetting{Key: key, Value: value}).Error; err != nil {
		return newServiceError(opSettings, "save_failed", err)
	}
	return nil
}

// Delete removes key.
func (s *Settings) Delete(ctx context.Context, key string) error {
	if err := s.db.WithContext(ctx).Where("setting_key = ?", key).Delete(&LocalSetting{}).Error; err != nil {
		return newServiceError(opSettings, "delete_failed", err)
	}
	return nil
}

// GetInt64 returns the integer under key, or zero when the key is missing.
func (s *Settings) GetInt64(ctx context.Context, key string) (int64, error) {
	value, ok, err := s.Get(ctx, key)
	if err != nil || !ok {
		return 0, err
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, newServiceError(opSettings, "invalid_integer", err)
	}
	return parsed, nil
}

func (s *Settings) SetInt64(ctx context.Context, key string, value int64) error {
	return s.Set(ctx, key, strconv.FormatInt(value, 10))
}

// Int64sWithPrefix returns every integer setting whose key starts with prefix, keyed by the remainder.
func (s *Settings) Int64sWithPrefix(ctx context.Context, prefix string) (map[string]int64, error) {
	var settings []LocalSetting
	if err := s.db.WithContext(ctx).Where("setting_key LIKE ?", prefix+"%").Find(&settings).Error; err != nil {
		return nil, newServiceError(opSettings, "select_failed", err)
	}
	values := make(map[string]int64, len(settings))
	for _, setting := range settings {
		parsed, err := strconv.ParseInt(setting.Value, 10, 64)
		if err != nil {
			return nil, newServiceError(opSettings, "invalid_integer", err)
		}
		values[strings.TrimPrefix(setting.Key, prefix)] = parsed
	}
	return values, nil
}

// GetBool returns the flag under key, or false when the key is missing.
func (s *Settings) GetBool(ctx context.Context, key string) (bool, error) {
	value, ok, err := s.Get(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	return value == "true", nil
}

func (s *Settings) SetBool(ctx context.Context, key string, value bool) error {
	return s.Set(ctx, key, strconv.FormatBool(value))
}
