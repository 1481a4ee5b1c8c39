package synclog

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SharedEntry is the persisted form of a shared-log entry.
type SharedEntry struct {
	ID        int64  `gorm:"column:id;primaryKey;autoIncrement"`
	UserID    string `gorm:"column:user_id;size:190;not null;uniqueIndex:idx_shared_entry_origin,priority:1;index:idx_shared_entry_cursor,priority:1"`
	DeviceID  string `gorm:"column:device_id;size:64;not null;uniqueIndex:idx_shared_entry_origin,priority:2"`
	CreatedOn int64  `gorm:"column:created_on;not null;uniqueIndex:idx_shared_entry_origin,priority:3"`
	SharedOn  int64  `gorm:"column:shared_on;not null;index:idx_shared_entry_cursor,priority:2"`
	EntryType string `gorm:"column:entry_type;size:32;not null"`
	Data      string `gorm:"column:data;type:text;not null"`
}

func (SharedEntry) TableName() string {
	return "shared_sync_log_entries"
}

func (e SharedEntry) toEntry() Entry {
	return Entry{
		UserID:    e.UserID,
		DeviceID:  e.DeviceID,
		CreatedOn: e.CreatedOn,
		SharedOn:  e.SharedOn,
		EntryType: e.EntryType,
		Data:      e.Data,
	}
}

// DeviceRecord is the persisted form of a device registration.
type DeviceRecord struct {
	UserID         string `gorm:"column:user_id;primaryKey;size:190"`
	DeviceID       string `gorm:"column:device_id;primaryKey;size:64"`
	ProductType    string `gorm:"column:product_type;size:16;not null"`
	DevicePlatform string `gorm:"column:device_platform;size:64"`
	CreatedWhen    int64  `gorm:"column:created_when;not null"`
}

func (DeviceRecord) TableName() string {
	return "sync_devices"
}

func (r DeviceRecord) toDevice() Device {
	return Device{
		DeviceID:       r.DeviceID,
		UserID:         r.UserID,
		ProductType:    ProductType(r.ProductType),
		DevicePlatform: r.DevicePlatform,
		CreatedWhen:    r.CreatedWhen,
	}
}

// UserState holds the per-user counters that make stamping linearizable.
type UserState struct {
	UserID        string `gorm:"column:user_id;primaryKey;size:190"`
	LastSharedOn  int64  `gorm:"column:last_shared_on;not null"`
	DeviceCounter int64  `gorm:"column:device_counter;not null"`
}

func (UserState) TableName() string {
	return "sync_log_users"
}

// Models lists the gorm models owned by this package.
func Models() []any {
	return []any{&SharedEntry{}, &DeviceRecord{}, &UserState{}}
}

const (
	opCreateDevice = "synclog.create_device_id"
	opGetDevice    = "synclog.get_device_info"
	opListDevices  = "synclog.list_devices"
	opWriteEntries = "synclog.write_entries"
	opListEntries  = "synclog.get_entries_created_after"
)

// GormConfig configures a GormLog.
type GormConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// GormLog persists the shared log in a relational database.
type GormLog struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewGormLog validates the configuration.
func NewGormLog(cfg GormConfig) (*GormLog, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GormLog{db: cfg.Database, clock: clock, logger: logger}, nil
}

func (l *GormLog) lockUserState(tx *gorm.DB, userID string) (UserState, error) {
	state := UserState{UserID: userID}
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&state).Error; err != nil {
		return UserState{}, err
	}
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ?", userID).
		Take(&state).Error; err != nil {
		return UserState{}, err
	}
	return state, nil
}

func (l *GormLog) CreateDeviceID(ctx context.Context, registration DeviceRegistration) (string, error) {
	if err := validateRegistration(registration); err != nil {
		return "", err
	}
	var deviceID string
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		state, err := l.lockUserState(tx, registration.UserID)
		if err != nil {
			return err
		}
		state.DeviceCounter++
		if err := tx.Model(&UserState{}).
			Where("user_id = ?", registration.UserID).
			Update("device_counter", state.DeviceCounter).Error; err != nil {
			return err
		}
		deviceID = strconv.FormatInt(state.DeviceCounter, 10)
		return tx.Create(&DeviceRecord{
			UserID:         registration.UserID,
			DeviceID:       deviceID,
			ProductType:    string(registration.ProductType),
			DevicePlatform: registration.DevicePlatform,
			CreatedWhen:    l.clock().UTC().UnixMilli(),
		}).Error
	})
	if err != nil {
		l.logError(opCreateDevice, err, zap.String("user_id", registration.UserID))
		return "", fmt.Errorf("%s: %w", opCreateDevice, err)
	}
	return deviceID, nil
}

func (l *GormLog) GetDeviceInfo(ctx context.Context, userID, deviceID string) (Device, error) {
	if userID == "" {
		return Device{}, ErrMissingUserID
	}
	var record DeviceRecord
	err := l.db.WithContext(ctx).
		Where("user_id = ? AND device_id = ?", userID, deviceID).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Device{}, fmt.Errorf("%w: %s", ErrUnknownDevice, deviceID)
	}
	if err != nil {
		l.logError(opGetDevice, err, zap.String("user_id", userID), zap.String("device_id", deviceID))
		return Device{}, fmt.Errorf("%s: %w", opGetDevice, err)
	}
	return record.toDevice(), nil
}

func (l *GormLog) ListDevices(ctx context.Context, userID string) ([]Device, error) {
	if userID == "" {
		return nil, ErrMissingUserID
	}
	var records []DeviceRecord
	if err := l.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("LENGTH(device_id) ASC, device_id ASC").
		Find(&records).Error; err != nil {
		l.logError(opListDevices, err, zap.String("user_id", userID))
		return nil, fmt.Errorf("%s: %w", opListDevices, err)
	}
	devices := make([]Device, 0, len(records))
	for _, record := range records {
		devices = append(devices, record.toDevice())
	}
	return devices, nil
}

func (l *GormLog) WriteEntries(ctx context.Context, userID string, entries []EntryInput) ([]Entry, error) {
	if err := validateInputs(userID, entries); err != nil {
		return nil, err
	}
	written := make([]Entry, 0, len(entries))
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, deviceID := range distinctDevices(entries) {
			var count int64
			if err := tx.Model(&DeviceRecord{}).
				Where("user_id = ? AND device_id = ?", userID, deviceID).
				Count(&count).Error; err != nil {
				return err
			}
			if count == 0 {
				return fmt.Errorf("%w: %s", ErrUnknownDevice, deviceID)
			}
		}

		state, err := l.lockUserState(tx, userID)
		if err != nil {
			return err
		}
		now := l.clock().UTC().UnixMilli()
		for _, input := range entries {
			var existing SharedEntry
			err := tx.Where("user_id = ? AND device_id = ? AND created_on = ?", userID, input.DeviceID, input.CreatedOn).
				Take(&existing).Error
			if err == nil {
				written = append(written, existing.toEntry())
				continue
			}
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}
			state.LastSharedOn = nextSharedOn(now, state.LastSharedOn)
			record := SharedEntry{
				UserID:    userID,
				DeviceID:  input.DeviceID,
				CreatedOn: input.CreatedOn,
				SharedOn:  state.LastSharedOn,
				EntryType: input.EntryType,
				Data:      input.Data,
			}
			if err := tx.Create(&record).Error; err != nil {
				return err
			}
			written = append(written, record.toEntry())
		}
		return tx.Model(&UserState{}).
			Where("user_id = ?", userID).
			Update("last_shared_on", state.LastSharedOn).Error
	})
	if err != nil {
		if errors.Is(err, ErrUnknownDevice) {
			return nil, err
		}
		l.logError(opWriteEntries, err, zap.String("user_id", userID), zap.Int("entries", len(entries)))
		return nil, fmt.Errorf("%s: %w", opWriteEntries, err)
	}
	return written, nil
}

func (l *GormLog) GetEntriesCreatedAfter(ctx context.Context, userID string, sharedOn int64, options QueryOptions) ([]Entry, error) {
	if userID == "" {
		return nil, ErrMissingUserID
	}
	query := l.db.WithContext(ctx).
		Where("user_id = ? AND shared_on > ?", userID, sharedOn)
	if options.ExcludeDeviceID != "" {
		query = query.Where("device_id <> ?", options.ExcludeDeviceID)
	}
	query = query.Order("shared_on ASC")
	if options.Limit > 0 {
		query = query.Limit(options.Limit)
	}
	var records []SharedEntry
	if err := query.Find(&records).Error; err != nil {
		l.logError(opListEntries, err, zap.String("user_id", userID), zap.Int64("after", sharedOn))
		return nil, fmt.Errorf("%s: %w", opListEntries, err)
	}
	entries := make([]Entry, 0, len(records))
	for _, record := range records {
		entries = append(entries, record.toEntry())
	}
	return entries, nil
}

func (l *GormLog) logError(operation string, err error, fields ...zap.Field) {
	attrs := append([]zap.Field{zap.String("operation", operation), zap.Error(err)}, fields...)
	l.logger.Error("shared sync log error", attrs...)
}

func distinctDevices(entries []EntryInput) []string {
	seen := make(map[string]struct{}, len(entries))
	devices := make([]string, 0, len(entries))
	for _, entry := range entries {
		if _, ok := seen[entry.DeviceID]; ok {
			continue
		}
		seen[entry.DeviceID] = struct{}{}
		devices = append(devices, entry.DeviceID)
	}
	return devices
}
