package storage

import (
	"context"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// SharedAck records the server stamp for a published change-log entry.
type SharedAck struct {
	ID       int64
	DeviceID string
	SharedOn int64
}

// EntriesAfter returns change-log entries with an id above afterID in id order.
func (s *Store) EntriesAfter(ctx context.Context, afterID int64, limit int) ([]ChangeLogEntry, error) {
	query := s.db.WithContext(ctx).
		Where("id > ?", afterID).
		Order("id ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var entries []ChangeLogEntry
	if err := query.Find(&entries).Error; err != nil {
		s.logError(opListEntries, "query_failed", err, zap.Int64("after_id", afterID))
		return nil, newServiceError(opListEntries, "query_failed", err)
	}
	return entries, nil
}

// MarkShared stamps acknowledged entries with their server time and publishing device.
func (s *Store) MarkShared(ctx context.Context, acks []SharedAck) error {
	if len(acks) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, ack := range acks {
			sharedOn := ack.SharedOn
			if err := tx.Model(&ChangeLogEntry{}).
				Where("id = ?", ack.ID).
				Updates(map[string]any{"shared_on": &sharedOn, "device_id": ack.DeviceID}).Error; err != nil {
				s.logError(opMarkShared, "update_failed", err, zap.Int64("entry_id", ack.ID))
				return newServiceError(opMarkShared, "update_failed", err)
			}
		}
		return nil
	})
}
