package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MarcoPoloResearchLab/memexsync/internal/collections"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	ErrNotFound        = errors.New("storage: object not found")
	errMissingDatabase = errors.New("database handle is required")
	errMissingRegistry = errors.New("collection registry is required")
	noOpLogger         = zap.NewNop()
)

// ServiceError carries an "operation.reason" code for a failed store operation.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opStoreNew     = "storage.store.new"
	opCreate       = "storage.create"
	opUpdate       = "storage.update"
	opDelete       = "storage.delete"
	opFind         = "storage.find"
	opList         = "storage.list"
	opApplyChange  = "storage.apply_change"
	opMergeRecord  = "storage.merge_record"
	opEnrich       = "storage.enrich"
	opListEntries  = "storage.list_entries"
	opMarkShared   = "storage.mark_shared"
	reasonNotFound = "not_found"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// StoreConfig configures a Store.
type StoreConfig struct {
	Database *gorm.DB
	Registry *collections.Registry
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Store holds the local synced collections and the local change log.
type Store struct {
	db       *gorm.DB
	registry *collections.Registry
	clock    func() time.Time
	logger   *zap.Logger

	writeMu       sync.Mutex
	lastCreatedOn int64
	deviceID      atomic.Value
	logChanges    atomic.Bool
}

// NewStore validates dependencies and seeds the change-log clock from persisted entries.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opStoreNew, "missing_database", errMissingDatabase)
	}
	if cfg.Registry == nil {
		return nil, newServiceError(opStoreNew, "missing_registry", errMissingRegistry)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	var lastCreatedOn int64
	if err := cfg.Database.Model(&ChangeLogEntry{}).
		Select("COALESCE(MAX(created_on), 0)").
		Scan(&lastCreatedOn).Error; err != nil {
		return nil, newServiceError(opStoreNew, "clock_seed_failed", err)
	}

	store := &Store{
		db:            cfg.Database,
		registry:      cfg.Registry,
		clock:         clock,
		logger:        logger,
		lastCreatedOn: lastCreatedOn,
	}
	store.deviceID.Store("")
	return store, nil
}

// Registry exposes the collection registry backing the store.
func (s *Store) Registry() *collections.Registry {
	return s.registry
}

// SetDeviceID sets the device id used to stamp local field clocks.
func (s *Store) SetDeviceID(deviceID string) {
	s.deviceID.Store(deviceID)
}

// DeviceID returns the device id used for local field clocks.
func (s *Store) DeviceID() string {
	value, _ := s.deviceID.Load().(string)
	return value
}

// SetChangeLogging turns recording of local mutations into the change log on or off.
func (s *Store) SetChangeLogging(enabled bool) {
	s.logChanges.Store(enabled)
}

// ChangeLoggingEnabled reports whether local mutations are being logged.
func (s *Store) ChangeLoggingEnabled() bool {
	return s.logChanges.Load()
}

// Create inserts or overwrites an object as a local mutation.
func (s *Store) Create(ctx context.Context, collection string, object collections.Object) (collections.Object, error) {
	fields, err := NormalizeObject(object)
	if err != nil {
		return nil, newServiceError(opCreate, "invalid_object", err)
	}
	pk, err := s.registry.PrimaryKeyOf(collection, fields)
	if err != nil {
		return nil, newServiceError(opCreate, "invalid_primary_key", err)
	}
	return s.mutate(ctx, opCreate, OperationCreate, collection, pk, fields)
}

// Update changes fields of an existing object as a local mutation.
func (s *Store) Update(ctx context.Context, collection string, where collections.Object, changes collections.Object) (collections.Object, error) {
	pk, err := s.primaryKeyOf(collection, where)
	if err != nil {
		return nil, newServiceError(opUpdate, "invalid_primary_key", err)
	}
	fields, err := NormalizeObject(changes)
	if err != nil {
		return nil, newServiceError(opUpdate, "invalid_object", err)
	}
	return s.mutate(ctx, opUpdate, OperationUpdate, collection, pk, fields)
}

// Delete removes an object as a local mutation.
func (s *Store) Delete(ctx context.Context, collection string, where collections.Object) error {
	pk, err := s.primaryKeyOf(collection, where)
	if err != nil {
		return newServiceError(opDelete, "invalid_primary_key", err)
	}
	_, err = s.mutate(ctx, opDelete, OperationDelete, collection, pk, nil)
	return err
}

func (s *Store) mutate(ctx context.Context, operationName string, operation Operation, collection, pk string, fields collections.Object) (collections.Object, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var result collections.Object
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		state, found, err := s.loadState(tx, collection, pk)
		if err != nil {
			s.logError(operationName, "document_select_failed", err, zap.String("collection", collection), zap.String("pk", pk))
			return newServiceError(operationName, "document_select_failed", err)
		}
		if operation != OperationCreate && (!found || state.deleted) {
			return newServiceError(operationName, reasonNotFound, ErrNotFound)
		}

		createdOn := s.nextCreatedOn()
		clock := Clock{At: createdOn, Device: s.DeviceID()}
		mergeChange(state, operation, fields, clock)
		s.seedPrimaryKey(collection, pk, state)
		s.derive(collection, state)
		if err := s.saveState(tx, collection, pk, state); err != nil {
			s.logError(operationName, "document_save_failed", err, zap.String("collection", collection), zap.String("pk", pk))
			return newServiceError(operationName, "document_save_failed", err)
		}

		if s.logChanges.Load() {
			entry := ChangeLogEntry{
				Collection: collection,
				ObjectPK:   pk,
				Operation:  operation,
				CreatedOn:  createdOn,
			}
			if len(fields) > 0 {
				encoded, err := json.Marshal(fields)
				if err != nil {
					return newServiceError(operationName, "field_changes_encode_failed", err)
				}
				entry.FieldChangesJSON = string(encoded)
			}
			if err := tx.Create(&entry).Error; err != nil {
				s.logError(operationName, "change_log_insert_failed", err, zap.String("collection", collection), zap.String("pk", pk))
				return newServiceError(operationName, "change_log_insert_failed", err)
			}
		}
		if !state.deleted {
			result = state.data.Clone()
		}
		return nil
	})
	if txErr != nil {
		return nil, txErr
	}
	return result, nil
}

// Find returns the live object matching the primary key fields in where.
func (s *Store) Find(ctx context.Context, collection string, where collections.Object) (collections.Object, error) {
	pk, err := s.primaryKeyOf(collection, where)
	if err != nil {
		return nil, newServiceError(opFind, "invalid_primary_key", err)
	}
	return s.FindByPK(ctx, collection, pk)
}

// FindByPK returns the live object stored under the canonical primary key.
func (s *Store) FindByPK(ctx context.Context, collection, pk string) (collections.Object, error) {
	state, found, err := s.loadState(s.db.WithContext(ctx), collection, pk)
	if err != nil {
		return nil, newServiceError(opFind, "document_select_failed", err)
	}
	if !found || state.deleted {
		return nil, newServiceError(opFind, reasonNotFound, ErrNotFound)
	}
	return state.data, nil
}

// List returns every live object of a collection ordered by primary key.
func (s *Store) List(ctx context.Context, collection string) ([]collections.Object, error) {
	records, err := s.Records(ctx, collection)
	if err != nil {
		return nil, err
	}
	objects := make([]collections.Object, 0, len(records))
	for _, record := range records {
		objects = append(objects, record.Data)
	}
	return objects, nil
}

// Records returns every live object of a collection with its field clocks.
func (s *Store) Records(ctx context.Context, collection string) ([]Record, error) {
	if _, ok := s.registry.Lookup(collection); !ok {
		return nil, newServiceError(opList, "unknown_collection", fmt.Errorf("%w: %s", collections.ErrUnknownCollection, collection))
	}
	var documents []Document
	if err := s.db.WithContext(ctx).
		Where("collection = ? AND deleted = ?", collection, false).
		Order("pk ASC").
		Find(&documents).Error; err != nil {
		s.logError(opList, "query_failed", err, zap.String("collection", collection))
		return nil, newServiceError(opList, "query_failed", err)
	}
	records := make([]Record, 0, len(documents))
	for _, document := range documents {
		state, err := decodeState(document)
		if err != nil {
			s.logError(opList, "document_decode_failed", err, zap.String("collection", collection), zap.String("pk", document.PrimaryKey))
			continue
		}
		record := Record{
			Collection: collection,
			PK:         document.PrimaryKey,
			Data:       state.data,
			Clocks:     state.clocks,
		}
		if !state.deletedClock.IsZero() {
			tombstone := state.deletedClock
			record.Tombstone = &tombstone
		}
		records = append(records, record)
	}
	return records, nil
}

// Contents returns every non-empty synced collection, each ordered by primary key.
func (s *Store) Contents(ctx context.Context) (map[string][]collections.Object, error) {
	contents := make(map[string][]collections.Object)
	for _, collection := range s.registry.DependencyOrder() {
		objects, err := s.List(ctx, collection)
		if err != nil {
			return nil, err
		}
		if len(objects) > 0 {
			contents[collection] = objects
		}
	}
	return contents, nil
}

// ApplyChange merges a change received from another device without logging it.
func (s *Store) ApplyChange(ctx context.Context, change RemoteChange) (ApplyOutcome, error) {
	if !change.Operation.Valid() {
		return ApplyOutcome{}, newServiceError(opApplyChange, "invalid_operation", fmt.Errorf("operation %q", change.Operation))
	}
	pkFields, err := s.registry.DecodePrimaryKey(change.Collection, change.ObjectPK)
	if err == nil {
		pkFields, err = NormalizeObject(pkFields)
	}
	if err != nil {
		return ApplyOutcome{}, newServiceError(opApplyChange, "invalid_primary_key", err)
	}
	fields, err := NormalizeObject(change.FieldChanges)
	if err != nil {
		return ApplyOutcome{}, newServiceError(opApplyChange, "invalid_object", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	outcome := ApplyOutcome{}
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		state, _, err := s.loadState(tx, change.Collection, change.ObjectPK)
		if err != nil {
			return newServiceError(opApplyChange, "document_select_failed", err)
		}
		merged := mergeChange(state, change.Operation, fields, change.Clock)
		if seeded := state.seedFields(pkFields); !merged.Changed && !seeded {
			outcome.Deleted = state.deleted
			return nil
		}
		s.derive(change.Collection, state)
		if err := s.saveState(tx, change.Collection, change.ObjectPK, state); err != nil {
			s.logError(opApplyChange, "document_save_failed", err, zap.String("collection", change.Collection), zap.String("pk", change.ObjectPK))
			return newServiceError(opApplyChange, "document_save_failed", err)
		}
		outcome.Changed = true
		outcome.Deleted = state.deleted
		if !state.deleted {
			outcome.Object = state.data.Clone()
		}
		return nil
	})
	if txErr != nil {
		return ApplyOutcome{}, txErr
	}
	return outcome, nil
}

// MergeRecord upserts an initial-sync record without logging it.
func (s *Store) MergeRecord(ctx context.Context, record Record) (MergeOutcome, error) {
	if _, ok := s.registry.Lookup(record.Collection); !ok {
		return MergeOutcome{}, newServiceError(opMergeRecord, "unknown_collection", fmt.Errorf("%w: %s", collections.ErrUnknownCollection, record.Collection))
	}
	data, err := NormalizeObject(record.Data)
	if err != nil {
		return MergeOutcome{}, newServiceError(opMergeRecord, "invalid_object", err)
	}
	pk, err := s.registry.PrimaryKeyOf(record.Collection, data)
	if err != nil {
		return MergeOutcome{}, newServiceError(opMergeRecord, "invalid_primary_key", err)
	}
	if record.PK != "" && record.PK != pk {
		return MergeOutcome{}, newServiceError(opMergeRecord, "primary_key_mismatch", fmt.Errorf("%w: %s != %s", collections.ErrInvalidPrimaryKey, record.PK, pk))
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	outcome := MergeOutcome{PK: pk}
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		state, _, err := s.loadState(tx, record.Collection, pk)
		if err != nil {
			return newServiceError(opMergeRecord, "document_select_failed", err)
		}
		var tombstone Clock
		if record.Tombstone != nil {
			tombstone = *record.Tombstone
		}
		merged := mergeRecord(state, data, record.Clocks, tombstone)
		outcome.LocalNewer = merged.LocalNewer
		if seeded := s.seedPrimaryKey(record.Collection, pk, state); !merged.Changed && !seeded {
			return nil
		}
		s.derive(record.Collection, state)
		if err := s.saveState(tx, record.Collection, pk, state); err != nil {
			s.logError(opMergeRecord, "document_save_failed", err, zap.String("collection", record.Collection), zap.String("pk", pk))
			return newServiceError(opMergeRecord, "document_save_failed", err)
		}
		outcome.Changed = true
		if !state.deleted {
			outcome.Object = state.data.Clone()
		}
		return nil
	})
	if txErr != nil {
		return MergeOutcome{}, txErr
	}
	return outcome, nil
}

// Enrich fills fields that are absent on a live object. The values carry no clock,
// so any later synced write to the same field replaces them. Nothing is logged.
func (s *Store) Enrich(ctx context.Context, collection, pk string, fields collections.Object) (bool, error) {
	normalized, err := NormalizeObject(fields)
	if err != nil {
		return false, newServiceError(opEnrich, "invalid_object", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	changed := false
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		state, found, err := s.loadState(tx, collection, pk)
		if err != nil {
			return newServiceError(opEnrich, "document_select_failed", err)
		}
		if !found || state.deleted {
			return nil
		}
		for field, value := range normalized {
			if _, present := state.data[field]; present {
				continue
			}
			state.data[field] = value
			changed = true
		}
		if !changed {
			return nil
		}
		s.derive(collection, state)
		return s.saveState(tx, collection, pk, state)
	})
	if txErr != nil {
		s.logError(opEnrich, "enrich_failed", txErr, zap.String("collection", collection), zap.String("pk", pk))
		return false, txErr
	}
	return changed, nil
}

func (s *Store) primaryKeyOf(collection string, where collections.Object) (string, error) {
	normalized, err := NormalizeObject(where)
	if err != nil {
		return "", err
	}
	return s.registry.PrimaryKeyOf(collection, normalized)
}

func (s *Store) nextCreatedOn() int64 {
	now := s.clock().UTC().UnixMilli()
	if now <= s.lastCreatedOn {
		now = s.lastCreatedOn + 1
	}
	s.lastCreatedOn = now
	return now
}

func (s *Store) seedPrimaryKey(collection, pk string, state *documentState) bool {
	fields, err := s.registry.DecodePrimaryKey(collection, pk)
	if err != nil {
		return false
	}
	if fields, err = NormalizeObject(fields); err != nil {
		return false
	}
	return state.seedFields(fields)
}

func (s *Store) derive(collection string, state *documentState) {
	if state.deleted {
		return
	}
	schema, ok := s.registry.Lookup(collection)
	if !ok || schema.Derive == nil {
		return
	}
	schema.Derive(state.data)
	if normalized, err := NormalizeObject(state.data); err == nil {
		state.data = normalized
	}
}

func (s *Store) loadState(tx *gorm.DB, collection, pk string) (*documentState, bool, error) {
	var document Document
	err := tx.Where("collection = ? AND pk = ?", collection, pk).Take(&document).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return newDocumentState(), false, nil
	}
	if err != nil {
		return nil, false, err
	}
	state, err := decodeState(document)
	if err != nil {
		return nil, false, err
	}
	return state, true, nil
}

func (s *Store) saveState(tx *gorm.DB, collection, pk string, state *documentState) error {
	data, clocks, err := encodeState(state)
	if err != nil {
		return err
	}
	document := Document{
		Collection:  collection,
		PrimaryKey:  pk,
		DataJSON:    data,
		ClocksJSON:  clocks,
		Deleted:     state.deleted,
		DeletedAtMs: state.deletedClock.At,
		DeletedBy:   state.deletedClock.Device,
		UpdatedAtMs: s.clock().UTC().UnixMilli(),
	}
	return tx.Save(&document).Error
}

func (s *Store) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("storage error", attrs...)
}
