package sync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/memexsync/internal/collections"
	"github.com/MarcoPoloResearchLab/memexsync/internal/encryption"
	"github.com/MarcoPoloResearchLab/memexsync/internal/storage"
	"github.com/MarcoPoloResearchLab/memexsync/internal/synclog"
	"go.uber.org/zap"
)

// Keys of the local settings area.
const (
	SettingContinuousSyncEnabled = "continuousSyncEnabled"
	SettingDeviceID              = "deviceId"
	SettingPullCursor            = "pullCursor"
	SettingPushCursor            = "pushCursor"
	SettingDeviceCursorPrefix    = "cursor:"
)

const (
	DefaultIncrementalSyncFrequency = 20 * time.Minute
	defaultBatchSize                = 200
	defaultMaxApplyAttempts         = 3
)

// State is the lifecycle state of continuous sync.
type State string

const (
	StateDisabled State = "disabled"
	StateEnabling State = "enabling"
	StateEnabled  State = "enabled"
)

// CycleState tells whether a cycle is running.
type CycleState string

const (
	CycleIdle    CycleState = "idle"
	CycleSyncing CycleState = "syncing"
)

// UserProvider yields the signed-in user.
type UserProvider interface {
	CurrentUserID(ctx context.Context) (string, error)
}

// StaticUser is a UserProvider for a fixed user id.
type StaticUser string

func (u StaticUser) CurrentUserID(context.Context) (string, error) {
	return string(u), nil
}

// Status is a snapshot of continuous sync.
type Status struct {
	State      State      `json:"state"`
	Cycle      CycleState `json:"cycle"`
	DeviceID   string     `json:"device_id,omitempty"`
	NextRun    *time.Time `json:"next_run,omitempty"`
	LastSyncAt *time.Time `json:"last_sync_at,omitempty"`
	LastError  string     `json:"last_error,omitempty"`
	Cycles     int        `json:"cycles"`

	// DeviceCursors holds the latest applied CreatedOn per source device.
	DeviceCursors map[string]int64 `json:"device_cursors,omitempty"`
}

// CycleReport summarizes one incremental cycle.
type CycleReport struct {
	Pulled          int   `json:"pulled"`
	Applied         int   `json:"applied"`
	DecryptFailures int   `json:"decrypt_failures"`
	Malformed       int   `json:"malformed"`
	ApplyFailures   int   `json:"apply_failures"`
	Pushed          int   `json:"pushed"`
	PullCursor      int64 `json:"pull_cursor"`
}

// ContinuousSyncConfig configures a ContinuousSync.
type ContinuousSyncConfig struct {
	Store            *storage.Store
	Settings         *storage.Settings
	Log              synclog.Log
	Users            UserProvider
	Codec            *encryption.Codec
	Secrets          encryption.SecretStore
	PostSync         PostSyncProcessor
	Notifier         *ChangeNotifier
	Lock             *sync.Mutex
	Frequency        time.Duration
	ProductType      synclog.ProductType
	DevicePlatform   string
	BatchSize        int
	MaxApplyAttempts int
	Clock            func() time.Time
	Logger           *zap.Logger
}

// ContinuousSync keeps a device converged with the shared log through periodic cycles.
type ContinuousSync struct {
	store            *storage.Store
	settings         *storage.Settings
	log              synclog.Log
	users            UserProvider
	codec            *encryption.Codec
	secrets          encryption.SecretStore
	postSync         PostSyncProcessor
	notifier         *ChangeNotifier
	lock             *sync.Mutex
	frequency        time.Duration
	productType      synclog.ProductType
	devicePlatform   string
	batchSize        int
	maxApplyAttempts int
	clock            func() time.Time
	logger           *zap.Logger
	recurring        *RecurringTask

	mu            sync.Mutex
	state         State
	cycle         CycleState
	lastSyncAt    time.Time
	lastErr       error
	cycles        int
	applyFailures map[string]int
	firstSync     chan struct{}
	firstSyncErr  error
	baseCtx       context.Context
	cancelBase    context.CancelFunc
}

// NewContinuousSync validates dependencies and fills defaults.
func NewContinuousSync(cfg ContinuousSyncConfig) (*ContinuousSync, error) {
	if cfg.Store == nil || cfg.Settings == nil || cfg.Log == nil || cfg.Users == nil {
		return nil, fmt.Errorf("%w: store, settings, log and users are required", ErrMissingDependency)
	}
	if !cfg.ProductType.Valid() {
		return nil, fmt.Errorf("sync: invalid product type %q", cfg.ProductType)
	}
	syncer := &ContinuousSync{
		store:            cfg.Store,
		settings:         cfg.Settings,
		log:              cfg.Log,
		users:            cfg.Users,
		codec:            cfg.Codec,
		secrets:          cfg.Secrets,
		postSync:         cfg.PostSync,
		notifier:         cfg.Notifier,
		lock:             cfg.Lock,
		frequency:        cfg.Frequency,
		productType:      cfg.ProductType,
		devicePlatform:   cfg.DevicePlatform,
		batchSize:        cfg.BatchSize,
		maxApplyAttempts: cfg.MaxApplyAttempts,
		clock:            cfg.Clock,
		logger:           cfg.Logger,
		state:            StateDisabled,
		cycle:            CycleIdle,
		applyFailures:    make(map[string]int),
	}
	if syncer.codec == nil {
		syncer.codec = encryption.NewCodec(cfg.Secrets, false)
	}
	if syncer.postSync == nil {
		syncer.postSync = NoopPostSyncProcessor{}
	}
	if syncer.lock == nil {
		syncer.lock = &sync.Mutex{}
	}
	if syncer.frequency <= 0 {
		syncer.frequency = DefaultIncrementalSyncFrequency
	}
	if syncer.batchSize <= 0 {
		syncer.batchSize = defaultBatchSize
	}
	if syncer.maxApplyAttempts <= 0 {
		syncer.maxApplyAttempts = defaultMaxApplyAttempts
	}
	if syncer.clock == nil {
		syncer.clock = time.Now
	}
	if syncer.logger == nil {
		syncer.logger = zap.NewNop()
	}
	syncer.baseCtx, syncer.cancelBase = context.WithCancel(context.Background())
	syncer.recurring = NewRecurringTask(syncer.frequency, func(ctx context.Context) error {
		_, err := syncer.runCycle(ctx)
		return err
	}, syncer.clock, func(err error) {
		syncer.logger.Warn("scheduled incremental sync failed", zap.Error(err))
	})
	return syncer, nil
}

// Setup restores persisted flags. When continuous sync was enabled it is resumed and
// a first cycle starts in the background.
func (c *ContinuousSync) Setup(ctx context.Context) error {
	deviceID, _, err := c.settings.Get(ctx, SettingDeviceID)
	if err != nil {
		c.markFirstSync(err)
		return err
	}
	if deviceID != "" {
		c.store.SetDeviceID(deviceID)
	}
	enabled, err := c.settings.GetBool(ctx, SettingContinuousSyncEnabled)
	if err != nil {
		c.markFirstSync(err)
		return err
	}
	if !enabled {
		c.markFirstSync(nil)
		return nil
	}

	c.store.SetChangeLogging(true)
	if deviceID == "" {
		if _, err := c.InitDevice(ctx); err != nil {
			c.markFirstSync(err)
			return err
		}
	}
	c.setState(StateEnabled)
	c.recurring.Start(c.baseCtx)

	go func() {
		_, err := c.runCycle(c.baseCtx)
		if err != nil {
			c.logger.Warn("first continuous sync failed", zap.Error(err))
		}
		c.recurring.Reschedule()
		c.markFirstSync(err)
	}()
	return nil
}

// FirstContinuousSync waits for the cycle started by Setup.
func (c *ContinuousSync) FirstContinuousSync(ctx context.Context) error {
	c.mu.Lock()
	if c.firstSync == nil {
		c.firstSync = make(chan struct{})
	}
	done := c.firstSync
	c.mu.Unlock()
	select {
	case <-done:
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.firstSyncErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *ContinuousSync) markFirstSync(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.firstSync == nil {
		c.firstSync = make(chan struct{})
	}
	select {
	case <-c.firstSync:
		return
	default:
	}
	c.firstSyncErr = err
	close(c.firstSync)
}

// InitDevice registers this device with the shared log unless it already has an id,
// and records it in the synced device-info collection.
func (c *ContinuousSync) InitDevice(ctx context.Context) (string, error) {
	existing, _, err := c.settings.Get(ctx, SettingDeviceID)
	if err != nil {
		return "", err
	}
	if existing != "" {
		c.store.SetDeviceID(existing)
		return existing, nil
	}
	userID, err := c.currentUser(ctx)
	if err != nil {
		return "", err
	}
	deviceID, err := c.log.CreateDeviceID(ctx, synclog.DeviceRegistration{
		UserID:         userID,
		ProductType:    c.productType,
		DevicePlatform: c.devicePlatform,
	})
	if err != nil {
		return "", &NetworkError{Op: "create_device_id", Err: err}
	}
	if err := c.settings.Set(ctx, SettingDeviceID, deviceID); err != nil {
		return "", err
	}
	c.store.SetDeviceID(deviceID)
	if _, err := c.store.Create(ctx, collections.SyncDeviceInfo, collections.Object{
		"deviceId":       deviceID,
		"productType":    string(c.productType),
		"devicePlatform": c.devicePlatform,
		"createdWhen":    c.clock().UTC().UnixMilli(),
	}); err != nil {
		return "", err
	}
	c.logger.Info("device registered", zap.String("device_id", deviceID), zap.String("product_type", string(c.productType)))
	return deviceID, nil
}

// EnableContinuousSync turns on change logging and schedules incremental cycles.
func (c *ContinuousSync) EnableContinuousSync(ctx context.Context) error {
	c.setState(StateEnabling)
	c.store.SetChangeLogging(true)
	if _, err := c.InitDevice(ctx); err != nil {
		c.setState(StateDisabled)
		return err
	}
	if c.codec.Enabled() && c.secrets != nil {
		key, err := c.secrets.GetSyncEncryptionKey(ctx)
		if err != nil {
			c.setState(StateDisabled)
			return err
		}
		if key == nil {
			if _, err := c.secrets.GenerateSyncEncryptionKey(ctx); err != nil {
				c.setState(StateDisabled)
				return err
			}
		}
	}
	if err := c.settings.SetBool(ctx, SettingContinuousSyncEnabled, true); err != nil {
		c.setState(StateDisabled)
		return err
	}
	c.setState(StateEnabled)
	c.recurring.Start(c.baseCtx)
	c.recurring.Reschedule()
	return nil
}

// DisableContinuousSync stops the schedule, waits for a running cycle and turns change logging off.
// Cycles still queued behind the running one return ErrSyncDisabled.
func (c *ContinuousSync) DisableContinuousSync(ctx context.Context) error {
	c.setState(StateDisabled)
	c.recurring.Stop()
	c.lock.Lock()
	defer c.lock.Unlock()
	if err := c.settings.SetBool(ctx, SettingContinuousSyncEnabled, false); err != nil {
		return err
	}
	c.store.SetChangeLogging(false)
	return nil
}

// ForceIncrementalSync runs a cycle now, queued behind any running one, and restarts the schedule.
func (c *ContinuousSync) ForceIncrementalSync(ctx context.Context) (CycleReport, error) {
	if c.State() != StateEnabled {
		return CycleReport{}, ErrSyncDisabled
	}
	report, err := c.runCycle(ctx)
	if errors.Is(err, ErrSyncDisabled) {
		return report, err
	}
	c.recurring.Reschedule()
	return report, err
}

// AproximateNextRun returns when the next scheduled cycle is due.
func (c *ContinuousSync) AproximateNextRun() (time.Time, bool) {
	return c.recurring.AproximateNextRun()
}

// InitialSyncHandler implementation.

func (c *ContinuousSync) PrepareDevice(ctx context.Context) (string, error) {
	return c.InitDevice(ctx)
}

func (c *ContinuousSync) InitialSyncCompleted(ctx context.Context, _ Role) error {
	return c.EnableContinuousSync(ctx)
}

// State returns the lifecycle state.
func (c *ContinuousSync) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Status returns a snapshot for reporting.
func (c *ContinuousSync) Status(ctx context.Context) Status {
	c.mu.Lock()
	status := Status{State: c.state, Cycle: c.cycle, Cycles: c.cycles}
	if !c.lastSyncAt.IsZero() {
		at := c.lastSyncAt
		status.LastSyncAt = &at
	}
	if c.lastErr != nil {
		status.LastError = c.lastErr.Error()
	}
	c.mu.Unlock()
	if next, ok := c.recurring.AproximateNextRun(); ok {
		status.NextRun = &next
	}
	if deviceID, _, err := c.settings.Get(ctx, SettingDeviceID); err == nil {
		status.DeviceID = deviceID
	}
	if cursors, err := c.settings.Int64sWithPrefix(ctx, SettingDeviceCursorPrefix); err == nil && len(cursors) > 0 {
		status.DeviceCursors = cursors
	}
	return status
}

// Close stops scheduled cycles.
func (c *ContinuousSync) Close() {
	c.recurring.Stop()
	c.cancelBase()
}

func (c *ContinuousSync) setState(state State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = state
}

func (c *ContinuousSync) currentUser(ctx context.Context) (string, error) {
	userID, err := c.users.CurrentUserID(ctx)
	if err != nil {
		return "", err
	}
	if userID == "" {
		return "", ErrNoUser
	}
	return userID, nil
}

// runCycle pulls, applies and pushes under the device lock, then post-processes and
// notifies about the applied changes once the lock is released.
func (c *ContinuousSync) runCycle(ctx context.Context) (CycleReport, error) {
	report, changes, err := c.lockedCycle(ctx)
	if len(changes) > 0 {
		if err := c.postSync.Process(ctx, changes); err != nil {
			c.logger.Warn("post-sync processing failed", zap.Error(err))
		}
		if c.notifier != nil {
			c.notifier.Publish(changes)
		}
	}
	return report, err
}

func (c *ContinuousSync) lockedCycle(ctx context.Context) (CycleReport, []ChangedObject, error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.State() != StateEnabled {
		return CycleReport{}, nil, ErrSyncDisabled
	}

	c.mu.Lock()
	c.cycle = CycleSyncing
	c.mu.Unlock()

	report, changes, err := c.cycleLocked(ctx)

	c.mu.Lock()
	c.cycle = CycleIdle
	c.cycles++
	c.lastErr = err
	if err == nil {
		c.lastSyncAt = c.clock()
	}
	c.mu.Unlock()

	if err != nil {
		c.logger.Warn("incremental sync failed", zap.Error(err))
	} else {
		c.logger.Debug("incremental sync finished",
			zap.Int("pulled", report.Pulled),
			zap.Int("applied", report.Applied),
			zap.Int("pushed", report.Pushed))
	}
	return report, changes, err
}

// cycleLocked returns the changes it applied even when a later step fails, since they are already stored.
func (c *ContinuousSync) cycleLocked(ctx context.Context) (CycleReport, []ChangedObject, error) {
	report := CycleReport{}
	userID, err := c.currentUser(ctx)
	if err != nil {
		return report, nil, err
	}
	deviceID, _, err := c.settings.Get(ctx, SettingDeviceID)
	if err != nil {
		return report, nil, err
	}
	if deviceID == "" {
		return report, nil, ErrNoDevice
	}

	pullCursor, changes, deviceCursors, err := c.pull(ctx, userID, deviceID, &report)
	if err != nil {
		return report, changes, err
	}
	if err := c.push(ctx, userID, deviceID, &report); err != nil {
		return report, changes, err
	}

	if err := c.settings.SetInt64(ctx, SettingPullCursor, pullCursor); err != nil {
		return report, changes, err
	}
	for sourceDevice, createdOn := range deviceCursors {
		if err := c.settings.SetInt64(ctx, SettingDeviceCursorPrefix+sourceDevice, createdOn); err != nil {
			return report, changes, err
		}
	}
	report.PullCursor = pullCursor
	return report, changes, nil
}

type pulledEntry struct {
	entry   synclog.Entry
	settled bool
}

// pull fetches entries from other devices and applies them. The returned cursor is the
// SharedOn of the last entry before the first one that must be retried.
func (c *ContinuousSync) pull(ctx context.Context, userID, deviceID string, report *CycleReport) (int64, []ChangedObject, map[string]int64, error) {
	cursor, err := c.settings.GetInt64(ctx, SettingPullCursor)
	if err != nil {
		return 0, nil, nil, err
	}
	changes := make([]ChangedObject, 0)
	deviceCursors := make(map[string]int64)
	for {
		entries, err := c.log.GetEntriesCreatedAfter(ctx, userID, cursor, synclog.QueryOptions{
			ExcludeDeviceID: deviceID,
			Limit:           c.batchSize,
		})
		if err != nil {
			return 0, changes, nil, &NetworkError{Op: "pull", Err: err}
		}
		if len(entries) == 0 {
			return cursor, changes, deviceCursors, nil
		}
		report.Pulled += len(entries)

		pulled := make([]*pulledEntry, len(entries))
		for index := range entries {
			pulled[index] = &pulledEntry{entry: entries[index]}
		}
		ordered := make([]*pulledEntry, len(pulled))
		copy(ordered, pulled)
		sort.SliceStable(ordered, func(i, j int) bool {
			left, right := ordered[i].entry, ordered[j].entry
			return entryClock(right).After(entryClock(left))
		})

		for _, item := range ordered {
			changed, settled, err := c.applyEntry(ctx, userID, item.entry, report)
			if err != nil {
				return 0, changes, nil, err
			}
			item.settled = settled
			if changed != nil {
				changes = append(changes, *changed)
			}
			if settled && item.entry.CreatedOn > deviceCursors[item.entry.DeviceID] {
				deviceCursors[item.entry.DeviceID] = item.entry.CreatedOn
			}
		}

		blocked := false
		for _, item := range pulled {
			if !item.settled {
				blocked = true
				break
			}
			cursor = item.entry.SharedOn
		}
		if blocked || len(entries) < c.batchSize {
			return cursor, changes, deviceCursors, nil
		}
	}
}

// applyEntry decodes and applies one entry. Entries that can never apply are settled
// by discarding them; a failed apply is retried on later cycles up to the attempt limit.
func (c *ContinuousSync) applyEntry(ctx context.Context, userID string, entry synclog.Entry, report *CycleReport) (*ChangedObject, bool, error) {
	fields := []zap.Field{zap.String("source_device", entry.DeviceID), zap.Int64("created_on", entry.CreatedOn)}
	meta := encryption.EntryMeta{UserID: userID, DeviceID: entry.DeviceID, CreatedOn: entry.CreatedOn}
	raw, err := c.codec.Open(ctx, meta, entry.EntryType, entry.Data)
	if err != nil {
		var decryptionErr *encryption.DecryptionError
		switch {
		case errors.As(err, &decryptionErr):
			report.DecryptFailures++
			c.logger.Warn("discarding entry that cannot be decrypted", append(fields, zap.Error(err))...)
			return nil, true, nil
		case errors.Is(err, encryption.ErrUnsupportedEntry):
			report.Malformed++
			c.logger.Warn("discarding malformed entry", append(fields, zap.Error(&MalformedEntryError{DeviceID: entry.DeviceID, CreatedOn: entry.CreatedOn, Err: err}))...)
			return nil, true, nil
		default:
			return nil, false, err
		}
	}
	payload, err := decodeChange(raw)
	if err != nil {
		report.Malformed++
		c.logger.Warn("discarding malformed entry", append(fields, zap.Error(&MalformedEntryError{DeviceID: entry.DeviceID, CreatedOn: entry.CreatedOn, Err: err}))...)
		return nil, true, nil
	}

	outcome, err := c.store.ApplyChange(ctx, storage.RemoteChange{
		Collection:   payload.Collection,
		ObjectPK:     payload.ObjectPK,
		Operation:    payload.Operation,
		FieldChanges: payload.FieldChanges,
		Clock:        entryClock(entry),
	})
	if err != nil {
		if isMalformedChange(err) {
			report.Malformed++
			c.logger.Warn("discarding malformed entry", append(fields, zap.Error(&MalformedEntryError{DeviceID: entry.DeviceID, CreatedOn: entry.CreatedOn, Err: err}))...)
			return nil, true, nil
		}
		report.ApplyFailures++
		conflict := &ApplyConflictError{
			Collection: payload.Collection,
			ObjectPK:   payload.ObjectPK,
			DeviceID:   entry.DeviceID,
			CreatedOn:  entry.CreatedOn,
			Err:        err,
		}
		key := fmt.Sprintf("%s/%d", entry.DeviceID, entry.CreatedOn)
		c.applyFailures[key]++
		if c.applyFailures[key] >= c.maxApplyAttempts {
			delete(c.applyFailures, key)
			c.logger.Error("discarding entry after repeated apply failures", append(fields, zap.Error(conflict))...)
			return nil, true, nil
		}
		c.logger.Warn("entry apply failed, will retry", append(fields, zap.Error(conflict))...)
		return nil, false, nil
	}
	delete(c.applyFailures, fmt.Sprintf("%s/%d", entry.DeviceID, entry.CreatedOn))
	report.Applied++
	if !outcome.Changed {
		return nil, true, nil
	}
	return &ChangedObject{
		Collection: payload.Collection,
		PK:         payload.ObjectPK,
		Deleted:    outcome.Deleted,
		Object:     outcome.Object,
		Source:     ChangeSourceIncremental,
	}, true, nil
}

// push publishes unshared local entries in batches, advancing the push cursor per acknowledged batch.
func (c *ContinuousSync) push(ctx context.Context, userID, deviceID string, report *CycleReport) error {
	cursor, err := c.settings.GetInt64(ctx, SettingPushCursor)
	if err != nil {
		return err
	}
	for {
		entries, err := c.store.EntriesAfter(ctx, cursor, c.batchSize)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			return nil
		}
		inputs := make([]synclog.EntryInput, 0, len(entries))
		for _, entry := range entries {
			payload, err := encodeChange(entry)
			if err != nil {
				return err
			}
			entryType, data, err := c.codec.Seal(ctx, encryption.EntryMeta{UserID: userID, DeviceID: deviceID, CreatedOn: entry.CreatedOn}, payload)
			if err != nil {
				return err
			}
			inputs = append(inputs, synclog.EntryInput{
				DeviceID:  deviceID,
				CreatedOn: entry.CreatedOn,
				EntryType: entryType,
				Data:      data,
			})
		}
		written, err := c.log.WriteEntries(ctx, userID, inputs)
		if err != nil {
			return &NetworkError{Op: "push", Err: err}
		}
		if len(written) != len(inputs) {
			return &NetworkError{Op: "push", Err: fmt.Errorf("acknowledged %d of %d entries", len(written), len(inputs))}
		}
		acks := make([]storage.SharedAck, 0, len(entries))
		for index, entry := range entries {
			acks = append(acks, storage.SharedAck{ID: entry.ID, DeviceID: deviceID, SharedOn: written[index].SharedOn})
		}
		if err := c.store.MarkShared(ctx, acks); err != nil {
			return err
		}
		cursor = entries[len(entries)-1].ID
		if err := c.settings.SetInt64(ctx, SettingPushCursor, cursor); err != nil {
			return err
		}
		report.Pushed += len(entries)
		if len(entries) < c.batchSize {
			return nil
		}
	}
}

func entryClock(entry synclog.Entry) storage.Clock {
	return storage.Clock{At: entry.CreatedOn, Device: entry.DeviceID}
}

func isMalformedChange(err error) bool {
	if errors.Is(err, collections.ErrUnknownCollection) || errors.Is(err, collections.ErrInvalidPrimaryKey) {
		return true
	}
	var serviceErr *storage.ServiceError
	return errors.As(err, &serviceErr) && strings.Contains(serviceErr.Code(), ".invalid_")
}
