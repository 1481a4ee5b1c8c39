package sync_test

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/memexsync/internal/collections"
	"github.com/MarcoPoloResearchLab/memexsync/internal/storage"
	syncengine "github.com/MarcoPoloResearchLab/memexsync/internal/sync"
	"github.com/MarcoPoloResearchLab/memexsync/internal/synclog"
	sqlite "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

const testUserID = "user-1"

type testWorld struct {
	log        synclog.Log
	transports syncengine.TransportFactory
	ticks      atomic.Int64
	base       time.Time
}

func newTestWorld() *testWorld {
	return &testWorld{
		log:        synclog.NewMemoryLog(time.Now),
		transports: syncengine.NewMemoryTransportFactory(),
		base:       time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC),
	}
}

// storeClock advances one millisecond per reading so every local write gets a distinct time across devices.
func (w *testWorld) storeClock() time.Time {
	return w.base.Add(time.Duration(w.ticks.Add(1)) * time.Millisecond)
}

type deviceOptions struct {
	encryption        bool
	filterPassiveData bool
	preSend           syncengine.PreSendProcessor
	postSync          syncengine.PostSyncProcessor
	frequency         time.Duration
	log               synclog.Log
}

type testDevice struct {
	world    *testWorld
	options  deviceOptions
	db       *gorm.DB
	store    *storage.Store
	settings *storage.Settings
	engine   *syncengine.Background
}

func (w *testWorld) newDevice(t *testing.T, options deviceOptions) *testDevice {
	t.Helper()
	db := openTestDatabase(t)
	store, err := storage.NewStore(storage.StoreConfig{
		Database: db,
		Registry: collections.DefaultRegistry(),
		Clock:    w.storeClock,
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	settings, err := storage.NewSettings(db)
	if err != nil {
		t.Fatalf("failed to create settings: %v", err)
	}
	device := &testDevice{world: w, options: options, db: db, store: store, settings: settings}
	device.engine = device.newEngine(t)
	return device
}

func (d *testDevice) newEngine(t *testing.T) *syncengine.Background {
	t.Helper()
	frequency := d.options.frequency
	if frequency == 0 {
		frequency = time.Hour
	}
	log := d.options.log
	if log == nil {
		log = d.world.log
	}
	engine, err := syncengine.NewBackground(syncengine.BackgroundConfig{
		Store:             d.store,
		Settings:          d.settings,
		Log:               log,
		Users:             syncengine.StaticUser(testUserID),
		Transports:        d.world.transports,
		PreSend:           d.options.preSend,
		PostSync:          d.options.postSync,
		Encryption:        d.options.encryption,
		FilterPassiveData: d.options.filterPassiveData,
		Frequency:         frequency,
		ProductType:       synclog.ProductTypeExtension,
		DevicePlatform:    "linux",
	})
	if err != nil {
		t.Fatalf("failed to create sync engine: %v", err)
	}
	t.Cleanup(engine.Close)
	return engine
}

func openTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := db.AutoMigrate(storage.Models()...); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	return db
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func runInitialSync(t *testing.T, ctx context.Context, source, target *testDevice) (syncengine.InitialSyncReport, syncengine.InitialSyncReport) {
	t.Helper()
	message, err := source.engine.RequestInitialSync(ctx)
	if err != nil {
		t.Fatalf("request initial sync: %v", err)
	}
	if err := target.engine.AnswerInitialSync(ctx, message); err != nil {
		t.Fatalf("answer initial sync: %v", err)
	}
	sourceReport, err := source.engine.WaitForInitialSync(ctx)
	if err != nil {
		t.Fatalf("source initial sync failed: %v", err)
	}
	targetReport, err := target.engine.WaitForInitialSync(ctx)
	if err != nil {
		t.Fatalf("target initial sync failed: %v", err)
	}
	return sourceReport, targetReport
}

func forceSync(t *testing.T, ctx context.Context, device *testDevice) syncengine.CycleReport {
	t.Helper()
	report, err := device.engine.ForceIncrementalSync(ctx)
	if err != nil {
		t.Fatalf("incremental sync failed: %v", err)
	}
	return report
}

func mustCreate(t *testing.T, ctx context.Context, device *testDevice, collection string, object collections.Object) {
	t.Helper()
	if _, err := device.store.Create(ctx, collection, object); err != nil {
		t.Fatalf("create %s: %v", collection, err)
	}
}

func mustFind(t *testing.T, ctx context.Context, device *testDevice, collection string, where collections.Object) collections.Object {
	t.Helper()
	object, err := device.store.Find(ctx, collection, where)
	if err != nil {
		t.Fatalf("find %s %v: %v", collection, where, err)
	}
	return object
}

func contentsOf(t *testing.T, ctx context.Context, device *testDevice) map[string][]collections.Object {
	t.Helper()
	contents, err := device.store.Contents(ctx)
	if err != nil {
		t.Fatalf("contents: %v", err)
	}
	return contents
}

func assertSameContents(t *testing.T, ctx context.Context, left, right *testDevice) {
	t.Helper()
	leftContents := contentsOf(t, ctx, left)
	rightContents := contentsOf(t, ctx, right)
	if !reflect.DeepEqual(leftContents, rightContents) {
		t.Fatalf("device contents differ:\nleft:  %#v\nright: %#v", leftContents, rightContents)
	}
}

func urlsOf(objects []collections.Object, field string) []string {
	urls := make([]string, 0, len(objects))
	for _, object := range objects {
		if value, ok := object[field].(string); ok {
			urls = append(urls, value)
		}
	}
	return urls
}

// faultyLog fails or holds shared-log calls on demand and passes the rest through.
type faultyLog struct {
	synclog.Log

	mu         sync.Mutex
	failPulls  int
	failPushes int
	holdPulls  chan struct{}
	pullHeld   chan struct{}
}

var errLogUnavailable = errors.New("shared log unavailable")

func (l *faultyLog) GetEntriesCreatedAfter(ctx context.Context, userID string, sharedOn int64, options synclog.QueryOptions) ([]synclog.Entry, error) {
	l.mu.Lock()
	fail := l.failPulls > 0
	if fail {
		l.failPulls--
	}
	hold, held := l.holdPulls, l.pullHeld
	l.holdPulls, l.pullHeld = nil, nil
	l.mu.Unlock()
	if fail {
		return nil, errLogUnavailable
	}
	if hold != nil {
		close(held)
		select {
		case <-hold:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return l.Log.GetEntriesCreatedAfter(ctx, userID, sharedOn, options)
}

func (l *faultyLog) WriteEntries(ctx context.Context, userID string, entries []synclog.EntryInput) ([]synclog.Entry, error) {
	l.mu.Lock()
	fail := l.failPushes > 0
	if fail {
		l.failPushes--
	}
	l.mu.Unlock()
	if fail {
		return nil, errLogUnavailable
	}
	return l.Log.WriteEntries(ctx, userID, entries)
}

func (l *faultyLog) failNextPull() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failPulls++
}

func (l *faultyLog) failNextPush() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failPushes++
}

// holdNextPull blocks the next pull until release is closed. The returned channel closes once the pull is waiting.
func (l *faultyLog) holdNextPull(release chan struct{}) <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.holdPulls = release
	l.pullHeld = make(chan struct{})
	return l.pullHeld
}

// failDocumentWrites makes saving documents whose primary key contains marker fail, times times, or forever when times is negative.
func failDocumentWrites(t *testing.T, db *gorm.DB, marker string, times int) {
	t.Helper()
	var remaining atomic.Int64
	remaining.Store(int64(times))
	fail := func(tx *gorm.DB) {
		document, ok := tx.Statement.Dest.(*storage.Document)
		if !ok || !strings.Contains(document.PrimaryKey, marker) {
			return
		}
		if times >= 0 && remaining.Add(-1) < 0 {
			return
		}
		tx.AddError(errors.New("disk full"))
	}
	name := "test:fail_writes_" + marker
	if err := db.Callback().Update().Before("gorm:update").Register(name, fail); err != nil {
		t.Fatalf("register update callback: %v", err)
	}
	if err := db.Callback().Create().Before("gorm:create").Register(name, fail); err != nil {
		t.Fatalf("register create callback: %v", err)
	}
}

func sharedOnOf(t *testing.T, ctx context.Context, log synclog.Log, marker string) int64 {
	t.Helper()
	entries, err := log.GetEntriesCreatedAfter(ctx, testUserID, 0, synclog.QueryOptions{})
	if err != nil {
		t.Fatalf("read shared log: %v", err)
	}
	for _, entry := range entries {
		if strings.Contains(entry.Data, marker) {
			return entry.SharedOn
		}
	}
	t.Fatalf("no shared entry mentions %q", marker)
	return 0
}

func lastSharedOn(t *testing.T, ctx context.Context, log synclog.Log) int64 {
	t.Helper()
	entries, err := log.GetEntriesCreatedAfter(ctx, testUserID, 0, synclog.QueryOptions{})
	if err != nil {
		t.Fatalf("read shared log: %v", err)
	}
	if len(entries) == 0 {
		t.Fatalf("shared log is empty")
	}
	return entries[len(entries)-1].SharedOn
}

func cursorOf(t *testing.T, ctx context.Context, device *testDevice, key string) int64 {
	t.Helper()
	value, err := device.settings.GetInt64(ctx, key)
	if err != nil {
		t.Fatalf("read %s: %v", key, err)
	}
	return value
}
