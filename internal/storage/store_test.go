package storage

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/memexsync/internal/collections"
)

func TestStoreDoesNotLogChangesWhenLoggingDisabled(t *testing.T) {
	store := newTestStore(t, time.Now)
	ctx := context.Background()

	if _, err := store.Create(ctx, collections.CustomLists, collections.Object{"id": 1, "name": "My list"}); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	entries, err := store.EntriesAfter(ctx, 0, 0)
	if err != nil {
		t.Fatalf("list entries failed: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected no change log entries, got %d", len(entries))
	}
}

func TestStoreLogsLocalMutationsWithIncreasingCreatedOn(t *testing.T) {
	store := newTestStore(t, fixedClock(time.UnixMilli(1_700_000_000_000)))
	store.SetChangeLogging(true)
	ctx := context.Background()

	if _, err := store.Create(ctx, collections.CustomLists, collections.Object{"id": 1, "name": "My list"}); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if _, err := store.Update(ctx, collections.CustomLists, collections.Object{"id": 1}, collections.Object{"name": "Renamed"}); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if err := store.Delete(ctx, collections.CustomLists, collections.Object{"id": 1}); err != nil {
		t.Fatalf("delete failed: %v", err)
	}

	entries, err := store.EntriesAfter(ctx, 0, 0)
	if err != nil {
		t.Fatalf("list entries failed: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	expectedOps := []Operation{OperationCreate, OperationUpdate, OperationDelete}
	for index, entry := range entries {
		if entry.Operation != expectedOps[index] {
			t.Fatalf("entry %d: expected %s, got %s", index, expectedOps[index], entry.Operation)
		}
		if entry.ObjectPK != "1" || entry.Collection != collections.CustomLists {
			t.Fatalf("entry %d: unexpected target %s/%s", index, entry.Collection, entry.ObjectPK)
		}
		if index > 0 && entry.CreatedOn <= entries[index-1].CreatedOn {
			t.Fatalf("expected strictly increasing createdOn, got %d after %d", entry.CreatedOn, entries[index-1].CreatedOn)
		}
		if entry.SharedOn != nil {
			t.Fatalf("expected unshared entry")
		}
	}
	changes, err := entries[1].FieldChanges()
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if !reflect.DeepEqual(changes, collections.Object{"name": "Renamed"}) {
		t.Fatalf("unexpected field changes %#v", changes)
	}
}

func TestStoreRecomputesDerivedFieldsOnWrites(t *testing.T) {
	store := newTestStore(t, time.Now)
	ctx := context.Background()

	if _, err := store.Create(ctx, collections.CustomLists, collections.Object{"id": 1, "name": "My list"}); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	_, err := store.ApplyChange(ctx, RemoteChange{
		Collection:   collections.CustomLists,
		ObjectPK:     "1",
		Operation:    OperationUpdate,
		FieldChanges: collections.Object{"name": "Updated List Title"},
		Clock:        Clock{At: time.Now().Add(time.Hour).UnixMilli(), Device: "2"},
	})
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	list, err := store.Find(ctx, collections.CustomLists, collections.Object{"id": 1})
	if err != nil {
		t.Fatalf("find failed: %v", err)
	}
	if list["searchableName"] != "Updated List Title" {
		t.Fatalf("unexpected searchable name %v", list["searchableName"])
	}
	if !reflect.DeepEqual(list["nameTerms"], []any{"updated", "list", "title"}) {
		t.Fatalf("unexpected name terms %#v", list["nameTerms"])
	}
	if fmt.Sprint(list["id"]) != "1" {
		t.Fatalf("expected id to be kept, got %v", list["id"])
	}
}

func TestStoreApplyChangeIsIdempotentAndUnlogged(t *testing.T) {
	store := newTestStore(t, time.Now)
	store.SetChangeLogging(true)
	ctx := context.Background()

	change := RemoteChange{
		Collection:   collections.Pages,
		ObjectPK:     `"bla.com"`,
		Operation:    OperationCreate,
		FieldChanges: collections.Object{"url": "bla.com", "fullUrl": "http://bla.com/"},
		Clock:        Clock{At: 100, Device: "1"},
	}
	first, err := store.ApplyChange(ctx, change)
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if !first.Changed {
		t.Fatalf("expected first apply to change state")
	}
	second, err := store.ApplyChange(ctx, change)
	if err != nil {
		t.Fatalf("re-apply failed: %v", err)
	}
	if second.Changed {
		t.Fatalf("expected re-apply to be a no-op")
	}
	entries, err := store.EntriesAfter(ctx, 0, 0)
	if err != nil {
		t.Fatalf("list entries failed: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected remote changes to stay out of the change log, got %d", len(entries))
	}
}

func TestStoreApplyUpdateForUnknownObjectKeepsPrimaryKey(t *testing.T) {
	store := newTestStore(t, time.Now)
	ctx := context.Background()

	_, err := store.ApplyChange(ctx, RemoteChange{
		Collection:   collections.Tags,
		ObjectPK:     `["work","bla.com"]`,
		Operation:    OperationUpdate,
		FieldChanges: collections.Object{"createdWhen": 5},
		Clock:        Clock{At: 100, Device: "1"},
	})
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	tag, err := store.Find(ctx, collections.Tags, collections.Object{"name": "work", "url": "bla.com"})
	if err != nil {
		t.Fatalf("find failed: %v", err)
	}
	if tag["name"] != "work" || tag["url"] != "bla.com" {
		t.Fatalf("expected primary key fields to be restored, got %#v", tag)
	}
}

func TestStoreRejectsMalformedRemoteChanges(t *testing.T) {
	store := newTestStore(t, time.Now)
	ctx := context.Background()

	if _, err := store.ApplyChange(ctx, RemoteChange{Collection: "unknown", ObjectPK: "1", Operation: OperationCreate}); !errors.Is(err, collections.ErrUnknownCollection) {
		t.Fatalf("expected unknown collection error, got %v", err)
	}
	if _, err := store.ApplyChange(ctx, RemoteChange{Collection: collections.Pages, ObjectPK: `"x"`, Operation: "upsert"}); err == nil {
		t.Fatalf("expected invalid operation error")
	}
}

func TestStoreUpdateMissingObjectReturnsNotFound(t *testing.T) {
	store := newTestStore(t, time.Now)
	_, err := store.Update(context.Background(), collections.CustomLists, collections.Object{"id": 9}, collections.Object{"name": "x"})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) || serviceErr.Code() != "storage.update.not_found" {
		t.Fatalf("unexpected error code: %v", err)
	}
}

func TestStoreEnrichFillsOnlyAbsentFields(t *testing.T) {
	store := newTestStore(t, time.Now)
	store.SetChangeLogging(true)
	ctx := context.Background()

	if _, err := store.Create(ctx, collections.Pages, collections.Object{"url": "bla.com", "fullUrl": "http://bla.com/"}); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	changed, err := store.Enrich(ctx, collections.Pages, `"bla.com"`, collections.Object{"fullUrl": "ignored", "fullTitle": "Bla"})
	if err != nil || !changed {
		t.Fatalf("expected enrichment, changed=%v err=%v", changed, err)
	}
	page, err := store.Find(ctx, collections.Pages, collections.Object{"url": "bla.com"})
	if err != nil {
		t.Fatalf("find failed: %v", err)
	}
	if page["fullUrl"] != "http://bla.com/" || page["fullTitle"] != "Bla" {
		t.Fatalf("unexpected enriched page %#v", page)
	}
	entries, _ := store.EntriesAfter(ctx, 0, 0)
	if len(entries) != 1 {
		t.Fatalf("expected enrichment to stay unlogged, got %d entries", len(entries))
	}
}

func TestStoreMarkSharedStampsEntries(t *testing.T) {
	store := newTestStore(t, time.Now)
	store.SetChangeLogging(true)
	ctx := context.Background()

	if _, err := store.Create(ctx, collections.Bookmarks, collections.Object{"url": "bla.com", "time": 1}); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	entries, _ := store.EntriesAfter(ctx, 0, 0)
	if err := store.MarkShared(ctx, []SharedAck{{ID: entries[0].ID, DeviceID: "1", SharedOn: 42}}); err != nil {
		t.Fatalf("mark shared failed: %v", err)
	}
	entries, _ = store.EntriesAfter(ctx, 0, 0)
	if entries[0].SharedOn == nil || *entries[0].SharedOn != 42 || entries[0].DeviceID != "1" {
		t.Fatalf("unexpected shared entry %+v", entries[0])
	}
}

func TestStoreContentsGroupsLiveObjects(t *testing.T) {
	store := newTestStore(t, time.Now)
	ctx := context.Background()

	for _, url := range []string{"b.com", "a.com"} {
		if _, err := store.Create(ctx, collections.Pages, collections.Object{"url": url}); err != nil {
			t.Fatalf("create failed: %v", err)
		}
	}
	if err := store.Delete(ctx, collections.Pages, collections.Object{"url": "b.com"}); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	contents, err := store.Contents(ctx)
	if err != nil {
		t.Fatalf("contents failed: %v", err)
	}
	expected := map[string][]collections.Object{collections.Pages: {{"url": "a.com"}}}
	if !reflect.DeepEqual(contents, expected) {
		t.Fatalf("unexpected contents %#v", contents)
	}
}

func TestSettingsRoundTripTypedValues(t *testing.T) {
	settings, err := NewSettings(openTestDatabase(t))
	if err != nil {
		t.Fatalf("settings: %v", err)
	}
	ctx := context.Background()
	if value, err := settings.GetBool(ctx, "continuousSyncEnabled"); err != nil || value {
		t.Fatalf("expected missing flag to read false, got %v %v", value, err)
	}
	if err := settings.SetBool(ctx, "continuousSyncEnabled", true); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if err := settings.SetInt64(ctx, "pullCursor", 77); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if err := settings.SetInt64(ctx, "pullCursor", 78); err != nil {
		t.Fatalf("overwrite failed: %v", err)
	}
	enabled, _ := settings.GetBool(ctx, "continuousSyncEnabled")
	cursor, _ := settings.GetInt64(ctx, "pullCursor")
	if !enabled || cursor != 78 {
		t.Fatalf("unexpected values enabled=%v cursor=%d", enabled, cursor)
	}
}

func TestStoreDeleteAndLaterUpdateConvergeInEitherOrder(t *testing.T) {
	ctx := context.Background()
	create := RemoteChange{
		Collection:   collections.CustomLists,
		ObjectPK:     "1",
		Operation:    OperationCreate,
		FieldChanges: collections.Object{"id": 1, "name": "My list", "createdAt": 1},
		Clock:        Clock{At: 1, Device: "1"},
	}
	remove := RemoteChange{
		Collection: collections.CustomLists,
		ObjectPK:   "1",
		Operation:  OperationDelete,
		Clock:      Clock{At: 10, Device: "2"},
	}
	rename := RemoteChange{
		Collection:   collections.CustomLists,
		ObjectPK:     "1",
		Operation:    OperationUpdate,
		FieldChanges: collections.Object{"name": "Renamed"},
		Clock:        Clock{At: 15, Device: "3"},
	}

	contentsAfter := func(changes ...RemoteChange) map[string][]collections.Object {
		store := newTestStore(t, time.Now)
		for _, change := range append([]RemoteChange{create}, changes...) {
			if _, err := store.ApplyChange(ctx, change); err != nil {
				t.Fatalf("apply %s failed: %v", change.Operation, err)
			}
		}
		contents, err := store.Contents(ctx)
		if err != nil {
			t.Fatalf("contents failed: %v", err)
		}
		return contents
	}

	deleteFirst := contentsAfter(remove, rename)
	updateFirst := contentsAfter(rename, remove)
	if !reflect.DeepEqual(deleteFirst, updateFirst) {
		t.Fatalf("stores diverged:\n%#v\n%#v", deleteFirst, updateFirst)
	}
	lists := deleteFirst[collections.CustomLists]
	if len(lists) != 1 {
		t.Fatalf("expected the renamed list to survive, got %#v", deleteFirst)
	}
	list := lists[0]
	if fmt.Sprint(list["id"]) != "1" || list["name"] != "Renamed" || list["searchableName"] != "Renamed" {
		t.Fatalf("unexpected surviving list %#v", list)
	}
	if _, ok := list["createdAt"]; ok {
		t.Fatalf("expected fields written before the delete to be dropped, got %#v", list)
	}
}

func TestStoreRecordsCarryTombstoneToOlderCopies(t *testing.T) {
	ctx := context.Background()
	source := newTestStore(t, time.Now)
	target := newTestStore(t, time.Now)
	create := RemoteChange{
		Collection:   collections.CustomLists,
		ObjectPK:     "1",
		Operation:    OperationCreate,
		FieldChanges: collections.Object{"id": 1, "name": "My list", "createdAt": 1},
		Clock:        Clock{At: 1, Device: "1"},
	}
	for _, store := range []*Store{source, target} {
		if _, err := store.ApplyChange(ctx, create); err != nil {
			t.Fatalf("apply create failed: %v", err)
		}
	}
	for _, change := range []RemoteChange{
		{Collection: collections.CustomLists, ObjectPK: "1", Operation: OperationDelete, Clock: Clock{At: 10, Device: "2"}},
		{Collection: collections.CustomLists, ObjectPK: "1", Operation: OperationUpdate, FieldChanges: collections.Object{"name": "Renamed"}, Clock: Clock{At: 15, Device: "2"}},
	} {
		if _, err := source.ApplyChange(ctx, change); err != nil {
			t.Fatalf("apply %s failed: %v", change.Operation, err)
		}
	}

	records, err := source.Records(ctx, collections.CustomLists)
	if err != nil {
		t.Fatalf("records failed: %v", err)
	}
	if len(records) != 1 || records[0].Tombstone == nil || *records[0].Tombstone != (Clock{At: 10, Device: "2"}) {
		t.Fatalf("expected record to carry its tombstone, got %#v", records)
	}
	if _, err := target.MergeRecord(ctx, records[0]); err != nil {
		t.Fatalf("merge failed: %v", err)
	}

	sourceContents, err := source.Contents(ctx)
	if err != nil {
		t.Fatalf("contents failed: %v", err)
	}
	targetContents, err := target.Contents(ctx)
	if err != nil {
		t.Fatalf("contents failed: %v", err)
	}
	if !reflect.DeepEqual(sourceContents, targetContents) {
		t.Fatalf("stores diverged:\n%#v\n%#v", sourceContents, targetContents)
	}
}

func TestSettingsListIntegersByPrefix(t *testing.T) {
	settings, err := NewSettings(openTestDatabase(t))
	if err != nil {
		t.Fatalf("settings: %v", err)
	}
	ctx := context.Background()
	for key, value := range map[string]int64{"cursor:1": 10, "cursor:12": 42, "pullCursor": 7} {
		if err := settings.SetInt64(ctx, key, value); err != nil {
			t.Fatalf("set %s failed: %v", key, err)
		}
	}
	cursors, err := settings.Int64sWithPrefix(ctx, "cursor:")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	expected := map[string]int64{"1": 10, "12": 42}
	if !reflect.DeepEqual(cursors, expected) {
		t.Fatalf("unexpected cursors %#v", cursors)
	}
}
