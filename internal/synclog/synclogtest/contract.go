// Package synclogtest holds the behavioural contract every synclog.Log backend must meet.
package synclogtest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/memexsync/internal/synclog"
)

// Factory builds a fresh, empty log whose stamps come from clock.
type Factory func(t *testing.T, clock func() time.Time) synclog.Log

// FrozenClock always reports the same instant.
func FrozenClock() func() time.Time {
	frozen := time.UnixMilli(1_700_000_000_000).UTC()
	return func() time.Time { return frozen }
}

// RunLogContract runs the contract suite against logs built by factory.
func RunLogContract(t *testing.T, factory Factory) {
	t.Run("device ids increase per user", func(t *testing.T) {
		log := factory(t, FrozenClock())
		ctx := context.Background()
		first := mustCreateDevice(t, log, "user-1", synclog.ProductTypeExtension)
		second := mustCreateDevice(t, log, "user-1", synclog.ProductTypeApp)
		other := mustCreateDevice(t, log, "user-2", synclog.ProductTypeApp)
		if first != "1" || second != "2" || other != "1" {
			t.Fatalf("unexpected device ids %q %q %q", first, second, other)
		}

		device, err := log.GetDeviceInfo(ctx, "user-1", second)
		if err != nil {
			t.Fatalf("get device info: %v", err)
		}
		if device.ProductType != synclog.ProductTypeApp || device.DevicePlatform != "test" || device.CreatedWhen == 0 {
			t.Fatalf("unexpected device %+v", device)
		}
		if _, err := log.GetDeviceInfo(ctx, "user-1", "99"); !errors.Is(err, synclog.ErrUnknownDevice) {
			t.Fatalf("expected unknown device, got %v", err)
		}
		devices, err := log.ListDevices(ctx, "user-1")
		if err != nil {
			t.Fatalf("list devices: %v", err)
		}
		if len(devices) != 2 || devices[0].DeviceID != "1" || devices[1].DeviceID != "2" {
			t.Fatalf("unexpected devices %+v", devices)
		}
	})

	t.Run("shared stamps strictly increase", func(t *testing.T) {
		log := factory(t, FrozenClock())
		ctx := context.Background()
		deviceID := mustCreateDevice(t, log, "user-1", synclog.ProductTypeExtension)

		first := mustWrite(t, log, "user-1", []synclog.EntryInput{
			{DeviceID: deviceID, CreatedOn: 10, EntryType: synclog.EntryTypeChange, Data: "a"},
			{DeviceID: deviceID, CreatedOn: 11, EntryType: synclog.EntryTypeChange, Data: "b"},
		})
		second := mustWrite(t, log, "user-1", []synclog.EntryInput{
			{DeviceID: deviceID, CreatedOn: 12, EntryType: synclog.EntryTypeChange, Data: "c"},
		})
		stamps := []int64{first[0].SharedOn, first[1].SharedOn, second[0].SharedOn}
		for index := 1; index < len(stamps); index++ {
			if stamps[index] <= stamps[index-1] {
				t.Fatalf("expected strictly increasing stamps, got %v", stamps)
			}
		}

		entries, err := log.GetEntriesCreatedAfter(ctx, "user-1", 0, synclog.QueryOptions{})
		if err != nil {
			t.Fatalf("get entries: %v", err)
		}
		if len(entries) != 3 || entries[2].Data != "c" {
			t.Fatalf("unexpected entries %+v", entries)
		}
	})

	t.Run("rewriting an entry is idempotent", func(t *testing.T) {
		log := factory(t, FrozenClock())
		ctx := context.Background()
		deviceID := mustCreateDevice(t, log, "user-1", synclog.ProductTypeExtension)
		input := []synclog.EntryInput{{DeviceID: deviceID, CreatedOn: 10, EntryType: synclog.EntryTypeChange, Data: "a"}}

		first := mustWrite(t, log, "user-1", input)
		retry := mustWrite(t, log, "user-1", input)
		if retry[0].SharedOn != first[0].SharedOn {
			t.Fatalf("expected retry to return the original stamp, got %d and %d", first[0].SharedOn, retry[0].SharedOn)
		}
		entries, err := log.GetEntriesCreatedAfter(ctx, "user-1", 0, synclog.QueryOptions{})
		if err != nil {
			t.Fatalf("get entries: %v", err)
		}
		if len(entries) != 1 {
			t.Fatalf("expected a single stored entry, got %d", len(entries))
		}
	})

	t.Run("queries honour cursor exclusion and limit", func(t *testing.T) {
		log := factory(t, FrozenClock())
		ctx := context.Background()
		ext := mustCreateDevice(t, log, "user-1", synclog.ProductTypeExtension)
		app := mustCreateDevice(t, log, "user-1", synclog.ProductTypeApp)
		written := mustWrite(t, log, "user-1", []synclog.EntryInput{
			{DeviceID: ext, CreatedOn: 1, EntryType: synclog.EntryTypeChange, Data: "ext-1"},
			{DeviceID: app, CreatedOn: 1, EntryType: synclog.EntryTypeChange, Data: "app-1"},
			{DeviceID: ext, CreatedOn: 2, EntryType: synclog.EntryTypeChange, Data: "ext-2"},
			{DeviceID: app, CreatedOn: 2, EntryType: synclog.EntryTypeChange, Data: "app-2"},
		})

		fromApp, err := log.GetEntriesCreatedAfter(ctx, "user-1", 0, synclog.QueryOptions{ExcludeDeviceID: ext})
		if err != nil {
			t.Fatalf("get entries: %v", err)
		}
		if len(fromApp) != 2 || fromApp[0].Data != "app-1" || fromApp[1].Data != "app-2" {
			t.Fatalf("unexpected entries %+v", fromApp)
		}

		afterFirst, err := log.GetEntriesCreatedAfter(ctx, "user-1", written[1].SharedOn, synclog.QueryOptions{Limit: 1})
		if err != nil {
			t.Fatalf("get entries: %v", err)
		}
		if len(afterFirst) != 1 || afterFirst[0].Data != "ext-2" {
			t.Fatalf("unexpected entries %+v", afterFirst)
		}

		otherUser, err := log.GetEntriesCreatedAfter(ctx, "user-2", 0, synclog.QueryOptions{})
		if err != nil {
			t.Fatalf("get entries: %v", err)
		}
		if len(otherUser) != 0 {
			t.Fatalf("expected users to be isolated, got %+v", otherUser)
		}
	})

	t.Run("writes from unknown devices are rejected", func(t *testing.T) {
		log := factory(t, FrozenClock())
		_, err := log.WriteEntries(context.Background(), "user-1", []synclog.EntryInput{
			{DeviceID: "7", CreatedOn: 1, EntryType: synclog.EntryTypeChange, Data: "x"},
		})
		if !errors.Is(err, synclog.ErrUnknownDevice) {
			t.Fatalf("expected unknown device error, got %v", err)
		}
	})
}

func mustCreateDevice(t *testing.T, log synclog.Log, userID string, productType synclog.ProductType) string {
	t.Helper()
	deviceID, err := log.CreateDeviceID(context.Background(), synclog.DeviceRegistration{
		UserID:         userID,
		ProductType:    productType,
		DevicePlatform: "test",
	})
	if err != nil {
		t.Fatalf("create device id: %v", err)
	}
	return deviceID
}

func mustWrite(t *testing.T, log synclog.Log, userID string, entries []synclog.EntryInput) []synclog.Entry {
	t.Helper()
	written, err := log.WriteEntries(context.Background(), userID, entries)
	if err != nil {
		t.Fatalf("write entries: %v", err)
	}
	if len(written) != len(entries) {
		t.Fatalf("expected %d stamped entries, got %d", len(entries), len(written))
	}
	return written
}
