package sync

import (
	"context"

	"github.com/MarcoPoloResearchLab/memexsync/internal/collections"
	"github.com/MarcoPoloResearchLab/memexsync/internal/storage"
)

// ChangeSource tells which protocol produced a changed object.
type ChangeSource string

const (
	ChangeSourceInitial     ChangeSource = "initial"
	ChangeSourceIncremental ChangeSource = "incremental"
)

// ChangedObject is an object modified locally by applying synced data.
type ChangedObject struct {
	Collection string
	PK         string
	Deleted    bool
	Object     collections.Object
	Source     ChangeSource
}

// PreSendProcessor may rewrite or drop a record before initial sync sends it.
type PreSendProcessor interface {
	ProcessRecord(ctx context.Context, record storage.Record) (storage.Record, bool, error)
}

// PreSendFunc adapts a function to PreSendProcessor.
type PreSendFunc func(ctx context.Context, record storage.Record) (storage.Record, bool, error)

func (f PreSendFunc) ProcessRecord(ctx context.Context, record storage.Record) (storage.Record, bool, error) {
	return f(ctx, record)
}

// NoopPreSendProcessor sends every record unchanged.
type NoopPreSendProcessor struct{}

func (NoopPreSendProcessor) ProcessRecord(_ context.Context, record storage.Record) (storage.Record, bool, error) {
	return record, true, nil
}

// StripFields removes the listed fields per collection before sending, so the
// receiver fills them in on its own.
type StripFields map[string][]string

func (s StripFields) ProcessRecord(_ context.Context, record storage.Record) (storage.Record, bool, error) {
	fields := s[record.Collection]
	if len(fields) == 0 {
		return record, true, nil
	}
	data := record.Data.Clone()
	var clocks map[string]storage.Clock
	if record.Clocks != nil {
		clocks = make(map[string]storage.Clock, len(record.Clocks))
		for field, clock := range record.Clocks {
			clocks[field] = clock
		}
	}
	for _, field := range fields {
		delete(data, field)
		delete(clocks, field)
	}
	record.Data = data
	record.Clocks = clocks
	return record, true, nil
}

// PostSyncProcessor runs after synced data has been applied. Its failures are logged and never fail a cycle.
type PostSyncProcessor interface {
	Process(ctx context.Context, changes []ChangedObject) error
}

// NoopPostSyncProcessor does nothing.
type NoopPostSyncProcessor struct{}

func (NoopPostSyncProcessor) Process(context.Context, []ChangedObject) error {
	return nil
}
