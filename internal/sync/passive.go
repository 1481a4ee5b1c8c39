package sync

import (
	"context"

	"github.com/MarcoPoloResearchLab/memexsync/internal/collections"
	"github.com/MarcoPoloResearchLab/memexsync/internal/storage"
)

// passiveFilter drops pages nobody curated, and their visits. A page is active when a
// list entry, tag, bookmark or annotation references it.
type passiveFilter struct {
	registry    *collections.Registry
	activePages map[string]struct{}
}

func buildPassiveFilter(ctx context.Context, store *storage.Store) (*passiveFilter, error) {
	registry := store.Registry()
	filter := &passiveFilter{registry: registry, activePages: make(map[string]struct{})}
	for _, name := range registry.DependencyOrder() {
		schema, _ := registry.Lookup(name)
		if schema.Passive != collections.PassiveRoleActivator || schema.PageRef == "" {
			continue
		}
		objects, err := store.List(ctx, name)
		if err != nil {
			return nil, err
		}
		for _, object := range objects {
			if url, ok := object[schema.PageRef].(string); ok && url != "" {
				filter.activePages[url] = struct{}{}
			}
		}
	}
	return filter, nil
}

func (f *passiveFilter) keep(record storage.Record) bool {
	if f == nil {
		return true
	}
	schema, ok := f.registry.Lookup(record.Collection)
	if !ok {
		return true
	}
	if schema.Passive != collections.PassiveRolePage && schema.Passive != collections.PassiveRoleFollower {
		return true
	}
	url, _ := record.Data[schema.PageRef].(string)
	_, active := f.activePages[url]
	return active
}
