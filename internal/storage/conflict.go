package storage

import (
	"reflect"
	"strings"

	"github.com/MarcoPoloResearchLab/memexsync/internal/collections"
)

// Clock stamps a field write with the creation time of the change and the writing device.
type Clock struct {
	At     int64  `json:"at"`
	Device string `json:"device,omitempty"`
}

// After orders clocks by time, then by device id.
func (c Clock) After(other Clock) bool {
	if c.At != other.At {
		return c.At > other.At
	}
	return compareDeviceIDs(c.Device, other.Device) > 0
}

// IsZero reports whether the clock was never set.
func (c Clock) IsZero() bool {
	return c.At == 0 && c.Device == ""
}

// Device ids are decimal counters, so a shorter id is always the older device.
func compareDeviceIDs(left, right string) int {
	if len(left) != len(right) {
		if len(left) < len(right) {
			return -1
		}
		return 1
	}
	return strings.Compare(left, right)
}

type documentState struct {
	data         collections.Object
	clocks       map[string]Clock
	deleted      bool
	deletedClock Clock
}

func newDocumentState() *documentState {
	return &documentState{data: collections.Object{}, clocks: map[string]Clock{}}
}

// applyDelete records a delete clock and drops every field written at or before it.
// Fields written after the delete survive, so the document stays live.
func (s *documentState) applyDelete(clock Clock) bool {
	if !clock.After(s.deletedClock) {
		return false
	}
	s.deletedClock = clock
	for field := range s.data {
		if fieldClock, tracked := s.clocks[field]; tracked && fieldClock.After(clock) {
			continue
		}
		delete(s.data, field)
	}
	for field, fieldClock := range s.clocks {
		if !fieldClock.After(clock) {
			delete(s.clocks, field)
		}
	}
	s.refreshDeleted()
	return true
}

// predatesDelete reports whether a write stamped with clock is covered by the delete clock.
func (s *documentState) predatesDelete(clock Clock) bool {
	return !s.deletedClock.IsZero() && !clock.After(s.deletedClock)
}

func (s *documentState) refreshDeleted() {
	s.deleted = !s.deletedClock.IsZero() && len(s.clocks) == 0
}

// seedFields fills absent fields without a clock, used for primary key fields of a live document.
func (s *documentState) seedFields(fields collections.Object) bool {
	if s.deleted {
		return false
	}
	changed := false
	for field, value := range fields {
		if _, present := s.data[field]; !present {
			s.data[field] = value
			changed = true
		}
	}
	return changed
}

func (s *documentState) set(field string, value any, clock Clock) bool {
	previous, present := s.data[field]
	previousClock, tracked := s.clocks[field]
	s.data[field] = value
	if clock.IsZero() {
		delete(s.clocks, field)
	} else {
		s.clocks[field] = clock
	}
	return !present || !reflect.DeepEqual(previous, value) || tracked != !clock.IsZero() || previousClock != clock
}

type mergeOutcome struct {
	Changed    bool
	LocalNewer bool
}

// mergeChange applies one logged change with last-writer-wins per field.
// A delete is a clock like any field write: it removes the fields written before it and
// leaves later writes in place, so the result does not depend on arrival order.
// Re-applying a change with an equal clock leaves the document untouched.
func mergeChange(state *documentState, operation Operation, fields collections.Object, clock Clock) mergeOutcome {
	outcome := mergeOutcome{}
	if operation == OperationDelete {
		if state.deletedClock.After(clock) {
			outcome.LocalNewer = true
			return outcome
		}
		outcome.Changed = state.applyDelete(clock)
		if !state.deleted {
			outcome.LocalNewer = true
		}
		return outcome
	}

	if state.predatesDelete(clock) {
		outcome.LocalNewer = state.deletedClock.After(clock)
		return outcome
	}
	for field, value := range fields {
		current, tracked := state.clocks[field]
		if _, present := state.data[field]; present && tracked && !clock.After(current) {
			if current.After(clock) {
				outcome.LocalNewer = true
			}
			continue
		}
		if state.set(field, value, clock) {
			outcome.Changed = true
		}
	}
	state.refreshDeleted()
	return outcome
}

// mergeRecord folds a full snapshot record into the local document.
// LocalNewer reports that the local side holds data the record did not carry.
func mergeRecord(state *documentState, data collections.Object, clocks map[string]Clock, tombstone Clock) mergeOutcome {
	outcome := mergeOutcome{}
	if !tombstone.IsZero() && state.applyDelete(tombstone) {
		outcome.Changed = true
	}
	if state.deletedClock.After(tombstone) {
		outcome.LocalNewer = true
	}

	for field, value := range data {
		incoming := clocks[field]
		if state.predatesDelete(incoming) {
			if !incoming.IsZero() {
				outcome.LocalNewer = true
			}
			continue
		}
		if _, present := state.data[field]; present {
			current := state.clocks[field]
			if !incoming.After(current) {
				if current.After(incoming) {
					outcome.LocalNewer = true
				}
				continue
			}
		}
		if state.set(field, value, incoming) {
			outcome.Changed = true
		}
	}
	state.refreshDeleted()
	for field := range state.data {
		if _, carried := data[field]; !carried {
			outcome.LocalNewer = true
		}
	}
	return outcome
}
