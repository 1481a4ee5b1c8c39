package synclog

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"
)

type entryOrigin struct {
	deviceID  string
	createdOn int64
}

type memoryUser struct {
	lastSharedOn  int64
	deviceCounter int64
	devices       map[string]Device
	entries       []Entry
	origins       map[entryOrigin]int
}

// MemoryLog keeps the shared log in process memory.
type MemoryLog struct {
	mu    sync.Mutex
	clock func() time.Time
	users map[string]*memoryUser
}

// NewMemoryLog constructs an empty in-memory log.
func NewMemoryLog(clock func() time.Time) *MemoryLog {
	if clock == nil {
		clock = time.Now
	}
	return &MemoryLog{clock: clock, users: make(map[string]*memoryUser)}
}

func (l *MemoryLog) user(userID string) *memoryUser {
	state, ok := l.users[userID]
	if !ok {
		state = &memoryUser{devices: make(map[string]Device), origins: make(map[entryOrigin]int)}
		l.users[userID] = state
	}
	return state
}

func (l *MemoryLog) CreateDeviceID(_ context.Context, registration DeviceRegistration) (string, error) {
	if err := validateRegistration(registration); err != nil {
		return "", err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	state := l.user(registration.UserID)
	state.deviceCounter++
	deviceID := strconv.FormatInt(state.deviceCounter, 10)
	state.devices[deviceID] = Device{
		DeviceID:       deviceID,
		UserID:         registration.UserID,
		ProductType:    registration.ProductType,
		DevicePlatform: registration.DevicePlatform,
		CreatedWhen:    l.clock().UTC().UnixMilli(),
	}
	return deviceID, nil
}

func (l *MemoryLog) GetDeviceInfo(_ context.Context, userID, deviceID string) (Device, error) {
	if userID == "" {
		return Device{}, ErrMissingUserID
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	state, ok := l.users[userID]
	if !ok {
		return Device{}, fmt.Errorf("%w: %s", ErrUnknownDevice, deviceID)
	}
	device, ok := state.devices[deviceID]
	if !ok {
		return Device{}, fmt.Errorf("%w: %s", ErrUnknownDevice, deviceID)
	}
	return device, nil
}

func (l *MemoryLog) ListDevices(_ context.Context, userID string) ([]Device, error) {
	if userID == "" {
		return nil, ErrMissingUserID
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	state, ok := l.users[userID]
	if !ok {
		return []Device{}, nil
	}
	devices := make([]Device, 0, len(state.devices))
	for _, device := range state.devices {
		devices = append(devices, device)
	}
	sort.Slice(devices, func(i, j int) bool {
		return compareDeviceIDs(devices[i].DeviceID, devices[j].DeviceID) < 0
	})
	return devices, nil
}

func (l *MemoryLog) WriteEntries(_ context.Context, userID string, entries []EntryInput) ([]Entry, error) {
	if err := validateInputs(userID, entries); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	state := l.user(userID)
	for _, entry := range entries {
		if _, ok := state.devices[entry.DeviceID]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownDevice, entry.DeviceID)
		}
	}

	now := l.clock().UTC().UnixMilli()
	written := make([]Entry, 0, len(entries))
	for _, input := range entries {
		origin := entryOrigin{deviceID: input.DeviceID, createdOn: input.CreatedOn}
		if index, exists := state.origins[origin]; exists {
			written = append(written, state.entries[index])
			continue
		}
		state.lastSharedOn = nextSharedOn(now, state.lastSharedOn)
		entry := Entry{
			UserID:    userID,
			DeviceID:  input.DeviceID,
			CreatedOn: input.CreatedOn,
			SharedOn:  state.lastSharedOn,
			EntryType: input.EntryType,
			Data:      input.Data,
		}
		state.origins[origin] = len(state.entries)
		state.entries = append(state.entries, entry)
		written = append(written, entry)
	}
	return written, nil
}

func (l *MemoryLog) GetEntriesCreatedAfter(_ context.Context, userID string, sharedOn int64, options QueryOptions) ([]Entry, error) {
	if userID == "" {
		return nil, ErrMissingUserID
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	state, ok := l.users[userID]
	if !ok {
		return []Entry{}, nil
	}
	start := sort.Search(len(state.entries), func(i int) bool {
		return state.entries[i].SharedOn > sharedOn
	})
	result := make([]Entry, 0)
	for _, entry := range state.entries[start:] {
		if options.ExcludeDeviceID != "" && entry.DeviceID == options.ExcludeDeviceID {
			continue
		}
		result = append(result, entry)
		if options.Limit > 0 && len(result) >= options.Limit {
			break
		}
	}
	return result, nil
}

func compareDeviceIDs(left, right string) int {
	if len(left) != len(right) {
		if len(left) < len(right) {
			return -1
		}
		return 1
	}
	switch {
	case left < right:
		return -1
	case left > right:
		return 1
	default:
		return 0
	}
}
