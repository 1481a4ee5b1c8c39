// Package sync replicates Memex collections between devices through the shared sync log.
package sync

import (
	"errors"
	"fmt"
)

var (
	ErrNoUser               = errors.New("sync: no signed-in user")
	ErrNoDevice             = errors.New("sync: device id not issued")
	ErrSyncDisabled         = errors.New("sync: continuous sync disabled")
	ErrNoInitialSync        = errors.New("sync: no initial sync in progress")
	ErrInitialSyncRunning   = errors.New("sync: initial sync already in progress")
	ErrMissingDependency    = errors.New("sync: missing dependency")
	errUnexpectedChunk      = errors.New("unexpected chunk")
	errStreamTruncated      = errors.New("stream ended before completion")
	errUnsupportedVersion   = errors.New("unsupported protocol version")
	errChannelAlreadyJoined = errors.New("channel role already joined")
)

// NetworkError wraps a failure to reach the shared log. The cycle is retried on the next tick.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("sync: network failure during %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// ApplyConflictError reports an entry that could not be applied to local storage.
type ApplyConflictError struct {
	Collection string
	ObjectPK   string
	DeviceID   string
	CreatedOn  int64
	Err        error
}

func (e *ApplyConflictError) Error() string {
	return fmt.Sprintf("sync: cannot apply %s/%s from device %s at %d: %v", e.Collection, e.ObjectPK, e.DeviceID, e.CreatedOn, e.Err)
}

func (e *ApplyConflictError) Unwrap() error {
	return e.Err
}

// MalformedEntryError reports an entry whose payload cannot be understood. Such entries are discarded.
type MalformedEntryError struct {
	DeviceID  string
	CreatedOn int64
	Err       error
}

func (e *MalformedEntryError) Error() string {
	return fmt.Sprintf("sync: malformed entry %s/%d: %v", e.DeviceID, e.CreatedOn, e.Err)
}

func (e *MalformedEntryError) Unwrap() error {
	return e.Err
}

// ProtocolError reports an initial-sync stream that violated the exchange order.
// Re-running the initial sync is safe.
type ProtocolError struct {
	Phase string
	Err   error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("sync: initial sync protocol error during %s: %v", e.Phase, e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}
