package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// Role is the side a device plays in an initial sync.
type Role string

const (
	RoleSource Role = "source"
	RoleTarget Role = "target"
)

// ChunkKind tags the messages of the initial-sync exchange.
type ChunkKind string

const (
	ChunkHello   ChunkKind = "hello"
	ChunkRecords ChunkKind = "records"
	ChunkEnd     ChunkKind = "end"
	ChunkAck     ChunkKind = "ack"
)

// ProtocolVersion is the initial-sync exchange version spoken by this build.
const ProtocolVersion = 1

// Chunk is one message of the initial-sync exchange.
type Chunk struct {
	Kind           ChunkKind         `json:"kind"`
	Seq            int               `json:"seq"`
	Version        int               `json:"version,omitempty"`
	SourceDeviceID string            `json:"sourceDeviceId,omitempty"`
	SyncKey        string            `json:"syncKey,omitempty"`
	Collection     string            `json:"collection,omitempty"`
	Records        []json.RawMessage `json:"records,omitempty"`
	Count          int               `json:"count,omitempty"`
}

// Transport carries chunks between the two devices of an initial sync.
// Receive returns io.EOF once the peer has closed its side.
type Transport interface {
	Send(ctx context.Context, chunk Chunk) error
	Receive(ctx context.Context) (Chunk, error)
	Close() error
}

// TransportFactory opens the transport for one side of a channel.
type TransportFactory interface {
	Open(ctx context.Context, channelID string, role Role) (Transport, error)
}

// MemoryTransportFactory pairs devices living in the same process.
type MemoryTransportFactory struct {
	mu       sync.Mutex
	channels map[string]*memoryChannel
}

type memoryChannel struct {
	toTarget     chan Chunk
	toSource     chan Chunk
	sourceDone   chan struct{}
	targetDone   chan struct{}
	sourceJoined bool
	targetJoined bool
	sourceClosed bool
	targetClosed bool
}

// NewMemoryTransportFactory constructs an empty factory.
func NewMemoryTransportFactory() *MemoryTransportFactory {
	return &MemoryTransportFactory{channels: make(map[string]*memoryChannel)}
}

func (f *MemoryTransportFactory) Open(_ context.Context, channelID string, role Role) (Transport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	channel, ok := f.channels[channelID]
	if !ok {
		channel = &memoryChannel{
			toTarget:   make(chan Chunk, 16),
			toSource:   make(chan Chunk, 16),
			sourceDone: make(chan struct{}),
			targetDone: make(chan struct{}),
		}
		f.channels[channelID] = channel
	}
	switch role {
	case RoleSource:
		if channel.sourceJoined {
			return nil, fmt.Errorf("%w: %s", errChannelAlreadyJoined, role)
		}
		channel.sourceJoined = true
		return &memoryTransport{factory: f, channelID: channelID, role: role, send: channel.toTarget, receive: channel.toSource, done: channel.sourceDone, peerDone: channel.targetDone}, nil
	case RoleTarget:
		if channel.targetJoined {
			return nil, fmt.Errorf("%w: %s", errChannelAlreadyJoined, role)
		}
		channel.targetJoined = true
		return &memoryTransport{factory: f, channelID: channelID, role: role, send: channel.toSource, receive: channel.toTarget, done: channel.targetDone, peerDone: channel.sourceDone}, nil
	default:
		return nil, fmt.Errorf("sync: unknown role %q", role)
	}
}

func (f *MemoryTransportFactory) release(channelID string, role Role) {
	f.mu.Lock()
	defer f.mu.Unlock()
	channel, ok := f.channels[channelID]
	if !ok {
		return
	}
	if role == RoleSource {
		channel.sourceClosed = true
	} else {
		channel.targetClosed = true
	}
	if channel.sourceClosed && channel.targetClosed {
		delete(f.channels, channelID)
	}
}

type memoryTransport struct {
	factory   *MemoryTransportFactory
	channelID string
	role      Role
	send      chan<- Chunk
	receive   <-chan Chunk
	done      chan struct{}
	peerDone  <-chan struct{}
	closeOnce sync.Once
}

func (t *memoryTransport) Send(ctx context.Context, chunk Chunk) error {
	select {
	case <-t.done:
		return io.ErrClosedPipe
	case <-t.peerDone:
		return io.ErrClosedPipe
	default:
	}
	select {
	case t.send <- chunk:
		return nil
	case <-t.peerDone:
		return io.ErrClosedPipe
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *memoryTransport) Receive(ctx context.Context) (Chunk, error) {
	select {
	case chunk := <-t.receive:
		return chunk, nil
	case <-t.peerDone:
		select {
		case chunk := <-t.receive:
			return chunk, nil
		default:
			return Chunk{}, io.EOF
		}
	case <-ctx.Done():
		return Chunk{}, ctx.Err()
	}
}

func (t *memoryTransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.done)
		t.factory.release(t.channelID, t.role)
	})
	return nil
}
