package sync

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/memexsync/internal/encryption"
	"github.com/MarcoPoloResearchLab/memexsync/internal/storage"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

const (
	defaultChunkSize          = 100
	defaultInitialSyncTimeout = 10 * time.Minute
)

// InitialMessage is what the source hands to the target, out of band, to pair them.
type InitialMessage struct {
	ChannelID string `json:"channel_id"`
}

// InitialSyncReport summarizes a finished initial sync.
type InitialSyncReport struct {
	Role      Role   `json:"role"`
	ChannelID string `json:"channel_id"`
	Sent      int    `json:"sent"`
	Received  int    `json:"received"`
	Skipped   int    `json:"skipped"`
}

// InitialSyncHandler is told about the device lifecycle around an initial sync.
type InitialSyncHandler interface {
	// PrepareDevice makes sure the device has an id before data leaves it.
	PrepareDevice(ctx context.Context) (string, error)
	// InitialSyncCompleted runs once the exchange succeeded.
	InitialSyncCompleted(ctx context.Context, role Role) error
}

// NoopInitialSyncHandler leaves the device untouched.
type NoopInitialSyncHandler struct{}

func (NoopInitialSyncHandler) PrepareDevice(context.Context) (string, error) { return "", nil }

func (NoopInitialSyncHandler) InitialSyncCompleted(context.Context, Role) error { return nil }

// InitialSyncConfig configures an InitialSync.
type InitialSyncConfig struct {
	Store             *storage.Store
	Secrets           encryption.SecretStore
	Transports        TransportFactory
	Handler           InitialSyncHandler
	PreSend           PreSendProcessor
	PostSync          PostSyncProcessor
	Notifier          *ChangeNotifier
	Lock              *sync.Mutex
	Encryption        bool
	FilterPassiveData bool
	ChunkSize         int
	Timeout           time.Duration
	Logger            *zap.Logger
}

// InitialSync transfers the whole synced dataset between two devices.
type InitialSync struct {
	store             *storage.Store
	secrets           encryption.SecretStore
	transports        TransportFactory
	handler           InitialSyncHandler
	preSend           PreSendProcessor
	postSync          PostSyncProcessor
	notifier          *ChangeNotifier
	lock              *sync.Mutex
	encryption        bool
	filterPassiveData bool
	chunkSize         int
	timeout           time.Duration
	logger            *zap.Logger

	mu      sync.Mutex
	current *initialRun
}

type initialRun struct {
	done   chan struct{}
	report InitialSyncReport
	err    error
}

// NewInitialSync validates dependencies and fills defaults.
func NewInitialSync(cfg InitialSyncConfig) (*InitialSync, error) {
	if cfg.Store == nil || cfg.Transports == nil {
		return nil, fmt.Errorf("%w: store and transports are required", ErrMissingDependency)
	}
	if cfg.Encryption && cfg.Secrets == nil {
		return nil, fmt.Errorf("%w: secret store is required with encryption", ErrMissingDependency)
	}
	syncer := &InitialSync{
		store:             cfg.Store,
		secrets:           cfg.Secrets,
		transports:        cfg.Transports,
		handler:           cfg.Handler,
		preSend:           cfg.PreSend,
		postSync:          cfg.PostSync,
		notifier:          cfg.Notifier,
		lock:              cfg.Lock,
		encryption:        cfg.Encryption,
		filterPassiveData: cfg.FilterPassiveData,
		chunkSize:         cfg.ChunkSize,
		timeout:           cfg.Timeout,
		logger:            cfg.Logger,
	}
	if syncer.handler == nil {
		syncer.handler = NoopInitialSyncHandler{}
	}
	if syncer.preSend == nil {
		syncer.preSend = NoopPreSendProcessor{}
	}
	if syncer.postSync == nil {
		syncer.postSync = NoopPostSyncProcessor{}
	}
	if syncer.lock == nil {
		syncer.lock = &sync.Mutex{}
	}
	if syncer.chunkSize <= 0 {
		syncer.chunkSize = defaultChunkSize
	}
	if syncer.timeout <= 0 {
		syncer.timeout = defaultInitialSyncTimeout
	}
	if syncer.logger == nil {
		syncer.logger = zap.NewNop()
	}
	return syncer, nil
}

// RequestInitialSync starts streaming this device's data as the source and returns
// the message the target needs to join.
func (s *InitialSync) RequestInitialSync(ctx context.Context) (InitialMessage, error) {
	run, err := s.begin()
	if err != nil {
		return InitialMessage{}, err
	}
	s.store.SetChangeLogging(true)

	deviceID, err := s.handler.PrepareDevice(ctx)
	if err != nil {
		s.finish(run, InitialSyncReport{Role: RoleSource}, err)
		return InitialMessage{}, err
	}
	channelID := ulid.Make().String()
	transport, err := s.transports.Open(ctx, channelID, RoleSource)
	if err != nil {
		s.finish(run, InitialSyncReport{Role: RoleSource, ChannelID: channelID}, err)
		return InitialMessage{}, err
	}

	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	go func() {
		defer cancel()
		report, err := s.runSource(runCtx, transport, channelID, deviceID)
		s.finish(run, report, err)
	}()
	return InitialMessage{ChannelID: channelID}, nil
}

// AnswerInitialSync joins the channel named in message as the target and consumes the stream.
func (s *InitialSync) AnswerInitialSync(ctx context.Context, message InitialMessage) error {
	if message.ChannelID == "" {
		return &ProtocolError{Phase: "answer", Err: errors.New("initial message has no channel")}
	}
	run, err := s.begin()
	if err != nil {
		return err
	}
	s.store.SetChangeLogging(true)
	transport, err := s.transports.Open(ctx, message.ChannelID, RoleTarget)
	if err != nil {
		s.finish(run, InitialSyncReport{Role: RoleTarget, ChannelID: message.ChannelID}, err)
		return err
	}

	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	go func() {
		defer cancel()
		report, err := s.runTarget(runCtx, transport, message.ChannelID)
		s.finish(run, report, err)
	}()
	return nil
}

// WaitForInitialSync blocks until the latest initial sync on this device finished.
func (s *InitialSync) WaitForInitialSync(ctx context.Context) (InitialSyncReport, error) {
	s.mu.Lock()
	run := s.current
	s.mu.Unlock()
	if run == nil {
		return InitialSyncReport{}, ErrNoInitialSync
	}
	select {
	case <-run.done:
		return run.report, run.err
	case <-ctx.Done():
		return InitialSyncReport{}, ctx.Err()
	}
}

func (s *InitialSync) begin() (*initialRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil {
		select {
		case <-s.current.done:
		default:
			return nil, ErrInitialSyncRunning
		}
	}
	s.current = &initialRun{done: make(chan struct{})}
	return s.current, nil
}

func (s *InitialSync) finish(run *initialRun, report InitialSyncReport, err error) {
	run.report = report
	run.err = err
	if err != nil {
		s.logger.Warn("initial sync failed",
			zap.String("role", string(report.Role)),
			zap.String("channel_id", report.ChannelID),
			zap.Error(err))
	} else {
		s.logger.Info("initial sync finished",
			zap.String("role", string(report.Role)),
			zap.String("channel_id", report.ChannelID),
			zap.Int("sent", report.Sent),
			zap.Int("received", report.Received),
			zap.Int("skipped", report.Skipped))
	}
	close(run.done)
}

func (s *InitialSync) runSource(ctx context.Context, transport Transport, channelID, deviceID string) (InitialSyncReport, error) {
	report := InitialSyncReport{Role: RoleSource, ChannelID: channelID}
	result, err := func() (receiveResult, error) {
		defer transport.Close()
		s.lock.Lock()
		defer s.lock.Unlock()

		hello := Chunk{Kind: ChunkHello, Version: ProtocolVersion, SourceDeviceID: deviceID}
		if s.encryption {
			key, err := s.ensureKey(ctx)
			if err != nil {
				return receiveResult{}, err
			}
			hello.SyncKey = base64.StdEncoding.EncodeToString(key)
		}
		seq := 0
		if err := s.send(ctx, transport, &seq, hello); err != nil {
			return receiveResult{}, err
		}

		filter, err := s.filter(ctx)
		if err != nil {
			return receiveResult{}, err
		}
		sent, err := s.streamRecords(ctx, transport, &seq, func(record storage.Record) bool {
			return filter.keep(record)
		})
		report.Sent = sent
		if err != nil {
			return receiveResult{}, err
		}

		result, err := s.receiveRecords(ctx, transport, "return", ChangeSourceInitial)
		if err != nil {
			return receiveResult{}, err
		}
		if err := s.send(ctx, transport, &seq, Chunk{Kind: ChunkAck, Count: result.count}); err != nil {
			return receiveResult{}, err
		}
		return result, nil
	}()
	report.Received = result.count
	report.Skipped = result.skipped
	if err != nil {
		return report, err
	}
	s.afterSync(ctx, result.changes)
	return report, s.handler.InitialSyncCompleted(ctx, RoleSource)
}

func (s *InitialSync) runTarget(ctx context.Context, transport Transport, channelID string) (InitialSyncReport, error) {
	report := InitialSyncReport{Role: RoleTarget, ChannelID: channelID}
	result, err := func() (receiveResult, error) {
		defer transport.Close()
		s.lock.Lock()
		defer s.lock.Unlock()

		hello, err := transport.Receive(ctx)
		if errors.Is(err, io.EOF) {
			return receiveResult{}, &ProtocolError{Phase: "hello", Err: errStreamTruncated}
		}
		if err != nil {
			return receiveResult{}, err
		}
		if hello.Kind != ChunkHello {
			return receiveResult{}, &ProtocolError{Phase: "hello", Err: fmt.Errorf("%w: %s", errUnexpectedChunk, hello.Kind)}
		}
		if hello.Version != ProtocolVersion {
			return receiveResult{}, &ProtocolError{Phase: "hello", Err: fmt.Errorf("%w: %d", errUnsupportedVersion, hello.Version)}
		}
		if hello.SyncKey != "" {
			if err := s.storeKey(ctx, hello.SyncKey); err != nil {
				return receiveResult{}, err
			}
		}

		result, err := s.receiveRecords(ctx, transport, "transfer", ChangeSourceInitial)
		if err != nil {
			return result, err
		}
		if _, err := s.handler.PrepareDevice(ctx); err != nil {
			return result, err
		}

		filter, err := s.filter(ctx)
		if err != nil {
			return result, err
		}
		seq := 0
		sent, err := s.streamRecords(ctx, transport, &seq, func(record storage.Record) bool {
			key := recordKey(record.Collection, record.PK)
			if _, received := result.received[key]; received {
				if _, newer := result.localNewer[key]; !newer {
					return false
				}
			}
			return filter.keep(record)
		})
		report.Sent = sent
		if err != nil {
			return result, err
		}

		ack, err := transport.Receive(ctx)
		if errors.Is(err, io.EOF) {
			return result, &ProtocolError{Phase: "ack", Err: errStreamTruncated}
		}
		if err != nil {
			return result, err
		}
		if ack.Kind != ChunkAck {
			return result, &ProtocolError{Phase: "ack", Err: fmt.Errorf("%w: %s", errUnexpectedChunk, ack.Kind)}
		}
		return result, nil
	}()
	report.Received = result.count
	report.Skipped = result.skipped
	if err != nil {
		return report, err
	}
	s.afterSync(ctx, result.changes)
	return report, s.handler.InitialSyncCompleted(ctx, RoleTarget)
}

func (s *InitialSync) filter(ctx context.Context) (*passiveFilter, error) {
	if !s.filterPassiveData {
		return nil, nil
	}
	return buildPassiveFilter(ctx, s.store)
}

func (s *InitialSync) send(ctx context.Context, transport Transport, seq *int, chunk Chunk) error {
	chunk.Seq = *seq
	*seq++
	return transport.Send(ctx, chunk)
}

// streamRecords sends every included record in dependency order followed by an end chunk.
func (s *InitialSync) streamRecords(ctx context.Context, transport Transport, seq *int, include func(storage.Record) bool) (int, error) {
	sent := 0
	for _, collection := range s.store.Registry().DependencyOrder() {
		records, err := s.store.Records(ctx, collection)
		if err != nil {
			return sent, err
		}
		batch := make([]json.RawMessage, 0, s.chunkSize)
		flush := func() error {
			if len(batch) == 0 {
				return nil
			}
			chunk := Chunk{Kind: ChunkRecords, Collection: collection, Records: batch}
			if err := s.send(ctx, transport, seq, chunk); err != nil {
				return err
			}
			sent += len(batch)
			batch = make([]json.RawMessage, 0, s.chunkSize)
			return nil
		}
		for _, record := range records {
			if !include(record) {
				continue
			}
			processed, keep, err := s.preSend.ProcessRecord(ctx, record)
			if err != nil {
				return sent, err
			}
			if !keep {
				continue
			}
			encoded, err := json.Marshal(processed)
			if err != nil {
				return sent, err
			}
			batch = append(batch, encoded)
			if len(batch) >= s.chunkSize {
				if err := flush(); err != nil {
					return sent, err
				}
			}
		}
		if err := flush(); err != nil {
			return sent, err
		}
	}
	return sent, s.send(ctx, transport, seq, Chunk{Kind: ChunkEnd, Count: sent})
}

type receiveResult struct {
	count      int
	skipped    int
	changes    []ChangedObject
	received   map[string]struct{}
	localNewer map[string]struct{}
}

// receiveRecords merges record chunks until the end chunk. Records that cannot be
// decoded or stored are skipped.
func (s *InitialSync) receiveRecords(ctx context.Context, transport Transport, phase string, source ChangeSource) (receiveResult, error) {
	result := receiveResult{received: make(map[string]struct{}), localNewer: make(map[string]struct{})}
	for {
		chunk, err := transport.Receive(ctx)
		if errors.Is(err, io.EOF) {
			return result, &ProtocolError{Phase: phase, Err: errStreamTruncated}
		}
		if err != nil {
			return result, err
		}
		switch chunk.Kind {
		case ChunkEnd:
			return result, nil
		case ChunkRecords:
		default:
			return result, &ProtocolError{Phase: phase, Err: fmt.Errorf("%w: %s", errUnexpectedChunk, chunk.Kind)}
		}
		for _, raw := range chunk.Records {
			record, err := decodeRecord(raw)
			if err != nil {
				result.skipped++
				s.logger.Warn("skipping malformed initial sync record", zap.String("phase", phase), zap.Error(err))
				continue
			}
			outcome, err := s.store.MergeRecord(ctx, record)
			if err != nil {
				result.skipped++
				s.logger.Warn("skipping initial sync record",
					zap.String("phase", phase),
					zap.String("collection", record.Collection),
					zap.Error(err))
				continue
			}
			result.count++
			key := recordKey(record.Collection, outcome.PK)
			result.received[key] = struct{}{}
			if outcome.LocalNewer {
				result.localNewer[key] = struct{}{}
			}
			if outcome.Changed {
				result.changes = append(result.changes, ChangedObject{
					Collection: record.Collection,
					PK:         outcome.PK,
					Object:     outcome.Object,
					Source:     source,
				})
			}
		}
	}
}

func (s *InitialSync) afterSync(ctx context.Context, changes []ChangedObject) {
	if len(changes) == 0 {
		return
	}
	if err := s.postSync.Process(ctx, changes); err != nil {
		s.logger.Warn("post-sync processing failed", zap.Error(err))
	}
	if s.notifier != nil {
		s.notifier.Publish(changes)
	}
}

func (s *InitialSync) ensureKey(ctx context.Context) ([]byte, error) {
	key, err := s.secrets.GetSyncEncryptionKey(ctx)
	if err != nil {
		return nil, err
	}
	if key != nil {
		return key, nil
	}
	return s.secrets.GenerateSyncEncryptionKey(ctx)
}

func (s *InitialSync) storeKey(ctx context.Context, encoded string) error {
	if s.secrets == nil {
		return nil
	}
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return &ProtocolError{Phase: "hello", Err: err}
	}
	return s.secrets.SetSyncEncryptionKey(ctx, key)
}

func recordKey(collection, pk string) string {
	return collection + "\x00" + pk
}
