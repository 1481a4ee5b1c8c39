package sync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/memexsync/internal/encryption"
	"github.com/MarcoPoloResearchLab/memexsync/internal/storage"
	"github.com/MarcoPoloResearchLab/memexsync/internal/synclog"
	"go.uber.org/zap"
)

// BackgroundConfig wires the sync engine of one device.
type BackgroundConfig struct {
	Store             *storage.Store
	Settings          *storage.Settings
	Log               synclog.Log
	Users             UserProvider
	Transports        TransportFactory
	Secrets           encryption.SecretStore
	PreSend           PreSendProcessor
	PostSync          PostSyncProcessor
	Encryption        bool
	FilterPassiveData bool
	Frequency         time.Duration
	ProductType       synclog.ProductType
	DevicePlatform    string
	BatchSize         int
	MaxApplyAttempts  int
	Clock             func() time.Time
	Logger            *zap.Logger
}

// Background owns the initial and continuous sync of one device. Both share a lock,
// so an initial-sync exchange and an incremental cycle never interleave.
type Background struct {
	Continuous *ContinuousSync
	Initial    *InitialSync
	Notifier   *ChangeNotifier
	Codec      *encryption.Codec
}

// NewBackground builds the engine without starting anything.
func NewBackground(cfg BackgroundConfig) (*Background, error) {
	secrets := cfg.Secrets
	if secrets == nil {
		if cfg.Settings == nil {
			return nil, fmt.Errorf("%w: settings are required", ErrMissingDependency)
		}
		secrets = encryption.NewSettingsSecretStore(cfg.Settings)
	}
	lock := &sync.Mutex{}
	notifier := NewChangeNotifier()
	codec := encryption.NewCodec(secrets, cfg.Encryption)
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	continuous, err := NewContinuousSync(ContinuousSyncConfig{
		Store:            cfg.Store,
		Settings:         cfg.Settings,
		Log:              cfg.Log,
		Users:            cfg.Users,
		Codec:            codec,
		Secrets:          secrets,
		PostSync:         cfg.PostSync,
		Notifier:         notifier,
		Lock:             lock,
		Frequency:        cfg.Frequency,
		ProductType:      cfg.ProductType,
		DevicePlatform:   cfg.DevicePlatform,
		BatchSize:        cfg.BatchSize,
		MaxApplyAttempts: cfg.MaxApplyAttempts,
		Clock:            cfg.Clock,
		Logger:           logger.Named("continuous"),
	})
	if err != nil {
		return nil, err
	}
	initial, err := NewInitialSync(InitialSyncConfig{
		Store:             cfg.Store,
		Secrets:           secrets,
		Transports:        cfg.Transports,
		Handler:           continuous,
		PreSend:           cfg.PreSend,
		PostSync:          cfg.PostSync,
		Notifier:          notifier,
		Lock:              lock,
		Encryption:        cfg.Encryption,
		FilterPassiveData: cfg.FilterPassiveData,
		Logger:            logger.Named("initial"),
	})
	if err != nil {
		return nil, err
	}
	return &Background{Continuous: continuous, Initial: initial, Notifier: notifier, Codec: codec}, nil
}

func (b *Background) Setup(ctx context.Context) error {
	return b.Continuous.Setup(ctx)
}

func (b *Background) FirstContinuousSync(ctx context.Context) error {
	return b.Continuous.FirstContinuousSync(ctx)
}

func (b *Background) ForceIncrementalSync(ctx context.Context) (CycleReport, error) {
	return b.Continuous.ForceIncrementalSync(ctx)
}

func (b *Background) EnableSync(ctx context.Context) error {
	return b.Continuous.EnableContinuousSync(ctx)
}

func (b *Background) DisableSync(ctx context.Context) error {
	return b.Continuous.DisableContinuousSync(ctx)
}

func (b *Background) Status(ctx context.Context) Status {
	return b.Continuous.Status(ctx)
}

func (b *Background) RequestInitialSync(ctx context.Context) (InitialMessage, error) {
	return b.Initial.RequestInitialSync(ctx)
}

func (b *Background) AnswerInitialSync(ctx context.Context, message InitialMessage) error {
	return b.Initial.AnswerInitialSync(ctx, message)
}

func (b *Background) WaitForInitialSync(ctx context.Context) (InitialSyncReport, error) {
	return b.Initial.WaitForInitialSync(ctx)
}

// Close stops scheduled cycles.
func (b *Background) Close() {
	b.Continuous.Close()
}
