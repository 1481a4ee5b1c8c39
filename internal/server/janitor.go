package server

import (
	"context"
	"errors"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const defaultLimiterIdle = 30 * time.Minute

var errMissingJanitorSchedule = errors.New("janitor schedule required")

type JanitorConfig struct {
	Schedule    string
	Limiters    *RateLimiters
	Relay       *Relay
	LimiterIdle time.Duration
	Clock       func() time.Time
	Logger      *zap.Logger
}

// Janitor periodically drops idle rate limiters and initial-sync channels whose
// peer never joined.
type Janitor struct {
	cron        *cron.Cron
	limiters    *RateLimiters
	relay       *Relay
	limiterIdle time.Duration
	clock       func() time.Time
	logger      *zap.Logger
}

func NewJanitor(cfg JanitorConfig) (*Janitor, error) {
	if cfg.Schedule == "" {
		return nil, errMissingJanitorSchedule
	}
	janitor := &Janitor{
		cron:        cron.New(),
		limiters:    cfg.Limiters,
		relay:       cfg.Relay,
		limiterIdle: cfg.LimiterIdle,
		clock:       cfg.Clock,
		logger:      cfg.Logger,
	}
	if janitor.limiterIdle <= 0 {
		janitor.limiterIdle = defaultLimiterIdle
	}
	if janitor.clock == nil {
		janitor.clock = time.Now
	}
	if janitor.logger == nil {
		janitor.logger = zap.NewNop()
	}
	if _, err := janitor.cron.AddFunc(cfg.Schedule, janitor.Sweep); err != nil {
		return nil, err
	}
	return janitor, nil
}

func (j *Janitor) Start() {
	j.logger.Info("janitor started")
	j.cron.Start()
}

// Stop halts the schedule and returns a context done once a running sweep ends.
func (j *Janitor) Stop() context.Context {
	return j.cron.Stop()
}

// Sweep runs one cleanup pass.
func (j *Janitor) Sweep() {
	var limiters, channels int
	if j.limiters != nil {
		limiters = j.limiters.Prune(j.limiterIdle)
	}
	if j.relay != nil {
		channels = j.relay.Prune(j.clock())
	}
	if limiters > 0 || channels > 0 {
		j.logger.Info("janitor sweep",
			zap.Int("pruned_limiters", limiters),
			zap.Int("expired_channels", channels))
	}
}
