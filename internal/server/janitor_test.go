package server

import (
	"sync"
	"testing"
	"time"
)

type steppingClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *steppingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *steppingClock) Advance(step time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(step)
}

func TestNewJanitorRejectsInvalidSchedule(t *testing.T) {
	if _, err := NewJanitor(JanitorConfig{}); err == nil {
		t.Fatalf("expected error for missing schedule")
	}
	if _, err := NewJanitor(JanitorConfig{Schedule: "every minute please"}); err == nil {
		t.Fatalf("expected error for malformed schedule")
	}
}

func TestJanitorSweepPrunesIdleLimitersAndStaleChannels(t *testing.T) {
	clock := &steppingClock{now: time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)}
	limiters := NewRateLimiters(time.Second, 5, clock.Now)
	relay := NewRelay(RelayConfig{PairTimeout: time.Minute, Clock: clock.Now})

	limiters.Allow("user-1")
	if _, err := relay.join("user-1/stale", relayRoleTarget, nil); err != nil {
		t.Fatalf("join: %v", err)
	}

	janitor, err := NewJanitor(JanitorConfig{
		Schedule:    "@every 1m",
		Limiters:    limiters,
		Relay:       relay,
		LimiterIdle: 10 * time.Minute,
		Clock:       clock.Now,
	})
	if err != nil {
		t.Fatalf("new janitor: %v", err)
	}

	janitor.Sweep()
	if limiters.Len() != 1 || relay.Channels() != 1 {
		t.Fatalf("expected nothing pruned yet, limiters %d channels %d", limiters.Len(), relay.Channels())
	}

	clock.Advance(15 * time.Minute)
	limiters.Allow("user-2")
	janitor.Sweep()
	if limiters.Len() != 1 {
		t.Fatalf("expected only the active limiter to remain, got %d", limiters.Len())
	}
	if relay.Channels() != 0 {
		t.Fatalf("expected stale channel to be expired, got %d", relay.Channels())
	}
}

func TestJanitorStartStop(t *testing.T) {
	janitor, err := NewJanitor(JanitorConfig{Schedule: "@every 1h"})
	if err != nil {
		t.Fatalf("new janitor: %v", err)
	}
	janitor.Start()
	select {
	case <-janitor.Stop().Done():
	case <-time.After(time.Second):
		t.Fatalf("expected janitor to stop promptly")
	}
}

func TestRateLimitersRefillOverTime(t *testing.T) {
	clock := &steppingClock{now: time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)}
	limiters := NewRateLimiters(time.Second, 1, clock.Now)
	if !limiters.Allow("user-1") {
		t.Fatalf("expected first request to pass")
	}
	if limiters.Allow("user-1") {
		t.Fatalf("expected second immediate request to be limited")
	}
	clock.Advance(time.Second)
	if !limiters.Allow("user-1") {
		t.Fatalf("expected request to pass after refill")
	}
}
