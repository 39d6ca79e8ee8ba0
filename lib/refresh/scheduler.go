// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package refresh

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/bureau-foundation/credproxy/lib/clock"
	"github.com/bureau-foundation/credproxy/lib/token"
)

const (
	// MinLead is the shortest interval before expiry at which a renewal
	// is attempted.
	MinLead = 5 * time.Minute

	// MaxJitter bounds the random extra lead added to each renewal.
	MaxJitter = 30 * time.Second

	// InitialBackoff is the retry delay after the first failed renewal.
	InitialBackoff = 30 * time.Second

	// MaxBackoff caps the retry delay.
	MaxBackoff = 30 * time.Minute

	// MaxFailures is the number of consecutive failures after which a
	// key stops being renewed until its token is served again.
	MaxFailures = 10
)

// Refresher performs one refresh. *Coordinator implements it.
type Refresher interface {
	Refresh(ctx context.Context, key token.Key) (*token.Sanitized, error)
}

// TokenReader reads the currently stored token.
type TokenReader interface {
	GetToken(ctx context.Context, key token.Key) (*token.Token, error)
}

// SchedulerConfig configures a Scheduler.
type SchedulerConfig struct {
	Refresher Refresher
	Store     TokenReader

	// Jitter returns the extra lead for one renewal. Defaults to a
	// uniform draw from [0, MaxJitter].
	Jitter func() time.Duration

	Clock  clock.Clock
	Logger *slog.Logger
}

// Scheduler renews served tokens before they expire.
type Scheduler struct {
	refresher Refresher
	store     TokenReader
	jitter    func() time.Duration
	clock     clock.Clock
	logger    *slog.Logger

	ctx    context.Context
	stop   context.CancelFunc
	firing sync.WaitGroup

	mu      sync.Mutex
	entries map[token.Key]*renewal
	closed  bool
}

// renewal is the scheduled state of one key.
type renewal struct {
	timer *clock.Timer
	at    time.Time

	// expiry is the token expiry this renewal was armed against.
	expiry   time.Time
	failures int
}

// NewScheduler returns a Scheduler with no timers armed.
func NewScheduler(cfg SchedulerConfig) *Scheduler {
	if cfg.Jitter == nil {
		cfg.Jitter = func() time.Duration {
			return time.Duration(rand.Int64N(int64(MaxJitter/time.Second)+1)) * time.Second
		}
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	ctx, stop := context.WithCancel(context.Background())
	return &Scheduler{
		refresher: cfg.Refresher,
		store:     cfg.Store,
		jitter:    cfg.Jitter,
		clock:     cfg.Clock,
		logger:    cfg.Logger,
		ctx:       ctx,
		stop:      stop,
		entries:   make(map[token.Key]*renewal),
	}
}

// Lead returns how long before expiry a token with the given remaining
// lifetime is renewed, without jitter.
func Lead(remaining time.Duration) time.Duration {
	lead := (remaining / 10).Truncate(time.Second)
	return max(lead, MinLead)
}

// ScheduleIfNeeded arms a renewal for key unless one is already armed
// or the token cannot be renewed (no refresh token or no expiry).
func (s *Scheduler) ScheduleIfNeeded(key token.Key, served *token.Token) {
	if !served.HasRefresh() || served.Expiry == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if _, ok := s.entries[key]; ok {
		return
	}
	entry := &renewal{}
	s.entries[key] = entry
	s.armForExpiryLocked(key, entry, served.ExpiresAt(), 0)
}

// Scheduled reports when the renewal for key fires.
func (s *Scheduler) Scheduled(key token.Key) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[key]
	if !ok {
		return time.Time{}, false
	}
	return entry.at, true
}

// CancelForKey drops the renewal for key.
func (s *Scheduler) CancelForKey(key token.Key) {
	s.cancel(&key)
}

// CancelAll drops every renewal.
func (s *Scheduler) CancelAll() {
	s.cancel(nil)
}

// Close cancels everything, interrupts renewals in progress and waits
// for them to return. Safe to call more than once.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel(nil)
	s.stop()
	s.firing.Wait()
}

// cancel drops the renewal for key, or every renewal when key is nil.
func (s *Scheduler) cancel(key *token.Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for candidate := range s.entries {
		if key == nil || candidate == *key {
			s.dropLocked(candidate)
		}
	}
}

// dropLocked is the only place entries leave the map.
func (s *Scheduler) dropLocked(key token.Key) {
	entry, ok := s.entries[key]
	if !ok {
		return
	}
	if entry.timer != nil {
		entry.timer.Stop()
	}
	delete(s.entries, key)
}

// armForExpiryLocked arms entry ahead of expiry, waiting at least
// minDelay.
func (s *Scheduler) armForExpiryLocked(key token.Key, entry *renewal, expiry time.Time, minDelay time.Duration) {
	entry.expiry = expiry
	remaining := expiry.Sub(s.clock.Now())
	lead := Lead(remaining) + s.jitter()
	s.armLocked(key, entry, max(expiry.Add(-lead).Sub(s.clock.Now()), minDelay))
}

func (s *Scheduler) armLocked(key token.Key, entry *renewal, delay time.Duration) {
	entry.at = s.clock.Now().Add(max(delay, 0))
	s.logger.Debug("renewal scheduled", "key", key.String(), "at", entry.at)
	if delay <= 0 {
		entry.timer = nil
		s.firing.Add(1)
		go s.fire(key, entry)
		return
	}
	entry.timer = s.clock.AfterFunc(delay, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if !s.currentLocked(key, entry) {
			return
		}
		s.firing.Add(1)
		go s.fire(key, entry)
	})
}

// currentLocked reports whether entry is still the live renewal for key.
func (s *Scheduler) currentLocked(key token.Key, entry *renewal) bool {
	return !s.closed && s.entries[key] == entry
}

func (s *Scheduler) fire(key token.Key, entry *renewal) {
	defer s.firing.Done()

	stored, err := s.store.GetToken(s.ctx, key)
	if err == nil {
		if stored == nil || !stored.HasRefresh() || stored.Expiry == 0 {
			s.logger.Info("renewal dropped, token no longer renewable", "key", key.String())
			s.mu.Lock()
			defer s.mu.Unlock()
			if s.currentLocked(key, entry) {
				s.dropLocked(key)
			}
			return
		}
		if s.renewedElsewhere(entry, stored) {
			s.mu.Lock()
			defer s.mu.Unlock()
			if s.currentLocked(key, entry) {
				s.logger.Debug("token already renewed, rescheduling", "key", key.String())
				entry.failures = 0
				s.armForExpiryLocked(key, entry, stored.ExpiresAt(), InitialBackoff)
			}
			return
		}
	}

	result, err := s.refresher.Refresh(s.ctx, key)

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.currentLocked(key, entry) {
		return
	}
	if err == nil {
		entry.failures = 0
		if result == nil || result.Expiry == 0 {
			s.dropLocked(key)
			return
		}
		// A short-lived replacement waits out the initial backoff rather
		// than renewing in a tight loop.
		s.armForExpiryLocked(key, entry, result.ExpiresAt(), InitialBackoff)
		return
	}

	entry.failures++
	if entry.failures >= MaxFailures {
		s.logger.Error("giving up on proactive renewal",
			"key", key.String(),
			"failures", entry.failures,
			"error", err,
		)
		s.dropLocked(key)
		return
	}
	delay := Backoff(entry.failures)
	s.logger.Warn("proactive renewal failed",
		"key", key.String(),
		"failures", entry.failures,
		"retry_in", delay,
		"error", err,
	)
	s.armLocked(key, entry, delay)
}

// renewedElsewhere reports whether stored was refreshed past the token
// this renewal was armed for and is still outside its own renewal
// window. Checked against the clock at fire time, so a timer that fires
// late after a suspend still refreshes.
func (s *Scheduler) renewedElsewhere(entry *renewal, stored *token.Token) bool {
	s.mu.Lock()
	armedFor := entry.expiry
	s.mu.Unlock()
	expiry := stored.ExpiresAt()
	if !expiry.After(armedFor) {
		return false
	}
	now := s.clock.Now()
	return now.Before(expiry.Add(-Lead(expiry.Sub(now))))
}

// Backoff returns the retry delay after the given number of
// consecutive failures.
func Backoff(failures int) time.Duration {
	delay := InitialBackoff
	for range failures - 1 {
		delay *= 2
		if delay >= MaxBackoff {
			return MaxBackoff
		}
	}
	return delay
}
