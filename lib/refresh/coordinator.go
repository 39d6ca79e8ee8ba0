// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package refresh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bureau-foundation/credproxy/lib/clock"
	"github.com/bureau-foundation/credproxy/lib/credstore"
	"github.com/bureau-foundation/credproxy/lib/ipc"
	"github.com/bureau-foundation/credproxy/lib/provider"
	"github.com/bureau-foundation/credproxy/lib/token"
)

const (
	// DefaultCooldown is the minimum spacing between refresh attempts
	// for one key.
	DefaultCooldown = 30 * time.Second

	// leaseRetryAfter is the hint returned when another process holds
	// the store lease.
	leaseRetryAfter = 5 * time.Second
)

// DefaultBackoff is the wait before each retry of a transient provider
// failure.
var DefaultBackoff = []time.Duration{time.Second, 3 * time.Second}

// Providers resolves provider names. *provider.Registry implements it.
type Providers interface {
	Get(name string) (provider.Provider, error)
}

// CoordinatorConfig configures a Coordinator.
type CoordinatorConfig struct {
	Store     credstore.Store
	Providers Providers

	// Cooldown defaults to DefaultCooldown.
	Cooldown time.Duration

	// Backoff defaults to DefaultBackoff. An empty non-nil slice
	// disables retries.
	Backoff []time.Duration

	// Holder identifies this process in store leases. Generated when
	// empty.
	Holder string

	Clock  clock.Clock
	Logger *slog.Logger
}

// Coordinator serializes token refreshes per (provider, bucket).
type Coordinator struct {
	store     credstore.Store
	providers Providers
	cooldown  time.Duration
	backoff   []time.Duration
	holder    string
	clock     clock.Clock
	logger    *slog.Logger

	locks *keyLocks

	mu       sync.Mutex
	attempts map[token.Key]time.Time
}

// NewCoordinator returns a Coordinator.
func NewCoordinator(cfg CoordinatorConfig) *Coordinator {
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultCooldown
	}
	if cfg.Backoff == nil {
		cfg.Backoff = DefaultBackoff
	}
	if cfg.Holder == "" {
		cfg.Holder = "credproxy-" + uuid.NewString()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	return &Coordinator{
		store:     cfg.Store,
		providers: cfg.Providers,
		cooldown:  cfg.Cooldown,
		backoff:   cfg.Backoff,
		holder:    cfg.Holder,
		clock:     cfg.Clock,
		logger:    cfg.Logger,
		locks:     newKeyLocks(),
		attempts:  make(map[token.Key]time.Time),
	}
}

// Lock takes the exclusive lock for key in this process. Token saves
// and removals hold it so they order against refreshes.
func (c *Coordinator) Lock(ctx context.Context, key token.Key) (func(), error) {
	return c.locks.lock(ctx, key)
}

// Refresh renews the token for key and returns it sanitized.
//
// Within the cooldown of a previous provider call no new call is made:
// a still-valid stored token is returned as is, an expired one fails
// RATE_LIMITED with a retry hint. The cooldown starts only when a
// provider call is about to happen.
func (c *Coordinator) Refresh(ctx context.Context, key token.Key) (*token.Sanitized, error) {
	p, err := c.providers.Get(key.Provider)
	if err != nil {
		return nil, err
	}

	if remaining, cooling := c.cooldownRemaining(key); cooling {
		current, err := c.store.GetToken(ctx, key)
		if err != nil {
			return nil, ipc.Internal("reading token").Wrap(err)
		}
		return c.duringCooldown(key, current, remaining)
	}

	stored, err := c.store.GetToken(ctx, key)
	if err != nil {
		return nil, ipc.Internal("reading token").Wrap(err)
	}
	if stored == nil {
		return nil, ipc.NotFound("no token stored for %s", key)
	}
	if !stored.HasRefresh() {
		return nil, ipc.ExchangeFailed("token for %s cannot be refreshed; log in again", key)
	}

	unlock, err := c.lockBoth(ctx, key)
	if err != nil {
		return nil, err
	}
	defer unlock()

	current, err := c.store.GetToken(ctx, key)
	if err != nil {
		return nil, ipc.Internal("reading token").Wrap(err)
	}
	if current == nil {
		return nil, ipc.NotFound("token for %s was removed", key)
	}
	if current.Expiry > stored.Expiry && current.Valid(c.clock.Now()) {
		c.logger.Debug("token refreshed elsewhere while waiting for the lock",
			"key", key.String(),
			"fingerprint", token.Fingerprint(current.AccessToken),
		)
		return token.Sanitize(current), nil
	}
	if !current.HasRefresh() {
		return nil, ipc.ExchangeFailed("token for %s cannot be refreshed; log in again", key)
	}
	if remaining, cooling := c.beginAttempt(key); cooling {
		return c.duringCooldown(key, current, remaining)
	}

	fresh, err := c.callWithRetry(ctx, p, current)
	if err != nil {
		return nil, c.classify(key, err)
	}

	merged := token.Merge(current, fresh)
	if err := c.store.SaveToken(ctx, key, merged); err != nil {
		return nil, ipc.Internal("saving refreshed token").Wrap(err)
	}
	c.logger.Info("token refreshed",
		"key", key.String(),
		"fingerprint", token.Fingerprint(merged.AccessToken),
		"expires_at", merged.ExpiresAt(),
		"rotated_refresh", fresh.RefreshToken != "" && fresh.RefreshToken != current.RefreshToken,
	)
	return token.Sanitize(merged), nil
}

// cooldownRemaining reports whether a provider call for key started
// within the cooldown, and how much of it is left.
func (c *Coordinator) cooldownRemaining(key token.Key) (time.Duration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remainingLocked(key)
}

// beginAttempt stamps the start of a provider call for key unless one
// started within the cooldown.
func (c *Coordinator) beginAttempt(key token.Key) (time.Duration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if remaining, cooling := c.remainingLocked(key); cooling {
		return remaining, true
	}
	c.attempts[key] = c.clock.Now()
	return 0, false
}

func (c *Coordinator) remainingLocked(key token.Key) (time.Duration, bool) {
	last, ok := c.attempts[key]
	if !ok {
		return 0, false
	}
	if elapsed := c.clock.Now().Sub(last); elapsed < c.cooldown {
		return c.cooldown - elapsed, true
	}
	return 0, false
}

// duringCooldown answers a refresh inside the cooldown from the token
// currently stored. It never waits on an in-flight refresh.
func (c *Coordinator) duringCooldown(key token.Key, current *token.Token, remaining time.Duration) (*token.Sanitized, error) {
	if current == nil {
		return nil, ipc.NotFound("no token stored for %s", key)
	}
	if current.Valid(c.clock.Now()) {
		return token.Sanitize(current), nil
	}
	c.logger.Warn("refresh requested during cooldown for an expired token",
		"key", key.String(),
		"retry_after", remaining,
	)
	return nil, ipc.RateLimited(remaining, "refresh for %s attempted recently", key)
}

// lockBoth takes the in-process lock and then the store lease.
func (c *Coordinator) lockBoth(ctx context.Context, key token.Key) (func(), error) {
	unlock, err := c.locks.lock(ctx, key)
	if err != nil {
		return nil, err
	}
	acquired, err := c.store.AcquireRefreshLock(ctx, key, c.holder)
	if err != nil {
		unlock()
		return nil, ipc.Internal("acquiring refresh lease").Wrap(err)
	}
	if !acquired {
		unlock()
		return nil, ipc.RateLimited(leaseRetryAfter, "another process is refreshing %s", key)
	}
	return func() {
		// The lease is released even if the request context ended.
		if err := c.store.ReleaseRefreshLock(context.WithoutCancel(ctx), key, c.holder); err != nil {
			c.logger.Error("releasing refresh lease", "key", key.String(), "error", err)
		}
		unlock()
	}, nil
}

// callWithRetry invokes the provider, retrying transient failures on
// the configured backoff.
func (c *Coordinator) callWithRetry(ctx context.Context, p provider.Provider, current *token.Token) (*token.Token, error) {
	for attempt := 0; ; attempt++ {
		fresh, err := callProvider(ctx, p, current)
		if err == nil {
			return fresh, nil
		}
		if provider.KindOf(err) != provider.KindTransient || attempt >= len(c.backoff) {
			return nil, err
		}
		c.logger.Warn("transient refresh failure, retrying",
			"provider", p.Name(),
			"attempt", attempt+1,
			"backoff", c.backoff[attempt],
			"error", err,
		)
		if !clock.SleepContext(c.clock, ctx.Done(), c.backoff[attempt]) {
			return nil, ctx.Err()
		}
	}
}

// callProvider runs the provider's refresh. Native-client providers
// refresh the whole stored credential through their own client.
func callProvider(ctx context.Context, p provider.Provider, current *token.Token) (*token.Token, error) {
	switch typed := p.(type) {
	case *provider.NativeProvider:
		client := typed.NewClient(current)
		if _, err := client.Refresh(ctx); err != nil {
			return nil, err
		}
		return client.Token(), nil
	default:
		return p.Refresh(ctx, current.RefreshToken)
	}
}

func (c *Coordinator) classify(key token.Key, err error) error {
	var ipcErr *ipc.Error
	if errors.As(err, &ipcErr) {
		return ipcErr
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ipc.Internal("refresh interrupted").Wrap(err)
	}
	switch provider.KindOf(err) {
	case provider.KindAuth:
		c.logger.Warn("refresh rejected by provider", "key", key.String(), "error", err)
		return ipc.ExchangeFailed("provider rejected the refresh for %s; log in again", key).Wrap(err)
	case provider.KindTransient:
		c.logger.Error("refresh failed after retries", "key", key.String(), "error", err)
		return ipc.Internal("provider unavailable").Wrap(err)
	}
	c.logger.Error("refresh failed", "key", key.String(), "error", err)
	return ipc.Internal("refresh failed").Wrap(fmt.Errorf("%s: %w", key, err))
}
