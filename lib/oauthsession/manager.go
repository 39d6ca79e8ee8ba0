// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package oauthsession

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bureau-foundation/credproxy/lib/clock"
	"github.com/bureau-foundation/credproxy/lib/ipc"
	"github.com/bureau-foundation/credproxy/lib/provider"
	"github.com/bureau-foundation/credproxy/lib/token"
)

const (
	// DefaultTimeout is how long a session stays usable after creation.
	DefaultTimeout = 10 * time.Minute

	// DefaultSweepInterval is the period of the background sweep.
	DefaultSweepInterval = 60 * time.Second
)

// Session is one in-flight login.
type Session struct {
	ID        string
	Key       token.Key
	FlowType  ipc.FlowType
	Flow      provider.Flow
	Peer      string
	CreatedAt time.Time

	// Interval is the poll interval suggested to the client. Zero for
	// flows that complete through an exchange.
	Interval time.Duration

	used    bool
	abort   context.CancelFunc
	outcome *Outcome
}

// Outcome is the result of a polled flow's background work.
type Outcome struct {
	Token *token.Sanitized
	Err   error
}

// Work completes a polled flow. It must return promptly once ctx is
// cancelled.
type Work func(ctx context.Context) (*token.Sanitized, error)

// Config configures a Manager.
type Config struct {
	// Timeout defaults to DefaultTimeout.
	Timeout time.Duration

	// SweepInterval defaults to DefaultSweepInterval.
	SweepInterval time.Duration

	Clock  clock.Clock
	Logger *slog.Logger
}

// Manager owns the session map. All methods are safe for concurrent
// use.
type Manager struct {
	timeout       time.Duration
	sweepInterval time.Duration
	clock         clock.Clock
	logger        *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	sweeper  *clock.Timer
	closed   bool
	work     sync.WaitGroup
}

// New returns a Manager and arms its periodic sweep.
func New(cfg Config) *Manager {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	m := &Manager{
		timeout:       cfg.Timeout,
		sweepInterval: cfg.SweepInterval,
		clock:         cfg.Clock,
		logger:        cfg.Logger,
		sessions:      make(map[string]*Session),
	}
	m.sweeper = m.clock.AfterFunc(m.sweepInterval, m.sweepAndRearm)
	return m
}

// Timeout returns the configured session lifetime.
func (m *Manager) Timeout() time.Duration { return m.timeout }

// Create registers a new session for flow, bound to peer.
func (m *Manager) Create(key token.Key, flow provider.Flow, peer string) (*Session, error) {
	id, err := newID()
	if err != nil {
		return nil, err
	}
	session := &Session{
		ID:        id,
		Key:       key,
		FlowType:  provider.TypeOf(flow),
		Flow:      flow,
		Peer:      peer,
		CreatedAt: m.clock.Now(),
	}
	if device, ok := flow.(*provider.DeviceFlow); ok {
		session.Interval = device.Interval
	} else if session.FlowType.Polled() {
		session.Interval = 2 * time.Second
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ipc.Internal("session manager is shut down")
	}
	m.sessions[id] = session
	m.logger.Info("oauth session created",
		"session", shortID(id),
		"provider", key.Provider,
		"bucket", key.Bucket,
		"flow", session.FlowType,
	)
	return session, nil
}

// Start runs work in the background for session. Its result is
// reported by Poll; removing the session cancels it.
func (m *Manager) Start(session *Session, work Work) {
	ctx, cancel := context.WithCancel(context.Background())

	m.mu.Lock()
	if m.closed || m.sessions[session.ID] != session {
		m.mu.Unlock()
		cancel()
		return
	}
	session.abort = cancel
	m.work.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.work.Done()
		defer cancel()
		result, err := work(ctx)
		if ctx.Err() != nil && err != nil {
			return
		}

		m.mu.Lock()
		defer m.mu.Unlock()
		if m.sessions[session.ID] != session {
			return
		}
		session.outcome = &Outcome{Token: result, Err: err}
		if err != nil {
			m.logger.Warn("oauth session failed", "session", shortID(session.ID), "error", err)
		}
	}()
}

// Get returns the session for id if peer may use it.
//
// Checks run in order: SESSION_NOT_FOUND, UNAUTHORIZED for a peer other
// than the creator, SESSION_ALREADY_USED, then SESSION_EXPIRED (which
// also removes the session).
func (m *Manager) Get(id, peer string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getLocked(id, peer)
}

// Take is Get followed by MarkUsed, atomically.
func (m *Manager) Take(id, peer string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, err := m.getLocked(id, peer)
	if err != nil {
		return nil, err
	}
	session.used = true
	return session, nil
}

// Poll reports the state of a polled session. A finished outcome
// consumes the session; a later Poll fails SESSION_ALREADY_USED.
func (m *Manager) Poll(id, peer string) (*Session, *Outcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, err := m.getLocked(id, peer)
	if err != nil {
		return nil, nil, err
	}
	if !session.FlowType.Polled() {
		return nil, nil, ipc.InvalidRequest("session uses %s and completes through oauth_exchange", session.FlowType)
	}
	if session.outcome == nil {
		return session, nil, nil
	}
	session.used = true
	return session, session.outcome, nil
}

func (m *Manager) getLocked(id, peer string) (*Session, error) {
	session, ok := m.sessions[id]
	if !ok {
		return nil, ipc.SessionNotFound("no such session")
	}
	if session.Peer != peer {
		m.logger.Warn("oauth session requested by a different peer",
			"session", shortID(id),
			"owner", session.Peer,
			"peer", peer,
		)
		return nil, ipc.Unauthorized("session belongs to another peer")
	}
	if session.used {
		return nil, ipc.SessionAlreadyUsed("session already used")
	}
	if m.expiredLocked(session) {
		m.removeLocked(session)
		return nil, ipc.SessionExpired("session expired after %s", m.timeout)
	}
	return session, nil
}

// MarkUsed consumes the session. It stays as a tombstone until
// removed or swept.
func (m *Manager) MarkUsed(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if session, ok := m.sessions[id]; ok {
		session.used = true
	}
}

// Remove aborts the session's background work and deletes it.
func (m *Manager) Remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if session, ok := m.sessions[id]; ok {
		m.removeLocked(session)
	}
}

// Cancel removes the session if peer owns it.
func (m *Manager) Cancel(id, peer string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[id]
	if !ok {
		return ipc.SessionNotFound("no such session")
	}
	if session.Peer != peer {
		m.logger.Warn("oauth session cancel by a different peer", "session", shortID(id), "peer", peer)
		return ipc.Unauthorized("session belongs to another peer")
	}
	m.removeLocked(session)
	m.logger.Info("oauth session cancelled", "session", shortID(id))
	return nil
}

// Sweep removes every expired or used session.
func (m *Manager) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for _, session := range m.sessions {
		if session.used || m.expiredLocked(session) {
			m.removeLocked(session)
			removed++
		}
	}
	if removed > 0 {
		m.logger.Debug("swept oauth sessions", "removed", removed, "remaining", len(m.sessions))
	}
	return removed
}

// Len returns the number of tracked sessions, tombstones included.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Close aborts and removes every session, stops the sweep, and waits
// for background work to return. Safe to call more than once.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	m.sweeper.Stop()
	for _, session := range m.sessions {
		m.removeLocked(session)
	}
	m.mu.Unlock()
	m.work.Wait()
}

func (m *Manager) sweepAndRearm() {
	m.Sweep()
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.sweeper = m.clock.AfterFunc(m.sweepInterval, m.sweepAndRearm)
	}
}

func (m *Manager) expiredLocked(session *Session) bool {
	if m.clock.Now().Sub(session.CreatedAt) >= m.timeout {
		return true
	}
	if device, ok := session.Flow.(*provider.DeviceFlow); ok && !device.Expiry.IsZero() {
		return !m.clock.Now().Before(device.Expiry)
	}
	return false
}

func (m *Manager) removeLocked(session *Session) {
	if session.abort != nil {
		session.abort()
	}
	delete(m.sessions, session.ID)
}

func newID() (string, error) {
	var raw [16]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", fmt.Errorf("generating session id: %w", err)
	}
	return hex.EncodeToString(raw[:]), nil
}

// shortID is the loggable prefix of a session id.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
