// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package credstore

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/bureau-foundation/credproxy/lib/clock"
	"github.com/bureau-foundation/credproxy/lib/token"
)

// Memory is a Store held in process memory.
type Memory struct {
	clock clock.Clock

	mu      sync.Mutex
	tokens  map[token.Key]*memoryEntry
	apiKeys map[string]string
	leases  map[token.Key]lease
}

type memoryEntry struct {
	value *token.Token
	stats token.BucketStats
}

type lease struct {
	holder  string
	expires time.Time
}

var _ Store = (*Memory)(nil)

// NewMemory returns an empty store. A nil clock uses wall time.
func NewMemory(c clock.Clock) *Memory {
	if c == nil {
		c = clock.Real()
	}
	return &Memory{
		clock:   c,
		tokens:  make(map[token.Key]*memoryEntry),
		apiKeys: make(map[string]string),
		leases:  make(map[token.Key]lease),
	}
}

func (m *Memory) GetToken(_ context.Context, key token.Key) (*token.Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.tokens[key]
	if !ok {
		return nil, nil
	}
	entry.stats.Requests++
	entry.stats.LastUsed = m.clock.Now().Unix()
	return entry.value.Clone(), nil
}

func (m *Memory) SaveToken(_ context.Context, key token.Key, value *token.Token) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.tokens[key]
	if !ok {
		entry = &memoryEntry{stats: token.BucketStats{Provider: key.Provider, Bucket: key.Bucket}}
		m.tokens[key] = entry
	}
	entry.value = value.Clone()
	entry.stats.Saves++
	entry.stats.LastSaved = m.clock.Now().Unix()
	return nil
}

func (m *Memory) RemoveToken(_ context.Context, key token.Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tokens, key)
	return nil
}

func (m *Memory) ListProviders(context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var providers []string
	for key := range m.tokens {
		if !slices.Contains(providers, key.Provider) {
			providers = append(providers, key.Provider)
		}
	}
	sort.Strings(providers)
	return providers, nil
}

func (m *Memory) ListBuckets(_ context.Context, provider string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var buckets []string
	for key := range m.tokens {
		if key.Provider == provider {
			buckets = append(buckets, key.Bucket)
		}
	}
	sort.Strings(buckets)
	return buckets, nil
}

func (m *Memory) GetBucketStats(_ context.Context, key token.Key) (*token.BucketStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.tokens[key]
	if !ok {
		return nil, nil
	}
	stats := entry.stats
	return &stats, nil
}

func (m *Memory) AcquireRefreshLock(_ context.Context, key token.Key, holder string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	if current, held := m.leases[key]; held && current.holder != holder && now.Before(current.expires) {
		return false, nil
	}
	m.leases[key] = lease{holder: holder, expires: now.Add(LeaseDuration)}
	return true, nil
}

func (m *Memory) ReleaseRefreshLock(_ context.Context, key token.Key, holder string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if current, held := m.leases[key]; held && current.holder == holder {
		delete(m.leases, key)
	}
	return nil
}

func (m *Memory) GetAPIKey(_ context.Context, name string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.apiKeys[name], nil
}

func (m *Memory) ListAPIKeys(context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.apiKeys))
	for name := range m.apiKeys {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (m *Memory) SaveAPIKey(_ context.Context, name, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.apiKeys[name] = value
	return nil
}

func (m *Memory) DeleteAPIKey(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.apiKeys, name)
	return nil
}

func (m *Memory) Close() error { return nil }
