// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package credstore

import (
	"context"
	"time"

	"github.com/bureau-foundation/credproxy/lib/token"
)

// LeaseDuration is how long a refresh lease stays valid without being
// released.
const LeaseDuration = 30 * time.Second

// Store is the durable credential store. Implementations are safe for
// concurrent use.
type Store interface {
	// GetToken returns the token for key, or nil with a nil error
	// when none is stored. A successful read counts as a request in
	// the bucket's statistics.
	GetToken(ctx context.Context, key token.Key) (*token.Token, error)

	// SaveToken replaces the token for key. Callers merge first.
	SaveToken(ctx context.Context, key token.Key, value *token.Token) error

	// RemoveToken deletes the token and its statistics. Removing an
	// absent token is not an error.
	RemoveToken(ctx context.Context, key token.Key) error

	// ListProviders returns the providers with at least one stored
	// token, sorted.
	ListProviders(ctx context.Context) ([]string, error)

	// ListBuckets returns the buckets stored for provider, sorted.
	ListBuckets(ctx context.Context, provider string) ([]string, error)

	// GetBucketStats returns usage statistics for key, or nil when no
	// token is stored.
	GetBucketStats(ctx context.Context, key token.Key) (*token.BucketStats, error)

	// AcquireRefreshLock takes the refresh lease for key on behalf of
	// holder. It reports false when another holder has a live lease.
	// Re-acquiring one's own lease extends it.
	AcquireRefreshLock(ctx context.Context, key token.Key, holder string) (bool, error)

	// ReleaseRefreshLock drops holder's lease. Releasing a lease held
	// by someone else, or none, is a no-op.
	ReleaseRefreshLock(ctx context.Context, key token.Key, holder string) error

	// GetAPIKey returns the key's value, or "" when none is stored.
	GetAPIKey(ctx context.Context, name string) (string, error)

	// ListAPIKeys returns stored key names, sorted.
	ListAPIKeys(ctx context.Context) ([]string, error)

	SaveAPIKey(ctx context.Context, name, value string) error

	// DeleteAPIKey removes a key. Deleting an absent key is not an
	// error.
	DeleteAPIKey(ctx context.Context, name string) error

	Close() error
}
