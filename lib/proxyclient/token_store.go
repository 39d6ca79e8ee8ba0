// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package proxyclient

import (
	"context"
	"fmt"

	"github.com/bureau-foundation/credproxy/lib/ipc"
	"github.com/bureau-foundation/credproxy/lib/token"
)

// TokenStore serves tokens through the proxy with the same surface as
// a direct store. Tokens it returns never carry a refresh token.
type TokenStore struct {
	client *Client
}

// NewTokenStore returns a TokenStore over client.
func NewTokenStore(client *Client) *TokenStore {
	return &TokenStore{client: client}
}

// GetToken returns the token for key, or nil when none is stored.
func (store *TokenStore) GetToken(ctx context.Context, key token.Key) (*token.Sanitized, error) {
	var result token.Sanitized
	err := store.client.Call(ctx, ipc.OpGetToken, ipc.TokenRef{Provider: key.Provider, Bucket: key.Bucket}, &result)
	if ipc.CodeOf(err) == ipc.CodeNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting token %s: %w", key, err)
	}
	return &result, nil
}

// SaveToken stores value for key. Any refresh token is dropped before
// sending; the host keeps its own.
func (store *TokenStore) SaveToken(ctx context.Context, key token.Key, value *token.Token) error {
	payload := ipc.SaveTokenPayload{
		Provider: key.Provider,
		Bucket:   key.Bucket,
		Token:    token.Sanitize(value).Token(),
	}
	if err := store.client.Call(ctx, ipc.OpSaveToken, payload, nil); err != nil {
		return fmt.Errorf("saving token %s: %w", key, err)
	}
	return nil
}

func (store *TokenStore) RemoveToken(ctx context.Context, key token.Key) error {
	if err := store.client.Call(ctx, ipc.OpRemoveToken, ipc.TokenRef{Provider: key.Provider, Bucket: key.Bucket}, nil); err != nil {
		return fmt.Errorf("removing token %s: %w", key, err)
	}
	return nil
}

func (store *TokenStore) ListProviders(ctx context.Context) ([]string, error) {
	var providers []string
	if err := store.client.Call(ctx, ipc.OpListProviders, nil, &providers); err != nil {
		return nil, fmt.Errorf("listing providers: %w", err)
	}
	return providers, nil
}

func (store *TokenStore) ListBuckets(ctx context.Context, provider string) ([]string, error) {
	var buckets []string
	if err := store.client.Call(ctx, ipc.OpListBuckets, ipc.ListBucketsPayload{Provider: provider}, &buckets); err != nil {
		return nil, fmt.Errorf("listing buckets of %s: %w", provider, err)
	}
	return buckets, nil
}

// GetBucketStats reports placeholder statistics for a stored token.
// The host does not share real usage figures with sandboxes.
func (store *TokenStore) GetBucketStats(ctx context.Context, key token.Key) (*token.BucketStats, error) {
	stored, err := store.GetToken(ctx, key)
	if err != nil || stored == nil {
		return nil, err
	}
	return &token.BucketStats{Provider: key.Provider, Bucket: key.Bucket}, nil
}

// AcquireRefreshLock always succeeds. Refreshes are serialized on the
// host.
func (store *TokenStore) AcquireRefreshLock(context.Context, token.Key, string) (bool, error) {
	return true, nil
}

// ReleaseRefreshLock does nothing.
func (store *TokenStore) ReleaseRefreshLock(context.Context, token.Key, string) error {
	return nil
}
