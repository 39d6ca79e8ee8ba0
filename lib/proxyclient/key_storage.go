// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package proxyclient

import (
	"context"
	"errors"
	"fmt"

	"github.com/bureau-foundation/credproxy/lib/ipc"
)

// ErrKeyManagementUnavailable is returned by every key mutation made
// through the proxy. Keys are administered on the host.
var ErrKeyManagementUnavailable = errors.New("key management unavailable in sandbox mode")

// KeyStorage is read-only access to API keys through the proxy.
type KeyStorage struct {
	client *Client
}

// NewKeyStorage returns a KeyStorage over client.
func NewKeyStorage(client *Client) *KeyStorage {
	return &KeyStorage{client: client}
}

// GetKey returns the named key's value, or "" when none is stored.
func (storage *KeyStorage) GetKey(ctx context.Context, name string) (string, error) {
	var result ipc.APIKeyResult
	err := storage.client.Call(ctx, ipc.OpGetAPIKey, ipc.APIKeyRef{Name: name}, &result)
	if ipc.CodeOf(err) == ipc.CodeNotFound {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("getting API key %q: %w", name, err)
	}
	return result.Value, nil
}

func (storage *KeyStorage) ListKeys(ctx context.Context) ([]string, error) {
	var names []string
	if err := storage.client.Call(ctx, ipc.OpListAPIKeys, nil, &names); err != nil {
		return nil, fmt.Errorf("listing API keys: %w", err)
	}
	return names, nil
}

func (storage *KeyStorage) HasKey(ctx context.Context, name string) (bool, error) {
	value, err := storage.GetKey(ctx, name)
	return value != "", err
}

func (storage *KeyStorage) SaveKey(context.Context, string, string) error {
	return ErrKeyManagementUnavailable
}

func (storage *KeyStorage) DeleteKey(context.Context, string) error {
	return ErrKeyManagementUnavailable
}
