// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package credential

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bureau-foundation/credproxy/lib/credstore"
	"github.com/bureau-foundation/credproxy/lib/provider"
	"github.com/bureau-foundation/credproxy/lib/refresh"
	"github.com/bureau-foundation/credproxy/lib/token"
)

type directTokens struct {
	store       credstore.Store
	coordinator *refresh.Coordinator
}

func (d *directTokens) GetToken(ctx context.Context, key token.Key) (*token.Sanitized, error) {
	stored, err := d.store.GetToken(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("getting token %s: %w", key, err)
	}
	return token.Sanitize(stored), nil
}

// SaveToken merges value over the stored token, the same way the proxy
// does, so a token saved without a refresh secret keeps the stored one.
func (d *directTokens) SaveToken(ctx context.Context, key token.Key, value *token.Token) error {
	return persist(ctx, d.store, d.coordinator, key, value)
}

func (d *directTokens) RemoveToken(ctx context.Context, key token.Key) error {
	unlock, err := d.coordinator.Lock(ctx, key)
	if err != nil {
		return err
	}
	defer unlock()
	if err := d.store.RemoveToken(ctx, key); err != nil {
		return fmt.Errorf("removing token %s: %w", key, err)
	}
	return nil
}

func (d *directTokens) ListProviders(ctx context.Context) ([]string, error) {
	return d.store.ListProviders(ctx)
}

func (d *directTokens) ListBuckets(ctx context.Context, provider string) ([]string, error) {
	return d.store.ListBuckets(ctx, provider)
}

func (d *directTokens) GetBucketStats(ctx context.Context, key token.Key) (*token.BucketStats, error) {
	return d.store.GetBucketStats(ctx, key)
}

func (d *directTokens) AcquireRefreshLock(ctx context.Context, key token.Key, holder string) (bool, error) {
	return d.store.AcquireRefreshLock(ctx, key, holder)
}

func (d *directTokens) ReleaseRefreshLock(ctx context.Context, key token.Key, holder string) error {
	return d.store.ReleaseRefreshLock(ctx, key, holder)
}

type directKeys struct {
	store credstore.Store
}

func (d *directKeys) GetKey(ctx context.Context, name string) (string, error) {
	return d.store.GetAPIKey(ctx, name)
}

func (d *directKeys) ListKeys(ctx context.Context) ([]string, error) {
	return d.store.ListAPIKeys(ctx)
}

func (d *directKeys) HasKey(ctx context.Context, name string) (bool, error) {
	value, err := d.store.GetAPIKey(ctx, name)
	return value != "", err
}

func (d *directKeys) SaveKey(ctx context.Context, name, value string) error {
	if name == "" {
		return errors.New("key name is required")
	}
	return d.store.SaveAPIKey(ctx, name, value)
}

func (d *directKeys) DeleteKey(ctx context.Context, name string) error {
	return d.store.DeleteAPIKey(ctx, name)
}

// directAuth runs a login to completion in this process. No session
// outlives a call, so Cancel has nothing to do.
type directAuth struct {
	store       credstore.Store
	providers   *provider.Registry
	coordinator *refresh.Coordinator
	prompter    Prompter
	logger      *slog.Logger
}

func (d *directAuth) Login(ctx context.Context, providerName, bucket string) (*token.Sanitized, error) {
	key := token.NewKey(providerName, bucket)
	p, err := d.providers.Get(providerName)
	if err != nil {
		return nil, err
	}
	flow, err := p.Initiate(ctx)
	if err != nil {
		return nil, fmt.Errorf("starting %s login: %w", providerName, err)
	}

	var fresh *token.Token
	switch flow := flow.(type) {
	case *provider.PKCEFlow:
		fresh, err = d.exchange(ctx, flow)
	case *provider.DeviceFlow:
		d.prompter.ShowVerification(flow.VerificationURL, flow.UserCode)
		fresh, err = flow.Wait(ctx)
	case *provider.BrowserFlow:
		d.prompter.ShowVerification(flow.AuthURL, "")
		fresh, err = flow.Wait(ctx)
	default:
		panic(fmt.Sprintf("credential: unhandled flow %T", flow))
	}
	if err != nil {
		return nil, fmt.Errorf("%s login: %w", providerName, err)
	}

	if err := persist(ctx, d.store, d.coordinator, key, fresh); err != nil {
		return nil, err
	}
	d.logger.Info("login complete", "provider", key.Provider, "bucket", key.Bucket,
		"fingerprint", token.Fingerprint(fresh.AccessToken))
	return token.Sanitize(fresh), nil
}

func (d *directAuth) exchange(ctx context.Context, flow *provider.PKCEFlow) (*token.Token, error) {
	code, err := d.prompter.ReadCode(ctx, flow.AuthURL)
	if err != nil {
		return nil, fmt.Errorf("reading authorization code: %w", err)
	}
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, errors.New("no authorization code entered")
	}
	return flow.Exchange(ctx, code)
}

func (d *directAuth) Refresh(ctx context.Context, providerName, bucket string) (*token.Sanitized, error) {
	return d.coordinator.Refresh(ctx, token.NewKey(providerName, bucket))
}

func (d *directAuth) Cancel(context.Context, string) error {
	return nil
}

// persist merges value into the stored token under the per-key lock.
func persist(ctx context.Context, store credstore.Store, coordinator *refresh.Coordinator, key token.Key, value *token.Token) error {
	if value == nil || value.AccessToken == "" {
		return errors.New("token has no access token")
	}
	unlock, err := coordinator.Lock(ctx, key)
	if err != nil {
		return err
	}
	defer unlock()

	stored, err := store.GetToken(ctx, key)
	if err != nil {
		return fmt.Errorf("reading token %s: %w", key, err)
	}
	if err := store.SaveToken(ctx, key, token.Merge(stored, value)); err != nil {
		return fmt.Errorf("saving token %s: %w", key, err)
	}
	return nil
}
