// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package proxyclient_test

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/bureau-foundation/credproxy/lib/clock"
	"github.com/bureau-foundation/credproxy/lib/credstore"
	"github.com/bureau-foundation/credproxy/lib/ipc"
	"github.com/bureau-foundation/credproxy/lib/provider"
	"github.com/bureau-foundation/credproxy/lib/proxyclient"
	"github.com/bureau-foundation/credproxy/lib/testutil"
	"github.com/bureau-foundation/credproxy/lib/token"
	"github.com/bureau-foundation/credproxy/proxy"
)

var hostEpoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// pasteProvider completes a PKCE login when handed the expected code.
type pasteProvider struct {
	mu    sync.Mutex
	codes []string
}

func (p *pasteProvider) Name() string           { return "acme" }
func (p *pasteProvider) FlowType() ipc.FlowType { return ipc.FlowPKCERedirect }

func (p *pasteProvider) Initiate(context.Context) (provider.Flow, error) {
	return provider.NewPKCEFlow("https://auth.example/authorize?state=s1",
		func(_ context.Context, code string) (*token.Token, error) {
			p.mu.Lock()
			p.codes = append(p.codes, code)
			p.mu.Unlock()
			if code != "good-code" {
				return nil, &provider.Error{Provider: "acme", Kind: provider.KindAuth, Err: errors.New("invalid_grant")}
			}
			return &token.Token{
				AccessToken:  "login-at",
				RefreshToken: "login-rt",
				Expiry:       hostEpoch.Add(time.Hour).Unix(),
			}, nil
		}), nil
}

func (p *pasteProvider) seen() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.codes)
}

func (p *pasteProvider) Refresh(context.Context, string) (*token.Token, error) {
	return nil, errors.New("not used")
}

type pastePrompter struct{ code string }

func (p pastePrompter) ReadCode(context.Context, string) (string, error) { return p.code, nil }
func (p pastePrompter) ShowVerification(string, string)                  {}

type host struct {
	store  *credstore.Memory
	client *proxyclient.Client
}

func startHost(t *testing.T, scope *proxy.Scope, providers ...provider.Provider) *host {
	t.Helper()
	fake := clock.Fake(hostEpoch)
	store := credstore.NewMemory(fake)
	server, err := proxy.New(proxy.Config{
		SocketDir: testutil.SocketDir(t),
		Store:     store,
		Providers: provider.NewRegistry(providers...),
		Scope:     scope,
		Clock:     fake,
	})
	if err != nil {
		t.Fatalf("proxy.New: %v", err)
	}
	if err := server.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(ctx)
	})

	client, err := proxyclient.New(proxyclient.Config{SocketPath: server.SocketPath()})
	if err != nil {
		t.Fatalf("proxyclient.New: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return &host{store: store, client: client}
}

func TestTokenStoreThroughProxy(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := startHost(t, &proxy.Scope{Providers: map[string][]string{"acme": {"work", "team-*"}}})
	work := token.NewKey("acme", "work")
	h.store.SaveToken(ctx, work, &token.Token{AccessToken: "at-1", RefreshToken: "rt-1", Expiry: hostEpoch.Add(time.Hour).Unix()})
	h.store.SaveToken(ctx, token.NewKey("acme", "personal"), &token.Token{AccessToken: "hidden"})
	h.store.SaveToken(ctx, token.NewKey("other", "default"), &token.Token{AccessToken: "hidden"})

	tokens := proxyclient.NewTokenStore(h.client)

	got, err := tokens.GetToken(ctx, work)
	if err != nil {
		t.Fatalf("GetToken: %v", err)
	}
	if got.AccessToken != "at-1" {
		t.Fatalf("GetToken = %+v", got)
	}

	missing, err := tokens.GetToken(ctx, token.NewKey("acme", "team-red"))
	if err != nil || missing != nil {
		t.Fatalf("GetToken(absent) = %+v, %v; want nil, nil", missing, err)
	}
	if _, err := tokens.GetToken(ctx, token.NewKey("acme", "personal")); ipc.CodeOf(err) != ipc.CodeUnauthorized {
		t.Fatalf("out-of-scope GetToken err = %v, want UNAUTHORIZED", err)
	}

	err = tokens.SaveToken(ctx, work, &token.Token{AccessToken: "at-2", RefreshToken: "sandbox-rt", Expiry: hostEpoch.Add(2 * time.Hour).Unix()})
	if err != nil {
		t.Fatalf("SaveToken: %v", err)
	}
	stored, _ := h.store.GetToken(ctx, work)
	if stored.AccessToken != "at-2" || stored.RefreshToken != "rt-1" {
		t.Fatalf("host kept %+v, want at-2 with the original refresh token", stored)
	}

	providers, err := tokens.ListProviders(ctx)
	if err != nil || !slices.Equal(providers, []string{"acme"}) {
		t.Fatalf("ListProviders = %v, %v", providers, err)
	}
	buckets, err := tokens.ListBuckets(ctx, "acme")
	if err != nil || !slices.Equal(buckets, []string{"work"}) {
		t.Fatalf("ListBuckets = %v, %v", buckets, err)
	}

	stats, err := tokens.GetBucketStats(ctx, work)
	if err != nil || stats == nil || stats.Provider != "acme" || stats.Bucket != "work" || stats.Requests != 0 {
		t.Fatalf("GetBucketStats = %+v, %v", stats, err)
	}
	if stats, err := tokens.GetBucketStats(ctx, token.NewKey("acme", "team-red")); err != nil || stats != nil {
		t.Fatalf("GetBucketStats(absent) = %+v, %v", stats, err)
	}

	acquired, err := tokens.AcquireRefreshLock(ctx, work, "sandbox")
	if err != nil || !acquired {
		t.Fatalf("AcquireRefreshLock = %v, %v", acquired, err)
	}
	if err := tokens.ReleaseRefreshLock(ctx, work, "sandbox"); err != nil {
		t.Fatalf("ReleaseRefreshLock: %v", err)
	}

	if err := tokens.RemoveToken(ctx, work); err != nil {
		t.Fatalf("RemoveToken: %v", err)
	}
	if value, _ := h.store.GetToken(ctx, work); value != nil {
		t.Fatal("token survived removal")
	}
}

func TestKeyStorageThroughProxy(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := startHost(t, &proxy.Scope{APIKeys: []string{"openai-*"}})
	h.store.SaveAPIKey(ctx, "openai-main", "sk-main")
	h.store.SaveAPIKey(ctx, "github", "ghp-hidden")

	keys := proxyclient.NewKeyStorage(h.client)

	value, err := keys.GetKey(ctx, "openai-main")
	if err != nil || value != "sk-main" {
		t.Fatalf("GetKey = %q, %v", value, err)
	}
	if value, err := keys.GetKey(ctx, "openai-spare"); err != nil || value != "" {
		t.Fatalf("GetKey(absent) = %q, %v", value, err)
	}
	if _, err := keys.GetKey(ctx, "github"); ipc.CodeOf(err) != ipc.CodeUnauthorized {
		t.Fatalf("out-of-scope GetKey err = %v", err)
	}
	if has, err := keys.HasKey(ctx, "openai-main"); err != nil || !has {
		t.Fatalf("HasKey = %v, %v", has, err)
	}

	names, err := keys.ListKeys(ctx)
	if err != nil || !slices.Equal(names, []string{"openai-main"}) {
		t.Fatalf("ListKeys = %v, %v", names, err)
	}

	if err := keys.SaveKey(ctx, "openai-new", "sk-new"); !errors.Is(err, proxyclient.ErrKeyManagementUnavailable) {
		t.Fatalf("SaveKey err = %v", err)
	}
	if err := keys.DeleteKey(ctx, "openai-main"); !errors.Is(err, proxyclient.ErrKeyManagementUnavailable) {
		t.Fatalf("DeleteKey err = %v", err)
	}
	if value, _ := h.store.GetAPIKey(ctx, "openai-main"); value != "sk-main" {
		t.Fatal("sandbox key management reached the host store")
	}
}

func TestPKCELoginThroughProxy(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	acme := &pasteProvider{}
	h := startHost(t, nil, acme)

	auth := proxyclient.NewOAuth(proxyclient.OAuthConfig{
		Client:   h.client,
		Prompter: pastePrompter{code: "  good-code\n"},
	})
	result, err := auth.Login(ctx, "acme", "")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if result.AccessToken != "login-at" {
		t.Fatalf("Login = %+v", result)
	}
	if codes := acme.seen(); !slices.Equal(codes, []string{"good-code"}) {
		t.Fatalf("provider saw codes %q", codes)
	}

	stored, _ := h.store.GetToken(ctx, token.NewKey("acme", token.DefaultBucket))
	if stored == nil || stored.RefreshToken != "login-rt" {
		t.Fatalf("host stored %+v", stored)
	}
}

func TestFailedLoginThroughProxy(t *testing.T) {
	t.Parallel()
	h := startHost(t, nil, &pasteProvider{})

	auth := proxyclient.NewOAuth(proxyclient.OAuthConfig{
		Client:   h.client,
		Prompter: pastePrompter{code: "wrong"},
	})
	_, err := auth.Login(context.Background(), "acme", "")
	if ipc.CodeOf(err) != ipc.CodeExchangeFailed {
		t.Fatalf("err = %v, want EXCHANGE_FAILED", err)
	}
	if _, err := auth.Login(context.Background(), "nobody", ""); ipc.CodeOf(err) != ipc.CodeProviderNotFound {
		t.Fatalf("err = %v, want PROVIDER_NOT_FOUND", err)
	}
}
