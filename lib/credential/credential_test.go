// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package credential

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync/atomic"
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

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type stubPrompter struct {
	code      string
	shownURL  string
	shownCode string
}

func (p *stubPrompter) ReadCode(context.Context, string) (string, error) { return p.code, nil }

func (p *stubPrompter) ShowVerification(verificationURL, userCode string) {
	p.shownURL = verificationURL
	p.shownCode = userCode
}

type stubProvider struct {
	flow      func() provider.Flow
	refreshed atomic.Int32
}

func (p *stubProvider) Name() string { return "acme" }

func (p *stubProvider) FlowType() ipc.FlowType { return ipc.FlowPKCERedirect }

func (p *stubProvider) Initiate(context.Context) (provider.Flow, error) { return p.flow(), nil }

func (p *stubProvider) Refresh(_ context.Context, refreshToken string) (*token.Token, error) {
	p.refreshed.Add(1)
	if refreshToken != "rt-1" {
		return nil, &provider.Error{Provider: "acme", Kind: provider.KindAuth, Err: errors.New("invalid_grant")}
	}
	return &token.Token{AccessToken: "refreshed-at", Expiry: epoch.Add(time.Hour).Unix()}, nil
}

func loginResult() *token.Token {
	return &token.Token{AccessToken: "login-at", RefreshToken: "login-rt", Expiry: epoch.Add(time.Hour).Unix()}
}

// closeCounter records Close on the wrapped store.
type closeCounter struct {
	credstore.Store
	closed atomic.Int32
}

func (c *closeCounter) Close() error {
	c.closed.Add(1)
	return c.Store.Close()
}

func noSocket(string) string { return "" }

func openDirectWith(t *testing.T, prompter Prompter, providers ...provider.Provider) (*Backend, *closeCounter) {
	t.Helper()
	fake := clock.Fake(epoch)
	store := &closeCounter{Store: credstore.NewMemory(fake)}
	backend, err := Open(context.Background(), Options{
		Prompter:  prompter,
		OpenHost: func(context.Context) (*Host, error) {
			return &Host{Store: store, Providers: provider.NewRegistry(providers...)}, nil
		},
		Getenv: noSocket,
		Clock:  fake,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { backend.Close() })
	return backend, store
}

func TestOpenProxyMode(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fake := clock.Fake(epoch)
	store := credstore.NewMemory(fake)
	store.SaveToken(ctx, token.NewKey("acme", "default"), &token.Token{AccessToken: "host-at", RefreshToken: "host-rt"})
	server, err := proxy.New(proxy.Config{SocketDir: testutil.SocketDir(t), Store: store, Clock: fake})
	if err != nil {
		t.Fatalf("proxy.New: %v", err)
	}
	if err := server.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { server.Shutdown(context.Background()) })

	backend, err := Open(ctx, Options{
		Prompter: &stubPrompter{},
		OpenHost: func(context.Context) (*Host, error) {
			t.Error("proxy mode opened the durable store")
			return nil, errors.New("unexpected")
		},
		Getenv: func(name string) string {
			if name == EnvSocket {
				return server.SocketPath()
			}
			return ""
		},
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer backend.Close()

	if backend.Mode != ModeProxy {
		t.Fatalf("Mode = %s, want proxy", backend.Mode)
	}
	got, err := backend.Tokens.GetToken(ctx, token.NewKey("acme", ""))
	if err != nil || got.AccessToken != "host-at" {
		t.Fatalf("GetToken = %+v, %v", got, err)
	}
	if err := backend.Keys.SaveKey(ctx, "k", "v"); !errors.Is(err, proxyclient.ErrKeyManagementUnavailable) {
		t.Fatalf("SaveKey err = %v", err)
	}
}

func TestOpenDirectTokens(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	backend, store := openDirectWith(t, &stubPrompter{})
	if backend.Mode != ModeDirect {
		t.Fatalf("Mode = %s, want direct", backend.Mode)
	}

	key := token.NewKey("acme", "work")
	store.SaveToken(ctx, key, &token.Token{AccessToken: "at-1", RefreshToken: "rt-1"})

	got, err := backend.Tokens.GetToken(ctx, key)
	if err != nil || got.AccessToken != "at-1" {
		t.Fatalf("GetToken = %+v, %v", got, err)
	}
	if err := backend.Tokens.SaveToken(ctx, key, &token.Token{AccessToken: "at-2"}); err != nil {
		t.Fatalf("SaveToken: %v", err)
	}
	stored, _ := store.GetToken(ctx, key)
	if stored.AccessToken != "at-2" || stored.RefreshToken != "rt-1" {
		t.Fatalf("stored = %+v, want the refresh token kept", stored)
	}
	if err := backend.Tokens.SaveToken(ctx, key, &token.Token{}); err == nil {
		t.Fatal("saved a token without an access token")
	}

	buckets, err := backend.Tokens.ListBuckets(ctx, "acme")
	if err != nil || !slices.Equal(buckets, []string{"work"}) {
		t.Fatalf("ListBuckets = %v, %v", buckets, err)
	}
	if err := backend.Tokens.RemoveToken(ctx, key); err != nil {
		t.Fatalf("RemoveToken: %v", err)
	}
	if got, _ := backend.Tokens.GetToken(ctx, key); got != nil {
		t.Fatalf("GetToken after removal = %+v", got)
	}

	backend.Close()
	if store.closed.Load() != 1 {
		t.Fatal("Close did not close the store")
	}
}

func TestOpenDirectKeys(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	backend, _ := openDirectWith(t, &stubPrompter{})

	if err := backend.Keys.SaveKey(ctx, "openai", "sk-1"); err != nil {
		t.Fatalf("SaveKey: %v", err)
	}
	if has, err := backend.Keys.HasKey(ctx, "openai"); err != nil || !has {
		t.Fatalf("HasKey = %v, %v", has, err)
	}
	if value, _ := backend.Keys.GetKey(ctx, "openai"); value != "sk-1" {
		t.Fatalf("GetKey = %q", value)
	}
	if err := backend.Keys.DeleteKey(ctx, "openai"); err != nil {
		t.Fatalf("DeleteKey: %v", err)
	}
	if has, _ := backend.Keys.HasKey(ctx, "openai"); has {
		t.Fatal("key survived deletion")
	}
}

func TestDirectPKCELogin(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	var exchanged []string
	acme := &stubProvider{flow: func() provider.Flow {
		return provider.NewPKCEFlow("https://auth.example/authorize", func(_ context.Context, code string) (*token.Token, error) {
			exchanged = append(exchanged, code)
			return loginResult(), nil
		})
	}}
	backend, store := openDirectWith(t, &stubPrompter{code: " pasted\n"}, acme)

	result, err := backend.Auth.Login(ctx, "acme", "")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if result.AccessToken != "login-at" || !slices.Equal(exchanged, []string{"pasted"}) {
		t.Fatalf("Login = %+v, exchanged %q", result, exchanged)
	}
	stored, _ := store.GetToken(ctx, token.NewKey("acme", token.DefaultBucket))
	if stored == nil || stored.RefreshToken != "login-rt" {
		t.Fatalf("stored = %+v", stored)
	}
}

func TestDirectDeviceLogin(t *testing.T) {
	t.Parallel()
	acme := &stubProvider{flow: func() provider.Flow {
		return provider.NewDeviceFlow("https://auth.example/device", "WDJB-MJHT", 5*time.Second, epoch.Add(10*time.Minute),
			func(context.Context) (*token.Token, error) { return loginResult(), nil })
	}}
	prompter := &stubPrompter{}
	backend, _ := openDirectWith(t, prompter, acme)

	if _, err := backend.Auth.Login(context.Background(), "acme", "work"); err != nil {
		t.Fatalf("Login: %v", err)
	}
	if prompter.shownURL != "https://auth.example/device" || prompter.shownCode != "WDJB-MJHT" {
		t.Fatalf("shown %q / %q", prompter.shownURL, prompter.shownCode)
	}
}

func TestDirectLoginFailures(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	acme := &stubProvider{flow: func() provider.Flow {
		return provider.NewPKCEFlow("https://auth.example/authorize", func(context.Context, string) (*token.Token, error) {
			return nil, errors.New("exchange should not run")
		})
	}}
	backend, _ := openDirectWith(t, &stubPrompter{code: "   "}, acme)

	if _, err := backend.Auth.Login(ctx, "acme", ""); err == nil || !strings.Contains(err.Error(), "no authorization code") {
		t.Fatalf("err = %v", err)
	}
	if _, err := backend.Auth.Login(ctx, "nobody", ""); ipc.CodeOf(err) != ipc.CodeProviderNotFound {
		t.Fatalf("err = %v, want PROVIDER_NOT_FOUND", err)
	}
	if err := backend.Auth.Cancel(ctx, "any"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
}

func TestDirectRefresh(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	acme := &stubProvider{flow: func() provider.Flow { return nil }}
	backend, store := openDirectWith(t, &stubPrompter{}, acme)
	key := token.NewKey("acme", "")
	store.SaveToken(ctx, key, &token.Token{AccessToken: "stale", RefreshToken: "rt-1", Expiry: epoch.Add(-time.Minute).Unix()})

	result, err := backend.Auth.Refresh(ctx, "acme", "")
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if result.AccessToken != "refreshed-at" || acme.refreshed.Load() != 1 {
		t.Fatalf("Refresh = %+v after %d calls", result, acme.refreshed.Load())
	}
	stored, _ := store.GetToken(ctx, key)
	if stored.RefreshToken != "rt-1" {
		t.Fatalf("merge lost the refresh token: %+v", stored)
	}
}

func TestOpenRequirements(t *testing.T) {
	t.Parallel()
	if _, err := Open(context.Background(), Options{Getenv: noSocket}); err == nil {
		t.Fatal("Open without a Prompter succeeded")
	}
	_, err := Open(context.Background(), Options{Prompter: &stubPrompter{}, Getenv: noSocket})
	if err == nil || !strings.Contains(err.Error(), EnvSocket) {
		t.Fatalf("err = %v, want it to name %s", err, EnvSocket)
	}
	storeDown := errors.New("disk gone")
	_, err = Open(context.Background(), Options{
		Prompter:  &stubPrompter{},
		Getenv:    noSocket,
		OpenHost:  func(context.Context) (*Host, error) { return nil, storeDown },
	})
	if !errors.Is(err, storeDown) {
		t.Fatalf("err = %v, want the store error", err)
	}
}

func TestModeString(t *testing.T) {
	t.Parallel()
	if ModeProxy.String() != "proxy" || ModeDirect.String() != "direct" || Mode(7).String() != "Mode(7)" {
		t.Fatal("unexpected Mode names")
	}
}
