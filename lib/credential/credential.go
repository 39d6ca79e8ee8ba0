// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package credential

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/bureau-foundation/credproxy/lib/clock"
	"github.com/bureau-foundation/credproxy/lib/credstore"
	"github.com/bureau-foundation/credproxy/lib/provider"
	"github.com/bureau-foundation/credproxy/lib/proxyclient"
	"github.com/bureau-foundation/credproxy/lib/refresh"
	"github.com/bureau-foundation/credproxy/lib/token"
)

// EnvSocket names the environment variable carrying the proxy socket
// path into a sandbox.
const EnvSocket = "CREDPROXY_SOCKET"

// TokenStore reads and writes OAuth tokens.
type TokenStore interface {
	// GetToken returns the token for key without its refresh secret,
	// or nil when none is stored.
	GetToken(ctx context.Context, key token.Key) (*token.Sanitized, error)
	SaveToken(ctx context.Context, key token.Key, value *token.Token) error
	RemoveToken(ctx context.Context, key token.Key) error
	ListProviders(ctx context.Context) ([]string, error)
	ListBuckets(ctx context.Context, provider string) ([]string, error)
	GetBucketStats(ctx context.Context, key token.Key) (*token.BucketStats, error)
	AcquireRefreshLock(ctx context.Context, key token.Key, holder string) (bool, error)
	ReleaseRefreshLock(ctx context.Context, key token.Key, holder string) error
}

// KeyStorage reads and writes named API keys.
type KeyStorage interface {
	// GetKey returns "" when the key is not stored.
	GetKey(ctx context.Context, name string) (string, error)
	ListKeys(ctx context.Context) ([]string, error)
	HasKey(ctx context.Context, name string) (bool, error)
	SaveKey(ctx context.Context, name, value string) error
	DeleteKey(ctx context.Context, name string) error
}

// Authenticator runs logins and refreshes.
type Authenticator interface {
	Login(ctx context.Context, provider, bucket string) (*token.Sanitized, error)
	Refresh(ctx context.Context, provider, bucket string) (*token.Sanitized, error)

	// Cancel abandons a login session the host is holding.
	Cancel(ctx context.Context, sessionID string) error
}

// Prompter is the user-facing half of a login.
type Prompter interface {
	ReadCode(ctx context.Context, authURL string) (string, error)
	ShowVerification(verificationURL, userCode string)
}

var (
	_ TokenStore    = (*proxyclient.TokenStore)(nil)
	_ KeyStorage    = (*proxyclient.KeyStorage)(nil)
	_ Authenticator = (*proxyclient.OAuth)(nil)
	_ Prompter      = (proxyclient.Prompter)(nil)

	_ TokenStore    = (*directTokens)(nil)
	_ KeyStorage    = (*directKeys)(nil)
	_ Authenticator = (*directAuth)(nil)
)

// Mode says where credentials live.
type Mode int

const (
	// ModeDirect owns the durable store in this process.
	ModeDirect Mode = iota

	// ModeProxy reaches the host through the credential proxy.
	ModeProxy
)

func (m Mode) String() string {
	switch m {
	case ModeDirect:
		return "direct"
	case ModeProxy:
		return "proxy"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// Options configures Open.
type Options struct {
	Prompter Prompter

	// OpenHost opens what direct mode runs on. Called only in direct
	// mode.
	OpenHost func(ctx context.Context) (*Host, error)

	// Getenv defaults to os.Getenv.
	Getenv func(string) string

	Clock  clock.Clock
	Logger *slog.Logger
}

// Host is the durable store and the providers that serve direct-mode
// logins and refreshes. Nil Providers means none are configured.
type Host struct {
	Store     credstore.Store
	Providers *provider.Registry
}

// Backend bundles the capabilities of one mode.
type Backend struct {
	Mode   Mode
	Tokens TokenStore
	Keys   KeyStorage
	Auth   Authenticator

	close func() error
}

// Close releases the proxy connection or the store.
func (b *Backend) Close() error {
	if b.close == nil {
		return nil
	}
	return b.close()
}

// Open inspects CREDPROXY_SOCKET and returns the matching Backend.
func Open(ctx context.Context, options Options) (*Backend, error) {
	if options.Getenv == nil {
		options.Getenv = os.Getenv
	}
	if options.Clock == nil {
		options.Clock = clock.Real()
	}
	if options.Logger == nil {
		options.Logger = slog.New(slog.DiscardHandler)
	}
	if options.Prompter == nil {
		return nil, errors.New("credential: Prompter is required")
	}

	if socketPath := options.Getenv(EnvSocket); socketPath != "" {
		return openProxy(socketPath, options)
	}
	return openDirect(ctx, options)
}

func openProxy(socketPath string, options Options) (*Backend, error) {
	client, err := proxyclient.New(proxyclient.Config{
		SocketPath: socketPath,
		Logger:     options.Logger,
	})
	if err != nil {
		return nil, err
	}
	options.Logger.Debug("using credential proxy", "socket", socketPath)
	return &Backend{
		Mode:   ModeProxy,
		Tokens: proxyclient.NewTokenStore(client),
		Keys:   proxyclient.NewKeyStorage(client),
		Auth: proxyclient.NewOAuth(proxyclient.OAuthConfig{
			Client:   client,
			Prompter: options.Prompter,
			Clock:    options.Clock,
			Logger:   options.Logger,
		}),
		close: client.Close,
	}, nil
}

func openDirect(ctx context.Context, options Options) (*Backend, error) {
	if options.OpenHost == nil {
		return nil, fmt.Errorf("%s is not set and no credential store is configured", EnvSocket)
	}
	host, err := options.OpenHost(ctx)
	if err != nil {
		return nil, fmt.Errorf("opening credential store: %w", err)
	}
	store := host.Store
	providers := host.Providers
	if providers == nil {
		providers = provider.NewRegistry()
	}
	coordinator := refresh.NewCoordinator(refresh.CoordinatorConfig{
		Store:     store,
		Providers: providers,
		Clock:     options.Clock,
		Logger:    options.Logger,
	})
	return &Backend{
		Mode:   ModeDirect,
		Tokens: &directTokens{store: store, coordinator: coordinator},
		Keys:   &directKeys{store: store},
		Auth: &directAuth{
			store:       store,
			providers:   providers,
			coordinator: coordinator,
			prompter:    options.Prompter,
			logger:      options.Logger,
		},
		close: store.Close,
	}, nil
}
