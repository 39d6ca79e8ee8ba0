// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package proxyclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bureau-foundation/credproxy/lib/clock"
	"github.com/bureau-foundation/credproxy/lib/ipc"
	"github.com/bureau-foundation/credproxy/lib/token"
)

// defaultPollInterval applies when the host suggests none.
const defaultPollInterval = 2 * time.Second

// cancelTimeout bounds the best-effort cancel after a failed login.
const cancelTimeout = 5 * time.Second

// Prompter is the user-facing half of a login.
type Prompter interface {
	// ReadCode shows authURL and returns the authorization code the
	// user pastes back.
	ReadCode(ctx context.Context, authURL string) (string, error)

	// ShowVerification tells the user where to authorize a polled
	// login. userCode is empty for browser logins.
	ShowVerification(verificationURL, userCode string)
}

// OAuth drives logins and refreshes through the proxy. The host keeps
// every secret; the sandbox only relays what the user sees and types.
type OAuth struct {
	client   *Client
	prompter Prompter
	clock    clock.Clock
	logger   *slog.Logger
}

// OAuthConfig configures an OAuth.
type OAuthConfig struct {
	Client   *Client
	Prompter Prompter

	// Clock paces polling. Defaults to wall time.
	Clock  clock.Clock
	Logger *slog.Logger
}

func NewOAuth(cfg OAuthConfig) *OAuth {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	return &OAuth{
		client:   cfg.Client,
		prompter: cfg.Prompter,
		clock:    cfg.Clock,
		logger:   cfg.Logger,
	}
}

// Login runs an interactive login for provider and bucket, returning
// the new token without its refresh secret.
func (auth *OAuth) Login(ctx context.Context, provider, bucket string) (*token.Sanitized, error) {
	var initiated ipc.InitiateResult
	err := auth.client.Call(ctx, ipc.OpOAuthInitiate, ipc.InitiatePayload{Provider: provider, Bucket: bucket}, &initiated)
	if err != nil {
		return nil, fmt.Errorf("starting %s login: %w", provider, err)
	}

	var result *token.Sanitized
	switch initiated.FlowType {
	case ipc.FlowPKCERedirect:
		result, err = auth.exchange(ctx, &initiated)
	case ipc.FlowDeviceCode, ipc.FlowBrowserRedirect:
		auth.prompter.ShowVerification(verificationTarget(&initiated), initiated.UserCode)
		result, err = auth.poll(ctx, &initiated)
	default:
		err = fmt.Errorf("host started an unknown login flow %q", initiated.FlowType)
	}
	if err != nil {
		auth.abort(ctx, initiated.SessionID)
		return nil, fmt.Errorf("%s login: %w", provider, err)
	}
	return result, nil
}

func verificationTarget(initiated *ipc.InitiateResult) string {
	if initiated.VerificationURL != "" {
		return initiated.VerificationURL
	}
	return initiated.AuthURL
}

func (auth *OAuth) exchange(ctx context.Context, initiated *ipc.InitiateResult) (*token.Sanitized, error) {
	code, err := auth.prompter.ReadCode(ctx, initiated.AuthURL)
	if err != nil {
		return nil, fmt.Errorf("reading authorization code: %w", err)
	}
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, errors.New("no authorization code entered")
	}
	var result token.Sanitized
	payload := ipc.ExchangePayload{SessionID: initiated.SessionID, Code: code}
	if err := auth.client.Call(ctx, ipc.OpOAuthExchange, payload, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (auth *OAuth) poll(ctx context.Context, initiated *ipc.InitiateResult) (*token.Sanitized, error) {
	interval := seconds(initiated.Interval)
	for {
		if !clock.SleepContext(auth.clock, ctx.Done(), interval) {
			return nil, ctx.Err()
		}
		var result ipc.PollResult
		if err := auth.client.Call(ctx, ipc.OpOAuthPoll, ipc.SessionRef{SessionID: initiated.SessionID}, &result); err != nil {
			return nil, err
		}
		switch result.Status {
		case ipc.PollPending:
			if result.Interval > 0 {
				interval = seconds(result.Interval)
			}
		case ipc.PollComplete:
			if result.Token == nil {
				return nil, errors.New("host reported completion without a token")
			}
			return result.Token, nil
		case ipc.PollError:
			message := result.Error
			if message == "" {
				message = "authorization failed"
			}
			return nil, errors.New(message)
		default:
			return nil, fmt.Errorf("unexpected login status %q", result.Status)
		}
	}
}

func seconds(interval int64) time.Duration {
	if interval <= 0 {
		return defaultPollInterval
	}
	return time.Duration(interval) * time.Second
}

// abort cancels a session after a failed login. Its own failure is
// logged and never replaces the login error.
func (auth *OAuth) abort(ctx context.Context, sessionID string) {
	if sessionID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cancelTimeout)
	defer cancel()
	if err := auth.Cancel(ctx, sessionID); err != nil {
		auth.logger.Debug("cancelling login session", "error", err)
	}
}

// Refresh asks the host to renew the token for provider and bucket.
func (auth *OAuth) Refresh(ctx context.Context, provider, bucket string) (*token.Sanitized, error) {
	var result token.Sanitized
	if err := auth.client.Call(ctx, ipc.OpRefreshToken, ipc.TokenRef{Provider: provider, Bucket: bucket}, &result); err != nil {
		return nil, fmt.Errorf("refreshing %s: %w", token.NewKey(provider, bucket), err)
	}
	return &result, nil
}

// Cancel abandons a login session.
func (auth *OAuth) Cancel(ctx context.Context, sessionID string) error {
	return auth.client.Call(ctx, ipc.OpOAuthCancel, ipc.SessionRef{SessionID: sessionID}, nil)
}
