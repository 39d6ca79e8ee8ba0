// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package provider

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/bureau-foundation/credproxy/lib/ipc"
	"github.com/bureau-foundation/credproxy/lib/token"
)

// Entry is one provider in the catalog.
type Entry struct {
	Name          string       `json:"name"`
	Kind          string       `json:"kind"`
	Flow          ipc.FlowType `json:"flow"`
	ClientID      string       `json:"client_id"`
	ClientSecret  string       `json:"client_secret,omitempty"`
	AuthURL       string       `json:"auth_url,omitempty"`
	TokenURL      string       `json:"token_url"`
	DeviceAuthURL string       `json:"device_auth_url,omitempty"`
	RedirectURL   string       `json:"redirect_url,omitempty"`
	Scopes        []string     `json:"scopes,omitempty"`

	// ExtraFields names token response fields to carry through as
	// passthrough fields (an account id, an id_token).
	ExtraFields []string `json:"extra_fields,omitempty"`
}

// Provider kinds.
const (
	KindOAuth2 = "oauth2"
	KindNative = "google"
)

// Validate checks the entry is usable for its flow.
func (e *Entry) Validate() error {
	var errs []error
	if e.Name == "" {
		errs = append(errs, errors.New("name is required"))
	}
	if e.ClientID == "" {
		errs = append(errs, errors.New("client_id is required"))
	}
	if e.TokenURL == "" {
		errs = append(errs, errors.New("token_url is required"))
	}
	switch e.Flow {
	case ipc.FlowPKCERedirect:
		if e.AuthURL == "" || e.RedirectURL == "" {
			errs = append(errs, errors.New("pkce_redirect needs auth_url and redirect_url"))
		}
	case ipc.FlowDeviceCode:
		if e.DeviceAuthURL == "" {
			errs = append(errs, errors.New("device_code needs device_auth_url"))
		}
	case ipc.FlowBrowserRedirect:
		if e.AuthURL == "" {
			errs = append(errs, errors.New("browser_redirect needs auth_url"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown flow %q", e.Flow))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("provider %q: %w", e.Name, err)
	}
	return nil
}

// OAuth2Provider is a standards-conforming OAuth 2.0 provider.
type OAuth2Provider struct {
	entry      Entry
	config     oauth2.Config
	httpClient *http.Client
}

var _ Provider = (*OAuth2Provider)(nil)

// NewOAuth2 builds a provider from entry. A nil httpClient uses a
// client with a 30 second timeout.
func NewOAuth2(entry Entry, httpClient *http.Client) *OAuth2Provider {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &OAuth2Provider{
		entry:      entry,
		httpClient: httpClient,
		config: oauth2.Config{
			ClientID:     entry.ClientID,
			ClientSecret: entry.ClientSecret,
			RedirectURL:  entry.RedirectURL,
			Scopes:       entry.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:       entry.AuthURL,
				TokenURL:      entry.TokenURL,
				DeviceAuthURL: entry.DeviceAuthURL,
			},
		},
	}
}

func (p *OAuth2Provider) Name() string { return p.entry.Name }

func (p *OAuth2Provider) FlowType() ipc.FlowType { return p.entry.Flow }

// Initiate starts the flow the catalog entry names.
func (p *OAuth2Provider) Initiate(ctx context.Context) (Flow, error) {
	switch p.entry.Flow {
	case ipc.FlowPKCERedirect:
		return p.initiatePKCE(), nil
	case ipc.FlowDeviceCode:
		return p.initiateDevice(ctx)
	case ipc.FlowBrowserRedirect:
		return p.initiateBrowser()
	}
	return nil, fmt.Errorf("provider %s: unknown flow %q", p.entry.Name, p.entry.Flow)
}

func (p *OAuth2Provider) initiatePKCE() *PKCEFlow {
	verifier := oauth2.GenerateVerifier()
	state := oauth2.GenerateVerifier()
	config := p.config
	return &PKCEFlow{
		AuthURL: config.AuthCodeURL(state, oauth2.S256ChallengeOption(verifier)),
		exchange: func(ctx context.Context, pasted string) (*token.Token, error) {
			code, err := splitPastedCode(pasted, state)
			if err != nil {
				return nil, &Error{Provider: p.entry.Name, Kind: KindAuth, Err: err}
			}
			result, err := config.Exchange(p.context(ctx), code, oauth2.VerifierOption(verifier))
			if err != nil {
				return nil, wrap(p.entry.Name, err)
			}
			return p.fromOAuth2(result), nil
		},
	}
}

// splitPastedCode accepts either a bare code or the "code#state" form
// some providers display, checking the state when present.
func splitPastedCode(pasted, state string) (string, error) {
	pasted = strings.TrimSpace(pasted)
	code, pastedState, hasState := strings.Cut(pasted, "#")
	if code == "" {
		return "", errors.New("empty authorization code")
	}
	if hasState && subtle.ConstantTimeCompare([]byte(pastedState), []byte(state)) != 1 {
		return "", errors.New("authorization code was issued for a different login")
	}
	return code, nil
}

func (p *OAuth2Provider) initiateDevice(ctx context.Context) (*DeviceFlow, error) {
	authorization, err := p.config.DeviceAuth(p.context(ctx))
	if err != nil {
		return nil, wrap(p.entry.Name, err)
	}
	verificationURL := authorization.VerificationURIComplete
	if verificationURL == "" {
		verificationURL = authorization.VerificationURI
	}
	interval := time.Duration(authorization.Interval) * time.Second
	if interval <= 0 {
		interval = 5 * time.Second
	}
	config := p.config
	return &DeviceFlow{
		VerificationURL: verificationURL,
		UserCode:        authorization.UserCode,
		Interval:        interval,
		Expiry:          authorization.Expiry,
		wait: func(ctx context.Context) (*token.Token, error) {
			result, err := config.DeviceAccessToken(p.context(ctx), authorization)
			if err != nil {
				return nil, wrap(p.entry.Name, err)
			}
			return p.fromOAuth2(result), nil
		},
	}, nil
}

func (p *OAuth2Provider) initiateBrowser() (*BrowserFlow, error) {
	listener, err := listenLoopback(p.entry.RedirectURL)
	if err != nil {
		return nil, fmt.Errorf("provider %s: %w", p.entry.Name, err)
	}
	verifier := oauth2.GenerateVerifier()
	state := oauth2.GenerateVerifier()
	config := p.config
	config.RedirectURL = listener.redirectURL
	return &BrowserFlow{
		AuthURL: config.AuthCodeURL(state, oauth2.S256ChallengeOption(verifier)),
		wait: func(ctx context.Context) (*token.Token, error) {
			code, err := listener.await(ctx, state)
			if err != nil {
				return nil, wrap(p.entry.Name, err)
			}
			result, err := config.Exchange(p.context(ctx), code, oauth2.VerifierOption(verifier))
			if err != nil {
				return nil, wrap(p.entry.Name, err)
			}
			return p.fromOAuth2(result), nil
		},
	}, nil
}

// Refresh redeems refreshToken at the token endpoint.
func (p *OAuth2Provider) Refresh(ctx context.Context, refreshToken string) (*token.Token, error) {
	if refreshToken == "" {
		return nil, &Error{Provider: p.entry.Name, Kind: KindAuth, Err: errors.New("no refresh token")}
	}
	source := p.config.TokenSource(p.context(ctx), &oauth2.Token{RefreshToken: refreshToken})
	result, err := source.Token()
	if err != nil {
		return nil, wrap(p.entry.Name, err)
	}
	fresh := p.fromOAuth2(result)
	// x/oauth2 copies the input refresh token forward when the endpoint
	// omits one; only a rotated token is reported.
	if fresh.RefreshToken == refreshToken {
		fresh.RefreshToken = ""
	}
	return fresh, nil
}

func (p *OAuth2Provider) context(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)
}

// fromOAuth2 converts an x/oauth2 token, pulling scope and the
// catalog's passthrough fields out of the raw response.
func (p *OAuth2Provider) fromOAuth2(source *oauth2.Token) *token.Token {
	return convert(source, p.entry.ExtraFields)
}

func convert(source *oauth2.Token, extraFields []string) *token.Token {
	result := &token.Token{
		AccessToken:  source.AccessToken,
		RefreshToken: source.RefreshToken,
		TokenType:    source.TokenType,
	}
	if !source.Expiry.IsZero() {
		result.Expiry = source.Expiry.Unix()
	}
	if scope, ok := source.Extra("scope").(string); ok {
		result.Scope = scope
	}
	for _, field := range extraFields {
		value := source.Extra(field)
		if value == nil || value == "" {
			continue
		}
		if result.Extra == nil {
			result.Extra = make(map[string]any, len(extraFields))
		}
		result.Extra[field] = value
	}
	return result
}
