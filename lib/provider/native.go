// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package provider

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"time"

	"golang.org/x/oauth2"

	"github.com/bureau-foundation/credproxy/lib/token"
)

// Passthrough fields the native client keeps across refreshes.
const (
	fieldIDToken    = "id_token"
	fieldProjectID  = "project_id"
	fieldExpiryDate = "expiry_date"
)

// NativeProvider is a provider whose refresh must run through its own
// client over the whole stored credential rather than a bare refresh
// token. Logins behave like OAuth2Provider.
type NativeProvider struct {
	*OAuth2Provider
}

var _ Provider = (*NativeProvider)(nil)

// NewNative builds a native-client provider from entry.
func NewNative(entry Entry, httpClient *http.Client) *NativeProvider {
	extra := append([]string(nil), entry.ExtraFields...)
	for _, field := range []string{fieldIDToken, fieldProjectID} {
		if !slices.Contains(extra, field) {
			extra = append(extra, field)
		}
	}
	entry.ExtraFields = extra
	return &NativeProvider{OAuth2Provider: NewOAuth2(entry, httpClient)}
}

// Credentials is the native client's own credential shape. Expiry is in
// milliseconds.
type Credentials struct {
	AccessToken  string
	RefreshToken string
	ExpiryDate   int64
	TokenType    string
	Scope        string
	IDToken      string
	ProjectID    string

	// Other holds passthrough fields the client does not interpret.
	Other map[string]any
}

// NativeClient refreshes one loaded credential.
type NativeClient struct {
	provider    *NativeProvider
	credentials Credentials
}

// NewClient loads stored into a client.
func (p *NativeProvider) NewClient(stored *token.Token) *NativeClient {
	credentials := Credentials{}
	if stored != nil {
		credentials = Credentials{
			AccessToken:  stored.AccessToken,
			RefreshToken: stored.RefreshToken,
			ExpiryDate:   stored.Expiry * 1000,
			TokenType:    stored.TokenType,
			Scope:        stored.Scope,
		}
		for key, value := range stored.Extra {
			switch key {
			case fieldIDToken:
				credentials.IDToken, _ = value.(string)
			case fieldProjectID:
				credentials.ProjectID, _ = value.(string)
			case fieldExpiryDate:
			default:
				if credentials.Other == nil {
					credentials.Other = make(map[string]any)
				}
				credentials.Other[key] = value
			}
		}
	}
	return &NativeClient{provider: p, credentials: credentials}
}

// Credentials returns the loaded credential.
func (c *NativeClient) Credentials() Credentials { return c.credentials }

// Refresh forces a refresh of the loaded credential and replaces it
// with the result. Fields the endpoint omits carry over.
func (c *NativeClient) Refresh(ctx context.Context) (Credentials, error) {
	name := c.provider.Name()
	if c.credentials.RefreshToken == "" {
		return Credentials{}, &Error{Provider: name, Kind: KindAuth, Err: errors.New("no refresh token")}
	}
	// An empty access token is never valid, so the token source always
	// goes to the endpoint.
	seed := &oauth2.Token{RefreshToken: c.credentials.RefreshToken}
	source := c.provider.config.TokenSource(c.provider.context(ctx), seed)
	result, err := source.Token()
	if err != nil {
		return Credentials{}, wrap(name, err)
	}

	next := c.credentials
	next.AccessToken = result.AccessToken
	next.ExpiryDate = 0
	if !result.Expiry.IsZero() {
		next.ExpiryDate = result.Expiry.UnixMilli()
	}
	if result.RefreshToken != "" && result.RefreshToken != seed.RefreshToken {
		next.RefreshToken = result.RefreshToken
	}
	if result.TokenType != "" {
		next.TokenType = result.TokenType
	}
	if scope, ok := result.Extra("scope").(string); ok && scope != "" {
		next.Scope = scope
	}
	if idToken, ok := result.Extra(fieldIDToken).(string); ok && idToken != "" {
		next.IDToken = idToken
	}
	c.credentials = next
	return next, nil
}

// Token translates the loaded credential into the common token shape.
func (c *NativeClient) Token() *token.Token {
	credentials := c.credentials
	result := &token.Token{
		AccessToken:  credentials.AccessToken,
		RefreshToken: credentials.RefreshToken,
		Expiry:       credentials.ExpiryDate / 1000,
		TokenType:    credentials.TokenType,
		Scope:        credentials.Scope,
	}
	extra := make(map[string]any, len(credentials.Other)+3)
	for key, value := range credentials.Other {
		extra[key] = value
	}
	if credentials.IDToken != "" {
		extra[fieldIDToken] = credentials.IDToken
	}
	if credentials.ProjectID != "" {
		extra[fieldProjectID] = credentials.ProjectID
	}
	if credentials.ExpiryDate != 0 {
		extra[fieldExpiryDate] = credentials.ExpiryDate
	}
	if len(extra) > 0 {
		result.Extra = extra
	}
	return result
}

// Refresh runs a native refresh over a credential holding only
// refreshToken. Callers with the full stored credential should use
// NewClient instead.
func (p *NativeProvider) Refresh(ctx context.Context, refreshToken string) (*token.Token, error) {
	client := p.NewClient(&token.Token{RefreshToken: refreshToken})
	if _, err := client.Refresh(ctx); err != nil {
		return nil, err
	}
	return client.Token(), nil
}

// ExpiresAt reports the loaded credential's expiry.
func (c *NativeClient) ExpiresAt() time.Time {
	if c.credentials.ExpiryDate == 0 {
		return time.Time{}
	}
	return time.UnixMilli(c.credentials.ExpiryDate)
}
