// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ipc

import (
	"errors"
	"fmt"

	"github.com/bureau-foundation/credproxy/lib/token"
)

// Validator is implemented by every request payload. Validate checks
// required fields without side effects.
type Validator interface {
	Validate() error
}

// HandshakePayload is the first request on a connection.
type HandshakePayload struct {
	MinVersion int `json:"minVersion"`
	MaxVersion int `json:"maxVersion"`
}

func (p *HandshakePayload) Validate() error {
	if p.MinVersion <= 0 || p.MaxVersion < p.MinVersion {
		return fmt.Errorf("invalid version range %d..%d", p.MinVersion, p.MaxVersion)
	}
	return nil
}

// Negotiate returns the highest version both sides speak.
func (p *HandshakePayload) Negotiate() (int, error) {
	version := min(p.MaxVersion, MaxVersion)
	if version < max(p.MinVersion, MinVersion) {
		return 0, UnknownVersion("no common protocol version: client speaks %d..%d, server %d..%d",
			p.MinVersion, p.MaxVersion, MinVersion, MaxVersion)
	}
	return version, nil
}

// HandshakeResult carries the negotiated version.
type HandshakeResult struct {
	Version int `json:"version"`
}

// TokenRef names a stored token. It is the payload of get_token,
// remove_token and refresh_token. An empty bucket means the default.
type TokenRef struct {
	Provider string `json:"provider"`
	Bucket   string `json:"bucket,omitempty"`
}

func (p *TokenRef) Validate() error { return requireProvider(p.Provider) }

// Key returns the store key, defaulting the bucket.
func (p *TokenRef) Key() token.Key { return token.NewKey(p.Provider, p.Bucket) }

// SaveTokenPayload is the payload of save_token.
type SaveTokenPayload struct {
	Provider string       `json:"provider"`
	Bucket   string       `json:"bucket,omitempty"`
	Token    *token.Token `json:"token"`
}

func (p *SaveTokenPayload) Validate() error {
	if err := requireProvider(p.Provider); err != nil {
		return err
	}
	if p.Token == nil || p.Token.AccessToken == "" {
		return errors.New("missing token.access_token")
	}
	return nil
}

// Key returns the store key, defaulting the bucket.
func (p *SaveTokenPayload) Key() token.Key { return token.NewKey(p.Provider, p.Bucket) }

// ListBucketsPayload is the payload of list_buckets.
type ListBucketsPayload struct {
	Provider string `json:"provider"`
}

func (p *ListBucketsPayload) Validate() error { return requireProvider(p.Provider) }

// APIKeyRef is the payload of get_api_key.
type APIKeyRef struct {
	Name string `json:"name"`
}

func (p *APIKeyRef) Validate() error {
	if p.Name == "" {
		return errors.New("missing name")
	}
	return nil
}

// APIKeyResult is the data of a successful get_api_key.
type APIKeyResult struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// InitiatePayload is the payload of oauth_initiate.
type InitiatePayload struct {
	Provider string `json:"provider"`
	Bucket   string `json:"bucket,omitempty"`
}

func (p *InitiatePayload) Validate() error { return requireProvider(p.Provider) }

// Key returns the store key, defaulting the bucket.
func (p *InitiatePayload) Key() token.Key { return token.NewKey(p.Provider, p.Bucket) }

// FlowType is the closed set of login flow topologies.
type FlowType string

const (
	FlowPKCERedirect    FlowType = "pkce_redirect"
	FlowDeviceCode      FlowType = "device_code"
	FlowBrowserRedirect FlowType = "browser_redirect"
)

// Polled reports whether the flow completes through oauth_poll rather
// than oauth_exchange.
func (f FlowType) Polled() bool {
	return f == FlowDeviceCode || f == FlowBrowserRedirect
}

// InitiateResult is the data of a successful oauth_initiate. AuthURL
// is set for redirect flows; VerificationURL and UserCode for device
// flows. Interval is the suggested poll interval in seconds.
type InitiateResult struct {
	SessionID       string   `json:"sessionId"`
	FlowType        FlowType `json:"flowType"`
	AuthURL         string   `json:"authUrl,omitempty"`
	VerificationURL string   `json:"verificationUrl,omitempty"`
	UserCode        string   `json:"userCode,omitempty"`
	Interval        int64    `json:"interval,omitempty"`
	ExpiresIn       int64    `json:"expiresIn"`
}

// ExchangePayload is the payload of oauth_exchange.
type ExchangePayload struct {
	SessionID string `json:"sessionId"`
	Code      string `json:"code"`
}

func (p *ExchangePayload) Validate() error {
	if p.SessionID == "" {
		return errors.New("missing sessionId")
	}
	if p.Code == "" {
		return errors.New("missing code")
	}
	return nil
}

// SessionRef is the payload of oauth_poll and oauth_cancel.
type SessionRef struct {
	SessionID string `json:"sessionId"`
}

func (p *SessionRef) Validate() error {
	if p.SessionID == "" {
		return errors.New("missing sessionId")
	}
	return nil
}

// PollStatus is the state reported by oauth_poll.
type PollStatus string

const (
	PollPending  PollStatus = "pending"
	PollComplete PollStatus = "complete"
	PollError    PollStatus = "error"
)

// PollResult is the data of a successful oauth_poll. Token is set on
// complete, Error on error, Interval optionally on pending.
type PollResult struct {
	Status   PollStatus       `json:"status"`
	Interval int64            `json:"interval,omitempty"`
	Token    *token.Sanitized `json:"token,omitempty"`
	Error    string           `json:"error,omitempty"`
}

func requireProvider(provider string) error {
	if provider == "" {
		return errors.New("missing provider")
	}
	return nil
}
