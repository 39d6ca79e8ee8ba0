// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package token

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"maps"
	"time"

	"github.com/zeebo/blake3"
)

// DefaultBucket is the bucket used when a caller does not name one.
const DefaultBucket = "default"

// Key identifies one stored credential: a provider and a bucket (an
// account slot within that provider).
type Key struct {
	Provider string
	Bucket   string
}

// NewKey returns the key for provider and bucket, substituting
// DefaultBucket for an empty bucket.
func NewKey(provider, bucket string) Key {
	if bucket == "" {
		bucket = DefaultBucket
	}
	return Key{Provider: provider, Bucket: bucket}
}

func (k Key) String() string { return k.Provider + "/" + k.Bucket }

// Token is an OAuth credential as held by the durable store.
//
// Extra carries provider-specific passthrough fields (an account id, an
// id_token, a project id). On the JSON wire they are flattened into the
// top-level object next to the named fields.
type Token struct {
	AccessToken  string         `cbor:"access_token"`
	RefreshToken string         `cbor:"refresh_token,omitempty"`
	Expiry       int64          `cbor:"expiry"`
	TokenType    string         `cbor:"token_type,omitempty"`
	Scope        string         `cbor:"scope,omitempty"`
	Extra        map[string]any `cbor:"extra,omitempty"`
}

// Sanitized is a Token with the refresh secret removed. It has no field
// that could hold one.
type Sanitized struct {
	AccessToken string         `cbor:"access_token"`
	Expiry      int64          `cbor:"expiry"`
	TokenType   string         `cbor:"token_type,omitempty"`
	Scope       string         `cbor:"scope,omitempty"`
	Extra       map[string]any `cbor:"extra,omitempty"`
}

// BucketStats summarizes use of one stored credential.
type BucketStats struct {
	Provider  string `json:"provider"`
	Bucket    string `json:"bucket"`
	Requests  int64  `json:"requests"`
	Saves     int64  `json:"saves"`
	LastUsed  int64  `json:"lastUsed,omitempty"`
	LastSaved int64  `json:"lastSaved,omitempty"`
}

// Field names with fixed meaning. Extra never shadows them.
const (
	fieldAccessToken  = "access_token"
	fieldRefreshToken = "refresh_token"
	fieldExpiry       = "expiry"
	fieldTokenType    = "token_type"
	fieldScope        = "scope"
)

func isNamedField(name string) bool {
	switch name {
	case fieldAccessToken, fieldRefreshToken, fieldExpiry, fieldTokenType, fieldScope:
		return true
	}
	return false
}

// HasRefresh reports whether the token can be refreshed.
func (t *Token) HasRefresh() bool { return t != nil && t.RefreshToken != "" }

// ExpiresAt returns the expiry as a time. The zero time means the token
// carries no expiry.
func (t *Token) ExpiresAt() time.Time { return expiryTime(t.Expiry) }

// Valid reports whether the token has an access token that has not
// expired at now. A token without an expiry is valid while it has an
// access token.
func (t *Token) Valid(now time.Time) bool {
	return t != nil && t.AccessToken != "" && (t.Expiry == 0 || now.Unix() < t.Expiry)
}

// Clone returns a copy that shares nothing mutable with t.
func (t *Token) Clone() *Token {
	if t == nil {
		return nil
	}
	clone := *t
	clone.Extra = maps.Clone(t.Extra)
	return &clone
}

// ExpiresAt returns the expiry as a time, or the zero time.
func (s *Sanitized) ExpiresAt() time.Time { return expiryTime(s.Expiry) }

// Valid mirrors Token.Valid.
func (s *Sanitized) Valid(now time.Time) bool {
	return s != nil && s.AccessToken != "" && (s.Expiry == 0 || now.Unix() < s.Expiry)
}

// Token converts a sanitized token back into the durable shape with an
// empty refresh field. Used by sandbox-side stores whose callers expect
// the common token type.
func (s *Sanitized) Token() *Token {
	if s == nil {
		return nil
	}
	return &Token{
		AccessToken: s.AccessToken,
		Expiry:      s.Expiry,
		TokenType:   s.TokenType,
		Scope:       s.Scope,
		Extra:       maps.Clone(s.Extra),
	}
}

func expiryTime(expiry int64) time.Time {
	if expiry == 0 {
		return time.Time{}
	}
	return time.Unix(expiry, 0)
}

// Fingerprint returns a short stable identifier for an access token,
// safe to log.
func Fingerprint(accessToken string) string {
	if accessToken == "" {
		return ""
	}
	sum := blake3.Sum256([]byte(accessToken))
	return hex.EncodeToString(sum[:6])
}

// MarshalJSON flattens Extra into the object.
func (t Token) MarshalJSON() ([]byte, error) {
	object := flatten(t.Extra)
	object[fieldAccessToken] = t.AccessToken
	object[fieldExpiry] = t.Expiry
	if t.RefreshToken != "" {
		object[fieldRefreshToken] = t.RefreshToken
	}
	setOptional(object, fieldTokenType, t.TokenType)
	setOptional(object, fieldScope, t.Scope)
	return json.Marshal(object)
}

// UnmarshalJSON reads the named fields and collects everything else
// into Extra.
func (t *Token) UnmarshalJSON(data []byte) error {
	named, extra, err := split(data)
	if err != nil {
		return err
	}
	*t = Token{
		AccessToken:  named.AccessToken,
		RefreshToken: named.RefreshToken,
		Expiry:       named.Expiry,
		TokenType:    named.TokenType,
		Scope:        named.Scope,
		Extra:        extra,
	}
	return nil
}

// MarshalJSON flattens Extra into the object.
func (s Sanitized) MarshalJSON() ([]byte, error) {
	object := flatten(s.Extra)
	object[fieldAccessToken] = s.AccessToken
	object[fieldExpiry] = s.Expiry
	setOptional(object, fieldTokenType, s.TokenType)
	setOptional(object, fieldScope, s.Scope)
	return json.Marshal(object)
}

// UnmarshalJSON reads the named fields and collects everything else
// into Extra. A refresh_token present on the wire is discarded.
func (s *Sanitized) UnmarshalJSON(data []byte) error {
	named, extra, err := split(data)
	if err != nil {
		return err
	}
	*s = Sanitized{
		AccessToken: named.AccessToken,
		Expiry:      named.Expiry,
		TokenType:   named.TokenType,
		Scope:       named.Scope,
		Extra:       extra,
	}
	return nil
}

type namedFields struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	Expiry       int64  `json:"expiry"`
	TokenType    string `json:"token_type"`
	Scope        string `json:"scope"`
}

func split(data []byte) (namedFields, map[string]any, error) {
	var named namedFields
	if err := json.Unmarshal(data, &named); err != nil {
		return namedFields{}, nil, fmt.Errorf("decoding token: %w", err)
	}
	var all map[string]any
	if err := json.Unmarshal(data, &all); err != nil {
		return namedFields{}, nil, fmt.Errorf("decoding token: %w", err)
	}
	var extra map[string]any
	for name, value := range all {
		if isNamedField(name) {
			continue
		}
		if extra == nil {
			extra = make(map[string]any)
		}
		extra[name] = value
	}
	return named, extra, nil
}

func flatten(extra map[string]any) map[string]any {
	object := make(map[string]any, len(extra)+5)
	for name, value := range extra {
		if isNamedField(name) {
			continue
		}
		object[name] = value
	}
	return object
}

func setOptional(object map[string]any, name, value string) {
	if value != "" {
		object[name] = value
	}
}
