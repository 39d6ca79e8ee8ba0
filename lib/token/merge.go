// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package token

import "maps"

// Sanitize returns t without its refresh secret. Every other field,
// passthrough fields included, is carried over. t is not modified.
func Sanitize(t *Token) *Sanitized {
	if t == nil {
		return nil
	}
	sanitized := &Sanitized{
		AccessToken: t.AccessToken,
		Expiry:      t.Expiry,
		TokenType:   t.TokenType,
		Scope:       t.Scope,
	}
	for name, value := range t.Extra {
		if name == fieldRefreshToken {
			continue
		}
		if sanitized.Extra == nil {
			sanitized.Extra = make(map[string]any, len(t.Extra))
		}
		sanitized.Extra[name] = value
	}
	return sanitized
}

// Merge combines a freshly obtained token with the stored one and
// returns a new token. Neither input is modified.
//
// access_token and expiry always come from fresh. refresh_token,
// token_type, scope and each passthrough field come from fresh when
// fresh has them, and are otherwise kept from stored. A nil stored
// yields a copy of fresh.
func Merge(stored, fresh *Token) *Token {
	if fresh == nil {
		return stored.Clone()
	}
	merged := &Token{
		AccessToken:  fresh.AccessToken,
		Expiry:       fresh.Expiry,
		RefreshToken: fresh.RefreshToken,
		TokenType:    fresh.TokenType,
		Scope:        fresh.Scope,
	}
	if stored != nil {
		if merged.RefreshToken == "" {
			merged.RefreshToken = stored.RefreshToken
		}
		if merged.TokenType == "" {
			merged.TokenType = stored.TokenType
		}
		if merged.Scope == "" {
			merged.Scope = stored.Scope
		}
	}

	var extra map[string]any
	if stored != nil && len(stored.Extra) > 0 {
		extra = maps.Clone(stored.Extra)
	}
	for name, value := range fresh.Extra {
		if value == nil {
			continue
		}
		if extra == nil {
			extra = make(map[string]any, len(fresh.Extra))
		}
		extra[name] = value
	}
	merged.Extra = extra
	return merged
}
