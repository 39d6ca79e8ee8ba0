// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package proxy

import "strings"

// Scope limits which credentials a sandbox may reach. A nil Providers
// map allows every provider and bucket; a nil APIKeys list allows every
// key. A provider listed with no bucket patterns allows no buckets.
type Scope struct {
	// Providers maps a provider name to the bucket globs allowed for
	// it.
	Providers map[string][]string

	// APIKeys holds globs over API key names.
	APIKeys []string
}

// AllowProvider reports whether provider is in scope.
func (s *Scope) AllowProvider(provider string) bool {
	if s == nil || s.Providers == nil {
		return true
	}
	_, ok := s.Providers[provider]
	return ok
}

// AllowBucket reports whether bucket of provider is in scope.
func (s *Scope) AllowBucket(provider, bucket string) bool {
	if s == nil || s.Providers == nil {
		return true
	}
	patterns, ok := s.Providers[provider]
	if !ok {
		return false
	}
	return matchAny(patterns, bucket)
}

// AllowAPIKey reports whether the named API key is in scope.
func (s *Scope) AllowAPIKey(name string) bool {
	if s == nil || s.APIKeys == nil {
		return true
	}
	return matchAny(s.APIKeys, name)
}

func matchAny(patterns []string, value string) bool {
	for _, pattern := range patterns {
		if matchGlob(pattern, value) {
			return true
		}
	}
	return false
}

// matchGlob performs simple glob matching.
// Supports * as wildcard matching any characters.
func matchGlob(pattern, str string) bool {
	parts := strings.Split(pattern, "*")

	if len(parts) == 1 {
		return pattern == str
	}

	if !strings.HasPrefix(str, parts[0]) {
		return false
	}
	str = str[len(parts[0]):]

	for i := 1; i < len(parts)-1; i++ {
		idx := strings.Index(str, parts[i])
		if idx == -1 {
			return false
		}
		str = str[idx+len(parts[i]):]
	}

	return strings.HasSuffix(str, parts[len(parts)-1])
}
