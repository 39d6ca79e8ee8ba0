// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package credential gives commands one way to reach tokens, API keys
// and logins whether they run inside a sandbox or on the host.
//
// Open decides the mode once. When CREDPROXY_SOCKET is set the process
// is sandboxed and every capability goes through the credential proxy
// (lib/proxyclient); the host keeps refresh tokens and login secrets.
// Otherwise the process owns the durable store and runs logins and
// refreshes itself through lib/refresh and lib/provider.
//
// Call sites hold a *Backend and never branch on its Mode. GetToken
// returns a sanitized token in both modes.
package credential
