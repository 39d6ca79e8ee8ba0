// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package proxy is the host side of the credential proxy.
//
// [Server] listens on a per-instance Unix socket inside a directory
// only the owning user can enter. A sandboxed process connects, sends
// a version handshake, and then issues framed requests for tokens, API
// keys, refreshes and OAuth logins. Long-lived secrets stay on this
// side: every token leaving the server is sanitized, inbound refresh
// tokens are discarded, and each outbound payload is scanned for
// secret-bearing fields before it is written.
//
// Each connection is bound to the peer credentials of the process on
// the other end where the platform reports them (SO_PEERCRED on Linux,
// LOCAL_PEERCRED and LOCAL_PEERPID on Darwin). A peer running as a
// different user is refused. OAuth sessions are bound to the peer that
// created them.
//
// Requests are confined to a [Scope]: provider, bucket and API key
// name globs. A request outside the scope fails UNAUTHORIZED before
// the store is consulted.
package proxy
