// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package proxyclient is the sandbox side of the credential proxy. A
// [Client] holds one framed connection to the host's socket and
// multiplexes concurrent requests over it by correlation id.
// [TokenStore], [KeyStorage] and [OAuth] build the credential
// capabilities on top of it, so code inside a sandbox never holds a
// refresh token, PKCE verifier or authorization code.
//
// The connection is opened lazily and closed after five idle minutes;
// the next call reconnects with a fresh handshake. Any other loss of the
// connection is permanent for the Client: every call fails with
// [ErrConnectionLost] and the sandbox session must be restarted. There
// is deliberately no automatic reconnect, since a socket that vanished
// unexpectedly may have been replaced by an impostor.
package proxyclient
