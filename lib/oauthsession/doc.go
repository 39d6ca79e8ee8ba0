// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package oauthsession tracks in-flight OAuth logins started through
// the proxy.
//
// A [Session] is bound to the peer identity of the connection that
// created it and can be consumed exactly once. Polled flows (device
// code, browser redirect) run their provider wait in the background
// from the moment the session is created; the session's abort handle
// stops that work when the session is cancelled, expires, or is swept.
//
// Sessions live only in memory. A proxy restart abandons every login
// in progress.
package oauthsession
