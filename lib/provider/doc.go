// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package provider implements the OAuth providers the proxy logs in to
// and refreshes against.
//
// A [Provider] starts a login with Initiate, which returns one member
// of the closed [Flow] union:
//
//   - [*PKCEFlow]: the user opens AuthURL, authorizes, and pastes the
//     code shown on the provider's page; Exchange redeems it.
//   - [*DeviceFlow]: the user enters UserCode at VerificationURL on any
//     device; Wait polls the token endpoint until they do.
//   - [*BrowserFlow]: the user opens AuthURL; a loopback listener on
//     the host captures the redirect; Wait returns once it has.
//
// PKCE verifiers, state values, authorization codes and device codes
// stay in unexported fields of the flow. Nothing in this package puts
// them in a URL or a returned struct.
//
// [OAuth2Provider] is the generic golang.org/x/oauth2 implementation.
// [NativeProvider] is the one exception to the generic refresh path:
// its credentials carry fields the token endpoint does not return, so
// a refresh goes through a [NativeClient] loaded with the full stored
// credential.
//
// Failures are classified by [Kind] so callers can tell a revoked
// credential from a network blip.
package provider
