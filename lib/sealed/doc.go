// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sealed encrypts credential store values with age.
//
// The store owns one X25519 keypair. [LoadOrGenerate] reads the private
// key from its identity file, or creates the file on first run. Values
// are sealed to the keypair's own recipient before they reach disk and
// opened into a [secret.Buffer] when read back.
package sealed
