// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package token defines the OAuth token shapes that move through the
// credential proxy and the two pure functions that govern them.
//
// [Token] is the durable shape, owned by the host's credential store. It
// carries the refresh secret. [Sanitized] is the only shape allowed to
// cross the proxy socket: it has no refresh field at all, so a response
// built from it cannot leak one.
//
// [Sanitize] derives a Sanitized from a Token. [Merge] combines a freshly
// obtained token with the stored one. Merge is the single encoding of the
// merge rule; the refresh coordinator, the save_token handler, the OAuth
// completion path, and direct mode all call it.
package token
