// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package refresh renews OAuth tokens held in the host's credential
// store.
//
// [Coordinator] performs one refresh: a per-key cooldown, an exclusive
// per-key lock (in process, plus the store's lease across processes),
// a double-check under the lock, the provider call with a short retry
// for transient failures, and the merge into the stored token. The
// same per-key lock serializes token saves and removals, so a logout
// waits for an in-flight refresh and then wins.
//
// [Scheduler] arms one timer per served token and calls the
// Coordinator shortly before the token expires.
package refresh
