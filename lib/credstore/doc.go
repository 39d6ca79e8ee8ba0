// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package credstore is the durable credential store on the host.
//
// [Store] holds OAuth tokens keyed by (provider, bucket), API keys by
// name, per-bucket usage statistics, and the refresh leases that keep
// two processes from refreshing the same token at once.
//
// [SQLite] is the production implementation. Every token and API key
// is CBOR-encoded and sealed with age to the store's own identity
// before it is written, so the database file alone reveals which
// providers and buckets exist but no credential material. [Memory]
// has the same semantics without persistence, for tests and ephemeral
// runs.
//
// Refresh leases expire after [LeaseDuration] so a crashed holder
// cannot wedge a key forever.
package credstore
