// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides the CBOR encoding configuration used for
// credentials at rest.
//
// The proxy uses two serialization formats with a clear boundary:
//
//   - JSON on the socket between the proxy and sandbox clients (see
//     lib/ipc).
//   - CBOR for values written to the credential store, before they
//     are sealed with age.
//
// The encoder uses Core Deterministic Encoding (RFC 8949 §4.2): sorted
// map keys, smallest integer encoding, no indefinite-length items. The
// same token always produces identical plaintext.
//
//	data, err := codec.Marshal(value)
//	err = codec.Unmarshal(data, &value)
//
// Types stored at rest carry `cbor` tags.
package codec
