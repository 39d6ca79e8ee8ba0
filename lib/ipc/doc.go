// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package ipc defines the wire protocol between the host-side
// credential proxy and sandbox-side clients.
//
// A frame is a 4-byte big-endian body length followed by a JSON body
// of at most [MaxFrameSize] bytes. Requests carry {op, id, payload};
// responses carry {id, ok, code, error, retryAfter, data}. The first
// request on every connection is a [OpHandshake] that negotiates the
// protocol version.
//
// Request-level failures travel as [Error] values drawn from a closed
// set of [Code]s. Protocol-level failures ([ErrFrameTooLarge],
// [ErrPartialFrameTimeout]) end the connection.
//
// Both cmd/credproxy and lib/proxyclient import this package so the
// wire types are defined once.
package ipc
