// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"fmt"
	"sync/atomic"
)

// Peer is the identity of the process on the other end of a
// connection.
type Peer struct {
	UID int
	PID int

	// Verified is set when the kernel reported the credentials. When
	// false the identity is unique to the connection and the UID and
	// PID are unknown.
	Verified bool

	connection uint64
}

var connectionSequence atomic.Uint64

// unverifiedPeer returns an identity bound to a single connection.
func unverifiedPeer() Peer {
	return Peer{UID: -1, PID: -1, connection: connectionSequence.Add(1)}
}

// Identity is the string OAuth sessions are bound to.
func (p Peer) Identity() string {
	if !p.Verified {
		return fmt.Sprintf("conn:%d", p.connection)
	}
	return fmt.Sprintf("uid:%d/pid:%d", p.UID, p.PID)
}
