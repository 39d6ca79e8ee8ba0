// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

//go:build !linux && !darwin

package proxy

import (
	"errors"
	"net"
)

var errPeerCredentialsUnsupported = errors.New("peer credentials are not available on this platform")

func peerCredentials(*net.UnixConn) (Peer, error) {
	return Peer{}, errPeerCredentialsUnsupported
}
