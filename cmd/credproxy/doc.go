// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Credproxy brokers OAuth tokens and API keys into sandboxes.
//
// On the host, "credproxy serve" runs the credential proxy and
// "credproxy exec -- <command>" runs one command with the proxy socket
// in CREDPROXY_SOCKET for its lifetime. Inside the sandbox the same
// binary's login, token, refresh, logout, providers, buckets and keys
// commands talk to that socket. Without CREDPROXY_SOCKET they open the
// local store named by the config file instead.
package main
