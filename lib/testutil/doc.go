// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers.
//
// [SocketDir] creates a short directory under /tmp for Unix sockets.
// sun_path is limited to 104-108 bytes, and t.TempDir() paths routinely
// exceed that.
//
// [RequireReceive] and [RequireClosed] wrap the select-with-timeout
// safety valve so a broken test fails instead of hanging. They are the
// only real wall-clock waits in the suite; everything timer-driven
// under test runs on lib/clock's fake clock.
//
// All helpers call t.Fatalf on failure.
package testutil
