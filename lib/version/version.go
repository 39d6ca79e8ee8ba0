// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package version reports build information for credproxy binaries.
//
// Values are injected at build time:
//
//	go build -ldflags "-X github.com/bureau-foundation/credproxy/lib/version.GitCommit=$(git rev-parse --short HEAD)"
package version

import (
	"fmt"
	"runtime"

	"github.com/bureau-foundation/credproxy/lib/ipc"
)

// Set via -ldflags.
var (
	GitCommit = "unknown"
	GitDirty  = "false"
	BuildTime = "unknown"
	Version   = "0.1.0-dev"
)

// Info returns the one-line --version string.
func Info() string {
	dirty := ""
	if GitDirty == "true" {
		dirty = "-dirty"
	}
	return fmt.Sprintf("%s (%s%s, %s)", Version, GitCommit, dirty, BuildTime)
}

// Full adds the toolchain, platform and the IPC protocol range.
func Full() string {
	return fmt.Sprintf("%s\n  Go: %s\n  Platform: %s/%s\n  Protocol: %d..%d",
		Info(), runtime.Version(), runtime.GOOS, runtime.GOARCH, ipc.MinVersion, ipc.MaxVersion)
}
