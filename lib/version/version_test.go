// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package version

import (
	"strings"
	"testing"
)

func TestInfoMarksDirtyBuilds(t *testing.T) {
	saved := GitDirty
	t.Cleanup(func() { GitDirty = saved })

	GitDirty = "true"
	if !strings.Contains(Info(), "-dirty") {
		t.Fatalf("Info() = %q, want dirty marker", Info())
	}
	GitDirty = "false"
	if strings.Contains(Info(), "-dirty") {
		t.Fatalf("Info() = %q, unexpected dirty marker", Info())
	}
}

func TestFullIncludesProtocolRange(t *testing.T) {
	if !strings.Contains(Full(), "Protocol: 1..1") {
		t.Fatalf("Full() = %q", Full())
	}
}
