// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package secret holds key material outside the Go heap.
//
// [Buffer] allocates an anonymous mmap region, locks it into RAM and,
// on Linux, excludes it from core dumps. Close zeros and unmaps it. The
// credential store keeps its age identity in a Buffer for the life of
// the process so the private key never lands in garbage-collected
// memory that may be copied or swapped.
//
// [ReadFile] loads a key file into a Buffer, refusing files readable by
// anyone but the owner.
package secret
