// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package process holds entrypoint helpers for writing to stderr and
// exiting before or after the structured logger exists.
package process
