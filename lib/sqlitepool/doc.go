// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitepool provides the SQLite connection pool behind the
// durable credential store.
//
// It wraps zombiezen.com/go/sqlite's sqlitex.Pool. Every connection is
// prepared with:
//
//   - journal_mode=WAL: readers never block the single writer.
//   - synchronous=FULL: a saved credential survives power loss. A
//     rotated refresh token that is lost cannot be recovered.
//   - busy_timeout=5000: writers wait for the lock instead of failing
//     with SQLITE_BUSY.
//   - secure_delete=ON: deleted rows are overwritten, so a removed
//     credential's ciphertext does not linger in free pages.
//
// [Config.Schema] runs once at Open, before any caller sees the pool.
// Callers hold a connection only for the duration of one operation,
// through [Pool.Read] or [Pool.Write]:
//
//	err := pool.Write(ctx, func(conn *sqlite.Conn) error {
//	    return sqlitex.Execute(conn, "DELETE FROM tokens WHERE provider = ?", &sqlitex.ExecOptions{
//	        Args: []any{provider},
//	    })
//	})
package sqlitepool
