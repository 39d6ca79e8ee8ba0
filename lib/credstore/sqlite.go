// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package credstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/credproxy/lib/clock"
	"github.com/bureau-foundation/credproxy/lib/codec"
	"github.com/bureau-foundation/credproxy/lib/sealed"
	"github.com/bureau-foundation/credproxy/lib/secret"
	"github.com/bureau-foundation/credproxy/lib/sqlitepool"
	"github.com/bureau-foundation/credproxy/lib/token"
)

const schema = `
CREATE TABLE IF NOT EXISTS tokens (
	provider   TEXT    NOT NULL,
	bucket     TEXT    NOT NULL,
	sealed     BLOB    NOT NULL,
	requests   INTEGER NOT NULL DEFAULT 0,
	saves      INTEGER NOT NULL DEFAULT 0,
	last_used  INTEGER NOT NULL DEFAULT 0,
	last_saved INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (provider, bucket)
);

CREATE TABLE IF NOT EXISTS api_keys (
	name       TEXT    PRIMARY KEY,
	sealed     BLOB    NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS refresh_leases (
	provider   TEXT    NOT NULL,
	bucket     TEXT    NOT NULL,
	holder     TEXT    NOT NULL,
	expires_at INTEGER NOT NULL,
	PRIMARY KEY (provider, bucket)
);
`

// SQLiteOptions configures OpenSQLite.
type SQLiteOptions struct {
	// Path is the database file. Its directory is created with mode
	// 0700 if missing.
	Path string

	// IdentityFile holds the age identity that seals values. It is
	// generated on first open.
	IdentityFile string

	Clock  clock.Clock
	Logger *slog.Logger
}

// SQLite is a Store backed by a sealed SQLite database.
type SQLite struct {
	pool    *sqlitepool.Pool
	keypair *sealed.Keypair
	clock   clock.Clock
	logger  *slog.Logger
}

var _ Store = (*SQLite)(nil)

type apiKeyRecord struct {
	Value string `cbor:"value"`
}

// OpenSQLite opens (creating if necessary) the store at options.Path.
func OpenSQLite(ctx context.Context, options SQLiteOptions) (*SQLite, error) {
	if options.Path == "" || options.IdentityFile == "" {
		return nil, errors.New("credstore: Path and IdentityFile are required")
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	storeClock := options.Clock
	if storeClock == nil {
		storeClock = clock.Real()
	}

	if err := os.MkdirAll(filepath.Dir(options.Path), 0o700); err != nil {
		return nil, fmt.Errorf("credstore: creating store directory: %w", err)
	}
	keypair, err := sealed.LoadOrGenerate(options.IdentityFile)
	if err != nil {
		return nil, fmt.Errorf("credstore: %w", err)
	}
	pool, err := sqlitepool.Open(ctx, sqlitepool.Config{
		Path:   options.Path,
		Schema: schema,
		Logger: logger,
	})
	if err != nil {
		keypair.Close()
		return nil, fmt.Errorf("credstore: %w", err)
	}
	if err := os.Chmod(options.Path, 0o600); err != nil {
		pool.Close()
		keypair.Close()
		return nil, fmt.Errorf("credstore: restricting %s: %w", options.Path, err)
	}

	logger.Info("credential store opened", "path", options.Path, "recipient", keypair.PublicKey)
	return &SQLite{pool: pool, keypair: keypair, clock: storeClock, logger: logger}, nil
}

func (s *SQLite) GetToken(ctx context.Context, key token.Key) (*token.Token, error) {
	var ciphertext []byte
	err := s.pool.Write(ctx, func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn,
			"SELECT sealed FROM tokens WHERE provider = ? AND bucket = ?",
			&sqlitex.ExecOptions{
				Args: []any{key.Provider, key.Bucket},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					ciphertext = columnBlob(stmt, 0)
					return nil
				},
			})
		if err != nil || ciphertext == nil {
			return err
		}
		return sqlitex.Execute(conn,
			"UPDATE tokens SET requests = requests + 1, last_used = ? WHERE provider = ? AND bucket = ?",
			&sqlitex.ExecOptions{Args: []any{s.clock.Now().Unix(), key.Provider, key.Bucket}})
	})
	if err != nil {
		return nil, fmt.Errorf("credstore: reading %s: %w", key, err)
	}
	if ciphertext == nil {
		return nil, nil
	}

	var value token.Token
	if err := s.open(ciphertext, &value); err != nil {
		return nil, fmt.Errorf("credstore: reading %s: %w", key, err)
	}
	return &value, nil
}

func (s *SQLite) SaveToken(ctx context.Context, key token.Key, value *token.Token) error {
	ciphertext, err := s.seal(value)
	if err != nil {
		return fmt.Errorf("credstore: saving %s: %w", key, err)
	}
	err = s.pool.Write(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `
			INSERT INTO tokens (provider, bucket, sealed, saves, last_saved)
			VALUES (?, ?, ?, 1, ?)
			ON CONFLICT (provider, bucket) DO UPDATE SET
				sealed = excluded.sealed,
				saves = saves + 1,
				last_saved = excluded.last_saved`,
			&sqlitex.ExecOptions{Args: []any{key.Provider, key.Bucket, ciphertext, s.clock.Now().Unix()}})
	})
	if err != nil {
		return fmt.Errorf("credstore: saving %s: %w", key, err)
	}
	return nil
}

func (s *SQLite) RemoveToken(ctx context.Context, key token.Key) error {
	err := s.pool.Write(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, "DELETE FROM tokens WHERE provider = ? AND bucket = ?",
			&sqlitex.ExecOptions{Args: []any{key.Provider, key.Bucket}})
	})
	if err != nil {
		return fmt.Errorf("credstore: removing %s: %w", key, err)
	}
	return nil
}

func (s *SQLite) ListProviders(ctx context.Context) ([]string, error) {
	return s.listStrings(ctx, "SELECT DISTINCT provider FROM tokens ORDER BY provider")
}

func (s *SQLite) ListBuckets(ctx context.Context, provider string) ([]string, error) {
	return s.listStrings(ctx, "SELECT bucket FROM tokens WHERE provider = ? ORDER BY bucket", provider)
}

func (s *SQLite) GetBucketStats(ctx context.Context, key token.Key) (*token.BucketStats, error) {
	var stats *token.BucketStats
	err := s.pool.Read(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			"SELECT requests, saves, last_used, last_saved FROM tokens WHERE provider = ? AND bucket = ?",
			&sqlitex.ExecOptions{
				Args: []any{key.Provider, key.Bucket},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					stats = &token.BucketStats{
						Provider:  key.Provider,
						Bucket:    key.Bucket,
						Requests:  stmt.ColumnInt64(0),
						Saves:     stmt.ColumnInt64(1),
						LastUsed:  stmt.ColumnInt64(2),
						LastSaved: stmt.ColumnInt64(3),
					}
					return nil
				},
			})
	})
	if err != nil {
		return nil, fmt.Errorf("credstore: stats for %s: %w", key, err)
	}
	return stats, nil
}

func (s *SQLite) AcquireRefreshLock(ctx context.Context, key token.Key, holder string) (bool, error) {
	now := s.clock.Now()
	acquired := false
	err := s.pool.Write(ctx, func(conn *sqlite.Conn) error {
		current := ""
		var expiresAt int64
		err := sqlitex.Execute(conn,
			"SELECT holder, expires_at FROM refresh_leases WHERE provider = ? AND bucket = ?",
			&sqlitex.ExecOptions{
				Args: []any{key.Provider, key.Bucket},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					current = stmt.ColumnText(0)
					expiresAt = stmt.ColumnInt64(1)
					return nil
				},
			})
		if err != nil {
			return err
		}
		if current != "" && current != holder && now.UnixMilli() < expiresAt {
			return nil
		}
		acquired = true
		return sqlitex.Execute(conn, `
			INSERT INTO refresh_leases (provider, bucket, holder, expires_at) VALUES (?, ?, ?, ?)
			ON CONFLICT (provider, bucket) DO UPDATE SET holder = excluded.holder, expires_at = excluded.expires_at`,
			&sqlitex.ExecOptions{Args: []any{key.Provider, key.Bucket, holder, now.Add(LeaseDuration).UnixMilli()}})
	})
	if err != nil {
		return false, fmt.Errorf("credstore: acquiring refresh lease for %s: %w", key, err)
	}
	return acquired, nil
}

func (s *SQLite) ReleaseRefreshLock(ctx context.Context, key token.Key, holder string) error {
	err := s.pool.Write(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			"DELETE FROM refresh_leases WHERE provider = ? AND bucket = ? AND holder = ?",
			&sqlitex.ExecOptions{Args: []any{key.Provider, key.Bucket, holder}})
	})
	if err != nil {
		return fmt.Errorf("credstore: releasing refresh lease for %s: %w", key, err)
	}
	return nil
}

func (s *SQLite) GetAPIKey(ctx context.Context, name string) (string, error) {
	var ciphertext []byte
	err := s.pool.Read(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, "SELECT sealed FROM api_keys WHERE name = ?",
			&sqlitex.ExecOptions{
				Args: []any{name},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					ciphertext = columnBlob(stmt, 0)
					return nil
				},
			})
	})
	if err != nil {
		return "", fmt.Errorf("credstore: reading API key %s: %w", name, err)
	}
	if ciphertext == nil {
		return "", nil
	}
	var record apiKeyRecord
	if err := s.open(ciphertext, &record); err != nil {
		return "", fmt.Errorf("credstore: reading API key %s: %w", name, err)
	}
	return record.Value, nil
}

func (s *SQLite) ListAPIKeys(ctx context.Context) ([]string, error) {
	return s.listStrings(ctx, "SELECT name FROM api_keys ORDER BY name")
}

func (s *SQLite) SaveAPIKey(ctx context.Context, name, value string) error {
	ciphertext, err := s.seal(apiKeyRecord{Value: value})
	if err != nil {
		return fmt.Errorf("credstore: saving API key %s: %w", name, err)
	}
	err = s.pool.Write(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `
			INSERT INTO api_keys (name, sealed, updated_at) VALUES (?, ?, ?)
			ON CONFLICT (name) DO UPDATE SET sealed = excluded.sealed, updated_at = excluded.updated_at`,
			&sqlitex.ExecOptions{Args: []any{name, ciphertext, s.clock.Now().Unix()}})
	})
	if err != nil {
		return fmt.Errorf("credstore: saving API key %s: %w", name, err)
	}
	return nil
}

func (s *SQLite) DeleteAPIKey(ctx context.Context, name string) error {
	err := s.pool.Write(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, "DELETE FROM api_keys WHERE name = ?",
			&sqlitex.ExecOptions{Args: []any{name}})
	})
	if err != nil {
		return fmt.Errorf("credstore: deleting API key %s: %w", name, err)
	}
	return nil
}

// Close closes the database and releases the identity.
func (s *SQLite) Close() error {
	return errors.Join(s.pool.Close(), s.keypair.Close())
}

func (s *SQLite) seal(value any) ([]byte, error) {
	plaintext, err := codec.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("encoding: %w", err)
	}
	defer secret.Zero(plaintext)
	return sealed.Seal(plaintext, s.keypair.PublicKey)
}

func (s *SQLite) open(ciphertext []byte, target any) error {
	plaintext, err := sealed.Open(ciphertext, s.keypair.PrivateKey)
	if err != nil {
		return err
	}
	defer plaintext.Close()
	if err := codec.Unmarshal(plaintext.Bytes(), target); err != nil {
		return fmt.Errorf("decoding: %w", err)
	}
	return nil
}

func (s *SQLite) listStrings(ctx context.Context, query string, args ...any) ([]string, error) {
	var values []string
	err := s.pool.Read(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
			Args: args,
			ResultFunc: func(stmt *sqlite.Stmt) error {
				values = append(values, stmt.ColumnText(0))
				return nil
			},
		})
	})
	if err != nil {
		return nil, fmt.Errorf("credstore: listing: %w", err)
	}
	return values, nil
}

func columnBlob(stmt *sqlite.Stmt, column int) []byte {
	blob := make([]byte, stmt.ColumnLen(column))
	stmt.ColumnBytes(column, blob)
	return blob
}
