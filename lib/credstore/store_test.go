// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package credstore

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/bureau-foundation/credproxy/lib/clock"
	"github.com/bureau-foundation/credproxy/lib/token"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type storeFactory func(t *testing.T, c clock.Clock) Store

func newMemoryStore(t *testing.T, c clock.Clock) Store {
	return NewMemory(c)
}

func newSQLiteStore(t *testing.T, c clock.Clock) Store {
	t.Helper()
	directory := t.TempDir()
	store, err := OpenSQLite(context.Background(), SQLiteOptions{
		Path:         filepath.Join(directory, "db", "credentials.db"),
		IdentityFile: filepath.Join(directory, "identity"),
		Clock:        c,
	})
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func forEachStore(t *testing.T, run func(t *testing.T, store Store, fake *clock.FakeClock)) {
	factories := map[string]storeFactory{
		"memory": newMemoryStore,
		"sqlite": newSQLiteStore,
	}
	for name, factory := range factories {
		t.Run(name, func(t *testing.T) {
			fake := clock.Fake(epoch)
			run(t, factory(t, fake), fake)
		})
	}
}

func TestTokenLifecycle(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store, fake *clock.FakeClock) {
		ctx := context.Background()
		key := token.NewKey("anthropic", "")

		missing, err := store.GetToken(ctx, key)
		if err != nil || missing != nil {
			t.Fatalf("GetToken(absent) = %v, %v; want nil, nil", missing, err)
		}

		saved := &token.Token{
			AccessToken:  "at",
			RefreshToken: "rt",
			Expiry:       epoch.Add(time.Hour).Unix(),
			TokenType:    "Bearer",
			Extra:        map[string]any{"account_id": "acct-1"},
		}
		if err := store.SaveToken(ctx, key, saved); err != nil {
			t.Fatalf("SaveToken: %v", err)
		}
		saved.AccessToken = "mutated-after-save"

		got, err := store.GetToken(ctx, key)
		if err != nil {
			t.Fatalf("GetToken: %v", err)
		}
		if got.AccessToken != "at" || got.RefreshToken != "rt" || got.TokenType != "Bearer" {
			t.Fatalf("GetToken = %+v", got)
		}
		if got.Extra["account_id"] != "acct-1" {
			t.Fatalf("passthrough lost: %+v", got.Extra)
		}

		if err := store.RemoveToken(ctx, key); err != nil {
			t.Fatalf("RemoveToken: %v", err)
		}
		if err := store.RemoveToken(ctx, key); err != nil {
			t.Fatalf("RemoveToken(absent): %v", err)
		}
		if got, _ := store.GetToken(ctx, key); got != nil {
			t.Fatalf("token survived removal: %+v", got)
		}
	})
}

func TestListing(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store, fake *clock.FakeClock) {
		ctx := context.Background()
		for _, key := range []token.Key{
			token.NewKey("openai", "work"),
			token.NewKey("anthropic", "personal"),
			token.NewKey("anthropic", "default"),
		} {
			if err := store.SaveToken(ctx, key, &token.Token{AccessToken: "a"}); err != nil {
				t.Fatal(err)
			}
		}

		providers, err := store.ListProviders(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if !reflect.DeepEqual(providers, []string{"anthropic", "openai"}) {
			t.Fatalf("ListProviders = %v", providers)
		}
		buckets, err := store.ListBuckets(ctx, "anthropic")
		if err != nil {
			t.Fatal(err)
		}
		if !reflect.DeepEqual(buckets, []string{"default", "personal"}) {
			t.Fatalf("ListBuckets = %v", buckets)
		}
		none, err := store.ListBuckets(ctx, "unknown")
		if err != nil || len(none) != 0 {
			t.Fatalf("ListBuckets(unknown) = %v, %v", none, err)
		}
	})
}

func TestBucketStats(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store, fake *clock.FakeClock) {
		ctx := context.Background()
		key := token.NewKey("anthropic", "default")

		if stats, err := store.GetBucketStats(ctx, key); err != nil || stats != nil {
			t.Fatalf("GetBucketStats(absent) = %v, %v", stats, err)
		}

		store.SaveToken(ctx, key, &token.Token{AccessToken: "a"})
		fake.Advance(time.Minute)
		store.SaveToken(ctx, key, &token.Token{AccessToken: "b"})
		fake.Advance(time.Minute)
		store.GetToken(ctx, key)

		stats, err := store.GetBucketStats(ctx, key)
		if err != nil {
			t.Fatal(err)
		}
		want := &token.BucketStats{
			Provider:  "anthropic",
			Bucket:    "default",
			Requests:  1,
			Saves:     2,
			LastUsed:  epoch.Add(2 * time.Minute).Unix(),
			LastSaved: epoch.Add(time.Minute).Unix(),
		}
		if !reflect.DeepEqual(stats, want) {
			t.Fatalf("stats = %+v, want %+v", stats, want)
		}
	})
}

func TestRefreshLease(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store, fake *clock.FakeClock) {
		ctx := context.Background()
		key := token.NewKey("anthropic", "default")

		if ok, err := store.AcquireRefreshLock(ctx, key, "a"); !ok || err != nil {
			t.Fatalf("first acquire = %v, %v", ok, err)
		}
		if ok, _ := store.AcquireRefreshLock(ctx, key, "b"); ok {
			t.Fatal("second holder acquired a live lease")
		}
		if ok, _ := store.AcquireRefreshLock(ctx, key, "a"); !ok {
			t.Fatal("holder could not extend its own lease")
		}

		store.ReleaseRefreshLock(ctx, key, "b")
		if ok, _ := store.AcquireRefreshLock(ctx, key, "b"); ok {
			t.Fatal("release by a non-holder dropped the lease")
		}

		fake.Advance(LeaseDuration)
		if ok, _ := store.AcquireRefreshLock(ctx, key, "b"); !ok {
			t.Fatal("expired lease was not taken over")
		}
		store.ReleaseRefreshLock(ctx, key, "b")
		if ok, _ := store.AcquireRefreshLock(ctx, key, "c"); !ok {
			t.Fatal("released lease was not available")
		}

		other := token.NewKey("anthropic", "other")
		if ok, _ := store.AcquireRefreshLock(ctx, other, "d"); !ok {
			t.Fatal("leases are not per key")
		}
	})
}

func TestAPIKeys(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store, fake *clock.FakeClock) {
		ctx := context.Background()
		if value, err := store.GetAPIKey(ctx, "OPENAI_API_KEY"); value != "" || err != nil {
			t.Fatalf("GetAPIKey(absent) = %q, %v", value, err)
		}
		store.SaveAPIKey(ctx, "OPENAI_API_KEY", "sk-1")
		store.SaveAPIKey(ctx, "ANTHROPIC_API_KEY", "sk-2")
		store.SaveAPIKey(ctx, "OPENAI_API_KEY", "sk-3")

		if value, _ := store.GetAPIKey(ctx, "OPENAI_API_KEY"); value != "sk-3" {
			t.Fatalf("GetAPIKey = %q, want overwritten value", value)
		}
		names, _ := store.ListAPIKeys(ctx)
		if !reflect.DeepEqual(names, []string{"ANTHROPIC_API_KEY", "OPENAI_API_KEY"}) {
			t.Fatalf("ListAPIKeys = %v", names)
		}
		if err := store.DeleteAPIKey(ctx, "OPENAI_API_KEY"); err != nil {
			t.Fatal(err)
		}
		if value, _ := store.GetAPIKey(ctx, "OPENAI_API_KEY"); value != "" {
			t.Fatalf("deleted key returned %q", value)
		}
	})
}

func TestSQLiteSealsValuesAtRest(t *testing.T) {
	directory := t.TempDir()
	path := filepath.Join(directory, "credentials.db")
	options := SQLiteOptions{Path: path, IdentityFile: filepath.Join(directory, "identity")}
	ctx := context.Background()

	store, err := OpenSQLite(ctx, options)
	if err != nil {
		t.Fatal(err)
	}
	store.SaveToken(ctx, token.NewKey("anthropic", ""), &token.Token{
		AccessToken:  "access-plaintext-marker",
		RefreshToken: "refresh-plaintext-marker",
	})
	store.SaveAPIKey(ctx, "KEY", "apikey-plaintext-marker")
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	for _, file := range []string{path, path + "-wal"} {
		data, err := os.ReadFile(file)
		if err != nil {
			continue
		}
		for _, marker := range []string{"access-plaintext-marker", "refresh-plaintext-marker", "apikey-plaintext-marker"} {
			if bytes.Contains(data, []byte(marker)) {
				t.Fatalf("%s contains %q in plaintext", filepath.Base(file), marker)
			}
		}
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("database mode = %04o, want 0600", info.Mode().Perm())
	}

	reopened, err := OpenSQLite(ctx, options)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	got, err := reopened.GetToken(ctx, token.NewKey("anthropic", ""))
	if err != nil || got == nil || got.RefreshToken != "refresh-plaintext-marker" {
		t.Fatalf("GetToken after reopen = %+v, %v", got, err)
	}
}
