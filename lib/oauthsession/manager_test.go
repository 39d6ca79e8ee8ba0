// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package oauthsession

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bureau-foundation/credproxy/lib/clock"
	"github.com/bureau-foundation/credproxy/lib/ipc"
	"github.com/bureau-foundation/credproxy/lib/provider"
	"github.com/bureau-foundation/credproxy/lib/testutil"
	"github.com/bureau-foundation/credproxy/lib/token"
)

const (
	owner    = "uid:1000/pid:41"
	intruder = "uid:1001/pid:77"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func newManager(t *testing.T) (*Manager, *clock.FakeClock) {
	t.Helper()
	return newManagerWith(t, Config{})
}

// newManagerWith fills in a fake clock. Tests that advance past a sweep
// tick but inspect sessions the sweep would remove set a long
// SweepInterval.
func newManagerWith(t *testing.T, cfg Config) (*Manager, *clock.FakeClock) {
	t.Helper()
	fake := clock.Fake(epoch)
	cfg.Clock = fake
	manager := New(cfg)
	t.Cleanup(manager.Close)
	return manager, fake
}

func create(t *testing.T, manager *Manager, flow provider.Flow) *Session {
	t.Helper()
	session, err := manager.Create(token.NewKey("acme", ""), flow, owner)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return session
}

func requireCode(t *testing.T, err error, want ipc.Code) {
	t.Helper()
	if got := ipc.CodeOf(err); got != want {
		t.Fatalf("code = %q, want %q (err %v)", got, want, err)
	}
}

func TestCreateAssignsRandomIDs(t *testing.T) {
	t.Parallel()
	manager, _ := newManager(t)
	first := create(t, manager, &provider.PKCEFlow{})
	second := create(t, manager, &provider.PKCEFlow{})
	if len(first.ID) != 32 {
		t.Fatalf("id %q is not 128 bits of hex", first.ID)
	}
	if first.ID == second.ID {
		t.Fatal("two sessions share an id")
	}
	if first.FlowType != ipc.FlowPKCERedirect || first.Key.Bucket != token.DefaultBucket {
		t.Fatalf("session = %+v", first)
	}
	if !first.CreatedAt.Equal(epoch) {
		t.Fatalf("CreatedAt = %v", first.CreatedAt)
	}
}

func TestSessionConsumedExactlyOnce(t *testing.T) {
	t.Parallel()
	manager, _ := newManager(t)
	session := create(t, manager, &provider.PKCEFlow{})

	if _, err := manager.Get(session.ID, owner); err != nil {
		t.Fatalf("first Get: %v", err)
	}
	manager.MarkUsed(session.ID)
	for range 3 {
		_, err := manager.Get(session.ID, owner)
		requireCode(t, err, ipc.CodeSessionAlreadyUsed)
	}
}

func TestTakeIsAtomic(t *testing.T) {
	t.Parallel()
	manager, _ := newManager(t)
	session := create(t, manager, &provider.PKCEFlow{})

	results := make(chan error, 8)
	for range 8 {
		go func() {
			_, err := manager.Take(session.ID, owner)
			results <- err
		}()
	}
	successes := 0
	for range 8 {
		err := testutil.RequireReceive(t, results, 5*time.Second, "Take result")
		if err == nil {
			successes++
			continue
		}
		requireCode(t, err, ipc.CodeSessionAlreadyUsed)
	}
	if successes != 1 {
		t.Fatalf("%d callers consumed the session, want 1", successes)
	}
}

func TestForeignPeerAlwaysUnauthorized(t *testing.T) {
	t.Parallel()
	manager, fake := newManagerWith(t, Config{SweepInterval: time.Hour})
	fresh := create(t, manager, &provider.PKCEFlow{})
	used := create(t, manager, &provider.PKCEFlow{})
	manager.MarkUsed(used.ID)
	stale := create(t, manager, &provider.PKCEFlow{})
	fake.Advance(DefaultTimeout - time.Second)

	for _, id := range []string{fresh.ID, used.ID, stale.ID} {
		_, err := manager.Get(id, intruder)
		requireCode(t, err, ipc.CodeUnauthorized)
		_, err = manager.Take(id, intruder)
		requireCode(t, err, ipc.CodeUnauthorized)
		requireCode(t, manager.Cancel(id, intruder), ipc.CodeUnauthorized)
	}
	if _, err := manager.Get(fresh.ID, owner); err != nil {
		t.Fatalf("owner lost access after intrusion attempts: %v", err)
	}
}

func TestUnknownSession(t *testing.T) {
	t.Parallel()
	manager, _ := newManager(t)
	_, err := manager.Get("deadbeef", owner)
	requireCode(t, err, ipc.CodeSessionNotFound)
	requireCode(t, manager.Cancel("deadbeef", owner), ipc.CodeSessionNotFound)
}

func TestExpiredSessionIsRemoved(t *testing.T) {
	t.Parallel()
	manager, fake := newManagerWith(t, Config{Timeout: 2 * time.Minute, SweepInterval: time.Hour})
	session := create(t, manager, &provider.PKCEFlow{})

	fake.Advance(2 * time.Minute)
	_, err := manager.Get(session.ID, owner)
	requireCode(t, err, ipc.CodeSessionExpired)
	_, err = manager.Get(session.ID, owner)
	requireCode(t, err, ipc.CodeSessionNotFound)
}

func TestDeviceCodeExpiryBoundsSession(t *testing.T) {
	t.Parallel()
	manager, fake := newManagerWith(t, Config{SweepInterval: time.Hour})
	session := create(t, manager, &provider.DeviceFlow{Interval: 5 * time.Second, Expiry: epoch.Add(time.Minute)})
	if session.Interval != 5*time.Second {
		t.Fatalf("Interval = %v", session.Interval)
	}
	fake.Advance(time.Minute)
	_, err := manager.Get(session.ID, owner)
	requireCode(t, err, ipc.CodeSessionExpired)
}

func TestPollReportsBackgroundOutcome(t *testing.T) {
	t.Parallel()
	manager, _ := newManager(t)
	session := create(t, manager, &provider.DeviceFlow{Interval: time.Second})

	release := make(chan struct{})
	manager.Start(session, func(ctx context.Context) (*token.Sanitized, error) {
		select {
		case <-release:
			return &token.Sanitized{AccessToken: "at"}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})

	_, outcome, err := manager.Poll(session.ID, owner)
	if err != nil || outcome != nil {
		t.Fatalf("pending Poll = %+v, %v", outcome, err)
	}

	close(release)
	deadline := time.Now().Add(5 * time.Second)
	for outcome == nil {
		if time.Now().After(deadline) {
			t.Fatal("background work never reported")
		}
		time.Sleep(time.Millisecond)
		_, outcome, err = manager.Poll(session.ID, owner)
		if err != nil {
			t.Fatalf("Poll: %v", err)
		}
	}
	if outcome.Token == nil || outcome.Token.AccessToken != "at" {
		t.Fatalf("outcome = %+v", outcome)
	}
	_, _, err = manager.Poll(session.ID, owner)
	requireCode(t, err, ipc.CodeSessionAlreadyUsed)
}

func TestPollRejectsExchangeFlows(t *testing.T) {
	t.Parallel()
	manager, _ := newManager(t)
	session := create(t, manager, &provider.PKCEFlow{})
	_, _, err := manager.Poll(session.ID, owner)
	requireCode(t, err, ipc.CodeInvalidRequest)
}

func TestCancelAbortsWork(t *testing.T) {
	t.Parallel()
	manager, _ := newManager(t)
	session := create(t, manager, &provider.BrowserFlow{})

	aborted := make(chan error, 1)
	manager.Start(session, func(ctx context.Context) (*token.Sanitized, error) {
		<-ctx.Done()
		aborted <- ctx.Err()
		return nil, ctx.Err()
	})

	if err := manager.Cancel(session.ID, owner); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if err := testutil.RequireReceive(t, aborted, 5*time.Second, "abort"); !errors.Is(err, context.Canceled) {
		t.Fatalf("work ended with %v", err)
	}
	_, err := manager.Get(session.ID, owner)
	requireCode(t, err, ipc.CodeSessionNotFound)
}

func TestPeriodicSweep(t *testing.T) {
	t.Parallel()
	manager, fake := newManager(t)
	used := create(t, manager, &provider.PKCEFlow{})
	manager.MarkUsed(used.ID)
	create(t, manager, &provider.PKCEFlow{})

	fake.Advance(DefaultSweepInterval)
	if manager.Len() != 1 {
		t.Fatalf("after first sweep Len = %d, want 1", manager.Len())
	}

	fake.Advance(DefaultTimeout)
	if manager.Len() != 0 {
		t.Fatalf("expired session survived the sweep, Len = %d", manager.Len())
	}
}

func TestSweepRemovesBeforeLookup(t *testing.T) {
	t.Parallel()
	manager, fake := newManagerWith(t, Config{Timeout: 2 * time.Minute, SweepInterval: 10 * time.Second})
	used := create(t, manager, &provider.PKCEFlow{})
	manager.MarkUsed(used.ID)
	stale := create(t, manager, &provider.PKCEFlow{})

	fake.Advance(10 * time.Second)
	_, err := manager.Get(used.ID, owner)
	requireCode(t, err, ipc.CodeSessionNotFound)
	if _, err := manager.Get(stale.ID, owner); err != nil {
		t.Fatalf("live session swept: %v", err)
	}

	fake.Advance(2 * time.Minute)
	_, err = manager.Get(stale.ID, owner)
	requireCode(t, err, ipc.CodeSessionNotFound)
}

func TestCloseAbortsEverything(t *testing.T) {
	t.Parallel()
	fake := clock.Fake(epoch)
	manager := New(Config{Clock: fake})
	session, err := manager.Create(token.NewKey("acme", ""), &provider.DeviceFlow{}, owner)
	if err != nil {
		t.Fatal(err)
	}
	stopped := make(chan struct{})
	manager.Start(session, func(ctx context.Context) (*token.Sanitized, error) {
		<-ctx.Done()
		close(stopped)
		return nil, ctx.Err()
	})

	manager.Close()
	manager.Close()
	testutil.RequireClosed(t, stopped, time.Second, "background work")
	if manager.Len() != 0 {
		t.Fatalf("Len = %d after Close", manager.Len())
	}
	if fake.PendingCount() != 0 {
		t.Fatalf("sweep timer still armed: %d", fake.PendingCount())
	}
	if _, err := manager.Create(token.NewKey("acme", ""), &provider.PKCEFlow{}, owner); err == nil {
		t.Fatal("Create succeeded after Close")
	}
}
