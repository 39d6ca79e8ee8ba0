// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock is the time source for every component of the credential
// proxy that waits on something: request and handshake timeouts, the idle
// connection timer, partial-frame deadlines, refresh cooldowns, proactive
// renewal timers, retry backoff, and the OAuth session sweep.
//
// Components take a [Clock] in their config struct. Binaries pass
// [Real]; tests pass a [FakeClock] and move time explicitly:
//
//	fake := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	scheduler := refresh.NewScheduler(refresh.SchedulerConfig{Clock: fake, ...})
//	scheduler.ScheduleIfNeeded(key, stored)
//	fake.WaitForTimers(1)
//	fake.Advance(55 * time.Minute)
//
// WaitForTimers closes the race between a goroutine arming a timer and
// the test advancing past it, so tests never need wall-clock sleeps.
package clock
