// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// Package clockwork abstracts time so the session's timers (read, write,
// SETTINGS-ACK, connection-check) can be driven by a fake clock in tests.
package clockwork

import "time"

// Clock is the minimal interface the session needs to create and drive timers.
type Clock interface {
	Now() time.Time
	NewTimer(d time.Duration) Timer
	// AfterFunc arms a timer that runs fn (on its own goroutine) when it
	// fires, for the per-stream idle timers, which are too numerous to get
	// a persistent watcher goroutine each like the session-level timers.
	AfterFunc(d time.Duration, fn func()) Timer
}

// Timer is the minimal timer contract the session depends on. Unlike
// time.Timer, Reset always first stops the timer, so callers never need
// the two-step stop-then-drain dance.
type Timer interface {
	C() <-chan time.Time
	Stop()
	Reset(d time.Duration)
}

// Real returns the system clock.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) NewTimer(d time.Duration) Timer {
	return &realTimer{t: time.NewTimer(d)}
}

func (realClock) AfterFunc(d time.Duration, fn func()) Timer {
	return &realTimer{t: time.AfterFunc(d, fn)}
}

type realTimer struct {
	t *time.Timer
}

func (rt *realTimer) C() <-chan time.Time { return rt.t.C }

func (rt *realTimer) Stop() {
	if !rt.t.Stop() {
		select {
		case <-rt.t.C:
		default:
		}
	}
}

func (rt *realTimer) Reset(d time.Duration) {
	rt.Stop()
	rt.t.Reset(d)
}
