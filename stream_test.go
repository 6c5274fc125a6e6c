// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

package h2backend

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/diogin/h2backend/internal/clockwork"
)

func TestRegistry_InsertLookupDelete(t *testing.T) {
	r := newRegistry()
	require.Equal(t, 0, r.size())

	rec := &StreamRecord{id: 3}
	r.insert(rec)
	require.Equal(t, 1, r.size())

	got, ok := r.lookup(3)
	require.True(t, ok)
	require.Same(t, rec, got)

	_, ok = r.lookup(5)
	require.False(t, ok)

	r.delete(3)
	require.Equal(t, 0, r.size())
	_, ok = r.lookup(3)
	require.False(t, ok)
}

func TestRegistry_Snapshot(t *testing.T) {
	r := newRegistry()
	r.insert(&StreamRecord{id: 1})
	r.insert(&StreamRecord{id: 3})
	snap := r.snapshot()
	require.Len(t, snap, 2)
}

func TestStreamRecord_IdleTimer(t *testing.T) {
	fc := clockwork.NewFake(time.Unix(0, 0))
	s := &Session{clock: fc}
	rec := newStreamRecord(s, 1, 65535)

	rec.armIdleTimer(time.Second)
	require.Equal(t, 1, fc.Pending())

	rec.armIdleTimer(2 * time.Second)
	require.Equal(t, 1, fc.Pending())

	rec.stopIdleTimer()
	require.Equal(t, 0, fc.Pending())
}
