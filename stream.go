// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

package h2backend

import (
	"time"

	"golang.org/x/net/http2"

	"github.com/diogin/h2backend/internal/clockwork"
)

// responseState tracks where a stream's response has gotten to, mirroring
// the StreamData bookkeeping in shrpx_http2_session.cc (HEADER_COMPLETE,
// MSG_COMPLETE, MSG_RESET, MSG_BAD_HEADER) and the "expect final response"
// flag used for 1xx relaying.
type responseState int8

const (
	responseNone responseState = iota
	responseExpectFinal
	responseHeaderComplete
	responseMsgComplete
	responseMsgReset
	responseMsgBadHeader
)

// StreamRecord is the session-side bookkeeping created per submitted
// request (spec.md §3, Data Model). It is handed to the HTTP/2 engine as
// that stream's user data and destroyed when the engine announces stream
// close or the session tears down (Invariant 1).
type StreamRecord struct {
	id      uint32
	session *Session

	// owner is a weak back-reference: owned by the upstream handler, not
	// by this record. Cleared by RemoveDownstreamConnection without
	// deleting the record itself (spec.md §4.6).
	owner DownstreamConn

	request      RequestHeaders
	dataProvider DataProvider

	localWindow  int32
	remoteWindow int32

	response       responseState
	status         int
	rstErrorCode   http2.ErrCode
	gotRST         bool
	chunkedFraming bool

	// planCloseUpstream is set once this stream's response determines the
	// upstream (client-facing) connection should close afterward (spec.md
	// §4.5 steps 4-5): a pre-HTTP/1.1 request with no content-length
	// response, or a fulfilled upgrade/CONNECT tunnel.
	planCloseUpstream bool

	// idleTimer is the per-stream read-idle timer (SPEC_FULL §3.2),
	// distinct from the connection-level read timer. Armed when a request
	// with a body is submitted and re-armed whenever DATA is sent without
	// END_STREAM, when the response headers arrive, and on every received
	// DATA frame (pumpStreamDataLocked, onResponseHeadersLocked,
	// onDataFrameLocked).
	idleTimer clockwork.Timer
}

func newStreamRecord(session *Session, id uint32, remoteWindow int32) *StreamRecord {
	return &StreamRecord{
		session:      session,
		id:           id,
		localWindow:  _64K1,
		remoteWindow: remoteWindow,
	}
}

const _64K1 = 1<<16 - 1

// armIdleTimer (re-)arms the per-stream read-idle timer (SPEC_FULL §3.2).
// On first arming it wires a watcher via clock.AfterFunc, since a stream's
// timer must actually reset the stream when it fires, not merely exist.
func (s *StreamRecord) armIdleTimer(d time.Duration) {
	if s.idleTimer == nil {
		s.idleTimer = s.session.clock.AfterFunc(d, func() { s.session.onStreamIdleTimeout(s) })
		return
	}
	s.idleTimer.Reset(d)
}

func (s *StreamRecord) stopIdleTimer() {
	if s.idleTimer != nil {
		s.idleTimer.Stop()
	}
}

// registry holds the set of stream records keyed by codec stream id. All
// access happens with Session.mu held, per spec.md §5.
type registry struct {
	streams map[uint32]*StreamRecord
}

func newRegistry() *registry {
	return &registry{streams: make(map[uint32]*StreamRecord)}
}

func (r *registry) insert(rec *StreamRecord) { r.streams[rec.id] = rec }

func (r *registry) lookup(id uint32) (*StreamRecord, bool) {
	rec, ok := r.streams[id]
	return rec, ok
}

func (r *registry) delete(id uint32) { delete(r.streams, id) }

func (r *registry) size() int { return len(r.streams) }

// snapshot returns every record currently registered as a new slice, so
// callers (teardown, GOAWAY and WINDOW_UPDATE handling, downstream
// detach) may delete records while iterating it. The registry itself is
// not swapped out; Session.disconnectLocked deletes the records one by one.
func (r *registry) snapshot() []*StreamRecord {
	out := make([]*StreamRecord, 0, len(r.streams))
	for _, rec := range r.streams {
		out = append(out, rec)
	}
	return out
}
