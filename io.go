// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

package h2backend

import (
	"errors"
	"io"
	"time"

	"golang.org/x/net/http2"
)

// startReaderLocked spawns the one goroutine that blocks in
// framer.ReadFrame. It captures framer and closedCh by value. Each frame
// is dispatched under s.mu on this same goroutine before the next
// ReadFrame call, because ReadFrame invalidates the frame it returned
// previously and reuses its payload buffer. The terminal read error is
// forwarded to the session's frameDispatchLoop. Must be called with s.mu
// held, immediately after the framer is constructed in
// bridgeOnConnectLocked.
func (s *Session) startReaderLocked() {
	framer := s.framer
	gen := s.closedCh
	go func() {
		for {
			frame, err := framer.ReadFrame()
			if err != nil {
				select {
				case s.ioErrCh <- ioEvent{err: err, isRead: true}:
				case <-gen:
				}
				return
			}
			s.mu.Lock()
			if s.closed {
				s.mu.Unlock()
				return
			}
			s.connectionAliveLocked()
			if !s.closed {
				s.onFrameRecvLocked(frame)
			}
			s.mu.Unlock()
		}
	}()
}

// signalWrite requests a write pass. Any number of calls between two
// writerLoop iterations collapse into a single flush, the Go analogue of
// the original's prepare-hook write coalescing (spec.md Testable Property 3).
func (s *Session) signalWrite() {
	select {
	case s.writeSignal <- struct{}{}:
	default:
	}
}

// writerLoop is the session's sole writer: it owns the only goroutine that
// ever calls netConn.Write, so partial writes and their retry are
// sequenced without a lock held across the syscall.
func (s *Session) writerLoop() {
	for {
		select {
		case <-s.writeSignal:
			s.flush()
		case <-s.closedCh:
			return
		}
	}
}

// flush drains s.outbound starting at s.outSent. The socket write happens
// with s.mu released so a slow backend can't stall codec-side frame
// submission; outSent/outbound bookkeeping is updated under the lock
// before and after, preserving Invariant 3 (no bytes lost on a partial
// write — the unsent tail simply stays in the buffer for the next pass).
func (s *Session) flush() {
	s.mu.Lock()
	if s.netConn == nil || s.outbound.Len() <= s.outSent {
		s.mu.Unlock()
		return
	}
	pending := append([]byte(nil), s.outbound.Bytes()[s.outSent:]...)
	conn := s.netConn
	// Socket deadlines are wall-clock instants, so they come from the real
	// clock even when s.clock is a fake one.
	deadline := time.Now().Add(s.cfg.WriteTimeout)
	s.mu.Unlock()

	_ = conn.SetWriteDeadline(deadline)
	n, err := conn.Write(pending)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.netConn != conn {
		return
	}
	s.outSent += n
	if s.outSent >= s.outbound.Len() {
		s.outbound.Reset()
		s.outSent = 0
		s.writeTimer.Stop()
	} else {
		s.writeTimer.Reset(s.cfg.WriteTimeout)
	}
	if n > 0 {
		// Sent bytes only postpone the next idle check; an outstanding
		// check is cleared by the next frame received (frame reader).
		s.connCheckTimer.Reset(s.cfg.ConnectionCheck)
	}
	if err != nil {
		s.logger.Error("backend write failed", "error", err)
		s.disconnectLocked(true)
		return
	}
	if s.outbound.Len() > s.outSent {
		// Partial write: the kernel send buffer was full. Re-signal so the
		// remainder goes out on the next writer iteration.
		s.signalWrite()
	}
}

// onIOErrorLocked handles a terminal read failure from the reader
// goroutine (spec.md §4.4/§4.7). Must be called with s.mu held.
func (s *Session) onIOErrorLocked(ev ioEvent) {
	if s.closed {
		return
	}
	hard := s.shouldHardFailLocked()
	if errors.Is(ev.err, io.EOF) {
		s.logger.Debug("backend closed connection")
	} else {
		s.logger.Error("backend read failed", "error", ev.err)
	}
	s.disconnectLocked(hard)
}

// connectionAliveLocked resets the idle connection-check timer and, if a
// liveness check was outstanding, clears it and lets any downstream
// handlers paused on backpressure resume (spec.md Invariant 4, Testable
// Property 6). Must be called with s.mu held.
func (s *Session) connectionAliveLocked() {
	s.connCheckTimer.Reset(s.cfg.ConnectionCheck)
	if s.checkState == checkNone {
		return
	}
	s.checkState = checkNone
	s.pingInFlight = false
	s.metrics.connectionChecksTotal.WithLabelValues("alive").Inc()

	resumed := make([]DownstreamConn, 0, len(s.downstreams))
	for dconn := range s.downstreams {
		resumed = append(resumed, dconn)
	}
	s.mu.Unlock()
	for _, dconn := range resumed {
		dconn.ResumeRead()
	}
	s.mu.Lock()

	// spec.md §4.4: clearing the check state re-submits any pending
	// requests that are eligible (original_source connection_alive's own
	// "submit pending request" loop). SubmitRequest itself consults
	// peerGoAwayLastStreamID, so a downstream that tries to push into a
	// connection already marked GOAWAY is refused and aborted with 400
	// here rather than resubmitted.
	s.pushPendingDownstreamsLocked()
}

// onReadTimeout fires when no bytes have arrived from the backend within
// ReadTimeout (spec.md §4.4). hard iff the connection never finished
// establishing (shouldHardFailLocked) — a read timeout once CONNECTED is
// soft, letting affected downstreams re-queue instead of aborting.
func (s *Session) onReadTimeout() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.logger.Error("backend read timeout")
	s.disconnectLocked(s.shouldHardFailLocked())
}

// onWriteTimeout fires when a write has not completed within WriteTimeout.
// Same hard/soft split as onReadTimeout (spec.md §4.4).
func (s *Session) onWriteTimeout() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.logger.Error("backend write timeout")
	s.disconnectLocked(s.shouldHardFailLocked())
}

// onSettingsAckTimeout fires if the backend never acknowledges our initial
// SETTINGS (spec.md §4.5 step 3). Fatal: a backend that can't ack SETTINGS
// within the grace period is not a usable HTTP/2 peer.
func (s *Session) onSettingsAckTimeout() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.state != stateConnected {
		return
	}
	s.logger.Error("backend never acknowledged SETTINGS")
	_ = s.sendGoAwayLocked(http2.ErrCodeSettingsTimeout, nil)
	s.disconnectLocked(true)
}

// onConnectionCheckTimeout fires when the connection has been idle for
// ConnectionCheck and starts a liveness check by sending a PING (spec.md
// Invariant 4). New request submissions are refused with
// ErrConnectionCheckRequired until the next frame from the backend (normally
// the PING's ACK) arrives.
func (s *Session) onConnectionCheckTimeout() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.state != stateConnected || s.checkState != checkNone {
		return
	}
	s.checkState = checkRequired
	if err := s.sendPingLocked(); err != nil {
		s.logger.Error("failed to submit liveness PING", "error", err)
		s.disconnectLocked(true)
		return
	}
	s.checkState = checkStarted
	s.pingInFlight = true
}
