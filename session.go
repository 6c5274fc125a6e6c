// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// Package h2backend implements the backend-facing HTTP/2 session core of a
// reverse-proxy daemon: a long-lived object that owns one connection
// (optionally via an HTTP CONNECT tunnel, optionally TLS) to a backend
// server, drives an HTTP/2 engine over it, and brokers request/response
// streams between that connection and an arbitrary number of upstream
// request handlers.
//
// Session replaces the original's single-threaded libev reactor (SPEC_FULL
// §0) with a mutex-guarded struct plus a small number of dedicated
// goroutines (the frame reader, the write-coalescing writer, and one
// watcher per session-level timer) — the same shape golang.org/x/net/http2's
// client ClientConn uses. Every method that touches session state takes
// Session.mu; callbacks into upstream DownstreamConn implementations
// always happen with mu released, so a DownstreamConn is free to call back
// into the session (spec.md §4.7's teardown re-entrancy requirement)
// without deadlocking.
package h2backend

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	pkgerrors "github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"

	"github.com/diogin/h2backend/internal/clockwork"
)

// sessionState is the connection state machine of spec.md §3/§4.1.
type sessionState int8

const (
	stateDisconnected sessionState = iota
	stateProxyConnecting
	stateProxyConnected
	stateProxyFailed
	stateConnecting
	stateConnectFailing
	stateConnected
)

func (s sessionState) String() string {
	switch s {
	case stateDisconnected:
		return "DISCONNECTED"
	case stateProxyConnecting:
		return "PROXY_CONNECTING"
	case stateProxyConnected:
		return "PROXY_CONNECTED"
	case stateProxyFailed:
		return "PROXY_FAILED"
	case stateConnecting:
		return "CONNECTING"
	case stateConnectFailing:
		return "CONNECT_FAILING"
	case stateConnected:
		return "CONNECTED"
	default:
		return "UNKNOWN"
	}
}

// checkState is the connection-check (liveness/PING) state of spec.md
// Invariant 4 and Testable Property 5.
type checkState int8

const (
	checkNone checkState = iota
	checkRequired
	checkStarted
)

// connKind selects which transport variant is active, replacing the
// original's function-pointer-swapped read_/write_ handlers (DESIGN NOTES,
// SPEC_FULL §0) with a plain enum dispatched by switch.
type connKind int8

const (
	connKindClear connKind = iota
	connKindTLS
)

// parkedDuration arms a timer far enough in the future that it is
// effectively inert until the first real Reset; Go has no "create but
// don't start" timer constructor.
const parkedDuration = 365 * 24 * time.Hour

// Session is the single owner of a backend HTTP/2 connection. See the
// package doc and spec.md §3 for the full data model.
type Session struct {
	cfg     Config
	logger  hclog.Logger
	clock   clockwork.Clock
	metrics *metricsSet

	mu         sync.Mutex
	state      sessionState
	checkState checkState
	connKind   connKind

	rawConn net.Conn // the raw TCP (or tunnel) socket
	tlsConn *tls.Conn
	netConn net.Conn // the active transport: rawConn or tlsConn

	framer   *http2.Framer
	hpackEnc *hpack.Encoder
	hpackBuf bytes.Buffer
	hpackDec *hpack.Decoder

	outbound bytes.Buffer // obuf: frames the codec has produced but not yet on the wire
	outSent  int          // prefix of outbound.Bytes() already written (Invariant 3's pending-data tail)

	streams     *registry
	downstreams map[DownstreamConn]struct{}

	readTimer        clockwork.Timer
	writeTimer       clockwork.Timer
	settingsAckTimer clockwork.Timer
	connCheckTimer   clockwork.Timer
	pingInFlight     bool

	writeSignal chan struct{}
	frameCh     chan http2.Frame
	ioErrCh     chan ioEvent

	peerGoAwayLastStreamID int64 // -1 until a GOAWAY is observed (SPEC_FULL §3.3)
	settingsAckSentAt      time.Time
	nextStreamID           uint32 // next client-initiated (odd) stream id
	peerInitialWindow      int32  // SETTINGS_INITIAL_WINDOW_SIZE as last advertised by the backend
	remoteConnWindow       int32  // connection-level outbound flow-control window (RFC 7540 §6.9.1)
	localSettingsAcked     bool

	closed   bool
	closedCh chan struct{}
}

// ioEvent is how the dedicated reader goroutine reports a read failure.
type ioEvent struct {
	err    error
	isRead bool
}

// NewSession constructs a Session in the DISCONNECTED state. The session
// does nothing until InitiateConnection is called.
func NewSession(cfg Config, logger hclog.Logger, registerer prometheus.Registerer) *Session {
	return newSession(cfg, logger, registerer, clockwork.Real())
}

// newSession is NewSession with an injectable clock, used by tests to
// drive timers with internal/clockwork.Fake instead of sleeping real time.
func newSession(cfg Config, logger hclog.Logger, registerer prometheus.Registerer, clock clockwork.Clock) *Session {
	cfg.sanitize()
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	logger = logger.Named("h2backend")

	s := &Session{
		cfg:                    cfg,
		logger:                 logger,
		clock:                  clock,
		metrics:                newMetricsSet(registerer, nil),
		streams:                newRegistry(),
		downstreams:            make(map[DownstreamConn]struct{}),
		writeSignal:            make(chan struct{}, 1),
		frameCh:                make(chan http2.Frame, 8),
		ioErrCh:                make(chan ioEvent, 1),
		peerGoAwayLastStreamID: -1,
		closedCh:               make(chan struct{}),
	}
	s.readTimer = s.parkedTimer()
	s.writeTimer = s.parkedTimer()
	s.settingsAckTimer = s.parkedTimer()
	s.connCheckTimer = s.parkedTimer()

	s.watchTimer(s.readTimer, s.onReadTimeout)
	s.watchTimer(s.writeTimer, s.onWriteTimeout)
	s.watchTimer(s.settingsAckTimer, s.onSettingsAckTimeout)
	s.watchTimer(s.connCheckTimer, s.onConnectionCheckTimeout)
	go s.frameDispatchLoop()
	go s.writerLoop()

	return s
}

func (s *Session) parkedTimer() clockwork.Timer {
	t := s.clock.NewTimer(parkedDuration)
	t.Stop()
	return t
}

// watchTimer spawns the one persistent goroutine that turns a timer firing
// into a locked handler call, standing in for the original's
// ev_timer-dispatched callbacks (readcb/writecb/settings_timeout_cb/
// connchk_timeout_cb).
func (s *Session) watchTimer(t clockwork.Timer, handler func()) {
	go func() {
		for {
			select {
			case <-t.C():
				handler()
			case <-s.closedCh:
				return
			}
		}
	}()
}

// frameDispatchLoop turns the terminal read error reported by the reader
// goroutine (see io.go), and any frame sent on s.frameCh, into locked
// handler calls. startReaderLocked dispatches the frames it reads on its
// own goroutine.
func (s *Session) frameDispatchLoop() {
	for {
		select {
		case frame := <-s.frameCh:
			s.mu.Lock()
			s.connectionAliveLocked()
			s.onFrameRecvLocked(frame)
			s.mu.Unlock()
		case ev := <-s.ioErrCh:
			s.mu.Lock()
			s.connectionAliveLocked()
			s.onIOErrorLocked(ev)
			s.mu.Unlock()
		case <-s.closedCh:
			return
		}
	}
}

// InitiateConnection begins a connection attempt, per spec.md §4.1. It is
// an error if a connection attempt is already underway.
func (s *Session) InitiateConnection() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initiateConnectionLocked()
}

func (s *Session) initiateConnectionLocked() error {
	if s.closed {
		return ErrSessionClosed
	}
	switch {
	case s.cfg.Proxy.Enabled() && s.state == stateDisconnected:
		s.state = stateProxyConnecting
		s.dialProxyAsync()
		return nil

	case s.state == stateDisconnected || s.state == stateProxyConnected:
		s.state = stateConnecting
		if s.rawConn != nil {
			// A tunnel fd already exists; skip dialing the backend directly.
			s.onRawConnectedLocked(s.rawConn)
			return nil
		}
		s.dialBackendAsync()
		return nil

	default:
		return fmt.Errorf("h2backend: cannot initiate connection from state %s", s.state)
	}
}

// onRawConnectedLocked runs once a raw TCP socket (direct or tunneled) is
// ready, mirroring the "connected" writable-event handler of spec.md §4.1:
// it either advances the proxy CONNECT submachine, enters the TLS
// submachine, or finalizes the connection. The frame reader is started
// later, by bridgeOnConnectLocked.
// Must be called with s.mu held.
func (s *Session) onRawConnectedLocked(conn net.Conn) {
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true) // SPEC_FULL §3.1
	}
	s.rawConn = conn
	s.netConn = conn

	switch {
	case s.state == stateProxyConnecting:
		// First leg of a tunneled connection: the raw socket reaches the
		// forward proxy, not the backend. CONNECT must precede TLS.
		s.beginProxyTunnelLocked()
	case !s.cfg.NoTLS:
		s.beginTLSHandshakeLocked()
	default:
		s.finalizeConnectLocked()
	}
}

// finalizeConnectLocked is on_connect from spec.md §4.5: it flips the
// state to CONNECTED and wires up the HTTP/2 engine. A non-nil error here
// is the inverted-condition bug site named in spec.md §9's Open Question;
// this module implements the corrected contract directly (failure means
// CONNECT_FAILING, success proceeds) rather than reproducing the
// inversion. Must be called with s.mu held.
func (s *Session) finalizeConnectLocked() {
	s.state = stateConnected
	if err := s.bridgeOnConnectLocked(); err != nil {
		s.logger.Error("on_connect failed", "error", err)
		var fatal *SessionFatalError
		if errors.As(err, &fatal) {
			// spec.md §4.5 step 6 / §7: INADEQUATE_SECURITY (and any other
			// session-fatal code raised this early) gets the GOAWAY+disconnect
			// treatment, not a bare hard disconnect.
			s.failSessionLocked(fatal)
			return
		}
		s.state = stateConnectFailing
		s.disconnectLocked(true)
		return
	}
}

// shouldHardFailLocked reports whether an I/O failure observed right now
// must be treated as hard (spec.md §4.7): true in PROXY_CONNECTING,
// PROXY_FAILED, CONNECTING and CONNECT_FAILING; false in DISCONNECTED,
// PROXY_CONNECTED and CONNECTED. Must be called with s.mu held.
func (s *Session) shouldHardFailLocked() bool {
	switch s.state {
	case stateProxyConnecting, stateProxyFailed, stateConnecting, stateConnectFailing:
		return true
	default:
		return false
	}
}

// Disconnect tears the session down. hard determines whether affected
// upstream handlers are told to abort (true) or may re-queue (false).
func (s *Session) Disconnect(hard bool) {
	s.mu.Lock()
	s.disconnectLocked(hard)
	s.mu.Unlock()
}

// disconnectLocked is idempotent (spec.md §4.7). Must be called with
// s.mu held; it releases the lock around the upstream notification pass
// and re-acquires it before returning, since OnDownstreamReset must not
// be called while holding the lock (spec.md §4.7 teardown re-entrancy).
func (s *Session) disconnectLocked(hard bool) {
	if s.closed {
		return
	}
	s.logger.Debug("disconnecting", "hard", hard, "state", s.state.String())

	s.readTimer.Stop()
	s.writeTimer.Stop()
	s.settingsAckTimer.Stop()
	s.connCheckTimer.Stop()

	s.framer = nil
	s.hpackEnc = nil
	s.hpackDec = nil
	s.outbound.Reset()
	s.outSent = 0

	if s.tlsConn != nil {
		_ = s.tlsConn.Close()
		s.tlsConn = nil
	}
	if s.rawConn != nil {
		_ = s.rawConn.Close()
		s.rawConn = nil
	}
	s.netConn = nil

	// Ordering matters (spec.md §4.7): swap the downstream set out to a
	// local before notifying, so that upstream callbacks which attach new
	// pending downstream-connections mid-teardown land in a fresh,
	// already-empty live set instead of the one we are about to iterate.
	affected := s.downstreams
	s.downstreams = make(map[DownstreamConn]struct{})

	for _, rec := range s.streams.snapshot() {
		rec.stopIdleTimer()
		s.streams.delete(rec.id)
	}
	s.metrics.streamsActive.Set(0)

	s.checkState = checkNone
	s.state = stateDisconnected
	s.closed = true
	close(s.closedCh)

	s.mu.Unlock()
	for dconn := range affected {
		// disconnect() notifies every affected handler via
		// on_downstream_reset(hard) uniformly (original_source:221-244),
		// whether or not the session ever reached CONNECTED. Surfacing a
		// synthetic status (e.g. 502) for a downstream that never got a
		// stream is the upstream collaborator's own decision to make from
		// hard=true, not this session's.
		dconn.OnDownstreamReset(hard)
	}
	s.mu.Lock()
}

// AttachDownstream registers dconn with this session so it will be
// notified by OnDownstreamReset on teardown or stream reset. Call this
// before SubmitRequest. Safe to call re-entrantly from within
// OnDownstreamReset.
func (s *Session) AttachDownstream(dconn DownstreamConn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.downstreams[dconn] = struct{}{}
}

// RemoveDownstreamConnection detaches dconn's stream user data (if any)
// without deleting the underlying StreamRecord; the codec's stream-close
// callback remains authoritative for record deletion (spec.md §4.6).
func (s *Session) RemoveDownstreamConnection(dconn DownstreamConn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.downstreams, dconn)
	for _, rec := range s.streams.snapshot() {
		if rec.owner == dconn {
			rec.owner = nil
		}
	}
}

// InitiateGracefulShutdown queues a GOAWAY(NO_ERROR) and leaves in-flight
// streams running (SPEC_FULL §3.6). It does not refuse later submissions:
// SubmitRequest keeps opening streams until the backend itself sends a
// GOAWAY or the session closes. It returns once the GOAWAY has been
// queued, or the session is not connected. ctx is honored only as a best-effort cancellation of the
// caller's wait; the write itself is fire-and-forget onto the outbound
// buffer.
func (s *Session) InitiateGracefulShutdown(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	if s.state != stateConnected {
		return ErrSessionNotConnected
	}
	return s.sendGoAwayLocked(http2.ErrCodeNo, nil)
}

// classify wraps err with stack context via pkg/errors, per SPEC_FULL §1.2.
func classify(err error) error {
	if err == nil {
		return nil
	}
	return pkgerrors.WithStack(err)
}
