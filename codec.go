// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

package h2backend

import (
	"fmt"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"
)

const initialPeerWindow = 1<<16 - 1 // RFC 7540 §6.9.2 default

// bridgeOnConnectLocked is on_connect: it wires the HTTP/2 engine onto the
// now-established transport (spec.md §4.5 steps 1-4) — client preface,
// Framer/HPACK setup, initial SETTINGS, optional connection WINDOW_UPDATE —
// then starts the reader goroutine. Must be called with s.mu held.
func (s *Session) bridgeOnConnectLocked() error {
	if s.connKind == connKindTLS && !meetsHTTP2SecurityRequirement(s.tlsConn.ConnectionState()) {
		return newSessionFatalError(http2.ErrCodeInadequateSecurity, fmt.Errorf("h2backend: negotiated TLS parameters do not meet the h2 requirement"))
	}

	s.hpackDec = hpack.NewDecoder(4096, nil)
	s.hpackEnc = hpack.NewEncoder(&s.hpackBuf)
	s.framer = http2.NewFramer(&s.outbound, s.netConn)
	s.framer.ReadMetaHeaders = s.hpackDec

	s.nextStreamID = 1
	s.peerInitialWindow = initialPeerWindow
	s.remoteConnWindow = initialPeerWindow
	s.localSettingsAcked = false

	s.outbound.WriteString(http2.ClientPreface)

	settings := []http2.Setting{
		{ID: http2.SettingEnablePush, Val: 0},
		{ID: http2.SettingMaxConcurrentStreams, Val: s.cfg.MaxConcurrentStreams},
		{ID: http2.SettingInitialWindowSize, Val: s.cfg.initialWindowSize()},
	}
	if err := s.framer.WriteSettings(settings...); err != nil {
		return classify(err)
	}
	s.settingsAckSentAt = s.clock.Now()
	s.settingsAckTimer.Reset(s.cfg.SettingsAckTimeout)

	if delta := s.cfg.connectionWindowDelta(); delta > 0 {
		if err := s.framer.WriteWindowUpdate(0, delta); err != nil {
			return classify(err)
		}
	}

	s.readTimer.Reset(s.cfg.ReadTimeout)
	s.connCheckTimer.Reset(s.cfg.ConnectionCheck)
	s.startReaderLocked()
	// on_connect step 8: replay every already-attached downstream's
	// pending request now that the session can accept submissions.
	s.pushPendingDownstreamsLocked()
	s.signalWrite()
	return nil
}

// pushPendingDownstreamsLocked gives every currently attached downstream a
// chance to submit a request it was waiting to push, via
// DownstreamConn.PushRequestHeaders. A failure aborts that downstream's
// request with status 400, matching original_source's "submit pending
// request" loop in Http2Session::on_connect and ::connection_alive. Must
// be called with s.mu held; releases the lock around each callback.
func (s *Session) pushPendingDownstreamsLocked() {
	pending := make([]DownstreamConn, 0, len(s.downstreams))
	for dconn := range s.downstreams {
		pending = append(pending, dconn)
	}
	s.mu.Unlock()
	for _, dconn := range pending {
		if err := dconn.PushRequestHeaders(); err != nil {
			dconn.OnDownstreamAbortRequest(400)
		}
	}
	s.mu.Lock()
}

// onFrameRecvLocked dispatches one inbound frame (spec.md §4.5's
// on_frame_recv_callback). Must be called with s.mu held.
func (s *Session) onFrameRecvLocked(frame http2.Frame) {
	s.readTimer.Reset(s.cfg.ReadTimeout)

	switch f := frame.(type) {
	case *http2.MetaHeadersFrame:
		s.onResponseHeadersLocked(f)
	case *http2.DataFrame:
		s.onDataFrameLocked(f)
	case *http2.RSTStreamFrame:
		s.onRSTStreamLocked(f)
	case *http2.SettingsFrame:
		s.onSettingsFrameLocked(f)
	case *http2.PingFrame:
		s.onPingFrameLocked(f)
	case *http2.GoAwayFrame:
		s.onGoAwayFrameLocked(f)
	case *http2.WindowUpdateFrame:
		s.onWindowUpdateFrameLocked(f)
	case *http2.PushPromiseFrame:
		// Server push is out of scope (spec.md Non-goals, ENABLE_PUSH:0 is
		// advertised at connect time); refuse the promised stream outright
		// rather than failing the whole session over it (spec.md S6).
		s.refusePushLocked(f.PromiseID)
	default:
		// Unknown/unhandled frame types (e.g. PRIORITY) are ignored per
		// RFC 7540 §4.1's forward-compatibility rule.
	}
	s.signalWrite()
}

func (s *Session) onSettingsFrameLocked(f *http2.SettingsFrame) {
	if f.IsAck() {
		if !s.localSettingsAcked {
			s.localSettingsAcked = true
			s.settingsAckTimer.Stop()
			s.metrics.settingsAckSeconds.Observe(s.clock.Now().Sub(s.settingsAckSentAt).Seconds())
		}
		return
	}
	f.ForeachSetting(func(setting http2.Setting) error {
		if setting.ID == http2.SettingInitialWindowSize {
			s.peerInitialWindow = int32(setting.Val)
		}
		return nil
	})
	if err := s.framer.WriteSettingsAck(); err != nil {
		s.failSessionLocked(newSessionFatalError(http2.ErrCodeInternal, classify(err)))
	}
}

func (s *Session) onPingFrameLocked(f *http2.PingFrame) {
	if f.IsAck() {
		if s.pingInFlight {
			s.pingInFlight = false
		}
		return
	}
	if err := s.framer.WritePing(true, f.Data); err != nil {
		s.failSessionLocked(newSessionFatalError(http2.ErrCodeInternal, classify(err)))
	}
}

func (s *Session) onGoAwayFrameLocked(f *http2.GoAwayFrame) {
	s.peerGoAwayLastStreamID = int64(f.LastStreamID)
	s.logger.Info("backend sent GOAWAY", "lastStreamID", f.LastStreamID, "code", f.ErrCode)
	// Streams above LastStreamID were never actually processed by the
	// backend and must be treated as resettable-and-retryable (soft),
	// per spec.md §4.5/§7.
	for _, rec := range s.streams.snapshot() {
		if uint32(s.peerGoAwayLastStreamID) < rec.id {
			err := newStreamError(rec.id, http2.ErrCodeCancel, false,
				fmt.Errorf("h2backend: backend GOAWAY last-stream-id %d precedes this stream", f.LastStreamID))
			s.resetStreamLocked(rec, err, false)
		}
	}
}

// refusePushLocked answers a PUSH_PROMISE with RST_STREAM(REFUSED_STREAM)
// on the promised id; no StreamRecord is ever created for it (spec.md S6).
func (s *Session) refusePushLocked(promisedID uint32) {
	s.metrics.streamsResetTotal.WithLabelValues(http2.ErrCodeRefusedStream.String()).Inc()
	if s.framer == nil {
		return
	}
	if err := s.framer.WriteRSTStream(promisedID, http2.ErrCodeRefusedStream); err == nil {
		s.signalWrite()
	}
}

// onWindowUpdateFrameLocked credits either the connection-level outbound
// window (stream id 0) or one stream's outbound window, per RFC 7540
// §6.9.1. golang.org/x/net/http2.Framer only frames WINDOW_UPDATE; it does
// no flow-control accounting of its own, so the session must track both
// levels and actually resume stalled sends once either widens.
func (s *Session) onWindowUpdateFrameLocked(f *http2.WindowUpdateFrame) {
	if f.StreamID == 0 {
		s.remoteConnWindow += int32(f.Increment)
		for _, rec := range s.streams.snapshot() {
			if rec.dataProvider != nil {
				_ = s.pumpStreamDataLocked(rec)
			}
		}
		return
	}
	if rec, ok := s.streams.lookup(f.StreamID); ok {
		rec.remoteWindow += int32(f.Increment)
		if rec.dataProvider != nil {
			_ = s.pumpStreamDataLocked(rec)
		}
	}
}

// sendGoAwayLocked writes a GOAWAY announcing the highest stream id this
// session has accepted from the backend's point of view (SPEC_FULL §3.6).
// Must be called with s.mu held.
func (s *Session) sendGoAwayLocked(code http2.ErrCode, debugData []byte) error {
	if s.framer == nil {
		return ErrSessionNotConnected
	}
	last := uint32(0)
	if s.nextStreamID > 2 {
		last = s.nextStreamID - 2
	}
	if err := s.framer.WriteGoAway(last, code, debugData); err != nil {
		return classify(err)
	}
	s.metrics.goawaysSentTotal.WithLabelValues(code.String()).Inc()
	s.signalWrite()
	return nil
}

// sendPingLocked submits a liveness PING (spec.md Invariant 4). Must be
// called with s.mu held.
func (s *Session) sendPingLocked() error {
	var payload [8]byte
	if err := s.framer.WritePing(false, payload); err != nil {
		return classify(err)
	}
	s.signalWrite()
	return nil
}

// failSessionLocked answers a SessionFatalError by sending GOAWAY and
// tearing down (spec.md §7). Must be called with s.mu held.
func (s *Session) failSessionLocked(err *SessionFatalError) {
	s.logger.Error("session fatal error", "error", err)
	_ = s.sendGoAwayLocked(err.Code, nil)
	s.disconnectLocked(true)
}

// resetStreamLocked answers a *StreamError by sending RST_STREAM(err.Code)
// and notifying the owning downstream handler (spec.md §7). err.BadHeader
// decides whether the record is left as MSG_RESET or MSG_BAD_HEADER, so
// callers never need to overwrite rec.response afterward. Must be called
// with s.mu held; it releases the lock around the OnDownstreamReset
// callback.
func (s *Session) resetStreamLocked(rec *StreamRecord, err *StreamError, hardAbort bool) {
	rec.stopIdleTimer()
	if err.BadHeader {
		rec.response = responseMsgBadHeader
	} else {
		rec.response = responseMsgReset
	}
	rec.gotRST = true
	rec.rstErrorCode = err.Code
	s.streams.delete(rec.id)
	s.metrics.streamsActive.Set(float64(s.streams.size()))
	s.metrics.streamsResetTotal.WithLabelValues(err.Code.String()).Inc()

	if s.framer != nil {
		if werr := s.framer.WriteRSTStream(rec.id, err.Code); werr == nil {
			s.signalWrite()
		}
	}

	owner := rec.owner
	if owner == nil {
		return
	}
	s.mu.Unlock()
	owner.OnDownstreamReset(hardAbort)
	s.mu.Lock()
}

// onStreamIdleTimeout fires on rec's idle timer's own goroutine (SPEC_FULL
// §3.2) when the stream has gone quiet for longer than ReadTimeout. It
// resets just that stream, independent of the connection-level liveness
// machinery in io.go.
func (s *Session) onStreamIdleTimeout(rec *StreamRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if _, ok := s.streams.lookup(rec.id); !ok {
		return // already retired between the timer firing and the lock
	}
	s.logger.Warn("stream read-idle timeout", "streamID", rec.id)
	err := newStreamError(rec.id, http2.ErrCodeCancel, false,
		fmt.Errorf("h2backend: stream %d idle past ReadTimeout", rec.id))
	s.resetStreamLocked(rec, err, true)
}

// SubmitRequest opens a new backend stream for dconn's request (spec.md
// §4.6's stream creation path, "submit request"). dconn must already have
// been passed to AttachDownstream. Returns ErrSessionNotConnected or
// ErrConnectionCheckRequired per Invariants 2 and 4.
func (s *Session) SubmitRequest(dconn DownstreamConn, req RequestHeaders, dp DataProvider) (*StreamRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrSessionClosed
	}
	if s.state != stateConnected {
		return nil, ErrSessionNotConnected
	}
	if s.checkState != checkNone {
		return nil, ErrConnectionCheckRequired
	}
	if s.peerGoAwayLastStreamID != -1 {
		// The backend has already announced it is going away (SPEC_FULL
		// §3.3); consulting peerGoAwayLastStreamID here is what lets both
		// this path and the connection-check resubmission path in io.go
		// refuse to open new streams on a connection that is shutting down.
		return nil, fmt.Errorf("h2backend: backend sent GOAWAY, no new streams may be submitted")
	}
	if uint32(s.streams.size()) >= s.cfg.MaxConcurrentStreams {
		return nil, fmt.Errorf("h2backend: max concurrent streams (%d) reached", s.cfg.MaxConcurrentStreams)
	}

	block, err := s.encodeRequestHeadersLocked(req)
	if err != nil {
		return nil, classify(err)
	}

	id := s.nextStreamID
	s.nextStreamID += 2

	rec := newStreamRecord(s, id, s.peerInitialWindow)
	rec.owner = dconn
	rec.request = req
	rec.dataProvider = dp
	if !req.PreHTTP11 {
		rec.response = responseExpectFinal
	}
	s.streams.insert(rec)
	s.metrics.streamsActive.Set(float64(s.streams.size()))

	var padLength uint8
	if s.cfg.PaddingEnabled {
		padLength = paddingFor(len(block))
	}
	endStream := !req.HasBody
	if err := s.framer.WriteHeaders(http2.HeadersFrameParam{
		StreamID:      id,
		BlockFragment: block,
		EndStream:     endStream,
		EndHeaders:    true,
		PadLength:     padLength,
	}); err != nil {
		s.streams.delete(id)
		return nil, classify(err)
	}
	if !endStream {
		rec.armIdleTimer(s.cfg.ReadTimeout)
		if err := s.pumpStreamDataLocked(rec); err != nil {
			return rec, classify(err)
		}
	}
	s.signalWrite()
	return rec, nil
}

// ResumeDataSend asks the session to pull more body bytes from rec's
// DataProvider and frame them as DATA, honoring rec.remoteWindow. It is
// safe (and a no-op) to call when rec has no pending body left.
func (s *Session) ResumeDataSend(rec *StreamRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pumpStreamDataLocked(rec)
}

// pumpStreamDataLocked frames rec's pending body as DATA, honoring both
// rec's per-stream window and Session.remoteConnWindow (RFC 7540 §6.9):
// the connection-level window is shared across every stream, so it must
// gate sends here too, not just the per-stream one.
func (s *Session) pumpStreamDataLocked(rec *StreamRecord) error {
	if rec.dataProvider == nil || s.framer == nil {
		return nil
	}
	for rec.remoteWindow > 0 && s.remoteConnWindow > 0 {
		cap32 := min32(min32(rec.remoteWindow, s.remoteConnWindow), maxDataFrameSize)
		if s.cfg.PaddingEnabled {
			// Reserve room for the pad-length byte and the worst-case
			// padding (RFC 7540 §6.9.1: both count toward flow control),
			// so the send below never exceeds either window.
			cap32 -= 1 + (paddingBlockSize - 1)
			if cap32 <= 0 {
				return nil
			}
		}
		buf := make([]byte, cap32)
		n, endStream, err := rec.dataProvider.Read(buf)
		if n > 0 {
			consumed := int32(n)
			if s.cfg.PaddingEnabled {
				pad := paddingFor(n)
				if werr := s.framer.WriteDataPadded(rec.id, endStream, buf[:n], make([]byte, pad)); werr != nil {
					return classify(werr)
				}
				consumed += 1 + int32(pad)
			} else {
				if werr := s.framer.WriteData(rec.id, endStream, buf[:n]); werr != nil {
					return classify(werr)
				}
			}
			rec.remoteWindow -= consumed
			s.remoteConnWindow -= consumed
			s.signalWrite()
			if !endStream {
				rec.armIdleTimer(s.cfg.ReadTimeout)
			}
		}
		if endStream {
			rec.dataProvider = nil
			return nil
		}
		if err != nil {
			rec.dataProvider = nil
			return classify(err)
		}
		if n == 0 {
			return nil
		}
	}
	return nil
}

// maxDataFrameSize is the per-frame payload cap this session keeps to,
// equal to the protocol default SETTINGS_MAX_FRAME_SIZE of 16384.
const maxDataFrameSize = 16384

// paddingBlockSize rounds padded frame lengths up to a multiple of this
// many bytes (spec.md §6 "padding", RFC 7540 §10.7: padding exists to
// obscure the true length of a frame's content, so any fixed block size
// that isn't the frame's own natural length works). original_source's
// own select_padding_callback body was not available to copy; this is a
// direct application of RFC 7540 §10.7 rather than a ported algorithm.
const paddingBlockSize = 8

// maxPadLength is PadLength's wire width (RFC 7540 §6.2/§6.9.1: one byte).
const maxPadLength = 255

// paddingFor returns the pad length that rounds a frame whose payload
// (excluding the pad-length byte itself) is n bytes up to the next
// multiple of paddingBlockSize.
func paddingFor(n int) uint8 {
	total := n + 1 // + the pad-length byte, which is itself part of the frame
	rem := total % paddingBlockSize
	if rem == 0 {
		return 0
	}
	pad := paddingBlockSize - rem
	if pad > maxPadLength {
		pad = maxPadLength
	}
	return uint8(pad)
}

func min32(a, b int32) int32 {
	if a < b {
		return a
	}
	return b
}

// SubmitPriority is a reserved no-op (spec.md §4.6, §9: "Priority
// submission is a deliberate no-op in the source"). It is kept in the
// public contract rather than dropped, for the same reason the source
// keeps submit_priority as a thin wrapper it never actually wires up.
func (s *Session) SubmitPriority(dconn DownstreamConn, pri http2.PriorityParam) {}

// SubmitRstStream lets the upstream side cancel a request it no longer
// needs (spec.md §4.6).
func (s *Session) SubmitRstStream(rec *StreamRecord, code http2.ErrCode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.streams.lookup(rec.id); !ok {
		return
	}
	rec.owner = nil // the caller is the one cancelling; no reset callback needed
	err := newStreamError(rec.id, code, false, fmt.Errorf("h2backend: stream %d cancelled by caller", rec.id))
	s.resetStreamLocked(rec, err, false)
}
