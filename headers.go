// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

package h2backend

import (
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"
)

// hopByHopHeaders must never cross from a backend response into the
// upstream response (RFC 7540 §8.1.2.2), mirroring the on_header_callback
// rejection list.
var hopByHopHeaders = map[string]struct{}{
	"connection":        {},
	"keep-alive":        {},
	"proxy-connection":  {},
	"transfer-encoding": {},
	"upgrade":           {},
}

// encodeRequestHeadersLocked HPACK-encodes req.Headers, which the caller
// has already assembled in pseudo-headers-first order (spec.md §4.6
// "submit request"). Must be called with s.mu held.
func (s *Session) encodeRequestHeadersLocked(req RequestHeaders) ([]byte, error) {
	s.hpackBuf.Reset()
	for _, hf := range req.Headers {
		if err := s.hpackEnc.WriteField(hpack.HeaderField{Name: hf.Name, Value: hf.Value}); err != nil {
			return nil, err
		}
	}
	return append([]byte(nil), s.hpackBuf.Bytes()...), nil
}

// onResponseHeadersLocked is the aggregated HEADERS+CONTINUATION handler
// (spec.md §4.5's on_header_callback / on_frame_recv_callback for
// HEADERS): it validates the block, classifies it as 1xx, the final
// response, or trailers, and delivers it to the owning downstream. Must be
// called with s.mu held.
func (s *Session) onResponseHeadersLocked(f *http2.MetaHeadersFrame) {
	rec, ok := s.streams.lookup(f.StreamID)
	if !ok {
		// A response HEADERS with no matching stream record is a protocol
		// violation, not a benign late frame (original_source
		// on_begin_headers_callback): refuse it outright.
		if s.framer != nil {
			if err := s.framer.WriteRSTStream(f.StreamID, http2.ErrCodeInternal); err == nil {
				s.signalWrite()
			}
		}
		return
	}

	if rec.response == responseHeaderComplete {
		s.deliverTrailersLocked(rec, f)
		return
	}

	if size := headerBlockSize(f.Fields); size > s.cfg.MaxResponseHeaderBytes {
		s.onBadResponseHeaderLocked(rec, fmt.Errorf(
			"h2backend: response header block %d bytes exceeds MaxResponseHeaderBytes %d", size, s.cfg.MaxResponseHeaderBytes))
		return
	}

	status, fields, err := splitStatusAndFields(f.Fields)
	if err != nil {
		s.onBadResponseHeaderLocked(rec, err)
		return
	}

	if status >= 100 && status < 200 {
		s.deliverInformationalLocked(rec, status, fields)
		return
	}

	// Step 4: a response that expects a body but carries no
	// content-length either plans to close the upstream connection after
	// the body (pre-HTTP/1.1 requests can't rely on chunked framing) or
	// gets a synthetic transfer-encoding: chunked header, unless the
	// request was CONNECT (a tunnel has no framed body to begin with).
	if hasChunkedIndicator(fields) && responseExpectsBody(rec.request.Method, status) {
		switch {
		case rec.request.PreHTTP11:
			rec.planCloseUpstream = true
		case !rec.request.IsConnect:
			fields = append(fields, HeaderField{Name: "transfer-encoding", Value: "chunked"})
			rec.chunkedFraming = true
		}
	}

	rec.status = status
	rec.response = responseHeaderComplete
	rec.armIdleTimer(s.cfg.ReadTimeout)

	// Step 5: over HTTP/2 the only "upgrade" a backend response fulfills
	// is a successful CONNECT tunnel (RFC 7540 §8.3 forbids :status 101
	// on the wire). A fulfilled tunnel commits the upstream connection to
	// staying open past this response (plan to close it once the tunnel
	// itself ends), resumes the upstream's read side, and ends the
	// request's own upload stream — nothing will ever frame its body as
	// a separate DATA sequence once the tunnel is established.
	if rec.request.IsConnect && status >= 200 && status < 300 {
		rec.planCloseUpstream = true
		rec.dataProvider = nil
		if rec.owner != nil {
			owner := rec.owner
			s.mu.Unlock()
			owner.ResumeRead()
			s.mu.Lock()
		}
	}

	if rec.owner != nil {
		owner := rec.owner
		s.mu.Unlock()
		_ = owner.OnDownstreamHeaderComplete(status, fields, true)
		s.mu.Lock()
	}

	if f.StreamEnded() {
		s.finishStreamBodyLocked(rec)
	}
}

// responseExpectsBody reports whether a response to method is expected to
// carry a body at all (RFC 7230 §3.3.3): HEAD never does, and 204/304
// never do, regardless of what the response headers otherwise claim.
func responseExpectsBody(method string, status int) bool {
	if status == 204 || status == 304 {
		return false
	}
	return !strings.EqualFold(method, "HEAD")
}

// splitStatusAndFields validates the pseudo-header/regular-header
// ordering and pulls out :status (spec.md §4.5 header validation steps).
func splitStatusAndFields(raw []hpack.HeaderField) (int, []HeaderField, error) {
	status := -1
	fields := make([]HeaderField, 0, len(raw))
	seenRegular := false
	seenContentLength := false

	for _, hf := range raw {
		if strings.HasPrefix(hf.Name, ":") {
			if seenRegular {
				return 0, nil, fmt.Errorf("h2backend: pseudo-header %s after regular header", hf.Name)
			}
			if hf.Name != ":status" {
				return 0, nil, fmt.Errorf("h2backend: unexpected pseudo-header %s in response", hf.Name)
			}
			v, err := strconv.Atoi(hf.Value)
			if err != nil || v < 100 || v > 599 {
				return 0, nil, fmt.Errorf("h2backend: invalid :status value %q", hf.Value)
			}
			status = v
			continue
		}
		seenRegular = true
		name := strings.ToLower(hf.Name)
		if _, bad := hopByHopHeaders[name]; bad {
			return 0, nil, fmt.Errorf("h2backend: hop-by-hop header %q in response", hf.Name)
		}
		if name == "content-length" {
			if seenContentLength {
				return 0, nil, fmt.Errorf("h2backend: duplicate content-length header")
			}
			if _, err := strconv.ParseUint(hf.Value, 10, 64); err != nil {
				return 0, nil, fmt.Errorf("h2backend: non-numeric content-length %q", hf.Value)
			}
			seenContentLength = true
		}
		fields = append(fields, HeaderField{Name: hf.Name, Value: hf.Value})
	}
	if status < 0 {
		return 0, nil, fmt.Errorf("h2backend: response headers missing :status")
	}
	return status, fields, nil
}

// headerBlockSize sums field sizes the way HTTP/2 accounts them toward
// SETTINGS_MAX_HEADER_LIST_SIZE (RFC 7540 §6.5.2: name + value + 32 bytes
// of overhead per entry), grounding the Open Question decision to expose
// this limit as Config.MaxResponseHeaderBytes instead of hard-coding it.
func headerBlockSize(fields []hpack.HeaderField) uint32 {
	var total uint32
	for _, f := range fields {
		total += uint32(len(f.Name)) + uint32(len(f.Value)) + 32
	}
	return total
}

func hasChunkedIndicator(fields []HeaderField) bool {
	for _, f := range fields {
		if strings.EqualFold(f.Name, "content-length") {
			return false
		}
	}
	return true
}

// deliverInformationalLocked relays a 1xx batch (spec.md §3's
// "expect final response" flag). Must be called with s.mu held.
func (s *Session) deliverInformationalLocked(rec *StreamRecord, status int, fields []HeaderField) {
	if rec.owner == nil {
		return
	}
	owner := rec.owner
	s.mu.Unlock()
	_ = owner.OnDownstreamHeaderComplete(status, fields, false)
	s.mu.Lock()
}

// deliverTrailersLocked relays a post-body header batch as trailers. Must
// be called with s.mu held.
func (s *Session) deliverTrailersLocked(rec *StreamRecord, f *http2.MetaHeadersFrame) {
	fields := make([]HeaderField, 0, len(f.Fields))
	for _, hf := range f.Fields {
		if strings.HasPrefix(hf.Name, ":") {
			continue
		}
		fields = append(fields, HeaderField{Name: hf.Name, Value: hf.Value})
	}
	if rec.owner != nil {
		owner := rec.owner
		s.mu.Unlock()
		_ = owner.OnDownstreamHeaderComplete(rec.status, fields, true)
		s.mu.Lock()
	}
	if f.StreamEnded() {
		s.finishStreamBodyLocked(rec)
	}
}

// onBadResponseHeaderLocked answers an invalid header block the way
// spec.md §7 classifies it: a stream-scoped protocol error, RST_STREAM,
// and MSG_BAD_HEADER on the record.
func (s *Session) onBadResponseHeaderLocked(rec *StreamRecord, cause error) {
	s.logger.Warn("bad response headers", "streamID", rec.id, "error", cause)
	s.resetStreamLocked(rec, newStreamError(rec.id, http2.ErrCodeProtocol, true, cause), true)
}

// onDataFrameLocked delivers a DATA frame's payload and keeps both the
// stream- and connection-level flow-control windows replenished (spec.md
// §4.5 DATA handling). Must be called with s.mu held.
func (s *Session) onDataFrameLocked(f *http2.DataFrame) {
	rec, ok := s.streams.lookup(f.StreamID)
	if !ok {
		return
	}
	rec.armIdleTimer(s.cfg.ReadTimeout)

	data := f.Data()
	if len(data) > 0 && rec.owner != nil {
		owner := rec.owner
		s.mu.Unlock()
		_ = owner.OnDownstreamBody(data)
		s.mu.Lock()
	}

	consumed := f.Length // full frame payload including padding, per RFC 7540 §6.9.1
	if consumed > 0 && s.framer != nil {
		_ = s.framer.WriteWindowUpdate(f.StreamID, consumed)
		_ = s.framer.WriteWindowUpdate(0, consumed)
		s.signalWrite()
	}

	if f.StreamEnded() {
		s.finishStreamBodyLocked(rec)
	}
}

// finishStreamBodyLocked signals body completion and retires the stream
// record (spec.md §4.6, Invariant 1). It runs once END_STREAM has arrived,
// after which no further frames, trailers included, can follow.
func (s *Session) finishStreamBodyLocked(rec *StreamRecord) {
	rec.stopIdleTimer()
	rec.response = responseMsgComplete
	if rec.owner != nil {
		owner := rec.owner
		s.mu.Unlock()
		_ = owner.OnDownstreamBodyComplete()
		s.mu.Lock()
	}
	s.streams.delete(rec.id)
	s.metrics.streamsActive.Set(float64(s.streams.size()))
}

// onRSTStreamLocked answers a backend-initiated RST_STREAM (spec.md §4.5,
// §7). Must be called with s.mu held.
func (s *Session) onRSTStreamLocked(f *http2.RSTStreamFrame) {
	rec, ok := s.streams.lookup(f.StreamID)
	if !ok {
		return
	}
	rec.stopIdleTimer()
	rec.response = responseMsgReset
	rec.gotRST = true
	rec.rstErrorCode = f.ErrCode
	s.streams.delete(rec.id)
	s.metrics.streamsActive.Set(float64(s.streams.size()))
	s.metrics.streamsResetTotal.WithLabelValues(f.ErrCode.String()).Inc()

	if rec.owner == nil {
		return
	}
	owner := rec.owner
	hard := f.ErrCode != http2.ErrCodeNo && f.ErrCode != http2.ErrCodeCancel
	s.mu.Unlock()
	owner.OnDownstreamReset(hard)
	s.mu.Lock()
}
