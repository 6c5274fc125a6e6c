// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

package h2backend

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"
)

func writeServerHeaders(t *testing.T, hs *backendHandshake, streamID uint32, endStream bool, fields []hpack.HeaderField) {
	t.Helper()
	var buf bytes.Buffer
	enc := hpack.NewEncoder(&buf)
	for _, f := range fields {
		require.NoError(t, enc.WriteField(f))
	}
	require.NoError(t, hs.framer.WriteHeaders(http2.HeadersFrameParam{
		StreamID:      streamID,
		BlockFragment: buf.Bytes(),
		EndStream:     endStream,
		EndHeaders:    true,
	}))
}

func basicRequest() RequestHeaders {
	return RequestHeaders{
		Headers: []HeaderField{
			{Name: ":method", Value: "GET"},
			{Name: ":scheme", Value: "http"},
			{Name: ":authority", Value: "backend.example"},
			{Name: ":path", Value: "/"},
		},
	}
}

// S5: a response with :status=200 and two content-length headers must be
// answered with RST_STREAM(PROTOCOL_ERROR) and the downstream marked
// bad-header.
func TestHeaders_S5_DuplicateContentLength(t *testing.T) {
	s, hs := connectedSession(t, Config{})

	dconn := &stubDownstream{}
	s.AttachDownstream(dconn)
	rec, err := s.SubmitRequest(dconn, basicRequest(), nil)
	require.NoError(t, err)
	require.Equal(t, uint32(1), rec.id)

	writeServerHeaders(t, hs, rec.id, false, []hpack.HeaderField{
		{Name: ":status", Value: "200"},
		{Name: "content-length", Value: "5"},
		{Name: "content-length", Value: "5"},
	})

	rstSeen := make(chan http2.ErrCode, 1)
	go func() {
		for {
			f, err := hs.framer.ReadFrame()
			if err != nil {
				return
			}
			if rf, ok := f.(*http2.RSTStreamFrame); ok {
				rstSeen <- rf.ErrCode
				return
			}
		}
	}()

	select {
	case code := <-rstSeen:
		require.Equal(t, http2.ErrCodeProtocol, code)
	case <-time.After(2 * time.Second):
		t.Fatal("no RST_STREAM observed for bad response headers")
	}

	s.mu.Lock()
	_, stillOpen := s.streams.lookup(rec.id)
	gotResponse := rec.response
	s.mu.Unlock()
	require.False(t, stillOpen)
	require.Equal(t, responseMsgBadHeader, gotResponse)
}

// A response HEADERS for a stream id with no matching record (already
// retired, or never submitted) is refused with RST_STREAM(INTERNAL_ERROR)
// rather than silently dropped (original_source on_begin_headers_callback).
func TestHeaders_UnmatchedStreamRefused(t *testing.T) {
	_, hs := connectedSession(t, Config{})

	writeServerHeaders(t, hs, 7, true, []hpack.HeaderField{
		{Name: ":status", Value: "200"},
	})

	rstSeen := make(chan http2.ErrCode, 1)
	go func() {
		for {
			f, err := hs.framer.ReadFrame()
			if err != nil {
				return
			}
			if rf, ok := f.(*http2.RSTStreamFrame); ok && rf.StreamID == 7 {
				rstSeen <- rf.ErrCode
				return
			}
		}
	}()

	select {
	case code := <-rstSeen:
		require.Equal(t, http2.ErrCodeInternal, code)
	case <-time.After(2 * time.Second):
		t.Fatal("no RST_STREAM(INTERNAL_ERROR) observed for unmatched-stream HEADERS")
	}
}

// A well-formed response is delivered to the downstream handler with the
// right status and is marked complete once END_STREAM arrives.
func TestHeaders_HappyPathDelivery(t *testing.T) {
	s, hs := connectedSession(t, Config{})

	dconn := &stubDownstream{}
	s.AttachDownstream(dconn)
	rec, err := s.SubmitRequest(dconn, basicRequest(), nil)
	require.NoError(t, err)

	writeServerHeaders(t, hs, rec.id, false, []hpack.HeaderField{
		{Name: ":status", Value: "200"},
		{Name: "content-length", Value: "2"},
	})
	require.NoError(t, hs.framer.WriteData(rec.id, true, []byte("hi")))

	require.Eventually(t, dconn.isBodyDone, 2*time.Second, 10*time.Millisecond)

	statuses, _, body := dconn.snapshot()
	require.Equal(t, []int{200}, statuses)
	require.Equal(t, [][]byte{[]byte("hi")}, body)
}

// spec.md §4.5 step 4: a response with no content-length that's expected
// to carry a body gets a synthetic transfer-encoding: chunked header.
func TestHeaders_SyntheticChunkedHeaderInjected(t *testing.T) {
	s, hs := connectedSession(t, Config{})

	dconn := &stubDownstream{}
	s.AttachDownstream(dconn)
	rec, err := s.SubmitRequest(dconn, basicRequest(), nil)
	require.NoError(t, err)

	writeServerHeaders(t, hs, rec.id, true, []hpack.HeaderField{
		{Name: ":status", Value: "200"},
	})

	require.Eventually(t, func() bool { return len(dconn.lastHeaderFields()) > 0 }, 2*time.Second, 10*time.Millisecond)

	var sawChunked bool
	for _, hf := range dconn.lastHeaderFields() {
		if hf.Name == "transfer-encoding" && hf.Value == "chunked" {
			sawChunked = true
		}
	}
	require.True(t, sawChunked)

	s.mu.Lock()
	chunked := rec.chunkedFraming
	s.mu.Unlock()
	require.True(t, chunked)
}

// A pre-HTTP/1.1 request can't be told about a chunked body; such a
// response instead plans to close the upstream connection afterward.
func TestHeaders_PreHTTP11NoContentLengthPlansClose(t *testing.T) {
	s, hs := connectedSession(t, Config{})

	dconn := &stubDownstream{}
	s.AttachDownstream(dconn)
	req := basicRequest()
	req.PreHTTP11 = true
	rec, err := s.SubmitRequest(dconn, req, nil)
	require.NoError(t, err)

	writeServerHeaders(t, hs, rec.id, true, []hpack.HeaderField{
		{Name: ":status", Value: "200"},
	})

	require.Eventually(t, dconn.isBodyDone, 2*time.Second, 10*time.Millisecond)

	for _, hf := range dconn.lastHeaderFields() {
		require.NotEqual(t, "transfer-encoding", hf.Name)
	}

	s.mu.Lock()
	planClose := rec.planCloseUpstream
	chunked := rec.chunkedFraming
	s.mu.Unlock()
	require.True(t, planClose)
	require.False(t, chunked)
}

// spec.md §4.5 step 5: a successful response to a CONNECT request
// establishes a tunnel — the upload stream ends immediately and the
// upstream's read side resumes.
func TestHeaders_ConnectTunnelEstablishedEndsUploadAndResumes(t *testing.T) {
	s, hs := connectedSession(t, Config{})

	dconn := &stubDownstream{}
	s.AttachDownstream(dconn)
	req := basicRequest()
	req.IsConnect = true
	req.HasBody = true
	rec, err := s.SubmitRequest(dconn, req, stallingDataProvider{})
	require.NoError(t, err)

	writeServerHeaders(t, hs, rec.id, false, []hpack.HeaderField{
		{Name: ":status", Value: "200"},
	})

	require.Eventually(t, func() bool { return dconn.resumeCount() > 0 }, 2*time.Second, 10*time.Millisecond)

	s.mu.Lock()
	planClose := rec.planCloseUpstream
	provider := rec.dataProvider
	s.mu.Unlock()
	require.True(t, planClose)
	require.Nil(t, provider)
}

// 1xx informational responses are relayed with final=false and do not
// retire the stream.
func TestHeaders_InformationalRelay(t *testing.T) {
	s, hs := connectedSession(t, Config{})

	dconn := &stubDownstream{}
	s.AttachDownstream(dconn)
	rec, err := s.SubmitRequest(dconn, basicRequest(), nil)
	require.NoError(t, err)

	writeServerHeaders(t, hs, rec.id, false, []hpack.HeaderField{
		{Name: ":status", Value: "100"},
	})
	writeServerHeaders(t, hs, rec.id, true, []hpack.HeaderField{
		{Name: ":status", Value: "200"},
		{Name: "content-length", Value: "0"},
	})

	require.Eventually(t, dconn.isBodyDone, 2*time.Second, 10*time.Millisecond)

	statuses, finals, _ := dconn.snapshot()
	require.Equal(t, []int{100, 200}, statuses)
	require.Equal(t, []bool{false, true}, finals)
}
