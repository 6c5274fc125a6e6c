// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

package h2backend

// DownstreamConn is the per-request handler owned by the upstream side
// (spec.md §6 "Upstream collaborator"). The session holds a set of these
// but never owns their lifetime: they are attached by the embedding
// daemon when a request needs a backend stream, and detached either by
// the daemon or by the session's own teardown.
//
// Implementations must be safe to call back into Session methods (e.g.
// AttachDownstream) from within OnDownstreamReset, per spec.md §4.7's
// teardown re-entrancy requirement.
type DownstreamConn interface {
	// OnDownstreamHeaderComplete delivers one header batch: the initial
	// response headers, any 1xx informational batches before it, or
	// trailers after the body. final is false for 1xx batches.
	OnDownstreamHeaderComplete(status int, headers []HeaderField, final bool) error

	// OnDownstreamBody delivers one chunk of response body.
	OnDownstreamBody(data []byte) error

	// OnDownstreamBodyComplete is called once, when the response body (if
	// any) has been fully delivered.
	OnDownstreamBodyComplete() error

	// OnDownstreamAbortRequest aborts the request with a synthetic status.
	// The session calls it with 400 when PushRequestHeaders fails; teardown
	// does not call it (it uses OnDownstreamReset).
	OnDownstreamAbortRequest(status int)

	// ResumeRead is called after a connection-check liveness cycle clears,
	// to let an upstream handler that was paused waiting on backpressure
	// resume driving its own read side.
	ResumeRead()

	// OnDownstreamReset notifies the handler that its backend stream has
	// been reset (by RST_STREAM) or that the whole session is tearing
	// down. hard indicates the failure requires the handler to abort
	// rather than re-queue (spec.md §7, §4.7). The session ignores the
	// return value: teardown drops every attached DownstreamConn whatever
	// it returns, and after a stream reset the DownstreamConn stays
	// attached until RemoveDownstreamConnection or teardown.
	OnDownstreamReset(hard bool) bool

	// PushRequestHeaders gives a downstream that has already been passed
	// to AttachDownstream a chance to submit its pending request, once
	// the session may be able to accept it: right after the session
	// reaches CONNECTED (spec.md §4.5 step 8) and again whenever a
	// connection-check cycle clears (spec.md §4.4, "re-submits any
	// pending requests that are eligible"). A handler with nothing
	// pending returns nil. A non-nil error aborts the request with
	// status 400, mirroring original_source's
	// Http2Session::on_connect/::connection_alive "submit pending
	// request" loop (push_request_headers() != 0).
	PushRequestHeaders() error
}

// HeaderField is a single name/value pair crossing the session/upstream
// boundary. Pseudo-header names keep their leading colon.
type HeaderField struct {
	Name  string
	Value string
}

// RequestHeaders is what SubmitRequest hands to the codec: the request's
// header block plus whether a body follows. The body itself is passed to
// SubmitRequest separately, as a DataProvider.
type RequestHeaders struct {
	Headers     []HeaderField
	HasBody     bool
	Method      string // cached for proxySetMethodURI-equivalent bookkeeping
	IsConnect   bool
	PreHTTP11   bool // request arrived as HTTP/1.0 on the upstream side
}

// DataProvider streams request body bytes to the codec. Read marks the end
// of the body by returning endStream=true; the bytes returned by that same
// call are sent with END_STREAM set. Returning n=0 with endStream=false
// means no bytes are available yet. A non-nil error, io.EOF included,
// abandons the body: the session stops reading from the provider and
// returns the error, without sending END_STREAM.
type DataProvider interface {
	Read(p []byte) (n int, endStream bool, err error)
}
