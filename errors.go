// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

package h2backend

import (
	"errors"
	"fmt"

	pkgerrors "github.com/pkg/errors"
	"golang.org/x/net/http2"
)

// Failure classes, per spec §7. Stream-local errors are carried as
// StreamError and resolved with RST_STREAM; session-fatal errors are
// carried as SessionFatalError and resolved with GOAWAY+disconnect;
// transport-fatal failures carry no payload beyond the hard/soft bit
// passed straight into disconnect.

// StreamError is a protocol violation scoped to one stream. The session
// answers it with RST_STREAM(Code) and marks the owning downstream
// MSG_RESET (or MSG_BAD_HEADER when the headers themselves were bad).
type StreamError struct {
	StreamID  uint32
	Code      http2.ErrCode
	BadHeader bool
	cause     error
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("stream %d: %s: %v", e.StreamID, e.Code, e.cause)
}

func (e *StreamError) Unwrap() error { return e.cause }

func newStreamError(streamID uint32, code http2.ErrCode, badHeader bool, cause error) *StreamError {
	return &StreamError{StreamID: streamID, Code: code, BadHeader: badHeader, cause: pkgerrors.WithStack(cause)}
}

// SessionFatalError terminates the whole session with a GOAWAY carrying
// Code, then a call to disconnect.
type SessionFatalError struct {
	Code  http2.ErrCode
	cause error
}

func (e *SessionFatalError) Error() string {
	return fmt.Sprintf("session fatal: %s: %v", e.Code, e.cause)
}

func (e *SessionFatalError) Unwrap() error { return e.cause }

func newSessionFatalError(code http2.ErrCode, cause error) *SessionFatalError {
	return &SessionFatalError{Code: code, cause: pkgerrors.WithStack(cause)}
}

// ErrSessionNotConnected is returned by SubmitRequest and friends when the
// session is not in CONNECTED state (invariant 2).
var ErrSessionNotConnected = errors.New("h2backend: session is not connected")

// ErrConnectionCheckRequired is returned by SubmitRequest when a liveness
// check is outstanding (invariant 4, testable property 6).
var ErrConnectionCheckRequired = errors.New("h2backend: connection check in progress")

// ErrSessionClosed is returned by public entry points once the session has
// torn down and will not reconnect on its own.
var ErrSessionClosed = errors.New("h2backend: session closed")
