// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

package h2backend

import (
	"crypto/tls"
	"fmt"
	"net"
)

// dialBackendAsync dials the backend directly (no forward proxy), per
// spec.md §4.1. Must be called with s.mu held; released for the dial.
func (s *Session) dialBackendAsync() {
	addr := s.cfg.BackendAddr
	timeout := s.cfg.WriteTimeout
	go func() {
		conn, err := net.DialTimeout("tcp", addr, timeout)
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.closed {
			if conn != nil {
				_ = conn.Close()
			}
			return
		}
		if err != nil {
			s.logger.Error("backend dial failed", "addr", addr, "error", err)
			s.state = stateConnectFailing
			s.disconnectLocked(true)
			return
		}
		s.onRawConnectedLocked(conn)
	}()
}

// beginTLSHandshakeLocked wraps the raw connection in TLS, negotiates ALPN
// h2, and validates the result (spec.md §4.3). The handshake itself runs on
// its own goroutine since tls.Conn.Handshake blocks on I/O; the session
// lock is released for its duration. Must be called with s.mu held.
func (s *Session) beginTLSHandshakeLocked() {
	sni := resolveSNI(s.cfg.SNIOverride, s.cfg.BackendHost)
	tlsConn := tls.Client(s.rawConn, &tls.Config{
		ServerName:         sni,
		InsecureSkipVerify: s.cfg.InsecureSkipVerify,
		NextProtos:         []string{"h2"},
	})

	go func() {
		err := tlsConn.Handshake()
		if err == nil {
			if tlsConn.ConnectionState().NegotiatedProtocol != "h2" {
				err = fmt.Errorf("h2backend: backend did not negotiate h2 via ALPN")
			}
		}

		s.mu.Lock()
		defer s.mu.Unlock()
		s.onTLSHandshakeResultLocked(tlsConn, err)
	}()
}

// resolveSNI picks the TLS SNI hostname: override if set, else the
// backend host, except a numeric address is never sent as SNI (RFC 6066
// §3 only defines SNI for hostnames), matching the original's
// `sni_name && !util::numeric_host(sni_name)` guard.
func resolveSNI(override, backendHost string) string {
	sni := override
	if sni == "" {
		sni = backendHost
	}
	if net.ParseIP(sni) != nil {
		return ""
	}
	return sni
}

// h2InsecureCipherSuites blacklists the cipher suites RFC 7540 §9.2.2
// forbids for HTTP/2 over TLS (no forward secrecy, or not an AEAD),
// mirroring the "check HTTP/2 requirement" gate named in spec.md §4.5
// step 6 (original_source's ssl::check_http2_requirement).
var h2InsecureCipherSuites = map[uint16]struct{}{
	tls.TLS_RSA_WITH_RC4_128_SHA:              {},
	tls.TLS_RSA_WITH_3DES_EDE_CBC_SHA:         {},
	tls.TLS_RSA_WITH_AES_128_CBC_SHA:          {},
	tls.TLS_RSA_WITH_AES_256_CBC_SHA:          {},
	tls.TLS_RSA_WITH_AES_128_GCM_SHA256:       {},
	tls.TLS_RSA_WITH_AES_256_GCM_SHA384:       {},
	tls.TLS_ECDHE_RSA_WITH_RC4_128_SHA:        {},
	tls.TLS_ECDHE_RSA_WITH_3DES_EDE_CBC_SHA:   {},
	tls.TLS_ECDHE_RSA_WITH_AES_128_CBC_SHA:    {},
	tls.TLS_ECDHE_RSA_WITH_AES_256_CBC_SHA:    {},
	tls.TLS_RSA_WITH_AES_128_CBC_SHA256:       {},
	tls.TLS_ECDHE_RSA_WITH_AES_128_CBC_SHA256: {},
	tls.TLS_ECDHE_ECDSA_WITH_RC4_128_SHA:      {},
	tls.TLS_ECDHE_ECDSA_WITH_AES_128_CBC_SHA:  {},
	tls.TLS_ECDHE_ECDSA_WITH_AES_256_CBC_SHA:  {},
	tls.TLS_ECDHE_ECDSA_WITH_AES_128_CBC_SHA256: {},
}

// meetsHTTP2SecurityRequirement reports whether a negotiated TLS session
// is strong enough to carry h2, per RFC 7540 §9.2: TLS 1.2 or later, and a
// cipher suite that provides forward secrecy and authenticated encryption.
func meetsHTTP2SecurityRequirement(state tls.ConnectionState) bool {
	if state.Version < tls.VersionTLS12 {
		return false
	}
	_, bad := h2InsecureCipherSuites[state.CipherSuite]
	return !bad
}

func (s *Session) onTLSHandshakeResultLocked(tlsConn *tls.Conn, err error) {
	if s.closed {
		_ = tlsConn.Close()
		return
	}
	if err != nil {
		s.logger.Error("TLS handshake failed", "error", err)
		s.state = stateConnectFailing
		s.disconnectLocked(true)
		return
	}
	s.connKind = connKindTLS
	s.tlsConn = tlsConn
	s.netConn = tlsConn
	s.finalizeConnectLocked()
}
