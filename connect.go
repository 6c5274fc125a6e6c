// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

package h2backend

import (
	"bufio"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"
)

// dialProxyAsync dials the forward proxy (spec.md §4.2). The dial itself
// must not block the caller of InitiateConnection, so it runs on its own
// goroutine; the result is delivered back through onProxyDialResult under
// the session lock. Must be called with s.mu held; it is released for the
// duration of the dial.
func (s *Session) dialProxyAsync() {
	addr := s.cfg.Proxy.Addr
	if addr == "" {
		addr = net.JoinHostPort(s.cfg.Proxy.Host, fmt.Sprintf("%d", s.cfg.Proxy.Port))
	}
	timeout := s.cfg.WriteTimeout
	go func() {
		conn, err := net.DialTimeout("tcp", addr, timeout)
		s.mu.Lock()
		defer s.mu.Unlock()
		s.onProxyDialResultLocked(conn, err)
	}()
}

func (s *Session) onProxyDialResultLocked(conn net.Conn, err error) {
	if s.closed {
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	if err != nil {
		s.logger.Error("proxy dial failed", "proxy", s.cfg.Proxy.Addr, "error", err)
		s.state = stateProxyFailed
		s.disconnectLocked(true)
		return
	}
	s.onRawConnectedLocked(conn)
}

// beginProxyTunnelLocked sends the CONNECT request and reads its response
// synchronously on a dedicated goroutine (spec.md §4.2), since http.ReadResponse
// blocks on I/O that must not run under s.mu. Must be called with s.mu held.
func (s *Session) beginProxyTunnelLocked() {
	conn := s.rawConn
	target := net.JoinHostPort(s.cfg.BackendHost, backendPort(s.cfg.BackendAddr))

	req := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Host: target},
		Host:   target,
		Header: make(http.Header),
	}
	if s.cfg.Proxy.Userinfo != "" {
		req.Header.Set("Proxy-Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(s.cfg.Proxy.Userinfo)))
	}

	deadline := s.clock.Now().Add(s.cfg.WriteTimeout)
	_ = conn.SetDeadline(deadline)

	go func() {
		raw := fmt.Sprintf("CONNECT %s HTTP/1.1\r\nHost: %s\r\n", target, target)
		for k, vs := range req.Header {
			for _, v := range vs {
				raw += fmt.Sprintf("%s: %s\r\n", k, v)
			}
		}
		raw += "\r\n"

		var tunnelErr error
		if _, err := conn.Write([]byte(raw)); err != nil {
			tunnelErr = err
		} else {
			resp, err := http.ReadResponse(bufio.NewReader(conn), req)
			if err != nil {
				tunnelErr = err
			} else {
				resp.Body.Close()
				if resp.StatusCode != http.StatusOK {
					tunnelErr = fmt.Errorf("h2backend: proxy CONNECT refused: %s", resp.Status)
				}
			}
		}
		_ = conn.SetDeadline(time.Time{})

		s.mu.Lock()
		defer s.mu.Unlock()
		s.onProxyTunnelResultLocked(tunnelErr)
	}()
}

func (s *Session) onProxyTunnelResultLocked(err error) {
	if s.closed {
		return
	}
	if err != nil {
		s.logger.Error("proxy CONNECT failed", "error", err)
		s.state = stateProxyFailed
		s.disconnectLocked(true)
		return
	}
	s.state = stateProxyConnected
	// Hand back to initiateConnectionLocked's second branch, which reuses
	// s.rawConn rather than dialing again.
	_ = s.initiateConnectionLocked()
}

// backendPort extracts the port component of a host:port dial address,
// defaulting to 443 as shrpx does for an unqualified backend address.
func backendPort(addr string) string {
	_, port, err := net.SplitHostPort(addr)
	if err != nil || port == "" {
		return "443"
	}
	return port
}
