// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

package h2backend

import (
	"time"

	"github.com/mitchellh/mapstructure"
)

// Defaults mirror the implementation defaults named in spec.md §4.4 and
// §6, and gaby-http2's ClientOpts.sanitize() defaulting pattern.
const (
	DefaultReadTimeout        = 30 * time.Second
	DefaultWriteTimeout       = 30 * time.Second
	DefaultSettingsAckTimeout = 10 * time.Second
	DefaultConnectionCheck    = 5 * time.Second
	DefaultMaxConcurrentStreams = 100
	DefaultWindowBits           = 16
	DefaultMaxResponseHeaderBytes = 64 * 1024
)

// ProxyConfig enables and shapes a forward-proxy CONNECT tunnel (spec.md
// §4.2, §6 downstream_http_proxy_*).
type ProxyConfig struct {
	Host      string
	Port      uint16
	Addr      string // resolved dial address; Host:Port if empty
	Userinfo  string // "user:pass", base64-encoded into Proxy-Authorization
}

// Enabled reports whether a forward proxy is configured at all.
func (p *ProxyConfig) Enabled() bool { return p != nil && p.Host != "" }

// Config configures one Session. Loading it from a file or flags is
// explicitly out of scope (spec.md §1); this struct is what an embedding
// daemon populates directly, optionally via DecodeConfig from a generic map.
type Config struct {
	// Backend endpoint & SNI source (downstream_addrs[0].{addr,host,hostport}).
	BackendAddr string // dial address, host:port
	BackendHost string // hostname used for SNI unless overridden

	// backend_tls_sni_name
	SNIOverride string

	// downstream_no_tls, insecure
	NoTLS            bool
	InsecureSkipVerify bool

	// downstream_http_proxy_*
	Proxy *ProxyConfig

	// downstream_{read,write}_timeout
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// http2_max_concurrent_streams
	MaxConcurrentStreams uint32

	// http2_downstream_window_bits
	WindowBits uint8

	// http2_downstream_connection_window_bits
	ConnectionWindowBits uint8

	// padding
	PaddingEnabled bool

	// SETTINGS-ACK and connection-check periods; implementation defaults
	// per spec.md §4.4, exposed for tests (virtual clock scenarios).
	SettingsAckTimeout time.Duration
	ConnectionCheck    time.Duration

	// HPACK "max header sum" limit (spec.md §9 Open Question): must be a
	// parameter, never hard-coded.
	MaxResponseHeaderBytes uint32
}

// sanitize fills zero fields with the implementation defaults named in
// spec.md, following gaby-http2's ClientOpts.sanitize() shape.
func (c *Config) sanitize() {
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = DefaultReadTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.SettingsAckTimeout <= 0 {
		c.SettingsAckTimeout = DefaultSettingsAckTimeout
	}
	if c.ConnectionCheck <= 0 {
		c.ConnectionCheck = DefaultConnectionCheck
	}
	if c.MaxConcurrentStreams == 0 {
		c.MaxConcurrentStreams = DefaultMaxConcurrentStreams
	}
	if c.WindowBits == 0 {
		c.WindowBits = DefaultWindowBits
	}
	if c.MaxResponseHeaderBytes == 0 {
		c.MaxResponseHeaderBytes = DefaultMaxResponseHeaderBytes
	}
}

// initialWindowSize computes INITIAL_WINDOW_SIZE = (1<<WindowBits)-1, the
// exact quantity submitted in the client SETTINGS frame (spec.md §4.5 step 3).
func (c *Config) initialWindowSize() uint32 {
	return uint32(1)<<c.WindowBits - 1
}

// connectionWindowDelta returns the WINDOW_UPDATE delta to submit at
// connect time when ConnectionWindowBits exceeds the protocol default of
// 16, or 0 if no adjustment is needed (spec.md §4.5 step 4).
func (c *Config) connectionWindowDelta() uint32 {
	const protocolDefaultWindow = 1<<16 - 1
	if c.ConnectionWindowBits <= 16 {
		return 0
	}
	target := uint32(1)<<c.ConnectionWindowBits - 1
	return target - protocolDefaultWindow
}

// DecodeConfig decodes a generic map (e.g. parsed from the embedding
// daemon's own config format) into a Config, applying defaults afterward.
func DecodeConfig(raw map[string]any) (*Config, error) {
	cfg := &Config{}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           cfg,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return nil, err
	}
	if err := dec.Decode(raw); err != nil {
		return nil, err
	}
	cfg.sanitize()
	return cfg, nil
}
