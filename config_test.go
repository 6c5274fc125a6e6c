// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

package h2backend

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestConfig_SanitizeDefaults(t *testing.T) {
	var c Config
	c.sanitize()

	require.Equal(t, DefaultReadTimeout, c.ReadTimeout)
	require.Equal(t, DefaultWriteTimeout, c.WriteTimeout)
	require.Equal(t, DefaultSettingsAckTimeout, c.SettingsAckTimeout)
	require.Equal(t, DefaultConnectionCheck, c.ConnectionCheck)
	require.Equal(t, uint32(DefaultMaxConcurrentStreams), c.MaxConcurrentStreams)
	require.Equal(t, uint8(DefaultWindowBits), c.WindowBits)
	require.Equal(t, uint32(DefaultMaxResponseHeaderBytes), c.MaxResponseHeaderBytes)
}

func TestConfig_SanitizePreservesExplicitValues(t *testing.T) {
	c := Config{
		ReadTimeout:          time.Minute,
		MaxConcurrentStreams: 10,
	}
	c.sanitize()

	require.Equal(t, time.Minute, c.ReadTimeout)
	require.Equal(t, uint32(10), c.MaxConcurrentStreams)
	require.Equal(t, DefaultWriteTimeout, c.WriteTimeout)
}

func TestConfig_InitialWindowSize(t *testing.T) {
	c := Config{WindowBits: 16}
	require.Equal(t, uint32(65535), c.initialWindowSize())

	c = Config{WindowBits: 20}
	require.Equal(t, uint32(1<<20-1), c.initialWindowSize())
}

func TestConfig_ConnectionWindowDelta(t *testing.T) {
	c := Config{ConnectionWindowBits: 16}
	require.Equal(t, uint32(0), c.connectionWindowDelta())

	c = Config{ConnectionWindowBits: 0}
	require.Equal(t, uint32(0), c.connectionWindowDelta())

	c = Config{ConnectionWindowBits: 20}
	require.Equal(t, uint32(1<<20-1-(1<<16-1)), c.connectionWindowDelta())
}

func TestDecodeConfig(t *testing.T) {
	raw := map[string]any{
		"BackendAddr":          "backend.example:8443",
		"BackendHost":          "backend.example",
		"NoTLS":                false,
		"MaxConcurrentStreams": "50",
		"WindowBits":           "18",
	}
	cfg, err := DecodeConfig(raw)
	require.NoError(t, err)
	require.Equal(t, "backend.example:8443", cfg.BackendAddr)
	require.Equal(t, uint32(50), cfg.MaxConcurrentStreams)
	require.Equal(t, uint8(18), cfg.WindowBits)
	require.Equal(t, DefaultReadTimeout, cfg.ReadTimeout)
}

func TestDecodeConfig_RejectsUnknownShape(t *testing.T) {
	_, err := DecodeConfig(map[string]any{"Proxy": "not-a-struct"})
	require.Error(t, err)
}
