// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

package h2backend

import (
	"crypto/tls"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResolveSNI(t *testing.T) {
	require.Equal(t, "backend.example", resolveSNI("", "backend.example"))
	require.Equal(t, "override.example", resolveSNI("override.example", "backend.example"))
	require.Equal(t, "", resolveSNI("", "203.0.113.5"))
	require.Equal(t, "", resolveSNI("203.0.113.5", "backend.example"))
	require.Equal(t, "", resolveSNI("", "::1"))
}

func TestMeetsHTTP2SecurityRequirement(t *testing.T) {
	require.True(t, meetsHTTP2SecurityRequirement(tls.ConnectionState{
		Version:     tls.VersionTLS12,
		CipherSuite: tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
	}))
	require.True(t, meetsHTTP2SecurityRequirement(tls.ConnectionState{
		Version:     tls.VersionTLS13,
		CipherSuite: tls.TLS_AES_128_GCM_SHA256,
	}))

	require.False(t, meetsHTTP2SecurityRequirement(tls.ConnectionState{
		Version:     tls.VersionTLS11,
		CipherSuite: tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
	}))
	require.False(t, meetsHTTP2SecurityRequirement(tls.ConnectionState{
		Version:     tls.VersionTLS12,
		CipherSuite: tls.TLS_RSA_WITH_AES_128_CBC_SHA,
	}))
	require.False(t, meetsHTTP2SecurityRequirement(tls.ConnectionState{
		Version:     tls.VersionTLS12,
		CipherSuite: tls.TLS_RSA_WITH_AES_128_GCM_SHA256,
	}))
}
