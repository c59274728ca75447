// Copyright 2025 PhotoStream Authors
// SPDX-License-Identifier: Apache-2.0

package discovery

import (
	"net"
	"net/http"
	"strings"
)

// ClientIP extracts the caller's address. Proxies prepend to
// X-Forwarded-For, so the first entry is the original client;
// X-Real-IP is the single-proxy variant; RemoteAddr is the direct
// connection.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first := xff
		if i := strings.Index(xff, ","); i >= 0 {
			first = xff[:i]
		}
		return stripPort(strings.TrimSpace(first))
	}

	if rip := r.Header.Get("X-Real-IP"); rip != "" {
		return stripPort(strings.TrimSpace(rip))
	}

	return stripPort(r.RemoteAddr)
}

// stripPort removes a trailing :port from host:port and [v6]:port
// forms. Bare IPv6 addresses pass through untouched; SplitHostPort
// cannot misread them because their colons never parse as one port
// separator.
func stripPort(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}
