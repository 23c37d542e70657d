// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 SQLWarden Contributors

package server

import (
	"net"
	"net/http"
	"strings"

	"github.com/sqlwarden/sqlwarden/internal/logging"
	wardenerr "github.com/sqlwarden/sqlwarden/pkg/errors"
)

// ParseTrustedProxies parses CIDR ranges or bare addresses into networks.
// Blank entries are skipped; an empty result trusts no proxy.
func ParseTrustedProxies(entries []string) ([]*net.IPNet, error) {
	nets := make([]*net.IPNet, 0, len(entries))
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if !strings.Contains(entry, "/") {
			ip := net.ParseIP(entry)
			if ip == nil {
				return nil, wardenerr.Errorf(wardenerr.CodeServerConfigInvalid,
					"invalid trusted proxy address %q", entry)
			}
			bits := 8 * net.IPv6len
			if ip4 := ip.To4(); ip4 != nil {
				ip, bits = ip4, 8*net.IPv4len
			}
			nets = append(nets, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
			continue
		}
		_, ipNet, err := net.ParseCIDR(entry)
		if err != nil {
			return nil, wardenerr.Errorf(wardenerr.CodeServerConfigInvalid,
				"invalid trusted proxy CIDR %q: %w", entry, err)
		}
		nets = append(nets, ipNet)
	}
	return nets, nil
}

func isTrustedProxy(ip net.IP, trusted []*net.IPNet) bool {
	for _, n := range trusted {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// clientIP strips the port from a RemoteAddr value.
func clientIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

// realIP rewrites r.RemoteAddr from X-Forwarded-For or X-Real-IP only when
// the connecting peer is a trusted proxy; headers from any other peer are
// ignored. X-Forwarded-For is walked right to left and the first address
// outside the trusted ranges is the client.
func realIP(trusted []*net.IPNet) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if len(trusted) == 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			peer := net.ParseIP(clientIP(r.RemoteAddr))
			if peer == nil {
				logging.Ctx(r.Context()).Warn().Str("remote_addr", r.RemoteAddr).
					Msg("could not parse connecting IP, ignoring proxy headers")
				next.ServeHTTP(w, r)
				return
			}
			if !isTrustedProxy(peer, trusted) {
				next.ServeHTTP(w, r)
				return
			}

			if ip := forwardedClient(r.Header, trusted); ip != nil {
				r.RemoteAddr = net.JoinHostPort(ip.String(), "0")
			}
			next.ServeHTTP(w, r)
		})
	}
}

func forwardedClient(h http.Header, trusted []*net.IPNet) net.IP {
	if xff := h.Values("X-Forwarded-For"); len(xff) > 0 {
		hops := strings.Split(strings.Join(xff, ","), ",")
		var last net.IP
		for i := len(hops) - 1; i >= 0; i-- {
			ip := net.ParseIP(strings.TrimSpace(hops[i]))
			if ip == nil {
				// An unparsable hop ends the trusted chain.
				return last
			}
			if !isTrustedProxy(ip, trusted) {
				return ip
			}
			last = ip
		}
		return last
	}
	if xri := strings.TrimSpace(h.Get("X-Real-IP")); xri != "" {
		return net.ParseIP(xri)
	}
	return nil
}
