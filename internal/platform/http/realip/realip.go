// Package realip resolves the client address of a request behind trusted
// reverse proxies.
package realip

import (
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// TrustedProxies holds the prefixes whose forwarding headers are honored.
type TrustedProxies struct {
	prefixes []netip.Prefix
}

// NewTrustedProxies parses CIDRs and bare addresses. Entries that parse as
// neither are skipped; config validation rejects them earlier.
func NewTrustedProxies(entries []string) *TrustedProxies {
	tp := &TrustedProxies{}
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if p, err := netip.ParsePrefix(e); err == nil {
			tp.prefixes = append(tp.prefixes, p.Masked())
			continue
		}
		if a, err := netip.ParseAddr(e); err == nil {
			tp.prefixes = append(tp.prefixes, netip.PrefixFrom(a, a.BitLen()))
		}
	}
	return tp
}

// IsTrusted reports whether addr falls inside a trusted prefix.
func (tp *TrustedProxies) IsTrusted(addr netip.Addr) bool {
	addr = addr.Unmap()
	for _, p := range tp.prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// ClientAddr returns the client address. Forwarding headers are only read
// when the peer is trusted. X-Forwarded-For is walked right to left and the
// first untrusted hop wins; X-Real-IP is the fallback.
func (tp *TrustedProxies) ClientAddr(r *http.Request) (netip.Addr, bool) {
	peer, ok := remoteAddr(r.RemoteAddr)
	if !ok || !tp.IsTrusted(peer) {
		return peer, ok
	}

	if xff := r.Header.Values("X-Forwarded-For"); len(xff) > 0 {
		hops := strings.Split(strings.Join(xff, ","), ",")
		var last netip.Addr
		for i := len(hops) - 1; i >= 0; i-- {
			a, err := netip.ParseAddr(strings.TrimSpace(hops[i]))
			if err != nil {
				break
			}
			last = a.Unmap()
			if !tp.IsTrusted(last) {
				return last, true
			}
		}
		if last.IsValid() {
			return last, true
		}
	}

	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
		if a, err := netip.ParseAddr(xri); err == nil {
			return a.Unmap(), true
		}
	}
	return peer, true
}

// ClientIP is ClientAddr as a string, "unknown" when it cannot be parsed.
func (tp *TrustedProxies) ClientIP(r *http.Request) string {
	if tp == nil {
		if a, ok := remoteAddr(r.RemoteAddr); ok {
			return a.String()
		}
		return "unknown"
	}
	a, ok := tp.ClientAddr(r)
	if !ok {
		return "unknown"
	}
	return a.String()
}

func remoteAddr(s string) (netip.Addr, bool) {
	host, _, err := net.SplitHostPort(s)
	if err != nil {
		host = s
	}
	a, err := netip.ParseAddr(host)
	if err != nil {
		return netip.Addr{}, false
	}
	return a.Unmap(), true
}
