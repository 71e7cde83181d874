package api

import (
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// clientIP returns the address a request is accounted to. X-Forwarded-For
// and X-Real-IP are honored only when the socket peer is a trusted proxy;
// the forwarded chain is walked right to left, skipping trusted hops.
func (r *Router) clientIP(req *http.Request) string {
	peer := remoteIP(req.RemoteAddr)
	if !r.trusted(peer) {
		return peer
	}

	if xff := req.Header.Values("X-Forwarded-For"); len(xff) > 0 {
		hops := strings.Split(strings.Join(xff, ","), ",")
		for i := len(hops) - 1; i >= 0; i-- {
			hop := strings.TrimSpace(hops[i])
			if hop == "" {
				continue
			}
			if !r.trusted(hop) {
				return hop
			}
		}
	}
	if xri := strings.TrimSpace(req.Header.Get("X-Real-IP")); xri != "" {
		return xri
	}
	return peer
}

func (r *Router) trusted(ip string) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range r.trustedProxies {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

func remoteIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
