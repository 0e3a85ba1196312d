package httpx

import (
	"net"
	"net/http"
	"strings"
)

// clientID picks the identifier requests are tracked and limited by.
// Forwarding headers are only honored behind a trusted proxy, otherwise any
// client could rotate its identity per request. Of X-Forwarded-For only the
// rightmost hop is used: that is the one the trusted proxy appended, while
// everything left of it comes from the client.
func clientID(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if vals := r.Header.Values("X-Forwarded-For"); len(vals) > 0 {
			hops := strings.Split(vals[len(vals)-1], ",")
			if ip := strings.TrimSpace(hops[len(hops)-1]); ip != "" {
				return normalizeIP(ip)
			}
		}
		if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
			return normalizeIP(xri)
		}
	}
	return normalizeIP(r.RemoteAddr)
}

// normalizeIP strips the port: [::1]:8080 -> ::1, 192.0.2.1:80 -> 192.0.2.1
func normalizeIP(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return strings.TrimSuffix(strings.TrimPrefix(addr, "["), "]")
}
