// Package edge holds the static cross-origin and security header policy
// applied to every response.
package edge

import (
	"net/http"
	"sort"
	"strings"
)

// DefaultSecurityHeaders are set on every response
var DefaultSecurityHeaders = map[string]string{
	"Content-Security-Policy":      "default-src 'self'; script-src 'self'; style-src 'self' 'unsafe-inline'; img-src 'self' data: https:; connect-src 'self'; frame-ancestors 'none'; base-uri 'self'; form-action 'self'",
	"Strict-Transport-Security":    "max-age=31536000; includeSubDomains; preload",
	"X-Frame-Options":              "DENY",
	"X-Content-Type-Options":       "nosniff",
	"Referrer-Policy":              "strict-origin-when-cross-origin",
	"Permissions-Policy":           "camera=(), microphone=(), geolocation=()",
	"Cross-Origin-Opener-Policy":   "same-origin",
	"Cross-Origin-Resource-Policy": "same-origin",
	"X-DNS-Prefetch-Control":       "off",
}

const (
	DefaultAllowMethods = "GET, POST, PUT, PATCH, DELETE, OPTIONS"
	DefaultAllowHeaders = "Content-Type, Authorization, X-Requested-With"
	DefaultMaxAge       = "600"
)

// Policy is immutable after construction and safe for concurrent use
type Policy struct {
	origins  map[string]struct{}
	allowAll bool
	headers  http.Header

	AllowMethods     string
	AllowHeaders     string
	MaxAge           string
	AllowCredentials bool
}

// NewPolicy builds a policy from an origin allow-list. The entry "*" allows
// every origin. Extra headers override the defaults; an empty value removes
// a default header.
func NewPolicy(origins []string, extra map[string]string) *Policy {
	p := &Policy{
		origins:          make(map[string]struct{}, len(origins)),
		headers:          make(http.Header, len(DefaultSecurityHeaders)),
		AllowMethods:     DefaultAllowMethods,
		AllowHeaders:     DefaultAllowHeaders,
		MaxAge:           DefaultMaxAge,
		AllowCredentials: true,
	}
	for _, o := range origins {
		o = normalizeOrigin(o)
		if o == "" {
			continue
		}
		if o == "*" {
			p.allowAll = true
			continue
		}
		p.origins[o] = struct{}{}
	}
	for k, v := range DefaultSecurityHeaders {
		p.headers.Set(k, v)
	}
	for k, v := range extra {
		if v == "" {
			p.headers.Del(k)
			continue
		}
		p.headers.Set(k, v)
	}
	return p
}

func normalizeOrigin(o string) string {
	return strings.TrimRight(strings.ToLower(strings.TrimSpace(o)), "/")
}

// AllowOrigin reports whether a cross-origin request from origin may
// proceed. Requests without an Origin header are not cross-origin.
func (p *Policy) AllowOrigin(origin string) bool {
	if origin == "" || p.allowAll {
		return true
	}
	_, ok := p.origins[normalizeOrigin(origin)]
	return ok
}

// Origins lists the configured allow-list in sorted order
func (p *Policy) Origins() []string {
	out := make([]string, 0, len(p.origins)+1)
	if p.allowAll {
		out = append(out, "*")
	}
	for o := range p.origins {
		out = append(out, o)
	}
	sort.Strings(out)
	return out
}

// SecurityHeaders returns a copy of the static header set
func (p *Policy) SecurityHeaders() http.Header {
	return p.headers.Clone()
}

// Apply writes the security headers into h
func (p *Policy) Apply(h http.Header) {
	for k, v := range p.headers {
		h[k] = append([]string(nil), v...)
	}
}

// ApplyCORS writes the cross-origin response headers for an allowed origin
func (p *Policy) ApplyCORS(h http.Header, origin string, preflight bool) {
	if origin == "" {
		return
	}
	if p.allowAll && !p.AllowCredentials {
		h.Set("Access-Control-Allow-Origin", "*")
	} else {
		h.Set("Access-Control-Allow-Origin", origin)
		h.Add("Vary", "Origin")
	}
	if p.AllowCredentials {
		h.Set("Access-Control-Allow-Credentials", "true")
	}
	h.Set("Access-Control-Expose-Headers", "X-Threat-Score, X-Threat-Level, X-Security-Engine, X-RateLimit-Limit, X-RateLimit-Remaining, X-RateLimit-Reset, Retry-After")
	if preflight {
		h.Set("Access-Control-Allow-Methods", p.AllowMethods)
		h.Set("Access-Control-Allow-Headers", p.AllowHeaders)
		h.Set("Access-Control-Max-Age", p.MaxAge)
	}
}
