package httpx

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/shortontech/threatgate/internal/engine"
)

// hop-by-hop headers are connection scoped and never forwarded
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// ProxyHandler forwards guarded traffic to the protected application
type ProxyHandler struct {
	destination *url.URL
	client      *http.Client
	log         zerolog.Logger
}

// NewProxyHandler creates a new proxy handler for the given destination
func NewProxyHandler(destination *url.URL, log zerolog.Logger) *ProxyHandler {
	return &ProxyHandler{
		destination: destination,
		log:         log.With().Str("component", "proxy").Logger(),
		client: &http.Client{
			Timeout: 30 * time.Second,
			// redirects belong to the downstream client
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// ServeHTTP proxies requests to the destination server
func (p *ProxyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	target := *p.destination
	target.Path = singleJoiningSlash(p.destination.Path, r.URL.Path)
	target.RawQuery = r.URL.RawQuery

	ctx, cancel := context.WithTimeout(r.Context(), 25*time.Second)
	defer cancel()

	proxyReq, err := http.NewRequestWithContext(ctx, r.Method, target.String(), r.Body)
	if err != nil {
		p.log.Error().Err(err).Msg("failed to create upstream request")
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	proxyReq.ContentLength = r.ContentLength
	for key, values := range r.Header {
		for _, value := range values {
			proxyReq.Header.Add(key, value)
		}
	}
	for _, h := range hopHeaders {
		proxyReq.Header.Del(h)
	}
	if ip, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		if prior := proxyReq.Header.Get("X-Forwarded-For"); prior != "" {
			ip = prior + ", " + ip
		}
		proxyReq.Header.Set("X-Forwarded-For", ip)
	}
	proxyReq.Host = target.Host

	resp, err := p.client.Do(proxyReq)
	if err != nil {
		p.log.Error().Err(err).Str("target", target.String()).Msg("upstream request failed")
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	// the guard and edge directives already on w take precedence
	out := w.Header()
	for key, values := range resp.Header {
		if _, ours := out[key]; ours && key != "Vary" {
			continue
		}
		for _, value := range values {
			out.Add(key, value)
		}
	}
	for _, h := range hopHeaders {
		out.Del(h)
	}

	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		p.log.Warn().Err(err).Msg("failed to copy upstream response")
	}
}

func singleJoiningSlash(a, b string) string {
	aslash := strings.HasSuffix(a, "/")
	bslash := strings.HasPrefix(b, "/")
	switch {
	case aslash && bslash:
		return a + b[1:]
	case !aslash && !bslash:
		return a + "/" + b
	}
	return a + b
}

// MiddlewareRouter serves the local endpoints itself and sends everything
// else through the guarded handler
type MiddlewareRouter struct {
	controlMux *http.ServeMux
	guarded    http.Handler
}

func NewMiddlewareRouter(controlMux *http.ServeMux, guarded http.Handler) *MiddlewareRouter {
	return &MiddlewareRouter{controlMux: controlMux, guarded: guarded}
}

func (m *MiddlewareRouter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if isControlPath(r.URL.Path) {
		m.controlMux.ServeHTTP(w, r)
		return
	}
	m.guarded.ServeHTTP(w, r)
}

// isControlPath reports whether path is served by threatgate itself
func isControlPath(path string) bool {
	switch path {
	case "/healthz", "/readyz", "/v1/assess":
		return true
	}
	return false
}

func notFound(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
}

func NewMux(e Env) http.Handler {
	if e.Engine == nil {
		e.Engine = engine.New(engine.Options{Logger: e.Log, Metrics: e.Metrics})
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", e.Healthz)
	mux.HandleFunc("/readyz", e.Readyz)
	mux.HandleFunc("/v1/assess", e.Assess)

	var upstream http.Handler = http.HandlerFunc(notFound)
	if dest := e.Cfg.ForwardDestination; dest != "" {
		u, err := url.Parse(dest)
		if err != nil || u.Scheme == "" || u.Host == "" {
			e.Log.Warn().Str("destination", dest).Msg("invalid FORWARD_DESTINATION, proxy disabled")
		} else {
			e.Log.Info().Str("destination", u.String()).Msg("reverse proxy enabled")
			upstream = NewProxyHandler(u, e.Log)
		}
	}

	router := NewMiddlewareRouter(mux, e.Guard(upstream))
	return RequestLogger(e.Log)(MetricsMiddleware(e.Metrics)(e.Edge(router)))
}
