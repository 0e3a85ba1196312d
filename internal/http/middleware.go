package httpx

import (
	"bytes"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/shortontech/threatgate/internal/event/detection"
	"github.com/shortontech/threatgate/internal/metrics"
)

// responseWriter captures the status code written by the wrapped handler
type responseWriter struct {
	http.ResponseWriter
	statusCode  int
	wroteHeader bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.wroteHeader {
		rw.statusCode = code
		rw.wroteHeader = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.wroteHeader {
		rw.wroteHeader = true
	}
	return rw.ResponseWriter.Write(b)
}

func (rw *responseWriter) Unwrap() http.ResponseWriter { return rw.ResponseWriter }

func wrap(w http.ResponseWriter) *responseWriter {
	if rw, ok := w.(*responseWriter); ok {
		return rw
	}
	return &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
}

func RequestLogger(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := wrap(w)
			next.ServeHTTP(rw, r)
			log.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", rw.statusCode).
				Str("ua", r.UserAgent()).
				Dur("dur", time.Since(start)).
				Msg("request")
		})
	}
}

// endpointLabel keeps the metrics label set bounded: everything that is not
// a local endpoint is reported as guarded traffic
func endpointLabel(path string) string {
	if isControlPath(path) {
		return path
	}
	return "guarded"
}

func MetricsMiddleware(m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if m == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := wrap(w)
			next.ServeHTTP(rw, r)
			endpoint := endpointLabel(r.URL.Path)
			m.IncrementHTTPRequests(endpoint, r.Method, strconv.Itoa(rw.statusCode))
			m.ObserveHTTPDuration(endpoint, r.Method, time.Since(start))
		})
	}
}

// Edge applies the static security headers to every response and enforces
// the origin allow-list. Preflights from allowed origins end here with 204.
func (e Env) Edge(next http.Handler) http.Handler {
	if e.Policy == nil {
		return next
	}
	p := e.Policy
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p.Apply(w.Header())

		origin := r.Header.Get("Origin")
		if !p.AllowOrigin(origin) {
			e.Log.Warn().Str("origin", origin).Str("path", r.URL.Path).Msg("cross-origin request denied")
			writeJSON(w, http.StatusForbidden, map[string]string{"error": "origin not allowed"})
			return
		}

		preflight := r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != ""
		p.ApplyCORS(w.Header(), origin, preflight)
		if preflight {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Guard runs every request through the security engine before next sees
// it. The threat headers are set on all responses; blocked requests get
// 403 and throttled ones 429. The body is inspected up to MaxBodyBytes and
// forwarded untouched.
func (e Env) Guard(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req := detection.Request{
			Method:        r.Method,
			PathWithQuery: r.URL.RequestURI(),
			Headers:       r.Header,
			ClientID:      clientID(r, e.Cfg.TrustProxy),
		}
		if raw := e.peekBody(r); len(raw) > 0 {
			req.RawBody = raw
		}

		v := e.Engine.Evaluate(r.Context(), req)
		for k, vals := range v.Headers() {
			w.Header()[k] = vals
		}

		switch {
		case v.Assessment.Blocked:
			writeBlocked(w, v.Assessment.Level, e.now())
		case !v.RateLimit.Allowed:
			writeRateLimited(w, v.Assessment.Level, v.RateLimit.RetryAfterSeconds)
		default:
			next.ServeHTTP(w, r)
		}
	})
}

type bodyReader struct {
	io.Reader
	io.Closer
}

// peekBody reads up to MaxBodyBytes of the request body and puts them back
// in front of the unread remainder
func (e Env) peekBody(r *http.Request) []byte {
	if r.Body == nil || r.Body == http.NoBody || e.Cfg.MaxBodyBytes <= 0 {
		return nil
	}
	var buf bytes.Buffer
	_, err := io.Copy(&buf, io.LimitReader(r.Body, e.Cfg.MaxBodyBytes))
	head := buf.Bytes()
	r.Body = bodyReader{Reader: io.MultiReader(bytes.NewReader(head), r.Body), Closer: r.Body}
	if err != nil {
		e.Log.Debug().Err(err).Msg("request body read failed")
	}
	return head
}
