package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/shortontech/threatgate/internal/edge"
	"github.com/shortontech/threatgate/internal/engine"
	"github.com/shortontech/threatgate/internal/event/detection"
	"github.com/shortontech/threatgate/internal/metrics"
	cfg "github.com/shortontech/threatgate/pkg/config"
)

// Pinger reports whether a backing store is reachable
type Pinger interface {
	Ping(ctx context.Context) error
	Name() string
}

type Env struct {
	Cfg     cfg.Config
	Engine  *engine.SecurityEngine
	Policy  *edge.Policy
	Metrics *metrics.Metrics
	Store   Pinger // checked by /readyz; defaults to the limiter's store
	Log     zerolog.Logger
	Now     func() time.Time
}

func (e Env) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Env) store() Pinger {
	if e.Store != nil {
		return e.Store
	}
	if e.Engine != nil {
		if s := e.Engine.Limiter().Store(); s != nil {
			return s
		}
	}
	return nil
}

func (e Env) Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (e Env) Readyz(w http.ResponseWriter, r *http.Request) {
	if s := e.store(); s != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.Ping(ctx); err != nil {
			e.Log.Warn().Err(err).Str("store", s.Name()).Msg("readiness check failed")
			http.Error(w, s.Name()+" unavailable", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

const defaultAssessBodyBytes = 1 << 20

// assessRequest is the normalized request descriptor accepted by /v1/assess
type assessRequest struct {
	Method           string            `json:"method"`
	PathWithQuery    string            `json:"path_with_query"`
	Headers          map[string]string `json:"headers"`
	ClientIdentifier string            `json:"client_identifier"`
	ParsedBody       json.RawMessage   `json:"parsed_body,omitempty"`
	RawBody          string            `json:"raw_body,omitempty"`
}

type rateLimitView struct {
	Allowed           bool `json:"allowed"`
	Capacity          int  `json:"capacity"`
	Remaining         int  `json:"remaining"`
	RetryAfterSeconds int  `json:"retry_after_seconds"`
	Degraded          bool `json:"degraded,omitempty"`
}

type assessResponse struct {
	Score     float64           `json:"score"`
	Labels    []string          `json:"labels"`
	Blocked   bool              `json:"blocked"`
	Level     detection.Level   `json:"level"`
	RateLimit rateLimitView     `json:"rate_limit"`
	Headers   map[string]string `json:"headers"`
}

func (a assessRequest) toDetection(fallbackClient string) (detection.Request, error) {
	req := detection.Request{
		Method:        strings.ToUpper(a.Method),
		PathWithQuery: a.PathWithQuery,
		Headers:       make(http.Header, len(a.Headers)),
		ClientID:      a.ClientIdentifier,
	}
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	if req.ClientID == "" {
		req.ClientID = fallbackClient
	}
	for k, v := range a.Headers {
		req.Headers.Set(k, v)
	}
	if len(a.ParsedBody) > 0 && string(a.ParsedBody) != "null" {
		var body any
		if err := json.Unmarshal(a.ParsedBody, &body); err != nil {
			return req, err
		}
		req.ParsedBody = body
	} else if a.RawBody != "" {
		req.RawBody = []byte(a.RawBody)
	}
	return req, nil
}

// POST /v1/assess scores a request descriptor and returns the verdict with
// the headers a proxy should apply. Nothing is enforced here.
func (e Env) Assess(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if ct := r.Header.Get("Content-Type"); ct != "" && !strings.Contains(ct, "application/json") {
		http.Error(w, "content-type must be application/json", http.StatusUnsupportedMediaType)
		return
	}
	defer r.Body.Close()

	limit := e.Cfg.MaxBodyBytes
	if limit <= 0 {
		limit = defaultAssessBodyBytes
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	var in assessRequest
	if err := json.Unmarshal(body, &in); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	req, err := in.toDetection(clientID(r, e.Cfg.TrustProxy))
	if err != nil {
		http.Error(w, "invalid parsed_body", http.StatusBadRequest)
		return
	}

	v := e.Engine.Evaluate(r.Context(), req)
	headers := v.Headers()
	out := assessResponse{
		Score:   v.Assessment.Score,
		Labels:  v.Assessment.Labels,
		Blocked: v.Assessment.Blocked,
		Level:   v.Assessment.Level,
		RateLimit: rateLimitView{
			Allowed:           v.RateLimit.Allowed,
			Capacity:          v.RateLimit.Capacity,
			Remaining:         v.RateLimit.Remaining,
			RetryAfterSeconds: v.RateLimit.RetryAfterSeconds,
			Degraded:          v.RateLimit.Degraded,
		},
		Headers: make(map[string]string, len(headers)),
	}
	if out.Labels == nil {
		out.Labels = []string{}
	}
	for k := range headers {
		out.Headers[k] = headers.Get(k)
	}
	writeJSON(w, http.StatusOK, out)
}

type blockedResponse struct {
	Error       string          `json:"error"`
	Reason      string          `json:"reason"`
	ThreatLevel detection.Level `json:"threatLevel"`
	Timestamp   string          `json:"timestamp"`
}

type rateLimitedResponse struct {
	Error       string          `json:"error"`
	ThreatLevel detection.Level `json:"threatLevel"`
	RetryAfter  int             `json:"retryAfter"`
}

func writeBlocked(w http.ResponseWriter, level detection.Level, now time.Time) {
	writeJSON(w, http.StatusForbidden, blockedResponse{
		Error:       "Forbidden",
		Reason:      "Security threat detected",
		ThreatLevel: level,
		Timestamp:   now.UTC().Format(time.RFC3339),
	})
}

func writeRateLimited(w http.ResponseWriter, level detection.Level, retryAfter int) {
	writeJSON(w, http.StatusTooManyRequests, rateLimitedResponse{
		Error:       "Too many requests",
		ThreatLevel: level,
		RetryAfter:  retryAfter,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
