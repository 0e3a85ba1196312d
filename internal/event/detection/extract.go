package detection

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
)

// Request is the normalized request descriptor handed over by the HTTP layer
type Request struct {
	Method        string
	PathWithQuery string
	Headers       http.Header
	ClientID      string
	// ParsedBody takes precedence over RawBody when both are set
	ParsedBody any
	RawBody    []byte
}

// UserAgent returns the user-agent header, empty if absent
func (r Request) UserAgent() string {
	if r.Headers == nil {
		return ""
	}
	return r.Headers.Get("User-Agent")
}

// ExtractSurfaces derives the three match surfaces from a request. It never
// fails: anything that cannot be decoded or serialized yields the raw text
// or an empty surface.
func ExtractSurfaces(r Request) Surfaces {
	return Surfaces{
		PathAndQuery:   decodeURL(r.PathWithQuery),
		UserAgent:      r.UserAgent(),
		SerializedBody: serializeBody(r),
	}
}

func decodeURL(raw string) string {
	if raw == "" {
		return ""
	}
	decoded := raw
	if p, err := url.PathUnescape(decoded); err == nil {
		decoded = p
	}
	if q, err := url.QueryUnescape(decoded); err == nil {
		decoded = q
	}
	return decoded
}

func serializeBody(r Request) string {
	if r.ParsedBody != nil {
		return marshalSurface(r.ParsedBody)
	}
	if len(r.RawBody) == 0 {
		return ""
	}

	contentType := ""
	if r.Headers != nil {
		contentType = strings.ToLower(r.Headers.Get("Content-Type"))
	}

	if strings.Contains(contentType, "application/x-www-form-urlencoded") {
		values, err := url.ParseQuery(string(r.RawBody))
		if err != nil {
			return ""
		}
		return marshalSurface(values)
	}

	// JSON is assumed for everything else; non-JSON payloads are not parsed
	var parsed any
	if err := json.Unmarshal(r.RawBody, &parsed); err != nil {
		return ""
	}
	return marshalSurface(parsed)
}

// marshalSurface serializes without HTML escaping so markup stays matchable
func marshalSurface(v any) string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return ""
	}
	return strings.TrimRight(buf.String(), "\n")
}
