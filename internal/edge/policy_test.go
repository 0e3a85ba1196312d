package edge

import (
	"net/http"
	"reflect"
	"testing"
)

func TestAllowOrigin(t *testing.T) {
	p := NewPolicy([]string{"http://localhost:3000", " https://App.Example/ ", ""}, nil)

	tests := []struct {
		origin string
		want   bool
	}{
		{"", true},
		{"http://localhost:3000", true},
		{"https://app.example", true},
		{"HTTPS://APP.EXAMPLE", true},
		{"https://evil.example", false},
		{"http://localhost:3001", false},
		{"null", false},
	}
	for _, tt := range tests {
		t.Run(tt.origin, func(t *testing.T) {
			if got := p.AllowOrigin(tt.origin); got != tt.want {
				t.Errorf("AllowOrigin(%q) = %v, want %v", tt.origin, got, tt.want)
			}
		})
	}

	if got := p.Origins(); !reflect.DeepEqual(got, []string{"http://localhost:3000", "https://app.example"}) {
		t.Errorf("Origins() = %v", got)
	}
}

func TestAllowOrigin_Wildcard(t *testing.T) {
	p := NewPolicy([]string{"*"}, nil)
	if !p.AllowOrigin("https://evil.example") {
		t.Error("wildcard policy should allow any origin")
	}
}

func TestSecurityHeaders(t *testing.T) {
	p := NewPolicy(nil, map[string]string{
		"X-Frame-Options":         "",
		"Content-Security-Policy": "default-src 'none'",
	})
	h := http.Header{}
	p.Apply(h)

	if h.Get("X-Frame-Options") != "" {
		t.Error("empty override should remove the header")
	}
	if h.Get("Content-Security-Policy") != "default-src 'none'" {
		t.Errorf("CSP = %q", h.Get("Content-Security-Policy"))
	}
	if h.Get("X-Content-Type-Options") != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q", h.Get("X-Content-Type-Options"))
	}
	if h.Get("Strict-Transport-Security") == "" {
		t.Error("HSTS should be set")
	}

	copied := p.SecurityHeaders()
	copied.Set("X-Content-Type-Options", "changed")
	if p.SecurityHeaders().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("SecurityHeaders should return a copy")
	}
}

func TestApplyCORS(t *testing.T) {
	p := NewPolicy([]string{"http://localhost:3000"}, nil)

	t.Run("simple request", func(t *testing.T) {
		h := http.Header{}
		p.ApplyCORS(h, "http://localhost:3000", false)
		if h.Get("Access-Control-Allow-Origin") != "http://localhost:3000" {
			t.Errorf("Allow-Origin = %q", h.Get("Access-Control-Allow-Origin"))
		}
		if h.Get("Vary") != "Origin" || h.Get("Access-Control-Allow-Credentials") != "true" {
			t.Errorf("headers = %v", h)
		}
		if h.Get("Access-Control-Allow-Methods") != "" {
			t.Error("methods only belong on preflight responses")
		}
	})

	t.Run("preflight", func(t *testing.T) {
		h := http.Header{}
		p.ApplyCORS(h, "http://localhost:3000", true)
		if h.Get("Access-Control-Allow-Methods") != DefaultAllowMethods {
			t.Errorf("Allow-Methods = %q", h.Get("Access-Control-Allow-Methods"))
		}
		if h.Get("Access-Control-Max-Age") != DefaultMaxAge {
			t.Errorf("Max-Age = %q", h.Get("Access-Control-Max-Age"))
		}
	})

	t.Run("no origin", func(t *testing.T) {
		h := http.Header{}
		p.ApplyCORS(h, "", true)
		if len(h) != 0 {
			t.Errorf("expected no headers, got %v", h)
		}
	})

	t.Run("wildcard without credentials", func(t *testing.T) {
		w := NewPolicy([]string{"*"}, nil)
		w.AllowCredentials = false
		h := http.Header{}
		w.ApplyCORS(h, "https://any.example", false)
		if h.Get("Access-Control-Allow-Origin") != "*" {
			t.Errorf("Allow-Origin = %q, want *", h.Get("Access-Control-Allow-Origin"))
		}
	})
}
