package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestRequestIDPropagation(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		want    string
	}{
		{"request id", map[string]string{"X-Request-ID": "req-1"}, "req-1"},
		{"correlation id", map[string]string{"X-Correlation-ID": "evt-delivery-7"}, "evt-delivery-7"},
		{"request id wins", map[string]string{"X-Request-ID": "req-1", "X-Correlation-ID": "corr-1"}, "req-1"},
		{"oversized falls through", map[string]string{"X-Request-ID": strings.Repeat("x", 200), "X-Correlation-ID": "corr-1"}, "corr-1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var seen string
			h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				seen = RequestIDFromContext(r.Context())
			}))
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if seen != tt.want || rec.Header().Get("X-Request-ID") != tt.want {
				t.Fatalf("context=%q header=%q, want %q", seen, rec.Header().Get("X-Request-ID"), tt.want)
			}
		})
	}
}

func TestRequestIDGeneratedWhenMissing(t *testing.T) {
	var seen string
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if len(seen) != 36 || rec.Header().Get("X-Request-ID") != seen {
		t.Fatalf("generated id = %q header=%q", seen, rec.Header().Get("X-Request-ID"))
	}
}
