package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

type contextKey string

const (
	requestIDKey contextKey = "request_id"
)

const maxRequestIDLen = 128

// requestIDHeaders are checked in order; billing processors send their
// delivery id as a correlation id.
var requestIDHeaders = []string{"X-Request-ID", "X-Correlation-ID"}

// RequestID propagates an inbound request or correlation id, or assigns a
// fresh one, and echoes it as X-Request-ID.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rid := inboundRequestID(r)
		if rid == "" {
			rid = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey, rid)
		w.Header().Set("X-Request-ID", rid)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func inboundRequestID(r *http.Request) string {
	for _, h := range requestIDHeaders {
		v := strings.TrimSpace(r.Header.Get(h))
		if v != "" && len(v) <= maxRequestIDLen {
			return v
		}
	}
	return ""
}

func RequestIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}
