package httputil

import (
	"context"
	"net/http"
	"strings"

	"github.com/bissquit/incident-archive/internal/pkg/ctxlog"
)

// OperatorHeader names the user performing a request. Authentication happens
// upstream of this service, so the value is trusted as given.
const OperatorHeader = "X-Operator"

// AnonymousOperator is recorded when no operator header is sent.
const AnonymousOperator = "anonymous"

// CORSMiddleware creates CORS middleware that handles preflight requests
// and adds appropriate CORS headers to responses.
func CORSMiddleware(allowedOrigins []string) func(http.Handler) http.Handler {
	originsSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originsSet[o] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			if origin != "" && (originsSet[origin] || originsSet["*"]) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Add("Vary", "Origin")
			}

			if r.Method == http.MethodOptions {
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, "+OperatorHeader)
				w.Header().Set("Access-Control-Max-Age", "86400")
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

type operatorKey struct{}

// OperatorMiddleware stores the request operator in the context and adds it
// to the request logger.
func OperatorMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		op := strings.TrimSpace(r.Header.Get(OperatorHeader))
		if op == "" {
			op = AnonymousOperator
		}

		ctx := context.WithValue(r.Context(), operatorKey{}, op)
		ctx = ctxlog.WithLogger(ctx, ctxlog.FromContext(ctx).With("operator", op))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Operator returns the operator stored by OperatorMiddleware.
func Operator(ctx context.Context) string {
	if op, ok := ctx.Value(operatorKey{}).(string); ok {
		return op
	}
	return AnonymousOperator
}
