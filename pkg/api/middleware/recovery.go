package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/clawback/clawback/pkg/api/response"
	"github.com/clawback/clawback/pkg/logger"
)

// Recovery returns a middleware that recovers from panics.
func Recovery(log logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					// Log the panic with stack trace
					stack := debug.Stack()
					log.Error("Panic recovered",
						"error", err,
						"path", r.URL.Path,
						"method", r.Method,
						"request_id", GetRequestID(r.Context()),
						"stack", string(stack),
					)

					// RequestID middleware runs first, so the context
					// carries the ID even when the client sent none
					requestID := GetRequestID(r.Context())
					if requestID == "" {
						requestID = "unknown"
					}

					// Return 500 error
					response.Error(w,
						http.StatusInternalServerError,
						response.ErrCodeInternalServer,
						fmt.Sprintf("Internal server error: %v", err),
						requestID,
					)
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}
