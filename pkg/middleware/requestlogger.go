package middleware

import (
	"log/slog"
	"net/http"

	"github.com/megashop/citysearch/pkg/logger"
)

// UserHeader carries the end user authenticated by the upstream gateway.
const UserHeader = "X-User-ID"

// RequestLogger records the forwarded end user in the context and stores a
// request-scoped logger for downstream handlers (see logger.FromContext).
// Mount it after RequestLogging and Tracing so the correlation ID and span
// are already present.
func RequestLogger(base *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			if userID := r.Header.Get(UserHeader); userID != "" {
				ctx = logger.WithUserID(ctx, userID)
			}
			ctx = logger.NewContext(ctx, logger.WithContext(ctx, base))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
