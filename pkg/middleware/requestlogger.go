package middleware

import (
	"log/slog"
	"net/http"

	"github.com/utafrali/promotion-engine/pkg/logger"
)

// CustomerIDHeader is set by the gateway for requests made on behalf of a
// signed-in shopper.
const CustomerIDHeader = "X-Customer-ID"

// RequestLogger stores a logger enriched with correlation_id, customer_id,
// trace_id and span_id in the request context. Mount it after RequestLogging
// and Tracing.
func RequestLogger(base *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			if id := r.Header.Get(CustomerIDHeader); id != "" {
				ctx = logger.WithCustomerID(ctx, id)
			}

			ctx = logger.NewContext(ctx, logger.WithContext(ctx, base))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
