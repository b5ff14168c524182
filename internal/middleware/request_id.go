package middleware

import (
	"net/http"

	"github.com/S1riyS/ext2-server/pkg/logging"
)

const RequestIDHeader = "X-Request-ID"

// RequestIDMiddleware tags the request context with an id taken from the
// X-Request-ID header or generated, and echoes it back to the client.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		requestID := logging.GetRequestIDFromCtx(ctx)
		if requestID == "" {
			requestID = r.Header.Get(RequestIDHeader)
		}

		if requestID == "" {
			ctx = logging.MakeContextWithNewRequestID(ctx)
			requestID = logging.GetRequestIDFromCtx(ctx)
		} else {
			ctx = logging.MakeContextWithRequestID(ctx, requestID)
		}

		w.Header().Set(RequestIDHeader, requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
