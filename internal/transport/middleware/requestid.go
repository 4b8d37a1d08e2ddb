package middleware

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/frahmantamala/fieldguard/pkg/logger"
)

const TraceIDHeader = "X-Trace-ID"

// RequestID attaches a trace id to the request logger and echoes it back.
// Inbound ids longer than 128 bytes are replaced.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID := r.Header.Get(TraceIDHeader)
		if traceID == "" || len(traceID) > 128 {
			traceID = uuid.NewString()
		}

		ctx := logger.With(r.Context(), "trace_id", traceID)
		w.Header().Set(TraceIDHeader, traceID)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
