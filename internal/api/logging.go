package api

import (
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
)

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// JSONLogger emits one structured line per request: request id, status,
// latency and the authenticated subject's role when present.
func JSONLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: 200}
		next.ServeHTTP(rec, r)

		role := ""
		if id, ok := identityFromContext(r.Context()); ok {
			role = string(id.Role)
		}
		log.Printf(`{"ts":"%s","request_id":"%s","method":"%s","path":"%s","status":%d,"latency_ms":%.3f,"role":"%s"}`,
			time.Now().UTC().Format(time.RFC3339Nano),
			middleware.GetReqID(r.Context()),
			r.Method,
			r.URL.Path,
			rec.status,
			float64(time.Since(start).Microseconds())/1000,
			role,
		)
	})
}
