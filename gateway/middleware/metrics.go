package middleware

import (
	"net/http"
	"strconv"
	"time"

	"beetroot/observability"
)

// Metrics records one observation per request on the gateway collectors.
func Metrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)
		observability.Gateway().Observe(r.Method, strconv.Itoa(recorder.status), time.Since(start).Seconds())
	})
}
