package httpapi

import (
	"log/slog"
	"net/http"
	"time"
)

// loggedWriter captures the status code a handler wrote so the request log
// line can carry it.
type loggedWriter struct {
	http.ResponseWriter
	status int
}

func (lw *loggedWriter) WriteHeader(code int) {
	lw.status = code
	lw.ResponseWriter.WriteHeader(code)
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		lw := &loggedWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(lw, r)

		slog.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", lw.status,
			"remote", r.RemoteAddr,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}
