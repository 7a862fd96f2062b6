// internal/middleware/accesslog.go
//
// Structured access log for operator endpoints.
//
// Context
// -------
// Every diagnostics request is logged once, after the handler returns, with
// method, path, status, bytes, duration, and the caller's address.  Mutating
// calls (DELETE, POST) log at INFO so pool evictions triggered by an
// operator are visible at the default level; reads log at DEBUG, which keeps
// Prometheus scrapes out of the file.
//
// Notes
// -----
//   - The caller address is the left-most parseable X-Forwarded-For entry,
//     then X-Real-Ip, then RemoteAddr.
//   - Oxford commas, two spaces after periods.
package middleware

import (
	"net"
	"net/http"
	"strings"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// AccessLog returns middleware that logs each request to log.
func AccessLog(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			lvl := zapcore.DebugLevel
			if r.Method != http.MethodGet && r.Method != http.MethodHead {
				lvl = zapcore.InfoLevel
			}
			if ww.Status() >= http.StatusInternalServerError {
				lvl = zapcore.WarnLevel
			}
			if ce := log.Check(lvl, "http request"); ce != nil {
				ce.Write(
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Int("status", ww.Status()),
					zap.Int("bytes", ww.BytesWritten()),
					zap.Duration("duration", time.Since(start)),
					zap.String("remote", clientIP(r)),
					zap.String("request_id", chimw.GetReqID(r.Context())),
				)
			}
		})
	}
}

// clientIP extracts the left-most address from X-Forwarded-For or
// X-Real-Ip, falling back to r.RemoteAddr ("ip:port").
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		for _, part := range strings.Split(xff, ",") {
			if ip := net.ParseIP(strings.TrimSpace(part)); ip != nil {
				return ip.String()
			}
		}
	}
	if xrip := r.Header.Get("X-Real-Ip"); xrip != "" {
		if ip := net.ParseIP(strings.TrimSpace(xrip)); ip != nil {
			return ip.String()
		}
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
