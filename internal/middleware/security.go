// internal/middleware/security.go
//
// Response-header middleware for the diagnostics listener.
//
// Injects headers on every response:
//
//   - Cache-Control           : diagnostics are live state, never cache them
//   - X-Content-Type-Options  : MIME-sniffing defence
//   - X-Frame-Options         : nothing here belongs in a frame
//   - Referrer-Policy         : drops path and query from Referer
//
// Notes
// -----
//   - Headers are set before next.ServeHTTP, because anything added after
//     the first Write is silently dropped.  A handler may still override.
//   - Oxford commas, two spaces after periods.

package middleware

import "net/http"

// Security sets defensive headers for every response.
func Security(next http.Handler) http.Handler {
	const (
		noStore = "no-store"
		nosn    = "nosniff"
		xfo     = "DENY"
		refer   = "no-referrer"
	)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Cache-Control", noStore)
		h.Set("X-Content-Type-Options", nosn)
		h.Set("X-Frame-Options", xfo)
		h.Set("Referrer-Policy", refer)
		next.ServeHTTP(w, r)
	})
}
