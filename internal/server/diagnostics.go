// internal/server/diagnostics.go
//
// Operator endpoints for a running tenant router.
//
// Routes
// ------
//
//	GET    /healthz                          200 once Initialize succeeded, else 503
//	GET    /metrics                          Prometheus exposition
//	GET    /debug/tenants                    cached pools, sorted by tenant id
//	GET    /debug/tenants/{id}               directory record (cache first)
//	DELETE /debug/tenants/{id}               CloseConn
//	POST   /debug/tenants/{id}/invalidate    InvalidateTenant
//
// Notes
// -----
//   - This listener is an operator surface.  Bind it to a private address;
//     it performs no authentication.
//   - Oxford commas, two spaces after periods.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/yanizio/tenantdb/internal/middleware"
	"github.com/yanizio/tenantdb/internal/tenant"
	"github.com/yanizio/tenantdb/internal/tenant/meta"
)

// Router is the slice of *tenant.Router the diagnostics handler drives.
type Router interface {
	Stats() tenant.Stats
	ActiveConns() []tenant.ConnInfo
	TenantInfo(ctx context.Context, tenantID string) (meta.Record, bool, error)
	CloseConn(tenantID string) error
	InvalidateTenant(tenantID string)
}

var _ Router = (*tenant.Router)(nil)

// Handler returns the diagnostics mux for rt.
func Handler(rt Router, log *zap.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(middleware.AccessLog(log))
	r.Use(middleware.Security)

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		st := rt.Stats()
		code := http.StatusOK
		if !st.Initialized {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, st)
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/debug/tenants", func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, req *http.Request) {
			conns := rt.ActiveConns()
			sort.Slice(conns, func(i, j int) bool { return conns[i].TenantID < conns[j].TenantID })
			writeJSON(w, http.StatusOK, map[string]any{"tenants": conns})
		})

		r.Get("/{id}", func(w http.ResponseWriter, req *http.Request) {
			id := chi.URLParam(req, "id")
			rec, found, err := rt.TenantInfo(req.Context(), id)
			switch {
			case err != nil:
				writeError(w, http.StatusBadGateway, err)
			case !found:
				writeError(w, http.StatusNotFound, tenant.ErrTenantNotFound)
			default:
				writeJSON(w, http.StatusOK, rec)
			}
		})

		r.Delete("/{id}", func(w http.ResponseWriter, req *http.Request) {
			if err := rt.CloseConn(chi.URLParam(req, "id")); err != nil {
				// The entry is gone either way; report the failed close.
				writeError(w, http.StatusInternalServerError, err)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		})

		r.Post("/{id}/invalidate", func(w http.ResponseWriter, req *http.Request) {
			rt.InvalidateTenant(chi.URLParam(req, "id"))
			w.WriteHeader(http.StatusNoContent)
		})
	})

	return r
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
