package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/bemamusic/crm-engine/internal/pkg/httputil"
)

// ListReports returns the newest archived sync reports.
func (h *Handlers) ListReports(w http.ResponseWriter, r *http.Request) {
	infos, err := h.reports.ListReports(r.Context(), limitParam(r, 20))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.OK(w, map[string]interface{}{"reports": infos, "count": len(infos)})
}

// GetReport loads one archived report by its key. Keys contain slashes
// (reports/2025/06/01/<id>.json) so the route uses a wildcard.
func (h *Handlers) GetReport(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "*")
	if key == "" {
		httputil.BadRequest(w, "report key required")
		return
	}
	report, err := h.reports.GetReport(r.Context(), key)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.OK(w, report)
}
