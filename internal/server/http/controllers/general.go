package controllers

import (
	"net/http"

	"github.com/rzbill/flobuf/internal/runtime"
)

// GeneralController serves health and registry statistics.
type GeneralController struct {
	rt *runtime.Runtime
}

// NewGeneralController creates a new general controller.
func NewGeneralController(rt *runtime.Runtime) *GeneralController {
	return &GeneralController{rt: rt}
}

// RegisterRoutes registers general routes with the given mux.
func (c *GeneralController) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/v1/healthz", c.handleHealth)
	mux.HandleFunc("/v1/stats", c.handleStats)
}

// handleHealth returns 200 with {"status": "ok"} if healthy, 503 otherwise.
func (c *GeneralController) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := c.rt.CheckHealth(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "not_serving")
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

// handleStats returns every publisher buffer and subscriber group. An
// identity query parameter narrows the publishers to one.
func (c *GeneralController) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	st := c.rt.Stats()
	if id := r.URL.Query().Get("identity"); id != "" {
		kept := st.Publishers[:0]
		for _, p := range st.Publishers {
			if p.Identity == id {
				kept = append(kept, p)
			}
		}
		st.Publishers = kept
	}
	writeJSON(w, st)
}
