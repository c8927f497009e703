package api

import (
	"net/http"
)

// HandleHealth is the liveness probe. It reports the process as up with
// a short component summary; dependency failures surface through
// metrics and request errors rather than failing the probe.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	components := map[string]any{}
	if s.registry != nil {
		components["datasets"] = len(s.registry.List())
	}
	if s.exec != nil {
		components["sandbox_provider"] = s.exec.Name()
	}
	if s.capsules != nil {
		components["capsule_store"] = "ok"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"components": components,
	})
}
