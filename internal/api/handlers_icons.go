package api

import (
	"net/http"

	"github.com/gorilla/mux"
)

// handleListIcons handles GET /api/v1/icons
func (s *Server) handleListIcons(w http.ResponseWriter, r *http.Request) {
	resolutions, err := s.resolutions.ListResolutions(r.Context())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"resolutions": resolutions,
		"count":       len(resolutions),
	})
}

// handleGetIcon handles GET /api/v1/icons/{name}. Only names the resolver
// has already matched are returned; nothing is resolved on demand.
func (s *Server) handleGetIcon(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	res, err := s.resolutions.GetResolution(r.Context(), name)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if res == nil {
		respondError(w, http.StatusNotFound, ErrCodeNotFound, "No icon resolved for this name", map[string]interface{}{
			"name": name,
		})
		return
	}
	respondJSON(w, http.StatusOK, res)
}
