package api

import (
	"net/http"
)

// handleLiveQueries lists every live query of the manager.
func (h *handlers) handleLiveQueries(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.b.Manager().Snapshot())
}
