package handler

import (
	"net/http"
)

// StatusHandler reports how the running process is configured.
type StatusHandler struct {
	Mode        string
	Marketplace string
	Catalog     string
}

// NewStatusHandler creates a StatusHandler.
func NewStatusHandler(mode, marketplace, catalog string) *StatusHandler {
	return &StatusHandler{Mode: mode, Marketplace: marketplace, Catalog: catalog}
}

// GetStatus responds with the run mode and the configured collaborators.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"mode":        h.Mode,
		"marketplace": h.Marketplace,
		"catalog":     h.Catalog,
	})
}
