package handlers

import (
	"net/http"

	"github.com/pliu/adyx/internal/rooms"
)

type HealthHandler struct {
	Registry *rooms.Registry
}

func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"rooms":  h.Registry.Len(),
	})
}
