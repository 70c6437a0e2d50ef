package billing

import (
	"github.com/go-chi/chi/v5"
)

// MountRoutes attaches the engine endpoints under the billing prefix.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/recurring/run", h.RunScheduled)
	r.Post("/recurring/{id}/generate", h.GenerateManual)
	r.Get("/recurring/projection", h.Projection)
}
