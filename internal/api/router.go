package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

func NewRouter(h *Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(securityHeaders)
	r.Use(requestID)

	r.Get("/healthz", h.Health)

	r.Post("/v1/authorize", h.Authorize)
	r.Post("/v1/validate", h.Validate)
	r.Get("/v1/policies/{policy_id}/epochs/{epoch}", h.EpochStatus)
	r.Get("/v1/audit/{record_id}", h.AuditRecord)
	r.Get("/v1/verify/{record_id}", h.Verify)
	return r
}
