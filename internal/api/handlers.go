package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/davidahmann/sponsorgate/internal/audit"
	"github.com/davidahmann/sponsorgate/internal/auth"
	"github.com/davidahmann/sponsorgate/internal/risk"
	"github.com/davidahmann/sponsorgate/internal/validator"
)

const maxBodyBytes = 1 << 20

type Handler struct {
	Auth    auth.Authenticator
	Gateway *Gateway
}

func (h *Handler) Authorize(w http.ResponseWriter, r *http.Request) {
	if !h.ensureAuth(w, r) {
		return
	}
	if h.Gateway == nil {
		writeJSON(w, http.StatusNotImplemented, map[string]string{"error": "authorize service not configured"})
		return
	}

	var req AuthorizeRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}

	resp, err := h.Gateway.Authorize.Authorize(req)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, resp)
	case errors.Is(err, risk.ErrInvalidInput):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error(), "class": string(validator.ClassFixRequest)})
	case errors.Is(err, ErrUnknownPolicy):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
}

func (h *Handler) Validate(w http.ResponseWriter, r *http.Request) {
	if !h.ensureAuth(w, r) {
		return
	}
	if h.Gateway == nil {
		writeJSON(w, http.StatusNotImplemented, map[string]string{"error": "validate service not configured"})
		return
	}

	var req ValidateRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}

	resp, err := h.Gateway.Validate.Validate(req)
	if rej, ok := validator.AsRejection(err); ok {
		writeJSON(w, rejectionStatus(rej), resp)
		return
	}
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, resp)
	case errors.Is(err, risk.ErrInvalidInput):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error(), "class": string(validator.ClassFixRequest)})
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
}

func (h *Handler) EpochStatus(w http.ResponseWriter, r *http.Request) {
	if !h.ensureAuth(w, r) {
		return
	}
	if h.Gateway == nil {
		writeJSON(w, http.StatusNotImplemented, map[string]string{"error": "ledger not configured"})
		return
	}

	epoch, err := strconv.ParseUint(chi.URLParam(r, "epoch"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid epoch"})
		return
	}
	status, err := h.Gateway.EpochStatus(chi.URLParam(r, "policy_id"), epoch)
	if errors.Is(err, ErrUnknownPolicy) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (h *Handler) AuditRecord(w http.ResponseWriter, r *http.Request) {
	if !h.ensureAuth(w, r) {
		return
	}
	if h.Gateway == nil {
		writeJSON(w, http.StatusNotImplemented, map[string]string{"error": "audit not configured"})
		return
	}

	recordID := chi.URLParam(r, "record_id")
	rec, ok, err := h.Gateway.Authorize.GetAuditRecord(recordID)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "audit record not found"})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	if r.URL.Query().Get("format") == "yaml" {
		out, err := audit.MarshalYAML(rec)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		w.Header().Set("Content-Type", "application/yaml")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(out)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *Handler) Verify(w http.ResponseWriter, r *http.Request) {
	if !h.ensureAuth(w, r) {
		return
	}
	if h.Gateway == nil {
		writeJSON(w, http.StatusNotImplemented, map[string]string{"error": "verify not implemented"})
		return
	}

	recordID := chi.URLParam(r, "record_id")
	found, err := h.Gateway.Authorize.VerifyAuditRecord(recordID)
	if !found {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "audit record not found"})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{
			"record_id": recordID,
			"valid":     false,
			"error":     err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"record_id": recordID,
		"valid":     true,
	})
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "sponsorgate"})
}

func (h *Handler) ensureAuth(w http.ResponseWriter, r *http.Request) bool {
	if h.Auth == nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": auth.ErrInvalidToken.Error()})
		return false
	}
	if _, err := h.Auth.Authenticate(r); err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": err.Error()})
		return false
	}
	return true
}

// rejectionStatus maps a rejection class to an HTTP status. A cap breach is
// a conflict with current ledger state.
func rejectionStatus(rej *validator.Rejection) int {
	if rej.Reason == validator.ReasonCapExceeded {
		return http.StatusConflict
	}
	switch rej.Class() {
	case validator.ClassFixRequest:
		return http.StatusBadRequest
	default:
		return http.StatusForbidden
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(payload)
}
