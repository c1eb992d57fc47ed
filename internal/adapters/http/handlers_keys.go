package http

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/viralforge/deferred-diffusion/internal/application"
	"github.com/viralforge/deferred-diffusion/internal/domain"
)

type createKeyRequest struct {
	Name string `json:"name"`
}

// createKey accepts the name as ?name= or as a JSON body.
func (h *Handler) createKey(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	if name == "" && r.ContentLength != 0 {
		var req createKeyRequest
		if err := decodeBody(r, &req); err != nil && !errors.Is(err, io.EOF) {
			writeValidationError(r.Context(), w, "create_api_key", err)
			return
		}
		name = req.Name
	}
	resp, err := h.service.CreateKey(r.Context(), name)
	if err != nil {
		writeMappedError(r.Context(), w, "create_api_key", err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) listKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := h.service.ListKeys(r.Context())
	if err != nil {
		writeMappedError(r.Context(), w, "list_api_keys", err)
		return
	}
	if keys == nil {
		keys = []domain.KeyMetadata{}
	}
	writeJSON(w, http.StatusOK, keys)
}

// revokeKey takes ?token= (a full token) or ?key_id=.
func (h *Handler) revokeKey(w http.ResponseWriter, r *http.Request) {
	ref := strings.TrimSpace(r.URL.Query().Get("token"))
	if ref == "" {
		ref = strings.TrimSpace(r.URL.Query().Get("key_id"))
	}
	if ref == "" {
		writeValidationError(r.Context(), w, "revoke_api_key", errors.New("token or key_id is required"))
		return
	}
	revoked, err := h.service.RevokeKey(r.Context(), ref)
	if err != nil {
		writeMappedError(r.Context(), w, "revoke_api_key", err)
		return
	}
	if !revoked {
		writeMappedError(r.Context(), w, "revoke_api_key", domain.ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, application.RevokeKeyResponse{Revoked: true})
}

func (h *Handler) listSubmissions(w http.ResponseWriter, r *http.Request) {
	limit := parseIntDefault(r.URL.Query().Get("limit"), 50)
	items, err := h.service.ListSubmissions(r.Context(), r.URL.Query().Get("key_id"), limit)
	if err != nil {
		writeMappedError(r.Context(), w, "list_submissions", err)
		return
	}
	if items == nil {
		items = []application.SubmissionView{}
	}
	writeJSON(w, http.StatusOK, items)
}
