package http

import (
	"net/http"
	"strconv"

	"github.com/viralforge/deferred-diffusion/internal/domain"
)

// downloadResult serves a finished task's result behind a signed link. The
// link token replaces API-key auth on this route.
func (h *Handler) downloadResult(w http.ResponseWriter, r *http.Request) {
	taskID, err := parseTaskID(r)
	if err != nil {
		writeValidationError(r.Context(), w, "download_result", err)
		return
	}
	token := r.URL.Query().Get("token")
	if token == "" {
		writeMappedError(r.Context(), w, "download_result", domain.ErrUnauthorized)
		return
	}
	data, err := h.service.ReadResult(r.Context(), taskID, token)
	if err != nil {
		writeMappedError(r.Context(), w, "download_result", err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("Content-Disposition", `attachment; filename="`+taskID.String()+`"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}
