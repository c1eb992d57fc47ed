package http

import (
	"context"
	"net/http"
	"time"
)

func (h *Handler) healthz(w http.ResponseWriter, _ *http.Request) {
	writeMessage(w, http.StatusOK, "ok")
}

func (h *Handler) readyz(w http.ResponseWriter, r *http.Request) {
	if h.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.ready(ctx); err != nil {
			logHTTPOperationError(r.Context(), "readyz", http.StatusServiceUnavailable, "NOT_READY", "dependencies unavailable", err)
			writeError(w, http.StatusServiceUnavailable, "NOT_READY", "dependencies unavailable")
			return
		}
	}
	writeMessage(w, http.StatusOK, "ready")
}
