package http

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/viralforge/deferred-diffusion/internal/application"
	"github.com/viralforge/deferred-diffusion/internal/domain"
)

func (h *Handler) createTask(w http.ResponseWriter, r *http.Request) {
	identity, ok := identityFromContext(r.Context())
	if !ok {
		writeMappedError(r.Context(), w, "create_task", domain.ErrUnauthorized)
		return
	}
	var payload map[string]any
	if err := decodeBody(r, &payload); err != nil {
		writeValidationError(r.Context(), w, "create_task", fmt.Errorf("invalid request body: %w", err))
		return
	}
	handle, err := h.service.Submit(r.Context(), application.SubmitRequest{
		Resource: chi.URLParam(r, "resource"),
		Model:    r.URL.Query().Get("model"),
		Payload:  payload,
		Identity: identity,
	})
	if err != nil {
		writeMappedError(r.Context(), w, "create_task", err)
		return
	}
	writeJSON(w, http.StatusOK, handle)
}

func (h *Handler) getTask(w http.ResponseWriter, r *http.Request) {
	taskID, err := parseTaskID(r)
	if err != nil {
		writeValidationError(r.Context(), w, "get_task", err)
		return
	}
	record, err := h.service.GetStatus(r.Context(), chi.URLParam(r, "resource"), taskID)
	if err != nil {
		writeMappedError(r.Context(), w, "get_task", err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (h *Handler) cancelTask(w http.ResponseWriter, r *http.Request) {
	taskID, err := parseTaskID(r)
	if err != nil {
		writeValidationError(r.Context(), w, "cancel_task", err)
		return
	}
	resp, err := h.service.Cancel(r.Context(), chi.URLParam(r, "resource"), taskID)
	if err != nil {
		writeMappedError(r.Context(), w, "cancel_task", err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func parseTaskID(r *http.Request) (uuid.UUID, error) {
	taskID, err := uuid.Parse(chi.URLParam(r, "task_id"))
	if err != nil {
		return uuid.Nil, errors.New("task_id must be a valid UUID")
	}
	return taskID, nil
}
