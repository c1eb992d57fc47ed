package http

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/viralforge/deferred-diffusion/internal/application"
)

// Handler is the HTTP adapter entrypoint for gateway use-cases.
type Handler struct {
	service *application.Service
	ready   func(ctx context.Context) error
}

// NewHandler binds the adapter to the service. ready backs /readyz and may
// be nil.
func NewHandler(service *application.Service, ready func(ctx context.Context) error) *Handler {
	return &Handler{service: service, ready: ready}
}

// NewRouter registers gateway routes and the middleware stack.
func NewRouter(handler *Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(recoverMiddleware)
	r.Use(loggingMiddleware)

	r.Get("/healthz", handler.healthz)
	r.Get("/readyz", handler.readyz)

	r.Route("/api", func(r chi.Router) {
		r.Route("/admin", func(r chi.Router) {
			r.Use(handler.adminMiddleware)
			r.Post("/keys", handler.createKey)
			r.Get("/keys", handler.listKeys)
			r.Delete("/keys", handler.revokeKey)
			r.Get("/submissions", handler.listSubmissions)
		})

		r.Get("/files/{task_id}", handler.downloadResult)

		r.Group(func(r chi.Router) {
			r.Use(handler.authMiddleware)
			r.Post("/{resource}", handler.createTask)
			r.Get("/{resource}/{task_id}", handler.getTask)
			r.Delete("/{resource}/{task_id}", handler.cancelTask)
		})
	})

	return r
}
