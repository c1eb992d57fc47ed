package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/viralforge/deferred-diffusion/internal/domain"
)

type ctxKey string

const (
	ctxKeyRequestID ctxKey = "request_id"
	ctxKeyIdentity  ctxKey = "identity"
)

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-Id")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", reqID)
		ctx := context.WithValue(r.Context(), ctxKeyRequestID, reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				httpLogger().ErrorContext(r.Context(), "panic recovered",
					"operation", "http_panic_recovery",
					"outcome", "failure",
					"request_id", requestIDFromContext(r.Context()),
					"method", r.Method,
					"path", r.URL.Path,
					"panic", rec,
				)
				writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
	bytes      int
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.statusCode = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}

func (r *statusRecorder) Write(payload []byte) (int, error) {
	if r.statusCode == 0 {
		r.statusCode = http.StatusOK
	}
	n, err := r.ResponseWriter.Write(payload)
	r.bytes += n
	return n, err
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(recorder, r)

		statusCode := recorder.statusCode
		if statusCode == 0 {
			statusCode = http.StatusOK
		}
		outcome := "success"
		if statusCode >= 400 {
			outcome = "failure"
		}

		fields := []any{
			"operation", "http_request",
			"outcome", outcome,
			"method", r.Method,
			"path", r.URL.Path,
			"status_code", statusCode,
			"bytes", recorder.bytes,
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", requestIDFromContext(r.Context()),
		}
		switch {
		case statusCode >= 500:
			httpLogger().ErrorContext(r.Context(), "http request completed", fields...)
		case statusCode >= 400:
			httpLogger().WarnContext(r.Context(), "http request completed", fields...)
		default:
			httpLogger().InfoContext(r.Context(), "http request completed", fields...)
		}
	})
}

// authMiddleware verifies the API key and attaches the caller identity.
// Every rejection is a 403 so callers cannot tell unknown keys from
// revoked or malformed ones.
func (h *Handler) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, err := bearerTokenFromHeader(r.Header.Get("Authorization"))
		if err != nil {
			writeMappedError(r.Context(), w, "authenticate", domain.ErrUnauthorized)
			return
		}
		meta, err := h.service.Authenticate(r.Context(), raw)
		if err != nil {
			writeMappedError(r.Context(), w, "authenticate", err)
			return
		}
		identity := domain.Identity{
			UserID:    strings.TrimSpace(r.Header.Get("X-User-Id")),
			MachineID: strings.TrimSpace(r.Header.Get("X-Machine-Id")),
			ClientIP:  readIP(r),
			KeyName:   meta.Name,
			KeyID:     meta.KeyID,
		}
		ctx := context.WithValue(r.Context(), ctxKeyIdentity, identity)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (h *Handler) adminMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, err := bearerTokenFromHeader(r.Header.Get("Authorization"))
		if err != nil {
			writeMappedError(r.Context(), w, "authorize_admin", domain.ErrUnauthorized)
			return
		}
		if err := h.service.AuthorizeAdmin(raw); err != nil {
			writeMappedError(r.Context(), w, "authorize_admin", err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func identityFromContext(ctx context.Context) (domain.Identity, bool) {
	identity, ok := ctx.Value(ctxKeyIdentity).(domain.Identity)
	return identity, ok
}

func requestIDFromContext(ctx context.Context) string {
	v := ctx.Value(ctxKeyRequestID)
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

func bearerTokenFromHeader(header string) (string, error) {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", errors.New("missing bearer token")
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, prefix))
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}

func mapDomainError(err error) (int, string, string) {
	var backlog *domain.BacklogError
	switch {
	case errors.As(err, &backlog):
		return http.StatusTooManyRequests, "BACKLOG_EXCEEDED",
			fmt.Sprintf("task backlog exceeded: %d tasks waiting, backlog limit is %d", backlog.Waiting, backlog.Limit)
	case errors.Is(err, domain.ErrBacklogExceeded):
		return http.StatusTooManyRequests, "BACKLOG_EXCEEDED", "task backlog exceeded"
	case errors.Is(err, domain.ErrInvalidInput):
		return http.StatusBadRequest, "VALIDATION_ERROR", err.Error()
	case errors.Is(err, domain.ErrUnauthorized):
		return http.StatusForbidden, "FORBIDDEN", "invalid or missing credentials"
	case errors.Is(err, domain.ErrRateLimited):
		return http.StatusTooManyRequests, "RATE_LIMITED", "too many requests"
	case errors.Is(err, domain.ErrLinkExpired):
		return http.StatusGone, "LINK_EXPIRED", "download link expired"
	case errors.Is(err, domain.ErrDuplicateName):
		return http.StatusConflict, "CONFLICT", err.Error()
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND", "resource not found"
	case errors.Is(err, domain.ErrNotImplemented):
		return http.StatusNotImplemented, "NOT_IMPLEMENTED", err.Error()
	case errors.Is(err, domain.ErrDispatch):
		return http.StatusInternalServerError, "DISPATCH_FAILED", "failed to dispatch task"
	case errors.Is(err, domain.ErrBrokerUnavailable):
		return http.StatusInternalServerError, "BROKER_UNAVAILABLE", "task broker unavailable"
	default:
		return http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error"
	}
}
