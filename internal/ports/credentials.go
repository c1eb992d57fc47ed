package ports

import (
	"context"
	"time"

	"github.com/viralforge/deferred-diffusion/internal/domain"
)

// KeyStore persists API key records in the shared store.
// Create must fail with domain.ErrDuplicateName when the name is taken.
type KeyStore interface {
	Create(ctx context.Context, record domain.APIKeyRecord) error
	Get(ctx context.Context, keyID string) (*domain.APIKeyRecord, error)
	List(ctx context.Context) ([]domain.APIKeyRecord, error)
	Delete(ctx context.Context, keyID string) (bool, error)
}

// KeyMaterial generates and hashes key secrets.
// Generated ids and secrets never contain the token separator.
type KeyMaterial interface {
	NewKeyID() (string, error)
	NewSecret() (string, error)
	NewSalt() (string, error)
	HashSecret(secret, salt string) string
}

// RateLimiter is a fixed-window counter keyed by caller.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// LinkSigner issues and checks short-lived result download tokens.
type LinkSigner interface {
	Sign(taskID string, ttl time.Duration) (string, error)
	Verify(token, taskID string) error
}
