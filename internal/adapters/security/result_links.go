package security

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/viralforge/deferred-diffusion/internal/domain"
)

const linkSigningContext = ":internal-storage-signing-v1"

// ResultLinkSigner issues HS256 tokens that authorize one result download.
// The signing key is derived from the admin key, so rotating the admin key
// invalidates every outstanding link.
type ResultLinkSigner struct {
	key   []byte
	nowFn func() time.Time
}

func NewResultLinkSigner(adminKey string) (*ResultLinkSigner, error) {
	if adminKey == "" {
		return nil, errors.New("admin key is required for link signing")
	}
	sum := sha256.Sum256([]byte(adminKey + linkSigningContext))
	return &ResultLinkSigner{key: sum[:], nowFn: time.Now}, nil
}

type resultLinkClaims struct {
	TaskID string `json:"tid"`
	jwt.RegisteredClaims
}

func (s *ResultLinkSigner) Sign(taskID string, ttl time.Duration) (string, error) {
	now := s.nowFn().UTC()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, resultLinkClaims{
		TaskID: taskID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "result",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	})
	return token.SignedString(s.key)
}

func (s *ResultLinkSigner) Verify(raw, taskID string) error {
	parsed, err := jwt.ParseWithClaims(raw, &resultLinkClaims{}, func(token *jwt.Token) (any, error) {
		if token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, fmt.Errorf("unexpected signing method: %s", token.Method.Alg())
		}
		return s.key, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(s.nowFn))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return domain.ErrLinkExpired
		}
		return fmt.Errorf("%w: %v", domain.ErrUnauthorized, err)
	}
	claims, ok := parsed.Claims.(*resultLinkClaims)
	if !ok || !parsed.Valid || claims.TaskID != taskID {
		return domain.ErrUnauthorized
	}
	return nil
}
