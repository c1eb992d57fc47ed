package application

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"

	"github.com/viralforge/deferred-diffusion/internal/domain"
)

const maxKeyNameLength = 128

// CreateKey issues a new API key. The composite token is returned exactly
// once and cannot be recovered afterwards.
func (s *Service) CreateKey(ctx context.Context, name string) (CreateKeyResponse, error) {
	name = strings.TrimSpace(name)
	if name == "" || len(name) > maxKeyNameLength {
		return CreateKeyResponse{}, fmt.Errorf("%w: key name must be 1-%d characters", domain.ErrInvalidInput, maxKeyNameLength)
	}
	keyID, err := s.material.NewKeyID()
	if err != nil {
		return CreateKeyResponse{}, fmt.Errorf("generate key id: %w", err)
	}
	secret, err := s.material.NewSecret()
	if err != nil {
		return CreateKeyResponse{}, fmt.Errorf("generate secret: %w", err)
	}
	salt, err := s.material.NewSalt()
	if err != nil {
		return CreateKeyResponse{}, fmt.Errorf("generate salt: %w", err)
	}

	record := domain.APIKeyRecord{
		KeyID:      keyID,
		Name:       name,
		Salt:       salt,
		SecretHash: s.material.HashSecret(secret, salt),
		CreatedAt:  s.nowFn(),
	}
	if err := s.keys.Create(ctx, record); err != nil {
		if errors.Is(err, domain.ErrDuplicateName) {
			return CreateKeyResponse{}, err
		}
		return CreateKeyResponse{}, fmt.Errorf("%w: store key: %v", domain.ErrBrokerUnavailable, err)
	}

	s.publishEvent(ctx, eventTypeAPIKeyCreated, keyID, map[string]any{
		"key_id":     keyID,
		"name":       name,
		"created_at": record.CreatedAt,
	})
	s.logger.InfoContext(ctx, "api key created",
		"operation", "create_key",
		"outcome", "success",
		"key_id", keyID,
		"key_name", name,
	)
	return CreateKeyResponse{APIKey: domain.FormatToken(keyID, secret), Name: name}, nil
}

// VerifyToken returns the key metadata for a valid token and nil for any
// token that does not verify. Only store failures are returned as errors.
func (s *Service) VerifyToken(ctx context.Context, token string) (*domain.KeyMetadata, error) {
	keyID, secret, ok := domain.ParseToken(token)
	if !ok {
		return nil, nil
	}
	record, err := s.keys.Get(ctx, keyID)
	if err != nil {
		return nil, fmt.Errorf("%w: load key: %v", domain.ErrBrokerUnavailable, err)
	}
	if record == nil {
		return nil, nil
	}
	if record.Salt == "" || record.SecretHash == "" || record.Name == "" {
		s.logger.ErrorContext(ctx, "malformed api key record",
			"operation", "verify_token",
			"outcome", "failure",
			"key_id", keyID,
		)
		return nil, nil
	}
	computed := s.material.HashSecret(secret, record.Salt)
	if subtle.ConstantTimeCompare([]byte(computed), []byte(record.SecretHash)) != 1 {
		return nil, nil
	}
	meta := record.Metadata()
	return &meta, nil
}

// Authenticate is VerifyToken for callers that need an error on rejection.
func (s *Service) Authenticate(ctx context.Context, token string) (domain.KeyMetadata, error) {
	meta, err := s.VerifyToken(ctx, token)
	if err != nil {
		return domain.KeyMetadata{}, err
	}
	if meta == nil {
		return domain.KeyMetadata{}, domain.ErrUnauthorized
	}
	return *meta, nil
}

// AuthorizeAdmin checks the static admin key in constant time.
func (s *Service) AuthorizeAdmin(token string) error {
	if s.cfg.AdminKey == "" || token == "" {
		return domain.ErrUnauthorized
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AdminKey)) != 1 {
		return domain.ErrUnauthorized
	}
	return nil
}

func (s *Service) ListKeys(ctx context.Context) ([]domain.KeyMetadata, error) {
	records, err := s.keys.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: list keys: %v", domain.ErrBrokerUnavailable, err)
	}
	out := make([]domain.KeyMetadata, 0, len(records))
	for _, record := range records {
		out = append(out, record.Metadata())
	}
	return out, nil
}

// RevokeKey deletes a key. ref may be a bare key id or a full token.
// Revocation takes effect on the very next request.
func (s *Service) RevokeKey(ctx context.Context, ref string) (bool, error) {
	ref = strings.TrimSpace(ref)
	keyID := ref
	if parsed, _, ok := domain.ParseToken(ref); ok {
		keyID = parsed
	}
	if keyID == "" {
		return false, fmt.Errorf("%w: key reference is required", domain.ErrInvalidInput)
	}
	deleted, err := s.keys.Delete(ctx, keyID)
	if err != nil {
		return false, fmt.Errorf("%w: delete key: %v", domain.ErrBrokerUnavailable, err)
	}
	if deleted {
		s.publishEvent(ctx, eventTypeAPIKeyRevoked, keyID, map[string]any{
			"key_id":     keyID,
			"revoked_at": s.nowFn(),
		})
		s.logger.InfoContext(ctx, "api key revoked",
			"operation", "revoke_key",
			"outcome", "success",
			"key_id", keyID,
		)
	}
	return deleted, nil
}
