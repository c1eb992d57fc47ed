package domain

import (
	"strings"
	"time"
)

const (
	// TokenPrefix is the first segment of every issued API token.
	TokenPrefix    = "dd"
	tokenSeparator = "_"
)

// APIKeyRecord is the persisted form of an API key. The plaintext secret is
// never part of it.
type APIKeyRecord struct {
	KeyID      string
	Name       string
	Salt       string
	SecretHash string
	CreatedAt  time.Time
}

// KeyMetadata is the public view of a key, safe to list.
type KeyMetadata struct {
	KeyID     string    `json:"key_id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

func (r APIKeyRecord) Metadata() KeyMetadata {
	return KeyMetadata{KeyID: r.KeyID, Name: r.Name, CreatedAt: r.CreatedAt}
}

// Identity is derived per request and travels with the dispatched job.
type Identity struct {
	UserID    string `json:"user_id"`
	MachineID string `json:"machine_id"`
	ClientIP  string `json:"client_ip"`
	KeyName   string `json:"key_name"`
	KeyID     string `json:"key_id"`
}

// FormatToken composes dd_<key_id>_<secret>.
func FormatToken(keyID, secret string) string {
	return TokenPrefix + tokenSeparator + keyID + tokenSeparator + secret
}

// ParseToken splits a composite token. ok is false for anything that is not
// exactly three non-empty segments starting with the dd prefix.
func ParseToken(token string) (keyID, secret string, ok bool) {
	parts := strings.Split(token, tokenSeparator)
	if len(parts) != 3 || parts[0] != TokenPrefix {
		return "", "", false
	}
	if parts[1] == "" || parts[2] == "" {
		return "", "", false
	}
	return parts[1], parts[2], true
}
