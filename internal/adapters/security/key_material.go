package security

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"strings"
)

const (
	keyIDBytes  = 12
	secretBytes = 32
	saltBytes   = 16
)

// RandomKeyMaterial issues URL-safe ids and secrets. The token separator is
// swapped out of the alphabet so a composed token always splits into
// exactly three segments.
type RandomKeyMaterial struct{}

func NewRandomKeyMaterial() RandomKeyMaterial {
	return RandomKeyMaterial{}
}

func (RandomKeyMaterial) NewKeyID() (string, error) {
	return urlSafeToken(keyIDBytes)
}

func (RandomKeyMaterial) NewSecret() (string, error) {
	return urlSafeToken(secretBytes)
}

func (RandomKeyMaterial) NewSalt() (string, error) {
	buf := make([]byte, saltBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// HashSecret returns hex(SHA256(secret + salt)).
func (RandomKeyMaterial) HashSecret(secret, salt string) string {
	sum := sha256.Sum256([]byte(secret + salt))
	return hex.EncodeToString(sum[:])
}

func urlSafeToken(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return strings.ReplaceAll(base64.RawURLEncoding.EncodeToString(buf), "_", "-"), nil
}
