package gpu

import (
	"encoding/hex"
	"encoding/json"

	"golang.org/x/crypto/blake2b"
)

// CacheKey identifies one intermediate result.
type CacheKey [blake2b.Size256]byte

func (k CacheKey) String() string {
	return hex.EncodeToString(k[:8])
}

// NewCacheKey hashes the producing computation's identity together with a
// normalized encoding of its arguments. encoding/json emits struct fields in
// declaration order and map keys sorted, so equal arguments hash equally.
// ok is false when args cannot be encoded; callers then skip caching.
func NewCacheKey(identity string, args any) (key CacheKey, ok bool) {
	raw, err := json.Marshal(args)
	if err != nil {
		return CacheKey{}, false
	}
	h, err := blake2b.New256(nil)
	if err != nil {
		return CacheKey{}, false
	}
	h.Write([]byte(identity))
	h.Write([]byte{0})
	h.Write(raw)
	copy(key[:], h.Sum(nil))
	return key, true
}
