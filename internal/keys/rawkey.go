package keys

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"imghost/internal/apperr"
)

const (
	keyPrefix  = "ik_"
	keyBodyLen = 32
	alphabet   = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
)

// GenerateRawKey returns a new "ik_" key with a 32 character alphanumeric body.
func GenerateRawKey() (string, error) {
	var b strings.Builder
	b.Grow(len(keyPrefix) + keyBodyLen)
	b.WriteString(keyPrefix)
	max := big.NewInt(int64(len(alphabet)))
	for i := 0; i < keyBodyLen; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("failed to generate api key: %w", err)
		}
		b.WriteByte(alphabet[n.Int64()])
	}
	return b.String(), nil
}

// HashKey returns the hex sha256 under which a raw key is stored.
func HashKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// ValidateFormat rejects strings that cannot be an issued key.
func ValidateFormat(raw string) error {
	if !strings.HasPrefix(raw, keyPrefix) || len(raw) != len(keyPrefix)+keyBodyLen {
		return apperr.Authentication(apperr.ReasonInvalidKey)
	}
	for _, c := range raw[len(keyPrefix):] {
		if !(c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9') {
			return apperr.Authentication(apperr.ReasonInvalidKey)
		}
	}
	return nil
}

// FromHeader extracts a raw key from an x-api-key or Authorization header value.
func FromHeader(value string) string {
	return strings.TrimSpace(strings.TrimPrefix(value, "Bearer "))
}
