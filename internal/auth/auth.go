// Package auth implements the gate in front of the request pipeline: bearer
// credential validation against a key store.
//
// Keys are stored and compared as SHA-256 digests — the plaintext key never
// leaves the request handler. Revocation is immediate and irreversible for a
// given key: a revoked digest is tombstoned, not deleted, so the same key can
// never be re-registered by accident.
package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
)

// ErrUnauthorized covers every authentication failure: absent, malformed,
// unknown, or revoked credentials. Callers must not distinguish between
// these cases in responses.
var ErrUnauthorized = errors.New("unauthorized")

// Account identifies the caller that owns a validated API key. The ID doubles
// as the budget ledger account key.
type Account struct {
	ID string
}

// ParseBearer extracts the token from an "Authorization: Bearer <token>"
// header value. Returns "" for anything malformed.
func ParseBearer(header string) string {
	if header == "" {
		return ""
	}
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	token = strings.TrimSpace(token)
	return token
}

// HashKey returns the hex SHA-256 digest of a plaintext API key.
func HashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}
