package store

import (
	"crypto/sha256"
	"encoding/hex"
)

// KiroRefreshFingerprint derives the dedup-index key for a Kiro refresh
// token: the first 32 hex characters of its SHA-256.
func KiroRefreshFingerprint(refreshToken string) string {
	sum := sha256.Sum256([]byte(refreshToken))
	return hex.EncodeToString(sum[:])[:32]
}

// SessionTokenHash hashes raw session token bytes into the store key.
func SessionTokenHash(token []byte) string {
	sum := sha256.Sum256(token)
	return hex.EncodeToString(sum[:])
}
