// Package receipt derives idempotency references from raw purchase tokens.
//
// A reference is a deterministic, collision-resistant digest of the opaque
// token the store handed to the client. It is used only to detect duplicate
// submissions of the same receipt — never as a trust credential; trust comes
// from the platform verification call.
package receipt

import (
	"crypto/sha256"
	"encoding/hex"
)

// refLen is the number of hex characters kept from the SHA-256 digest.
// 32 hex chars (128 bits) is far beyond any practical collision risk for
// the volume of receipts a single app processes.
const refLen = 32

// Reference returns the idempotency key for a raw purchase token: the first
// 32 hex characters of its SHA-256 digest. Pure function, no side effects.
func Reference(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])[:refLen]
}
