package security

import (
	"crypto/sha256"
	"encoding/hex"
)

// HashIdentity produces the one-way hash stored for client IPs and user
// agents. Raw values never reach persistence.
func HashIdentity(value string) string {
	if value == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}
