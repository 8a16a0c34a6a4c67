package memory

import (
	"crypto/sha256"
	"encoding/hex"
)

// OwnerScope is the memory scope of the configured owner and of
// installations with no owner configured.
const OwnerScope = "default"

// ScopeForSender maps an external sender id to a memory scope.
//
// No owner configured, or the sender is the owner: everything lives in the
// owner's "default" space. Anyone else gets an isolated space keyed by a
// 16-hex truncation of SHA-256 over the sender id. The mapping is pure and
// never cached across sender ids.
func ScopeForSender(ownerID, senderID string) string {
	if ownerID == "" || senderID == "" || senderID == ownerID {
		return OwnerScope
	}
	sum := sha256.Sum256([]byte(senderID))
	return hex.EncodeToString(sum[:])[:16]
}
