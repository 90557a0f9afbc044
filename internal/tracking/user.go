package tracking

import (
	"crypto/sha256"
	"encoding/hex"
)

// MakeUserID derives a stable user identity from a device key and the
// browser-originated identity cookie. The browser id never appears in
// storage keys or logs directly.
func MakeUserID(deviceKey, browserID string) string {
	sum := sha256.Sum256([]byte(deviceKey + "|" + browserID))
	return "u_" + hex.EncodeToString(sum[:])[:16]
}
