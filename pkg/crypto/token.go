package crypto

import (
	"crypto/rand"
	"encoding/hex"
)

const sessionTokenBytes = 32

// NewSessionToken returns a hex-encoded 256-bit random token. Tokens are
// opaque; validity is decided solely by looking them up in the store.
func NewSessionToken() (string, error) {
	buf := make([]byte, sessionTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
