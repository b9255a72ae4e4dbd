package srp

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	kdfSalt = "sessionwire-srp-v1"
	kdfInfo = "sessionwire-srp-v1:session-key"

	// SessionKeySize is the derived transport key length.
	SessionKeySize = 32
)

// deriveSessionKey expands the padded shared secret into the transport key.
// Both peers call this with the same PAD(S), so the keys match byte-for-byte.
func deriveSessionKey(paddedSecret []byte) ([]byte, error) {
	r := hkdf.New(sha256.New, paddedSecret, []byte(kdfSalt), []byte(kdfInfo))
	key := make([]byte, SessionKeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("srp: kdf: %w", err)
	}
	return key, nil
}
