// Package seal wraps NaCl secretbox (XSalsa20 + Poly1305) for the session
// transport. Payloads are sealed under the 32-byte key derived from the SRP
// handshake with a fresh random 24-byte nonce per message.
package seal

import (
	"crypto/rand"
	"errors"
	"io"

	"golang.org/x/crypto/nacl/secretbox"
)

const (
	// KeySize is the secretbox key length in bytes.
	KeySize = 32
	// NonceSize is the secretbox nonce length in bytes.
	NonceSize = 24
	// Overhead is the Poly1305 tag length added to every sealed payload.
	Overhead = secretbox.Overhead
)

var (
	ErrInvalidKeySize = errors.New("seal: key must be 32 bytes")
	ErrOpenFailed     = errors.New("seal: authentication failed")
)

// Key is a secretbox key.
type Key [KeySize]byte

// NewKey copies b into a Key. The input length must be exactly KeySize.
func NewKey(b []byte) (*Key, error) {
	if len(b) != KeySize {
		return nil, ErrInvalidKeySize
	}
	var k Key
	copy(k[:], b)
	return &k, nil
}

// NewNonce draws a random nonce from crypto/rand.
func NewNonce() (*[NonceSize]byte, error) {
	var n [NonceSize]byte
	if _, err := io.ReadFull(rand.Reader, n[:]); err != nil {
		return nil, err
	}
	return &n, nil
}

// Seal appends the encrypted and authenticated plaintext to out and returns
// the extended slice.
func (k *Key) Seal(out []byte, nonce *[NonceSize]byte, plaintext []byte) []byte {
	return secretbox.Seal(out, plaintext, nonce, (*[KeySize]byte)(k))
}

// Open verifies and decrypts box, appending the plaintext to out. A forged or
// truncated box yields ErrOpenFailed without revealing which check failed.
func (k *Key) Open(out []byte, nonce *[NonceSize]byte, box []byte) ([]byte, error) {
	res, ok := secretbox.Open(out, box, nonce, (*[KeySize]byte)(k))
	if !ok {
		return nil, ErrOpenFailed
	}
	return res, nil
}
