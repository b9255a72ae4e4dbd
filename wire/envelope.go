package wire

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/sessionwire/sessionwire/crypto/seal"
)

// EnvelopeVersion is the leading byte of a binary encrypted envelope.
// Layout: version(1) | nonce(24) | format(1) | ciphertext.
const EnvelopeVersion byte = 0x01

// envelopeHeaderSize is version + nonce + format.
const envelopeHeaderSize = 1 + seal.NonceSize + 1

// JSONEnvelopeType is the "type" value of a legacy text envelope.
const JSONEnvelopeType = "encrypted"

// SealEnvelope builds a binary encrypted envelope around plaintext. The
// format tag describes the decrypted payload and travels unencrypted so the
// receiver can pick a decoder before opening the box.
func SealEnvelope(key *seal.Key, format byte, plaintext []byte) ([]byte, error) {
	if !KnownFormat(format) {
		return nil, ErrUnknownFormat
	}
	nonce, err := seal.NewNonce()
	if err != nil {
		return nil, fmt.Errorf("wire: nonce: %w", err)
	}
	out := make([]byte, 0, envelopeHeaderSize+len(plaintext)+seal.Overhead)
	out = append(out, EnvelopeVersion)
	out = append(out, nonce[:]...)
	out = append(out, format)
	return key.Seal(out, nonce, plaintext), nil
}

// OpenEnvelope parses and decrypts a binary encrypted envelope, returning the
// format tag and the decrypted payload.
func OpenEnvelope(key *seal.Key, frame []byte) (byte, []byte, error) {
	if len(frame) < 1 {
		return 0, nil, ErrShortEnvelope
	}
	if frame[0] != EnvelopeVersion {
		return 0, nil, ErrUnknownVersion
	}
	if len(frame) < envelopeHeaderSize+seal.Overhead {
		return 0, nil, ErrShortEnvelope
	}
	var nonce [seal.NonceSize]byte
	copy(nonce[:], frame[1:1+seal.NonceSize])
	format := frame[1+seal.NonceSize]
	if !KnownFormat(format) {
		return 0, nil, ErrUnknownFormat
	}
	plaintext, err := key.Open(nil, &nonce, frame[envelopeHeaderSize:])
	if err != nil {
		return 0, nil, ErrDecryptFailed
	}
	return format, plaintext, nil
}

// jsonEnvelope is the legacy text form of an encrypted envelope. Older
// clients send and expect this shape; the decrypted payload is always JSON.
type jsonEnvelope struct {
	Type       string `json:"type"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// SealJSONEnvelope builds the legacy text envelope with base64 nonce and
// ciphertext fields.
func SealJSONEnvelope(key *seal.Key, plaintext []byte) ([]byte, error) {
	nonce, err := seal.NewNonce()
	if err != nil {
		return nil, fmt.Errorf("wire: nonce: %w", err)
	}
	box := key.Seal(nil, nonce, plaintext)
	return json.Marshal(jsonEnvelope{
		Type:       JSONEnvelopeType,
		Nonce:      base64.StdEncoding.EncodeToString(nonce[:]),
		Ciphertext: base64.StdEncoding.EncodeToString(box),
	})
}

// OpenJSONEnvelope decrypts a legacy text envelope.
func OpenJSONEnvelope(key *seal.Key, raw []byte) ([]byte, error) {
	var env jsonEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("wire: envelope: %w", err)
	}
	if env.Type != JSONEnvelopeType {
		return nil, ErrUnknownVersion
	}
	nonceBytes, err := base64.StdEncoding.DecodeString(env.Nonce)
	if err != nil || len(nonceBytes) != seal.NonceSize {
		return nil, ErrShortEnvelope
	}
	box, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		return nil, ErrShortEnvelope
	}
	var nonce [seal.NonceSize]byte
	copy(nonce[:], nonceBytes)
	plaintext, err := key.Open(nil, &nonce, box)
	if err != nil {
		return nil, ErrDecryptFailed
	}
	return plaintext, nil
}
