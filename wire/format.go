// Package wire implements the frame codec for the session transport: format
// tags, binary frames, encrypted envelopes (binary and legacy JSON text
// forms), sequence protection, binary upload payloads, and gzip compression
// for large JSON payloads.
//
// Frame interpretation is stateful. Text frames are JSON messages, except the
// legacy {"type":"encrypted"} envelope. Binary frames are format-tagged
// payloads on plaintext connections and versioned encrypted envelopes once a
// connection is authenticated with encryption required.
package wire

import "errors"

// Format tags identify how a frame payload (or a decrypted envelope payload)
// is encoded.
const (
	FormatJSON           byte = 0x01
	FormatBinaryUpload   byte = 0x02
	FormatCompressedJSON byte = 0x03
)

// WebSocket close codes used by the session protocol.
const (
	CloseSendFailure        = 1011 // outbound write failed
	CloseAuthRequired       = 4001 // authentication required or proof rejected
	CloseUnknownFormat      = 4002 // unknown format tag or envelope version
	CloseForbiddenOrigin    = 4003 // origin not allowed
	CloseDecryptFailed      = 4004 // envelope decryption or sequence check failed
	CloseEncryptionRequired = 4005 // plaintext application frame on an encrypted connection
	CloseAuthTimeout        = 4008 // handshake timeout or rate limited
)

var (
	ErrShortFrame         = errors.New("wire: short frame")
	ErrUnknownFormat      = errors.New("wire: unknown format tag")
	ErrShortEnvelope      = errors.New("wire: short envelope")
	ErrUnknownVersion     = errors.New("wire: unknown envelope version")
	ErrDecryptFailed      = errors.New("wire: envelope decryption failed")
	ErrMissingMessage     = errors.New("wire: sequenced payload missing msg")
	ErrShortUploadPayload = errors.New("wire: short upload payload")
	ErrInflateTooLarge    = errors.New("wire: decompressed payload too large")
)

// KnownFormat reports whether f is a format tag this package understands.
func KnownFormat(f byte) bool {
	switch f {
	case FormatJSON, FormatBinaryUpload, FormatCompressedJSON:
		return true
	}
	return false
}

// EncodeFrame prefixes payload with its format tag for an unencrypted binary
// frame.
func EncodeFrame(format byte, payload []byte) []byte {
	out := make([]byte, 0, 1+len(payload))
	out = append(out, format)
	out = append(out, payload...)
	return out
}

// DecodeFrame splits an unencrypted binary frame into format tag and payload.
func DecodeFrame(frame []byte) (byte, []byte, error) {
	if len(frame) < 1 {
		return 0, nil, ErrShortFrame
	}
	f := frame[0]
	if !KnownFormat(f) {
		return 0, nil, ErrUnknownFormat
	}
	return f, frame[1:], nil
}
