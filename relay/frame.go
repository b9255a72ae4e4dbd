// Package relay pairs client websocket legs with host agents. The broker
// terminates one websocket per host agent and multiplexes paired clients over
// it with yamux; the agent hands each accepted stream to the host server as a
// regular transport socket.
package relay

import (
	"errors"
	"io"

	"github.com/gorilla/websocket"

	"github.com/sessionwire/sessionwire/internal/bin"
)

// Stream frame kinds mirror the websocket message types they carry, plus a
// close marker so close codes survive the relay hop.
const (
	frameText   = websocket.TextMessage
	frameBinary = websocket.BinaryMessage
	frameClose  = websocket.CloseMessage
)

var (
	ErrFrameTooLarge = errors.New("relay frame too large")
	errBadFrameKind  = errors.New("bad relay frame kind")
)

// writeStreamFrame writes [kind:1][len:4 BE][payload] as a single Write so a
// frame is never interleaved with another writer's bytes.
func writeStreamFrame(w io.Writer, kind int, payload []byte) error {
	buf := make([]byte, 5+len(payload))
	buf[0] = byte(kind)
	bin.PutU32BE(buf[1:5], uint32(len(payload)))
	copy(buf[5:], payload)
	_, err := w.Write(buf)
	return err
}

// readStreamFrame reads the next frame, rejecting payloads beyond maxLen.
// maxLen <= 0 disables the guard; never do that on untrusted streams.
func readStreamFrame(r io.Reader, maxLen int64) (int, []byte, error) {
	var hdr [5]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, nil, err
	}
	kind := int(hdr[0])
	switch kind {
	case frameText, frameBinary, frameClose:
	default:
		return 0, nil, errBadFrameKind
	}
	n := int64(bin.U32BE(hdr[1:5]))
	if maxLen > 0 && n > maxLen {
		return 0, nil, ErrFrameTooLarge
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, err
	}
	return kind, payload, nil
}

// encodeClose packs a websocket close code and reason into a close frame
// payload: [code:2 BE][text].
func encodeClose(code int, text string) []byte {
	payload := make([]byte, 2+len(text))
	payload[0] = byte(code >> 8)
	payload[1] = byte(code)
	copy(payload[2:], text)
	return payload
}

// decodeClose unpacks a close frame payload. Empty payloads map to a normal
// closure.
func decodeClose(payload []byte) (code int, text string) {
	if len(payload) < 2 {
		return websocket.CloseNormalClosure, ""
	}
	return int(payload[0])<<8 | int(payload[1]), string(payload[2:])
}
