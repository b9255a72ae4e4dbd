package wire

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
)

// Sealed payloads carry a monotonically increasing sequence number so a
// replayed or reordered envelope is rejected even though its box opens
// cleanly. JSON payloads embed it as {"seq":N,"msg":{...}}; binary upload
// payloads carry an 8-byte big-endian prefix instead.

type sequencedJSON struct {
	Seq uint64          `json:"seq"`
	Msg json.RawMessage `json:"msg"`
}

// EncodeSequencedJSON wraps msg with its sequence number.
func EncodeSequencedJSON(seq uint64, msg []byte) ([]byte, error) {
	return json.Marshal(sequencedJSON{Seq: seq, Msg: msg})
}

// DecodeSequencedJSON splits a decrypted JSON payload into sequence number
// and inner message.
func DecodeSequencedJSON(b []byte) (uint64, []byte, error) {
	var env sequencedJSON
	if err := json.Unmarshal(b, &env); err != nil {
		return 0, nil, fmt.Errorf("wire: sequenced payload: %w", err)
	}
	if len(env.Msg) == 0 {
		return 0, nil, ErrMissingMessage
	}
	return env.Seq, env.Msg, nil
}

// EncodeSequencedBinary prefixes a binary payload with its sequence number.
func EncodeSequencedBinary(seq uint64, payload []byte) []byte {
	out := make([]byte, 8+len(payload))
	binary.BigEndian.PutUint64(out, seq)
	copy(out[8:], payload)
	return out
}

// DecodeSequencedBinary splits a decrypted binary payload into sequence
// number and inner payload.
func DecodeSequencedBinary(b []byte) (uint64, []byte, error) {
	if len(b) < 8 {
		return 0, nil, ErrShortFrame
	}
	return binary.BigEndian.Uint64(b), b[8:], nil
}
