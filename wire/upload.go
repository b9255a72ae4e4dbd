package wire

import (
	"encoding/binary"

	"github.com/google/uuid"
)

// UploadHeaderSize is the fixed prefix of a binary upload payload:
// upload id (16-byte UUID) followed by the chunk offset (8-byte big-endian).
const UploadHeaderSize = 16 + 8

// EncodeUploadChunk builds a binary upload payload.
func EncodeUploadChunk(id uuid.UUID, offset uint64, chunk []byte) []byte {
	out := make([]byte, UploadHeaderSize+len(chunk))
	copy(out[:16], id[:])
	binary.BigEndian.PutUint64(out[16:24], offset)
	copy(out[UploadHeaderSize:], chunk)
	return out
}

// DecodeUploadChunk splits a binary upload payload into upload id, offset,
// and chunk bytes. A zero-length chunk is valid (it still advances nothing
// and lets the engine verify the offset).
func DecodeUploadChunk(b []byte) (uuid.UUID, uint64, []byte, error) {
	if len(b) < UploadHeaderSize {
		return uuid.UUID{}, 0, nil, ErrShortUploadPayload
	}
	var id uuid.UUID
	copy(id[:], b[:16])
	return id, binary.BigEndian.Uint64(b[16:24]), b[UploadHeaderSize:], nil
}
