// Package bin provides small big-endian integer helpers for wire layouts.
package bin

import "encoding/binary"

// PutU32BE writes v into the first 4 bytes of b.
func PutU32BE(b []byte, v uint32) {
	binary.BigEndian.PutUint32(b, v)
}

// U32BE reads a big-endian uint32 from the first 4 bytes of b.
func U32BE(b []byte) uint32 {
	return binary.BigEndian.Uint32(b)
}

// PutU64BE writes v into the first 8 bytes of b.
func PutU64BE(b []byte, v uint64) {
	binary.BigEndian.PutUint64(b, v)
}

// U64BE reads a big-endian uint64 from the first 8 bytes of b.
func U64BE(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}
