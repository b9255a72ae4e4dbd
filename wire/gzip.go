package wire

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
)

// DefaultMaxInflateBytes caps the decompressed size of a compressed JSON
// payload when the caller does not supply a limit.
const DefaultMaxInflateBytes = 16 << 20

// CompressJSON gzips a JSON payload for the compressed format tag.
func CompressJSON(b []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(b); err != nil {
		_ = zw.Close()
		return nil, fmt.Errorf("wire: gzip: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("wire: gzip: %w", err)
	}
	return buf.Bytes(), nil
}

// DecompressJSON inflates a compressed JSON payload, refusing to expand past
// maxBytes (DefaultMaxInflateBytes when maxBytes <= 0).
func DecompressJSON(b []byte, maxBytes int64) ([]byte, error) {
	limit := maxBytes
	if limit <= 0 {
		limit = DefaultMaxInflateBytes
	}
	zr, err := gzip.NewReader(bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("wire: gunzip: %w", err)
	}
	defer zr.Close()
	out, err := io.ReadAll(io.LimitReader(zr, limit+1))
	if err != nil {
		return nil, fmt.Errorf("wire: gunzip: %w", err)
	}
	if int64(len(out)) > limit {
		return nil, ErrInflateTooLarge
	}
	return out, nil
}
