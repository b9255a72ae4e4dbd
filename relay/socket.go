package relay

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// muxStream is the slice of yamux.Stream the socket adapter needs. Deadlines
// let a blocked read or write wake up on context cancellation.
type muxStream interface {
	io.ReadWriteCloser
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

// StreamSocket adapts one relayed stream to the transport socket contract.
// Frames on the stream carry the websocket message type, so the host server
// sees the same text/binary distinction a direct connection would give it.
type StreamSocket struct {
	s         muxStream
	readLimit atomic.Int64

	writeMu sync.Mutex
	readMu  sync.Mutex
}

// NewStreamSocket wraps a relayed stream. The zero read limit admits frames
// of any size until SetReadLimit is called.
func NewStreamSocket(s muxStream) *StreamSocket {
	return &StreamSocket{s: s}
}

// interruptOnCancel moves the deadline to now when ctx is canceled, waking a
// blocked stream operation.
func interruptOnCancel(ctx context.Context, setDeadline func(time.Time) error) func() {
	if ctx.Done() == nil {
		return func() {}
	}
	var active atomic.Bool
	active.Store(true)
	stop := context.AfterFunc(ctx, func() {
		if active.Load() {
			_ = setDeadline(time.Now())
		}
	})
	return func() {
		active.Store(false)
		stop()
	}
}

// ReadMessage reads the next relayed frame. A relayed close frame surfaces as
// *websocket.CloseError, matching what a direct websocket read would return.
func (t *StreamSocket) ReadMessage(ctx context.Context) (int, []byte, error) {
	if err := ctx.Err(); err != nil {
		return 0, nil, err
	}
	t.readMu.Lock()
	defer t.readMu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		_ = t.s.SetReadDeadline(deadline)
	} else {
		_ = t.s.SetReadDeadline(time.Time{})
	}
	done := interruptOnCancel(ctx, t.s.SetReadDeadline)
	defer done()

	kind, payload, err := readStreamFrame(t.s, t.readLimit.Load())
	if err != nil {
		if cerr := ctx.Err(); cerr != nil {
			return 0, nil, cerr
		}
		return 0, nil, err
	}
	if kind == frameClose {
		code, text := decodeClose(payload)
		return 0, nil, &websocket.CloseError{Code: code, Text: text}
	}
	return kind, payload, nil
}

// WriteMessage writes one relayed frame.
func (t *StreamSocket) WriteMessage(ctx context.Context, messageType int, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		_ = t.s.SetWriteDeadline(deadline)
	} else {
		_ = t.s.SetWriteDeadline(time.Time{})
	}
	done := interruptOnCancel(ctx, t.s.SetWriteDeadline)
	defer done()

	if err := writeStreamFrame(t.s, messageType, data); err != nil {
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		return err
	}
	return nil
}

// SetReadLimit caps the payload size of subsequent reads.
func (t *StreamSocket) SetReadLimit(n int64) {
	t.readLimit.Store(n)
}

// Close tears the stream down without a close frame.
func (t *StreamSocket) Close() error {
	return t.s.Close()
}

// CloseWithStatus relays a close frame so the broker can hand the code to the
// client websocket, then closes the stream.
func (t *StreamSocket) CloseWithStatus(code int, text string) error {
	t.writeMu.Lock()
	_ = t.s.SetWriteDeadline(time.Now().Add(2 * time.Second))
	_ = writeStreamFrame(t.s, frameClose, encodeClose(code, text))
	t.writeMu.Unlock()
	return t.s.Close()
}
