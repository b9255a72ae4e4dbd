package host

import (
	"context"
	"errors"

	"github.com/gorilla/websocket"

	"github.com/sessionwire/sessionwire/observability"
	"github.com/sessionwire/sessionwire/protocol"
	"github.com/sessionwire/sessionwire/wire"
)

// serve runs the connection's read loop until the socket dies or a protocol
// violation closes it. It owns all dispatch for the connection.
func (s *Server) serve(ctx context.Context, c *Conn) {
	defer s.teardown(c)
	for {
		mt, data, err := c.sock.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() == nil && !websocket.IsCloseError(err,
				websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Debug("read loop ended", "err", err)
			}
			s.obs.Close(observability.CloseReasonPeerClosed)
			return
		}
		if len(data) == 0 {
			c.log.Warn("empty frame ignored")
			continue
		}
		switch mt {
		case websocket.BinaryMessage:
			if !s.handleBinaryFrame(ctx, c, data) {
				return
			}
		case websocket.TextMessage:
			if !s.handleTextFrame(ctx, c, data) {
				return
			}
		default:
			c.log.Warn("unexpected frame type ignored", "message_type", mt)
		}
	}
}

// handleBinaryFrame routes a binary frame. On encrypted connections every
// binary frame is a versioned envelope; trusted-local connections carry
// format-tagged plaintext frames. Returns false when the connection must stop.
func (s *Server) handleBinaryFrame(ctx context.Context, c *Conn, data []byte) bool {
	if c.srpRequired {
		if c.phase != phaseAuthenticated || c.key == nil {
			c.closeWith(wire.CloseAuthRequired, "authentication required")
			return false
		}
		c.noteBinaryEncrypted()
		format, plain, err := wire.OpenEnvelope(c.key, data)
		if err != nil {
			switch {
			case errors.Is(err, wire.ErrUnknownVersion), errors.Is(err, wire.ErrUnknownFormat):
				s.obs.Close(observability.CloseReasonUnknownFormat)
				c.closeWith(wire.CloseUnknownFormat, "unknown frame format")
			default:
				s.obs.Close(observability.CloseReasonDecryptFailed)
				c.closeWith(wire.CloseDecryptFailed, "decryption failed")
			}
			return false
		}
		return s.dispatchSequenced(ctx, c, format, plain)
	}

	// Plaintext binary frame (trusted local).
	c.noteBinaryFrame()
	format, payload, err := wire.DecodeFrame(data)
	if err != nil {
		s.obs.Close(observability.CloseReasonUnknownFormat)
		c.closeWith(wire.CloseUnknownFormat, "unknown frame format")
		return false
	}
	switch format {
	case wire.FormatBinaryUpload:
		s.handleUploadFrame(ctx, c, payload)
		return true
	case wire.FormatCompressedJSON:
		inflated, err := wire.DecompressJSON(payload, wire.DefaultMaxInflateBytes)
		if err != nil {
			s.obs.Close(observability.CloseReasonUnknownFormat)
			c.closeWith(wire.CloseUnknownFormat, "bad compressed payload")
			return false
		}
		payload = inflated
		fallthrough
	case wire.FormatJSON:
		return s.dispatchMessage(ctx, c, payload)
	}
	return true
}

// dispatchSequenced unwraps the sequence layer of a decrypted payload and
// dispatches the inner message.
func (s *Server) dispatchSequenced(ctx context.Context, c *Conn, format byte, plain []byte) bool {
	if format == wire.FormatBinaryUpload {
		seq, payload, err := wire.DecodeSequencedBinary(plain)
		if err != nil {
			s.obs.Close(observability.CloseReasonDecryptFailed)
			c.closeWith(wire.CloseDecryptFailed, "malformed payload")
			return false
		}
		if !c.checkInboundSeq(seq) {
			s.obs.Close(observability.CloseReasonSequenceViolation)
			c.closeWith(wire.CloseDecryptFailed, "sequence violation")
			return false
		}
		s.handleUploadFrame(ctx, c, payload)
		return true
	}
	if format == wire.FormatCompressedJSON {
		inflated, err := wire.DecompressJSON(plain, wire.DefaultMaxInflateBytes)
		if err != nil {
			s.obs.Close(observability.CloseReasonDecryptFailed)
			c.closeWith(wire.CloseDecryptFailed, "bad compressed payload")
			return false
		}
		plain = inflated
	}
	seq, msg, err := wire.DecodeSequencedJSON(plain)
	if err != nil {
		s.obs.Close(observability.CloseReasonDecryptFailed)
		c.closeWith(wire.CloseDecryptFailed, "malformed payload")
		return false
	}
	if !c.checkInboundSeq(seq) {
		s.obs.Close(observability.CloseReasonSequenceViolation)
		c.closeWith(wire.CloseDecryptFailed, "sequence violation")
		return false
	}
	return s.dispatchMessage(ctx, c, msg)
}

// handleTextFrame routes a text frame: the legacy JSON encrypted envelope,
// a plaintext handshake message, or a plaintext application message.
func (s *Server) handleTextFrame(ctx context.Context, c *Conn, data []byte) bool {
	t, err := protocol.Sniff(data)
	if err != nil {
		c.log.Warn("unparseable frame ignored", "err", err)
		return true
	}
	if t == protocol.TypeEncrypted {
		if c.phase != phaseAuthenticated || c.key == nil {
			c.closeWith(wire.CloseAuthRequired, "authentication required")
			return false
		}
		plain, err := wire.OpenJSONEnvelope(c.key, data)
		if err != nil {
			s.obs.Close(observability.CloseReasonDecryptFailed)
			c.closeWith(wire.CloseDecryptFailed, "decryption failed")
			return false
		}
		return s.dispatchSequenced(ctx, c, wire.FormatJSON, plain)
	}
	if protocol.IsHandshake(t) {
		return s.dispatchHandshake(ctx, c, t, data)
	}
	// Plaintext application frame.
	if c.phase != phaseAuthenticated {
		c.closeWith(wire.CloseAuthRequired, "authentication required")
		return false
	}
	if c.requiresEncryption {
		s.obs.Close(observability.CloseReasonEncryptionRequired)
		c.closeWith(wire.CloseEncryptionRequired, "encrypted message required")
		return false
	}
	return s.dispatchMessage(ctx, c, data)
}

func (s *Server) dispatchHandshake(ctx context.Context, c *Conn, t protocol.Type, data []byte) bool {
	_, v, err := protocol.Decode(data)
	if err != nil {
		c.log.Warn("malformed handshake message", "type", t, "err", err)
		c.closeWith(wire.CloseAuthRequired, "malformed handshake")
		return false
	}
	switch msg := v.(type) {
	case *protocol.SRPHello:
		s.handleHello(ctx, c, msg)
	case *protocol.SRPProof:
		s.handleProof(ctx, c, msg)
	case *protocol.SRPResumeInit:
		s.handleResumeInit(ctx, c, msg)
	case *protocol.SRPResume:
		s.handleResume(ctx, c, msg)
	default:
		// Server-emitted handshake types arriving inbound are a
		// sequencing violation.
		s.sendSRPError(ctx, c, srpCodeBadSequence, "unexpected handshake message")
		c.closeWith(wire.CloseAuthRequired, "handshake out of order")
		return false
	}
	return !c.closed()
}

// dispatchMessage decodes and routes one application JSON message.
func (s *Server) dispatchMessage(ctx context.Context, c *Conn, data []byte) bool {
	t, v, err := protocol.Decode(data)
	if err != nil {
		if errors.Is(err, protocol.ErrUnknownType) {
			c.log.Warn("unknown message type ignored", "type", t)
			return true
		}
		c.log.Warn("malformed message ignored", "err", err)
		return true
	}
	if protocol.IsHandshake(t) {
		// Handshake messages never arrive through envelopes, and never
		// after authentication.
		c.closeWith(wire.CloseAuthRequired, "handshake out of order")
		return false
	}
	if c.phase != phaseAuthenticated {
		c.closeWith(wire.CloseAuthRequired, "authentication required")
		return false
	}

	switch msg := v.(type) {
	case *protocol.Request:
		s.handleRequest(ctx, c, msg)
	case *protocol.Subscribe:
		s.handleSubscribe(ctx, c, msg)
	case *protocol.Unsubscribe:
		s.handleUnsubscribe(ctx, c, msg)
	case *protocol.UploadStart:
		s.handleUploadStart(ctx, c, msg)
	case *protocol.UploadChunk:
		s.handleUploadChunk(ctx, c, msg)
	case *protocol.UploadEnd:
		s.handleUploadEnd(ctx, c, msg)
	case *protocol.Ping:
		_ = c.sendMessage(ctx, &protocol.Pong{Type: protocol.TypePong, ID: msg.ID})
	case *protocol.Capabilities:
		s.handleCapabilities(ctx, c, msg)
	default:
		c.log.Warn("unhandled message type ignored", "type", t)
	}
	return !c.closed()
}

// handleCapabilities records the peer's accepted formats and answers with the
// server's own. Receipt also latches binary envelope mode on encrypted
// connections.
func (s *Server) handleCapabilities(ctx context.Context, c *Conn, msg *protocol.Capabilities) {
	for _, f := range msg.Formats {
		if f > 0 && f < 256 && wire.KnownFormat(byte(f)) {
			c.noteSupportedFormat(byte(f))
		}
	}
	if c.requiresEncryption {
		c.noteBinaryEncrypted()
	}
	_ = c.sendMessage(ctx, &protocol.Capabilities{
		Type: protocol.TypeCapabilities,
		Formats: []int{
			int(wire.FormatJSON),
			int(wire.FormatBinaryUpload),
			int(wire.FormatCompressedJSON),
		},
	})
}
