package host

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sessionwire/sessionwire/crypto/seal"
	"github.com/sessionwire/sessionwire/crypto/srp"
	"github.com/sessionwire/sessionwire/observability"
	"github.com/sessionwire/sessionwire/protocol"
	"github.com/sessionwire/sessionwire/wire"
	"golang.org/x/time/rate"
)

// Socket abstracts the framed transport under a connection: a direct
// websocket or a relayed stream. Implementations must allow one concurrent
// reader and one concurrent writer.
type Socket interface {
	ReadMessage(ctx context.Context) (messageType int, data []byte, err error)
	WriteMessage(ctx context.Context, messageType int, data []byte) error
	SetReadLimit(n int64)
	Close() error
	CloseWithStatus(code int, text string) error
}

type authPhase int

const (
	phaseUnauthenticated authPhase = iota
	phaseWaitingProof
	phaseAuthenticated
)

func (p authPhase) String() string {
	switch p {
	case phaseWaitingProof:
		return "srp-waiting-proof"
	case phaseAuthenticated:
		return "authenticated"
	}
	return "unauthenticated"
}

// resumeChallenge is a one-time nonce bound to a stored session. Consumed
// exactly once, accept or reject.
type resumeChallenge struct {
	nonce     [seal.NonceSize]byte
	sessionID string
	username  string
	issuedAt  time.Time
}

var errWriteClosed = errors.New("host: connection write closed")

// Conn is the per-socket connection record. All message dispatch for one
// connection runs on its read goroutine, so the protocol fields below need no
// lock; writeMu serializes the encrypt-and-send path, which event producers
// call from their own goroutines.
type Conn struct {
	id   string
	sock Socket
	srv  *Server
	log  *slog.Logger

	origin    string
	userAgent string

	// Read-side protocol state, owned by the dispatch goroutine.
	srpRequired        bool
	phase              authPhase
	username           string
	sessionID          string
	requiresEncryption bool
	lastInboundSeq     uint64
	seenInbound        bool

	srpSession    *srp.Server
	helloAt       time.Time
	pendingResume *resumeChallenge
	helloBucket   *rate.Limiter
	failedProofs  int
	blockedUntil  time.Time

	handshakeMu    sync.Mutex
	handshakeTimer *time.Timer

	// Write-side state. The format latches are set by the dispatch
	// goroutine and read by sendPayload from producer goroutines, so they
	// live under writeMu too.
	writeMu            sync.Mutex
	key                *seal.Key
	outboundSeq        uint64
	writeClosed        bool
	useBinaryFrames    bool
	useBinaryEncrypted bool
	supportedFormats   map[byte]bool

	subs    map[string]*subscription
	uploads map[string]*upload
}

func newConn(id string, sock Socket, srv *Server, log *slog.Logger) *Conn {
	return &Conn{
		id:               id,
		sock:             sock,
		srv:              srv,
		log:              log.With("conn_id", id),
		supportedFormats: map[byte]bool{wire.FormatJSON: true},
		helloBucket:      newHelloBucket(),
		subs:             make(map[string]*subscription),
		uploads:          make(map[string]*upload),
	}
}

// markAuthenticated moves the connection into the application phase. The key
// is nil for trusted-local connections, which stay in plaintext.
func (c *Conn) markAuthenticated(key *seal.Key, sessionID, username string) {
	c.writeMu.Lock()
	c.key = key
	c.writeMu.Unlock()
	c.phase = phaseAuthenticated
	c.sessionID = sessionID
	c.username = username
	c.requiresEncryption = key != nil
	c.srpSession = nil
	c.stopHandshakeTimer()
}

// noteBinaryFrame latches that the peer speaks length-byte binary frames.
func (c *Conn) noteBinaryFrame() {
	c.writeMu.Lock()
	c.useBinaryFrames = true
	c.writeMu.Unlock()
}

// noteBinaryEncrypted latches binary envelopes; every later binary frame is
// interpreted as encrypted.
func (c *Conn) noteBinaryEncrypted() {
	c.writeMu.Lock()
	c.useBinaryFrames = true
	c.useBinaryEncrypted = true
	c.writeMu.Unlock()
}

// noteSupportedFormat records a format the peer accepts for outbound frames.
func (c *Conn) noteSupportedFormat(f byte) {
	c.writeMu.Lock()
	c.supportedFormats[f] = true
	c.writeMu.Unlock()
}

// checkInboundSeq enforces strictly increasing sequence numbers inside
// encrypted payloads. The first observed value is accepted as-is so peers may
// start at zero.
func (c *Conn) checkInboundSeq(seq uint64) bool {
	if c.seenInbound && seq <= c.lastInboundSeq {
		return false
	}
	c.seenInbound = true
	c.lastInboundSeq = seq
	return true
}

// issueResumeChallenge replaces any outstanding challenge.
func (c *Conn) issueResumeChallenge(sessionID, username string, now time.Time) (*resumeChallenge, error) {
	nonce, err := seal.NewNonce()
	if err != nil {
		return nil, err
	}
	ch := &resumeChallenge{sessionID: sessionID, username: username, issuedAt: now}
	ch.nonce = *nonce
	c.pendingResume = ch
	return ch, nil
}

// consumeResumeChallenge fetches and clears the pending challenge when it
// matches and is younger than the TTL. Single use: the challenge is cleared
// even when validation later fails.
func (c *Conn) consumeResumeChallenge(sessionID, username string, now time.Time) (*resumeChallenge, bool) {
	ch := c.pendingResume
	c.pendingResume = nil
	if ch == nil {
		return nil, false
	}
	if subtle.ConstantTimeCompare([]byte(ch.sessionID), []byte(sessionID)) != 1 {
		return nil, false
	}
	if username != "" && ch.username != username {
		return nil, false
	}
	if now.Sub(ch.issuedAt) > c.srv.cfg.ResumeChallengeTTL {
		return nil, false
	}
	return ch, true
}

// ratelimitHello consumes per-connection and per-identity hello tokens.
func (c *Conn) ratelimitHello(identity string, now time.Time) bool {
	if now.Before(c.blockedUntil) {
		return false
	}
	if !c.helloBucket.AllowN(now, 1) {
		return false
	}
	return c.srv.identities.allowHello(identity, now)
}

// recordFailedProof schedules the exponential cooldown on both scopes.
func (c *Conn) recordFailedProof(identity string, now time.Time) {
	c.failedProofs++
	c.blockedUntil = now.Add(proofCooldown(c.failedProofs))
	c.srv.identities.recordFailedProof(identity, now)
}

// armHandshakeTimer closes the socket when the handshake does not complete
// within the configured window. Re-arming replaces the previous timer.
func (c *Conn) armHandshakeTimer() {
	c.handshakeMu.Lock()
	defer c.handshakeMu.Unlock()
	if c.handshakeTimer != nil {
		c.handshakeTimer.Stop()
	}
	c.handshakeTimer = time.AfterFunc(c.srv.cfg.HandshakeTimeout, func() {
		c.log.Warn("handshake timeout")
		c.srv.obs.Close(observability.CloseReasonHandshakeTimeout)
		c.closeWith(wire.CloseAuthTimeout, "authentication timeout")
	})
}

func (c *Conn) stopHandshakeTimer() {
	c.handshakeMu.Lock()
	defer c.handshakeMu.Unlock()
	if c.handshakeTimer != nil {
		c.handshakeTimer.Stop()
		c.handshakeTimer = nil
	}
}

// sendMessage delivers a protocol message, sealing it when the connection
// requires encryption. Safe for concurrent use.
func (c *Conn) sendMessage(ctx context.Context, v any) error {
	payload, err := protocol.Marshal(v)
	if err != nil {
		return fmt.Errorf("host: encode message: %w", err)
	}
	return c.sendPayload(ctx, payload)
}

// sendPlain delivers a message without encryption regardless of phase; the
// handshake replies use it before the key is armed.
func (c *Conn) sendPlain(ctx context.Context, v any) error {
	payload, err := protocol.Marshal(v)
	if err != nil {
		return fmt.Errorf("host: encode message: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.writeClosed {
		return errWriteClosed
	}
	return c.writeOrFail(ctx, websocket.TextMessage, payload)
}

func (c *Conn) sendPayload(ctx context.Context, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.writeClosed {
		return errWriteClosed
	}
	if c.key == nil {
		return c.writeOrFail(ctx, websocket.TextMessage, payload)
	}

	seq := c.outboundSeq
	c.outboundSeq++
	sequenced, err := wire.EncodeSequencedJSON(seq, payload)
	if err != nil {
		return fmt.Errorf("host: sequence payload: %w", err)
	}
	if !c.useBinaryEncrypted {
		// Legacy peers only understand the JSON envelope, whose payload
		// is always uncompressed JSON.
		frame, err := wire.SealJSONEnvelope(c.key, sequenced)
		if err != nil {
			return fmt.Errorf("host: seal: %w", err)
		}
		return c.writeOrFail(ctx, websocket.TextMessage, frame)
	}

	format := wire.FormatJSON
	if len(sequenced) >= c.srv.cfg.CompressThreshold && c.supportedFormats[wire.FormatCompressedJSON] {
		compressed, err := wire.CompressJSON(sequenced)
		if err == nil && len(compressed) < len(sequenced) {
			sequenced = compressed
			format = wire.FormatCompressedJSON
		}
	}
	frame, err := wire.SealEnvelope(c.key, format, sequenced)
	if err != nil {
		return fmt.Errorf("host: seal: %w", err)
	}
	return c.writeOrFail(ctx, websocket.BinaryMessage, frame)
}

// writeOrFail writes one frame; a failed write closes the connection with
// 1011 and poisons further sends. Callers hold writeMu.
func (c *Conn) writeOrFail(ctx context.Context, messageType int, data []byte) error {
	if err := c.sock.WriteMessage(ctx, messageType, data); err != nil {
		c.writeClosed = true
		c.log.Warn("write failed", "err", err)
		c.srv.obs.Close(observability.CloseReasonWriteError)
		_ = c.sock.CloseWithStatus(wire.CloseSendFailure, "send failure")
		return fmt.Errorf("host: write: %w", err)
	}
	return nil
}

// closeWith sends a close frame and tears the socket down.
func (c *Conn) closeWith(code int, text string) {
	c.writeMu.Lock()
	c.writeClosed = true
	c.writeMu.Unlock()
	_ = c.sock.CloseWithStatus(code, text)
}

func (c *Conn) closed() bool {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.writeClosed
}
