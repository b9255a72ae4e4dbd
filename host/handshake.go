package host

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"encoding/binary"
	"time"

	"github.com/google/uuid"

	"github.com/sessionwire/sessionwire/crypto/seal"
	"github.com/sessionwire/sessionwire/crypto/srp"
	"github.com/sessionwire/sessionwire/observability"
	"github.com/sessionwire/sessionwire/protocol"
	"github.com/sessionwire/sessionwire/store"
	"github.com/sessionwire/sessionwire/wire"
)

// Stable srp_error codes shared with the client error classifier.
const (
	srpCodeInvalidProof    = "invalid_proof"
	srpCodeUnknownIdentity = "unknown_identity"
	srpCodeMissingConfig   = "missing_config"
	srpCodeBadSequence     = "bad_sequence"
)

// resumeProofSize is the sealed plaintext: challenge nonce plus a big-endian
// unix-millisecond timestamp.
const resumeProofSize = seal.NonceSize + 8

func (s *Server) sendSRPError(ctx context.Context, c *Conn, code, message string) {
	_ = c.sendPlain(ctx, &protocol.SRPError{Type: protocol.TypeSRPError, Code: code, Message: message})
}

// handleHello starts a fresh SRP exchange. The reply, like every handshake
// message, goes out in plaintext.
func (s *Server) handleHello(ctx context.Context, c *Conn, msg *protocol.SRPHello) {
	if c.phase != phaseUnauthenticated {
		s.sendSRPError(ctx, c, srpCodeBadSequence, "hello out of order")
		c.closeWith(wire.CloseAuthRequired, "handshake out of order")
		return
	}
	now := time.Now()
	if !c.ratelimitHello(msg.Identity, now) {
		s.obs.Handshake(observability.HandshakeResultRateLimited, 0)
		s.obs.Close(observability.CloseReasonRateLimited)
		// Deliberately indistinguishable from a bad proof.
		s.sendSRPError(ctx, c, srpCodeInvalidProof, "")
		c.closeWith(wire.CloseAuthTimeout, "rate limited")
		return
	}
	username, ok := s.creds.Username()
	if !ok {
		s.sendSRPError(ctx, c, srpCodeMissingConfig, "no identity configured")
		c.closeWith(wire.CloseAuthRequired, "no identity configured")
		return
	}
	if msg.Identity != username {
		s.obs.Handshake(observability.HandshakeResultUnknownUser, 0)
		s.sendSRPError(ctx, c, srpCodeUnknownIdentity, "")
		c.closeWith(wire.CloseAuthRequired, "unknown identity")
		return
	}
	salt, verifier, ok := s.creds.Credentials()
	if !ok {
		s.sendSRPError(ctx, c, srpCodeMissingConfig, "no credentials configured")
		c.closeWith(wire.CloseAuthRequired, "no credentials configured")
		return
	}
	sess, err := srp.NewServer(srp.Group2048(), salt, verifier)
	if err != nil {
		c.log.Error("srp server init", "err", err)
		s.sendSRPError(ctx, c, srpCodeInvalidProof, "")
		c.closeWith(wire.CloseAuthRequired, "handshake failed")
		return
	}
	c.srpSession = sess
	c.username = msg.Identity
	c.helloAt = now
	c.phase = phaseWaitingProof
	c.armHandshakeTimer()

	challengeSalt, b := sess.Challenge()
	_ = c.sendPlain(ctx, &protocol.SRPChallenge{
		Type: protocol.TypeSRPChallenge,
		Salt: base64.StdEncoding.EncodeToString(challengeSalt),
		B:    base64.StdEncoding.EncodeToString(b),
	})
}

// handleProof verifies M1, persists the new session, and arms encryption.
// The verify message is the last plaintext frame the server sends.
func (s *Server) handleProof(ctx context.Context, c *Conn, msg *protocol.SRPProof) {
	if c.phase != phaseWaitingProof || c.srpSession == nil {
		s.sendSRPError(ctx, c, srpCodeBadSequence, "proof out of order")
		c.closeWith(wire.CloseAuthRequired, "handshake out of order")
		return
	}
	now := time.Now()
	clientA, errA := base64.StdEncoding.DecodeString(msg.A)
	m1, errM := base64.StdEncoding.DecodeString(msg.M1)
	if errA != nil || errM != nil {
		s.failProof(ctx, c, now, "malformed proof")
		return
	}
	m2, err := c.srpSession.VerifyClient(clientA, m1)
	if err != nil {
		s.failProof(ctx, c, now, "")
		return
	}
	keyBytes, err := c.srpSession.SessionKey()
	if err != nil {
		c.log.Error("session key derivation", "err", err)
		s.failProof(ctx, c, now, "")
		return
	}
	key, err := seal.NewKey(keyBytes)
	if err != nil {
		c.log.Error("session key size", "err", err)
		s.failProof(ctx, c, now, "")
		return
	}

	sessionID := uuid.NewString()
	rec := &store.Session{
		SessionID:       sessionID,
		Username:        c.username,
		SessionKey:      base64.StdEncoding.EncodeToString(keyBytes),
		Origin:          c.origin,
		UserAgent:       c.userAgent,
		CreatedAt:       now,
		LastConnectedAt: now,
	}
	if err := s.sessions.Create(rec); err != nil {
		c.log.Error("persist session", "err", err)
		s.sendSRPError(ctx, c, srpCodeInvalidProof, "")
		c.closeWith(wire.CloseAuthRequired, "handshake failed")
		return
	}

	if err := c.sendPlain(ctx, &protocol.SRPVerify{
		Type:      protocol.TypeSRPVerify,
		M2:        base64.StdEncoding.EncodeToString(m2),
		SessionID: sessionID,
	}); err != nil {
		return
	}
	c.markAuthenticated(key, sessionID, c.username)
	c.failedProofs = 0
	c.blockedUntil = time.Time{}
	s.identities.reset(c.username)
	s.obs.Handshake(observability.HandshakeResultOK, now.Sub(c.helloAt))
	c.log.Info("authenticated", "username", c.username, "session_id", sessionID)
}

func (s *Server) failProof(ctx context.Context, c *Conn, now time.Time, message string) {
	c.recordFailedProof(c.username, now)
	s.obs.Handshake(observability.HandshakeResultInvalidProof, now.Sub(c.helloAt))
	c.phase = phaseUnauthenticated
	c.srpSession = nil
	s.sendSRPError(ctx, c, srpCodeInvalidProof, message)
	c.closeWith(wire.CloseAuthRequired, "invalid proof")
}

// handleResumeInit issues a one-time challenge for a stored session. Unknown
// sessions get srp_invalid without a close so the client can fall back to a
// full handshake.
func (s *Server) handleResumeInit(ctx context.Context, c *Conn, msg *protocol.SRPResumeInit) {
	if c.phase != phaseUnauthenticated {
		s.sendSRPError(ctx, c, srpCodeBadSequence, "resume-init out of order")
		c.closeWith(wire.CloseAuthRequired, "handshake out of order")
		return
	}
	now := time.Now()
	rec, ok := s.sessions.Get(msg.SessionID)
	if !ok || (msg.Username != "" && rec.Username != msg.Username) {
		s.obs.Resume(observability.ResumeResultInvalid)
		_ = c.sendPlain(ctx, &protocol.SRPInvalid{Type: protocol.TypeSRPInvalid, Reason: "unknown_session"})
		return
	}
	ch, err := c.issueResumeChallenge(rec.SessionID, rec.Username, now)
	if err != nil {
		c.log.Error("resume challenge", "err", err)
		_ = c.sendPlain(ctx, &protocol.SRPInvalid{Type: protocol.TypeSRPInvalid, Reason: "internal"})
		return
	}
	c.armHandshakeTimer()
	_ = c.sendPlain(ctx, &protocol.SRPResumeChallenge{
		Type:  protocol.TypeSRPResumeChallenge,
		Nonce: base64.StdEncoding.EncodeToString(ch.nonce[:]),
	})
}

// handleResume validates the sealed proof against the outstanding challenge
// and re-admits the connection under the stored key.
func (s *Server) handleResume(ctx context.Context, c *Conn, msg *protocol.SRPResume) {
	if c.phase != phaseUnauthenticated {
		s.sendSRPError(ctx, c, srpCodeBadSequence, "resume out of order")
		c.closeWith(wire.CloseAuthRequired, "handshake out of order")
		return
	}
	now := time.Now()
	ch, ok := c.consumeResumeChallenge(msg.SessionID, "", now)
	if !ok {
		s.obs.Resume(observability.ResumeResultExpired)
		_ = c.sendPlain(ctx, &protocol.SRPInvalid{Type: protocol.TypeSRPInvalid, Reason: "challenge_expired"})
		return
	}
	rec, ok := s.sessions.Get(msg.SessionID)
	if !ok {
		s.obs.Resume(observability.ResumeResultInvalid)
		_ = c.sendPlain(ctx, &protocol.SRPInvalid{Type: protocol.TypeSRPInvalid, Reason: "unknown_session"})
		return
	}
	key, err := rec.Key()
	if err != nil {
		c.log.Error("stored session key", "session_id", rec.SessionID, "err", err)
		_ = s.sessions.Delete(rec.SessionID)
		s.obs.Resume(observability.ResumeResultInvalid)
		_ = c.sendPlain(ctx, &protocol.SRPInvalid{Type: protocol.TypeSRPInvalid, Reason: "invalid_session"})
		return
	}

	nonceBytes, errN := base64.StdEncoding.DecodeString(msg.Nonce)
	box, errB := base64.StdEncoding.DecodeString(msg.Proof)
	if errN != nil || errB != nil || len(nonceBytes) != seal.NonceSize {
		s.obs.Resume(observability.ResumeResultInvalid)
		_ = c.sendPlain(ctx, &protocol.SRPInvalid{Type: protocol.TypeSRPInvalid, Reason: "malformed_proof"})
		return
	}
	var nonce [seal.NonceSize]byte
	copy(nonce[:], nonceBytes)
	plain, err := key.Open(nil, &nonce, box)
	if err != nil {
		// A proof the stored key cannot open means the peers no longer
		// share this session; drop it so the next attempt starts clean.
		_ = s.sessions.Delete(rec.SessionID)
		s.obs.Resume(observability.ResumeResultInvalid)
		_ = c.sendPlain(ctx, &protocol.SRPInvalid{Type: protocol.TypeSRPInvalid, Reason: "invalid_proof"})
		return
	}
	if len(plain) != resumeProofSize ||
		subtle.ConstantTimeCompare(plain[:seal.NonceSize], ch.nonce[:]) != 1 {
		s.obs.Resume(observability.ResumeResultInvalid)
		_ = c.sendPlain(ctx, &protocol.SRPInvalid{Type: protocol.TypeSRPInvalid, Reason: "invalid_proof"})
		return
	}
	ts := time.UnixMilli(int64(binary.BigEndian.Uint64(plain[seal.NonceSize:])))
	if d := now.Sub(ts); d < -s.cfg.ResumeChallengeTTL || d > s.cfg.ResumeChallengeTTL {
		s.obs.Resume(observability.ResumeResultExpired)
		_ = c.sendPlain(ctx, &protocol.SRPInvalid{Type: protocol.TypeSRPInvalid, Reason: "stale_proof"})
		return
	}

	if err := c.sendPlain(ctx, &protocol.SRPResumed{
		Type:      protocol.TypeSRPResumed,
		SessionID: rec.SessionID,
	}); err != nil {
		return
	}
	c.markAuthenticated(key, rec.SessionID, rec.Username)
	if err := s.sessions.TouchConnected(rec.SessionID, now); err != nil {
		c.log.Warn("touch session", "session_id", rec.SessionID, "err", err)
	}
	s.obs.Resume(observability.ResumeResultOK)
	c.log.Info("session resumed", "username", rec.Username, "session_id", rec.SessionID)
}
