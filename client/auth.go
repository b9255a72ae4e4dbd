package client

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sessionwire/sessionwire/crypto/seal"
	"github.com/sessionwire/sessionwire/crypto/srp"
	"github.com/sessionwire/sessionwire/protocol"
	"github.com/sessionwire/sessionwire/realtime/ws"
	"github.com/sessionwire/sessionwire/store"
	"github.com/sessionwire/sessionwire/swerrors"
)

// authenticate runs resume or SRP on a fresh socket, before the read loop
// starts. Both flows are plaintext request/reply exchanges. A nil key result
// means trusted-local plaintext mode.
func (c *Client) authenticate(ctx context.Context, sock *ws.Conn) (*seal.Key, string, error) {
	if c.opts.storedSession != nil {
		key, sessionID, err := c.resume(ctx, sock, c.opts.storedSession)
		if err == nil {
			return key, sessionID, nil
		}
		if !isResumeFallback(err) {
			return nil, "", err
		}
		if c.opts.password == "" {
			return nil, "", swerrors.Wrap(swerrors.StageResume, swerrors.CodeAuthRequired, err)
		}
		c.log.Info("resume rejected, falling back to password handshake")
		// Invalidate the consumed session so the next connect starts clean.
		c.opts.storedSession = nil
		if c.opts.sessionSink != nil {
			c.opts.sessionSink(nil)
		}
	}
	if c.opts.password != "" {
		return c.srpHandshake(ctx, sock)
	}
	return nil, "", nil
}

// errResumeRejected marks a server-side srp_invalid; a password fallback may
// still succeed.
type errResumeRejected struct{ reason string }

func (e *errResumeRejected) Error() string { return "client: resume rejected: " + e.reason }

func isResumeFallback(err error) bool {
	_, ok := err.(*errResumeRejected)
	return ok
}

// readHandshakeMessage reads the next plaintext handshake frame.
func (c *Client) readHandshakeMessage(ctx context.Context, sock *ws.Conn) (protocol.Type, any, error) {
	mt, data, err := sock.ReadMessage(ctx)
	if err != nil {
		return "", nil, swerrors.Wrap(swerrors.StageHandshake, swerrors.CodeTransportClosed, err)
	}
	if mt != websocket.TextMessage {
		return "", nil, swerrors.Wrap(swerrors.StageHandshake, swerrors.CodeFrameMalformed,
			fmt.Errorf("unexpected frame type %d during handshake", mt))
	}
	t, v, err := protocol.Decode(data)
	if err != nil {
		return "", nil, swerrors.Wrap(swerrors.StageHandshake, swerrors.CodeFrameMalformed, err)
	}
	return t, v, nil
}

func (c *Client) sendHandshakeMessage(ctx context.Context, sock *ws.Conn, v any) error {
	b, err := protocol.Marshal(v)
	if err != nil {
		return swerrors.Wrap(swerrors.StageHandshake, swerrors.CodeInvalidInput, err)
	}
	if err := sock.WriteMessage(ctx, websocket.TextMessage, b); err != nil {
		return swerrors.Wrap(swerrors.StageHandshake, swerrors.CodeSendFailed, err)
	}
	return nil
}

// srpHandshake runs hello/challenge/proof/verify and derives the session key.
func (c *Client) srpHandshake(ctx context.Context, sock *ws.Conn) (*seal.Key, string, error) {
	auth, err := srp.NewClient(srp.Group2048(), c.opts.username, c.opts.password)
	if err != nil {
		return nil, "", swerrors.Wrap(swerrors.StageHandshake, swerrors.CodeInvalidInput, err)
	}
	err = c.sendHandshakeMessage(ctx, sock, &protocol.SRPHello{
		Type: protocol.TypeSRPHello, Identity: c.opts.username,
	})
	if err != nil {
		return nil, "", err
	}
	t, v, err := c.readHandshakeMessage(ctx, sock)
	if err != nil {
		return nil, "", err
	}
	ch, ok := v.(*protocol.SRPChallenge)
	if !ok {
		return nil, "", handshakeReject(t, v)
	}
	salt, errS := base64.StdEncoding.DecodeString(ch.Salt)
	serverB, errB := base64.StdEncoding.DecodeString(ch.B)
	if errS != nil || errB != nil {
		return nil, "", swerrors.New(swerrors.StageHandshake, swerrors.CodeFrameMalformed)
	}
	m1, err := auth.ProveIdentity(salt, serverB)
	if err != nil {
		return nil, "", swerrors.Wrap(swerrors.StageHandshake, swerrors.CodeInvalidProof, err)
	}
	err = c.sendHandshakeMessage(ctx, sock, &protocol.SRPProof{
		Type: protocol.TypeSRPProof,
		A:    base64.StdEncoding.EncodeToString(auth.PublicKey()),
		M1:   base64.StdEncoding.EncodeToString(m1),
	})
	if err != nil {
		return nil, "", err
	}
	t, v, err = c.readHandshakeMessage(ctx, sock)
	if err != nil {
		return nil, "", err
	}
	verify, ok := v.(*protocol.SRPVerify)
	if !ok {
		return nil, "", handshakeReject(t, v)
	}
	m2, err := base64.StdEncoding.DecodeString(verify.M2)
	if err != nil {
		return nil, "", swerrors.New(swerrors.StageHandshake, swerrors.CodeFrameMalformed)
	}
	if err := auth.VerifyServer(m2); err != nil {
		// The server failed to prove knowledge of the verifier.
		return nil, "", swerrors.Wrap(swerrors.StageHandshake, swerrors.CodeInvalidProof, err)
	}
	keyBytes, err := auth.SessionKey()
	if err != nil {
		return nil, "", swerrors.Wrap(swerrors.StageHandshake, swerrors.CodeInvalidProof, err)
	}
	key, err := seal.NewKey(keyBytes)
	if err != nil {
		return nil, "", swerrors.Wrap(swerrors.StageHandshake, swerrors.CodeInvalidProof, err)
	}
	if c.opts.sessionSink != nil {
		c.opts.sessionSink(&store.HostSession{
			SessionID:  verify.SessionID,
			Username:   c.opts.username,
			SessionKey: base64.StdEncoding.EncodeToString(keyBytes),
		})
	}
	return key, verify.SessionID, nil
}

// resume re-admits the connection under a stored session key.
func (c *Client) resume(ctx context.Context, sock *ws.Conn, sess *store.HostSession) (*seal.Key, string, error) {
	key, err := sess.Key()
	if err != nil {
		return nil, "", &errResumeRejected{reason: "unusable stored key"}
	}
	err = c.sendHandshakeMessage(ctx, sock, &protocol.SRPResumeInit{
		Type: protocol.TypeSRPResumeInit, SessionID: sess.SessionID, Username: sess.Username,
	})
	if err != nil {
		return nil, "", err
	}
	t, v, err := c.readHandshakeMessage(ctx, sock)
	if err != nil {
		return nil, "", err
	}
	ch, ok := v.(*protocol.SRPResumeChallenge)
	if !ok {
		if inv, isInvalid := v.(*protocol.SRPInvalid); isInvalid {
			return nil, "", &errResumeRejected{reason: inv.Reason}
		}
		return nil, "", handshakeReject(t, v)
	}
	challengeNonce, err := base64.StdEncoding.DecodeString(ch.Nonce)
	if err != nil || len(challengeNonce) != seal.NonceSize {
		return nil, "", swerrors.New(swerrors.StageResume, swerrors.CodeFrameMalformed)
	}

	plain := make([]byte, seal.NonceSize+8)
	copy(plain, challengeNonce)
	binary.BigEndian.PutUint64(plain[seal.NonceSize:], uint64(time.Now().UnixMilli()))
	nonce, err := seal.NewNonce()
	if err != nil {
		return nil, "", swerrors.Wrap(swerrors.StageResume, swerrors.CodeInvalidProof, err)
	}
	err = c.sendHandshakeMessage(ctx, sock, &protocol.SRPResume{
		Type:      protocol.TypeSRPResume,
		SessionID: sess.SessionID,
		Nonce:     base64.StdEncoding.EncodeToString(nonce[:]),
		Proof:     base64.StdEncoding.EncodeToString(key.Seal(nil, nonce, plain)),
	})
	if err != nil {
		return nil, "", err
	}
	t, v, err = c.readHandshakeMessage(ctx, sock)
	if err != nil {
		return nil, "", err
	}
	resumed, ok := v.(*protocol.SRPResumed)
	if !ok {
		if inv, isInvalid := v.(*protocol.SRPInvalid); isInvalid {
			return nil, "", &errResumeRejected{reason: inv.Reason}
		}
		return nil, "", handshakeReject(t, v)
	}
	return key, resumed.SessionID, nil
}

// handshakeReject maps an unexpected handshake reply into the error taxonomy.
func handshakeReject(t protocol.Type, v any) error {
	if srpErr, ok := v.(*protocol.SRPError); ok {
		return swerrors.Wrap(swerrors.StageHandshake, srpErrorCode(srpErr.Code),
			fmt.Errorf("server rejected handshake: %s", srpErr.Code))
	}
	return swerrors.Wrap(swerrors.StageHandshake, swerrors.CodeFrameMalformed,
		fmt.Errorf("unexpected handshake reply %q", t))
}

func srpErrorCode(code string) swerrors.Code {
	switch code {
	case "invalid_proof":
		return swerrors.CodeInvalidProof
	case "unknown_identity":
		return swerrors.CodeUnknownIdentity
	case "missing_config":
		return swerrors.CodeMissingConfig
	case "rate_limited":
		return swerrors.CodeRateLimited
	}
	return swerrors.CodeAuthRequired
}
