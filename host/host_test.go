package host

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sessionwire/sessionwire/crypto/seal"
	"github.com/sessionwire/sessionwire/crypto/srp"
	"github.com/sessionwire/sessionwire/observability"
	"github.com/sessionwire/sessionwire/protocol"
	"github.com/sessionwire/sessionwire/store"
	"github.com/sessionwire/sessionwire/wire"
)

type testFrame struct {
	mt   int
	data []byte
}

// testSocket is an in-memory Socket: the test writes inbound frames to in and
// reads the server's output from out.
type testSocket struct {
	in  chan testFrame
	out chan testFrame

	mu        sync.Mutex
	closed    bool
	closeCh   chan struct{}
	closeCode int
}

func newTestSocket() *testSocket {
	return &testSocket{
		in:      make(chan testFrame, 32),
		out:     make(chan testFrame, 64),
		closeCh: make(chan struct{}),
	}
}

func (s *testSocket) ReadMessage(ctx context.Context) (int, []byte, error) {
	select {
	case f := <-s.in:
		return f.mt, f.data, nil
	case <-s.closeCh:
		return 0, nil, io.EOF
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	}
}

func (s *testSocket) WriteMessage(_ context.Context, mt int, data []byte) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return errors.New("socket closed")
	}
	select {
	case s.out <- testFrame{mt: mt, data: append([]byte(nil), data...)}:
		return nil
	default:
		return errors.New("out buffer full")
	}
}

func (s *testSocket) SetReadLimit(int64) {}

func (s *testSocket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.closeCh)
	}
	return nil
}

func (s *testSocket) CloseWithStatus(code int, _ string) error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		s.closeCode = code
		close(s.closeCh)
	}
	s.mu.Unlock()
	return nil
}

func (s *testSocket) closedCode(t *testing.T) int {
	t.Helper()
	select {
	case <-s.closeCh:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for socket close")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCode
}

func (s *testSocket) nextFrame(t *testing.T) testFrame {
	t.Helper()
	select {
	case f := <-s.out:
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for server frame")
		return testFrame{}
	}
}

// staticCreds serves one identity from memory.
type staticCreds struct {
	username string
	salt     []byte
	verifier []byte
}

func (c staticCreds) Username() (string, bool) { return c.username, c.username != "" }
func (c staticCreds) Credentials() ([]byte, []byte, bool) {
	return c.salt, c.verifier, c.salt != nil
}

func newTestCreds(t *testing.T, username, password string) staticCreds {
	t.Helper()
	salt, err := srp.NewSalt()
	if err != nil {
		t.Fatalf("new salt: %v", err)
	}
	return staticCreds{
		username: username,
		salt:     salt,
		verifier: srp.ComputeVerifier(srp.Group2048(), username, password, salt),
	}
}

func newTestSessions(t *testing.T) *store.Sessions {
	t.Helper()
	s, err := store.OpenSessions(t.TempDir() + "/sessions.json")
	if err != nil {
		t.Fatalf("open sessions: %v", err)
	}
	return s
}

// memBus is an in-memory ActivityBus.
type memBus struct {
	mu   sync.Mutex
	subs map[int]func(json.RawMessage)
	next int
}

func newMemBus() *memBus { return &memBus{subs: make(map[int]func(json.RawMessage))} }

func (b *memBus) Subscribe(fn func(json.RawMessage)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.next
	b.next++
	b.subs[id] = fn
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs, id)
	}
}

func (b *memBus) Publish(ev json.RawMessage) {
	b.mu.Lock()
	fns := make([]func(json.RawMessage), 0, len(b.subs))
	for _, fn := range b.subs {
		fns = append(fns, fn)
	}
	b.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

// memStaging is an in-memory UploadStaging.
type memStaging struct {
	mu      sync.Mutex
	bufs    map[string][]byte
	done    map[string]bool
	deleted map[string]bool
	next    int
}

func newMemStaging() *memStaging {
	return &memStaging{
		bufs:    make(map[string][]byte),
		done:    make(map[string]bool),
		deleted: make(map[string]bool),
	}
}

func (m *memStaging) Start(_ context.Context, _ UploadInfo) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.next++
	id := "staging-" + string(rune('a'+m.next))
	m.bufs[id] = nil
	return id, nil
}

func (m *memStaging) WriteChunk(_ context.Context, id string, offset int64, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	buf, ok := m.bufs[id]
	if !ok || int64(len(buf)) != offset {
		return errors.New("bad staging write")
	}
	m.bufs[id] = append(buf, data...)
	return nil
}

func (m *memStaging) Complete(_ context.Context, id string) (json.RawMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	buf, ok := m.bufs[id]
	if !ok {
		return nil, errors.New("unknown staging id")
	}
	m.done[id] = true
	return json.RawMessage(`{"size":` + jsonInt(len(buf)) + `}`), nil
}

func (m *memStaging) Cancel(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleted[id] = true
	delete(m.bufs, id)
	return nil
}

func (m *memStaging) content(id string) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]byte(nil), m.bufs[id]...)
}

func jsonInt(n int) string {
	b, _ := json.Marshal(n)
	return string(b)
}

func newTestServer(t *testing.T, mutate func(*Config)) (*Server, func()) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Credentials = newTestCreds(t, "operator", "correct horse")
	cfg.Sessions = newTestSessions(t)
	if mutate != nil {
		mutate(&cfg)
	}
	srv := New(cfg)
	return srv, func() { _ = srv.Close() }
}

// testPeer drives the client half of a connection against a testSocket.
type testPeer struct {
	t    *testing.T
	sock *testSocket
	key  *seal.Key
	seq  uint64
	bin  bool
}

func (p *testPeer) sendPlain(v any) {
	p.t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		p.t.Fatalf("marshal: %v", err)
	}
	p.sock.in <- testFrame{mt: websocket.TextMessage, data: b}
}

func (p *testPeer) sendSealed(v any) {
	p.t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		p.t.Fatalf("marshal: %v", err)
	}
	p.sendSealedSeq(p.seq, b)
	p.seq++
}

func (p *testPeer) sendSealedSeq(seq uint64, msg []byte) {
	p.t.Helper()
	sequenced, err := wire.EncodeSequencedJSON(seq, msg)
	if err != nil {
		p.t.Fatalf("sequence: %v", err)
	}
	if p.bin {
		frame, err := wire.SealEnvelope(p.key, wire.FormatJSON, sequenced)
		if err != nil {
			p.t.Fatalf("seal: %v", err)
		}
		p.sock.in <- testFrame{mt: websocket.BinaryMessage, data: frame}
		return
	}
	frame, err := wire.SealJSONEnvelope(p.key, sequenced)
	if err != nil {
		p.t.Fatalf("seal: %v", err)
	}
	p.sock.in <- testFrame{mt: websocket.TextMessage, data: frame}
}

// recvPlain reads one plaintext text frame.
func (p *testPeer) recvPlain() (protocol.Type, []byte) {
	p.t.Helper()
	f := p.sock.nextFrame(p.t)
	if f.mt != websocket.TextMessage {
		p.t.Fatalf("expected text frame, got type %d", f.mt)
	}
	typ, err := protocol.Sniff(f.data)
	if err != nil {
		p.t.Fatalf("sniff: %v", err)
	}
	return typ, f.data
}

// recvSealed reads one encrypted frame in either envelope form.
func (p *testPeer) recvSealed() (protocol.Type, []byte) {
	p.t.Helper()
	f := p.sock.nextFrame(p.t)
	var sequenced []byte
	switch f.mt {
	case websocket.BinaryMessage:
		format, plain, err := wire.OpenEnvelope(p.key, f.data)
		if err != nil {
			p.t.Fatalf("open envelope: %v", err)
		}
		if format == wire.FormatCompressedJSON {
			plain, err = wire.DecompressJSON(plain, wire.DefaultMaxInflateBytes)
			if err != nil {
				p.t.Fatalf("decompress: %v", err)
			}
		}
		sequenced = plain
	case websocket.TextMessage:
		plain, err := wire.OpenJSONEnvelope(p.key, f.data)
		if err != nil {
			p.t.Fatalf("open json envelope: %v", err)
		}
		sequenced = plain
	default:
		p.t.Fatalf("unexpected frame type %d", f.mt)
	}
	_, msg, err := wire.DecodeSequencedJSON(sequenced)
	if err != nil {
		p.t.Fatalf("decode sequenced: %v", err)
	}
	typ, err := protocol.Sniff(msg)
	if err != nil {
		p.t.Fatalf("sniff: %v", err)
	}
	return typ, msg
}

// handshake runs a full SRP exchange and returns the authenticated peer.
func handshake(t *testing.T, srv *Server, password string) (*testPeer, string) {
	t.Helper()
	sock := newTestSocket()
	srv.AcceptConnection(sock)
	p := &testPeer{t: t, sock: sock}

	client, err := srp.NewClient(srp.Group2048(), "operator", password)
	if err != nil {
		t.Fatalf("srp client: %v", err)
	}
	p.sendPlain(&protocol.SRPHello{Type: protocol.TypeSRPHello, Identity: "operator"})
	typ, raw := p.recvPlain()
	if typ != protocol.TypeSRPChallenge {
		t.Fatalf("expected challenge, got %q: %s", typ, raw)
	}
	var ch protocol.SRPChallenge
	if err := json.Unmarshal(raw, &ch); err != nil {
		t.Fatalf("decode challenge: %v", err)
	}
	salt, _ := base64.StdEncoding.DecodeString(ch.Salt)
	serverB, _ := base64.StdEncoding.DecodeString(ch.B)
	m1, err := client.ProveIdentity(salt, serverB)
	if err != nil {
		t.Fatalf("prove identity: %v", err)
	}
	p.sendPlain(&protocol.SRPProof{
		Type: protocol.TypeSRPProof,
		A:    base64.StdEncoding.EncodeToString(client.PublicKey()),
		M1:   base64.StdEncoding.EncodeToString(m1),
	})
	typ, raw = p.recvPlain()
	if typ != protocol.TypeSRPVerify {
		t.Fatalf("expected verify, got %q: %s", typ, raw)
	}
	var verify protocol.SRPVerify
	if err := json.Unmarshal(raw, &verify); err != nil {
		t.Fatalf("decode verify: %v", err)
	}
	m2, _ := base64.StdEncoding.DecodeString(verify.M2)
	if err := client.VerifyServer(m2); err != nil {
		t.Fatalf("verify server: %v", err)
	}
	keyBytes, err := client.SessionKey()
	if err != nil {
		t.Fatalf("session key: %v", err)
	}
	p.key, err = seal.NewKey(keyBytes)
	if err != nil {
		t.Fatalf("seal key: %v", err)
	}
	return p, verify.SessionID
}

func TestHandshakeAndEncryptedPing(t *testing.T) {
	srv, stop := newTestServer(t, nil)
	defer stop()

	p, sessionID := handshake(t, srv, "correct horse")
	if sessionID == "" {
		t.Fatal("expected a session id")
	}

	// First inbound sequence number is zero and must be accepted.
	p.sendSealed(&protocol.Ping{Type: protocol.TypePing, ID: "ping-1"})
	typ, msg := p.recvSealed()
	if typ != protocol.TypePong {
		t.Fatalf("expected pong, got %q: %s", typ, msg)
	}
	var pong protocol.Pong
	if err := json.Unmarshal(msg, &pong); err != nil {
		t.Fatalf("decode pong: %v", err)
	}
	if pong.ID != "ping-1" {
		t.Fatalf("pong id = %q, want ping-1", pong.ID)
	}
}

func TestHandshakeWrongPassword(t *testing.T) {
	srv, stop := newTestServer(t, nil)
	defer stop()

	sock := newTestSocket()
	srv.AcceptConnection(sock)
	p := &testPeer{t: t, sock: sock}

	client, err := srp.NewClient(srp.Group2048(), "operator", "wrong password")
	if err != nil {
		t.Fatalf("srp client: %v", err)
	}
	p.sendPlain(&protocol.SRPHello{Type: protocol.TypeSRPHello, Identity: "operator"})
	typ, raw := p.recvPlain()
	if typ != protocol.TypeSRPChallenge {
		t.Fatalf("expected challenge, got %q", typ)
	}
	var ch protocol.SRPChallenge
	_ = json.Unmarshal(raw, &ch)
	salt, _ := base64.StdEncoding.DecodeString(ch.Salt)
	serverB, _ := base64.StdEncoding.DecodeString(ch.B)
	m1, err := client.ProveIdentity(salt, serverB)
	if err != nil {
		t.Fatalf("prove identity: %v", err)
	}
	p.sendPlain(&protocol.SRPProof{
		Type: protocol.TypeSRPProof,
		A:    base64.StdEncoding.EncodeToString(client.PublicKey()),
		M1:   base64.StdEncoding.EncodeToString(m1),
	})
	typ, raw = p.recvPlain()
	if typ != protocol.TypeSRPError {
		t.Fatalf("expected srp_error, got %q: %s", typ, raw)
	}
	var srpErr protocol.SRPError
	_ = json.Unmarshal(raw, &srpErr)
	if srpErr.Code != "invalid_proof" {
		t.Fatalf("error code = %q, want invalid_proof", srpErr.Code)
	}
	if code := sock.closedCode(t); code != wire.CloseAuthRequired {
		t.Fatalf("close code = %d, want %d", code, wire.CloseAuthRequired)
	}
}

func TestUnknownIdentityRejected(t *testing.T) {
	srv, stop := newTestServer(t, nil)
	defer stop()

	sock := newTestSocket()
	srv.AcceptConnection(sock)
	p := &testPeer{t: t, sock: sock}

	p.sendPlain(&protocol.SRPHello{Type: protocol.TypeSRPHello, Identity: "stranger"})
	typ, raw := p.recvPlain()
	if typ != protocol.TypeSRPError {
		t.Fatalf("expected srp_error, got %q", typ)
	}
	var srpErr protocol.SRPError
	_ = json.Unmarshal(raw, &srpErr)
	if srpErr.Code != "unknown_identity" {
		t.Fatalf("error code = %q, want unknown_identity", srpErr.Code)
	}
}

func TestSequenceReplayClosesConnection(t *testing.T) {
	srv, stop := newTestServer(t, nil)
	defer stop()

	p, _ := handshake(t, srv, "correct horse")
	p.sendSealed(&protocol.Ping{Type: protocol.TypePing, ID: "a"})
	if typ, _ := p.recvSealed(); typ != protocol.TypePong {
		t.Fatal("expected pong")
	}
	// Replay the previous sequence number.
	msg, _ := json.Marshal(&protocol.Ping{Type: protocol.TypePing, ID: "b"})
	p.sendSealedSeq(0, msg)
	if code := p.sock.closedCode(t); code != wire.CloseDecryptFailed {
		t.Fatalf("close code = %d, want %d", code, wire.CloseDecryptFailed)
	}
}

func TestPlaintextAfterAuthRejected(t *testing.T) {
	srv, stop := newTestServer(t, nil)
	defer stop()

	p, _ := handshake(t, srv, "correct horse")
	p.sendPlain(&protocol.Ping{Type: protocol.TypePing, ID: "plain"})
	if code := p.sock.closedCode(t); code != wire.CloseEncryptionRequired {
		t.Fatalf("close code = %d, want %d", code, wire.CloseEncryptionRequired)
	}
}

func TestResumeFlow(t *testing.T) {
	sessions := newTestSessions(t)
	srv, stop := newTestServer(t, func(cfg *Config) { cfg.Sessions = sessions })
	defer stop()

	p, sessionID := handshake(t, srv, "correct horse")
	p.sock.Close()

	// New connection resumes with the stored key.
	sock := newTestSocket()
	srv.AcceptConnection(sock)
	r := &testPeer{t: t, sock: sock, key: p.key}

	r.sendPlain(&protocol.SRPResumeInit{
		Type: protocol.TypeSRPResumeInit, SessionID: sessionID, Username: "operator",
	})
	typ, raw := r.recvPlain()
	if typ != protocol.TypeSRPResumeChallenge {
		t.Fatalf("expected resume challenge, got %q: %s", typ, raw)
	}
	var ch protocol.SRPResumeChallenge
	_ = json.Unmarshal(raw, &ch)
	challengeNonce, _ := base64.StdEncoding.DecodeString(ch.Nonce)

	plain := make([]byte, seal.NonceSize+8)
	copy(plain, challengeNonce)
	binary.BigEndian.PutUint64(plain[seal.NonceSize:], uint64(time.Now().UnixMilli()))
	nonce, err := seal.NewNonce()
	if err != nil {
		t.Fatalf("new nonce: %v", err)
	}
	r.sendPlain(&protocol.SRPResume{
		Type:      protocol.TypeSRPResume,
		SessionID: sessionID,
		Nonce:     base64.StdEncoding.EncodeToString(nonce[:]),
		Proof:     base64.StdEncoding.EncodeToString(p.key.Seal(nil, nonce, plain)),
	})
	typ, raw = r.recvPlain()
	if typ != protocol.TypeSRPResumed {
		t.Fatalf("expected resumed, got %q: %s", typ, raw)
	}

	r.sendSealed(&protocol.Ping{Type: protocol.TypePing, ID: "after-resume"})
	if typ, _ := r.recvSealed(); typ != protocol.TypePong {
		t.Fatal("expected pong after resume")
	}
}

func TestResumeChallengeSingleUse(t *testing.T) {
	sessions := newTestSessions(t)
	srv, stop := newTestServer(t, func(cfg *Config) { cfg.Sessions = sessions })
	defer stop()

	p, sessionID := handshake(t, srv, "correct horse")
	p.sock.Close()

	sock := newTestSocket()
	srv.AcceptConnection(sock)
	r := &testPeer{t: t, sock: sock, key: p.key}

	r.sendPlain(&protocol.SRPResumeInit{
		Type: protocol.TypeSRPResumeInit, SessionID: sessionID, Username: "operator",
	})
	if typ, _ := r.recvPlain(); typ != protocol.TypeSRPResumeChallenge {
		t.Fatal("expected resume challenge")
	}
	// A resume with garbage consumes the challenge.
	r.sendPlain(&protocol.SRPResume{
		Type: protocol.TypeSRPResume, SessionID: sessionID,
		Nonce: base64.StdEncoding.EncodeToString(make([]byte, seal.NonceSize)),
		Proof: base64.StdEncoding.EncodeToString([]byte("junk")),
	})
	if typ, _ := r.recvPlain(); typ != protocol.TypeSRPInvalid {
		t.Fatal("expected srp_invalid for bad proof")
	}
	// A second resume finds no outstanding challenge.
	r.sendPlain(&protocol.SRPResume{
		Type: protocol.TypeSRPResume, SessionID: sessionID,
		Nonce: base64.StdEncoding.EncodeToString(make([]byte, seal.NonceSize)),
		Proof: base64.StdEncoding.EncodeToString([]byte("junk")),
	})
	typ, raw := r.recvPlain()
	if typ != protocol.TypeSRPInvalid {
		t.Fatalf("expected srp_invalid, got %q", typ)
	}
	var inv protocol.SRPInvalid
	_ = json.Unmarshal(raw, &inv)
	if inv.Reason != "challenge_expired" {
		t.Fatalf("reason = %q, want challenge_expired", inv.Reason)
	}
}

func TestTrustedLocalRequestTunnel(t *testing.T) {
	app := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Request-Path", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Server", "hidden")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	})
	srv, stop := newTestServer(t, func(cfg *Config) {
		cfg.App = app
		cfg.APIBase = "/api"
	})
	defer stop()

	sock := newTestSocket()
	srv.admit(sock, admission{trusted: true})
	p := &testPeer{t: t, sock: sock}

	p.sendPlain(&protocol.Request{
		Type: protocol.TypeRequest, ID: "req-1", Method: "GET", Path: "/sessions",
	})
	typ, raw := p.recvPlain()
	if typ != protocol.TypeResponse {
		t.Fatalf("expected response, got %q: %s", typ, raw)
	}
	var resp protocol.Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.ID != "req-1" || resp.Status != http.StatusOK {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if resp.Headers["x-request-path"] != "/api/sessions" {
		t.Fatalf("x-request-path = %q, want /api/sessions", resp.Headers["x-request-path"])
	}
	if _, ok := resp.Headers["server"]; ok {
		t.Fatal("server header should be filtered out")
	}
	if string(resp.Body) != `{"ok":true}` {
		t.Fatalf("body = %s", resp.Body)
	}
}

func TestActivitySubscription(t *testing.T) {
	bus := newMemBus()
	srv, stop := newTestServer(t, func(cfg *Config) { cfg.Activity = bus })
	defer stop()

	sock := newTestSocket()
	srv.admit(sock, admission{trusted: true})
	p := &testPeer{t: t, sock: sock}

	p.sendPlain(&protocol.Subscribe{
		Type: protocol.TypeSubscribe, ID: "sub-1", Channel: protocol.ChannelActivity,
	})
	typ, raw := p.recvPlain()
	if typ != protocol.TypeEvent {
		t.Fatalf("expected event, got %q: %s", typ, raw)
	}
	var ev protocol.Event
	_ = json.Unmarshal(raw, &ev)
	if ev.SubscriptionID != "sub-1" || ev.EventID != 1 {
		t.Fatalf("unexpected first event: %+v", ev)
	}
	if string(ev.Event) != `{"type":"connected"}` {
		t.Fatalf("first event = %s, want connected", ev.Event)
	}

	bus.Publish(json.RawMessage(`{"type":"session-created","id":"s1"}`))
	typ, raw = p.recvPlain()
	if typ != protocol.TypeEvent {
		t.Fatalf("expected event, got %q", typ)
	}
	_ = json.Unmarshal(raw, &ev)
	if ev.EventID != 2 {
		t.Fatalf("event id = %d, want 2", ev.EventID)
	}

	p.sendPlain(&protocol.Unsubscribe{Type: protocol.TypeUnsubscribe, ID: "sub-1"})
	// Give the unsubscribe time to land, then verify no further delivery.
	time.Sleep(50 * time.Millisecond)
	bus.Publish(json.RawMessage(`{"type":"session-created","id":"s2"}`))
	select {
	case f := <-sock.out:
		t.Fatalf("unexpected frame after unsubscribe: %s", f.data)
	case <-time.After(100 * time.Millisecond):
	}
}

// subGaugeObs records every value reported to the subscription gauge.
type subGaugeObs struct {
	observability.HostObserver
	mu   sync.Mutex
	vals []int
}

func (o *subGaugeObs) SubscriptionCount(n int) {
	o.mu.Lock()
	o.vals = append(o.vals, n)
	o.mu.Unlock()
}

func (o *subGaugeObs) snapshot() []int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]int(nil), o.vals...)
}

// The subscription gauge counts subscriptions across the whole server; one
// connection going away must only subtract its own.
func TestSubscriptionGaugeSpansConnections(t *testing.T) {
	obs := &subGaugeObs{HostObserver: observability.NoopHostObserver}
	bus := newMemBus()
	srv, stop := newTestServer(t, func(cfg *Config) {
		cfg.Observer = obs
		cfg.Activity = bus
	})
	defer stop()

	subscribe := func(p *testPeer, id string) {
		t.Helper()
		p.sendPlain(&protocol.Subscribe{
			Type: protocol.TypeSubscribe, ID: id, Channel: protocol.ChannelActivity,
		})
		if typ, _ := p.recvPlain(); typ != protocol.TypeEvent {
			t.Fatalf("expected connected event for %s", id)
		}
	}

	sockA := newTestSocket()
	srv.admit(sockA, admission{trusted: true})
	peerA := &testPeer{t: t, sock: sockA}
	subscribe(peerA, "sub-1")
	subscribe(peerA, "sub-2")

	sockB := newTestSocket()
	srv.admit(sockB, admission{trusted: true})
	peerB := &testPeer{t: t, sock: sockB}
	subscribe(peerB, "sub-1")

	if got := obs.snapshot(); len(got) != 3 || got[0] != 1 || got[1] != 2 || got[2] != 3 {
		t.Fatalf("gauge values after subscribes = %v, want [1 2 3]", got)
	}

	// Dropping the first connection releases its two subscriptions but not
	// the other connection's.
	_ = sockA.Close()
	deadline := time.Now().Add(2 * time.Second)
	for {
		got := obs.snapshot()
		if len(got) >= 4 {
			if last := got[len(got)-1]; last != 1 {
				t.Fatalf("gauge after teardown = %d, want 1", last)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timeout waiting for teardown gauge report")
		}
		time.Sleep(5 * time.Millisecond)
	}

	peerB.sendPlain(&protocol.Unsubscribe{Type: protocol.TypeUnsubscribe, ID: "sub-1"})
	deadline = time.Now().Add(2 * time.Second)
	for {
		got := obs.snapshot()
		if len(got) >= 5 {
			if last := got[len(got)-1]; last != 0 {
				t.Fatalf("gauge after unsubscribe = %d, want 0", last)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("timeout waiting for unsubscribe gauge report")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// memProc is a SessionProcess recording the resume point its subscriber
// announced.
type memProc struct {
	mu       sync.Mutex
	lastSeen uint64
	fns      map[int]func(json.RawMessage)
	next     int
}

func newMemProc() *memProc { return &memProc{fns: make(map[int]func(json.RawMessage))} }

func (p *memProc) Subscribe(lastEventID uint64, fn func(json.RawMessage)) func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastSeen = lastEventID
	id := p.next
	p.next++
	p.fns[id] = fn
	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(p.fns, id)
	}
}

func (p *memProc) Publish(ev json.RawMessage) {
	p.mu.Lock()
	fns := make([]func(json.RawMessage), 0, len(p.fns))
	for _, fn := range p.fns {
		fns = append(fns, fn)
	}
	p.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

func (p *memProc) last() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastSeen
}

type memSupervisor struct{ proc *memProc }

func (s memSupervisor) ProcessForSession(string) (SessionProcess, bool) { return s.proc, true }

func TestSessionSubscriptionResume(t *testing.T) {
	proc := newMemProc()
	srv, stop := newTestServer(t, func(cfg *Config) { cfg.Supervisor = memSupervisor{proc: proc} })
	defer stop()

	sock := newTestSocket()
	srv.admit(sock, admission{trusted: true})
	p := &testPeer{t: t, sock: sock}

	p.sendPlain(&protocol.Subscribe{
		Type: protocol.TypeSubscribe, ID: "sub-1", Channel: protocol.ChannelSession,
		SessionID: "sess-1", LastEventID: 41,
	})
	typ, raw := p.recvPlain()
	if typ != protocol.TypeEvent {
		t.Fatalf("expected event, got %q: %s", typ, raw)
	}
	var ev protocol.Event
	_ = json.Unmarshal(raw, &ev)
	if string(ev.Event) != `{"type":"connected"}` {
		t.Fatalf("first event = %s, want connected", ev.Event)
	}
	// Event IDs continue after the announced resume point.
	if ev.EventID != 42 {
		t.Fatalf("event id = %d, want 42", ev.EventID)
	}
	if got := proc.last(); got != 41 {
		t.Fatalf("producer saw lastEventID = %d, want 41", got)
	}

	proc.Publish(json.RawMessage(`{"type":"output","line":"hi"}`))
	typ, raw = p.recvPlain()
	if typ != protocol.TypeEvent {
		t.Fatalf("expected event, got %q", typ)
	}
	_ = json.Unmarshal(raw, &ev)
	if ev.EventID != 43 {
		t.Fatalf("event id = %d, want 43", ev.EventID)
	}
}

// Capabilities frames latch outbound format state on the dispatch goroutine
// while subscription producers seal frames on their own goroutines; both
// paths must synchronize on the connection's write lock.
func TestCapabilitiesDuringLiveSubscription(t *testing.T) {
	bus := newMemBus()
	srv, stop := newTestServer(t, func(cfg *Config) { cfg.Activity = bus })
	defer stop()

	p, _ := handshake(t, srv, "correct horse")
	p.sendSealed(&protocol.Subscribe{
		Type: protocol.TypeSubscribe, ID: "sub-1", Channel: protocol.ChannelActivity,
	})
	if typ, _ := p.recvSealed(); typ != protocol.TypeEvent {
		t.Fatal("expected connected event")
	}

	const rounds = 20
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < rounds; i++ {
			bus.Publish(json.RawMessage(`{"type":"tick"}`))
		}
	}()
	for i := 0; i < rounds; i++ {
		p.sendSealed(&protocol.Capabilities{
			Type: protocol.TypeCapabilities, Formats: []int{1, 2, 3},
		})
	}
	<-done

	// Every publish must have been delivered and the connection must still
	// answer; drain until the pong arrives.
	p.sendSealed(&protocol.Ping{Type: protocol.TypePing, ID: "after"})
	events := 0
	for {
		typ, msg := p.recvSealed()
		switch typ {
		case protocol.TypeEvent:
			events++
		case protocol.TypePong:
			if events != rounds {
				t.Fatalf("events delivered = %d, want %d", events, rounds)
			}
			var pong protocol.Pong
			_ = json.Unmarshal(msg, &pong)
			if pong.ID != "after" {
				t.Fatalf("pong id = %q", pong.ID)
			}
			return
		}
	}
}

func TestHandshakeTimeoutClosesConnection(t *testing.T) {
	srv, stop := newTestServer(t, func(cfg *Config) { cfg.HandshakeTimeout = 50 * time.Millisecond })
	defer stop()

	sock := newTestSocket()
	srv.admit(sock, admission{})

	// No hello ever arrives; the handshake window must expire and close the
	// socket with the auth-timeout status.
	if code := sock.closedCode(t); code != wire.CloseAuthTimeout {
		t.Fatalf("close code = %d, want %d", code, wire.CloseAuthTimeout)
	}
}

func TestSubscriptionIDCollision(t *testing.T) {
	bus := newMemBus()
	srv, stop := newTestServer(t, func(cfg *Config) { cfg.Activity = bus })
	defer stop()

	sock := newTestSocket()
	srv.admit(sock, admission{trusted: true})
	p := &testPeer{t: t, sock: sock}

	p.sendPlain(&protocol.Subscribe{Type: protocol.TypeSubscribe, ID: "dup", Channel: protocol.ChannelActivity})
	if typ, _ := p.recvPlain(); typ != protocol.TypeEvent {
		t.Fatal("expected connected event")
	}
	p.sendPlain(&protocol.Subscribe{Type: protocol.TypeSubscribe, ID: "dup", Channel: protocol.ChannelActivity})
	typ, raw := p.recvPlain()
	if typ != protocol.TypeResponse {
		t.Fatalf("expected response, got %q", typ)
	}
	var resp protocol.Response
	_ = json.Unmarshal(raw, &resp)
	if resp.Status != http.StatusConflict {
		t.Fatalf("status = %d, want %d", resp.Status, http.StatusConflict)
	}
}

func TestUploadFlow(t *testing.T) {
	staging := newMemStaging()
	srv, stop := newTestServer(t, func(cfg *Config) { cfg.Staging = staging })
	defer stop()

	sock := newTestSocket()
	srv.admit(sock, admission{trusted: true})
	p := &testPeer{t: t, sock: sock}

	p.sendPlain(&protocol.UploadStart{
		Type: protocol.TypeUploadStart, UploadID: "up-1",
		ProjectID: "proj", Filename: "notes.txt", Size: 10,
	})
	typ, raw := p.recvPlain()
	if typ != protocol.TypeUploadProgress {
		t.Fatalf("expected progress, got %q: %s", typ, raw)
	}
	var prog protocol.UploadProgress
	_ = json.Unmarshal(raw, &prog)
	if prog.BytesReceived != 0 {
		t.Fatalf("initial progress = %d, want 0", prog.BytesReceived)
	}

	p.sendPlain(&protocol.UploadChunk{
		Type: protocol.TypeUploadChunk, UploadID: "up-1", Offset: 0,
		Data: base64.StdEncoding.EncodeToString([]byte("hello ")),
	})
	p.sendPlain(&protocol.UploadChunk{
		Type: protocol.TypeUploadChunk, UploadID: "up-1", Offset: 6,
		Data: base64.StdEncoding.EncodeToString([]byte("file")),
	})
	// Final byte triggers a progress report.
	typ, raw = p.recvPlain()
	if typ != protocol.TypeUploadProgress {
		t.Fatalf("expected progress, got %q: %s", typ, raw)
	}
	_ = json.Unmarshal(raw, &prog)
	if prog.BytesReceived != 10 {
		t.Fatalf("progress = %d, want 10", prog.BytesReceived)
	}

	p.sendPlain(&protocol.UploadEnd{Type: protocol.TypeUploadEnd, UploadID: "up-1"})
	typ, raw = p.recvPlain()
	if typ != protocol.TypeUploadComplete {
		t.Fatalf("expected complete, got %q: %s", typ, raw)
	}
	var done protocol.UploadComplete
	_ = json.Unmarshal(raw, &done)
	if done.UploadID != "up-1" || done.File == nil {
		t.Fatalf("unexpected complete: %+v", done)
	}
}

func TestUploadOffsetMismatch(t *testing.T) {
	staging := newMemStaging()
	srv, stop := newTestServer(t, func(cfg *Config) { cfg.Staging = staging })
	defer stop()

	sock := newTestSocket()
	srv.admit(sock, admission{trusted: true})
	p := &testPeer{t: t, sock: sock}

	p.sendPlain(&protocol.UploadStart{
		Type: protocol.TypeUploadStart, UploadID: "up-2",
		ProjectID: "proj", Filename: "a.bin", Size: 100,
	})
	if typ, _ := p.recvPlain(); typ != protocol.TypeUploadProgress {
		t.Fatal("expected progress")
	}
	p.sendPlain(&protocol.UploadChunk{
		Type: protocol.TypeUploadChunk, UploadID: "up-2", Offset: 50,
		Data: base64.StdEncoding.EncodeToString([]byte("x")),
	})
	typ, raw := p.recvPlain()
	if typ != protocol.TypeUploadError {
		t.Fatalf("expected upload-error, got %q: %s", typ, raw)
	}
	// A follow-up chunk finds the upload gone.
	p.sendPlain(&protocol.UploadChunk{
		Type: protocol.TypeUploadChunk, UploadID: "up-2", Offset: 0,
		Data: base64.StdEncoding.EncodeToString([]byte("x")),
	})
	if typ, _ := p.recvPlain(); typ != protocol.TypeUploadError {
		t.Fatal("expected upload-error for unknown upload")
	}
}

func TestCapabilitiesSwitchToBinaryEnvelopes(t *testing.T) {
	srv, stop := newTestServer(t, nil)
	defer stop()

	p, _ := handshake(t, srv, "correct horse")
	p.bin = true
	p.sendSealed(&protocol.Capabilities{
		Type:    protocol.TypeCapabilities,
		Formats: []int{1, 2, 3},
	})
	// The reply must arrive as a binary envelope.
	f := p.sock.nextFrame(p.t)
	if f.mt != websocket.BinaryMessage {
		t.Fatalf("expected binary envelope reply, got frame type %d", f.mt)
	}
	format, plain, err := wire.OpenEnvelope(p.key, f.data)
	if err != nil {
		t.Fatalf("open envelope: %v", err)
	}
	if format == wire.FormatCompressedJSON {
		plain, err = wire.DecompressJSON(plain, wire.DefaultMaxInflateBytes)
		if err != nil {
			t.Fatalf("decompress: %v", err)
		}
	}
	_, msg, err := wire.DecodeSequencedJSON(plain)
	if err != nil {
		t.Fatalf("decode sequenced: %v", err)
	}
	typ, err := protocol.Sniff(msg)
	if err != nil || typ != protocol.TypeCapabilities {
		t.Fatalf("expected capabilities reply, got %q (%v)", typ, err)
	}
}

func TestProofCooldown(t *testing.T) {
	cases := []struct {
		failures int
		want     time.Duration
	}{
		{0, 0},
		{1, 5 * time.Second},
		{2, 10 * time.Second},
		{3, 20 * time.Second},
		{7, 5 * time.Minute},
		{100, 5 * time.Minute},
	}
	for _, tc := range cases {
		if got := proofCooldown(tc.failures); got != tc.want {
			t.Errorf("proofCooldown(%d) = %v, want %v", tc.failures, got, tc.want)
		}
	}
}

func TestIdentityRegistryRateLimit(t *testing.T) {
	r := newIdentityRegistry()
	now := time.Now()
	allowed := 0
	for i := 0; i < identityBucketCapacity+5; i++ {
		if r.allowHello("operator", now) {
			allowed++
		}
	}
	if allowed != identityBucketCapacity {
		t.Fatalf("allowed = %d, want %d", allowed, identityBucketCapacity)
	}

	r.recordFailedProof("operator", now)
	if r.allowHello("operator", now.Add(time.Second)) {
		t.Fatal("expected cooldown to block hello")
	}
	r.reset("operator")
	if !r.allowHello("operator", now.Add(time.Hour)) {
		t.Fatal("expected hello after reset and refill")
	}

	r.evictIdle(now.Add(time.Hour + identityTTL + time.Minute))
	r.mu.Lock()
	n := len(r.entries)
	r.mu.Unlock()
	if n != 0 {
		t.Fatalf("entries after eviction = %d, want 0", n)
	}
}
