package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sessionwire/sessionwire/crypto/seal"
	"github.com/sessionwire/sessionwire/crypto/srp"
	"github.com/sessionwire/sessionwire/host"
	"github.com/sessionwire/sessionwire/store"
	"github.com/sessionwire/sessionwire/swerrors"
	"github.com/sessionwire/sessionwire/wire"
)

type hostCreds struct {
	username string
	salt     []byte
	verifier []byte
}

func (c hostCreds) Username() (string, bool) { return c.username, true }
func (c hostCreds) Credentials() ([]byte, []byte, bool) {
	return c.salt, c.verifier, true
}

type testBus struct {
	mu   sync.Mutex
	subs map[int]func(json.RawMessage)
	next int
}

func newTestBus() *testBus { return &testBus{subs: make(map[int]func(json.RawMessage))} }

func (b *testBus) Subscribe(fn func(json.RawMessage)) func() {
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

func (b *testBus) Publish(ev json.RawMessage) {
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

type testStaging struct {
	mu   sync.Mutex
	bufs map[string][]byte
	next int
}

func newTestStaging() *testStaging { return &testStaging{bufs: make(map[string][]byte)} }

func (s *testStaging) Start(context.Context, host.UploadInfo) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	id := "st-" + string(rune('a'+s.next))
	s.bufs[id] = nil
	return id, nil
}

func (s *testStaging) WriteChunk(_ context.Context, id string, offset int64, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if int64(len(s.bufs[id])) != offset {
		return errors.New("bad offset")
	}
	s.bufs[id] = append(s.bufs[id], data...)
	return nil
}

func (s *testStaging) Complete(_ context.Context, id string) (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, _ := json.Marshal(map[string]any{"stagingId": id, "size": len(s.bufs[id])})
	return b, nil
}

func (s *testStaging) Cancel(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.bufs, id)
	return nil
}

func (s *testStaging) content(id string) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.bufs[id]...)
}

type hostFixture struct {
	srv     *host.Server
	httpSrv *httptest.Server
	bus     *testBus
	staging *testStaging
	url     string
}

func newHostFixture(t *testing.T, trustLocal bool) *hostFixture {
	t.Helper()
	salt, err := srp.NewSalt()
	if err != nil {
		t.Fatalf("new salt: %v", err)
	}
	creds := hostCreds{
		username: "operator",
		salt:     salt,
		verifier: srp.ComputeVerifier(srp.Group2048(), "operator", "open sesame", salt),
	}
	sessions, err := store.OpenSessions(t.TempDir() + "/sessions.json")
	if err != nil {
		t.Fatalf("open sessions: %v", err)
	}
	bus := newTestBus()
	staging := newTestStaging()

	app := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/api/status":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"status":"ok"}`))
		case r.URL.Path == "/api/avatar.png":
			w.Header().Set("Content-Type", "image/png")
			_, _ = w.Write([]byte{0x89, 'P', 'N', 'G'})
		case r.URL.Path == "/api/setup":
			w.Header().Set("X-Setup-Required", "true")
			http.Error(w, "setup required", http.StatusConflict)
		default:
			http.NotFound(w, r)
		}
	})

	cfg := host.DefaultConfig()
	cfg.Credentials = creds
	cfg.Sessions = sessions
	cfg.App = app
	cfg.APIBase = "/api"
	cfg.Activity = bus
	cfg.Staging = staging
	if trustLocal {
		cfg.TrustLocal = func(*http.Request) bool { return true }
	}
	srv := host.New(cfg)
	httpSrv := httptest.NewServer(srv)
	t.Cleanup(func() {
		httpSrv.Close()
		_ = srv.Close()
	})
	return &hostFixture{
		srv:     srv,
		httpSrv: httpSrv,
		bus:     bus,
		staging: staging,
		url:     "ws" + strings.TrimPrefix(httpSrv.URL, "http"),
	}
}

// An encrypted connection speaks the legacy JSON envelope until the server
// announces its capabilities; only then do outbound frames switch to the
// binary envelope.
func TestEnvelopeChoiceFollowsServerCapabilities(t *testing.T) {
	key, err := seal.NewKey(bytes.Repeat([]byte{7}, 32))
	if err != nil {
		t.Fatalf("new key: %v", err)
	}
	c := &Client{key: key, serverFormats: map[byte]bool{wire.FormatJSON: true}}
	payload := []byte(`{"type":"ping","id":"p1"}`)

	mt, frame, err := c.sealLocked(payload)
	if err != nil {
		t.Fatalf("seal before capabilities: %v", err)
	}
	if mt != websocket.TextMessage {
		t.Fatalf("message type before capabilities = %d, want text", mt)
	}
	plain, err := wire.OpenJSONEnvelope(key, frame)
	if err != nil {
		t.Fatalf("open json envelope: %v", err)
	}
	if !bytes.Equal(plain, payload) {
		t.Fatalf("payload = %s", plain)
	}

	c.binaryPeer = true
	mt, frame, err = c.sealLocked(payload)
	if err != nil {
		t.Fatalf("seal after capabilities: %v", err)
	}
	if mt != websocket.BinaryMessage {
		t.Fatalf("message type after capabilities = %d, want binary", mt)
	}
	format, plain, err := wire.OpenEnvelope(key, frame)
	if err != nil {
		t.Fatalf("open envelope: %v", err)
	}
	if format != wire.FormatJSON || !bytes.Equal(plain, payload) {
		t.Fatalf("format = %d payload = %s", format, plain)
	}
}

func TestTrustedLocalFetch(t *testing.T) {
	fx := newHostFixture(t, true)
	c, err := Connect(context.Background(), fx.url, WithoutReconnect())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Close()

	res, err := c.Fetch(context.Background(), "GET", "/status", nil, nil)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if res.Status != http.StatusOK || string(res.Body) != `{"status":"ok"}` {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestSRPFetchEncrypted(t *testing.T) {
	fx := newHostFixture(t, false)
	c, err := Connect(context.Background(), fx.url,
		WithPassword("operator", "open sesame"), WithoutReconnect())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Close()

	if c.SessionID() == "" {
		t.Fatal("expected a session id after SRP")
	}
	res, err := c.Fetch(context.Background(), "GET", "/status", nil, nil)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if res.Status != http.StatusOK {
		t.Fatalf("status = %d", res.Status)
	}
}

func TestSRPWrongPassword(t *testing.T) {
	fx := newHostFixture(t, false)
	_, err := Connect(context.Background(), fx.url,
		WithPassword("operator", "not it"), WithoutReconnect())
	if err == nil {
		t.Fatal("expected connect to fail")
	}
	if swerrors.Retryable(err) {
		t.Fatalf("invalid proof must be non-retryable, got %v", err)
	}
}

func TestResumeWithStoredSession(t *testing.T) {
	fx := newHostFixture(t, false)

	var saved *store.HostSession
	c, err := Connect(context.Background(), fx.url,
		WithPassword("operator", "open sesame"),
		WithSessionSink(func(s *store.HostSession) { saved = s }),
		WithoutReconnect())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	firstID := c.SessionID()
	c.Close()
	if saved == nil || saved.SessionID != firstID {
		t.Fatalf("session sink not invoked: %+v", saved)
	}

	// Second connect resumes without the password.
	c2, err := Connect(context.Background(), fx.url,
		WithStoredSession(saved), WithoutReconnect())
	if err != nil {
		t.Fatalf("resume connect: %v", err)
	}
	defer c2.Close()
	if c2.SessionID() != firstID {
		t.Fatalf("resumed session id = %q, want %q", c2.SessionID(), firstID)
	}
	res, err := c2.Fetch(context.Background(), "GET", "/status", nil, nil)
	if err != nil || res.Status != http.StatusOK {
		t.Fatalf("fetch after resume: %v %+v", err, res)
	}
}

func TestResumeFallsBackToPassword(t *testing.T) {
	fx := newHostFixture(t, false)
	bogus := &store.HostSession{
		SessionID:  "00000000-0000-0000-0000-000000000000",
		Username:   "operator",
		SessionKey: strings.Repeat("A", 43) + "=",
	}
	c, err := Connect(context.Background(), fx.url,
		WithStoredSession(bogus),
		WithPassword("operator", "open sesame"),
		WithoutReconnect())
	if err != nil {
		t.Fatalf("connect with fallback: %v", err)
	}
	defer c.Close()
	if c.SessionID() == "" {
		t.Fatal("expected fresh session from fallback handshake")
	}
}

func TestFetchErrorCarriesStatusAndSetupFlag(t *testing.T) {
	fx := newHostFixture(t, true)
	c, err := Connect(context.Background(), fx.url, WithoutReconnect())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Close()

	_, err = c.Fetch(context.Background(), "GET", "/setup", nil, nil)
	if err == nil {
		t.Fatal("expected error for 409")
	}
	var swe *swerrors.Error
	if !errors.As(err, &swe) {
		t.Fatalf("error type %T", err)
	}
	if swe.Status != http.StatusConflict || !swe.SetupRequired {
		t.Fatalf("unexpected error detail: %+v", swe)
	}
}

func TestFetchBlob(t *testing.T) {
	fx := newHostFixture(t, true)
	c, err := Connect(context.Background(), fx.url, WithoutReconnect())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Close()

	blob, err := c.FetchBlob(context.Background(), "/avatar.png")
	if err != nil {
		t.Fatalf("fetch blob: %v", err)
	}
	if blob.ContentType != "image/png" {
		t.Fatalf("content type = %q", blob.ContentType)
	}
	if !bytes.Equal(blob.Data, []byte{0x89, 'P', 'N', 'G'}) {
		t.Fatalf("blob data = %v", blob.Data)
	}
}

func TestActivitySubscriptionDelivery(t *testing.T) {
	fx := newHostFixture(t, false)
	c, err := Connect(context.Background(), fx.url,
		WithPassword("operator", "open sesame"), WithoutReconnect())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Close()

	opened := make(chan struct{}, 1)
	events := make(chan json.RawMessage, 4)
	sub, err := c.Subscribe(context.Background(), SubscribeOptions{
		Channel: "activity",
		OnOpen:  func() { opened <- struct{}{} },
		OnEvent: func(ev json.RawMessage) { events <- ev },
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	select {
	case <-opened:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for OnOpen")
	}

	fx.bus.Publish(json.RawMessage(`{"type":"session-status","id":"s1"}`))
	select {
	case ev := <-events:
		if !strings.Contains(string(ev), "session-status") {
			t.Fatalf("unexpected event: %s", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestSubscriptionRefusal(t *testing.T) {
	fx := newHostFixture(t, false)
	c, err := Connect(context.Background(), fx.url,
		WithPassword("operator", "open sesame"), WithoutReconnect())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Close()

	_, err = c.Subscribe(context.Background(), SubscribeOptions{
		Channel:   "session",
		SessionID: "no-such-session",
	})
	if err == nil {
		t.Fatal("expected refusal for session without a live process")
	}
	var swe *swerrors.Error
	if !errors.As(err, &swe) {
		t.Fatalf("error type %T", err)
	}
	if swe.Status != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", swe.Status)
	}
}

func TestUploadEncrypted(t *testing.T) {
	fx := newHostFixture(t, false)
	c, err := Connect(context.Background(), fx.url,
		WithPassword("operator", "open sesame"), WithoutReconnect())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Close()

	payload := bytes.Repeat([]byte("sessionwire"), 20_000) // ~220 KiB, several chunks
	var lastProgress int64
	file, err := c.Upload(context.Background(), UploadSpec{
		ProjectID:  "proj-1",
		Filename:   "big.bin",
		Size:       int64(len(payload)),
		MimeType:   "application/octet-stream",
		OnProgress: func(n int64) { lastProgress = n },
	}, bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	var desc struct {
		StagingID string `json:"stagingId"`
		Size      int    `json:"size"`
	}
	if err := json.Unmarshal(file, &desc); err != nil {
		t.Fatalf("decode file descriptor: %v", err)
	}
	if desc.Size != len(payload) {
		t.Fatalf("staged size = %d, want %d", desc.Size, len(payload))
	}
	if got := fx.staging.content(desc.StagingID); !bytes.Equal(got, payload) {
		t.Fatalf("staged content mismatch: %d bytes", len(got))
	}
	if lastProgress != int64(len(payload)) {
		t.Fatalf("last progress = %d, want %d", lastProgress, len(payload))
	}
}

func TestUploadPlaintext(t *testing.T) {
	fx := newHostFixture(t, true)
	c, err := Connect(context.Background(), fx.url, WithoutReconnect())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Close()

	payload := []byte("small plaintext upload")
	file, err := c.Upload(context.Background(), UploadSpec{
		ProjectID: "proj-1",
		Filename:  "note.txt",
		Size:      int64(len(payload)),
	}, bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if file == nil {
		t.Fatal("expected a file descriptor")
	}
}
