// Package e2e exercises the whole stack the way a deployment runs it:
// real websockets, SRP, encrypted envelopes, disk-backed session state,
// fsnotify watches, and the relay chain.
package e2e_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sessionwire/sessionwire/client"
	"github.com/sessionwire/sessionwire/crypto/srp"
	"github.com/sessionwire/sessionwire/host"
	"github.com/sessionwire/sessionwire/protocol"
	"github.com/sessionwire/sessionwire/relay"
	"github.com/sessionwire/sessionwire/store"
	"github.com/sessionwire/sessionwire/watch"
)

type creds struct {
	username string
	salt     []byte
	verifier []byte
}

func (c creds) Username() (string, bool) { return c.username, true }
func (c creds) Credentials() ([]byte, []byte, bool) {
	return c.salt, c.verifier, true
}

type bus struct {
	mu   sync.Mutex
	subs map[int]func(json.RawMessage)
	next int
}

func newBus() *bus { return &bus{subs: make(map[int]func(json.RawMessage))} }

func (b *bus) Subscribe(fn func(json.RawMessage)) func() {
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

func (b *bus) Publish(ev json.RawMessage) {
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

// fileStaging stages uploads on disk, mirroring what the host binary does.
type fileStaging struct {
	dir string

	mu      sync.Mutex
	files   map[string]*os.File
	written map[string]int64
}

func newFileStaging(t *testing.T) *fileStaging {
	t.Helper()
	return &fileStaging{
		dir:     t.TempDir(),
		files:   make(map[string]*os.File),
		written: make(map[string]int64),
	}
}

func (s *fileStaging) Start(_ context.Context, info host.UploadInfo) (string, error) {
	f, err := os.CreateTemp(s.dir, "upload-*")
	if err != nil {
		return "", err
	}
	id := filepath.Base(f.Name())
	s.mu.Lock()
	s.files[id] = f
	s.mu.Unlock()
	return id, nil
}

func (s *fileStaging) WriteChunk(_ context.Context, id string, offset int64, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.files[id]
	if !ok {
		return errors.New("unknown staging id")
	}
	if offset != s.written[id] {
		return errors.New("chunk out of order")
	}
	n, err := f.Write(data)
	s.written[id] += int64(n)
	return err
}

func (s *fileStaging) Complete(_ context.Context, id string) (json.RawMessage, error) {
	s.mu.Lock()
	f, ok := s.files[id]
	size := s.written[id]
	delete(s.files, id)
	s.mu.Unlock()
	if !ok {
		return nil, errors.New("unknown staging id")
	}
	path := f.Name()
	if err := f.Close(); err != nil {
		return nil, err
	}
	return json.Marshal(map[string]any{"path": path, "size": size})
}

func (s *fileStaging) Cancel(_ context.Context, id string) error {
	s.mu.Lock()
	f, ok := s.files[id]
	delete(s.files, id)
	s.mu.Unlock()
	if !ok {
		return nil
	}
	name := f.Name()
	_ = f.Close()
	return os.Remove(name)
}

type stack struct {
	hostSrv  *host.Server
	activity *bus
	staging  *fileStaging
	projects string // Root of the watched session files.
	hostURL  string // Direct websocket URL.
}

func newStack(t *testing.T) *stack {
	t.Helper()
	salt, err := srp.NewSalt()
	if err != nil {
		t.Fatalf("new salt: %v", err)
	}
	identity := creds{
		username: "operator",
		salt:     salt,
		verifier: srp.ComputeVerifier(srp.Group2048(), "operator", "open sesame", salt),
	}
	sessions, err := store.OpenSessions(filepath.Join(t.TempDir(), "sessions.json"))
	if err != nil {
		t.Fatalf("open sessions: %v", err)
	}
	projects := t.TempDir()
	watcher, err := watch.New(watch.DirResolver(projects), nil)
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}
	activity := newBus()
	staging := newFileStaging(t)

	cfg := host.DefaultConfig()
	cfg.Credentials = identity
	cfg.Sessions = sessions
	cfg.Activity = activity
	cfg.Watcher = watcher
	cfg.Staging = staging
	cfg.APIBase = "/api"
	cfg.App = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/status" {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"status":"ok"}`))
			return
		}
		http.NotFound(w, r)
	})
	hostSrv := host.New(cfg)
	httpSrv := httptest.NewServer(hostSrv)
	t.Cleanup(func() {
		httpSrv.Close()
		_ = hostSrv.Close()
		_ = watcher.Close()
	})
	return &stack{
		hostSrv:  hostSrv,
		activity: activity,
		staging:  staging,
		projects: projects,
		hostURL:  "ws" + strings.TrimPrefix(httpSrv.URL, "http"),
	}
}

func connect(t *testing.T, url string, opts ...client.ConnectOption) *client.Client {
	t.Helper()
	opts = append(opts, client.WithPassword("operator", "open sesame"), client.WithoutReconnect())
	c, err := client.Connect(context.Background(), url, opts...)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestSessionLifecycle(t *testing.T) {
	st := newStack(t)

	var mu sync.Mutex
	var stored *store.HostSession
	c, err := client.Connect(context.Background(), st.hostURL,
		client.WithPassword("operator", "open sesame"),
		client.WithoutReconnect(),
		client.WithSessionSink(func(s *store.HostSession) {
			mu.Lock()
			stored = s
			mu.Unlock()
		}))
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	res, err := c.Fetch(context.Background(), "GET", "/status", nil, nil)
	if err != nil || res.Status != http.StatusOK {
		t.Fatalf("fetch = %+v %v", res, err)
	}
	_ = c.Close()

	mu.Lock()
	sess := stored
	mu.Unlock()
	if sess == nil {
		t.Fatal("expected the session sink to fire")
	}

	// A fresh connection resumes the stored session instead of running SRP.
	c2, err := client.Connect(context.Background(), st.hostURL,
		client.WithStoredSession(sess), client.WithoutReconnect())
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	defer c2.Close()
	if c2.SessionID() != sess.SessionID {
		t.Fatalf("resumed session %q, want %q", c2.SessionID(), sess.SessionID)
	}
	if res, err := c2.Fetch(context.Background(), "GET", "/status", nil, nil); err != nil || res.Status != http.StatusOK {
		t.Fatalf("fetch after resume = %+v %v", res, err)
	}
}

func TestActivityFeedAcrossStack(t *testing.T) {
	st := newStack(t)
	c := connect(t, st.hostURL)

	events := make(chan json.RawMessage, 4)
	sub, err := c.Subscribe(context.Background(), client.SubscribeOptions{
		Channel: protocol.ChannelActivity,
		OnEvent: func(ev json.RawMessage) { events <- ev },
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	st.activity.Publish(json.RawMessage(`{"kind":"session_started","sessionId":"s1"}`))

	select {
	case ev := <-events:
		var got struct {
			Kind string `json:"kind"`
		}
		if err := json.Unmarshal(ev, &got); err != nil || got.Kind != "session_started" {
			t.Fatalf("event = %s %v", ev, err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for activity event")
	}
}

func TestSessionWatchDeliversFileChanges(t *testing.T) {
	st := newStack(t)
	c := connect(t, st.hostURL)

	events := make(chan json.RawMessage, 8)
	sub, err := c.Subscribe(context.Background(), client.SubscribeOptions{
		Channel:   protocol.ChannelSessionWatch,
		SessionID: "sess-9",
		ProjectID: "proj-1",
		OnEvent:   func(ev json.RawMessage) { events <- ev },
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	// Subscribe created the project directory; now write the session file.
	path := filepath.Join(st.projects, "proj-1", "sess-9.jsonl")
	if err := os.WriteFile(path, []byte(`{"line":1}`+"\n"), 0o644); err != nil {
		t.Fatalf("write session file: %v", err)
	}

	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-events:
			var got watch.Event
			if err := json.Unmarshal(ev, &got); err != nil {
				t.Fatalf("parse event %s: %v", ev, err)
			}
			if got.SessionID != "sess-9" {
				t.Fatalf("event for session %q", got.SessionID)
			}
			if got.Op == "create" || got.Op == "write" {
				return
			}
		case <-deadline:
			t.Fatal("timeout waiting for watch event")
		}
	}
}

func TestUploadLandsOnDisk(t *testing.T) {
	st := newStack(t)
	c := connect(t, st.hostURL)

	payload := bytes.Repeat([]byte("sessionwire"), 4096)
	raw, err := c.Upload(context.Background(), client.UploadSpec{
		ProjectID: "proj-1",
		SessionID: "sess-9",
		Filename:  "dump.bin",
		Size:      int64(len(payload)),
		MimeType:  "application/octet-stream",
	}, bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	var result struct {
		Path string `json:"path"`
		Size int64  `json:"size"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		t.Fatalf("parse result: %v", err)
	}
	if result.Size != int64(len(payload)) {
		t.Fatalf("size = %d, want %d", result.Size, len(payload))
	}
	data, err := os.ReadFile(result.Path)
	if err != nil || !bytes.Equal(data, payload) {
		t.Fatalf("staged file mismatch (%d bytes, err %v)", len(data), err)
	}
}

func TestRelayedStackMatchesDirect(t *testing.T) {
	st := newStack(t)

	bcfg := relay.DefaultConfig()
	bcfg.AgentKey = "sekrit"
	broker := relay.NewBroker(bcfg)
	mux := http.NewServeMux()
	broker.Register(mux)
	relaySrv := httptest.NewServer(mux)
	t.Cleanup(func() {
		relaySrv.Close()
		_ = broker.Close()
	})
	relayBase := "ws" + strings.TrimPrefix(relaySrv.URL, "http")

	agent, err := relay.NewAgent(relay.AgentConfig{
		BrokerURL: relayBase + "/agent",
		HostID:    "workstation-1",
		Key:       "sekrit",
	}, st.hostSrv)
	if err != nil {
		t.Fatalf("new agent: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = agent.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for broker.Stats().AgentCount == 0 {
		if time.Now().After(deadline) {
			t.Fatal("agent never attached")
		}
		time.Sleep(10 * time.Millisecond)
	}

	c := connect(t, relayBase+"/connect?host=workstation-1")

	if res, err := c.Fetch(context.Background(), "GET", "/status", nil, nil); err != nil || res.Status != http.StatusOK {
		t.Fatalf("relayed fetch = %+v %v", res, err)
	}

	// Subscriptions and uploads run over the relayed leg unchanged.
	events := make(chan json.RawMessage, 4)
	sub, err := c.Subscribe(context.Background(), client.SubscribeOptions{
		Channel: protocol.ChannelActivity,
		OnEvent: func(ev json.RawMessage) { events <- ev },
	})
	if err != nil {
		t.Fatalf("relayed subscribe: %v", err)
	}
	defer sub.Close()
	st.activity.Publish(json.RawMessage(`{"kind":"ping"}`))
	select {
	case <-events:
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for relayed event")
	}

	payload := []byte("relayed payload")
	raw, err := c.Upload(context.Background(), client.UploadSpec{
		Filename: "note.txt",
		Size:     int64(len(payload)),
		MimeType: "text/plain",
	}, bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("relayed upload: %v", err)
	}
	var result struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		t.Fatalf("parse result: %v", err)
	}
	if data, err := os.ReadFile(result.Path); err != nil || !bytes.Equal(data, payload) {
		t.Fatalf("relayed staged file mismatch: %q %v", data, err)
	}
}
