package store

import (
	"encoding/base64"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"
)

func TestSessions_CreateGetReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "sessions.json")
	s, err := OpenSessions(path)
	if err != nil {
		t.Fatal(err)
	}
	key := base64.StdEncoding.EncodeToString(make([]byte, 32))
	rec := &Session{
		SessionID:       "sess-1",
		Username:        "alice",
		SessionKey:      key,
		CreatedAt:       time.Now().UTC(),
		LastConnectedAt: time.Now().UTC(),
	}
	if err := s.Create(rec); err != nil {
		t.Fatal(err)
	}
	if err := s.Create(rec); !errors.Is(err, ErrSessionExists) {
		t.Fatalf("err = %v, want ErrSessionExists", err)
	}

	got, ok := s.Get("sess-1")
	if !ok || got.Username != "alice" {
		t.Fatalf("Get = %+v, %v", got, ok)
	}
	if _, err := got.Key(); err != nil {
		t.Fatal(err)
	}

	// Mutating the copy must not leak into the table.
	got.Username = "mallory"
	again, _ := s.Get("sess-1")
	if again.Username != "alice" {
		t.Fatal("Get returned a live reference")
	}

	reloaded, err := OpenSessions(path)
	if err != nil {
		t.Fatal(err)
	}
	if reloaded.Len() != 1 {
		t.Fatalf("reloaded Len = %d, want 1", reloaded.Len())
	}
}

func TestSessions_TouchAndDelete(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.json")
	s, err := OpenSessions(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.TouchConnected("missing", time.Now()); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("err = %v, want ErrSessionNotFound", err)
	}
	rec := &Session{SessionID: "sess-2", Username: "bob", SessionKey: "AA=="}
	if err := s.Create(rec); err != nil {
		t.Fatal(err)
	}
	later := time.Now().Add(time.Hour).UTC()
	if err := s.TouchConnected("sess-2", later); err != nil {
		t.Fatal(err)
	}
	got, _ := s.Get("sess-2")
	if !got.LastConnectedAt.Equal(later) {
		t.Fatalf("LastConnectedAt = %v, want %v", got.LastConnectedAt, later)
	}
	if err := s.Delete("sess-2"); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete("sess-2"); err != nil {
		t.Fatal("second delete should be a no-op:", err)
	}
	if _, ok := s.Get("sess-2"); ok {
		t.Fatal("session survived delete")
	}
}

func TestSessions_FilePermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission bits are unreliable on windows")
	}
	path := filepath.Join(t.TempDir(), "sessions.json")
	s, err := OpenSessions(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Create(&Session{SessionID: "sess-3", SessionKey: "AA=="}); err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Fatalf("perm = %o, want 600", perm)
	}
}

func TestHosts_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hosts.json")
	h, err := OpenHosts(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := h.Upsert(&SavedHost{
		ID:          "host-1",
		DisplayName: "workstation",
		Mode:        ModeRelay,
		Endpoint:    "wss://relay.example/ws",
		Identity:    "alice",
	}); err != nil {
		t.Fatal(err)
	}
	if err := h.SetSession("host-1", &HostSession{SessionID: "sess-1", Username: "alice", SessionKey: "AA=="}); err != nil {
		t.Fatal(err)
	}
	if err := h.TouchConnected("host-1", time.Now()); err != nil {
		t.Fatal(err)
	}

	reloaded, err := OpenHosts(path)
	if err != nil {
		t.Fatal(err)
	}
	got, ok := reloaded.Get("host-1")
	if !ok {
		t.Fatal("host missing after reload")
	}
	if got.StoredSession == nil || got.StoredSession.SessionID != "sess-1" {
		t.Fatalf("stored session = %+v", got.StoredSession)
	}
	if got.LastConnected == nil {
		t.Fatal("LastConnected not persisted")
	}

	// Resume consumes the stored session.
	if err := reloaded.SetSession("host-1", nil); err != nil {
		t.Fatal(err)
	}
	got, _ = reloaded.Get("host-1")
	if got.StoredSession != nil {
		t.Fatal("stored session survived clear")
	}

	if err := reloaded.SetSession("missing", nil); !errors.Is(err, ErrHostNotFound) {
		t.Fatalf("err = %v, want ErrHostNotFound", err)
	}
	if len(reloaded.List()) != 1 {
		t.Fatalf("List len = %d, want 1", len(reloaded.List()))
	}
	if err := reloaded.Delete("host-1"); err != nil {
		t.Fatal(err)
	}
	if len(reloaded.List()) != 0 {
		t.Fatal("host survived delete")
	}
}

func TestOpenSessions_BadVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.json")
	if err := os.WriteFile(path, []byte(`{"version":99,"sessions":[]}`), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := OpenSessions(path); !errors.Is(err, ErrBadVersion) {
		t.Fatalf("err = %v, want ErrBadVersion", err)
	}
}
