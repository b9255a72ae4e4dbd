package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"github.com/sessionwire/sessionwire/crypto/srp"
	"github.com/sessionwire/sessionwire/host"
	"github.com/sessionwire/sessionwire/internal/securefile"
)

// credentialsDoc is the on-disk SRP identity: a versioned JSON document with
// base64 salt and verifier. The password itself is never stored.
type credentialsDoc struct {
	Version  int    `json:"version"`
	Username string `json:"username"`
	Salt     string `json:"salt"`
	Verifier string `json:"verifier"`
}

// fileCredentials serves the host identity from a JSON file. A missing file
// means no identity is configured; the host then refuses remote SRP logins.
type fileCredentials struct {
	path string

	mu       sync.RWMutex
	username string
	salt     []byte
	verifier []byte
	ok       bool
}

func openFileCredentials(path string) (*fileCredentials, error) {
	c := &fileCredentials{path: path}
	if err := c.Reload(); err != nil {
		return nil, err
	}
	return c, nil
}

// Reload re-reads the credentials file. A missing file clears the identity.
func (c *fileCredentials) Reload() error {
	b, err := os.ReadFile(c.path)
	if errors.Is(err, fs.ErrNotExist) {
		c.mu.Lock()
		c.ok = false
		c.mu.Unlock()
		return nil
	}
	if err != nil {
		return err
	}
	var doc credentialsDoc
	if err := json.Unmarshal(b, &doc); err != nil {
		return fmt.Errorf("parse %s: %w", c.path, err)
	}
	if doc.Version != 1 || doc.Username == "" {
		return fmt.Errorf("unsupported credentials document in %s", c.path)
	}
	salt, err := base64.StdEncoding.DecodeString(doc.Salt)
	if err != nil {
		return fmt.Errorf("decode salt in %s: %w", c.path, err)
	}
	verifier, err := base64.StdEncoding.DecodeString(doc.Verifier)
	if err != nil {
		return fmt.Errorf("decode verifier in %s: %w", c.path, err)
	}
	c.mu.Lock()
	c.username = doc.Username
	c.salt = salt
	c.verifier = verifier
	c.ok = true
	c.mu.Unlock()
	return nil
}

// SetPassword derives a fresh salt and verifier and persists them with owner
// only permissions.
func (c *fileCredentials) SetPassword(username, password string) error {
	salt, err := srp.NewSalt()
	if err != nil {
		return err
	}
	verifier := srp.ComputeVerifier(srp.Group2048(), username, password, salt)
	doc := credentialsDoc{
		Version:  1,
		Username: username,
		Salt:     base64.StdEncoding.EncodeToString(salt),
		Verifier: base64.StdEncoding.EncodeToString(verifier),
	}
	b, err := json.MarshalIndent(&doc, "", "  ")
	if err != nil {
		return err
	}
	if err := securefile.MkdirAllOwnerOnly(filepath.Dir(c.path)); err != nil {
		return err
	}
	if err := securefile.WriteFileAtomic(c.path, b, 0o600); err != nil {
		return err
	}
	c.mu.Lock()
	c.username = username
	c.salt = salt
	c.verifier = verifier
	c.ok = true
	c.mu.Unlock()
	return nil
}

func (c *fileCredentials) Username() (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.username, c.ok
}

func (c *fileCredentials) Credentials() ([]byte, []byte, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.salt, c.verifier, c.ok
}

// dirStaging stages uploads as files in a directory. Chunks arrive in offset
// order, so each upload is one append-only file until completion.
type dirStaging struct {
	dir string

	mu      sync.Mutex
	uploads map[string]*stagedUpload
}

type stagedUpload struct {
	f       *os.File
	info    host.UploadInfo
	written int64
}

func newDirStaging(dir string) (*dirStaging, error) {
	if err := securefile.MkdirAllOwnerOnly(dir); err != nil {
		return nil, err
	}
	return &dirStaging{dir: dir, uploads: make(map[string]*stagedUpload)}, nil
}

func (s *dirStaging) Start(_ context.Context, info host.UploadInfo) (string, error) {
	f, err := os.CreateTemp(s.dir, "upload-*.part")
	if err != nil {
		return "", err
	}
	id := filepath.Base(f.Name())
	s.mu.Lock()
	s.uploads[id] = &stagedUpload{f: f, info: info}
	s.mu.Unlock()
	return id, nil
}

func (s *dirStaging) lookup(id string) (*stagedUpload, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.uploads[id]
	if !ok {
		return nil, fmt.Errorf("unknown staging id %q", id)
	}
	return u, nil
}

func (s *dirStaging) WriteChunk(_ context.Context, id string, offset int64, data []byte) error {
	u, err := s.lookup(id)
	if err != nil {
		return err
	}
	if offset != u.written {
		return fmt.Errorf("chunk offset %d, want %d", offset, u.written)
	}
	n, err := u.f.Write(data)
	u.written += int64(n)
	return err
}

func (s *dirStaging) Complete(_ context.Context, id string) (json.RawMessage, error) {
	s.mu.Lock()
	u, ok := s.uploads[id]
	delete(s.uploads, id)
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unknown staging id %q", id)
	}
	path := u.f.Name()
	if err := u.f.Close(); err != nil {
		return nil, err
	}
	final := path[:len(path)-len(".part")]
	if err := os.Rename(path, final); err != nil {
		return nil, err
	}
	return json.Marshal(map[string]any{
		"path":     final,
		"name":     u.info.Filename,
		"size":     u.written,
		"mimeType": u.info.MimeType,
	})
}

func (s *dirStaging) Cancel(_ context.Context, id string) error {
	s.mu.Lock()
	u, ok := s.uploads[id]
	delete(s.uploads, id)
	s.mu.Unlock()
	if !ok {
		return nil
	}
	name := u.f.Name()
	_ = u.f.Close()
	return os.Remove(name)
}

// activityBus is the in-process activity feed. The binary carries it so the
// transport runs end-to-end without the external orchestration app; anything
// in-process can publish typed events to connected subscribers.
type activityBus struct {
	mu   sync.Mutex
	subs map[int]func(json.RawMessage)
	next int
}

func newActivityBus() *activityBus {
	return &activityBus{subs: make(map[int]func(json.RawMessage))}
}

func (b *activityBus) Subscribe(fn func(json.RawMessage)) func() {
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

func (b *activityBus) Publish(event json.RawMessage) {
	b.mu.Lock()
	fns := make([]func(json.RawMessage), 0, len(b.subs))
	for _, fn := range b.subs {
		fns = append(fns, fn)
	}
	b.mu.Unlock()
	for _, fn := range fns {
		fn(event)
	}
}

// trustLoopback admits plaintext connections from the local machine only.
func trustLoopback(r *http.Request) bool {
	hostPart, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return false
	}
	ip := net.ParseIP(hostPart)
	return ip != nil && ip.IsLoopback()
}
