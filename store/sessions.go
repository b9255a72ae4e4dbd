// Package store persists the transport's two durable documents: the server's
// stored-session table (consulted by resume) and the client's saved-host
// list. Both are versioned JSON files written atomically with owner-only
// permissions.
package store

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sessionwire/sessionwire/crypto/seal"
	"github.com/sessionwire/sessionwire/internal/securefile"
)

const sessionsVersion = 1

var (
	ErrSessionExists   = errors.New("store: session already exists")
	ErrSessionNotFound = errors.New("store: session not found")
	ErrBadVersion      = errors.New("store: unsupported document version")
)

// Session binds a session ID to its secret key and identity. Created on a
// successful SRP proof, read by the resume path, deleted when invalidated.
type Session struct {
	SessionID        string    `json:"sessionId"`
	Username         string    `json:"username"`
	SessionKey       string    `json:"sessionKey"` // base64
	BrowserProfileID string    `json:"browserProfileId,omitempty"`
	Origin           string    `json:"origin,omitempty"`
	UserAgent        string    `json:"userAgent,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`
	LastConnectedAt  time.Time `json:"lastConnectedAt"`
}

// Key decodes the stored session key.
func (s *Session) Key() (*seal.Key, error) {
	raw, err := base64.StdEncoding.DecodeString(s.SessionKey)
	if err != nil {
		return nil, fmt.Errorf("store: session key: %w", err)
	}
	return seal.NewKey(raw)
}

type sessionsDoc struct {
	Version  int        `json:"version"`
	Sessions []*Session `json:"sessions"`
}

// Sessions is the server-side stored-session table: single writer, multiple
// readers, persisted after every mutation.
type Sessions struct {
	path string

	mu   sync.RWMutex
	byID map[string]*Session
}

// OpenSessions loads the table at path, creating an empty one when the file
// does not exist yet.
func OpenSessions(path string) (*Sessions, error) {
	s := &Sessions{path: path, byID: make(map[string]*Session)}
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: read sessions: %w", err)
	}
	var doc sessionsDoc
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("store: parse sessions: %w", err)
	}
	if doc.Version != sessionsVersion {
		return nil, ErrBadVersion
	}
	for _, rec := range doc.Sessions {
		s.byID[rec.SessionID] = rec
	}
	return s, nil
}

// Create adds a session and persists. The session ID must be new.
func (s *Sessions) Create(rec *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[rec.SessionID]; ok {
		return ErrSessionExists
	}
	cp := *rec
	s.byID[rec.SessionID] = &cp
	return s.persistLocked()
}

// Get returns a copy of the session, if present.
func (s *Sessions) Get(sessionID string) (*Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.byID[sessionID]
	if !ok {
		return nil, false
	}
	cp := *rec
	return &cp, true
}

// Delete removes a session and persists. Missing IDs are not an error: the
// resume failure path deletes defensively.
func (s *Sessions) Delete(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[sessionID]; !ok {
		return nil
	}
	delete(s.byID, sessionID)
	return s.persistLocked()
}

// TouchConnected updates lastConnectedAt and persists.
func (s *Sessions) TouchConnected(sessionID string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byID[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	rec.LastConnectedAt = now
	return s.persistLocked()
}

// Len reports the number of stored sessions.
func (s *Sessions) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}

func (s *Sessions) persistLocked() error {
	doc := sessionsDoc{Version: sessionsVersion}
	for _, rec := range s.byID {
		doc.Sessions = append(doc.Sessions, rec)
	}
	b, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("store: encode sessions: %w", err)
	}
	if err := securefile.MkdirAllOwnerOnly(filepath.Dir(s.path)); err != nil {
		return fmt.Errorf("store: sessions dir: %w", err)
	}
	if err := securefile.WriteFileAtomic(s.path, b, 0o600); err != nil {
		return fmt.Errorf("store: write sessions: %w", err)
	}
	return nil
}
