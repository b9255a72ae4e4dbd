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

const hostsVersion = 1

var ErrHostNotFound = errors.New("store: host not found")

// HostMode selects how the client reaches a host.
type HostMode string

const (
	ModeDirect HostMode = "direct"
	ModeRelay  HostMode = "relay"
)

// HostSession is the client half of a stored session: enough to attempt a
// resume instead of a full password handshake.
type HostSession struct {
	SessionID  string `json:"sessionId"`
	Username   string `json:"username"`
	SessionKey string `json:"sessionKey"` // base64
}

// Key decodes the stored session key.
func (s *HostSession) Key() (*seal.Key, error) {
	raw, err := base64.StdEncoding.DecodeString(s.SessionKey)
	if err != nil {
		return nil, fmt.Errorf("store: host session key: %w", err)
	}
	return seal.NewKey(raw)
}

// SavedHost is a client-side host entry persisted across restarts. At most
// one stored session is live per host; resuming consumes it and the server's
// acknowledgment may replace it.
type SavedHost struct {
	ID            string       `json:"id"`
	DisplayName   string       `json:"displayName"`
	Mode          HostMode     `json:"mode"`
	Endpoint      string       `json:"endpoint"`
	Identity      string       `json:"identity"`
	StoredSession *HostSession `json:"storedSession,omitempty"`
	CreatedAt     time.Time    `json:"createdAt"`
	LastConnected *time.Time   `json:"lastConnected,omitempty"`
}

type hostsDoc struct {
	Version int          `json:"version"`
	Hosts   []*SavedHost `json:"hosts"`
}

// Hosts is the client's saved-host list.
type Hosts struct {
	path string

	mu   sync.RWMutex
	byID map[string]*SavedHost
}

// OpenHosts loads the host list at path, creating an empty one when the file
// does not exist yet.
func OpenHosts(path string) (*Hosts, error) {
	h := &Hosts{path: path, byID: make(map[string]*SavedHost)}
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return h, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: read hosts: %w", err)
	}
	var doc hostsDoc
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("store: parse hosts: %w", err)
	}
	if doc.Version != hostsVersion {
		return nil, ErrBadVersion
	}
	for _, rec := range doc.Hosts {
		h.byID[rec.ID] = rec
	}
	return h, nil
}

// Upsert adds or replaces a host entry and persists.
func (h *Hosts) Upsert(rec *SavedHost) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	cp := *rec
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	h.byID[cp.ID] = &cp
	return h.persistLocked()
}

// Get returns a copy of a host entry.
func (h *Hosts) Get(id string) (*SavedHost, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	rec, ok := h.byID[id]
	if !ok {
		return nil, false
	}
	cp := *rec
	if rec.StoredSession != nil {
		sess := *rec.StoredSession
		cp.StoredSession = &sess
	}
	return &cp, true
}

// List returns copies of all host entries.
func (h *Hosts) List() []*SavedHost {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*SavedHost, 0, len(h.byID))
	for _, rec := range h.byID {
		cp := *rec
		if rec.StoredSession != nil {
			sess := *rec.StoredSession
			cp.StoredSession = &sess
		}
		out = append(out, &cp)
	}
	return out
}

// Delete removes a host entry and persists.
func (h *Hosts) Delete(id string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.byID[id]; !ok {
		return nil
	}
	delete(h.byID, id)
	return h.persistLocked()
}

// SetSession replaces the host's stored session (nil clears it) and persists.
func (h *Hosts) SetSession(hostID string, sess *HostSession) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	rec, ok := h.byID[hostID]
	if !ok {
		return ErrHostNotFound
	}
	if sess == nil {
		rec.StoredSession = nil
	} else {
		cp := *sess
		rec.StoredSession = &cp
	}
	return h.persistLocked()
}

// TouchConnected records a successful connection time and persists.
func (h *Hosts) TouchConnected(hostID string, now time.Time) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	rec, ok := h.byID[hostID]
	if !ok {
		return ErrHostNotFound
	}
	t := now.UTC()
	rec.LastConnected = &t
	return h.persistLocked()
}

func (h *Hosts) persistLocked() error {
	doc := hostsDoc{Version: hostsVersion}
	for _, rec := range h.byID {
		doc.Hosts = append(doc.Hosts, rec)
	}
	b, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("store: encode hosts: %w", err)
	}
	if err := securefile.MkdirAllOwnerOnly(filepath.Dir(h.path)); err != nil {
		return fmt.Errorf("store: hosts dir: %w", err)
	}
	if err := securefile.WriteFileAtomic(h.path, b, 0o600); err != nil {
		return fmt.Errorf("store: write hosts: %w", err)
	}
	return nil
}
