package host

import (
	"context"
	"encoding/json"
	"time"

	"github.com/sessionwire/sessionwire/store"
	"github.com/sessionwire/sessionwire/watch"
)

// CredentialStore hands out the single identity's SRP material. A store with
// no configured identity returns ok=false; the host then refuses remote SRP
// connections.
type CredentialStore interface {
	Username() (string, bool)
	Credentials() (salt, verifier []byte, ok bool)
}

// SessionStore persists stored sessions between SRP success and resume.
// *store.Sessions implements it.
type SessionStore interface {
	Create(rec *store.Session) error
	Get(sessionID string) (*store.Session, bool)
	Delete(sessionID string) error
	TouchConnected(sessionID string, now time.Time) error
}

// SessionProcess is a live agent process owning one session. Subscribe
// registers a listener for its event stream and returns a cancel closure.
// lastEventID is the highest event ID the subscriber has already seen, zero
// on a fresh subscription; the process decides whether to replay from there.
type SessionProcess interface {
	Subscribe(lastEventID uint64, fn func(event json.RawMessage)) (cancel func())
}

// Supervisor locates the live process for a session, when one exists.
type Supervisor interface {
	ProcessForSession(sessionID string) (SessionProcess, bool)
}

// ActivityBus is the global event feed: session status, creation, updates,
// file changes, worker activity. Events are opaque JSON to the transport.
type ActivityBus interface {
	Subscribe(fn func(event json.RawMessage)) (cancel func())
}

// SessionWatch observes a specific session file for viewers that do not own
// the process. *watch.Watcher implements it.
type SessionWatch interface {
	Subscribe(t watch.Target, fn func(watch.Event)) (func(), error)
}

// UploadInfo describes an upload about to start.
type UploadInfo struct {
	ProjectID string
	SessionID string
	Filename  string
	Size      int64
	MimeType  string
}

// UploadStaging owns the staging area for resumable uploads. Chunk writes
// arrive strictly in offset order.
type UploadStaging interface {
	Start(ctx context.Context, info UploadInfo) (stagingID string, err error)
	WriteChunk(ctx context.Context, stagingID string, offset int64, data []byte) error
	Complete(ctx context.Context, stagingID string) (file json.RawMessage, err error)
	Cancel(ctx context.Context, stagingID string) error
}
