package client

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sessionwire/sessionwire/observability"
	"github.com/sessionwire/sessionwire/store"
)

// ConnectOption configures dialing, authentication, and limits for connects.
//
// Omit an option to use the library default.
type ConnectOption func(*connectOptions) error

type connectOptions struct {
	header http.Header
	dialer *websocket.Dialer

	connectTimeout time.Duration
	requestTimeout time.Duration
	readLimit      int64

	username string
	password string

	storedSession *store.HostSession
	sessionSink   func(*store.HostSession)

	logger     *slog.Logger
	observer   observability.ManagerObserver
	callbacks  ManagerCallbacks
	autoManage bool
}

func defaultConnectOptions() connectOptions {
	return connectOptions{
		connectTimeout: 15 * time.Second,
		requestTimeout: 30 * time.Second,
		readLimit:      32 << 20,
		autoManage:     true,
	}
}

func applyConnectOptions(opts []ConnectOption) (connectOptions, error) {
	cfg := defaultConnectOptions()
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(&cfg); err != nil {
			return connectOptions{}, err
		}
	}
	return cfg, nil
}

// WithHeader adds extra HTTP headers for the WebSocket handshake.
func WithHeader(h http.Header) ConnectOption {
	return func(cfg *connectOptions) error {
		cfg.header = h
		return nil
	}
}

// WithDialer sets a custom gorilla/websocket dialer (proxy/TLS/etc).
func WithDialer(d *websocket.Dialer) ConnectOption {
	return func(cfg *connectOptions) error {
		cfg.dialer = d
		return nil
	}
}

// WithConnectTimeout sets the WebSocket connect timeout; 0 disables it.
func WithConnectTimeout(d time.Duration) ConnectOption {
	return func(cfg *connectOptions) error {
		if d < 0 {
			return fmt.Errorf("connect timeout must be >= 0")
		}
		cfg.connectTimeout = d
		return nil
	}
}

// WithRequestTimeout sets the per-request tunnel timeout.
func WithRequestTimeout(d time.Duration) ConnectOption {
	return func(cfg *connectOptions) error {
		if d <= 0 {
			return fmt.Errorf("request timeout must be > 0")
		}
		cfg.requestTimeout = d
		return nil
	}
}

// WithReadLimit caps inbound frame size in bytes.
func WithReadLimit(n int64) ConnectOption {
	return func(cfg *connectOptions) error {
		if n <= 0 {
			return fmt.Errorf("read limit must be > 0")
		}
		cfg.readLimit = n
		return nil
	}
}

// WithPassword enables the SRP handshake for the given identity. Without it
// (and without a stored session) the connection runs in trusted-local
// plaintext mode.
func WithPassword(username, password string) ConnectOption {
	return func(cfg *connectOptions) error {
		if username == "" || password == "" {
			return fmt.Errorf("username and password must be non-empty")
		}
		cfg.username = username
		cfg.password = password
		return nil
	}
}

// WithStoredSession attempts a resume before falling back to the password
// handshake (when one is configured).
func WithStoredSession(sess *store.HostSession) ConnectOption {
	return func(cfg *connectOptions) error {
		if sess == nil || sess.SessionID == "" || sess.SessionKey == "" {
			return fmt.Errorf("stored session must carry a session id and key")
		}
		cp := *sess
		cfg.storedSession = &cp
		return nil
	}
}

// WithSessionSink registers a callback invoked with the new stored session
// after a successful SRP handshake, and with nil when a stored session is
// invalidated, so the caller can persist or clear it.
func WithSessionSink(fn func(*store.HostSession)) ConnectOption {
	return func(cfg *connectOptions) error {
		cfg.sessionSink = fn
		return nil
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) ConnectOption {
	return func(cfg *connectOptions) error {
		cfg.logger = l
		return nil
	}
}

// WithObserver sets the connection-manager metrics observer.
func WithObserver(obs observability.ManagerObserver) ConnectOption {
	return func(cfg *connectOptions) error {
		cfg.observer = obs
		return nil
	}
}

// WithManagerCallbacks surfaces manager transitions to the caller.
func WithManagerCallbacks(cb ManagerCallbacks) ConnectOption {
	return func(cfg *connectOptions) error {
		cfg.callbacks = cb
		return nil
	}
}

// WithoutReconnect disables the automatic reconnection manager; the caller
// observes closes through pending operation failures only.
func WithoutReconnect() ConnectOption {
	return func(cfg *connectOptions) error {
		cfg.autoManage = false
		return nil
	}
}
