package relay

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	hyamux "github.com/hashicorp/yamux"

	"github.com/sessionwire/sessionwire/host"
	"github.com/sessionwire/sessionwire/internal/logging"
	"github.com/sessionwire/sessionwire/realtime/ws"
)

var (
	ErrMissingBrokerURL = errors.New("missing broker url")
	ErrMissingHostID    = errors.New("missing host id")
	ErrMissingServer    = errors.New("missing host server")
)

// StreamServer is where accepted relay streams go. *host.Server satisfies it.
type StreamServer interface {
	AcceptConnection(sock host.Socket)
}

// AgentConfig carries the host-side relay agent's settings.
type AgentConfig struct {
	BrokerURL string // Websocket URL of the broker's agent endpoint.
	HostID    string // Identifier clients use to reach this host.
	Key       string // Shared secret for the X-Relay-Key header.

	Header http.Header
	Dialer *websocket.Dialer

	DialTimeout time.Duration // Per-attempt dial window.
	RetryMin    time.Duration // Initial reconnect backoff.
	RetryMax    time.Duration // Backoff cap.

	Logger *slog.Logger
}

// Agent keeps one link to the broker and serves every paired client as a
// stream on it.
type Agent struct {
	cfg AgentConfig
	srv StreamServer
	log *slog.Logger
	url string
}

// NewAgent validates cfg and binds the agent to srv.
func NewAgent(cfg AgentConfig, srv StreamServer) (*Agent, error) {
	if cfg.BrokerURL == "" {
		return nil, ErrMissingBrokerURL
	}
	if cfg.HostID == "" {
		return nil, ErrMissingHostID
	}
	if srv == nil {
		return nil, ErrMissingServer
	}
	u, err := url.Parse(cfg.BrokerURL)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("host", cfg.HostID)
	u.RawQuery = q.Encode()
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 15 * time.Second
	}
	if cfg.RetryMin <= 0 {
		cfg.RetryMin = time.Second
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = 30 * time.Second
	}
	return &Agent{
		cfg: cfg,
		srv: srv,
		log: logging.Or(cfg.Logger).With("component", "relay-agent", "host", cfg.HostID),
		url: u.String(),
	}, nil
}

// Run maintains the broker link until ctx is canceled, redialing with
// exponential backoff after each loss.
func (a *Agent) Run(ctx context.Context) error {
	delay := a.cfg.RetryMin
	for {
		served, err := a.runLink(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			a.log.Warn("broker link lost", "err", err)
		}
		if served {
			delay = a.cfg.RetryMin
		}
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		delay *= 2
		if delay > a.cfg.RetryMax {
			delay = a.cfg.RetryMax
		}
	}
}

// runLink dials the broker and serves streams until the link dies. The bool
// reports whether the link came up at all, which resets the backoff.
func (a *Agent) runLink(ctx context.Context) (bool, error) {
	h := http.Header{}
	for k, vv := range a.cfg.Header {
		h[k] = vv
	}
	if a.cfg.Key != "" {
		h.Set("X-Relay-Key", a.cfg.Key)
	}
	dialCtx, cancel := context.WithTimeout(ctx, a.cfg.DialTimeout)
	conn, _, err := ws.Dial(dialCtx, a.url, ws.DialOptions{Header: h, Dialer: a.cfg.Dialer})
	cancel()
	if err != nil {
		return false, err
	}
	sess, err := hyamux.Server(newWSNetConn(conn), muxConfig())
	if err != nil {
		_ = conn.Close()
		return false, err
	}
	a.log.Info("broker link up")

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = sess.Close()
		case <-done:
		}
	}()

	for {
		stream, err := sess.AcceptStream()
		if err != nil {
			_ = sess.Close()
			if ctx.Err() != nil {
				return true, ctx.Err()
			}
			return true, err
		}
		a.srv.AcceptConnection(NewStreamSocket(stream))
	}
}
