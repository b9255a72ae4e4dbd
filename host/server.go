// Package host implements the server side of the session transport:
// websocket admission, the SRP handshake and resume paths, the encrypted
// message router, the request tunnel, the subscription multiplexer, and the
// resumable upload engine.
package host

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/sessionwire/sessionwire/internal/logging"
	"github.com/sessionwire/sessionwire/observability"
	"github.com/sessionwire/sessionwire/realtime/ws"
)

// Config carries the server's tunables and collaborators. Zero-value
// durations and sizes are replaced with the defaults in New.
type Config struct {
	Origins ws.OriginPolicy // Browser origin admission policy.

	// TrustLocal marks a request as trusted-local: the connection skips
	// SRP and runs in plaintext. Nil means no request is trusted.
	TrustLocal func(r *http.Request) bool

	// App receives tunneled requests. Paths are prefixed with APIBase.
	App     http.Handler
	APIBase string

	Credentials CredentialStore
	Sessions    SessionStore
	Supervisor  Supervisor
	Activity    ActivityBus
	Watcher     SessionWatch
	Staging     UploadStaging

	MaxConnections      int           // Concurrent connection cap; 0 means default.
	ReadLimit           int64         // Per-frame read limit in bytes.
	HandshakeTimeout    time.Duration // SRP handshake completion window.
	RequestTimeout      time.Duration // Tunneled request execution window.
	ResumeChallengeTTL  time.Duration // Resume nonce validity.
	HeartbeatInterval   time.Duration // Subscription heartbeat period.
	ProgressGranularity int64         // Upload progress reporting step in bytes.
	CompressThreshold   int           // Outbound payload size that triggers gzip.

	Logger   *slog.Logger
	Observer observability.HostObserver
}

// DefaultConfig returns the production defaults. Requests without an Origin
// header (native clients, relay agents) are admitted; browser origins go
// through the policy.
func DefaultConfig() Config {
	return Config{
		Origins: ws.OriginPolicy{AllowNoOrigin: true},
		MaxConnections:      128,
		ReadLimit:           32 << 20,
		HandshakeTimeout:    10 * time.Second,
		RequestTimeout:      30 * time.Second,
		ResumeChallengeTTL:  60 * time.Second,
		HeartbeatInterval:   30 * time.Second,
		ProgressGranularity: 64 << 10,
		CompressThreshold:   8 << 10,
	}
}

// Server accepts transports and serves the session protocol on them.
type Server struct {
	cfg Config
	log *slog.Logger
	obs observability.HostObserver

	creds      CredentialStore
	sessions   SessionStore
	supervisor Supervisor
	activity   ActivityBus
	watcher    SessionWatch
	staging    UploadStaging
	app        http.Handler

	identities *identityRegistry

	mu     sync.Mutex
	conns  map[string]*Conn
	closed bool

	connCount atomic.Int64
	subCount  atomic.Int64
	stop      chan struct{}
	wg        sync.WaitGroup
}

// New builds a server from cfg, filling zero values with defaults.
func New(cfg Config) *Server {
	def := DefaultConfig()
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = def.MaxConnections
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = def.ReadLimit
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = def.HandshakeTimeout
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.ResumeChallengeTTL <= 0 {
		cfg.ResumeChallengeTTL = def.ResumeChallengeTTL
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if cfg.ProgressGranularity <= 0 {
		cfg.ProgressGranularity = def.ProgressGranularity
	}
	if cfg.CompressThreshold <= 0 {
		cfg.CompressThreshold = def.CompressThreshold
	}
	obs := cfg.Observer
	if obs == nil {
		obs = observability.NoopHostObserver
	}
	if cfg.Credentials == nil {
		cfg.Credentials = noCredentials{}
	}
	if cfg.Supervisor == nil {
		cfg.Supervisor = noSupervisor{}
	}
	s := &Server{
		cfg:        cfg,
		log:        logging.Or(cfg.Logger).With("component", "host"),
		obs:        obs,
		creds:      cfg.Credentials,
		sessions:   cfg.Sessions,
		supervisor: cfg.Supervisor,
		activity:   cfg.Activity,
		watcher:    cfg.Watcher,
		staging:    cfg.Staging,
		app:        cfg.App,
		identities: newIdentityRegistry(),
		conns:      make(map[string]*Conn),
		stop:       make(chan struct{}),
	}
	s.wg.Add(1)
	go s.maintenanceLoop()
	return s
}

type noCredentials struct{}

func (noCredentials) Username() (string, bool)         { return "", false }
func (noCredentials) Credentials() ([]byte, []byte, bool) { return nil, nil, false }

type noSupervisor struct{}

func (noSupervisor) ProcessForSession(string) (SessionProcess, bool) { return nil, false }

// ServeHTTP upgrades an HTTP request into a session transport.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !s.cfg.Origins.CheckRequest(r) {
		s.obs.Admit(observability.AdmitResultFail, observability.AdmitReasonForbiddenOrigin)
		http.Error(w, "forbidden origin", http.StatusForbidden)
		return
	}
	if s.connCount.Load() >= int64(s.cfg.MaxConnections) {
		s.obs.Admit(observability.AdmitResultFail, observability.AdmitReasonTooManyConns)
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}
	trusted := s.cfg.TrustLocal != nil && s.cfg.TrustLocal(r)
	sock, err := ws.Upgrade(w, r, ws.UpgraderOptions{
		// Origin was already validated against the policy.
		CheckOrigin: func(*http.Request) bool { return true },
	})
	if err != nil {
		s.obs.Admit(observability.AdmitResultFail, observability.AdmitReasonUpgradeError)
		s.log.Warn("websocket upgrade failed", "err", err)
		return
	}
	s.admit(sock, admission{
		trusted:   trusted,
		origin:    r.Header.Get("Origin"),
		userAgent: r.UserAgent(),
	})
}

type admission struct {
	trusted   bool
	origin    string
	userAgent string
}

// AcceptConnection serves the protocol on an externally established socket,
// such as a relayed stream. Relayed connections always require SRP.
func (s *Server) AcceptConnection(sock Socket) {
	s.admit(sock, admission{})
}

func (s *Server) admit(sock Socket, adm admission) {
	c := newConn(uuid.NewString(), sock, s, s.log)
	c.origin = adm.origin
	c.userAgent = adm.userAgent
	sock.SetReadLimit(s.cfg.ReadLimit)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = sock.Close()
		return
	}
	s.conns[c.id] = c
	s.mu.Unlock()
	s.obs.Admit(observability.AdmitResultOK, observability.AdmitReasonOK)
	s.obs.ConnCount(s.connCount.Add(1))

	if adm.trusted {
		username, _ := s.creds.Username()
		c.markAuthenticated(nil, "", username)
	} else {
		c.srpRequired = true
		c.armHandshakeTimer()
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.serve(context.Background(), c)
	}()
}

// teardown releases everything the connection holds. Runs exactly once, from
// the read loop's exit path.
func (s *Server) teardown(c *Conn) {
	c.stopHandshakeTimer()
	for id, sub := range c.subs {
		delete(c.subs, id)
		sub.close()
		s.subCount.Add(-1)
	}
	for id, u := range c.uploads {
		delete(c.uploads, id)
		u.cancel()
	}
	_ = c.sock.Close()

	s.mu.Lock()
	delete(s.conns, c.id)
	s.mu.Unlock()
	s.obs.ConnCount(s.connCount.Add(-1))
	s.obs.SubscriptionCount(int(s.subCount.Load()))
}

// maintenanceLoop evicts idle rate-limit identities.
func (s *Server) maintenanceLoop() {
	defer s.wg.Done()
	t := time.NewTicker(time.Minute)
	defer t.Stop()
	for {
		select {
		case <-s.stop:
			return
		case now := <-t.C:
			s.identities.evictIdle(now)
		}
	}
}

// Close shuts the server down, closing every live connection.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conns := make([]*Conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	close(s.stop)
	for _, c := range conns {
		s.obs.Close(observability.CloseReasonServerShutdown)
		c.closeWith(websocket.CloseGoingAway, "server shutdown")
	}
	s.wg.Wait()
	return nil
}

// ConnCount reports the number of live connections.
func (s *Server) ConnCount() int64 { return s.connCount.Load() }
