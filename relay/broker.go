package relay

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	hyamux "github.com/hashicorp/yamux"

	"github.com/sessionwire/sessionwire/internal/logging"
	"github.com/sessionwire/sessionwire/observability"
	"github.com/sessionwire/sessionwire/realtime/ws"
)

// Config carries the broker's tunables. Zero values are replaced with the
// defaults in NewBroker.
type Config struct {
	AgentPath  string // Websocket path for host agents.
	ClientPath string // Websocket path for clients.

	Origins ws.OriginPolicy // Admission policy for the client leg.

	// AgentKey is the shared secret agents present in the X-Relay-Key
	// header. Empty admits any agent; do not leave it empty outside tests.
	AgentKey string

	MaxConns      int           // Concurrent client leg cap.
	MaxFrameBytes int64         // Per-frame relay cap in bytes.
	PairTimeout   time.Duration // How long a client waits for its agent.
	WriteTimeout  time.Duration // Per-frame websocket write deadline.

	Logger   *slog.Logger
	Observer observability.RelayObserver
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		AgentPath:     "/agent",
		ClientPath:    "/connect",
		Origins:       ws.OriginPolicy{AllowNoOrigin: true},
		MaxConns:      1024,
		MaxFrameBytes: 32 << 20,
		PairTimeout:   15 * time.Second,
		WriteTimeout:  10 * time.Second,
	}
}

// Broker pairs client websockets with host agents. One agent link serves any
// number of clients; each paired client becomes a stream on the agent's
// multiplexed session.
type Broker struct {
	cfg Config
	log *slog.Logger
	obs observability.RelayObserver

	mu      sync.Mutex
	agents  map[string]*agentLink
	waiters map[string][]chan *agentLink
	closed  bool

	connCount atomic.Int64
}

type agentLink struct {
	hostID string
	sess   *hyamux.Session
	since  time.Time
}

// Stats is a point-in-time view of broker counts.
type Stats struct {
	AgentCount int
	ConnCount  int64
}

// NewBroker builds a broker from cfg, filling zero values with defaults.
func NewBroker(cfg Config) *Broker {
	def := DefaultConfig()
	if cfg.AgentPath == "" {
		cfg.AgentPath = def.AgentPath
	}
	if cfg.ClientPath == "" {
		cfg.ClientPath = def.ClientPath
	}
	if cfg.MaxConns <= 0 {
		cfg.MaxConns = def.MaxConns
	}
	if cfg.MaxFrameBytes <= 0 {
		cfg.MaxFrameBytes = def.MaxFrameBytes
	}
	if cfg.PairTimeout <= 0 {
		cfg.PairTimeout = def.PairTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	obs := cfg.Observer
	if obs == nil {
		obs = observability.NoopRelayObserver
	}
	return &Broker{
		cfg:     cfg,
		log:     logging.Or(cfg.Logger).With("component", "relay"),
		obs:     obs,
		agents:  make(map[string]*agentLink),
		waiters: make(map[string][]chan *agentLink),
	}
}

// Register installs the agent, client, and health endpoints on the mux.
func (b *Broker) Register(mux *http.ServeMux) {
	mux.HandleFunc(b.cfg.AgentPath, b.handleAgent)
	mux.HandleFunc(b.cfg.ClientPath, b.handleClient)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
}

// Stats reports current agent and client counts.
func (b *Broker) Stats() Stats {
	b.mu.Lock()
	agents := len(b.agents)
	b.mu.Unlock()
	return Stats{AgentCount: agents, ConnCount: b.connCount.Load()}
}

// Close shuts every agent link down and refuses new attachments.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	links := make([]*agentLink, 0, len(b.agents))
	for _, link := range b.agents {
		links = append(links, link)
	}
	b.agents = make(map[string]*agentLink)
	b.mu.Unlock()
	for _, link := range links {
		_ = link.sess.Close()
	}
	return nil
}

func (b *Broker) authorizeAgent(r *http.Request) bool {
	if b.cfg.AgentKey == "" {
		return true
	}
	got := r.Header.Get("X-Relay-Key")
	return subtle.ConstantTimeCompare([]byte(got), []byte(b.cfg.AgentKey)) == 1
}

// handleAgent attaches a host agent and parks until its session dies.
func (b *Broker) handleAgent(w http.ResponseWriter, r *http.Request) {
	if !b.authorizeAgent(r) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	hostID := r.URL.Query().Get("host")
	if hostID == "" {
		http.Error(w, "missing host", http.StatusBadRequest)
		return
	}
	sock, err := ws.Upgrade(w, r, ws.UpgraderOptions{
		// Agents are native processes; the Origin header carries nothing.
		CheckOrigin: func(*http.Request) bool { return true },
	})
	if err != nil {
		b.log.Warn("agent upgrade failed", "host", hostID, "err", err)
		return
	}
	// The broker opens streams toward the agent, so it takes the client
	// role of the multiplexed session.
	sess, err := hyamux.Client(newWSNetConn(sock), muxConfig())
	if err != nil {
		b.log.Warn("agent mux failed", "host", hostID, "err", err)
		_ = sock.Close()
		return
	}
	link := &agentLink{hostID: hostID, sess: sess, since: time.Now()}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		_ = sess.Close()
		return
	}
	prev := b.agents[hostID]
	b.agents[hostID] = link
	pending := b.waiters[hostID]
	delete(b.waiters, hostID)
	agents := len(b.agents)
	b.mu.Unlock()

	if prev != nil {
		_ = prev.sess.Close()
	}
	b.obs.AgentCount(agents)
	b.log.Info("agent attached", "host", hostID, "replaced", prev != nil)
	for _, ch := range pending {
		ch <- link
	}

	<-sess.CloseChan()

	b.mu.Lock()
	if b.agents[hostID] == link {
		delete(b.agents, hostID)
	}
	agents = len(b.agents)
	b.mu.Unlock()
	b.obs.AgentCount(agents)
	b.log.Info("agent detached", "host", hostID)
}

// waitForAgent returns the live link for hostID, waiting up to the pairing
// timeout for one to attach.
func (b *Broker) waitForAgent(hostID string) (*agentLink, bool) {
	b.mu.Lock()
	if link, ok := b.agents[hostID]; ok {
		b.mu.Unlock()
		return link, true
	}
	ch := make(chan *agentLink, 1)
	b.waiters[hostID] = append(b.waiters[hostID], ch)
	b.mu.Unlock()

	t := time.NewTimer(b.cfg.PairTimeout)
	defer t.Stop()
	select {
	case link := <-ch:
		return link, true
	case <-t.C:
		b.mu.Lock()
		pending := b.waiters[hostID]
		for i, c := range pending {
			if c == ch {
				b.waiters[hostID] = append(pending[:i], pending[i+1:]...)
				break
			}
		}
		if len(b.waiters[hostID]) == 0 {
			delete(b.waiters, hostID)
		}
		b.mu.Unlock()
		// The agent may have attached in the race window.
		select {
		case link := <-ch:
			return link, true
		default:
			return nil, false
		}
	}
}

// handleClient pairs a client websocket with its host agent and relays
// frames until either side goes away.
func (b *Broker) handleClient(w http.ResponseWriter, r *http.Request) {
	if !b.cfg.Origins.CheckRequest(r) {
		http.Error(w, "forbidden origin", http.StatusForbidden)
		return
	}
	if b.connCount.Load() >= int64(b.cfg.MaxConns) {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}
	hostID := r.URL.Query().Get("host")
	if hostID == "" {
		http.Error(w, "missing host", http.StatusBadRequest)
		return
	}
	sock, err := ws.Upgrade(w, r, ws.UpgraderOptions{
		CheckOrigin: func(*http.Request) bool { return true },
	})
	if err != nil {
		b.log.Warn("client upgrade failed", "host", hostID, "err", err)
		return
	}
	sock.SetReadLimit(b.cfg.MaxFrameBytes)
	b.obs.ConnCount(b.connCount.Add(1))
	defer func() {
		b.obs.ConnCount(b.connCount.Add(-1))
	}()

	arrived := time.Now()
	link, ok := b.waitForAgent(hostID)
	if !ok {
		b.obs.Pair(observability.PairResultTimeout)
		b.log.Info("pairing timeout", "host", hostID)
		_ = sock.CloseWithStatus(websocket.CloseTryAgainLater, "pairing timeout")
		return
	}
	stream, err := link.sess.OpenStream()
	if err != nil {
		b.obs.Pair(observability.PairResultRejected)
		b.obs.Close(observability.CloseReasonAgentLost)
		b.log.Warn("stream open failed", "host", hostID, "err", err)
		_ = sock.CloseWithStatus(websocket.CloseGoingAway, "agent lost")
		return
	}
	b.obs.Pair(observability.PairResultOK)
	b.obs.PairLatency(time.Since(arrived))

	done := make(chan struct{})
	go func() {
		defer close(done)
		b.pumpStreamToClient(hostID, stream, sock)
	}()
	b.pumpClientToStream(sock, stream)
	<-done
}

// pumpClientToStream forwards client websocket frames onto the agent stream.
// A client close is relayed as a close frame so the host sees the code.
func (b *Broker) pumpClientToStream(sock *ws.Conn, stream muxStream) {
	for {
		mt, data, err := sock.ReadMessage(context.Background())
		if err != nil {
			code, text := websocket.CloseNormalClosure, ""
			if ce, ok := err.(*websocket.CloseError); ok {
				code, text = ce.Code, ce.Text
			} else {
				b.obs.Close(observability.CloseReasonPeerClosed)
			}
			_ = stream.SetWriteDeadline(time.Now().Add(b.cfg.WriteTimeout))
			_ = writeStreamFrame(stream, frameClose, encodeClose(code, text))
			_ = stream.Close()
			return
		}
		switch mt {
		case websocket.TextMessage, websocket.BinaryMessage:
		default:
			continue
		}
		_ = stream.SetWriteDeadline(time.Time{})
		if err := writeStreamFrame(stream, mt, data); err != nil {
			b.obs.Close(observability.CloseReasonAgentLost)
			_ = sock.CloseWithStatus(websocket.CloseGoingAway, "agent lost")
			return
		}
	}
}

// pumpStreamToClient forwards agent stream frames back to the client
// websocket, translating relayed close frames into websocket closes.
func (b *Broker) pumpStreamToClient(hostID string, stream muxStream, sock *ws.Conn) {
	for {
		_ = stream.SetReadDeadline(time.Time{})
		kind, payload, err := readStreamFrame(stream, b.cfg.MaxFrameBytes)
		if err != nil {
			b.obs.Close(observability.CloseReasonAgentLost)
			b.log.Debug("agent stream ended", "host", hostID, "err", err)
			_ = sock.CloseWithStatus(websocket.CloseGoingAway, "agent lost")
			return
		}
		if kind == frameClose {
			code, text := decodeClose(payload)
			_ = sock.CloseWithStatus(code, text)
			return
		}
		wctx, cancel := context.WithTimeout(context.Background(), b.cfg.WriteTimeout)
		err = sock.WriteMessage(wctx, kind, payload)
		cancel()
		if err != nil {
			b.obs.Close(observability.CloseReasonWriteError)
			_ = stream.Close()
			return
		}
	}
}
