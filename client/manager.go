package client

import (
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/sessionwire/sessionwire/internal/logging"
	"github.com/sessionwire/sessionwire/observability"
	"github.com/sessionwire/sessionwire/swerrors"
)

// State is the connection manager's externally visible state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
)

// Reconnection policy.
const (
	maxReconnectAttempts = 10
	reconnectBaseDelay   = time.Second
	reconnectMaxDelay    = 30 * time.Second
	reconnectJitter      = 0.3

	defaultStaleThreshold     = 45 * time.Second
	defaultStaleCheckInterval = 10 * time.Second
	hiddenThreshold           = 5 * time.Second
	pongTimeout               = 2 * time.Second
)

// ManagerCallbacks surface manager transitions to the owner. All callbacks
// are optional and run on internal goroutines.
type ManagerCallbacks struct {
	StateChange        func(next, prev State)
	ReconnectFailed    func(err error)
	VisibilityRestored func()
	SendPing           func(id string) error
}

// Manager watches a transport's liveness and drives reconnection with
// exponential backoff. The owner supplies the reconnect function; the manager
// guarantees at most one invocation is in flight.
type Manager struct {
	log *slog.Logger
	obs observability.ManagerObserver
	cb  ManagerCallbacks

	// Stale detection timing, fixed at construction.
	staleThreshold     time.Duration
	staleCheckInterval time.Duration

	mu           sync.Mutex
	state        State
	reconnectFn  func() error
	attempts     int
	generation   int // Invalidates superseded reconnect attempts and timers.
	retryTimer   *time.Timer
	staleTicker  *time.Ticker
	staleStop    chan struct{}
	lastEvent    time.Time
	sawHeartbeat bool

	hidden   bool
	hiddenAt time.Time

	pongMu      sync.Mutex
	pendingPong string
	pingSentAt  time.Time
	pongTimer   *time.Timer
}

// NewManager builds a manager in the disconnected state.
func NewManager(log *slog.Logger, obs observability.ManagerObserver, cb ManagerCallbacks) *Manager {
	if obs == nil {
		obs = observability.NoopManagerObserver
	}
	return &Manager{
		log:                logging.Or(log).With("component", "conn-manager"),
		obs:                obs,
		cb:                 cb,
		state:              StateDisconnected,
		staleThreshold:     defaultStaleThreshold,
		staleCheckInterval: defaultStaleCheckInterval,
	}
}

// Start arms the manager with a reconnect function and moves to connected.
func (m *Manager) Start(reconnectFn func() error) {
	m.mu.Lock()
	m.reconnectFn = reconnectFn
	m.attempts = 0
	m.lastEvent = time.Now()
	m.sawHeartbeat = false
	m.startStaleCheckLocked()
	m.setStateLocked(StateConnected)
	m.mu.Unlock()
}

// State reports the current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// RecordEvent notes transport activity for stale detection.
func (m *Manager) RecordEvent() {
	m.mu.Lock()
	m.lastEvent = time.Now()
	m.mu.Unlock()
}

// RecordHeartbeat notes a heartbeat; stale detection only runs once at least
// one heartbeat has been observed.
func (m *Manager) RecordHeartbeat() {
	m.mu.Lock()
	m.lastEvent = time.Now()
	m.sawHeartbeat = true
	m.mu.Unlock()
}

// MarkConnected resets the attempt counter after an externally observed
// successful connection.
func (m *Manager) MarkConnected() {
	m.mu.Lock()
	m.attempts = 0
	m.lastEvent = time.Now()
	m.setStateLocked(StateConnected)
	m.mu.Unlock()
}

// HandleClose reacts to a transport loss. Non-retryable errors transition
// straight to disconnected.
func (m *Manager) HandleClose(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateDisconnected && m.reconnectFn == nil {
		return
	}
	if err != nil && !swerrors.Retryable(err) {
		m.log.Warn("connection lost, not retryable", "err", err)
		m.failLocked(err)
		return
	}
	m.scheduleReconnectLocked()
}

// HandleError is HandleClose for errors observed without a close.
func (m *Manager) HandleError(err error) { m.HandleClose(err) }

// ForceReconnect drops the current transport state and schedules an
// immediate reconnect attempt.
func (m *Manager) ForceReconnect(reason string) {
	m.log.Info("forcing reconnect", "reason", reason)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.reconnectFn == nil {
		return
	}
	m.scheduleReconnectLocked()
}

// Stop clears all timers and moves to disconnected.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reconnectFn = nil
	m.generation++
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
	m.stopStaleCheckLocked()
	m.clearPongTimer()
	m.setStateLocked(StateDisconnected)
}

// SetVisibility feeds page/window visibility into the manager. Returning
// from a hidden period of at least hiddenThreshold emits VisibilityRestored
// and probes liveness with a ping when a SendPing callback is installed.
func (m *Manager) SetVisibility(visible bool) {
	now := time.Now()
	m.mu.Lock()
	if !visible {
		m.hidden = true
		m.hiddenAt = now
		m.mu.Unlock()
		return
	}
	wasHidden := m.hidden
	hiddenFor := now.Sub(m.hiddenAt)
	m.hidden = false
	m.mu.Unlock()

	if !wasHidden || hiddenFor < hiddenThreshold {
		return
	}
	if m.cb.VisibilityRestored != nil {
		m.cb.VisibilityRestored()
	}
	if m.cb.SendPing == nil {
		return
	}
	id := newID()
	m.pongMu.Lock()
	m.pendingPong = id
	m.pingSentAt = now
	m.pongTimer = time.AfterFunc(pongTimeout, func() {
		m.pongMu.Lock()
		missed := m.pendingPong == id
		m.pendingPong = ""
		m.pongMu.Unlock()
		if missed {
			m.ForceReconnect("pong timeout")
		}
	})
	m.pongMu.Unlock()
	if err := m.cb.SendPing(id); err != nil {
		m.ForceReconnect("ping send failed")
	}
}

// ReceivePong resolves an outstanding visibility ping.
func (m *Manager) ReceivePong(id string) {
	m.pongMu.Lock()
	match := m.pendingPong != "" && m.pendingPong == id
	sentAt := m.pingSentAt
	if match {
		m.pendingPong = ""
		if m.pongTimer != nil {
			m.pongTimer.Stop()
			m.pongTimer = nil
		}
	}
	m.pongMu.Unlock()
	if match {
		m.obs.PongLatency(time.Since(sentAt))
	}
	m.RecordEvent()
}

func (m *Manager) clearPongTimer() {
	m.pongMu.Lock()
	m.pendingPong = ""
	if m.pongTimer != nil {
		m.pongTimer.Stop()
		m.pongTimer = nil
	}
	m.pongMu.Unlock()
}

func (m *Manager) setStateLocked(next State) {
	prev := m.state
	if next == prev {
		return
	}
	m.state = next
	m.obs.State(string(next))
	if m.cb.StateChange != nil {
		go m.cb.StateChange(next, prev)
	}
}

func (m *Manager) failLocked(err error) {
	m.reconnectFn = nil
	m.generation++
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
	m.stopStaleCheckLocked()
	m.setStateLocked(StateDisconnected)
	if m.cb.ReconnectFailed != nil {
		go m.cb.ReconnectFailed(err)
	}
}

// scheduleReconnectLocked arms the next attempt. A newer generation
// invalidates any outstanding timer or in-flight attempt.
func (m *Manager) scheduleReconnectLocked() {
	if m.reconnectFn == nil {
		return
	}
	if m.attempts >= maxReconnectAttempts {
		m.log.Warn("reconnect attempts exhausted")
		m.failLocked(swerrors.New(swerrors.StageConnect, swerrors.CodeStale))
		return
	}
	m.generation++
	gen := m.generation
	delay := reconnectDelay(m.attempts)
	m.attempts++
	m.setStateLocked(StateReconnecting)
	if m.retryTimer != nil {
		m.retryTimer.Stop()
	}
	m.retryTimer = time.AfterFunc(delay, func() { m.attemptReconnect(gen) })
}

func (m *Manager) attemptReconnect(gen int) {
	m.mu.Lock()
	if gen != m.generation || m.reconnectFn == nil {
		m.mu.Unlock()
		return
	}
	fn := m.reconnectFn
	m.mu.Unlock()

	err := fn()

	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.generation {
		// A newer attempt or Stop superseded this one; ignore its outcome.
		return
	}
	if err == nil {
		m.obs.ReconnectAttempt(true)
		m.attempts = 0
		m.lastEvent = time.Now()
		m.setStateLocked(StateConnected)
		return
	}
	m.obs.ReconnectAttempt(false)
	m.log.Warn("reconnect attempt failed", "attempt", m.attempts, "err", err)
	if !swerrors.Retryable(err) {
		m.failLocked(err)
		return
	}
	m.scheduleReconnectLocked()
}

func (m *Manager) startStaleCheckLocked() {
	m.stopStaleCheckLocked()
	m.staleTicker = time.NewTicker(m.staleCheckInterval)
	m.staleStop = make(chan struct{})
	go m.staleLoop(m.staleTicker, m.staleStop)
}

func (m *Manager) stopStaleCheckLocked() {
	if m.staleTicker != nil {
		m.staleTicker.Stop()
		close(m.staleStop)
		m.staleTicker = nil
		m.staleStop = nil
	}
}

func (m *Manager) staleLoop(t *time.Ticker, stop chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			m.mu.Lock()
			stale := m.state == StateConnected && m.sawHeartbeat &&
				time.Since(m.lastEvent) > m.staleThreshold
			m.mu.Unlock()
			if stale {
				m.obs.StaleDetected()
				m.ForceReconnect("stale")
			}
		}
	}
}

// reconnectDelay computes the backoff for attempt n (zero-based):
// min(maxDelay, baseDelay * 2^n * (1 + Uniform(0, jitter))).
func reconnectDelay(n int) time.Duration {
	d := reconnectBaseDelay
	for i := 0; i < n; i++ {
		d *= 2
		if d >= reconnectMaxDelay {
			d = reconnectMaxDelay
			break
		}
	}
	jittered := float64(d) * (1 + rand.Float64()*reconnectJitter)
	if jittered > float64(reconnectMaxDelay) {
		jittered = float64(reconnectMaxDelay)
	}
	return time.Duration(jittered)
}
