package observability

import (
	"sync"
	"sync/atomic"
	"time"
)

type AdmitResult string

const (
	AdmitResultOK   AdmitResult = "ok"
	AdmitResultFail AdmitResult = "fail"
)

type AdmitReason string

const (
	AdmitReasonOK              AdmitReason = "ok"
	AdmitReasonUpgradeError    AdmitReason = "upgrade_error"
	AdmitReasonForbiddenOrigin AdmitReason = "forbidden_origin"
	AdmitReasonTooManyConns    AdmitReason = "too_many_connections"
)

type HandshakeResult string

const (
	HandshakeResultOK           HandshakeResult = "ok"
	HandshakeResultInvalidProof HandshakeResult = "invalid_proof"
	HandshakeResultRateLimited  HandshakeResult = "rate_limited"
	HandshakeResultTimeout      HandshakeResult = "timeout"
	HandshakeResultUnknownUser  HandshakeResult = "unknown_identity"
)

type ResumeResult string

const (
	ResumeResultOK      ResumeResult = "ok"
	ResumeResultInvalid ResumeResult = "invalid"
	ResumeResultExpired ResumeResult = "expired"
)

type CloseReason string

const (
	CloseReasonPeerClosed         CloseReason = "peer_closed"
	CloseReasonDecryptFailed      CloseReason = "decrypt_failed"
	CloseReasonSequenceViolation  CloseReason = "sequence_violation"
	CloseReasonUnknownFormat      CloseReason = "unknown_format"
	CloseReasonEncryptionRequired CloseReason = "encryption_required"
	CloseReasonHandshakeTimeout   CloseReason = "handshake_timeout"
	CloseReasonRateLimited        CloseReason = "rate_limited"
	CloseReasonWriteError         CloseReason = "write_error"
	CloseReasonServerShutdown     CloseReason = "server_shutdown"
	CloseReasonAgentLost          CloseReason = "agent_lost"
)

type PairResult string

const (
	PairResultOK       PairResult = "ok"
	PairResultTimeout  PairResult = "timeout"
	PairResultRejected PairResult = "rejected"
)

// HostObserver receives server-side transport metric events.
type HostObserver interface {
	ConnCount(n int64)
	Admit(result AdmitResult, reason AdmitReason)
	Handshake(result HandshakeResult, d time.Duration)
	Resume(result ResumeResult)
	Close(reason CloseReason)
	TunnelRequest(status int, d time.Duration)
	SubscriptionCount(n int)
	EventDelivered(channel string)
	UploadBytes(n int)
	UploadDone(ok bool)
}

// ManagerObserver receives client connection-manager metric events.
type ManagerObserver interface {
	State(state string)
	ReconnectAttempt(ok bool)
	StaleDetected()
	PongLatency(d time.Duration)
}

// RelayObserver receives relay-broker metric events.
type RelayObserver interface {
	ConnCount(n int64)
	AgentCount(n int)
	Pair(result PairResult)
	PairLatency(d time.Duration)
	Close(reason CloseReason)
}

type noopHostObserver struct{}

func (noopHostObserver) ConnCount(int64)                          {}
func (noopHostObserver) Admit(AdmitResult, AdmitReason)           {}
func (noopHostObserver) Handshake(HandshakeResult, time.Duration) {}
func (noopHostObserver) Resume(ResumeResult)                      {}
func (noopHostObserver) Close(CloseReason)                        {}
func (noopHostObserver) TunnelRequest(int, time.Duration)         {}
func (noopHostObserver) SubscriptionCount(int)                    {}
func (noopHostObserver) EventDelivered(string)                    {}
func (noopHostObserver) UploadBytes(int)                          {}
func (noopHostObserver) UploadDone(bool)                          {}

type noopRelayObserver struct{}

func (noopRelayObserver) ConnCount(int64)           {}
func (noopRelayObserver) AgentCount(int)            {}
func (noopRelayObserver) Pair(PairResult)           {}
func (noopRelayObserver) PairLatency(time.Duration) {}
func (noopRelayObserver) Close(CloseReason)         {}

type noopManagerObserver struct{}

func (noopManagerObserver) State(string)              {}
func (noopManagerObserver) ReconnectAttempt(bool)     {}
func (noopManagerObserver) StaleDetected()            {}
func (noopManagerObserver) PongLatency(time.Duration) {}

// NoopHostObserver is a zero-cost observer used when metrics are disabled.
var NoopHostObserver HostObserver = noopHostObserver{}

// NoopManagerObserver is a zero-cost observer used when metrics are disabled.
var NoopManagerObserver ManagerObserver = noopManagerObserver{}

// NoopRelayObserver is a zero-cost observer used when metrics are disabled.
var NoopRelayObserver RelayObserver = noopRelayObserver{}

// AtomicHostObserver swaps its delegate at runtime.
type AtomicHostObserver struct {
	once sync.Once
	v    atomic.Value
}

type hostObserverHolder struct {
	obs HostObserver
}

// NewAtomicHostObserver returns an initialized atomic observer.
func NewAtomicHostObserver() *AtomicHostObserver {
	a := &AtomicHostObserver{}
	a.once.Do(func() { a.v.Store(&hostObserverHolder{obs: NoopHostObserver}) })
	return a
}

// Set replaces the delegate, falling back to the no-op observer on nil.
func (a *AtomicHostObserver) Set(obs HostObserver) {
	if obs == nil {
		obs = NoopHostObserver
	}
	a.once.Do(func() { a.v.Store(&hostObserverHolder{obs: NoopHostObserver}) })
	a.v.Store(&hostObserverHolder{obs: obs})
}

func (a *AtomicHostObserver) load() HostObserver {
	a.once.Do(func() { a.v.Store(&hostObserverHolder{obs: NoopHostObserver}) })
	return a.v.Load().(*hostObserverHolder).obs
}

func (a *AtomicHostObserver) ConnCount(n int64) { a.load().ConnCount(n) }
func (a *AtomicHostObserver) Admit(result AdmitResult, reason AdmitReason) {
	a.load().Admit(result, reason)
}
func (a *AtomicHostObserver) Handshake(result HandshakeResult, d time.Duration) {
	a.load().Handshake(result, d)
}
func (a *AtomicHostObserver) Resume(result ResumeResult) { a.load().Resume(result) }
func (a *AtomicHostObserver) Close(reason CloseReason)   { a.load().Close(reason) }
func (a *AtomicHostObserver) TunnelRequest(status int, d time.Duration) {
	a.load().TunnelRequest(status, d)
}
func (a *AtomicHostObserver) SubscriptionCount(n int)       { a.load().SubscriptionCount(n) }
func (a *AtomicHostObserver) EventDelivered(channel string) { a.load().EventDelivered(channel) }
func (a *AtomicHostObserver) UploadBytes(n int)             { a.load().UploadBytes(n) }
func (a *AtomicHostObserver) UploadDone(ok bool)            { a.load().UploadDone(ok) }

// AtomicManagerObserver swaps its delegate at runtime.
type AtomicManagerObserver struct {
	once sync.Once
	v    atomic.Value
}

type managerObserverHolder struct {
	obs ManagerObserver
}

// NewAtomicManagerObserver returns an initialized atomic observer.
func NewAtomicManagerObserver() *AtomicManagerObserver {
	a := &AtomicManagerObserver{}
	a.once.Do(func() { a.v.Store(&managerObserverHolder{obs: NoopManagerObserver}) })
	return a
}

// Set replaces the delegate, falling back to the no-op observer on nil.
func (a *AtomicManagerObserver) Set(obs ManagerObserver) {
	if obs == nil {
		obs = NoopManagerObserver
	}
	a.once.Do(func() { a.v.Store(&managerObserverHolder{obs: NoopManagerObserver}) })
	a.v.Store(&managerObserverHolder{obs: obs})
}

func (a *AtomicManagerObserver) load() ManagerObserver {
	a.once.Do(func() { a.v.Store(&managerObserverHolder{obs: NoopManagerObserver}) })
	return a.v.Load().(*managerObserverHolder).obs
}

func (a *AtomicManagerObserver) State(state string)          { a.load().State(state) }
func (a *AtomicManagerObserver) ReconnectAttempt(ok bool)    { a.load().ReconnectAttempt(ok) }
func (a *AtomicManagerObserver) StaleDetected()              { a.load().StaleDetected() }
func (a *AtomicManagerObserver) PongLatency(d time.Duration) { a.load().PongLatency(d) }

// AtomicRelayObserver swaps its delegate at runtime.
type AtomicRelayObserver struct {
	once sync.Once
	v    atomic.Value
}

type relayObserverHolder struct {
	obs RelayObserver
}

// NewAtomicRelayObserver returns an initialized atomic observer.
func NewAtomicRelayObserver() *AtomicRelayObserver {
	a := &AtomicRelayObserver{}
	a.once.Do(func() { a.v.Store(&relayObserverHolder{obs: NoopRelayObserver}) })
	return a
}

// Set replaces the delegate, falling back to the no-op observer on nil.
func (a *AtomicRelayObserver) Set(obs RelayObserver) {
	if obs == nil {
		obs = NoopRelayObserver
	}
	a.once.Do(func() { a.v.Store(&relayObserverHolder{obs: NoopRelayObserver}) })
	a.v.Store(&relayObserverHolder{obs: obs})
}

func (a *AtomicRelayObserver) load() RelayObserver {
	a.once.Do(func() { a.v.Store(&relayObserverHolder{obs: NoopRelayObserver}) })
	return a.v.Load().(*relayObserverHolder).obs
}

func (a *AtomicRelayObserver) ConnCount(n int64)           { a.load().ConnCount(n) }
func (a *AtomicRelayObserver) AgentCount(n int)            { a.load().AgentCount(n) }
func (a *AtomicRelayObserver) Pair(result PairResult)      { a.load().Pair(result) }
func (a *AtomicRelayObserver) PairLatency(d time.Duration) { a.load().PairLatency(d) }
func (a *AtomicRelayObserver) Close(reason CloseReason)    { a.load().Close(reason) }
