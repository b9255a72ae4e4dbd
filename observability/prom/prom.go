package prom

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sessionwire/sessionwire/observability"
)

// NewRegistry returns a fresh Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// Handler returns a Prometheus HTTP handler bound to the registry.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// HostObserver exports host transport metrics to Prometheus.
type HostObserver struct {
	connGauge      prometheus.Gauge
	admitTotal     *prometheus.CounterVec
	handshakeTotal *prometheus.CounterVec
	handshakeTime  prometheus.Histogram
	resumeTotal    *prometheus.CounterVec
	closeTotal     *prometheus.CounterVec
	requestTotal   *prometheus.CounterVec
	requestTime    prometheus.Histogram
	subGauge       prometheus.Gauge
	eventTotal     *prometheus.CounterVec
	uploadBytes    prometheus.Counter
	uploadTotal    *prometheus.CounterVec
}

// NewHostObserver registers host metrics on the registry.
func NewHostObserver(reg *prometheus.Registry) *HostObserver {
	o := &HostObserver{
		connGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sessionwire_host_connections",
			Help: "Current websocket connection count.",
		}),
		admitTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sessionwire_host_admit_total",
			Help: "Connection admissions by result and reason.",
		}, []string{"result", "reason"}),
		handshakeTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sessionwire_host_handshake_total",
			Help: "SRP handshake outcomes.",
		}, []string{"result"}),
		handshakeTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sessionwire_host_handshake_seconds",
			Help:    "SRP handshake latency from hello to verify.",
			Buckets: prometheus.DefBuckets,
		}),
		resumeTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sessionwire_host_resume_total",
			Help: "Session resume outcomes.",
		}, []string{"result"}),
		closeTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sessionwire_host_close_total",
			Help: "Connection close reasons.",
		}, []string{"reason"}),
		requestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sessionwire_host_tunnel_requests_total",
			Help: "Tunneled requests by HTTP status class.",
		}, []string{"class"}),
		requestTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sessionwire_host_tunnel_request_seconds",
			Help:    "Tunneled request latency.",
			Buckets: prometheus.DefBuckets,
		}),
		subGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sessionwire_host_subscriptions",
			Help: "Current subscription count.",
		}),
		eventTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sessionwire_host_events_total",
			Help: "Events delivered by channel.",
		}, []string{"channel"}),
		uploadBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sessionwire_host_upload_bytes_total",
			Help: "Upload bytes received.",
		}),
		uploadTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sessionwire_host_uploads_total",
			Help: "Upload completions by result.",
		}, []string{"result"}),
	}
	reg.MustRegister(
		o.connGauge,
		o.admitTotal,
		o.handshakeTotal,
		o.handshakeTime,
		o.resumeTotal,
		o.closeTotal,
		o.requestTotal,
		o.requestTime,
		o.subGauge,
		o.eventTotal,
		o.uploadBytes,
		o.uploadTotal,
	)
	return o
}

func (o *HostObserver) ConnCount(n int64) {
	o.connGauge.Set(float64(n))
}

func (o *HostObserver) Admit(result observability.AdmitResult, reason observability.AdmitReason) {
	o.admitTotal.WithLabelValues(string(result), string(reason)).Inc()
}

func (o *HostObserver) Handshake(result observability.HandshakeResult, d time.Duration) {
	o.handshakeTotal.WithLabelValues(string(result)).Inc()
	o.handshakeTime.Observe(d.Seconds())
}

func (o *HostObserver) Resume(result observability.ResumeResult) {
	o.resumeTotal.WithLabelValues(string(result)).Inc()
}

func (o *HostObserver) Close(reason observability.CloseReason) {
	o.closeTotal.WithLabelValues(string(reason)).Inc()
}

func (o *HostObserver) TunnelRequest(status int, d time.Duration) {
	class := strconv.Itoa(status/100) + "xx"
	o.requestTotal.WithLabelValues(class).Inc()
	o.requestTime.Observe(d.Seconds())
}

func (o *HostObserver) SubscriptionCount(n int) {
	o.subGauge.Set(float64(n))
}

func (o *HostObserver) EventDelivered(channel string) {
	o.eventTotal.WithLabelValues(channel).Inc()
}

func (o *HostObserver) UploadBytes(n int) {
	o.uploadBytes.Add(float64(n))
}

func (o *HostObserver) UploadDone(ok bool) {
	if ok {
		o.uploadTotal.WithLabelValues("ok").Inc()
	} else {
		o.uploadTotal.WithLabelValues("error").Inc()
	}
}

// RelayObserver exports relay-broker metrics to Prometheus.
type RelayObserver struct {
	connGauge   prometheus.Gauge
	agentGauge  prometheus.Gauge
	pairTotal   *prometheus.CounterVec
	pairLatency prometheus.Histogram
	closeTotal  *prometheus.CounterVec
}

// NewRelayObserver registers relay metrics on the registry.
func NewRelayObserver(reg *prometheus.Registry) *RelayObserver {
	o := &RelayObserver{
		connGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sessionwire_relay_connections",
			Help: "Current client websocket connection count.",
		}),
		agentGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sessionwire_relay_agents",
			Help: "Current attached host agent count.",
		}),
		pairTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sessionwire_relay_pair_total",
			Help: "Client pairing outcomes.",
		}, []string{"result"}),
		pairLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sessionwire_relay_pair_seconds",
			Help:    "Latency from client arrival to agent pairing.",
			Buckets: prometheus.DefBuckets,
		}),
		closeTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sessionwire_relay_close_total",
			Help: "Relay leg close reasons.",
		}, []string{"reason"}),
	}
	reg.MustRegister(o.connGauge, o.agentGauge, o.pairTotal, o.pairLatency, o.closeTotal)
	return o
}

func (o *RelayObserver) ConnCount(n int64) {
	o.connGauge.Set(float64(n))
}

func (o *RelayObserver) AgentCount(n int) {
	o.agentGauge.Set(float64(n))
}

func (o *RelayObserver) Pair(result observability.PairResult) {
	o.pairTotal.WithLabelValues(string(result)).Inc()
}

func (o *RelayObserver) PairLatency(d time.Duration) {
	o.pairLatency.Observe(d.Seconds())
}

func (o *RelayObserver) Close(reason observability.CloseReason) {
	o.closeTotal.WithLabelValues(string(reason)).Inc()
}

// ManagerObserver exports client connection-manager metrics to Prometheus.
type ManagerObserver struct {
	stateTotal   *prometheus.CounterVec
	attemptTotal *prometheus.CounterVec
	staleTotal   prometheus.Counter
	pongLatency  prometheus.Histogram
}

// NewManagerObserver registers manager metrics on the registry.
func NewManagerObserver(reg *prometheus.Registry) *ManagerObserver {
	o := &ManagerObserver{
		stateTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sessionwire_manager_state_total",
			Help: "Connection manager state transitions.",
		}, []string{"state"}),
		attemptTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sessionwire_manager_reconnect_attempts_total",
			Help: "Reconnect attempt outcomes.",
		}, []string{"result"}),
		staleTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sessionwire_manager_stale_total",
			Help: "Stale connections detected.",
		}),
		pongLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sessionwire_manager_pong_latency_seconds",
			Help:    "Visibility ping round-trip latency.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(o.stateTotal, o.attemptTotal, o.staleTotal, o.pongLatency)
	return o
}

func (o *ManagerObserver) State(state string) {
	o.stateTotal.WithLabelValues(state).Inc()
}

func (o *ManagerObserver) ReconnectAttempt(ok bool) {
	if ok {
		o.attemptTotal.WithLabelValues("ok").Inc()
	} else {
		o.attemptTotal.WithLabelValues("fail").Inc()
	}
}

func (o *ManagerObserver) StaleDetected() {
	o.staleTotal.Inc()
}

func (o *ManagerObserver) PongLatency(d time.Duration) {
	o.pongLatency.Observe(d.Seconds())
}
