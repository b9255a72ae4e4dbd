// Command sessionwire-relay runs the rendezvous broker: host agents hold one
// multiplexed link each, and every client websocket is paired with its host's
// link and relayed as a stream. The broker never sees plaintext; the
// encrypted session protocol runs end to end between client and host.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"time"

	"github.com/sessionwire/sessionwire/internal/cmdutil"
	"github.com/sessionwire/sessionwire/internal/logging"
	swversion "github.com/sessionwire/sessionwire/internal/version"
	"github.com/sessionwire/sessionwire/observability"
	"github.com/sessionwire/sessionwire/observability/prom"
	"github.com/sessionwire/sessionwire/realtime/ws"
	"github.com/sessionwire/sessionwire/relay"
)

var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

type stringSliceFlag []string

func (s *stringSliceFlag) String() string { return strings.Join(*s, ",") }

func (s *stringSliceFlag) Set(v string) error {
	*s = append(*s, v)
	return nil
}

type switchHandler struct {
	mu      sync.RWMutex
	handler http.Handler
}

func newSwitchHandler() *switchHandler {
	return &switchHandler{handler: http.NotFoundHandler()}
}

func (h *switchHandler) Set(next http.Handler) {
	if next == nil {
		next = http.NotFoundHandler()
	}
	h.mu.Lock()
	h.handler = next
	h.mu.Unlock()
}

func (h *switchHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	handler := h.handler
	h.mu.RUnlock()
	handler.ServeHTTP(w, r)
}

type metricsController struct {
	mu       sync.Mutex
	enabled  bool
	handler  *switchHandler
	observer *observability.AtomicRelayObserver
	broker   *relay.Broker
}

func newMetricsController(handler *switchHandler, observer *observability.AtomicRelayObserver, broker *relay.Broker) *metricsController {
	return &metricsController{handler: handler, observer: observer, broker: broker}
}

func (c *metricsController) Enable() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.enabled {
		return
	}
	reg := prom.NewRegistry()
	relayObs := prom.NewRelayObserver(reg)
	c.handler.Set(prom.Handler(reg))
	c.observer.Set(relayObs)
	stats := c.broker.Stats()
	relayObs.ConnCount(stats.ConnCount)
	relayObs.AgentCount(stats.AgentCount)
	c.enabled = true
}

func (c *metricsController) Disable() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.enabled {
		return
	}
	c.handler.Set(nil)
	c.observer.Set(observability.NoopRelayObserver)
	c.enabled = false
}

type ready struct {
	Version    string `json:"version"`
	Commit     string `json:"commit"`
	Date       string `json:"date"`
	Listen     string `json:"listen"`
	AgentURL   string `json:"agent_url"`
	ClientURL  string `json:"client_url"`
	HealthzURL string `json:"healthz_url"`
	MetricsURL string `json:"metrics_url,omitempty"`
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout io.Writer, stderr io.Writer) int {
	configPath := configPathFromArgs(args, cmdutil.EnvString("SESSIONWIRE_RELAY_CONFIG", ""))
	fc := &fileConfig{}
	if configPath != "" {
		loaded, err := loadConfigFile(configPath)
		if err != nil {
			fmt.Fprintln(stderr, err)
			return 2
		}
		fc = loaded
	}

	listen := cmdutil.EnvString("SESSIONWIRE_RELAY_LISTEN", orDefault(fc.Listen, "127.0.0.1:8788"))
	agentPath := cmdutil.EnvString("SESSIONWIRE_RELAY_AGENT_PATH", orDefault(fc.AgentPath, "/agent"))
	clientPath := cmdutil.EnvString("SESSIONWIRE_RELAY_CLIENT_PATH", orDefault(fc.ClientPath, "/connect"))
	agentKey := cmdutil.EnvString("SESSIONWIRE_RELAY_AGENT_KEY", fc.AgentKey)
	metricsListen := cmdutil.EnvString("SESSIONWIRE_RELAY_METRICS_LISTEN", fc.MetricsListen)
	logLevel := cmdutil.EnvString("SESSIONWIRE_RELAY_LOG_LEVEL", orDefault(fc.Log.Level, "info"))
	logFormat := cmdutil.EnvString("SESSIONWIRE_RELAY_LOG_FORMAT", orDefault(fc.Log.Format, "text"))
	logFile := cmdutil.EnvString("SESSIONWIRE_RELAY_LOG_FILE", fc.Log.File)

	origins := stringSliceFlag(cmdutil.SplitCSVEnv("SESSIONWIRE_RELAY_ALLOW_ORIGIN"))
	if len(origins) == 0 {
		origins = fc.Origins
	}
	allowNoOrigin, err := cmdutil.EnvBool("SESSIONWIRE_RELAY_ALLOW_NO_ORIGIN", boolOr(fc.AllowNoOrigin, true))
	if err != nil {
		fmt.Fprintf(stderr, "invalid SESSIONWIRE_RELAY_ALLOW_NO_ORIGIN: %v\n", err)
		return 2
	}
	maxConns, err := cmdutil.EnvInt("SESSIONWIRE_RELAY_MAX_CONNS", fc.MaxConns)
	if err != nil {
		fmt.Fprintf(stderr, "invalid SESSIONWIRE_RELAY_MAX_CONNS: %v\n", err)
		return 2
	}
	maxFrameBytes, err := cmdutil.EnvInt64("SESSIONWIRE_RELAY_MAX_FRAME_BYTES", fc.MaxFrameBytes)
	if err != nil {
		fmt.Fprintf(stderr, "invalid SESSIONWIRE_RELAY_MAX_FRAME_BYTES: %v\n", err)
		return 2
	}
	pairTimeout, err := cmdutil.EnvDuration("SESSIONWIRE_RELAY_PAIR_TIMEOUT", time.Duration(fc.PairTimeout))
	if err != nil {
		fmt.Fprintf(stderr, "invalid SESSIONWIRE_RELAY_PAIR_TIMEOUT: %v\n", err)
		return 2
	}
	writeTimeout, err := cmdutil.EnvDuration("SESSIONWIRE_RELAY_WRITE_TIMEOUT", time.Duration(fc.WriteTimeout))
	if err != nil {
		fmt.Fprintf(stderr, "invalid SESSIONWIRE_RELAY_WRITE_TIMEOUT: %v\n", err)
		return 2
	}

	fs := flag.NewFlagSet("sessionwire-relay", flag.ContinueOnError)
	fs.SetOutput(stderr)

	showVersion := false
	fs.BoolVar(&showVersion, "version", false, "print version and exit")
	fs.String("config", configPath, "YAML config file (env: SESSIONWIRE_RELAY_CONFIG)")
	fs.StringVar(&listen, "listen", listen, "listen address (env: SESSIONWIRE_RELAY_LISTEN)")
	fs.StringVar(&agentPath, "agent-path", agentPath, "websocket path for host agents (env: SESSIONWIRE_RELAY_AGENT_PATH)")
	fs.StringVar(&clientPath, "client-path", clientPath, "websocket path for clients (env: SESSIONWIRE_RELAY_CLIENT_PATH)")
	fs.StringVar(&agentKey, "agent-key", agentKey, "shared secret agents must present (empty admits any agent) (env: SESSIONWIRE_RELAY_AGENT_KEY)")
	fs.Var(&origins, "allow-origin", "additional allowed Origin value for the client leg (repeatable) (env: SESSIONWIRE_RELAY_ALLOW_ORIGIN)")
	fs.BoolVar(&allowNoOrigin, "allow-no-origin", allowNoOrigin, "allow client requests without Origin header (env: SESSIONWIRE_RELAY_ALLOW_NO_ORIGIN)")
	fs.IntVar(&maxConns, "max-conns", maxConns, "max concurrent client connections (0 uses default) (env: SESSIONWIRE_RELAY_MAX_CONNS)")
	fs.Int64Var(&maxFrameBytes, "max-frame-bytes", maxFrameBytes, "per-frame relay cap in bytes (0 uses default) (env: SESSIONWIRE_RELAY_MAX_FRAME_BYTES)")
	fs.DurationVar(&pairTimeout, "pair-timeout", pairTimeout, "how long a client waits for its host agent (0 uses default) (env: SESSIONWIRE_RELAY_PAIR_TIMEOUT)")
	fs.DurationVar(&writeTimeout, "write-timeout", writeTimeout, "per-frame websocket write deadline (0 uses default) (env: SESSIONWIRE_RELAY_WRITE_TIMEOUT)")
	fs.StringVar(&metricsListen, "metrics-listen", metricsListen, "listen address for metrics server (empty disables) (env: SESSIONWIRE_RELAY_METRICS_LISTEN)")
	fs.StringVar(&logLevel, "log-level", logLevel, "log level: debug, info, warn, error (env: SESSIONWIRE_RELAY_LOG_LEVEL)")
	fs.StringVar(&logFormat, "log-format", logFormat, "log format: text or json (env: SESSIONWIRE_RELAY_LOG_FORMAT)")
	fs.StringVar(&logFile, "log-file", logFile, "also append logs to this file (env: SESSIONWIRE_RELAY_LOG_FILE)")
	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage of sessionwire-relay:\n")
		fs.PrintDefaults()
		printSignalHelp(stderr)
	}
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if showVersion {
		_, _ = fmt.Fprintln(stdout, swversion.String(version, commit, date))
		return 0
	}

	logger, logCloser := logging.New(logLevel, logFormat, logFile)
	defer logCloser.Close()

	if agentKey == "" {
		logger.Warn("no agent key configured; any agent can register")
	}

	observer := observability.NewAtomicRelayObserver()
	bcfg := relay.DefaultConfig()
	bcfg.AgentPath = agentPath
	bcfg.ClientPath = clientPath
	bcfg.Origins = ws.OriginPolicy{Allowed: origins, AllowNoOrigin: allowNoOrigin}
	bcfg.AgentKey = agentKey
	bcfg.Logger = logger
	bcfg.Observer = observer
	if maxConns > 0 {
		bcfg.MaxConns = maxConns
	}
	if maxFrameBytes > 0 {
		bcfg.MaxFrameBytes = maxFrameBytes
	}
	if pairTimeout > 0 {
		bcfg.PairTimeout = pairTimeout
	}
	if writeTimeout > 0 {
		bcfg.WriteTimeout = writeTimeout
	}
	broker := relay.NewBroker(bcfg)
	defer broker.Close()

	mux := http.NewServeMux()
	broker.Register(mux)

	var metrics *metricsController
	var metricsSrv *http.Server
	var metricsLn net.Listener
	if metricsListen != "" {
		metricsMux := http.NewServeMux()
		metricsHandler := newSwitchHandler()
		metricsMux.Handle("/metrics", metricsHandler)
		metrics = newMetricsController(metricsHandler, observer, broker)
		metrics.Enable()

		metricsLn, err = net.Listen("tcp", metricsListen)
		if err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
		metricsSrv = newHTTPServer(metricsMux)
		go func() {
			if err := metricsSrv.Serve(metricsLn); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server failed", "err", err)
				os.Exit(1)
			}
		}()
	}

	ln, err := net.Listen("tcp", listen)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	srv := newHTTPServer(mux)
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed", "err", err)
			os.Exit(1)
		}
	}()

	bindAddr := ln.Addr().String()
	out := ready{
		Version:    version,
		Commit:     commit,
		Date:       date,
		Listen:     bindAddr,
		AgentURL:   "ws://" + bindAddr + agentPath,
		ClientURL:  "ws://" + bindAddr + clientPath,
		HealthzURL: "http://" + bindAddr + "/healthz",
	}
	if metricsLn != nil {
		out.MetricsURL = "http://" + metricsLn.Addr().String() + "/metrics"
	}
	_ = cmdutil.WriteJSON(stdout, out, false)

	sig := make(chan os.Signal, 2)
	signal.Notify(sig, notifySignals()...)
	for {
		s := <-sig
		if handleSignal(s, logger, metrics) {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = srv.Shutdown(ctx)
		if metricsSrv != nil {
			_ = metricsSrv.Shutdown(ctx)
		}
		cancel()
		return 0
	}
}

func orDefault(v, fallback string) string {
	if v != "" {
		return v
	}
	return fallback
}

func boolOr(v *bool, fallback bool) bool {
	if v != nil {
		return *v
	}
	return fallback
}
