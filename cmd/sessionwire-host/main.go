// Command sessionwire-host serves the session transport for one workstation:
// websocket admission, SRP authentication, the request tunnel into the local
// application, subscriptions, and uploads. With a relay section configured it
// also keeps an agent link to a broker so remote clients can reach it.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sessionwire/sessionwire/host"
	"github.com/sessionwire/sessionwire/internal/cmdutil"
	"github.com/sessionwire/sessionwire/internal/logging"
	swversion "github.com/sessionwire/sessionwire/internal/version"
	"github.com/sessionwire/sessionwire/observability"
	"github.com/sessionwire/sessionwire/observability/prom"
	"github.com/sessionwire/sessionwire/realtime/ws"
	"github.com/sessionwire/sessionwire/relay"
	"github.com/sessionwire/sessionwire/store"
	"github.com/sessionwire/sessionwire/watch"
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
	observer *observability.AtomicHostObserver
	srv      *host.Server
}

func newMetricsController(handler *switchHandler, observer *observability.AtomicHostObserver, srv *host.Server) *metricsController {
	return &metricsController{handler: handler, observer: observer, srv: srv}
}

func (c *metricsController) Enable() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.enabled {
		return
	}
	reg := prom.NewRegistry()
	hostObs := prom.NewHostObserver(reg)
	c.handler.Set(prom.Handler(reg))
	c.observer.Set(hostObs)
	hostObs.ConnCount(c.srv.ConnCount())
	c.enabled = true
}

func (c *metricsController) Disable() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.enabled {
		return
	}
	c.handler.Set(nil)
	c.observer.Set(observability.NoopHostObserver)
	c.enabled = false
}

type ready struct {
	Version    string `json:"version"`
	Commit     string `json:"commit"`
	Date       string `json:"date"`
	Listen     string `json:"listen"`
	WSPath     string `json:"ws_path"`
	WSURL      string `json:"ws_url"`
	HealthzURL string `json:"healthz_url"`
	MetricsURL string `json:"metrics_url,omitempty"`
	DataDir    string `json:"data_dir"`
	RelayURL   string `json:"relay_url,omitempty"`
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout io.Writer, stderr io.Writer) int {
	configPath := configPathFromArgs(args, cmdutil.EnvString("SESSIONWIRE_HOST_CONFIG", ""))
	fc := &fileConfig{}
	if configPath != "" {
		loaded, err := loadConfigFile(configPath)
		if err != nil {
			fmt.Fprintln(stderr, err)
			return 2
		}
		fc = loaded
	}

	defaultDataDir := fc.DataDir
	if defaultDataDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			defaultDataDir = filepath.Join(home, ".sessionwire")
		} else {
			defaultDataDir = ".sessionwire"
		}
	}

	listen := cmdutil.EnvString("SESSIONWIRE_HOST_LISTEN", orDefault(fc.Listen, "127.0.0.1:8787"))
	wsPath := cmdutil.EnvString("SESSIONWIRE_HOST_WS_PATH", orDefault(fc.WSPath, "/ws"))
	apiBase := cmdutil.EnvString("SESSIONWIRE_HOST_API_BASE", orDefault(fc.APIBase, "/api"))
	appURL := cmdutil.EnvString("SESSIONWIRE_HOST_APP_URL", fc.AppURL)
	dataDir := cmdutil.EnvString("SESSIONWIRE_HOST_DATA_DIR", defaultDataDir)
	username := cmdutil.EnvString("SESSIONWIRE_HOST_USERNAME", orDefault(fc.Username, "operator"))
	metricsListen := cmdutil.EnvString("SESSIONWIRE_HOST_METRICS_LISTEN", fc.MetricsListen)
	relayURL := cmdutil.EnvString("SESSIONWIRE_HOST_RELAY_URL", fc.Relay.URL)
	relayHostID := cmdutil.EnvString("SESSIONWIRE_HOST_RELAY_HOST_ID", fc.Relay.HostID)
	relayKey := cmdutil.EnvString("SESSIONWIRE_HOST_RELAY_KEY", fc.Relay.Key)
	logLevel := cmdutil.EnvString("SESSIONWIRE_HOST_LOG_LEVEL", orDefault(fc.Log.Level, "info"))
	logFormat := cmdutil.EnvString("SESSIONWIRE_HOST_LOG_FORMAT", orDefault(fc.Log.Format, "text"))
	logFile := cmdutil.EnvString("SESSIONWIRE_HOST_LOG_FILE", fc.Log.File)

	origins := stringSliceFlag(cmdutil.SplitCSVEnv("SESSIONWIRE_HOST_ALLOW_ORIGIN"))
	if len(origins) == 0 {
		origins = fc.Origins
	}
	allowNoOrigin, err := cmdutil.EnvBool("SESSIONWIRE_HOST_ALLOW_NO_ORIGIN", boolOr(fc.AllowNoOrigin, true))
	if err != nil {
		fmt.Fprintf(stderr, "invalid SESSIONWIRE_HOST_ALLOW_NO_ORIGIN: %v\n", err)
		return 2
	}
	trustLocal, err := cmdutil.EnvBool("SESSIONWIRE_HOST_TRUST_LOCAL", boolOr(fc.TrustLocal, true))
	if err != nil {
		fmt.Fprintf(stderr, "invalid SESSIONWIRE_HOST_TRUST_LOCAL: %v\n", err)
		return 2
	}
	maxConns, err := cmdutil.EnvInt("SESSIONWIRE_HOST_MAX_CONNS", fc.MaxConns)
	if err != nil {
		fmt.Fprintf(stderr, "invalid SESSIONWIRE_HOST_MAX_CONNS: %v\n", err)
		return 2
	}

	fs := flag.NewFlagSet("sessionwire-host", flag.ContinueOnError)
	fs.SetOutput(stderr)

	showVersion := false
	fs.BoolVar(&showVersion, "version", false, "print version and exit")
	fs.String("config", configPath, "YAML config file (env: SESSIONWIRE_HOST_CONFIG)")
	fs.StringVar(&listen, "listen", listen, "listen address (env: SESSIONWIRE_HOST_LISTEN)")
	fs.StringVar(&wsPath, "ws-path", wsPath, "websocket path (env: SESSIONWIRE_HOST_WS_PATH)")
	fs.StringVar(&apiBase, "api-base", apiBase, "path prefix for tunneled requests (env: SESSIONWIRE_HOST_API_BASE)")
	fs.StringVar(&appURL, "app-url", appURL, "upstream application URL tunneled requests are proxied to (empty serves a builtin status endpoint) (env: SESSIONWIRE_HOST_APP_URL)")
	fs.StringVar(&dataDir, "data-dir", dataDir, "directory for credentials, sessions, staging, and projects (env: SESSIONWIRE_HOST_DATA_DIR)")
	fs.StringVar(&username, "username", username, "SRP identity name used when bootstrapping credentials (env: SESSIONWIRE_HOST_USERNAME)")
	fs.Var(&origins, "allow-origin", "additional allowed Origin value (repeatable; localhost and private ranges are always admitted) (env: SESSIONWIRE_HOST_ALLOW_ORIGIN)")
	fs.BoolVar(&allowNoOrigin, "allow-no-origin", allowNoOrigin, "allow requests without Origin header (native clients) (env: SESSIONWIRE_HOST_ALLOW_NO_ORIGIN)")
	fs.BoolVar(&trustLocal, "trust-local", trustLocal, "admit loopback connections without SRP (env: SESSIONWIRE_HOST_TRUST_LOCAL)")
	fs.IntVar(&maxConns, "max-conns", maxConns, "max concurrent connections (0 uses default) (env: SESSIONWIRE_HOST_MAX_CONNS)")
	fs.StringVar(&metricsListen, "metrics-listen", metricsListen, "listen address for metrics server (empty disables) (env: SESSIONWIRE_HOST_METRICS_LISTEN)")
	fs.StringVar(&relayURL, "relay-url", relayURL, "relay broker agent endpoint (empty disables the relay link) (env: SESSIONWIRE_HOST_RELAY_URL)")
	fs.StringVar(&relayHostID, "relay-host-id", relayHostID, "host identifier clients use at the relay (env: SESSIONWIRE_HOST_RELAY_HOST_ID)")
	fs.StringVar(&relayKey, "relay-key", relayKey, "shared secret for the relay agent endpoint (env: SESSIONWIRE_HOST_RELAY_KEY)")
	fs.StringVar(&logLevel, "log-level", logLevel, "log level: debug, info, warn, error (env: SESSIONWIRE_HOST_LOG_LEVEL)")
	fs.StringVar(&logFormat, "log-format", logFormat, "log format: text or json (env: SESSIONWIRE_HOST_LOG_FORMAT)")
	fs.StringVar(&logFile, "log-file", logFile, "also append logs to this file (env: SESSIONWIRE_HOST_LOG_FILE)")
	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage of sessionwire-host:\n")
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
	if relayURL != "" && relayHostID == "" {
		fmt.Fprintln(stderr, "missing --relay-host-id (required with --relay-url)")
		fs.Usage()
		return 2
	}

	logger, logCloser := logging.New(logLevel, logFormat, logFile)
	defer logCloser.Close()

	creds, err := openFileCredentials(filepath.Join(dataDir, "credentials.json"))
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	// A password in the environment (re)derives the stored verifier; the
	// password itself never touches disk.
	if password := os.Getenv("SESSIONWIRE_HOST_PASSWORD"); password != "" {
		if err := creds.SetPassword(username, password); err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
		logger.Info("credentials updated", "username", username)
	}

	sessions, err := store.OpenSessions(filepath.Join(dataDir, "sessions.json"))
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	staging, err := newDirStaging(filepath.Join(dataDir, "staging"))
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	watcher, err := watch.New(watch.DirResolver(filepath.Join(dataDir, "projects")), logger)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	defer watcher.Close()
	bus := newActivityBus()

	app, err := buildApp(appURL, apiBase)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	observer := observability.NewAtomicHostObserver()
	hcfg := host.DefaultConfig()
	hcfg.Origins = ws.OriginPolicy{Allowed: origins, AllowNoOrigin: allowNoOrigin}
	hcfg.App = app
	hcfg.APIBase = apiBase
	hcfg.Credentials = creds
	hcfg.Sessions = sessions
	hcfg.Activity = bus
	hcfg.Watcher = watcher
	hcfg.Staging = staging
	hcfg.Logger = logger
	hcfg.Observer = observer
	if maxConns > 0 {
		hcfg.MaxConnections = maxConns
	}
	if trustLocal {
		hcfg.TrustLocal = trustLoopback
	}
	hostSrv := host.New(hcfg)
	defer hostSrv.Close()

	mux := http.NewServeMux()
	mux.Handle(wsPath, hostSrv)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	var agentCancel context.CancelFunc
	if relayURL != "" {
		agent, err := relay.NewAgent(relay.AgentConfig{
			BrokerURL: relayURL,
			HostID:    relayHostID,
			Key:       relayKey,
			Logger:    logger,
		}, hostSrv)
		if err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
		var agentCtx context.Context
		agentCtx, agentCancel = context.WithCancel(context.Background())
		defer agentCancel()
		go func() { _ = agent.Run(agentCtx) }()
	}

	var metrics *metricsController
	var metricsSrv *http.Server
	var metricsLn net.Listener
	if metricsListen != "" {
		metricsMux := http.NewServeMux()
		metricsHandler := newSwitchHandler()
		metricsMux.Handle("/metrics", metricsHandler)
		metrics = newMetricsController(metricsHandler, observer, hostSrv)
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
		WSPath:     wsPath,
		WSURL:      "ws://" + bindAddr + wsPath,
		HealthzURL: "http://" + bindAddr + "/healthz",
		DataDir:    dataDir,
		RelayURL:   relayURL,
	}
	if metricsLn != nil {
		out.MetricsURL = "http://" + metricsLn.Addr().String() + "/metrics"
	}
	_ = cmdutil.WriteJSON(stdout, out, false)

	sig := make(chan os.Signal, 2)
	signal.Notify(sig, notifySignals()...)
	for {
		s := <-sig
		if handleSignal(s, logger, creds.Reload, metrics) {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = srv.Shutdown(ctx)
		if metricsSrv != nil {
			_ = metricsSrv.Shutdown(ctx)
		}
		cancel()
		if agentCancel != nil {
			agentCancel()
		}
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

// buildApp returns the handler tunneled requests run against: a reverse
// proxy to the configured application, or a builtin status endpoint.
func buildApp(appURL, apiBase string) (http.Handler, error) {
	if appURL != "" {
		u, err := url.Parse(appURL)
		if err != nil {
			return nil, fmt.Errorf("invalid app url: %w", err)
		}
		if u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("invalid app url %q", appURL)
		}
		return httputil.NewSingleHostReverseProxy(u), nil
	}
	mux := http.NewServeMux()
	mux.HandleFunc(apiBase+"/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	return mux, nil
}
