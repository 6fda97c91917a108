// Command yats-server runs the reverse HTTP tunnel multiplexer: it accepts
// client handshakes on /ws and forwards public HTTP requests under
// /{client_id}/{path...} to the matching connected client.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/svnoak/yats/internal/cmdutil"
	"github.com/svnoak/yats/internal/version"
	"github.com/svnoak/yats/observability/prom"
	"github.com/svnoak/yats/realtime/ws"
	"github.com/svnoak/yats/tunnelserver"
)

var (
	buildVersion = "dev"
	buildCommit  = "unknown"
	buildDate    = "unknown"
)

const shutdownGrace = 5 * time.Second

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

type config struct {
	listen        string
	metricsListen string
	advertiseHost string
	wsPath        string
	secretToken   string
	asnDBPath     string
	isProduction  bool
	shutdownGrace time.Duration
}

func loadConfig(args []string, stderr io.Writer) (config, error) {
	cfg := config{
		listen:        cmdutil.EnvString("YATS_LISTEN", ":8080"),
		metricsListen: cmdutil.EnvString("YATS_METRICS_LISTEN", ""),
		advertiseHost: cmdutil.EnvString("YATS_ADVERTISE_HOST", "localhost"),
		wsPath:        cmdutil.EnvString("YATS_WS_PATH", "/ws"),
		secretToken:   cmdutil.EnvString("YATS_SECRET_TOKEN", ""),
		asnDBPath:     cmdutil.EnvString("YATS_ASN_DB_PATH", ""),
	}
	prod, err := cmdutil.EnvBool("YATS_PRODUCTION", false)
	if err != nil {
		return config{}, fmt.Errorf("YATS_PRODUCTION: %w", err)
	}
	cfg.isProduction = prod
	grace, err := cmdutil.EnvDuration("YATS_SHUTDOWN_GRACE", shutdownGrace)
	if err != nil {
		return config{}, fmt.Errorf("YATS_SHUTDOWN_GRACE: %w", err)
	}
	cfg.shutdownGrace = grace

	fs := flag.NewFlagSet("yats-server", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&cfg.listen, "listen", cfg.listen, "address to bind the public HTTP listener")
	fs.StringVar(&cfg.metricsListen, "metrics-listen", cfg.metricsListen, "address to bind the metrics listener (empty disables it)")
	fs.StringVar(&cfg.advertiseHost, "advertise-host", cfg.advertiseHost, "hostname advertised in the startup banner")
	fs.StringVar(&cfg.wsPath, "ws-path", cfg.wsPath, "upgrade endpoint path")
	fs.StringVar(&cfg.secretToken, "secret-token", cfg.secretToken, "bearer token required of connecting clients")
	fs.StringVar(&cfg.asnDBPath, "asn-db", cfg.asnDBPath, "path to a MaxMind GeoLite2-ASN .mmdb file")
	fs.BoolVar(&cfg.isProduction, "production", cfg.isProduction, "enable production-mode defaults")
	fs.DurationVar(&cfg.shutdownGrace, "shutdown-grace", cfg.shutdownGrace, "grace period to let sessions drain on shutdown")
	if err := fs.Parse(args); err != nil {
		return config{}, err
	}

	if cfg.secretToken == "" {
		return config{}, errors.New("secret token is required (YATS_SECRET_TOKEN or --secret-token)")
	}
	return cfg, nil
}

// metricsController gates a /metrics handler behind a runtime on/off
// switch, toggled by SIGUSR1/SIGUSR2 without restarting the listener.
type metricsController struct {
	enabled atomic.Bool
	handler http.Handler
}

func newMetricsController(handler http.Handler, startEnabled bool) *metricsController {
	m := &metricsController{handler: handler}
	m.enabled.Store(startEnabled)
	return m
}

func (m *metricsController) Enable()  { m.enabled.Store(true) }
func (m *metricsController) Disable() { m.enabled.Store(false) }

func (m *metricsController) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !m.enabled.Load() {
		http.Error(w, "metrics disabled", http.StatusServiceUnavailable)
		return
	}
	m.handler.ServeHTTP(w, r)
}

type readyInfo struct {
	Version       string `json:"version"`
	Commit        string `json:"commit"`
	Date          string `json:"date"`
	Listen        string `json:"listen"`
	WSPath        string `json:"ws_path"`
	AdvertiseHost string `json:"advertise_host"`
	WSURL         string `json:"ws_url"`
	HTTPURL       string `json:"http_url"`
	HealthzURL    string `json:"healthz_url"`
	MetricsURL    string `json:"metrics_url,omitempty"`
}

func run(args []string, stdout, stderr io.Writer) int {
	logger := log.New(stderr, "", log.LstdFlags)

	cfg, err := loadConfig(args, stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			printSignalHelp(stderr)
			return 0
		}
		fmt.Fprintf(stderr, "yats-server: %v\n", err)
		return 2
	}

	registry := prometheus.NewRegistry()
	tunnelObs := prom.NewTunnelObserver(registry)

	srv, err := tunnelserver.New(tunnelserver.Config{
		SecretToken: cfg.secretToken,
		WSPath:      cfg.wsPath,
		ASNDBPath:   cfg.asnDBPath,
		Observer:    tunnelObs,
		Logger:      logger,
		Upgrader:    upgraderForMode(cfg.isProduction, cfg.advertiseHost),
	})
	if err != nil {
		fmt.Fprintf(stderr, "yats-server: %v\n", err)
		return 2
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	srv.Register(mux)

	httpSrv := newHTTPServer(mux)

	listener, err := net.Listen("tcp", cfg.listen)
	if err != nil {
		fmt.Fprintf(stderr, "yats-server: listen %s: %v\n", cfg.listen, err)
		return 1
	}

	var metrics *metricsController
	var metricsSrv *http.Server
	var metricsListener net.Listener
	if cfg.metricsListen != "" {
		metrics = newMetricsController(prom.Handler(registry), true)
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", metrics)
		metricsSrv = newHTTPServer(metricsMux)
		metricsListener, err = net.Listen("tcp", cfg.metricsListen)
		if err != nil {
			fmt.Fprintf(stderr, "yats-server: metrics listen %s: %v\n", cfg.metricsListen, err)
			return 1
		}
	}

	info := readyInfo{
		Version:       buildVersion,
		Commit:        buildCommit,
		Date:          buildDate,
		Listen:        listener.Addr().String(),
		WSPath:        cfg.wsPath,
		AdvertiseHost: cfg.advertiseHost,
		WSURL:         fmt.Sprintf("ws://%s%s", cfg.advertiseHost, cfg.wsPath),
		HTTPURL:       fmt.Sprintf("http://%s", listener.Addr().String()),
		HealthzURL:    fmt.Sprintf("http://%s/healthz", listener.Addr().String()),
	}
	if metricsListener != nil {
		info.MetricsURL = fmt.Sprintf("http://%s/metrics", metricsListener.Addr().String())
	}
	_ = cmdutil.WriteJSON(stdout, info, true)
	logger.Printf("yats-server %s listening on %s", version.String(buildVersion, buildCommit, buildDate), listener.Addr())

	errCh := make(chan error, 2)
	go func() { errCh <- httpSrv.Serve(listener) }()
	if metricsSrv != nil {
		go func() { errCh <- metricsSrv.Serve(metricsListener) }()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, notifySignals()...)
	defer signal.Stop(sigCh)

	for {
		select {
		case sig := <-sigCh:
			if handleSignal(sig, logger, func() error { return srv.ReloadASNDB(cfg.asnDBPath) }, metrics) {
				continue
			}
			logger.Printf("received %v, shutting down", sig)
			return shutdown(httpSrv, metricsSrv, srv, cfg.shutdownGrace, logger)
		case err := <-errCh:
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Printf("server error: %v", err)
				return 1
			}
		}
	}
}

// upgraderForMode picks the /ws origin check: permissive in development (so
// local tooling on arbitrary ports can connect), host-matching in
// production.
func upgraderForMode(isProduction bool, advertiseHost string) ws.UpgraderOptions {
	if !isProduction {
		return ws.UpgraderOptions{}
	}
	host := strings.ToLower(advertiseHost)
	return ws.UpgraderOptions{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			return strings.Contains(strings.ToLower(origin), host)
		},
	}
}

func shutdown(httpSrv, metricsSrv *http.Server, srv *tunnelserver.Server, grace time.Duration, logger *log.Logger) int {
	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()

	srv.Close()

	_ = httpSrv.Shutdown(ctx)
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(ctx)
	}

	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) && srv.Stats().Sessions > 0 {
		time.Sleep(50 * time.Millisecond)
	}
	if remaining := srv.Stats().Sessions; remaining > 0 {
		logger.Printf("shutdown grace period elapsed with %d session(s) still active", remaining)
	}
	return 0
}
