package main

import (
	"bytes"
	"flag"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestLoadConfigRequiresSecretToken(t *testing.T) {
	var stderr bytes.Buffer
	if _, err := loadConfig(nil, &stderr); err == nil {
		t.Fatal("expected error when no secret token is configured")
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	var stderr bytes.Buffer
	cfg, err := loadConfig([]string{"--secret-token", "s3cret"}, &stderr)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.listen != ":8080" {
		t.Fatalf("unexpected default listen: %q", cfg.listen)
	}
	if cfg.wsPath != "/ws" {
		t.Fatalf("unexpected default ws path: %q", cfg.wsPath)
	}
	if cfg.isProduction {
		t.Fatalf("expected isProduction=false by default")
	}
	if cfg.shutdownGrace != shutdownGrace {
		t.Fatalf("unexpected default shutdown grace: %v", cfg.shutdownGrace)
	}
}

func TestLoadConfigEnvThenFlagOverride(t *testing.T) {
	t.Setenv("YATS_SECRET_TOKEN", "from-env")
	t.Setenv("YATS_LISTEN", ":9090")

	var stderr bytes.Buffer
	cfg, err := loadConfig([]string{"--listen", ":7070"}, &stderr)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.secretToken != "from-env" {
		t.Fatalf("expected env secret token to carry through, got %q", cfg.secretToken)
	}
	if cfg.listen != ":7070" {
		t.Fatalf("expected flag to override env listen, got %q", cfg.listen)
	}
}

func TestLoadConfigRejectsInvalidEnvBool(t *testing.T) {
	t.Setenv("YATS_SECRET_TOKEN", "s3cret")
	t.Setenv("YATS_PRODUCTION", "not-a-bool")

	var stderr bytes.Buffer
	if _, err := loadConfig(nil, &stderr); err == nil {
		t.Fatal("expected error for invalid YATS_PRODUCTION value")
	}
}

func TestLoadConfigHelpReturnsErrHelp(t *testing.T) {
	var stderr bytes.Buffer
	_, err := loadConfig([]string{"--help"}, &stderr)
	if err != flag.ErrHelp {
		t.Fatalf("expected flag.ErrHelp, got %v", err)
	}
}

func TestRunMissingSecretTokenReportsError(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := run([]string{"--listen", "127.0.0.1:0"}, &stdout, &stderr)
	if code != 2 {
		t.Fatalf("expected exit 2, got %d", code)
	}
	if !strings.Contains(stderr.String(), "secret token is required") {
		t.Fatalf("expected secret-token error in stderr, got %q", stderr.String())
	}
}

func TestRunStartsAndShutsDownOnSignal(t *testing.T) {
	var stdout, stderr bytes.Buffer
	done := make(chan int, 1)
	go func() {
		done <- run([]string{
			"--secret-token", "s3cret",
			"--listen", "127.0.0.1:0",
			"--shutdown-grace", "100ms",
		}, &stdout, &stderr)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && stdout.Len() == 0 {
		time.Sleep(10 * time.Millisecond)
	}
	if stdout.Len() == 0 {
		t.Fatal("expected a startup banner on stdout")
	}
	if !strings.Contains(stdout.String(), "\"ws_path\"") {
		t.Fatalf("expected ws_path in startup banner, got %q", stdout.String())
	}

	notifyShutdown(t)

	select {
	case code := <-done:
		if code != 0 {
			t.Fatalf("expected exit 0 on signal shutdown, got %d", code)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for run to return after signal")
	}
}

func TestMetricsControllerGatesHandler(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	m := newMetricsController(handler, false)

	rec := httptest.NewRecorder()
	m.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 while disabled, got %d", rec.Code)
	}

	m.Enable()
	rec = httptest.NewRecorder()
	m.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 once enabled, got %d", rec.Code)
	}

	m.Disable()
	rec = httptest.NewRecorder()
	m.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 after disabling, got %d", rec.Code)
	}
}

func TestUpgraderForModeDevelopmentAllowsAnyOrigin(t *testing.T) {
	opts := upgraderForMode(false, "example.com")
	if opts.CheckOrigin != nil {
		t.Fatal("expected no CheckOrigin override in development mode")
	}
}

func TestUpgraderForModeProductionChecksHost(t *testing.T) {
	opts := upgraderForMode(true, "tunnel.example.com")
	if opts.CheckOrigin == nil {
		t.Fatal("expected a CheckOrigin override in production mode")
	}
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.Header.Set("Origin", "https://tunnel.example.com")
	if !opts.CheckOrigin(req) {
		t.Fatal("expected matching origin to be allowed")
	}
	req.Header.Set("Origin", "https://evil.example")
	if opts.CheckOrigin(req) {
		t.Fatal("expected mismatched origin to be rejected")
	}
	req.Header.Del("Origin")
	if !opts.CheckOrigin(req) {
		t.Fatal("expected a missing Origin header (non-browser client) to be allowed")
	}
}
