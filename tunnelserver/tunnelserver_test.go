package tunnelserver

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/svnoak/yats/internal/wire"
)

func TestNewRejectsEmptySecret(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error for missing SecretToken")
	}
}

func TestDefaultConfigSetsWSPath(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.WSPath != "/ws" {
		t.Fatalf("expected default ws path, got %q", cfg.WSPath)
	}
}

func TestEndToEndHandshakeAndForward(t *testing.T) {
	srvr, err := New(Config{SecretToken: "s3cret"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	mux := http.NewServeMux()
	srvr.Register(mux)
	httpSrv := httptest.NewServer(mux)
	defer httpSrv.Close()

	wsURL := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/ws?" +
		url.Values{"client_id": {"alpha"}, "allowed_paths": {"/api"}}.Encode()
	header := http.Header{"Authorization": {"Bearer s3cret"}}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && srvr.Stats().Sessions == 0 {
		time.Sleep(10 * time.Millisecond)
	}
	if srvr.Stats().Sessions != 1 {
		t.Fatalf("expected 1 session, got %d", srvr.Stats().Sessions)
	}

	type result struct {
		resp *http.Response
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := http.Get(httpSrv.URL + "/alpha/api")
		done <- result{resp, err}
	}()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("client read envelope: %v", err)
	}
	var req wire.TunneledRequest
	if err := json.Unmarshal(data, &req); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if req.Path != "/api" {
		t.Fatalf("unexpected forward path %q", req.Path)
	}

	body := wire.EncodeBody([]byte("ok"))
	reply := wire.TunneledResponse{ID: req.ID, Status: 200, Body: &body}
	payload, _ := json.Marshal(reply)
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		t.Fatalf("write reply: %v", err)
	}

	select {
	case r := <-done:
		if r.err != nil {
			t.Fatalf("public request failed: %v", r.err)
		}
		if r.resp.StatusCode != 200 {
			t.Fatalf("expected 200, got %d", r.resp.StatusCode)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for public response")
	}
}

func TestCloseAllTerminatesSessions(t *testing.T) {
	srvr, err := New(Config{SecretToken: "s3cret"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	mux := http.NewServeMux()
	srvr.Register(mux)
	httpSrv := httptest.NewServer(mux)
	defer httpSrv.Close()

	wsURL := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/ws?" +
		url.Values{"client_id": {"alpha"}, "allowed_paths": {""}}.Encode()
	header := http.Header{"Authorization": {"Bearer s3cret"}}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && srvr.Stats().Sessions == 0 {
		time.Sleep(10 * time.Millisecond)
	}

	srvr.Close()

	deadline = time.Now().Add(time.Second)
	for time.Now().Before(deadline) && srvr.Stats().Sessions != 0 {
		time.Sleep(10 * time.Millisecond)
	}
	if srvr.Stats().Sessions != 0 {
		t.Fatalf("expected session torn down after Close, got %d", srvr.Stats().Sessions)
	}
}
