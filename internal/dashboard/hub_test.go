package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/agentboard/agentboard/internal/common/config"
	"github.com/agentboard/agentboard/internal/common/logger"
)

func testServer(t *testing.T, hub *Hub, authCfg config.AuthConfig) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	router := gin.New()
	handler := NewHandler(hub, authCfg, logger.Default())
	router.GET("/ws", handler.HandleConnection)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server, query string) string {
	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	if query != "" {
		u += "?" + query
	}
	return u
}

func TestBroadcastReachesAllClients(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewHub(logger.Default())
	go hub.Run(ctx)

	cfg := config.AuthConfig{SessionToken: "secret", WSAttemptLimit: 10, WSAttemptWindow: 30}
	srv := testServer(t, hub, cfg)

	var conns []*websocket.Conn
	for i := 0; i < 2; i++ {
		conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "token=secret"), nil)
		if err != nil {
			t.Fatalf("dial %d failed: %v", i, err)
		}
		defer conn.Close()
		conns = append(conns, conn)
	}

	// Wait until the hub has registered both clients.
	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if hub.ClientCount() != 2 {
		t.Fatalf("expected 2 clients, got %d", hub.ClientCount())
	}

	hub.Broadcast(NewEnvelope("job.updated", map[string]string{"id": "42"}))

	for i, conn := range conns {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("client %d read failed: %v", i, err)
		}
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.Fatalf("client %d got invalid envelope: %v", i, err)
		}
		if env.Type != "event" || env.Event != "job.updated" {
			t.Errorf("client %d got unexpected envelope %+v", i, env)
		}
		if env.Timestamp.IsZero() {
			t.Errorf("client %d envelope missing timestamp", i)
		}
	}
}

func TestHubStopClosesConnectedClients(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	hub := NewHub(logger.Default())
	go hub.Run(ctx)

	cfg := config.AuthConfig{SessionToken: "secret", WSAttemptLimit: 10, WSAttemptWindow: 30}
	srv := testServer(t, hub, cfg)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "token=secret"), nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount() < 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if hub.ClientCount() != 1 {
		t.Fatalf("expected 1 client, got %d", hub.ClientCount())
	}

	cancel()

	// The server must close the connection, and the client's teardown
	// path must not wedge on the stopped hub.
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	returned := make(chan struct{})
	go func() {
		hub.Unregister(NewClient("late", nil, hub, logger.Default()))
		close(returned)
	}()
	select {
	case <-returned:
	case <-time.After(time.Second):
		t.Fatal("Unregister blocked after the hub stopped")
	}

	late := NewClient("post-stop", nil, hub, logger.Default())
	hub.Register(late)
	if _, ok := <-late.send; ok {
		t.Error("expected send channel closed for a client registered after stop")
	}
}

func TestUpgradeRequiresSessionToken(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewHub(logger.Default())
	go hub.Run(ctx)

	cfg := config.AuthConfig{SessionToken: "secret", WSAttemptLimit: 10, WSAttemptWindow: 30}
	srv := testServer(t, hub, cfg)

	for _, query := range []string{"", "token=wrong"} {
		_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, query), nil)
		if err == nil {
			t.Fatalf("expected dial to fail for query %q", query)
		}
		if resp == nil || resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("query %q: expected 401, got %+v", query, resp)
		}
	}
}

func TestUpgradeAttemptLimit(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewHub(logger.Default())
	go hub.Run(ctx)

	cfg := config.AuthConfig{SessionToken: "secret", WSAttemptLimit: 2, WSAttemptWindow: 30}
	srv := testServer(t, hub, cfg)

	for i := 0; i < 2; i++ {
		conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "token=secret"), nil)
		if err != nil {
			t.Fatalf("dial %d failed: %v", i, err)
		}
		conn.Close()
	}

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, "token=secret"), nil)
	if err == nil {
		t.Fatal("expected dial beyond the attempt limit to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusTooManyRequests {
		t.Errorf("expected 429, got %+v", resp)
	}
}

func TestAttemptLimiterSlidingWindow(t *testing.T) {
	l := newAttemptLimiter(2, 50*time.Millisecond)

	if !l.allow("1.2.3.4") || !l.allow("1.2.3.4") {
		t.Fatal("first two attempts should pass")
	}
	if l.allow("1.2.3.4") {
		t.Fatal("third attempt inside the window should fail")
	}
	if !l.allow("5.6.7.8") {
		t.Fatal("other IPs must not be affected")
	}

	time.Sleep(60 * time.Millisecond)
	if !l.allow("1.2.3.4") {
		t.Fatal("attempts should pass again after the window expires")
	}
}

func TestAttemptLimiterPrunesIdleIPs(t *testing.T) {
	l := newAttemptLimiter(2, 30*time.Millisecond)

	for i := 0; i < 50; i++ {
		l.allow(fmt.Sprintf("10.0.0.%d", i))
	}

	time.Sleep(40 * time.Millisecond)
	l.allow("10.0.1.1")

	l.mu.Lock()
	tracked := len(l.attempts)
	l.mu.Unlock()
	if tracked != 1 {
		t.Errorf("expected only the active IP tracked after sweep, got %d entries", tracked)
	}
}

func TestEnqueueBackpressure(t *testing.T) {
	client := NewClient("c1", nil, nil, logger.Default())

	chunk := make([]byte, 512*1024)
	accepted := 0
	for i := 0; i < 8; i++ {
		if client.enqueue(chunk) {
			accepted++
		}
	}
	// 4 x 512KB fills the 2MB ceiling; everything after is dropped.
	if accepted != 4 {
		t.Errorf("expected 4 accepted chunks, got %d", accepted)
	}
}
