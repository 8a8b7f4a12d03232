package realtime

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/marcus-qen/microfin/internal/protocol"
)

// pushServer accepts channel connections and records the token each one
// authenticated with.
type pushServer struct {
	*httptest.Server

	mu      sync.Mutex
	tokens  []string
	open    int
	pongs   int
	onAuth  func(conn *websocket.Conn)
	dialHit atomic.Int32
}

func newPushServer(t *testing.T, onAuth func(conn *websocket.Conn)) *pushServer {
	t.Helper()
	ps := &pushServer{onAuth: onAuth}
	upgrader := websocket.Upgrader{}
	ps.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ps.dialHit.Add(1)
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Type != protocol.MsgAuth {
			return
		}
		var auth protocol.AuthPayload
		if err := protocol.DecodePayload(env, &auth); err != nil {
			return
		}

		ps.mu.Lock()
		ps.tokens = append(ps.tokens, auth.Token)
		ps.open++
			ps.mu.Unlock()
		defer func() {
			ps.mu.Lock()
			ps.open--
			ps.mu.Unlock()
		}()

		if ps.onAuth != nil {
			ps.onAuth(conn)
		}
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var in protocol.Envelope
			if json.Unmarshal(data, &in) == nil && in.Type == protocol.MsgPong {
				ps.mu.Lock()
				ps.pongs++
				ps.mu.Unlock()
			}
		}
	}))
	t.Cleanup(ps.Close)
	return ps
}

func (ps *pushServer) wsURL() string {
	return "ws" + strings.TrimPrefix(ps.URL, "http")
}

func (ps *pushServer) snapshot() (tokens []string, open, pongs int) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return append([]string(nil), ps.tokens...), ps.open, ps.pongs
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func sendEnvelope(conn *websocket.Conn, t protocol.MessageType, payload any) {
	data, _ := json.Marshal(protocol.NewEnvelope(t, payload))
	_ = conn.WriteMessage(websocket.TextMessage, data)
}

func TestClientDefaults(t *testing.T) {
	c := NewClient(Options{URL: "ws://example.invalid/ws"})
	if c.maxRetries != defaultMaxRetries {
		t.Fatalf("expected maxRetries %d, got %d", defaultMaxRetries, c.maxRetries)
	}
	if c.retryDelay != defaultRetryDelay {
		t.Fatalf("expected retryDelay %s, got %s", defaultRetryDelay, c.retryDelay)
	}
	if cap(c.events) != 64 {
		t.Fatalf("expected events capacity 64, got %d", cap(c.events))
	}
	if c.Connected() {
		t.Fatal("new client should be disconnected")
	}
	if err := c.Send(protocol.MsgPong, nil); err == nil {
		t.Fatal("expected Send to fail while disconnected")
	}
}

func TestClientAuthenticatesWithFirstFrame(t *testing.T) {
	ps := newPushServer(t, func(conn *websocket.Conn) {
		sendEnvelope(conn, protocol.MsgNotification, protocol.NotificationPayload{
			Kind:  protocol.NotifyLoanApproved,
			Title: "Loan approved",
		})
	})

	c := NewClient(Options{URL: ps.wsURL(), Logger: zap.NewNop()})
	t.Cleanup(c.Disconnect)
	c.SetToken("tok-1")

	select {
	case env := <-c.Events():
		if env.Type != protocol.MsgNotification {
			t.Fatalf("expected notification, got %s", env.Type)
		}
		var n protocol.NotificationPayload
		if err := protocol.DecodePayload(env, &n); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if n.Kind != protocol.NotifyLoanApproved {
			t.Fatalf("unexpected kind %q", n.Kind)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no event received")
	}

	tokens, _, _ := ps.snapshot()
	if len(tokens) != 1 || tokens[0] != "tok-1" {
		t.Fatalf("expected one auth with tok-1, got %v", tokens)
	}
	if !c.Connected() {
		t.Fatal("expected client to report connected")
	}
}

func TestClientReconnectsOnTokenChange(t *testing.T) {
	ps := newPushServer(t, nil)
	c := NewClient(Options{URL: ps.wsURL()})
	t.Cleanup(c.Disconnect)

	c.SetToken("old")
	waitFor(t, "first connection", func() bool {
		tokens, open, _ := ps.snapshot()
		return len(tokens) == 1 && open == 1
	})

	c.SetToken("new")
	waitFor(t, "second connection to replace the first", func() bool {
		tokens, open, _ := ps.snapshot()
		return len(tokens) == 2 && open == 1
	})

	tokens, _, _ := ps.snapshot()
	if tokens[1] != "new" {
		t.Fatalf("expected reconnect with new token, got %v", tokens)
	}
	if c.Token() != "new" {
		t.Fatalf("expected client token new, got %q", c.Token())
	}
}

func TestClientDisconnectClosesChannel(t *testing.T) {
	ps := newPushServer(t, nil)
	c := NewClient(Options{URL: ps.wsURL(), RetryDelay: 10 * time.Millisecond})

	c.SetToken("tok")
	waitFor(t, "connection", c.Connected)

	c.Disconnect()
	if c.Connected() {
		t.Fatal("expected disconnected after Disconnect")
	}
	waitFor(t, "server to see the close", func() bool {
		_, open, _ := ps.snapshot()
		return open == 0
	})

	time.Sleep(50 * time.Millisecond)
	if got := ps.dialHit.Load(); got != 1 {
		t.Fatalf("expected no reconnect after Disconnect, got %d dials", got)
	}
	if c.Token() != "" {
		t.Fatalf("expected token cleared, got %q", c.Token())
	}
}

func TestClientAnswersServerPing(t *testing.T) {
	ps := newPushServer(t, func(conn *websocket.Conn) {
		sendEnvelope(conn, protocol.MsgPing, nil)
	})
	c := NewClient(Options{URL: ps.wsURL()})
	t.Cleanup(c.Disconnect)
	c.SetToken("tok")

	waitFor(t, "pong", func() bool {
		_, _, pongs := ps.snapshot()
		return pongs == 1
	})
}

func TestClientRetriesAreBounded(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	c := NewClient(Options{
		URL:        "ws" + strings.TrimPrefix(srv.URL, "http"),
		MaxRetries: 2,
		RetryDelay: 10 * time.Millisecond,
	})
	t.Cleanup(c.Disconnect)
	c.SetToken("tok")

	waitFor(t, "initial attempt plus retries", func() bool { return hits.Load() == 3 })
	time.Sleep(100 * time.Millisecond)
	if got := hits.Load(); got != 3 {
		t.Fatalf("expected retries to stop at 3 attempts, got %d", got)
	}
	if c.Connected() {
		t.Fatal("expected client to stay disconnected")
	}

	c.SetToken("fresh")
	waitFor(t, "new token to restart attempts", func() bool { return hits.Load() > 3 })
}
