package realtime

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// testServer is a WebSocket endpoint that echoes every frame back with the
// event name prefixed by "echo:". Connections for token "bad" are refused.
type testServer struct {
	t        *testing.T
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu      sync.Mutex
	queries []string
	conns   []*websocket.Conn
}

func newTestServer(t *testing.T) *testServer {
	ts := &testServer{t: t}
	ts.srv = httptest.NewServer(http.HandlerFunc(ts.handle))
	t.Cleanup(ts.srv.Close)
	return ts
}

func (ts *testServer) url() string {
	return "ws" + strings.TrimPrefix(ts.srv.URL, "http") + "/socket"
}

func (ts *testServer) handle(w http.ResponseWriter, r *http.Request) {
	ts.mu.Lock()
	ts.queries = append(ts.queries, r.URL.RawQuery)
	ts.mu.Unlock()

	if r.URL.Query().Get("token") == "bad" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	ws, err := ts.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	ts.mu.Lock()
	ts.conns = append(ts.conns, ws)
	ts.mu.Unlock()

	for {
		var ev Event
		if err := ws.ReadJSON(&ev); err != nil {
			return
		}
		ev.Name = "echo:" + ev.Name
		if err := ws.WriteJSON(ev); err != nil {
			return
		}
	}
}

func (ts *testServer) connCount() int {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return len(ts.conns)
}

func (ts *testServer) dropAll() {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	for _, c := range ts.conns {
		c.Close()
	}
}

func TestWebSocketTransport_DialAndEcho(t *testing.T) {
	ts := newTestServer(t)
	tr := &WebSocketTransport{URL: ts.url()}

	conn, err := tr.Dial(context.Background(), Credential{Token: "tok 1", UserID: "u-alice"})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	ts.mu.Lock()
	query := ts.queries[0]
	ts.mu.Unlock()
	if !strings.Contains(query, "token=tok+1") || !strings.Contains(query, "userId=u-alice") {
		t.Errorf("query = %q", query)
	}
	if conn.RemoteAddr() == "" {
		t.Error("RemoteAddr should not be empty")
	}

	ev, err := NewEvent(EventTyping, TypingPayload{SenderID: "u-alice", ReceiverID: "u-bob"})
	if err != nil {
		t.Fatal(err)
	}
	if err := conn.WriteEvent(ev); err != nil {
		t.Fatalf("WriteEvent: %v", err)
	}
	got, err := conn.ReadEvent()
	if err != nil {
		t.Fatalf("ReadEvent: %v", err)
	}
	if got.Name != "echo:typing" {
		t.Errorf("Name = %q", got.Name)
	}
	var p TypingPayload
	if err := got.Decode(&p); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if p.ReceiverID != "u-bob" {
		t.Errorf("ReceiverID = %q", p.ReceiverID)
	}
}

func TestWebSocketTransport_AuthRejected(t *testing.T) {
	ts := newTestServer(t)
	tr := &WebSocketTransport{URL: ts.url()}

	_, err := tr.Dial(context.Background(), Credential{Token: "bad", UserID: "u-alice"})
	if !errors.Is(err, ErrAuthRejected) {
		t.Fatalf("err = %v, want ErrAuthRejected", err)
	}
}

func TestWebSocketTransport_Unreachable(t *testing.T) {
	ts := newTestServer(t)
	url := ts.url()
	ts.srv.Close()

	tr := &WebSocketTransport{URL: url}
	_, err := tr.Dial(context.Background(), testCred)
	if err == nil {
		t.Fatal("expected dial error")
	}
	if errors.Is(err, ErrAuthRejected) {
		t.Error("unreachable server must not look like an auth rejection")
	}
}

func TestWebSocketTransport_BadURL(t *testing.T) {
	tr := &WebSocketTransport{URL: "://nope"}
	if _, err := tr.Dial(context.Background(), testCred); err == nil {
		t.Fatal("expected error for bad url")
	}
}

func TestManager_OverWebSocket(t *testing.T) {
	ts := newTestServer(t)
	m, err := NewManager(ManagerOpts{
		Transport: &WebSocketTransport{URL: ts.url()},
		Policy:    Policy{MaxAttempts: 5, Delay: 10 * time.Millisecond},
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	defer m.Close()

	rec := &recorder{}
	m.On(EventAny, rec.handle)

	if err := m.Open(context.Background(), testCred); err != nil {
		t.Fatalf("Open: %v", err)
	}
	// user_connected comes straight back from the echo server.
	waitFor(t, "echoed user_connected", func() bool { return rec.count("echo:user_connected") == 1 })

	ts.dropAll()
	waitFor(t, "reconnect", func() bool { return rec.count(EventConnect) == 2 })
	if ts.connCount() != 2 {
		t.Errorf("server connections = %d, want 2", ts.connCount())
	}
	waitFor(t, "re-announced user", func() bool { return rec.count("echo:user_connected") == 2 })

	if err := m.Emit("ping", nil); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	waitFor(t, "echoed ping", func() bool { return rec.count("echo:ping") == 1 })
}

// rawServer upgrades and hands the socket to serve, which runs until it
// returns or the test ends.
func rawServer(t *testing.T, serve func(ws *websocket.Conn, stop <-chan struct{})) string {
	t.Helper()
	stop := make(chan struct{})
	var upgrader websocket.Upgrader
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		serve(ws, stop)
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(stop) })
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/socket"
}

func TestWebSocketTransport_SilentPeerFailsRead(t *testing.T) {
	// Never reads, so pings go unanswered.
	url := rawServer(t, func(_ *websocket.Conn, stop <-chan struct{}) { <-stop })
	tr := &WebSocketTransport{URL: url, PingInterval: 10 * time.Millisecond, PongWait: 50 * time.Millisecond}

	conn, err := tr.Dial(context.Background(), testCred)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	errc := make(chan error, 1)
	go func() {
		_, err := conn.ReadEvent()
		errc <- err
	}()
	select {
	case err := <-errc:
		if err == nil {
			t.Fatal("ReadEvent succeeded against a silent peer")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("ReadEvent still blocked after the pong wait")
	}
}

func TestWebSocketTransport_PongsKeepConnectionAlive(t *testing.T) {
	ts := newTestServer(t)
	tr := &WebSocketTransport{URL: ts.url(), PingInterval: 10 * time.Millisecond, PongWait: 40 * time.Millisecond}

	conn, err := tr.Dial(context.Background(), testCred)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	errc := make(chan error, 1)
	go func() {
		_, err := conn.ReadEvent()
		errc <- err
	}()

	// Several pong waits pass with no data frames.
	time.Sleep(150 * time.Millisecond)
	ev, err := NewEvent("ping", nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := conn.WriteEvent(ev); err != nil {
		t.Fatalf("WriteEvent: %v", err)
	}
	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("ReadEvent: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("echo never arrived")
	}
}

func TestWebSocketTransport_SkipsMalformedFrames(t *testing.T) {
	url := rawServer(t, func(ws *websocket.Conn, stop <-chan struct{}) {
		ws.WriteMessage(websocket.TextMessage, []byte("not json"))
		ws.WriteMessage(websocket.TextMessage, []byte(`{"data":{}}`))
		ws.WriteMessage(websocket.TextMessage, []byte(`{"event":"typing","data":{"senderId":"u-bob","receiverId":"u-alice"}}`))
		<-stop
	})
	tr := &WebSocketTransport{URL: url}

	conn, err := tr.Dial(context.Background(), testCred)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	ev, err := conn.ReadEvent()
	if err != nil {
		t.Fatalf("ReadEvent: %v", err)
	}
	if ev.Name != EventTyping {
		t.Errorf("Name = %q, want %q", ev.Name, EventTyping)
	}
}
