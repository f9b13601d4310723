package dashboard

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/zulandar/waypost/internal/alert"
	"github.com/zulandar/waypost/internal/call"
	"github.com/zulandar/waypost/internal/metrics"
	"github.com/zulandar/waypost/internal/models"
	"github.com/zulandar/waypost/internal/realtime"
	"github.com/zulandar/waypost/internal/session"
)

type fakeBackend struct {
	mu        sync.Mutex
	status    session.Status
	acceptErr error
	rejectErr error
	accepts   int
	rejects   int
	calls     []models.CallLog
	callsErr  error
	limit     int
}

func (f *fakeBackend) Status() session.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeBackend) AcceptCall(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accepts++
	return f.acceptErr
}

func (f *fakeBackend) RejectCall(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rejects++
	return f.rejectErr
}

func (f *fakeBackend) RecentCalls(_ context.Context, limit int) ([]models.CallLog, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.limit = limit
	return f.calls, f.callsErr
}

func (f *fakeBackend) counts() (limit, actions int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.limit, f.accepts + f.rejects
}

func setupTestServer(t *testing.T, b Backend, opts StartOpts) *httptest.Server {
	t.Helper()
	opts.Backend = b
	router, err := NewRouter(opts)
	if err != nil {
		t.Fatalf("NewRouter: %v", err)
	}
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv
}

func TestNewRouter_NilBackend(t *testing.T) {
	_, err := NewRouter(StartOpts{})
	if err == nil || !strings.Contains(err.Error(), "backend is required") {
		t.Fatalf("err = %v, want backend is required", err)
	}
	if err := Start(context.Background(), StartOpts{}); err == nil {
		t.Fatal("Start without backend succeeded")
	}
}

func TestHealthz(t *testing.T) {
	srv := setupTestServer(t, &fakeBackend{}, StartOpts{})
	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

func TestStatus(t *testing.T) {
	b := &fakeBackend{status: session.Status{
		UserID:     "alice",
		Started:    true,
		Connection: session.ConnectionStatus{Status: realtime.StatusConnected, Remote: "mock:1"},
		Call:       session.CallStatus{State: call.Ringing, ChannelName: "ch-1", Peer: "bob"},
		Feed:       session.FeedStatus{Enabled: true, Active: true, Items: 3, Unread: 1},
	}}
	srv := setupTestServer(t, b, StartOpts{})

	resp, err := http.Get(srv.URL + "/status")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var got session.Status
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if got.UserID != "alice" || got.Connection.Status != realtime.StatusConnected ||
		got.Call.State != call.Ringing || got.Feed.Unread != 1 {
		t.Errorf("status = %+v", got)
	}
}

func TestCalls(t *testing.T) {
	b := &fakeBackend{calls: []models.CallLog{{ChannelName: "ch-1", Outcome: "accepted"}}}
	srv := setupTestServer(t, b, StartOpts{})

	tests := []struct {
		name   string
		query  string
		status int
		limit  int
	}{
		{"default limit", "", http.StatusOK, 20},
		{"explicit limit", "?limit=5", http.StatusOK, 5},
		{"bad limit", "?limit=x", http.StatusBadRequest, 0},
		{"zero limit", "?limit=0", http.StatusBadRequest, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b.mu.Lock()
			b.limit = 0
			b.mu.Unlock()
			resp, err := http.Get(srv.URL + "/calls" + tt.query)
			if err != nil {
				t.Fatal(err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != tt.status {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.status)
			}
			if limit, _ := b.counts(); limit != tt.limit {
				t.Errorf("limit = %d, want %d", limit, tt.limit)
			}
		})
	}
}

func TestCalls_NotStarted(t *testing.T) {
	srv := setupTestServer(t, &fakeBackend{callsErr: session.ErrNotStarted}, StartOpts{})
	resp, err := http.Get(srv.URL + "/calls")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", resp.StatusCode)
	}
}

func TestCallActions(t *testing.T) {
	tests := []struct {
		name   string
		path   string
		err    error
		status int
	}{
		{"accept", "/call/accept", nil, http.StatusOK},
		{"reject", "/call/reject", nil, http.StatusOK},
		{"nothing ringing", "/call/accept", fmt.Errorf("%w: accept while idle", call.ErrInvalidTransition), http.StatusConflict},
		{"server declined", "/call/reject", &call.SignalingError{Op: "reject", Err: errors.New("declined")}, http.StatusBadGateway},
		{"not started", "/call/accept", session.ErrNotStarted, http.StatusServiceUnavailable},
		{"other", "/call/accept", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := &fakeBackend{acceptErr: tt.err, rejectErr: tt.err}
			srv := setupTestServer(t, b, StartOpts{})

			resp, err := http.Post(srv.URL+tt.path, "application/json", nil)
			if err != nil {
				t.Fatal(err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != tt.status {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.status)
			}
			if _, n := b.counts(); n != 1 {
				t.Errorf("actions = %d, want 1", n)
			}
		})
	}
}

func TestCallActions_GetNotAllowed(t *testing.T) {
	srv := setupTestServer(t, &fakeBackend{}, StartOpts{})
	resp, err := http.Get(srv.URL + "/call/accept")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	if err != nil {
		t.Fatal(err)
	}
	m.AlertRaised("follow")
	srv := setupTestServer(t, &fakeBackend{}, StartOpts{Gatherer: reg})

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `waypost_alerts_raised_total{kind="follow"} 1`) {
		t.Errorf("metrics body missing alert counter:\n%s", body)
	}
}

// sseReader reads "event:"/"data:" pairs from a stream.
type sseReader struct {
	sc *bufio.Scanner
}

func (r *sseReader) next(t *testing.T) (string, string) {
	t.Helper()
	var event, data string
	for r.sc.Scan() {
		line := r.sc.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		case line == "" && event != "":
			return event, data
		}
	}
	t.Fatalf("stream ended: %v", r.sc.Err())
	return "", ""
}

func openSSE(t *testing.T, url string) (*sseReader, *http.Response) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return &sseReader{sc: bufio.NewScanner(resp.Body)}, resp
}

func TestSSE_StreamsAlerts(t *testing.T) {
	b := alert.NewBroadcaster(10)
	b.Raise(context.Background(), alert.Alert{Kind: "like", Title: "earlier"})
	srv := setupTestServer(t, &fakeBackend{}, StartOpts{Alerts: b, Heartbeat: time.Hour})

	r, resp := openSSE(t, srv.URL+"/events")
	if ct := resp.Header.Get("Content-Type"); !strings.Contains(ct, "text/event-stream") {
		t.Errorf("content-type = %q, want text/event-stream", ct)
	}

	if ev, _ := r.next(t); ev != "connected" {
		t.Fatalf("first event = %q, want connected", ev)
	}
	ev, data := r.next(t)
	if ev != "alert" || !strings.Contains(data, "earlier") {
		t.Fatalf("replay = %q %s", ev, data)
	}

	// Wait until the handler has subscribed before raising.
	deadline := time.Now().Add(3 * time.Second)
	for b.Subscribers() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("handler never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}
	b.Raise(context.Background(), alert.Alert{
		Kind:    alert.KindMessage,
		Title:   "Bob",
		Body:    "hi",
		OnPress: func(context.Context) error { return nil },
	})

	ev, data = r.next(t)
	if ev != "alert" {
		t.Fatalf("event = %q, want alert", ev)
	}
	var got alert.Alert
	if err := json.Unmarshal([]byte(data), &got); err != nil {
		t.Fatal(err)
	}
	if got.Title != "Bob" || got.Body != "hi" {
		t.Errorf("alert = %+v", got)
	}
}

func TestSSE_Heartbeat(t *testing.T) {
	srv := setupTestServer(t, &fakeBackend{}, StartOpts{Heartbeat: 20 * time.Millisecond})
	r, _ := openSSE(t, srv.URL+"/events")

	if ev, _ := r.next(t); ev != "connected" {
		t.Fatalf("first event = %q, want connected", ev)
	}
	ev, data := r.next(t)
	if ev != "heartbeat" || !strings.Contains(data, "timestamp") {
		t.Errorf("event = %q %s, want heartbeat", ev, data)
	}
}

func TestWriteSSE(t *testing.T) {
	var sb strings.Builder
	writeSSE(&sb, "alert", map[string]string{"title": "x"})
	if got, want := sb.String(), "event: alert\ndata: {\"title\":\"x\"}\n\n"; got != want {
		t.Errorf("writeSSE = %q, want %q", got, want)
	}
}

func TestUnknownRoute_Returns404(t *testing.T) {
	srv := setupTestServer(t, &fakeBackend{}, StartOpts{})
	resp, err := http.Get(srv.URL + "/nonexistent")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}
