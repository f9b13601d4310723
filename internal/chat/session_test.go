package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/zulandar/waypost/internal/api"
	"github.com/zulandar/waypost/internal/metrics"
	"github.com/zulandar/waypost/internal/models"
	"github.com/zulandar/waypost/internal/realtime"
)

type fakeHistory struct {
	msgs []api.HistoryMessage
	err  error
}

func (f *fakeHistory) ChatHistory(_ context.Context, _, _ string) ([]api.HistoryMessage, error) {
	return f.msgs, f.err
}

type fakeLog struct {
	mu    sync.Mutex
	saved []models.ChatMessage
}

func (f *fakeLog) SaveMessages(_ context.Context, msgs []models.ChatMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved = append(f.saved, msgs...)
	return nil
}

func (f *fakeLog) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.saved)
}

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestSession(t *testing.T, opts SessionOpts) (*Session, *realtime.MockChannel) {
	t.Helper()
	ch := realtime.NewMockChannel("alice")
	opts.Channel = ch
	if opts.PeerID == "" {
		opts.PeerID = "bob"
	}
	n := 0
	opts.NewID = func() string {
		n++
		return fmt.Sprintf("local-%d", n)
	}
	opts.Now = func() time.Time { return t0 }
	s, err := NewSession(opts)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	t.Cleanup(s.Close)
	return s, ch
}

func bodies(msgs []Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Body
	}
	return out
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestKey_Symmetric(t *testing.T) {
	if Key("a", "b") != Key("b", "a") {
		t.Fatal("Key(a, b) != Key(b, a)")
	}
	if Key("a", "b") == Key("a", "c") {
		t.Fatal("distinct pairs share a key")
	}
	if got := Key("zed", "amy").String(); got != "amy:zed" {
		t.Errorf("String() = %q, want %q", got, "amy:zed")
	}
}

func TestNewSession_Validation(t *testing.T) {
	ch := realtime.NewMockChannel("alice")
	tests := []struct {
		name string
		opts SessionOpts
	}{
		{"no channel", SessionOpts{PeerID: "bob"}},
		{"no peer", SessionOpts{Channel: ch}},
		{"self", SessionOpts{Channel: ch, PeerID: "alice"}},
		{"no user", SessionOpts{Channel: realtime.NewMockChannel(""), PeerID: "bob"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewSession(tt.opts); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestJoin_Idempotent(t *testing.T) {
	s, ch := newTestSession(t, SessionOpts{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := s.Join(ctx); err != nil {
			t.Fatalf("Join: %v", err)
		}
	}
	joins := ch.EmittedNamed(realtime.EventJoinChat)
	if len(joins) != 1 {
		t.Fatalf("joinChat emitted %d times, want 1", len(joins))
	}
	var p realtime.JoinPayload
	if err := joins[0].Decode(&p); err != nil {
		t.Fatal(err)
	}
	if p.SenderID != "alice" || p.ReceiverID != "bob" {
		t.Errorf("join payload = %+v", p)
	}
}

func TestJoin_RejoinsAfterReconnect(t *testing.T) {
	s, ch := newTestSession(t, SessionOpts{})
	if err := s.Join(context.Background()); err != nil {
		t.Fatal(err)
	}
	ch.Deliver(realtime.EventConnect, realtime.StatusPayload{Status: realtime.StatusConnected})
	if got := len(ch.EmittedNamed(realtime.EventJoinChat)); got != 2 {
		t.Fatalf("joinChat emitted %d times, want 2", got)
	}
}

func TestJoin_NotRequestedNoRejoin(t *testing.T) {
	_, ch := newTestSession(t, SessionOpts{})
	ch.Deliver(realtime.EventConnect, realtime.StatusPayload{Status: realtime.StatusConnected})
	if got := len(ch.EmittedNamed(realtime.EventJoinChat)); got != 0 {
		t.Fatalf("joinChat emitted %d times, want 0", got)
	}
}

func TestSend_Offline(t *testing.T) {
	s, ch := newTestSession(t, SessionOpts{})
	ch.SetConnected(false)

	_, err := s.Send(context.Background(), "hello")
	var se *SendError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want *SendError", err)
	}
	if !errors.Is(err, realtime.ErrNotConnected) {
		t.Errorf("err = %v, want ErrNotConnected", err)
	}
	if len(s.Pending()) != 0 || len(s.Messages()) != 0 {
		t.Error("offline send recorded a message")
	}
	if len(ch.Emitted()) != 0 {
		t.Error("offline send emitted")
	}
}

func TestSend_EmitsPending(t *testing.T) {
	s, ch := newTestSession(t, SessionOpts{})

	msg, err := s.Send(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if msg.Status != StatusPending || msg.ID != "local-1" {
		t.Errorf("msg = %+v", msg)
	}
	if got := s.Pending(); len(got) != 1 || got[0].ID != "local-1" {
		t.Errorf("Pending() = %+v", got)
	}

	sent := ch.EmittedNamed(realtime.EventSendMessage)
	if len(sent) != 1 {
		t.Fatalf("sendMessage emitted %d times", len(sent))
	}
	var p realtime.ChatPayload
	if err := sent[0].Decode(&p); err != nil {
		t.Fatal(err)
	}
	if p.ClientID != "local-1" || p.Text != "hello" || p.SenderID != "alice" || p.ReceiverID != "bob" || p.Type != DefaultType {
		t.Errorf("payload = %+v", p)
	}
}

func TestSend_EmitFailure(t *testing.T) {
	s, ch := newTestSession(t, SessionOpts{})
	ch.FailEmit(errors.New("broken pipe"))

	msg, err := s.Send(context.Background(), "hello")
	if err == nil {
		t.Fatal("expected error")
	}
	if msg.Status != StatusFailed {
		t.Errorf("Status = %q, want failed", msg.Status)
	}
	if got := s.Pending(); len(got) != 1 || got[0].Status != StatusFailed {
		t.Errorf("Pending() = %+v", got)
	}
}

func TestSend_Empty(t *testing.T) {
	s, _ := newTestSession(t, SessionOpts{})
	if _, err := s.Send(context.Background(), ""); err == nil {
		t.Fatal("expected error")
	}
}

func ack(id, clientID, text string) realtime.ChatPayload {
	return realtime.ChatPayload{
		ID: id, SenderID: "alice", ReceiverID: "bob",
		Text: text, Type: "text", ClientID: clientID, CreatedAt: t0,
	}
}

func TestNewMessage_AckOrder(t *testing.T) {
	lg := &fakeLog{}
	s, ch := newTestSession(t, SessionOpts{Log: lg})
	ctx := context.Background()

	for _, body := range []string{"one", "two", "three"} {
		if _, err := s.Send(ctx, body); err != nil {
			t.Fatal(err)
		}
	}

	// Server acknowledges out of send order.
	ch.Deliver(realtime.EventNewMessage, ack("s2", "local-2", "two"))
	ch.Deliver(realtime.EventNewMessage, ack("s1", "local-1", "one"))
	ch.Deliver(realtime.EventNewMessage, ack("s3", "local-3", "three"))

	got := s.Messages()
	if want := []string{"three", "one", "two"}; !equal(bodies(got), want) {
		t.Fatalf("Messages() = %v, want %v", bodies(got), want)
	}
	for _, m := range got {
		if m.Status != StatusSent || m.ServerID == "" {
			t.Errorf("message %+v not acknowledged", m)
		}
	}
	if got[1].ID != "local-1" {
		t.Errorf("ack lost local id: %+v", got[1])
	}
	if n := len(s.Pending()); n != 0 {
		t.Errorf("Pending() has %d, want 0", n)
	}
	if lg.count() != 3 {
		t.Errorf("saved %d messages, want 3", lg.count())
	}
}

func TestNewMessage_MatchByBodyWithoutClientID(t *testing.T) {
	s, ch := newTestSession(t, SessionOpts{})
	ctx := context.Background()
	s.Send(ctx, "same")
	s.Send(ctx, "same")

	ch.Deliver(realtime.EventNewMessage, ack("s1", "", "same"))

	pending := s.Pending()
	if len(pending) != 1 || pending[0].ID != "local-2" {
		t.Fatalf("Pending() = %+v, want only local-2", pending)
	}
	if got := s.Messages(); len(got) != 1 || got[0].ID != "local-1" {
		t.Fatalf("Messages() = %+v", got)
	}
}

func TestNewMessage_FromPeer(t *testing.T) {
	s, ch := newTestSession(t, SessionOpts{})
	ch.Deliver(realtime.EventTyping, realtime.TypingPayload{SenderID: "bob", ReceiverID: "alice"})
	if !s.PeerTyping() {
		t.Fatal("peer typing not tracked")
	}

	ch.Deliver(realtime.EventNewMessage, realtime.ChatPayload{
		ID: "s9", SenderID: "bob", ReceiverID: "alice", Text: "hi", CreatedAt: t0,
	})
	got := s.Messages()
	if len(got) != 1 || got[0].Body != "hi" || got[0].Type != DefaultType {
		t.Fatalf("Messages() = %+v", got)
	}
	if s.PeerTyping() {
		t.Error("peer still typing after message")
	}

	// Redelivery of the same server id is dropped.
	ch.Deliver(realtime.EventNewMessage, realtime.ChatPayload{
		ID: "s9", SenderID: "bob", ReceiverID: "alice", Text: "hi", CreatedAt: t0,
	})
	if n := len(s.Messages()); n != 1 {
		t.Errorf("duplicate delivered: %d messages", n)
	}
}

func TestNewMessage_OtherConversationIgnored(t *testing.T) {
	s, ch := newTestSession(t, SessionOpts{})
	ch.Deliver(realtime.EventNewMessage, realtime.ChatPayload{
		ID: "x1", SenderID: "carol", ReceiverID: "alice", Text: "psst",
	})
	if n := len(s.Messages()); n != 0 {
		t.Fatalf("Messages() has %d, want 0", n)
	}
}

func TestMessageError_MarksFailed(t *testing.T) {
	var (
		mu      sync.Mutex
		updates []Message
	)
	s, ch := newTestSession(t, SessionOpts{OnUpdate: func(m Message) {
		mu.Lock()
		defer mu.Unlock()
		updates = append(updates, m)
	}})
	s.Send(context.Background(), "doomed")

	ch.Deliver(realtime.EventMessageError, realtime.MessageErrorPayload{ClientID: "local-1", Error: "blocked"})
	p := s.Pending()
	if len(p) != 1 || p[0].Status != StatusFailed || p[0].Error != "blocked" {
		t.Fatalf("Pending() = %+v", p)
	}

	// Status changes once: a late ack does not revive a failed message.
	ch.Deliver(realtime.EventNewMessage, ack("s1", "local-1", "doomed"))
	if p := s.Pending(); p[0].Status != StatusFailed {
		t.Errorf("status changed to %q", p[0].Status)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(updates) < 2 || updates[1].Status != StatusFailed {
		t.Errorf("updates = %+v", updates)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestNotifyTyping_Debounce(t *testing.T) {
	s, ch := newTestSession(t, SessionOpts{TypingWindow: 80 * time.Millisecond})

	for i := 0; i < 3; i++ {
		s.NotifyTyping()
		time.Sleep(20 * time.Millisecond)
	}
	if n := len(ch.EmittedNamed(realtime.EventStopTyping)); n != 0 {
		t.Fatalf("stopTyping sent while still typing")
	}

	waitFor(t, "stopTyping", func() bool { return len(ch.EmittedNamed(realtime.EventStopTyping)) == 1 })
	time.Sleep(150 * time.Millisecond)

	if n := len(ch.EmittedNamed(realtime.EventTyping)); n != 1 {
		t.Errorf("typing emitted %d times, want 1", n)
	}
	if n := len(ch.EmittedNamed(realtime.EventStopTyping)); n != 1 {
		t.Errorf("stopTyping emitted %d times, want 1", n)
	}
}

func TestNotifyTyping_TypesAgainAfterStop(t *testing.T) {
	s, ch := newTestSession(t, SessionOpts{TypingWindow: 20 * time.Millisecond})

	s.NotifyTyping()
	waitFor(t, "first stop", func() bool { return len(ch.EmittedNamed(realtime.EventStopTyping)) == 1 })
	s.NotifyTyping()
	waitFor(t, "second stop", func() bool { return len(ch.EmittedNamed(realtime.EventStopTyping)) == 2 })

	if n := len(ch.EmittedNamed(realtime.EventTyping)); n != 2 {
		t.Errorf("typing emitted %d times, want 2", n)
	}
}

func TestClose_NoStopTyping(t *testing.T) {
	s, ch := newTestSession(t, SessionOpts{TypingWindow: 20 * time.Millisecond})
	handlers := ch.Handlers()

	s.NotifyTyping()
	s.Close()
	time.Sleep(60 * time.Millisecond)

	if n := len(ch.EmittedNamed(realtime.EventStopTyping)); n != 0 {
		t.Errorf("stopTyping emitted %d times after close", n)
	}
	if ch.Handlers() != handlers-6 {
		t.Errorf("Handlers() = %d, want %d", ch.Handlers(), handlers-6)
	}
	if _, err := s.Send(context.Background(), "late"); err == nil {
		t.Error("Send after Close succeeded")
	}
}

func TestPeerTyping_IgnoresOthers(t *testing.T) {
	s, ch := newTestSession(t, SessionOpts{})
	ch.Deliver(realtime.EventTyping, realtime.TypingPayload{SenderID: "carol", ReceiverID: "alice"})
	if s.PeerTyping() {
		t.Fatal("typing from another user tracked")
	}
	ch.Deliver(realtime.EventTyping, realtime.TypingPayload{SenderID: "bob", ReceiverID: "alice"})
	ch.Deliver(realtime.EventStopTyping, realtime.TypingPayload{SenderID: "bob", ReceiverID: "alice"})
	if s.PeerTyping() {
		t.Fatal("stopTyping not tracked")
	}
}

func TestLoadHistory(t *testing.T) {
	hist := &fakeHistory{msgs: []api.HistoryMessage{
		{ID: "h1", SenderID: "bob", ReceiverID: "alice", Text: "first", CreatedAt: t0.Add(-3 * time.Minute)},
		{ID: "h2", SenderID: "alice", ReceiverID: "bob", Text: "second", CreatedAt: t0.Add(-2 * time.Minute)},
		{ID: "h3", SenderID: "bob", ReceiverID: "alice", Text: "third", CreatedAt: t0.Add(-time.Minute)},
	}}
	lg := &fakeLog{}
	s, ch := newTestSession(t, SessionOpts{History: hist, Log: lg})

	// A live message that the history also contains.
	ch.Deliver(realtime.EventNewMessage, realtime.ChatPayload{
		ID: "h3", SenderID: "bob", ReceiverID: "alice", Text: "third", CreatedAt: t0.Add(-time.Minute),
	})
	ch.Deliver(realtime.EventNewMessage, realtime.ChatPayload{
		ID: "live", SenderID: "bob", ReceiverID: "alice", Text: "live", CreatedAt: t0,
	})

	n, err := s.LoadHistory(context.Background())
	if err != nil {
		t.Fatalf("LoadHistory: %v", err)
	}
	if n != 2 {
		t.Errorf("added %d, want 2", n)
	}
	want := []string{"live", "third", "second", "first"}
	if got := bodies(s.Messages()); !equal(got, want) {
		t.Errorf("Messages() = %v, want %v", got, want)
	}
	if lg.count() != 4 {
		t.Errorf("saved %d, want 4", lg.count())
	}
}

func TestLoadHistory_Errors(t *testing.T) {
	s, _ := newTestSession(t, SessionOpts{})
	if _, err := s.LoadHistory(context.Background()); err == nil {
		t.Error("expected error without history source")
	}

	s2, _ := newTestSession(t, SessionOpts{History: &fakeHistory{err: errors.New("503")}})
	if _, err := s2.LoadHistory(context.Background()); err == nil {
		t.Error("expected error from history source")
	}
}

func TestSession_OverManager(t *testing.T) {
	tr := realtime.NewMockTransport()
	m, err := realtime.NewManager(realtime.ManagerOpts{
		Transport: tr,
		Policy:    realtime.Policy{MaxAttempts: 2, Delay: 10 * time.Millisecond},
	})
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()
	if err := m.Open(context.Background(), realtime.Credential{UserID: "alice", Token: "tok"}); err != nil {
		t.Fatal(err)
	}

	s, err := NewSession(SessionOpts{Channel: m, PeerID: "bob"})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	msg, err := s.Send(context.Background(), "over the wire")
	if err != nil {
		t.Fatal(err)
	}
	conn := tr.LastConn()
	waitFor(t, "sendMessage frame", func() bool { return len(conn.WrittenNamed(realtime.EventSendMessage)) == 1 })

	conn.Inject(realtime.EventNewMessage, ack("srv-1", msg.ID, "over the wire"))
	waitFor(t, "ack", func() bool { return len(s.Messages()) == 1 })
	if got := s.Messages()[0]; got.ServerID != "srv-1" || got.ID != msg.ID {
		t.Errorf("acked = %+v", got)
	}
}

func TestDisconnect_FailsPending(t *testing.T) {
	var (
		mu      sync.Mutex
		updates []Message
	)
	s, ch := newTestSession(t, SessionOpts{OnUpdate: func(m Message) {
		mu.Lock()
		defer mu.Unlock()
		updates = append(updates, m)
	}})
	s.Send(context.Background(), "first")
	s.Send(context.Background(), "second")
	ch.Deliver(realtime.EventMessageError, realtime.MessageErrorPayload{ClientID: "local-1", Error: "blocked"})

	ch.Deliver(realtime.EventDisconnect, realtime.StatusPayload{Status: realtime.StatusConnecting})

	p := s.Pending()
	if len(p) != 2 {
		t.Fatalf("Pending() = %+v", p)
	}
	if p[0].Error != "blocked" {
		t.Errorf("earlier failure overwritten: %q", p[0].Error)
	}
	if p[1].Status != StatusFailed || p[1].Error != "connection lost" {
		t.Errorf("second = %+v, want failed with connection lost", p[1])
	}

	mu.Lock()
	defer mu.Unlock()
	if last := updates[len(updates)-1]; last.ID != "local-2" || last.Status != StatusFailed {
		t.Errorf("last update = %+v", last)
	}
}

func TestSession_PendingFailsWhenManagerGoesAway(t *testing.T) {
	tests := []struct {
		name string
		end  func(t *testing.T, tr *realtime.MockTransport, m *realtime.Manager)
	}{
		{"drop and give up", func(t *testing.T, tr *realtime.MockTransport, m *realtime.Manager) {
			tr.FailAll(errors.New("refused"))
			tr.LastConn().Drop(errors.New("eof"))
			waitFor(t, "give up", func() bool {
				return errors.Is(m.State().LastError, realtime.ErrRetriesExhausted)
			})
		}},
		{"close", func(t *testing.T, _ *realtime.MockTransport, m *realtime.Manager) {
			if err := m.Close(); err != nil {
				t.Fatal(err)
			}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			met, err := metrics.New(prometheus.NewRegistry())
			if err != nil {
				t.Fatal(err)
			}
			tr := realtime.NewMockTransport()
			m, err := realtime.NewManager(realtime.ManagerOpts{
				Transport: tr,
				Policy:    realtime.Policy{MaxAttempts: 2, Delay: 5 * time.Millisecond},
			})
			if err != nil {
				t.Fatal(err)
			}
			defer m.Close()
			if err := m.Open(context.Background(), realtime.Credential{UserID: "alice", Token: "tok"}); err != nil {
				t.Fatal(err)
			}
			s, err := NewSession(SessionOpts{Channel: m, PeerID: "bob", Metrics: met})
			if err != nil {
				t.Fatal(err)
			}
			defer s.Close()

			if _, err := s.Send(context.Background(), "hi"); err != nil {
				t.Fatal(err)
			}
			tt.end(t, tr, m)

			waitFor(t, "failed message", func() bool {
				p := s.Pending()
				return len(p) == 1 && p[0].Status == StatusFailed
			})
			if got := s.Pending()[0].Error; got != "connection lost" {
				t.Errorf("Error = %q", got)
			}
			if got := testutil.ToFloat64(met.ChatSends.WithLabelValues("failed")); got != 1 {
				t.Errorf("failed sends = %v, want 1", got)
			}
		})
	}
}
