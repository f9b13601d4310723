package chat

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zulandar/waypost/internal/metrics"
	"github.com/zulandar/waypost/internal/models"
	"github.com/zulandar/waypost/internal/realtime"
)

// DefaultTypingWindow is how long after the last keystroke stopTyping is
// sent.
const DefaultTypingWindow = time.Second

// Session is one open conversation between the channel's user and a peer.
// Inbound events arrive on the channel's dispatch goroutine; Send,
// NotifyTyping and LoadHistory are called from the UI.
type Session struct {
	ch       realtime.Channel
	self     string
	peer     string
	key      ConversationKey
	history  History
	msgLog   Log
	metrics  *metrics.Metrics
	window   time.Duration
	now      func() time.Time
	newID    func() string
	onUpdate func(Message)

	mu         sync.Mutex
	messages   []Message // acknowledged and received, newest first
	outbox     []Message // pending and failed, oldest first
	seen       map[string]bool
	joined     bool
	wantJoin   bool
	typing     bool
	typingGen  uint64
	typingStop *time.Timer
	peerTyping bool
	closed     bool

	unsubs []func()
}

// SessionOpts holds parameters for creating a Session.
type SessionOpts struct {
	Channel      realtime.Channel
	PeerID       string
	History      History          // optional
	Log          Log              // optional
	Metrics      *metrics.Metrics // optional
	TypingWindow time.Duration    // default DefaultTypingWindow
	OnUpdate     func(Message)    // optional, called for every added or changed message
	Now          func() time.Time // optional, for tests
	NewID        func() string    // optional, for tests
}

// NewSession creates a Session subscribed to the chat events. The user is
// taken from the channel.
func NewSession(opts SessionOpts) (*Session, error) {
	if opts.Channel == nil {
		return nil, fmt.Errorf("chat: channel is required")
	}
	if opts.PeerID == "" {
		return nil, fmt.Errorf("chat: peer id is required")
	}
	self := opts.Channel.UserID()
	if self == "" {
		return nil, fmt.Errorf("chat: channel has no user")
	}
	if self == opts.PeerID {
		return nil, fmt.Errorf("chat: cannot chat with yourself")
	}
	window := opts.TypingWindow
	if window <= 0 {
		window = DefaultTypingWindow
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	newID := opts.NewID
	if newID == nil {
		newID = uuid.NewString
	}
	s := &Session{
		ch:       opts.Channel,
		self:     self,
		peer:     opts.PeerID,
		key:      Key(self, opts.PeerID),
		history:  opts.History,
		msgLog:   opts.Log,
		metrics:  opts.Metrics,
		window:   window,
		now:      now,
		newID:    newID,
		onUpdate: opts.OnUpdate,
		seen:     make(map[string]bool),
	}
	s.unsubs = append(s.unsubs,
		s.ch.On(realtime.EventNewMessage, s.onNewMessage),
		s.ch.On(realtime.EventMessageError, s.onMessageError),
		s.ch.On(realtime.EventTyping, func(ev realtime.Event) { s.onPeerTyping(ev, true) }),
		s.ch.On(realtime.EventStopTyping, func(ev realtime.Event) { s.onPeerTyping(ev, false) }),
		s.ch.On(realtime.EventConnect, s.onReconnect),
		s.ch.On(realtime.EventDisconnect, s.onDisconnect),
	)
	return s, nil
}

// Key returns the conversation key.
func (s *Session) Key() ConversationKey { return s.key }

// Peer returns the other participant.
func (s *Session) Peer() string { return s.peer }

// Join scopes server delivery to this conversation. It is a no-op once
// joined; a reconnect clears the flag and joins again automatically.
func (s *Session) Join(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("chat: join: session closed")
	}
	s.wantJoin = true
	return s.joinLocked()
}

func (s *Session) joinLocked() error {
	if s.joined {
		return nil
	}
	if err := s.ch.Emit(realtime.EventJoinChat, realtime.JoinPayload{SenderID: s.self, ReceiverID: s.peer}); err != nil {
		return fmt.Errorf("chat: join: %w", err)
	}
	s.joined = true
	return nil
}

func (s *Session) onReconnect(realtime.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.joined = false
	if s.closed || !s.wantJoin {
		return
	}
	if err := s.joinLocked(); err != nil {
		log.Printf("chat: rejoin %s: %v", s.key, err)
	}
}

// errConnectionLost is the Error of messages still pending at disconnect.
const errConnectionLost = "connection lost"

// onDisconnect fails every message still awaiting an ack.
func (s *Session) onDisconnect(realtime.Event) {
	s.mu.Lock()
	var failed []Message
	for i := range s.outbox {
		m := &s.outbox[i]
		if m.Status == StatusPending {
			m.Status = StatusFailed
			m.Error = errConnectionLost
			failed = append(failed, *m)
		}
	}
	s.mu.Unlock()

	for _, m := range failed {
		s.metrics.ChatSend("failed")
		s.notify(m)
	}
	if len(failed) > 0 {
		log.Printf("chat: %s: %d pending messages failed on disconnect", s.key, len(failed))
	}
}

// Send creates a pending message and emits it. It fails immediately, with
// nothing recorded, when the channel is not connected. A failed write
// leaves the message in the outbox as failed and returns it with the error.
func (s *Session) Send(ctx context.Context, body string) (Message, error) {
	if body == "" {
		return Message{}, fmt.Errorf("chat: send: empty message")
	}
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}
	if !s.ch.IsConnected() {
		s.metrics.ChatSend("offline")
		return Message{}, &SendError{Err: realtime.ErrNotConnected}
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Message{}, fmt.Errorf("chat: send: session closed")
	}
	msg := Message{
		ID:         s.newID(),
		Key:        s.key,
		SenderID:   s.self,
		ReceiverID: s.peer,
		Body:       body,
		Type:       DefaultType,
		CreatedAt:  s.now(),
		Status:     StatusPending,
	}
	err := s.ch.Emit(realtime.EventSendMessage, realtime.ChatPayload{
		SenderID:   msg.SenderID,
		ReceiverID: msg.ReceiverID,
		Text:       msg.Body,
		Type:       msg.Type,
		ClientID:   msg.ID,
		CreatedAt:  msg.CreatedAt,
	})
	if err != nil {
		msg.Status = StatusFailed
		msg.Error = err.Error()
	}
	s.outbox = append(s.outbox, msg)
	s.mu.Unlock()

	s.notify(msg)
	if err != nil {
		if errors.Is(err, realtime.ErrNotConnected) {
			s.metrics.ChatSend("offline")
		} else {
			s.metrics.ChatSend("failed")
		}
		return msg, &SendError{MessageID: msg.ID, Err: err}
	}
	s.metrics.ChatSend("sent")
	return msg, nil
}

// Messages returns the delivered conversation, newest first.
func (s *Session) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// Pending returns sent messages not yet acknowledged, oldest first. Failed
// messages stay here.
func (s *Session) Pending() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.outbox))
	copy(out, s.outbox)
	return out
}

func (s *Session) onNewMessage(ev realtime.Event) {
	var p realtime.ChatPayload
	if err := ev.Decode(&p); err != nil {
		log.Printf("chat: %v", err)
		return
	}
	if Key(p.SenderID, p.ReceiverID) != s.key {
		return
	}

	msg := Message{
		ServerID:   p.ID,
		Key:        s.key,
		SenderID:   p.SenderID,
		ReceiverID: p.ReceiverID,
		Body:       p.Text,
		Type:       p.Type,
		CreatedAt:  p.CreatedAt,
		Status:     StatusSent,
	}
	if msg.Type == "" {
		msg.Type = DefaultType
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if msg.ServerID != "" && s.seen[msg.ServerID] {
		s.mu.Unlock()
		return
	}
	if p.SenderID == s.self {
		if i := s.matchPending(p.ClientID, p.Text); i >= 0 {
			acked := s.outbox[i]
			s.outbox = append(s.outbox[:i], s.outbox[i+1:]...)
			msg.ID = acked.ID
			if msg.CreatedAt.IsZero() {
				msg.CreatedAt = acked.CreatedAt
			}
		}
	} else {
		s.peerTyping = false
	}
	if msg.ID == "" {
		msg.ID = s.newID()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.now()
	}
	s.prependLocked(msg)
	s.mu.Unlock()

	s.save(context.Background(), []Message{msg})
	s.notify(msg)
}

// matchPending finds the outbox entry acknowledged by a self-sent message:
// by client id when the server echoes it, otherwise the oldest pending
// message with the same body.
func (s *Session) matchPending(clientID, body string) int {
	if clientID != "" {
		for i, m := range s.outbox {
			if m.ID == clientID && m.Status == StatusPending {
				return i
			}
		}
		return -1
	}
	for i, m := range s.outbox {
		if m.Status == StatusPending && m.Body == body {
			return i
		}
	}
	return -1
}

func (s *Session) prependLocked(msg Message) {
	s.messages = append([]Message{msg}, s.messages...)
	if msg.ServerID != "" {
		s.seen[msg.ServerID] = true
	}
}

func (s *Session) onMessageError(ev realtime.Event) {
	var p realtime.MessageErrorPayload
	if err := ev.Decode(&p); err != nil {
		log.Printf("chat: %v", err)
		return
	}

	s.mu.Lock()
	var failed *Message
	for i := range s.outbox {
		m := &s.outbox[i]
		if m.ID == p.ClientID && m.Status == StatusPending {
			m.Status = StatusFailed
			m.Error = p.Error
			cp := *m
			failed = &cp
			break
		}
	}
	s.mu.Unlock()

	if failed == nil {
		return
	}
	log.Printf("chat: message %s failed: %s", failed.ID, failed.Error)
	s.metrics.ChatSend("failed")
	s.notify(*failed)
}

// NotifyTyping reports a keystroke. The first call emits typing; each call
// re-arms the stop timer, and stopTyping is emitted once the window passes
// without another call.
func (s *Session) NotifyTyping() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if !s.typing {
		s.typing = true
		if err := s.ch.Emit(realtime.EventTyping, s.typingPayload()); err != nil {
			log.Printf("chat: typing: %v", err)
		}
	}
	if s.typingStop != nil {
		s.typingStop.Stop()
	}
	s.typingGen++
	gen := s.typingGen
	s.typingStop = time.AfterFunc(s.window, func() { s.stopTyping(gen) })
}

func (s *Session) stopTyping(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	// A timer that fired while being replaced carries a stale generation.
	if s.closed || gen != s.typingGen || !s.typing {
		return
	}
	s.typing = false
	s.typingStop = nil
	if err := s.ch.Emit(realtime.EventStopTyping, s.typingPayload()); err != nil {
		log.Printf("chat: stop typing: %v", err)
	}
}

func (s *Session) typingPayload() realtime.TypingPayload {
	return realtime.TypingPayload{SenderID: s.self, ReceiverID: s.peer}
}

// PeerTyping reports whether the peer is typing.
func (s *Session) PeerTyping() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peerTyping
}

func (s *Session) onPeerTyping(ev realtime.Event, typing bool) {
	var p realtime.TypingPayload
	if err := ev.Decode(&p); err != nil {
		log.Printf("chat: %v", err)
		return
	}
	if p.SenderID != s.peer || p.ReceiverID != s.self {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peerTyping = typing
}

// LoadHistory fetches earlier messages and appends those not already shown
// behind the live ones. It returns the number added.
func (s *Session) LoadHistory(ctx context.Context) (int, error) {
	if s.history == nil {
		return 0, fmt.Errorf("chat: history: no history source")
	}
	hist, err := s.history.ChatHistory(ctx, s.self, s.peer)
	if err != nil {
		return 0, fmt.Errorf("chat: history: %w", err)
	}

	var added []Message
	s.mu.Lock()
	// hist is oldest first; walk it backwards to keep the list newest first.
	for i := len(hist) - 1; i >= 0; i-- {
		h := hist[i]
		if h.ID != "" && s.seen[h.ID] {
			continue
		}
		if Key(h.SenderID, h.ReceiverID) != s.key {
			continue
		}
		typ := h.Type
		if typ == "" {
			typ = DefaultType
		}
		msg := Message{
			ID:         s.newID(),
			ServerID:   h.ID,
			Key:        s.key,
			SenderID:   h.SenderID,
			ReceiverID: h.ReceiverID,
			Body:       h.Text,
			Type:       typ,
			CreatedAt:  h.CreatedAt,
			Status:     StatusSent,
		}
		s.messages = append(s.messages, msg)
		if msg.ServerID != "" {
			s.seen[msg.ServerID] = true
		}
		added = append(added, msg)
	}
	s.mu.Unlock()

	s.save(ctx, added)
	return len(added), nil
}

// Close stops the typing timer without sending stopTyping and removes the
// session's handlers.
func (s *Session) Close() {
	s.mu.Lock()
	s.closed = true
	if s.typingStop != nil {
		s.typingStop.Stop()
		s.typingStop = nil
	}
	s.typingGen++
	s.typing = false
	unsubs := s.unsubs
	s.unsubs = nil
	s.mu.Unlock()

	for _, off := range unsubs {
		off()
	}
}

func (s *Session) save(ctx context.Context, msgs []Message) {
	if s.msgLog == nil || len(msgs) == 0 {
		return
	}
	rows := make([]models.ChatMessage, 0, len(msgs))
	for _, m := range msgs {
		if m.ServerID == "" {
			continue
		}
		rows = append(rows, toModel(m))
	}
	if len(rows) == 0 {
		return
	}
	if err := s.msgLog.SaveMessages(ctx, rows); err != nil {
		log.Printf("chat: save %d messages: %v", len(rows), err)
	}
}

func (s *Session) notify(m Message) {
	if s.onUpdate != nil {
		s.onUpdate(m)
	}
}
