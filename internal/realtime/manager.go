package realtime

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/zulandar/waypost/internal/metrics"
)

// Status is the connection status.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
)

// Default reconnection policy.
const (
	DefaultMaxAttempts = 5
	DefaultRetryDelay  = time.Second
)

// Policy controls reconnection after a transport-level drop.
type Policy struct {
	MaxAttempts int           // attempts before giving up; defaults to DefaultMaxAttempts
	Delay       time.Duration // fixed wait before each attempt; defaults to DefaultRetryDelay
}

// Handler receives one event. Handlers run one at a time, in transport
// order, and must return before the next event is delivered.
type Handler func(Event)

// Channel is the consumer-facing view of a Manager. Consumers subscribe
// and emit through it but cannot close the connection.
type Channel interface {
	On(name string, h Handler) (unsubscribe func())
	Emit(name string, payload any) error
	IsConnected() bool
	UserID() string
}

// State is a point-in-time view of the connection.
type State struct {
	Status    Status
	Remote    string
	Attempts  int
	LastError error
}

// Manager owns at most one live Connection per credential. It dials through
// a Transport, redials after transport drops per Policy, and fans inbound
// events out to subscribed handlers.
type Manager struct {
	transport Transport
	policy    Policy
	metrics   *metrics.Metrics

	mu       sync.Mutex
	gen      uint64 // bumped on every open and teardown; stale goroutines compare against it
	cred     Credential
	conn     Conn
	status   Status
	remote   string
	attempts int
	lastErr  error
	cancel   context.CancelFunc // ends the current connection lifetime
	done     chan struct{}      // closed when the current reader goroutine exits

	hmu      sync.Mutex
	handlers map[string][]subscription
	nextSub  uint64

	dispatchMu sync.Mutex
}

type subscription struct {
	id uint64
	h  Handler
}

// ManagerOpts holds parameters for creating a Manager.
type ManagerOpts struct {
	Transport Transport
	Policy    Policy
	Metrics   *metrics.Metrics // optional
}

// NewManager creates a disconnected Manager.
func NewManager(opts ManagerOpts) (*Manager, error) {
	if opts.Transport == nil {
		return nil, fmt.Errorf("realtime: transport is required")
	}
	p := opts.Policy
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.Delay <= 0 {
		p.Delay = DefaultRetryDelay
	}
	m := &Manager{
		transport: opts.Transport,
		policy:    p,
		metrics:   opts.Metrics,
		status:    StatusDisconnected,
		handlers:  make(map[string][]subscription),
	}
	m.metrics.SetStatus(string(StatusDisconnected))
	return m, nil
}

// Open connects with cred. A live Connection is closed first and handlers
// see its disconnect event. Handlers stay registered across Open whatever
// state the previous connection was in; only Close detaches them. Open returns once connected, with ErrAuthRejected
// as soon as the server refuses the credential, or with ErrRetriesExhausted
// once the policy's attempts are spent. An empty credential fails with
// ErrNoSession without dialing.
//
// Open and Close must not be called from inside a Handler.
func (m *Manager) Open(ctx context.Context, cred Credential) error {
	if cred.Empty() {
		log.Printf("realtime: open: no session credential, not connecting")
		return ErrNoSession
	}
	if m.teardown() {
		m.notifyDisconnect()
	}

	life, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	m.gen++
	gen := m.gen
	m.cred = cred
	m.cancel = cancel
	m.attempts = 0
	m.lastErr = nil
	m.setStatusLocked(StatusConnecting)
	m.mu.Unlock()

	dialCtx, stop := withLifetime(ctx, life)
	defer stop()

	conn, err := m.dialWithRetry(dialCtx, life, gen, 0)
	if err != nil {
		return err
	}
	m.startReader(gen, life, conn)
	return nil
}

// Close releases the Connection, cancels pending reconnection, delivers a
// final disconnect event to every handler, and then detaches them all.
// Safe to call more than once.
func (m *Manager) Close() error {
	m.teardown()
	m.detachAll()
	return nil
}

// On subscribes h to events named name (or EventAny). The returned func
// removes the subscription and is safe to call more than once.
func (m *Manager) On(name string, h Handler) func() {
	m.hmu.Lock()
	m.nextSub++
	id := m.nextSub
	m.handlers[name] = append(m.handlers[name], subscription{id: id, h: h})
	m.hmu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { m.off(name, id) })
	}
}

// Emit sends one event. It returns ErrNotConnected when there is no live
// Connection; callers treat that as a delivery failure.
func (m *Manager) Emit(name string, payload any) error {
	m.mu.Lock()
	conn := m.conn
	connected := m.status == StatusConnected
	m.mu.Unlock()
	if !connected || conn == nil {
		return ErrNotConnected
	}

	ev, err := NewEvent(name, payload)
	if err != nil {
		return err
	}
	if err := conn.WriteEvent(ev); err != nil {
		return fmt.Errorf("realtime: emit %s: %w", name, err)
	}
	return nil
}

// IsConnected reports whether a live Connection exists.
func (m *Manager) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status == StatusConnected
}

// UserID returns the user of the current credential.
func (m *Manager) UserID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cred.UserID
}

// State returns a snapshot of the connection.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return State{
		Status:    m.status,
		Remote:    m.remote,
		Attempts:  m.attempts,
		LastError: m.lastErr,
	}
}

// teardown ends the current connection lifetime: cancels reconnection,
// closes the socket, and waits for the reader goroutine. It reports whether
// a live Connection existed.
func (m *Manager) teardown() bool {
	m.mu.Lock()
	live := m.conn != nil
	m.gen++
	cancel, conn, done := m.cancel, m.conn, m.done
	m.cancel, m.conn, m.done = nil, nil, nil
	m.remote = ""
	m.attempts = 0
	m.setStatusLocked(StatusDisconnected)
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		if err := conn.Close(); err != nil {
			log.Printf("realtime: close connection: %v", err)
		}
	}
	if done != nil {
		<-done
	}
	return live
}

// notifyDisconnect delivers a disconnect event outside any lifetime.
func (m *Manager) notifyDisconnect() {
	m.dispatchMu.Lock()
	defer m.dispatchMu.Unlock()
	m.disconnectLocked()
}

func (m *Manager) disconnectLocked() {
	ev, err := NewEvent(EventDisconnect, StatusPayload{Status: StatusDisconnected})
	if err != nil {
		return
	}
	for _, h := range m.handlersFor(EventDisconnect) {
		h(ev)
	}
}

// detachAll tells every handler the channel is gone, then removes them.
func (m *Manager) detachAll() {
	m.dispatchMu.Lock()
	defer m.dispatchMu.Unlock()

	m.disconnectLocked()

	m.hmu.Lock()
	m.handlers = make(map[string][]subscription)
	m.hmu.Unlock()
}

// dialWithRetry dials until connected. Attempt 0 is the initial dial and
// happens immediately; later attempts wait policy.Delay first and count
// toward policy.MaxAttempts.
func (m *Manager) dialWithRetry(ctx, life context.Context, gen uint64, first int) (Conn, error) {
	m.mu.Lock()
	cred := m.cred
	m.mu.Unlock()

	var lastErr error
	for attempt := first; ; attempt++ {
		if attempt > 0 {
			if attempt > m.policy.MaxAttempts {
				err := fmt.Errorf("%w after %d attempts: %v", ErrRetriesExhausted, m.policy.MaxAttempts, lastErr)
				log.Printf("realtime: giving up: %v", err)
				m.fail(gen, err)
				return nil, err
			}
			if err := sleepCtx(ctx, m.policy.Delay); err != nil {
				return nil, m.abort(gen, life, err)
			}
			m.mu.Lock()
			if m.gen == gen {
				m.attempts = attempt
			}
			m.mu.Unlock()
			m.metrics.ReconnectAttempt()
			log.Printf("realtime: reconnect attempt %d/%d", attempt, m.policy.MaxAttempts)
		}

		conn, err := m.transport.Dial(ctx, cred)
		if err != nil {
			if ctx.Err() != nil {
				return nil, m.abort(gen, life, ctx.Err())
			}
			if errors.Is(err, ErrAuthRejected) {
				log.Printf("realtime: %v", err)
				m.fail(gen, err)
				return nil, err
			}
			lastErr = err
			m.mu.Lock()
			if m.gen == gen {
				m.lastErr = err
			}
			m.mu.Unlock()
			m.dispatchLifecycle(gen, EventConnectError, StatusPayload{
				Status:  StatusConnecting,
				Attempt: attempt,
				Error:   err.Error(),
			})
			continue
		}

		m.mu.Lock()
		if m.gen != gen {
			m.mu.Unlock()
			conn.Close()
			return nil, ErrClosed
		}
		m.conn = conn
		m.remote = conn.RemoteAddr()
		m.attempts = 0
		m.lastErr = nil
		m.setStatusLocked(StatusConnected)
		userID := m.cred.UserID
		m.mu.Unlock()

		if err := m.Emit(EventUserConnected, UserConnected{UserID: userID}); err != nil {
			log.Printf("realtime: announce user: %v", err)
		}
		m.dispatchLifecycle(gen, EventConnect, StatusPayload{Status: StatusConnected})
		return conn, nil
	}
}

// abort handles a cancelled dial loop. A cancelled lifetime means Close or
// a newer Open already took over; anything else is the caller's context.
func (m *Manager) abort(gen uint64, life context.Context, err error) error {
	if life.Err() != nil {
		return ErrClosed
	}
	m.fail(gen, err)
	return err
}

// fail settles the connection into disconnected with err as the last error.
func (m *Manager) fail(gen uint64, err error) {
	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return
	}
	m.conn = nil
	m.remote = ""
	m.lastErr = err
	m.setStatusLocked(StatusDisconnected)
	m.mu.Unlock()

	m.dispatchLifecycle(gen, EventConnectError, StatusPayload{
		Status: StatusDisconnected,
		Error:  err.Error(),
	})
}

func (m *Manager) startReader(gen uint64, life context.Context, conn Conn) {
	done := make(chan struct{})
	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return
	}
	m.done = done
	m.mu.Unlock()
	go m.readLoop(gen, life, conn, done)
}

// readLoop delivers inbound events in transport order and runs the
// reconnection policy when the transport drops.
func (m *Manager) readLoop(gen uint64, life context.Context, conn Conn, done chan struct{}) {
	defer close(done)
	for {
		ev, err := conn.ReadEvent()
		if err != nil {
			if life.Err() != nil || !m.current(gen) {
				return
			}
			log.Printf("realtime: transport dropped: %v", err)
			m.mu.Lock()
			if m.conn == conn {
				m.conn = nil
			}
			m.remote = ""
			m.lastErr = err
			m.setStatusLocked(StatusConnecting)
			m.mu.Unlock()
			conn.Close()

			m.dispatchLifecycle(gen, EventDisconnect, StatusPayload{
				Status: StatusConnecting,
				Error:  err.Error(),
			})

			next, err := m.dialWithRetry(life, life, gen, 1)
			if err != nil {
				return
			}
			conn = next
			continue
		}
		m.metrics.EventReceived(ev.Name)
		m.dispatch(gen, ev)
	}
}

func (m *Manager) dispatchLifecycle(gen uint64, name string, payload StatusPayload) {
	ev, err := NewEvent(name, payload)
	if err != nil {
		return
	}
	m.dispatch(gen, ev)
}

// dispatch runs every matching handler, one at a time, unless the
// connection lifetime that produced ev has ended.
func (m *Manager) dispatch(gen uint64, ev Event) {
	m.dispatchMu.Lock()
	defer m.dispatchMu.Unlock()
	if !m.current(gen) {
		return
	}
	for _, h := range m.handlersFor(ev.Name) {
		h(ev)
	}
}

func (m *Manager) current(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gen == gen
}

func (m *Manager) handlersFor(name string) []Handler {
	m.hmu.Lock()
	defer m.hmu.Unlock()
	out := make([]Handler, 0, len(m.handlers[name])+len(m.handlers[EventAny]))
	for _, s := range m.handlers[name] {
		out = append(out, s.h)
	}
	if name != EventAny {
		for _, s := range m.handlers[EventAny] {
			out = append(out, s.h)
		}
	}
	return out
}

func (m *Manager) off(name string, id uint64) {
	m.hmu.Lock()
	defer m.hmu.Unlock()
	subs := m.handlers[name]
	for i, s := range subs {
		if s.id == id {
			m.handlers[name] = append(subs[:i:i], subs[i+1:]...)
			return
		}
	}
}

func (m *Manager) setStatusLocked(s Status) {
	m.status = s
	m.metrics.SetStatus(string(s))
}

// withLifetime derives a context from ctx that is also cancelled when life
// ends.
func withLifetime(ctx, life context.Context) (context.Context, context.CancelFunc) {
	c, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(life, cancel)
	return c, func() {
		stop()
		cancel()
	}
}

// sleepCtx waits for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
