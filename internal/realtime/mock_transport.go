package realtime

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MockTransport implements Transport for testing. It records every dial and
// hands out MockConns whose inbound side is driven by the test.
type MockTransport struct {
	mu        sync.Mutex
	script    []error // consumed one per dial; nil means succeed
	failAll   error
	dialTimes []time.Time
	creds     []Credential
	conns     []*MockConn
}

// NewMockTransport creates a MockTransport where every dial succeeds.
func NewMockTransport() *MockTransport {
	return &MockTransport{}
}

// Dial records the attempt and returns the next scripted result.
func (t *MockTransport) Dial(ctx context.Context, cred Credential) (Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dialTimes = append(t.dialTimes, time.Now())
	t.creds = append(t.creds, cred)

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(t.script) > 0 {
		err := t.script[0]
		t.script = t.script[1:]
		if err != nil {
			return nil, err
		}
	} else if t.failAll != nil {
		return nil, t.failAll
	}

	c := newMockConn(fmt.Sprintf("mock:%d", len(t.conns)+1))
	t.conns = append(t.conns, c)
	return c, nil
}

// --- Test helpers ---

// FailNext scripts the results of the next dials, in order. A nil entry
// lets that dial succeed.
func (t *MockTransport) FailNext(errs ...error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.script = append(t.script, errs...)
}

// FailAll makes every unscripted dial fail with err. A nil err clears it.
func (t *MockTransport) FailAll(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failAll = err
}

// Dials returns the number of dial attempts so far.
func (t *MockTransport) Dials() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.dialTimes)
}

// DialTimes returns a copy of the time of each dial attempt.
func (t *MockTransport) DialTimes() []time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]time.Time, len(t.dialTimes))
	copy(out, t.dialTimes)
	return out
}

// Creds returns a copy of the credential passed to each dial.
func (t *MockTransport) Creds() []Credential {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Credential, len(t.creds))
	copy(out, t.creds)
	return out
}

// Conns returns every connection handed out so far.
func (t *MockTransport) Conns() []*MockConn {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*MockConn, len(t.conns))
	copy(out, t.conns)
	return out
}

// LastConn returns the most recent connection, or nil if none succeeded.
func (t *MockTransport) LastConn() *MockConn {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.conns) == 0 {
		return nil
	}
	return t.conns[len(t.conns)-1]
}

// MockConn implements Conn for testing.
type MockConn struct {
	remote  string
	inbound chan Event
	drop    chan error
	closed  chan struct{}
	once    sync.Once

	mu      sync.Mutex
	written []Event
}

func newMockConn(remote string) *MockConn {
	return &MockConn{
		remote:  remote,
		inbound: make(chan Event, 256),
		drop:    make(chan error, 1),
		closed:  make(chan struct{}),
	}
}

// ReadEvent returns injected events in order, the injected drop error, or
// ErrClosed after Close.
func (c *MockConn) ReadEvent() (Event, error) {
	select {
	case ev := <-c.inbound:
		return ev, nil
	case err := <-c.drop:
		return Event{}, err
	case <-c.closed:
		return Event{}, ErrClosed
	}
}

// WriteEvent records ev.
func (c *MockConn) WriteEvent(ev Event) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, ev)
	return nil
}

// Close marks the connection closed. Safe to call more than once.
func (c *MockConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

// RemoteAddr returns the mock endpoint name.
func (c *MockConn) RemoteAddr() string {
	return c.remote
}

// Inject queues an inbound event as if the server had sent it.
func (c *MockConn) Inject(name string, payload any) {
	ev, err := NewEvent(name, payload)
	if err != nil {
		panic(err)
	}
	c.inbound <- ev
}

// Drop simulates a transport failure: the pending ReadEvent returns err.
func (c *MockConn) Drop(err error) {
	c.drop <- err
}

// Closed reports whether Close was called.
func (c *MockConn) Closed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// Written returns a copy of every event written to the connection.
func (c *MockConn) Written() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Event, len(c.written))
	copy(out, c.written)
	return out
}

// WrittenNamed returns the written events called name.
func (c *MockConn) WrittenNamed(name string) []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Event
	for _, ev := range c.written {
		if ev.Name == name {
			out = append(out, ev)
		}
	}
	return out
}
