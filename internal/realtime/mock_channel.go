package realtime

import (
	"sync"
)

// MockChannel implements Channel for testing consumers without a Manager.
// Deliver runs handlers synchronously on the caller's goroutine.
type MockChannel struct {
	mu        sync.Mutex
	userID    string
	connected bool
	emitErr   error
	handlers  map[string][]subscription
	nextSub   uint64
	emitted   []Event
}

// NewMockChannel creates a connected MockChannel for userID.
func NewMockChannel(userID string) *MockChannel {
	return &MockChannel{
		userID:    userID,
		connected: true,
		handlers:  make(map[string][]subscription),
	}
}

// On subscribes h to name.
func (c *MockChannel) On(name string, h Handler) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextSub++
	id := c.nextSub
	c.handlers[name] = append(c.handlers[name], subscription{id: id, h: h})
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		subs := c.handlers[name]
		for i, s := range subs {
			if s.id == id {
				c.handlers[name] = append(subs[:i:i], subs[i+1:]...)
				return
			}
		}
	}
}

// Emit records the event, or fails like a Manager would when disconnected.
func (c *MockChannel) Emit(name string, payload any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return ErrNotConnected
	}
	if c.emitErr != nil {
		return c.emitErr
	}
	ev, err := NewEvent(name, payload)
	if err != nil {
		return err
	}
	c.emitted = append(c.emitted, ev)
	return nil
}

// IsConnected reports the simulated connection state.
func (c *MockChannel) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// UserID returns the configured user.
func (c *MockChannel) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// --- Test helpers ---

// SetConnected changes the simulated connection state.
func (c *MockChannel) SetConnected(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = v
}

// FailEmit makes every Emit return err while connected. nil clears it.
func (c *MockChannel) FailEmit(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.emitErr = err
}

// Deliver dispatches an inbound event to the subscribed handlers.
func (c *MockChannel) Deliver(name string, payload any) {
	ev, err := NewEvent(name, payload)
	if err != nil {
		panic(err)
	}
	c.mu.Lock()
	var hs []Handler
	for _, s := range c.handlers[name] {
		hs = append(hs, s.h)
	}
	for _, s := range c.handlers[EventAny] {
		hs = append(hs, s.h)
	}
	c.mu.Unlock()
	for _, h := range hs {
		h(ev)
	}
}

// Emitted returns a copy of every emitted event.
func (c *MockChannel) Emitted() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Event, len(c.emitted))
	copy(out, c.emitted)
	return out
}

// EmittedNamed returns the emitted events called name.
func (c *MockChannel) EmittedNamed(name string) []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Event
	for _, ev := range c.emitted {
		if ev.Name == name {
			out = append(out, ev)
		}
	}
	return out
}

// Handlers returns the number of live subscriptions.
func (c *MockChannel) Handlers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, subs := range c.handlers {
		n += len(subs)
	}
	return n
}
