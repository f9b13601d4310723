package alert

import (
	"context"
	"sync"
)

// defaultRecent is how many alerts a Broadcaster keeps for late subscribers.
const defaultRecent = 50

// Broadcaster fans alerts out to live subscribers (the dashboard's SSE
// streams) and keeps the most recent ones. A subscriber that falls behind
// misses alerts rather than blocking Raise.
type Broadcaster struct {
	mu     sync.Mutex
	subs   map[int]chan Alert
	nextID int
	recent []Alert
	keep   int
}

// NewBroadcaster creates a Broadcaster keeping the last keep alerts
// (defaultRecent when keep <= 0).
func NewBroadcaster(keep int) *Broadcaster {
	if keep <= 0 {
		keep = defaultRecent
	}
	return &Broadcaster{
		subs: make(map[int]chan Alert),
		keep: keep,
	}
}

// Raise records a and offers it to every subscriber.
func (b *Broadcaster) Raise(_ context.Context, a Alert) error {
	a.OnPress = nil

	b.mu.Lock()
	defer b.mu.Unlock()
	b.recent = append(b.recent, a)
	if len(b.recent) > b.keep {
		b.recent = b.recent[len(b.recent)-b.keep:]
	}
	for _, ch := range b.subs {
		select {
		case ch <- a:
		default:
		}
	}
	return nil
}

// Subscribe returns a channel of alerts raised from now on, and a cancel
// func that closes it.
func (b *Broadcaster) Subscribe(buffer int) (<-chan Alert, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Alert, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Recent returns the retained alerts, oldest first.
func (b *Broadcaster) Recent() []Alert {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Alert, len(b.recent))
	copy(out, b.recent)
	return out
}

// Subscribers returns the number of live subscribers.
func (b *Broadcaster) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
