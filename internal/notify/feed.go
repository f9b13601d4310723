// Package notify turns a user's server-side notification feed into one
// alert per new record.
package notify

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"sync"

	"github.com/zulandar/waypost/internal/alert"
	"github.com/zulandar/waypost/internal/metrics"
	"github.com/zulandar/waypost/internal/models"
	"github.com/zulandar/waypost/internal/route"
)

// Store is the authoritative notification feed.
type Store interface {
	// Subscribe calls emit with the full feed, newest first, whenever it
	// changes. An error is passed once and ends the subscription. The
	// returned func cancels it.
	Subscribe(ctx context.Context, userID string, emit func([]models.Notification, error)) (func(), error)
	MarkRead(ctx context.Context, userID string, id uint) error
	Delete(ctx context.Context, userID string, id uint) error
}

// SubscriptionError is a failed feed subscription. It is reported once and
// the subscription is not retried.
type SubscriptionError struct {
	UserID string
	Err    error
}

func (e *SubscriptionError) Error() string {
	return fmt.Sprintf("notify: subscription for %s: %v", e.UserID, e.Err)
}

func (e *SubscriptionError) Unwrap() error { return e.Err }

// Feed owns the feed subscriptions of the process.
type Feed struct {
	store   Store
	alerter alert.Alerter
	nav     route.Navigator
	metrics *metrics.Metrics

	mu   sync.Mutex
	subs map[*Subscription]struct{}
}

// FeedOpts holds parameters for creating a Feed.
type FeedOpts struct {
	Store     Store
	Alerter   alert.Alerter
	Navigator route.Navigator
	Metrics   *metrics.Metrics // optional
}

// NewFeed creates a Feed.
func NewFeed(opts FeedOpts) (*Feed, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("notify: store is required")
	}
	if opts.Alerter == nil {
		return nil, fmt.Errorf("notify: alerter is required")
	}
	if opts.Navigator == nil {
		return nil, fmt.Errorf("notify: navigator is required")
	}
	return &Feed{
		store:   opts.Store,
		alerter: opts.Alerter,
		nav:     opts.Navigator,
		metrics: opts.Metrics,
		subs:    make(map[*Subscription]struct{}),
	}, nil
}

// Subscription is one live feed for one user.
type Subscription struct {
	feed     *Feed
	userID   string
	ctx      context.Context
	onUpdate func([]models.Notification)
	onError  func(error)

	diffMu   sync.Mutex // one snapshot processed at a time
	seen     map[uint]struct{}
	baseline bool

	mu         sync.Mutex
	read       map[uint]struct{} // marked read locally
	last       []models.Notification
	queue      [][]models.Notification // snapshots awaiting onUpdate
	delivering bool
	err        error
	cancel     func()
	done       bool
}

// Subscribe starts the user's feed. onUpdate receives every snapshot,
// newest first, in order and never concurrently. onUpdate may call back into
// the Feed (MarkRead, for one); snapshots produced meanwhile are delivered
// after it returns. onError, if set, is called once when the store fails; the
// subscription has ended by then. The first snapshot only records what
// exists; later snapshots raise an alert for each record not seen before.
func (f *Feed) Subscribe(ctx context.Context, userID string, onUpdate func([]models.Notification), onError func(error)) (*Subscription, error) {
	if userID == "" {
		return nil, fmt.Errorf("notify: subscribe: user id is required")
	}
	if onUpdate == nil {
		return nil, fmt.Errorf("notify: subscribe: onUpdate is required")
	}
	s := &Subscription{
		feed:     f,
		userID:   userID,
		ctx:      context.WithoutCancel(ctx),
		onUpdate: onUpdate,
		onError:  onError,
		seen:     make(map[uint]struct{}),
		read:     make(map[uint]struct{}),
	}

	f.mu.Lock()
	f.subs[s] = struct{}{}
	f.mu.Unlock()

	cancel, err := f.store.Subscribe(ctx, userID, s.handle)
	if err != nil {
		f.remove(s)
		return nil, &SubscriptionError{UserID: userID, Err: err}
	}
	s.mu.Lock()
	if s.done {
		// Failed or unsubscribed before the store handed back cancel.
		s.mu.Unlock()
		cancel()
		return s, nil
	}
	s.cancel = cancel
	s.mu.Unlock()
	return s, nil
}

// handle processes one store emission.
func (s *Subscription) handle(rows []models.Notification, err error) {
	if err != nil {
		s.fail(err)
		return
	}

	s.diffMu.Lock()
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		s.diffMu.Unlock()
		return
	}
	rows = s.applyReadLocked(rows)
	s.last = rows
	s.queue = append(s.queue, copyRows(rows))
	s.mu.Unlock()

	var fresh []models.Notification
	current := make(map[uint]struct{}, len(rows))
	for _, n := range rows {
		current[n.ID] = struct{}{}
		if !s.baseline {
			continue
		}
		if _, ok := s.seen[n.ID]; !ok {
			fresh = append(fresh, n)
		}
	}
	s.seen = current
	s.baseline = true
	s.diffMu.Unlock()

	s.drain()

	// Oldest new record first.
	for i := len(fresh) - 1; i >= 0; i-- {
		s.feed.raise(s.ctx, fresh[i])
	}
}

// drain hands queued snapshots to onUpdate with no lock held. A call that
// finds another drain running, including one from inside onUpdate, leaves
// its snapshot to that drain.
func (s *Subscription) drain() {
	s.mu.Lock()
	if s.delivering {
		s.mu.Unlock()
		return
	}
	s.delivering = true
	for len(s.queue) > 0 {
		rows := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()
		s.onUpdate(rows)
		s.mu.Lock()
	}
	s.delivering = false
	s.mu.Unlock()
}

func (s *Subscription) fail(err error) {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return
	}
	s.done = true
	s.err = &SubscriptionError{UserID: s.userID, Err: err}
	serr := s.err
	s.cancel = nil
	s.mu.Unlock()

	s.feed.remove(s)
	log.Printf("notify: %v", serr)
	if s.onError != nil {
		s.onError(serr)
	}
}

// applyReadLocked overlays locally marked reads on a store snapshot.
func (s *Subscription) applyReadLocked(rows []models.Notification) []models.Notification {
	if len(s.read) == 0 {
		return rows
	}
	out := copyRows(rows)
	for i := range out {
		if _, ok := s.read[out[i].ID]; ok {
			out[i].Read = true
		}
	}
	return out
}

// markLocal records a local read and redelivers the last snapshot with it.
func (s *Subscription) markLocal(id uint) {
	s.diffMu.Lock()
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		s.diffMu.Unlock()
		return
	}
	s.read[id] = struct{}{}
	var changed bool
	for _, n := range s.last {
		if n.ID == id && !n.Read {
			changed = true
			break
		}
	}
	if changed {
		s.last = s.applyReadLocked(s.last)
		s.queue = append(s.queue, copyRows(s.last))
	}
	s.mu.Unlock()
	s.diffMu.Unlock()

	if changed {
		s.drain()
	}
}

// Snapshot returns the last delivered feed.
func (s *Subscription) Snapshot() []models.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyRows(s.last)
}

// UserID returns the subscribed user.
func (s *Subscription) UserID() string { return s.userID }

// Err returns the SubscriptionError that ended the subscription, if any.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Active reports whether the subscription is still receiving updates.
func (s *Subscription) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.done
}

// Unsubscribe cancels the store subscription. Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return
	}
	s.done = true
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	s.feed.remove(s)
	if cancel != nil {
		cancel()
	}
}

// MarkRead marks a notification read for userID. The flag is set on the
// user's live subscriptions first and is never unset; the store is then
// updated.
func (f *Feed) MarkRead(ctx context.Context, userID string, id uint) error {
	for _, s := range f.subscriptions(userID) {
		s.markLocal(id)
	}
	if err := f.store.MarkRead(ctx, userID, id); err != nil {
		return fmt.Errorf("notify: mark read %d: %w", id, err)
	}
	return nil
}

// Delete removes a notification from the store. Live subscriptions see it
// gone on their next snapshot.
func (f *Feed) Delete(ctx context.Context, userID string, id uint) error {
	if err := f.store.Delete(ctx, userID, id); err != nil {
		return fmt.Errorf("notify: delete %d: %w", id, err)
	}
	return nil
}

// Subscriptions returns the number of live subscriptions.
func (f *Feed) Subscriptions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

// Close ends every live subscription.
func (f *Feed) Close() {
	f.mu.Lock()
	subs := make([]*Subscription, 0, len(f.subs))
	for s := range f.subs {
		subs = append(subs, s)
	}
	f.mu.Unlock()
	for _, s := range subs {
		s.Unsubscribe()
	}
}

func (f *Feed) subscriptions(userID string) []*Subscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*Subscription
	for s := range f.subs {
		if s.userID == userID {
			out = append(out, s)
		}
	}
	return out
}

func (f *Feed) remove(s *Subscription) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.subs, s)
}

// raise sends the alert for one new record.
func (f *Feed) raise(ctx context.Context, n models.Notification) {
	a := AlertFor(n)
	target, err := route.Resolve(n.Type, route.Fields{
		Post:   n.PostID,
		Sender: n.SenderID,
		Report: n.ReportID,
	})
	if err != nil {
		log.Printf("notify: no route for notification %d: %v", n.ID, err)
	} else {
		a.Target = target
		a.OnPress = func(ctx context.Context) error {
			return f.nav.Navigate(ctx, target)
		}
	}
	f.metrics.AlertRaised(a.Kind)
	if err := f.alerter.Raise(ctx, a); err != nil {
		log.Printf("notify: raise alert for notification %d: %v", n.ID, err)
	}
}

// AlertFor builds the alert text for a notification record.
func AlertFor(n models.Notification) alert.Alert {
	who := n.SenderName
	if who == "" {
		who = "Someone"
	}
	a := alert.Alert{
		ID:    "notification-" + strconv.FormatUint(uint64(n.ID), 10),
		Kind:  n.Type,
		Title: titles[n.Type],
		Body:  n.Message,
		Color: alert.ColorFor(n.Type),
		Time:  n.CreatedAt,
	}
	if a.Title == "" {
		a.Title = "New notification"
	}
	if a.Body == "" {
		if verb, ok := verbs[n.Type]; ok {
			a.Body = who + " " + verb
		}
	}
	if n.SenderName != "" {
		a.Fields = append(a.Fields, alert.Field{Name: "From", Value: n.SenderName, Short: true})
	}
	return a
}

var titles = map[string]string{
	"like":       "New like",
	"likeTravel": "New like",
	"comment":    "New comment",
	"new_post":   "New post",
	"mention":    "You were mentioned",
	"follow":     "New follower",
	"request":    "Follow request",
	"report":     "Report update",
}

var verbs = map[string]string{
	"like":       "liked your post",
	"likeTravel": "liked your travel post",
	"comment":    "commented on your post",
	"new_post":   "shared a new post",
	"mention":    "mentioned you",
	"follow":     "started following you",
	"request":    "wants to follow you",
	"report":     "updated a report",
}

func copyRows(rows []models.Notification) []models.Notification {
	if rows == nil {
		return nil
	}
	out := make([]models.Notification, len(rows))
	copy(out, rows)
	return out
}
