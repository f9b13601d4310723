// Package store is the gorm-backed persistence behind the notification
// feed, the chat message log and the call log.
package store

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/zulandar/waypost/internal/models"
	"gorm.io/gorm"
)

// DefaultPollInterval is how often a notification subscription re-reads
// the feed.
const DefaultPollInterval = 2 * time.Second

// ErrNotFound is returned when a record does not exist for the user.
var ErrNotFound = errors.New("store: not found")

// feedEntry is the part of a notification that decides whether a poll
// produced a new snapshot.
type feedEntry struct {
	ID   uint
	Read bool
}

// Notifications serves per-user notification feeds from the database.
// Subscribe polls; writes through MarkRead and Delete wake the pollers of
// that user so the change shows up without waiting a full interval.
type Notifications struct {
	db       *gorm.DB
	interval time.Duration

	mu      sync.Mutex
	wake    map[string]map[uint64]chan struct{}
	nextSub uint64
	active  int
}

// NotificationsOpts holds parameters for creating a Notifications store.
type NotificationsOpts struct {
	DB           *gorm.DB
	PollInterval time.Duration // defaults to DefaultPollInterval
}

// NewNotifications creates a Notifications store.
func NewNotifications(opts NotificationsOpts) (*Notifications, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("store: notifications: db is required")
	}
	interval := opts.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Notifications{
		db:       opts.DB,
		interval: interval,
		wake:     make(map[string]map[uint64]chan struct{}),
	}, nil
}

// List returns the user's feed, newest first.
func (n *Notifications) List(ctx context.Context, userID string) ([]models.Notification, error) {
	var rows []models.Notification
	if err := n.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC, id DESC").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("store: list notifications: %w", err)
	}
	return rows, nil
}

// Add inserts a notification.
func (n *Notifications) Add(ctx context.Context, rec *models.Notification) error {
	if rec.UserID == "" {
		return fmt.Errorf("store: add notification: user id is required")
	}
	if err := n.db.WithContext(ctx).Create(rec).Error; err != nil {
		return fmt.Errorf("store: add notification: %w", err)
	}
	n.nudge(rec.UserID)
	return nil
}

// MarkRead sets the read flag. Marking an already read notification is not
// an error.
func (n *Notifications) MarkRead(ctx context.Context, userID string, id uint) error {
	res := n.db.WithContext(ctx).Model(&models.Notification{}).
		Where("id = ? AND user_id = ?", id, userID).
		Update("read", true)
	if res.Error != nil {
		return fmt.Errorf("store: mark read %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		// MySQL reports 0 rows for a no-op update; tell that apart from a
		// missing row.
		var count int64
		if err := n.db.WithContext(ctx).Model(&models.Notification{}).
			Where("id = ? AND user_id = ?", id, userID).
			Count(&count).Error; err != nil {
			return fmt.Errorf("store: mark read %d: %w", id, err)
		}
		if count == 0 {
			return fmt.Errorf("store: mark read %d: %w", id, ErrNotFound)
		}
	}
	n.nudge(userID)
	return nil
}

// Delete removes a notification.
func (n *Notifications) Delete(ctx context.Context, userID string, id uint) error {
	res := n.db.WithContext(ctx).
		Where("id = ? AND user_id = ?", id, userID).
		Delete(&models.Notification{})
	if res.Error != nil {
		return fmt.Errorf("store: delete %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("store: delete %d: %w", id, ErrNotFound)
	}
	n.nudge(userID)
	return nil
}

// Subscribe polls the user's feed and calls emit with the full snapshot,
// newest first, on the first poll and whenever the ordered (id, read) list
// changes afterwards. A query error is passed to emit once and ends the
// subscription. The returned cancel stops polling without waiting for a
// tick; it may be called from inside emit.
func (n *Notifications) Subscribe(ctx context.Context, userID string, emit func([]models.Notification, error)) (func(), error) {
	if userID == "" {
		return nil, fmt.Errorf("store: subscribe: user id is required")
	}
	if emit == nil {
		return nil, fmt.Errorf("store: subscribe: emit is required")
	}

	ctx, cancel := context.WithCancel(ctx)
	wake := make(chan struct{}, 1)

	n.mu.Lock()
	n.nextSub++
	id := n.nextSub
	if n.wake[userID] == nil {
		n.wake[userID] = make(map[uint64]chan struct{})
	}
	n.wake[userID][id] = wake
	n.active++
	n.mu.Unlock()

	deliver := func(rows []models.Notification, err error) {
		if ctx.Err() != nil {
			return
		}
		emit(rows, err)
	}

	go func() {
		defer func() {
			n.mu.Lock()
			delete(n.wake[userID], id)
			if len(n.wake[userID]) == 0 {
				delete(n.wake, userID)
			}
			n.active--
			n.mu.Unlock()
		}()
		n.poll(ctx, userID, wake, deliver)
	}()

	var once sync.Once
	return func() { once.Do(cancel) }, nil
}

func (n *Notifications) poll(ctx context.Context, userID string, wake <-chan struct{}, deliver func([]models.Notification, error)) {
	ticker := time.NewTicker(n.interval)
	defer ticker.Stop()

	var last []feedEntry
	first := true
	for {
		rows, err := n.List(ctx, userID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("store: poll %s: %v", userID, err)
			deliver(nil, err)
			return
		}
		cur := entries(rows)
		if first || !sameEntries(last, cur) {
			deliver(rows, nil)
			last = cur
			first = false
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-wake:
		}
	}
}

// nudge wakes every poller of userID.
func (n *Notifications) nudge(userID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, ch := range n.wake[userID] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Active returns the number of running pollers.
func (n *Notifications) Active() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.active
}

func entries(rows []models.Notification) []feedEntry {
	out := make([]feedEntry, len(rows))
	for i, r := range rows {
		out[i] = feedEntry{ID: r.ID, Read: r.Read}
	}
	return out
}

func sameEntries(a, b []feedEntry) bool {
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
