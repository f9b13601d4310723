// Package session owns everything that lives for one logged-in user: the
// realtime connection, the call controller, the notification feed, chat
// sessions and the local log retention.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"time"

	"github.com/zulandar/waypost/internal/alert"
	"github.com/zulandar/waypost/internal/call"
	"github.com/zulandar/waypost/internal/chat"
	"github.com/zulandar/waypost/internal/config"
	"github.com/zulandar/waypost/internal/metrics"
	"github.com/zulandar/waypost/internal/models"
	"github.com/zulandar/waypost/internal/notify"
	"github.com/zulandar/waypost/internal/realtime"
	"github.com/zulandar/waypost/internal/route"
	"github.com/zulandar/waypost/internal/store"
	"gorm.io/gorm"
)

// API is the REST surface the session needs.
type API interface {
	call.API
	chat.History
}

// Owner is the per-user process. It is built once, started with Start and
// torn down with Stop; Run does both around a context.
type Owner struct {
	db        *gorm.DB
	cfg       *config.Config
	transport realtime.Transport
	api       API
	alerter   alert.Alerter
	nav       route.Navigator
	presenter call.Presenter
	metrics   *metrics.Metrics
	out       io.Writer

	mu       sync.Mutex
	userID   string
	manager  *realtime.Manager
	calls    *call.Controller
	feed     *notify.Feed
	sub      *notify.Subscription
	messages *store.MessageLog
	callLog  *store.CallLog
	leaseID  uint
	unsubs   []func()
	stop     context.CancelFunc
	started  bool
}

// OwnerOpts holds parameters for creating an Owner.
type OwnerOpts struct {
	DB        *gorm.DB
	Config    *config.Config
	Transport realtime.Transport
	API       API
	Alerter   alert.Alerter
	Navigator route.Navigator  // defaults to a LogNavigator on Out
	Presenter call.Presenter   // defaults to an AlertPresenter
	Metrics   *metrics.Metrics // optional
	Out       io.Writer        // defaults to os.Stdout
}

// NewOwner creates an Owner with the given options.
func NewOwner(opts OwnerOpts) (*Owner, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("session: db is required")
	}
	if opts.Config == nil {
		return nil, fmt.Errorf("session: config is required")
	}
	if opts.Transport == nil {
		return nil, fmt.Errorf("session: transport is required")
	}
	if opts.API == nil {
		return nil, fmt.Errorf("session: api is required")
	}
	if opts.Alerter == nil {
		return nil, fmt.Errorf("session: alerter is required")
	}
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	nav := opts.Navigator
	if nav == nil {
		nav = route.LogNavigator{Out: out}
	}
	presenter := opts.Presenter
	if presenter == nil {
		presenter = &AlertPresenter{Alerter: opts.Alerter, Out: out}
	}
	return &Owner{
		db:        opts.DB,
		cfg:       opts.Config,
		transport: opts.Transport,
		api:       opts.API,
		alerter:   opts.Alerter,
		nav:       nav,
		presenter: presenter,
		metrics:   opts.Metrics,
		out:       out,
	}, nil
}

// Run starts the owner, blocks until ctx is cancelled, then stops it.
func (o *Owner) Run(ctx context.Context) error {
	if err := o.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	fmt.Fprintf(o.out, "Waypost shutting down...\n")
	o.Stop()
	fmt.Fprintf(o.out, "Waypost stopped\n")
	return nil
}

// Start builds the subsystems, opens the connection with the configured
// credential and starts the feed and retention schedule. It returns
// realtime.ErrNoSession when no token is configured.
func (o *Owner) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.started {
		return fmt.Errorf("session: already started")
	}

	token, err := o.cfg.ResolveToken()
	if err != nil {
		return fmt.Errorf("session: %w", err)
	}
	cred := realtime.Credential{Token: token, UserID: o.cfg.Session.UserID}
	if cred.Empty() {
		return fmt.Errorf("session: %w", realtime.ErrNoSession)
	}

	lease, err := store.AcquireLease(ctx, o.db, cred.UserID, leaseHolder(), store.DefaultLeaseTimeout)
	if err != nil {
		return fmt.Errorf("session: %w", err)
	}
	release := func() {
		if err := store.ReleaseLease(context.WithoutCancel(ctx), o.db, lease.ID); err != nil {
			log.Printf("session: %v", err)
		}
	}

	messages, err := store.NewMessageLog(o.db)
	if err != nil {
		release()
		return err
	}
	callLog, err := store.NewCallLog(o.db)
	if err != nil {
		release()
		return err
	}

	manager, err := realtime.NewManager(realtime.ManagerOpts{
		Transport: o.transport,
		Policy: realtime.Policy{
			MaxAttempts: o.cfg.Reconnect.MaxAttempts,
			Delay:       time.Duration(o.cfg.Reconnect.DelayMs) * time.Millisecond,
		},
		Metrics: o.metrics,
	})
	if err != nil {
		release()
		return fmt.Errorf("session: build manager: %w", err)
	}

	calls, err := call.NewController(call.ControllerOpts{
		Channel:   manager,
		API:       o.api,
		Presenter: o.presenter,
		Navigator: o.nav,
		Recorder:  callLog,
		Metrics:   o.metrics,
	})
	if err != nil {
		release()
		return fmt.Errorf("session: build call controller: %w", err)
	}

	unsubs := []func(){
		manager.On(realtime.EventReceiveMessage, o.onReceiveMessage),
		manager.On(realtime.EventConnect, o.logLifecycle),
		manager.On(realtime.EventDisconnect, o.logLifecycle),
		manager.On(realtime.EventConnectError, o.logLifecycle),
	}

	fmt.Fprintf(o.out, "Waypost connecting as %s...\n", cred.UserID)
	if err := manager.Open(ctx, cred); err != nil {
		calls.Close()
		for _, off := range unsubs {
			off()
		}
		manager.Close()
		release()
		return fmt.Errorf("session: open: %w", err)
	}

	runCtx, stop := context.WithCancel(context.WithoutCancel(ctx))
	o.userID = cred.UserID
	o.manager = manager
	o.calls = calls
	o.messages = messages
	o.callLog = callLog
	o.leaseID = lease.ID
	o.unsubs = unsubs
	o.stop = stop
	o.started = true

	if o.cfg.Notifications.Enabled {
		if err := o.startFeedLocked(runCtx); err != nil {
			log.Printf("session: notifications disabled: %v", err)
		}
	}
	go o.runRetention(runCtx)
	go o.runLeaseHeartbeat(runCtx, lease.ID, store.DefaultLeaseTimeout/3)

	fmt.Fprintf(o.out, "Waypost online\n")
	return nil
}

func (o *Owner) startFeedLocked(ctx context.Context) error {
	st, err := store.NewNotifications(store.NotificationsOpts{
		DB:           o.db,
		PollInterval: time.Duration(o.cfg.Notifications.PollIntervalSec) * time.Second,
	})
	if err != nil {
		return err
	}
	feed, err := notify.NewFeed(notify.FeedOpts{
		Store:     st,
		Alerter:   o.alerter,
		Navigator: o.nav,
		Metrics:   o.metrics,
	})
	if err != nil {
		return err
	}
	sub, err := feed.Subscribe(ctx, o.userID, func([]models.Notification) {}, func(err error) {
		fmt.Fprintf(o.out, "Notifications stopped: %v\n", err)
	})
	if err != nil {
		return err
	}
	o.feed = feed
	o.sub = sub
	return nil
}

// Stop ends the feed, detaches every handler and closes the connection.
// Safe to call more than once.
func (o *Owner) Stop() {
	o.mu.Lock()
	if !o.started {
		o.mu.Unlock()
		return
	}
	o.started = false
	stop, feed, calls, manager, unsubs, leaseID := o.stop, o.feed, o.calls, o.manager, o.unsubs, o.leaseID
	o.feed, o.sub, o.unsubs = nil, nil, nil
	o.mu.Unlock()

	stop()
	if feed != nil {
		feed.Close()
	}
	calls.Close()
	for _, off := range unsubs {
		off()
	}
	if err := manager.Close(); err != nil {
		log.Printf("session: close connection: %v", err)
	}
	if err := store.ReleaseLease(context.Background(), o.db, leaseID); err != nil {
		log.Printf("session: %v", err)
	}
}

// runLeaseHeartbeat keeps the session lease alive until ctx is cancelled.
func (o *Owner) runLeaseHeartbeat(ctx context.Context, leaseID uint, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := store.HeartbeatLease(ctx, o.db, leaseID); err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Printf("session: lease lost: %v", err)
				fmt.Fprintf(o.out, "Session lease lost; another process may take over\n")
				return
			}
		}
	}
}

// leaseHolder names this process in the lease table.
func leaseHolder() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("%s:%d", host, os.Getpid())
}

// ErrNotStarted is returned by operations that need a running owner.
var ErrNotStarted = errors.New("session: not started")

// Calls returns the call controller.
func (o *Owner) Calls() (*call.Controller, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.started {
		return nil, ErrNotStarted
	}
	return o.calls, nil
}

// Feed returns the notification feed, or nil when notifications are off.
func (o *Owner) Feed() *notify.Feed {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.feed
}

// AcceptCall answers the ringing call.
func (o *Owner) AcceptCall(ctx context.Context) error {
	c, err := o.Calls()
	if err != nil {
		return err
	}
	return c.Accept(ctx)
}

// RejectCall declines the ringing call.
func (o *Owner) RejectCall(ctx context.Context) error {
	c, err := o.Calls()
	if err != nil {
		return err
	}
	return c.Reject(ctx)
}

// RecentCalls returns the newest entries of the call log.
func (o *Owner) RecentCalls(ctx context.Context, limit int) ([]models.CallLog, error) {
	o.mu.Lock()
	l := o.callLog
	o.mu.Unlock()
	if l == nil {
		return nil, ErrNotStarted
	}
	return l.Recent(ctx, limit)
}

// OpenChat starts a chat session with peerID over the owner's connection
// and joins it. The caller closes it.
func (o *Owner) OpenChat(ctx context.Context, peerID string, onUpdate func(chat.Message)) (*chat.Session, error) {
	o.mu.Lock()
	if !o.started {
		o.mu.Unlock()
		return nil, ErrNotStarted
	}
	manager, messages := o.manager, o.messages
	o.mu.Unlock()

	s, err := chat.NewSession(chat.SessionOpts{
		Channel:      manager,
		PeerID:       peerID,
		History:      o.api,
		Log:          messages,
		Metrics:      o.metrics,
		TypingWindow: time.Duration(o.cfg.Chat.TypingWindowMs) * time.Millisecond,
		OnUpdate:     onUpdate,
	})
	if err != nil {
		return nil, err
	}
	if err := s.Join(ctx); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// CachedConversation returns locally logged messages with peerID, newest
// first.
func (o *Owner) CachedConversation(ctx context.Context, peerID string, limit int) ([]models.ChatMessage, error) {
	o.mu.Lock()
	l, self := o.messages, o.userID
	o.mu.Unlock()
	if l == nil {
		return nil, ErrNotStarted
	}
	return l.Conversation(ctx, chat.Key(self, peerID).String(), limit)
}

// onReceiveMessage turns a direct message into a toast that opens the chat.
func (o *Owner) onReceiveMessage(ev realtime.Event) {
	var msg realtime.ReceivedMessage
	if err := ev.Decode(&msg); err != nil {
		log.Printf("session: %v", err)
		return
	}
	a := MessageAlert(msg)
	if target, err := route.Resolve(route.KindMessage, route.Fields{Sender: msg.Sender.ID}); err == nil {
		a.Target = target
		a.OnPress = func(ctx context.Context) error { return o.nav.Navigate(ctx, target) }
	}
	o.metrics.AlertRaised(a.Kind)
	if err := o.alerter.Raise(context.Background(), a); err != nil {
		log.Printf("session: raise message alert: %v", err)
	}
}

// MessageAlert builds the toast for a receive_message event.
func MessageAlert(msg realtime.ReceivedMessage) alert.Alert {
	title := msg.Sender.Username
	if title == "" {
		title = "New message"
	}
	ts := msg.CreatedAt
	if ts.IsZero() {
		ts = time.Now()
	}
	return alert.Alert{
		Kind:  alert.KindMessage,
		Title: title,
		Body:  msg.Content,
		Color: alert.ColorFor(alert.KindMessage),
		Time:  ts,
	}
}

func (o *Owner) logLifecycle(ev realtime.Event) {
	var p realtime.StatusPayload
	if err := ev.Decode(&p); err != nil {
		fmt.Fprintf(o.out, "Connection: %s\n", ev.Name)
		return
	}
	switch {
	case p.Error != "":
		fmt.Fprintf(o.out, "Connection %s (attempt %d): %s\n", ev.Name, p.Attempt, p.Error)
	default:
		fmt.Fprintf(o.out, "Connection %s\n", p.Status)
	}
}
