package call

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/zulandar/waypost/internal/api"
	"github.com/zulandar/waypost/internal/metrics"
	"github.com/zulandar/waypost/internal/models"
	"github.com/zulandar/waypost/internal/realtime"
	"github.com/zulandar/waypost/internal/route"
)

// terminalEvents maps remote events that end a call to the recorded state.
var terminalEvents = map[string]State{
	realtime.EventCallCanceled: Canceled,
	realtime.EventCallTimeout:  TimedOut,
	realtime.EventCallEnded:    Ended,
	realtime.EventCallRejected: Rejected,
	realtime.EventRejectCall:   Rejected,
}

// Controller owns at most one call at a time. Inbound events arrive on the
// channel's dispatch goroutine; Accept, Reject, Place and Cancel are called
// from the UI. Presenter and Navigator callbacks run without the lock held.
type Controller struct {
	ch        realtime.Channel
	api       API
	presenter Presenter
	nav       route.Navigator
	recorder  Recorder
	metrics   *metrics.Metrics
	now       func() time.Time

	mu          sync.Mutex
	state       State
	session     *Session
	answering   bool // accept or reject REST call in flight
	lastOutcome string

	unsubs []func()
}

// ControllerOpts holds parameters for creating a Controller.
type ControllerOpts struct {
	Channel   realtime.Channel
	API       API
	Presenter Presenter
	Navigator route.Navigator
	Recorder  Recorder         // optional
	Metrics   *metrics.Metrics // optional
	Now       func() time.Time // optional, for tests
}

// NewController creates an Idle Controller subscribed to the call events.
func NewController(opts ControllerOpts) (*Controller, error) {
	if opts.Channel == nil {
		return nil, fmt.Errorf("call: channel is required")
	}
	if opts.API == nil {
		return nil, fmt.Errorf("call: api is required")
	}
	if opts.Presenter == nil {
		return nil, fmt.Errorf("call: presenter is required")
	}
	if opts.Navigator == nil {
		return nil, fmt.Errorf("call: navigator is required")
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	c := &Controller{
		ch:        opts.Channel,
		api:       opts.API,
		presenter: opts.Presenter,
		nav:       opts.Navigator,
		recorder:  opts.Recorder,
		metrics:   opts.Metrics,
		now:       now,
		state:     Idle,
	}

	c.unsubs = append(c.unsubs,
		c.ch.On(realtime.EventIncomingCall, c.onIncoming),
		c.ch.On(realtime.EventAcceptCall, c.onRemoteAccept),
	)
	for name := range terminalEvents {
		name := name
		c.unsubs = append(c.unsubs, c.ch.On(name, func(ev realtime.Event) { c.onTerminal(name, ev) }))
	}
	return c, nil
}

// Close removes the controller's event handlers.
func (c *Controller) Close() {
	for _, off := range c.unsubs {
		off()
	}
	c.unsubs = nil
}

// State returns a snapshot of the controller.
func (c *Controller) State() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap := Snapshot{State: c.state, LastOutcome: c.lastOutcome}
	if c.session != nil {
		s := *c.session
		snap.Session = &s
	}
	return snap
}

// Accept answers the ringing incoming call. On success it emits accept_call
// and navigates to the call screen as the non-initiator. The controller is
// Idle afterwards whatever the outcome.
func (c *Controller) Accept(ctx context.Context) error {
	s, err := c.beginAnswer("accept")
	if err != nil {
		return err
	}

	req := api.CallRequest{ChannelName: s.ChannelName, CallerID: s.CallerID}
	res, err := c.api.AcceptCall(ctx, req)
	if err == nil && !res.Success {
		err = fmt.Errorf("server declined: %s", res.Message)
	}

	current := c.finishAnswer(s, err == nil, Accepted)
	c.presenter.Dismiss(s.ChannelName)
	if err != nil {
		return c.surface(&SignalingError{Op: "accept", Err: err})
	}
	if !current {
		return c.surface(&SignalingError{Op: "accept", Err: ErrCallGone})
	}

	if err := c.ch.Emit(realtime.EventAcceptCall, realtime.CallPayload{
		ChannelName: s.ChannelName,
		CallerID:    s.CallerID,
		CalleeID:    c.ch.UserID(),
	}); err != nil {
		log.Printf("call: emit accept_call for %s: %v", s.ChannelName, err)
	}
	if err := c.nav.Navigate(ctx, route.CallScreen(s.ChannelName, false)); err != nil {
		return fmt.Errorf("call: navigate to call %s: %w", s.ChannelName, err)
	}
	return nil
}

// Reject declines the ringing incoming call and emits reject_call on
// success. The controller is Idle afterwards whatever the outcome.
func (c *Controller) Reject(ctx context.Context) error {
	s, err := c.beginAnswer("reject")
	if err != nil {
		return err
	}

	req := api.CallRequest{ChannelName: s.ChannelName, CallerID: s.CallerID}
	res, err := c.api.RejectCall(ctx, req)
	if err == nil && !res.Success {
		err = fmt.Errorf("server declined: %s", res.Message)
	}

	current := c.finishAnswer(s, err == nil, Rejected)
	c.presenter.Dismiss(s.ChannelName)
	if err != nil {
		return c.surface(&SignalingError{Op: "reject", Err: err})
	}
	if !current {
		return nil
	}

	if err := c.ch.Emit(realtime.EventRejectCall, realtime.CallPayload{
		ChannelName: s.ChannelName,
		CallerID:    s.CallerID,
	}); err != nil {
		log.Printf("call: emit reject_call for %s: %v", s.ChannelName, err)
	}
	return nil
}

// Place rings calleeID on channelName. The controller is Ringing (outgoing)
// while incoming_call is sent, so a concurrent incoming call is turned away
// as busy, and falls back to Idle if the send fails.
func (c *Controller) Place(ctx context.Context, calleeID, channelName string) error {
	if calleeID == "" || channelName == "" {
		return fmt.Errorf("call: place: callee and channel name are required")
	}
	self := c.ch.UserID()

	c.mu.Lock()
	if !canTransition(c.state, Ringing) {
		st := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w: place while %s", ErrInvalidTransition, st)
	}
	s := &Session{
		ChannelName: channelName,
		CallerID:    self,
		CalleeID:    calleeID,
		Role:        RoleCaller,
		Direction:   Outgoing,
		CreatedAt:   c.now(),
	}
	c.session = s
	c.state = Ringing
	c.mu.Unlock()

	err := c.ch.Emit(realtime.EventIncomingCall, realtime.CallPayload{
		ChannelName: channelName,
		CallerID:    self,
		CalleeID:    calleeID,
	})

	c.mu.Lock()
	defer c.mu.Unlock()
	current := c.session == s
	if err != nil {
		if current {
			c.session = nil
			c.state = Idle
		}
		return &SignalingError{Op: "place", Err: err}
	}
	if !current {
		log.Printf("call: %s ended while ringing %s", channelName, calleeID)
		return nil
	}
	log.Printf("call: ringing %s on %s", calleeID, channelName)
	return nil
}

// Cancel withdraws the outgoing call. The controller is Idle afterwards
// even when call_canceled cannot be sent.
func (c *Controller) Cancel(ctx context.Context) error {
	c.mu.Lock()
	if c.state != Ringing || c.session.Direction != Outgoing {
		st := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w: cancel while %s", ErrInvalidTransition, st)
	}
	s := *c.session
	emitErr := c.ch.Emit(realtime.EventCallCanceled, realtime.CallPayload{
		ChannelName: s.ChannelName,
		CallerID:    s.CallerID,
		CalleeID:    s.CalleeID,
	})
	entry := c.endLocked(string(Canceled), Canceled)
	c.mu.Unlock()

	c.record(entry)
	c.presenter.Dismiss(s.ChannelName)
	if emitErr != nil {
		return &SignalingError{Op: "cancel", Err: emitErr}
	}
	return nil
}

// beginAnswer checks that an incoming call is ringing and marks an answer
// in flight.
func (c *Controller) beginAnswer(op string) (*Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Ringing || c.session.Direction != Incoming {
		return nil, fmt.Errorf("%w: %s while %s", ErrInvalidTransition, op, c.state)
	}
	if c.answering {
		return nil, fmt.Errorf("%w: %s already in progress", ErrInvalidTransition, op)
	}
	c.answering = true
	return c.session, nil
}

// finishAnswer settles an answer attempt for s. It reports whether s was
// still the active call; if it was torn down remotely in the meantime
// nothing changes.
func (c *Controller) finishAnswer(s *Session, ok bool, success State) bool {
	c.mu.Lock()
	c.answering = false
	if c.session != s {
		c.mu.Unlock()
		return false
	}
	var entry models.CallLog
	if ok {
		entry = c.endLocked(string(success), success)
	} else {
		entry = c.endLocked(OutcomeFailed, Idle)
	}
	c.mu.Unlock()
	c.record(entry)
	return true
}

// endLocked passes through terminal (or straight to Idle) and clears the
// session. It returns the call log entry to record once the lock is
// released.
func (c *Controller) endLocked(outcome string, terminal State) models.CallLog {
	if !canTransition(c.state, terminal) {
		log.Printf("call: unexpected transition %s -> %s", c.state, terminal)
	}
	c.state = terminal
	s := c.session
	entry := models.CallLog{
		ChannelName: s.ChannelName,
		CallerID:    s.CallerID,
		CalleeID:    s.CalleeID,
		Role:        string(s.Role),
		Outcome:     outcome,
		StartedAt:   s.CreatedAt,
		EndedAt:     c.now(),
	}
	c.session = nil
	c.lastOutcome = outcome
	c.state = Idle
	return entry
}

func (c *Controller) record(entry models.CallLog) {
	c.metrics.CallOutcome(entry.Outcome)
	log.Printf("call: %s %s (%s)", entry.ChannelName, entry.Outcome, entry.Role)
	if c.recorder == nil {
		return
	}
	if err := c.recorder.RecordCall(context.Background(), entry); err != nil {
		log.Printf("call: record %s: %v", entry.ChannelName, err)
	}
}

func (c *Controller) surface(err error) error {
	c.presenter.ShowError(err)
	return err
}

func (c *Controller) onIncoming(ev realtime.Event) {
	var p realtime.CallPayload
	if err := ev.Decode(&p); err != nil {
		log.Printf("call: %v", err)
		return
	}
	if p.ChannelName == "" || p.CallerID == "" {
		log.Printf("call: incoming_call without channel or caller, ignored")
		return
	}
	self := c.ch.UserID()
	if p.CallerID == self {
		return
	}

	c.mu.Lock()
	if c.state != Idle {
		duplicate := c.session != nil && c.session.ChannelName == p.ChannelName
		c.mu.Unlock()
		if !duplicate {
			c.rejectBusy(p, self)
		}
		return
	}
	s := &Session{
		ChannelName: p.ChannelName,
		CallerID:    p.CallerID,
		CalleeID:    self,
		CallerName:  p.CallerName,
		CallerPhoto: p.CallerPhoto,
		Role:        RoleCallee,
		Direction:   Incoming,
		CreatedAt:   c.now(),
	}
	c.session = s
	c.state = Ringing
	c.mu.Unlock()

	log.Printf("call: incoming from %s on %s", p.CallerID, p.ChannelName)
	c.presenter.PresentIncoming(*s)
}

// rejectBusy turns away a second call while one is active.
func (c *Controller) rejectBusy(p realtime.CallPayload, self string) {
	log.Printf("call: busy, rejecting %s from %s", p.ChannelName, p.CallerID)
	if err := c.ch.Emit(realtime.EventRejectCall, realtime.CallPayload{
		ChannelName: p.ChannelName,
		CallerID:    p.CallerID,
		Reason:      OutcomeBusy,
	}); err != nil {
		log.Printf("call: emit busy reject for %s: %v", p.ChannelName, err)
	}
	now := c.now()
	c.record(models.CallLog{
		ChannelName: p.ChannelName,
		CallerID:    p.CallerID,
		CalleeID:    self,
		Role:        string(RoleCallee),
		Outcome:     OutcomeBusy,
		StartedAt:   now,
		EndedAt:     now,
	})
}

// onRemoteAccept completes an outgoing call the callee answered.
func (c *Controller) onRemoteAccept(ev realtime.Event) {
	var p realtime.CallPayload
	if err := ev.Decode(&p); err != nil {
		log.Printf("call: %v", err)
		return
	}

	c.mu.Lock()
	if c.state != Ringing || c.session.Direction != Outgoing || !matches(c.session, p.ChannelName) {
		c.mu.Unlock()
		return
	}
	channel := c.session.ChannelName
	entry := c.endLocked(string(Accepted), Accepted)
	c.mu.Unlock()

	c.record(entry)
	c.presenter.Dismiss(channel)
	if err := c.nav.Navigate(context.Background(), route.CallScreen(channel, true)); err != nil {
		log.Printf("call: navigate to call %s: %v", channel, err)
	}
}

// onTerminal resets to Idle when the server ends the active call.
func (c *Controller) onTerminal(name string, ev realtime.Event) {
	var p realtime.CallPayload
	if len(ev.Data) > 0 {
		if err := ev.Decode(&p); err != nil {
			log.Printf("call: %v", err)
			return
		}
	}

	c.mu.Lock()
	if c.state == Idle || !matches(c.session, p.ChannelName) {
		c.mu.Unlock()
		return
	}
	channel := c.session.ChannelName
	outcome := terminalEvents[name]
	entry := c.endLocked(string(outcome), outcome)
	c.mu.Unlock()

	c.record(entry)
	c.presenter.Dismiss(channel)
}

// matches reports whether an event naming channel applies to s. Events
// without a channel name apply to whatever call is active.
func matches(s *Session, channel string) bool {
	return s != nil && (channel == "" || channel == s.ChannelName)
}
