// Package call runs the single-call signaling state machine on top of the
// realtime channel.
package call

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/zulandar/waypost/internal/api"
	"github.com/zulandar/waypost/internal/models"
)

// State is the controller state. Accepted, Rejected, TimedOut, Canceled and
// Ended are terminal: the controller records them and returns to Idle in
// the same step.
type State string

const (
	Idle     State = "idle"
	Ringing  State = "ringing"
	Accepted State = "accepted"
	Rejected State = "rejected"
	TimedOut State = "timed_out"
	Canceled State = "canceled"
	Ended    State = "ended"
)

// Direction tells who placed a ringing call.
type Direction string

const (
	Incoming Direction = "incoming"
	Outgoing Direction = "outgoing"
)

// Role of the local user in a call.
type Role string

const (
	RoleCaller Role = "caller"
	RoleCallee Role = "callee"
)

// Outcomes logged for calls that never reach a terminal state.
const (
	OutcomeFailed = "failed"
	OutcomeBusy   = "busy"
)

// transitions lists the legal moves. Ringing may fall straight back to Idle
// when answering fails.
var transitions = map[State][]State{
	Idle:     {Ringing},
	Ringing:  {Accepted, Rejected, TimedOut, Canceled, Ended, Idle},
	Accepted: {Idle},
	Rejected: {Idle},
	TimedOut: {Idle},
	Canceled: {Idle},
	Ended:    {Idle},
}

func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

var (
	// ErrInvalidTransition is returned when an operation is not legal in
	// the current state.
	ErrInvalidTransition = errors.New("call: invalid transition")
	// ErrCallGone is returned when the call ended remotely while it was
	// being answered.
	ErrCallGone = errors.New("call: call ended while answering")
)

// SignalingError is a failed accept, reject, place or cancel. The controller
// is Idle (or unchanged, for place) when one is returned.
type SignalingError struct {
	Op  string
	Err error
}

func (e *SignalingError) Error() string {
	return fmt.Sprintf("call: %s: %v", e.Op, e.Err)
}

func (e *SignalingError) Unwrap() error { return e.Err }

// Session is the one call being negotiated. ChannelName doubles as the
// call id.
type Session struct {
	ChannelName string
	CallerID    string
	CalleeID    string
	CallerName  string
	CallerPhoto string
	Role        Role
	Direction   Direction
	CreatedAt   time.Time
}

// Snapshot is a point-in-time view of the controller.
type Snapshot struct {
	State       State
	Session     *Session // nil when Idle
	LastOutcome string   // outcome of the most recent call, if any
}

// API is the REST side of answering a call.
type API interface {
	AcceptCall(ctx context.Context, req api.CallRequest) (api.Result, error)
	RejectCall(ctx context.Context, req api.CallRequest) (api.Result, error)
}

// Presenter shows and hides the incoming-call prompt. Implemented by the UI.
type Presenter interface {
	PresentIncoming(s Session)
	Dismiss(channelName string)
	ShowError(err error)
}

// Recorder persists finished calls.
type Recorder interface {
	RecordCall(ctx context.Context, entry models.CallLog) error
}
