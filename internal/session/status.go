package session

import (
	"github.com/zulandar/waypost/internal/call"
	"github.com/zulandar/waypost/internal/realtime"
)

// Status is the owner's state as reported by the dashboard.
type Status struct {
	UserID     string           `json:"user_id"`
	Started    bool             `json:"started"`
	Connection ConnectionStatus `json:"connection"`
	Call       CallStatus       `json:"call"`
	Feed       FeedStatus       `json:"feed"`
}

// ConnectionStatus mirrors realtime.State.
type ConnectionStatus struct {
	Status    realtime.Status `json:"status"`
	Remote    string          `json:"remote,omitempty"`
	Attempts  int             `json:"attempts,omitempty"`
	LastError string          `json:"last_error,omitempty"`
}

// CallStatus mirrors call.Snapshot.
type CallStatus struct {
	State       call.State     `json:"state"`
	ChannelName string         `json:"channel_name,omitempty"`
	Direction   call.Direction `json:"direction,omitempty"`
	Peer        string         `json:"peer,omitempty"`
	LastOutcome string         `json:"last_outcome,omitempty"`
}

// FeedStatus reports the notification subscription.
type FeedStatus struct {
	Enabled bool   `json:"enabled"`
	Active  bool   `json:"active"`
	Items   int    `json:"items"`
	Unread  int    `json:"unread"`
	Error   string `json:"error,omitempty"`
}

// Status returns a snapshot of the owner.
func (o *Owner) Status() Status {
	o.mu.Lock()
	st := Status{UserID: o.userID, Started: o.started}
	manager, calls, sub := o.manager, o.calls, o.sub
	st.Feed.Enabled = o.cfg.Notifications.Enabled
	o.mu.Unlock()

	st.Connection.Status = realtime.StatusDisconnected
	st.Call.State = call.Idle
	if !st.Started {
		return st
	}

	cs := manager.State()
	st.Connection = ConnectionStatus{
		Status:   cs.Status,
		Remote:   cs.Remote,
		Attempts: cs.Attempts,
	}
	if cs.LastError != nil {
		st.Connection.LastError = cs.LastError.Error()
	}

	snap := calls.State()
	st.Call.State = snap.State
	st.Call.LastOutcome = snap.LastOutcome
	if s := snap.Session; s != nil {
		st.Call.ChannelName = s.ChannelName
		st.Call.Direction = s.Direction
		st.Call.Peer = s.CallerID
		if s.Role == call.RoleCaller {
			st.Call.Peer = s.CalleeID
		}
	}

	if sub != nil {
		st.Feed.Active = sub.Active()
		if err := sub.Err(); err != nil {
			st.Feed.Error = err.Error()
		}
		rows := sub.Snapshot()
		st.Feed.Items = len(rows)
		for _, n := range rows {
			if !n.Read {
				st.Feed.Unread++
			}
		}
	}
	return st
}
