// Package realtime owns the single authenticated, reconnecting event channel
// between a logged-in client and the Waypost server.
package realtime

import (
	"encoding/json"
	"fmt"
	"time"
)

// Event names carried over the wire.
const (
	EventUserConnected  = "user_connected"
	EventReceiveMessage = "receive_message"

	EventIncomingCall = "incoming_call"
	EventAcceptCall   = "accept_call"
	EventRejectCall   = "reject_call"
	EventCallCanceled = "call_canceled"
	EventCallTimeout  = "call_timeout"
	EventCallEnded    = "call_ended"
	EventCallRejected = "call_rejected"

	EventNewMessage   = "newMessage"
	EventSendMessage  = "sendMessage"
	EventJoinChat     = "joinChat"
	EventMessageError = "messageError"
	EventTyping       = "typing"
	EventStopTyping   = "stopTyping"
)

// Lifecycle events are dispatched locally by the Manager, never sent.
const (
	EventConnect      = "connect"
	EventDisconnect   = "disconnect"
	EventConnectError = "connect_error"
)

// EventAny subscribes a handler to every event.
const EventAny = "*"

// Event is one frame on the channel: {"event": name, "data": payload}.
type Event struct {
	Name string          `json:"event"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Decode unmarshals the event payload into v.
func (e Event) Decode(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("realtime: %s: empty payload", e.Name)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("realtime: decode %s: %w", e.Name, err)
	}
	return nil
}

// NewEvent marshals payload into an Event. A nil payload produces no data.
func NewEvent(name string, payload any) (Event, error) {
	if payload == nil {
		return Event{Name: name}, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("realtime: encode %s: %w", name, err)
	}
	return Event{Name: name, Data: data}, nil
}

// UserConnected announces the session user after each connect.
type UserConnected struct {
	UserID string `json:"userId"`
}

// CallPayload is shared by every call signaling event.
type CallPayload struct {
	ChannelName string `json:"channelName"`
	CallerID    string `json:"callerId"`
	CalleeID    string `json:"calleeId,omitempty"`
	CallerName  string `json:"callerName,omitempty"`
	CallerPhoto string `json:"callerPhoto,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// ChatPayload is the body of sendMessage and newMessage.
type ChatPayload struct {
	ID         string    `json:"_id,omitempty"`
	SenderID   string    `json:"senderId"`
	ReceiverID string    `json:"receiverId"`
	Text       string    `json:"text"`
	Type       string    `json:"type"`
	ClientID   string    `json:"clientId,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// JoinPayload scopes message delivery to one conversation.
type JoinPayload struct {
	SenderID   string `json:"senderId"`
	ReceiverID string `json:"receiverId"`
}

// TypingPayload is the body of typing and stopTyping.
type TypingPayload struct {
	SenderID   string `json:"senderId"`
	ReceiverID string `json:"receiverId"`
}

// MessageErrorPayload reports a server-side delivery failure.
type MessageErrorPayload struct {
	ClientID string `json:"clientId"`
	Error    string `json:"error"`
}

// Sender is the display identity attached to receive_message.
type Sender struct {
	ID       string `json:"_id"`
	Username string `json:"username"`
	Avatar   string `json:"avatar"`
}

// ReceivedMessage is the body of receive_message.
type ReceivedMessage struct {
	Sender    Sender    `json:"sender"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

// StatusPayload is the body of the lifecycle events.
type StatusPayload struct {
	Status  Status `json:"status"`
	Attempt int    `json:"attempt,omitempty"`
	Error   string `json:"error,omitempty"`
}
