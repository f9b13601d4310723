// Package chat runs one conversation over the realtime channel: optimistic
// sends acknowledged by the server, and typing indicators in both
// directions.
package chat

import (
	"context"
	"fmt"
	"time"

	"github.com/zulandar/waypost/internal/api"
	"github.com/zulandar/waypost/internal/models"
)

// Status is the delivery status of a message.
type Status string

const (
	StatusPending Status = "pending"
	StatusSent    Status = "sent"
	StatusFailed  Status = "failed"
)

// DefaultType is the message type sent for plain text.
const DefaultType = "text"

// ConversationKey identifies a conversation by its unordered participant
// pair.
type ConversationKey struct {
	Low, High string
}

// Key returns the key for the conversation between a and b. Key(a, b) ==
// Key(b, a).
func Key(a, b string) ConversationKey {
	if b < a {
		a, b = b, a
	}
	return ConversationKey{Low: a, High: b}
}

func (k ConversationKey) String() string {
	return k.Low + ":" + k.High
}

// Message is one chat message. ID is the local id given at send time;
// ServerID is set once the server acknowledges it.
type Message struct {
	ID         string
	ServerID   string
	Key        ConversationKey
	SenderID   string
	ReceiverID string
	Body       string
	Type       string
	CreatedAt  time.Time
	Status     Status
	Error      string // server-reported reason for StatusFailed
}

// SendError is a message that could not be delivered: the channel was down
// at send time, the write failed, or the server reported an error.
type SendError struct {
	MessageID string // empty when no message was created
	Err       error
}

func (e *SendError) Error() string {
	if e.MessageID == "" {
		return fmt.Sprintf("chat: send: %v", e.Err)
	}
	return fmt.Sprintf("chat: send %s: %v", e.MessageID, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// History loads earlier messages of a conversation, oldest first.
type History interface {
	ChatHistory(ctx context.Context, userID, receiverID string) ([]api.HistoryMessage, error)
}

// Log persists acknowledged and received messages.
type Log interface {
	SaveMessages(ctx context.Context, msgs []models.ChatMessage) error
}

// toModel converts a delivered message for the local log.
func toModel(m Message) models.ChatMessage {
	return models.ChatMessage{
		ServerID:        m.ServerID,
		ConversationKey: m.Key.String(),
		SenderID:        m.SenderID,
		ReceiverID:      m.ReceiverID,
		Body:            m.Body,
		Type:            m.Type,
		SentAt:          m.CreatedAt,
	}
}
