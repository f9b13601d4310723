package models

import "time"

// ChatMessage is the local log entry for a chat message that was
// acknowledged by the server or loaded from history.
type ChatMessage struct {
	ID              uint      `gorm:"primaryKey;autoIncrement"`
	ServerID        string    `gorm:"size:64;uniqueIndex"`
	ConversationKey string    `gorm:"size:160;not null;index"`
	SenderID        string    `gorm:"size:64;not null"`
	ReceiverID      string    `gorm:"size:64;not null"`
	Body            string    `gorm:"type:text"`
	Type            string    `gorm:"size:16;default:text"`
	SentAt          time.Time `gorm:"index"`
	CreatedAt       time.Time
}
