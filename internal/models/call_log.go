package models

import "time"

// CallLog records one terminated call negotiation.
type CallLog struct {
	ID          uint   `gorm:"primaryKey;autoIncrement"`
	ChannelName string `gorm:"size:128;not null;index"`
	CallerID    string `gorm:"size:64;not null"`
	CalleeID    string `gorm:"size:64"`
	Role        string `gorm:"size:8;not null"`  // caller, callee
	Outcome     string `gorm:"size:16;not null"` // accepted, rejected, timed_out, canceled, ended
	StartedAt   time.Time
	EndedAt     time.Time
}
