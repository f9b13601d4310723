package models

import "time"

// Notification is one server-authoritative entry in a user's notification
// feed. Only Read is mutable, and only from false to true.
type Notification struct {
	ID           uint      `gorm:"primaryKey;autoIncrement"`
	UserID       string    `gorm:"size:64;not null;index:idx_user_created"`
	Type         string    `gorm:"size:32;not null"` // like, comment, follow, ...
	SenderID     string    `gorm:"size:64"`
	SenderName   string    `gorm:"size:128"`
	SenderAvatar string    `gorm:"size:512"`
	PostID       string    `gorm:"size:64"`
	TargetUserID string    `gorm:"size:64"`
	ReportID     string    `gorm:"size:64"`
	Message      string    `gorm:"size:512"`
	Read         bool      `gorm:"default:false"`
	CreatedAt    time.Time `gorm:"index:idx_user_created"`
}
