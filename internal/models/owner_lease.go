package models

import "time"

// OwnerLease records which process owns a user's realtime session. At most
// one lease per user is active; a lease whose heartbeat is older than the
// timeout may be taken over.
type OwnerLease struct {
	ID            uint      `gorm:"primaryKey;autoIncrement"`
	UserID        string    `gorm:"size:64;not null;index:idx_user_status"`
	Holder        string    `gorm:"size:128;not null"` // host:pid
	Status        string    `gorm:"size:16;default:active;index:idx_user_status"` // active, released, expired
	LastHeartbeat time.Time `gorm:"index"`
	CreatedAt     time.Time
	ReleasedAt    *time.Time
}
