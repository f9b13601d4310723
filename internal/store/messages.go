package store

import (
	"context"
	"fmt"
	"time"

	"github.com/zulandar/waypost/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// MessageLog caches delivered chat messages locally, keyed by server id.
type MessageLog struct {
	db *gorm.DB
}

// NewMessageLog creates a MessageLog.
func NewMessageLog(db *gorm.DB) (*MessageLog, error) {
	if db == nil {
		return nil, fmt.Errorf("store: message log: db is required")
	}
	return &MessageLog{db: db}, nil
}

// SaveMessages inserts messages, merging with rows already stored under the
// same server id. Messages without a server id are skipped.
func (l *MessageLog) SaveMessages(ctx context.Context, msgs []models.ChatMessage) error {
	rows := make([]models.ChatMessage, 0, len(msgs))
	for _, m := range msgs {
		if m.ServerID == "" {
			continue
		}
		m.ID = 0
		rows = append(rows, m)
	}
	if len(rows) == 0 {
		return nil
	}
	err := l.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "server_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"body", "type", "sent_at"}),
	}).Create(&rows).Error
	if err != nil {
		return fmt.Errorf("store: save %d messages: %w", len(rows), err)
	}
	return nil
}

// Conversation returns up to limit cached messages for a conversation key,
// newest first. A limit of 0 returns all.
func (l *MessageLog) Conversation(ctx context.Context, key string, limit int) ([]models.ChatMessage, error) {
	q := l.db.WithContext(ctx).
		Where("conversation_key = ?", key).
		Order("sent_at DESC, id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []models.ChatMessage
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("store: conversation %s: %w", key, err)
	}
	return rows, nil
}

// CallLog records terminated calls.
type CallLog struct {
	db *gorm.DB
}

// NewCallLog creates a CallLog.
func NewCallLog(db *gorm.DB) (*CallLog, error) {
	if db == nil {
		return nil, fmt.Errorf("store: call log: db is required")
	}
	return &CallLog{db: db}, nil
}

// RecordCall inserts one finished call.
func (l *CallLog) RecordCall(ctx context.Context, entry models.CallLog) error {
	entry.ID = 0
	if err := l.db.WithContext(ctx).Create(&entry).Error; err != nil {
		return fmt.Errorf("store: record call %s: %w", entry.ChannelName, err)
	}
	return nil
}

// Recent returns the last limit calls, newest first.
func (l *CallLog) Recent(ctx context.Context, limit int) ([]models.CallLog, error) {
	if limit <= 0 {
		limit = 20
	}
	var rows []models.CallLog
	if err := l.db.WithContext(ctx).
		Order("ended_at DESC, id DESC").
		Limit(limit).
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("store: recent calls: %w", err)
	}
	return rows, nil
}

// PruneResult counts the rows removed by Prune.
type PruneResult struct {
	Messages int64
	Calls    int64
}

// Prune deletes cached messages and call log entries older than cutoff.
// Notifications are server data and are never pruned.
func Prune(ctx context.Context, db *gorm.DB, cutoff time.Time) (PruneResult, error) {
	var res PruneResult
	r := db.WithContext(ctx).Where("sent_at < ?", cutoff).Delete(&models.ChatMessage{})
	if r.Error != nil {
		return res, fmt.Errorf("store: prune messages: %w", r.Error)
	}
	res.Messages = r.RowsAffected

	r = db.WithContext(ctx).Where("ended_at < ?", cutoff).Delete(&models.CallLog{})
	if r.Error != nil {
		return res, fmt.Errorf("store: prune calls: %w", r.Error)
	}
	res.Calls = r.RowsAffected
	return res, nil
}
