package db

import (
	"fmt"

	"github.com/zulandar/waypost/internal/models"
	"gorm.io/gorm"
)

// AllModels returns every GORM model owned by Waypost.
func AllModels() []interface{} {
	return []interface{}{
		&models.Notification{},
		&models.ChatMessage{},
		&models.CallLog{},
		&models.OwnerLease{},
	}
}

// AutoMigrate creates or updates all tables.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("db: auto-migrate: %w", err)
	}
	return nil
}
