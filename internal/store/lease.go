package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/zulandar/waypost/internal/models"
	"gorm.io/gorm"
)

// DefaultLeaseTimeout is how long a lease survives without a heartbeat.
const DefaultLeaseTimeout = 90 * time.Second

// ErrLeaseHeld is returned when another live process owns the user's session.
var ErrLeaseHeld = errors.New("store: session owned by another process")

// AcquireLease takes the session lease for userID. Active leases whose
// heartbeat is older than timeout are expired first.
func AcquireLease(ctx context.Context, db *gorm.DB, userID, holder string, timeout time.Duration) (*models.OwnerLease, error) {
	if timeout <= 0 {
		timeout = DefaultLeaseTimeout
	}

	var lease *models.OwnerLease
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now()
		if err := tx.Model(&models.OwnerLease{}).
			Where("user_id = ? AND status = ? AND last_heartbeat < ?", userID, "active", now.Add(-timeout)).
			Updates(map[string]interface{}{
				"status":      "expired",
				"released_at": now,
			}).Error; err != nil {
			return fmt.Errorf("expire stale leases: %w", err)
		}

		var existing models.OwnerLease
		result := tx.Where("user_id = ? AND status = ?", userID, "active").First(&existing)
		if result.Error == nil {
			return fmt.Errorf("%w: %s (lease %d)", ErrLeaseHeld, existing.Holder, existing.ID)
		}
		if !errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return fmt.Errorf("check existing lease: %w", result.Error)
		}

		lease = &models.OwnerLease{
			UserID:        userID,
			Holder:        holder,
			Status:        "active",
			LastHeartbeat: now,
		}
		if err := tx.Create(lease).Error; err != nil {
			return fmt.Errorf("create lease: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("store: acquire lease: %w", err)
	}
	return lease, nil
}

// ReleaseLease marks the lease released.
func ReleaseLease(ctx context.Context, db *gorm.DB, leaseID uint) error {
	result := db.WithContext(ctx).Model(&models.OwnerLease{}).
		Where("id = ? AND status = ?", leaseID, "active").
		Updates(map[string]interface{}{
			"status":      "released",
			"released_at": time.Now(),
		})
	if result.Error != nil {
		return fmt.Errorf("store: release lease: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("store: release lease %d: %w", leaseID, ErrNotFound)
	}
	return nil
}

// HeartbeatLease refreshes an active lease. It fails with ErrNotFound once
// the lease has expired or been released.
func HeartbeatLease(ctx context.Context, db *gorm.DB, leaseID uint) error {
	result := db.WithContext(ctx).Model(&models.OwnerLease{}).
		Where("id = ? AND status = ?", leaseID, "active").
		Update("last_heartbeat", time.Now())
	if result.Error != nil {
		return fmt.Errorf("store: heartbeat lease: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("store: heartbeat lease %d: %w", leaseID, ErrNotFound)
	}
	return nil
}
