package sync

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/dukapos/dukasync/internal/database"
	"github.com/dukapos/dukasync/internal/models"
)

// metadata wraps the single sync_state row. The watermark only ever moves
// forward, and only after the corresponding delta has been durably applied.
type metadata struct {
	db *database.DB
}

// ensureState creates the state row on first run
func (m *metadata) ensureState(deviceID, appVersion string) error {
	var st models.SyncState
	err := m.db.First(&st, models.SyncStateID).Error
	if err == nil {
		return nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("sync: failed to read state: %w", err)
	}
	st = models.SyncState{
		ID:         models.SyncStateID,
		DeviceID:   deviceID,
		AppVersion: appVersion,
	}
	if err := m.db.Create(&st).Error; err != nil {
		return fmt.Errorf("sync: failed to initialize state: %w", err)
	}
	return nil
}

// state returns the current sync state row
func (m *metadata) state() (*models.SyncState, error) {
	var st models.SyncState
	if err := m.db.First(&st, models.SyncStateID).Error; err != nil {
		return nil, fmt.Errorf("sync: failed to read state: %w", err)
	}
	return &st, nil
}

// watermark returns the delta watermark; zero means "from the epoch"
func (m *metadata) watermark() (time.Time, error) {
	st, err := m.state()
	if err != nil {
		return time.Time{}, err
	}
	return st.LastSyncTimestamp, nil
}

// advanceWatermark moves the watermark forward. A target at or before the
// current value is ignored, so replayed delta pages cannot rewind it.
func (m *metadata) advanceWatermark(next time.Time) error {
	st, err := m.state()
	if err != nil {
		return err
	}
	if !next.After(st.LastSyncTimestamp) {
		return nil
	}
	err = m.db.Model(&models.SyncState{}).Where("id = ?", models.SyncStateID).
		Update("last_sync_timestamp", next).Error
	if err != nil {
		return fmt.Errorf("sync: failed to advance watermark: %w", err)
	}
	return nil
}

// resetWatermark rewinds the watermark to the epoch for a full resync
func (m *metadata) resetWatermark() error {
	err := m.db.Model(&models.SyncState{}).Where("id = ?", models.SyncStateID).
		Update("last_sync_timestamp", time.Time{}).Error
	if err != nil {
		return fmt.Errorf("sync: failed to reset watermark: %w", err)
	}
	return nil
}

// recordRound updates the counters after a round, success or not
func (m *metadata) recordRound(syncType string, success bool, roundErr string) error {
	status := "success"
	counter := "successful_sync_count"
	if !success {
		status = "error"
		counter = "failed_sync_count"
	}
	err := m.db.Model(&models.SyncState{}).Where("id = ?", models.SyncStateID).
		Updates(map[string]any{
			"last_sync_type":   syncType,
			"last_sync_status": status,
			"last_error":       roundErr,
			"total_sync_count": gorm.Expr("total_sync_count + 1"),
			counter:            gorm.Expr(counter + " + 1"),
		}).Error
	if err != nil {
		return fmt.Errorf("sync: failed to record round: %w", err)
	}
	return nil
}
