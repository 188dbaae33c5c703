package models

import "time"

// SyncStateID is the primary key of the single per-install state row
const SyncStateID = 1

// SyncState tracks synchronization metadata for this device install.
// There is exactly one row; only the sync engine mutates it, and only after
// a round completes, never mid-round.
type SyncState struct {
	ID                  int       `gorm:"primaryKey" json:"id"`
	LastSyncTimestamp   time.Time `json:"lastSyncTimestamp"` // delta watermark
	LastSyncType        string    `gorm:"type:varchar(20)" json:"lastSyncType"`   // batch, delta
	LastSyncStatus      string    `gorm:"type:varchar(20)" json:"lastSyncStatus"` // success, error
	TotalSyncCount      int       `gorm:"default:0" json:"totalSyncCount"`
	SuccessfulSyncCount int       `gorm:"default:0" json:"successfulSyncCount"`
	FailedSyncCount     int       `gorm:"default:0" json:"failedSyncCount"`
	LastError           string    `gorm:"type:text" json:"lastError,omitempty"`
	DeviceID            string    `gorm:"type:varchar(255);not null" json:"deviceId"`
	AppVersion          string    `gorm:"type:varchar(50)" json:"appVersion"`
	CreatedAt           time.Time `json:"createdAt"`
	UpdatedAt           time.Time `json:"updatedAt"`
}

// TableName specifies the table name
func (SyncState) TableName() string {
	return "sync_state"
}
