package models

import (
	"time"

	"gorm.io/datatypes"
)

// ConflictType classifies a server-detected divergence
type ConflictType string

const (
	ConflictCreate ConflictType = "create_conflict"
	ConflictUpdate ConflictType = "update_conflict"
	ConflictDelete ConflictType = "delete_conflict"
)

// ConflictStatus is the resolution state of a stored conflict
type ConflictStatus string

const (
	ConflictStatusPending  ConflictStatus = "pending"
	ConflictStatusResolved ConflictStatus = "resolved"
	ConflictStatusIgnored  ConflictStatus = "ignored"
)

// ResolutionStrategy is the caller's decision for a conflict
type ResolutionStrategy string

const (
	ResolveApplyLocal  ResolutionStrategy = "apply_local"  // overwrite server
	ResolveApplyServer ResolutionStrategy = "apply_server" // discard local
	ResolveMerge       ResolutionStrategy = "merge"        // caller-supplied payload
)

// ConflictRecord is a server-reported divergence, stored verbatim.
// The engine never computes merges; it records both versions and transmits
// the caller's decision back as a fresh outbox operation.
type ConflictRecord struct {
	ID                 int64              `gorm:"primaryKey;autoIncrement" json:"id"`
	ConflictID         string             `gorm:"type:varchar(64);not null;uniqueIndex" json:"conflictId"`
	EntityID           string             `gorm:"type:varchar(255);index:idx_conflict_entity" json:"entityId"`
	LocalID            string             `gorm:"type:varchar(64);index" json:"localId"`
	EntityType         EntityType         `gorm:"type:varchar(64);not null;index:idx_conflict_entity" json:"entityType"`
	ConflictType       ConflictType       `gorm:"type:varchar(30);not null" json:"conflictType"`
	LocalData          datatypes.JSON     `gorm:"type:json" json:"localData"`
	ServerData         datatypes.JSON     `gorm:"type:json" json:"serverData"`
	Message            string             `gorm:"type:text" json:"message"`
	Timestamp          time.Time          `json:"timestamp"`
	Status             ConflictStatus     `gorm:"type:varchar(20);default:'pending';index" json:"status"`
	ResolutionStrategy ResolutionStrategy `gorm:"type:varchar(20)" json:"resolutionStrategy,omitempty"`
	ResolvedAt         *time.Time         `json:"resolvedAt,omitempty"`
	ResolvedBy         string             `gorm:"type:varchar(255)" json:"resolvedBy,omitempty"`
	CreatedAt          time.Time          `json:"createdAt"`
}

// TableName specifies the table name
func (ConflictRecord) TableName() string {
	return "sync_conflicts"
}
