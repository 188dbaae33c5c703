// Package models provides the GORM data models for the sync engine.
package models

import (
	"time"

	"gorm.io/datatypes"
)

// EntityType identifies the kind of entity an operation touches
type EntityType string

const (
	EntityTypeProduct       EntityType = "product"
	EntityTypeSale          EntityType = "sale"
	EntityTypeStockMovement EntityType = "stock_movement"
)

// OperationType identifies the kind of local mutation
type OperationType string

const (
	OperationCreate OperationType = "create"
	OperationUpdate OperationType = "update"
	OperationDelete OperationType = "delete"
)

// OperationStatus is the lifecycle state of an outbox record
type OperationStatus string

const (
	StatusPending  OperationStatus = "pending"
	StatusSynced   OperationStatus = "synced"
	StatusConflict OperationStatus = "conflict"
	StatusFailed   OperationStatus = "failed"
)

// Terminal reports whether the status admits no further transitions
func (s OperationStatus) Terminal() bool {
	return s == StatusSynced || s == StatusConflict || s == StatusFailed
}

// Operation is one local mutation awaiting propagation to the server.
// LocalID is the client-generated idempotency key: it is immutable, unique
// for the lifetime of the record, and the sole correlation between a local
// entity and its eventual server identity. EntityID stays empty until the
// server confirms a create.
type Operation struct {
	ID            int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	LocalID       string          `gorm:"type:varchar(64);not null;uniqueIndex" json:"localId"`
	EntityID      string          `gorm:"type:varchar(255);index" json:"entityId"`
	EntityType    EntityType      `gorm:"type:varchar(64);not null;index" json:"entityType"`
	OperationType OperationType   `gorm:"type:varchar(20);not null" json:"operationType"`
	EntityData    datatypes.JSON  `gorm:"type:json" json:"entityData"`
	Timestamp     time.Time       `gorm:"not null" json:"timestamp"`
	Status        OperationStatus `gorm:"type:varchar(20);not null;default:'pending';index:idx_op_ready" json:"status"`
	RetryCount    int             `gorm:"default:0" json:"retryCount"`
	MaxRetries    int             `gorm:"default:3" json:"maxRetries"`
	Priority      int             `gorm:"default:0;index:idx_op_ready" json:"priority"`
	ScheduledAt   time.Time       `gorm:"index:idx_op_ready" json:"scheduledAt"`
	LastError     string          `gorm:"type:text" json:"lastError,omitempty"`
	ConflictID    string          `gorm:"type:varchar(64);index" json:"conflictId,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

// TableName specifies the table name
func (Operation) TableName() string {
	return "sync_outbox"
}
