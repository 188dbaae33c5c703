package models

import (
	"time"

	"gorm.io/gorm"
)

// Product is an item for sale, as stored on the device.
// ServerID stays empty until the first successful push assigns one.
type Product struct {
	ID            int64          `gorm:"primaryKey;autoIncrement" json:"id"`
	LocalID       string         `gorm:"type:varchar(64);not null;uniqueIndex" json:"localId"`
	ServerID      string         `gorm:"type:varchar(255);index" json:"serverId"`
	Name          string         `gorm:"not null" json:"name"`
	SKU           string         `gorm:"type:varchar(100);index" json:"sku"`
	Barcode       string         `gorm:"type:varchar(100);index" json:"barcode"`
	Price         float64        `json:"price"`
	StockQuantity int            `gorm:"default:0" json:"stockQuantity"`
	CreatedAt     time.Time      `json:"createdAt"`
	UpdatedAt     time.Time      `json:"updatedAt"`
	DeletedAt     gorm.DeletedAt `gorm:"index" json:"-"`

	// Sync metadata
	ServerVersion int64      `gorm:"default:0" json:"serverVersion"`
	SyncedAt      *time.Time `json:"syncedAt,omitempty"`
}

// TableName specifies the table name
func (Product) TableName() string {
	return "products"
}

// Sale records a point-of-sale transaction
type Sale struct {
	ID             int64          `gorm:"primaryKey;autoIncrement" json:"id"`
	LocalID        string         `gorm:"type:varchar(64);not null;uniqueIndex" json:"localId"`
	ServerID       string         `gorm:"type:varchar(255);index" json:"serverId"`
	ProductLocalID string         `gorm:"type:varchar(64);index" json:"productLocalId"`
	Quantity       int            `gorm:"not null" json:"quantity"`
	UnitPrice      float64        `json:"unitPrice"`
	Total          float64        `json:"total"`
	SoldAt         time.Time      `json:"soldAt"`
	CreatedAt      time.Time      `json:"createdAt"`
	UpdatedAt      time.Time      `json:"updatedAt"`
	DeletedAt      gorm.DeletedAt `gorm:"index" json:"-"`

	// Sync metadata
	ServerVersion int64      `gorm:"default:0" json:"serverVersion"`
	SyncedAt      *time.Time `json:"syncedAt,omitempty"`
}

// TableName specifies the table name
func (Sale) TableName() string {
	return "sales"
}

// StockMovement records a manual stock adjustment (delivery, loss, count)
type StockMovement struct {
	ID             int64          `gorm:"primaryKey;autoIncrement" json:"id"`
	LocalID        string         `gorm:"type:varchar(64);not null;uniqueIndex" json:"localId"`
	ServerID       string         `gorm:"type:varchar(255);index" json:"serverId"`
	ProductLocalID string         `gorm:"type:varchar(64);index" json:"productLocalId"`
	Delta          int            `gorm:"not null" json:"delta"`
	Reason         string         `gorm:"type:varchar(255)" json:"reason"`
	MovedAt        time.Time      `json:"movedAt"`
	CreatedAt      time.Time      `json:"createdAt"`
	UpdatedAt      time.Time      `json:"updatedAt"`
	DeletedAt      gorm.DeletedAt `gorm:"index" json:"-"`

	// Sync metadata
	ServerVersion int64      `gorm:"default:0" json:"serverVersion"`
	SyncedAt      *time.Time `json:"syncedAt,omitempty"`
}

// TableName specifies the table name
func (StockMovement) TableName() string {
	return "stock_movements"
}
