// Package store is the device entity store: the apply target for server
// deltas and the producer side of the outbox. Local mutations write the
// entity row and its outbox record through one code path, so the app
// behaves identically online and offline.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/dukapos/dukasync/internal/database"
	"github.com/dukapos/dukasync/internal/models"
	"github.com/dukapos/dukasync/internal/outbox"
)

// ErrEntityNotFound is returned by getters when no row matches
var ErrEntityNotFound = errors.New("store: entity not found")

// ErrUnknownEntityType is returned for entity types the store does not manage
var ErrUnknownEntityType = errors.New("store: unknown entity type")

// Store owns the device entity tables and feeds the outbox on local writes.
type Store struct {
	db    *database.DB
	queue *outbox.Queue
	log   zerolog.Logger
}

// New builds a Store over the shared database and outbox queue
func New(db *database.DB, queue *outbox.Queue, log zerolog.Logger) *Store {
	return &Store{
		db:    db,
		queue: queue,
		log:   log.With().Str("component", "store").Logger(),
	}
}

// CreateProduct inserts a product and enqueues its create operation.
// The outbox record carries the product's localId as its idempotency key.
func (s *Store) CreateProduct(p *models.Product) error {
	if p.LocalID == "" {
		p.LocalID = uuid.New().String()
	}
	return s.localWrite(models.EntityTypeProduct, models.OperationCreate, p.LocalID, "", p, func(tx *gorm.DB) error {
		return tx.Create(p).Error
	})
}

// UpdateProduct persists product changes and enqueues an update operation
func (s *Store) UpdateProduct(p *models.Product) error {
	return s.localWrite(models.EntityTypeProduct, models.OperationUpdate, p.LocalID, p.ServerID, p, func(tx *gorm.DB) error {
		return tx.Save(p).Error
	})
}

// DeleteProduct soft-deletes a product and enqueues a delete operation
func (s *Store) DeleteProduct(localID string) error {
	p, err := s.GetProduct(localID)
	if err != nil {
		return err
	}
	return s.localWrite(models.EntityTypeProduct, models.OperationDelete, p.LocalID, p.ServerID, p, func(tx *gorm.DB) error {
		return tx.Delete(p).Error
	})
}

// RecordSale inserts a sale, decrements the product's stock, and enqueues
// the sale's create operation.
func (s *Store) RecordSale(sale *models.Sale) error {
	if sale.LocalID == "" {
		sale.LocalID = uuid.New().String()
	}
	if sale.SoldAt.IsZero() {
		sale.SoldAt = time.Now().UTC()
	}
	return s.localWrite(models.EntityTypeSale, models.OperationCreate, sale.LocalID, "", sale, func(tx *gorm.DB) error {
		if err := tx.Create(sale).Error; err != nil {
			return err
		}
		if sale.ProductLocalID == "" {
			return nil
		}
		return tx.Model(&models.Product{}).
			Where("local_id = ?", sale.ProductLocalID).
			UpdateColumn("stock_quantity", gorm.Expr("stock_quantity - ?", sale.Quantity)).Error
	})
}

// RecordStockMovement inserts a stock movement, applies its delta to the
// product, and enqueues the movement's create operation.
func (s *Store) RecordStockMovement(m *models.StockMovement) error {
	if m.LocalID == "" {
		m.LocalID = uuid.New().String()
	}
	if m.MovedAt.IsZero() {
		m.MovedAt = time.Now().UTC()
	}
	return s.localWrite(models.EntityTypeStockMovement, models.OperationCreate, m.LocalID, "", m, func(tx *gorm.DB) error {
		if err := tx.Create(m).Error; err != nil {
			return err
		}
		if m.ProductLocalID == "" {
			return nil
		}
		return tx.Model(&models.Product{}).
			Where("local_id = ?", m.ProductLocalID).
			UpdateColumn("stock_quantity", gorm.Expr("stock_quantity + ?", m.Delta)).Error
	})
}

// localWrite runs the entity write, then enqueues the matching outbox
// record. The entity write happens inside a transaction; the enqueue is a
// separate single INSERT so a queue failure surfaces without losing the row.
//
// The outbox record gets its own localId: an unsynced entity can be mutated
// again before a round runs, and outbox localIds are unique. The entity's
// localId travels inside the payload.
func (s *Store) localWrite(entityType models.EntityType, opType models.OperationType, localID, serverID string, payload any, write func(tx *gorm.DB) error) error {
	if err := s.db.Transaction(write); err != nil {
		return fmt.Errorf("store: %s %s failed: %w", opType, entityType, err)
	}
	op, err := s.queue.Enqueue(entityType, opType, payload, outbox.EnqueueOptions{
		EntityID: serverID,
	})
	if err != nil {
		return err
	}
	s.log.Debug().
		Str("entity_type", string(entityType)).
		Str("operation", string(opType)).
		Str("entity_local_id", localID).
		Str("local_id", op.LocalID).
		Msg("local write queued")
	return nil
}

// GetProduct returns the product with the given localId
func (s *Store) GetProduct(localID string) (*models.Product, error) {
	var p models.Product
	if err := s.db.Where("local_id = ?", localID).First(&p).Error; err != nil {
		return nil, wrapLookup(err)
	}
	return &p, nil
}

// ListProducts returns all non-deleted products
func (s *Store) ListProducts() ([]models.Product, error) {
	var out []models.Product
	if err := s.db.Order("name ASC").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("store: list products failed: %w", err)
	}
	return out, nil
}

// GetSale returns the sale with the given localId
func (s *Store) GetSale(localID string) (*models.Sale, error) {
	var sale models.Sale
	if err := s.db.Where("local_id = ?", localID).First(&sale).Error; err != nil {
		return nil, wrapLookup(err)
	}
	return &sale, nil
}

// ListSales returns sales, most recent first
func (s *Store) ListSales(limit int) ([]models.Sale, error) {
	q := s.db.Order("sold_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var out []models.Sale
	if err := q.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("store: list sales failed: %w", err)
	}
	return out, nil
}

// ApplyModification upserts a server-side entity change into the device
// tables. Rows are matched by serverId; a row the device has never seen is
// inserted with a fresh localId. The row's sync metadata records the server
// version so later conflict detection has a baseline.
func (s *Store) ApplyModification(entityType models.EntityType, entityData json.RawMessage, version int64, lastModified time.Time) error {
	switch entityType {
	case models.EntityTypeProduct:
		var p models.Product
		if err := json.Unmarshal(entityData, &p); err != nil {
			return fmt.Errorf("store: decode product delta: %w", err)
		}
		return s.upsertProduct(&p, version, lastModified)
	case models.EntityTypeSale:
		var sale models.Sale
		if err := json.Unmarshal(entityData, &sale); err != nil {
			return fmt.Errorf("store: decode sale delta: %w", err)
		}
		return s.upsertSale(&sale, version, lastModified)
	case models.EntityTypeStockMovement:
		var m models.StockMovement
		if err := json.Unmarshal(entityData, &m); err != nil {
			return fmt.Errorf("store: decode stock movement delta: %w", err)
		}
		return s.upsertStockMovement(&m, version, lastModified)
	default:
		return fmt.Errorf("%w: %s", ErrUnknownEntityType, entityType)
	}
}

func (s *Store) upsertProduct(in *models.Product, version int64, lastModified time.Time) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		var existing models.Product
		err := tx.Unscoped().Where("server_id = ?", in.ServerID).First(&existing).Error
		switch {
		case err == nil:
			updates := map[string]any{
				"name":           in.Name,
				"sku":            in.SKU,
				"barcode":        in.Barcode,
				"price":          in.Price,
				"stock_quantity": in.StockQuantity,
				"server_version": version,
				"synced_at":      lastModified,
				"deleted_at":     nil,
			}
			return tx.Unscoped().Model(&existing).Updates(updates).Error
		case errors.Is(err, gorm.ErrRecordNotFound):
			if in.LocalID == "" {
				in.LocalID = uuid.New().String()
			}
			in.ID = 0
			in.ServerVersion = version
			in.SyncedAt = &lastModified
			return tx.Create(in).Error
		default:
			return err
		}
	})
}

func (s *Store) upsertSale(in *models.Sale, version int64, lastModified time.Time) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		var existing models.Sale
		err := tx.Unscoped().Where("server_id = ?", in.ServerID).First(&existing).Error
		switch {
		case err == nil:
			updates := map[string]any{
				"quantity":       in.Quantity,
				"unit_price":     in.UnitPrice,
				"total":          in.Total,
				"sold_at":        in.SoldAt,
				"server_version": version,
				"synced_at":      lastModified,
				"deleted_at":     nil,
			}
			return tx.Unscoped().Model(&existing).Updates(updates).Error
		case errors.Is(err, gorm.ErrRecordNotFound):
			if in.LocalID == "" {
				in.LocalID = uuid.New().String()
			}
			in.ID = 0
			in.ServerVersion = version
			in.SyncedAt = &lastModified
			return tx.Create(in).Error
		default:
			return err
		}
	})
}

func (s *Store) upsertStockMovement(in *models.StockMovement, version int64, lastModified time.Time) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		var existing models.StockMovement
		err := tx.Unscoped().Where("server_id = ?", in.ServerID).First(&existing).Error
		switch {
		case err == nil:
			updates := map[string]any{
				"delta":          in.Delta,
				"reason":         in.Reason,
				"moved_at":       in.MovedAt,
				"server_version": version,
				"synced_at":      lastModified,
				"deleted_at":     nil,
			}
			return tx.Unscoped().Model(&existing).Updates(updates).Error
		case errors.Is(err, gorm.ErrRecordNotFound):
			if in.LocalID == "" {
				in.LocalID = uuid.New().String()
			}
			in.ID = 0
			in.ServerVersion = version
			in.SyncedAt = &lastModified
			return tx.Create(in).Error
		default:
			return err
		}
	})
}

// ApplyDeletion soft-deletes the row matching the server id. Deleting an
// entity the device never materialized is a no-op, not an error.
func (s *Store) ApplyDeletion(entityType models.EntityType, serverID string, deletedAt time.Time) error {
	var model any
	switch entityType {
	case models.EntityTypeProduct:
		model = &models.Product{}
	case models.EntityTypeSale:
		model = &models.Sale{}
	case models.EntityTypeStockMovement:
		model = &models.StockMovement{}
	default:
		return fmt.Errorf("%w: %s", ErrUnknownEntityType, entityType)
	}
	res := s.db.Where("server_id = ?", serverID).Delete(model)
	if res.Error != nil {
		return fmt.Errorf("store: delete %s %s failed: %w", entityType, serverID, res.Error)
	}
	if res.RowsAffected == 0 {
		s.log.Debug().Str("entity_type", string(entityType)).Str("server_id", serverID).
			Msg("deletion for unknown entity ignored")
	}
	return nil
}

// ConfirmSynced stamps the server id and version onto a row after a
// successful push, matched by localId.
func (s *Store) ConfirmSynced(entityType models.EntityType, localID, serverID string, syncedAt time.Time) error {
	var model any
	switch entityType {
	case models.EntityTypeProduct:
		model = &models.Product{}
	case models.EntityTypeSale:
		model = &models.Sale{}
	case models.EntityTypeStockMovement:
		model = &models.StockMovement{}
	default:
		return fmt.Errorf("%w: %s", ErrUnknownEntityType, entityType)
	}
	updates := map[string]any{"synced_at": syncedAt}
	if serverID != "" {
		updates["server_id"] = serverID
	}
	err := s.db.Model(model).Where("local_id = ?", localID).Updates(updates).Error
	if err != nil {
		return fmt.Errorf("store: confirm %s %s failed: %w", entityType, localID, err)
	}
	return nil
}

func wrapLookup(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrEntityNotFound
	}
	return fmt.Errorf("store: lookup failed: %w", err)
}
