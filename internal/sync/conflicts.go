package sync

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/dukapos/dukasync/internal/database"
	"github.com/dukapos/dukasync/internal/models"
	"github.com/dukapos/dukasync/internal/outbox"
	"github.com/dukapos/dukasync/internal/store"
)

// ErrConflictNotFound is returned when a conflictID matches no stored record
var ErrConflictNotFound = errors.New("sync: conflict not found")

// ErrConflictResolved is returned when resolving an already resolved conflict
var ErrConflictResolved = errors.New("sync: conflict already resolved")

// ErrMergeDataRequired is returned for a merge resolution without a payload
var ErrMergeDataRequired = errors.New("sync: merge resolution requires merged data")

// Conflicts stores server-reported conflicts and carries out resolutions.
// A conflict is terminal data for the round that produced it; resolving one
// re-enters the normal outbox path as a fresh operation tagged with the
// conflict id, so the server can trace the decision.
type Conflicts struct {
	db    *database.DB
	queue *outbox.Queue
	store *store.Store
	log   zerolog.Logger
}

// NewConflicts builds the conflict store
func NewConflicts(db *database.DB, queue *outbox.Queue, st *store.Store, log zerolog.Logger) *Conflicts {
	return &Conflicts{
		db:    db,
		queue: queue,
		store: st,
		log:   log.With().Str("component", "conflicts").Logger(),
	}
}

// Record persists a conflict reported in a batch response. Re-recording the
// same conflictId is a no-op; batches can be retransmitted.
func (c *Conflicts) Record(wc WireConflict, localID string) (*models.ConflictRecord, error) {
	var existing models.ConflictRecord
	err := c.db.Where("conflict_id = ?", wc.ConflictID).First(&existing).Error
	if err == nil {
		return &existing, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("sync: conflict lookup failed: %w", err)
	}

	rec := models.ConflictRecord{
		ConflictID:   wc.ConflictID,
		EntityID:     wc.EntityID,
		LocalID:      localID,
		EntityType:   models.EntityType(wc.EntityType),
		ConflictType: wc.ConflictType,
		LocalData:    datatypes.JSON(wc.LocalData),
		ServerData:   datatypes.JSON(wc.ServerData),
		Message:      wc.Message,
		Timestamp:    wc.Timestamp,
		Status:       models.ConflictStatusPending,
	}
	if err := c.db.Create(&rec).Error; err != nil {
		return nil, fmt.Errorf("sync: failed to store conflict: %w", err)
	}

	c.log.Info().
		Str("conflict_id", rec.ConflictID).
		Str("entity_type", string(rec.EntityType)).
		Str("conflict_type", string(rec.ConflictType)).
		Msg("conflict recorded")
	return &rec, nil
}

// List returns stored conflicts, optionally filtered by status
func (c *Conflicts) List(status models.ConflictStatus) ([]models.ConflictRecord, error) {
	q := c.db.Order("created_at DESC")
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var out []models.ConflictRecord
	if err := q.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("sync: failed to list conflicts: %w", err)
	}
	return out, nil
}

// Get returns the conflict with the given conflictId
func (c *Conflicts) Get(conflictID string) (*models.ConflictRecord, error) {
	var rec models.ConflictRecord
	err := c.db.Where("conflict_id = ?", conflictID).First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrConflictNotFound
		}
		return nil, fmt.Errorf("sync: conflict lookup failed: %w", err)
	}
	return &rec, nil
}

// PendingCount returns the number of unresolved conflicts
func (c *Conflicts) PendingCount() (int64, error) {
	var n int64
	err := c.db.Model(&models.ConflictRecord{}).
		Where("status = ?", models.ConflictStatusPending).Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("sync: failed to count conflicts: %w", err)
	}
	return n, nil
}

// Resolve applies the caller's decision to a pending conflict.
//
// apply_local re-enqueues the stored local data so the next round pushes it
// over the server's version. apply_server writes the server's data into the
// entity store and pushes nothing. merge re-enqueues the caller-supplied
// payload. All outgoing operations carry the conflict id.
func (c *Conflicts) Resolve(conflictID string, strategy models.ResolutionStrategy, mergedData json.RawMessage, resolvedBy string) error {
	rec, err := c.Get(conflictID)
	if err != nil {
		return err
	}
	if rec.Status != models.ConflictStatusPending {
		return ErrConflictResolved
	}

	switch strategy {
	case models.ResolveApplyLocal:
		err = c.pushResolution(rec, json.RawMessage(rec.LocalData))
	case models.ResolveApplyServer:
		err = c.applyServerData(rec)
	case models.ResolveMerge:
		if len(mergedData) == 0 {
			return ErrMergeDataRequired
		}
		err = c.pushResolution(rec, mergedData)
	default:
		return fmt.Errorf("sync: unknown resolution strategy %q", strategy)
	}
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	err = c.db.Model(&models.ConflictRecord{}).Where("conflict_id = ?", conflictID).
		Updates(map[string]any{
			"status":              models.ConflictStatusResolved,
			"resolution_strategy": strategy,
			"resolved_at":         now,
			"resolved_by":         resolvedBy,
		}).Error
	if err != nil {
		return fmt.Errorf("sync: failed to mark conflict resolved: %w", err)
	}

	c.log.Info().
		Str("conflict_id", conflictID).
		Str("strategy", string(strategy)).
		Str("resolved_by", resolvedBy).
		Msg("conflict resolved")
	return nil
}

// pushResolution enqueues the winning payload as a fresh update operation
func (c *Conflicts) pushResolution(rec *models.ConflictRecord, payload json.RawMessage) error {
	var data any
	if err := json.Unmarshal(payload, &data); err != nil {
		return fmt.Errorf("sync: invalid resolution payload: %w", err)
	}
	opType := models.OperationUpdate
	if rec.ConflictType == models.ConflictDelete {
		opType = models.OperationDelete
	}
	_, err := c.queue.Enqueue(rec.EntityType, opType, data, outbox.EnqueueOptions{
		EntityID:   rec.EntityID,
		ConflictID: rec.ConflictID,
		Priority:   1, // resolutions jump ahead of routine traffic
	})
	if err != nil {
		return err
	}
	return nil
}

// applyServerData writes the server's version into the device store
func (c *Conflicts) applyServerData(rec *models.ConflictRecord) error {
	if len(rec.ServerData) == 0 {
		// Server deleted the entity; mirror the deletion locally.
		return c.store.ApplyDeletion(rec.EntityType, rec.EntityID, time.Now().UTC())
	}
	return c.store.ApplyModification(rec.EntityType, json.RawMessage(rec.ServerData), 0, time.Now().UTC())
}

// ResolveAllLastWriteWins resolves every pending conflict by comparing the
// conflict timestamp against the server data's lastModified; local wins ties.
// It is N individual resolutions, not a bulk operation; a failure stops the
// walk and reports how many were resolved.
func (c *Conflicts) ResolveAllLastWriteWins(resolvedBy string) (int, error) {
	pending, err := c.List(models.ConflictStatusPending)
	if err != nil {
		return 0, err
	}

	resolved := 0
	for _, rec := range pending {
		strategy := models.ResolveApplyLocal
		var server struct {
			LastModified time.Time `json:"lastModified"`
		}
		if len(rec.ServerData) > 0 {
			if err := json.Unmarshal(rec.ServerData, &server); err == nil &&
				server.LastModified.After(rec.Timestamp) {
				strategy = models.ResolveApplyServer
			}
		}
		if err := c.Resolve(rec.ConflictID, strategy, nil, resolvedBy); err != nil {
			return resolved, fmt.Errorf("sync: resolving %s failed: %w", rec.ConflictID, err)
		}
		resolved++
	}
	return resolved, nil
}
