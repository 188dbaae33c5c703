// Package outbox provides the durable queue of pending local mutations.
//
// Every domain mutation lands here first, online or offline, so there is a
// single code path for propagation. Records leave the pending state only on
// a server verdict (synced, conflict) or after exhausting their retries
// (failed).
package outbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/dukapos/dukasync/internal/database"
	"github.com/dukapos/dukasync/internal/models"
)

// ErrItemNotFound is returned when a localID does not match any record
var ErrItemNotFound = errors.New("outbox: item not found")

const (
	defaultMaxRetries = 3
	retryBaseDelay    = 5 * time.Second
	retryMaxDelay     = 5 * time.Minute
)

// EnqueueOptions tune a single enqueue call. The zero value is valid.
type EnqueueOptions struct {
	Priority   int    // higher drains first; 0 keeps pure FIFO
	MaxRetries int    // per-item retry budget, defaults to 3
	EntityID   string // server id, when already known (updates, deletes)
	LocalID    string // override; empty gets a generated id
	ConflictID string // tags the record as a conflict resolution
}

// Statistics is the derived, read-only aggregate over pending records.
// It is recomputed incrementally on every queue mutation, never by scanning.
type Statistics struct {
	PendingCount    int            `json:"pendingCount"`
	ByEntityType    map[string]int `json:"byEntityType"`
	ByOperationType map[string]int `json:"byOperationType"`
	ByPriority      map[int]int    `json:"byPriority"`
	LastSyncTime    *time.Time     `json:"lastSyncTime"`
	NextRetryTime   *time.Time     `json:"nextRetryTime"`
}

// Queue is the durable outbox over the sync_outbox table.
// All mutations are serialized by an internal mutex; this protects the
// incremental counters against reentrant calls from event listeners.
type Queue struct {
	db  *database.DB
	log zerolog.Logger

	mu       sync.Mutex
	pending  int
	byEntity map[string]int
	byOp     map[string]int
	byPrio   map[int]int
	lastSync *time.Time
}

// New builds a Queue and seeds the statistics counters from the store
func New(db *database.DB, log zerolog.Logger) (*Queue, error) {
	q := &Queue{
		db:       db,
		log:      log.With().Str("component", "outbox").Logger(),
		byEntity: make(map[string]int),
		byOp:     make(map[string]int),
		byPrio:   make(map[int]int),
	}
	if err := q.seedCounters(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *Queue) seedCounters() error {
	var rows []models.Operation
	err := q.db.Where("status = ?", models.StatusPending).
		Select("entity_type", "operation_type", "priority").
		Find(&rows).Error
	if err != nil {
		return fmt.Errorf("outbox: failed to seed statistics: %w", err)
	}
	for _, r := range rows {
		q.countPending(r, +1)
	}

	var last models.Operation
	err = q.db.Where("status = ?", models.StatusSynced).
		Order("updated_at DESC").First(&last).Error
	if err == nil {
		t := last.UpdatedAt
		q.lastSync = &t
	}
	return nil
}

// countPending must be called with q.mu held (or before the queue is shared)
func (q *Queue) countPending(op models.Operation, delta int) {
	q.pending += delta
	q.byEntity[string(op.EntityType)] += delta
	q.byOp[string(op.OperationType)] += delta
	q.byPrio[op.Priority] += delta
}

// Enqueue appends a pending record. It never touches the network and is
// safe to call while offline. The record is written in a single INSERT;
// a persistence failure surfaces synchronously and leaves no partial row.
func (q *Queue) Enqueue(entityType models.EntityType, opType models.OperationType, entityData any, opts EnqueueOptions) (*models.Operation, error) {
	payload, err := json.Marshal(entityData)
	if err != nil {
		return nil, fmt.Errorf("outbox: failed to encode entity data: %w", err)
	}

	localID := opts.LocalID
	if localID == "" {
		localID = uuid.New().String()
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}

	now := time.Now().UTC()
	op := models.Operation{
		LocalID:       localID,
		EntityID:      opts.EntityID,
		EntityType:    entityType,
		OperationType: opType,
		EntityData:    datatypes.JSON(payload),
		Timestamp:     now,
		Status:        models.StatusPending,
		MaxRetries:    maxRetries,
		Priority:      opts.Priority,
		ScheduledAt:   now,
		ConflictID:    opts.ConflictID,
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.db.Create(&op).Error; err != nil {
		return nil, fmt.Errorf("outbox: failed to enqueue: %w", err)
	}
	q.countPending(op, +1)

	q.log.Debug().
		Str("local_id", op.LocalID).
		Str("entity_type", string(entityType)).
		Str("operation", string(opType)).
		Int("priority", op.Priority).
		Msg("operation enqueued")

	return &op, nil
}

// DequeueBatch returns up to limit pending records that are due, ordered by
// priority (higher first) then insertion order. Records are not removed;
// their status changes only on a server verdict.
func (q *Queue) DequeueBatch(limit int) ([]models.Operation, error) {
	if limit <= 0 {
		return nil, nil
	}
	var ops []models.Operation
	err := q.db.Where("status = ? AND scheduled_at <= ?", models.StatusPending, time.Now().UTC()).
		Order("priority DESC, id ASC").
		Limit(limit).
		Find(&ops).Error
	if err != nil {
		return nil, fmt.Errorf("outbox: failed to dequeue batch: %w", err)
	}
	return ops, nil
}

// MarkSynced transitions a record to synced and stores the server-assigned
// entity id against its localID. Repeating the call is a no-op.
func (q *Queue) MarkSynced(localID, serverID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	op, err := q.get(localID)
	if err != nil {
		return err
	}
	if op.Status == models.StatusSynced {
		return nil
	}
	wasPending := op.Status == models.StatusPending

	updates := map[string]any{"status": models.StatusSynced, "last_error": ""}
	if serverID != "" {
		updates["entity_id"] = serverID
	}
	if err := q.db.Model(&models.Operation{}).Where("local_id = ?", localID).Updates(updates).Error; err != nil {
		return fmt.Errorf("outbox: failed to mark synced: %w", err)
	}

	if wasPending {
		q.countPending(*op, -1)
	}
	now := time.Now().UTC()
	q.lastSync = &now

	q.log.Debug().Str("local_id", localID).Str("server_id", serverID).Msg("operation synced")
	return nil
}

// MarkConflict transitions a record to the conflict state. Idempotent.
func (q *Queue) MarkConflict(localID, message string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	op, err := q.get(localID)
	if err != nil {
		return err
	}
	if op.Status == models.StatusConflict {
		return nil
	}
	wasPending := op.Status == models.StatusPending

	err = q.db.Model(&models.Operation{}).Where("local_id = ?", localID).
		Updates(map[string]any{"status": models.StatusConflict, "last_error": message}).Error
	if err != nil {
		return fmt.Errorf("outbox: failed to mark conflict: %w", err)
	}
	if wasPending {
		q.countPending(*op, -1)
	}

	q.log.Info().Str("local_id", localID).Str("message", message).Msg("operation in conflict")
	return nil
}

// MarkFailed records a per-item server error. The record returns to pending
// with an exponential backoff until its retry budget is spent, then becomes
// failed. Calling it on an already failed record is a no-op.
func (q *Queue) MarkFailed(localID, itemErr string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	op, err := q.get(localID)
	if err != nil {
		return err
	}
	if op.Status.Terminal() {
		return nil
	}

	retries := op.RetryCount + 1
	if retries >= op.MaxRetries {
		err = q.db.Model(&models.Operation{}).Where("local_id = ?", localID).
			Updates(map[string]any{
				"status":      models.StatusFailed,
				"retry_count": retries,
				"last_error":  itemErr,
			}).Error
		if err != nil {
			return fmt.Errorf("outbox: failed to mark failed: %w", err)
		}
		q.countPending(*op, -1)
		q.log.Warn().Str("local_id", localID).Int("retries", retries).Str("error", itemErr).
			Msg("operation failed permanently")
		return nil
	}

	next := time.Now().UTC().Add(backoffDelay(retries))
	err = q.db.Model(&models.Operation{}).Where("local_id = ?", localID).
		Updates(map[string]any{
			"retry_count":  retries,
			"scheduled_at": next,
			"last_error":   itemErr,
		}).Error
	if err != nil {
		return fmt.Errorf("outbox: failed to schedule retry: %w", err)
	}
	q.log.Debug().Str("local_id", localID).Int("retry", retries).Time("next", next).
		Msg("operation scheduled for retry")
	return nil
}

// backoffDelay computes the per-item retry delay, base * 2^(retry-1), capped
func backoffDelay(retry int) time.Duration {
	d := retryBaseDelay << uint(retry-1)
	if d > retryMaxDelay || d <= 0 {
		d = retryMaxDelay
	}
	return d
}

// Get returns a copy of the record with the given localID
func (q *Queue) Get(localID string) (*models.Operation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.get(localID)
}

func (q *Queue) get(localID string) (*models.Operation, error) {
	var op models.Operation
	err := q.db.Where("local_id = ?", localID).First(&op).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrItemNotFound
		}
		return nil, fmt.Errorf("outbox: lookup failed: %w", err)
	}
	return &op, nil
}

// PendingCount returns the number of pending records
func (q *Queue) PendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending
}

// Stats returns the current queue statistics snapshot. Counts come from the
// incremental counters; only the next retry time needs an indexed aggregate.
func (q *Queue) Stats() (Statistics, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	stats := Statistics{
		PendingCount:    q.pending,
		ByEntityType:    copyMap(q.byEntity),
		ByOperationType: copyMap(q.byOp),
		ByPriority:      copyMap(q.byPrio),
	}
	if q.lastSync != nil {
		t := *q.lastSync
		stats.LastSyncTime = &t
	}

	var next models.Operation
	err := q.db.Select("scheduled_at").
		Where("status = ? AND scheduled_at > ?", models.StatusPending, time.Now().UTC()).
		Order("scheduled_at ASC").
		First(&next).Error
	switch {
	case err == nil:
		t := next.ScheduledAt
		stats.NextRetryTime = &t
	case errors.Is(err, gorm.ErrRecordNotFound):
		// nothing waiting out a backoff window
	default:
		return Statistics{}, fmt.Errorf("outbox: failed to read next retry time: %w", err)
	}

	return stats, nil
}

// Clear bulk-removes records, everything when no status filter is given.
// Returns the number of deleted rows.
func (q *Queue) Clear(statuses ...models.OperationStatus) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var res *gorm.DB
	if len(statuses) > 0 {
		res = q.db.Where("status IN ?", statuses).Delete(&models.Operation{})
	} else {
		res = q.db.Where("1 = 1").Delete(&models.Operation{})
	}
	if res.Error != nil {
		return 0, fmt.Errorf("outbox: failed to clear: %w", res.Error)
	}

	// Counters must be re-seeded; the deleted set may span priorities.
	q.pending = 0
	q.byEntity = make(map[string]int)
	q.byOp = make(map[string]int)
	q.byPrio = make(map[int]int)
	var rows []models.Operation
	if err := q.db.Where("status = ?", models.StatusPending).
		Select("entity_type", "operation_type", "priority").Find(&rows).Error; err != nil {
		return 0, fmt.Errorf("outbox: failed to reseed statistics: %w", err)
	}
	for _, r := range rows {
		q.countPending(r, +1)
	}

	q.log.Info().Int64("deleted", res.RowsAffected).Msg("queue cleared")
	return res.RowsAffected, nil
}

// RetryFailed resets all failed records to pending with a fresh retry
// budget. Returns the number of records reset.
func (q *Queue) RetryFailed() (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var failed []models.Operation
	if err := q.db.Where("status = ?", models.StatusFailed).Find(&failed).Error; err != nil {
		return 0, fmt.Errorf("outbox: failed to list failed items: %w", err)
	}
	if len(failed) == 0 {
		return 0, nil
	}

	now := time.Now().UTC()
	res := q.db.Model(&models.Operation{}).Where("status = ?", models.StatusFailed).
		Updates(map[string]any{
			"status":       models.StatusPending,
			"retry_count":  0,
			"scheduled_at": now,
			"last_error":   "",
		})
	if res.Error != nil {
		return 0, fmt.Errorf("outbox: failed to reset failed items: %w", res.Error)
	}
	for _, op := range failed {
		q.countPending(op, +1)
	}

	q.log.Info().Int64("reset", res.RowsAffected).Msg("failed items reset for retry")
	return res.RowsAffected, nil
}

func copyMap[K comparable](m map[K]int) map[K]int {
	out := make(map[K]int, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
