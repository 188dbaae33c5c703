// Package sync orchestrates bidirectional synchronization between the
// device store and the sync server: batch push of queued local operations,
// delta pull of server changes, conflict capture, and the event stream
// observers subscribe to.
package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dukapos/dukasync/internal/config"
	"github.com/dukapos/dukasync/internal/database"
	"github.com/dukapos/dukasync/internal/models"
	"github.com/dukapos/dukasync/internal/netgate"
	"github.com/dukapos/dukasync/internal/outbox"
	"github.com/dukapos/dukasync/internal/store"
)

// Engine runs sync rounds. One round at a time per engine: a second call
// while a round is in flight fails with ErrSyncInProgress rather than
// queueing behind it.
type Engine struct {
	queue     *outbox.Queue
	client    *Client
	store     *store.Store
	conflicts *Conflicts
	gate      netgate.Gate
	policy    Policy
	meta      *metadata
	events    *emitter
	log       zerolog.Logger

	deviceID   string
	appVersion string
	batchSize  int
	pushOn     bool
	pullOn     bool

	mu       sync.Mutex
	inFlight bool
	paused   bool
}

// New builds an Engine and initializes its persistent state row
func New(db *database.DB, queue *outbox.Queue, client *Client, st *store.Store, conflicts *Conflicts, gate netgate.Gate, cfg config.SyncConfig, deviceID, appVersion string, log zerolog.Logger) (*Engine, error) {
	elog := log.With().Str("component", "engine").Logger()
	e := &Engine{
		queue:      queue,
		client:     client,
		store:      st,
		conflicts:  conflicts,
		gate:       gate,
		policy:     DefaultPolicy(cfg.MaxRetries, time.Duration(cfg.RetryDelayMs)*time.Millisecond),
		meta:       &metadata{db: db},
		events:     newEmitter(elog),
		log:        elog,
		deviceID:   deviceID,
		appVersion: appVersion,
		batchSize:  cfg.BatchSize,
		pushOn:     cfg.EnableBatchSync,
		pullOn:     cfg.EnableDeltaSync,
	}
	if e.batchSize <= 0 {
		e.batchSize = 50
	}
	client.DeviceID = deviceID
	client.AppVersion = appVersion
	if err := e.meta.ensureState(deviceID, appVersion); err != nil {
		return nil, err
	}
	return e, nil
}

// SetPolicy overrides the round retry policy, mainly for tests
func (e *Engine) SetPolicy(p Policy) { e.policy = p }

// AddEventListener subscribes to the engine's event stream
func (e *Engine) AddEventListener(fn Listener) (remove func()) {
	return e.events.addListener(fn)
}

// Progress returns a copy of the current round progress
func (e *Engine) Progress() Progress {
	return e.events.snapshot()
}

// State reports the engine's lifecycle state
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.paused {
		return StatePaused
	}
	if e.inFlight {
		return StateSyncing
	}
	return e.events.snapshot().State
}

// Metadata returns the persisted sync state row
func (e *Engine) Metadata() (*models.SyncState, error) {
	return e.meta.state()
}

// Pause holds the engine; rounds refuse to start until Resume.
// An in-flight round is not interrupted.
func (e *Engine) Pause() {
	e.mu.Lock()
	e.paused = true
	e.mu.Unlock()
	e.log.Info().Msg("engine paused")
}

// Resume lifts a Pause hold
func (e *Engine) Resume() {
	e.mu.Lock()
	e.paused = false
	e.mu.Unlock()
	e.log.Info().Msg("engine resumed")
}

// beginRound claims the single round slot and checks preconditions.
// Order matters: a paused or busy engine answers before the network is
// consulted, so callers get the most actionable error.
func (e *Engine) beginRound() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.paused {
		return ErrPaused
	}
	if e.inFlight {
		return ErrSyncInProgress
	}
	if !e.gate.IsOnline() {
		return ErrOffline
	}
	e.inFlight = true
	return nil
}

func (e *Engine) endRound() {
	e.mu.Lock()
	e.inFlight = false
	e.mu.Unlock()
}

// SyncBatch pushes the given operations in one batch and applies the
// server's per-item verdicts to the outbox. A nil slice drains due items
// from the queue up to the configured batch size.
func (e *Engine) SyncBatch(ctx context.Context, ops []models.Operation, opts Options) (*SyncResult, error) {
	if err := e.beginRound(); err != nil {
		return nil, err
	}
	defer e.endRound()
	return e.syncBatchLocked(ctx, ops, opts)
}

func (e *Engine) syncBatchLocked(ctx context.Context, ops []models.Operation, opts Options) (*SyncResult, error) {
	var err error
	if ops == nil {
		ops, err = e.queue.DequeueBatch(e.batchSize)
		if err != nil {
			e.failRound("batch", err)
			return nil, err
		}
	}
	if len(ops) == 0 {
		return &SyncResult{Success: true}, nil
	}

	sessionID := uuid.New().String()
	start := time.Now()
	e.startProgress("batch push", len(ops))
	e.events.emit(Event{Type: EventSyncStarted, Data: map[string]any{
		"syncSessionId": sessionID,
		"operations":    len(ops),
	}})

	req := &BatchRequest{
		Operations:      make([]WireOperation, len(ops)),
		ClientTimestamp: time.Now().UTC(),
		DeviceID:        e.deviceID,
		AppVersion:      e.appVersion,
		SyncSessionID:   sessionID,
	}
	for i, op := range ops {
		req.Operations[i] = WireOperation{
			EntityID:      op.EntityID,
			LocalID:       op.LocalID,
			EntityType:    op.EntityType,
			OperationType: op.OperationType,
			EntityData:    json.RawMessage(op.EntityData),
			Timestamp:     op.Timestamp,
		}
	}

	var resp *BatchResponse
	err = e.policy.Do(ctx, func() error {
		var callErr error
		resp, callErr = e.client.PushBatch(ctx, req)
		return callErr
	})
	if err != nil {
		// No verdict arrived; item statuses stay untouched for a later round.
		e.failRound("batch", err)
		return nil, err
	}

	result, err := e.applyVerdicts(ops, resp)
	if err != nil {
		e.failRound("batch", err)
		return nil, err
	}
	result.ProcessingTimeMs = time.Since(start).Milliseconds()

	if merr := e.meta.recordRound("batch", result.Success, lastErrorOf(result)); merr != nil {
		e.log.Error().Err(merr).Msg("failed to record batch round")
	}
	e.finishProgress(result.ErrorCount, result.ConflictCount)
	e.events.emit(Event{Type: EventSyncCompleted, Data: result})

	e.log.Info().
		Str("sync_session_id", sessionID).
		Int("success", result.SuccessCount).
		Int("errors", result.ErrorCount).
		Int("conflicts", result.ConflictCount).
		Msg("batch round completed")
	return result, nil
}

// applyVerdicts maps the server's per-item verdicts onto the outbox.
// Every pushed operation is accounted for exactly once: synced, failed, or
// conflict. A verdict the server forgot counts as an item error so nothing
// silently disappears from the queue.
func (e *Engine) applyVerdicts(ops []models.Operation, resp *BatchResponse) (*SyncResult, error) {
	result := &SyncResult{
		TotalProcessed: len(ops),
		Errors:         resp.Errors,
		Conflicts:      resp.Conflicts,
	}

	verdicts := make(map[string]OperationResult, len(resp.Results))
	for _, r := range resp.Results {
		verdicts[r.LocalID] = r
	}
	// Conflicts carry the entityId, which a pushed create does not have yet;
	// those are matched through the entity localId embedded in the payloads.
	conflictByLocal := make(map[string]WireConflict, len(resp.Conflicts))
	for _, wc := range resp.Conflicts {
		wcLocal := embeddedLocalID(wc.LocalData)
		for _, op := range ops {
			matched := op.EntityID != "" && op.EntityID == wc.EntityID
			if !matched && wcLocal != "" {
				matched = wcLocal == embeddedLocalID(json.RawMessage(op.EntityData))
			}
			if matched {
				conflictByLocal[op.LocalID] = wc
			}
		}
	}

	for _, op := range ops {
		verdict, ok := verdicts[op.LocalID]
		if !ok {
			if wc, isConflict := conflictByLocal[op.LocalID]; isConflict {
				verdict = OperationResult{LocalID: op.LocalID, Status: ResultConflict, Message: wc.Message}
			} else {
				verdict = OperationResult{LocalID: op.LocalID, Status: ResultFailed, Message: "no verdict in batch response"}
			}
		}

		switch verdict.Status {
		case ResultSuccess:
			if err := e.queue.MarkSynced(op.LocalID, verdict.ServerID); err != nil {
				return nil, err
			}
			if entityLocal := embeddedLocalID(json.RawMessage(op.EntityData)); entityLocal != "" {
				if err := e.store.ConfirmSynced(op.EntityType, entityLocal, verdict.ServerID, resp.ServerTimestamp); err != nil {
					e.log.Error().Err(err).Str("local_id", op.LocalID).Msg("failed to stamp entity after push")
				}
			}
			result.SuccessCount++

		case ResultConflict:
			if err := e.queue.MarkConflict(op.LocalID, verdict.Message); err != nil {
				return nil, err
			}
			wc, reported := conflictByLocal[op.LocalID]
			if !reported {
				// A conflict verdict without a matching report in the
				// response. Capture what the device knows so the conflict
				// is still stored and resolvable.
				wc = WireConflict{
					ConflictID:   uuid.New().String(),
					EntityID:     verdict.EntityID,
					EntityType:   string(op.EntityType),
					ConflictType: conflictTypeFor(op.OperationType),
					LocalData:    json.RawMessage(op.EntityData),
					Message:      verdict.Message,
					Timestamp:    resp.ServerTimestamp,
				}
			}
			if _, err := e.conflicts.Record(wc, op.LocalID); err != nil {
				return nil, err
			}
			e.events.emit(Event{Type: EventSyncConflict, Message: wc.Message, Data: wc})
			result.ConflictCount++

		default:
			if err := e.queue.MarkFailed(op.LocalID, verdict.Message); err != nil {
				return nil, err
			}
			result.ErrorCount++
		}
		e.stepProgress()
	}

	result.Success = result.SuccessCount > 0 && result.ErrorCount == 0
	return result, nil
}

// SyncDelta pulls server-side changes since the persisted watermark and
// applies them to the device store. The watermark only advances after the
// whole page is durably applied; HasMore tells the caller to run another
// round, the engine never auto-paginates.
func (e *Engine) SyncDelta(ctx context.Context, opts Options) (*DeltaResult, error) {
	if err := e.beginRound(); err != nil {
		return nil, err
	}
	defer e.endRound()
	return e.syncDeltaLocked(ctx, opts)
}

func (e *Engine) syncDeltaLocked(ctx context.Context, opts Options) (*DeltaResult, error) {
	since, err := e.meta.watermark()
	if err != nil {
		e.failRound("delta", err)
		return nil, err
	}
	if opts.ForceFullSync {
		since = time.Time{}
	}

	e.startProgress("delta pull", 0)
	e.events.emit(Event{Type: EventSyncStarted, Data: map[string]any{
		"direction": "delta",
		"since":     since,
	}})

	var resp *DeltaResponse
	err = e.policy.Do(ctx, func() error {
		var callErr error
		resp, callErr = e.client.PullDelta(ctx, since, opts.EntityTypes, opts.Limit)
		return callErr
	})
	if err != nil {
		e.failRound("delta", err)
		return nil, err
	}

	applied := 0
	for _, mod := range resp.ModifiedEntities {
		err := e.store.ApplyModification(models.EntityType(mod.EntityType), mod.EntityData, mod.Version, mod.LastModified)
		if err != nil {
			// Watermark stays put; the next round replays this page.
			e.failRound("delta", err)
			return nil, fmt.Errorf("sync: applying %s %s: %w", mod.EntityType, mod.EntityID, err)
		}
		applied++
		e.stepProgress()
	}
	deleted := 0
	for _, del := range resp.DeletedEntities {
		err := e.store.ApplyDeletion(models.EntityType(del.EntityType), del.EntityID, del.DeletedAt)
		if err != nil {
			e.failRound("delta", err)
			return nil, fmt.Errorf("sync: deleting %s %s: %w", del.EntityType, del.EntityID, err)
		}
		deleted++
		e.stepProgress()
	}

	if err := e.meta.advanceWatermark(resp.NextSyncTimestamp); err != nil {
		e.failRound("delta", err)
		return nil, err
	}

	result := &DeltaResult{
		Applied:           applied,
		Deleted:           deleted,
		HasMore:           resp.HasMore,
		NextSyncTimestamp: resp.NextSyncTimestamp,
	}
	if merr := e.meta.recordRound("delta", true, ""); merr != nil {
		e.log.Error().Err(merr).Msg("failed to record delta round")
	}
	e.finishProgress(0, 0)
	e.events.emit(Event{Type: EventSyncCompleted, Data: result})

	e.log.Info().
		Int("applied", applied).
		Int("deleted", deleted).
		Bool("has_more", resp.HasMore).
		Time("next_sync", resp.NextSyncTimestamp).
		Msg("delta round completed")
	return result, nil
}

// SyncAll runs a batch push then a delta pull, each leg gated by its
// configuration switch. Pushing first keeps the server from echoing the
// device's own changes back in the pull.
func (e *Engine) SyncAll(ctx context.Context, opts Options) (*AllResult, error) {
	if err := e.beginRound(); err != nil {
		return nil, err
	}
	defer e.endRound()

	out := &AllResult{}
	if e.pushOn {
		batch, err := e.syncBatchLocked(ctx, nil, opts)
		if err != nil {
			return nil, err
		}
		out.Batch = batch
	}
	if e.pullOn {
		delta, err := e.syncDeltaLocked(ctx, opts)
		if err != nil {
			return out, err
		}
		out.Delta = delta
	}
	return out, nil
}

// ForceSync asks the server to open a full resync window, rewinds the local
// watermark, then runs SyncAll from the epoch.
func (e *Engine) ForceSync(ctx context.Context, opts Options) (*AllResult, error) {
	if err := e.beginRound(); err != nil {
		return nil, err
	}

	err := e.policy.Do(ctx, func() error {
		return e.client.Force(ctx)
	})
	if err != nil {
		e.endRound()
		return nil, err
	}
	if err := e.meta.resetWatermark(); err != nil {
		e.endRound()
		return nil, err
	}
	e.endRound()

	opts.ForceFullSync = true
	return e.SyncAll(ctx, opts)
}

// ServerStatus fetches the server's health and entity counts
func (e *Engine) ServerStatus(ctx context.Context) (*ServerStatusInfo, error) {
	return e.client.Status(ctx)
}

func (e *Engine) startProgress(label string, total int) {
	now := time.Now().UTC()
	e.events.setProgress(func(p *Progress) {
		*p = Progress{
			State:            StateSyncing,
			CurrentOperation: label,
			TotalOperations:  total,
			StartTime:        &now,
		}
	})
}

func (e *Engine) stepProgress() {
	e.events.setProgress(func(p *Progress) {
		p.CompletedOperations++
		if p.TotalOperations > 0 {
			p.Percent = p.CompletedOperations * 100 / p.TotalOperations
		}
	})
	e.events.emit(Event{Type: EventSyncProgress, Data: e.events.snapshot()})
}

func (e *Engine) finishProgress(errs, conflicts int) {
	now := time.Now().UTC()
	e.events.setProgress(func(p *Progress) {
		p.State = StateCompleted
		p.Percent = 100
		p.Errors = errs
		p.Conflicts = conflicts
		p.EndTime = &now
	})
}

// failRound records the failure, flips progress to the error state, and
// emits sync_error. The caller still returns the error to its caller: the
// failure is both observable and thrown.
func (e *Engine) failRound(syncType string, err error) {
	if merr := e.meta.recordRound(syncType, false, err.Error()); merr != nil {
		e.log.Error().Err(merr).Msg("failed to record failed round")
	}
	now := time.Now().UTC()
	e.events.setProgress(func(p *Progress) {
		p.State = StateError
		p.EndTime = &now
	})
	e.events.emit(Event{Type: EventSyncError, Message: err.Error()})
	e.log.Error().Err(err).Str("sync_type", syncType).Msg("sync round failed")
}

// embeddedLocalID extracts the entity's localId from a JSON payload
func embeddedLocalID(data json.RawMessage) string {
	var v struct {
		LocalID string `json:"localId"`
	}
	if json.Unmarshal(data, &v) != nil {
		return ""
	}
	return v.LocalID
}

func conflictTypeFor(opType models.OperationType) models.ConflictType {
	switch opType {
	case models.OperationCreate:
		return models.ConflictCreate
	case models.OperationDelete:
		return models.ConflictDelete
	default:
		return models.ConflictUpdate
	}
}

func lastErrorOf(r *SyncResult) string {
	if len(r.Errors) == 0 {
		return ""
	}
	return r.Errors[len(r.Errors)-1].ErrorMessage
}
