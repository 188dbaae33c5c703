package sync

import (
	"encoding/json"
	"time"

	"github.com/dukapos/dukasync/internal/models"
)

// Wire types for the batch and delta endpoints. Field names and casing
// match the server contract exactly; timestamps travel as RFC 3339.

// ResultStatus is the server's per-operation verdict
type ResultStatus string

const (
	ResultSuccess  ResultStatus = "success"
	ResultFailed   ResultStatus = "failed"
	ResultConflict ResultStatus = "conflict"
)

// WireOperation is one outbox record as transmitted in a batch
type WireOperation struct {
	EntityID      string               `json:"entityId"`
	LocalID       string               `json:"localId"`
	EntityType    models.EntityType    `json:"entityType"`
	OperationType models.OperationType `json:"operationType"`
	EntityData    json.RawMessage      `json:"entityData"`
	Timestamp     time.Time            `json:"timestamp"`
}

// BatchRequest is the push envelope, POST /sync/batch
type BatchRequest struct {
	Operations      []WireOperation `json:"operations"`
	ClientTimestamp time.Time       `json:"clientTimestamp"`
	DeviceID        string          `json:"deviceId"`
	AppVersion      string          `json:"appVersion"`
	SyncSessionID   string          `json:"syncSessionId,omitempty"`
}

// OperationResult is the server's verdict for one pushed operation
type OperationResult struct {
	EntityID      string       `json:"entityId"`
	LocalID       string       `json:"localId"`
	ServerID      string       `json:"serverId,omitempty"`
	EntityType    string       `json:"entityType"`
	OperationType string       `json:"operationType"`
	Status        ResultStatus `json:"status"`
	Message       string       `json:"message,omitempty"`
	Timestamp     time.Time    `json:"timestamp"`
}

// WireConflict is a conflict as reported in a batch response
type WireConflict struct {
	ConflictID   string              `json:"conflictId"`
	EntityID     string              `json:"entityId"`
	EntityType   string              `json:"entityType"`
	ConflictType models.ConflictType `json:"conflictType"`
	LocalData    json.RawMessage     `json:"localData"`
	ServerData   json.RawMessage     `json:"serverData,omitempty"`
	Message      string              `json:"message"`
	Timestamp    time.Time           `json:"timestamp"`
}

// WireError is a per-item application error in a batch response
type WireError struct {
	EntityID      string    `json:"entityId"`
	EntityType    string    `json:"entityType"`
	OperationType string    `json:"operationType"`
	ErrorCode     string    `json:"errorCode"`
	ErrorMessage  string    `json:"errorMessage"`
	Timestamp     time.Time `json:"timestamp"`
}

// BatchStatistics summarizes a processed batch
type BatchStatistics struct {
	ByEntityType            map[string]int `json:"byEntityType"`
	ByOperationType         map[string]int `json:"byOperationType"`
	AverageProcessingTimeMs float64        `json:"averageProcessingTimeMs"`
}

// BatchResponse is the server's answer to a batch push
type BatchResponse struct {
	SyncSessionID    string            `json:"syncSessionId"`
	TotalProcessed   int               `json:"totalProcessed"`
	SuccessCount     int               `json:"successCount"`
	ErrorCount       int               `json:"errorCount"`
	ConflictCount    int               `json:"conflictCount"`
	ProcessingTimeMs int64             `json:"processingTimeMs"`
	Results          []OperationResult `json:"results"`
	Conflicts        []WireConflict    `json:"conflicts"`
	Errors           []WireError       `json:"errors"`
	Statistics       BatchStatistics   `json:"statistics"`
	ServerTimestamp  time.Time         `json:"serverTimestamp"`
}

// ModifiedEntity is one server-side change in a delta response
type ModifiedEntity struct {
	EntityID      string          `json:"entityId"`
	EntityType    string          `json:"entityType"`
	EntityData    json.RawMessage `json:"entityData"`
	LastModified  time.Time       `json:"lastModified"`
	Version       int64           `json:"version"`
	OperationType string          `json:"operationType"`
}

// DeletedEntity is one server-side deletion in a delta response
type DeletedEntity struct {
	EntityID   string    `json:"entityId"`
	EntityType string    `json:"entityType"`
	DeletedAt  time.Time `json:"deletedAt"`
	Version    int64     `json:"version"`
}

// DeltaStatistics summarizes a delta window
type DeltaStatistics struct {
	ByEntityType       map[string]int `json:"byEntityType"`
	ByOperationType    map[string]int `json:"byOperationType"`
	OldestModification *time.Time     `json:"oldestModification,omitempty"`
	NewestModification *time.Time     `json:"newestModification,omitempty"`
	TotalDataSizeBytes int64          `json:"totalDataSizeBytes"`
}

// DeltaResponse is the server's answer to a delta pull, GET /sync/delta
type DeltaResponse struct {
	ModifiedEntities  []ModifiedEntity `json:"modifiedEntities"`
	DeletedEntities   []DeletedEntity  `json:"deletedEntities"`
	TotalModified     int              `json:"totalModified"`
	TotalDeleted      int              `json:"totalDeleted"`
	ServerTimestamp   time.Time        `json:"serverTimestamp"`
	SyncSessionID     string           `json:"syncSessionId"`
	HasMore           bool             `json:"hasMore"`
	NextSyncTimestamp time.Time        `json:"nextSyncTimestamp"`
	Statistics        DeltaStatistics  `json:"statistics"`
}

// ServerStatusInfo is the answer to GET /sync/status
type ServerStatusInfo struct {
	ServerTime   time.Time      `json:"serverTime"`
	Status       string         `json:"status"`
	Version      string         `json:"version"`
	EntityCounts map[string]int `json:"entityCounts"`
}

// Options tune a single sync round. The zero value uses engine defaults.
type Options struct {
	ForceFullSync bool
	EntityTypes   []models.EntityType
	Limit         int
}

// SyncResult summarizes a batch round. Success requires at least one
// synced operation and zero errors; conflicts alone do not make a round
// successful.
type SyncResult struct {
	Success          bool           `json:"success"`
	TotalProcessed   int            `json:"totalProcessed"`
	SuccessCount     int            `json:"successCount"`
	ErrorCount       int            `json:"errorCount"`
	ConflictCount    int            `json:"conflictCount"`
	ProcessingTimeMs int64          `json:"processingTimeMs"`
	Errors           []WireError    `json:"errors"`
	Conflicts        []WireConflict `json:"conflicts"`
}

// DeltaResult summarizes a delta round
type DeltaResult struct {
	Applied           int       `json:"applied"`
	Deleted           int       `json:"deleted"`
	HasMore           bool      `json:"hasMore"`
	NextSyncTimestamp time.Time `json:"nextSyncTimestamp"`
}

// AllResult aggregates the batch and delta legs of SyncAll. Either leg is
// nil when its direction is disabled or had nothing to do.
type AllResult struct {
	Batch *SyncResult  `json:"batch,omitempty"`
	Delta *DeltaResult `json:"delta,omitempty"`
}
