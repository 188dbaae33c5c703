package sync

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for round preconditions
var (
	// ErrSyncInProgress is returned when a round is requested while another
	// round is running. Rounds are rejected, never queued.
	ErrSyncInProgress = errors.New("sync: already in progress")

	// ErrOffline is returned when the network gate reports the server
	// unreachable. No retry budget is consumed.
	ErrOffline = errors.New("sync: device is offline")

	// ErrPaused is returned while the engine is held by Pause
	ErrPaused = errors.New("sync: engine is paused")
)

// TransportError wraps a network-level failure (connection refused, reset,
// timeout). Transport errors are retryable.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("sync: transport error during %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// APIError is a non-2xx HTTP response from the sync server. Server faults
// (5xx) are retryable; client faults (4xx) are not.
type APIError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("sync: server returned %d during %s: %s", e.StatusCode, e.Op, e.Body)
}

// Retryable reports whether err may succeed on a later attempt
func Retryable(err error) bool {
	var te *TransportError
	if errors.As(err, &te) {
		return true
	}
	var ae *APIError
	if errors.As(err, &ae) {
		return ae.StatusCode >= http.StatusInternalServerError
	}
	return false
}
