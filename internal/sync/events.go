package sync

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// EventType names the lifecycle events an engine emits
type EventType string

const (
	EventSyncStarted   EventType = "sync_started"
	EventSyncProgress  EventType = "sync_progress"
	EventSyncCompleted EventType = "sync_completed"
	EventSyncError     EventType = "sync_error"
	EventSyncConflict  EventType = "sync_conflict"
)

// Event is one observable step of a sync round
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message,omitempty"`
	Data      any       `json:"data,omitempty"`
}

// Listener receives engine events. Listeners run synchronously in round
// order; a slow listener slows the round.
type Listener func(Event)

// State is the engine's lifecycle state
type State string

const (
	StateIdle      State = "idle"
	StateSyncing   State = "syncing"
	StatePaused    State = "paused"
	StateError     State = "error"
	StateCompleted State = "completed"
)

// Progress is a snapshot of the current (or last) round
type Progress struct {
	State               State      `json:"state"`
	CurrentOperation    string     `json:"currentOperation"`
	Percent             int        `json:"progress"`
	TotalOperations     int        `json:"totalOperations"`
	CompletedOperations int        `json:"completedOperations"`
	Errors              int        `json:"errors"`
	Conflicts           int        `json:"conflicts"`
	StartTime           *time.Time `json:"startTime,omitempty"`
	EndTime             *time.Time `json:"endTime,omitempty"`
}

// emitter keeps the listener registry and the progress snapshot
type emitter struct {
	log zerolog.Logger

	mu        sync.Mutex
	listeners map[int]Listener
	next      int
	progress  Progress
}

func newEmitter(log zerolog.Logger) *emitter {
	return &emitter{
		log:       log,
		listeners: make(map[int]Listener),
		progress:  Progress{State: StateIdle},
	}
}

func (e *emitter) addListener(fn Listener) (remove func()) {
	e.mu.Lock()
	id := e.next
	e.next++
	e.listeners[id] = fn
	e.mu.Unlock()
	return func() {
		e.mu.Lock()
		delete(e.listeners, id)
		e.mu.Unlock()
	}
}

// emit delivers the event to every listener, recovering per listener so a
// panicking observer cannot abort a round or starve its peers.
func (e *emitter) emit(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}

	e.mu.Lock()
	fns := make([]Listener, 0, len(e.listeners))
	for _, fn := range e.listeners {
		fns = append(fns, fn)
	}
	e.mu.Unlock()

	for _, fn := range fns {
		func() {
			defer func() {
				if r := recover(); r != nil {
					e.log.Error().Interface("panic", r).Str("event", string(evt.Type)).
						Msg("event listener panicked")
				}
			}()
			fn(evt)
		}()
	}
}

func (e *emitter) setProgress(update func(p *Progress)) {
	e.mu.Lock()
	update(&e.progress)
	e.mu.Unlock()
}

// snapshot returns a copy; callers can never mutate engine state through it
func (e *emitter) snapshot() Progress {
	e.mu.Lock()
	defer e.mu.Unlock()
	p := e.progress
	if p.StartTime != nil {
		t := *p.StartTime
		p.StartTime = &t
	}
	if p.EndTime != nil {
		t := *p.EndTime
		p.EndTime = &t
	}
	return p
}
