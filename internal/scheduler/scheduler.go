// Package scheduler drives periodic sync rounds and the opportunistic
// round that follows a reconnect.
package scheduler

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dukapos/dukasync/internal/netgate"
	enginepkg "github.com/dukapos/dukasync/internal/sync"
)

// Syncer is the slice of the engine the scheduler needs
type Syncer interface {
	SyncAll(ctx context.Context, opts enginepkg.Options) (*enginepkg.AllResult, error)
}

// Scheduler triggers SyncAll on a fixed interval and whenever the gate
// flips back online. Triggers that land while a round is running are
// dropped; the engine rejects them anyway.
type Scheduler struct {
	engine   Syncer
	gate     netgate.Gate
	interval time.Duration
	log      zerolog.Logger

	mu         sync.Mutex
	running    bool
	cancel     context.CancelFunc
	removeGate func()
	wg         sync.WaitGroup
}

// New builds a Scheduler. Interval must be positive.
func New(engine Syncer, gate netgate.Gate, interval time.Duration, log zerolog.Logger) *Scheduler {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Scheduler{
		engine:   engine,
		gate:     gate,
		interval: interval,
		log:      log.With().Str("component", "scheduler").Logger(),
	}
}

// Start launches the periodic loop and the reconnect listener. The first
// tick is jittered so a fleet of devices restarting together does not slam
// the server at once.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.removeGate = s.gate.AddListener(func(online bool) {
		if !online {
			return
		}
		s.log.Info().Msg("network restored, triggering sync")
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.run(ctx)
		}()
	})

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop(ctx)
	}()

	s.log.Info().Dur("interval", s.interval).Msg("scheduler started")
}

// Stop cancels the loop and waits for any in-flight trigger to return
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.cancel()
	if s.removeGate != nil {
		s.removeGate()
	}
	s.mu.Unlock()

	s.wg.Wait()
	s.log.Info().Msg("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	// Jitter up to 10% of the interval before the first tick.
	jitter := time.Duration(rand.Int63n(int64(s.interval)/10 + 1))
	select {
	case <-time.After(jitter):
	case <-ctx.Done():
		return
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		s.run(ctx)
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

func (s *Scheduler) run(ctx context.Context) {
	_, err := s.engine.SyncAll(ctx, enginepkg.Options{})
	switch {
	case err == nil:
	case errors.Is(err, enginepkg.ErrSyncInProgress),
		errors.Is(err, enginepkg.ErrPaused),
		errors.Is(err, enginepkg.ErrOffline):
		s.log.Debug().Err(err).Msg("scheduled sync skipped")
	case errors.Is(err, context.Canceled):
	default:
		s.log.Warn().Err(err).Msg("scheduled sync failed")
	}
}
