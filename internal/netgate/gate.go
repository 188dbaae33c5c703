// Package netgate answers the single question "is the sync server
// reachable right now" and notifies subscribers on transitions.
package netgate

import (
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Gate reports network reachability. Listeners fire on every transition,
// synchronously from the goroutine that observed it.
type Gate interface {
	IsOnline() bool
	AddListener(fn func(online bool)) (remove func())
}

// Status is a snapshot of the probe's health counters.
type Status struct {
	URL          string        `json:"url"`
	Online       bool          `json:"online"`
	LastCheck    time.Time     `json:"lastCheck"`
	LastSuccess  *time.Time    `json:"lastSuccess,omitempty"`
	LastFailure  *time.Time    `json:"lastFailure,omitempty"`
	SuccessCount int           `json:"successCount"`
	FailureCount int           `json:"failureCount"`
	AvgLatency   time.Duration `json:"avgLatency"`
}

// Probe polls a health endpoint and derives online/offline state from it.
// Failure flips the state immediately; recovery is detected on the next tick.
type Probe struct {
	url      string
	interval time.Duration
	client   *http.Client
	log      zerolog.Logger

	mu           sync.RWMutex
	online       bool
	lastCheck    time.Time
	lastSuccess  *time.Time
	lastFailure  *time.Time
	successCount int
	failureCount int
	latencySum   time.Duration
	latencyCount int
	listeners    map[int]func(online bool)
	nextListener int
	running      bool
	stop         chan struct{}
}

// NewProbe builds a probe against the given health URL. Checks only start
// with Start; until the first check the gate reports offline.
func NewProbe(url string, interval, timeout time.Duration, log zerolog.Logger) *Probe {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Probe{
		url:       url,
		interval:  interval,
		client:    &http.Client{Timeout: timeout},
		log:       log.With().Str("component", "netgate").Logger(),
		listeners: make(map[int]func(online bool)),
		stop:      make(chan struct{}),
	}
}

// Start runs an immediate check and begins the periodic loop
func (p *Probe) Start() {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.mu.Unlock()

	p.Check()
	go p.loop()
}

// Stop halts the periodic loop. The gate keeps its last observed state.
func (p *Probe) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return
	}
	p.running = false
	close(p.stop)
}

func (p *Probe) loop() {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.Check()
		case <-p.stop:
			return
		}
	}
}

// Check performs one health check and returns the resulting online state.
// The sync engine calls this before a round so a stale offline verdict does
// not block a round on a network that just came back.
func (p *Probe) Check() bool {
	start := time.Now()
	resp, err := p.client.Get(p.url)
	latency := time.Since(start)

	ok := err == nil && resp.StatusCode == http.StatusOK
	if resp != nil {
		resp.Body.Close()
	}

	p.mu.Lock()
	now := time.Now().UTC()
	p.lastCheck = now
	if ok {
		p.successCount++
		p.lastSuccess = &now
		p.latencySum += latency
		p.latencyCount++
	} else {
		p.failureCount++
		p.lastFailure = &now
	}
	changed := p.online != ok
	p.online = ok
	var fns []func(online bool)
	if changed {
		for _, fn := range p.listeners {
			fns = append(fns, fn)
		}
	}
	p.mu.Unlock()

	if changed {
		if ok {
			p.log.Info().Str("url", p.url).Dur("latency", latency).Msg("server reachable")
		} else {
			p.log.Warn().Str("url", p.url).Err(err).Msg("server unreachable")
		}
		for _, fn := range fns {
			fn(ok)
		}
	}
	return ok
}

// IsOnline reports the last observed reachability
func (p *Probe) IsOnline() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.online
}

// AddListener registers a transition callback and returns its remover
func (p *Probe) AddListener(fn func(online bool)) (remove func()) {
	p.mu.Lock()
	id := p.nextListener
	p.nextListener++
	p.listeners[id] = fn
	p.mu.Unlock()
	return func() {
		p.mu.Lock()
		delete(p.listeners, id)
		p.mu.Unlock()
	}
}

// Snapshot returns the current health counters for the status API
func (p *Probe) Snapshot() Status {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s := Status{
		URL:          p.url,
		Online:       p.online,
		LastCheck:    p.lastCheck,
		SuccessCount: p.successCount,
		FailureCount: p.failureCount,
	}
	if p.lastSuccess != nil {
		t := *p.lastSuccess
		s.LastSuccess = &t
	}
	if p.lastFailure != nil {
		t := *p.lastFailure
		s.LastFailure = &t
	}
	if p.latencyCount > 0 {
		s.AvgLatency = p.latencySum / time.Duration(p.latencyCount)
	}
	return s
}

// Static is a fixed-state gate, used by tests and the CLI force path.
type Static struct {
	mu        sync.RWMutex
	online    bool
	listeners map[int]func(online bool)
	next      int
}

// NewStatic returns a gate pinned to the given state until Set is called
func NewStatic(online bool) *Static {
	return &Static{online: online, listeners: make(map[int]func(online bool))}
}

func (s *Static) IsOnline() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.online
}

// Set changes the state and fires listeners on a transition
func (s *Static) Set(online bool) {
	s.mu.Lock()
	changed := s.online != online
	s.online = online
	var fns []func(online bool)
	if changed {
		for _, fn := range s.listeners {
			fns = append(fns, fn)
		}
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(online)
	}
}

func (s *Static) AddListener(fn func(online bool)) (remove func()) {
	s.mu.Lock()
	id := s.next
	s.next++
	s.listeners[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}
