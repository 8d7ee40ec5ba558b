// Copyright 2025 Squadron Authors
// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"log"
	"sync"
	"time"
)

// CircuitState is the health state of one agent's breaker.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

// String returns the lowercase state name used in logs and metrics labels.
func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// HealthEvent describes a single breaker transition.
type HealthEvent struct {
	AgentID string       `json:"agent_id"`
	From    CircuitState `json:"from"`
	To      CircuitState `json:"to"`
	At      time.Time    `json:"at"`
}

// BreakerSettings tunes the failure detector.
type BreakerSettings struct {
	// FailureThreshold is the rolling failure rate that opens the circuit.
	FailureThreshold float64
	// WindowSize is the number of most recent attempts considered.
	WindowSize int
	// MinSamples is the minimum attempt count before the rate is evaluated.
	MinSamples int
	// Cooldown is the initial open-period length. It doubles on every
	// failed half-open probe, bounded by MaxCooldown, and resets to the
	// base value when the circuit closes.
	Cooldown    time.Duration
	MaxCooldown time.Duration
}

// BreakerSettingsFromConfig extracts breaker settings from a Config.
func BreakerSettingsFromConfig(c Config) BreakerSettings {
	return BreakerSettings{
		FailureThreshold: c.CircuitFailureThreshold,
		WindowSize:       c.CircuitWindowSize,
		MinSamples:       c.CircuitMinSamples,
		Cooldown:         c.CircuitCooldown,
		MaxCooldown:      c.CircuitMaxCooldown,
	}
}

// CircuitBreaker is a per-agent failure detector. It cycles
// closed -> open -> half-open indefinitely; there is no terminal state.
//
// All mutation happens under the breaker's own lock since many
// concurrent tasks read and write the same agent's health.
type CircuitBreaker struct {
	agentID  string
	settings BreakerSettings
	sink     HealthSink

	mu         sync.Mutex
	state      CircuitState
	gen        uint64 // bumped on every state transition
	window     []bool // ring buffer of outcomes, true = failure
	head       int
	samples    int
	failures   int
	attempts   uint64 // strictly increasing; each attempt counted once
	openedAt   time.Time
	cooldown   time.Duration
	probeInUse bool
	now        func() time.Time
}

// NewCircuitBreaker creates a closed breaker for one agent.
func NewCircuitBreaker(agentID string, settings BreakerSettings, sink HealthSink) *CircuitBreaker {
	if sink == nil {
		sink = NopSink{}
	}
	return &CircuitBreaker{
		agentID:  agentID,
		settings: settings,
		sink:     sink,
		state:    CircuitClosed,
		window:   make([]bool, settings.WindowSize),
		cooldown: settings.Cooldown,
		now:      time.Now,
	}
}

// Allow reports whether a dispatch attempt may be made. In the open
// state it returns ErrCircuitOpen until the cooldown elapses, at which
// point the breaker moves to half-open and admits exactly one probe.
//
// On admission it returns a done callback the caller invokes with the
// attempt's outcome. done is bound to the state that admitted the
// attempt: if the breaker has transitioned since, the outcome is
// dropped, so a result from before the circuit opened can never resolve
// a later probe.
func (b *CircuitBreaker) Allow() (done func(success bool), err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case CircuitOpen:
		if b.now().Sub(b.openedAt) < b.cooldown {
			return nil, ErrCircuitOpen
		}
		b.transition(CircuitHalfOpen)
		b.probeInUse = true
	case CircuitHalfOpen:
		if b.probeInUse {
			return nil, ErrCircuitOpen
		}
		b.probeInUse = true
	}
	return b.doneLocked(), nil
}

// ForceProbe admits a single probe regardless of the remaining cooldown.
// The router uses it as a last resort when every capable agent is open.
// The returned callback reports the probe's outcome, like Allow's.
func (b *CircuitBreaker) ForceProbe() func(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == CircuitOpen {
		b.transition(CircuitHalfOpen)
	}
	b.probeInUse = true
	return b.doneLocked()
}

// doneLocked binds an outcome callback to the current state generation.
// Callers hold b.mu.
func (b *CircuitBreaker) doneLocked() func(success bool) {
	gen := b.gen
	return func(success bool) {
		b.mu.Lock()
		defer b.mu.Unlock()
		if gen != b.gen {
			// The state that admitted this attempt is gone; its outcome
			// resolves nothing.
			return
		}
		b.recordLocked(!success)
	}
}

// RecordSuccess records one successful attempt outcome against the
// current state. Callers whose attempts can outlive a state transition
// report through the callback returned by Allow instead.
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.recordLocked(false)
}

// RecordFailure records one failed attempt outcome against the current
// state.
func (b *CircuitBreaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.recordLocked(true)
}

func (b *CircuitBreaker) recordLocked(failed bool) {
	switch b.state {
	case CircuitHalfOpen:
		b.attempts++
		b.probeInUse = false
		if failed {
			// Probe failed: reopen with a doubled cooldown.
			b.cooldown *= 2
			if b.cooldown > b.settings.MaxCooldown {
				b.cooldown = b.settings.MaxCooldown
			}
			b.openedAt = b.now()
			b.transition(CircuitOpen)
			return
		}
		// Probe succeeded: close and start a fresh window.
		b.resetWindow()
		b.cooldown = b.settings.Cooldown
		b.transition(CircuitClosed)

	case CircuitClosed:
		b.attempts++
		b.push(failed)
		if b.samples >= b.settings.MinSamples && b.failureRate() >= b.settings.FailureThreshold {
			b.openedAt = b.now()
			b.transition(CircuitOpen)
		}

	case CircuitOpen:
		// Outcome of an attempt admitted before the circuit opened.
		// The attempt was already counted; ignore it here so nothing is
		// counted twice.
	}
}

// push records one outcome in the ring buffer.
func (b *CircuitBreaker) push(failed bool) {
	if b.samples == len(b.window) {
		// Evict the oldest outcome.
		if b.window[b.head] {
			b.failures--
		}
	} else {
		b.samples++
	}
	b.window[b.head] = failed
	if failed {
		b.failures++
	}
	b.head = (b.head + 1) % len(b.window)
}

func (b *CircuitBreaker) failureRate() float64 {
	if b.samples == 0 {
		return 0
	}
	return float64(b.failures) / float64(b.samples)
}

func (b *CircuitBreaker) resetWindow() {
	for i := range b.window {
		b.window[i] = false
	}
	b.head = 0
	b.samples = 0
	b.failures = 0
}

// transition changes state and emits a health event. Callers hold b.mu.
func (b *CircuitBreaker) transition(to CircuitState) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	b.gen++
	log.Printf("[CircuitBreaker] Agent %s: %s -> %s", b.agentID, from, to)
	b.sink.CircuitTransition(HealthEvent{
		AgentID: b.agentID,
		From:    from,
		To:      to,
		At:      b.now(),
	})
}

// State returns the current state without mutating it.
func (b *CircuitBreaker) State() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// OpenedAt returns when the circuit last opened (zero if never).
func (b *CircuitBreaker) OpenedAt() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.openedAt
}

// Attempts returns the monotonic attempt counter.
func (b *CircuitBreaker) Attempts() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempts
}

// BreakerSet owns one breaker per agent. It is an explicitly injected
// component rather than process-global state so independent instances
// can coexist in tests.
type BreakerSet struct {
	settings BreakerSettings
	sink     HealthSink

	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
}

// NewBreakerSet creates an empty breaker set.
func NewBreakerSet(settings BreakerSettings, sink HealthSink) *BreakerSet {
	if sink == nil {
		sink = NopSink{}
	}
	return &BreakerSet{
		settings: settings,
		sink:     sink,
		breakers: make(map[string]*CircuitBreaker),
	}
}

// Ensure creates the breaker for an agent if it does not exist yet.
// Breakers survive re-registration so health history is not lost.
func (s *BreakerSet) Ensure(agentID string) *CircuitBreaker {
	s.mu.RLock()
	b, exists := s.breakers[agentID]
	s.mu.RUnlock()
	if exists {
		return b
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if b, exists = s.breakers[agentID]; exists {
		return b
	}
	b = NewCircuitBreaker(agentID, s.settings, s.sink)
	s.breakers[agentID] = b
	return b
}

// Get returns the breaker for an agent, creating it if needed.
func (s *BreakerSet) Get(agentID string) *CircuitBreaker {
	return s.Ensure(agentID)
}

// StateOf returns the circuit state of an agent. Unknown agents report
// closed, matching a freshly created breaker.
func (s *BreakerSet) StateOf(agentID string) CircuitState {
	s.mu.RLock()
	b, exists := s.breakers[agentID]
	s.mu.RUnlock()
	if !exists {
		return CircuitClosed
	}
	return b.State()
}

// LeastRecentlyOpened picks, among the given agents, the one whose
// circuit opened longest ago. Used for the forced-probe last resort.
func (s *BreakerSet) LeastRecentlyOpened(agentIDs []string) string {
	var chosen string
	var oldest time.Time
	for _, id := range agentIDs {
		openedAt := s.Get(id).OpenedAt()
		if chosen == "" || openedAt.Before(oldest) {
			chosen = id
			oldest = openedAt
		}
	}
	return chosen
}
