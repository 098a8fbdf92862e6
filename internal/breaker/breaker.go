package breaker

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned while a platform is in cooldown; callers fail
// fast instead of hammering a failing platform.
var ErrCircuitOpen = errors.New("breaker: circuit open")

// State is the breaker state for one key.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

type entry struct {
	state    State
	failures int
	openedAt time.Time
	trial    bool
}

// Breaker is a keyed circuit breaker. The orchestrator keys it by tenant and
// platform so one tenant's failing platform never blocks another tenant.
type Breaker struct {
	mu        sync.Mutex
	threshold int
	cooldown  time.Duration
	entries   map[string]*entry
	now       func() time.Time
}

// New creates a Breaker that opens after threshold consecutive failures and
// stays open for cooldown before allowing a single half-open trial.
func New(threshold int, cooldown time.Duration) *Breaker {
	if threshold < 1 {
		threshold = 1
	}
	return &Breaker{
		threshold: threshold,
		cooldown:  cooldown,
		entries:   make(map[string]*entry),
		now:       time.Now,
	}
}

func (b *Breaker) get(key string) *entry {
	e, ok := b.entries[key]
	if !ok {
		e = &entry{}
		b.entries[key] = e
	}
	return e
}

// Allow reports whether a call may proceed for key. In the open state it
// returns ErrCircuitOpen until the cooldown elapses, then admits exactly one
// trial call until Success or Failure settles the outcome.
func (b *Breaker) Allow(key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	e := b.get(key)
	switch e.state {
	case StateClosed:
		return nil
	case StateOpen:
		if b.now().Sub(e.openedAt) < b.cooldown {
			return ErrCircuitOpen
		}
		e.state = StateHalfOpen
		e.trial = true
		return nil
	case StateHalfOpen:
		if e.trial {
			return ErrCircuitOpen
		}
		e.trial = true
		return nil
	}
	return nil
}

// Success records a successful call, closing the circuit.
func (b *Breaker) Success(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e := b.get(key)
	e.state = StateClosed
	e.failures = 0
	e.trial = false
}

// Failure records a failed call. In the half-open state the failed trial
// reopens the circuit for a fresh cooldown.
func (b *Breaker) Failure(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e := b.get(key)
	switch e.state {
	case StateHalfOpen:
		e.state = StateOpen
		e.openedAt = b.now()
		e.trial = false
	default:
		e.failures++
		if e.failures >= b.threshold {
			e.state = StateOpen
			e.openedAt = b.now()
		}
	}
}

// StateOf returns the current state for key, for metrics and status output.
func (b *Breaker) StateOf(key string) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.get(key).state
}
