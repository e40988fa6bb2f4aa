// Package breaker implements a per-provider circuit breaker. It gates
// retries against an LLM provider that is globally down, so the recovery
// loop does not hammer an outage while per-task backoff continues to apply
// for unrelated failures.
package breaker

import (
	"log"
	"sync"
	"time"
)

// State represents the health of one provider.
type State string

const (
	// StateClosed means the provider is healthy and calls may proceed.
	StateClosed State = "closed"
	// StateOpen means the provider tripped and calls are suppressed.
	StateOpen State = "open"
	// StateHalfOpen means the cool-down elapsed and a single probe may run.
	StateHalfOpen State = "half_open"
)

// DefaultFailureThreshold is how many consecutive failures trip the breaker.
const DefaultFailureThreshold = 5

// DefaultCooldown is how long an open breaker waits before probing.
const DefaultCooldown = 2 * time.Minute

type providerState struct {
	state    State
	failures int
	openedAt time.Time
}

// Registry tracks circuit state per provider name. State is shared
// process-wide: every task using a provider consults the same entry.
type Registry struct {
	mu        sync.Mutex
	providers map[string]*providerState
	threshold int
	cooldown  time.Duration

	// now is replaceable for tests.
	now func() time.Time
}

// NewRegistry creates a Registry with default threshold and cool-down.
func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[string]*providerState),
		threshold: DefaultFailureThreshold,
		cooldown:  DefaultCooldown,
		now:       time.Now,
	}
}

// NewRegistryWithOptions creates a Registry with explicit tuning. Values <= 0
// fall back to the defaults.
func NewRegistryWithOptions(threshold int, cooldown time.Duration) *Registry {
	r := NewRegistry()
	if threshold > 0 {
		r.threshold = threshold
	}
	if cooldown > 0 {
		r.cooldown = cooldown
	}
	return r
}

// get returns the entry for a provider, creating a closed one on first use.
// Caller must hold r.mu.
func (r *Registry) get(provider string) *providerState {
	ps, ok := r.providers[provider]
	if !ok {
		ps = &providerState{state: StateClosed}
		r.providers[provider] = ps
	}
	return ps
}

// CanRetry reports whether calls against the provider may proceed. An open
// breaker transitions to half-open here once its cool-down has elapsed, which
// admits exactly the probing call.
func (r *Registry) CanRetry(provider string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	ps := r.get(provider)
	switch ps.state {
	case StateClosed, StateHalfOpen:
		return true
	case StateOpen:
		if r.now().Sub(ps.openedAt) >= r.cooldown {
			ps.state = StateHalfOpen
			log.Printf("[breaker] provider %s: open -> half-open after cool-down", provider)
			return true
		}
		return false
	default:
		return true
	}
}

// RecordSuccess marks a successful call. A half-open breaker closes; a closed
// breaker resets its failure streak.
func (r *Registry) RecordSuccess(provider string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ps := r.get(provider)
	if ps.state == StateHalfOpen || ps.state == StateOpen {
		log.Printf("[breaker] provider %s: %s -> closed after success", provider, ps.state)
	}
	ps.state = StateClosed
	ps.failures = 0
}

// RecordFailure marks a failed call. A half-open probe failure re-opens the
// breaker immediately with a fresh cool-down; in the closed state the
// consecutive-failure threshold applies.
func (r *Registry) RecordFailure(provider string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ps := r.get(provider)
	switch ps.state {
	case StateHalfOpen:
		ps.state = StateOpen
		ps.openedAt = r.now()
		ps.failures = r.threshold
		log.Printf("[breaker] provider %s: probe failed, re-opened", provider)
	case StateClosed:
		ps.failures++
		if ps.failures >= r.threshold {
			ps.state = StateOpen
			ps.openedAt = r.now()
			log.Printf("[breaker] provider %s: tripped after %d consecutive failures", provider, ps.failures)
		}
	case StateOpen:
		// Already open; refreshing openedAt would extend the outage window
		// unnecessarily, so leave it.
	}
}

// StateOf returns the current state for a provider.
func (r *Registry) StateOf(provider string) State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.get(provider).state
}

// Reset clears all circuit state. Intended for tests and operator tooling.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers = make(map[string]*providerState)
}
