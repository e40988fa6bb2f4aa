package breaker

import (
	"testing"
	"time"
)

// fakeClock lets tests advance time without sleeping.
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestRegistry(threshold int, cooldown time.Duration) (*Registry, *fakeClock) {
	r := NewRegistryWithOptions(threshold, cooldown)
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	r.now = clock.now
	return r, clock
}

func TestRegistry_StartsClosed(t *testing.T) {
	r := NewRegistry()
	if !r.CanRetry("anthropic") {
		t.Error("fresh provider should allow calls")
	}
	if got := r.StateOf("anthropic"); got != StateClosed {
		t.Errorf("StateOf() = %q, want closed", got)
	}
}

func TestRegistry_TripsAfterThreshold(t *testing.T) {
	r, _ := newTestRegistry(3, time.Minute)

	r.RecordFailure("anthropic")
	r.RecordFailure("anthropic")
	if !r.CanRetry("anthropic") {
		t.Fatal("breaker should still be closed below threshold")
	}

	r.RecordFailure("anthropic")
	if r.CanRetry("anthropic") {
		t.Error("breaker should be open after threshold failures")
	}
	if got := r.StateOf("anthropic"); got != StateOpen {
		t.Errorf("StateOf() = %q, want open", got)
	}
}

func TestRegistry_SuccessResetsStreak(t *testing.T) {
	r, _ := newTestRegistry(3, time.Minute)

	r.RecordFailure("anthropic")
	r.RecordFailure("anthropic")
	r.RecordSuccess("anthropic")
	r.RecordFailure("anthropic")
	r.RecordFailure("anthropic")

	if !r.CanRetry("anthropic") {
		t.Error("non-consecutive failures should not trip the breaker")
	}
}

func TestRegistry_HalfOpenAfterCooldown(t *testing.T) {
	r, clock := newTestRegistry(1, time.Minute)

	r.RecordFailure("anthropic")
	if r.CanRetry("anthropic") {
		t.Fatal("breaker should be open")
	}

	clock.advance(59 * time.Second)
	if r.CanRetry("anthropic") {
		t.Error("breaker should stay open during cool-down")
	}

	clock.advance(2 * time.Second)
	if !r.CanRetry("anthropic") {
		t.Error("breaker should admit a probe after cool-down")
	}
	if got := r.StateOf("anthropic"); got != StateHalfOpen {
		t.Errorf("StateOf() = %q, want half_open", got)
	}
}

func TestRegistry_HalfOpenProbeOutcomes(t *testing.T) {
	t.Run("success closes", func(t *testing.T) {
		r, clock := newTestRegistry(1, time.Minute)
		r.RecordFailure("anthropic")
		clock.advance(2 * time.Minute)
		if !r.CanRetry("anthropic") {
			t.Fatal("probe should be admitted")
		}
		r.RecordSuccess("anthropic")
		if got := r.StateOf("anthropic"); got != StateClosed {
			t.Errorf("StateOf() = %q, want closed", got)
		}
	})

	t.Run("failure re-opens with fresh cool-down", func(t *testing.T) {
		r, clock := newTestRegistry(1, time.Minute)
		r.RecordFailure("anthropic")
		clock.advance(2 * time.Minute)
		if !r.CanRetry("anthropic") {
			t.Fatal("probe should be admitted")
		}
		r.RecordFailure("anthropic")
		if r.CanRetry("anthropic") {
			t.Error("failed probe should re-open the breaker")
		}
		clock.advance(time.Minute)
		if !r.CanRetry("anthropic") {
			t.Error("re-opened breaker should probe again after cool-down")
		}
	})
}

func TestRegistry_ProvidersAreIndependent(t *testing.T) {
	r, _ := newTestRegistry(1, time.Minute)

	r.RecordFailure("anthropic")
	if r.CanRetry("anthropic") {
		t.Error("anthropic breaker should be open")
	}
	if !r.CanRetry("bedrock") {
		t.Error("bedrock breaker should be unaffected")
	}
}
