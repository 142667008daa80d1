package relay

import (
	"sync"
	"time"
)

// CircuitConfig configures the relay breaker. TripFailures < 0 disables it.
type CircuitConfig struct {
	TripFailures int
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	ResetAfter   time.Duration
}

func (c CircuitConfig) withDefaults() CircuitConfig {
	if c.TripFailures == 0 {
		c.TripFailures = 5
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 5 * time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 2 * time.Minute
	}
	if c.MaxDelay < c.BaseDelay {
		c.MaxDelay = c.BaseDelay
	}
	if c.ResetAfter <= 0 {
		c.ResetAfter = 5 * time.Minute
	}
	return c
}

// circuit is a consecutive-failure breaker with exponential cooldown:
//   - success resets failures and closes the circuit;
//   - once failures >= trip, the circuit opens for base*2^(failures-trip),
//     capped at max.
type circuit struct {
	cfg CircuitConfig

	mu          sync.Mutex
	fails       int
	openUntil   time.Time
	lastFailure time.Time
}

func newCircuit(cfg CircuitConfig) *circuit { return &circuit{cfg: cfg.withDefaults()} }

func (c *circuit) enabled() bool { return c != nil && c.cfg.TripFailures > 0 }

// open reports whether calls must be skipped at now, and until when.
func (c *circuit) open(now time.Time) (bool, time.Time) {
	if !c.enabled() {
		return false, time.Time{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.maybeReset(now)
	if !c.openUntil.IsZero() && now.Before(c.openUntil) {
		return true, c.openUntil
	}
	return false, time.Time{}
}

func (c *circuit) record(now time.Time, err error) {
	if !c.enabled() {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.maybeReset(now)

	if err == nil {
		c.fails = 0
		c.openUntil = time.Time{}
		c.lastFailure = time.Time{}
		return
	}
	c.fails++
	c.lastFailure = now
	if c.fails < c.cfg.TripFailures {
		return
	}
	d := c.cfg.BaseDelay
	for i := 0; i < c.fails-c.cfg.TripFailures; i++ {
		d *= 2
		if d >= c.cfg.MaxDelay {
			d = c.cfg.MaxDelay
			break
		}
	}
	c.openUntil = now.Add(d)
}

// maybeReset forgets failures when the last one is older than ResetAfter.
// Callers hold mu.
func (c *circuit) maybeReset(now time.Time) {
	if !c.lastFailure.IsZero() && now.Sub(c.lastFailure) > c.cfg.ResetAfter {
		c.fails = 0
		c.openUntil = time.Time{}
	}
}
