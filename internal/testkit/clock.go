// Package testkit holds helpers shared by package tests.
package testkit

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

// SignalClock is a mock clock that reports every timer armed through it, so
// tests advance time only once a loop is actually waiting.
type SignalClock struct {
	*clock.Mock
	armed chan time.Duration
}

var _ clock.Clock = (*SignalClock)(nil)

func NewSignalClock() *SignalClock {
	return &SignalClock{Mock: clock.NewMock(), armed: make(chan time.Duration, 1024)}
}

func (c *SignalClock) Timer(d time.Duration) *clock.Timer {
	t := c.Mock.Timer(d)
	c.armed <- d
	return t
}

// WaitArmed blocks until some goroutine arms a timer and returns its duration.
func (c *SignalClock) WaitArmed(t testing.TB) time.Duration {
	t.Helper()
	select {
	case d := <-c.armed:
		return d
	case <-time.After(2 * time.Second):
		t.Fatalf("no timer armed")
		return 0
	}
}

// Fire waits for the next armed timer and fires it.
func (c *SignalClock) Fire(t testing.TB) time.Duration {
	t.Helper()
	d := c.WaitArmed(t)
	c.Add(d)
	return d
}

// Eventually polls cond until it holds or a second passes.
func Eventually(t testing.TB, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met: %s", msg)
}
