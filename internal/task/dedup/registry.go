// Package dedup tracks which transaction ids have an active or finished
// resubmission loop so the same transaction is never broadcast twice.
package dedup

import (
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

type entry struct {
	done   bool
	seen   time.Time
	doneAt time.Time
}

// Registry is a process-wide identifier set. Entries move from active to done
// and only leave through Sweep or Dispose.
type Registry struct {
	clk clock.Clock

	mu sync.Mutex
	m  map[string]*entry
}

func New(clk clock.Clock) *Registry {
	if clk == nil {
		clk = clock.New()
	}
	return &Registry{clk: clk, m: make(map[string]*entry)}
}

// Register records id as active. It returns false when the id is already
// known, whether active or done.
func (r *Registry) Register(id string) bool {
	id = strings.TrimSpace(id)
	if id == "" {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.m[id]; ok {
		return false
	}
	r.m[id] = &entry{seen: r.clk.Now()}
	return true
}

// Release forgets id while it is still active, so a claim that never led to
// a broadcast can be retried. Done entries are kept.
func (r *Registry) Release(id string) bool {
	id = strings.TrimSpace(id)
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.m[id]
	if e == nil || e.done {
		return false
	}
	delete(r.m, id)
	return true
}

// MarkDone flags id as finished. Unknown ids get a done tombstone so a late
// Register for the same id is refused.
func (r *Registry) MarkDone(id string) {
	id = strings.TrimSpace(id)
	if id == "" {
		return
	}
	now := r.clk.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.m[id]
	if e == nil {
		r.m[id] = &entry{done: true, seen: now, doneAt: now}
		return
	}
	if !e.done {
		e.done = true
		e.doneAt = now
	}
}

func (r *Registry) IsDone(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.m[strings.TrimSpace(id)]
	return e != nil && e.done
}

func (r *Registry) Known(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.m[strings.TrimSpace(id)]
	return ok
}

// Active returns the number of entries not yet marked done.
func (r *Registry) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.m {
		if !e.done {
			n++
		}
	}
	return n
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.m)
}

// Sweep drops done entries older than retention and returns how many were
// removed. Active entries are never swept.
func (r *Registry) Sweep(retention time.Duration) int {
	if retention < 0 {
		retention = 0
	}
	cutoff := r.clk.Now().Add(-retention)
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, e := range r.m {
		if e.done && !e.doneAt.After(cutoff) {
			delete(r.m, id)
			n++
		}
	}
	return n
}

func (r *Registry) Dispose() {
	r.mu.Lock()
	r.m = make(map[string]*entry)
	r.mu.Unlock()
}
