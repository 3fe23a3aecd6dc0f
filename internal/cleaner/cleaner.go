// Package cleaner provides hierarchical, scoped release of timers and
// callbacks. Every long-lived overlay object (a Manager, a PeerConnection,
// a ring Node) owns a Cleaner; destroying the object calls Clean, which
// idempotently cancels all timers, runs release callbacks in LIFO order,
// and propagates to child cleaners.
//
// There are no locks taken across a suspension point anywhere in this
// package — the cooperative single-threaded event loop (spec.md §5) is
// what makes that safe, not a mutex discipline here. The mutex below only
// protects the Cleaner's own bookkeeping from concurrent goroutines (timer
// callbacks run on their own goroutine per time.AfterFunc).
package cleaner

import (
	"sync"
	"time"
)

// Cleaner is a scoped bag of timers and release actions.
type Cleaner struct {
	mu       sync.Mutex
	dead     bool
	timers   map[string]*time.Timer
	releases []func()
	children []*Cleaner
}

// New creates a root Cleaner.
func New() *Cleaner {
	return &Cleaner{timers: make(map[string]*time.Timer)}
}

// AddChild creates a new Cleaner whose lifetime is bound to c: cleaning c
// cleans every child. If c is already dead, the child is cleaned
// immediately (a no-op Cleaner is still returned so callers don't need a
// nil check).
func (c *Cleaner) AddChild() *Cleaner {
	child := New()
	c.mu.Lock()
	if c.dead {
		c.mu.Unlock()
		child.Clean()
		return child
	}
	c.children = append(c.children, child)
	c.mu.Unlock()
	return child
}

// SetTimer installs a named one-shot timer, replacing any existing timer
// of the same name. A no-op if the Cleaner is already dead.
func (c *Cleaner) SetTimer(name string, d time.Duration, fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dead {
		return
	}
	if existing, ok := c.timers[name]; ok {
		existing.Stop()
	}
	c.timers[name] = time.AfterFunc(d, fn)
}

// CancelTimer idempotently cancels a named timer.
func (c *Cleaner) CancelTimer(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.timers[name]; ok {
		t.Stop()
		delete(c.timers, name)
	}
}

// HasTimer reports whether a named timer is currently pending.
func (c *Cleaner) HasTimer(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.timers[name]
	return ok
}

// AddRelease registers a release action to run (LIFO with respect to other
// release actions) when Clean is called. If the Cleaner is already dead,
// fn runs immediately.
func (c *Cleaner) AddRelease(fn func()) {
	c.mu.Lock()
	if c.dead {
		c.mu.Unlock()
		fn()
		return
	}
	c.releases = append(c.releases, fn)
	c.mu.Unlock()
}

// Dead reports whether Clean has already run.
func (c *Cleaner) Dead() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dead
}

// Clean cancels all timers, runs release actions LIFO, cleans every child,
// and marks the Cleaner dead so future SetTimer/AddRelease calls become
// no-ops (or run-immediately, for AddRelease). Idempotent.
func (c *Cleaner) Clean() {
	c.mu.Lock()
	if c.dead {
		c.mu.Unlock()
		return
	}
	c.dead = true
	timers := c.timers
	c.timers = nil
	releases := c.releases
	c.releases = nil
	children := c.children
	c.children = nil
	c.mu.Unlock()

	for _, t := range timers {
		t.Stop()
	}
	for _, child := range children {
		child.Clean()
	}
	for i := len(releases) - 1; i >= 0; i-- {
		releases[i]()
	}
}
