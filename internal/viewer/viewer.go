// SPDX-License-Identifier: MIT

// Package viewer implements the debounced "HTTP viewer present" flag owned
// by a Stream. HTTP pulls are stateless, so presence is inferred from any
// recent request touching the stream; repeated arms simply refresh a
// deadline instead of re-arming.
package viewer

import (
	"sync"
	"time"
)

// Parent receives the decrement callback when an armed HTTPViewer expires.
type Parent interface {
	Dec(http bool)
}

// HTTPViewer is a single-slot, debounced presence flag. The zero value is
// not usable; construct with New.
type HTTPViewer struct {
	parent Parent

	mu       sync.Mutex
	armed    bool
	deadline time.Time
	timer    *time.Timer
	// generation guards against a timer firing after a later Arm has
	// already reset the deadline out from under it (the source's
	// "set self.timeout before taking the lock" race, closed here by
	// latching the deadline and generation under the same lock the
	// timer callback also takes).
	generation uint64
}

// New creates an idle HTTPViewer that reports expirations to parent.
func New(parent Parent) *HTTPViewer {
	return &HTTPViewer{parent: parent}
}

// Arm marks the viewer present for timeout. If already armed, the deadline
// is refreshed: the pending timer is stopped and replaced by a new one
// tied to a new generation, rather than reused via Timer.Reset, since
// Reset racing against an in-flight firing of the old timer is exactly the
// "stale callback fires after a refresh" bug this package must avoid.
// Returns immediately.
func (v *HTTPViewer) Arm(timeout time.Duration) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.timer != nil {
		v.timer.Stop()
	}

	v.generation++
	gen := v.generation
	v.deadline = time.Now().Add(timeout)
	v.armed = true
	v.timer = time.AfterFunc(timeout, func() { v.fire(gen) })
}

// Present reports whether the viewer is currently armed.
func (v *HTTPViewer) Present() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.armed
}

// fire runs in the timer's own goroutine. gen pins it to the arm cycle that
// created it; since every Arm creates its own timer (rather than resetting
// a shared one) and bumps the generation first, a firing whose gen no
// longer matches the current generation always corresponds to a timer a
// later Arm has already superseded, and is ignored.
func (v *HTTPViewer) fire(gen uint64) {
	v.mu.Lock()
	if gen != v.generation || !v.armed {
		v.mu.Unlock()
		return
	}
	v.armed = false
	v.mu.Unlock()

	v.parent.Dec(true)
}
