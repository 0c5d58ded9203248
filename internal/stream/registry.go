// SPDX-License-Identifier: MIT

package stream

import (
	"sync"
	"time"
)

// Factory builds a new Stream for an id the Registry has not seen before.
type Factory func(id string) *Stream

// Registry is the process-wide map from stream id to Stream, plus a global
// "accepting new work" flag and a bulk teardown. Registry access is
// serialized by its own lock; per-Stream state is serialized separately by
// each Stream's own lock.
type Registry struct {
	factory Factory

	mu        sync.Mutex
	accepting bool
	streams   map[string]*Stream
}

// NewRegistry creates a Registry that builds not-yet-seen streams with factory.
func NewRegistry(factory Factory) *Registry {
	return &Registry{
		factory:   factory,
		accepting: true,
		streams:   make(map[string]*Stream),
	}
}

// Get returns the Stream for id, creating it under the registry lock if this
// is the first reference to it. Streams are never destroyed while the
// registry is accepting work.
func (r *Registry) Get(id string) *Stream {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.streams[id]; ok {
		return s
	}
	s := r.factory(id)
	r.streams[id] = s
	return s
}

// Start admits k viewers (or arms the HTTPViewer when httpWait is set) for
// id. Dropped entirely once the registry has stopped accepting work.
func (r *Registry) Start(id string, k int, httpWait time.Duration) {
	r.mu.Lock()
	accepting := r.accepting
	r.mu.Unlock()
	if !accepting {
		return
	}

	r.Get(id).Inc(k, httpWait)
}

// Stop removes one viewer from id. A Stop for an id never referenced is a
// no-op — there is nothing to stop.
func (r *Registry) Stop(id string) {
	r.mu.Lock()
	s, ok := r.streams[id]
	r.mu.Unlock()
	if !ok {
		return
	}
	s.Dec(false)
}

// Alive reports whether id currently has a live transcoder process. Used by
// the thumbnail sweeper to decide between the local republisher and the
// stream's origin.
func (r *Registry) Alive(id string) bool {
	r.mu.Lock()
	s, ok := r.streams[id]
	r.mu.Unlock()
	if !ok {
		return false
	}
	return s.Alive()
}

// TerminateAll stops accepting new work and immediately kills every known
// Stream's process. After it returns, accepting == false is visible to all
// subsequent Start calls, and every Stream has proc == nil, procRun == false.
func (r *Registry) TerminateAll() {
	r.mu.Lock()
	r.accepting = false
	streams := make([]*Stream, 0, len(r.streams))
	for _, s := range r.streams {
		streams = append(streams, s)
	}
	r.mu.Unlock()

	for _, s := range streams {
		s.HardStop()
	}
}

// Accepting reports whether the registry currently accepts new Start calls.
func (r *Registry) Accepting() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.accepting
}

// Status is a point-in-time summary of one Stream, suitable for health and
// diagnostics reporting.
type Status struct {
	ID      string
	State   string
	Clients int
}

// Snapshot reports the current Status of every Stream the registry has
// ever seen, in no particular order. It is advisory, like every other read
// of Stream state: a Stream may transition between the snapshot and the
// caller observing it.
func (r *Registry) Snapshot() []Status {
	r.mu.Lock()
	streams := make([]*Stream, 0, len(r.streams))
	for _, s := range r.streams {
		streams = append(streams, s)
	}
	r.mu.Unlock()

	out := make([]Status, 0, len(streams))
	for _, s := range streams {
		out = append(out, Status{ID: s.ID(), State: s.State(), Clients: s.Clients()})
	}
	return out
}
