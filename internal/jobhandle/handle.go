// Package jobhandle is the concurrency-safe map from a running job's id to
// the channel that delivers its terminal event (Done or Error). It plays
// the same role for this daemon that the teacher's jobs/runtime.Registry
// plays for job-type dispatch: the one place where id -> in-flight-handle
// binding happens, so unrelated goroutines never share mutable state
// directly. Grounded on yungbote-neurobridge-backend/internal/jobs/runtime/registry.go's
// map-plus-RWMutex shape, and on original_source's JobEventHandlersMap
// (lantern_cli/src/daemon/types.rs) for the id -> handle semantics.
package jobhandle

import (
	"fmt"
	"sync"

	"github.com/lanterndata/lanternd/internal/domain"
)

// Handle is the channel a worker uses to deliver exactly one terminal event
// for a running batch. Buffered by one so a worker never blocks delivering
// its own result even if nobody is listening yet.
type Handle chan domain.Event

// NewHandle allocates a handle with the standard buffer.
func NewHandle() Handle {
	return make(Handle, 1)
}

// Map is a concurrency-safe job id -> Handle table. At most one handle may
// be registered per job id at a time; a second Set before the first is
// Removed is almost always a dispatch bug; callers are expected to Remove
// before starting the next batch for the same job.
type Map struct {
	mu      sync.RWMutex
	handles map[int32]Handle
}

// NewMap constructs an empty handle table.
func NewMap() *Map {
	return &Map{handles: make(map[int32]Handle)}
}

// Set registers h as the active handle for jobID.
func (m *Map) Set(jobID int32, h Handle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handles[jobID] = h
}

// Get returns the active handle for jobID, if any.
func (m *Map) Get(jobID int32) (Handle, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.handles[jobID]
	return h, ok
}

// Remove forgets the handle for jobID. Safe to call whether or not one is
// registered.
func (m *Map) Remove(jobID int32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.handles, jobID)
}

// Notify delivers ev to jobID's handle, if one is registered. Non-blocking:
// the handle is buffered by one slot, so this never stalls the caller.
func (m *Map) Notify(jobID int32, ev domain.Event) {
	m.mu.RLock()
	h, ok := m.handles[jobID]
	m.mu.RUnlock()
	if !ok {
		return
	}
	select {
	case h <- ev:
	default:
	}
}

// CancelAll delivers a cancellation Event to every registered handle and
// empties the table. Used on supervisor shutdown (spec.md §5: "tearing
// down a target cancels every job it owns").
func (m *Map) CancelAll() {
	m.mu.Lock()
	handles := m.handles
	m.handles = make(map[int32]Handle)
	m.mu.Unlock()

	for _, h := range handles {
		select {
		case h <- domain.Errorf(domain.ErrCancelledReason):
		default:
		}
	}
}

// MustNotRegistered returns an error if jobID already has a handle, the
// dispatch-bug guard analogous to the teacher Registry's duplicate-handler
// check.
func (m *Map) MustNotRegistered(jobID int32) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.handles[jobID]; ok {
		return fmt.Errorf("jobhandle: job %d already has an active handle", jobID)
	}
	return nil
}
