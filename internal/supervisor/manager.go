package supervisor

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"sync"

	"github.com/lanterndata/lanternd/internal/catalog"
	"github.com/lanterndata/lanternd/internal/logger"
)

// TargetRunner spawns and runs a full supervisor for one target database
// URI until its context is cancelled. Supplied by internal/app, which knows
// how to open a pool, install schema, and wire every enabled pipeline.
type TargetRunner func(ctx context.Context, uri string) error

// Manager owns the set of currently-running per-target supervisors and
// reacts to master-catalog spawn/retire events (spec.md §4.7's optional
// master-catalog mode).
type Manager struct {
	run TargetRunner
	log *logger.Logger

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// NewManager builds a Manager that uses run to start a supervisor for each
// registered target database URI.
func NewManager(run TargetRunner, log *logger.Logger) *Manager {
	return &Manager{
		run:     run,
		log:     log.With("component", "supervisor-manager"),
		cancels: make(map[string]context.CancelFunc),
	}
}

// Spawn starts a supervisor for uri if one is not already running.
func (m *Manager) Spawn(ctx context.Context, uri string) {
	m.mu.Lock()
	if _, exists := m.cancels[uri]; exists {
		m.mu.Unlock()
		return
	}
	targetCtx, cancel := context.WithCancel(ctx)
	m.cancels[uri] = cancel
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := m.run(targetCtx, uri); err != nil && targetCtx.Err() == nil {
			sum := sha1.Sum([]byte(uri))
			m.log.Error("supervisor exited with error", "target", hex.EncodeToString(sum[:])[:10], "error", err)
		}
		m.mu.Lock()
		delete(m.cancels, uri)
		m.mu.Unlock()
	}()
}

// Retire cancels the supervisor for uri, if one is running.
func (m *Manager) Retire(uri string) {
	m.mu.Lock()
	cancel, exists := m.cancels[uri]
	if exists {
		delete(m.cancels, uri)
	}
	m.mu.Unlock()
	if exists {
		cancel()
	}
}

// Wait blocks until every spawned supervisor has returned.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// RunCatalog wires a catalog.Watcher's events into Spawn/Retire and seeds
// the initial supervisor set from the catalog table's current contents.
func (m *Manager) RunCatalog(ctx context.Context, watcher *catalog.Watcher, pool interface {
	QueryRegistered(ctx context.Context) ([]string, error)
}) error {
	initial, err := pool.QueryRegistered(ctx)
	if err != nil {
		return err
	}
	for _, uri := range initial {
		m.Spawn(ctx, uri)
	}

	return watcher.Run(ctx, func(ev catalog.Event) {
		if ev.Insert {
			m.Spawn(ctx, ev.URI)
		} else {
			m.Retire(ev.URI)
		}
	})
}
