// Package supervisor implements C8: one logical daemon instance per target
// database, owning C1-C7 for every enabled job kind behind a single
// cancellation token and a fail-fast join. Grounded on spec.md §4.7 and
// original_source's lantern_daemon/src/lib.rs top-level task join, adapted
// from tokio::try_join! to golang.org/x/sync/errgroup.
package supervisor

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"github.com/lanterndata/lanternd/internal/domain"
	"github.com/lanterndata/lanternd/internal/jobhandle"
	"github.com/lanterndata/lanternd/internal/logger"
	"github.com/lanterndata/lanternd/internal/pgnotify"
	"github.com/lanterndata/lanternd/internal/pgschema"
)

// Pipeline bundles the channels and handle map one job kind's C1-C7 chain
// shares within a supervisor.
type Pipeline struct {
	Kind      domain.Kind
	Handles   *jobhandle.Map
	InsertCh  chan domain.InsertNotification
	UpdateCh  chan domain.UpdateNotification
	BatchCh   chan domain.Batch
}

// NewPipeline allocates a Pipeline's channels with the bounded/unbounded
// discipline spec.md §5 prescribes: large buffers for notification fan-in
// so a slow consumer never blocks the listener, and a shallow buffer
// between batcher/streamer and worker so producers feel backpressure.
func NewPipeline(kind domain.Kind) *Pipeline {
	return &Pipeline{
		Kind:     kind,
		Handles:  jobhandle.NewMap(),
		InsertCh: make(chan domain.InsertNotification, 4096),
		UpdateCh: make(chan domain.UpdateNotification, 4096),
		BatchCh:  make(chan domain.Batch, 1),
	}
}

// Config is the set of identifiers a Supervisor needs to install schema,
// subscribe to the right channel names, and know its own label.
type Config struct {
	Schema         string
	Label          string
	KeepaliveEvery float64 // seconds, resolved to time.Duration by caller wiring
}

// Supervisor owns every enabled job kind's pipeline for one target
// database.
type Supervisor struct {
	pool *pgxpool.Pool
	log  *logger.Logger

	embedding  *Pipeline
	completion *Pipeline
	index      *Pipeline
	autotune   *Pipeline
}

// New constructs a Supervisor with a Pipeline per enabled kind.
func New(pool *pgxpool.Pool, log *logger.Logger, enableEmbedding, enableCompletion, enableIndex, enableAutotune bool) *Supervisor {
	s := &Supervisor{pool: pool, log: log}
	if enableEmbedding {
		s.embedding = NewPipeline(domain.KindEmbedding)
	}
	if enableCompletion {
		s.completion = NewPipeline(domain.KindCompletion)
	}
	if enableIndex {
		s.index = NewPipeline(domain.KindIndex)
	}
	if enableAutotune {
		s.autotune = NewPipeline(domain.KindAutotune)
	}
	return s
}

// Pipelines returns every enabled pipeline, for wiring listeners/workers
// from internal/app.
func (s *Supervisor) Pipelines() []*Pipeline {
	var out []*Pipeline
	for _, p := range []*Pipeline{s.embedding, s.completion, s.index, s.autotune} {
		if p != nil {
			out = append(out, p)
		}
	}
	return out
}

// RunListener runs a pgnotify.Listener for one pipeline as part of the
// supervisor's fail-fast task group.
func RunListener(ctx context.Context, g *errgroup.Group, l *pgnotify.Listener, p *Pipeline) {
	g.Go(func() error {
		return l.Run(ctx)
	})
}

// CancelAll delivers a cancellation event to every live job handle across
// every enabled pipeline and is called once on supervisor teardown (spec.md
// §4.7: "send Error(cancelled) to all live handles").
func (s *Supervisor) CancelAll() {
	for _, p := range s.Pipelines() {
		p.Handles.CancelAll()
	}
}

// TeardownClientTriggers drops every per-client-table trigger this
// supervisor installed, as listed in installs. The supervisor does not
// track which triggers it installed, so the list comes from the caller;
// RunTarget in internal/app does not call this function, and client-table
// triggers stay in place when a supervisor shuts down.
func TeardownClientTriggers(ctx context.Context, pool *pgxpool.Pool, schema, channel string, installs []ClientTriggerInstall) error {
	for _, inst := range installs {
		tx, err := pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("supervisor: begin trigger teardown: %w", err)
		}
		if err := pgschema.ToggleClientTrigger(ctx, tx, schema, inst.Table, inst.PK, inst.SrcColumn, channel, inst.JobID, false); err != nil {
			tx.Rollback(ctx)
			return fmt.Errorf("supervisor: teardown client trigger for job %d: %w", inst.JobID, err)
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("supervisor: commit trigger teardown: %w", err)
		}
	}
	return nil
}

// ClientTriggerInstall identifies one installed client-table trigger.
type ClientTriggerInstall struct {
	JobID     int32
	Table     string
	PK        string
	SrcColumn string
}
