// Package updateproc implements C5: interprets lifecycle column changes on
// a job row and drives the state machine forward -- enabling/disabling
// client triggers, cancelling in-flight work, scheduling backfill.
// Grounded on spec.md §4.4 and original_source's index_job_update_processor
// (lantern_cli/src/daemon/helpers.rs).
package updateproc

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lanterndata/lanternd/internal/domain"
	"github.com/lanterndata/lanternd/internal/jobhandle"
	"github.com/lanterndata/lanternd/internal/logger"
	"github.com/lanterndata/lanternd/internal/pgschema"
)

// Reader fetches the minimal live state of a job row.
type Reader interface {
	ReadState(ctx context.Context, id int32) (canceled bool, initFinished bool, label *string, schema, table, pk, srcColumn string, err error)
}

// Processor runs the update-notification loop for one job kind within one
// supervisor.
type Processor struct {
	pool     *pgxpool.Pool
	reader   Reader
	handles  *jobhandle.Map
	insertCh chan<- domain.InsertNotification
	label    string
	channel  string
	log      *logger.Logger
}

// New builds a Processor. label is this supervisor's own label; a job
// whose label differs is treated as not owned here and its triggers are
// torn down without touching the row (spec.md §4.4).
func New(pool *pgxpool.Pool, reader Reader, handles *jobhandle.Map, insertCh chan<- domain.InsertNotification, label, channel string, log *logger.Logger) *Processor {
	return &Processor{
		pool:     pool,
		reader:   reader,
		handles:  handles,
		insertCh: insertCh,
		label:    label,
		channel:  channel,
		log:      log.With("component", "updateproc"),
	}
}

// Run consumes UpdateNotification until ctx is cancelled or updateCh is
// closed.
func (p *Processor) Run(ctx context.Context, updateCh <-chan domain.UpdateNotification) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case n, ok := <-updateCh:
			if !ok {
				return nil
			}
			p.handle(ctx, n)
		}
	}
}

func (p *Processor) handle(ctx context.Context, n domain.UpdateNotification) {
	canceled, initFinished, label, schema, table, pk, srcColumn, err := p.reader.ReadState(ctx, n.ID)
	if err != nil {
		p.log.Error("read job state failed", "job_id", n.ID, "error", err)
		return
	}

	if label != nil && *label != p.label {
		p.handles.Notify(n.ID, domain.Errorf(domain.ErrCancelledReason))
		return
	}

	if initFinished {
		tx, err := p.pool.Begin(ctx)
		if err != nil {
			p.log.Error("begin trigger toggle transaction failed", "job_id", n.ID, "error", err)
			return
		}
		enable := !canceled
		if err := pgschema.ToggleClientTrigger(ctx, tx, schema, table, pk, srcColumn, p.channel, n.ID, enable); err != nil {
			p.log.Error("toggle client trigger failed", "job_id", n.ID, "error", err)
			tx.Rollback(ctx)
			return
		}
		if err := tx.Commit(ctx); err != nil {
			p.log.Error("commit trigger toggle failed", "job_id", n.ID, "error", err)
		}
	}

	if canceled {
		p.handles.Notify(n.ID, domain.Errorf(domain.ErrCancelledReason))
		return
	}

	if n.GenerateMissing {
		p.enqueueBackfill(ctx, n.ID)
	}
}

func (p *Processor) enqueueBackfill(ctx context.Context, jobID int32) {
	select {
	case p.insertCh <- domain.InsertNotification{ID: jobID, GenerateMissing: true}:
	case <-ctx.Done():
	}
}

// SynthesizeStartupBackfills enqueues an UpdateNotification{generate_missing:
// true} for every job id passed in, reproducing spec.md §4.4's "On
// supervisor startup C5 also synthesises an UpdateNotification... for every
// non-failed, non-cancelled job".
func SynthesizeStartupBackfills(ctx context.Context, updateCh chan<- domain.UpdateNotification, liveJobIDs []int32) {
	for _, id := range liveJobIDs {
		select {
		case updateCh <- domain.UpdateNotification{ID: id, GenerateMissing: true}:
		case <-ctx.Done():
			return
		}
	}
}
