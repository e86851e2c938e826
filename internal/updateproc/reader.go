package updateproc

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PoolReader implements Reader directly against the job table for kinds
// that carry the full embedding-style column set (schema, table, pk,
// src_column, label). Index and autotune jobs have no label column and no
// client-table trigger to toggle, so they use a narrower reader.
type PoolReader struct {
	Pool      *pgxpool.Pool
	FullTable string
}

func (r PoolReader) ReadState(ctx context.Context, id int32) (canceled, initFinished bool, label *string, schema, table, pk, srcColumn string, err error) {
	row := r.Pool.QueryRow(ctx, fmt.Sprintf(
		`SELECT canceled_at IS NOT NULL, init_finished_at IS NOT NULL, label, "schema", "table", pk, src_column
		 FROM %s WHERE id = $1`, r.FullTable,
	), id)
	err = row.Scan(&canceled, &initFinished, &label, &schema, &table, &pk, &srcColumn)
	return
}

// IndexAutotuneReader implements Reader for index/autotune jobs, which have
// no label or client-table trigger: initFinished is always reported false so
// the caller never attempts a trigger toggle, and label is always nil so
// ownership checks never reject them.
type IndexAutotuneReader struct {
	Pool      *pgxpool.Pool
	FullTable string
}

func (r IndexAutotuneReader) ReadState(ctx context.Context, id int32) (canceled, initFinished bool, label *string, schema, table, pk, srcColumn string, err error) {
	row := r.Pool.QueryRow(ctx, fmt.Sprintf(
		`SELECT canceled_at IS NOT NULL FROM %s WHERE id = $1`, r.FullTable,
	), id)
	err = row.Scan(&canceled)
	initFinished = false
	return
}
