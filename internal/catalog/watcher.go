// Package catalog implements the optional master-catalog watch mode
// described in spec.md §4.7: a second pub/sub listener on a master database
// that spawns or retires per-target supervisors in response to
// "insert::<uri>" / "delete::<uri>" notifications, distinct from the
// single-colon "<action>:<id>" convention pgnotify.Listener parses for
// per-target job tables.
package catalog

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lanterndata/lanternd/internal/logger"
)

// Event is a parsed master-catalog notification.
type Event struct {
	Insert bool // false means delete
	URI    string
}

// Watcher listens on the master database's catalog channel and delivers
// spawn/retire events to Handler.
type Watcher struct {
	pool    *pgxpool.Pool
	channel string
	log     *logger.Logger
}

// New builds a Watcher bound to channel on pool.
func New(pool *pgxpool.Pool, channel string, log *logger.Logger) *Watcher {
	return &Watcher{pool: pool, channel: channel, log: log.With("component", "catalog")}
}

// Run blocks until ctx is cancelled, calling handle for every parsed event
// and restarting the underlying connection with fixed backoff on drop.
func (w *Watcher) Run(ctx context.Context, handle func(Event)) error {
	backoff := 10 * time.Second
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		err := w.runOnce(ctx, handle)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			w.log.Warn("master catalog listener lost connection, restarting", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
}

func (w *Watcher) runOnce(ctx context.Context, handle func(Event)) error {
	conn, err := w.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("catalog: acquire connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{w.channel}.Sanitize()); err != nil {
		return fmt.Errorf("catalog: LISTEN %s: %w", w.channel, err)
	}

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}
		ev, ok := parse(n.Payload)
		if !ok {
			w.log.Error("invalid master catalog payload", "payload", n.Payload)
			continue
		}
		handle(ev)
	}
}

func parse(payload string) (Event, bool) {
	parts := strings.SplitN(payload, "::", 2)
	if len(parts) != 2 {
		return Event{}, false
	}
	switch parts[0] {
	case "insert":
		return Event{Insert: true, URI: parts[1]}, true
	case "delete":
		return Event{Insert: false, URI: parts[1]}, true
	default:
		return Event{}, false
	}
}

// ListRegistered reads every target database URI currently present in the
// master catalog table, for building the initial supervisor set at
// startup.
func ListRegistered(ctx context.Context, pool *pgxpool.Pool, schema, table string) ([]string, error) {
	full := pgx.Identifier{schema, table}.Sanitize()
	rows, err := pool.Query(ctx, fmt.Sprintf(`SELECT uri FROM %s`, full))
	if err != nil {
		return nil, fmt.Errorf("catalog: list registered databases: %w", err)
	}
	defer rows.Close()

	var uris []string
	for rows.Next() {
		var uri string
		if err := rows.Scan(&uri); err != nil {
			return nil, fmt.Errorf("catalog: scan registered database: %w", err)
		}
		uris = append(uris, uri)
	}
	return uris, rows.Err()
}
