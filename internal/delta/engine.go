package delta

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
)

// querier is the subset of database/sql shared by *sql.DB and *sql.Tx. The
// engine runs inside whatever transaction scope the caller owns; when given a
// bare handle it opens and commits its own.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Engine computes per-interval deltas for snapshot rows whose delta columns
// are still NULL. It is stateless per invocation and idempotent: rows that
// already carry deltas are never reconsidered, so re-running after a partial
// failure simply picks up the still-unprocessed rows.
type Engine struct {
	db *sql.DB
}

// NewEngine creates a delta engine over the snapshot store's database.
func NewEngine(db *sql.DB) *Engine {
	return &Engine{db: db}
}

// ComputeDeltas processes one metric family inside its own transaction. The
// whole batch commits or rolls back as a unit.
func (e *Engine) ComputeDeltas(ctx context.Context, family string) (int, error) {
	fam, err := Lookup(family)
	if err != nil {
		return 0, err
	}

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning delta transaction for %s: %w", family, err)
	}
	n, err := e.compute(ctx, tx, fam)
	if err != nil {
		tx.Rollback()
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing deltas for %s: %w", family, err)
	}
	return n, nil
}

// ComputeDeltasTx processes one metric family inside the caller's open
// transaction. The engine never commits or rolls back what it did not open;
// on error the caller is expected to roll back its snapshot insert along
// with the delta writes.
func (e *Engine) ComputeDeltasTx(ctx context.Context, tx *sql.Tx, family string) (int, error) {
	fam, err := Lookup(family)
	if err != nil {
		return 0, err
	}
	return e.compute(ctx, tx, fam)
}

// pending is one unprocessed snapshot row.
type pending struct {
	id          int64
	time        int64
	serverStart int64
	key         []any
	raws        []int64
}

// previous is the reference row a delta is computed against.
type previous struct {
	time int64
	id   int64
	raws []int64
}

func (e *Engine) compute(ctx context.Context, q querier, fam Family) (int, error) {
	current, err := e.currentGeneration(ctx, q, fam)
	if err != nil {
		return 0, err
	}
	if len(current) == 0 {
		return 0, nil
	}

	updateSQL := e.updateStatement(fam)
	prevSQL := e.previousStatement(fam)

	updated := 0
	for _, cur := range current {
		prev, found, err := e.findPrevious(ctx, q, prevSQL, cur)
		if err != nil {
			return 0, fmt.Errorf("finding previous row in %s: %w", fam.Table, err)
		}

		var args []any
		switch {
		case !found && fam.Bootstrap == BootstrapNull:
			// First observation ever for this key: excluded from delta
			// output, becomes the previous row for the next generation.
			continue
		case !found:
			// BootstrapRaw: the raw value is the delta, no interval.
			for _, raw := range cur.raws {
				args = append(args, raw)
			}
			args = append(args, nil)
		default:
			deltas, interval := computeRow(cur, prev)
			for _, d := range deltas {
				args = append(args, d)
			}
			args = append(args, interval)
		}
		args = append(args, cur.id)

		if _, err := q.ExecContext(ctx, updateSQL, args...); err != nil {
			return 0, fmt.Errorf("writing deltas to %s: %w", fam.Table, err)
		}
		updated++
	}

	slog.Debug("deltas computed", "family", fam.Name, "candidates", len(current), "updated", updated)
	return updated, nil
}

// computeRow applies the delta rule to every counter of one row pair.
//
// Reset detection: the current row's server start time at or after the
// previous row's collection time means the server came up after the last
// observation, so the current raw value is the new post-restart baseline.
// A raw value that regressed without a detected restart (counter wraparound,
// or the entity was silently evicted and recreated) also uses the raw value;
// a delta is never negative.
func computeRow(cur pending, prev previous) ([]int64, int64) {
	deltas := make([]int64, len(cur.raws))
	reset := cur.serverStart >= prev.time
	for i, raw := range cur.raws {
		switch {
		case reset:
			deltas[i] = raw
		case raw >= prev.raws[i]:
			deltas[i] = raw - prev.raws[i]
		default:
			deltas[i] = raw
		}
	}
	return deltas, cur.time - prev.time
}

// currentGeneration returns, per entity key, the most recent row whose delta
// columns are still NULL.
func (e *Engine) currentGeneration(ctx context.Context, q querier, fam Family) ([]pending, error) {
	cols := append([]string{"collection_id", "collection_time", "server_start_time"}, fam.KeyColumns...)
	for _, c := range fam.Counters {
		cols = append(cols, c.Raw)
	}
	query := fmt.Sprintf(
		"SELECT %s FROM %s WHERE %s IS NULL ORDER BY collection_time ASC, collection_id ASC",
		strings.Join(cols, ", "), fam.Table, fam.Counters[0].Delta,
	)

	rows, err := q.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying unprocessed rows in %s: %w", fam.Table, err)
	}
	defer rows.Close()

	// Ascending scan order means the last row seen per key is the newest.
	latest := make(map[string]pending)
	var order []string
	for rows.Next() {
		p := pending{
			key:  make([]any, len(fam.KeyColumns)),
			raws: make([]int64, len(fam.Counters)),
		}
		dest := []any{&p.id, &p.time, &p.serverStart}
		for i := range p.key {
			dest = append(dest, &p.key[i])
		}
		for i := range p.raws {
			dest = append(dest, &p.raws[i])
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scanning unprocessed row in %s: %w", fam.Table, err)
		}

		fp := fingerprint(p.key)
		if _, seen := latest[fp]; !seen {
			order = append(order, fp)
		}
		latest[fp] = p
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating unprocessed rows in %s: %w", fam.Table, err)
	}

	current := make([]pending, 0, len(order))
	for _, fp := range order {
		current = append(current, latest[fp])
	}
	return current, nil
}

// findPrevious returns the newest row strictly preceding cur for the same
// entity key, processed or not. In steady state that row is the previously
// deltified snapshot; during backlog recovery it may itself be unprocessed,
// which is still the correct subtraction baseline.
func (e *Engine) findPrevious(ctx context.Context, q querier, query string, cur pending) (previous, bool, error) {
	args := make([]any, 0, len(cur.key)+3)
	args = append(args, cur.key...)
	args = append(args, cur.time, cur.time, cur.id)

	p := previous{raws: make([]int64, len(cur.raws))}
	dest := []any{&p.time, &p.id}
	for i := range p.raws {
		dest = append(dest, &p.raws[i])
	}

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return previous{}, false, err
	}
	defer rows.Close()

	if !rows.Next() {
		return previous{}, false, rows.Err()
	}
	if err := rows.Scan(dest...); err != nil {
		return previous{}, false, err
	}
	return p, true, rows.Err()
}

func (e *Engine) previousStatement(fam Family) string {
	conds := make([]string, 0, len(fam.KeyColumns)+1)
	for _, k := range fam.KeyColumns {
		conds = append(conds, k+" = ?")
	}
	conds = append(conds, "(collection_time < ? OR (collection_time = ? AND collection_id < ?))")

	cols := []string{"collection_time", "collection_id"}
	for _, c := range fam.Counters {
		cols = append(cols, c.Raw)
	}
	return fmt.Sprintf(
		"SELECT %s FROM %s WHERE %s ORDER BY collection_time DESC, collection_id DESC LIMIT 1",
		strings.Join(cols, ", "), fam.Table, strings.Join(conds, " AND "),
	)
}

func (e *Engine) updateStatement(fam Family) string {
	sets := make([]string, 0, len(fam.Counters)+1)
	for _, c := range fam.Counters {
		sets = append(sets, c.Delta+" = ?")
	}
	sets = append(sets, "sample_interval_seconds = ?")
	return fmt.Sprintf("UPDATE %s SET %s WHERE collection_id = ?", fam.Table, strings.Join(sets, ", "))
}

// fingerprint builds a map key from an entity key's column values.
func fingerprint(key []any) string {
	var b strings.Builder
	for i, v := range key {
		if i > 0 {
			b.WriteByte(0x1f)
		}
		fmt.Fprintf(&b, "%v", v)
	}
	return b.String()
}
