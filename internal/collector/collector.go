// Package collector provides the snapshot collectors for sqlpulse.
//
// Each collector samples one source, appends exactly one snapshot generation
// tagged with the collection time and the currently observed server start
// time, and runs the delta engine for cumulative families inside the same
// transaction. A generation is either fully committed with its deltas or not
// committed at all.
package collector

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/sqlpulse/sqlpulse/internal/delta"
	"github.com/sqlpulse/sqlpulse/internal/store"
)

// Registered collector names. These are the schedule registry keys.
const (
	NameWaitStats    = "waitstats"
	NameFileIO       = "fileio"
	NamePerfCounters = "perfcounters"
	NameMemoryClerks = "memoryclerks"
	NameHostCPU      = "hostcpu"
	NameCheckIssues  = "checkissues"
)

// commitGeneration inserts one snapshot generation and deltifies it as a
// single unit. family is empty for gauge families that carry no cumulative
// counters.
func commitGeneration(ctx context.Context, st *store.Store, engine *delta.Engine,
	family string, insert func(tx *sql.Tx) (int, error)) (int, error) {

	tx, err := st.Begin(ctx)
	if err != nil {
		return 0, err
	}
	committed := false
	defer func() {
		if !committed {
			tx.Rollback()
		}
	}()

	n, err := insert(tx)
	if err != nil {
		return 0, err
	}
	if family != "" {
		if _, err := engine.ComputeDeltasTx(ctx, tx, family); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing snapshot generation: %w", err)
	}
	committed = true
	return n, nil
}

// Lookback returns the window start for collectors that analyze time-bounded
// data: the last successful run, or now minus fallback on the first run ever,
// so backlog is captured instead of only the schedule interval.
func Lookback(st *store.Store, collector string, now time.Time, fallback time.Duration) (int64, error) {
	last, ok, err := st.LastSuccessfulRun(collector)
	if err != nil {
		return 0, err
	}
	if !ok {
		return now.Add(-fallback).Unix(), nil
	}
	return last, nil
}
