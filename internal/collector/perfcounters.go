package collector

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/sqlpulse/sqlpulse/internal/delta"
	"github.com/sqlpulse/sqlpulse/internal/store"
)

// trackedCounters is the curated sys.dm_os_performance_counters list. Most of
// these are PERF_COUNTER_BULK_COUNT values (cumulative, deltified); the
// point-in-time ones such as Page life expectancy read correctly either way
// because the first-observation policy for this family backfills the raw
// value.
var trackedCounters = []string{
	"Buffer cache hit ratio",
	"Page life expectancy",
	"Page reads/sec",
	"Page writes/sec",
	"Lazy writes/sec",
	"Batch Requests/sec",
	"SQL Compilations/sec",
	"SQL Re-Compilations/sec",
	"User Connections",
	"Logins/sec",
	"Logouts/sec",
	"Lock Waits/sec",
	"Lock Timeouts/sec",
	"Number of Deadlocks/sec",
	"Latch Waits/sec",
	"Full Scans/sec",
	"Index Searches/sec",
	"Transactions/sec",
	"Write Transactions/sec",
	"Log Flushes/sec",
	"Log Flush Wait Time",
	"Memory Grants Pending",
	"Target Server Memory (KB)",
	"Total Server Memory (KB)",
}

const perfCountersQuery = sessionGuards + `
SELECT
    RTRIM(pc.[object_name]) AS object_name,
    RTRIM(pc.counter_name) AS counter_name,
    RTRIM(pc.instance_name) AS instance_name,
    CAST(pc.cntr_value AS bigint) AS cntr_value,
    pc.cntr_type
FROM sys.dm_os_performance_counters AS pc WITH (NOLOCK)
WHERE RTRIM(pc.counter_name) IN (%s)
  AND pc.instance_name IN ('', '_Total')`

// PerfCounters samples a curated set of sys.dm_os_performance_counters rows.
type PerfCounters struct {
	client *Client
	store  *store.Store
	engine *delta.Engine
	query  string
}

// NewPerfCounters creates the performance counter collector.
func NewPerfCounters(client *Client, st *store.Store, engine *delta.Engine) *PerfCounters {
	quoted := make([]string, len(trackedCounters))
	for i, c := range trackedCounters {
		quoted[i] = "'" + c + "'"
	}
	return &PerfCounters{
		client: client,
		store:  st,
		engine: engine,
		query:  fmt.Sprintf(perfCountersQuery, strings.Join(quoted, ",")),
	}
}

func (p *PerfCounters) Name() string { return NamePerfCounters }

// Collect appends one performance counter generation and deltifies it.
func (p *PerfCounters) Collect(ctx context.Context) (int, error) {
	serverStart, err := p.client.serverStartTime(ctx)
	if err != nil {
		return 0, err
	}

	rows, err := p.client.db.QueryContext(ctx, p.query)
	if err != nil {
		return 0, fmt.Errorf("querying perf counters: %w", err)
	}
	defer rows.Close()

	var samples []store.PerfCounterSample
	for rows.Next() {
		var s store.PerfCounterSample
		if err := rows.Scan(&s.ObjectName, &s.CounterName, &s.InstanceName, &s.CntrValue, &s.CntrType); err != nil {
			return 0, fmt.Errorf("scanning perf counter row: %w", err)
		}
		samples = append(samples, s)
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("iterating perf counters: %w", err)
	}

	now := time.Now().Unix()
	return commitGeneration(ctx, p.store, p.engine, delta.FamilyPerfCounters, func(tx *sql.Tx) (int, error) {
		return p.store.InsertPerfCounters(tx, now, serverStart, samples)
	})
}
