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

// benignWaits are idle or housekeeping wait types that carry no tuning
// signal; filtering them keeps the snapshot generations small.
var benignWaits = []string{
	"BROKER_EVENTHANDLER", "BROKER_RECEIVE_WAITFOR", "BROKER_TASK_STOP",
	"BROKER_TO_FLUSH", "BROKER_TRANSMITTER", "CHECKPOINT_QUEUE",
	"CLR_AUTO_EVENT", "CLR_MANUAL_EVENT", "CLR_SEMAPHORE",
	"DBMIRROR_DBM_EVENT", "DBMIRROR_EVENTS_QUEUE", "DBMIRRORING_CMD",
	"DIRTY_PAGE_POLL", "DISPATCHER_QUEUE_SEMAPHORE", "FT_IFTS_SCHEDULER_IDLE_WAIT",
	"FT_IFTSHC_MUTEX", "HADR_CLUSAPI_CALL", "HADR_FILESTREAM_IOMGR_IOCOMPLETION",
	"HADR_LOGCAPTURE_WAIT", "HADR_NOTIFICATION_DEQUEUE", "HADR_TIMER_TASK",
	"HADR_WORK_QUEUE", "LAZYWRITER_SLEEP", "LOGMGR_QUEUE",
	"ONDEMAND_TASK_QUEUE", "REQUEST_FOR_DEADLOCK_SEARCH", "SLEEP_BPOOL_FLUSH",
	"SLEEP_SYSTEMTASK", "SLEEP_TASK", "SP_SERVER_DIAGNOSTICS_SLEEP",
	"SQLTRACE_BUFFER_FLUSH", "SQLTRACE_INCREMENTAL_FLUSH_SLEEP", "WAIT_FOR_RESULTS",
	"WAITFOR", "XE_DISPATCHER_WAIT", "XE_TIMER_EVENT",
}

const waitStatsQuery = sessionGuards + `
SELECT
    ws.wait_type,
    ws.waiting_tasks_count,
    ws.wait_time_ms,
    ws.signal_wait_time_ms
FROM sys.dm_os_wait_stats AS ws WITH (NOLOCK)
WHERE ws.wait_time_ms > 0
  AND ws.wait_type NOT IN (%s)
ORDER BY ws.wait_time_ms DESC`

// WaitStats samples sys.dm_os_wait_stats.
type WaitStats struct {
	client *Client
	store  *store.Store
	engine *delta.Engine
	query  string
}

// NewWaitStats creates the wait statistics collector.
func NewWaitStats(client *Client, st *store.Store, engine *delta.Engine) *WaitStats {
	quoted := make([]string, len(benignWaits))
	for i, w := range benignWaits {
		quoted[i] = "'" + w + "'"
	}
	return &WaitStats{
		client: client,
		store:  st,
		engine: engine,
		query:  fmt.Sprintf(waitStatsQuery, strings.Join(quoted, ",")),
	}
}

func (w *WaitStats) Name() string { return NameWaitStats }

// Collect appends one wait-statistics generation and deltifies it.
func (w *WaitStats) Collect(ctx context.Context) (int, error) {
	serverStart, err := w.client.serverStartTime(ctx)
	if err != nil {
		return 0, err
	}

	rows, err := w.client.db.QueryContext(ctx, w.query)
	if err != nil {
		return 0, fmt.Errorf("querying wait stats: %w", err)
	}
	defer rows.Close()

	var samples []store.WaitStatsSample
	for rows.Next() {
		var s store.WaitStatsSample
		if err := rows.Scan(&s.WaitType, &s.WaitingTasksCount, &s.WaitTimeMS, &s.SignalWaitTimeMS); err != nil {
			return 0, fmt.Errorf("scanning wait stats row: %w", err)
		}
		samples = append(samples, s)
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("iterating wait stats: %w", err)
	}

	now := time.Now().Unix()
	return commitGeneration(ctx, w.store, w.engine, delta.FamilyWaitStats, func(tx *sql.Tx) (int, error) {
		return w.store.InsertWaitStats(tx, now, serverStart, samples)
	})
}
