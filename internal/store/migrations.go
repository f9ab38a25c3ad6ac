package store

// snapshotTables maps each metric family's snapshot table to the collector
// that owns it, for provisioning log entries and retention.
var snapshotTables = map[string]string{
	"wait_stats_snapshots":   "waitstats",
	"file_io_snapshots":      "fileio",
	"perf_counter_snapshots": "perfcounters",
	"memory_clerk_snapshots": "memoryclerks",
	"host_cpu_snapshots":     "hostcpu",
}

const schema = `
-- Wait statistics (sys.dm_os_wait_stats). Cumulative counters; the delta
-- engine fills the delta_* columns once per generation.
CREATE TABLE IF NOT EXISTS wait_stats_snapshots (
    collection_id             INTEGER PRIMARY KEY AUTOINCREMENT,
    collection_time           INTEGER NOT NULL,
    server_start_time         INTEGER NOT NULL,
    wait_type                 TEXT    NOT NULL,
    waiting_tasks_count       INTEGER NOT NULL,
    wait_time_ms              INTEGER NOT NULL,
    signal_wait_time_ms       INTEGER NOT NULL,
    delta_waiting_tasks_count INTEGER,
    delta_wait_time_ms        INTEGER,
    delta_signal_wait_time_ms INTEGER,
    sample_interval_seconds   INTEGER
);

-- File I/O statistics (sys.dm_io_virtual_file_stats).
CREATE TABLE IF NOT EXISTS file_io_snapshots (
    collection_id              INTEGER PRIMARY KEY AUTOINCREMENT,
    collection_time            INTEGER NOT NULL,
    server_start_time          INTEGER NOT NULL,
    database_name              TEXT    NOT NULL,
    database_id                INTEGER NOT NULL,
    file_id                    INTEGER NOT NULL,
    file_type                  TEXT    NOT NULL,
    num_of_reads               INTEGER NOT NULL,
    num_of_bytes_read          INTEGER NOT NULL,
    io_stall_read_ms           INTEGER NOT NULL,
    num_of_writes              INTEGER NOT NULL,
    num_of_bytes_written       INTEGER NOT NULL,
    io_stall_write_ms          INTEGER NOT NULL,
    delta_num_of_reads         INTEGER,
    delta_num_of_bytes_read    INTEGER,
    delta_io_stall_read_ms     INTEGER,
    delta_num_of_writes        INTEGER,
    delta_num_of_bytes_written INTEGER,
    delta_io_stall_write_ms    INTEGER,
    sample_interval_seconds    INTEGER
);

-- Performance counters (sys.dm_os_performance_counters). Only the raw
-- cntr_value is cumulative; point-in-time counters keep their last value as
-- the delta on first observation.
CREATE TABLE IF NOT EXISTS perf_counter_snapshots (
    collection_id           INTEGER PRIMARY KEY AUTOINCREMENT,
    collection_time         INTEGER NOT NULL,
    server_start_time       INTEGER NOT NULL,
    object_name             TEXT    NOT NULL,
    counter_name            TEXT    NOT NULL,
    instance_name           TEXT    NOT NULL DEFAULT '',
    cntr_value              INTEGER NOT NULL,
    cntr_type               INTEGER NOT NULL,
    delta_cntr_value        INTEGER,
    sample_interval_seconds INTEGER
);

-- Memory clerks (sys.dm_os_memory_clerks). Gauge family: values are
-- point-in-time, never deltified.
CREATE TABLE IF NOT EXISTS memory_clerk_snapshots (
    collection_id     INTEGER PRIMARY KEY AUTOINCREMENT,
    collection_time   INTEGER NOT NULL,
    server_start_time INTEGER NOT NULL,
    clerk_type        TEXT    NOT NULL,
    memory_node_id    INTEGER NOT NULL,
    pages_kb          INTEGER NOT NULL
);

-- Host OS CPU times (gopsutil). Cumulative since host boot; the host boot
-- time serves as the server_start_time epoch.
CREATE TABLE IF NOT EXISTS host_cpu_snapshots (
    collection_id           INTEGER PRIMARY KEY AUTOINCREMENT,
    collection_time         INTEGER NOT NULL,
    server_start_time       INTEGER NOT NULL,
    cpu_id                  TEXT    NOT NULL,
    busy_ms                 INTEGER NOT NULL,
    idle_ms                 INTEGER NOT NULL,
    iowait_ms               INTEGER NOT NULL,
    delta_busy_ms           INTEGER,
    delta_idle_ms           INTEGER,
    delta_iowait_ms         INTEGER,
    sample_interval_seconds INTEGER
);

-- Append-only audit trail of every collector invocation.
CREATE TABLE IF NOT EXISTS collection_log (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    collection_time INTEGER NOT NULL,
    collector_name  TEXT    NOT NULL,
    status          TEXT    NOT NULL,
    rows_collected  INTEGER NOT NULL DEFAULT 0,
    duration_ms     INTEGER NOT NULL DEFAULT 0,
    error_message   TEXT
);

-- Per-collector schedule registry. Seeded at startup, tuned by operators,
-- never deleted in normal operation.
CREATE TABLE IF NOT EXISTS collector_schedules (
    collector_name       TEXT PRIMARY KEY,
    enabled              INTEGER NOT NULL DEFAULT 1,
    frequency_minutes    INTEGER NOT NULL,
    last_run_time        INTEGER,
    next_run_time        INTEGER,
    max_duration_minutes INTEGER NOT NULL,
    retention_days       INTEGER NOT NULL
);

-- One row per server-uptime epoch.
CREATE TABLE IF NOT EXISTS server_info (
    id                 INTEGER PRIMARY KEY AUTOINCREMENT,
    collected_at       INTEGER NOT NULL,
    server_start_time  INTEGER NOT NULL,
    server_name        TEXT    NOT NULL,
    version            TEXT    NOT NULL,
    edition            TEXT    NOT NULL,
    cpu_count          INTEGER NOT NULL,
    physical_memory_kb INTEGER NOT NULL
);

-- Critical issues ledger appended by the analyzers.
CREATE TABLE IF NOT EXISTS critical_issues (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    detected_at INTEGER NOT NULL,
    issue_type  TEXT    NOT NULL,
    severity    TEXT    NOT NULL,
    subject     TEXT    NOT NULL,
    message     TEXT    NOT NULL,
    value       REAL    NOT NULL DEFAULT 0
);

-- Secondary indexes
CREATE INDEX IF NOT EXISTS idx_wait_stats_key ON wait_stats_snapshots(wait_type, collection_time);
CREATE INDEX IF NOT EXISTS idx_file_io_key ON file_io_snapshots(database_id, file_id, collection_time);
CREATE INDEX IF NOT EXISTS idx_perf_counter_key ON perf_counter_snapshots(object_name, counter_name, instance_name, collection_time);
CREATE INDEX IF NOT EXISTS idx_memory_clerk_ts ON memory_clerk_snapshots(collection_time);
CREATE INDEX IF NOT EXISTS idx_host_cpu_key ON host_cpu_snapshots(cpu_id, collection_time);
CREATE INDEX IF NOT EXISTS idx_log_collector ON collection_log(collector_name, collection_time);
CREATE INDEX IF NOT EXISTS idx_issues_ts ON critical_issues(detected_at);
`
