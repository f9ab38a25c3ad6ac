package store

import (
	"database/sql"
	"fmt"

	"github.com/sqlpulse/sqlpulse/internal/model"
)

// WaitStatsSample is one raw wait-statistics counter row as read from the DMV.
type WaitStatsSample struct {
	WaitType          string
	WaitingTasksCount int64
	WaitTimeMS        int64
	SignalWaitTimeMS  int64
}

// FileIOSample is one raw file I/O counter row.
type FileIOSample struct {
	DatabaseName      string
	DatabaseID        int64
	FileID            int64
	FileType          string
	NumOfReads        int64
	NumOfBytesRead    int64
	IOStallReadMS     int64
	NumOfWrites       int64
	NumOfBytesWritten int64
	IOStallWriteMS    int64
}

// PerfCounterSample is one raw performance counter row.
type PerfCounterSample struct {
	ObjectName   string
	CounterName  string
	InstanceName string
	CntrValue    int64
	CntrType     int64
}

// MemoryClerkSample is one memory clerk gauge row.
type MemoryClerkSample struct {
	ClerkType    string
	MemoryNodeID int64
	PagesKB      int64
}

// HostCPUSample is one cumulative host CPU time row, in milliseconds since
// host boot.
type HostCPUSample struct {
	CPUID    string
	BusyMS   int64
	IdleMS   int64
	IOWaitMS int64
}

// InsertWaitStats appends one wait-statistics snapshot generation inside the
// caller's transaction.
func (s *Store) InsertWaitStats(tx *sql.Tx, collectionTime, serverStart int64, samples []WaitStatsSample) (int, error) {
	stmt, err := tx.Prepare(`
		INSERT INTO wait_stats_snapshots
		(collection_time, server_start_time, wait_type, waiting_tasks_count, wait_time_ms, signal_wait_time_ms)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, fmt.Errorf("preparing wait stats insert: %w", err)
	}
	defer stmt.Close()

	for _, w := range samples {
		if _, err := stmt.Exec(collectionTime, serverStart, w.WaitType,
			w.WaitingTasksCount, w.WaitTimeMS, w.SignalWaitTimeMS); err != nil {
			return 0, fmt.Errorf("inserting wait stats for %s: %w", w.WaitType, err)
		}
	}
	return len(samples), nil
}

// InsertFileIO appends one file I/O snapshot generation inside the caller's
// transaction.
func (s *Store) InsertFileIO(tx *sql.Tx, collectionTime, serverStart int64, samples []FileIOSample) (int, error) {
	stmt, err := tx.Prepare(`
		INSERT INTO file_io_snapshots
		(collection_time, server_start_time, database_name, database_id, file_id, file_type,
		 num_of_reads, num_of_bytes_read, io_stall_read_ms, num_of_writes, num_of_bytes_written, io_stall_write_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, fmt.Errorf("preparing file io insert: %w", err)
	}
	defer stmt.Close()

	for _, f := range samples {
		if _, err := stmt.Exec(collectionTime, serverStart, f.DatabaseName, f.DatabaseID, f.FileID, f.FileType,
			f.NumOfReads, f.NumOfBytesRead, f.IOStallReadMS,
			f.NumOfWrites, f.NumOfBytesWritten, f.IOStallWriteMS); err != nil {
			return 0, fmt.Errorf("inserting file io for db %d file %d: %w", f.DatabaseID, f.FileID, err)
		}
	}
	return len(samples), nil
}

// InsertPerfCounters appends one performance counter snapshot generation
// inside the caller's transaction.
func (s *Store) InsertPerfCounters(tx *sql.Tx, collectionTime, serverStart int64, samples []PerfCounterSample) (int, error) {
	stmt, err := tx.Prepare(`
		INSERT INTO perf_counter_snapshots
		(collection_time, server_start_time, object_name, counter_name, instance_name, cntr_value, cntr_type)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, fmt.Errorf("preparing perf counter insert: %w", err)
	}
	defer stmt.Close()

	for _, p := range samples {
		if _, err := stmt.Exec(collectionTime, serverStart,
			p.ObjectName, p.CounterName, p.InstanceName, p.CntrValue, p.CntrType); err != nil {
			return 0, fmt.Errorf("inserting perf counter %s/%s: %w", p.ObjectName, p.CounterName, err)
		}
	}
	return len(samples), nil
}

// InsertMemoryClerks appends one memory clerk snapshot generation. Memory
// clerk values are gauges; the delta engine never touches this table.
func (s *Store) InsertMemoryClerks(tx *sql.Tx, collectionTime, serverStart int64, samples []MemoryClerkSample) (int, error) {
	stmt, err := tx.Prepare(`
		INSERT INTO memory_clerk_snapshots
		(collection_time, server_start_time, clerk_type, memory_node_id, pages_kb)
		VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, fmt.Errorf("preparing memory clerk insert: %w", err)
	}
	defer stmt.Close()

	for _, m := range samples {
		if _, err := stmt.Exec(collectionTime, serverStart, m.ClerkType, m.MemoryNodeID, m.PagesKB); err != nil {
			return 0, fmt.Errorf("inserting memory clerk %s: %w", m.ClerkType, err)
		}
	}
	return len(samples), nil
}

// InsertHostCPU appends one host CPU snapshot generation inside the caller's
// transaction.
func (s *Store) InsertHostCPU(tx *sql.Tx, collectionTime, bootTime int64, samples []HostCPUSample) (int, error) {
	stmt, err := tx.Prepare(`
		INSERT INTO host_cpu_snapshots
		(collection_time, server_start_time, cpu_id, busy_ms, idle_ms, iowait_ms)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, fmt.Errorf("preparing host cpu insert: %w", err)
	}
	defer stmt.Close()

	for _, h := range samples {
		if _, err := stmt.Exec(collectionTime, bootTime, h.CPUID, h.BusyMS, h.IdleMS, h.IOWaitMS); err != nil {
			return 0, fmt.Errorf("inserting host cpu %s: %w", h.CPUID, err)
		}
	}
	return len(samples), nil
}

// TopWaitRates aggregates computed wait deltas since the given time, ordered
// by total wait time descending.
func (s *Store) TopWaitRates(since int64, limit int) ([]model.WaitRate, error) {
	rows, err := s.db.Query(`
		SELECT wait_type,
		       SUM(delta_wait_time_ms),
		       SUM(delta_signal_wait_time_ms),
		       SUM(delta_waiting_tasks_count),
		       SUM(sample_interval_seconds)
		FROM wait_stats_snapshots
		WHERE collection_time >= ? AND delta_wait_time_ms IS NOT NULL
		GROUP BY wait_type
		HAVING SUM(delta_wait_time_ms) > 0
		ORDER BY SUM(delta_wait_time_ms) DESC
		LIMIT ?`, since, limit)
	if err != nil {
		return nil, fmt.Errorf("querying wait rates: %w", err)
	}
	defer rows.Close()

	var rates []model.WaitRate
	for rows.Next() {
		var r model.WaitRate
		if err := rows.Scan(&r.WaitType, &r.WaitMS, &r.SignalWaitMS, &r.WaitingTasks, &r.SampleSeconds); err != nil {
			return nil, fmt.Errorf("scanning wait rate: %w", err)
		}
		if r.SampleSeconds > 0 {
			r.WaitMSPerSec = float64(r.WaitMS) / float64(r.SampleSeconds)
		}
		rates = append(rates, r)
	}
	return rates, rows.Err()
}

// FileIOLatencies computes per-file average I/O latency from deltas since the
// given time.
func (s *Store) FileIOLatencies(since int64) ([]model.FileIOLatency, error) {
	rows, err := s.db.Query(`
		SELECT database_name, database_id, file_id, file_type,
		       SUM(delta_num_of_reads), SUM(delta_num_of_writes),
		       SUM(delta_io_stall_read_ms), SUM(delta_io_stall_write_ms)
		FROM file_io_snapshots
		WHERE collection_time >= ? AND delta_num_of_reads IS NOT NULL
		GROUP BY database_id, file_id`, since)
	if err != nil {
		return nil, fmt.Errorf("querying file io latencies: %w", err)
	}
	defer rows.Close()

	var latencies []model.FileIOLatency
	for rows.Next() {
		var l model.FileIOLatency
		var readStall, writeStall int64
		if err := rows.Scan(&l.DatabaseName, &l.DatabaseID, &l.FileID, &l.FileType,
			&l.Reads, &l.Writes, &readStall, &writeStall); err != nil {
			return nil, fmt.Errorf("scanning file io latency: %w", err)
		}
		if l.Reads > 0 {
			l.ReadLatencyMS = float64(readStall) / float64(l.Reads)
		}
		if l.Writes > 0 {
			l.WriteLatencyMS = float64(writeStall) / float64(l.Writes)
		}
		latencies = append(latencies, l)
	}
	return latencies, rows.Err()
}

// LatestPerfCounterValue returns the most recent raw value of a performance
// counter. ok is false if the counter has never been collected.
func (s *Store) LatestPerfCounterValue(object, counter, instance string) (int64, bool, error) {
	var v int64
	err := s.db.QueryRow(`
		SELECT cntr_value FROM perf_counter_snapshots
		WHERE object_name = ? AND counter_name = ? AND instance_name = ?
		ORDER BY collection_time DESC, collection_id DESC LIMIT 1`,
		object, counter, instance).Scan(&v)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("querying perf counter %s/%s: %w", object, counter, err)
	}
	return v, true, nil
}

// LatestCounterValue returns the most recent raw value of a performance
// counter matched by counter name alone, covering both default and named
// instance object prefixes. ok is false if never collected.
func (s *Store) LatestCounterValue(counter string) (int64, bool, error) {
	var v int64
	err := s.db.QueryRow(`
		SELECT cntr_value FROM perf_counter_snapshots
		WHERE counter_name = ?
		ORDER BY collection_time DESC, collection_id DESC LIMIT 1`,
		counter).Scan(&v)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("querying counter %s: %w", counter, err)
	}
	return v, true, nil
}

// HostCPUBusyPercent computes the aggregate host CPU busy percentage from
// deltas since the given time. ok is false when no deltified samples exist in
// the window.
func (s *Store) HostCPUBusyPercent(since int64) (float64, bool, error) {
	var busy, idle sql.NullInt64
	err := s.db.QueryRow(`
		SELECT SUM(delta_busy_ms), SUM(delta_idle_ms)
		FROM host_cpu_snapshots
		WHERE collection_time >= ? AND delta_busy_ms IS NOT NULL`, since,
	).Scan(&busy, &idle)
	if err != nil {
		return 0, false, fmt.Errorf("querying host cpu: %w", err)
	}
	if !busy.Valid || busy.Int64+idle.Int64 == 0 {
		return 0, false, nil
	}
	return float64(busy.Int64) / float64(busy.Int64+idle.Int64) * 100, true, nil
}

// WaitSparkline returns the per-sample wait rate history for one wait type.
func (s *Store) WaitSparkline(waitType string, since int64) ([]model.SparklinePoint, error) {
	rows, err := s.db.Query(`
		SELECT collection_time, CAST(delta_wait_time_ms AS REAL) / sample_interval_seconds
		FROM wait_stats_snapshots
		WHERE wait_type = ? AND collection_time >= ?
		  AND delta_wait_time_ms IS NOT NULL AND sample_interval_seconds > 0
		ORDER BY collection_time ASC`, waitType, since)
	if err != nil {
		return nil, fmt.Errorf("querying wait sparkline: %w", err)
	}
	defer rows.Close()

	var points []model.SparklinePoint
	for rows.Next() {
		var p model.SparklinePoint
		if err := rows.Scan(&p.Timestamp, &p.Value); err != nil {
			return nil, fmt.Errorf("scanning sparkline point: %w", err)
		}
		points = append(points, p)
	}
	return points, rows.Err()
}
