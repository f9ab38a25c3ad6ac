// Package store provides SQLite persistence for sqlpulse.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sqlpulse/sqlpulse/internal/model"
	_ "modernc.org/sqlite"
)

// Store wraps a SQLite database holding snapshot history, the collection log,
// the schedule registry, and the critical issues ledger.
type Store struct {
	db *sql.DB
}

// New opens or creates a SQLite database at the given path and runs
// migrations. Transactions are opened in immediate mode so two writers cannot
// claim the same unprocessed snapshot rows; busy_timeout bounds lock waits so
// a blocked writer fails fast instead of queuing indefinitely.
func New(dbPath string) (*Store, error) {
	dsn := "file:" + dbPath +
		"?_txlock=immediate" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=busy_timeout(5000)" +
		"&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database %s: %w", dbPath, err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// migrate provisions the schema idempotently. Snapshot tables that did not
// exist before this run get TABLE_MISSING and TABLE_CREATED entries in the
// collection log, so first-boot provisioning is visible the same way it was
// when tables were created lazily.
func (s *Store) migrate() error {
	missing := make(map[string]string)
	for table, collector := range snapshotTables {
		var n int
		err := s.db.QueryRow(
			`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, table,
		).Scan(&n)
		if err != nil {
			return fmt.Errorf("checking table %s: %w", table, err)
		}
		if n == 0 {
			missing[table] = collector
		}
	}

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	now := time.Now().Unix()
	for table, collector := range missing {
		for _, status := range []string{model.StatusTableMissing, model.StatusTableCreated} {
			if err := s.AppendLog(model.CollectionEntry{
				CollectionTime: now,
				CollectorName:  collector,
				Status:         status,
				ErrorMessage:   table,
			}); err != nil {
				return err
			}
		}
		slog.Info("snapshot table created", "table", table, "collector", collector)
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for the delta engine, which builds its
// statements from the metric family registry.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Begin opens a write transaction for one snapshot generation. The caller
// owns it: insert the generation, run the delta engine, then commit, so the
// generation is either fully committed with deltas or not at all.
func (s *Store) Begin(ctx context.Context) (*sql.Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	return tx, nil
}

// AppendLog appends one collection log entry. The log is write-once; rows are
// never updated.
func (s *Store) AppendLog(e model.CollectionEntry) error {
	var errMsg any
	if e.ErrorMessage != "" {
		errMsg = e.ErrorMessage
	}
	_, err := s.db.Exec(`
		INSERT INTO collection_log (collection_time, collector_name, status, rows_collected, duration_ms, error_message)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.CollectionTime, e.CollectorName, e.Status, e.RowsCollected, e.DurationMS, errMsg,
	)
	if err != nil {
		return fmt.Errorf("appending collection log for %s: %w", e.CollectorName, err)
	}
	return nil
}

// RecentLog returns the most recent collection log entries, newest first.
func (s *Store) RecentLog(limit int) ([]model.CollectionEntry, error) {
	rows, err := s.db.Query(`
		SELECT id, collection_time, collector_name, status, rows_collected, duration_ms, COALESCE(error_message, '')
		FROM collection_log ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying collection log: %w", err)
	}
	defer rows.Close()

	var entries []model.CollectionEntry
	for rows.Next() {
		var e model.CollectionEntry
		if err := rows.Scan(&e.ID, &e.CollectionTime, &e.CollectorName, &e.Status,
			&e.RowsCollected, &e.DurationMS, &e.ErrorMessage); err != nil {
			return nil, fmt.Errorf("scanning collection log entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// LastSuccessfulRun returns the collection time of the most recent SUCCESS
// entry for a collector. ok is false if the collector has never succeeded,
// which callers use as the first-run signal to widen their lookback window.
func (s *Store) LastSuccessfulRun(collector string) (int64, bool, error) {
	var ts int64
	err := s.db.QueryRow(`
		SELECT collection_time FROM collection_log
		WHERE collector_name = ? AND status = ?
		ORDER BY id DESC LIMIT 1`, collector, model.StatusSuccess,
	).Scan(&ts)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("querying last successful run of %s: %w", collector, err)
	}
	return ts, true, nil
}

// SeedSchedules inserts missing schedule rows and applies configuration
// changes to existing ones. Runtime state (last/next run) is preserved.
// Applied changes are recorded in the collection log as CONFIG_CHANGE.
func (s *Store) SeedSchedules(entries []model.ScheduleEntry) error {
	now := time.Now().Unix()
	for _, e := range entries {
		var existing model.ScheduleEntry
		err := s.db.QueryRow(`
			SELECT enabled, frequency_minutes, max_duration_minutes, retention_days
			FROM collector_schedules WHERE collector_name = ?`, e.CollectorName,
		).Scan(&existing.Enabled, &existing.FrequencyMinutes, &existing.MaxDurationMinutes, &existing.RetentionDays)

		switch {
		case err == sql.ErrNoRows:
			_, err = s.db.Exec(`
				INSERT INTO collector_schedules (collector_name, enabled, frequency_minutes, max_duration_minutes, retention_days)
				VALUES (?, ?, ?, ?, ?)`,
				e.CollectorName, e.Enabled, e.FrequencyMinutes, e.MaxDurationMinutes, e.RetentionDays)
			if err != nil {
				return fmt.Errorf("seeding schedule for %s: %w", e.CollectorName, err)
			}
		case err != nil:
			return fmt.Errorf("reading schedule for %s: %w", e.CollectorName, err)
		default:
			if existing.Enabled == e.Enabled &&
				existing.FrequencyMinutes == e.FrequencyMinutes &&
				existing.MaxDurationMinutes == e.MaxDurationMinutes &&
				existing.RetentionDays == e.RetentionDays {
				continue
			}
			_, err = s.db.Exec(`
				UPDATE collector_schedules
				SET enabled = ?, frequency_minutes = ?, max_duration_minutes = ?, retention_days = ?
				WHERE collector_name = ?`,
				e.Enabled, e.FrequencyMinutes, e.MaxDurationMinutes, e.RetentionDays, e.CollectorName)
			if err != nil {
				return fmt.Errorf("updating schedule for %s: %w", e.CollectorName, err)
			}
			if err := s.AppendLog(model.CollectionEntry{
				CollectionTime: now,
				CollectorName:  e.CollectorName,
				Status:         model.StatusConfigChange,
				ErrorMessage: fmt.Sprintf("enabled=%t frequency=%dm max_duration=%dm retention=%dd",
					e.Enabled, e.FrequencyMinutes, e.MaxDurationMinutes, e.RetentionDays),
			}); err != nil {
				return err
			}
		}
	}
	return nil
}

// DueSchedules returns the collectors due to run at now, ordered by
// next_run_time ascending with never-run collectors first. With forceAll set,
// every enabled collector is due.
func (s *Store) DueSchedules(now time.Time, forceAll bool) ([]model.ScheduleEntry, error) {
	query := `
		SELECT collector_name, enabled, frequency_minutes, last_run_time, next_run_time, max_duration_minutes, retention_days
		FROM collector_schedules
		WHERE enabled = 1`
	args := []any{}
	if !forceAll {
		query += ` AND (next_run_time IS NULL OR next_run_time <= ?)`
		args = append(args, now.Unix())
	}
	query += ` ORDER BY next_run_time IS NOT NULL, next_run_time ASC, collector_name ASC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying due schedules: %w", err)
	}
	defer rows.Close()

	var entries []model.ScheduleEntry
	for rows.Next() {
		var e model.ScheduleEntry
		if err := rows.Scan(&e.CollectorName, &e.Enabled, &e.FrequencyMinutes,
			&e.LastRunTime, &e.NextRunTime, &e.MaxDurationMinutes, &e.RetentionDays); err != nil {
			return nil, fmt.Errorf("scanning schedule entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Schedules returns all registered schedule rows.
func (s *Store) Schedules() ([]model.ScheduleEntry, error) {
	rows, err := s.db.Query(`
		SELECT collector_name, enabled, frequency_minutes, last_run_time, next_run_time, max_duration_minutes, retention_days
		FROM collector_schedules ORDER BY collector_name`)
	if err != nil {
		return nil, fmt.Errorf("querying schedules: %w", err)
	}
	defer rows.Close()

	var entries []model.ScheduleEntry
	for rows.Next() {
		var e model.ScheduleEntry
		if err := rows.Scan(&e.CollectorName, &e.Enabled, &e.FrequencyMinutes,
			&e.LastRunTime, &e.NextRunTime, &e.MaxDurationMinutes, &e.RetentionDays); err != nil {
			return nil, fmt.Errorf("scanning schedule entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// UpdateScheduleRun advances a collector's run times after an invocation
// attempt. Called unconditionally, success or failure, so a chronically
// failing collector is retried once per its configured frequency rather than
// in a tight loop.
func (s *Store) UpdateScheduleRun(collector string, lastRun, nextRun time.Time) error {
	_, err := s.db.Exec(`
		UPDATE collector_schedules SET last_run_time = ?, next_run_time = ?
		WHERE collector_name = ?`,
		lastRun.Unix(), nextRun.Unix(), collector)
	if err != nil {
		return fmt.Errorf("updating schedule for %s: %w", collector, err)
	}
	return nil
}

// SetEnabled flips a collector's enabled flag.
func (s *Store) SetEnabled(collector string, enabled bool) error {
	_, err := s.db.Exec(`UPDATE collector_schedules SET enabled = ? WHERE collector_name = ?`, enabled, collector)
	if err != nil {
		return fmt.Errorf("setting enabled for %s: %w", collector, err)
	}
	return nil
}

// LatestServerStart returns the most recently recorded server start time.
// ok is false if no server info has been recorded yet.
func (s *Store) LatestServerStart() (int64, bool, error) {
	var ts sql.NullInt64
	err := s.db.QueryRow(`SELECT MAX(server_start_time) FROM server_info`).Scan(&ts)
	if err != nil {
		return 0, false, fmt.Errorf("querying latest server start: %w", err)
	}
	return ts.Int64, ts.Valid, nil
}

// InsertServerInfo records a server-info snapshot for a new uptime epoch.
func (s *Store) InsertServerInfo(info model.ServerInfo) error {
	_, err := s.db.Exec(`
		INSERT INTO server_info (collected_at, server_start_time, server_name, version, edition, cpu_count, physical_memory_kb)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		info.CollectedAt, info.ServerStartTime, info.ServerName, info.Version,
		info.Edition, info.CPUCount, info.PhysicalMemoryKB)
	if err != nil {
		return fmt.Errorf("inserting server info: %w", err)
	}
	return nil
}

// LatestServerInfo returns the most recent server-info row. ok is false if
// none has been recorded yet.
func (s *Store) LatestServerInfo() (model.ServerInfo, bool, error) {
	var info model.ServerInfo
	err := s.db.QueryRow(`
		SELECT collected_at, server_start_time, server_name, version, edition, cpu_count, physical_memory_kb
		FROM server_info ORDER BY collected_at DESC, id DESC LIMIT 1`).Scan(
		&info.CollectedAt, &info.ServerStartTime, &info.ServerName, &info.Version,
		&info.Edition, &info.CPUCount, &info.PhysicalMemoryKB)
	if errors.Is(err, sql.ErrNoRows) {
		return model.ServerInfo{}, false, nil
	}
	if err != nil {
		return model.ServerInfo{}, false, fmt.Errorf("querying server info: %w", err)
	}
	return info, true, nil
}

// InsertIssue appends one row to the critical issues ledger.
func (s *Store) InsertIssue(issue model.Issue) error {
	_, err := s.db.Exec(`
		INSERT INTO critical_issues (detected_at, issue_type, severity, subject, message, value)
		VALUES (?, ?, ?, ?, ?, ?)`,
		issue.DetectedAt.Unix(), issue.IssueType, issue.Severity, issue.Subject, issue.Message, issue.Value)
	if err != nil {
		return fmt.Errorf("inserting issue %s: %w", issue.IssueType, err)
	}
	return nil
}

// RecentIssues returns the most recent critical issues, newest first.
func (s *Store) RecentIssues(limit int) ([]model.Issue, error) {
	rows, err := s.db.Query(`
		SELECT id, detected_at, issue_type, severity, subject, message, value
		FROM critical_issues ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying issues: %w", err)
	}
	defer rows.Close()

	var issues []model.Issue
	for rows.Next() {
		var i model.Issue
		var ts int64
		if err := rows.Scan(&i.ID, &ts, &i.IssueType, &i.Severity, &i.Subject, &i.Message, &i.Value); err != nil {
			return nil, fmt.Errorf("scanning issue: %w", err)
		}
		i.DetectedAt = time.Unix(ts, 0)
		issues = append(issues, i)
	}
	return issues, rows.Err()
}

// failingThreshold is the consecutive-failure count at which a collector is
// reported FAILING instead of WARNING.
const failingThreshold = 3

// staleAfter is how long a collector may go without a SUCCESS before it is
// reported STALE.
const staleAfter = 24 * time.Hour

// CollectorHealth derives a health state per registered collector from the
// collection log: HEALTHY, WARNING (last run failed), FAILING (three or more
// consecutive failures), STALE (no success in 24h), or NEVER_RUN.
func (s *Store) CollectorHealth(now time.Time) ([]model.CollectorHealth, error) {
	schedules, err := s.Schedules()
	if err != nil {
		return nil, err
	}

	var health []model.CollectorHealth
	for _, sched := range schedules {
		h := model.CollectorHealth{
			CollectorName: sched.CollectorName,
			Enabled:       sched.Enabled,
		}

		rows, err := s.db.Query(`
			SELECT status, collection_time, COALESCE(error_message, '')
			FROM collection_log
			WHERE collector_name = ? AND status IN (?, ?)
			ORDER BY id DESC LIMIT 50`,
			sched.CollectorName, model.StatusSuccess, model.StatusError)
		if err != nil {
			return nil, fmt.Errorf("querying log for %s: %w", sched.CollectorName, err)
		}

		var lastSuccess *int64
		consecutive := 0
		counting := true
		lastErr := ""
		sawAny := false
		for rows.Next() {
			var status, errMsg string
			var ts int64
			if err := rows.Scan(&status, &ts, &errMsg); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scanning log for %s: %w", sched.CollectorName, err)
			}
			sawAny = true
			if status == model.StatusError {
				if counting {
					consecutive++
					if lastErr == "" {
						lastErr = errMsg
					}
				}
			} else {
				counting = false
				if lastSuccess == nil {
					t := ts
					lastSuccess = &t
				}
			}
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("iterating log for %s: %w", sched.CollectorName, err)
		}

		h.LastSuccess = lastSuccess
		h.ConsecutiveFailures = consecutive
		h.LastError = lastErr

		switch {
		case !sawAny:
			h.State = model.HealthNeverRun
		case consecutive >= failingThreshold:
			h.State = model.HealthFailing
		case lastSuccess == nil || now.Sub(time.Unix(*lastSuccess, 0)) > staleAfter:
			h.State = model.HealthStale
		case consecutive > 0:
			h.State = model.HealthWarning
		default:
			h.State = model.HealthHealthy
		}
		health = append(health, h)
	}
	return health, nil
}
