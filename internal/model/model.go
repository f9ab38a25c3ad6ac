// Package model defines all shared domain types for sqlpulse.
package model

import "time"

// Collection log statuses. The collection log is append-only; every collector
// invocation, provisioning event, and scheduler pass ends up here.
const (
	StatusSuccess      = "SUCCESS"
	StatusError        = "ERROR"
	StatusTableMissing = "TABLE_MISSING"
	StatusTableCreated = "TABLE_CREATED"
	StatusConfigChange = "CONFIG_CHANGE"
	StatusSkipped      = "SKIPPED"
	StatusPartial      = "PARTIAL"
)

// CollectionEntry is one immutable collection log row.
type CollectionEntry struct {
	ID             int64  `json:"id"`
	CollectionTime int64  `json:"collection_time"`
	CollectorName  string `json:"collector_name"`
	Status         string `json:"status"`
	RowsCollected  int    `json:"rows_collected"`
	DurationMS     int64  `json:"duration_ms"`
	ErrorMessage   string `json:"error_message,omitempty"`
}

// ScheduleEntry is the durable per-collector configuration row. next_run_time
// is the only field the scheduler writes during normal operation.
type ScheduleEntry struct {
	CollectorName      string `json:"collector_name"`
	Enabled            bool   `json:"enabled"`
	FrequencyMinutes   int    `json:"frequency_minutes"`
	LastRunTime        *int64 `json:"last_run_time,omitempty"`
	NextRunTime        *int64 `json:"next_run_time,omitempty"`
	MaxDurationMinutes int    `json:"max_duration_minutes"`
	RetentionDays      int    `json:"retention_days"`
}

// ServerInfo captures configuration-relevant facts about the monitored
// server. One row is recorded per server-uptime epoch, since these facts
// only change across restarts.
type ServerInfo struct {
	CollectedAt      int64  `json:"collected_at"`
	ServerStartTime  int64  `json:"server_start_time"`
	ServerName       string `json:"server_name"`
	Version          string `json:"version"`
	Edition          string `json:"edition"`
	CPUCount         int    `json:"cpu_count"`
	PhysicalMemoryKB int64  `json:"physical_memory_kb"`
}

// Issue is a derived alert row produced by threshold analysis over delta data.
type Issue struct {
	ID         int64     `json:"id"`
	DetectedAt time.Time `json:"detected_at"`
	IssueType  string    `json:"issue_type"`
	Severity   string    `json:"severity"` // "info", "warning", "critical"
	Subject    string    `json:"subject"`
	Message    string    `json:"message"`
	Value      float64   `json:"value"`
}

// Health states derived from the collection log and schedule registry.
const (
	HealthHealthy  = "HEALTHY"
	HealthWarning  = "WARNING"
	HealthFailing  = "FAILING"
	HealthStale    = "STALE"
	HealthNeverRun = "NEVER_RUN"
)

// CollectorHealth is the derived health status of a single collector.
type CollectorHealth struct {
	CollectorName       string `json:"collector_name"`
	State               string `json:"state"`
	Enabled             bool   `json:"enabled"`
	LastSuccess         *int64 `json:"last_success,omitempty"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
	LastError           string `json:"last_error,omitempty"`
}

// SparklinePoint is a single data point for history rendering.
type SparklinePoint struct {
	Timestamp int64   `json:"ts"`
	Value     float64 `json:"value"`
}

// WaitRate is an aggregated per-interval wait statistic over a query window.
type WaitRate struct {
	WaitType      string  `json:"wait_type"`
	WaitMS        int64   `json:"wait_ms"`
	SignalWaitMS  int64   `json:"signal_wait_ms"`
	WaitingTasks  int64   `json:"waiting_tasks"`
	SampleSeconds int64   `json:"sample_seconds"`
	WaitMSPerSec  float64 `json:"wait_ms_per_sec"`
}

// FileIOLatency is the per-file average latency over a query window.
type FileIOLatency struct {
	DatabaseName   string  `json:"database_name"`
	DatabaseID     int64   `json:"database_id"`
	FileID         int64   `json:"file_id"`
	FileType       string  `json:"file_type"`
	Reads          int64   `json:"reads"`
	Writes         int64   `json:"writes"`
	ReadLatencyMS  float64 `json:"read_latency_ms"`
	WriteLatencyMS float64 `json:"write_latency_ms"`
}
