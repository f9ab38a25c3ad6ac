package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sqlpulse/sqlpulse/internal/model"
	"github.com/sqlpulse/sqlpulse/internal/store"
)

func newTestServer(t testing.TB) (*Server, *store.Store) {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return NewServer(":0", st), st
}

func doGet(t testing.TB, srv *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	srv.server.Handler.ServeHTTP(rec, req)
	return rec
}

func seedSchedule(t testing.TB, st *store.Store, name string) {
	t.Helper()
	require.NoError(t, st.SeedSchedules([]model.ScheduleEntry{{
		CollectorName:      name,
		Enabled:            true,
		FrequencyMinutes:   5,
		MaxDurationMinutes: 5,
		RetentionDays:      30,
	}}))
}

func TestHealthz_OK(t *testing.T) {
	srv, st := newTestServer(t)
	seedSchedule(t, st, "waitstats")
	require.NoError(t, st.AppendLog(model.CollectionEntry{
		CollectionTime: time.Now().Unix(),
		CollectorName:  "waitstats",
		Status:         model.StatusSuccess,
	}))

	rec := doGet(t, srv, "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
}

func TestHealthz_DegradedWhenFailing(t *testing.T) {
	srv, st := newTestServer(t)
	seedSchedule(t, st, "waitstats")
	now := time.Now()
	for i := 3; i > 0; i-- {
		require.NoError(t, st.AppendLog(model.CollectionEntry{
			CollectionTime: now.Add(-time.Duration(i) * 5 * time.Minute).Unix(),
			CollectorName:  "waitstats",
			Status:         model.StatusError,
			ErrorMessage:   "refused",
		}))
	}

	rec := doGet(t, srv, "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "degraded", body["status"])
}

func TestAPIHealth(t *testing.T) {
	srv, st := newTestServer(t)
	seedSchedule(t, st, "fileio")

	rec := doGet(t, srv, "/api/health")
	require.Equal(t, http.StatusOK, rec.Code)

	var health []model.CollectorHealth
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	require.Len(t, health, 1)
	assert.Equal(t, "fileio", health[0].CollectorName)
	assert.Equal(t, model.HealthNeverRun, health[0].State)
}

func TestAPILog(t *testing.T) {
	srv, st := newTestServer(t)
	require.NoError(t, st.AppendLog(model.CollectionEntry{
		CollectionTime: time.Now().Unix(),
		CollectorName:  "perfcounters",
		Status:         model.StatusSuccess,
		RowsCollected:  24,
	}))

	rec := doGet(t, srv, "/api/log?limit=5")
	require.Equal(t, http.StatusOK, rec.Code)

	var entries []model.CollectionEntry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
	require.NotEmpty(t, entries)
	assert.Equal(t, "perfcounters", entries[0].CollectorName)
	assert.Equal(t, 24, entries[0].RowsCollected)
}

func TestAPIIssues(t *testing.T) {
	srv, st := newTestServer(t)
	require.NoError(t, st.InsertIssue(model.Issue{
		DetectedAt: time.Now(),
		IssueType:  "HOST_CPU_HIGH",
		Severity:   "warning",
		Subject:    "host",
		Message:    "Host CPU at 95% over the analysis window",
		Value:      95,
	}))

	rec := doGet(t, srv, "/api/issues")
	require.Equal(t, http.StatusOK, rec.Code)

	var issues []model.Issue
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &issues))
	require.Len(t, issues, 1)
	assert.Equal(t, "HOST_CPU_HIGH", issues[0].IssueType)
}

func TestAPIServer_NotFoundBeforeFirstEpoch(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doGet(t, srv, "/api/server")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAPIServer(t *testing.T) {
	srv, st := newTestServer(t)
	require.NoError(t, st.InsertServerInfo(model.ServerInfo{
		CollectedAt:      time.Now().Unix(),
		ServerStartTime:  time.Now().Add(-time.Hour).Unix(),
		ServerName:       "sql01",
		Version:          "16.0.4105.2",
		Edition:          "Standard Edition (64-bit)",
		CPUCount:         8,
		PhysicalMemoryKB: 33_554_432,
	}))

	rec := doGet(t, srv, "/api/server")
	require.Equal(t, http.StatusOK, rec.Code)

	var info model.ServerInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	assert.Equal(t, "sql01", info.ServerName)
	assert.Equal(t, 8, info.CPUCount)
}

func TestAPITopWaits(t *testing.T) {
	srv, st := newTestServer(t)
	now := time.Now().Unix()
	_, err := st.DB().Exec(`
		INSERT INTO wait_stats_snapshots
		(collection_time, server_start_time, wait_type, waiting_tasks_count, wait_time_ms, signal_wait_time_ms,
		 delta_waiting_tasks_count, delta_wait_time_ms, delta_signal_wait_time_ms, sample_interval_seconds)
		VALUES (?, ?, 'WRITELOG', 0, 0, 0, 5, 3000, 300, 60)`, now-60, now-86400)
	require.NoError(t, err)

	rec := doGet(t, srv, "/api/waits/top?hours=1&limit=5")
	require.Equal(t, http.StatusOK, rec.Code)

	var rates []model.WaitRate
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rates))
	require.Len(t, rates, 1)
	assert.Equal(t, "WRITELOG", rates[0].WaitType)
	assert.InDelta(t, 50.0, rates[0].WaitMSPerSec, 0.001)
}

func TestAPIWaitSparkline(t *testing.T) {
	srv, st := newTestServer(t)
	now := time.Now().Unix()
	_, err := st.DB().Exec(`
		INSERT INTO wait_stats_snapshots
		(collection_time, server_start_time, wait_type, waiting_tasks_count, wait_time_ms, signal_wait_time_ms,
		 delta_waiting_tasks_count, delta_wait_time_ms, delta_signal_wait_time_ms, sample_interval_seconds)
		VALUES (?, ?, 'CXPACKET', 0, 0, 0, 5, 3000, 300, 60)`, now-60, now-86400)
	require.NoError(t, err)

	rec := doGet(t, srv, "/api/sparkline/wait/CXPACKET")
	require.Equal(t, http.StatusOK, rec.Code)

	var points []model.SparklinePoint
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &points))
	require.Len(t, points, 1)
	assert.InDelta(t, 50.0, points[0].Value, 0.001)
}

func TestSecurityHeaders(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doGet(t, srv, "/api/log")
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
}

func TestMethodNotAllowed(t *testing.T) {
	srv, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/api/log", nil)
	rec := httptest.NewRecorder()
	srv.server.Handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
