package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sqlpulse/sqlpulse/internal/model"
	"github.com/sqlpulse/sqlpulse/internal/store"
)

func newTestStore(t testing.TB) *store.Store {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// fakeCollector counts invocations and fails or panics on demand.
type fakeCollector struct {
	name  string
	rows  int
	err   error
	panic bool
	calls int
}

func (f *fakeCollector) Name() string { return f.name }

func (f *fakeCollector) Collect(ctx context.Context) (int, error) {
	f.calls++
	if f.panic {
		panic("boom")
	}
	return f.rows, f.err
}

// fakeInfo serves a fixed server-info snapshot.
type fakeInfo struct {
	info model.ServerInfo
	err  error
}

func (f *fakeInfo) ServerInfo(ctx context.Context) (model.ServerInfo, error) {
	return f.info, f.err
}

func seed(t testing.TB, st *store.Store, names ...string) {
	t.Helper()
	entries := make([]model.ScheduleEntry, 0, len(names))
	for _, name := range names {
		entries = append(entries, model.ScheduleEntry{
			CollectorName:      name,
			Enabled:            true,
			FrequencyMinutes:   5,
			MaxDurationMinutes: 5,
			RetentionDays:      30,
		})
	}
	require.NoError(t, st.SeedSchedules(entries))
}

func scheduleByName(t testing.TB, st *store.Store, name string) model.ScheduleEntry {
	t.Helper()
	schedules, err := st.Schedules()
	require.NoError(t, err)
	for _, s := range schedules {
		if s.CollectorName == name {
			return s
		}
	}
	t.Fatalf("schedule %q not found", name)
	return model.ScheduleEntry{}
}

func logByCollector(t testing.TB, st *store.Store, name string) []model.CollectionEntry {
	t.Helper()
	entries, err := st.RecentLog(100)
	require.NoError(t, err)
	var out []model.CollectionEntry
	for _, e := range entries {
		if e.CollectorName == name {
			out = append(out, e)
		}
	}
	return out
}

func TestRunDueCollectors_CancelledPassSkipsRemaining(t *testing.T) {
	st := newTestStore(t)
	seed(t, st, "alpha", "beta")

	a := &fakeCollector{name: "alpha", rows: 1}
	b := &fakeCollector{name: "beta", rows: 1}
	s := New(st, nil, []Collector{a, b})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	attempted, failed, err := s.RunDueCollectors(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 0, attempted)
	assert.Equal(t, 0, failed)
	assert.Equal(t, 0, a.calls)
	assert.Equal(t, 0, b.calls)

	for _, name := range []string{"alpha", "beta"} {
		entries := logByCollector(t, st, name)
		require.Len(t, entries, 1)
		assert.Equal(t, model.StatusSkipped, entries[0].Status)

		// Skipped collectors stay due for the next pass.
		assert.Nil(t, scheduleByName(t, st, name).NextRunTime)
	}
}

func TestRunDueCollectors_AllSucceed(t *testing.T) {
	st := newTestStore(t)
	seed(t, st, "alpha", "beta")

	a := &fakeCollector{name: "alpha", rows: 10}
	b := &fakeCollector{name: "beta", rows: 20}
	s := New(st, nil, []Collector{a, b})

	attempted, failed, err := s.RunDueCollectors(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, 2, attempted)
	assert.Equal(t, 0, failed)
	assert.Equal(t, 1, a.calls)
	assert.Equal(t, 1, b.calls)

	summary := logByCollector(t, st, "scheduler")
	require.Len(t, summary, 1)
	assert.Equal(t, model.StatusSuccess, summary[0].Status)
	assert.Equal(t, 2, summary[0].RowsCollected)
}

func TestRunDueCollectors_FailureIsolation(t *testing.T) {
	st := newTestStore(t)
	seed(t, st, "alpha", "beta", "gamma")

	a := &fakeCollector{name: "alpha", rows: 10}
	b := &fakeCollector{name: "beta", err: errors.New("connection refused")}
	c := &fakeCollector{name: "gamma", rows: 30}
	s := New(st, nil, []Collector{a, b, c})

	attempted, failed, err := s.RunDueCollectors(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, 3, attempted)
	assert.Equal(t, 1, failed)

	// The failure did not prevent the collectors after it from running.
	assert.Equal(t, 1, a.calls)
	assert.Equal(t, 1, c.calls)

	entries := logByCollector(t, st, "beta")
	require.Len(t, entries, 1)
	assert.Equal(t, model.StatusError, entries[0].Status)
	assert.Contains(t, entries[0].ErrorMessage, "connection refused")
	assert.Equal(t, 0, entries[0].RowsCollected)

	summary := logByCollector(t, st, "scheduler")
	require.Len(t, summary, 1)
	assert.Equal(t, model.StatusPartial, summary[0].Status)
}

func TestRunDueCollectors_PanicRecovered(t *testing.T) {
	st := newTestStore(t)
	seed(t, st, "alpha", "beta")

	a := &fakeCollector{name: "alpha", panic: true}
	b := &fakeCollector{name: "beta", rows: 5}
	s := New(st, nil, []Collector{a, b})

	attempted, failed, err := s.RunDueCollectors(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, 2, attempted)
	assert.Equal(t, 1, failed)
	assert.Equal(t, 1, b.calls)

	entries := logByCollector(t, st, "alpha")
	require.Len(t, entries, 1)
	assert.Equal(t, model.StatusError, entries[0].Status)
	assert.Contains(t, entries[0].ErrorMessage, "collector panic")
}

func TestRunDueCollectors_UnknownCollectorLogged(t *testing.T) {
	st := newTestStore(t)
	seed(t, st, "ghost")

	s := New(st, nil, nil)

	attempted, failed, err := s.RunDueCollectors(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, 1, attempted)
	assert.Equal(t, 1, failed)

	entries := logByCollector(t, st, "ghost")
	require.Len(t, entries, 1)
	assert.Equal(t, model.StatusError, entries[0].Status)
	assert.Contains(t, entries[0].ErrorMessage, "unknown collector")

	// Even an unregistered schedule row advances, so it does not wedge the
	// due list.
	entry := scheduleByName(t, st, "ghost")
	assert.NotNil(t, entry.NextRunTime)
}

func TestRunDueCollectors_AdvancesScheduleUnconditionally(t *testing.T) {
	st := newTestStore(t)
	seed(t, st, "alpha", "beta")

	now := time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC)
	a := &fakeCollector{name: "alpha", rows: 1}
	b := &fakeCollector{name: "beta", err: errors.New("timeout")}
	s := New(st, nil, []Collector{a, b})
	s.now = func() time.Time { return now }

	_, _, err := s.RunDueCollectors(context.Background(), false)
	require.NoError(t, err)

	for _, name := range []string{"alpha", "beta"} {
		entry := scheduleByName(t, st, name)
		require.NotNil(t, entry.LastRunTime, name)
		require.NotNil(t, entry.NextRunTime, name)
		assert.Equal(t, now.Unix(), *entry.LastRunTime, name)
		assert.Equal(t, now.Add(5*time.Minute).Unix(), *entry.NextRunTime, name)
	}
}

func TestRunDueCollectors_NotDueSkipped(t *testing.T) {
	st := newTestStore(t)
	seed(t, st, "alpha")

	now := time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC)
	a := &fakeCollector{name: "alpha", rows: 1}
	s := New(st, nil, []Collector{a})
	s.now = func() time.Time { return now }

	_, _, err := s.RunDueCollectors(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, 1, a.calls)

	// One minute later, alpha is not due yet.
	s.now = func() time.Time { return now.Add(1 * time.Minute) }
	attempted, _, err := s.RunDueCollectors(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, 0, attempted)
	assert.Equal(t, 1, a.calls)

	// At the five minute mark it runs again.
	s.now = func() time.Time { return now.Add(5 * time.Minute) }
	attempted, _, err = s.RunDueCollectors(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, 1, attempted)
	assert.Equal(t, 2, a.calls)
}

func TestRunDueCollectors_ForceRunAll(t *testing.T) {
	st := newTestStore(t)
	seed(t, st, "alpha", "beta")
	require.NoError(t, st.SetEnabled("beta", false))

	now := time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC)
	a := &fakeCollector{name: "alpha", rows: 1}
	b := &fakeCollector{name: "beta", rows: 1}
	s := New(st, nil, []Collector{a, b})
	s.now = func() time.Time { return now }

	_, _, err := s.RunDueCollectors(context.Background(), false)
	require.NoError(t, err)

	// Not due anymore, but force runs the enabled collector anyway. Disabled
	// collectors stay off even under force.
	attempted, _, err := s.RunDueCollectors(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, 1, attempted)
	assert.Equal(t, 2, a.calls)
	assert.Equal(t, 0, b.calls)
}

func TestRunDueCollectors_DisabledSkipped(t *testing.T) {
	st := newTestStore(t)
	seed(t, st, "alpha")
	require.NoError(t, st.SetEnabled("alpha", false))

	a := &fakeCollector{name: "alpha", rows: 1}
	s := New(st, nil, []Collector{a})

	attempted, _, err := s.RunDueCollectors(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, 0, attempted)
	assert.Equal(t, 0, a.calls)
}

func TestRecordServerInfo_OncePerEpoch(t *testing.T) {
	st := newTestStore(t)
	seed(t, st, "alpha")

	start := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC).Unix()
	info := &fakeInfo{info: model.ServerInfo{
		ServerStartTime:  start,
		ServerName:       "sql01",
		Version:          "16.0.4105.2",
		Edition:          "Developer Edition (64-bit)",
		CPUCount:         8,
		PhysicalMemoryKB: 33_554_432,
	}}

	a := &fakeCollector{name: "alpha", rows: 1}
	s := New(st, info, []Collector{a})

	ctx := context.Background()
	_, _, err := s.RunDueCollectors(ctx, true)
	require.NoError(t, err)
	_, _, err = s.RunDueCollectors(ctx, true)
	require.NoError(t, err)

	// Same uptime epoch: one row.
	recorded, ok, err := st.LatestServerStart()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, start, recorded)

	got, ok, err := st.LatestServerInfo()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "sql01", got.ServerName)

	// Restart: a second epoch gets its own row.
	info.info.ServerStartTime = start + 3600
	_, _, err = s.RunDueCollectors(ctx, true)
	require.NoError(t, err)

	recorded, _, err = st.LatestServerStart()
	require.NoError(t, err)
	assert.Equal(t, start+3600, recorded)
}

func TestRecordServerInfo_ErrorDoesNotBlockCollection(t *testing.T) {
	st := newTestStore(t)
	seed(t, st, "alpha")

	info := &fakeInfo{err: errors.New("login failed")}
	a := &fakeCollector{name: "alpha", rows: 1}
	s := New(st, info, []Collector{a})

	attempted, failed, err := s.RunDueCollectors(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, 1, attempted)
	assert.Equal(t, 0, failed)
}

func TestRun_StopsOnContextCancel(t *testing.T) {
	st := newTestStore(t)
	seed(t, st, "alpha")

	a := &fakeCollector{name: "alpha", rows: 1}
	s := New(st, nil, []Collector{a})
	s.tick = 10 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := s.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.GreaterOrEqual(t, a.calls, 1)
}
