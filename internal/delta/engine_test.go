package delta

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sqlpulse/sqlpulse/internal/store"
)

func newTestDB(t testing.TB) *sql.DB {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s.DB()
}

func insertWait(t testing.TB, db *sql.DB, collTime, serverStart int64, waitType string, tasks, waitMS, signalMS int64) int64 {
	t.Helper()
	res, err := db.Exec(`
		INSERT INTO wait_stats_snapshots
			(collection_time, server_start_time, wait_type, waiting_tasks_count, wait_time_ms, signal_wait_time_ms)
		VALUES (?, ?, ?, ?, ?, ?)`,
		collTime, serverStart, waitType, tasks, waitMS, signalMS)
	require.NoError(t, err)
	id, err := res.LastInsertId()
	require.NoError(t, err)
	return id
}

type waitDeltas struct {
	tasks    sql.NullInt64
	waitMS   sql.NullInt64
	signalMS sql.NullInt64
	interval sql.NullInt64
}

func readWaitDeltas(t testing.TB, db *sql.DB, id int64) waitDeltas {
	t.Helper()
	var d waitDeltas
	err := db.QueryRow(`
		SELECT delta_waiting_tasks_count, delta_wait_time_ms, delta_signal_wait_time_ms, sample_interval_seconds
		FROM wait_stats_snapshots WHERE collection_id = ?`, id).
		Scan(&d.tasks, &d.waitMS, &d.signalMS, &d.interval)
	require.NoError(t, err)
	return d
}

const serverStart = int64(1_700_000_000)

func TestComputeDeltas_FirstObservationStaysNull(t *testing.T) {
	db := newTestDB(t)
	e := NewEngine(db)

	id := insertWait(t, db, serverStart+100, serverStart, "PAGEIOLATCH_SH", 10, 500, 50)

	n, err := e.ComputeDeltas(context.Background(), FamilyWaitStats)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	d := readWaitDeltas(t, db, id)
	assert.False(t, d.waitMS.Valid)
	assert.False(t, d.interval.Valid)
}

func TestComputeDeltas_NormalSubtraction(t *testing.T) {
	db := newTestDB(t)
	e := NewEngine(db)

	insertWait(t, db, serverStart+100, serverStart, "PAGEIOLATCH_SH", 10, 500, 50)
	id2 := insertWait(t, db, serverStart+160, serverStart, "PAGEIOLATCH_SH", 15, 800, 70)

	n, err := e.ComputeDeltas(context.Background(), FamilyWaitStats)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	d := readWaitDeltas(t, db, id2)
	require.True(t, d.waitMS.Valid)
	assert.Equal(t, int64(5), d.tasks.Int64)
	assert.Equal(t, int64(300), d.waitMS.Int64)
	assert.Equal(t, int64(20), d.signalMS.Int64)
	assert.Equal(t, int64(60), d.interval.Int64)
}

func TestComputeDeltas_ZeroActivity(t *testing.T) {
	db := newTestDB(t)
	e := NewEngine(db)

	insertWait(t, db, serverStart+100, serverStart, "SOS_SCHEDULER_YIELD", 10, 500, 50)
	id2 := insertWait(t, db, serverStart+160, serverStart, "SOS_SCHEDULER_YIELD", 10, 500, 50)

	_, err := e.ComputeDeltas(context.Background(), FamilyWaitStats)
	require.NoError(t, err)

	d := readWaitDeltas(t, db, id2)
	require.True(t, d.waitMS.Valid)
	assert.Equal(t, int64(0), d.waitMS.Int64)
	assert.Equal(t, int64(60), d.interval.Int64)
}

func TestComputeDeltas_ServerRestartUsesRaw(t *testing.T) {
	db := newTestDB(t)
	e := NewEngine(db)

	insertWait(t, db, serverStart+100, serverStart, "CXPACKET", 1000, 90_000, 9000)
	// Restarted after the previous observation: counters reset to near zero.
	newStart := serverStart + 150
	id2 := insertWait(t, db, serverStart+200, newStart, "CXPACKET", 3, 120, 12)

	n, err := e.ComputeDeltas(context.Background(), FamilyWaitStats)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	d := readWaitDeltas(t, db, id2)
	require.True(t, d.waitMS.Valid)
	assert.Equal(t, int64(3), d.tasks.Int64)
	assert.Equal(t, int64(120), d.waitMS.Int64)
	assert.Equal(t, int64(12), d.signalMS.Int64)
	assert.Equal(t, int64(100), d.interval.Int64)
}

func TestComputeDeltas_RegressionWithoutRestartUsesRaw(t *testing.T) {
	db := newTestDB(t)
	e := NewEngine(db)

	insertWait(t, db, serverStart+100, serverStart, "LCK_M_X", 1000, 90_000, 9000)
	// Same uptime epoch, but the counter went backwards. The raw value is
	// taken as the delta; a delta is never negative.
	id2 := insertWait(t, db, serverStart+160, serverStart, "LCK_M_X", 1001, 80_000, 9001)

	_, err := e.ComputeDeltas(context.Background(), FamilyWaitStats)
	require.NoError(t, err)

	d := readWaitDeltas(t, db, id2)
	require.True(t, d.waitMS.Valid)
	assert.Equal(t, int64(1), d.tasks.Int64)
	assert.Equal(t, int64(80_000), d.waitMS.Int64)
	assert.Equal(t, int64(1), d.signalMS.Int64)
}

func TestComputeDeltas_Idempotent(t *testing.T) {
	db := newTestDB(t)
	e := NewEngine(db)
	ctx := context.Background()

	insertWait(t, db, serverStart+100, serverStart, "WRITELOG", 10, 500, 50)
	id2 := insertWait(t, db, serverStart+160, serverStart, "WRITELOG", 20, 900, 90)

	n, err := e.ComputeDeltas(ctx, FamilyWaitStats)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// Second run has nothing left to claim and changes nothing.
	n, err = e.ComputeDeltas(ctx, FamilyWaitStats)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	d := readWaitDeltas(t, db, id2)
	assert.Equal(t, int64(400), d.waitMS.Int64)
}

func TestComputeDeltas_BacklogProcessesNewestPerKey(t *testing.T) {
	db := newTestDB(t)
	e := NewEngine(db)

	// Three unprocessed generations. One pass claims only the newest; the
	// baseline is the row immediately preceding it.
	insertWait(t, db, serverStart+100, serverStart, "ASYNC_NETWORK_IO", 10, 100, 10)
	idMid := insertWait(t, db, serverStart+160, serverStart, "ASYNC_NETWORK_IO", 20, 300, 30)
	idNew := insertWait(t, db, serverStart+220, serverStart, "ASYNC_NETWORK_IO", 35, 700, 70)

	n, err := e.ComputeDeltas(context.Background(), FamilyWaitStats)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	dNew := readWaitDeltas(t, db, idNew)
	require.True(t, dNew.waitMS.Valid)
	assert.Equal(t, int64(400), dNew.waitMS.Int64)
	assert.Equal(t, int64(60), dNew.interval.Int64)

	dMid := readWaitDeltas(t, db, idMid)
	assert.False(t, dMid.waitMS.Valid)
}

func TestComputeDeltas_IndependentKeys(t *testing.T) {
	db := newTestDB(t)
	e := NewEngine(db)

	insertWait(t, db, serverStart+100, serverStart, "PAGEIOLATCH_SH", 10, 500, 50)
	insertWait(t, db, serverStart+100, serverStart, "WRITELOG", 5, 200, 20)
	idA := insertWait(t, db, serverStart+160, serverStart, "PAGEIOLATCH_SH", 12, 600, 60)
	idB := insertWait(t, db, serverStart+160, serverStart, "WRITELOG", 9, 450, 45)

	n, err := e.ComputeDeltas(context.Background(), FamilyWaitStats)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	assert.Equal(t, int64(100), readWaitDeltas(t, db, idA).waitMS.Int64)
	assert.Equal(t, int64(250), readWaitDeltas(t, db, idB).waitMS.Int64)
}

func TestComputeDeltas_BootstrapRawPerfCounters(t *testing.T) {
	db := newTestDB(t)
	e := NewEngine(db)

	res, err := db.Exec(`
		INSERT INTO perf_counter_snapshots
			(collection_time, server_start_time, object_name, counter_name, instance_name, cntr_value, cntr_type)
		VALUES (?, ?, ?, ?, '', ?, ?)`,
		serverStart+100, serverStart, "SQLServer:Buffer Manager", "Page life expectancy", 4200, 65792)
	require.NoError(t, err)
	id, err := res.LastInsertId()
	require.NoError(t, err)

	n, err := e.ComputeDeltas(context.Background(), FamilyPerfCounters)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	var delta, interval sql.NullInt64
	err = db.QueryRow(`SELECT delta_cntr_value, sample_interval_seconds FROM perf_counter_snapshots WHERE collection_id = ?`, id).
		Scan(&delta, &interval)
	require.NoError(t, err)
	require.True(t, delta.Valid)
	assert.Equal(t, int64(4200), delta.Int64)
	assert.False(t, interval.Valid)
}

func TestComputeDeltas_UnknownFamily(t *testing.T) {
	e := NewEngine(newTestDB(t))
	_, err := e.ComputeDeltas(context.Background(), "no_such_family")
	assert.ErrorIs(t, err, ErrUnknownFamily)
}

func TestComputeDeltasTx_RollbackDiscardsDeltas(t *testing.T) {
	db := newTestDB(t)
	e := NewEngine(db)
	ctx := context.Background()

	insertWait(t, db, serverStart+100, serverStart, "PAGELATCH_EX", 10, 500, 50)
	id2 := insertWait(t, db, serverStart+160, serverStart, "PAGELATCH_EX", 20, 900, 90)

	tx, err := db.BeginTx(ctx, nil)
	require.NoError(t, err)
	n, err := e.ComputeDeltasTx(ctx, tx, FamilyWaitStats)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.NoError(t, tx.Rollback())

	d := readWaitDeltas(t, db, id2)
	assert.False(t, d.waitMS.Valid)

	// The rolled-back generation is still claimable afterwards.
	n, err = e.ComputeDeltas(ctx, FamilyWaitStats)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestComputeRow(t *testing.T) {
	prev := previous{time: 100, raws: []int64{50, 1000}}

	t.Run("normal", func(t *testing.T) {
		cur := pending{time: 160, serverStart: 10, raws: []int64{70, 1500}}
		deltas, interval := computeRow(cur, prev)
		assert.Equal(t, []int64{20, 500}, deltas)
		assert.Equal(t, int64(60), interval)
	})

	t.Run("reset", func(t *testing.T) {
		cur := pending{time: 160, serverStart: 120, raws: []int64{7, 15}}
		deltas, _ := computeRow(cur, prev)
		assert.Equal(t, []int64{7, 15}, deltas)
	})

	t.Run("restart at previous collection time counts as reset", func(t *testing.T) {
		cur := pending{time: 160, serverStart: 100, raws: []int64{7, 15}}
		deltas, _ := computeRow(cur, prev)
		assert.Equal(t, []int64{7, 15}, deltas)
	})

	t.Run("per counter wraparound", func(t *testing.T) {
		cur := pending{time: 160, serverStart: 10, raws: []int64{70, 900}}
		deltas, _ := computeRow(cur, prev)
		assert.Equal(t, []int64{20, 900}, deltas)
	})
}

func TestLookup(t *testing.T) {
	for _, name := range Families() {
		f, err := Lookup(name)
		require.NoError(t, err)
		assert.Equal(t, name, f.Name)
		assert.NotEmpty(t, f.Table)
		assert.NotEmpty(t, f.KeyColumns)
		assert.NotEmpty(t, f.Counters)
	}

	_, err := Lookup("bogus")
	assert.ErrorIs(t, err, ErrUnknownFamily)
}
