// Package delta converts cumulative DMV counters into per-interval deltas.
//
// Each supported metric family is described by a Family descriptor: the
// snapshot table it lives in, the columns forming its entity key, and its
// raw/delta counter column pairs. Families are dispatched through a typed
// registry, so an unsupported name fails up front with ErrUnknownFamily and
// no side effects.
package delta

import (
	"errors"
	"fmt"
)

// ErrUnknownFamily is returned when a metric family name is not registered.
var ErrUnknownFamily = errors.New("unknown metric family")

// BootstrapPolicy controls the delta for the first observation ever seen for
// an entity key. The policies intentionally differ between families and must
// not be unified: changing one would silently change historical semantics.
type BootstrapPolicy int

const (
	// BootstrapNull leaves the first observation's delta NULL. The row is
	// excluded from delta output but serves as the previous row for the next
	// generation.
	BootstrapNull BootstrapPolicy = iota
	// BootstrapRaw backfills the first observation's delta with the raw
	// value and leaves the sample interval NULL.
	BootstrapRaw
)

// Counter is one cumulative counter column and the delta column the engine
// fills for it.
type Counter struct {
	Raw   string
	Delta string
}

// Family describes one metric family's snapshot table layout and delta rule.
type Family struct {
	Name       string
	Table      string
	KeyColumns []string
	Counters   []Counter
	Bootstrap  BootstrapPolicy
}

// Registered metric family names.
const (
	FamilyWaitStats    = "wait_stats"
	FamilyFileIO       = "file_io"
	FamilyPerfCounters = "perf_counters"
	FamilyHostCPU      = "host_cpu"
)

var families = map[string]Family{
	FamilyWaitStats: {
		Name:       FamilyWaitStats,
		Table:      "wait_stats_snapshots",
		KeyColumns: []string{"wait_type"},
		Counters: []Counter{
			{Raw: "waiting_tasks_count", Delta: "delta_waiting_tasks_count"},
			{Raw: "wait_time_ms", Delta: "delta_wait_time_ms"},
			{Raw: "signal_wait_time_ms", Delta: "delta_signal_wait_time_ms"},
		},
		Bootstrap: BootstrapNull,
	},
	FamilyFileIO: {
		Name:       FamilyFileIO,
		Table:      "file_io_snapshots",
		KeyColumns: []string{"database_id", "file_id"},
		Counters: []Counter{
			{Raw: "num_of_reads", Delta: "delta_num_of_reads"},
			{Raw: "num_of_bytes_read", Delta: "delta_num_of_bytes_read"},
			{Raw: "io_stall_read_ms", Delta: "delta_io_stall_read_ms"},
			{Raw: "num_of_writes", Delta: "delta_num_of_writes"},
			{Raw: "num_of_bytes_written", Delta: "delta_num_of_bytes_written"},
			{Raw: "io_stall_write_ms", Delta: "delta_io_stall_write_ms"},
		},
		Bootstrap: BootstrapNull,
	},
	FamilyPerfCounters: {
		Name:       FamilyPerfCounters,
		Table:      "perf_counter_snapshots",
		KeyColumns: []string{"object_name", "counter_name", "instance_name"},
		Counters: []Counter{
			{Raw: "cntr_value", Delta: "delta_cntr_value"},
		},
		Bootstrap: BootstrapRaw,
	},
	FamilyHostCPU: {
		Name:       FamilyHostCPU,
		Table:      "host_cpu_snapshots",
		KeyColumns: []string{"cpu_id"},
		Counters: []Counter{
			{Raw: "busy_ms", Delta: "delta_busy_ms"},
			{Raw: "idle_ms", Delta: "delta_idle_ms"},
			{Raw: "iowait_ms", Delta: "delta_iowait_ms"},
		},
		Bootstrap: BootstrapNull,
	},
}

// Lookup resolves a registered metric family by name.
func Lookup(name string) (Family, error) {
	f, ok := families[name]
	if !ok {
		return Family{}, fmt.Errorf("%w: %q", ErrUnknownFamily, name)
	}
	return f, nil
}

// Families returns the names of all registered metric families.
func Families() []string {
	names := make([]string, 0, len(families))
	for name := range families {
		names = append(names, name)
	}
	return names
}
