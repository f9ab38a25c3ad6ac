package collector

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/sqlpulse/sqlpulse/internal/delta"
	"github.com/sqlpulse/sqlpulse/internal/store"
)

// HostCPU samples cumulative per-CPU times on the agent host. The counters
// accumulate since host boot, so the boot time is the epoch marker the delta
// engine uses for reset detection.
type HostCPU struct {
	store  *store.Store
	engine *delta.Engine
}

// NewHostCPU creates the host CPU collector.
func NewHostCPU(st *store.Store, engine *delta.Engine) *HostCPU {
	return &HostCPU{store: st, engine: engine}
}

func (h *HostCPU) Name() string { return NameHostCPU }

// Collect appends one host CPU generation and deltifies it.
func (h *HostCPU) Collect(ctx context.Context) (int, error) {
	boot, err := host.BootTimeWithContext(ctx)
	if err != nil {
		return 0, fmt.Errorf("reading host boot time: %w", err)
	}

	times, err := cpu.TimesWithContext(ctx, true)
	if err != nil {
		return 0, fmt.Errorf("reading cpu times: %w", err)
	}

	samples := make([]store.HostCPUSample, 0, len(times))
	for _, t := range times {
		busy := t.User + t.System + t.Nice + t.Irq + t.Softirq + t.Steal
		samples = append(samples, store.HostCPUSample{
			CPUID:    t.CPU,
			BusyMS:   int64(busy * 1000),
			IdleMS:   int64(t.Idle * 1000),
			IOWaitMS: int64(t.Iowait * 1000),
		})
	}

	now := time.Now().Unix()
	return commitGeneration(ctx, h.store, h.engine, delta.FamilyHostCPU, func(tx *sql.Tx) (int, error) {
		return h.store.InsertHostCPU(tx, now, int64(boot), samples)
	})
}
