// Package scheduler drives collectors off the schedule registry.
//
// Each pass reads the due collectors in one ordered query, invokes them
// strictly sequentially inside per-collector failure boundaries, and advances
// every attempted collector's next run time regardless of outcome. One broken
// collector never prevents the rest from running, and a chronically failing
// one is retried once per its configured frequency rather than in a tight
// loop.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sqlpulse/sqlpulse/internal/model"
	"github.com/sqlpulse/sqlpulse/internal/store"
)

// ErrUnknownCollector is logged when a schedule row names a collector that
// was never registered.
var ErrUnknownCollector = errors.New("unknown collector")

// Collector is a scheduled unit of work that samples one source and appends
// one snapshot generation. The scheduler only consumes "did it fail" plus the
// row count for the collection log.
type Collector interface {
	Name() string
	Collect(ctx context.Context) (int, error)
}

// InfoSource reports configuration-relevant facts about the monitored server.
type InfoSource interface {
	ServerInfo(ctx context.Context) (model.ServerInfo, error)
}

// Scheduler runs due collectors on each tick.
type Scheduler struct {
	store      *store.Store
	info       InfoSource
	collectors map[string]Collector
	tick       time.Duration
	now        func() time.Time
}

// New creates a scheduler over the given registry store and collectors. info
// may be nil when no monitored server is configured.
func New(st *store.Store, info InfoSource, collectors []Collector) *Scheduler {
	byName := make(map[string]Collector, len(collectors))
	for _, c := range collectors {
		byName[c.Name()] = c
	}
	return &Scheduler{
		store:      st,
		info:       info,
		collectors: byName,
		tick:       1 * time.Minute,
		now:        time.Now,
	}
}

// Run starts the tick loop. It blocks until the context is cancelled. Errors
// from individual passes are logged and the loop continues; only registry
// unavailability is reported, and even then the next tick retries.
func (s *Scheduler) Run(ctx context.Context) error {
	slog.Info("scheduler started", "tick", s.tick, "collectors", len(s.collectors))

	// First pass immediately on startup
	if _, _, err := s.RunDueCollectors(ctx, false); err != nil {
		slog.Error("scheduling pass failed", "error", err)
	}

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
			if _, _, err := s.RunDueCollectors(ctx, false); err != nil {
				slog.Error("scheduling pass failed", "error", err)
			}
		}
	}
}

// RunDueCollectors performs one scheduling pass and returns the number of
// collectors attempted and how many of them failed. The returned error is
// non-nil only when the schedule registry itself is unusable; individual
// collector failures are recorded in the collection log and swallowed.
func (s *Scheduler) RunDueCollectors(ctx context.Context, forceRunAll bool) (int, int, error) {
	s.recordServerInfo(ctx)

	due, err := s.store.DueSchedules(s.now(), forceRunAll)
	if err != nil {
		return 0, 0, fmt.Errorf("reading schedule registry: %w", err)
	}
	if len(due) == 0 {
		return 0, 0, nil
	}

	attempted, failed := 0, 0
	for _, entry := range due {
		if ctx.Err() != nil {
			// Due but never reached. Leave the schedule untouched so the
			// collector is due again on the next pass.
			if logErr := s.store.AppendLog(model.CollectionEntry{
				CollectionTime: s.now().Unix(),
				CollectorName:  entry.CollectorName,
				Status:         model.StatusSkipped,
				ErrorMessage:   ctx.Err().Error(),
			}); logErr != nil {
				slog.Error("logging skipped collector", "collector", entry.CollectorName, "error", logErr)
			}
			continue
		}
		attempted++
		if s.runOne(ctx, entry) != nil {
			failed++
		}
	}

	status := model.StatusSuccess
	if failed > 0 {
		status = model.StatusPartial
	}
	if err := s.store.AppendLog(model.CollectionEntry{
		CollectionTime: s.now().Unix(),
		CollectorName:  "scheduler",
		Status:         status,
		RowsCollected:  attempted,
	}); err != nil {
		slog.Error("logging scheduler summary", "error", err)
	}

	slog.Info("scheduling pass complete", "attempted", attempted, "failed", failed)
	return attempted, failed, nil
}

// runOne invokes a single collector inside its own failure boundary and
// advances its schedule unconditionally.
func (s *Scheduler) runOne(ctx context.Context, entry model.ScheduleEntry) error {
	start := s.now()

	rows, err := s.invoke(ctx, entry)
	elapsed := s.now().Sub(start)

	logEntry := model.CollectionEntry{
		CollectionTime: start.Unix(),
		CollectorName:  entry.CollectorName,
		Status:         model.StatusSuccess,
		RowsCollected:  rows,
		DurationMS:     elapsed.Milliseconds(),
	}
	if err != nil {
		logEntry.Status = model.StatusError
		logEntry.ErrorMessage = err.Error()
		logEntry.RowsCollected = 0
		slog.Error("collection failed", "collector", entry.CollectorName, "error", err, "elapsed", elapsed)
	} else {
		slog.Debug("collection succeeded", "collector", entry.CollectorName, "rows", rows, "elapsed", elapsed)
	}
	if logErr := s.store.AppendLog(logEntry); logErr != nil {
		slog.Error("logging collection outcome", "collector", entry.CollectorName, "error", logErr)
	}

	next := start.Add(time.Duration(entry.FrequencyMinutes) * time.Minute)
	if updErr := s.store.UpdateScheduleRun(entry.CollectorName, start, next); updErr != nil {
		slog.Error("advancing schedule", "collector", entry.CollectorName, "error", updErr)
	}

	return err
}

// invoke runs the collector with a bounded duration and a panic boundary.
func (s *Scheduler) invoke(ctx context.Context, entry model.ScheduleEntry) (rows int, err error) {
	c, ok := s.collectors[entry.CollectorName]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownCollector, entry.CollectorName)
	}

	if entry.MaxDurationMinutes > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(entry.MaxDurationMinutes)*time.Minute)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("collector panic: %v", r)
		}
	}()
	return c.Collect(ctx)
}

// recordServerInfo appends a server-info snapshot once per server-uptime
// epoch: only when the reported start time is newer than the most recently
// recorded one. Failures here never block collection.
func (s *Scheduler) recordServerInfo(ctx context.Context) {
	if s.info == nil {
		return
	}

	info, err := s.info.ServerInfo(ctx)
	if err != nil {
		slog.Warn("reading server info", "error", err)
		return
	}

	latest, ok, err := s.store.LatestServerStart()
	if err != nil {
		slog.Error("reading recorded server start", "error", err)
		return
	}
	if ok && info.ServerStartTime <= latest {
		return
	}

	info.CollectedAt = s.now().Unix()
	if err := s.store.InsertServerInfo(info); err != nil {
		slog.Error("recording server info", "error", err)
		return
	}
	slog.Info("new server uptime epoch recorded",
		"server", info.ServerName,
		"start_time", time.Unix(info.ServerStartTime, 0),
		"version", info.Version,
	)
}
