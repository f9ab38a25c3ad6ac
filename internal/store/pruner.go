package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Retention periods for tables not governed by a schedule row.
const (
	logRetention    = 30 * 24 * time.Hour
	issuesRetention = 90 * 24 * time.Hour
)

// Pruner periodically removes snapshot rows older than each collector's
// configured retention_days, plus aged collection log and issue rows.
type Pruner struct {
	store    *Store
	interval time.Duration
}

// NewPruner creates a pruner.
func NewPruner(store *Store) *Pruner {
	return &Pruner{store: store, interval: 1 * time.Hour}
}

// Run starts the pruner loop. It blocks until the context is cancelled.
func (p *Pruner) Run(ctx context.Context) error {
	slog.Info("pruner started", "interval", p.interval)

	// Run once at startup
	p.prune()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("pruner stopped")
			return ctx.Err()
		case <-ticker.C:
			p.prune()
		}
	}
}

func (p *Pruner) prune() {
	now := time.Now()

	schedules, err := p.store.Schedules()
	if err != nil {
		slog.Error("pruning: reading schedules", "error", err)
		return
	}
	retention := make(map[string]int, len(schedules))
	for _, s := range schedules {
		retention[s.CollectorName] = s.RetentionDays
	}

	for table, collector := range snapshotTables {
		days, ok := retention[collector]
		if !ok || days <= 0 {
			continue
		}
		cutoff := now.Add(-time.Duration(days) * 24 * time.Hour).Unix()
		p.deleteOlder(table, "collection_time", cutoff)
	}

	p.deleteOlder("collection_log", "collection_time", now.Add(-logRetention).Unix())
	p.deleteOlder("critical_issues", "detected_at", now.Add(-issuesRetention).Unix())
}

func (p *Pruner) deleteOlder(table, column string, cutoff int64) {
	result, err := p.store.db.Exec(fmt.Sprintf("DELETE FROM %s WHERE %s < ?", table, column), cutoff)
	if err != nil {
		slog.Error("pruning failed", "table", table, "error", err)
		return
	}
	rows, _ := result.RowsAffected()
	if rows > 0 {
		slog.Info("pruned old data", "table", table, "rows", rows)
	}
}
