// Package analyzer evaluates threshold rules over computed delta data and
// appends critical issues.
package analyzer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sqlpulse/sqlpulse/internal/collector"
	"github.com/sqlpulse/sqlpulse/internal/model"
	"github.com/sqlpulse/sqlpulse/internal/notify"
	"github.com/sqlpulse/sqlpulse/internal/store"
)

// Issue types appended to the critical issues ledger.
const (
	IssueHighWaitRate = "HIGH_WAIT_RATE"
	IssueIOLatency    = "HIGH_IO_LATENCY"
	IssueLowPLE       = "LOW_PAGE_LIFE_EXPECTANCY"
	IssueHostCPUHigh  = "HOST_CPU_HIGH"
)

// ThresholdRule triggers when a value crosses its threshold.
type ThresholdRule struct {
	Threshold float64
	Severity  string
	Cooldown  time.Duration
}

// Config holds the rule set. A nil rule is disabled.
type Config struct {
	WaitRate           *ThresholdRule // wait ms per elapsed second, per wait type
	IOLatency          *ThresholdRule // average ms per read or write, per file
	PageLifeExpectancy *ThresholdRule // floor, seconds
	HostCPU            *ThresholdRule // busy percent across the window
}

// DefaultConfig returns sensible rule defaults.
func DefaultConfig() Config {
	return Config{
		WaitRate:           &ThresholdRule{Threshold: 1000, Severity: "warning", Cooldown: 1 * time.Hour},
		IOLatency:          &ThresholdRule{Threshold: 100, Severity: "warning", Cooldown: 1 * time.Hour},
		PageLifeExpectancy: &ThresholdRule{Threshold: 300, Severity: "critical", Cooldown: 30 * time.Minute},
		HostCPU:            &ThresholdRule{Threshold: 90, Severity: "warning", Cooldown: 1 * time.Hour},
	}
}

// firstRunWindow is the lookback used when the analyzer has never succeeded,
// so backlog deltas are evaluated instead of only the schedule interval.
const firstRunWindow = 1 * time.Hour

// Analyzer consumes delta data and appends critical issues. It runs as a
// scheduled collector under the name "checkissues".
type Analyzer struct {
	store     *store.Store
	providers []notify.Provider
	config    Config

	// Deduplication: maps issue key to last fired time.
	lastFired map[string]time.Time
}

// New creates an analyzer.
func New(st *store.Store, providers []notify.Provider, cfg Config) *Analyzer {
	return &Analyzer{
		store:     st,
		providers: providers,
		config:    cfg,
		lastFired: make(map[string]time.Time),
	}
}

func (a *Analyzer) Name() string { return collector.NameCheckIssues }

// Collect evaluates all rules over deltas since the last successful analyzer
// run and returns the number of issues raised.
func (a *Analyzer) Collect(ctx context.Context) (int, error) {
	now := time.Now()

	since, err := collector.Lookback(a.store, a.Name(), now, firstRunWindow)
	if err != nil {
		return 0, err
	}

	raised := 0
	raised += a.checkWaitRates(ctx, now, since)
	raised += a.checkIOLatency(ctx, now, since)
	raised += a.checkPageLifeExpectancy(ctx, now)
	raised += a.checkHostCPU(ctx, now, since)
	return raised, nil
}

func (a *Analyzer) checkWaitRates(ctx context.Context, now time.Time, since int64) int {
	rule := a.config.WaitRate
	if rule == nil {
		return 0
	}
	rates, err := a.store.TopWaitRates(since, 20)
	if err != nil {
		slog.Error("analyzing wait rates", "error", err)
		return 0
	}
	raised := 0
	for _, r := range rates {
		if r.WaitMSPerSec < rule.Threshold {
			continue
		}
		if a.fire(ctx, now, "wait:"+r.WaitType, rule.Cooldown, model.Issue{
			DetectedAt: now,
			IssueType:  IssueHighWaitRate,
			Severity:   rule.Severity,
			Subject:    r.WaitType,
			Message: fmt.Sprintf("%s at %.0f ms wait per second over the last %d s",
				r.WaitType, r.WaitMSPerSec, r.SampleSeconds),
			Value: r.WaitMSPerSec,
		}) {
			raised++
		}
	}
	return raised
}

func (a *Analyzer) checkIOLatency(ctx context.Context, now time.Time, since int64) int {
	rule := a.config.IOLatency
	if rule == nil {
		return 0
	}
	latencies, err := a.store.FileIOLatencies(since)
	if err != nil {
		slog.Error("analyzing file io latency", "error", err)
		return 0
	}
	raised := 0
	for _, l := range latencies {
		worst := l.ReadLatencyMS
		kind := "read"
		if l.WriteLatencyMS > worst {
			worst = l.WriteLatencyMS
			kind = "write"
		}
		if worst < rule.Threshold {
			continue
		}
		subject := fmt.Sprintf("%s file %d", l.DatabaseName, l.FileID)
		if a.fire(ctx, now, "io:"+subject, rule.Cooldown, model.Issue{
			DetectedAt: now,
			IssueType:  IssueIOLatency,
			Severity:   rule.Severity,
			Subject:    subject,
			Message: fmt.Sprintf("[%s] %s file %d (%s) averaging %.1f ms per %s",
				l.DatabaseName, l.FileType, l.FileID, l.FileType, worst, kind),
			Value: worst,
		}) {
			raised++
		}
	}
	return raised
}

func (a *Analyzer) checkPageLifeExpectancy(ctx context.Context, now time.Time) int {
	rule := a.config.PageLifeExpectancy
	if rule == nil {
		return 0
	}
	ple, ok, err := a.store.LatestCounterValue("Page life expectancy")
	if err != nil {
		slog.Error("analyzing page life expectancy", "error", err)
		return 0
	}
	if !ok || float64(ple) >= rule.Threshold {
		return 0
	}
	if a.fire(ctx, now, "ple", rule.Cooldown, model.Issue{
		DetectedAt: now,
		IssueType:  IssueLowPLE,
		Severity:   rule.Severity,
		Subject:    "Buffer Manager",
		Message:    fmt.Sprintf("Page life expectancy at %d s (floor %.0f s)", ple, rule.Threshold),
		Value:      float64(ple),
	}) {
		return 1
	}
	return 0
}

func (a *Analyzer) checkHostCPU(ctx context.Context, now time.Time, since int64) int {
	rule := a.config.HostCPU
	if rule == nil {
		return 0
	}
	pct, ok, err := a.store.HostCPUBusyPercent(since)
	if err != nil {
		slog.Error("analyzing host cpu", "error", err)
		return 0
	}
	if !ok || pct < rule.Threshold {
		return 0
	}
	if a.fire(ctx, now, "hostcpu", rule.Cooldown, model.Issue{
		DetectedAt: now,
		IssueType:  IssueHostCPUHigh,
		Severity:   rule.Severity,
		Subject:    "host",
		Message:    fmt.Sprintf("Host CPU at %.0f%% over the analysis window", pct),
		Value:      pct,
	}) {
		return 1
	}
	return 0
}

// fire appends the issue and fans it out to the providers unless the key is
// still inside its cooldown.
func (a *Analyzer) fire(ctx context.Context, now time.Time, key string, cooldown time.Duration, issue model.Issue) bool {
	if last, ok := a.lastFired[key]; ok && now.Sub(last) < cooldown {
		return false
	}
	a.lastFired[key] = now

	if err := a.store.InsertIssue(issue); err != nil {
		slog.Error("storing issue", "type", issue.IssueType, "error", err)
	}
	for _, p := range a.providers {
		if err := p.Send(ctx, issue); err != nil {
			slog.Error("sending notification", "provider", p.Name(), "issue", issue.IssueType, "error", err)
		}
	}

	slog.Warn("critical issue raised",
		"type", issue.IssueType,
		"severity", issue.Severity,
		"subject", issue.Subject,
		"value", issue.Value,
	)
	return true
}
