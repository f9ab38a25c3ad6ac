// Package config handles loading and validating sqlpulse configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sqlpulse/sqlpulse/internal/analyzer"
	"github.com/sqlpulse/sqlpulse/internal/collector"
	"github.com/sqlpulse/sqlpulse/internal/model"
)

// envVarPattern matches ${VAR_NAME} placeholders in config values.
var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// ErrConfigFileNotFound is returned by Load when the specified config file does not exist.
var ErrConfigFileNotFound = errors.New("config file not found")

// Config is the top-level sqlpulse configuration.
type Config struct {
	Listen        string                     `yaml:"listen"`
	DBPath        string                     `yaml:"db_path"`
	LogLevel      string                     `yaml:"log_level"`
	LogFormat     string                     `yaml:"log_format"`
	Target        TargetConfig               `yaml:"target"`
	Collectors    map[string]CollectorConfig `yaml:"collectors,omitempty"`
	Issues        IssuesConfig               `yaml:"issues"`
	Notifications []NotificationConfig       `yaml:"notifications"`
}

// TargetConfig describes the monitored SQL Server instance.
type TargetConfig struct {
	Name string `yaml:"name"`
	DSN  string `yaml:"dsn"`
}

// CollectorConfig overrides the built-in schedule for one collector. Zero
// values fall back to the defaults; Enabled is a pointer so that an absent
// key keeps the collector on.
type CollectorConfig struct {
	Enabled            *bool `yaml:"enabled,omitempty"`
	FrequencyMinutes   int   `yaml:"frequency_minutes,omitempty"`
	MaxDurationMinutes int   `yaml:"max_duration_minutes,omitempty"`
	RetentionDays      int   `yaml:"retention_days,omitempty"`
}

// IssuesConfig holds analyzer thresholds. An absent rule uses the default;
// an explicitly disabled rule sets enabled: false.
type IssuesConfig struct {
	WaitRate           *IssueRuleConfig `yaml:"wait_rate,omitempty"`
	IOLatency          *IssueRuleConfig `yaml:"io_latency,omitempty"`
	PageLifeExpectancy *IssueRuleConfig `yaml:"page_life_expectancy,omitempty"`
	HostCPU            *IssueRuleConfig `yaml:"host_cpu,omitempty"`
}

// IssueRuleConfig is an IssueRule that can also be switched off.
type IssueRuleConfig struct {
	Enabled   *bool    `yaml:"enabled,omitempty"`
	Threshold float64  `yaml:"threshold,omitempty"`
	Severity  string   `yaml:"severity,omitempty"`
	Cooldown  Duration `yaml:"cooldown,omitempty"`
}

// NotificationConfig describes a notification target.
type NotificationConfig struct {
	Type    string            `yaml:"type"` // "ntfy" or "webhook"
	URL     string            `yaml:"url"`
	Topic   string            `yaml:"topic,omitempty"`   // ntfy only
	Method  string            `yaml:"method,omitempty"`  // webhook only
	Headers map[string]string `yaml:"headers,omitempty"` // webhook only
}

// Duration wraps time.Duration with YAML string parsing support.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

// scheduleDefault is the built-in schedule for one collector.
type scheduleDefault struct {
	frequencyMinutes   int
	maxDurationMinutes int
	retentionDays      int
}

// scheduleDefaults holds the built-in schedule registry. Host CPU samples
// every minute with short retention; the rest follow the 5-minute cadence.
var scheduleDefaults = map[string]scheduleDefault{
	collector.NameWaitStats:    {frequencyMinutes: 5, maxDurationMinutes: 5, retentionDays: 30},
	collector.NameFileIO:       {frequencyMinutes: 5, maxDurationMinutes: 5, retentionDays: 30},
	collector.NamePerfCounters: {frequencyMinutes: 5, maxDurationMinutes: 5, retentionDays: 30},
	collector.NameMemoryClerks: {frequencyMinutes: 15, maxDurationMinutes: 5, retentionDays: 30},
	collector.NameHostCPU:      {frequencyMinutes: 1, maxDurationMinutes: 5, retentionDays: 7},
	collector.NameCheckIssues:  {frequencyMinutes: 5, maxDurationMinutes: 5, retentionDays: 90},
}

// Load reads configuration from a YAML file. If a path is given and the file
// does not exist, ErrConfigFileNotFound is returned. Environment overrides
// apply on top of the file.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrConfigFileNotFound, path)
		}
		if err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		if len(data) > 0 {
			if err := yaml.Unmarshal(expandEnvVars(data), cfg); err != nil {
				return nil, fmt.Errorf("parsing config: %w", err)
			}
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.Target.DSN == "" {
		return fmt.Errorf("target.dsn is required")
	}
	if c.Target.Name == "" {
		return fmt.Errorf("target.name is required")
	}
	for name, cc := range c.Collectors {
		if _, ok := scheduleDefaults[name]; !ok {
			return fmt.Errorf("collectors.%s: unknown collector", name)
		}
		if cc.FrequencyMinutes < 0 {
			return fmt.Errorf("collectors.%s: frequency_minutes must be >= 0", name)
		}
		if cc.MaxDurationMinutes < 0 {
			return fmt.Errorf("collectors.%s: max_duration_minutes must be >= 0", name)
		}
		if cc.RetentionDays < 0 {
			return fmt.Errorf("collectors.%s: retention_days must be >= 0", name)
		}
	}
	for i, n := range c.Notifications {
		switch n.Type {
		case "ntfy":
			if n.URL == "" {
				return fmt.Errorf("notifications[%d]: url is required for ntfy", i)
			}
			if n.Topic == "" {
				return fmt.Errorf("notifications[%d]: topic is required for ntfy", i)
			}
		case "webhook":
			if n.URL == "" {
				return fmt.Errorf("notifications[%d]: url is required for webhook", i)
			}
		default:
			return fmt.Errorf("notifications[%d]: unknown type %q (expected ntfy or webhook)", i, n.Type)
		}
	}
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.LogLevel] {
		return fmt.Errorf("log_level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.LogFormat] {
		return fmt.Errorf("log_format must be one of: text, json")
	}
	for _, r := range []*IssueRuleConfig{c.Issues.WaitRate, c.Issues.IOLatency, c.Issues.PageLifeExpectancy, c.Issues.HostCPU} {
		if r == nil {
			continue
		}
		if r.Threshold < 0 {
			return fmt.Errorf("issues: threshold must be >= 0")
		}
		if r.Severity != "" && r.Severity != "info" && r.Severity != "warning" && r.Severity != "critical" {
			return fmt.Errorf("issues: severity must be one of: info, warning, critical")
		}
	}
	return nil
}

// Schedules merges the built-in registry with the per-collector overrides and
// returns the rows to seed, ordered by collector name.
func (c *Config) Schedules() []model.ScheduleEntry {
	names := make([]string, 0, len(scheduleDefaults))
	for name := range scheduleDefaults {
		names = append(names, name)
	}
	sort.Strings(names)

	entries := make([]model.ScheduleEntry, 0, len(names))
	for _, name := range names {
		def := scheduleDefaults[name]
		entry := model.ScheduleEntry{
			CollectorName:      name,
			Enabled:            true,
			FrequencyMinutes:   def.frequencyMinutes,
			MaxDurationMinutes: def.maxDurationMinutes,
			RetentionDays:      def.retentionDays,
		}
		if cc, ok := c.Collectors[name]; ok {
			if cc.Enabled != nil {
				entry.Enabled = *cc.Enabled
			}
			if cc.FrequencyMinutes > 0 {
				entry.FrequencyMinutes = cc.FrequencyMinutes
			}
			if cc.MaxDurationMinutes > 0 {
				entry.MaxDurationMinutes = cc.MaxDurationMinutes
			}
			if cc.RetentionDays > 0 {
				entry.RetentionDays = cc.RetentionDays
			}
		}
		entries = append(entries, entry)
	}
	return entries
}

// AnalyzerConfig converts the issue rule overrides into the analyzer rule set.
func (c *Config) AnalyzerConfig() analyzer.Config {
	cfg := analyzer.DefaultConfig()
	applyRule(&cfg.WaitRate, c.Issues.WaitRate)
	applyRule(&cfg.IOLatency, c.Issues.IOLatency)
	applyRule(&cfg.PageLifeExpectancy, c.Issues.PageLifeExpectancy)
	applyRule(&cfg.HostCPU, c.Issues.HostCPU)
	return cfg
}

func applyRule(dst **analyzer.ThresholdRule, src *IssueRuleConfig) {
	if src == nil {
		return
	}
	if src.Enabled != nil && !*src.Enabled {
		*dst = nil
		return
	}
	rule := **dst
	if src.Threshold != 0 {
		rule.Threshold = src.Threshold
	}
	if src.Severity != "" {
		rule.Severity = src.Severity
	}
	if src.Cooldown.Duration != 0 {
		rule.Cooldown = src.Cooldown.Duration
	}
	*dst = &rule
}

func defaults() *Config {
	return &Config{
		Listen:    ":3900",
		DBPath:    "/data/sqlpulse.db",
		LogLevel:  "info",
		LogFormat: "text",
	}
}

// expandEnvVars replaces ${VAR_NAME} placeholders in raw YAML with the
// corresponding environment variable values. Unset variables are replaced
// with an empty string, which will then fail validation with a clear error.
func expandEnvVars(data []byte) []byte {
	return envVarPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		key := string(match[2 : len(match)-1]) // strip ${ and }
		return []byte(os.Getenv(key))
	})
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SQLPULSE_LISTEN"); v != "" {
		cfg.Listen = v
	}
	if v := os.Getenv("SQLPULSE_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("SQLPULSE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("SQLPULSE_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
	if v := os.Getenv("SQLPULSE_TARGET_DSN"); v != "" {
		cfg.Target.DSN = v
	}
	if v := os.Getenv("SQLPULSE_TARGET_NAME"); v != "" {
		cfg.Target.Name = v
	}

	// Single ntfy target from env vars (only if no YAML notifications configured).
	if len(cfg.Notifications) == 0 {
		if ntfyURL := os.Getenv("SQLPULSE_NTFY_URL"); ntfyURL != "" {
			topic := os.Getenv("SQLPULSE_NTFY_TOPIC")
			if topic == "" {
				topic = "sqlpulse-issues"
			}
			cfg.Notifications = append(cfg.Notifications, NotificationConfig{
				Type:  "ntfy",
				URL:   ntfyURL,
				Topic: topic,
			})
		}
	}
}
