package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Step outcomes a no-op step result can be recorded as.
const (
	NoopComplete = "complete"
	NoopSkipped  = "skipped"
)

type RetryPolicy struct {
	MaxRetries            int     `yaml:"max_retries"`
	InitialBackoffSeconds float64 `yaml:"initial_backoff_seconds"`
	MaxBackoffSeconds     float64 `yaml:"max_backoff_seconds"`
	Multiplier            float64 `yaml:"multiplier"`
}

type WorkflowPolicy struct {
	Retry    *RetryPolicy `yaml:"retry"`
	Disabled bool         `yaml:"disabled"`
}

type SchedulerPolicy struct {
	PollIntervalMillis  int64 `yaml:"poll_interval_ms"`
	ScanLimit           int64 `yaml:"scan_limit"`
	StaleRunningSeconds int64 `yaml:"stale_running_seconds"`
	LeaseSeconds        int64 `yaml:"lease_seconds"`
}

type DelayPolicy struct {
	ConnectionReminderHours float64 `yaml:"connection_reminder_hours"`
	StoryTTLHours           float64 `yaml:"story_ttl_hours"`
}

type DigestPolicy struct {
	Enabled  *bool  `yaml:"enabled"`
	Cron     string `yaml:"cron"`
	Timezone string `yaml:"timezone"`
}

// Policy is the operator-tunable behaviour of the workflow engine.
type Policy struct {
	Retry          RetryPolicy               `yaml:"retry"`
	Workflows      map[string]WorkflowPolicy `yaml:"workflows"`
	NoopStatus     string                    `yaml:"noop_status"`
	Scheduler      SchedulerPolicy           `yaml:"scheduler"`
	Delays         DelayPolicy               `yaml:"delays"`
	Digest         DigestPolicy              `yaml:"digest"`
	RetentionHours float64                   `yaml:"retention_hours"`
}

// DigestEnabled reports whether the unseen-messages digest cron is active.
func (p *Policy) DigestEnabled() bool {
	return p.Digest.Enabled == nil || *p.Digest.Enabled
}

// RetryFor returns the retry policy for a workflow definition.
func (p *Policy) RetryFor(definitionID string) RetryPolicy {
	if wp, ok := p.Workflows[definitionID]; ok && wp.Retry != nil {
		return fillRetry(*wp.Retry, p.Retry)
	}
	return p.Retry
}

// LoadPolicy loads a YAML workflow policy file; returns defaults if missing.
func LoadPolicy(path string) (*Policy, error) {
	if path == "" {
		return DefaultPolicy(), nil
	}
	// #nosec G304 -- policy path is operator-provided.
	data, err := os.ReadFile(path)
	if err != nil {
		return DefaultPolicy(), fmt.Errorf("read workflow policy: %w", err)
	}
	return ParsePolicy(data)
}

// ParsePolicy parses policy data from YAML/JSON bytes.
func ParsePolicy(data []byte) (*Policy, error) {
	if len(data) == 0 {
		return DefaultPolicy(), nil
	}
	if err := validatePolicyDocument(data); err != nil {
		return DefaultPolicy(), err
	}
	var cfg Policy
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return DefaultPolicy(), fmt.Errorf("parse workflow policy: %w", err)
	}
	applyPolicyDefaults(&cfg)
	return &cfg, nil
}

// DefaultPolicy returns the built-in policy.
func DefaultPolicy() *Policy {
	cfg := &Policy{}
	applyPolicyDefaults(cfg)
	return cfg
}

func applyPolicyDefaults(cfg *Policy) {
	def := RetryPolicy{MaxRetries: 3, InitialBackoffSeconds: 1, MaxBackoffSeconds: 60, Multiplier: 2}
	if cfg.Retry == (RetryPolicy{}) {
		cfg.Retry = def
	} else {
		cfg.Retry = fillRetry(cfg.Retry, def)
	}
	if cfg.Workflows == nil {
		cfg.Workflows = map[string]WorkflowPolicy{}
	}
	switch strings.ToLower(strings.TrimSpace(cfg.NoopStatus)) {
	case NoopSkipped:
		cfg.NoopStatus = NoopSkipped
	default:
		cfg.NoopStatus = NoopComplete
	}
	if cfg.Scheduler.PollIntervalMillis <= 0 {
		cfg.Scheduler.PollIntervalMillis = 1000
	}
	if cfg.Scheduler.ScanLimit <= 0 {
		cfg.Scheduler.ScanLimit = 200
	}
	if cfg.Scheduler.StaleRunningSeconds <= 0 {
		cfg.Scheduler.StaleRunningSeconds = 300
	}
	if cfg.Scheduler.LeaseSeconds <= 0 {
		cfg.Scheduler.LeaseSeconds = 300
	}
	if cfg.Delays.ConnectionReminderHours <= 0 {
		cfg.Delays.ConnectionReminderHours = 24
	}
	if cfg.Delays.StoryTTLHours <= 0 {
		cfg.Delays.StoryTTLHours = 24
	}
	if strings.TrimSpace(cfg.Digest.Cron) == "" {
		cfg.Digest.Cron = "0 9 * * *"
	}
	if strings.TrimSpace(cfg.Digest.Timezone) == "" {
		cfg.Digest.Timezone = "UTC"
	}
	if cfg.RetentionHours <= 0 {
		cfg.RetentionHours = 168
	}
}

// fillRetry keeps explicit values from p and takes the rest from def.
// MaxRetries of zero is meaningful (no retries) once any other field is set.
func fillRetry(p, def RetryPolicy) RetryPolicy {
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.InitialBackoffSeconds <= 0 {
		p.InitialBackoffSeconds = def.InitialBackoffSeconds
	}
	if p.MaxBackoffSeconds <= 0 {
		p.MaxBackoffSeconds = def.MaxBackoffSeconds
	}
	if p.Multiplier < 1 {
		p.Multiplier = def.Multiplier
	}
	return p
}
