package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadPolicyMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.yaml")
	cfg, err := LoadPolicy(path)
	if err == nil {
		t.Fatalf("expected error for missing file")
	}
	if cfg == nil || cfg.Retry.MaxRetries != 3 {
		t.Fatalf("expected default policy, got %+v", cfg)
	}
	if cfg.NoopStatus != NoopComplete {
		t.Fatalf("expected complete noop status by default")
	}
	if !cfg.DigestEnabled() {
		t.Fatalf("expected digest enabled by default")
	}
}

func TestLoadPolicyPartial(t *testing.T) {
	data := []byte(`
noop_status: skipped
retry:
  max_retries: 5
workflows:
  delete-story:
    retry:
      max_retries: 0
      initial_backoff_seconds: 10
delays:
  connection_reminder_hours: 12
digest:
  enabled: false
  timezone: Europe/Berlin
`)
	path := filepath.Join(t.TempDir(), "workflows.yaml")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := LoadPolicy(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.NoopStatus != NoopSkipped {
		t.Fatalf("expected skipped noop status")
	}
	if cfg.Retry.MaxRetries != 5 || cfg.Retry.Multiplier != 2 || cfg.Retry.MaxBackoffSeconds != 60 {
		t.Fatalf("expected partial retry merged with defaults: %+v", cfg.Retry)
	}
	story := cfg.RetryFor("delete-story")
	if story.MaxRetries != 0 || story.InitialBackoffSeconds != 10 || story.Multiplier != 2 {
		t.Fatalf("unexpected per-workflow retry: %+v", story)
	}
	if other := cfg.RetryFor("unknown"); other.MaxRetries != 5 {
		t.Fatalf("expected global retry fallback: %+v", other)
	}
	if cfg.Delays.ConnectionReminderHours != 12 || cfg.Delays.StoryTTLHours != 24 {
		t.Fatalf("unexpected delays: %+v", cfg.Delays)
	}
	if cfg.DigestEnabled() || cfg.Digest.Timezone != "Europe/Berlin" || cfg.Digest.Cron != "0 9 * * *" {
		t.Fatalf("unexpected digest: %+v", cfg.Digest)
	}
	if cfg.Scheduler.PollIntervalMillis != 1000 {
		t.Fatalf("expected default poll interval")
	}
}

func TestParsePolicyInvalid(t *testing.T) {
	cfg, err := ParsePolicy([]byte("retry: ["))
	if err == nil {
		t.Fatalf("expected parse error")
	}
	if cfg == nil || cfg.Retry.MaxRetries != 3 {
		t.Fatalf("expected defaults on parse error")
	}
}

func TestParsePolicySchemaInvalid(t *testing.T) {
	cfg, err := ParsePolicy([]byte("noop_status: maybe\n"))
	if err == nil {
		t.Fatalf("expected schema error")
	}
	if cfg == nil || cfg.NoopStatus != NoopComplete {
		t.Fatalf("expected defaults on schema error")
	}
	if _, err := ParsePolicy([]byte("retry:\n  max_retries: -1\n")); err == nil {
		t.Fatalf("expected schema error for negative retries")
	}
}
