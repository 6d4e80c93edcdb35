package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `{
  "server": {"api_token": "tok"},
  "storage": {"driver": "memory"},
  "event_log": {"driver": "memory"}
}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Governance.ConfidenceThreshold != 0.75 {
		t.Fatalf("expected default threshold 0.75, got %v", cfg.Governance.ConfidenceThreshold)
	}
	if cfg.Governance.MinReferences != 2 {
		t.Fatalf("expected default min references 2, got %d", cfg.Governance.MinReferences)
	}
	if cfg.Governance.ReferenceWindow != 7*24*time.Hour {
		t.Fatalf("unexpected reference window %s", cfg.Governance.ReferenceWindow)
	}
	if cfg.Sync.Namespace != "satlog" {
		t.Fatalf("unexpected namespace %q", cfg.Sync.Namespace)
	}
	if cfg.Server.Address != ":4701" {
		t.Fatalf("unexpected address %q", cfg.Server.Address)
	}
	if cfg.Replay.LockTTL != 10*time.Minute {
		t.Fatalf("unexpected lock ttl %s", cfg.Replay.LockTTL)
	}
	if !cfg.Sync.Daily || !cfg.Sync.Index {
		t.Fatalf("expected daily and index enabled by default")
	}
}

func TestLoadRejectsMissingAuth(t *testing.T) {
	path := writeConfig(t, `{"storage": {"driver": "memory"}, "event_log": {"driver": "memory"}}`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error when no api token or jwt secret is configured")
	}
}

func TestLoadRejectsKafkaWithoutBrokers(t *testing.T) {
	path := writeConfig(t, `{"server": {"api_token": "tok"}, "storage": {"driver": "memory"}}`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for kafka driver without brokers")
	}
}

func TestRedisStreamDriverNeedsRedis(t *testing.T) {
	path := writeConfig(t, `{"server": {"api_token": "tok"}, "storage": {"driver": "memory"}, "event_log": {"driver": "redis"}}`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for redis driver without redis host")
	}
}

func TestPostgresValidate(t *testing.T) {
	if err := (PostgresConfig{URL: "postgres://x"}).Validate(); err != nil {
		t.Fatalf("url should be sufficient: %v", err)
	}
	if err := (PostgresConfig{Host: "db", Port: "5432"}).Validate(); err == nil {
		t.Fatalf("expected dbname error")
	}
}

func TestIngestValidate(t *testing.T) {
	c := IngestConfig{RedactionMode: "drop"}.Normalize()
	if err := c.Validate(); err == nil {
		t.Fatalf("expected invalid redaction mode error")
	}
	c = IngestConfig{}.Normalize()
	if c.RedactionMode != "redact" || c.UnhealthyAfter != 5 {
		t.Fatalf("unexpected defaults: %+v", c)
	}
}

func TestSyncNamespaceMustBeSegment(t *testing.T) {
	if err := (SyncConfig{Namespace: "a/b"}).Validate(); err == nil {
		t.Fatalf("expected namespace error")
	}
}
