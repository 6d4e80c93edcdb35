package runtime

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/mohammad-safakhou/satlog/config"
)

func TestNewLoggerJSONWithPrefix(t *testing.T) {
	var buf bytes.Buffer
	l := newLogger(&buf, config.GeneralConfig{LogFormat: "json", LogLevel: "info"}, "ingest")
	l.Debug("hidden")
	l.Info("persisted", "event_id", "e1")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected one line above debug level, got %q", buf.String())
	}
	var rec map[string]interface{}
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatalf("not json: %v", err)
	}
	if rec["prefix"] != "ingest" || rec["msg"] != "persisted" || rec["event_id"] != "e1" {
		t.Fatalf("unexpected record %v", rec)
	}
}

func TestNewLoggerDebugOverridesLevel(t *testing.T) {
	var buf bytes.Buffer
	l := newLogger(&buf, config.GeneralConfig{Debug: true, LogLevel: "error", LogFormat: "logfmt"}, "cli")
	l.Debug("visible")
	if !strings.Contains(buf.String(), "visible") {
		t.Fatalf("debug flag should enable debug output, got %q", buf.String())
	}
}
