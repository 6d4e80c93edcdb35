package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorhill/cronexpr"

	"github.com/mohammad-safakhou/satlog/config"
	"github.com/mohammad-safakhou/satlog/internal/memsync"
	"github.com/mohammad-safakhou/satlog/internal/store/memstore"
)

func TestWorkspaceIDCommand(t *testing.T) {
	cmd := workspaceIDCMD()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"Session/ABC 123"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}
	got := strings.TrimSpace(out.String())
	if got != memsync.WorkspaceKey("Session/ABC 123", 64) {
		t.Fatalf("unexpected id %q", got)
	}
	if !strings.HasPrefix(got, "session-abc-123-") {
		t.Fatalf("expected sanitised prefix, got %q", got)
	}
}

func TestWorkspaceIDCommandRequiresArg(t *testing.T) {
	cmd := workspaceIDCMD()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(nil)
	if err := cmd.Execute(); err == nil {
		t.Fatalf("expected error without an argument")
	}
}

func TestWatchSyncStopsOnCancel(t *testing.T) {
	vault := t.TempDir()
	w := memsync.NewWriter(memstore.New(), config.SyncConfig{VaultRoot: vault}.Normalize())
	expr := cronexpr.MustParse("* * * * *")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := watchSync(ctx, w, expr, "ws-1", log.New(&bytes.Buffer{})); err != nil {
		t.Fatalf("watch: %v", err)
	}
	if _, err := os.Stat(filepath.Join(w.Dir("ws-1"), memsync.MemoryFile)); err != nil {
		t.Fatalf("expected memory file after first run: %v", err)
	}
}
