package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorhill/cronexpr"
	"github.com/spf13/cobra"

	"github.com/mohammad-safakhou/satlog/internal/memsync"
	"github.com/mohammad-safakhou/satlog/internal/runtime"
)

func syncCMD(cfgPath *string) *cobra.Command {
	var watch bool
	var schedule string
	var sync = &cobra.Command{
		Use:   "sync <workspace>",
		Short: "Write a workspace's memory files into the vault",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := runtime.SignalContext(cmd.Context(), nil)
			defer cancel()

			a, err := openApp(ctx, *cfgPath, "sync")
			if err != nil {
				return err
			}
			defer a.Close()

			w := memsync.NewWriter(a.store, a.cfg.Sync, memsync.WithLogger(a.logger), memsync.WithKeyLength(a.cfg.Workspace.MaxLength))
			if !watch {
				res, err := w.Sync(ctx, args[0])
				if err != nil {
					return err
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(res)
			}

			if schedule == "" {
				schedule = a.cfg.Sync.Schedule
			}
			expr, err := cronexpr.Parse(schedule)
			if err != nil {
				return fmt.Errorf("invalid schedule %q: %w", schedule, err)
			}
			return watchSync(ctx, w, expr, args[0], a.logger)
		},
	}
	sync.Flags().BoolVar(&watch, "watch", false, "keep running and sync on a schedule")
	sync.Flags().StringVar(&schedule, "schedule", "", "cron schedule for --watch (overrides sync.schedule)")

	return sync
}

// watchSync runs one sync immediately and then at every tick of expr until ctx ends.
// A sync held by another writer is skipped until the next tick.
func watchSync(ctx context.Context, w *memsync.Writer, expr *cronexpr.Expression, workspaceID string, logger *log.Logger) error {
	for {
		res, err := w.Sync(ctx, workspaceID)
		switch {
		case errors.Is(err, memsync.ErrSyncLocked):
			logger.Warn("sync skipped, vault locked", "workspace_id", workspaceID)
		case err != nil:
			logger.Error("sync failed", "workspace_id", workspaceID, "err", err)
		default:
			logger.Info("synced", "workspace_id", workspaceID, "written", len(res.FilesWritten), "unchanged", len(res.FilesUnchanged))
		}

		now := time.Now()
		next := expr.Next(now)
		if next.IsZero() {
			return fmt.Errorf("schedule has no future activation")
		}
		t := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}
