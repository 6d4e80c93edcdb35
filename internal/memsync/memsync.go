// Package memsync renders governed memory into markdown files inside a vault.
package memsync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/gofrs/flock"
	"github.com/google/renameio/v2"

	"github.com/mohammad-safakhou/satlog/config"
	"github.com/mohammad-safakhou/satlog/internal/contextpack"
	"github.com/mohammad-safakhou/satlog/internal/envelope"
	"github.com/mohammad-safakhou/satlog/internal/projection"
	"github.com/mohammad-safakhou/satlog/internal/runtime"
)

const (
	MemoryFile = "MEMORY.generated.md"
	IndexFile  = "INDEX.generated.md"
	DailyDir   = "daily"
	LockFile   = ".sync.lock"
)

var (
	// ErrSyncLocked is returned at once when another sync holds the workspace lock.
	ErrSyncLocked = errors.New("sync_locked")
	// ErrOutsideVault is returned for an integration path that escapes the vault root.
	ErrOutsideVault = errors.New("path outside vault")
)

// Result lists what a sync touched. Paths are relative to the vault root.
type Result struct {
	WorkspaceID    string            `json:"workspace_id"`
	Dir            string            `json:"dir"`
	AsOf           projection.Cursor `json:"as_of"`
	FilesWritten   []string          `json:"files_written"`
	FilesUnchanged []string          `json:"files_unchanged"`
	FilesSkipped   []string          `json:"files_skipped,omitempty"`
}

// Writer syncs one workspace at a time into cfg.VaultRoot.
type Writer struct {
	reader    projection.Reader
	assembler *contextpack.Assembler
	cfg       config.SyncConfig
	keyLen    int
	logger    *log.Logger
}

type Option func(*Writer)

func WithLogger(l *log.Logger) Option {
	return func(w *Writer) {
		if l != nil {
			w.logger = l
		}
	}
}

// WithKeyLength bounds the workspace directory name.
func WithKeyLength(n int) Option {
	return func(w *Writer) {
		if n > 0 {
			w.keyLen = n
		}
	}
}

func NewWriter(r projection.Reader, cfg config.SyncConfig, opts ...Option) *Writer {
	w := &Writer{
		reader:    r,
		assembler: contextpack.NewAssembler(r),
		cfg:       cfg.Normalize(),
		keyLen:    64,
		logger:    log.Default(),
	}
	if w.cfg.VaultRoot != "" {
		if abs, err := filepath.Abs(w.cfg.VaultRoot); err == nil {
			w.cfg.VaultRoot = abs
		}
		if real, err := filepath.EvalSymlinks(w.cfg.VaultRoot); err == nil {
			w.cfg.VaultRoot = real
		}
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Dir returns the workspace directory inside the vault.
func (w *Writer) Dir(workspaceID string) string {
	return filepath.Join(w.cfg.VaultRoot, "memory", w.cfg.Namespace, WorkspaceKey(workspaceID, w.keyLen))
}

// Sync renders the workspace's current projection. Files are replaced atomically and
// only when their bytes change, so repeated syncs of unchanged state write nothing.
func (w *Writer) Sync(ctx context.Context, workspaceID string) (res Result, err error) {
	defer func() {
		switch {
		case errors.Is(err, ErrSyncLocked):
			runtime.SyncRuns.WithLabelValues("locked").Inc()
		case err != nil:
			runtime.SyncRuns.WithLabelValues("error").Inc()
		default:
			runtime.SyncRuns.WithLabelValues("ok").Inc()
		}
	}()
	if strings.TrimSpace(w.cfg.VaultRoot) == "" {
		return Result{}, fmt.Errorf("sync.vault_root is not configured")
	}
	dir := w.Dir(workspaceID)
	if err := os.MkdirAll(filepath.Join(dir, DailyDir), 0o755); err != nil {
		return Result{}, fmt.Errorf("create workspace dir: %w", err)
	}

	lock := flock.New(filepath.Join(dir, LockFile))
	locked, err := lock.TryLock()
	if err != nil {
		return Result{}, fmt.Errorf("acquire sync lock: %w", err)
	}
	if !locked {
		return Result{}, ErrSyncLocked
	}
	defer func() {
		if uerr := lock.Unlock(); uerr != nil {
			w.logger.Warn("release sync lock", "workspace", workspaceID, "err", uerr)
		}
	}()

	snap, err := w.read(ctx, workspaceID)
	if err != nil {
		return Result{}, err
	}
	res = Result{WorkspaceID: workspaceID, Dir: w.rel(dir), AsOf: snap.AsOf, FilesWritten: []string{}, FilesUnchanged: []string{}}

	generated := []string{MemoryFile}
	if err := w.write(&res, filepath.Join(dir, MemoryFile), renderMemory(snap)); err != nil {
		return Result{}, err
	}
	if w.cfg.Daily && !snap.AsOf.LastEventTS.IsZero() {
		pack, err := w.packJSON(ctx, workspaceID)
		if err != nil {
			return Result{}, err
		}
		name := filepath.Join(DailyDir, snap.AsOf.LastEventTS.UTC().Format("2006-01-02")+".md")
		if err := w.write(&res, filepath.Join(dir, name), renderDaily(snap, pack)); err != nil {
			return Result{}, err
		}
	}
	if w.cfg.Index {
		daily, err := filepath.Glob(filepath.Join(dir, DailyDir, "*.md"))
		if err != nil {
			return Result{}, fmt.Errorf("list daily snapshots: %w", err)
		}
		for _, f := range daily {
			generated = append(generated, filepath.ToSlash(filepath.Join(DailyDir, filepath.Base(f))))
		}
		if err := w.write(&res, filepath.Join(dir, IndexFile), renderIndex(snap, generated)); err != nil {
			return Result{}, err
		}
	}
	if err := w.integrate(&res, workspaceID, renderBlock(snap)); err != nil {
		return Result{}, err
	}
	w.logger.Info("memory synced", "workspace", workspaceID, "written", len(res.FilesWritten), "unchanged", len(res.FilesUnchanged))
	return res, nil
}

// read loads everything the files need. Memory excludes retracted entries and is
// selected by status, never by wall-clock expiry, so output depends on history alone.
func (w *Writer) read(ctx context.Context, workspaceID string) (snapshot, error) {
	cur, err := w.reader.CursorOf(ctx, workspaceID)
	if err != nil {
		return snapshot{}, fmt.Errorf("read cursor: %w", err)
	}
	s := snapshot{WorkspaceID: workspaceID, AsOf: cur}

	promoted, err := w.reader.Entries(ctx, projection.MemoryQuery{
		WorkspaceID:    workspaceID,
		Status:         projection.StatusPromoted,
		IncludeExpired: true,
	})
	if err != nil {
		return snapshot{}, fmt.Errorf("read memory: %w", err)
	}
	for _, e := range promoted {
		if e.Bucket != projection.BucketEphemeral {
			s.Memory = append(s.Memory, e)
		}
	}
	sortMemory(s.Memory)

	if w.cfg.Daily {
		all, err := w.reader.Entries(ctx, projection.MemoryQuery{WorkspaceID: workspaceID, Bucket: projection.BucketEphemeral, IncludeExpired: true})
		if err != nil {
			return snapshot{}, fmt.Errorf("read ephemeral memory: %w", err)
		}
		for _, e := range all {
			if e.Status != projection.StatusRetracted && !e.Expired(cur.LastEventTS) {
				s.Ephemeral = append(s.Ephemeral, e)
			}
		}
		sortMemory(s.Ephemeral)
	}

	lq := projection.ListQuery{WorkspaceID: workspaceID, Limit: w.cfg.DecisionLimit}
	if s.Decisions, err = w.reader.Decisions(ctx, lq); err != nil {
		return snapshot{}, fmt.Errorf("read decisions: %w", err)
	}
	lq.Limit = 0
	if s.Tasks, err = w.reader.Tasks(ctx, lq, true); err != nil {
		return snapshot{}, fmt.Errorf("read tasks: %w", err)
	}
	if s.Risks, err = w.reader.Risks(ctx, lq, envelope.SeverityHigh, envelope.SeverityMedium); err != nil {
		return snapshot{}, fmt.Errorf("read risks: %w", err)
	}
	return s, nil
}

func (w *Writer) packJSON(ctx context.Context, workspaceID string) ([]byte, error) {
	pack, err := w.assembler.Assemble(ctx, contextpack.Request{WorkspaceID: workspaceID})
	if err != nil {
		return nil, fmt.Errorf("assemble context pack: %w", err)
	}
	raw, err := json.Marshal(pack)
	if err != nil {
		return nil, fmt.Errorf("encode context pack: %w", err)
	}
	return envelope.Canonical(raw)
}

// write replaces path atomically unless it already holds data.
func (w *Writer) write(res *Result, path string, data []byte) error {
	existing, err := os.ReadFile(path)
	switch {
	case err == nil && bytes.Equal(existing, data):
		res.FilesUnchanged = append(res.FilesUnchanged, w.rel(path))
		return nil
	case err != nil && !errors.Is(err, os.ErrNotExist):
		return fmt.Errorf("read %s: %w", w.rel(path), err)
	}
	if err := renameio.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", w.rel(path), err)
	}
	res.FilesWritten = append(res.FilesWritten, w.rel(path))
	return nil
}

// integrate updates the marked span of every configured foreign file.
// Missing files and files without both markers are skipped untouched.
func (w *Writer) integrate(res *Result, workspaceID string, block []byte) error {
	for _, name := range w.cfg.Integrations {
		path, err := w.resolve(name)
		if err != nil {
			return err
		}
		content, err := os.ReadFile(path)
		if errors.Is(err, os.ErrNotExist) {
			res.FilesSkipped = append(res.FilesSkipped, w.rel(path))
			continue
		}
		if err != nil {
			return fmt.Errorf("read %s: %w", w.rel(path), err)
		}
		updated, ok := ReplaceMarked(content, workspaceID, block)
		if !ok {
			res.FilesSkipped = append(res.FilesSkipped, w.rel(path))
			continue
		}
		info, err := os.Stat(path)
		if err != nil {
			return fmt.Errorf("stat %s: %w", w.rel(path), err)
		}
		if bytes.Equal(content, updated) {
			res.FilesUnchanged = append(res.FilesUnchanged, w.rel(path))
			continue
		}
		if err := renameio.WriteFile(path, updated, info.Mode().Perm()); err != nil {
			return fmt.Errorf("write %s: %w", w.rel(path), err)
		}
		res.FilesWritten = append(res.FilesWritten, w.rel(path))
	}
	return nil
}

// resolve maps an integration path to an absolute path that must stay inside the vault,
// following symlinks where the target exists.
func (w *Writer) resolve(name string) (string, error) {
	root := w.cfg.VaultRoot
	path := name
	if !filepath.IsAbs(path) {
		path = filepath.Join(root, path)
	}
	path = filepath.Clean(path)
	if real, err := filepath.EvalSymlinks(path); err == nil {
		path = real
	}
	rel, err := filepath.Rel(root, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
		return "", fmt.Errorf("%w: %s", ErrOutsideVault, name)
	}
	return path, nil
}

func (w *Writer) rel(path string) string {
	if r, err := filepath.Rel(w.cfg.VaultRoot, path); err == nil && !strings.HasPrefix(r, "..") {
		return filepath.ToSlash(r)
	}
	return path
}
