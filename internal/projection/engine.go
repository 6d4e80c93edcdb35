package projection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/mohammad-safakhou/satlog/internal/envelope"
	"github.com/mohammad-safakhou/satlog/internal/runtime"
)

// Result describes what applying a single event changed.
type Result struct {
	EventID   string   `json:"event_id"`
	Skipped   bool     `json:"skipped"`
	Ignored   bool     `json:"ignored"`
	Created   []string `json:"created,omitempty"`
	Promoted  []string `json:"promoted,omitempty"`
	Retracted []string `json:"retracted,omitempty"`
	Issues    []Issue  `json:"issues,omitempty"`
}

// ReplayResult summarises a workspace rebuild.
type ReplayResult struct {
	WorkspaceID    string `json:"workspace_id"`
	EntriesDeleted int64  `json:"entries_deleted"`
	EventsReplayed int    `json:"events_replayed"`
	EntriesCreated int    `json:"entries_created"`
	Promotions     int    `json:"promotions"`
	Issues         int    `json:"issues"`
	Cursor         Cursor `json:"cursor"`
}

// Engine derives workspace state from the event history.
type Engine struct {
	store    Store
	registry *envelope.PayloadRegistry
	rules    Rules
	locker   Locker
	logger   *log.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithRules overrides the governance thresholds. Zero fields keep their defaults.
func WithRules(r Rules) Option {
	return func(e *Engine) { e.rules = r.withDefaults() }
}

// WithRegistry sets the payload schema registry used to detect malformed payloads.
func WithRegistry(reg *envelope.PayloadRegistry) Option {
	return func(e *Engine) { e.registry = reg }
}

// WithLocker sets the replay locker.
func WithLocker(l Locker) Option {
	return func(e *Engine) {
		if l != nil {
			e.locker = l
		}
	}
}

// WithLogger sets the engine logger.
func WithLogger(l *log.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// NewEngine builds an engine over store.
func NewEngine(store Store, opts ...Option) *Engine {
	e := &Engine{
		store:  store,
		rules:  DefaultRules(),
		locker: NewLocalLocker(),
		logger: log.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Rules returns the thresholds in effect.
func (e *Engine) Rules() Rules { return e.rules }

// Apply projects rec. It is a no-op when the workspace cursor is already at or past rec.Seq.
func (e *Engine) Apply(ctx context.Context, rec envelope.Record) (Result, error) {
	if rec.Seq <= 0 {
		return Result{}, fmt.Errorf("apply %s: record has no sequence", rec.EventID)
	}
	var res Result
	err := e.store.Update(ctx, rec.WorkspaceID, func(tx Tx) error {
		res = Result{EventID: rec.EventID}
		cur, err := tx.Cursor(ctx)
		if err != nil {
			return err
		}
		if rec.Seq <= cur.LastSeq {
			res.Skipped = true
			return nil
		}
		if err := e.apply(ctx, tx, rec, &res); err != nil {
			return err
		}
		return tx.SaveCursor(ctx, cur.Advance(rec))
	})
	if err != nil {
		return Result{}, fmt.Errorf("apply %s: %w", rec.EventID, err)
	}
	e.observe(rec, res)
	return res, nil
}

// Replay deletes the workspace's derived state and rebuilds it from the stored history.
func (e *Engine) Replay(ctx context.Context, workspaceID string) (ReplayResult, error) {
	release, err := e.locker.TryLock(ctx, workspaceID)
	if err != nil {
		label := "error"
		if errors.Is(err, ErrReplayConflict) {
			label = "conflict"
		}
		runtime.Replays.WithLabelValues(label).Inc()
		return ReplayResult{}, err
	}
	defer release()

	var out ReplayResult
	err = e.store.Update(ctx, workspaceID, func(tx Tx) error {
		out = ReplayResult{WorkspaceID: workspaceID}
		// Lock the cursor before reading history so concurrent applies queue behind the rebuild.
		if _, err := tx.Cursor(ctx); err != nil {
			return err
		}
		events, err := tx.Events(ctx)
		if err != nil {
			return err
		}
		deleted, err := tx.Reset(ctx)
		if err != nil {
			return err
		}
		out.EntriesDeleted = deleted
		cur := Cursor{WorkspaceID: workspaceID}
		for _, rec := range events {
			res := Result{EventID: rec.EventID}
			if err := e.apply(ctx, tx, rec, &res); err != nil {
				return fmt.Errorf("replay %s: %w", rec.EventID, err)
			}
			cur = cur.Advance(rec)
			out.EventsReplayed++
			out.EntriesCreated += len(res.Created)
			out.Promotions += len(res.Promoted)
			out.Issues += len(res.Issues)
		}
		out.Cursor = cur
		return tx.SaveCursor(ctx, cur)
	})
	if err != nil {
		runtime.Replays.WithLabelValues("error").Inc()
		return ReplayResult{}, err
	}
	runtime.Replays.WithLabelValues("ok").Inc()
	e.logger.Info("replay complete", "workspace", workspaceID, "events", out.EventsReplayed,
		"deleted", out.EntriesDeleted, "created", out.EntriesCreated, "promotions", out.Promotions)
	return out, nil
}

func (e *Engine) observe(rec envelope.Record, res Result) {
	if res.Skipped {
		e.logger.Debug("event already projected", "event_id", rec.EventID, "seq", rec.Seq)
		return
	}
	if res.Ignored {
		e.logger.Warn("unknown event type ignored", "event_id", rec.EventID, "type", rec.Type)
	}
	for _, is := range res.Issues {
		runtime.ProjectionIssues.WithLabelValues(is.Kind).Inc()
		e.logger.Warn("projection issue", "event_id", is.EventID, "kind", is.Kind, "detail", is.Detail)
	}
	for _, id := range res.Promoted {
		e.logger.Info("memory promoted", "workspace", rec.WorkspaceID, "entry_id", id, "by", rec.EventID)
	}
}

func (e *Engine) apply(ctx context.Context, tx Tx, rec envelope.Record, res *Result) error {
	if !envelope.IsKnownType(rec.Type) {
		res.Ignored = true
		return nil
	}
	if e.registry != nil {
		if err := e.registry.Validate(rec.Type, envelope.PayloadVersion, rec.Payload); err != nil {
			return e.issue(ctx, tx, rec, IssueMalformedPayload, err.Error(), res)
		}
	}
	p, err := envelope.DecodeObject(rec.Payload)
	if err != nil {
		return e.issue(ctx, tx, rec, IssueMalformedPayload, err.Error(), res)
	}

	touched := map[string]struct{}{}
	switch rec.Type {
	case envelope.TypeMemoryCandidate:
		id, err := e.createCandidate(ctx, tx, rec, p, res)
		if err != nil {
			return err
		}
		if id != "" {
			touched[id] = struct{}{}
		}
	case envelope.TypeMemoryPromoted:
		return e.explicitPromote(ctx, tx, rec, p, res)
	case envelope.TypeMemoryRetracted:
		return e.retract(ctx, tx, rec, p, res)
	case envelope.TypeDecisionRecorded:
		err = e.recordDecision(ctx, tx, rec, p)
	case envelope.TypeTaskCreated:
		err = e.createTask(ctx, tx, rec, p)
	case envelope.TypeTaskUpdated:
		err = e.updateTask(ctx, tx, rec, p, res)
	case envelope.TypeRiskDetected:
		err = e.recordRisk(ctx, tx, rec, p, RiskKindRisk, "risk_id")
	case envelope.TypeFindingLogged:
		err = e.recordRisk(ctx, tx, rec, p, RiskKindFinding, "finding_id")
	case envelope.TypeProposalCreated:
		err = tx.PutProposal(ctx, Proposal{
			ProposalID:  firstNonEmpty(str(p, "proposal_id"), rec.EventID),
			WorkspaceID: rec.WorkspaceID,
			EventID:     rec.EventID,
			Title:       str(p, "title", "summary", "description"),
			Payload:     rec.Payload,
			TS:          rec.TS,
		})
	}
	if err != nil {
		return err
	}

	cited, err := e.recordReferences(ctx, tx, rec, p)
	if err != nil {
		return err
	}
	for _, id := range cited {
		touched[id] = struct{}{}
	}
	ids := make([]string, 0, len(touched))
	for id := range touched {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if err := e.evaluate(ctx, tx, id, rec, res); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) createCandidate(ctx context.Context, tx Tx, rec envelope.Record, p map[string]interface{}, res *Result) (string, error) {
	source := firstNonEmpty(str(p, "source_event_id"), rec.EventID)
	dup, err := tx.SourceExists(ctx, source)
	if err != nil {
		return "", err
	}
	if dup {
		return "", e.issue(ctx, tx, rec, IssueDuplicateSource, "memory entry already exists for source "+source, res)
	}

	bucket := Bucket(str(p, "bucket"))
	if bucket == "" {
		bucket = BucketWorkspace
	}
	if !bucket.Valid() {
		return "", e.issue(ctx, tx, rec, IssueMalformedPayload, "unknown bucket "+string(bucket), res)
	}
	confidence := rec.Confidence
	if c, ok := num(p, "confidence"); ok && c >= 0 && c <= 1 {
		confidence = c
	}
	value := json.RawMessage(`{}`)
	if v, ok := p["value"]; ok {
		b, err := envelope.CanonicalValue(v)
		if err != nil {
			return "", e.issue(ctx, tx, rec, IssueMalformedPayload, err.Error(), res)
		}
		value = b
	}

	lineage := false
	for _, id := range []string{str(p, "derived_from"), str(p, "source_event_id")} {
		if id == "" || lineage {
			continue
		}
		if lineage, err = tx.DecisionByEvent(ctx, id); err != nil {
			return "", err
		}
	}
	if !lineage {
		if lineage, err = tx.DecisionInTrace(ctx, rec.TraceID); err != nil {
			return "", err
		}
	}

	entry := MemoryEntry{
		EntryID:         rec.EventID,
		WorkspaceID:     rec.WorkspaceID,
		Bucket:          bucket,
		Key:             str(p, "key"),
		Value:           value,
		Status:          StatusCandidate,
		Confidence:      confidence,
		SourceEventID:   source,
		TraceID:         rec.TraceID,
		DecisionLineage: lineage,
		CreatedAt:       rec.TS,
		UpdatedAt:       rec.TS,
	}
	if bucket == BucketEphemeral {
		ttl, _ := num(p, "ttl_hours")
		exp := e.rules.ExpiresAt(rec.TS, ttl)
		entry.ExpiresAt = &exp
	}
	if err := tx.PutEntry(ctx, entry); err != nil {
		return "", err
	}
	res.Created = append(res.Created, entry.EntryID)
	return entry.EntryID, nil
}

// recordReferences stores a reference from rec to every candidate it cites and
// returns the cited entry ids.
func (e *Engine) recordReferences(ctx context.Context, tx Tx, rec envelope.Record, p map[string]interface{}) ([]string, error) {
	keys, ids := Citations(rec.Type, p)
	if len(keys) == 0 && len(ids) == 0 {
		return nil, nil
	}
	entries, err := tx.MatchingEntries(ctx, keys, ids)
	if err != nil {
		return nil, err
	}
	var cited []string
	for _, entry := range entries {
		if entry.EntryID == rec.EventID || entry.Status != StatusCandidate {
			continue
		}
		if err := tx.AddReference(ctx, Reference{
			WorkspaceID: rec.WorkspaceID,
			EntryID:     entry.EntryID,
			EventID:     rec.EventID,
			EventType:   rec.Type,
			SatelliteID: rec.SatelliteID,
			TS:          rec.TS,
		}); err != nil {
			return nil, err
		}
		if rec.Type == envelope.TypeDecisionRecorded && !entry.DecisionLineage {
			entry.DecisionLineage = true
			entry.UpdatedAt = rec.TS
			if err := tx.PutEntry(ctx, entry); err != nil {
				return nil, err
			}
		}
		cited = append(cited, entry.EntryID)
	}
	return cited, nil
}

func (e *Engine) evaluate(ctx context.Context, tx Tx, entryID string, rec envelope.Record, res *Result) error {
	entry, ok, err := tx.Entry(ctx, entryID)
	if err != nil || !ok || entry.Status != StatusCandidate {
		return err
	}
	refs, err := tx.CountReferences(ctx, entryID, e.rules.WindowStart(rec.TS), rec.TS)
	if err != nil {
		return err
	}
	if !e.rules.Eligible(entry, refs) {
		return nil
	}
	return e.promote(ctx, tx, entry, rec, res)
}

func (e *Engine) promote(ctx context.Context, tx Tx, entry MemoryEntry, rec envelope.Record, res *Result) error {
	at := rec.TS
	entry.Status = StatusPromoted
	entry.PromotedAt = &at
	entry.PromotedBy = rec.EventID
	entry.UpdatedAt = rec.TS
	if err := tx.PutEntry(ctx, entry); err != nil {
		return err
	}
	res.Promoted = append(res.Promoted, entry.EntryID)
	return nil
}

func (e *Engine) explicitPromote(ctx context.Context, tx Tx, rec envelope.Record, p map[string]interface{}, res *Result) error {
	id := str(p, "entry_id")
	if id == "" {
		return e.issue(ctx, tx, rec, IssueMalformedPayload, "promotion names no entry_id", res)
	}
	entry, ok, err := tx.Entry(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return e.issue(ctx, tx, rec, IssueOrphanReference, "no memory entry "+id, res)
	}
	switch entry.Status {
	case StatusRetracted:
		return e.issue(ctx, tx, rec, IssueTerminalState, "memory entry "+id+" is retracted", res)
	case StatusPromoted:
		return nil
	}
	return e.promote(ctx, tx, entry, rec, res)
}

func (e *Engine) retract(ctx context.Context, tx Tx, rec envelope.Record, p map[string]interface{}, res *Result) error {
	var targets []MemoryEntry
	if id := str(p, "entry_id"); id != "" {
		entry, ok, err := tx.Entry(ctx, id)
		if err != nil {
			return err
		}
		if !ok {
			return e.issue(ctx, tx, rec, IssueOrphanReference, "no memory entry "+id, res)
		}
		targets = append(targets, entry)
	} else {
		key := str(p, "key")
		if key == "" {
			return e.issue(ctx, tx, rec, IssueMalformedPayload, "retraction names neither entry_id nor key", res)
		}
		entries, err := tx.MatchingEntries(ctx, []string{key}, nil)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			return e.issue(ctx, tx, rec, IssueOrphanReference, "no memory entry with key "+key, res)
		}
		targets = entries
	}
	for _, entry := range targets {
		if entry.Status == StatusRetracted {
			continue
		}
		at := rec.TS
		entry.Status = StatusRetracted
		entry.RetractedAt = &at
		entry.RetractedBy = rec.EventID
		entry.UpdatedAt = rec.TS
		if err := tx.PutEntry(ctx, entry); err != nil {
			return err
		}
		res.Retracted = append(res.Retracted, entry.EntryID)
	}
	return nil
}

func (e *Engine) recordDecision(ctx context.Context, tx Tx, rec envelope.Record, p map[string]interface{}) error {
	return tx.PutDecision(ctx, Decision{
		DecisionID:  firstNonEmpty(str(p, "decision_id"), rec.EventID),
		WorkspaceID: rec.WorkspaceID,
		EventID:     rec.EventID,
		TraceID:     rec.TraceID,
		Title:       str(p, "title", "decision", "summary"),
		Severity:    rec.Severity,
		Confidence:  rec.Confidence,
		Payload:     rec.Payload,
		TS:          rec.TS,
	})
}

func (e *Engine) createTask(ctx context.Context, tx Tx, rec envelope.Record, p map[string]interface{}) error {
	id := firstNonEmpty(str(p, "task_id"), rec.EventID)
	task, ok, err := tx.Task(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		task = Task{TaskID: id, WorkspaceID: rec.WorkspaceID, CreatedEventID: rec.EventID, CreatedAt: rec.TS}
	}
	task.Title = str(p, "title", "name", "summary")
	task.Status = firstNonEmpty(normalizeStatus(str(p, "status")), "open")
	task.Payload = rec.Payload
	task.UpdatedEventID = rec.EventID
	task.UpdatedAt = rec.TS
	return tx.PutTask(ctx, task)
}

func (e *Engine) updateTask(ctx context.Context, tx Tx, rec envelope.Record, p map[string]interface{}, res *Result) error {
	id := str(p, "task_id")
	if id == "" {
		return e.issue(ctx, tx, rec, IssueMalformedPayload, "task update names no task_id", res)
	}
	task, ok, err := tx.Task(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return e.issue(ctx, tx, rec, IssueOrphanReference, "no task "+id, res)
	}
	merged, err := mergePayload(task.Payload, p)
	if err != nil {
		return e.issue(ctx, tx, rec, IssueMalformedPayload, err.Error(), res)
	}
	task.Payload = merged
	if s := normalizeStatus(str(p, "status")); s != "" {
		task.Status = s
	}
	if t := str(p, "title"); t != "" {
		task.Title = t
	}
	task.UpdatedEventID = rec.EventID
	task.UpdatedAt = rec.TS
	return tx.PutTask(ctx, task)
}

func (e *Engine) recordRisk(ctx context.Context, tx Tx, rec envelope.Record, p map[string]interface{}, kind, idField string) error {
	sev := envelope.Severity(strings.ToLower(str(p, "severity")))
	if !sev.Valid() {
		sev = rec.Severity
	}
	return tx.PutRisk(ctx, Risk{
		RiskID:      firstNonEmpty(str(p, idField), rec.EventID),
		WorkspaceID: rec.WorkspaceID,
		Kind:        kind,
		EventID:     rec.EventID,
		Title:       str(p, "title", "summary", "description"),
		Severity:    sev,
		Confidence:  rec.Confidence,
		Payload:     rec.Payload,
		TS:          rec.TS,
	})
}

func (e *Engine) issue(ctx context.Context, tx Tx, rec envelope.Record, kind, detail string, res *Result) error {
	is := Issue{
		WorkspaceID: rec.WorkspaceID,
		EventID:     rec.EventID,
		EventType:   rec.Type,
		Kind:        kind,
		Detail:      detail,
		TS:          rec.TS,
	}
	if err := tx.RecordIssue(ctx, is); err != nil {
		return err
	}
	res.Issues = append(res.Issues, is)
	return nil
}

// mergePayload overlays update onto the stored object, key by key.
func mergePayload(base json.RawMessage, update map[string]interface{}) (json.RawMessage, error) {
	merged, err := envelope.DecodeObject(base)
	if err != nil {
		return nil, err
	}
	for k, v := range update {
		merged[k] = v
	}
	return envelope.CanonicalValue(merged)
}

func normalizeStatus(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
